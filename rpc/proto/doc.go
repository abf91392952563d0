// Package proto implements the wire framing used between the client core and
// the database nodes.
//
// Every message starts with an 8 byte proto header:
//
//	bits 56..63  version (2)
//	bits 48..55  type: 1 info, 2 admin, 3 message, 4 compressed message
//	bits  0..47  payload length
//
// A data message payload starts with a 22 byte message header:
//
//	offset 0      header size (22)
//	offset 1..4   info1, info2, info3, info4 flags
//	offset 5      result code
//	offset 6..9   generation (partition id in partition-done rows)
//	offset 10..13 expiration
//	offset 14..17 server timeout / txn ttl (row index in batch responses)
//	offset 18..19 field count
//	offset 20..21 op count
//
// followed by fields (u32 size = 1 + data length, u8 type, data) and ops
// (u32 size = 4 + name length + value length, u8 op, u8 particle type,
// u8 zero, u8 name length, name, value).
//
// Multi-record responses (batch, scan, query) are a stream of proto
// messages, each holding any number of rows back to back. A row with
// INFO3_LAST ends the stream and a proto message with zero payload carries no
// rows. Batch rows carry their request row index at offset 14. Scan and query
// rows with INFO3_PARTITION_DONE report the end of one partition: the
// partition id is in the generation field and the status in the result code.
//
// A compressed message (type 4) carries an 8 byte uncompressed size followed
// by a zlib stream that inflates to a complete message including its own
// proto header.
//
// Admin messages (type 2) carry a 16 byte admin header (byte 1 result code,
// byte 2 command, byte 3 field count) and admin fields
// (u32 size = 1 + data length, u8 id, data). They are used for session token
// authentication.
//
// Key Components:
//   - ProtoHeader and MsgHeader: encode and parse the two headers
//   - Message: builds one data message (fields, ops, batch rows) into a buffer.Buffer
//   - ParseFields, ParseOps: decode fields and bins with a buffer.Cursor
//   - WriteAuth, ParseAdminResult: session token authentication
//   - Compress, Decompress: zlib framing via klauspost/compress
//   - WriteFrame, ReadFrame: blocking framing over io.Reader/io.Writer for the
//     server side and tools
package proto
