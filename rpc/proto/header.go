package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
)

// ProtoHeader is the 8 byte header in front of every message
type ProtoHeader struct {
	Version uint8
	Type    uint8
	Length  int
}

// EncodeProtoHeader writes a proto header into b[0:8]
func EncodeProtoHeader(b []byte, typ uint8, length int) {
	v := uint64(ProtoVersion)<<56 | uint64(typ)<<48 | uint64(length)&0xFFFFFFFFFFFF
	binary.BigEndian.PutUint64(b, v)
}

// ParseProtoHeader decodes b[0:8]. It rejects unknown versions and types
// and payloads above MaxProtoSize.
func ParseProtoHeader(b []byte) (ProtoHeader, error) {
	if len(b) < ProtoHeaderSize {
		return ProtoHeader{}, fmt.Errorf("proto header needs %d bytes, got %d", ProtoHeaderSize, len(b))
	}
	v := binary.BigEndian.Uint64(b)
	h := ProtoHeader{
		Version: uint8(v >> 56),
		Type:    uint8(v >> 48),
		Length:  int(v & 0xFFFFFFFFFFFF),
	}
	if h.Version != ProtoVersion {
		return h, fmt.Errorf("invalid proto version %d", h.Version)
	}
	switch h.Type {
	case TypeInfo, TypeAdmin, TypeMessage, TypeCompressed:
	default:
		return h, fmt.Errorf("invalid proto type %d", h.Type)
	}
	if h.Length > MaxProtoSize {
		return h, fmt.Errorf("proto payload of %d bytes exceeds limit %d", h.Length, MaxProtoSize)
	}
	return h, nil
}

// MsgHeader is the 22 byte header of a data message or of one row of a
// multi-record response
type MsgHeader struct {
	Info1      uint8
	Info2      uint8
	Info3      uint8
	Info4      uint8
	ResultCode uint8
	Generation uint32
	Expiration uint32
	// Timeout is the server timeout in requests, the txn ttl in txn
	// responses and the row index in batch responses
	Timeout    uint32
	FieldCount uint16
	OpCount    uint16
}

// IsLast reports whether the row ends a multi-record stream
func (h MsgHeader) IsLast() bool { return h.Info3&Info3Last != 0 }

// IsPartitionDone reports whether the row reports the end of a partition
func (h MsgHeader) IsPartitionDone() bool { return h.Info3&Info3PartitionDone != 0 }

// BatchIndex returns the request row index of a batch response row
func (h MsgHeader) BatchIndex() int { return int(h.Timeout) }

// Encode writes the header into b[0:22]
func (h MsgHeader) Encode(b []byte) {
	b[0] = MsgHeaderSize
	b[1] = h.Info1
	b[2] = h.Info2
	b[3] = h.Info3
	b[4] = h.Info4
	b[5] = h.ResultCode
	binary.BigEndian.PutUint32(b[6:], h.Generation)
	binary.BigEndian.PutUint32(b[10:], h.Expiration)
	binary.BigEndian.PutUint32(b[14:], h.Timeout)
	binary.BigEndian.PutUint16(b[18:], h.FieldCount)
	binary.BigEndian.PutUint16(b[20:], h.OpCount)
}

// ParseMsgHeader reads a message header at the cursor position. The header
// size byte is honoured so that larger future headers are skipped.
func ParseMsgHeader(c *buffer.Cursor) (MsgHeader, error) {
	start := c.Pos()
	size := int(c.Uint8())
	h := MsgHeader{
		Info1:      c.Uint8(),
		Info2:      c.Uint8(),
		Info3:      c.Uint8(),
		Info4:      c.Uint8(),
		ResultCode: c.Uint8(),
		Generation: c.Uint32(),
		Expiration: c.Uint32(),
		Timeout:    c.Uint32(),
		FieldCount: c.Uint16(),
		OpCount:    c.Uint16(),
	}
	if err := c.Err(); err != nil {
		return h, fmt.Errorf("message header: %w", err)
	}
	if size < MsgHeaderSize {
		return h, fmt.Errorf("invalid message header size %d", size)
	}
	if extra := size - (c.Pos() - start); extra > 0 {
		c.Skip(extra)
	}
	return h, c.Err()
}
