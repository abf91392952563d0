package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/model"
)

// AdminField is one field of an admin message
type AdminField struct {
	ID   uint8
	Data []byte
}

// WriteAuth appends an authenticate message carrying user and session token
func WriteAuth(b *buffer.Buffer, user string, token []byte) int {
	return writeAdmin(b, AdminAuthenticate, 0,
		AdminField{AdminFieldUser, []byte(user)},
		AdminField{AdminFieldSessionToken, token})
}

// WriteLogin appends a login message. The server answers with a session
// token and its ttl in seconds.
func WriteLogin(b *buffer.Buffer, user, password string) int {
	return writeAdmin(b, AdminLogin, 0,
		AdminField{AdminFieldUser, []byte(user)},
		AdminField{AdminFieldClearPassword, []byte(password)})
}

// WriteAdminResult appends an admin response with the given result code
func WriteAdminResult(b *buffer.Buffer, code uint8, fields ...AdminField) int {
	return writeAdmin(b, 0, code, fields...)
}

// writeAdmin appends an admin message: proto header, 16 byte admin header
// (byte 1 result code, byte 2 command, byte 3 field count), then fields of
// u32 size, u8 id, data
func writeAdmin(b *buffer.Buffer, command, code uint8, fields ...AdminField) int {
	start := b.WriteZeros(ProtoHeaderSize)
	hdr := b.WriteZeros(AdminHeaderSize)
	data := b.Bytes()
	data[hdr+1] = code
	data[hdr+2] = command
	data[hdr+3] = uint8(len(fields))

	for _, f := range fields {
		b.WriteUint32(uint32(len(f.Data) + 1))
		b.WriteUint8(f.ID)
		b.WriteBytes(f.Data)
	}

	size := b.Len() - start
	EncodeProtoHeader(b.Bytes()[start:], TypeAdmin, size-ProtoHeaderSize)
	return size
}

// ParseAdminResult returns the result code of an admin response payload
func ParseAdminResult(payload []byte) (model.ResultCode, error) {
	if len(payload) < AdminHeaderSize {
		return 0, fmt.Errorf("admin response of %d bytes is shorter than its header", len(payload))
	}
	return model.ResultCode(payload[1]), nil
}

// AdminMessage is a decoded admin request or response
type AdminMessage struct {
	Command    uint8
	ResultCode model.ResultCode
	Fields     map[uint8][]byte
}

// SessionTTL returns the session ttl field in seconds, zero when absent
func (m AdminMessage) SessionTTL() uint32 {
	if f := m.Fields[AdminFieldSessionTTL]; len(f) == 4 {
		return binary.BigEndian.Uint32(f)
	}
	return 0
}

// ParseAdminMessage decodes an admin message payload
func ParseAdminMessage(payload []byte) (AdminMessage, error) {
	c := buffer.NewCursor(payload)
	c.Skip(1)
	msg := AdminMessage{Fields: map[uint8][]byte{}}
	msg.ResultCode = model.ResultCode(c.Uint8())
	msg.Command = c.Uint8()
	count := int(c.Uint8())
	c.Skip(AdminHeaderSize - 4)
	for i := 0; i < count; i++ {
		size := int(c.Uint32())
		if size < 1 {
			return msg, fmt.Errorf("admin field %d: invalid size %d", i, size)
		}
		id := c.Uint8()
		msg.Fields[id] = c.CopyBytes(size - 1)
	}
	if err := c.Err(); err != nil {
		return msg, fmt.Errorf("admin message: %w", err)
	}
	return msg, nil
}
