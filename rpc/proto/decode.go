package proto

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/model"
)

// Fields holds the fields of a response row the client core cares about
type Fields struct {
	Namespace   string
	Set         string
	Digest      []byte
	UserKey     any
	Version     uint64
	HasVersion  bool
	Deadline    uint32
	HasDeadline bool
	TxnID       int64
}

// ParseFields reads count fields at the cursor position. Unknown field types
// are skipped.
func ParseFields(c *buffer.Cursor, count int) (Fields, error) {
	var f Fields
	for i := 0; i < count; i++ {
		size := int(c.Uint32())
		if c.Err() != nil {
			break
		}
		if size < 1 {
			return f, fmt.Errorf("invalid field size %d", size)
		}
		typ := c.Uint8()
		data := c.Bytes(size - 1)
		if c.Err() != nil {
			break
		}

		switch typ {
		case FieldNamespace:
			f.Namespace = string(data)
		case FieldSet:
			f.Set = string(data)
		case FieldDigest:
			f.Digest = append([]byte(nil), data...)
		case FieldKey:
			if len(data) > 0 {
				f.UserKey = DecodeValue(data[0], data[1:])
			}
		case FieldRecordVersion:
			if len(data) != RecordVersionSize {
				return f, fmt.Errorf("invalid record version size %d", len(data))
			}
			f.Version = DecodeRecordVersion(data)
			f.HasVersion = true
		case FieldMRTDeadline:
			if len(data) == 4 {
				f.Deadline = binary.LittleEndian.Uint32(data)
				f.HasDeadline = true
			}
		case FieldMRTID:
			if len(data) == 8 {
				f.TxnID = int64(binary.LittleEndian.Uint64(data))
			}
		}
	}
	if err := c.Err(); err != nil {
		return f, fmt.Errorf("fields: %w", err)
	}
	return f, nil
}

// SkipFields advances past count fields
func SkipFields(c *buffer.Cursor, count int) error {
	for i := 0; i < count; i++ {
		size := int(c.Uint32())
		c.Skip(size)
	}
	return c.Err()
}

// ParseOps reads count ops into a bin map. When a bin appears more than once
// (an operate command answering every op) the values are collected in order
// into a []any.
func ParseOps(c *buffer.Cursor, count int) (model.BinMap, error) {
	if count == 0 {
		return nil, nil
	}
	bins := make(model.BinMap, count)
	multi := map[string]bool{}
	for i := 0; i < count; i++ {
		size := int(c.Uint32())
		c.Uint8() // op type
		ptype := c.Uint8()
		c.Uint8()
		nameLen := int(c.Uint8())
		if c.Err() != nil {
			break
		}
		valueLen := size - 4 - nameLen
		if valueLen < 0 {
			return nil, fmt.Errorf("invalid op size %d for name length %d", size, nameLen)
		}
		name := c.String(nameLen)
		data := c.Bytes(valueLen)
		if c.Err() != nil {
			break
		}

		value := DecodeValue(ptype, data)
		prev, exists := bins[name]
		switch {
		case !exists:
			bins[name] = value
		case multi[name]:
			bins[name] = append(prev.([]any), value)
		default:
			bins[name] = []any{prev, value}
			multi[name] = true
		}
	}
	if err := c.Err(); err != nil {
		return nil, fmt.Errorf("ops: %w", err)
	}
	return bins, nil
}

// SkipOps advances past count ops
func SkipOps(c *buffer.Cursor, count int) error {
	for i := 0; i < count; i++ {
		size := int(c.Uint32())
		c.Skip(size)
	}
	return c.Err()
}

// DecodeValue turns particle bytes into a value. Byte slices are copied so
// the result does not alias the receive buffer.
func DecodeValue(ptype uint8, data []byte) any {
	switch ptype {
	case ParticleNull:
		return nil
	case ParticleInteger:
		if len(data) != 8 {
			return nil
		}
		return int64(binary.BigEndian.Uint64(data))
	case ParticleFloat:
		if len(data) != 8 {
			return nil
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data))
	case ParticleString:
		return string(data)
	default:
		return append([]byte(nil), data...)
	}
}

// DecodeRecordVersion reads a 7 byte little-endian version
func DecodeRecordVersion(b []byte) uint64 {
	var full [8]byte
	copy(full[:], b[:RecordVersionSize])
	return binary.LittleEndian.Uint64(full[:])
}

// GroupHasLast walks the rows of a multi-record group without decoding them
// and reports whether one of them ends the stream
func GroupHasLast(payload []byte) (bool, error) {
	c := buffer.NewCursor(payload)
	for c.Remaining() > 0 {
		h, err := ParseMsgHeader(c)
		if err != nil {
			return false, err
		}
		if h.IsLast() {
			return true, nil
		}
		if err := SkipFields(c, int(h.FieldCount)); err != nil {
			return false, err
		}
		if err := SkipOps(c, int(h.OpCount)); err != nil {
			return false, err
		}
	}
	return false, nil
}
