package proto

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/model"
)

// Batch request layout inside the FieldBatchIndex field:
//
//	u32 row count, u8 batch flags, then per row:
//	u32 row index, 20 byte digest, u8 row flags (BatchMsgInfo|Gen|TTL|Info4),
//	info1, info2, info3, info4, u32 generation, u32 expiration,
//	u16 field count, u16 op count, fields, ops

// BatchRowHeader describes one request row
type BatchRowHeader struct {
	Index      int
	Key        *model.Key
	Info1      uint8
	Info2      uint8
	Info3      uint8
	Info4      uint8
	Generation uint32
	Expiration uint32
}

// rowFixedSize is the row header size after the digest, before fields
const rowFixedSize = 1 + 4 + 4 + 4 + 2 + 2

// BatchWriter writes the rows of a batch index field
type BatchWriter struct {
	msg      *Message
	fieldOff int
	countOff int
	count    uint32
}

// BeginBatch opens the batch index field of m
func (m *Message) BeginBatch(flags uint8) *BatchWriter {
	bw := &BatchWriter{msg: m}
	bw.fieldOff = m.BeginField(FieldBatchIndex)
	bw.countOff = m.buf.WriteZeros(4)
	m.buf.WriteUint8(flags)
	return bw
}

// Row starts a row. Namespace and set fields are written by Row, further
// fields and the ops are added on the returned writer before EndRow.
func (bw *BatchWriter) Row(h BatchRowHeader) *BatchRow {
	b := bw.msg.buf
	b.WriteUint32(uint32(h.Index))
	b.WriteBytes(h.Key.Digest[:])
	b.WriteUint8(BatchMsgInfo | BatchMsgGen | BatchMsgTTL | BatchMsgInfo4)
	b.WriteUint8(h.Info1)
	b.WriteUint8(h.Info2)
	b.WriteUint8(h.Info3)
	b.WriteUint8(h.Info4)
	b.WriteUint32(h.Generation)
	b.WriteUint32(h.Expiration)
	countsOff := b.WriteZeros(4)

	r := &BatchRow{Writer: Writer{buf: b}, batch: bw, countsOff: countsOff}
	r.FieldString(FieldNamespace, h.Key.Namespace)
	if h.Key.SetName != "" {
		r.FieldString(FieldSet, h.Key.SetName)
	}
	return r
}

// End closes the batch index field
func (bw *BatchWriter) End() {
	bw.msg.buf.PutUint32At(bw.countOff, bw.count)
	bw.msg.EndField(bw.fieldOff)
}

// BatchRow is one request row under construction
type BatchRow struct {
	Writer
	batch     *BatchWriter
	countsOff int
}

// EndRow patches the field and op counts of the row
func (r *BatchRow) EndRow() {
	r.buf.PutUint16At(r.countsOff, r.fields)
	r.buf.PutUint16At(r.countsOff+2, r.ops)
	r.batch.count++
}

// ParsedBatchRow is a request row decoded by the server side
type ParsedBatchRow struct {
	BatchRowHeader
	Namespace string
	Set       string
	Fields    Fields
	Ops       []*model.Operation
}

// ParseBatchRequest decodes the batch index field payload
func ParseBatchRequest(data []byte) ([]ParsedBatchRow, uint8, error) {
	c := buffer.NewCursor(data)
	count := int(c.Uint32())
	flags := c.Uint8()
	if c.Err() != nil {
		return nil, 0, fmt.Errorf("batch header: %w", c.Err())
	}

	rows := make([]ParsedBatchRow, 0, count)
	for i := 0; i < count; i++ {
		var r ParsedBatchRow
		r.Index = int(c.Uint32())
		digest := c.Bytes(model.DigestSize)
		rowFlags := c.Uint8()
		if c.Err() != nil {
			return nil, 0, fmt.Errorf("batch row %d: %w", i, c.Err())
		}
		if rowFlags&BatchMsgRepeat != 0 {
			return nil, 0, fmt.Errorf("batch row %d: repeat rows are not supported", i)
		}
		if c.Remaining() < rowFixedSize-1 {
			return nil, 0, fmt.Errorf("batch row %d: short row", i)
		}
		r.Info1, r.Info2, r.Info3, r.Info4 = c.Uint8(), c.Uint8(), c.Uint8(), c.Uint8()
		r.Generation = c.Uint32()
		r.Expiration = c.Uint32()
		fieldCount := int(c.Uint16())
		opCount := int(c.Uint16())

		f, err := ParseFields(c, fieldCount)
		if err != nil {
			return nil, 0, fmt.Errorf("batch row %d: %w", i, err)
		}
		r.Fields = f
		r.Namespace, r.Set = f.Namespace, f.Set
		key, err := model.NewKeyWithDigest(f.Namespace, f.Set, digest)
		if err != nil {
			return nil, 0, err
		}
		r.Key = key

		ops, err := ParseRequestOps(c, opCount)
		if err != nil {
			return nil, 0, fmt.Errorf("batch row %d: %w", i, err)
		}
		r.Ops = ops
		rows = append(rows, r)
	}
	return rows, flags, nil
}

// ParseRequestOps decodes request ops keeping their types and order
func ParseRequestOps(c *buffer.Cursor, count int) ([]*model.Operation, error) {
	ops := make([]*model.Operation, 0, count)
	for i := 0; i < count; i++ {
		size := int(c.Uint32())
		opType := c.Uint8()
		ptype := c.Uint8()
		c.Uint8()
		nameLen := int(c.Uint8())
		valueLen := size - 4 - nameLen
		if c.Err() != nil || valueLen < 0 {
			return nil, fmt.Errorf("invalid op %d", i)
		}
		name := c.String(nameLen)
		data := c.Bytes(valueLen)
		if c.Err() != nil {
			return nil, fmt.Errorf("op %d: %w", i, c.Err())
		}
		ops = append(ops, &model.Operation{
			Type:    model.OperationType(opType),
			BinName: name,
			Value:   DecodeValue(ptype, data),
		})
	}
	return ops, nil
}

// DecodePartitions decodes a partition id array field
func DecodePartitions(data []byte) []int {
	ids := make([]int, len(data)/2)
	for i := range ids {
		ids[i] = int(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return ids
}
