package proto

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/model"
)

// Writer appends fields and ops to a buffer and counts them. It is embedded
// by Message and by batch rows, which each patch their own counts.
type Writer struct {
	buf    *buffer.Buffer
	fields uint16
	ops    uint16
}

// Counts returns the number of fields and ops written
func (w *Writer) Counts() (uint16, uint16) { return w.fields, w.ops }

// Message builds one data message in a buffer. Field and op counts and the
// proto length are patched in by End.
type Message struct {
	Writer
	start int
	hdr   int
}

// Begin reserves proto and message header space at the end of b
func Begin(b *buffer.Buffer, h MsgHeader) *Message {
	m := &Message{Writer: Writer{buf: b}}
	m.start = b.WriteZeros(ProtoHeaderSize)
	m.hdr = b.WriteZeros(MsgHeaderSize)
	h.Encode(b.Bytes()[m.hdr:])
	return m
}

// Buffer returns the buffer the message is written to
func (m *Message) Buffer() *buffer.Buffer { return m.buf }

// End patches counts and the proto header and returns the message size
func (m *Message) End() int {
	data := m.buf.Bytes()
	binary.BigEndian.PutUint16(data[m.hdr+18:], m.fields)
	binary.BigEndian.PutUint16(data[m.hdr+20:], m.ops)
	size := m.buf.Len() - m.start
	EncodeProtoHeader(data[m.start:], TypeMessage, size-ProtoHeaderSize)
	return size
}

// Row builds one row of a multi-record response: a message header without a
// proto header, then fields and ops.
type Row struct {
	Writer
	hdr int
}

// BeginRow appends a row header to b
func BeginRow(b *buffer.Buffer, h MsgHeader) *Row {
	r := &Row{Writer: Writer{buf: b}}
	r.hdr = b.WriteZeros(MsgHeaderSize)
	h.Encode(b.Bytes()[r.hdr:])
	return r
}

// End patches the field and op counts of the row
func (r *Row) End() {
	data := r.buf.Bytes()
	binary.BigEndian.PutUint16(data[r.hdr+18:], r.fields)
	binary.BigEndian.PutUint16(data[r.hdr+20:], r.ops)
}

// BeginGroup reserves a proto header for a group of rows
func BeginGroup(b *buffer.Buffer) int {
	return b.WriteZeros(ProtoHeaderSize)
}

// EndGroup patches the proto header of a group started with BeginGroup
func EndGroup(b *buffer.Buffer, off int) {
	EncodeProtoHeader(b.Bytes()[off:], TypeMessage, b.Len()-off-ProtoHeaderSize)
}

// --------------------------------------------------------------------------
// Fields
// --------------------------------------------------------------------------

// Field writes a field with the given payload
func (w *Writer) Field(typ uint8, data []byte) {
	w.buf.WriteUint32(uint32(len(data) + 1))
	w.buf.WriteUint8(typ)
	w.buf.WriteBytes(data)
	w.fields++
}

// FieldString writes a string field
func (w *Writer) FieldString(typ uint8, s string) {
	w.buf.WriteUint32(uint32(len(s) + 1))
	w.buf.WriteUint8(typ)
	w.buf.WriteString(s)
	w.fields++
}

// FieldUint64 writes a big-endian 8 byte field
func (w *Writer) FieldUint64(typ uint8, v uint64) {
	w.buf.WriteUint32(9)
	w.buf.WriteUint8(typ)
	w.buf.WriteUint64(v)
	w.fields++
}

// FieldUint32 writes a big-endian 4 byte field
func (w *Writer) FieldUint32(typ uint8, v uint32) {
	w.buf.WriteUint32(5)
	w.buf.WriteUint8(typ)
	w.buf.WriteUint32(v)
	w.fields++
}

// BeginField starts a field whose size is not known yet and returns a token
// for EndField
func (w *Writer) BeginField(typ uint8) int {
	off := w.buf.WriteZeros(4)
	w.buf.WriteUint8(typ)
	w.fields++
	return off
}

// EndField patches the size of a field started with BeginField
func (w *Writer) EndField(off int) {
	w.buf.PutUint32At(off, uint32(w.buf.Len()-off-4))
}

// FieldsForKey writes namespace, set, digest and, when sendKey is set, the
// user key
func (w *Writer) FieldsForKey(key *model.Key, sendKey bool) error {
	w.FieldString(FieldNamespace, key.Namespace)
	if key.SetName != "" {
		w.FieldString(FieldSet, key.SetName)
	}
	w.Field(FieldDigest, key.Digest[:])
	if sendKey && key.UserKey != nil {
		v, err := model.NormalizeValue(key.UserKey)
		if err != nil {
			return err
		}
		ptype, data := EncodeValue(v)
		off := w.BeginField(FieldKey)
		w.buf.WriteUint8(ptype)
		w.buf.WriteBytes(data)
		w.EndField(off)
	}
	return nil
}

// FieldMRTID writes the transaction id little-endian
func (w *Writer) FieldMRTID(id int64) {
	w.buf.WriteUint32(9)
	w.buf.WriteUint8(FieldMRTID)
	w.buf.WriteBytes(binary.LittleEndian.AppendUint64(nil, uint64(id)))
	w.fields++
}

// FieldMRTDeadline writes the transaction deadline little-endian
func (w *Writer) FieldMRTDeadline(deadline uint32) {
	w.buf.WriteUint32(5)
	w.buf.WriteUint8(FieldMRTDeadline)
	w.buf.WriteBytes(binary.LittleEndian.AppendUint32(nil, deadline))
	w.fields++
}

// FieldRecordVersion writes a 7 byte little-endian record version
func (w *Writer) FieldRecordVersion(version uint64) {
	w.Field(FieldRecordVersion, EncodeRecordVersion(version))
}

// FieldPartitions writes a partition id array, two bytes little-endian each
func (w *Writer) FieldPartitions(ids []int) {
	off := w.BeginField(FieldPIDArray)
	for _, id := range ids {
		w.buf.WriteBytes(binary.LittleEndian.AppendUint16(nil, uint16(id)))
	}
	w.EndField(off)
}

// --------------------------------------------------------------------------
// Ops
// --------------------------------------------------------------------------

// Op writes one bin operation
func (w *Writer) Op(op *model.Operation) error {
	if len(op.BinName) > 15 {
		return fmt.Errorf("bin name %q exceeds 15 characters", op.BinName)
	}
	v, err := model.NormalizeValue(op.Value)
	if err != nil {
		return err
	}
	ptype, data := EncodeValue(v)

	w.buf.WriteUint32(uint32(4 + len(op.BinName) + len(data)))
	w.buf.WriteUint8(uint8(op.Type))
	w.buf.WriteUint8(ptype)
	w.buf.WriteUint8(0)
	w.buf.WriteUint8(uint8(len(op.BinName)))
	w.buf.WriteString(op.BinName)
	w.buf.WriteBytes(data)
	w.ops++
	return nil
}

// ReadBinOp writes a read of one bin
func (w *Writer) ReadBinOp(name string) error {
	return w.Op(&model.Operation{Type: model.OpRead, BinName: name})
}

// --------------------------------------------------------------------------
// Values
// --------------------------------------------------------------------------

// EncodeValue returns the particle type and bytes of a normalized value
func EncodeValue(v any) (uint8, []byte) {
	switch t := v.(type) {
	case nil:
		return ParticleNull, nil
	case int64:
		return ParticleInteger, binary.BigEndian.AppendUint64(nil, uint64(t))
	case float64:
		return ParticleFloat, binary.BigEndian.AppendUint64(nil, math.Float64bits(t))
	case string:
		return ParticleString, []byte(t)
	case []byte:
		return ParticleBlob, t
	default:
		// NormalizeValue has already rejected everything else
		return ParticleNull, nil
	}
}

// EncodeRecordVersion returns the 7 byte little-endian form of a version
func EncodeRecordVersion(version uint64) []byte {
	b := binary.LittleEndian.AppendUint64(nil, version)
	return b[:RecordVersionSize]
}
