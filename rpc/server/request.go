package server

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
)

// Request is a decoded data request
type Request struct {
	Header proto.MsgHeader

	Namespace  string
	Set        string
	Digest     [model.DigestSize]byte
	HasDigest  bool
	UserKey    any
	Version    uint64
	HasVersion bool
	TxnID      int64
	Deadline   uint32

	// scan and query
	Partitions []int
	Resume     [][]byte
	TaskID     uint64
	MaxRecords uint64
	Filter     *rangeFilter

	// batch index field payload
	Batch []byte

	Ops []*model.Operation
}

type rangeFilter struct {
	bin        string
	begin, end int64
}

func (f *rangeFilter) match(bins model.BinMap) bool {
	v, ok := bins[f.bin].(int64)
	return ok && v >= f.begin && v <= f.end
}

// IsBatch reports whether the request carries batch rows
func (r *Request) IsBatch() bool { return r.Header.Info1&proto.Info1Batch != 0 }

// IsScan reports whether the request addresses partitions instead of a key
func (r *Request) IsScan() bool {
	return !r.HasDigest && !r.IsBatch() && (r.TaskID != 0 || r.Partitions != nil || r.Resume != nil)
}

// WantsCompression reports whether the client accepts compressed responses
func (r *Request) WantsCompression() bool {
	return r.Header.Info1&proto.Info1CompressResponse != 0
}

// parseRequest decodes the payload of a data message
func parseRequest(payload []byte) (*Request, error) {
	c := buffer.NewCursor(payload)
	h, err := proto.ParseMsgHeader(c)
	if err != nil {
		return nil, err
	}
	r := &Request{Header: h}

	for i := 0; i < int(h.FieldCount); i++ {
		size := int(c.Uint32())
		if c.Err() != nil || size < 1 {
			return nil, fmt.Errorf("field %d: invalid size %d", i, size)
		}
		typ := c.Uint8()
		data := c.Bytes(size - 1)
		if c.Err() != nil {
			return nil, fmt.Errorf("field %d: %w", i, c.Err())
		}
		if err := r.setField(typ, data); err != nil {
			return nil, fmt.Errorf("field %d: %w", i, err)
		}
	}

	ops, err := proto.ParseRequestOps(c, int(h.OpCount))
	if err != nil {
		return nil, err
	}
	r.Ops = ops
	return r, nil
}

func (r *Request) setField(typ uint8, data []byte) error {
	switch typ {
	case proto.FieldNamespace:
		r.Namespace = string(data)
	case proto.FieldSet:
		r.Set = string(data)
	case proto.FieldDigest:
		if len(data) != model.DigestSize {
			return fmt.Errorf("digest of %d bytes", len(data))
		}
		copy(r.Digest[:], data)
		r.HasDigest = true
	case proto.FieldKey:
		if len(data) > 0 {
			r.UserKey = proto.DecodeValue(data[0], data[1:])
		}
	case proto.FieldRecordVersion:
		if len(data) != proto.RecordVersionSize {
			return fmt.Errorf("record version of %d bytes", len(data))
		}
		r.Version = proto.DecodeRecordVersion(data)
		r.HasVersion = true
	case proto.FieldMRTID:
		if len(data) != 8 {
			return fmt.Errorf("transaction id of %d bytes", len(data))
		}
		r.TxnID = int64(binary.LittleEndian.Uint64(data))
	case proto.FieldMRTDeadline:
		if len(data) == 4 {
			r.Deadline = binary.LittleEndian.Uint32(data)
		}
	case proto.FieldPIDArray:
		r.Partitions = proto.DecodePartitions(data)
	case proto.FieldDigestArray:
		if len(data)%model.DigestSize != 0 {
			return fmt.Errorf("digest array of %d bytes", len(data))
		}
		for off := 0; off < len(data); off += model.DigestSize {
			r.Resume = append(r.Resume, data[off:off+model.DigestSize])
		}
	case proto.FieldTaskID:
		if len(data) == 8 {
			r.TaskID = binary.BigEndian.Uint64(data)
		}
	case proto.FieldMaxRecords:
		if len(data) == 8 {
			r.MaxRecords = binary.BigEndian.Uint64(data)
		}
	case proto.FieldIndexRange:
		c := buffer.NewCursor(data)
		name := c.String(int(c.Uint8()))
		begin, end := c.Int64(), c.Int64()
		if c.Err() != nil {
			return fmt.Errorf("index range: %w", c.Err())
		}
		r.Filter = &rangeFilter{bin: name, begin: begin, end: end}
	case proto.FieldBatchIndex:
		r.Batch = data
	}
	return nil
}

// --------------------------------------------------------------------------
// Response writing
// --------------------------------------------------------------------------

// response collects the proto messages answering one request
type response struct {
	buf   buffer.Buffer
	multi bool

	// open group of a multi-record response
	group int
	rows  int
}

// row is one answer row: a single record response or a row of a group
type row struct {
	Code       model.ResultCode
	Info3      uint8
	Generation uint32
	TTL        uint32
	Index      uint32

	Namespace  string
	Set        string
	Digest     []byte
	UserKey    any
	Version    uint64
	HasVersion bool
	Deadline   uint32
	Bins       []*model.Operation
}

func (w *row) writeBody(wr *proto.Writer) {
	if w.Namespace != "" {
		wr.FieldString(proto.FieldNamespace, w.Namespace)
	}
	if w.Set != "" {
		wr.FieldString(proto.FieldSet, w.Set)
	}
	if w.Digest != nil {
		wr.Field(proto.FieldDigest, w.Digest)
	}
	if w.UserKey != nil {
		if ptype, data := proto.EncodeValue(w.UserKey); ptype != proto.ParticleNull {
			wr.Field(proto.FieldKey, append([]byte{ptype}, data...))
		}
	}
	if w.HasVersion {
		wr.FieldRecordVersion(w.Version)
	}
	if w.Deadline != 0 {
		wr.FieldMRTDeadline(w.Deadline)
	}
	for _, op := range w.Bins {
		// values come from the store and are always encodable
		_ = wr.Op(op)
	}
}

func (w *row) header() proto.MsgHeader {
	return proto.MsgHeader{
		Info3:      w.Info3,
		ResultCode: uint8(w.Code),
		Generation: w.Generation,
		Expiration: w.TTL,
		Timeout:    w.Index,
	}
}

// single writes a complete single record response
func (r *response) single(w *row) {
	m := proto.Begin(&r.buf, w.header())
	w.writeBody(&m.Writer)
	m.End()
}

// add appends a row to the open group, starting one when needed. A group
// is closed after rowsPerGroup rows.
func (r *response) add(w *row, rowsPerGroup int) {
	if r.rows == 0 {
		r.group = proto.BeginGroup(&r.buf)
	}
	rw := proto.BeginRow(&r.buf, w.header())
	w.writeBody(&rw.Writer)
	rw.End()
	r.rows++
	if rowsPerGroup > 0 && r.rows >= rowsPerGroup {
		r.flush()
	}
}

// last closes the stream with a LAST row carrying code
func (r *response) last(code model.ResultCode) {
	r.add(&row{Code: code, Info3: proto.Info3Last}, 0)
	r.flush()
}

func (r *response) flush() {
	if r.rows > 0 {
		proto.EndGroup(&r.buf, r.group)
		r.rows = 0
	}
}

// messages splits the response buffer into its proto messages
func (r *response) messages() [][]byte {
	var out [][]byte
	data := r.buf.Bytes()
	for len(data) >= proto.ProtoHeaderSize {
		h, err := proto.ParseProtoHeader(data)
		if err != nil {
			break
		}
		n := proto.ProtoHeaderSize + h.Length
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
