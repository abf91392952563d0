package model

// OperationType is the wire op code of an operation
type OperationType uint8

const (
	OpRead    OperationType = 1
	OpWrite   OperationType = 2
	OpIncr    OperationType = 5
	OpAppend  OperationType = 9
	OpPrepend OperationType = 10
	OpTouch   OperationType = 11
	OpDelete  OperationType = 14
)

func (t OperationType) String() string {
	switch t {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpIncr:
		return "incr"
	case OpAppend:
		return "append"
	case OpPrepend:
		return "prepend"
	case OpTouch:
		return "touch"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// IsWrite reports whether the op modifies the record
func (t OperationType) IsWrite() bool {
	return t != OpRead
}

// Operation is a single bin operation of an operate or batch command.
// An empty BinName on a read means read all bins.
type Operation struct {
	Type    OperationType
	BinName string
	Value   any
}

// GetOp reads all bins
func GetOp() *Operation { return &Operation{Type: OpRead} }

// GetBinOp reads one bin
func GetBinOp(name string) *Operation { return &Operation{Type: OpRead, BinName: name} }

// PutOp writes a bin
func PutOp(bin *Bin) *Operation {
	return &Operation{Type: OpWrite, BinName: bin.Name, Value: bin.Value}
}

// AddOp increments an integer or float bin
func AddOp(bin *Bin) *Operation {
	return &Operation{Type: OpIncr, BinName: bin.Name, Value: bin.Value}
}

// AppendOp appends to a string or blob bin
func AppendOp(bin *Bin) *Operation {
	return &Operation{Type: OpAppend, BinName: bin.Name, Value: bin.Value}
}

// PrependOp prepends to a string or blob bin
func PrependOp(bin *Bin) *Operation {
	return &Operation{Type: OpPrepend, BinName: bin.Name, Value: bin.Value}
}

// TouchOp resets the record expiration
func TouchOp() *Operation { return &Operation{Type: OpTouch} }

// DeleteOp deletes the record
func DeleteOp() *Operation { return &Operation{Type: OpDelete} }

// HasWrite reports whether any op modifies the record
func HasWrite(ops []*Operation) bool {
	for _, op := range ops {
		if op.Type.IsWrite() {
			return true
		}
	}
	return false
}

// BinsToOps turns a bin map into write ops in a stable order
func BinsToOps(bins []*Bin) []*Operation {
	ops := make([]*Operation, len(bins))
	for i, b := range bins {
		ops[i] = PutOp(b)
	}
	return ops
}
