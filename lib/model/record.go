package model

import "fmt"

// BinMap maps bin names to values. Values are nil, int64, float64, string or []byte.
type BinMap map[string]any

// Bin is a single named value
type Bin struct {
	Name  string
	Value any
}

// NewBin creates a bin
func NewBin(name string, value any) *Bin {
	return &Bin{Name: name, Value: value}
}

// Record is the result of a read
type Record struct {
	Key        *Key
	Bins       BinMap
	Generation uint32
	Expiration uint32
	Node       string
}

func (r *Record) String() string {
	return fmt.Sprintf("%v gen=%d exp=%d bins=%v", r.Key, r.Generation, r.Expiration, r.Bins)
}

// NormalizeValue converts Go values to one of the supported value types.
// It returns an error for types that have no wire representation.
func NormalizeValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, int64, float64, string, []byte:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}
