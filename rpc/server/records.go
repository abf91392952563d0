package server

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/store"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
)

// defaultTxnTimeout is the monitor lifetime when the client sends none
const defaultTxnTimeout = 10 * time.Second

// monitor bins, see lib/async
const (
	monitorBinDigests = "keyds"
	monitorBinForward = "fwd"
)

// command is one record command, either a single request or a batch row
type command struct {
	Namespace  string
	Set        string
	Digest     [model.DigestSize]byte
	UserKey    any
	Info1      uint8
	Info2      uint8
	Info3      uint8
	Info4      uint8
	Generation uint32
	Expiration uint32
	TxnID      int64
	Version    uint64
	HasVersion bool
	Ops        []*model.Operation
}

func commandFromRequest(r *Request) *command {
	return &command{
		Namespace:  r.Namespace,
		Set:        r.Set,
		Digest:     r.Digest,
		UserKey:    r.UserKey,
		Info1:      r.Header.Info1,
		Info2:      r.Header.Info2,
		Info3:      r.Header.Info3,
		Info4:      r.Header.Info4,
		Generation: r.Header.Generation,
		Expiration: r.Header.Expiration,
		TxnID:      r.TxnID,
		Version:    r.Version,
		HasVersion: r.HasVersion,
		Ops:        r.Ops,
	}
}

func commandFromRow(r *proto.ParsedBatchRow) *command {
	return &command{
		Namespace:  r.Namespace,
		Set:        r.Set,
		Digest:     r.Key.Digest,
		UserKey:    r.Fields.UserKey,
		Info1:      r.Info1,
		Info2:      r.Info2,
		Info3:      r.Info3,
		Info4:      r.Info4,
		Generation: r.Generation,
		Expiration: r.Expiration,
		TxnID:      r.Fields.TxnID,
		Version:    r.Fields.Version,
		HasVersion: r.Fields.HasVersion,
		Ops:        r.Ops,
	}
}

func (c *command) isWrite() bool  { return c.Info2&proto.Info2Write != 0 }
func (c *command) isMonitor() bool { return c.Set == model.MonitorSetName }

// --------------------------------------------------------------------------
// Transaction undo log
// --------------------------------------------------------------------------

type recordKey struct {
	namespace string
	digest    [model.DigestSize]byte
}

// txnLog holds the committed images of the records a transaction wrote. A
// nil image means the record did not exist.
type txnLog struct {
	mu   sync.Mutex
	undo map[recordKey]*store.Entry
}

// remember stores the image of the first provisional write of a record
func (l *txnLog) remember(k recordKey, old *store.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.undo[k]; !ok {
		l.undo[k] = old
	}
}

func (l *txnLog) take(k recordKey) (*store.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.undo[k]
	delete(l.undo, k)
	return e, ok
}

func (l *txnLog) image(k recordKey) (*store.Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.undo[k]
	return e, ok
}

func (s *Server) txnLog(id int64) *txnLog {
	l, _ := s.txns.LoadOrCompute(id, func() *txnLog {
		return &txnLog{undo: map[recordKey]*store.Entry{}}
	})
	return l
}

// errUnchanged leaves a record as it is and answers OK
var errUnchanged = store.NewError(model.OK, "unchanged")

// --------------------------------------------------------------------------
// Execution
// --------------------------------------------------------------------------

// execute runs a record command against the store
func (s *Server) execute(c *command) *row {
	switch {
	case c.Info4&proto.Info4MRTVerifyRead != 0:
		return s.verify(c)
	case c.Info4&(proto.Info4MRTRollForward|proto.Info4MRTRollBack) != 0:
		return s.roll(c)
	case c.isWrite():
		return s.write(c)
	default:
		return s.read(c)
	}
}

func (s *Server) read(c *command) *row {
	now := s.now()
	e, ok := s.store.Get(c.Namespace, c.Digest)
	if ok && e.Txn != 0 && e.Txn != c.TxnID {
		if c.TxnID != 0 {
			return &row{Code: model.MRTBlocked}
		}
		// outside the owning transaction the committed image is visible
		if l, found := s.txns.Load(e.Txn); found {
			if img, has := l.image(recordKey{c.Namespace, c.Digest}); has {
				e, ok = img, img != nil
			}
		}
	}
	if !ok {
		return &row{Code: model.KeyNotFound}
	}

	r := &row{Code: model.OK, Generation: e.Generation, TTL: e.TTL(now)}
	if c.TxnID != 0 && e.Txn != c.TxnID {
		r.Version, r.HasVersion = e.Version, true
	}
	switch {
	case c.Info1&proto.Info1NoBinData != 0:
	case c.Info1&proto.Info1GetAll != 0 || len(c.Ops) == 0:
		r.Bins = allBins(e.Bins)
	default:
		for _, op := range c.Ops {
			if v, has := e.Bins[op.BinName]; has {
				r.Bins = append(r.Bins, &model.Operation{Type: model.OpRead, BinName: op.BinName, Value: v})
			}
		}
	}
	return r
}

func (s *Server) write(c *command) *row {
	now := s.now()
	k := recordKey{c.Namespace, c.Digest}
	var resp []*model.Operation

	next, err := s.store.Compute(c.Namespace, c.Digest, func(old *store.Entry) (*store.Entry, error) {
		if old != nil && old.Txn != 0 && old.Txn != c.TxnID {
			return nil, store.NewError(model.MRTBlocked, "record locked by another transaction")
		}
		if c.TxnID != 0 && c.HasVersion && old != nil && old.Txn == 0 && old.Version != c.Version {
			return nil, store.NewError(model.MRTVersionMismatch, "record changed since read")
		}
		if c.isMonitor() {
			if err := checkMonitor(c, old); err != nil {
				return nil, err
			}
		}

		var (
			next *store.Entry
			code model.ResultCode
		)
		if c.Info2&proto.Info2Delete != 0 {
			if old == nil {
				return nil, store.NewError(model.KeyNotFound, "record not found")
			}
			if c.Info2&proto.Info2Generation != 0 && old.Generation != c.Generation {
				return nil, store.NewError(model.GenerationError, "generation mismatch")
			}
		} else {
			next, resp, code = applyOps(old, c, now)
			if code != model.OK {
				return nil, store.NewError(code, "")
			}
		}

		if c.TxnID != 0 && !c.isMonitor() {
			if old == nil || old.Txn == 0 {
				s.txnLog(c.TxnID).remember(k, old)
			}
			if next != nil {
				next.Txn = c.TxnID
			}
		}
		return next, nil
	})

	var serr *store.Error
	if errors.As(err, &serr) {
		return &row{Code: serr.Code}
	}
	if err != nil {
		return &row{Code: model.ServerError}
	}

	r := &row{Code: model.OK, Bins: resp}
	if next != nil {
		r.Generation, r.TTL = next.Generation, next.TTL(now)
		if c.isMonitor() && !next.VoidTime.IsZero() {
			r.Deadline = uint32(next.VoidTime.Unix())
		}
	}
	return r
}

// checkMonitor rejects monitor updates that do not fit its state
func checkMonitor(c *command, old *store.Entry) error {
	for _, op := range c.Ops {
		if op.BinName != monitorBinForward {
			if op.BinName == monitorBinDigests && old != nil && old.Bins[monitorBinForward] != nil {
				return store.NewError(model.MRTCommitted, "transaction already committed")
			}
			continue
		}
		if old == nil {
			return store.NewError(model.MRTExpired, "transaction monitor expired")
		}
		if old.Bins[monitorBinForward] != nil {
			return store.NewError(model.MRTCommitted, "transaction already committed")
		}
	}
	return nil
}

// applyOps runs the ops of c on a copy of old. A nil entry deletes the
// record.
func applyOps(old *store.Entry, c *command, now time.Time) (*store.Entry, []*model.Operation, model.ResultCode) {
	switch {
	case old != nil && c.Info2&proto.Info2CreateOnly != 0:
		return nil, nil, model.KeyExists
	case old == nil && c.Info3&(proto.Info3UpdateOnly|proto.Info3ReplaceOnly) != 0:
		return nil, nil, model.KeyNotFound
	case c.Info2&proto.Info2Generation != 0 && (old == nil || old.Generation != c.Generation):
		return nil, nil, model.GenerationError
	}

	next := &store.Entry{Set: c.Set, UserKey: c.UserKey, Bins: model.BinMap{}}
	if old != nil {
		next.Generation = old.Generation
		next.VoidTime = old.VoidTime
		if next.UserKey == nil {
			next.UserKey = old.UserKey
		}
		if c.Info3&(proto.Info3CreateOrReplace|proto.Info3ReplaceOnly) == 0 {
			next.Bins = old.Clone().Bins
		}
	}

	respondAll := c.Info2&proto.Info2RespondAllOps != 0
	var resp []*model.Operation
	for _, op := range c.Ops {
		switch op.Type {
		case model.OpRead:
			if op.BinName == "" {
				resp = append(resp, allBins(next.Bins)...)
			} else if v, ok := next.Bins[op.BinName]; ok {
				resp = append(resp, &model.Operation{Type: model.OpRead, BinName: op.BinName, Value: v})
			}
			continue
		case model.OpWrite:
			if op.Value == nil {
				delete(next.Bins, op.BinName)
			} else {
				next.Bins[op.BinName] = op.Value
			}
		case model.OpIncr:
			v, ok := add(next.Bins[op.BinName], op.Value)
			if !ok {
				return nil, nil, model.BinTypeError
			}
			next.Bins[op.BinName] = v
		case model.OpAppend, model.OpPrepend:
			v, ok := concat(next.Bins[op.BinName], op.Value, op.Type == model.OpPrepend)
			if !ok {
				return nil, nil, model.BinTypeError
			}
			next.Bins[op.BinName] = v
		case model.OpTouch:
			if old == nil {
				return nil, nil, model.KeyNotFound
			}
		case model.OpDelete:
			return nil, resp, model.OK
		default:
			return nil, nil, model.ParameterError
		}
		if respondAll {
			resp = append(resp, &model.Operation{Type: op.Type, BinName: op.BinName})
		}
	}

	if len(next.Bins) == 0 {
		return nil, resp, model.OK
	}
	next.Generation++
	next.VoidTime = voidTime(c, old, now)
	return next, resp, model.OK
}

// voidTime maps the expiration of c to an absolute expiry. Monitor records
// keep the deadline they were created with.
func voidTime(c *command, old *store.Entry, now time.Time) time.Time {
	if c.isMonitor() {
		if old != nil {
			return old.VoidTime
		}
		ttl := time.Duration(c.Expiration) * time.Second
		if ttl <= 0 {
			ttl = defaultTxnTimeout
		}
		return now.Add(ttl)
	}
	switch c.Expiration {
	case 0, math.MaxUint32:
		return time.Time{}
	case math.MaxUint32 - 1:
		if old != nil {
			return old.VoidTime
		}
		return time.Time{}
	default:
		return now.Add(time.Duration(c.Expiration) * time.Second)
	}
}

func (s *Server) verify(c *command) *row {
	e, ok := s.store.Get(c.Namespace, c.Digest)
	if !ok || !c.HasVersion || e.Version != c.Version {
		return &row{Code: model.MRTVersionMismatch}
	}
	return &row{Code: model.OK, Generation: e.Generation}
}

func (s *Server) roll(c *command) *row {
	forward := c.Info4&proto.Info4MRTRollForward != 0
	k := recordKey{c.Namespace, c.Digest}
	l, ok := s.txns.Load(c.TxnID)
	if !ok {
		return &row{Code: model.OK}
	}
	img, found := l.take(k)
	if !found {
		return &row{Code: model.OK}
	}

	_, err := s.store.Compute(c.Namespace, c.Digest, func(old *store.Entry) (*store.Entry, error) {
		if old != nil && old.Txn != c.TxnID {
			return nil, errUnchanged
		}
		if forward {
			if old == nil {
				return nil, errUnchanged
			}
			old.Txn = 0
			return old, nil
		}
		if img == nil {
			return nil, nil
		}
		return img.Clone(), nil
	})
	if err != nil && !errors.Is(err, errUnchanged) {
		return &row{Code: model.ServerError}
	}

	l.mu.Lock()
	empty := len(l.undo) == 0
	l.mu.Unlock()
	if empty {
		s.txns.Delete(c.TxnID)
	}
	return &row{Code: model.OK}
}

// --------------------------------------------------------------------------
// Value helpers
// --------------------------------------------------------------------------

func allBins(bins model.BinMap) []*model.Operation {
	names := make([]string, 0, len(bins))
	for n := range bins {
		names = append(names, n)
	}
	sort.Strings(names)
	ops := make([]*model.Operation, len(names))
	for i, n := range names {
		ops[i] = &model.Operation{Type: model.OpRead, BinName: n, Value: bins[n]}
	}
	return ops
}

func add(cur, delta any) (any, bool) {
	switch d := delta.(type) {
	case int64:
		switch c := cur.(type) {
		case nil:
			return d, true
		case int64:
			return c + d, true
		}
	case float64:
		switch c := cur.(type) {
		case nil:
			return d, true
		case float64:
			return c + d, true
		}
	}
	return nil, false
}

func concat(cur, v any, prepend bool) (any, bool) {
	switch val := v.(type) {
	case string:
		switch c := cur.(type) {
		case nil:
			return val, true
		case string:
			if prepend {
				return val + c, true
			}
			return c + val, true
		}
	case []byte:
		switch c := cur.(type) {
		case nil:
			return append([]byte(nil), val...), true
		case []byte:
			if prepend {
				return append(append([]byte(nil), val...), c...), true
			}
			return append(append([]byte(nil), c...), val...), true
		}
	}
	return nil, false
}
