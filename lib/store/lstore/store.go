package lstore

import (
	"bytes"
	"sort"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/store"
	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

type shardKey struct {
	namespace string
	digest    [model.DigestSize]byte
}

type storeImpl struct {
	shards  []*xsync.MapOf[shardKey, *store.Entry]
	version atomic.Uint64
	now     func() time.Time
}

// NewLocalStore creates an in-memory store with the given number of shards.
// Zero uses 16.
func NewLocalStore(shards int) store.IStore {
	return newStore(shards, time.Now)
}

func newStore(shards int, now func() time.Time) *storeImpl {
	if shards <= 0 {
		shards = 16
	}
	s := &storeImpl{
		shards: make([]*xsync.MapOf[shardKey, *store.Entry], shards),
		now:    now,
	}
	for i := range s.shards {
		s.shards[i] = xsync.NewMapOf[shardKey, *store.Entry]()
	}
	return s
}

func (s *storeImpl) shard(k shardKey) *xsync.MapOf[shardKey, *store.Entry] {
	h := xxhash.New()
	_, _ = h.WriteString(k.namespace)
	_, _ = h.Write(k.digest[:])
	return s.shards[h.Sum64()%uint64(len(s.shards))]
}

// nextVersion returns a new non-zero 56 bit record version
func (s *storeImpl) nextVersion() uint64 {
	for {
		if v := s.version.Add(1) & (1<<56 - 1); v != 0 {
			return v
		}
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Get(namespace string, digest [model.DigestSize]byte) (*store.Entry, bool) {
	k := shardKey{namespace, digest}
	e, ok := s.shard(k).Load(k)
	if !ok || e.Expired(s.now()) {
		return nil, false
	}
	return e.Clone(), true
}

func (s *storeImpl) Compute(namespace string, digest [model.DigestSize]byte, fn store.ComputeFunc) (*store.Entry, error) {
	k := shardKey{namespace, digest}
	now := s.now()
	var (
		result *store.Entry
		err    error
	)
	s.shard(k).Compute(k, func(old *store.Entry, loaded bool) (*store.Entry, bool) {
		cur := old
		if !loaded || old.Expired(now) {
			cur = nil
		} else {
			cur = old.Clone()
		}

		next, ferr := fn(cur)
		if ferr != nil {
			err = ferr
			// keep the current state, dropping an expired entry on the way
			if cur == nil {
				return nil, true
			}
			return old, false
		}
		if next == nil {
			return nil, true
		}
		next.Namespace = namespace
		next.Digest = digest
		if next.Version == 0 {
			next.Version = s.nextVersion()
		}
		result = next.Clone()
		return next, false
	})
	return result, err
}

func (s *storeImpl) Scan(namespace, set string, partitions []int, after map[int][]byte, fn func(*store.Entry) bool) {
	wanted := make(map[int]bool, len(partitions))
	for _, p := range partitions {
		wanted[p] = true
	}
	now := s.now()

	var matched []*store.Entry
	for _, sh := range s.shards {
		sh.Range(func(k shardKey, e *store.Entry) bool {
			if k.namespace != namespace || (set != "" && e.Set != set) || e.Expired(now) {
				return true
			}
			pid := model.PartitionIDForDigest(k.digest[:])
			if !wanted[pid] {
				return true
			}
			if last, ok := after[pid]; ok && bytes.Compare(k.digest[:], last) <= 0 {
				return true
			}
			matched = append(matched, e.Clone())
			return true
		})
	}

	sort.Slice(matched, func(i, j int) bool {
		pi := model.PartitionIDForDigest(matched[i].Digest[:])
		pj := model.PartitionIDForDigest(matched[j].Digest[:])
		if pi != pj {
			return pi < pj
		}
		return bytes.Compare(matched[i].Digest[:], matched[j].Digest[:]) < 0
	})
	for _, e := range matched {
		if !fn(e) {
			return
		}
	}
}

func (s *storeImpl) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.Size()
	}
	return n
}

func (s *storeImpl) Stats() store.Stats {
	st := store.Stats{Shards: len(s.shards)}
	now := s.now()
	for _, sh := range s.shards {
		sh.Range(func(_ shardKey, e *store.Entry) bool {
			st.Records++
			if e.Expired(now) {
				st.Expired++
			}
			if e.Txn != 0 {
				st.Locked++
			}
			return true
		})
	}
	return st
}

// Sweep removes expired records and returns how many were removed
func Sweep(s store.IStore) int {
	impl, ok := s.(*storeImpl)
	if !ok {
		return 0
	}
	now := impl.now()
	removed := 0
	for _, sh := range impl.shards {
		sh.Range(func(k shardKey, e *store.Entry) bool {
			if e.Expired(now) {
				sh.Compute(k, func(old *store.Entry, loaded bool) (*store.Entry, bool) {
					if loaded && old.Expired(now) {
						removed++
						return nil, true
					}
					return old, !loaded
				})
			}
			return true
		})
	}
	return removed
}
