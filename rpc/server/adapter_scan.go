package server

import (
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/store"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
)

// scanAdapter answers partition scans and range queries
type scanAdapter struct {
	s *Server
}

func (a scanAdapter) Handle(req *Request, resp *response, faults faultState) {
	resp.multi = true
	if req.Namespace != a.s.config.Namespace {
		resp.last(model.ParameterError)
		return
	}

	pids := append([]int(nil), req.Partitions...)
	after := make(map[int][]byte, len(req.Resume))
	for _, d := range req.Resume {
		pid := model.PartitionIDForDigest(d)
		after[pid] = d
		pids = append(pids, pid)
	}
	if len(pids) == 0 {
		for pid := 0; pid < model.PartitionCount; pid++ {
			pids = append(pids, pid)
		}
	}

	available := pids[:0:0]
	for _, pid := range pids {
		if a.s.faults.takeUnavailable(pid) {
			resp.add(&row{
				Code:       model.PartitionUnavail,
				Info3:      proto.Info3PartitionDone,
				Generation: uint32(pid),
			}, faults.rowsPerGroup)
			continue
		}
		available = append(available, pid)
	}

	var names []string
	for _, op := range req.Ops {
		if op.Type == model.OpRead && op.BinName != "" {
			names = append(names, op.BinName)
		}
	}
	headerOnly := req.Header.Info1&proto.Info1NoBinData != 0
	now := a.s.now()
	sent := uint64(0)
	injected := faults.rowCode == model.OK

	a.s.store.Scan(req.Namespace, req.Set, available, after, func(e *store.Entry) bool {
		if e.Set == model.MonitorSetName {
			return true
		}
		if req.Filter != nil && !req.Filter.match(e.Bins) {
			return true
		}
		if !injected && sent == uint64(faults.rowCodeAfter) {
			injected = true
			resp.add(&row{Code: faults.rowCode}, faults.rowsPerGroup)
		}
		out := &row{
			Code:       model.OK,
			Generation: e.Generation,
			TTL:        e.TTL(now),
			Namespace:  e.Namespace,
			Set:        e.Set,
			Digest:     e.Digest[:],
			UserKey:    e.UserKey,
		}
		switch {
		case headerOnly:
		case len(names) == 0:
			out.Bins = allBins(e.Bins)
		default:
			for _, n := range names {
				if v, ok := e.Bins[n]; ok {
					out.Bins = append(out.Bins, &model.Operation{Type: model.OpRead, BinName: n, Value: v})
				}
			}
		}
		resp.add(out, faults.rowsPerGroup)
		sent++
		return req.MaxRecords == 0 || sent < req.MaxRecords
	})
	resp.last(model.OK)
}
