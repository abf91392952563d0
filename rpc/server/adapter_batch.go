package server

import (
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
)

// batchAdapter answers batch requests. Every row is answered with its
// request index, in request order, followed by a LAST row.
type batchAdapter struct {
	s *Server
}

func (a batchAdapter) Handle(req *Request, resp *response, faults faultState) {
	resp.multi = true
	rows, _, err := proto.ParseBatchRequest(req.Batch)
	if err != nil {
		Logger.Warningf("invalid batch request: %v", err)
		resp.last(model.ParameterError)
		return
	}

	for i := range rows {
		r := &rows[i]
		var out *row
		if r.Namespace != a.s.config.Namespace {
			out = &row{Code: model.ParameterError}
		} else {
			out = a.s.execute(commandFromRow(r))
		}
		out.Index = uint32(r.Index)
		resp.add(out, faults.rowsPerGroup)
	}
	resp.last(model.OK)
}
