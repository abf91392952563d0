package server

import "github.com/ValentinKolb/aeroloop/lib/model"

// recordAdapter answers single record commands
type recordAdapter struct {
	s *Server
}

func (a recordAdapter) Handle(req *Request, resp *response, _ faultState) {
	if req.Namespace != a.s.config.Namespace {
		resp.single(&row{Code: model.ParameterError})
		return
	}
	if !req.HasDigest {
		resp.single(&row{Code: model.ParameterError})
		return
	}
	resp.single(a.s.execute(commandFromRequest(req)))
}
