package server

import (
	"crypto/subtle"
	"encoding/binary"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
	"github.com/google/uuid"
)

// sessionTTL is the lifetime of a login session
const sessionTTL = time.Hour

// handleAdmin answers a login or authenticate message. It returns whether
// the connection is authenticated afterwards.
func (s *Server) handleAdmin(out *buffer.Buffer, payload []byte) bool {
	msg, err := proto.ParseAdminMessage(payload)
	if err != nil {
		Logger.Warningf("invalid admin message: %v", err)
		proto.WriteAdminResult(out, uint8(model.ParameterError))
		return false
	}
	s.count("admin")

	if s.config.User == "" {
		proto.WriteAdminResult(out, uint8(model.SecurityNotEnabled))
		return true
	}

	user := string(msg.Fields[proto.AdminFieldUser])
	switch msg.Command {
	case proto.AdminLogin:
		password := msg.Fields[proto.AdminFieldClearPassword]
		if user != s.config.User || subtle.ConstantTimeCompare(password, []byte(s.config.Password)) != 1 {
			proto.WriteAdminResult(out, uint8(model.NotAuthenticated))
			return false
		}
		token := uuid.New().String()
		s.sessions.Store(token, s.now().Add(sessionTTL))
		ttl := binary.BigEndian.AppendUint32(nil, uint32(sessionTTL/time.Second))
		proto.WriteAdminResult(out, uint8(model.OK),
			proto.AdminField{ID: proto.AdminFieldSessionToken, Data: []byte(token)},
			proto.AdminField{ID: proto.AdminFieldSessionTTL, Data: ttl})
		Logger.Debugf("login of %s", user)
		return true

	case proto.AdminAuthenticate:
		token := string(msg.Fields[proto.AdminFieldSessionToken])
		expiry, ok := s.sessions.Load(token)
		if user != s.config.User || !ok || !s.now().Before(expiry) {
			proto.WriteAdminResult(out, uint8(model.NotAuthenticated))
			return false
		}
		proto.WriteAdminResult(out, uint8(model.OK))
		return true

	default:
		proto.WriteAdminResult(out, uint8(model.ParameterError))
		return false
	}
}

// RevokeSessions invalidates every session token. Connections that already
// authenticated stay authenticated.
func (s *Server) RevokeSessions() {
	s.sessions.Clear()
}
