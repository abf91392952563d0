package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/store"
	"github.com/ValentinKolb/aeroloop/lib/store/lstore"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("server")

// Server is a single node that speaks the wire protocol on top of an
// in-memory store. It owns every partition of its namespace.
type Server struct {
	config    common.ServerConfig
	transport transport.IServerTransport
	store     store.IStore
	faults    *Faults
	sessions  *xsync.MapOf[string, time.Time]
	txns      *xsync.MapOf[int64, *txnLog]
	metrics   *metrics.Set
	now       func() time.Time

	records requestAdapter
	batches requestAdapter
	scans   requestAdapter
}

// NewServer creates a server listening on config.Endpoint
//
// Usage:
//
//	s, err := server.NewServer(common.NewServerConfig(), tcp.NewConnector())
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	go s.Serve()
func NewServer(config common.ServerConfig, connector base.IConnector) (*Server, error) {
	t, err := base.NewServerTransport(connector, config.Endpoint, config.Socket)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    config,
		transport: t,
		store:     lstore.NewLocalStore(config.Shards),
		faults:    &Faults{},
		sessions:  xsync.NewMapOf[string, time.Time](),
		txns:      xsync.NewMapOf[int64, *txnLog](),
		metrics:   metrics.NewSet(),
		now:       time.Now,
	}
	s.records = recordAdapter{s}
	s.batches = batchAdapter{s}
	s.scans = scanAdapter{s}

	Logger.Infof("created server")
	Logger.Infof("%s", config.String())
	return s, nil
}

// Serve accepts connections until Close is called
func (s *Server) Serve() error {
	return s.transport.Serve(s.handleConn)
}

// Addr returns the listen address
func (s *Server) Addr() net.Addr { return s.transport.Addr() }

// Close stops accepting and closes every open connection
func (s *Server) Close() error { return s.transport.Close() }

// Store returns the record store
func (s *Server) Store() store.IStore { return s.store }

// Faults returns the fault injection settings
func (s *Server) Faults() *Faults { return s.faults }

// WritePrometheus writes the request counters in prometheus text format
func (s *Server) WritePrometheus(w io.Writer) { s.metrics.WritePrometheus(w) }

// Requests returns how many requests of the given type were served. Types
// are single, batch, scan, admin and dropped.
func (s *Server) Requests(typ string) uint64 {
	return s.counter(typ).Get()
}

func (s *Server) counter(typ string) *metrics.Counter {
	return s.metrics.GetOrCreateCounter(fmt.Sprintf(`aeroloop_server_requests_total{type=%q}`, typ))
}

func (s *Server) count(typ string) { s.counter(typ).Inc() }

// --------------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------------

func (s *Server) handleConn(conn net.Conn) {
	var (
		buf      []byte
		inflated buffer.Buffer
		out      buffer.Buffer
		authed   = s.config.User == ""
	)
	r := bufio.NewReader(conn)

	for {
		if s.config.TimeoutSecond > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(time.Duration(s.config.TimeoutSecond) * time.Second))
		}
		h, payload, next, err := proto.ReadFrame(r, buf)
		buf = next
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				Logger.Debugf("connection %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		if h.Type == proto.TypeCompressed {
			inner, err := proto.Decompress(payload, &inflated)
			if err != nil {
				Logger.Warningf("connection %s: %v", conn.RemoteAddr(), err)
				return
			}
			if h, err = proto.ParseProtoHeader(inner); err != nil {
				Logger.Warningf("connection %s: compressed message: %v", conn.RemoteAddr(), err)
				return
			}
			payload = inner[proto.ProtoHeaderSize:]
		}

		if s.faults.takeDrop() {
			s.count("dropped")
			Logger.Debugf("connection %s: dropping request", conn.RemoteAddr())
			return
		}

		out.Reset()
		switch h.Type {
		case proto.TypeAdmin:
			authed = s.handleAdmin(&out, payload)
			if _, err := conn.Write(out.Bytes()); err != nil {
				return
			}
			continue
		case proto.TypeMessage:
		default:
			Logger.Warningf("connection %s: unsupported message type %d", conn.RemoteAddr(), h.Type)
			return
		}

		req, err := parseRequest(payload)
		if err != nil {
			Logger.Warningf("connection %s: invalid request: %v", conn.RemoteAddr(), err)
			return
		}
		faults := s.faults.snapshot()
		resp := s.handle(req, authed, faults)
		if err := s.send(conn, &out, resp, req.WantsCompression() || faults.compress, faults); err != nil {
			Logger.Debugf("connection %s: write: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// handle dispatches a data request to its adapter
func (s *Server) handle(req *Request, authed bool, faults faultState) *response {
	resp := &response{}
	var adapter requestAdapter
	switch {
	case req.IsBatch():
		s.count("batch")
		adapter = s.batches
		resp.multi = true
	case req.IsScan():
		s.count("scan")
		adapter = s.scans
		resp.multi = true
	default:
		s.count("single")
		adapter = s.records
	}

	code := model.OK
	if !authed {
		code = model.NotAuthenticated
	} else if c, ok := s.faults.takeResult(); ok {
		code = c
	}
	if code != model.OK {
		if resp.multi {
			resp.last(code)
		} else {
			resp.single(&row{Code: code})
		}
		return resp
	}

	adapter.Handle(req, resp, faults)
	return resp
}

// send writes the messages of resp, shaped by the active faults
func (s *Server) send(conn net.Conn, out *buffer.Buffer, resp *response, compress bool, faults faultState) error {
	out.Reset()
	var packed buffer.Buffer
	for _, msg := range resp.messages() {
		if faults.zeroLengthGroups && resp.multi {
			off := out.WriteZeros(proto.ProtoHeaderSize)
			proto.EncodeProtoHeader(out.Bytes()[off:], proto.TypeMessage, 0)
		}
		if compress {
			packed.Reset()
			if err := proto.Compress(&packed, msg); err != nil {
				return err
			}
			msg = packed.Bytes()
		}
		out.WriteBytes(msg)
	}

	if faults.delay > 0 {
		time.Sleep(faults.delay)
	}
	data := out.Bytes()
	if faults.chunkSize <= 0 {
		_, err := conn.Write(data)
		return err
	}
	for len(data) > 0 {
		n := min(faults.chunkSize, len(data))
		if _, err := conn.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
		if len(data) > 0 && faults.chunkDelay > 0 {
			time.Sleep(faults.chunkDelay)
		}
	}
	return nil
}

// Sweep removes expired records and returns how many were removed
func (s *Server) Sweep() int {
	n := lstore.Sweep(s.store)
	if n > 0 {
		Logger.Debugf("swept %d expired records", n)
	}
	return n
}
