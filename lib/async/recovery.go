package async

import (
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/eventloop"
	"github.com/ValentinKolb/aeroloop/lib/timer"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
)

// drain owns the connection of a command that timed out while reading. It
// reads the rest of the in-flight response and hands a clean connection
// back to the pool. Anything unexpected, or TimeoutDelay passing, closes it.
type drain struct {
	loop  *eventloop.Loop
	node  cluster.INode
	conn  transport.IConn
	buf   *buffer.Buffer
	multi bool

	header    bool
	need, got int
	timer     timer.Handle
	done      bool
}

func startDrain(c *Command) {
	d := &drain{
		loop:   c.loop,
		node:   c.node,
		conn:   c.conn,
		buf:    c.rbuf,
		multi:  c.op.Multi(),
		header: c.state == StateCommandReadHeader,
		need:   c.need,
		got:    c.got,
	}
	// a phase that completed but was never advanced restarts as a header
	if d.need == 0 {
		d.header = true
	}
	d.timer = d.loop.Wheel().Add(time.Now().Add(c.policy.TimeoutDelay), d.expire)
	if err := d.loop.Selector().Register(d.conn, transport.InterestRead, d); err != nil {
		d.finish(false, fmt.Sprintf("register: %v", err))
		return
	}
	Logger.Debugf("node %s: draining connection %d for up to %s", d.node.Name(), d.conn.ID(), c.policy.TimeoutDelay)
	// bytes may already be buffered
	d.OnReady(true, false)
}

func (d *drain) OnReady(readable, _ bool) {
	if d.done || !readable {
		return
	}
	for {
		complete, err := d.read()
		if err != nil {
			d.finish(false, err.Error())
			return
		}
		if !complete {
			return
		}
		if d.header {
			h, err := proto.ParseProtoHeader(d.buf.Bytes())
			if err != nil {
				d.finish(false, err.Error())
				return
			}
			// a compressed single response is skipped by its declared length,
			// a compressed group can not be walked
			if h.Type != proto.TypeMessage && (d.multi || h.Type != proto.TypeCompressed) {
				d.finish(false, fmt.Sprintf("message type %d", h.Type))
				return
			}
			if h.Length == 0 {
				if !d.multi {
					d.finish(false, "empty response")
					return
				}
				d.begin(true, proto.ProtoHeaderSize)
				continue
			}
			d.begin(false, h.Length)
			continue
		}

		if !d.multi {
			d.finish(true, "")
			return
		}
		last, err := proto.GroupHasLast(d.buf.Bytes()[:d.need])
		if err != nil {
			d.finish(false, err.Error())
			return
		}
		if last {
			d.finish(true, "")
			return
		}
		d.begin(true, proto.ProtoHeaderSize)
	}
}

func (d *drain) begin(header bool, need int) {
	d.header = header
	d.buf.Resize(need)
	d.need = need
	d.got = 0
}

func (d *drain) read() (bool, error) {
	if d.buf.Len() < d.need {
		d.buf.Resize(d.need)
	}
	buf := d.buf.Bytes()
	for d.got < d.need {
		n, err := d.conn.Read(buf[d.got:d.need])
		d.got += n
		if errors.Is(err, transport.ErrWouldBlock) || (err == nil && n == 0) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

func (d *drain) expire() {
	d.timer = timer.Handle{}
	d.finish(false, "timeout delay passed")
}

func (d *drain) finish(clean bool, reason string) {
	if d.done {
		return
	}
	d.done = true
	if !d.timer.IsZero() {
		d.loop.Wheel().Cancel(d.timer)
		d.timer = timer.Handle{}
	}
	_ = d.loop.Selector().Unregister(d.conn)

	result := "closed"
	if clean {
		result = "returned"
		d.node.CheckinConnection(d.loop.Index(), d.conn, time.Now())
	} else {
		Logger.Debugf("node %s: closing drained connection %d: %s", d.node.Name(), d.conn.ID(), reason)
		d.node.CloseConnection(d.loop.Index(), d.conn)
	}
	countRecovery(d.loop, result)
	d.loop.Buffers().Put(d.buf)
	d.buf = nil
}

func countRecovery(loop *eventloop.Loop, result string) {
	loop.Metrics().GetOrCreateCounter(fmt.Sprintf(`aeroloop_connection_recovery_total{result=%q,loop="%d"}`, result, loop.Index())).Inc()
}
