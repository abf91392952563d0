package async

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/cluster"
	"github.com/ValentinKolb/aeroloop/lib/eventloop"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/timer"
	"github.com/ValentinKolb/aeroloop/rpc/proto"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("async")

// Command drives one op through connect, auth, send, receive and retry on a
// single event loop. All fields are owned by the loop goroutine; the only
// value shared with other goroutines is the outcome cell.
type Command struct {
	loop    *eventloop.Loop
	cluster cluster.ICluster
	policy  *model.BasePolicy
	op      Op

	state      State
	node       cluster.INode
	conn       transport.IConn
	fresh      bool
	registered bool
	interest   transport.Interest

	auth *buffer.Buffer
	wbuf *buffer.Buffer
	rbuf *buffer.Buffer
	zbuf *buffer.Buffer
	wpos int

	// read progress of the current phase
	header     proto.ProtoHeader
	need, got  int
	compressed bool

	start     time.Time
	deadline  time.Time
	inherited bool
	timer     timer.Handle
	task      uint64
	admitted  bool

	iteration int
	sent      int
	lastErr   *model.Error

	outcome Cell[*model.Error]
}

// NewCommand creates a command on loop. The policy is read, never modified.
func NewCommand(loop *eventloop.Loop, cl cluster.ICluster, policy *model.BasePolicy, op Op) *Command {
	return &Command{
		loop:    loop,
		cluster: cl,
		policy:  policy,
		op:      op,
		state:   StateInit,
	}
}

// Inherit carries the retry budget of parent over to c. Commands split from
// a batch sub-command continue its iteration and deadline.
func (c *Command) Inherit(parent *Command) {
	c.iteration = parent.iteration
	c.sent = parent.sent
	c.start = parent.start
	c.deadline = parent.deadline
	c.inherited = true
}

// Execute hands the command to its loop. It is safe to call from any
// goroutine. The outcome is always reported through the op, also when the
// loop is closed.
func (c *Command) Execute() {
	if !c.inherited {
		c.start = time.Now()
		c.deadline = c.policy.Deadline(c.start)
	}
	if err := c.loop.Execute(c.admit); err != nil {
		c.Reject(err)
	}
}

// State returns the current phase
func (c *Command) State() State { return c.state }

// Iteration is the number of attempts started so far
func (c *Command) Iteration() int { return c.iteration }

// Sent is the number of times the request was fully written
func (c *Command) Sent() int { return c.sent }

// Deadline is the total deadline, zero when there is none
func (c *Command) Deadline() time.Time { return c.deadline }

// Done reports whether the command reached a terminal state
func (c *Command) Done() bool { return c.outcome.IsSet() }

// Err returns the terminal error, nil on success or while running
func (c *Command) Err() *model.Error { return c.outcome.Get() }

// --------------------------------------------------------------------------
// Admission (docu see eventloop.Command)
// --------------------------------------------------------------------------

func (c *Command) admit() {
	if c.loop.Admit(c) == eventloop.Delayed && !c.deadline.IsZero() {
		c.timer = c.loop.Wheel().Add(c.deadline, c.onQueueTimeout)
	}
}

func (c *Command) onQueueTimeout() {
	c.timer = timer.Handle{}
	if c.loop.Dequeue(c) {
		c.fail(model.NewClientTimeoutError(true))
	}
}

func (c *Command) Start() {
	c.cancelTimer()
	c.admitted = true
	c.attempt()
}

func (c *Command) Reject(err error) {
	c.fail(model.AsError(err))
}

// --------------------------------------------------------------------------
// Attempt
// --------------------------------------------------------------------------

func (c *Command) attempt() {
	c.task = 0
	now := time.Now()
	if c.expired(now) {
		c.fail(c.totalTimeout())
		return
	}
	c.iteration++
	c.state = StateInit
	c.compressed = false

	node, err := c.op.Node(c.cluster)
	if err != nil {
		c.node = nil
		c.retryOrFail(model.AsError(err))
		return
	}
	c.node = node
	if node.ErrorRateExceeded() {
		c.retryOrFail(model.NewError(model.KindBackoff, model.MaxErrorRate, "node %s exceeded the max error rate", node.Name()))
		return
	}

	if err := c.encode(now); err != nil {
		c.fail(err)
		return
	}

	if conn, ok := node.CheckoutConnection(c.loop.Index(), now); ok {
		c.conn = conn
		c.fresh = false
		c.beginCommandWrite(now)
		return
	}

	conn, err := node.OpenConnection(c.loop.Index())
	if err != nil {
		c.retryOrFail(model.AsError(err))
		return
	}
	c.conn = conn
	c.fresh = true
	c.state = StateConnect
	c.armTimer(now)
	if err := c.setInterest(transport.InterestWrite); err != nil {
		c.onNetworkError(err)
	}
}

// encode writes the request of this attempt with the remaining time as
// server timeout, then compresses it when asked to
func (c *Command) encode(now time.Time) *model.Error {
	if c.wbuf == nil {
		c.wbuf = c.loop.Buffers().Get(0)
	}
	c.wbuf.Reset()
	if err := c.op.Encode(c.wbuf, c.policy); err != nil {
		return model.AsError(err)
	}
	data := c.wbuf.Bytes()
	if len(data) < proto.ProtoHeaderSize+proto.MsgHeaderSize {
		return model.NewError(model.KindApplication, model.SerializeError, "request of %d bytes is too short", len(data))
	}

	if serverTimeout := c.serverTimeout(now); serverTimeout > 0 {
		c.wbuf.PutUint32At(proto.ProtoHeaderSize+14, uint32(serverTimeout/time.Millisecond))
	}
	if !c.policy.Compress {
		return nil
	}
	data[proto.ProtoHeaderSize+1] |= proto.Info1CompressResponse
	if len(data) <= proto.CompressThreshold {
		return nil
	}
	if c.zbuf == nil {
		c.zbuf = c.loop.Buffers().Get(len(data))
	}
	c.zbuf.Reset()
	if err := proto.Compress(c.zbuf, data); err != nil {
		return model.NewError(model.KindApplication, model.SerializeError, "compress request: %v", err)
	}
	c.wbuf, c.zbuf = c.zbuf, c.wbuf
	return nil
}

func (c *Command) serverTimeout(now time.Time) time.Duration {
	t := c.policy.SocketTimeout
	if !c.deadline.IsZero() {
		remaining := c.deadline.Sub(now)
		if remaining < time.Millisecond {
			remaining = time.Millisecond
		}
		if t <= 0 || remaining < t {
			t = remaining
		}
	}
	return t
}

// --------------------------------------------------------------------------
// I/O (docu see transport.Handler)
// --------------------------------------------------------------------------

func (c *Command) OnReady(readable, writable bool) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("%s command: recovered panic: %v", c.op.Kind(), r)
			c.closeConnection()
			c.fail(model.NewError(model.KindApplication, model.CommonError, "panic: %v", r))
		}
	}()

	switch c.state {
	case StateConnect:
		if writable {
			c.onConnectReady()
		}
	case StateAuthWrite, StateCommandWrite:
		if writable {
			c.onWritable()
		}
	case StateAuthReadHeader, StateAuthReadBody, StateCommandReadHeader, StateCommandReadBody:
		if readable {
			c.onReadable()
		}
	}
}

func (c *Command) onConnectReady() {
	err := c.conn.FinishConnect()
	if errors.Is(err, transport.ErrWouldBlock) {
		return
	}
	if err != nil {
		c.onNetworkError(err)
		return
	}

	now := time.Now()
	token := c.node.SessionToken()
	if token == nil {
		c.beginCommandWrite(now)
		return
	}
	if c.auth == nil {
		c.auth = c.loop.Buffers().Get(256)
	}
	c.auth.Reset()
	proto.WriteAuth(c.auth, c.node.User(), token)
	c.state = StateAuthWrite
	c.wpos = 0
	c.armTimer(now)
	c.onWritable()
}

func (c *Command) beginCommandWrite(now time.Time) {
	c.state = StateCommandWrite
	c.wpos = 0
	c.armTimer(now)
	c.onWritable()
}

func (c *Command) onWritable() {
	buf := c.wbuf.Bytes()
	if c.state == StateAuthWrite {
		buf = c.auth.Bytes()
	}

	progressed := false
	for c.wpos < len(buf) {
		n, err := c.conn.Write(buf[c.wpos:])
		c.wpos += n
		progressed = progressed || n > 0
		if errors.Is(err, transport.ErrWouldBlock) || (err == nil && n == 0) {
			if progressed {
				c.restoreTimer()
			}
			if err := c.setInterest(transport.InterestWrite); err != nil {
				c.onNetworkError(err)
			}
			return
		}
		if err != nil {
			c.onNetworkError(err)
			return
		}
	}

	if c.state == StateAuthWrite {
		c.state = StateAuthReadHeader
	} else {
		c.sent++
		c.state = StateCommandReadHeader
	}
	c.beginHeader()
	c.armTimer(time.Now())
	if err := c.setInterest(transport.InterestRead); err != nil {
		c.onNetworkError(err)
	}
}

func (c *Command) beginHeader() {
	if c.rbuf == nil {
		c.rbuf = c.loop.Buffers().Get(0)
	}
	c.rbuf.Resize(proto.ProtoHeaderSize)
	c.need = proto.ProtoHeaderSize
	c.got = 0
}

func (c *Command) beginBody() {
	c.rbuf.Resize(c.header.Length)
	c.need = c.header.Length
	c.got = 0
}

func (c *Command) onReadable() {
	for {
		complete, err := c.readPhase()
		if err != nil {
			c.onNetworkError(err)
			return
		}
		if !complete {
			return
		}
		if !c.advance() {
			return
		}
	}
}

// readPhase reads until the current phase is complete or the socket has no
// more data
func (c *Command) readPhase() (bool, error) {
	buf := c.rbuf.Bytes()
	progressed := false
	defer func() {
		if progressed {
			c.restoreTimer()
		}
	}()
	for c.got < c.need {
		n, err := c.conn.Read(buf[c.got:c.need])
		c.got += n
		progressed = progressed || n > 0
		if errors.Is(err, transport.ErrWouldBlock) || (err == nil && n == 0) {
			return false, nil
		}
		if errors.Is(err, io.EOF) {
			return false, fmt.Errorf("connection closed by peer after %d of %d bytes", c.got, c.need)
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// advance moves past a completed phase. It returns true while the command
// keeps reading on the same connection.
func (c *Command) advance() bool {
	switch c.state {
	case StateAuthReadHeader, StateCommandReadHeader:
		h, err := proto.ParseProtoHeader(c.rbuf.Bytes())
		if err != nil {
			c.onProtocolError(model.NewProtocolError("%v", err))
			return false
		}
		c.header = h
		if h.Length == 0 {
			if c.state == StateCommandReadHeader && c.op.Multi() {
				// empty group, the next header follows
				c.beginHeader()
				return true
			}
			c.onProtocolError(model.NewProtocolError("empty response"))
			return false
		}
		if c.state == StateAuthReadHeader {
			c.state = StateAuthReadBody
		} else {
			c.state = StateCommandReadBody
		}
		c.beginBody()
		return true

	case StateAuthReadBody:
		return c.onAuthResponse()

	case StateCommandReadBody:
		c.loop.Buffers().Observe(c.header.Length + proto.ProtoHeaderSize)
		return c.onResponse()
	}
	return false
}

func (c *Command) onAuthResponse() bool {
	code, err := proto.ParseAdminResult(c.rbuf.Bytes())
	if err != nil {
		c.onProtocolError(model.NewProtocolError("auth response: %v", err))
		return false
	}
	if code != model.OK && code != model.SecurityNotEnabled {
		c.node.SignalSessionRefresh()
		c.closeConnection()
		e := model.NewResultCodeError(code)
		e.Message = "authentication failed: " + e.Message
		c.fail(e)
		return false
	}
	c.beginCommandWrite(time.Now())
	return false
}

func (c *Command) onResponse() bool {
	payload := c.rbuf.Bytes()[:c.need]
	switch c.header.Type {
	case proto.TypeMessage:
	case proto.TypeCompressed:
		c.compressed = true
		if c.zbuf == nil {
			c.zbuf = c.loop.Buffers().Get(0)
		}
		inner, err := proto.Decompress(payload, c.zbuf)
		if err != nil {
			c.onProtocolError(model.NewProtocolError("%v", err))
			return false
		}
		h, err := proto.ParseProtoHeader(inner)
		if err != nil || h.Type != proto.TypeMessage || h.Length != len(inner)-proto.ProtoHeaderSize {
			c.onProtocolError(model.NewProtocolError("invalid compressed message"))
			return false
		}
		payload = inner[proto.ProtoHeaderSize:]
	default:
		c.onProtocolError(model.NewProtocolError("unexpected message type %d", c.header.Type))
		return false
	}

	status, err := c.op.Parse(buffer.NewCursor(payload), c.node)
	if err != nil {
		e := model.AsError(err)
		if e.Kind == model.KindProtocol {
			c.onProtocolError(e)
			return false
		}
		if status == ParseDone {
			c.checkinConnection()
		} else {
			c.closeConnection()
		}
		if e.Code == model.NotAuthenticated {
			c.node.SignalSessionRefresh()
		}
		c.retryOrFail(e)
		return false
	}

	switch status {
	case ParseMore:
		c.state = StateCommandReadHeader
		c.beginHeader()
		return true
	case ParseStopped:
		c.closeConnection()
	default:
		c.checkinConnection()
	}
	c.succeed()
	return false
}

// --------------------------------------------------------------------------
// Failure handling
// --------------------------------------------------------------------------

func (c *Command) onNetworkError(err error) {
	c.closeConnection()
	c.retryOrFail(model.NewNetworkError(err))
}

func (c *Command) onProtocolError(err *model.Error) {
	c.closeConnection()
	c.fail(err)
}

// retryOrFail records err and starts the next attempt when err is
// retryable and the budget allows it
func (c *Command) retryOrFail(err *model.Error) {
	c.lastErr = err
	// a node rejecting commands for its error rate does not count against it
	if c.node != nil && err.Code != model.MaxErrorRate && (err.Kind == model.KindNetwork || err.Kind == model.KindBackoff) {
		c.node.IncrErrorCount()
	}
	if !err.Retryable() || !c.canRetry(time.Now()) {
		c.fail(err)
		return
	}
	c.retry(err.Kind == model.KindClientTimeout || err.Code == model.ServerNotAvailable)
}

func (c *Command) canRetry(now time.Time) bool {
	return c.iteration <= c.policy.MaxRetries && !c.expired(now)
}

func (c *Command) retry(timeout bool) {
	c.unregister()
	c.cancelTimer()
	c.retries().Inc()

	if !c.op.PrepareRetry(timeout) {
		c.finishQuietly()
		return
	}

	sleep := c.policy.SleepBetweenRetries
	if sleep <= 0 || (!c.deadline.IsZero() && time.Now().Add(sleep).After(c.deadline)) {
		c.attempt()
		return
	}
	c.state = StateRetry
	c.task = c.loop.Schedule(sleep, c.attempt)
	c.armTimer(time.Now())
}

func (c *Command) onTimeout() {
	c.timer = timer.Handle{}
	if c.outcome.IsSet() {
		return
	}
	now := time.Now()
	total := c.expired(now)

	if c.state == StateRetry {
		c.loop.CancelTask(c.task)
		c.task = 0
		c.fail(c.totalTimeout())
		return
	}

	if c.node != nil {
		c.node.IncrTimeoutCount()
	}
	c.abandonConnection()

	err := model.NewClientTimeoutError(total)
	c.lastErr = err
	if !total && c.canRetry(now) {
		c.retry(true)
		return
	}
	c.fail(c.totalTimeout())
}

// abandonConnection gives up the connection of a timed out attempt. A
// response that is being read may still drain within TimeoutDelay, except
// a compressed multi-record stream.
func (c *Command) abandonConnection() {
	if c.conn == nil {
		return
	}
	c.unregister()
	if c.state.reading() && c.policy.TimeoutDelay > 0 {
		if !c.op.Multi() || !c.compressedStream() {
			startDrain(c)
			c.conn = nil
			c.rbuf = nil
			return
		}
		Logger.Debugf("node %s: closing connection %d of a compressed stream", c.node.Name(), c.conn.ID())
		countRecovery(c.loop, "closed")
	}
	c.node.CloseConnection(c.loop.Index(), c.conn)
	c.conn = nil
}

// compressedStream reports whether the response read so far holds a
// compressed group, including one whose body is still being read
func (c *Command) compressedStream() bool {
	return c.compressed || (c.state == StateCommandReadBody && c.header.Type == proto.TypeCompressed)
}

func (c *Command) totalTimeout() *model.Error {
	return model.NewClientTimeoutError(true)
}

// inDoubt reports whether a failed write may have been applied: the request
// went out more than once, or once without a definitive answer
func (c *Command) inDoubt(err *model.Error) bool {
	if !c.op.IsWrite() || c.sent == 0 {
		return false
	}
	if c.sent > 1 {
		return true
	}
	return err.Kind != model.KindApplication && err.Kind != model.KindBackoff
}

// --------------------------------------------------------------------------
// Completion
// --------------------------------------------------------------------------

func (c *Command) succeed() {
	if !c.outcome.Set(nil) {
		return
	}
	c.state = StateComplete
	c.cleanup()
	c.observe("ok")
	c.notify(c.op.OnSuccess)
}

func (c *Command) fail(err *model.Error) {
	nodeName := ""
	if c.node != nil {
		nodeName = c.node.Name()
	}
	e := err.Enrich(nodeName, c.iteration, c.inDoubt(err), c.policy)
	if !c.outcome.Set(e) {
		return
	}
	c.state = StateFailed
	c.closeConnection()
	c.cleanup()
	c.observe("error")
	Logger.Debugf("%s command failed: %v", c.op.Kind(), e)
	c.notify(func() { c.op.OnFailure(e) })
}

// finishQuietly ends a command whose op handed its work to new commands
func (c *Command) finishQuietly() {
	if !c.outcome.Set(nil) {
		return
	}
	c.state = StateComplete
	c.closeConnection()
	c.cleanup()
}

func (c *Command) cleanup() {
	c.cancelTimer()
	if c.task != 0 {
		c.loop.CancelTask(c.task)
		c.task = 0
	}
	pool := c.loop.Buffers()
	for _, b := range []**buffer.Buffer{&c.auth, &c.wbuf, &c.rbuf, &c.zbuf} {
		if *b != nil {
			pool.Put(*b)
			*b = nil
		}
	}
	if c.admitted {
		c.admitted = false
		c.loop.Release()
	}
}

func (c *Command) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("%s command: recovered panic in callback: %v", c.op.Kind(), r)
		}
	}()
	fn()
}

func (c *Command) observe(result string) {
	if c.start.IsZero() {
		return
	}
	name := fmt.Sprintf(`aeroloop_command_duration_seconds{kind=%q,result=%q,loop="%d"}`, c.op.Kind(), result, c.loop.Index())
	c.loop.Metrics().GetOrCreateHistogram(name).Update(time.Since(c.start).Seconds())
}

func (c *Command) retries() *metrics.Counter {
	name := fmt.Sprintf(`aeroloop_command_retries_total{kind=%q,loop="%d"}`, c.op.Kind(), c.loop.Index())
	return c.loop.Metrics().GetOrCreateCounter(name)
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (c *Command) expired(now time.Time) bool {
	return !c.deadline.IsZero() && !now.Before(c.deadline)
}

// armTimer sets the single timeout entry to the earlier of the phase
// timeout and the total deadline
func (c *Command) armTimer(now time.Time) {
	var at time.Time
	if c.state != StateRetry {
		phase := c.policy.SocketTimeout
		if c.state == StateConnect && c.policy.ConnectTimeout > 0 {
			phase = c.policy.ConnectTimeout
		}
		if phase > 0 {
			at = now.Add(phase)
		}
	}
	if !c.deadline.IsZero() && (at.IsZero() || c.deadline.Before(at)) {
		at = c.deadline
	}

	wheel := c.loop.Wheel()
	switch {
	case at.IsZero():
		c.cancelTimer()
	case wheel.Active(c.timer):
		c.timer = wheel.Restore(c.timer, at)
	default:
		c.timer = wheel.Add(at, c.onTimeout)
	}
}

// restoreTimer pushes the socket timeout out after I/O progress
func (c *Command) restoreTimer() {
	if c.policy.SocketTimeout > 0 {
		c.armTimer(time.Now())
	}
}

func (c *Command) cancelTimer() {
	if !c.timer.IsZero() {
		c.loop.Wheel().Cancel(c.timer)
		c.timer = timer.Handle{}
	}
}

func (c *Command) setInterest(i transport.Interest) error {
	sel := c.loop.Selector()
	if !c.registered {
		if err := sel.Register(c.conn, i, c); err != nil {
			return err
		}
		c.registered = true
		c.interest = i
		return nil
	}
	if c.interest == i {
		return nil
	}
	c.interest = i
	return sel.Modify(c.conn, i)
}

func (c *Command) unregister() {
	if c.registered && c.conn != nil {
		_ = c.loop.Selector().Unregister(c.conn)
	}
	c.registered = false
}

func (c *Command) checkinConnection() {
	if c.conn == nil {
		return
	}
	c.unregister()
	c.node.CheckinConnection(c.loop.Index(), c.conn, time.Now())
	c.conn = nil
}

func (c *Command) closeConnection() {
	if c.conn == nil {
		return
	}
	c.unregister()
	c.node.CloseConnection(c.loop.Index(), c.conn)
	c.conn = nil
}
