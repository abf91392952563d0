package eventloop

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/buffer"
	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/lib/timer"
	"github.com/ValentinKolb/aeroloop/lib/util"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("eventloop")

var (
	// ErrLoopClosed is returned for work handed to a closed loop
	ErrLoopClosed = errors.New("eventloop: closed")

	// ErrAlreadyRunning is returned by a second Run
	ErrAlreadyRunning = errors.New("eventloop: already running")

	// ErrQueueFull rejects a command that finds the delay queue full
	ErrQueueFull = model.NewError(model.KindQueueFull, model.QueueFull, "async delay queue is full")
)

// inbound is one item of the cross goroutine queue, either a function or a
// command to admit
type inbound struct {
	fn  func()
	cmd Command
}

// Loop is a single goroutine reactor
type Loop struct {
	index    int
	config   common.EventLoopConfig
	driver   transport.IDriver
	selector transport.ISelector

	queue *util.LockFreeMPSC[inbound]
	wheel *timer.Wheel
	tasks *util.TaskHeap
	pool  *buffer.Pool

	// admission state, loop goroutine only
	inProcess int
	delay     *list.List
	delayed   map[Command]*list.Element

	// mirrors for the metrics goroutine
	inProcessGauge atomic.Int64
	queuedGauge    atomic.Int64

	set        *metrics.Set
	rejected   *metrics.Counter
	iterations *metrics.Counter

	closed  atomic.Bool
	running atomic.Bool
	done    chan struct{}
}

// New creates a loop. It does not start a goroutine, call Run or drive it
// with RunOnce.
func New(index int, config common.EventLoopConfig, driver transport.IDriver) (*Loop, error) {
	selector, err := driver.NewSelector()
	if err != nil {
		return nil, fmt.Errorf("eventloop %d: create selector: %w", index, err)
	}

	l := &Loop{
		index:    index,
		config:   config,
		driver:   driver,
		selector: selector,
		wheel:    timer.New(config.TimerTick, config.TimerBuckets, time.Now()),
		tasks:    util.NewTaskHeap(),
		pool:     buffer.NewPool(config.MinBufferSize, config.MaxBufferSize, config.BuffersPerTier),
		delay:    list.New(),
		delayed:  make(map[Command]*list.Element),
		set:      metrics.NewSet(),
		done:     make(chan struct{}),
	}
	l.queue = util.NewLockFreeMPSC[inbound](selector.Wakeup)

	label := fmt.Sprintf(`{loop="%d"}`, index)
	l.set.NewGauge("aeroloop_eventloop_in_process"+label, func() float64 {
		return float64(l.inProcessGauge.Load())
	})
	l.set.NewGauge("aeroloop_eventloop_queued"+label, func() float64 {
		return float64(l.queuedGauge.Load())
	})
	l.set.NewGauge("aeroloop_eventloop_inbound"+label, func() float64 {
		return float64(l.queue.Len())
	})
	l.rejected = l.set.NewCounter("aeroloop_eventloop_rejected_total" + label)
	l.iterations = l.set.NewCounter("aeroloop_eventloop_iterations_total" + label)
	return l, nil
}

// --------------------------------------------------------------------------
// Cross goroutine API
// --------------------------------------------------------------------------

// Execute runs fn on the loop. It always goes through the inbound queue,
// also when called from the loop itself.
func (l *Loop) Execute(fn func()) error {
	if l.closed.Load() || !l.queue.Push(&inbound{fn: fn}) {
		return ErrLoopClosed
	}
	return nil
}

// Submit admits cmd on the loop
func (l *Loop) Submit(cmd Command) error {
	if l.closed.Load() || !l.queue.Push(&inbound{cmd: cmd}) {
		return ErrLoopClosed
	}
	return nil
}

// Close stops the loop. Queued work is rejected with ErrLoopClosed on the
// loop goroutine; Done is closed once the loop has shut down.
func (l *Loop) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	l.queue.Close()
	if l.running.CompareAndSwap(false, true) {
		// never started, shut down right here
		l.shutdown()
		close(l.done)
	}
}

// Done is closed when the loop has shut down
func (l *Loop) Done() <-chan struct{} { return l.done }

// IsClosed reports whether Close was called
func (l *Loop) IsClosed() bool { return l.closed.Load() }

// --------------------------------------------------------------------------
// Running
// --------------------------------------------------------------------------

// Run drives the loop until ctx is done or Close is called. The goroutine
// is locked to its OS thread for the epoll driver.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(l.done)

	if l.driver.Name() == base.DriverEpoll {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	stop := context.AfterFunc(ctx, l.selector.Wakeup)
	defer stop()

	Logger.Debugf("eventloop %d started with %s driver", l.index, l.driver.Name())
	var err error
	for !l.closed.Load() && ctx.Err() == nil {
		if err = l.RunOnce(-1); err != nil {
			break
		}
	}
	l.closed.Store(true)
	l.shutdown()
	Logger.Debugf("eventloop %d stopped", l.index)

	if errors.Is(err, ErrLoopClosed) {
		return nil
	}
	return err
}

// RunOnce runs one iteration. maxWait bounds the poll, a negative value
// polls until an event, a wakeup, the next timer tick or the next task.
func (l *Loop) RunOnce(maxWait time.Duration) error {
	l.drain()

	if _, err := l.selector.Poll(l.pollTimeout(maxWait)); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrLoopClosed
		}
		return fmt.Errorf("eventloop %d: poll: %w", l.index, err)
	}

	now := time.Now()
	l.wheel.Tick(now)
	l.tasks.RunDue(now)
	l.iterations.Inc()
	return nil
}

func (l *Loop) pollTimeout(maxWait time.Duration) time.Duration {
	if l.queue.Len() > 0 {
		return 0
	}
	timeout := maxWait
	limit := func(d time.Duration) {
		if d < 0 {
			d = 0
		}
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}
	if l.wheel.Len() > 0 {
		limit(l.wheel.TickDuration())
	}
	if due, ok := l.tasks.NextDue(); ok {
		limit(time.Until(due))
	}
	return timeout
}

func (l *Loop) drain() {
	l.queue.Drain(func(in *inbound) {
		if in.cmd != nil {
			l.Admit(in.cmd)
			return
		}
		l.run(in.fn)
	})
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			Logger.Errorf("eventloop %d: recovered panic in task: %v", l.index, r)
		}
	}()
	fn()
}

func (l *Loop) shutdown() {
	l.queue.Close()
	l.queue.Drain(func(in *inbound) {
		if in.cmd != nil {
			in.cmd.Reject(ErrLoopClosed)
			return
		}
		l.run(in.fn)
	})
	for e := l.delay.Front(); e != nil; e = l.delay.Front() {
		cmd := l.delay.Remove(e).(Command)
		delete(l.delayed, cmd)
		cmd.Reject(ErrLoopClosed)
	}
	l.queuedGauge.Store(0)
	if err := l.selector.Close(); err != nil {
		Logger.Warningf("eventloop %d: close selector: %v", l.index, err)
	}
}

// --------------------------------------------------------------------------
// Admission (loop goroutine only)
// --------------------------------------------------------------------------

// Admit starts cmd if a slot is free, queues it otherwise, or rejects it
// when the delay queue is full
func (l *Loop) Admit(cmd Command) Admission {
	if l.closed.Load() {
		cmd.Reject(ErrLoopClosed)
		return Rejected
	}

	limit := l.config.MaxCommandsInProcess
	if limit <= 0 || (l.inProcess < limit && l.delay.Len() == 0) {
		l.start(cmd)
		return Started
	}

	if capacity := l.config.MaxCommandsInQueue; capacity > 0 && l.delay.Len() >= capacity {
		l.rejected.Inc()
		cmd.Reject(ErrQueueFull)
		return Rejected
	}
	l.delayed[cmd] = l.delay.PushBack(cmd)
	l.queuedGauge.Store(int64(l.delay.Len()))
	return Delayed
}

// Release frees the slot of a finished command and starts delayed ones
func (l *Loop) Release() {
	if l.inProcess > 0 {
		l.inProcess--
		l.inProcessGauge.Store(int64(l.inProcess))
	}

	limit := l.config.MaxCommandsInProcess
	for l.delay.Len() > 0 && (limit <= 0 || l.inProcess < limit) {
		cmd := l.delay.Remove(l.delay.Front()).(Command)
		delete(l.delayed, cmd)
		l.queuedGauge.Store(int64(l.delay.Len()))
		l.start(cmd)
	}
}

// Dequeue removes a delayed command, e.g. when its deadline passed while it
// was waiting. It reports whether the command was still queued.
func (l *Loop) Dequeue(cmd Command) bool {
	e, ok := l.delayed[cmd]
	if !ok {
		return false
	}
	l.delay.Remove(e)
	delete(l.delayed, cmd)
	l.queuedGauge.Store(int64(l.delay.Len()))
	return true
}

func (l *Loop) start(cmd Command) {
	l.inProcess++
	l.inProcessGauge.Store(int64(l.inProcess))
	cmd.Start()
}

// InProcess is the number of commands holding a slot
func (l *Loop) InProcess() int { return int(l.inProcessGauge.Load()) }

// Queued is the number of delayed commands
func (l *Loop) Queued() int { return int(l.queuedGauge.Load()) }

// --------------------------------------------------------------------------
// Loop resources (loop goroutine only)
// --------------------------------------------------------------------------

// Schedule runs fn on the loop after delay and returns the task id
func (l *Loop) Schedule(delay time.Duration, fn func()) uint64 {
	return l.tasks.Schedule(time.Now().Add(delay), fn)
}

// CancelTask cancels a scheduled task
func (l *Loop) CancelTask(id uint64) bool {
	return l.tasks.Cancel(id)
}

// PendingTasks is the number of scheduled tasks
func (l *Loop) PendingTasks() int { return l.tasks.Len() }

// Index is the position of the loop in its group
func (l *Loop) Index() int { return l.index }

// Wheel is the timer wheel of the loop
func (l *Loop) Wheel() *timer.Wheel { return l.wheel }

// Buffers is the buffer pool of the loop
func (l *Loop) Buffers() *buffer.Pool { return l.pool }

// Selector is the readiness selector of the loop
func (l *Loop) Selector() transport.ISelector { return l.selector }

// Driver is the driver the selector belongs to
func (l *Loop) Driver() transport.IDriver { return l.driver }

// Metrics is the metrics set of the loop. Other packages add their per loop
// metrics to it.
func (l *Loop) Metrics() *metrics.Set { return l.set }

// WritePrometheus writes the loop metrics in prometheus text format
func (l *Loop) WritePrometheus(w io.Writer) { l.set.WritePrometheus(w) }
