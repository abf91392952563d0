package eventloop

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/aeroloop/lib/model"
	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
	"github.com/ValentinKolb/aeroloop/rpc/transport/base"
	"github.com/ValentinKolb/aeroloop/rpc/transport/tcp"
	"github.com/creasty/defaults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDriver(t *testing.T) transport.IDriver {
	t.Helper()
	var socket common.SocketConfig
	require.NoError(t, defaults.Set(&socket))
	return base.NewPumpDriver(tcp.NewConnector(), socket)
}

func testConfig(t *testing.T, mutate func(*common.EventLoopConfig)) common.EventLoopConfig {
	t.Helper()
	var config common.EventLoopConfig
	require.NoError(t, defaults.Set(&config))
	if mutate != nil {
		mutate(&config)
	}
	return config
}

func newTestLoop(t *testing.T, mutate func(*common.EventLoopConfig)) *Loop {
	t.Helper()
	l, err := New(0, testConfig(t, mutate), testDriver(t))
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l
}

// recorder logs the order in which commands start or get rejected
type recorder struct {
	started  []int
	rejected map[int]error
}

func (r *recorder) command(id int) Command {
	return &CommandFuncs{
		OnStart:  func() { r.started = append(r.started, id) },
		OnReject: func(err error) { r.rejected[id] = err },
	}
}

func newRecorder() *recorder {
	return &recorder{rejected: map[int]error{}}
}

// --------------------------------------------------------------------------
// Admission
// --------------------------------------------------------------------------

func TestAdmissionLimitDelaysFIFO(t *testing.T) {
	l := newTestLoop(t, func(c *common.EventLoopConfig) { c.MaxCommandsInProcess = 5 })
	r := newRecorder()

	var results []Admission
	for i := 0; i < 8; i++ {
		results = append(results, l.Admit(r.command(i)))
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, r.started)
	assert.Equal(t, []Admission{Started, Started, Started, Started, Started, Delayed, Delayed, Delayed}, results)
	assert.Equal(t, 5, l.InProcess())
	assert.Equal(t, 3, l.Queued())

	for i := 0; i < 3; i++ {
		l.Release()
		assert.Equal(t, 5, l.InProcess())
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, r.started)
	assert.Equal(t, 0, l.Queued())
	assert.Empty(t, r.rejected)
}

func TestAdmissionDelayedBeforeNewArrivals(t *testing.T) {
	l := newTestLoop(t, func(c *common.EventLoopConfig) { c.MaxCommandsInProcess = 1 })
	r := newRecorder()

	l.Admit(r.command(0))
	l.Admit(r.command(1))
	l.Release()
	l.Admit(r.command(2))

	assert.Equal(t, []int{0, 1}, r.started, "the new arrival waits behind the slot holder")
	l.Release()
	assert.Equal(t, []int{0, 1, 2}, r.started)
}

func TestAdmissionQueueFull(t *testing.T) {
	l := newTestLoop(t, func(c *common.EventLoopConfig) {
		c.MaxCommandsInProcess = 1
		c.MaxCommandsInQueue = 1
	})
	r := newRecorder()

	assert.Equal(t, Started, l.Admit(r.command(0)))
	assert.Equal(t, Delayed, l.Admit(r.command(1)))
	assert.Equal(t, Rejected, l.Admit(r.command(2)))

	require.Contains(t, r.rejected, 2)
	assert.ErrorIs(t, r.rejected[2], model.ErrQueueFull)

	var buf bytes.Buffer
	l.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `aeroloop_eventloop_rejected_total{loop="0"} 1`)
}

func TestAdmissionUnlimited(t *testing.T) {
	l := newTestLoop(t, nil)
	r := newRecorder()
	for i := 0; i < 100; i++ {
		assert.Equal(t, Started, l.Admit(r.command(i)))
	}
	assert.Equal(t, 100, l.InProcess())
}

func TestDequeue(t *testing.T) {
	l := newTestLoop(t, func(c *common.EventLoopConfig) { c.MaxCommandsInProcess = 1 })
	r := newRecorder()

	l.Admit(r.command(0))
	waiting := r.command(1)
	l.Admit(waiting)
	l.Admit(r.command(2))

	assert.True(t, l.Dequeue(waiting))
	assert.False(t, l.Dequeue(waiting))
	l.Release()
	assert.Equal(t, []int{0, 2}, r.started)
}

// --------------------------------------------------------------------------
// Inbound queue and running
// --------------------------------------------------------------------------

func TestExecuteFromManyGoroutines(t *testing.T) {
	l := newTestLoop(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	const producers, perProducer = 8, 250
	var counter int // only touched on the loop
	var done sync.WaitGroup
	done.Add(producers * perProducer)

	for p := 0; p < producers; p++ {
		go func() {
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, l.Execute(func() {
					counter++
					done.Done()
				}))
			}
		}()
	}
	done.Wait()

	result := make(chan int)
	require.NoError(t, l.Execute(func() { result <- counter }))
	assert.Equal(t, producers*perProducer, <-result)
}

func TestSubmitAdmitsOnLoop(t *testing.T) {
	l := newTestLoop(t, func(c *common.EventLoopConfig) { c.MaxCommandsInProcess = 2 })
	started := make(chan int, 3)
	for i := 0; i < 3; i++ {
		id := i
		require.NoError(t, l.Submit(&CommandFuncs{OnStart: func() { started <- id }}))
	}

	require.NoError(t, l.RunOnce(0))
	assert.Len(t, started, 2)
	assert.Equal(t, 1, l.Queued())
}

func TestScheduleRunsAfterDelay(t *testing.T) {
	l := newTestLoop(t, nil)
	start := time.Now()
	var ranAt time.Time
	l.Schedule(30*time.Millisecond, func() { ranAt = time.Now() })

	cancelled := l.Schedule(10*time.Millisecond, func() { t.Error("cancelled task ran") })
	assert.True(t, l.CancelTask(cancelled))

	for ranAt.IsZero() && time.Since(start) < 2*time.Second {
		require.NoError(t, l.RunOnce(-1))
	}
	assert.GreaterOrEqual(t, ranAt.Sub(start), 30*time.Millisecond)
	assert.Equal(t, 0, l.PendingTasks())
}

func TestWheelTickedEveryIteration(t *testing.T) {
	l := newTestLoop(t, func(c *common.EventLoopConfig) { c.TimerTick = time.Millisecond })
	fired := 0
	l.Wheel().Add(time.Now().Add(5*time.Millisecond), func() { fired++ })

	deadline := time.Now().Add(2 * time.Second)
	for fired == 0 && time.Now().Before(deadline) {
		require.NoError(t, l.RunOnce(-1))
	}
	assert.Equal(t, 1, fired)
	assert.Equal(t, 0, l.Wheel().Len())
}

func TestRecoversPanicInTask(t *testing.T) {
	l := newTestLoop(t, nil)
	ran := false
	require.NoError(t, l.Execute(func() { panic("boom") }))
	require.NoError(t, l.Execute(func() { ran = true }))
	require.NoError(t, l.RunOnce(0))
	assert.True(t, ran)
}

func TestCloseRejectsPending(t *testing.T) {
	l, err := New(0, testConfig(t, func(c *common.EventLoopConfig) { c.MaxCommandsInProcess = 1 }), testDriver(t))
	require.NoError(t, err)
	r := newRecorder()

	l.Admit(r.command(0))
	l.Admit(r.command(1))
	require.NoError(t, l.Submit(r.command(2)))

	l.Close()
	<-l.Done()

	assert.Equal(t, []int{0}, r.started)
	assert.ErrorIs(t, r.rejected[1], ErrLoopClosed)
	assert.ErrorIs(t, r.rejected[2], ErrLoopClosed)
	assert.ErrorIs(t, l.Execute(func() {}), ErrLoopClosed)
	assert.ErrorIs(t, l.Run(context.Background()), ErrAlreadyRunning)
}

func TestRunStopsOnContext(t *testing.T) {
	l := newTestLoop(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- l.Run(ctx) }()

	cancel()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.NoError(t, <-errs)
	assert.True(t, l.IsClosed())
}

// --------------------------------------------------------------------------
// Group
// --------------------------------------------------------------------------

func TestEventLoopsRoundRobin(t *testing.T) {
	g, err := NewEventLoops(testConfig(t, func(c *common.EventLoopConfig) { c.Loops = 3 }), testDriver(t))
	require.NoError(t, err)

	var seen []int
	for i := 0; i < 6; i++ {
		seen = append(seen, g.Next().Index())
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, seen)
	assert.Equal(t, 3, g.Len())

	var ran atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < g.Len(); i++ {
		wg.Add(1)
		require.NoError(t, g.Get(i).Execute(func() {
			ran.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(3), ran.Load())

	var buf bytes.Buffer
	g.WritePrometheus(&buf)
	assert.Contains(t, buf.String(), `aeroloop_eventloop_iterations_total{loop="2"}`)

	require.NoError(t, g.Close())
	for i := 0; i < g.Len(); i++ {
		assert.True(t, g.Get(i).IsClosed())
	}
}
