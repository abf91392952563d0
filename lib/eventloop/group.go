package eventloop

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/aeroloop/rpc/common"
	"github.com/ValentinKolb/aeroloop/rpc/transport"
)

// EventLoops is a group of running loops
type EventLoops struct {
	loops  []*Loop
	next   atomic.Uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEventLoops creates config.Loops loops and starts each on its own goroutine
func NewEventLoops(config common.EventLoopConfig, driver transport.IDriver) (*EventLoops, error) {
	count := config.Loops
	if count < 1 {
		count = 1
	}

	g := &EventLoops{}
	for i := 0; i < count; i++ {
		l, err := New(i, config, driver)
		if err != nil {
			for _, started := range g.loops {
				started.Close()
			}
			return nil, fmt.Errorf("create event loops: %w", err)
		}
		g.loops = append(g.loops, l)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	for _, l := range g.loops {
		g.wg.Add(1)
		go func(l *Loop) {
			defer g.wg.Done()
			if err := l.Run(ctx); err != nil {
				Logger.Errorf("eventloop %d exited: %v", l.Index(), err)
			}
		}(l)
	}

	Logger.Infof("started %d event loops with %s driver", count, driver.Name())
	return g, nil
}

// Next returns the next loop round robin
func (g *EventLoops) Next() *Loop {
	i := g.next.Add(1) - 1
	return g.loops[i%uint64(len(g.loops))]
}

// Get returns the loop at index i
func (g *EventLoops) Get(i int) *Loop {
	return g.loops[i]
}

// Len is the number of loops
func (g *EventLoops) Len() int { return len(g.loops) }

// Close stops all loops and waits until they have shut down
func (g *EventLoops) Close() error {
	for _, l := range g.loops {
		l.Close()
	}
	g.cancel()
	g.wg.Wait()
	return nil
}

// WritePrometheus writes the metrics of all loops
func (g *EventLoops) WritePrometheus(w io.Writer) {
	for _, l := range g.loops {
		l.WritePrometheus(w)
	}
}
