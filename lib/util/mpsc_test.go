package util

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

// TestBasicOperations tests basic push and pop functionality
func TestBasicOperations(t *testing.T) {
	q := NewLockFreeMPSC[int](nil)
	defer q.Close()

	for i := 0; i < 10; i++ {
		v := i
		if !q.Push(&v) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	if q.Len() != 10 {
		t.Errorf("Expected length 10, got %d", q.Len())
	}

	for i := 0; i < 10; i++ {
		val, ok := q.Pop()
		if !ok {
			t.Fatalf("Queue empty before item %d", i)
		}
		if *val != i {
			t.Errorf("Expected %d, got %v", i, *val)
		}
	}

	if _, ok := q.Pop(); ok {
		t.Error("Queue should be empty")
	}
}

// TestNilPush verifies nil values are rejected
func TestNilPush(t *testing.T) {
	q := NewLockFreeMPSC[int](nil)
	if q.Push(nil) {
		t.Error("Push(nil) should return false")
	}
}

// TestNotify verifies the wakeup hook runs once per push and on close
func TestNotify(t *testing.T) {
	var calls atomic.Int32
	q := NewLockFreeMPSC[int](func() { calls.Add(1) })

	for i := 0; i < 3; i++ {
		v := i
		q.Push(&v)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 notifications, got %d", calls.Load())
	}

	q.Close()
	if calls.Load() != 4 {
		t.Errorf("Close should notify, got %d notifications", calls.Load())
	}
}

// TestConcurrentProducers verifies the queue works correctly with multiple producers
func TestConcurrentProducers(t *testing.T) {
	q := NewLockFreeMPSC[int](nil)
	defer q.Close()

	const numProducers = 10
	const itemsPerProducer = 1000
	totalItems := numProducers * itemsPerProducer

	var wg sync.WaitGroup
	wg.Add(numProducers)
	for p := 0; p < numProducers; p++ {
		go func(producerID int) {
			defer wg.Done()
			base := producerID * itemsPerProducer
			for i := 0; i < itemsPerProducer; i++ {
				val := base + i
				if !q.Push(&val) {
					t.Errorf("Producer %d failed to push item %d", producerID, i)
				}
				if i%100 == 0 {
					runtime.Gosched()
				}
			}
		}(p)
	}

	received := make(map[int]bool, totalItems)
	lastPerProducer := make(map[int]int)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	consume := func(v *int) {
		if received[*v] {
			t.Errorf("Duplicate item received: %v", *v)
		}
		received[*v] = true

		// items of one producer keep their order
		p := *v / itemsPerProducer
		if last, ok := lastPerProducer[p]; ok && last > *v {
			t.Errorf("Producer %d out of order: %d after %d", p, *v, last)
		}
		lastPerProducer[p] = *v
	}

	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		q.Drain(consume)
		runtime.Gosched()
	}
	q.Drain(consume)

	if len(received) != totalItems {
		t.Errorf("Expected %d items, got %d", totalItems, len(received))
	}
}

// TestCloseQueue verifies closing behavior
func TestCloseQueue(t *testing.T) {
	q := NewLockFreeMPSC[int](nil)

	for i := 0; i < 5; i++ {
		v := i
		q.Push(&v)
	}
	q.Close()

	if !q.IsClosed() {
		t.Error("Queue should report closed")
	}

	val := 100
	if q.Push(&val) {
		t.Error("Should not be able to push after queue is closed")
	}

	// existing items are still delivered
	n := q.Drain(func(*int) {})
	if n != 5 {
		t.Errorf("Expected 5 items after close, got %d", n)
	}
}

// BenchmarkMultiProducer benchmarks the queue with multiple producers
func BenchmarkMultiProducer(b *testing.B) {
	q := NewLockFreeMPSC[int](nil)
	defer q.Close()

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				q.Drain(func(*int) {})
				runtime.Gosched()
			}
		}
	}()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			q.Push(&i)
			i++
		}
	})
	close(stop)
}
