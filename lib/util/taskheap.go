package util

import (
	"container/heap"
	"strconv"
	"time"
)

// TaskHeap is a min-heap of scheduled tasks ordered by due time that also
// supports O(1) lookup and O(log n) removal by task id. The event loop uses it
// for work that must start later, e.g. the sleep between two command retries.
//
// Time Complexity:
//   - O(log n) for Schedule, Cancel and popping due tasks
//   - O(1) for Contains and NextDue
//
// Not thread-safe: a TaskHeap is owned by exactly one event loop goroutine.
type TaskHeap struct {
	items    []*task
	itemsMap map[uint64]*task
	nextID   uint64
}

// task represents a scheduled function with a due time in unix nanoseconds
type task struct {
	ID    uint64
	Due   int64
	fn    func()
	index int // index in the heap, maintained by heap package
}

func (t *task) String() string {
	return "{ID: " + strconv.FormatUint(t.ID, 10) + ", Due: " + strconv.FormatInt(t.Due, 10) + "}"
}

// NewTaskHeap creates an empty heap
func NewTaskHeap() *TaskHeap {
	return &TaskHeap{
		items:    make([]*task, 0),
		itemsMap: make(map[uint64]*task),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *TaskHeap) Len() int { return len(h.items) }

func (h *TaskHeap) Less(i, j int) bool {
	if h.items[i].Due == h.items[j].Due {
		// equal due times run in schedule order
		return h.items[i].ID < h.items[j].ID
	}
	return h.items[i].Due < h.items[j].Due
}

func (h *TaskHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *TaskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(h.items)
	h.items = append(h.items, t)
	h.itemsMap[t.ID] = t
}

func (h *TaskHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, t.ID)
	return t
}

// --------------------------------------------------------------------------
// Task Methods
// --------------------------------------------------------------------------

// Schedule registers fn to run at due and returns the task id.
func (h *TaskHeap) Schedule(due time.Time, fn func()) uint64 {
	h.nextID++
	heap.Push(h, &task{ID: h.nextID, Due: due.UnixNano(), fn: fn})
	return h.nextID
}

// Reschedule moves an existing task to a new due time.
// Returns false if the task already ran or was cancelled.
func (h *TaskHeap) Reschedule(id uint64, due time.Time) bool {
	t, exists := h.itemsMap[id]
	if !exists {
		return false
	}
	t.Due = due.UnixNano()
	heap.Fix(h, t.index)
	return true
}

// Cancel removes a task by its id. Returns false if it is unknown.
func (h *TaskHeap) Cancel(id uint64) bool {
	t, exists := h.itemsMap[id]
	if !exists {
		return false
	}
	heap.Remove(h, t.index)
	return true
}

// Contains checks if a task is still pending
func (h *TaskHeap) Contains(id uint64) bool {
	_, exists := h.itemsMap[id]
	return exists
}

// NextDue returns the due time of the earliest pending task
func (h *TaskHeap) NextDue() (time.Time, bool) {
	if len(h.items) == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, h.items[0].Due), true
}

// RunDue pops and runs every task due at or before now, in due order.
// Tasks scheduled by a running task for a time <= now also run in this call.
// Returns the number of tasks run.
func (h *TaskHeap) RunDue(now time.Time) int {
	n := 0
	limit := now.UnixNano()
	for len(h.items) > 0 && h.items[0].Due <= limit {
		t := heap.Pop(h).(*task)
		t.fn()
		n++
	}
	return n
}
