package util

import (
	"testing"
	"time"
)

// TestTaskHeapOrder tests tasks run in due order
func TestTaskHeapOrder(t *testing.T) {
	h := NewTaskHeap()
	base := time.Unix(1000, 0)

	var order []int
	h.Schedule(base.Add(30*time.Millisecond), func() { order = append(order, 3) })
	h.Schedule(base.Add(10*time.Millisecond), func() { order = append(order, 1) })
	h.Schedule(base.Add(20*time.Millisecond), func() { order = append(order, 2) })

	if h.Len() != 3 {
		t.Fatalf("Expected 3 tasks, got %d", h.Len())
	}

	due, ok := h.NextDue()
	if !ok || !due.Equal(base.Add(10*time.Millisecond)) {
		t.Errorf("Unexpected next due %v", due)
	}

	if n := h.RunDue(base.Add(20 * time.Millisecond)); n != 2 {
		t.Errorf("Expected 2 tasks to run, ran %d", n)
	}
	if n := h.RunDue(base.Add(time.Second)); n != 1 {
		t.Errorf("Expected 1 task to run, ran %d", n)
	}

	for i, v := range []int{1, 2, 3} {
		if order[i] != v {
			t.Errorf("Position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

// TestTaskHeapSameDue tests equal due times keep schedule order
func TestTaskHeapSameDue(t *testing.T) {
	h := NewTaskHeap()
	due := time.Unix(5, 0)

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		h.Schedule(due, func() { order = append(order, i) })
	}
	h.RunDue(due)

	for i := 0; i < 5; i++ {
		if order[i] != i {
			t.Fatalf("Expected schedule order, got %v", order)
		}
	}
}

// TestTaskHeapCancel tests removal by id
func TestTaskHeapCancel(t *testing.T) {
	h := NewTaskHeap()
	now := time.Unix(0, 0)

	ran := false
	id := h.Schedule(now, func() { ran = true })

	if !h.Contains(id) {
		t.Fatal("Heap should contain scheduled task")
	}
	if !h.Cancel(id) {
		t.Fatal("Cancel should succeed")
	}
	if h.Cancel(id) {
		t.Error("Second cancel should fail")
	}

	h.RunDue(now.Add(time.Hour))
	if ran {
		t.Error("Cancelled task ran")
	}
}

// TestTaskHeapReschedule tests moving a task
func TestTaskHeapReschedule(t *testing.T) {
	h := NewTaskHeap()
	now := time.Unix(0, 0)

	ran := 0
	id := h.Schedule(now, func() { ran++ })
	if !h.Reschedule(id, now.Add(time.Second)) {
		t.Fatal("Reschedule should succeed")
	}

	h.RunDue(now)
	if ran != 0 {
		t.Error("Task ran before its new due time")
	}
	h.RunDue(now.Add(time.Second))
	if ran != 1 {
		t.Error("Task did not run at its new due time")
	}
	if h.Reschedule(id, now) {
		t.Error("Reschedule of finished task should fail")
	}
}

// TestTaskHeapNestedSchedule tests tasks scheduled by running tasks
func TestTaskHeapNestedSchedule(t *testing.T) {
	h := NewTaskHeap()
	now := time.Unix(0, 0)

	ran := 0
	h.Schedule(now, func() {
		ran++
		h.Schedule(now, func() { ran++ })
	})

	if n := h.RunDue(now); n != 2 {
		t.Errorf("Expected nested task to run in the same call, ran %d", n)
	}
	if ran != 2 {
		t.Errorf("Expected 2 runs, got %d", ran)
	}
}
