package session

import (
	"context"
	"sync/atomic"
)

// task is a background unit of work owned by the controller. Cancellation
// is explicit: only tasks created with a cancel function can be canceled,
// and Cancel reports whether this call was the one that requested it.
type task struct {
	name     string
	cancel   context.CancelFunc
	canceled atomic.Bool
	done     chan struct{}
}

func newTask(name string, cancel context.CancelFunc) *task {
	return &task{name: name, cancel: cancel, done: make(chan struct{})}
}

func (t *task) Cancel() bool {
	if t == nil || t.cancel == nil {
		return false
	}
	if !t.canceled.CompareAndSwap(false, true) {
		return false
	}
	t.cancel()
	return true
}

func (t *task) Canceled() bool {
	return t != nil && t.canceled.Load()
}


// Done is closed when the task's goroutine returns.
func (t *task) Done() <-chan struct{} {
	return t.done
}
