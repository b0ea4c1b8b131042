// Package uithread runs callbacks one at a time on a dedicated goroutine,
// standing in for the host's main thread.
package uithread

import (
	"sync"

	"github.com/go-drift/cvsession/pkg/errors"
)

// Loop is a serial callback queue. Post never blocks, so callbacks may post
// further callbacks.
type Loop struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	stopped chan struct{}
}

// Start returns a running loop.
func Start() *Loop {
	l := &Loop{stopped: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post queues fn. Callbacks posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
}

// Sync posts fn and waits for it to run. It returns false if the loop was
// closed first.
func (l *Loop) Sync(fn func()) bool {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return true
	case <-l.stopped:
		return false
	}
}

// Close drains queued callbacks and stops the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.stopped
		return
	}
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()
	<-l.stopped
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		func() {
			defer errors.Recover("uithread.callback")
			fn()
		}()
	}
}
