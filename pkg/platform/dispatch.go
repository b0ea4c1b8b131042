package platform

import (
	"sync"

	"github.com/go-drift/cvsession/pkg/errors"
)

var (
	dispatchMu   sync.RWMutex
	dispatchFunc func(callback func())
)

// RegisterDispatch sets the dispatch function used to schedule callbacks on
// the host's UI thread. This should be called once by the host during
// initialization.
func RegisterDispatch(fn func(callback func())) {
	dispatchMu.Lock()
	dispatchFunc = fn
	dispatchMu.Unlock()
}

// Dispatch schedules a callback to run on the UI thread.
// Returns true if the callback was successfully scheduled, false if no dispatch function
// is registered or the callback is nil.
func Dispatch(callback func()) bool {
	dispatchMu.RLock()
	fn := dispatchFunc
	dispatchMu.RUnlock()
	if fn == nil || callback == nil {
		return false
	}
	fn(callback)
	return true
}

// runOnDispatch runs callback on the UI thread when one is registered and
// inline otherwise.
func runOnDispatch(callback func()) {
	if !Dispatch(callback) {
		callback()
	}
}

// Go runs fn on a background goroutine, off the UI thread. Panics are
// recovered and reported under op.
func Go(op string, fn func()) {
	go func() {
		defer errors.Recover(op)
		fn()
	}()
}
