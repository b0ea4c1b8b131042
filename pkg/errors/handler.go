package errors

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	// DefaultHandler receives every reported error and recovered panic.
	// It starts as a LogHandler writing to slog.Default.
	DefaultHandler ErrorHandler = &LogHandler{}

	handlerMu sync.RWMutex
)

// SetHandler replaces DefaultHandler. Nil restores a LogHandler.
func SetHandler(h ErrorHandler) {
	if h == nil {
		h = &LogHandler{}
	}
	handlerMu.Lock()
	DefaultHandler = h
	handlerMu.Unlock()
}

func currentHandler() ErrorHandler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return DefaultHandler
}

// Report stamps err if needed and hands it to DefaultHandler.
func Report(err *OpError) {
	if err == nil {
		return
	}
	if err.Timestamp.IsZero() {
		err.Timestamp = time.Now()
	}
	if h := currentHandler(); h != nil {
		h.HandleError(err)
	}
}

// ReportPanic hands a recovered panic to DefaultHandler.
func ReportPanic(err *PanicError) {
	if err == nil {
		return
	}
	if h := currentHandler(); h != nil {
		h.HandlePanic(err)
	}
}

// Recover reports a panic in the deferring goroutine under op:
//
//	defer errors.Recover("session.subscription")
func Recover(op string) {
	if r := recover(); r != nil {
		ReportPanic(newPanicError(op, r))
	}
}

// RecoverWithCallback reports a panic like Recover, then passes the panic
// value to callback.
func RecoverWithCallback(op string, callback func(r any)) {
	r := recover()
	if r == nil {
		return
	}
	ReportPanic(newPanicError(op, r))
	if callback != nil {
		callback(r)
	}
}

func newPanicError(op string, value any) *PanicError {
	return &PanicError{
		Op:         op,
		Value:      value,
		StackTrace: panicStack(),
		Timestamp:  time.Now(),
	}
}

// panicStack formats the stack of a panicking goroutine, starting at the
// frame that panicked. Runtime frames and the recovery helpers are left out.
func panicStack() string {
	var pcs [48]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		frame, more := frames.Next()
		if !ownFrame(frame.Function) {
			fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return sb.String()
}

const pkgPath = "github.com/go-drift/cvsession/pkg/errors."

func ownFrame(function string) bool {
	switch function {
	case pkgPath + "Recover", pkgPath + "RecoverWithCallback",
		pkgPath + "newPanicError", pkgPath + "panicStack":
		return true
	}
	return strings.HasPrefix(function, "runtime.") || strings.Contains(function, ".deferwrap")
}
