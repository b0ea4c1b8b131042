package session

import (
	"fmt"
	"log/slog"

	"github.com/go-drift/cvsession/pkg/errors"
	"github.com/go-drift/cvsession/pkg/vision"
)

// Observer receives the callbacks of one detection subscription.
//
// OnStart is called once before any OnValue. The sequence ends with at most
// one OnError or OnComplete. After the controller cancels the subscription
// no further OnValue or OnComplete is delivered; an OnError already in
// flight may still arrive. Callbacks run on a background goroutine, never
// on the host's UI thread, and are never called concurrently.
type Observer interface {
	OnStart()
	OnValue(ev vision.Event)
	OnError(err error)
	OnComplete()
}

// ObserverFuncs adapts optional functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Start    func()
	Value    func(vision.Event)
	Error    func(error)
	Complete func()
}

func (o ObserverFuncs) OnStart() {
	if o.Start != nil {
		o.Start()
	}
}

func (o ObserverFuncs) OnValue(ev vision.Event) {
	if o.Value != nil {
		o.Value(ev)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

func (o ObserverFuncs) OnComplete() {
	if o.Complete != nil {
		o.Complete()
	}
}

// guardedObserver enforces the callback contract in front of a user
// Observer and emits the stream diagnostics. It is driven by a single
// subscription goroutine.
type guardedObserver struct {
	inner      Observer
	task       *task
	stopped    func() bool
	logger     *slog.Logger
	started    bool
	terminated bool
}

func (g *guardedObserver) late() bool {
	return g.task.Canceled() || g.stopped()
}

func (g *guardedObserver) start() {
	if g.started {
		return
	}
	g.started = true
	g.logger.Debug("detection stream started")
	g.call("start", g.inner.OnStart)
}

func (g *guardedObserver) value(ev vision.Event) {
	if g.terminated || !g.started {
		return
	}
	if g.late() {
		g.logger.Debug("dropping detection event after stop", "seq", ev.Seq)
		return
	}
	g.logger.Debug("detection event", "seq", ev.Seq, "payload", fmt.Sprint(ev.Payload))
	g.call("value", func() { g.inner.OnValue(ev) })
}

func (g *guardedObserver) fail(err error) {
	if g.terminated {
		return
	}
	g.terminated = true
	streamErr := &errors.OpError{Op: "session.subscription", Kind: errors.KindStream, Err: err}
	g.logger.Warn("detection stream failed", "err", streamErr)
	g.call("error", func() { g.inner.OnError(streamErr) })
}

func (g *guardedObserver) complete() {
	if g.terminated {
		return
	}
	g.terminated = true
	if g.late() {
		g.logger.Debug("dropping stream completion after stop")
		return
	}
	g.logger.Debug("detection stream completed")
	g.call("complete", g.inner.OnComplete)
}

// call shields the subscription goroutine from a panicking observer.
func (g *guardedObserver) call(name string, fn func()) {
	defer errors.RecoverWithCallback("session.observer."+name, func(r any) {
		g.logger.Error("observer panicked", "callback", name, "value", r)
	})
	fn()
}
