package platform

import (
	"errors"
	"slices"
	"testing"
)

type streamBridge struct {
	noopBridge
	started, stopped []string
	startErr         error
}

func (b *streamBridge) StartEventStream(ch string) error {
	b.started = append(b.started, ch)
	return b.startErr
}

func (b *streamBridge) StopEventStream(ch string) error {
	b.stopped = append(b.stopped, ch)
	return nil
}

func TestEventChannelStartsAndStopsOnce(t *testing.T) {
	bridge := &streamBridge{}
	SetupBridge(bridge, t.Cleanup)

	ch := NewEventChannel("test/stream/once")
	var got []any
	a := ch.Listen(EventHandler{OnEvent: func(d any) { got = append(got, d) }})
	b := ch.Listen(EventHandler{})
	if n := countOf(bridge.started, "test/stream/once"); n != 1 {
		t.Errorf("started %d times, want 1", n)
	}

	if err := HandleEvent("test/stream/once", []byte(`"x"`)); err != nil {
		t.Fatal(err)
	}
	a.Cancel()
	a.Cancel()
	_ = HandleEvent("test/stream/once", []byte(`"y"`))
	if len(got) != 1 || got[0] != "x" {
		t.Errorf("events = %v, want [x]", got)
	}
	if countOf(bridge.stopped, "test/stream/once") != 0 {
		t.Errorf("stream stopped while a listener remains")
	}
	b.Cancel()
	if n := countOf(bridge.stopped, "test/stream/once"); n != 1 {
		t.Errorf("stopped %d times, want 1", n)
	}
}

func countOf(list []string, s string) int {
	n := 0
	for _, v := range list {
		if v == s {
			n++
		}
	}
	return n
}

func TestEventChannelDeferredStart(t *testing.T) {
	t.Cleanup(ResetForTest)
	ch := NewEventChannel("test/stream/deferred")
	var errs []error
	ch.Listen(EventHandler{OnError: func(err error) { errs = append(errs, err) }})

	bridge := &streamBridge{}
	SetNativeBridge(bridge)
	if !slices.Contains(bridge.started, "test/stream/deferred") {
		t.Errorf("started = %v, want test/stream/deferred", bridge.started)
	}
	if len(errs) != 0 {
		t.Errorf("unexpected errors %v", errs)
	}
}

func TestEventChannelStartError(t *testing.T) {
	boom := errors.New("boom")
	SetupBridge(&streamBridge{startErr: boom}, t.Cleanup)

	ch := NewEventChannel("test/stream/err")
	var got error
	ch.Listen(EventHandler{OnError: func(err error) { got = err }})
	if !errors.Is(got, boom) {
		t.Errorf("OnError got %v, want %v", got, boom)
	}
}

func TestEventChannelDoneAndError(t *testing.T) {
	SetupTestBridge(t.Cleanup)
	ch := NewEventChannel("test/stream/done")

	var gotErr error
	var done bool
	sub := ch.Listen(EventHandler{
		OnError: func(err error) { gotErr = err },
		OnDone:  func() { done = true },
	})

	if err := HandleEventError("test/stream/done", "E_CAM", "camera busy"); err != nil {
		t.Fatal(err)
	}
	var chErr *ChannelError
	if !errors.As(gotErr, &chErr) || chErr.Code != "E_CAM" {
		t.Errorf("OnError got %v", gotErr)
	}

	if err := HandleEventDone("test/stream/done"); err != nil {
		t.Fatal(err)
	}
	if !done || !sub.IsCanceled() {
		t.Errorf("done=%v canceled=%v, want both true", done, sub.IsCanceled())
	}
}

func TestHandleEventUnknownChannel(t *testing.T) {
	SetupTestBridge(t.Cleanup)
	if err := HandleEvent("test/nope", []byte(`1`)); !errors.Is(err, ErrChannelNotRegistered) {
		t.Errorf("error = %v, want ErrChannelNotRegistered", err)
	}
}

func TestGoRecoversPanics(t *testing.T) {
	done := make(chan struct{})
	Go("test.panic", func() {
		defer close(done)
		panic("boom")
	})
	<-done
}

func TestDispatch(t *testing.T) {
	t.Cleanup(ResetForTest)
	if Dispatch(func() {}) {
		t.Error("Dispatch without a registered function should return false")
	}
	ran := false
	runOnDispatch(func() { ran = true })
	if !ran {
		t.Error("runOnDispatch should run inline without a dispatcher")
	}

	var queued []func()
	RegisterDispatch(func(cb func()) { queued = append(queued, cb) })
	ran = false
	runOnDispatch(func() { ran = true })
	if ran || len(queued) != 1 {
		t.Fatalf("callback should be queued, ran=%v queued=%d", ran, len(queued))
	}
	queued[0]()
	if !ran {
		t.Error("queued callback did not run")
	}
}
