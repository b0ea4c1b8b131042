package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-drift/cvsession/pkg/permission"
	"github.com/go-drift/cvsession/pkg/vision"
)

// recorder collects an ordered list of operations from several goroutines.
type recorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *recorder) add(op string) {
	r.mu.Lock()
	r.ops = append(r.ops, op)
	r.mu.Unlock()
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

// filter keeps the ops in keep, preserving order.
func (r *recorder) filter(keep ...string) []string {
	want := make(map[string]bool, len(keep))
	for _, k := range keep {
		want[k] = true
	}
	var out []string
	for _, op := range r.list() {
		if want[op] {
			out = append(out, op)
		}
	}
	return out
}

func (r *recorder) count(op string) int {
	n := 0
	for _, o := range r.list() {
		if o == op {
			n++
		}
	}
	return n
}

// logRecorder is a slog.Handler that records each message as "log:<msg>".
type logRecorder struct {
	rec *recorder
}

func (h logRecorder) Enabled(context.Context, slog.Level) bool { return true }
func (h logRecorder) Handle(_ context.Context, r slog.Record) error {
	h.rec.add("log:" + r.Message)
	return nil
}
func (h logRecorder) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h logRecorder) WithGroup(string) slog.Handler      { return h }

// fakeStream emits events, then either returns err or, with hold set,
// waits for cancellation.
type fakeStream struct {
	events []vision.Event
	err    error
	hold   bool
	// lateEvent is emitted after cancellation to simulate an in-flight event.
	lateEvent *vision.Event
	// emitted, when set, is closed once events were delivered.
	emitted chan struct{}
}

func (s *fakeStream) Collect(ctx context.Context, emit func(vision.Event)) error {
	for _, ev := range s.events {
		emit(ev)
	}
	if s.emitted != nil {
		close(s.emitted)
	}
	if s.hold || s.lateEvent != nil {
		<-ctx.Done()
		if s.lateEvent != nil {
			emit(*s.lateEvent)
			return nil
		}
		return ctx.Err()
	}
	return s.err
}

type fakeHandle struct {
	rec *recorder

	available  bool
	version    string
	versionErr error
	info       vision.ServiceInfo
	infoErr    error
	closeErr   error

	// versionGate, when set, blocks Version until closed.
	versionGate chan struct{}
	// versionEntered is closed when Version is first called.
	versionEntered chan struct{}

	stream vision.Stream

	versionCalls atomic.Int32
	infoCalls    atomic.Int32
	closeCalls   atomic.Int32
	observed     vision.AspectSet
}

func (h *fakeHandle) IsAvailable(context.Context) bool {
	return h.available
}

func (h *fakeHandle) Version(ctx context.Context) (vision.Version, error) {
	if h.versionCalls.Add(1) == 1 && h.versionEntered != nil {
		close(h.versionEntered)
	}
	if h.versionGate != nil {
		select {
		case <-h.versionGate:
		case <-ctx.Done():
			return vision.Version{}, ctx.Err()
		}
	}
	if h.versionErr != nil {
		return vision.Version{}, h.versionErr
	}
	return vision.ParseVersion(h.version)
}

func (h *fakeHandle) ServiceInfo(context.Context) (vision.ServiceInfo, error) {
	h.infoCalls.Add(1)
	return h.info, h.infoErr
}

func (h *fakeHandle) Observe(aspects vision.AspectSet) vision.Stream {
	h.observed = aspects
	if h.stream == nil {
		return &fakeStream{hold: true}
	}
	return h.stream
}

func (h *fakeHandle) Close() error {
	h.closeCalls.Add(1)
	if h.rec != nil {
		h.rec.add("close")
	}
	return h.closeErr
}

type fakeFactory struct {
	handle *fakeHandle
	err    error
	calls  atomic.Int32
}

func (f *fakeFactory) Get(context.Context) (vision.Handle, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.handle, nil
}

type recordingRequester struct {
	mu    sync.Mutex
	calls []permission.Set
}

func (r *recordingRequester) RequestPermissions(ids []string, _ int) error {
	r.mu.Lock()
	r.calls = append(r.calls, append(permission.Set(nil), ids...))
	r.mu.Unlock()
	return nil
}

func (r *recordingRequester) requests() []permission.Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]permission.Set(nil), r.calls...)
}

// observerRecorder records callbacks as "start", "value(<payload>)", "error", "completion".
type observerRecorder struct {
	rec  recorder
	errs []error
	mu   sync.Mutex
}

func (o *observerRecorder) OnStart()                { o.rec.add("start") }
func (o *observerRecorder) OnValue(ev vision.Event) { o.rec.add(fmt.Sprintf("value(%v)", ev.Payload)) }
func (o *observerRecorder) OnComplete()             { o.rec.add("completion") }
func (o *observerRecorder) OnError(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
	o.rec.add("error")
}

type harness struct {
	ctrl      *Controller
	handle    *fakeHandle
	factory   *fakeFactory
	requester *recordingRequester
	observer  *observerRecorder
	rec       *recorder
}

func newHarness(t *testing.T, handle *fakeHandle, opts Options, gateOpts ...permission.Option) *harness {
	t.Helper()
	rec := &recorder{}
	if handle != nil {
		handle.rec = rec
	}
	h := &harness{
		handle:    handle,
		factory:   &fakeFactory{handle: handle},
		requester: &recordingRequester{},
		observer:  &observerRecorder{},
		rec:       rec,
	}
	if opts.Observer == nil {
		opts.Observer = h.observer
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(logRecorder{rec: rec})
	}
	if opts.Permissions == nil {
		opts.Permissions = permission.Set{"CAMERA", "VISION"}
	}
	h.ctrl = New(permission.NewGate(h.requester, gateOpts...), h.factory, opts)
	return h
}

func (h *harness) grantAll() permission.Decision {
	return h.ctrl.OnPermissionResult(context.Background(), permission.DefaultRequestCode,
		[]string{"CAMERA", "VISION"}, []bool{true, true})
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctrl.Wait(ctx); err != nil {
		t.Fatalf("background tasks did not finish: %v", err)
	}
}

func events(payloads ...string) []vision.Event {
	out := make([]vision.Event, len(payloads))
	for i, p := range payloads {
		out[i] = vision.Event{Seq: uint64(i + 1), Payload: p}
	}
	return out
}
