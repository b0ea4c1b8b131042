package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-drift/cvsession/pkg/permission"
	"github.com/go-drift/cvsession/pkg/vision"
)

func TestGrantedSessionDeliversStreamInOrder(t *testing.T) {
	handle := &fakeHandle{
		available: true,
		version:   "1.2.0",
		stream:    &fakeStream{events: events("E1", "E2")},
	}
	h := newHarness(t, handle, Options{})

	if err := h.ctrl.OnCreate(context.Background()); err != nil {
		t.Fatalf("OnCreate: %v", err)
	}
	reqs := h.requester.requests()
	if len(reqs) != 1 || !reflect.DeepEqual(reqs[0], permission.Set{"CAMERA", "VISION"}) {
		t.Fatalf("requests = %v, want [[CAMERA VISION]]", reqs)
	}

	if d := h.grantAll(); d.Kind != permission.GrantedFull {
		t.Fatalf("decision = %v, want granted_full", d)
	}
	if got := h.ctrl.State(); got != SessionOpen {
		t.Fatalf("State() = %v, want session_open", got)
	}
	h.wait(t)

	want := []string{"start", "value(E1)", "value(E2)", "completion"}
	if got := h.observer.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("observer calls = %v, want %v", got, want)
	}
	if !handle.observed.Contains(vision.AspectHumansBodyLandmarksHomaNet) {
		t.Errorf("observed aspects = %v, want default aspect", handle.observed.Strings())
	}

	h.ctrl.OnStop()
	if got := h.ctrl.HandleState(); got != "closed" {
		t.Errorf("HandleState() = %q, want closed", got)
	}
}

func TestPartialGrantReRequestsDeniedSubset(t *testing.T) {
	h := newHarness(t, &fakeHandle{}, Options{})
	ctx := context.Background()

	_ = h.ctrl.OnCreate(ctx)
	d := h.ctrl.OnPermissionResult(ctx, permission.DefaultRequestCode,
		[]string{"CAMERA", "VISION"}, []bool{true, false})

	if d.Kind != permission.RetryWith || !reflect.DeepEqual(d.Remaining, permission.Set{"VISION"}) {
		t.Fatalf("decision = %v, want retry_with[VISION]", d)
	}
	reqs := h.requester.requests()
	if len(reqs) != 2 {
		t.Fatalf("got %d requests, want 2", len(reqs))
	}
	if !reflect.DeepEqual(reqs[1], permission.Set{"VISION"}) {
		t.Errorf("second request = %v, want [VISION]", reqs[1])
	}
	if h.factory.calls.Load() != 0 {
		t.Error("no handle may be created before a full grant")
	}
	if got := h.ctrl.State(); got != Unpermitted {
		t.Errorf("State() = %v, want unpermitted", got)
	}
}

func TestRepeatedGrantCreatesOneHandle(t *testing.T) {
	t.Run("sequential", func(t *testing.T) {
		h := newHarness(t, &fakeHandle{}, Options{})
		h.grantAll()
		h.grantAll()
		if n := h.factory.calls.Load(); n != 1 {
			t.Errorf("factory calls = %d, want 1", n)
		}
		h.ctrl.OnStop()
		h.wait(t)
	})

	t.Run("concurrent", func(t *testing.T) {
		h := newHarness(t, &fakeHandle{}, Options{})
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.grantAll()
			}()
		}
		wg.Wait()
		if n := h.factory.calls.Load(); n != 1 {
			t.Errorf("factory calls = %d, want 1", n)
		}
		h.ctrl.OnStop()
		h.wait(t)
	})
}

func TestStopCancelsSubscriptionBeforeClosingHandle(t *testing.T) {
	h := newHarness(t, &fakeHandle{stream: &fakeStream{hold: true}}, Options{})
	h.ctrl.subscriptionContext = func() (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(context.Background())
		return ctx, func() {
			h.rec.add("cancel")
			cancel()
		}
	}
	h.grantAll()

	h.ctrl.OnStop()

	got := h.rec.filter("cancel", "close")
	want := []string{"cancel", "close"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("teardown order = %v, want %v", got, want)
	}
	h.wait(t)
	if got := h.ctrl.State(); got != Stopped {
		t.Errorf("State() = %v, want stopped", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	handle := &fakeHandle{stream: &fakeStream{hold: true}}
	h := newHarness(t, handle, Options{})
	h.grantAll()

	h.ctrl.OnStop()
	h.ctrl.OnStop()
	h.wait(t)

	if n := handle.closeCalls.Load(); n != 1 {
		t.Errorf("Close calls = %d, want 1", n)
	}
	if n := h.rec.count("log:subscription canceled"); n != 1 {
		t.Errorf("cancellations = %d, want 1", n)
	}
}

func TestStopSurvivesCloseError(t *testing.T) {
	handle := &fakeHandle{closeErr: errors.New("already gone")}
	h := newHarness(t, handle, Options{})
	h.grantAll()

	h.ctrl.OnStop()
	h.wait(t)
	if h.rec.count("log:closing vision handle failed") != 1 {
		t.Errorf("expected close failure to be logged, got %v", h.rec.list())
	}
}

func TestLateMetadataIsDiscarded(t *testing.T) {
	handle := &fakeHandle{
		version:        "2.0.0",
		versionGate:    make(chan struct{}),
		versionEntered: make(chan struct{}),
	}
	h := newHarness(t, handle, Options{})
	h.grantAll()

	<-handle.versionEntered
	h.ctrl.OnStop()
	close(handle.versionGate)
	h.wait(t)

	if n := handle.infoCalls.Load(); n != 0 {
		t.Errorf("ServiceInfo calls after stop = %d, want 0", n)
	}
	if _, ok := h.ctrl.Metadata(); ok {
		t.Error("metadata resolved after stop must be discarded")
	}
}

func TestMetadataFailuresAreTolerated(t *testing.T) {
	versionErr := errors.New("no version")
	infoErr := errors.New("no info")
	handle := &fakeHandle{
		versionErr: versionErr,
		infoErr:    infoErr,
		stream:     &fakeStream{events: events("E1")},
	}
	h := newHarness(t, handle, Options{})
	h.grantAll()
	h.wait(t)

	meta, ok := h.ctrl.Metadata()
	if !ok {
		t.Fatal("expected metadata result")
	}
	if !errors.Is(meta.VersionErr, versionErr) || !errors.Is(meta.ServiceInfoErr, infoErr) {
		t.Errorf("metadata errors = %v / %v", meta.VersionErr, meta.ServiceInfoErr)
	}
	if handle.infoCalls.Load() != 1 {
		t.Error("service info must be attempted even when version fails")
	}
	want := []string{"start", "value(E1)", "completion"}
	if got := h.observer.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("observer calls = %v, want %v", got, want)
	}
	h.ctrl.OnStop()
}

func TestMetadataCompatibility(t *testing.T) {
	tests := []struct {
		name    string
		version string
		min     string
		want    bool
	}{
		{"no minimum", "0.1.0", "", true},
		{"equal", "1.4.0", "1.4.0", true},
		{"newer", "1.10.0", "1.4.0", true},
		{"older", "1.3.9", "1.4.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handle := &fakeHandle{version: tt.version, stream: &fakeStream{}}
			h := newHarness(t, handle, Options{MinVersion: tt.min})
			h.grantAll()
			h.wait(t)
			meta, ok := h.ctrl.Metadata()
			if !ok {
				t.Fatal("expected metadata")
			}
			if meta.Compatible != tt.want {
				t.Errorf("Compatible = %v, want %v", meta.Compatible, tt.want)
			}
			if meta.Version.String() != tt.version {
				t.Errorf("Version = %q, want %q", meta.Version, tt.version)
			}
			h.ctrl.OnStop()
		})
	}
}

func TestStreamErrorEndsSequence(t *testing.T) {
	streamErr := errors.New("camera disconnected")
	handle := &fakeHandle{stream: &fakeStream{events: events("E1"), err: streamErr}}
	h := newHarness(t, handle, Options{})
	h.grantAll()
	h.wait(t)

	want := []string{"start", "value(E1)", "error"}
	if got := h.observer.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("observer calls = %v, want %v", got, want)
	}
	if len(h.observer.errs) != 1 || !errors.Is(h.observer.errs[0], streamErr) {
		t.Errorf("errors = %v, want wrapped %v", h.observer.errs, streamErr)
	}
	if got := h.ctrl.State(); got != SessionOpen {
		t.Errorf("a stream failure must not change state, got %v", got)
	}
	h.ctrl.OnStop()
}

func TestNoCallbacksAfterCancel(t *testing.T) {
	late := vision.Event{Seq: 9, Payload: "late"}
	stream := &fakeStream{events: events("E1"), lateEvent: &late, emitted: make(chan struct{})}
	h := newHarness(t, &fakeHandle{stream: stream}, Options{})
	h.grantAll()

	<-stream.emitted
	h.ctrl.OnStop()
	h.wait(t)

	want := []string{"start", "value(E1)"}
	if got := h.observer.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("observer calls = %v, want %v", got, want)
	}
}

func TestStopBeforeGrantIsFinal(t *testing.T) {
	tests := []struct {
		name   string
		result func(h *harness) permission.Decision
		kind   permission.DecisionKind
	}{
		{"full grant", (*harness).grantAll, permission.GrantedFull},
		{"partial grant", func(h *harness) permission.Decision {
			return h.ctrl.OnPermissionResult(context.Background(), permission.DefaultRequestCode,
				[]string{"CAMERA", "VISION"}, []bool{true, false})
		}, permission.RetryWith},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeHandle{}, Options{})
			_ = h.ctrl.OnCreate(context.Background())

			h.ctrl.OnStop()
			if got := h.ctrl.State(); got != Unpermitted {
				t.Fatalf("State() = %v, want unpermitted", got)
			}
			if h.rec.count("log:rejected state transition") != 1 {
				t.Errorf("expected the rejected stop to be logged, got %v", h.rec.list())
			}

			if d := tt.result(h); d.Kind != tt.kind {
				t.Errorf("decision = %v, want %v", d.Kind, tt.kind)
			}
			h.wait(t)
			if got := h.ctrl.State(); got != Unpermitted {
				t.Errorf("State() after result = %v, want unpermitted", got)
			}
			if n := h.factory.calls.Load(); n != 0 {
				t.Errorf("factory calls = %d, want 0", n)
			}
			if got := h.ctrl.HandleState(); got != "not_created" {
				t.Errorf("HandleState() = %q, want not_created", got)
			}
			if n := len(h.requester.requests()); n != 1 {
				t.Errorf("permission requests = %d, want 1", n)
			}
			if err := h.ctrl.OnCreate(context.Background()); err != nil || len(h.requester.requests()) != 1 {
				t.Errorf("OnCreate after stop requested again (err %v)", err)
			}
		})
	}
}

func TestProviderUnavailable(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.factory.err = vision.ErrUnavailable

	h.grantAll()
	if got := h.ctrl.State(); got != Permitted {
		t.Errorf("State() = %v, want permitted", got)
	}
	if got := h.ctrl.HandleState(); got != "not_created" {
		t.Errorf("HandleState() = %q, want not_created", got)
	}
	if h.rec.count("log:vision provider unavailable") != 1 {
		t.Errorf("expected unavailable provider to be logged, got %v", h.rec.list())
	}

	h.ctrl.OnStop()
	h.wait(t)
	if got := h.ctrl.State(); got != Permitted {
		t.Errorf("State() after stop = %v, want permitted", got)
	}
}

func TestUnavailableHandleIsStillUsed(t *testing.T) {
	handle := &fakeHandle{available: false, stream: &fakeStream{events: events("E1")}}
	h := newHarness(t, handle, Options{})
	h.grantAll()
	h.wait(t)

	want := []string{"start", "value(E1)", "completion"}
	if got := h.observer.rec.list(); !reflect.DeepEqual(got, want) {
		t.Errorf("observer calls = %v, want %v", got, want)
	}
	h.ctrl.OnStop()
}

func TestPermanentDenialKeepsSessionClosed(t *testing.T) {
	h := newHarness(t, &fakeHandle{}, Options{}, permission.WithMaxRetries(1))
	ctx := context.Background()
	_ = h.ctrl.OnCreate(ctx)

	deny := func() permission.Decision {
		return h.ctrl.OnPermissionResult(ctx, permission.DefaultRequestCode,
			[]string{"VISION"}, []bool{false})
	}
	if d := deny(); d.Kind != permission.RetryWith {
		t.Fatalf("first denial = %v, want retry_with", d)
	}
	if d := deny(); d.Kind != permission.DeniedPermanently {
		t.Fatalf("second denial = %v, want denied_permanently", d)
	}
	if n := len(h.requester.requests()); n != 2 {
		t.Errorf("requests = %d, want 2", n)
	}
	if got := h.ctrl.State(); got != Unpermitted {
		t.Errorf("State() = %v, want unpermitted", got)
	}
}

func TestPanickingObserverDoesNotCrash(t *testing.T) {
	handle := &fakeHandle{stream: &fakeStream{events: events("E1", "E2")}}
	var mu sync.Mutex
	var seen []any
	h := newHarness(t, handle, Options{Observer: ObserverFuncs{
		Value: func(ev vision.Event) {
			mu.Lock()
			seen = append(seen, ev.Payload)
			mu.Unlock()
			panic("bad sink")
		},
	}})
	h.grantAll()
	h.wait(t)

	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(seen, []any{"E1", "E2"}) {
		t.Errorf("seen = %v, want [E1 E2]", seen)
	}
	if h.rec.count("log:observer panicked") != 2 {
		t.Errorf("expected two logged panics, got %v", h.rec.list())
	}
	h.ctrl.OnStop()
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Unpermitted, "unpermitted"},
		{Permitted, "permitted"},
		{SessionOpen, "session_open"},
		{Stopped, "stopped"},
		{State(9), "State(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Unpermitted, Permitted, true},
		{Permitted, SessionOpen, true},
		{SessionOpen, Stopped, true},
		{Unpermitted, Stopped, false},
		{Permitted, Stopped, false},
		{Stopped, Stopped, false},
		{Unpermitted, SessionOpen, false},
		{SessionOpen, Permitted, false},
		{Stopped, Permitted, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestWaitCoversTasksStartedSoFar(t *testing.T) {
	h := newHarness(t, &fakeHandle{stream: &fakeStream{hold: true}}, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.ctrl.Wait(ctx); err != nil {
		t.Fatalf("Wait before open: %v", err)
	}

	h.grantAll()
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if err := h.ctrl.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait with a held stream = %v, want deadline exceeded", err)
	}

	h.ctrl.OnStop()
	h.wait(t)
}
