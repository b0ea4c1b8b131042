// Package session owns the lifecycle of a vision detection session.
//
// A Controller gates the session behind a permission grant, opens exactly
// one capability handle once every permission is granted, runs a one-shot
// metadata fetch and a continuous detection subscription in the
// background, and tears both down in a fixed order when the host stops:
// the subscription is canceled first and the handle is closed second.
//
// The host drives the controller through OnCreate, OnPermissionResult and
// OnStop, and is expected to serialize those calls. Attach wires them to
// the platform lifecycle and permission services.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	drifterrors "github.com/go-drift/cvsession/pkg/errors"
	"github.com/go-drift/cvsession/pkg/permission"
	"github.com/go-drift/cvsession/pkg/platform"
	"github.com/go-drift/cvsession/pkg/vision"
)

// DefaultMetadataTimeout bounds the metadata fetch.
const DefaultMetadataTimeout = 10 * time.Second

// Options configures a Controller. The zero value is usable.
type Options struct {
	// Permissions is the set requested on create. Defaults to permission.DefaultSet.
	Permissions permission.Set
	// Aspects filters the detection subscription. Defaults to vision.DefaultAspects.
	Aspects vision.AspectSet
	// MinVersion, when set, is the lowest provider version considered
	// compatible. Older providers are logged, not rejected.
	MinVersion string
	// MetadataTimeout bounds the version and service info fetch.
	MetadataTimeout time.Duration
	// Observer receives the subscription callbacks. Defaults to a no-op.
	Observer Observer
	// Logger receives diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Metadata is the result of the one-shot metadata fetch. Either part may be
// missing; the matching error says why.
type Metadata struct {
	Version        vision.Version
	VersionErr     error
	ServiceInfo    vision.ServiceInfo
	ServiceInfoErr error
	Compatible     bool
}

// Controller is the session lifecycle state machine.
type Controller struct {
	id              string
	gate            *permission.Gate
	factory         vision.Factory
	permissions     permission.Set
	aspects         vision.AspectSet
	minVersion      string
	metadataTimeout time.Duration
	observer        Observer
	logger          *slog.Logger

	state atomic.Int32
	// hostStopped latches the host's stop signal, including a stop that
	// arrived before the session opened and was rejected by the state machine.
	hostStopped atomic.Bool

	// mu serializes transitions and guards the fields below.
	mu           sync.Mutex
	handle       handleSlot
	subscription *task
	metadata     *task
	meta         *Metadata

	// subscriptionContext returns the context the detection stream runs under.
	subscriptionContext func() (context.Context, context.CancelFunc)
}

// New returns a controller in the Unpermitted state.
func New(gate *permission.Gate, factory vision.Factory, opts Options) *Controller {
	c := &Controller{
		id:              uuid.NewString(),
		gate:            gate,
		factory:         factory,
		permissions:     opts.Permissions,
		aspects:         opts.Aspects,
		minVersion:      opts.MinVersion,
		metadataTimeout: opts.MetadataTimeout,
		observer:        opts.Observer,
		handle:          notCreated{},
	}
	c.subscriptionContext = func() (context.Context, context.CancelFunc) {
		return context.WithCancel(context.Background())
	}
	if len(c.permissions) == 0 {
		c.permissions = permission.DefaultSet()
	}
	if len(c.aspects) == 0 {
		c.aspects = vision.DefaultAspects()
	}
	if c.metadataTimeout <= 0 {
		c.metadataTimeout = DefaultMetadataTimeout
	}
	if c.observer == nil {
		c.observer = ObserverFuncs{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c.logger = logger.With("session", c.id)
	return c
}

// ID returns the controller's session id, used to correlate log lines.
func (c *Controller) ID() string {
	return c.id
}

// Gate returns the permission gate the controller requests through.
func (c *Controller) Gate() *permission.Gate {
	return c.gate
}

// State returns the current state. It is safe to call from any goroutine.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) stopped() bool {
	return c.State() == Stopped
}

// transition moves to next if legal. Caller must hold c.mu.
func (c *Controller) transition(next State) bool {
	cur := c.State()
	if !canTransition(cur, next) {
		c.logger.Debug("rejected state transition", "from", cur.String(), "to", next.String())
		return false
	}
	c.state.Store(int32(next))
	c.logger.Debug("state transition", "from", cur.String(), "to", next.String())
	return true
}

// OnCreate issues the initial permission request. It does nothing once
// the controller has left Unpermitted or the host has stopped.
func (c *Controller) OnCreate(ctx context.Context) error {
	if c.State() != Unpermitted || c.hostStopped.Load() {
		return nil
	}
	if err := c.gate.Request(ctx, c.permissions); err != nil {
		c.logger.Warn("permission request failed", "err", &drifterrors.OpError{
			Op: "session.create", Kind: drifterrors.KindPermission, Err: err,
		})
		return err
	}
	return nil
}

// OnPermissionResult feeds a host permission result through the gate.
// A full grant opens the session; a partial grant re-requests exactly the
// denied permissions. The gate's decision is returned for the caller's
// information.
func (c *Controller) OnPermissionResult(ctx context.Context, token int, permissions []string, grants []bool) permission.Decision {
	decision := c.gate.OnResult(token, permissions, grants)
	c.logger.Debug("permission result", "request_code", token, "decision", decision.String())

	switch decision.Kind {
	case permission.GrantedFull:
		c.open(ctx)
	case permission.RetryWith:
		if c.State() != Unpermitted || c.hostStopped.Load() {
			return decision
		}
		if err := c.gate.Request(ctx, decision.Remaining); err != nil {
			c.logger.Warn("permission re-request failed", "err", &drifterrors.OpError{
				Op: "session.permissions", Kind: drifterrors.KindPermission, Err: err,
			})
		}
	case permission.DeniedPermanently:
		c.logger.Warn("permissions permanently denied, session will not open",
			"denied", []string(decision.Remaining))
	}
	return decision
}

// open performs Unpermitted -> Permitted -> SessionOpen. Repeated grants
// are ignored, so at most one handle is ever created, and a grant that
// arrives after the host stopped opens nothing.
func (c *Controller) open(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hostStopped.Load() {
		c.logger.Debug("grant after stop dropped")
		return
	}
	if !c.transition(Permitted) {
		return
	}

	handle, err := c.factory.Get(ctx)
	if err != nil {
		c.logger.Error("vision provider unavailable", "err", &drifterrors.OpError{
			Op: "session.open", Kind: drifterrors.KindProvider, Err: err,
		})
		return
	}
	c.handle = openHandle{handle: handle}
	c.transition(SessionOpen)

	// An unavailable provider is still used; later failures are expected.
	available := handle.IsAvailable(ctx)
	c.logger.Debug("vision availability", "available", available)

	c.startMetadata(handle)
	c.startSubscription(handle)
}

// startMetadata runs the metadata fetch. It is not canceled on stop; its
// result is discarded when it arrives after stop. Caller must hold c.mu.
func (c *Controller) startMetadata(handle vision.Handle) {
	t := newTask("metadata", nil)
	c.metadata = t
	platform.Go("session."+t.name, func() {
		defer close(t.done)
		c.fetchMetadata(handle)
	})
}

func (c *Controller) fetchMetadata(handle vision.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), c.metadataTimeout)
	defer cancel()

	// The handle may be closed between calls, so check before each one.
	if c.stopped() {
		c.logger.Debug("metadata fetch abandoned after stop")
		return
	}
	var meta Metadata
	meta.Version, meta.VersionErr = handle.Version(ctx)
	if c.stopped() {
		c.logger.Debug("metadata fetch abandoned after stop")
		return
	}
	meta.ServiceInfo, meta.ServiceInfoErr = handle.ServiceInfo(ctx)
	meta.Compatible = meta.VersionErr == nil && meta.Version.AtLeast(c.minVersion)
	meta.VersionErr = metadataError("session.version", meta.VersionErr)
	meta.ServiceInfoErr = metadataError("session.serviceInfo", meta.ServiceInfoErr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped() {
		c.logger.Debug("discarding metadata received after stop")
		return
	}
	c.meta = &meta

	attrs := []any{}
	if meta.VersionErr != nil {
		attrs = append(attrs, "version_err", meta.VersionErr.Error())
	} else {
		attrs = append(attrs, "version", meta.Version.String())
	}
	if meta.ServiceInfoErr != nil {
		attrs = append(attrs, "service_info_err", meta.ServiceInfoErr.Error())
	} else {
		attrs = append(attrs, "service", meta.ServiceInfo.Name, "package", meta.ServiceInfo.PackageName)
	}
	c.logger.Debug("vision metadata", attrs...)

	if meta.VersionErr == nil && !meta.Compatible {
		c.logger.Warn("vision provider older than required",
			"version", meta.Version.String(), "min_version", c.minVersion)
	}
}

func metadataError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &drifterrors.OpError{Op: op, Kind: drifterrors.KindMetadata, Err: err}
}

// startSubscription opens the filtered stream on a background goroutine.
// Caller must hold c.mu.
func (c *Controller) startSubscription(handle vision.Handle) {
	ctx, cancel := c.subscriptionContext()
	t := newTask("subscription", cancel)
	c.subscription = t

	stream := handle.Observe(c.aspects)
	obs := &guardedObserver{
		inner:   c.observer,
		task:    t,
		stopped: c.stopped,
		logger:  c.logger.With("aspects", c.aspects.Strings()),
	}

	platform.Go("session."+t.name, func() {
		defer close(t.done)
		defer cancel()
		if t.Canceled() {
			return
		}
		obs.start()
		err := stream.Collect(ctx, obs.value)
		switch {
		case err == nil:
			obs.complete()
		case t.Canceled() && errors.Is(err, context.Canceled):
			obs.logger.Debug("detection stream canceled")
		default:
			obs.fail(err)
		}
	})
}

// OnStop tears the session down: the subscription is canceled, then the
// handle is closed. The metadata task is left to finish on its own.
// A second call is a no-op. Before the session opened the state does not
// change, but the stop is remembered: later grants are dropped and no
// permission is requested again.
func (c *Controller) OnStop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hostStopped.Store(true)
	if !c.transition(Stopped) {
		return
	}

	if c.subscription.Cancel() {
		c.logger.Debug(c.subscription.name + " canceled")
	}
	if c.metadata != nil {
		c.logger.Debug("metadata fetch left to finish")
	}

	switch slot := c.handle.(type) {
	case openHandle:
		c.handle = closedHandle{}
		if err := slot.handle.Close(); err != nil {
			c.logger.Warn("closing vision handle failed", "err", &drifterrors.OpError{
				Op: "session.stop", Kind: drifterrors.KindProvider, Err: err,
			})
		}
		c.logger.Debug("vision handle closed")
	case notCreated, closedHandle:
	}
}

// Metadata returns the metadata fetch result once it is available.
func (c *Controller) Metadata() (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meta == nil {
		return Metadata{}, false
	}
	return *c.meta, true
}

// HandleState reports the handle slot: "not_created", "open" or "closed".
func (c *Controller) HandleState() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle.slotName()
}

// Wait blocks until the background tasks started so far have returned or
// ctx ends.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	tasks := []*task{c.metadata, c.subscription}
	c.mu.Unlock()

	for _, t := range tasks {
		if t == nil {
			continue
		}
		select {
		case <-t.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
