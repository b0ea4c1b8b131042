// Package permission implements the runtime permission gate that must be
// passed before the vision session may open.
//
// A Gate asks the host for a fixed set of permissions under one correlation
// token and turns each delivered result into a Decision: proceed, or ask
// again for exactly the permissions that were denied.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Well-known permission identifiers used by the vision session.
const (
	Camera       = "android.permission.CAMERA"
	VisionSensor = "ru.sberdevices.permission.COMPUTER_VISION_SENSITIVE"
)

// DefaultRequestCode is the correlation token used when none is configured.
const DefaultRequestCode = 1

// DefaultSet is the permission set requested by the vision session.
func DefaultSet() Set {
	return Set{Camera, VisionSensor}
}

var (
	// ErrRequestPending is returned when a round-trip is already outstanding
	// for the gate's correlation token.
	ErrRequestPending = errors.New("permission: request already pending")

	// ErrEmptySet is returned when asked to request no permissions.
	ErrEmptySet = errors.New("permission: empty permission set")
)

// Set is an ordered list of permission identifiers requested together.
type Set []string

// Requester sends a permission prompt to the host.
// platform.PermissionService satisfies it.
type Requester interface {
	RequestPermissions(ids []string, requestCode int) error
}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ids []string, requestCode int) error

// RequestPermissions calls f.
func (f RequesterFunc) RequestPermissions(ids []string, requestCode int) error {
	return f(ids, requestCode)
}

// Gate tracks permission round-trips for one correlation token.
type Gate struct {
	requester  Requester
	token      int
	maxRetries int
	logger     *slog.Logger

	mu      sync.Mutex
	pending bool
	retries int
}

// Option configures a Gate.
type Option func(*Gate)

// WithRequestCode sets the correlation token. Defaults to DefaultRequestCode.
func WithRequestCode(code int) Option {
	return func(g *Gate) { g.token = code }
}

// WithMaxRetries caps how many times denied permissions are requested again.
// Zero, the default, never gives up.
func WithMaxRetries(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxRetries = n
		}
	}
}

// WithLogger sets the logger for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGate returns a gate that prompts through requester.
func NewGate(requester Requester, opts ...Option) *Gate {
	g := &Gate{
		requester: requester,
		token:     DefaultRequestCode,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Token returns the correlation token the gate requests under.
func (g *Gate) Token() int {
	return g.token
}

// Request asks the host to prompt for permissions. The outcome is delivered
// later through OnResult. Only one round-trip may be outstanding at a time.
func (g *Gate) Request(ctx context.Context, permissions Set) error {
	if len(permissions) == 0 {
		return ErrEmptySet
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	if g.pending {
		g.mu.Unlock()
		return ErrRequestPending
	}
	g.pending = true
	g.mu.Unlock()

	g.logger.Debug("requesting permissions", "permissions", []string(permissions), "request_code", g.token)
	if err := g.requester.RequestPermissions(permissions, g.token); err != nil {
		g.mu.Lock()
		g.pending = false
		g.mu.Unlock()
		return fmt.Errorf("request permissions: %w", err)
	}
	return nil
}

// Pending reports whether a round-trip is outstanding.
func (g *Gate) Pending() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Retries returns how many times denied permissions were re-requested.
func (g *Gate) Retries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retries
}

// OnResult evaluates a delivered result. Results for another token are
// ignored. A permission without a matching grant entry counts as denied.
func (g *Gate) OnResult(token int, permissions []string, grants []bool) Decision {
	if token != g.token {
		g.logger.Debug("ignoring permission result for foreign request code", "request_code", token)
		return Decision{Kind: Ignored}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = false

	decision := Evaluate(permissions, grants)
	if decision.Kind != RetryWith {
		g.retries = 0
		return decision
	}

	if g.maxRetries > 0 && g.retries >= g.maxRetries {
		g.logger.Warn("permissions still denied, giving up",
			"denied", []string(decision.Remaining), "retries", g.retries)
		return Decision{Kind: DeniedPermanently, Remaining: decision.Remaining}
	}
	g.retries++
	return decision
}

// Evaluate applies the grant policy to one result without any retry
// bookkeeping: GrantedFull when every permission is granted, otherwise
// RetryWith the denied permissions in their original order.
func Evaluate(permissions []string, grants []bool) Decision {
	var denied Set
	for i, p := range permissions {
		if i >= len(grants) || !grants[i] {
			denied = append(denied, p)
		}
	}
	if len(denied) == 0 {
		return Decision{Kind: GrantedFull}
	}
	return Decision{Kind: RetryWith, Remaining: denied}
}
