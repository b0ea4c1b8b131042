package session

import (
	"context"

	"github.com/go-drift/cvsession/pkg/permission"
	"github.com/go-drift/cvsession/pkg/platform"
	"github.com/go-drift/cvsession/pkg/vision"
)

// Attach registers c with the platform lifecycle and permission services:
// "created" issues the permission request, "stopped" or "destroyed" tears
// the session down, and permission results are routed to the gate.
// The returned function removes the registrations.
func Attach(c *Controller) (detach func()) {
	removeLifecycle := platform.Lifecycle.AddHandler(func(state platform.LifecycleState) {
		switch state {
		case platform.LifecycleStateCreated:
			// Failures are logged by OnCreate; the host has nowhere to report them.
			_ = c.OnCreate(context.Background())
		case platform.LifecycleStateStopped, platform.LifecycleStateDestroyed:
			c.OnStop()
		}
	})
	removePermissions := platform.Permissions.AddResultHandler(func(result platform.PermissionResult) {
		c.OnPermissionResult(context.Background(), result.RequestCode, result.Permissions, result.Grants)
	})
	return func() {
		removeLifecycle()
		removePermissions()
	}
}

// NewPlatformController builds a controller that requests permissions
// through platform.Permissions and opens handles through the vision
// platform channel.
func NewPlatformController(opts Options, gateOpts ...permission.Option) *Controller {
	gateOpts = append([]permission.Option{permission.WithLogger(opts.Logger)}, gateOpts...)
	gate := permission.NewGate(platform.Permissions, gateOpts...)
	return New(gate, vision.NewChannelFactory(), opts)
}
