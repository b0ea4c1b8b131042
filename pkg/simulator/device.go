// Package simulator is an in-process stand-in for the native side of the
// platform bridge. It answers permission prompts and vision service calls
// from a script and pushes results and detections back through the
// platform event channels, so a session can run without a device.
package simulator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-drift/cvsession/pkg/platform"
)

const (
	permissionsChannel       = "drift/permissions"
	permissionResultsChannel = "drift/permissions/result"
	lifecycleEventsChannel   = "drift/lifecycle/events"
	visionChannel            = "drift/cv"
	visionEventsChannel      = "drift/cv/events"
)

// Script describes how the simulated device behaves.
type Script struct {
	// Grant lists permissions the user grants on the first prompt.
	Grant []string
	// DenyOnce lists permissions denied on the first prompt and granted after.
	DenyOnce []string
	// Unavailable makes the vision service report itself unavailable.
	Unavailable bool
	// NoService makes connect fail as if the service were not installed.
	NoService bool
	// Version is reported by getVersion. Empty reports no version.
	Version string
	// ServiceInfo is reported by getServiceInfo. Nil reports none.
	ServiceInfo map[string]any
	// Events are emitted on every subscription, in order.
	Events []any
	// Interval is the delay before each event.
	Interval time.Duration
	// StreamError, when set, fails the stream after the events.
	StreamError string
	// Complete ends the stream after the events.
	Complete bool
	// Codec must match the codec installed with platform.SetCodec.
	Codec platform.MessageCodec
}

// Device is a scripted native bridge. It implements platform.NativeBridge.
type Device struct {
	script Script

	mu            sync.Mutex
	prompts       map[string]int
	calls         []string
	subscriptions map[string]chan struct{}
	closed        bool
	// stopped is set once the host stopped; draining once Wait was called.
	// Neither lets a new emitter start.
	stopped  bool
	draining bool
	wg       sync.WaitGroup
}

// New returns a device following script.
func New(script Script) *Device {
	if script.Codec == nil {
		script.Codec = platform.DefaultCodec
	}
	return &Device{
		script:        script,
		prompts:       make(map[string]int),
		subscriptions: make(map[string]chan struct{}),
	}
}

// Calls returns the "channel/method" names invoked so far.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Closed reports whether the vision session was closed.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Wait blocks until every background emitter has finished. No emitter is
// started once Wait was called.
func (d *Device) Wait() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
	d.wg.Wait()
}

// SetLifecycle reports a host lifecycle transition. Once the host stopped,
// permission prompts are no longer answered.
func (d *Device) SetLifecycle(state platform.LifecycleState) error {
	if state == platform.LifecycleStateStopped {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
	}
	return d.emit(lifecycleEventsChannel, map[string]any{"state": string(state)})
}

func (d *Device) StartEventStream(string) error { return nil }
func (d *Device) StopEventStream(string) error  { return nil }

func (d *Device) InvokeMethod(channel, method string, argsData []byte) ([]byte, error) {
	d.mu.Lock()
	d.calls = append(d.calls, channel+"/"+method)
	d.mu.Unlock()

	decoded, err := d.script.Codec.Decode(argsData)
	if err != nil {
		return nil, err
	}
	args := platform.AsMap(decoded)

	var result any
	switch channel {
	case permissionsChannel:
		result, err = d.handlePermissions(method, args)
	case visionChannel:
		result, err = d.handleVision(method, args)
	default:
		err = platform.ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.script.Codec.Encode(result)
}

func (d *Device) handlePermissions(method string, args map[string]any) (any, error) {
	switch method {
	case "requestPermissions":
		code, _ := platform.AsInt64(args["requestCode"])
		var perms []string
		var grants []int
		d.mu.Lock()
		defer d.mu.Unlock()
		for _, p := range platform.AsSlice(args["permissions"]) {
			id := platform.AsString(p)
			d.prompts[id]++
			perms = append(perms, id)
			grants = append(grants, d.grantLocked(id))
		}

		// The host answers after the prompt is dismissed, not inside the call.
		d.asyncLocked(func() {
			_ = d.emit(permissionResultsChannel, map[string]any{
				"requestCode":  code,
				"permissions":  perms,
				"grantResults": grants,
			})
		})
		return nil, nil
	case "checkSelfPermission":
		id := platform.AsString(args["permission"])
		d.mu.Lock()
		defer d.mu.Unlock()
		result := platform.GrantResultDenied
		if d.prompts[id] > 0 && d.grantLocked(id) == platform.GrantResultGranted {
			result = platform.GrantResultGranted
		}
		return map[string]any{"result": result}, nil
	default:
		return nil, platform.ErrMethodNotFound
	}
}

// grantLocked decides the outcome of the latest prompt for id.
func (d *Device) grantLocked(id string) int {
	for _, g := range d.script.Grant {
		if g == id {
			return platform.GrantResultGranted
		}
	}
	for _, g := range d.script.DenyOnce {
		if g == id && d.prompts[id] > 1 {
			return platform.GrantResultGranted
		}
	}
	return platform.GrantResultDenied
}

func (d *Device) handleVision(method string, args map[string]any) (any, error) {
	switch method {
	case "connect":
		if d.script.NoService {
			return nil, platform.ErrPlatformUnavailable
		}
		return map[string]any{"session": uuid.NewString()}, nil
	case "isAvailableOnDevice":
		return map[string]any{"available": !d.script.Unavailable}, nil
	case "getVersion":
		if d.script.Version == "" {
			return nil, nil
		}
		return map[string]any{"version": d.script.Version}, nil
	case "getServiceInfo":
		return d.script.ServiceInfo, nil
	case "observe":
		id := platform.AsString(args["subscription"])
		stop := make(chan struct{})
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			return nil, nil
		}
		if d.asyncLocked(func() { d.stream(id, stop) }) {
			d.subscriptions[id] = stop
		}
		return nil, nil
	case "unobserve":
		d.unobserve(platform.AsString(args["subscription"]))
		return nil, nil
	case "close":
		d.mu.Lock()
		d.closed = true
		ids := make([]string, 0, len(d.subscriptions))
		for id := range d.subscriptions {
			ids = append(ids, id)
		}
		d.mu.Unlock()
		for _, id := range ids {
			d.unobserve(id)
		}
		return nil, nil
	default:
		return nil, platform.ErrMethodNotFound
	}
}

func (d *Device) unobserve(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if stop, ok := d.subscriptions[id]; ok {
		close(stop)
		delete(d.subscriptions, id)
	}
}

func (d *Device) stream(id string, stop <-chan struct{}) {
	for _, payload := range d.script.Events {
		select {
		case <-stop:
			return
		case <-time.After(d.script.Interval):
		}
		_ = d.emit(visionEventsChannel, map[string]any{
			"subscription": id,
			"type":         "value",
			"payload":      payload,
		})
	}
	switch {
	case d.script.StreamError != "":
		_ = d.emit(visionEventsChannel, map[string]any{
			"subscription": id,
			"type":         "error",
			"code":         "STREAM_FAILED",
			"message":      d.script.StreamError,
		})
	case d.script.Complete:
		_ = d.emit(visionEventsChannel, map[string]any{"subscription": id, "type": "done"})
	}
}

// asyncLocked starts fn as an emitter unless the host stopped or Wait was
// called. Caller must hold d.mu.
func (d *Device) asyncLocked(fn func()) bool {
	if d.stopped || d.draining {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

func (d *Device) emit(channel string, payload any) error {
	data, err := d.script.Codec.Encode(payload)
	if err != nil {
		return fmt.Errorf("simulator: encode %s event: %w", channel, err)
	}
	return platform.HandleEvent(channel, data)
}
