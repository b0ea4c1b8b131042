package vision

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	drifterrors "github.com/go-drift/cvsession/pkg/errors"
	"github.com/go-drift/cvsession/pkg/platform"
)

// Channel names used by the native vision plugin.
const (
	MethodChannelName = "drift/cv"
	EventChannelName  = "drift/cv/events"
)

var (
	cvChannel = platform.NewMethodChannel(MethodChannelName)
	cvEvents  = platform.NewEventChannel(EventChannelName)
)

// ChannelFactory opens sessions with the native vision service over the
// platform bridge.
type ChannelFactory struct{}

// NewChannelFactory returns a factory backed by the platform bridge.
func NewChannelFactory() *ChannelFactory {
	return &ChannelFactory{}
}

// Get asks the native side for a new session.
func (f *ChannelFactory) Get(ctx context.Context) (Handle, error) {
	result, err := invoke(ctx, "connect", nil)
	if err != nil {
		if errors.Is(err, platform.ErrPlatformUnavailable) || errors.Is(err, platform.ErrMethodNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	session := platform.AsString(platform.AsMap(result)["session"])
	if session == "" {
		return nil, fmt.Errorf("%w: no session id in connect response", ErrUnavailable)
	}
	return &channelHandle{session: session}, nil
}

// channelHandle is a Handle whose calls carry the native session id.
type channelHandle struct {
	session string
	closed  atomic.Bool
}

// invoke runs a method call on the vision channel, giving up when ctx ends.
// The native call itself cannot be interrupted; its late result is dropped.
func invoke(ctx context.Context, method string, args map[string]any) (any, error) {
	type reply struct {
		result any
		err    error
	}
	done := make(chan reply, 1)
	go func() {
		result, err := cvChannel.Invoke(method, args)
		done <- reply{result, err}
	}()
	select {
	case r := <-done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *channelHandle) args(extra map[string]any) map[string]any {
	args := map[string]any{"session": h.session}
	for k, v := range extra {
		args[k] = v
	}
	return args
}

func (h *channelHandle) IsAvailable(ctx context.Context) bool {
	if h.closed.Load() {
		return false
	}
	result, err := invoke(ctx, "isAvailableOnDevice", h.args(nil))
	if err != nil {
		return false
	}
	return platform.AsBool(platform.AsMap(result)["available"])
}

func (h *channelHandle) Version(ctx context.Context) (Version, error) {
	if h.closed.Load() {
		return Version{}, ErrClosed
	}
	result, err := invoke(ctx, "getVersion", h.args(nil))
	if err != nil {
		return Version{}, err
	}
	return ParseVersion(platform.AsString(platform.AsMap(result)["version"]))
}

func (h *channelHandle) ServiceInfo(ctx context.Context) (ServiceInfo, error) {
	if h.closed.Load() {
		return ServiceInfo{}, ErrClosed
	}
	result, err := invoke(ctx, "getServiceInfo", h.args(nil))
	if err != nil {
		return ServiceInfo{}, err
	}
	m := platform.AsMap(result)
	if m == nil {
		return ServiceInfo{}, ErrNoServiceInfo
	}
	info := ServiceInfo{
		Name:        platform.AsString(m["name"]),
		PackageName: platform.AsString(m["packageName"]),
		VersionName: platform.AsString(m["versionName"]),
	}
	info.VersionCode, _ = platform.AsInt64(m["versionCode"])
	if extras := platform.AsMap(m["extras"]); len(extras) > 0 {
		info.Extras = make(map[string]string, len(extras))
		for k, v := range extras {
			info.Extras[k] = fmt.Sprint(v)
		}
	}
	return info, nil
}

func (h *channelHandle) Observe(aspects AspectSet) Stream {
	return &channelStream{handle: h, aspects: aspects}
}

func (h *channelHandle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	_, err := cvChannel.Invoke("close", h.args(nil))
	return err
}

// channelStream is a cold detection stream. Each Collect call opens its own
// native subscription, identified by a fresh id, and events for other
// subscriptions on the shared event channel are ignored.
type channelStream struct {
	handle  *channelHandle
	aspects AspectSet
}

type streamMessage struct {
	kind    string
	payload any
	err     error
}

func (s *channelStream) Collect(ctx context.Context, emit func(Event)) error {
	if s.handle.closed.Load() {
		return ErrClosed
	}

	id := uuid.NewString()
	messages := make(chan streamMessage, 16)
	done := make(chan struct{})
	defer close(done)

	send := func(m streamMessage) {
		select {
		case messages <- m:
		case <-done:
		}
	}

	sub := cvEvents.Listen(platform.EventHandler{
		OnEvent: func(data any) {
			m := platform.AsMap(data)
			if platform.AsString(m["subscription"]) != id {
				return
			}
			switch kind := platform.AsString(m["type"]); kind {
			case "value":
				send(streamMessage{kind: kind, payload: m["payload"]})
			case "error":
				send(streamMessage{kind: kind, err: platform.NewChannelError(
					platform.AsString(m["code"]), platform.AsString(m["message"]))})
			case "done":
				send(streamMessage{kind: kind})
			default:
				drifterrors.Report(&drifterrors.OpError{
					Op:      "vision.parseEvent",
					Kind:    drifterrors.KindParsing,
					Channel: EventChannelName,
					Err: &drifterrors.ParseError{
						Channel:  EventChannelName,
						DataType: "DetectionEvent",
						Got:      data,
					},
				})
			}
		},
		OnError: func(err error) {
			send(streamMessage{kind: "error", err: err})
		},
		OnDone: func() {
			send(streamMessage{kind: "done"})
		},
	})
	defer sub.Cancel()

	if _, err := invoke(ctx, "observe", s.handle.args(map[string]any{
		"subscription": id,
		"aspects":      s.aspects.Strings(),
	})); err != nil {
		return err
	}
	defer func() {
		if !s.handle.closed.Load() {
			_, _ = cvChannel.Invoke("unobserve", s.handle.args(map[string]any{"subscription": id}))
		}
	}()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-messages:
			if err := ctx.Err(); err != nil {
				return err
			}
			switch m.kind {
			case "value":
				seq++
				emit(Event{Seq: seq, Payload: m.payload, ReceivedAt: time.Now()})
			case "error":
				return m.err
			case "done":
				return nil
			}
		}
	}
}
