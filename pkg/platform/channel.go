package platform

import (
	"sync"
	"sync/atomic"
)

// MethodHandler answers a method call made by the host.
type MethodHandler func(method string, args any) (any, error)

// MethodChannel is a named request/response channel to the host. Go calls
// into the host with Invoke; the host calls into Go through the handler.
type MethodChannel struct {
	name    string
	handler atomic.Pointer[MethodHandler]
}

// NewMethodChannel registers a method channel under name.
func NewMethodChannel(name string) *MethodChannel {
	ch := &MethodChannel{name: name}
	registry.registerMethod(name, ch)
	return ch
}

func (c *MethodChannel) Name() string {
	return c.name
}

// SetHandler installs the handler for host-initiated calls. Nil removes it.
func (c *MethodChannel) SetHandler(handler MethodHandler) {
	if handler == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&handler)
}

// Invoke encodes args with the active codec, calls method on the host and
// decodes the reply. It blocks for the duration of the host call and fails
// with ErrPlatformUnavailable when no bridge is installed.
func (c *MethodChannel) Invoke(method string, args any) (any, error) {
	return invokeNative(c.name, method, args)
}

func (c *MethodChannel) handleCall(method string, args any) (any, error) {
	h := c.handler.Load()
	if h == nil {
		return nil, ErrMethodNotFound
	}
	return (*h)(method, args)
}

// EventHandler receives what the host pushes on an EventChannel. Any of the
// callbacks may be nil.
type EventHandler struct {
	OnEvent func(data any)
	OnError func(err error)
	OnDone  func()
}

// Subscription is one listener on an EventChannel.
type Subscription struct {
	channel  *EventChannel
	handler  EventHandler
	canceled atomic.Bool
}

// Cancel detaches the listener. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s.canceled.CompareAndSwap(false, true) {
		s.channel.remove(s)
	}
}

func (s *Subscription) IsCanceled() bool {
	return s.canceled.Load()
}

// EventChannel fans host events out to its subscriptions. The host stream
// runs while at least one subscription is attached.
type EventChannel struct {
	name string

	mu      sync.Mutex
	subs    []*Subscription
	started bool
}

// NewEventChannel registers an event channel under name.
func NewEventChannel(name string) *EventChannel {
	ch := &EventChannel{name: name}
	registry.registerEvent(name, ch)
	return ch
}

func (c *EventChannel) Name() string {
	return c.name
}

// Listen attaches handler. The first subscription starts the host stream;
// if that fails the error goes to handler.OnError and the subscription
// stays attached, so a later SetNativeBridge can start it. Without a
// bridge the stream is started by SetNativeBridge.
func (c *EventChannel) Listen(handler EventHandler) *Subscription {
	sub := &Subscription{channel: c, handler: handler}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	start := !c.started && currentBridge() != nil
	if start {
		c.started = true
	}
	c.mu.Unlock()

	if !start {
		return sub
	}
	if err := startEventStream(c.name); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		if handler.OnError != nil {
			handler.OnError(err)
		}
	}
	return sub
}

// remove detaches sub and stops the host stream after the last one.
func (c *EventChannel) remove(sub *Subscription) {
	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	stop := len(c.subs) == 0 && c.started
	if stop {
		c.started = false
	}
	c.mu.Unlock()

	// stopEventStream reports its own failures.
	if stop {
		_ = stopEventStream(c.name)
	}
}

// live returns the subscriptions to deliver to, detaching them all when
// the stream is finished.
func (c *EventChannel) live(finished bool) []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := append([]*Subscription(nil), c.subs...)
	if finished {
		c.subs = nil
	}
	return subs
}

func (c *EventChannel) dispatchEvent(data any) {
	for _, sub := range c.live(false) {
		if !sub.IsCanceled() && sub.handler.OnEvent != nil {
			sub.handler.OnEvent(data)
		}
	}
}

func (c *EventChannel) dispatchError(err error) {
	for _, sub := range c.live(false) {
		if !sub.IsCanceled() && sub.handler.OnError != nil {
			sub.handler.OnError(err)
		}
	}
}

// dispatchDone ends every subscription. Subscribers get OnDone even if they
// have no other callbacks.
func (c *EventChannel) dispatchDone() {
	for _, sub := range c.live(true) {
		sub.canceled.Store(true)
		if sub.handler.OnDone != nil {
			sub.handler.OnDone()
		}
	}
}
