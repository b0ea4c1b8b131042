package platform

import (
	"sync"

	"github.com/go-drift/cvsession/pkg/errors"
)

const lifecycleEventsChannel = "drift/lifecycle/events"

// Lifecycle tracks the host activity lifecycle.
var Lifecycle = &LifecycleService{
	channel: NewMethodChannel("drift/lifecycle"),
	events:  NewEventChannel(lifecycleEventsChannel),
	state:   LifecycleStateInitialized,
}

// LifecycleService manages host lifecycle events.
type LifecycleService struct {
	channel  *MethodChannel
	events   *EventChannel
	state    LifecycleState
	handlers []lifecycleEntry
	nextID   int
	mu       sync.RWMutex
}

type lifecycleEntry struct {
	id      int
	handler LifecycleHandler
}

// LifecycleState represents the current host lifecycle state.
type LifecycleState string

const (
	// LifecycleStateInitialized is the state before the host reports anything.
	LifecycleStateInitialized LifecycleState = "initialized"

	// LifecycleStateCreated indicates the host activity was created.
	LifecycleStateCreated LifecycleState = "created"

	// LifecycleStateStarted indicates the activity became visible.
	LifecycleStateStarted LifecycleState = "started"

	// LifecycleStateResumed indicates the app is visible and responding to user input.
	LifecycleStateResumed LifecycleState = "resumed"

	// LifecycleStatePaused indicates the app lost focus but may still be visible.
	LifecycleStatePaused LifecycleState = "paused"

	// LifecycleStateStopped indicates the activity is no longer visible.
	LifecycleStateStopped LifecycleState = "stopped"

	// LifecycleStateDestroyed indicates the activity was torn down.
	LifecycleStateDestroyed LifecycleState = "destroyed"
)

// LifecycleHandler is called when lifecycle state changes.
type LifecycleHandler func(state LifecycleState)

func init() {
	registerBuiltinInit(func() {
		NewStream("lifecycle", Lifecycle.events, parseLifecycleEvent).Listen(Lifecycle.updateState)

		Lifecycle.channel.SetHandler(func(method string, args any) (any, error) {
			switch method {
			case "didChangeState":
				state, ok := parseLifecycleState(args)
				if !ok {
					return nil, ErrInvalidArguments
				}
				Lifecycle.updateState(state)
				return nil, nil
			default:
				return nil, ErrMethodNotFound
			}
		})
	})
}

func parseLifecycleEvent(data any) (LifecycleState, error) {
	state, ok := parseLifecycleState(data)
	if !ok {
		return "", &errors.ParseError{
			Channel:  lifecycleEventsChannel,
			DataType: "LifecycleState",
			Got:      data,
		}
	}
	return state, nil
}

func parseLifecycleState(data any) (LifecycleState, bool) {
	m := AsMap(data)
	if m == nil {
		return "", false
	}
	state := AsString(m["state"])
	if state == "" {
		return "", false
	}
	return LifecycleState(state), true
}

// State returns the current lifecycle state.
func (l *LifecycleService) State() LifecycleState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// AddHandler registers a handler to be called on lifecycle changes.
// Returns a function that removes the handler.
func (l *LifecycleService) AddHandler(handler LifecycleHandler) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.handlers = append(l.handlers, lifecycleEntry{id: id, handler: handler})
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, entry := range l.handlers {
			if entry.id == id {
				l.handlers = append(l.handlers[:i], l.handlers[i+1:]...)
				return
			}
		}
	}
}

// IsStopped returns true if the host reported the activity as stopped or destroyed.
func (l *LifecycleService) IsStopped() bool {
	state := l.State()
	return state == LifecycleStateStopped || state == LifecycleStateDestroyed
}

// updateState updates the lifecycle state and notifies handlers on the
// dispatch context. Repeated reports of the same state are dropped.
func (l *LifecycleService) updateState(newState LifecycleState) {
	l.mu.Lock()
	if l.state == newState {
		l.mu.Unlock()
		return
	}
	l.state = newState
	handlers := make([]LifecycleHandler, len(l.handlers))
	for i, entry := range l.handlers {
		handlers[i] = entry.handler
	}
	l.mu.Unlock()

	runOnDispatch(func() {
		for _, h := range handlers {
			h(newState)
		}
	})
}
