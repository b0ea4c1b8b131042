package session

import (
	"fmt"

	"github.com/go-drift/cvsession/pkg/vision"
)

// State is the controller's lifecycle state. States only move forward:
// Unpermitted, Permitted, SessionOpen, Stopped. A stopped controller is
// never reused.
type State int32

const (
	// Unpermitted means the permission gate has not reported a full grant.
	Unpermitted State = iota
	// Permitted means every permission was granted but no handle is open,
	// either because it is being built or because the provider was unreachable.
	Permitted
	// SessionOpen means a handle exists and its tasks were started.
	SessionOpen
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Unpermitted:
		return "unpermitted"
	case Permitted:
		return "permitted"
	case SessionOpen:
		return "session_open"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// canTransition reports whether from -> to is a legal forward move. Only an
// open session can be stopped; an earlier stop is latched by the controller.
func canTransition(from, to State) bool {
	switch to {
	case Permitted:
		return from == Unpermitted
	case SessionOpen:
		return from == Permitted
	case Stopped:
		return from == SessionOpen
	default:
		return false
	}
}

// handleSlot holds the capability handle: notCreated, openHandle or closedHandle.
type handleSlot interface {
	slotName() string
}

type notCreated struct{}

type openHandle struct {
	handle vision.Handle
}

type closedHandle struct{}

func (notCreated) slotName() string   { return "not_created" }
func (openHandle) slotName() string   { return "open" }
func (closedHandle) slotName() string { return "closed" }
