// Package vision defines the contract of the device computer-vision service
// as the session controller consumes it, plus a platform-channel backed
// implementation of that contract.
//
// A Handle is an open session with the provider. It answers availability and
// metadata queries and opens cold, filtered detection streams. Handles are
// obtained from a Factory and must be closed exactly once; Close is
// idempotent.
package vision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrUnavailable is the factory's indication that no provider can be reached.
	ErrUnavailable = errors.New("vision: provider unavailable")

	// ErrClosed is returned by handle operations after Close.
	ErrClosed = errors.New("vision: handle closed")

	// ErrNoVersion is returned when the provider does not report a version.
	ErrNoVersion = errors.New("vision: version not reported")

	// ErrNoServiceInfo is returned when the provider does not report service info.
	ErrNoServiceInfo = errors.New("vision: service info not reported")
)

// Handle is an open session with the capability provider.
type Handle interface {
	// IsAvailable reports whether the provider is usable on this device.
	// Errors count as unavailable.
	IsAvailable(ctx context.Context) bool

	// Version returns the provider version.
	Version(ctx context.Context) (Version, error)

	// ServiceInfo returns descriptive information about the provider service.
	ServiceInfo(ctx context.Context) (ServiceInfo, error)

	// Observe returns a cold stream of detections restricted to aspects.
	// Nothing is requested from the provider until the stream is collected.
	Observe(aspects AspectSet) Stream

	// Close releases the session. Calling Close more than once is a no-op.
	Close() error
}

// Stream is a cold, continuous sequence of detection events.
type Stream interface {
	// Collect subscribes and calls emit for each event in provider order
	// until ctx is canceled, the provider completes, or the provider fails.
	// It returns nil on completion, ctx.Err() on cancellation, and the
	// provider error otherwise. emit is never called after Collect returns.
	Collect(ctx context.Context, emit func(Event)) error
}

// Factory creates handles. Get returns ErrUnavailable (possibly wrapped)
// when no provider can be reached.
type Factory interface {
	Get(ctx context.Context) (Handle, error)
}

// Event is one detection delivered by a stream. The payload is opaque to
// the session; DecodeHumans interprets human detection payloads.
type Event struct {
	// Seq numbers events within one subscription, starting at 1.
	Seq uint64
	// Payload is the decoded provider payload.
	Payload any
	// ReceivedAt is when the event reached Go.
	ReceivedAt time.Time
}

// ServiceInfo describes the provider service.
type ServiceInfo struct {
	Name        string
	PackageName string
	VersionName string
	VersionCode int64
	Extras      map[string]string
}

// Aspect selects a category of detections.
type Aspect string

// Known aspects.
const (
	AspectHumansBodyLandmarksHomaNet Aspect = "humans.body.landmarks.homanet"
	AspectHumansBodyBoundingBox      Aspect = "humans.body.bounding_box"
	AspectHumansFaceBoundingBox      Aspect = "humans.face.bounding_box"
	AspectGestures                   Aspect = "gestures"
)

var knownAspects = map[Aspect]bool{
	AspectHumansBodyLandmarksHomaNet: true,
	AspectHumansBodyBoundingBox:      true,
	AspectHumansFaceBoundingBox:      true,
	AspectGestures:                   true,
}

// ErrUnknownAspect is returned by ParseAspect for unrecognized names.
var ErrUnknownAspect = errors.New("vision: unknown aspect")

// ParseAspect validates an aspect name.
func ParseAspect(name string) (Aspect, error) {
	a := Aspect(name)
	if !knownAspects[a] {
		return "", fmt.Errorf("%w: %q", ErrUnknownAspect, name)
	}
	return a, nil
}

// AspectSet is an unordered set of aspects.
type AspectSet map[Aspect]struct{}

// NewAspectSet returns a set containing aspects.
func NewAspectSet(aspects ...Aspect) AspectSet {
	s := make(AspectSet, len(aspects))
	for _, a := range aspects {
		s[a] = struct{}{}
	}
	return s
}

// DefaultAspects is the aspect set observed when none is configured.
func DefaultAspects() AspectSet {
	return NewAspectSet(AspectHumansBodyLandmarksHomaNet)
}

// Contains reports whether a is in the set.
func (s AspectSet) Contains(a Aspect) bool {
	_, ok := s[a]
	return ok
}

// Sorted returns the aspects in lexical order.
func (s AspectSet) Sorted() []Aspect {
	out := make([]Aspect, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted aspect names.
func (s AspectSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, a := range sorted {
		out[i] = string(a)
	}
	return out
}
