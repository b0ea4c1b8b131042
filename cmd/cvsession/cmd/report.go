package cmd

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/go-drift/cvsession/pkg/session"
	"github.com/go-drift/cvsession/pkg/vision"
)

// report prints detections as they arrive and a summary at the end.
type report struct {
	w io.Writer

	mu     sync.Mutex
	events int
}

func newReport(w io.Writer) *report {
	return &report{w: w}
}

func (r *report) event(ev vision.Event) {
	humans, err := vision.DecodeHumans(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events++
	if err != nil {
		fmt.Fprintf(r.w, "event %d: %v\n", ev.Seq, err)
		return
	}
	if len(humans.Bodies) == 0 {
		fmt.Fprintf(r.w, "event %d: no bodies\n", ev.Seq)
	}
	for _, b := range humans.Bodies {
		c, ok := b.Centroid()
		if !ok {
			fmt.Fprintf(r.w, "event %d: body %d without landmarks\n", ev.Seq, b.ID)
			continue
		}
		fmt.Fprintf(r.w, "event %d: body %d at (%.2f, %.2f), %d landmarks\n",
			ev.Seq, b.ID, c[0], c[1], len(b.Landmarks))
	}
}

func (r *report) summary(c *session.Controller, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(r.w, "session %s: %s\n", c.ID(), outcome)
	fmt.Fprintf(r.w, "  state:    %s (handle %s)\n", c.State(), c.HandleState())
	if meta, ok := c.Metadata(); ok {
		version := "unknown"
		if meta.VersionErr == nil {
			version = meta.Version.String()
		}
		service := "unknown"
		if meta.ServiceInfoErr == nil {
			service = meta.ServiceInfo.Name + " (" + meta.ServiceInfo.PackageName + ")"
		}
		fmt.Fprintf(r.w, "  provider: %s %s, compatible=%t\n", service, version, meta.Compatible)
	}
	fmt.Fprintf(r.w, "  events:   %d\n", r.events)
}

// syntheticHumans returns the i-th frame of one person swaying left and
// right in the middle of the frame.
func syntheticHumans(i int) map[string]any {
	dx := 0.1 * math.Sin(float64(i)/2)
	landmark := func(name string, x, y float64) map[string]any {
		return map[string]any{"name": name, "x": x + dx, "y": y, "score": 0.9}
	}
	return map[string]any{
		"humans": []any{
			map[string]any{
				"id": 1,
				"landmarks": []any{
					landmark("nose", 0.5, 0.2),
					landmark("left_shoulder", 0.4, 0.35),
					landmark("right_shoulder", 0.6, 0.35),
					landmark("left_hip", 0.45, 0.65),
					landmark("right_hip", 0.55, 0.65),
				},
			},
		},
	}
}
