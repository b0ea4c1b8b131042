package vision

import (
	drifterrors "github.com/go-drift/cvsession/pkg/errors"
	"github.com/go-drift/cvsession/pkg/platform"
	"golang.org/x/image/math/f32"
)

// Humans is a decoded human detection payload.
type Humans struct {
	Bodies []Body
}

// Body is one detected person.
type Body struct {
	ID        int64
	Landmarks []Landmark
}

// Landmark is a named body keypoint in normalized frame coordinates,
// (0,0) top-left and (1,1) bottom-right.
type Landmark struct {
	Name       string
	Position   f32.Vec2
	Confidence float32
}

// DecodeHumans interprets an event payload of the form
//
//	{"humans": [{"id": 1, "landmarks": [{"name": "nose", "x": 0.5, "y": 0.2, "score": 0.9}]}]}
//
// Landmarks without numeric coordinates are skipped.
func DecodeHumans(ev Event) (Humans, error) {
	m := platform.AsMap(ev.Payload)
	raw, ok := m["humans"]
	if !ok {
		return Humans{}, &drifterrors.ParseError{Channel: EventChannelName, DataType: "Humans", Got: ev.Payload}
	}

	var out Humans
	for _, item := range platform.AsSlice(raw) {
		hm := platform.AsMap(item)
		if hm == nil {
			return Humans{}, &drifterrors.ParseError{Channel: EventChannelName, DataType: "Body", Got: item}
		}
		body := Body{}
		body.ID, _ = platform.AsInt64(hm["id"])
		for _, lm := range platform.AsSlice(hm["landmarks"]) {
			if l, ok := parseLandmark(lm); ok {
				body.Landmarks = append(body.Landmarks, l)
			}
		}
		out.Bodies = append(out.Bodies, body)
	}
	return out, nil
}

func parseLandmark(v any) (Landmark, bool) {
	m := platform.AsMap(v)
	x, okX := platform.AsFloat64(m["x"])
	y, okY := platform.AsFloat64(m["y"])
	if !okX || !okY {
		return Landmark{}, false
	}
	score, _ := platform.AsFloat64(m["score"])
	return Landmark{
		Name:       platform.AsString(m["name"]),
		Position:   f32.Vec2{float32(x), float32(y)},
		Confidence: float32(score),
	}, true
}

// Centroid returns the mean landmark position of b, or false when b has none.
func (b Body) Centroid() (f32.Vec2, bool) {
	if len(b.Landmarks) == 0 {
		return f32.Vec2{}, false
	}
	var sum f32.Vec2
	for _, l := range b.Landmarks {
		sum[0] += l.Position[0]
		sum[1] += l.Position[1]
	}
	n := float32(len(b.Landmarks))
	return f32.Vec2{sum[0] / n, sum[1] / n}, true
}
