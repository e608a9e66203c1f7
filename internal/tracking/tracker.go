package tracking

import (
	"context"
	"fmt"
)

// TrackerState is an opaque handle to a tracker's per-session state. A state
// is owned exclusively by the session it was created for and is never shared.
type TrackerState any

// Tracker is the model capability that advances or rewinds tracking state one
// frame at a time. Implementations are not safe for concurrent invocation;
// every call must execute while holding the Serializer's lock.
type Tracker interface {
	// Init establishes tracking state anchored at frameIndex from the
	// accumulated point annotations of every registered object, tracked
	// jointly. It returns the new state and one mask per object for the
	// anchor frame.
	Init(ctx context.Context, video VideoRef, frameIndex int, annotations map[int][]PointAnnotation) (TrackerState, map[int]*Mask, error)

	// StepForward advances the state to the next frame and returns one mask
	// per tracked object.
	StepForward(ctx context.Context, st TrackerState, frameIndex int) (map[int]*Mask, error)

	// StepBackward rewinds the state to the previous frame and returns one
	// mask per tracked object.
	StepBackward(ctx context.Context, st TrackerState, frameIndex int) (map[int]*Mask, error)

	// Reset returns a state rewound to the anchor captured at Init, so a
	// backward pass never sees forward-pass contamination.
	Reset(st TrackerState) TrackerState
}

// SyntheticTracker is a deterministic stand-in for a real model backend.
// It rasterizes a filled square around each foreground point and drifts the
// resulting mask one pixel horizontally per step (forward +x, backward -x,
// clamped to the frame). Useful for development and behavioral tests; swap
// in a real model client behind the same interface for production.
type SyntheticTracker struct {
	radius int
}

// NewSyntheticTracker returns a synthetic tracker drawing squares of
// half-width radius around foreground points. radius <= 0 defaults to 2.
func NewSyntheticTracker(radius int) *SyntheticTracker {
	if radius <= 0 {
		radius = 2
	}
	return &SyntheticTracker{radius: radius}
}

type syntheticState struct {
	video  VideoRef
	anchor map[int]*Mask // per-object mask at the anchor frame
	offset int           // accumulated horizontal drift
}

// Init implements Tracker.
func (t *SyntheticTracker) Init(ctx context.Context, video VideoRef, frameIndex int, annotations map[int][]PointAnnotation) (TrackerState, map[int]*Mask, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if frameIndex < 0 || frameIndex >= video.FrameCount {
		return nil, nil, fmt.Errorf("frame index %d outside video of %d frames", frameIndex, video.FrameCount)
	}

	anchor := make(map[int]*Mask, len(annotations))
	for objectID, batches := range annotations {
		m := NewMask(video.Height, video.Width)
		for _, batch := range batches {
			for i, p := range batch.Points {
				if i >= len(batch.Labels) {
					break
				}
				x, y := int(p[0]), int(p[1])
				if batch.Labels[i] == 1 {
					t.fillSquare(m, x, y, 1)
				} else {
					t.fillSquare(m, x, y, 0)
				}
			}
		}
		anchor[objectID] = m
	}

	st := &syntheticState{video: video, anchor: anchor}
	return st, cloneMasks(anchor), nil
}

// StepForward implements Tracker.
func (t *SyntheticTracker) StepForward(ctx context.Context, state TrackerState, frameIndex int) (map[int]*Mask, error) {
	return t.step(ctx, state, frameIndex, 1)
}

// StepBackward implements Tracker.
func (t *SyntheticTracker) StepBackward(ctx context.Context, state TrackerState, frameIndex int) (map[int]*Mask, error) {
	return t.step(ctx, state, frameIndex, -1)
}

// Reset implements Tracker.
func (t *SyntheticTracker) Reset(state TrackerState) TrackerState {
	st := state.(*syntheticState)
	return &syntheticState{video: st.video, anchor: st.anchor}
}

func (t *SyntheticTracker) step(ctx context.Context, state TrackerState, frameIndex, dir int) (map[int]*Mask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st, ok := state.(*syntheticState)
	if !ok || st == nil {
		return nil, fmt.Errorf("tracker state not initialized")
	}
	if frameIndex < 0 || frameIndex >= st.video.FrameCount {
		return nil, fmt.Errorf("frame index %d outside video of %d frames", frameIndex, st.video.FrameCount)
	}

	st.offset += dir
	out := make(map[int]*Mask, len(st.anchor))
	for objectID, anchor := range st.anchor {
		out[objectID] = shiftMask(anchor, st.offset)
	}
	return out, nil
}

func (t *SyntheticTracker) fillSquare(m *Mask, cx, cy int, v uint8) {
	for y := cy - t.radius; y <= cy+t.radius; y++ {
		if y < 0 || y >= m.Height {
			continue
		}
		for x := cx - t.radius; x <= cx+t.radius; x++ {
			if x < 0 || x >= m.Width {
				continue
			}
			m.Set(x, y, v)
		}
	}
}

// shiftMask translates the mask horizontally by offset pixels, clamping at
// the frame edges (pixels shifted out are lost, none wrap around).
func shiftMask(m *Mask, offset int) *Mask {
	out := NewMask(m.Height, m.Width)
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			if m.At(x, y) == 0 {
				continue
			}
			nx := x + offset
			if nx >= 0 && nx < m.Width {
				out.Set(nx, y, 1)
			}
		}
	}
	return out
}

func cloneMasks(masks map[int]*Mask) map[int]*Mask {
	out := make(map[int]*Mask, len(masks))
	for id, m := range masks {
		out[id] = m.Clone()
	}
	return out
}
