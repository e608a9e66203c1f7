package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

// ErrNoAnnotations is returned when propagation is requested on a session
// that has no objects with point annotations yet.
var ErrNoAnnotations = errors.New("session has no point annotations")

// TrackingError reports a tracker call that failed or exceeded its deadline
// at a specific frame. Chunks emitted before the failure remain valid and
// cached; no chunk is ever emitted for the failing frame.
type TrackingError struct {
	FrameIndex int
	Err        error
}

func (e *TrackingError) Error() string {
	return fmt.Sprintf("tracking failed at frame %d: %v", e.FrameIndex, e.Err)
}

func (e *TrackingError) Unwrap() error { return e.Err }

// DefaultStepTimeout bounds a single tracker call. A stalled call holds the
// global tracker lock and therefore stalls every session, so exceeding the
// deadline is surfaced as a TrackingError instead of waiting indefinitely.
const DefaultStepTimeout = 10 * time.Second

// Engine runs the interactive segmentation operations: deriving a mask from
// freshly added points, and propagating masks bidirectionally through the
// video as a lazy stream of chunks. All tracker calls go through the
// Serializer with a per-call deadline.
type Engine struct {
	tracker     Tracker
	serializer  *Serializer
	stepTimeout time.Duration
	log         *slog.Logger
}

// NewEngine returns an Engine using the given tracker and serializer.
// stepTimeout <= 0 falls back to DefaultStepTimeout; log may be nil.
func NewEngine(tracker Tracker, serializer *Serializer, stepTimeout time.Duration, log *slog.Logger) *Engine {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		tracker:     tracker,
		serializer:  serializer,
		stepTimeout: stepTimeout,
		log:         log,
	}
}

// AddPoints records a batch of points for one object and returns the mask
// list for the annotated frame, derived immediately from the accumulated
// annotations (not streamed). The session's tracker state is re-anchored at
// that frame.
func (e *Engine) AddPoints(ctx context.Context, s *Session, objectID int, ann PointAnnotation, clearOld bool) (PropagationChunk, error) {
	if objectID < 0 {
		return PropagationChunk{}, fmt.Errorf("object id must not be negative, got %d", objectID)
	}
	if ann.FrameIndex < 0 || ann.FrameIndex >= s.Video.FrameCount {
		return PropagationChunk{}, fmt.Errorf("%w: %d of %d", ErrFrameOutOfRange, ann.FrameIndex, s.Video.FrameCount)
	}
	if len(ann.Points) != len(ann.Labels) {
		return PropagationChunk{}, fmt.Errorf("got %d points but %d labels", len(ann.Points), len(ann.Labels))
	}

	s.AddPoints(objectID, ann, clearOld)
	return e.reanchor(ctx, s, ann.FrameIndex)
}

// ClearPointsInFrame removes one object's points on one frame and returns
// the re-derived mask list for that frame (empty when no annotations remain
// in the session).
func (e *Engine) ClearPointsInFrame(ctx context.Context, s *Session, frameIndex, objectID int) (PropagationChunk, error) {
	if frameIndex < 0 || frameIndex >= s.Video.FrameCount {
		return PropagationChunk{}, fmt.Errorf("%w: %d of %d", ErrFrameOutOfRange, frameIndex, s.Video.FrameCount)
	}

	s.ClearPointsInFrame(frameIndex, objectID)
	if !s.HasAnnotations() {
		s.SetTrackerState(nil)
		return PropagationChunk{FrameIndex: frameIndex, Masks: []ObjectMask{}}, nil
	}
	return e.reanchor(ctx, s, frameIndex)
}

// reanchor initializes tracker state at frameIndex from the session's
// accumulated annotations and caches the resulting anchor masks.
func (e *Engine) reanchor(ctx context.Context, s *Session, frameIndex int) (PropagationChunk, error) {
	annotations := s.Annotations()
	if len(annotations) == 0 {
		return PropagationChunk{}, ErrNoAnnotations
	}

	var (
		st    TrackerState
		masks map[int]*Mask
	)
	err := e.trackerCall(ctx, frameIndex, func(callCtx context.Context) error {
		var err error
		st, masks, err = e.tracker.Init(callCtx, s.Video, frameIndex, annotations)
		return err
	})
	if err != nil {
		return PropagationChunk{}, err
	}

	s.SetTrackerState(st)
	return e.encodeAndCache(s, frameIndex, masks), nil
}

// Propagate walks the video away from startFrame in both directions,
// invoking emit once per visited frame in visitation order:
// [start, start+1, ..., last, start-1, ..., 0]. The walk stops early, as a
// normal completion, when the session's cancel token is set; it stops with a
// TrackingError when a tracker call fails; it stops with emit's error when
// the transport rejects a chunk. emit is never called with a partial chunk.
func (e *Engine) Propagate(ctx context.Context, s *Session, startFrame int, emit func(PropagationChunk) error) error {
	if !s.HasAnnotations() {
		return ErrNoAnnotations
	}
	if startFrame < 0 || startFrame >= s.Video.FrameCount {
		return fmt.Errorf("%w: %d of %d", ErrFrameOutOfRange, startFrame, s.Video.FrameCount)
	}

	cancel := s.BeginPropagation()
	annotations := s.Annotations()

	// Anchor the tracker at the start frame from the accumulated points of
	// every object, tracked jointly.
	var (
		anchorState TrackerState
		anchorMasks map[int]*Mask
	)
	err := e.trackerCall(ctx, startFrame, func(callCtx context.Context) error {
		var err error
		anchorState, anchorMasks, err = e.tracker.Init(callCtx, s.Video, startFrame, annotations)
		return err
	})
	if err != nil {
		return err
	}
	s.SetTrackerState(anchorState)

	if cancel.Load() {
		return nil
	}
	// The anchor chunk comes straight from the annotations, not a tracker
	// step, and is emitted once at the head of the forward pass.
	if err := emit(e.encodeAndCache(s, startFrame, anchorMasks)); err != nil {
		return err
	}

	state := anchorState
	for idx := startFrame + 1; idx < s.Video.FrameCount; idx++ {
		stop, err := e.stepAndEmit(ctx, s, state, idx, forward, cancel, emit)
		if stop || err != nil {
			return err
		}
	}

	// Rewind to the exact anchor state so forward progress never
	// contaminates backward results.
	state = e.tracker.Reset(anchorState)
	for idx := startFrame - 1; idx >= 0; idx-- {
		stop, err := e.stepAndEmit(ctx, s, state, idx, backward, cancel, emit)
		if stop || err != nil {
			return err
		}
	}
	return nil
}

type direction int

const (
	forward direction = iota
	backward
)

// stepAndEmit runs one tracker step for idx and emits the resulting chunk.
// stop is true when the walk should end without error (cancellation).
func (e *Engine) stepAndEmit(ctx context.Context, s *Session, state TrackerState, idx int, dir direction, cancel *atomic.Bool, emit func(PropagationChunk) error) (stop bool, err error) {
	if cancel.Load() {
		e.log.Debug("propagation cancelled", slog.String("session_id", s.ID), slog.Int("frame_index", idx))
		return true, nil
	}

	var masks map[int]*Mask
	err = e.trackerCall(ctx, idx, func(callCtx context.Context) error {
		var err error
		if dir == forward {
			masks, err = e.tracker.StepForward(callCtx, state, idx)
		} else {
			masks, err = e.tracker.StepBackward(callCtx, state, idx)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return false, emit(e.encodeAndCache(s, idx, masks))
}

// trackerCall runs fn under the global tracker lock with a per-call
// deadline. A deadline overrun or tracker failure surfaces as a
// TrackingError for frameIndex; a context cancelled while queued for the
// lock is returned as-is (the caller is gone, not the tracker broken).
func (e *Engine) trackerCall(ctx context.Context, frameIndex int, fn func(context.Context) error) error {
	return e.serializer.WithExclusiveAccess(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
		if err := fn(callCtx); err != nil {
			return &TrackingError{FrameIndex: frameIndex, Err: err}
		}
		return nil
	})
}

// encodeAndCache RLE-encodes one frame's masks, stores them in the session's
// mask cache, and assembles the chunk with masks ordered by object id.
func (e *Engine) encodeAndCache(s *Session, frameIndex int, masks map[int]*Mask) PropagationChunk {
	ids := make([]int, 0, len(masks))
	for id := range masks {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	chunk := PropagationChunk{FrameIndex: frameIndex, Masks: make([]ObjectMask, 0, len(ids))}
	for _, id := range ids {
		rle := EncodeRLE(masks[id])
		s.CacheMask(frameIndex, id, rle)
		chunk.Masks = append(chunk.Masks, ObjectMask{ObjectID: id, RLEMask: rle})
	}
	return chunk
}
