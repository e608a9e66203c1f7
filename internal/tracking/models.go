package tracking

import (
	"sync"
	"sync/atomic"
	"time"
)

// VideoRef describes an externally stored video as an ordered sequence of
// decoded frames. The server never reads pixel data itself; it only hands
// (video, frame index) pairs to the Tracker. Frames are referenced, not copied.
type VideoRef struct {
	Path       string `json:"path"`
	FrameCount int    `json:"frame_count"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// PointAnnotation is one batch of click points placed on a single frame for
// a single object. Label 1 marks a foreground point, label 0 background.
type PointAnnotation struct {
	FrameIndex int          `json:"frame_index"`
	Points     [][2]float64 `json:"points"`
	Labels     []int        `json:"labels"`
}

// RLEMask is a run-length encoded binary mask. Size is [height, width] and
// Counts holds the compressed run sequence, always starting with a (possibly
// zero) background run. Order is the traversal convention; only column-major
// ("F") is produced or accepted.
type RLEMask struct {
	Size   [2]int `json:"size"`
	Counts string `json:"counts"`
	Order  string `json:"order"`
}

// ObjectMask pairs an object id with its encoded mask on one frame.
type ObjectMask struct {
	ObjectID int     `json:"object_id"`
	RLEMask  RLEMask `json:"rle_mask"`
}

// PropagationChunk is one frame's worth of propagated masks, the atomic unit
// of the streaming protocol. Masks are ordered by object id ascending.
type PropagationChunk struct {
	FrameIndex int          `json:"frame_index"`
	Masks      []ObjectMask `json:"masks"`
}

// SessionExpiration is the snapshot returned by touch/ping requests.
// Times are unix seconds; TTL is seconds.
type SessionExpiration struct {
	SessionID         string `json:"session_id"`
	ExpirationTime    int64  `json:"expiration_time"`
	MaxExpirationTime int64  `json:"max_expiration_time"`
	TTL               int64  `json:"ttl"`
}

// Session binds one client interaction to one video and its accumulated
// point annotations. All mutable fields are guarded by the session's own
// mutex; the registry lock is never required to touch them, so independent
// sessions do not contend with each other.
type Session struct {
	ID    string
	Video VideoRef

	mu           sync.Mutex
	annotations  map[int][]PointAnnotation // object id -> ordered batches
	masks        map[int]map[int]RLEMask   // frame index -> object id -> mask
	trackerState TrackerState              // lazily bound, owned exclusively
	cancel       *atomic.Bool              // cancel token of the active propagation
	expiresAt    time.Time
	maxExpiresAt time.Time
}

func newSession(id string, video VideoRef, expiresAt, maxExpiresAt time.Time) *Session {
	return &Session{
		ID:           id,
		Video:        video,
		annotations:  make(map[int][]PointAnnotation),
		masks:        make(map[int]map[int]RLEMask),
		expiresAt:    expiresAt,
		maxExpiresAt: maxExpiresAt,
	}
}

// AddPoints records a batch of points for the given object. If clearOld is
// true, previous batches for that object on the same frame are dropped first.
func (s *Session) AddPoints(objectID int, ann PointAnnotation, clearOld bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batches := s.annotations[objectID]
	if clearOld {
		kept := batches[:0]
		for _, b := range batches {
			if b.FrameIndex != ann.FrameIndex {
				kept = append(kept, b)
			}
		}
		batches = kept
	}
	s.annotations[objectID] = append(batches, ann)
}

// ClearPointsInFrame drops all point batches for objectID on frameIndex and
// the cached mask derived from them. Reports whether anything was removed.
func (s *Session) ClearPointsInFrame(frameIndex, objectID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	batches, ok := s.annotations[objectID]
	if !ok {
		return false
	}
	kept := batches[:0]
	removed := false
	for _, b := range batches {
		if b.FrameIndex == frameIndex {
			removed = true
			continue
		}
		kept = append(kept, b)
	}
	if len(kept) == 0 {
		delete(s.annotations, objectID)
	} else {
		s.annotations[objectID] = kept
	}
	if frameMasks, ok := s.masks[frameIndex]; ok {
		delete(frameMasks, objectID)
		if len(frameMasks) == 0 {
			delete(s.masks, frameIndex)
		}
	}
	return removed
}

// ClearAllPoints drops every annotation and cached mask and unbinds the
// tracker state, returning the session to its just-started condition.
func (s *Session) ClearAllPoints() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.annotations = make(map[int][]PointAnnotation)
	s.masks = make(map[int]map[int]RLEMask)
	s.trackerState = nil
}

// RemoveObject drops one object's annotations and cached masks.
// Reports whether the object existed.
func (s *Session) RemoveObject(objectID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.annotations[objectID]
	delete(s.annotations, objectID)
	for frameIndex, frameMasks := range s.masks {
		delete(frameMasks, objectID)
		if len(frameMasks) == 0 {
			delete(s.masks, frameIndex)
		}
	}
	return ok
}

// Annotations returns a snapshot of the accumulated annotations, keyed by
// object id. The returned slices are copies; callers may hold them across
// tracker calls without racing session mutation.
func (s *Session) Annotations() map[int][]PointAnnotation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int][]PointAnnotation, len(s.annotations))
	for id, batches := range s.annotations {
		cp := make([]PointAnnotation, len(batches))
		copy(cp, batches)
		out[id] = cp
	}
	return out
}

// HasAnnotations reports whether at least one object has points.
func (s *Session) HasAnnotations() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.annotations) > 0
}

// CacheMask stores the latest encoded mask for (frameIndex, objectID).
func (s *Session) CacheMask(frameIndex, objectID int, mask RLEMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frameMasks, ok := s.masks[frameIndex]
	if !ok {
		frameMasks = make(map[int]RLEMask)
		s.masks[frameIndex] = frameMasks
	}
	frameMasks[objectID] = mask
}

// CachedMask returns the latest encoded mask for (frameIndex, objectID).
func (s *Session) CachedMask(frameIndex, objectID int) (RLEMask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mask, ok := s.masks[frameIndex][objectID]
	return mask, ok
}

// TrackerStateHandle returns the session's lazily bound tracker state.
func (s *Session) TrackerStateHandle() TrackerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackerState
}

// SetTrackerState binds the session's tracker state.
func (s *Session) SetTrackerState(st TrackerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackerState = st
}

// BeginPropagation cancels any in-flight propagation on the session and
// returns a fresh cancel token for the new run. Setting the old token is how
// "a second propagation implicitly cancels the first" is enforced.
func (s *Session) BeginPropagation() *atomic.Bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel.Store(true)
	}
	tok := &atomic.Bool{}
	s.cancel = tok
	return tok
}

// CancelPropagation sets the active propagation's cancel token, if any.
// Observed at the top of each per-frame loop iteration, so latency is
// bounded by at most one tracker step.
func (s *Session) CancelPropagation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel.Store(true)
	}
}
