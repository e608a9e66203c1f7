package tracking

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"savi-server/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const chunkContentType = "application/json; charset=utf-8"

// Handler exposes the session lifecycle and propagation HTTP endpoints
// using go-chi.
type Handler struct {
	registry *Registry
	engine   *Engine
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a Handler over the given Registry and Engine.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(registry *Registry, engine *Engine, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{registry: registry, engine: engine, log: log, metrics: m}
}

// Register mounts all session routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Post("/api/sessions", h.StartSession)
	r.Route("/api/sessions/{session_id}", func(r chi.Router) {
		r.Delete("/", h.CloseSession)
		r.Post("/ping", h.Ping)
		r.Post("/points", h.AddPoints)
		r.Post("/points/clear", h.ClearPoints)
		r.Post("/clear", h.ClearSession)
		r.Post("/objects/{object_id}/remove", h.RemoveObject)
		r.Post("/propagate", h.Propagate)
		r.Post("/cancel", h.CancelPropagation)
	})
}

type startSessionRequest struct {
	Path       string `json:"path"`
	FrameCount int    `json:"frame_count"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// StartSession handles POST /api/sessions. The body is the opaque video
// reference to bind; the model is not touched until points are added.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.registry.StartSession(VideoRef(req))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info("session started",
		slog.String("session_id", sess.ID),
		slog.String("video", sess.Video.Path))
	if h.metrics != nil {
		h.metrics.IncSessionsStarted()
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": sess.ID})
}

type addPointsRequest struct {
	FrameIndex     int          `json:"frame_index"`
	ObjectID       int          `json:"object_id"`
	Points         [][2]float64 `json:"points"`
	Labels         []int        `json:"labels"`
	ClearOldPoints bool         `json:"clear_old_points"`
}

// frameResult is the immediate (non-streamed) single-frame mask response.
type frameResult struct {
	FrameIndex  int          `json:"frame_index"`
	RLEMaskList []ObjectMask `json:"rle_mask_list"`
}

// AddPoints handles POST /api/sessions/{session_id}/points. It records the
// points and responds with the mask list derived for that frame.
func (h *Handler) AddPoints(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req addPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Points) == 0 {
		writeError(w, http.StatusBadRequest, "at least one point is required")
		return
	}

	ann := PointAnnotation{FrameIndex: req.FrameIndex, Points: req.Points, Labels: req.Labels}
	chunk, err := h.engine.AddPoints(r.Context(), sess, req.ObjectID, ann, req.ClearOldPoints)
	if err != nil {
		h.writeEngineError(w, "add points", sess.ID, err)
		return
	}

	writeJSON(w, http.StatusOK, frameResult{FrameIndex: chunk.FrameIndex, RLEMaskList: chunk.Masks})
}

type clearPointsRequest struct {
	FrameIndex int `json:"frame_index"`
	ObjectID   int `json:"object_id"`
}

// ClearPoints handles POST /api/sessions/{session_id}/points/clear,
// removing one object's points on one frame.
func (h *Handler) ClearPoints(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req clearPointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chunk, err := h.engine.ClearPointsInFrame(r.Context(), sess, req.FrameIndex, req.ObjectID)
	if err != nil {
		h.writeEngineError(w, "clear points", sess.ID, err)
		return
	}

	writeJSON(w, http.StatusOK, frameResult{FrameIndex: chunk.FrameIndex, RLEMaskList: chunk.Masks})
}

// ClearSession handles POST /api/sessions/{session_id}/clear, dropping every
// annotation and cached mask in the session.
func (h *Handler) ClearSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.ClearAllPoints()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RemoveObject handles POST /api/sessions/{session_id}/objects/{object_id}/remove.
func (h *Handler) RemoveObject(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	objectID, err := strconv.Atoi(chi.URLParam(r, "object_id"))
	if err != nil || objectID < 0 {
		writeError(w, http.StatusBadRequest, "invalid object id")
		return
	}

	removed := sess.RemoveObject(objectID)
	writeJSON(w, http.StatusOK, map[string]bool{"success": removed})
}

type propagateRequest struct {
	StartFrameIndex int `json:"start_frame_index"`
}

// Propagate handles POST /api/sessions/{session_id}/propagate. It responds
// with a chunked multipart body, one part per visited frame in visitation
// order; a slow consumer throttles the tracker through the blocking write.
func (h *Handler) Propagate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	var req propagateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Reject before any stream bytes are flushed.
	if !sess.HasAnnotations() {
		writeError(w, http.StatusBadRequest, ErrNoAnnotations.Error())
		return
	}
	if req.StartFrameIndex < 0 || req.StartFrameIndex >= sess.Video.FrameCount {
		writeError(w, http.StatusBadRequest, ErrFrameOutOfRange.Error())
		return
	}

	w.Header().Set("Content-Type", StreamContentType+DefaultBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	framer := NewFramer(w, DefaultBoundary)
	total := sess.Video.FrameCount
	current := 0

	err := h.engine.Propagate(r.Context(), sess, req.StartFrameIndex, func(chunk PropagationChunk) error {
		body, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		current++
		if err := framer.WritePart(map[string]string{
			"Content-Type":  chunkContentType,
			"Frame-Current": strconv.Itoa(current),
			"Frame-Total":   strconv.Itoa(total),
			"Mask-Type":     "RLE[]",
		}, body); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		if h.metrics != nil {
			h.metrics.IncChunksEmitted()
		}
		return nil
	})

	var trackErr *TrackingError
	switch {
	case err == nil:
	case errors.As(err, &trackErr):
		// Already-flushed chunks stay valid; end the stream cleanly.
		h.log.Error("propagation halted",
			slog.String("session_id", sess.ID),
			slog.Int("frame_index", trackErr.FrameIndex),
			slog.String("error", trackErr.Error()))
		if h.metrics != nil {
			h.metrics.IncTrackerFailures()
		}
	default:
		// Transport gone or request cancelled mid-stream.
		h.log.Debug("propagation stream ended early",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}

	if err := framer.Close(); err != nil {
		h.log.Debug("stream terminator not delivered",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
	}
	if flusher != nil {
		flusher.Flush()
	}
}

// CancelPropagation handles POST /api/sessions/{session_id}/cancel, setting
// the session's cancel token. The in-flight stream stops before its next
// frame; the cancellation never rolls back already-cached masks.
func (h *Handler) CancelPropagation(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}

	sess.CancelPropagation()
	h.log.Info("propagation cancelled", slog.String("session_id", sess.ID))
	if h.metrics != nil {
		h.metrics.IncPropagationsCancelled()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// CloseSession handles DELETE /api/sessions/{session_id}. Idempotent.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	existed := h.registry.CloseSession(id)
	if existed {
		h.log.Info("session closed", slog.String("session_id", id))
		if h.metrics != nil {
			h.metrics.IncSessionsClosed()
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": existed})
}

// Ping handles POST /api/sessions/{session_id}/ping, refreshing the
// session's TTL and returning the expiration snapshot.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	exp, err := h.registry.Touch(id)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// session resolves the session_id URL parameter, refreshing the session's
// TTL. On failure it writes a 404 and returns ok=false.
func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	id := chi.URLParam(r, "session_id")
	sess, err := h.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, ErrSessionNotFound.Error())
		return nil, false
	}
	return sess, true
}

// writeEngineError maps engine errors to HTTP status codes: validation and
// missing-annotation failures are the client's (400), tracker failures are
// ours (500).
func (h *Handler) writeEngineError(w http.ResponseWriter, op, sessionID string, err error) {
	var trackErr *TrackingError
	switch {
	case errors.Is(err, ErrNoAnnotations), errors.Is(err, ErrFrameOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &trackErr):
		h.log.Error(op+" failed",
			slog.String("session_id", sessionID),
			slog.Int("frame_index", trackErr.FrameIndex),
			slog.String("error", trackErr.Error()))
		if h.metrics != nil {
			h.metrics.IncTrackerFailures()
		}
		writeError(w, http.StatusInternalServerError, "tracking failed")
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
