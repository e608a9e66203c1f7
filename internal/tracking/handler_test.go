package tracking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newTestHandler(t *testing.T) (*Handler, *Registry) {
	t.Helper()
	registry := NewRegistry(10*time.Minute, time.Hour, time.Minute, testLogger())
	engine := NewEngine(NewSyntheticTracker(1), NewSerializer(nil), time.Second, testLogger())
	return NewHandler(registry, engine, testLogger(), nil), registry
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func startTestSession(t *testing.T, r http.Handler, frames int) string {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/sessions", map[string]any{
		"path": "gallery/demo.mp4", "frame_count": frames, "width": 16, "height": 12,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start session: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["session_id"] == "" {
		t.Fatal("empty session id")
	}
	return resp["session_id"]
}

func addTestPoints(t *testing.T, r http.Handler, sessionID string, frame, objectID int) {
	t.Helper()
	rec := doJSON(t, r, http.MethodPost, "/api/sessions/"+sessionID+"/points", map[string]any{
		"frame_index": frame,
		"object_id":   objectID,
		"points":      [][2]float64{{8, 6}},
		"labels":      []int{1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("add points: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestHandler_StartSession_badBody(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions", map[string]any{
		"path": "x.mp4", "frame_count": 0, "width": 16, "height": 12,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero frames, got %d", rec.Code)
	}
}

func TestHandler_AddPoints_returnsFrameMasks(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)
	id := startTestSession(t, r, 5)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/points", map[string]any{
		"frame_index": 2,
		"object_id":   0,
		"points":      [][2]float64{{8, 6}},
		"labels":      []int{1},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		FrameIndex  int          `json:"frame_index"`
		RLEMaskList []ObjectMask `json:"rle_mask_list"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.FrameIndex != 2 || len(resp.RLEMaskList) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if _, err := DecodeRLE(resp.RLEMaskList[0].RLEMask); err != nil {
		t.Errorf("returned mask must decode: %v", err)
	}
}

func TestHandler_AddPoints_unknownSession(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions/not-a-session/points", map[string]any{
		"frame_index": 0, "object_id": 0, "points": [][2]float64{{1, 1}}, "labels": []int{1},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Propagate_noAnnotations(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)
	id := startTestSession(t, r, 5)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/propagate", map[string]any{
		"start_frame_index": 0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 before any points, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestHandler_Propagate_endToEnd(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)

	// Start a session over a 10-frame video, annotate object 0 at frame 4,
	// and propagate from frame 4.
	id := startTestSession(t, r, 10)
	addTestPoints(t, r, id, 4, 0)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/propagate", map[string]any{
		"start_frame_index": 4,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}

	mediaType, params, err := mime.ParseMediaType(rec.Header().Get("Content-Type"))
	if err != nil {
		t.Fatalf("parse content type: %v", err)
	}
	if mediaType != "multipart/x-savi-stream" {
		t.Errorf("media type = %q", mediaType)
	}

	mr := multipart.NewReader(rec.Body, params["boundary"])
	var chunks []PropagationChunk
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next part: %v", err)
		}
		if got := part.Header.Get("Mask-Type"); got != "RLE[]" {
			t.Errorf("Mask-Type = %q, want RLE[]", got)
		}
		if got := part.Header.Get("Frame-Total"); got != "10" {
			t.Errorf("Frame-Total = %q, want 10", got)
		}
		if got := part.Header.Get("Frame-Current"); got != fmt.Sprint(len(chunks)+1) {
			t.Errorf("Frame-Current = %q, want %d", got, len(chunks)+1)
		}
		var chunk PropagationChunk
		if err := json.NewDecoder(part).Decode(&chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	if len(chunks) != 10 {
		t.Fatalf("got %d chunks, want 10", len(chunks))
	}
	if chunks[0].FrameIndex != 4 {
		t.Errorf("first chunk frame = %d, want 4", chunks[0].FrameIndex)
	}
	last2 := map[int]bool{chunks[8].FrameIndex: true, chunks[9].FrameIndex: true}
	if !last2[0] || !last2[1] {
		t.Errorf("last two chunks = %v, want frames {1, 0}", last2)
	}
	for _, c := range chunks {
		if len(c.Masks) != 1 || c.Masks[0].ObjectID != 0 {
			t.Fatalf("frame %d: expected exactly one mask for object 0", c.FrameIndex)
		}
		m, err := DecodeRLE(c.Masks[0].RLEMask)
		if err != nil {
			t.Fatalf("frame %d: decode: %v", c.FrameIndex, err)
		}
		if m.Height*m.Width != 12*16 {
			t.Errorf("frame %d: mask has %d pixels, want %d", c.FrameIndex, m.Height*m.Width, 12*16)
		}
	}
}

func TestHandler_Propagate_streamEndsCleanlyOnTrackingFailure(t *testing.T) {
	registry := NewRegistry(10*time.Minute, time.Hour, time.Minute, testLogger())
	tr := &failingTracker{inner: NewSyntheticTracker(1), failAt: 3}
	engine := NewEngine(tr, NewSerializer(nil), time.Second, testLogger())
	h := NewHandler(registry, engine, testLogger(), nil)
	r := newTestRouter(h)

	id := startTestSession(t, r, 6)
	addTestPoints(t, r, id, 1, 0)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/propagate", map[string]any{
		"start_frame_index": 1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// Frames 1 and 2 stream, frame 3 fails; the multipart body must still
	// be well formed and terminated.
	mr := multipart.NewReader(rec.Body, DefaultBoundary)
	frames := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("stream not cleanly terminated: %v", err)
		}
		var chunk PropagationChunk
		if err := json.NewDecoder(part).Decode(&chunk); err != nil {
			t.Fatalf("garbled part: %v", err)
		}
		frames++
	}
	if frames != 2 {
		t.Errorf("got %d parts before the failure, want 2", frames)
	}
}

func TestHandler_CancelPropagation(t *testing.T) {
	h, registry := newTestHandler(t)
	r := newTestRouter(h)
	id := startTestSession(t, r, 5)

	sess, err := registry.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	tok := sess.BeginPropagation()

	rec := doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !tok.Load() {
		t.Error("cancel endpoint must set the active cancel token")
	}
}

func TestHandler_CloseSession_idempotent(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)
	id := startTestSession(t, r, 5)

	rec := doJSON(t, r, http.MethodDelete, "/api/sessions/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]bool
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp["success"] {
		t.Error("first close should report success true")
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/sessions/"+id, nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp["success"] {
		t.Errorf("second close should be 200 with success false, got %d %v", rec.Code, resp)
	}
}

func TestHandler_Ping(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)
	id := startTestSession(t, r, 5)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/ping", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var exp SessionExpiration
	if err := json.Unmarshal(rec.Body.Bytes(), &exp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if exp.SessionID != id {
		t.Errorf("session id = %q, want %q", exp.SessionID, id)
	}
	if exp.TTL <= 0 || exp.ExpirationTime > exp.MaxExpirationTime {
		t.Errorf("implausible expiration snapshot: %+v", exp)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/sessions/unknown/ping", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestHandler_RemoveObject(t *testing.T) {
	h, _ := newTestHandler(t)
	r := newTestRouter(h)
	id := startTestSession(t, r, 5)
	addTestPoints(t, r, id, 2, 0)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/objects/0/remove", nil)
	var resp map[string]bool
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || !resp["success"] {
		t.Errorf("remove existing object: got %d %v", rec.Code, resp)
	}

	rec = doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/objects/9/remove", nil)
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp["success"] {
		t.Errorf("remove absent object: got %d %v", rec.Code, resp)
	}
}

func TestHandler_ClearSession(t *testing.T) {
	h, registry := newTestHandler(t)
	r := newTestRouter(h)
	id := startTestSession(t, r, 5)
	addTestPoints(t, r, id, 2, 0)

	rec := doJSON(t, r, http.MethodPost, "/api/sessions/"+id+"/clear", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	sess, err := registry.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.HasAnnotations() {
		t.Error("clear must drop all annotations")
	}
}
