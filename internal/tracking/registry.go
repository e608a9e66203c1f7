package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned when a session id is unknown or the
	// session has expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrFrameOutOfRange is returned when a request names a frame index
	// outside the session's video.
	ErrFrameOutOfRange = errors.New("frame index out of range")
)

// DefaultSessionTTL is the idle lifetime granted to a session on start and
// refreshed on every request addressed to it.
const DefaultSessionTTL = 10 * time.Minute

// DefaultMaxSessionTTL caps a session's total lifetime regardless of
// activity, preventing unbounded keep-alive.
const DefaultMaxSessionTTL = 1 * time.Hour

// DefaultReapInterval is how often the background reaper scans for expired
// sessions.
const DefaultReapInterval = 30 * time.Second

// Registry owns the session map and its lifecycle: creation, TTL refresh,
// expiry, and close. The registry mutex guards only structural map mutation
// and lookup; a session's mutable fields use the session's own lock, so
// independent sessions never contend.
type Registry struct {
	mu    sync.RWMutex
	store Store

	ttl          time.Duration
	maxTTL       time.Duration
	reapInterval time.Duration
	now          func() time.Time

	log       *slog.Logger
	onExpired func() // metrics hook, may be nil
}

// NewRegistry constructs a registry over an in-memory store with the given
// TTLs. Non-positive durations fall back to the defaults. log may be nil.
func NewRegistry(ttl, maxTTL, reapInterval time.Duration, log *slog.Logger) *Registry {
	return NewRegistryWithStore(NewInMemorySessionStore(), ttl, maxTTL, reapInterval, log)
}

// NewRegistryWithStore constructs a registry over the given Store. Useful
// for tests or for plugging in a different persistence backend.
func NewRegistryWithStore(store Store, ttl, maxTTL, reapInterval time.Duration, log *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if maxTTL <= 0 {
		maxTTL = DefaultMaxSessionTTL
	}
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:        store,
		ttl:          ttl,
		maxTTL:       maxTTL,
		reapInterval: reapInterval,
		now:          time.Now,
		log:          log,
	}
}

// SetClock replaces the registry's time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// SetExpiredHook registers a callback invoked once per reaped session.
func (r *Registry) SetExpiredHook(fn func()) {
	r.onExpired = fn
}

// StartSession allocates a new session bound to the given video reference.
// It never blocks on model loading; the tracker is lazily bound on first use.
func (r *Registry) StartSession(video VideoRef) (*Session, error) {
	if video.FrameCount <= 0 {
		return nil, fmt.Errorf("video must have at least one frame, got %d", video.FrameCount)
	}
	if video.Width <= 0 || video.Height <= 0 {
		return nil, fmt.Errorf("video resolution must be positive, got %dx%d", video.Width, video.Height)
	}

	now := r.now()
	sess := newSession(uuid.NewString(), video, now.Add(r.ttl), now.Add(r.maxTTL))

	r.mu.Lock()
	r.store.SetSession(sess)
	r.mu.Unlock()

	r.log.Debug("session started",
		slog.String("session_id", sess.ID),
		slog.String("video", video.Path),
		slog.Int("frames", video.FrameCount))
	return sess, nil
}

// Get returns the session for id, refreshing its TTL. It fails with
// ErrSessionNotFound if the id is unknown or the session has expired.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.store.GetSession(id)
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	now := r.now()
	if sess.expired(now) {
		r.CloseSession(id)
		return nil, ErrSessionNotFound
	}
	sess.refreshExpiration(now, r.ttl)
	return sess, nil
}

// Touch refreshes the session's expiration to min(now+ttl, maxExpiresAt)
// and returns the current expiration snapshot.
func (r *Registry) Touch(id string) (SessionExpiration, error) {
	sess, err := r.Get(id)
	if err != nil {
		return SessionExpiration{}, err
	}
	return sess.expirationSnapshot(r.now()), nil
}

// CloseSession cancels any in-flight propagation for the session, removes it
// from the registry, and releases its cache. Idempotent; reports whether a
// session existed.
func (r *Registry) CloseSession(id string) bool {
	r.mu.Lock()
	sess, ok := r.store.GetSession(id)
	if ok {
		r.store.DeleteSession(id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	sess.CancelPropagation()
	sess.ClearAllPoints()
	r.log.Debug("session closed", slog.String("session_id", id))
	return true
}

// ActiveSessionCount returns the number of live (non-expired) sessions.
// Used for metrics.
func (r *Registry) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	n := 0
	for _, id := range r.store.ListSessionIDs() {
		if sess, ok := r.store.GetSession(id); ok && !sess.expired(now) {
			n++
		}
	}
	return n
}

// Run reaps expired sessions every reap interval until ctx is cancelled.
// Expiry is treated as an implicit CloseSession.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Registry) reap() {
	now := r.now()

	r.mu.RLock()
	ids := r.store.ListSessionIDs()
	r.mu.RUnlock()

	for _, id := range ids {
		r.mu.RLock()
		sess, ok := r.store.GetSession(id)
		r.mu.RUnlock()
		if !ok || !sess.expired(now) {
			continue
		}
		if r.CloseSession(id) {
			r.log.Info("session expired", slog.String("session_id", id))
			if r.onExpired != nil {
				r.onExpired()
			}
		}
	}
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.expiresAt)
}

// refreshExpiration extends the idle deadline, capped at maxExpiresAt.
func (s *Session) refreshExpiration(now time.Time, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := now.Add(ttl)
	if next.After(s.maxExpiresAt) {
		next = s.maxExpiresAt
	}
	s.expiresAt = next
}

func (s *Session) expirationSnapshot(now time.Time) SessionExpiration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionExpiration{
		SessionID:         s.ID,
		ExpirationTime:    s.expiresAt.Unix(),
		MaxExpirationTime: s.maxExpiresAt.Unix(),
		TTL:               s.expiresAt.Unix() - now.Unix(),
	}
}
