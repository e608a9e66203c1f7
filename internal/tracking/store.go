package tracking

// Store is the persistence abstraction for session state. Implementations
// can be in-memory or remote. The Registry uses Store for all reads and
// writes and layers locking, TTL enforcement, and reaping on top; Store
// itself is not safe for concurrent use.
type Store interface {
	GetSession(id string) (*Session, bool)
	SetSession(s *Session)
	DeleteSession(id string)
	ListSessionIDs() []string
}

// InMemorySessionStore is an in-memory implementation of Store.
type InMemorySessionStore struct {
	sessions map[string]*Session
}

// NewInMemorySessionStore returns a new empty in-memory store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{
		sessions: make(map[string]*Session),
	}
}

// GetSession implements Store.GetSession.
func (s *InMemorySessionStore) GetSession(id string) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// SetSession implements Store.SetSession.
func (s *InMemorySessionStore) SetSession(sess *Session) {
	s.sessions[sess.ID] = sess
}

// DeleteSession implements Store.DeleteSession.
func (s *InMemorySessionStore) DeleteSession(id string) {
	delete(s.sessions, id)
}

// ListSessionIDs implements Store.ListSessionIDs.
func (s *InMemorySessionStore) ListSessionIDs() []string {
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
