package conversation

import (
	"context"
	"sync"
)

// Store owns sessions. Get returns the live session for an id, creating it on
// first use, so that concurrent callers share one TurnLock.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

// Factory creates the session for an id seen for the first time.
type Factory func(id string) *Session

// NewFactory returns a factory applying options to every new session.
func NewFactory(options ...Option) Factory {
	return func(id string) *Session {
		return NewSession(append(append([]Option{}, options...), WithID(id))...)
	}
}

// MemoryStore keeps sessions for the lifetime of the process.
type MemoryStore struct {
	mu       sync.Mutex
	factory  Factory
	sessions map[string]*Session
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(factory Factory) *MemoryStore {
	if factory == nil {
		factory = NewFactory()
	}
	return &MemoryStore{
		factory:  factory,
		sessions: map[string]*Session{},
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = m.factory(id)
		m.sessions[id] = s
	}
	return s, nil
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID()] = s
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
