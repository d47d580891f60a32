package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps sessions in process memory. Records are copied on the way
// in and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Read(ctx context.Context, key string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) Write(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return &StorageError{Backend: string(BackendMemory), Op: "write", Key: sess.Key, Err: err}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Key] = sess.Clone()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }
