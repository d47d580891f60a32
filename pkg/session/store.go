package session

import (
	"context"
	"fmt"
	"strings"
)

// Store persists whole session records by key. Implementations must make
// Write atomic per key: a reader sees either the previous record or the new one.
type Store interface {
	// Read returns ErrNotFound when the key has no record.
	Read(ctx context.Context, key string) (*Session, error)
	Write(ctx context.Context, sess *Session) error
	// Delete is a no-op for unknown keys.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// OpenStore constructs the store for backend rooted at dir.
func OpenStore(backend Backend, dir string) (Store, error) {
	switch Backend(strings.ToLower(string(backend))) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile, "":
		return NewFileStore(dir)
	case BackendSQLite:
		return NewSQLiteStore(dir)
	default:
		return nil, fmt.Errorf("unknown session backend %q", backend)
	}
}

func backendName(store Store) string {
	switch store.(type) {
	case *MemoryStore:
		return string(BackendMemory)
	case *FileStore:
		return string(BackendFile)
	case *SQLiteStore:
		return string(BackendSQLite)
	default:
		return fmt.Sprintf("%T", store)
	}
}
