// Package privilege resolves what a connected user may do and verifies the
// tokens they present at handshake.
package privilege

import (
	"context"
	"fmt"
	"sync"

	"github.com/cowrite/cowrite/internal/fserr"
)

// Level is a user's access to the working tree.
type Level uint8

const (
	ReadOnly Level = iota + 1
	ReadWrite
)

func (l Level) String() string {
	switch l {
	case ReadOnly:
		return "read"
	case ReadWrite:
		return "write"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// CanWrite reports whether l permits mutations.
func (l Level) CanWrite() bool { return l == ReadWrite }

// Valid reports whether l is a known level.
func (l Level) Valid() bool { return l == ReadOnly || l == ReadWrite }

// ParseLevel accepts "read" or "write".
func ParseLevel(s string) (Level, error) {
	switch s {
	case "read", "readonly", "read-only":
		return ReadOnly, nil
	case "write", "readwrite", "read-write":
		return ReadWrite, nil
	}
	return 0, fmt.Errorf("unknown privilege %q", s)
}

// Store maps usernames to levels.
type Store interface {
	// Lookup returns the level of username. Unknown users yield a NotFound
	// error.
	Lookup(ctx context.Context, username string) (Level, error)
	Set(ctx context.Context, username string, level Level) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	levels map[string]Level
}

// NewMemoryStore returns a store seeded with levels.
func NewMemoryStore(levels map[string]Level) *MemoryStore {
	s := &MemoryStore{levels: make(map[string]Level, len(levels))}
	for u, l := range levels {
		s.levels[u] = l
	}
	return s
}

func (s *MemoryStore) Lookup(ctx context.Context, username string) (Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.levels[username]
	if !ok {
		return 0, fserr.E("lookup_privilege", username, fserr.NotFound, "unknown user")
	}
	return l, nil
}

func (s *MemoryStore) Set(ctx context.Context, username string, level Level) error {
	if !level.Valid() {
		return fserr.E("set_privilege", username, fserr.InvalidInput, "invalid level")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels[username] = level
	return nil
}

// Resolve looks up username and falls back to def for unknown users.
func Resolve(ctx context.Context, s Store, username string, def Level) (Level, error) {
	l, err := s.Lookup(ctx, username)
	if err != nil {
		if fserr.KindOf(err) == fserr.NotFound {
			return def, nil
		}
		return 0, err
	}
	return l, nil
}
