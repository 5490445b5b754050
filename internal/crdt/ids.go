package crdt

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ActorID identifies the replica that authored a change.
type ActorID [16]byte

// NewActorID returns a random actor id.
func NewActorID() ActorID { return ActorID(uuid.New()) }

func (a ActorID) String() string { return uuid.UUID(a).String() }

// OpID is a Lamport timestamp naming one operation. The zero OpID is the head
// of a sequence.
type OpID struct {
	Counter uint64
	Actor   ActorID
}

// IsZero reports whether id is the sequence head.
func (id OpID) IsZero() bool { return id.Counter == 0 }

// Compare orders ids by counter, then actor.
func (id OpID) Compare(other OpID) int {
	switch {
	case id.Counter < other.Counter:
		return -1
	case id.Counter > other.Counter:
		return 1
	}
	return bytes.Compare(id.Actor[:], other.Actor[:])
}

// Hash is the content address of an encoded change.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Heads identifies a document version: the hashes of the changes no other
// change in that version depends on, sorted.
type Heads []Hash

func sortHashes(hs []Hash) {
	sort.Slice(hs, func(i, j int) bool { return bytes.Compare(hs[i][:], hs[j][:]) < 0 })
}

// Equal reports whether h and other name the same version.
func (h Heads) Equal(other Heads) bool {
	if len(h) != len(other) {
		return false
	}
	for i := range h {
		if h[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of h.
func (h Heads) Clone() Heads {
	out := make(Heads, len(h))
	copy(out, h)
	return out
}

func (h Heads) String() string {
	parts := make([]string, len(h))
	for i, x := range h {
		parts[i] = x.String()[:12]
	}
	return "[" + strings.Join(parts, " ") + "]"
}
