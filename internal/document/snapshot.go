package document

import (
	"fmt"

	"github.com/cowrite/cowrite/internal/crdt"
	"github.com/cowrite/cowrite/internal/fserr"
)

// Snapshot is the full state of a handle, sent to a peer that requests a file
// it does not have open.
type Snapshot struct {
	Doc     []byte
	History []crdt.Heads
	HeadIdx int
}

// Save serializes the document, its history and the cursor.
func (h *Handle) Save() Snapshot {
	return Snapshot{Doc: h.doc.Save(), History: h.History(), HeadIdx: h.headIdx}
}

// Restore rebuilds a handle from a snapshot. New local edits are authored as
// actor.
func Restore(s Snapshot, actor crdt.ActorID) (*Handle, error) {
	if len(s.History) == 0 {
		return nil, fserr.E("restore", "", fserr.InvalidData, "empty history")
	}
	if s.HeadIdx < 0 || s.HeadIdx >= len(s.History) {
		return nil, fserr.E("restore", "", fserr.InvalidData,
			fmt.Sprintf("head index %d out of bounds [0,%d)", s.HeadIdx, len(s.History)))
	}
	doc, err := crdt.Load(actor, s.Doc)
	if err != nil {
		return nil, err
	}
	for _, x := range s.History {
		if !doc.Has(x) {
			return nil, fserr.E("restore", x.String(), fserr.InvalidData, "history refers to unknown changes")
		}
	}
	h := &Handle{doc: doc, history: make([]crdt.Heads, len(s.History)), headIdx: s.HeadIdx}
	for i, x := range s.History {
		h.history[i] = x.Clone()
	}
	return h, nil
}
