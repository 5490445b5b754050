// Package document wraps a CRDT document with a history of versions and a
// cursor into it, giving per-replica undo and redo that survive concurrent
// remote edits.
package document

import (
	"fmt"

	"github.com/cowrite/cowrite/internal/crdt"
	"github.com/cowrite/cowrite/internal/fserr"
)

// Splice describes an edit. With Replace set the whole content becomes Text;
// otherwise Del runes starting at Pos are deleted and Text is inserted at Pos.
type Splice struct {
	Replace bool
	Pos     int
	Del     int
	Text    string
}

// ReplaceAll is the splice that sets the whole content to text.
func ReplaceAll(text string) Splice { return Splice{Replace: true, Text: text} }

// Edit is what a local edit produced: the incremental changes, the history
// index they were made against, and the versions to append after it.
type Edit struct {
	Changes    []byte
	OldHeadIdx int
	NewHeads   []crdt.Heads
}

// Handle is an open document. It is not safe for concurrent use; the owning
// file tree serializes access.
type Handle struct {
	doc     *crdt.Doc
	history []crdt.Heads
	headIdx int
}

// Open wraps doc with a single-entry history at its current version.
func Open(doc *crdt.Doc) *Handle {
	return &Handle{doc: doc, history: []crdt.Heads{doc.Heads()}}
}

// NewText creates a handle holding text.
func NewText(actor crdt.ActorID, text string) (*Handle, error) {
	doc := crdt.New(actor)
	if err := doc.PutText(text); err != nil {
		return nil, err
	}
	return Open(doc), nil
}

// NewBlob creates a handle holding opaque bytes.
func NewBlob(actor crdt.ActorID, data []byte) (*Handle, error) {
	doc := crdt.New(actor)
	if err := doc.PutBlob(data); err != nil {
		return nil, err
	}
	return Open(doc), nil
}

// FromBytes creates a handle for file content read from disk: valid UTF-8
// becomes text, anything else a blob.
func FromBytes(actor crdt.ActorID, data []byte) (*Handle, error) {
	if crdt.IsText(data) {
		return NewText(actor, string(data))
	}
	return NewBlob(actor, data)
}

// HeadIdx returns the cursor into the history.
func (h *Handle) HeadIdx() int { return h.headIdx }

// HistoryLen returns the number of recorded versions.
func (h *Handle) HistoryLen() int { return len(h.history) }

// History returns a copy of the recorded versions.
func (h *Handle) History() []crdt.Heads {
	out := make([]crdt.Heads, len(h.history))
	for i, x := range h.history {
		out[i] = x.Clone()
	}
	return out
}

// Edit applies s at the cursor. If the cursor is not at the newest version the
// document is first forked there, discarding everything that could have been
// redone.
func (h *Handle) Edit(s Splice) (Edit, error) {
	old := h.headIdx
	base := h.history[old]
	doc := h.doc
	if !doc.Heads().Equal(base) {
		forked, err := doc.ForkAt(base)
		if err != nil {
			return Edit{}, fserr.Wrap("edit", "", fserr.InvalidData, err)
		}
		doc = forked
	}

	var err error
	if s.Replace {
		err = doc.UpdateText(s.Text)
	} else {
		err = doc.Splice(s.Pos, s.Del, s.Text)
	}
	if err != nil {
		return Edit{}, err
	}
	changes, err := doc.SaveAfter(base)
	if err != nil {
		return Edit{}, err
	}
	next := doc.Heads()

	h.doc = doc
	h.history = append(h.history[:old+1:old+1], next)
	h.headIdx = len(h.history) - 1
	return Edit{Changes: changes, OldHeadIdx: old, NewHeads: []crdt.Heads{next.Clone()}}, nil
}

// Undo moves the cursor one version back. It saturates at the first version.
func (h *Handle) Undo() {
	if h.headIdx > 0 {
		h.headIdx--
	}
}

// Redo moves the cursor one version forward. It saturates at the newest
// version.
func (h *Handle) Redo() {
	if h.headIdx < len(h.history)-1 {
		h.headIdx++
	}
}

// Update merges a remote edit made against history index oldHeadIdx. The
// document is forked there, the changes are merged, and the history becomes
// the prefix through oldHeadIdx followed by newHeads. An edit whose heads
// already follow oldHeadIdx in the history is a no-op, so the echo of a
// replica's own edit keeps any later local edits. On failure the handle is
// unchanged.
func (h *Handle) Update(changes []byte, oldHeadIdx int, newHeads []crdt.Heads) error {
	if oldHeadIdx < 0 || oldHeadIdx >= len(h.history) {
		return fserr.E("update", "", fserr.InvalidInput,
			fmt.Sprintf("old head index %d out of bounds [0,%d)", oldHeadIdx, len(h.history)))
	}
	if len(newHeads) == 0 {
		return fserr.E("update", "", fserr.InvalidInput, "no new heads")
	}
	if h.follows(oldHeadIdx, newHeads) {
		return nil
	}
	doc, err := h.doc.ForkAt(h.history[oldHeadIdx])
	if err != nil {
		return fserr.Wrap("update", "", fserr.InvalidData, err)
	}
	if err := doc.LoadIncremental(changes); err != nil {
		return err
	}
	for _, x := range newHeads {
		if !doc.Has(x) {
			return fserr.E("update", x.String(), fserr.InvalidData, "new heads not covered by the changes")
		}
	}

	history := make([]crdt.Heads, 0, oldHeadIdx+1+len(newHeads))
	history = append(history, h.history[:oldHeadIdx+1]...)
	for _, x := range newHeads {
		history = append(history, x.Clone())
	}
	h.doc = doc
	h.history = history
	h.headIdx = len(history) - 1
	return nil
}

// follows reports whether newHeads are already recorded right after
// history[oldHeadIdx].
func (h *Handle) follows(oldHeadIdx int, newHeads []crdt.Heads) bool {
	next := h.history[oldHeadIdx+1:]
	if len(next) < len(newHeads) {
		return false
	}
	for i, x := range newHeads {
		if !next[i].Equal(x) {
			return false
		}
	}
	return true
}

// Read returns the content at the cursor.
func (h *Handle) Read() (crdt.Content, error) {
	c, err := h.doc.ContentAt(h.history[h.headIdx])
	if err != nil {
		return crdt.Content{}, fserr.Wrap("read", "", fserr.InvalidData, err)
	}
	if c.Kind != crdt.ValueText && c.Kind != crdt.ValueBlob {
		return crdt.Content{}, fserr.E("read", "", fserr.InvalidData, "document holds neither text nor bytes")
	}
	return c, nil
}

// ReadBytes returns the raw bytes at the cursor.
func (h *Handle) ReadBytes() ([]byte, error) {
	c, err := h.Read()
	if err != nil {
		return nil, err
	}
	return c.Bytes(), nil
}
