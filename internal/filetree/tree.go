// Package filetree is one replica's virtual filesystem: the path index plus
// the documents currently open.
package filetree

import (
	"strings"

	"github.com/cowrite/cowrite/internal/crdt"
	"github.com/cowrite/cowrite/internal/document"
	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/pathindex"
)

// Tree is not safe for concurrent use. Each replica guards its tree with one
// lock held across every call.
type Tree struct {
	index *pathindex.Index
	docs  map[string]*document.Handle
	actor crdt.ActorID
}

// New builds a tree from an index snapshot. Documents created by this replica
// are authored as actor.
func New(actor crdt.ActorID, files, emptyDirs []string) (*Tree, error) {
	ix, err := pathindex.New(files, emptyDirs)
	if err != nil {
		return nil, err
	}
	return &Tree{index: ix, docs: make(map[string]*document.Handle), actor: actor}, nil
}

// Actor returns the id this replica authors changes with.
func (t *Tree) Actor() crdt.ActorID { return t.actor }

// Snapshot returns both sorted lists of the index.
func (t *Tree) Snapshot() (files, emptyDirs []string) { return t.index.Snapshot() }

// InDir reports whether dir exists.
func (t *Tree) InDir(dir string) bool { return t.index.InDir(dir) }

// HasFile reports whether path is a tracked file.
func (t *Tree) HasFile(path string) bool { return t.index.HasFile(path) }

// Len returns the number of index entries.
func (t *Tree) Len() int { return t.index.Len() }

// Apply validates op against the index, runs before (typically the matching
// disk operation) and only then commits. Open documents follow the change:
// moves re-key them, removals close them. A nil before is allowed.
func (t *Tree) Apply(op pathindex.Op, before func() error) error {
	commit, err := t.index.Stage(op)
	if err != nil {
		return err
	}
	if before != nil {
		if err := before(); err != nil {
			return err
		}
	}
	commit()

	switch op.Kind {
	case pathindex.OpMoveFile:
		if h, ok := t.docs[op.Path]; ok {
			delete(t.docs, op.Path)
			t.docs[op.NewPath] = h
		}
	case pathindex.OpRemoveFile:
		delete(t.docs, op.Path)
	case pathindex.OpMoveDir:
		for _, p := range t.openUnder(op.Path) {
			h := t.docs[p]
			delete(t.docs, p)
			t.docs[pathindex.Rebase(p, op.Path, op.NewPath)] = h
		}
	case pathindex.OpRemoveDir:
		for _, p := range t.openUnder(op.Path) {
			delete(t.docs, p)
		}
	}
	return nil
}

func (t *Tree) openUnder(dir string) []string {
	var out []string
	for p := range t.docs {
		if strings.HasPrefix(p, dir) {
			out = append(out, p)
		}
	}
	return out
}

// OpenCount returns the number of open documents.
func (t *Tree) OpenCount() int { return len(t.docs) }

// Document returns the open document at path.
func (t *Tree) Document(path string) (*document.Handle, error) {
	h, ok := t.docs[path]
	if !ok {
		if !t.index.HasFile(path) {
			return nil, fserr.E("document", path, fserr.NotFound, "the file does not exist")
		}
		return nil, fserr.E("document", path, fserr.NotConnected, "the document is not open")
	}
	return h, nil
}

// Install registers a document received from a peer, replacing any open one.
func (t *Tree) Install(path string, h *document.Handle) error {
	if !t.index.HasFile(path) {
		return fserr.E("install", path, fserr.NotFound, "the file does not exist")
	}
	t.docs[path] = h
	return nil
}

// Load returns the open document at path, creating it from the bytes read by
// load if it is not open yet.
func (t *Tree) Load(path string, load func() ([]byte, error)) (*document.Handle, bool, error) {
	if h, ok := t.docs[path]; ok {
		return h, false, nil
	}
	if !t.index.HasFile(path) {
		return nil, false, fserr.E("load", path, fserr.NotFound, "the file does not exist")
	}
	data, err := load()
	if err != nil {
		return nil, false, err
	}
	h, err := document.FromBytes(t.actor, data)
	if err != nil {
		return nil, false, err
	}
	t.docs[path] = h
	return h, true, nil
}

// Close drops the open document at path. Closing a document that is not open
// is a no-op.
func (t *Tree) Close(path string) { delete(t.docs, path) }

// Read returns the content of path at its cursor.
func (t *Tree) Read(path string) (crdt.Content, error) {
	h, err := t.Document(path)
	if err != nil {
		return crdt.Content{}, err
	}
	return h.Read()
}

// Edit applies a local edit to path.
func (t *Tree) Edit(path string, s document.Splice) (document.Edit, error) {
	h, err := t.Document(path)
	if err != nil {
		return document.Edit{}, err
	}
	return h.Edit(s)
}

// Update merges a remote edit into path.
func (t *Tree) Update(path string, changes []byte, oldHeadIdx int, newHeads []crdt.Heads) error {
	h, err := t.Document(path)
	if err != nil {
		return err
	}
	return h.Update(changes, oldHeadIdx, newHeads)
}

// Undo moves the cursor of path back.
func (t *Tree) Undo(path string) error {
	h, err := t.Document(path)
	if err != nil {
		return err
	}
	h.Undo()
	return nil
}

// Redo moves the cursor of path forward.
func (t *Tree) Redo(path string) error {
	h, err := t.Document(path)
	if err != nil {
		return err
	}
	h.Redo()
	return nil
}

// Save returns the full snapshot of the open document at path.
func (t *Tree) Save(path string) (document.Snapshot, error) {
	h, err := t.Document(path)
	if err != nil {
		return document.Snapshot{}, err
	}
	return h.Save(), nil
}
