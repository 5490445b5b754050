package crdt

import (
	"fmt"
	"unicode/utf8"
)

type element struct {
	id      OpID
	r       rune
	deleted bool
}

// sequence is an RGA: elements in document order, tombstones kept.
type sequence struct {
	elems []element
	index map[OpID]int // nil when stale
}

func (s *sequence) locate(id OpID) (int, bool) {
	if s.index == nil {
		s.index = make(map[OpID]int, len(s.elems))
		for i, e := range s.elems {
			s.index[e.id] = i
		}
	}
	i, ok := s.index[id]
	return i, ok
}

// insert places runs of runes after ref. Siblings after the same reference are
// ordered by descending id, so the scan skips every element with a greater id.
func (s *sequence) insert(ref, first OpID, text string) error {
	pos := 0
	if !ref.IsZero() {
		i, ok := s.locate(ref)
		if !ok {
			return fmt.Errorf("insert after unknown element %d@%s", ref.Counter, ref.Actor)
		}
		pos = i + 1
	}
	for pos < len(s.elems) && s.elems[pos].id.Compare(first) > 0 {
		pos++
	}
	run := make([]element, 0, utf8.RuneCountInString(text))
	id := first
	for _, r := range text {
		run = append(run, element{id: id, r: r})
		id.Counter++
	}
	elems := make([]element, 0, len(s.elems)+len(run))
	elems = append(elems, s.elems[:pos]...)
	elems = append(elems, run...)
	s.elems = append(elems, s.elems[pos:]...)
	s.index = nil
	return nil
}

func (s *sequence) remove(target OpID) error {
	i, ok := s.locate(target)
	if !ok {
		return fmt.Errorf("delete of unknown element %d@%s", target.Counter, target.Actor)
	}
	s.elems[i].deleted = true
	return nil
}

func (s *sequence) clone() *sequence {
	elems := make([]element, len(s.elems))
	copy(elems, s.elems)
	return &sequence{elems: elems}
}

// visible returns the ids of live elements in order.
func (s *sequence) visible() []OpID {
	out := make([]OpID, 0, len(s.elems))
	for _, e := range s.elems {
		if !e.deleted {
			out = append(out, e.id)
		}
	}
	return out
}

func (s *sequence) String() string {
	buf := make([]rune, 0, len(s.elems))
	for _, e := range s.elems {
		if !e.deleted {
			buf = append(buf, e.r)
		}
	}
	return string(buf)
}

// ValueKind is the shape of a document's root value.
type ValueKind uint8

const (
	ValueNone ValueKind = iota
	ValueText
	ValueBlob
)

func (k ValueKind) String() string {
	switch k {
	case ValueText:
		return "text"
	case ValueBlob:
		return "blob"
	default:
		return "none"
	}
}

// Content is a document's root value at some version.
type Content struct {
	Kind ValueKind
	Text string
	Blob []byte
}

// Bytes returns the raw bytes of a text or blob value.
func (c Content) Bytes() []byte {
	if c.Kind == ValueText {
		return []byte(c.Text)
	}
	return c.Blob
}

// state is the materialized value of a set of changes.
type state struct {
	texts map[OpID]*sequence
	root  OpID // the put op currently holding the root; zero if unset
	kind  ValueKind
	blob  []byte
}

func newState() *state {
	return &state{texts: make(map[OpID]*sequence)}
}

func (st *state) clone() *state {
	out := &state{texts: make(map[OpID]*sequence, len(st.texts)), root: st.root, kind: st.kind, blob: st.blob}
	for id, s := range st.texts {
		out.texts[id] = s.clone()
	}
	return out
}

// apply integrates c. Changes must arrive in causal order.
func (st *state) apply(c *Change) error {
	id := OpID{Counter: c.StartOp, Actor: c.Actor}
	for _, op := range c.Ops {
		switch op.Kind {
		case OpPutText:
			st.texts[id] = &sequence{}
			st.putRoot(id, ValueText, nil)
		case OpPutBlob:
			st.putRoot(id, ValueBlob, op.Data)
		case OpInsert:
			s, ok := st.texts[op.Obj]
			if !ok {
				return fmt.Errorf("insert into unknown object %d@%s", op.Obj.Counter, op.Obj.Actor)
			}
			if err := s.insert(op.Ref, id, op.Text); err != nil {
				return err
			}
		case OpDelete:
			s, ok := st.texts[op.Obj]
			if !ok {
				return fmt.Errorf("delete in unknown object %d@%s", op.Obj.Counter, op.Obj.Actor)
			}
			if err := s.remove(op.Ref); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown op kind %d", op.Kind)
		}
		id.Counter += op.width()
	}
	return nil
}

// putRoot is last-writer-wins on op id.
func (st *state) putRoot(id OpID, kind ValueKind, blob []byte) {
	if !st.root.IsZero() && st.root.Compare(id) > 0 {
		return
	}
	st.root = id
	st.kind = kind
	st.blob = blob
}

func (st *state) content() Content {
	switch st.kind {
	case ValueText:
		return Content{Kind: ValueText, Text: st.texts[st.root].String()}
	case ValueBlob:
		return Content{Kind: ValueBlob, Blob: append([]byte(nil), st.blob...)}
	default:
		return Content{}
	}
}

// text returns the root sequence, or nil if the root is not text.
func (st *state) text() *sequence {
	if st.kind != ValueText {
		return nil
	}
	return st.texts[st.root]
}
