// Package crdt is the mergeable document engine behind every open file: a
// hash-linked DAG of changes whose materialized value is either an RGA text
// sequence or an opaque blob.
//
// A version is named by its Heads. Any version reachable from the current one
// can be read, forked from, or used as the base of an incremental save.
package crdt

import (
	"crypto/sha256"
	"fmt"
	"unicode/utf8"

	"github.com/cowrite/cowrite/internal/fserr"
)

type stored struct {
	change *Change
	raw    []byte
	maxOp  uint64
}

// Doc is a CRDT document. It is not safe for concurrent use.
type Doc struct {
	actor   ActorID
	seq     uint64 // last seq used by actor
	clock   uint64 // highest counter seen
	changes map[Hash]*stored
	order   []Hash // causal application order
	heads   Heads
	state   *state
}

// New returns an empty document authored by actor.
func New(actor ActorID) *Doc {
	return &Doc{
		actor:   actor,
		changes: make(map[Hash]*stored),
		heads:   Heads{},
		state:   newState(),
	}
}

// Actor returns the id new changes are authored with.
func (d *Doc) Actor() ActorID { return d.actor }

// Heads returns the current version.
func (d *Doc) Heads() Heads { return d.heads.Clone() }

// Len returns the number of changes in the document.
func (d *Doc) Len() int { return len(d.order) }

// Content returns the current root value.
func (d *Doc) Content() Content { return d.state.content() }

// Has reports whether every hash of h is known.
func (d *Doc) Has(h Heads) bool {
	for _, x := range h {
		if _, ok := d.changes[x]; !ok {
			return false
		}
	}
	return true
}

// reachable returns the set of changes h depends on, inclusive.
func (d *Doc) reachable(h Heads) (map[Hash]bool, error) {
	seen := make(map[Hash]bool)
	stack := append([]Hash(nil), h...)
	for len(stack) > 0 {
		x := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[x] {
			continue
		}
		s, ok := d.changes[x]
		if !ok {
			return nil, fserr.E("heads", x.String(), fserr.NotFound, "unknown change")
		}
		seen[x] = true
		stack = append(stack, s.change.Deps...)
	}
	return seen, nil
}

// ContentAt returns the root value as of version h.
func (d *Doc) ContentAt(h Heads) (Content, error) {
	if h.Equal(d.heads) {
		return d.state.content(), nil
	}
	st, err := d.replay(h)
	if err != nil {
		return Content{}, err
	}
	return st.content(), nil
}

// replay materializes version h from scratch.
func (d *Doc) replay(h Heads) (*state, error) {
	set, err := d.reachable(h)
	if err != nil {
		return nil, err
	}
	st := newState()
	for _, x := range d.order {
		if !set[x] {
			continue
		}
		if err := st.apply(d.changes[x].change); err != nil {
			return nil, fserr.Wrap("replay", "", fserr.InvalidData, err)
		}
	}
	return st, nil
}

// ForkAt returns a copy of the document truncated to version h. The fork
// keeps the actor and its clock so it never reuses an op id.
func (d *Doc) ForkAt(h Heads) (*Doc, error) {
	set, err := d.reachable(h)
	if err != nil {
		return nil, err
	}
	f := &Doc{
		actor:   d.actor,
		seq:     d.seq,
		clock:   d.clock,
		changes: make(map[Hash]*stored, len(set)),
		state:   newState(),
	}
	for _, x := range d.order {
		if !set[x] {
			continue
		}
		s := d.changes[x]
		if err := f.state.apply(s.change); err != nil {
			return nil, fserr.Wrap("fork", "", fserr.InvalidData, err)
		}
		f.changes[x] = s
		f.order = append(f.order, x)
	}
	f.heads = f.computeHeads()
	return f, nil
}

func (d *Doc) computeHeads() Heads {
	covered := make(map[Hash]bool, len(d.order))
	for _, x := range d.order {
		for _, dep := range d.changes[x].change.Deps {
			covered[dep] = true
		}
	}
	h := Heads{}
	for _, x := range d.order {
		if !covered[x] {
			h = append(h, x)
		}
	}
	sortHashes(h)
	return h
}

// Save encodes every change of the document.
func (d *Doc) Save() []byte {
	raws := make([][]byte, len(d.order))
	for i, x := range d.order {
		raws[i] = d.changes[x].raw
	}
	return encodeBundle(raws)
}

// SaveAfter encodes the changes not contained in version h.
func (d *Doc) SaveAfter(h Heads) ([]byte, error) {
	set, err := d.reachable(h)
	if err != nil {
		return nil, err
	}
	var raws [][]byte
	for _, x := range d.order {
		if !set[x] {
			raws = append(raws, d.changes[x].raw)
		}
	}
	return encodeBundle(raws), nil
}

// Load decodes a document saved with Save, authoring new changes as actor.
func Load(actor ActorID, b []byte) (*Doc, error) {
	d := New(actor)
	if err := d.LoadIncremental(b); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadIncremental merges encoded changes into the document. Changes already
// present are skipped. Either every change is applied or the document is left
// unchanged.
func (d *Doc) LoadIncremental(b []byte) error {
	batch, err := decodeBundle(b)
	if err != nil {
		return fserr.Wrap("load", "", fserr.InvalidData, err)
	}

	pending := make(map[Hash]*stored)
	var order []Hash
	known := func(h Hash) (*stored, bool) {
		if s, ok := d.changes[h]; ok {
			return s, true
		}
		s, ok := pending[h]
		return s, ok
	}
	// Batches are causally ordered, but tolerate any order by retrying.
	queue := batch
	for len(queue) > 0 {
		var next []decoded
		for _, dc := range queue {
			if _, ok := known(dc.hash); ok {
				continue
			}
			ready := true
			for _, dep := range dc.change.Deps {
				if _, ok := known(dep); !ok {
					ready = false
					break
				}
			}
			if !ready {
				next = append(next, dc)
				continue
			}
			s := &stored{change: dc.change, raw: dc.raw, maxOp: dc.change.maxOp()}
			for _, dep := range dc.change.Deps {
				ds, _ := known(dep)
				if dc.change.StartOp <= ds.maxOp {
					return fserr.E("load", "", fserr.InvalidData, "change does not follow its dependencies")
				}
			}
			pending[dc.hash] = s
			order = append(order, dc.hash)
		}
		if len(next) == len(queue) {
			return fserr.E("load", "", fserr.InvalidData, fmt.Sprintf("%d changes with missing dependencies", len(next)))
		}
		queue = next
	}
	if len(order) == 0 {
		return nil
	}

	st := d.state.clone()
	for _, x := range order {
		if err := st.apply(pending[x].change); err != nil {
			return fserr.Wrap("load", "", fserr.InvalidData, err)
		}
	}
	for _, x := range order {
		s := pending[x]
		d.changes[x] = s
		d.order = append(d.order, x)
		d.observe(s)
		d.heads = advance(d.heads, x, s.change.Deps)
	}
	d.state = st
	return nil
}

func (d *Doc) observe(s *stored) {
	if s.maxOp > d.clock {
		d.clock = s.maxOp
	}
	if s.change.Actor == d.actor && s.change.Seq > d.seq {
		d.seq = s.change.Seq
	}
}

// advance replaces the heads a change depends on with the change itself.
func advance(h Heads, x Hash, deps []Hash) Heads {
	drop := make(map[Hash]bool, len(deps))
	for _, dep := range deps {
		drop[dep] = true
	}
	out := make(Heads, 0, len(h)+1)
	for _, y := range h {
		if !drop[y] {
			out = append(out, y)
		}
	}
	out = append(out, x)
	sortHashes(out)
	return out
}

// commit appends a locally authored change built from ops.
func (d *Doc) commit(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	c := &Change{
		Actor:   d.actor,
		Seq:     d.seq + 1,
		StartOp: d.clock + 1,
		Deps:    d.heads.Clone(),
		Ops:     ops,
	}
	st := d.state.clone()
	if err := st.apply(c); err != nil {
		return fserr.Wrap("commit", "", fserr.InvalidInput, err)
	}
	raw := encodeChange(c)
	x := Hash(sha256.Sum256(raw))
	s := &stored{change: c, raw: raw, maxOp: c.maxOp()}
	d.changes[x] = s
	d.order = append(d.order, x)
	d.observe(s)
	d.heads = advance(d.heads, x, c.Deps)
	d.state = st
	return nil
}

// PutText replaces the root value with text.
func (d *Doc) PutText(text string) error {
	obj := OpID{Counter: d.clock + 1, Actor: d.actor}
	ops := []Op{{Kind: OpPutText}}
	if text != "" {
		ops = append(ops, Op{Kind: OpInsert, Obj: obj, Text: text})
	}
	return d.commit(ops)
}

// PutBlob replaces the root value with an opaque byte string.
func (d *Doc) PutBlob(data []byte) error {
	return d.commit([]Op{{Kind: OpPutBlob, Data: append([]byte(nil), data...)}})
}

// Splice deletes del runes at pos and inserts text there. The root must be
// text and the range must lie inside it.
func (d *Doc) Splice(pos, del int, text string) error {
	seq := d.state.text()
	if seq == nil {
		return fserr.E("splice", "", fserr.InvalidData, "document is not text")
	}
	vis := seq.visible()
	if pos < 0 || del < 0 || pos+del > len(vis) {
		return fserr.E("splice", "", fserr.InvalidInput,
			fmt.Sprintf("range %d+%d outside text of length %d", pos, del, len(vis)))
	}
	obj := d.state.root
	var ops []Op
	for _, id := range vis[pos : pos+del] {
		ops = append(ops, Op{Kind: OpDelete, Obj: obj, Ref: id})
	}
	if text != "" {
		var ref OpID
		if pos > 0 {
			ref = vis[pos-1]
		}
		ops = append(ops, Op{Kind: OpInsert, Obj: obj, Ref: ref, Text: text})
	}
	return d.commit(ops)
}

// UpdateText replaces the whole text with text, expressed as the single
// splice covering the difference. A non-text root is replaced outright.
func (d *Doc) UpdateText(text string) error {
	if d.state.text() == nil {
		return d.PutText(text)
	}
	pos, del, ins := diff([]rune(d.state.content().Text), []rune(text))
	if del == 0 && ins == "" {
		return nil
	}
	return d.Splice(pos, del, ins)
}

// diff returns the splice turning prev into next after stripping the common
// prefix and suffix.
func diff(prev, next []rune) (pos, del int, ins string) {
	for pos < len(prev) && pos < len(next) && prev[pos] == next[pos] {
		pos++
	}
	suffix := 0
	for suffix < len(prev)-pos && suffix < len(next)-pos &&
		prev[len(prev)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}
	return pos, len(prev) - pos - suffix, string(next[pos : len(next)-suffix])
}

// IsText reports whether s is valid UTF-8 and can be stored as text.
func IsText(b []byte) bool { return utf8.Valid(b) }
