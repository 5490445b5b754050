package crdt

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// OpKind identifies what an operation does.
type OpKind uint8

const (
	// OpPutText makes a new empty text object the document's root value.
	OpPutText OpKind = iota + 1
	// OpPutBlob makes Data the document's root value.
	OpPutBlob
	// OpInsert inserts the runes of Text into text object Obj after element
	// Ref. The n-th rune gets the id StartOp+n of its op.
	OpInsert
	// OpDelete tombstones element Ref of text object Obj.
	OpDelete
)

// Op is one operation inside a change.
type Op struct {
	Kind OpKind
	Obj  OpID
	Ref  OpID
	Text string
	Data []byte
}

// width is the number of counters op consumes.
func (op Op) width() uint64 {
	if op.Kind == OpInsert {
		return uint64(utf8.RuneCountInString(op.Text))
	}
	return 1
}

// Change is an atomic, content-addressed group of operations by one actor.
// Its ops are numbered consecutively from StartOp.
type Change struct {
	Actor   ActorID
	Seq     uint64
	StartOp uint64
	Deps    []Hash
	Ops     []Op
}

// maxOp returns the last counter used by the change.
func (c *Change) maxOp() uint64 {
	n := c.StartOp
	for _, op := range c.Ops {
		n += op.width()
	}
	return n - 1
}

var errMalformed = errors.New("malformed encoding")

// Field numbers. They are part of the persisted format.
const (
	fChangeActor   protowire.Number = 1
	fChangeSeq     protowire.Number = 2
	fChangeStartOp protowire.Number = 3
	fChangeDep     protowire.Number = 4
	fChangeOp      protowire.Number = 5

	fOpKind protowire.Number = 1
	fOpObj  protowire.Number = 2
	fOpRef  protowire.Number = 3
	fOpText protowire.Number = 4
	fOpData protowire.Number = 5

	fIDCounter protowire.Number = 1
	fIDActor   protowire.Number = 2

	fBundleVersion protowire.Number = 1
	fBundleChange  protowire.Number = 2
)

const bundleVersion = 1

func encodeChange(c *Change) []byte {
	var b []byte
	b = protowire.AppendTag(b, fChangeActor, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Actor[:])
	b = protowire.AppendTag(b, fChangeSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, c.Seq)
	b = protowire.AppendTag(b, fChangeStartOp, protowire.VarintType)
	b = protowire.AppendVarint(b, c.StartOp)
	for _, d := range c.Deps {
		b = protowire.AppendTag(b, fChangeDep, protowire.BytesType)
		b = protowire.AppendBytes(b, d[:])
	}
	for i := range c.Ops {
		b = protowire.AppendTag(b, fChangeOp, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(&c.Ops[i]))
	}
	return b
}

func encodeOp(op *Op) []byte {
	var b []byte
	b = protowire.AppendTag(b, fOpKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(op.Kind))
	if !op.Obj.IsZero() {
		b = protowire.AppendTag(b, fOpObj, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOpID(op.Obj))
	}
	if !op.Ref.IsZero() {
		b = protowire.AppendTag(b, fOpRef, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOpID(op.Ref))
	}
	if op.Text != "" {
		b = protowire.AppendTag(b, fOpText, protowire.BytesType)
		b = protowire.AppendString(b, op.Text)
	}
	if len(op.Data) > 0 {
		b = protowire.AppendTag(b, fOpData, protowire.BytesType)
		b = protowire.AppendBytes(b, op.Data)
	}
	return b
}

func encodeOpID(id OpID) []byte {
	var b []byte
	b = protowire.AppendTag(b, fIDCounter, protowire.VarintType)
	b = protowire.AppendVarint(b, id.Counter)
	b = protowire.AppendTag(b, fIDActor, protowire.BytesType)
	return protowire.AppendBytes(b, id.Actor[:])
}

// fields walks the top-level fields of b, calling fn for each. Unknown fields
// are skipped by the callers.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errMalformed
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return errMalformed
		}
		b = b[n:]
		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func decodeChange(b []byte) (*Change, error) {
	c := &Change{}
	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case fChangeActor:
			if len(v) != len(c.Actor) {
				return fmt.Errorf("actor: %w", errMalformed)
			}
			copy(c.Actor[:], v)
		case fChangeSeq:
			c.Seq = x
		case fChangeStartOp:
			c.StartOp = x
		case fChangeDep:
			var h Hash
			if len(v) != len(h) {
				return fmt.Errorf("dep: %w", errMalformed)
			}
			copy(h[:], v)
			c.Deps = append(c.Deps, h)
		case fChangeOp:
			op, err := decodeOp(v)
			if err != nil {
				return err
			}
			c.Ops = append(c.Ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c.Seq == 0 || c.StartOp == 0 {
		return nil, fmt.Errorf("change header: %w", errMalformed)
	}
	return c, nil
}

func decodeOp(b []byte) (Op, error) {
	var op Op
	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		var err error
		switch num {
		case fOpKind:
			op.Kind = OpKind(x)
		case fOpObj:
			op.Obj, err = decodeOpID(v)
		case fOpRef:
			op.Ref, err = decodeOpID(v)
		case fOpText:
			if !utf8.Valid(v) {
				return fmt.Errorf("op text: %w", errMalformed)
			}
			op.Text = string(v)
		case fOpData:
			op.Data = append([]byte(nil), v...)
		}
		return err
	})
	if err != nil {
		return Op{}, err
	}
	if op.Kind < OpPutText || op.Kind > OpDelete {
		return Op{}, fmt.Errorf("op kind %d: %w", op.Kind, errMalformed)
	}
	return op, nil
}

func decodeOpID(b []byte) (OpID, error) {
	var id OpID
	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case fIDCounter:
			id.Counter = x
		case fIDActor:
			if len(v) != len(id.Actor) {
				return fmt.Errorf("op id actor: %w", errMalformed)
			}
			copy(id.Actor[:], v)
		}
		return nil
	})
	return id, err
}

// encodeBundle frames a causally ordered list of encoded changes.
func encodeBundle(raws [][]byte) []byte {
	var b []byte
	b = protowire.AppendTag(b, fBundleVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, bundleVersion)
	for _, r := range raws {
		b = protowire.AppendTag(b, fBundleChange, protowire.BytesType)
		b = protowire.AppendBytes(b, r)
	}
	return b
}

// decoded is a change together with its encoding and address.
type decoded struct {
	hash   Hash
	raw    []byte
	change *Change
}

func decodeBundle(b []byte) ([]decoded, error) {
	var (
		out     []decoded
		version uint64
	)
	err := fields(b, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case fBundleVersion:
			version = x
		case fBundleChange:
			c, err := decodeChange(v)
			if err != nil {
				return err
			}
			raw := append([]byte(nil), v...)
			out = append(out, decoded{hash: sha256.Sum256(raw), raw: raw, change: c})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if version != bundleVersion {
		return nil, fmt.Errorf("bundle version %d: %w", version, errMalformed)
	}
	return out, nil
}
