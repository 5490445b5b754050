package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowrite/cowrite/internal/fserr"
)

func textDoc(t *testing.T, text string) *Doc {
	t.Helper()
	d := New(NewActorID())
	require.NoError(t, d.PutText(text))
	return d
}

// changesOf returns the changes of d in application order.
func changesOf(d *Doc) []Change {
	out := make([]Change, len(d.order))
	for i, x := range d.order {
		out[i] = *d.changes[x].change
	}
	return out
}

func TestSpliceAndContent(t *testing.T) {
	d := textDoc(t, "hello world")
	require.NoError(t, d.Splice(5, 6, ", there"))
	assert.Equal(t, "hello, there", d.Content().Text)
	require.NoError(t, d.Splice(0, 0, ">"))
	assert.Equal(t, ">hello, there", d.Content().Text)
	assert.Len(t, []rune(d.Content().Text), 13)

	assert.ErrorIs(t, d.Splice(-1, 0, "x"), fserr.InvalidInput)
	assert.ErrorIs(t, d.Splice(0, -1, ""), fserr.InvalidInput)
	assert.ErrorIs(t, d.Splice(10, 10, ""), fserr.InvalidInput)
}

func TestSpliceCountsRunes(t *testing.T) {
	d := textDoc(t, "héllo")
	require.NoError(t, d.Splice(1, 1, "e"))
	assert.Equal(t, "hello", d.Content().Text)
}

func TestContentAtHistoricalHeads(t *testing.T) {
	d := textDoc(t, "ab")
	v1 := d.Heads()
	require.NoError(t, d.Splice(2, 0, "c"))
	v2 := d.Heads()

	c, err := d.ContentAt(v1)
	require.NoError(t, err)
	assert.Equal(t, "ab", c.Text)
	c, err = d.ContentAt(v2)
	require.NoError(t, err)
	assert.Equal(t, "abc", c.Text)

	_, err = d.ContentAt(Heads{Hash{1}})
	assert.ErrorIs(t, err, fserr.NotFound)
}

func TestForkAtDropsLaterChanges(t *testing.T) {
	d := textDoc(t, "x")
	base := d.Heads()
	require.NoError(t, d.Splice(1, 0, "y"))

	f, err := d.ForkAt(base)
	require.NoError(t, err)
	assert.Equal(t, "x", f.Content().Text)
	assert.True(t, f.Heads().Equal(base))
	assert.Equal(t, 1, f.Len())
	assert.Equal(t, "xy", d.Content().Text)

	// The fork never reuses op ids already spent by the original.
	require.NoError(t, f.Splice(1, 0, "z"))
	assert.Greater(t, changesOf(f)[1].StartOp, changesOf(d)[1].StartOp)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	d := textDoc(t, "one")
	require.NoError(t, d.Splice(3, 0, " two"))

	loaded, err := Load(NewActorID(), d.Save())
	require.NoError(t, err)
	assert.Equal(t, "one two", loaded.Content().Text)
	assert.True(t, loaded.Heads().Equal(d.Heads()))
}

func TestConcurrentEditsConverge(t *testing.T) {
	a := textDoc(t, "base")
	b, err := Load(NewActorID(), a.Save())
	require.NoError(t, err)
	base := a.Heads()

	require.NoError(t, a.Splice(4, 0, "-a"))
	require.NoError(t, b.Splice(4, 0, "-b"))
	require.NoError(t, b.Splice(0, 1, "B"))

	fromA, err := a.SaveAfter(base)
	require.NoError(t, err)
	fromB, err := b.SaveAfter(base)
	require.NoError(t, err)

	require.NoError(t, a.LoadIncremental(fromB))
	require.NoError(t, b.LoadIncremental(fromA))

	assert.Equal(t, a.Content().Text, b.Content().Text)
	assert.True(t, a.Heads().Equal(b.Heads()))
	assert.Len(t, a.Heads(), 2)
	assert.Contains(t, []string{"Base-a-b", "Base-b-a"}, a.Content().Text)
}

func TestLoadIncrementalIsIdempotent(t *testing.T) {
	a := textDoc(t, "q")
	b, err := Load(NewActorID(), a.Save())
	require.NoError(t, err)
	require.NoError(t, a.Splice(1, 0, "r"))
	delta, err := a.SaveAfter(b.Heads())
	require.NoError(t, err)

	require.NoError(t, b.LoadIncremental(delta))
	require.NoError(t, b.LoadIncremental(delta))
	assert.Equal(t, "qr", b.Content().Text)
	assert.Equal(t, 2, b.Len())
}

func TestLoadRejectsCorruptOrOrphanedChanges(t *testing.T) {
	d := textDoc(t, "z")
	heads := d.Heads()
	assert.ErrorIs(t, d.LoadIncremental([]byte{0xff, 0xff, 0xff}), fserr.InvalidData)

	src := textDoc(t, "other")
	require.NoError(t, src.Splice(0, 0, "x"))
	orphan, err := src.SaveAfter(Heads{changesOf(src)[0].hash(t)})
	require.NoError(t, err)
	assert.ErrorIs(t, d.LoadIncremental(orphan), fserr.InvalidData)

	assert.True(t, d.Heads().Equal(heads))
	assert.Equal(t, "z", d.Content().Text)
}

// hash recomputes the address of a change built by this package.
func (c Change) hash(t *testing.T) Hash {
	t.Helper()
	batch, err := decodeBundle(encodeBundle([][]byte{encodeChange(&c)}))
	require.NoError(t, err)
	return batch[0].hash
}

func TestRootIsLastWriterWins(t *testing.T) {
	a := textDoc(t, "text")
	b, err := Load(NewActorID(), a.Save())
	require.NoError(t, err)
	base := a.Heads()

	require.NoError(t, a.PutBlob([]byte{0, 1, 2}))
	require.NoError(t, b.Splice(0, 0, "more "))

	fromA, err := a.SaveAfter(base)
	require.NoError(t, err)
	fromB, err := b.SaveAfter(base)
	require.NoError(t, err)
	require.NoError(t, a.LoadIncremental(fromB))
	require.NoError(t, b.LoadIncremental(fromA))

	assert.Equal(t, a.Content(), b.Content())
	assert.Equal(t, ValueBlob, a.Content().Kind)
	assert.ErrorIs(t, a.Splice(0, 0, "x"), fserr.InvalidData)
}

func TestUpdateTextDiffsToOneChange(t *testing.T) {
	d := textDoc(t, "the quick fox")
	require.NoError(t, d.UpdateText("the slow fox"))
	assert.Equal(t, "the slow fox", d.Content().Text)
	assert.Equal(t, 2, d.Len())

	require.NoError(t, d.UpdateText("the slow fox"))
	assert.Equal(t, 2, d.Len(), "no-op update must not add a change")
}

func TestDiff(t *testing.T) {
	tests := []struct {
		prev, next string
		pos, del   int
		ins        string
	}{
		{"abc", "abc", 3, 0, ""},
		{"abc", "abXc", 2, 0, "X"},
		{"abc", "ac", 1, 1, ""},
		{"", "new", 0, 0, "new"},
		{"aaa", "aa", 2, 1, ""},
	}
	for _, tt := range tests {
		pos, del, ins := diff([]rune(tt.prev), []rune(tt.next))
		assert.Equal(t, tt.pos, pos, "%q->%q", tt.prev, tt.next)
		assert.Equal(t, tt.del, del, "%q->%q", tt.prev, tt.next)
		assert.Equal(t, tt.ins, ins, "%q->%q", tt.prev, tt.next)
	}
}
