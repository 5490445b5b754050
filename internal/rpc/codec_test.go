package rpc

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowrite/cowrite/internal/crdt"
	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/privilege"
)

func heads(seeds ...byte) crdt.Heads {
	h := crdt.Heads{}
	for _, s := range seeds {
		var x crdt.Hash
		x[0], x[31] = s, s
		h = append(h, x)
	}
	return h
}

func TestRoundTrip(t *testing.T) {
	msgs := []Message{
		CreateFile{Path: "./a.txt"},
		DeleteFile{Path: "./a.txt"},
		MoveFile{Path: "./a.txt", NewPath: "./b/a.txt"},
		CreateDirectory{Path: "./d/"},
		DeleteDirectory{Path: "./d/"},
		MoveDirectory{Path: "./d/", NewPath: "./e/"},
		EditBuffer{Path: "./a.txt", Changes: []byte{1, 2, 3}, OldHeadIdx: 4, NewHeads: []crdt.Heads{heads(1, 2), heads()}},
		RequestReadBuffer{Path: "./a.txt"},
		ReadBuffer{Path: "./a.txt", Document: []byte("doc"), History: []crdt.Heads{heads(1), heads(2)}, HeadIdx: 1},
		RequestSaveFile{Path: "./a.txt"},
		FileSaved{Path: "./a.txt"},
		Undo{Path: "./a.txt"},
		Redo{Path: "./a.txt"},
		Hello{Username: "ann", Token: "tok"},
		Handshake{ConnID: "01H", Username: "ann", Privilege: privilege.ReadWrite, Files: []string{"./a"}, EmptyDirs: []string{"./d/"}},
		ChangePrivilege{Privilege: privilege.ReadOnly},
		Error{Code: fserr.Unauthorized, Path: "./a", Message: "read-only"},
		MoveCursor{Path: "./a.txt", Position: 17},
		CursorMoved{Path: "./a.txt", Position: 17, Username: "ann"},
	}
	for _, m := range msgs {
		t.Run(m.Kind().String(), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)
			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestErrorKeepsItsCode(t *testing.T) {
	m := ErrorFrom("./a.txt", fserr.E("create_file", "./a.txt", fserr.AlreadyExists, ""))
	assert.Equal(t, KindError, m.Kind())
	assert.Equal(t, fserr.AlreadyExists, m.Code)

	b, err := Encode(m)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	e, ok := got.(Error)
	require.True(t, ok)
	assert.Equal(t, fserr.AlreadyExists, e.Code)
	assert.ErrorIs(t, e.Err(), fserr.AlreadyExists)
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := Handshake{ConnID: "x", Username: "u", Privilege: privilege.ReadOnly, Files: []string{"./b", "./a"}}
	a, err := Encode(m)
	require.NoError(t, err)
	b, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestLargePayloadsAreCompressed(t *testing.T) {
	doc := []byte(strings.Repeat("all work and no play ", 1000))
	b, err := Encode(ReadBuffer{Path: "./big", Document: doc, History: []crdt.Heads{heads(1)}})
	require.NoError(t, err)
	assert.Less(t, len(b), len(doc)/4)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, doc, got.(ReadBuffer).Document)

	changes := bytes.Repeat([]byte{7, 7, 7, 1}, 1024)
	b, err = Encode(EditBuffer{Path: "./big", Changes: changes, NewHeads: []crdt.Heads{heads(3)}})
	require.NoError(t, err)
	assert.Less(t, len(b), len(changes))
	got, err = Decode(b)
	require.NoError(t, err)
	assert.Equal(t, changes, got.(EditBuffer).Changes)
}

func TestIncompressiblePayloadIsSentRaw(t *testing.T) {
	doc := make([]byte, 8<<10)
	rand.New(rand.NewSource(1)).Read(doc)
	b, err := Encode(ReadBuffer{Path: "./rand", Document: doc, History: []crdt.Heads{heads(1)}})
	require.NoError(t, err)
	f, err := unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, f.compression)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := map[string][]byte{
		"empty":        nil,
		"truncated":    {0x08},
		"unknown kind": {0x08, 0x7f},
		"bad heads":    append([]byte{0x08, byte(KindEditBuffer), 0x32, 0x03}, 1, 2, 3),
	}
	for name, b := range tests {
		_, err := Decode(b)
		assert.ErrorIs(t, err, fserr.InvalidData, name)
	}
}

func TestEncodeRejectsNegativeIndexes(t *testing.T) {
	_, err := Encode(EditBuffer{Path: "./a", OldHeadIdx: -1})
	assert.ErrorIs(t, err, fserr.InvalidInput)
	_, err = Encode(MoveCursor{Path: "./a", Position: -2})
	assert.ErrorIs(t, err, fserr.InvalidInput)
}

func TestPathOf(t *testing.T) {
	assert.Equal(t, "./x", PathOf(MoveFile{Path: "./x", NewPath: "./y"}))
	assert.Equal(t, "", PathOf(Hello{Username: "u"}))
}
