package privilege

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowrite/cowrite/internal/fserr"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"read", ReadOnly, false},
		{"read-only", ReadOnly, false},
		{"write", ReadWrite, false},
		{"readwrite", ReadWrite, false},
		{"admin", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseLevel(%q)", tt.in)
			continue
		}
		require.NoError(t, err, "ParseLevel(%q)", tt.in)
		assert.Equal(t, tt.want, got, "ParseLevel(%q)", tt.in)
	}
}

func TestLevelRoundTrip(t *testing.T) {
	for _, l := range []Level{ReadOnly, ReadWrite} {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	assert.False(t, ReadOnly.CanWrite())
	assert.True(t, ReadWrite.CanWrite())
	assert.False(t, Level(0).Valid(), "zero level must be invalid")
	assert.False(t, Level(3).Valid(), "unknown level must be invalid")
}

func TestMemoryStoreResolve(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(map[string]Level{"alice": ReadOnly})

	l, err := Resolve(ctx, s, "alice", ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, ReadOnly, l)
	l, err = Resolve(ctx, s, "bob", ReadWrite)
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, l, "unknown users get the default")
	_, err = s.Lookup(ctx, "bob")
	assert.ErrorIs(t, err, fserr.NotFound)

	require.NoError(t, s.Set(ctx, "bob", ReadOnly))
	l, _ = s.Lookup(ctx, "bob")
	assert.Equal(t, ReadOnly, l)
	assert.ErrorIs(t, s.Set(ctx, "bob", Level(9)), fserr.InvalidInput)
}

func TestVerifier(t *testing.T) {
	v := NewVerifier("secret")
	token, err := v.Issue("alice", ReadWrite, time.Hour)
	require.NoError(t, err)

	l, err := v.Verify(token, "alice")
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, l)

	tests := []struct {
		name     string
		verifier *Verifier
		token    string
		user     string
	}{
		{"missing token", v, "", "alice"},
		{"other user", v, token, "mallory"},
		{"wrong secret", NewVerifier("other"), token, "alice"},
		{"garbage", v, "not.a.jwt", "alice"},
	}
	for _, tt := range tests {
		_, err := tt.verifier.Verify(tt.token, tt.user)
		assert.ErrorIs(t, err, fserr.Unauthorized, tt.name)
	}

	expired, _ := v.Issue("alice", ReadWrite, -time.Minute)
	_, err = v.Verify(expired, "alice")
	assert.ErrorIs(t, err, fserr.Unauthorized, "expired token")
}

func TestVerifierWithoutLevel(t *testing.T) {
	v := NewVerifier("secret")
	token, _ := v.Issue("alice", 0, time.Hour)
	l, err := v.Verify(token, "alice")
	require.NoError(t, err)
	assert.Equal(t, Level(0), l)
}

func TestDisabledVerifier(t *testing.T) {
	v := NewVerifier("")
	require.False(t, v.Enabled(), "empty secret must disable tokens")
	l, err := v.Verify("", "alice")
	require.NoError(t, err)
	assert.Equal(t, Level(0), l)
}
