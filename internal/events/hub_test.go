package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/privilege"
)

func receive(t *testing.T, s *Subscriber) []byte {
	t.Helper()
	select {
	case f := <-s.Out():
		return f
	case <-time.After(time.Second):
		require.FailNow(t, "timed out waiting for frame", s.Username())
		return nil
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	h := NewHub(4)

	a, err := h.Register("alice", privilege.ReadWrite)
	require.NoError(t, err)
	b, err := h.Register("bob", privilege.ReadOnly)
	require.NoError(t, err)
	require.NotEqual(t, a.ID(), b.ID(), "connection ids must differ")
	require.Equal(t, 2, h.Count())

	h.Unregister(a.ID())
	require.Equal(t, 1, h.Count())
	select {
	case <-a.Done():
	default:
		t.Error("unregistered subscriber should be done")
	}
	h.Unregister(a.ID())
	assert.Equal(t, []string{"bob"}, h.Usernames())
}

func TestHubRejectsDuplicateUsername(t *testing.T) {
	h := NewHub(4)
	_, err := h.Register("alice", privilege.ReadWrite)
	require.NoError(t, err)
	_, err = h.Register("alice", privilege.ReadWrite)
	assert.Equal(t, fserr.AlreadyExists, fserr.KindOf(err))
	_, err = h.Register("", privilege.ReadWrite)
	assert.Equal(t, fserr.InvalidInput, fserr.KindOf(err))
}

func TestHubPublishPreservesOrder(t *testing.T) {
	h := NewHub(8)
	a, _ := h.Register("alice", privilege.ReadWrite)
	b, _ := h.Register("bob", privilege.ReadWrite)

	for _, f := range []string{"one", "two", "three"} {
		h.Publish([]byte(f), "edit_buffer")
	}
	for _, s := range []*Subscriber{a, b} {
		for _, want := range []string{"one", "two", "three"} {
			assert.Equal(t, want, string(receive(t, s)), s.Username())
		}
	}
}

func TestHubSendIsUnicast(t *testing.T) {
	h := NewHub(4)
	a, _ := h.Register("alice", privilege.ReadWrite)
	b, _ := h.Register("bob", privilege.ReadWrite)

	require.NoError(t, h.Send(a.ID(), []byte("only alice")))
	assert.Equal(t, "only alice", string(receive(t, a)))
	select {
	case f := <-b.Out():
		t.Errorf("bob received %q", f)
	default:
	}

	assert.Equal(t, fserr.NotConnected, fserr.KindOf(h.Send("missing", nil)))
}

func TestHubEvictsSlowConsumer(t *testing.T) {
	h := NewHub(2)
	slow, _ := h.Register("slow", privilege.ReadWrite)
	fast, _ := h.Register("fast", privilege.ReadWrite)

	for i := 0; i < 3; i++ {
		h.Publish([]byte{byte(i)}, "create_file")
		receive(t, fast)
	}

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		require.FailNow(t, "slow consumer was not evicted")
	}
	_, ok := h.Get(slow.ID())
	assert.False(t, ok, "evicted subscriber still registered")
	_, ok = h.Get(fast.ID())
	assert.True(t, ok, "fast subscriber should stay registered")

	// The name is free again once the slow connection is gone.
	_, err := h.Register("slow", privilege.ReadWrite)
	assert.NoError(t, err)
}

func TestHubSetPrivilegeAndClose(t *testing.T) {
	h := NewHub(4)
	a, _ := h.Register("alice", privilege.ReadOnly)

	s, ok := h.SetPrivilege("alice", privilege.ReadWrite)
	require.True(t, ok)
	require.Same(t, a, s)
	assert.Equal(t, privilege.ReadWrite, a.Privilege())
	_, ok = h.SetPrivilege("nobody", privilege.ReadWrite)
	assert.False(t, ok, "SetPrivilege on unknown user should fail")

	require.True(t, h.Close("alice"))
	assert.False(t, h.Close("alice"), "second Close should report false")
	assert.Equal(t, 0, h.Count())
}
