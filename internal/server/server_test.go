package server_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowrite/cowrite/internal/client"
	"github.com/cowrite/cowrite/internal/document"
	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/privilege"
	"github.com/cowrite/cowrite/internal/retry"
	"github.com/cowrite/cowrite/internal/rpc"
	"github.com/cowrite/cowrite/internal/server"
	"github.com/cowrite/cowrite/internal/storage"
	"github.com/cowrite/cowrite/internal/storage/local"
	"github.com/cowrite/cowrite/internal/transport"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type fixture struct {
	t       *testing.T
	ctx     context.Context
	root    string
	backend *local.LocalBackend
	server  *server.Server
}

// newFixture starts a server over a temporary working tree holding files.
func newFixture(t *testing.T, files map[string]string, mutate func(*server.Options)) *fixture {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0644))
	}
	backend, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)

	opts := server.Options{
		Backend:          storage.Instrumented(backend),
		DefaultPrivilege: privilege.ReadWrite,
		LoadTimeout:      time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s, err := server.New(ctx, opts)
	require.NoError(t, err)
	go s.Run(ctx)
	return &fixture{t: t, ctx: ctx, root: backend.Root(), backend: backend, server: s}
}

func (f *fixture) dial(hello rpc.Hello) (*client.Client, error) {
	serverSide, clientSide := transport.Pipe()
	go f.server.Accept(f.ctx, serverSide)
	return client.Connect(f.ctx, clientSide, hello)
}

func (f *fixture) connect(name string) *client.Client {
	f.t.Helper()
	c, err := f.dial(rpc.Hello{Username: name})
	require.NoError(f.t, err)
	go c.Run(f.ctx)
	return c
}

func text(c *client.Client, path string) string {
	content, err := c.ReadFile(path)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return content.Text
}

func (f *fixture) serverText(path string) string {
	content, err := f.server.ReadFile(f.ctx, path)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return content.Text
}

func TestHandshakeCarriesSnapshot(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a", "src/main.go": "package main"}, nil)

	c := f.connect("alice")
	files, dirs := c.Snapshot()
	assert.Equal(t, []string{"./a.txt", "./src/main.go"}, files)
	assert.Empty(t, dirs)
	assert.Equal(t, "alice", c.Username())
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, privilege.ReadWrite, c.Privilege())
	assert.Equal(t, []string{"alice"}, f.server.Connections())
}

func TestDuplicateUsernameRejected(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.connect("alice")

	_, err := f.dial(rpc.Hello{Username: "alice"})
	assert.ErrorIs(t, err, fserr.AlreadyExists)

	_, err = f.dial(rpc.Hello{})
	assert.ErrorIs(t, err, fserr.InvalidInput)
}

func TestStructuralChangesReachEveryReplica(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"}, nil)
	alice := f.connect("alice")
	bob := f.connect("bob")
	ctx := f.ctx

	require.NoError(t, alice.CreateDirectory(ctx, "./docs/"))
	require.NoError(t, alice.MoveFile(ctx, "./a.txt", "./docs/a.txt"))
	require.NoError(t, bob.CreateFile(ctx, "./b.txt"))

	want := []string{"./b.txt", "./docs/a.txt"}
	for _, c := range []*client.Client{alice, bob} {
		require.Eventually(t, func() bool {
			files, dirs := c.Snapshot()
			return assert.ObjectsAreEqual(want, files) && len(dirs) == 0
		}, waitFor, tick, c.Username())
	}
	files, _ := f.server.Snapshot()
	assert.Equal(t, want, files)
	assert.FileExists(t, filepath.Join(f.root, "docs", "a.txt"))
	assert.FileExists(t, filepath.Join(f.root, "b.txt"))
}

func TestConcurrentEditsConverge(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "hello"}, nil)
	alice := f.connect("alice")
	bob := f.connect("bob")
	ctx := f.ctx

	require.NoError(t, alice.Fetch(ctx, "./a.txt"))
	require.NoError(t, bob.Fetch(ctx, "./a.txt"))
	assert.Equal(t, "hello", text(alice, "./a.txt"))

	// Both edit against the same anchor.
	require.NoError(t, alice.Edit(ctx, "./a.txt", document.Splice{Pos: 5, Text: " world"}))
	require.NoError(t, bob.Edit(ctx, "./a.txt", document.Splice{Pos: 0, Text: ">> "}))

	// A structural change from each client is committed after its edit;
	// once both are visible everywhere, every echo has been applied.
	require.NoError(t, alice.CreateFile(ctx, "./barrier-alice"))
	require.NoError(t, bob.CreateFile(ctx, "./barrier-bob"))
	for _, c := range []*client.Client{alice, bob} {
		require.Eventually(t, func() bool {
			files, _ := c.Snapshot()
			return strings.Contains(strings.Join(files, ","), "./barrier-alice") &&
				strings.Contains(strings.Join(files, ","), "./barrier-bob")
		}, waitFor, tick)
	}

	final := f.serverText("./a.txt")
	assert.Contains(t, []string{"hello world", ">> hello"}, final)
	assert.Equal(t, final, text(alice, "./a.txt"))
	assert.Equal(t, final, text(bob, "./a.txt"))
}

func TestSequentialEditsAndUndo(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "hello"}, nil)
	alice := f.connect("alice")
	bob := f.connect("bob")
	ctx := f.ctx
	require.NoError(t, alice.Fetch(ctx, "./a.txt"))
	require.NoError(t, bob.Fetch(ctx, "./a.txt"))

	require.NoError(t, alice.Edit(ctx, "./a.txt", document.Splice{Pos: 5, Text: " world"}))
	require.Eventually(t, func() bool { return text(bob, "./a.txt") == "hello world" }, waitFor, tick)

	require.NoError(t, bob.Edit(ctx, "./a.txt", document.Splice{Pos: 0, Del: 1, Text: "J"}))
	require.Eventually(t, func() bool { return text(alice, "./a.txt") == "Jello world" }, waitFor, tick)
	require.Eventually(t, func() bool { return f.serverText("./a.txt") == "Jello world" }, waitFor, tick)

	// Undo only moves the local cursor; the other replica keeps its view.
	require.NoError(t, alice.Undo(ctx, "./a.txt"))
	assert.Equal(t, "hello world", text(alice, "./a.txt"))
	assert.Equal(t, "Jello world", text(bob, "./a.txt"))
	require.NoError(t, alice.Redo(ctx, "./a.txt"))
	assert.Equal(t, "Jello world", text(alice, "./a.txt"))
}

func TestSaveWritesToDisk(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "v1"}, nil)
	alice := f.connect("alice")
	ctx := f.ctx

	require.NoError(t, alice.Fetch(ctx, "./a.txt"))
	require.NoError(t, alice.Edit(ctx, "./a.txt", document.ReplaceAll("v2")))
	require.NoError(t, alice.Save(ctx, "./a.txt"))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(f.root, "a.txt"))
		return err == nil && string(data) == "v2"
	}, waitFor, tick)
}

func TestServerEditsBroadcast(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "abc"}, nil)
	alice := f.connect("alice")
	ctx := f.ctx
	require.NoError(t, alice.Fetch(ctx, "./a.txt"))

	require.NoError(t, f.server.Edit(ctx, "./a.txt", document.Splice{Pos: 3, Text: "def"}))
	require.Eventually(t, func() bool { return text(alice, "./a.txt") == "abcdef" }, waitFor, tick)

	require.NoError(t, f.server.Undo(ctx, "./a.txt"))
	assert.Equal(t, "abc", f.serverText("./a.txt"))
	require.NoError(t, f.server.Save(ctx, "./a.txt"))
	data, err := os.ReadFile(filepath.Join(f.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
	require.NoError(t, f.server.Redo(ctx, "./a.txt"))
	assert.Equal(t, "abcdef", f.serverText("./a.txt"))
}

func TestReadOnlyClientAndPrivilegeChange(t *testing.T) {
	store := privilege.NewMemoryStore(map[string]privilege.Level{"bob": privilege.ReadOnly})
	f := newFixture(t, map[string]string{"a.txt": "a"}, func(o *server.Options) { o.Privileges = store })
	bob := f.connect("bob")
	ctx := f.ctx

	assert.Equal(t, privilege.ReadOnly, bob.Privilege())
	assert.ErrorIs(t, bob.CreateFile(ctx, "./x"), fserr.Unauthorized)
	require.NoError(t, bob.Fetch(ctx, "./a.txt"))
	assert.ErrorIs(t, bob.Edit(ctx, "./a.txt", document.ReplaceAll("b")), fserr.Unauthorized)

	require.NoError(t, f.server.ChangePrivilege(ctx, "bob", privilege.ReadWrite))
	require.Eventually(t, func() bool { return bob.Privilege() == privilege.ReadWrite }, waitFor, tick)
	level, err := store.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, privilege.ReadWrite, level)

	require.NoError(t, bob.CreateFile(ctx, "./x"))
	require.Eventually(t, func() bool {
		files, _ := f.server.Snapshot()
		return assert.ObjectsAreEqual([]string{"./a.txt", "./x"}, files)
	}, waitFor, tick)
}

func TestCursorPresence(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "abc"}, nil)
	alice := f.connect("alice")
	bob := f.connect("bob")

	require.NoError(t, alice.MoveCursor(f.ctx, "./a.txt", 2))
	require.Eventually(t, func() bool {
		return bob.Cursors()["alice"] == client.Cursor{Path: "./a.txt", Position: 2}
	}, waitFor, tick)
	assert.NotContains(t, alice.Cursors(), "alice")
}

func TestFetchMissingFile(t *testing.T) {
	f := newFixture(t, nil, nil)
	alice := f.connect("alice")
	assert.ErrorIs(t, alice.Fetch(f.ctx, "./nope"), fserr.NotFound)
	_, err := alice.ReadFile("./nope")
	assert.ErrorIs(t, err, fserr.NotFound)
}

func TestCloseConnection(t *testing.T) {
	f := newFixture(t, nil, nil)
	serverSide, clientSide := transport.Pipe()
	go f.server.Accept(f.ctx, serverSide)
	alice, err := client.Connect(f.ctx, clientSide, rpc.Hello{Username: "alice"})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- alice.Run(f.ctx) }()

	assert.True(t, f.server.CloseConnection("alice"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("client did not notice the closed connection")
	}
	require.Eventually(t, func() bool { return len(f.server.Connections()) == 0 }, waitFor, tick)
	assert.ErrorIs(t, alice.Fetch(f.ctx, "./x"), fserr.NotConnected)
}

func TestTokenAuthentication(t *testing.T) {
	verifier := privilege.NewVerifier("test-secret")
	f := newFixture(t, nil, func(o *server.Options) { o.Verifier = verifier })

	_, err := f.dial(rpc.Hello{Username: "alice"})
	assert.ErrorIs(t, err, fserr.Unauthorized)

	token, err := verifier.Issue("alice", privilege.ReadOnly, time.Hour)
	require.NoError(t, err)
	_, err = f.dial(rpc.Hello{Username: "mallory", Token: token})
	assert.ErrorIs(t, err, fserr.Unauthorized)

	c, err := f.dial(rpc.Hello{Username: "alice", Token: token})
	require.NoError(t, err)
	assert.Equal(t, privilege.ReadOnly, c.Privilege())
}

func TestWatcherReplaysExternalChanges(t *testing.T) {
	f := newFixture(t, map[string]string{"old.txt": "x"}, nil)
	w, err := f.server.Watch(f.ctx, f.backend)
	require.NoError(t, err)
	t.Cleanup(w.Stop)
	alice := f.connect("alice")

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "new.txt"), []byte("n"), 0644))
	require.NoError(t, os.Remove(filepath.Join(f.root, "old.txt")))
	require.NoError(t, os.Mkdir(filepath.Join(f.root, "dir"), 0755))

	require.Eventually(t, func() bool {
		files, dirs := alice.Snapshot()
		return assert.ObjectsAreEqual([]string{"./new.txt"}, files) &&
			assert.ObjectsAreEqual([]string{"./dir/"}, dirs)
	}, waitFor, tick)

	// Changes the server makes itself are not replayed twice.
	require.NoError(t, alice.CreateFile(f.ctx, "./dir/own.txt"))
	require.Eventually(t, func() bool {
		files, dirs := f.server.Snapshot()
		return assert.ObjectsAreEqual([]string{"./dir/own.txt", "./new.txt"}, files) && len(dirs) == 0
	}, waitFor, tick)
}

func TestWebsocketEndpoint(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "hi"}, nil)
	ts := httptest.NewServer(f.server.HTTPHandler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	c, err := client.Dial(f.ctx, url, rpc.Hello{Username: "alice"}, retry.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	go c.Run(f.ctx)

	require.NoError(t, c.Fetch(f.ctx, "./a.txt"))
	assert.Equal(t, "hi", text(c, "./a.txt"))
}
