package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowrite/cowrite/internal/privilege"
	"github.com/cowrite/cowrite/internal/server"
	"github.com/cowrite/cowrite/internal/storage/local"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	t.Cleanup(func() {
		clientServer, clientUsername, tokenLevel = "", "", ""
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("COWRITE_JWT_SECRET", "s3cret")
	out, err := run(t, "", "token", "alice", "--privilege", "read")
	require.NoError(t, err)

	level, err := privilege.NewVerifier("s3cret").Verify(strings.TrimSpace(out), "alice")
	require.NoError(t, err)
	assert.Equal(t, privilege.ReadOnly, level)
}

func TestTokenCommandNeedsSecret(t *testing.T) {
	t.Setenv("COWRITE_JWT_SECRET", "")
	_, err := run(t, "", "token", "alice")
	assert.Error(t, err)
}

func TestClientCommands(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("one"), 0644))
	backend, err := local.New(local.Config{RootPath: root})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, err := server.New(ctx, server.Options{Backend: backend, DefaultPrivilege: privilege.ReadWrite})
	require.NoError(t, err)
	go srv.Run(ctx)
	ts := httptest.NewServer(srv.HTTPHandler())
	t.Cleanup(ts.Close)
	t.Setenv("COWRITE_SERVER_URL", "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")

	out, err := run(t, "", "tree", "-u", "lister")
	require.NoError(t, err)
	assert.Equal(t, "./a.txt\n", out)

	out, err = run(t, "", "cat", "./a.txt", "-u", "reader")
	require.NoError(t, err)
	assert.Equal(t, "one", out)

	_, err = run(t, "two", "put", "./a.txt", "-u", "writer")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(root, "a.txt"))
		return err == nil && string(data) == "two"
	}, 5*time.Second, 10*time.Millisecond)
}
