package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowrite/cowrite/internal/fserr"
)

// operations returns the recorded count for one local storage operation.
func operations(t *testing.T, op, status string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "cowrite_storage_operations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["backend"] == "local" && labels["operation"] == op && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNewBackendFromConfig(t *testing.T) {
	root := t.TempDir()
	raw, err := json.Marshal(map[string]any{"root_path": root})
	require.NoError(t, err)

	b, err := NewBackendFromConfig(context.Background(), "local", raw)
	require.NoError(t, err)
	assert.Equal(t, "local", b.Type())
	require.NoError(t, b.Close())

	_, err = NewBackendFromConfig(context.Background(), "smb", raw)
	assert.Error(t, err)
}

func TestInstrumentedRecordsOperations(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	raw, _ := json.Marshal(map[string]any{"root_path": root})
	inner, err := NewBackendFromConfig(ctx, "local", raw)
	require.NoError(t, err)
	b := Instrumented(inner)
	assert.Equal(t, "local", b.Type())

	okBefore := operations(t, "create", "success")
	errBefore := operations(t, "read", "error")

	require.NoError(t, b.CreateFile(ctx, "./a.txt"))
	require.NoError(t, b.WriteFile(ctx, "./a.txt", []byte("x")))
	_, err = b.ReadFile(ctx, "./missing")
	assert.ErrorIs(t, err, fserr.NotFound)

	assert.Equal(t, okBefore+1, operations(t, "create", "success"))
	assert.Equal(t, errBefore+1, operations(t, "read", "error"))

	data, err := os.ReadFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))

	files, dirs, err := b.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"./a.txt"}, files)
	assert.Empty(t, dirs)
}
