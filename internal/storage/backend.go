// Package storage defines the working-tree backends the server reads files
// from and writes them back to.
package storage

import (
	"context"
	"time"

	"github.com/cowrite/cowrite/internal/metrics"
)

// Backend is a working tree addressed by index paths ("./a/b.txt" for files,
// "./a/" for directories).
type Backend interface {
	// Scan lists every file and every directory with nothing below it.
	Scan(ctx context.Context) (files, emptyDirs []string, err error)

	// ReadFile returns the full content of a file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces the content of a file, creating it if needed.
	WriteFile(ctx context.Context, path string, data []byte) error

	// CreateFile creates an empty file. It fails if the file exists.
	CreateFile(ctx context.Context, path string) error

	// RemoveFile deletes a file. Removing a missing file is not an error.
	RemoveFile(ctx context.Context, path string) error

	// Rename moves a file or a directory with everything below it.
	Rename(ctx context.Context, oldPath, newPath string) error

	// MakeDir creates a directory and any missing parents.
	MakeDir(ctx context.Context, path string) error

	// RemoveDir deletes a directory with everything below it.
	RemoveDir(ctx context.Context, path string) error

	// Type returns the backend type identifier (e.g. "s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Instrumented wraps b so every call is recorded in the storage metrics.
func Instrumented(b Backend) Backend {
	return &instrumented{next: b}
}

type instrumented struct {
	next Backend
}

func (i *instrumented) record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(i.next.Type(), op, time.Since(start), err == nil)
}

func (i *instrumented) Scan(ctx context.Context) (files, emptyDirs []string, err error) {
	defer func(start time.Time) { i.record("scan", start, err) }(time.Now())
	return i.next.Scan(ctx)
}

func (i *instrumented) ReadFile(ctx context.Context, path string) (data []byte, err error) {
	defer func(start time.Time) { i.record("read", start, err) }(time.Now())
	return i.next.ReadFile(ctx, path)
}

func (i *instrumented) WriteFile(ctx context.Context, path string, data []byte) (err error) {
	defer func(start time.Time) { i.record("write", start, err) }(time.Now())
	return i.next.WriteFile(ctx, path, data)
}

func (i *instrumented) CreateFile(ctx context.Context, path string) (err error) {
	defer func(start time.Time) { i.record("create", start, err) }(time.Now())
	return i.next.CreateFile(ctx, path)
}

func (i *instrumented) RemoveFile(ctx context.Context, path string) (err error) {
	defer func(start time.Time) { i.record("remove", start, err) }(time.Now())
	return i.next.RemoveFile(ctx, path)
}

func (i *instrumented) Rename(ctx context.Context, oldPath, newPath string) (err error) {
	defer func(start time.Time) { i.record("rename", start, err) }(time.Now())
	return i.next.Rename(ctx, oldPath, newPath)
}

func (i *instrumented) MakeDir(ctx context.Context, path string) (err error) {
	defer func(start time.Time) { i.record("mkdir", start, err) }(time.Now())
	return i.next.MakeDir(ctx, path)
}

func (i *instrumented) RemoveDir(ctx context.Context, path string) (err error) {
	defer func(start time.Time) { i.record("rmdir", start, err) }(time.Now())
	return i.next.RemoveDir(ctx, path)
}

func (i *instrumented) Type() string { return i.next.Type() }

func (i *instrumented) Close() error { return i.next.Close() }
