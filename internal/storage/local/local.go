// Package local provides a local filesystem working-tree backend.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/pathindex"
)

// TempPrefix starts the name of every temporary file the backend writes.
// Scan and the watcher ignore such files.
const TempPrefix = ".cowrite-"

// DefaultIgnore lists names whose subtrees are kept out of the index.
var DefaultIgnore = []string{".git", ".idea", "*.swp", "*~"}

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `json:"root_path" yaml:"root_path"`
	CreateDirs bool   `json:"create_dirs" yaml:"create_dirs"`
	// Ignore holds names or glob patterns matched against each entry's base
	// name. Nil selects DefaultIgnore.
	Ignore []string `json:"ignore,omitempty" yaml:"ignore"`
}

// LocalBackend implements storage.Backend using the local filesystem.
type LocalBackend struct {
	rootPath string
	ignore   []string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	// Ensure root exists
	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}
	ignore := cfg.Ignore
	if ignore == nil {
		ignore = DefaultIgnore
	}
	return &LocalBackend{rootPath: root, ignore: ignore}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Root returns the absolute directory the backend serves.
func (b *LocalBackend) Root() string { return b.rootPath }

// IsTemp reports whether name is one of the backend's temporary files.
func IsTemp(name string) bool {
	return strings.HasPrefix(name, TempPrefix) && strings.HasSuffix(name, ".tmp")
}

// Ignored reports whether an entry called name, and everything below it, is
// kept out of the index.
func (b *LocalBackend) Ignored(name string) bool {
	if IsTemp(name) {
		return true
	}
	for _, pattern := range b.ignore {
		if name == pattern {
			return true
		}
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// fullPath maps an index path onto the filesystem. Paths that would leave the
// root are rejected.
func (b *LocalBackend) fullPath(op, p string) (string, error) {
	if !strings.HasPrefix(p, pathindex.Root) {
		return "", fserr.E(op, p, fserr.InvalidInput, "path must start with ./")
	}
	rel := strings.TrimSuffix(strings.TrimPrefix(p, pathindex.Root), "/")
	if rel == "" {
		return b.rootPath, nil
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fserr.E(op, p, fserr.InvalidInput, "path must not contain empty, . or .. segments")
		}
	}
	return filepath.Join(b.rootPath, filepath.FromSlash(rel)), nil
}

// IndexPath maps a filesystem path below the root back onto an index path.
func (b *LocalBackend) IndexPath(full string, isDir bool) (string, bool) {
	rel, err := filepath.Rel(b.rootPath, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	p := pathindex.Root + filepath.ToSlash(rel)
	if isDir {
		p += "/"
	}
	return p, true
}

// Scan walks the root. Directories count as empty when they hold neither
// files nor subdirectories; a directory holding only empty subdirectories is
// covered by them.
func (b *LocalBackend) Scan(ctx context.Context) ([]string, []string, error) {
	var files, dirs []string
	occupied := make(map[string]bool)

	err := filepath.WalkDir(b.rootPath, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if full == b.rootPath {
			return nil
		}
		if b.Ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		switch {
		case d.IsDir():
			p, _ := b.IndexPath(full, true)
			dirs = append(dirs, p)
			occupied[pathindex.Parent(p)] = true
		case d.Type().IsRegular():
			p, _ := b.IndexPath(full, false)
			files = append(files, p)
			occupied[pathindex.Parent(p)] = true
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", b.rootPath, err)
	}

	var emptyDirs []string
	for _, d := range dirs {
		if !occupied[d] {
			emptyDirs = append(emptyDirs, d)
		}
	}
	sort.Strings(files)
	sort.Strings(emptyDirs)
	return files, emptyDirs, nil
}

// ReadFile reads a whole file.
func (b *LocalBackend) ReadFile(_ context.Context, p string) ([]byte, error) {
	full, err := b.fullPath("read", p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, classify("read", p, err)
	}
	return data, nil
}

// WriteFile writes content to the local filesystem atomically.
func (b *LocalBackend) WriteFile(_ context.Context, p string, data []byte) error {
	full, err := b.fullPath("write", p)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", p, err)
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, TempPrefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", p, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", p, err)
	}

	return nil
}

// CreateFile creates an empty file and any missing parent directories.
func (b *LocalBackend) CreateFile(_ context.Context, p string) error {
	full, err := b.fullPath("create", p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", p, err)
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return classify("create", p, err)
	}
	return f.Close()
}

// RemoveFile removes a file from the local filesystem.
func (b *LocalBackend) RemoveFile(_ context.Context, p string) error {
	full, err := b.fullPath("remove", p)
	if err != nil {
		return err
	}
	err = os.Remove(full)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Rename moves a file or a directory, creating the destination's parents.
func (b *LocalBackend) Rename(_ context.Context, oldPath, newPath string) error {
	src, err := b.fullPath("rename", oldPath)
	if err != nil {
		return err
	}
	dst, err := b.fullPath("rename", newPath)
	if err != nil {
		return err
	}
	if src == b.rootPath || dst == b.rootPath {
		return fserr.E("rename", oldPath, fserr.InvalidInput, "cannot move the root")
	}
	if _, err := os.Lstat(dst); err == nil {
		return fserr.E("rename", newPath, fserr.AlreadyExists, "")
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create dirs for %s: %w", newPath, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return classify("rename", oldPath, err)
	}
	return nil
}

// MakeDir creates a directory and its parents.
func (b *LocalBackend) MakeDir(_ context.Context, p string) error {
	full, err := b.fullPath("mkdir", p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return classify("mkdir", p, err)
	}
	return nil
}

// RemoveDir removes a directory tree.
func (b *LocalBackend) RemoveDir(_ context.Context, p string) error {
	full, err := b.fullPath("rmdir", p)
	if err != nil {
		return err
	}
	if full == b.rootPath {
		return fserr.E("rmdir", p, fserr.InvalidInput, "cannot remove the root")
	}
	if err := os.RemoveAll(full); err != nil {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

// Type returns "local".
func (b *LocalBackend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error { return nil }

func classify(op, p string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fserr.Wrap(op, p, fserr.NotFound, err)
	case errors.Is(err, fs.ErrExist):
		return fserr.Wrap(op, p, fserr.AlreadyExists, err)
	default:
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
}
