// Package pathindex keeps every path of a working tree in two sorted lists:
// files, and directories that currently contain no files. Directory existence
// is answered by binary search without walking a tree or touching disk.
package pathindex

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cowrite/cowrite/internal/fserr"
)

// OpKind identifies a structural mutation.
type OpKind uint8

const (
	OpCreateFile OpKind = iota + 1
	OpMoveFile
	OpRemoveFile
	OpMakeDir
	OpMoveDir
	OpRemoveDir
)

func (k OpKind) String() string {
	switch k {
	case OpCreateFile:
		return "create_file"
	case OpMoveFile:
		return "move_file"
	case OpRemoveFile:
		return "rm_file"
	case OpMakeDir:
		return "make_dir"
	case OpMoveDir:
		return "move_dir"
	case OpRemoveDir:
		return "rm_dir"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is a structural mutation. NewPath is only used by moves.
type Op struct {
	Kind    OpKind
	Path    string
	NewPath string
}

// Index is the sorted path index. It is not safe for concurrent use; the
// owning replica serializes access.
type Index struct {
	files     []string
	emptyDirs []string
}

// New builds an index from a bootstrap snapshot. Inputs are copied, sorted and
// de-duplicated; malformed or overlapping entries are rejected.
func New(files, emptyDirs []string) (*Index, error) {
	f := normalize(files)
	e := normalize(emptyDirs)
	// The root is implied.
	if i, ok := find(e, Root); ok {
		e = removedAt(e, i)
	}
	for _, p := range f {
		if !IsFilePath(p) {
			return nil, fserr.E("new_index", p, fserr.InvalidInput, "malformed file path")
		}
	}
	for i, d := range e {
		if !IsDirPath(d) {
			return nil, fserr.E("new_index", d, fserr.InvalidInput, "malformed directory path")
		}
		if hasPrefixIn(f, d) {
			return nil, fserr.E("new_index", d, fserr.InvalidInput, "empty directory contains files")
		}
		if i+1 < len(e) && strings.HasPrefix(e[i+1], d) {
			return nil, fserr.E("new_index", d, fserr.InvalidInput, "empty directory contains directories")
		}
	}
	return &Index{files: f, emptyDirs: e}, nil
}

func normalize(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	n := 0
	for i, s := range out {
		if i > 0 && s == out[n-1] {
			continue
		}
		out[n] = s
		n++
	}
	return out[:n]
}

// Snapshot returns copies of both lists. It is the payload a new replica
// bootstraps from.
func (ix *Index) Snapshot() (files, emptyDirs []string) {
	return clone(ix.files), clone(ix.emptyDirs)
}

// Files returns a copy of the sorted file list.
func (ix *Index) Files() []string { return clone(ix.files) }

// EmptyDirs returns a copy of the sorted empty-directory list.
func (ix *Index) EmptyDirs() []string { return clone(ix.emptyDirs) }

// Len returns the number of stored entries.
func (ix *Index) Len() int { return len(ix.files) + len(ix.emptyDirs) }

// HasFile reports whether p is a tracked file.
func (ix *Index) HasFile(p string) bool {
	_, ok := find(ix.files, p)
	return ok
}

// InDir reports whether the directory dir exists. dir must be in directory
// format; the root always exists.
func (ix *Index) InDir(dir string) bool {
	return inDir(ix.files, ix.emptyDirs, dir)
}

// CreateFile adds a file. Its parent directory must exist.
func (ix *Index) CreateFile(p string) error { return ix.apply(Op{Kind: OpCreateFile, Path: p}) }

// MoveFile renames a file.
func (ix *Index) MoveFile(oldPath, newPath string) error {
	return ix.apply(Op{Kind: OpMoveFile, Path: oldPath, NewPath: newPath})
}

// RemoveFile deletes a file.
func (ix *Index) RemoveFile(p string) error { return ix.apply(Op{Kind: OpRemoveFile, Path: p}) }

// MakeDir creates a directory and any missing ancestors.
func (ix *Index) MakeDir(p string) error { return ix.apply(Op{Kind: OpMakeDir, Path: p}) }

// MoveDir renames a directory and everything below it.
func (ix *Index) MoveDir(oldPath, newPath string) error {
	return ix.apply(Op{Kind: OpMoveDir, Path: oldPath, NewPath: newPath})
}

// RemoveDir deletes a directory and everything below it.
func (ix *Index) RemoveDir(p string) error { return ix.apply(Op{Kind: OpRemoveDir, Path: p}) }

func (ix *Index) apply(op Op) error {
	commit, err := ix.Stage(op)
	if err != nil {
		return err
	}
	commit()
	return nil
}

// Stage validates op against the current state and computes the resulting
// lists without modifying the index. Calling commit installs them. A failed
// precondition returns an error and leaves nothing to commit.
func (ix *Index) Stage(op Op) (commit func(), err error) {
	var files, emptyDirs []string
	switch op.Kind {
	case OpCreateFile:
		files, emptyDirs, err = ix.stageCreateFile(op.Path)
	case OpMoveFile:
		files, emptyDirs, err = ix.stageMoveFile(op.Path, op.NewPath)
	case OpRemoveFile:
		files, emptyDirs, err = ix.stageRemoveFile(op.Path)
	case OpMakeDir:
		files, emptyDirs, err = ix.stageMakeDir(op.Path)
	case OpMoveDir:
		files, emptyDirs, err = ix.stageMoveDir(op.Path, op.NewPath)
	case OpRemoveDir:
		files, emptyDirs, err = ix.stageRemoveDir(op.Path)
	default:
		return nil, fserr.E(op.Kind.String(), op.Path, fserr.InvalidInput, "unknown operation")
	}
	if err != nil {
		return nil, err
	}
	return func() {
		ix.files = files
		ix.emptyDirs = emptyDirs
	}, nil
}

func (ix *Index) stageCreateFile(p string) ([]string, []string, error) {
	const op = "create_file"
	if !IsFilePath(p) {
		return nil, nil, fserr.E(op, p, fserr.InvalidInput, "malformed file path")
	}
	parent := Parent(p)
	if !ix.InDir(parent) {
		return nil, nil, fserr.E(op, p, fserr.NotFound, "the directory does not exist")
	}
	if err := ix.checkFree(op, p); err != nil {
		return nil, nil, err
	}
	files := inserted(ix.files, p)
	emptyDirs := ix.emptyDirs
	if i, ok := find(emptyDirs, parent); ok {
		emptyDirs = removedAt(emptyDirs, i)
	}
	return files, emptyDirs, nil
}

func (ix *Index) stageMoveFile(oldPath, newPath string) ([]string, []string, error) {
	const op = "move_file"
	if !IsFilePath(oldPath) || !IsFilePath(newPath) {
		return nil, nil, fserr.E(op, oldPath, fserr.InvalidInput, "malformed file path")
	}
	i, ok := find(ix.files, oldPath)
	if !ok {
		return nil, nil, fserr.E(op, oldPath, fserr.NotFound, "file not found")
	}
	if oldPath == newPath {
		return nil, nil, fserr.E(op, newPath, fserr.AlreadyExists, "file path already exists")
	}
	newParent := Parent(newPath)
	if !ix.InDir(newParent) {
		return nil, nil, fserr.E(op, newPath, fserr.NotFound, "the directory does not exist")
	}
	if err := ix.checkFree(op, newPath); err != nil {
		return nil, nil, err
	}

	files := inserted(removedAt(ix.files, i), newPath)
	emptyDirs := ix.emptyDirs
	if j, ok := find(emptyDirs, newParent); ok {
		emptyDirs = removedAt(emptyDirs, j)
	}
	emptyDirs = uncover(files, emptyDirs, Parent(oldPath))
	return files, emptyDirs, nil
}

func (ix *Index) stageRemoveFile(p string) ([]string, []string, error) {
	i, ok := find(ix.files, p)
	if !ok {
		return nil, nil, fserr.E("rm_file", p, fserr.NotFound, "the file does not exist")
	}
	files := removedAt(ix.files, i)
	return files, uncover(files, ix.emptyDirs, Parent(p)), nil
}

func (ix *Index) stageMakeDir(p string) ([]string, []string, error) {
	const op = "make_dir"
	if !IsDirPath(p) {
		return nil, nil, fserr.E(op, p, fserr.InvalidInput, "the path should start with './' and end with '/'")
	}
	if ix.InDir(p) {
		return nil, nil, fserr.E(op, p, fserr.AlreadyExists, "the directory already exists")
	}
	if err := ix.checkFree(op, p); err != nil {
		return nil, nil, err
	}
	emptyDirs := withoutAncestors(ix.emptyDirs, p)
	return ix.files, inserted(emptyDirs, p), nil
}

func (ix *Index) stageMoveDir(oldPath, newPath string) ([]string, []string, error) {
	const op = "move_dir"
	if !IsDirPath(oldPath) || !IsDirPath(newPath) {
		return nil, nil, fserr.E(op, oldPath, fserr.InvalidInput, "the path should start with './' and end with '/'")
	}
	if oldPath == Root || newPath == Root {
		return nil, nil, fserr.E(op, oldPath, fserr.InvalidInput, "the root cannot be moved")
	}
	if strings.HasPrefix(newPath, oldPath) {
		return nil, nil, fserr.E(op, newPath, fserr.InvalidInput, "cannot move a directory into itself")
	}
	if !ix.InDir(oldPath) {
		return nil, nil, fserr.E(op, oldPath, fserr.NotFound, "the old directory does not exist")
	}
	if ix.InDir(newPath) {
		return nil, nil, fserr.E(op, newPath, fserr.AlreadyExists, "the new directory does exist")
	}
	if err := ix.checkFree(op, newPath); err != nil {
		return nil, nil, err
	}

	fs, fe := prefixRun(ix.files, oldPath)
	es, ee := prefixRun(ix.emptyDirs, oldPath)
	movedFiles := rebaseAll(ix.files[fs:fe], oldPath, newPath)
	movedDirs := rebaseAll(ix.emptyDirs[es:ee], oldPath, newPath)

	files := insertedRun(withoutRun(ix.files, fs, fe), movedFiles, newPath)
	emptyDirs := withoutAncestors(withoutRun(ix.emptyDirs, es, ee), newPath)
	emptyDirs = insertedRun(emptyDirs, movedDirs, newPath)
	emptyDirs = uncover(files, emptyDirs, Parent(oldPath))
	return files, emptyDirs, nil
}

func (ix *Index) stageRemoveDir(p string) ([]string, []string, error) {
	const op = "rm_dir"
	if !IsDirPath(p) {
		return nil, nil, fserr.E(op, p, fserr.InvalidInput, "the path should start with './' and end with '/'")
	}
	if p == Root {
		return nil, nil, fserr.E(op, p, fserr.InvalidInput, "the root cannot be removed")
	}
	if !ix.InDir(p) {
		return nil, nil, fserr.E(op, p, fserr.NotFound, "the directory does not exist")
	}
	fs, fe := prefixRun(ix.files, p)
	es, ee := prefixRun(ix.emptyDirs, p)
	files := withoutRun(ix.files, fs, fe)
	emptyDirs := withoutRun(ix.emptyDirs, es, ee)
	return files, uncover(files, emptyDirs, Parent(p)), nil
}

// checkFree fails AlreadyExists if p, taken as a file or a directory name,
// collides with an existing entry, or if any ancestor of p is a file.
func (ix *Index) checkFree(op, p string) error {
	name := strings.TrimSuffix(p, "/")
	if _, ok := find(ix.files, name); ok {
		return fserr.E(op, p, fserr.AlreadyExists, "a file with that name already exists")
	}
	if ix.InDir(name + "/") {
		return fserr.E(op, p, fserr.AlreadyExists, "a directory with that name already exists")
	}
	for _, dir := range ancestors(p) {
		if _, ok := find(ix.files, strings.TrimSuffix(dir, "/")); ok {
			return fserr.E(op, p, fserr.AlreadyExists, "an ancestor of the path is a file")
		}
	}
	return nil
}

func inDir(files, emptyDirs []string, dir string) bool {
	if !IsDirPath(dir) {
		return false
	}
	if dir == Root {
		return true
	}
	return hasPrefixIn(files, dir) || hasPrefixIn(emptyDirs, dir)
}

// uncover records dir as empty if nothing is left below it.
func uncover(files, emptyDirs []string, dir string) []string {
	if dir == Root || inDir(files, emptyDirs, dir) {
		return emptyDirs
	}
	return inserted(emptyDirs, dir)
}

// withoutAncestors drops every empty-directory entry that is a proper prefix
// of p; those directories are about to contain something.
func withoutAncestors(emptyDirs []string, p string) []string {
	out := emptyDirs
	for _, dir := range ancestors(p) {
		if i, ok := find(out, dir); ok {
			out = removedAt(out, i)
		}
	}
	return out
}

func find(list []string, s string) (int, bool) {
	i := sort.SearchStrings(list, s)
	return i, i < len(list) && list[i] == s
}

// hasPrefixIn reports whether any entry of the sorted list starts with prefix.
// Entries sharing a prefix are contiguous and sort at or after the prefix.
func hasPrefixIn(list []string, prefix string) bool {
	i := sort.SearchStrings(list, prefix)
	return i < len(list) && strings.HasPrefix(list[i], prefix)
}

// prefixRun locates the contiguous run of entries starting with prefix.
func prefixRun(list []string, prefix string) (start, end int) {
	start = sort.SearchStrings(list, prefix)
	end = start + sort.Search(len(list)-start, func(j int) bool {
		return !strings.HasPrefix(list[start+j], prefix)
	})
	return start, end
}

func rebaseAll(run []string, oldPrefix, newPrefix string) []string {
	out := make([]string, len(run))
	for i, s := range run {
		out[i] = Rebase(s, oldPrefix, newPrefix)
	}
	return out
}

func clone(list []string) []string {
	out := make([]string, len(list))
	copy(out, list)
	return out
}

func inserted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	out := make([]string, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, s)
	return append(out, list[i:]...)
}

func removedAt(list []string, i int) []string {
	out := make([]string, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...)
}

func withoutRun(list []string, start, end int) []string {
	if start == end {
		return list
	}
	out := make([]string, 0, len(list)-(end-start))
	out = append(out, list[:start]...)
	return append(out, list[end:]...)
}

// insertedRun merges a sorted run whose entries all share prefix into list.
// No entry of list shares the prefix, so the run stays contiguous.
func insertedRun(list, run []string, prefix string) []string {
	if len(run) == 0 {
		return list
	}
	i := sort.SearchStrings(list, prefix)
	out := make([]string, 0, len(list)+len(run))
	out = append(out, list[:i]...)
	out = append(out, run...)
	return append(out, list[i:]...)
}
