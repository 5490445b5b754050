// Package reconcile applies RPCs to a replica's file tree. Both replicas run
// the same code so that replaying the server's broadcast order yields the
// same tree everywhere.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cowrite/cowrite/internal/document"
	"github.com/cowrite/cowrite/internal/filetree"
	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/logging"
	"github.com/cowrite/cowrite/internal/metrics"
	"github.com/cowrite/cowrite/internal/pathindex"
	"github.com/cowrite/cowrite/internal/privilege"
	"github.com/cowrite/cowrite/internal/rpc"
)

// DefaultLoadTimeout bounds the disk read of a lazily opened document.
const DefaultLoadTimeout = 10 * time.Second

// Role selects which half of the protocol a reconciler speaks.
type Role uint8

const (
	Server Role = iota
	Client
)

func (r Role) String() string {
	if r == Client {
		return "client"
	}
	return "server"
}

// Origin tells where a message came from.
type Origin uint8

const (
	// Remote messages arrived over a connection.
	Remote Origin = iota
	// Local messages come from the replica's own user.
	Local
	// Disk messages describe a change already made to the working tree.
	Disk
)

// Caller identifies the sender of a message.
type Caller struct {
	ID        string
	Name      string
	Privilege privilege.Level
	Origin    Origin
}

// Delivery says who must see the outcome of a message.
type Delivery uint8

const (
	None Delivery = iota
	Broadcast
	Unicast
)

func (d Delivery) String() string {
	switch d {
	case Broadcast:
		return "broadcast"
	case Unicast:
		return "unicast"
	default:
		return "none"
	}
}

// Outcome is what a successful Apply asks the caller to send.
type Outcome struct {
	Delivery Delivery
	Message  rpc.Message
}

// Storage is the working tree the server mirrors its index to.
type Storage interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	CreateFile(ctx context.Context, path string) error
	RemoveFile(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	MakeDir(ctx context.Context, path string) error
	RemoveDir(ctx context.Context, path string) error
}

// Reconciler applies messages to a tree. It holds no tree state itself; the
// caller serializes Apply calls under the tree's lock.
type Reconciler struct {
	role        Role
	disk        Storage
	loadTimeout time.Duration
}

// NewServer returns the server-side reconciler. disk may be nil, in which
// case structural changes stay in memory and files load as empty.
func NewServer(disk Storage, loadTimeout time.Duration) *Reconciler {
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}
	return &Reconciler{role: Server, disk: disk, loadTimeout: loadTimeout}
}

// NewClient returns the client-side reconciler.
func NewClient() *Reconciler {
	return &Reconciler{role: Client}
}

// Role returns the reconciler's role.
func (r *Reconciler) Role() Role { return r.role }

// Apply applies msg to tree on behalf of caller.
func (r *Reconciler) Apply(ctx context.Context, tree *filetree.Tree, msg rpc.Message, caller Caller) (Outcome, error) {
	if r.role == Client {
		return r.applyClient(tree, msg)
	}
	return r.applyServer(ctx, tree, msg, caller)
}

func (r *Reconciler) applyServer(ctx context.Context, tree *filetree.Tree, msg rpc.Message, caller Caller) (Outcome, error) {
	if op, ok := structural(msg); ok {
		if err := requireWrite(msg, caller); err != nil {
			return Outcome{}, err
		}
		var hook func() error
		if r.disk != nil && caller.Origin != Disk {
			hook = func() error { return r.mirror(ctx, op) }
		}
		if err := tree.Apply(op, hook); err != nil {
			return Outcome{}, err
		}
		return Outcome{Delivery: Broadcast, Message: msg}, nil
	}

	switch m := msg.(type) {
	case rpc.EditBuffer:
		if err := requireWrite(msg, caller); err != nil {
			return Outcome{}, err
		}
		if err := tree.Update(m.Path, m.Changes, m.OldHeadIdx, m.NewHeads); err != nil {
			return Outcome{}, err
		}
		return Outcome{Delivery: Broadcast, Message: m}, nil

	case rpc.RequestReadBuffer:
		h, err := r.Open(ctx, tree, m.Path)
		if err != nil {
			return Outcome{}, err
		}
		s := h.Save()
		return Outcome{Delivery: Unicast, Message: rpc.ReadBuffer{
			Path:     m.Path,
			Document: s.Doc,
			History:  s.History,
			HeadIdx:  s.HeadIdx,
		}}, nil

	case rpc.RequestSaveFile:
		if err := requireWrite(msg, caller); err != nil {
			return Outcome{}, err
		}
		if err := r.Save(ctx, tree, m.Path); err != nil {
			return Outcome{}, err
		}
		return Outcome{Delivery: Broadcast, Message: rpc.FileSaved{Path: m.Path}}, nil

	case rpc.Undo:
		return Outcome{}, tree.Undo(m.Path)

	case rpc.Redo:
		return Outcome{}, tree.Redo(m.Path)

	case rpc.MoveCursor:
		if !tree.HasFile(m.Path) {
			return Outcome{}, fserr.E("move cursor", m.Path, fserr.NotFound, "the file does not exist")
		}
		if m.Position < 0 {
			return Outcome{}, fserr.E("move cursor", m.Path, fserr.InvalidInput, "negative position")
		}
		return Outcome{Delivery: Broadcast, Message: rpc.CursorMoved{
			Path:     m.Path,
			Position: m.Position,
			Username: caller.Name,
		}}, nil

	default:
		return Outcome{}, unexpected(r.role, msg)
	}
}

func (r *Reconciler) applyClient(tree *filetree.Tree, msg rpc.Message) (Outcome, error) {
	if op, ok := structural(msg); ok {
		return Outcome{}, tree.Apply(op, nil)
	}

	switch m := msg.(type) {
	case rpc.EditBuffer:
		err := tree.Update(m.Path, m.Changes, m.OldHeadIdx, m.NewHeads)
		switch {
		case err == nil:
		case fserr.KindOf(err) == fserr.NotConnected:
			// Not open here; the next ReadBuffer will include this edit.
		default:
			// Accepted upstream; a failed merge is logged, never fatal.
			metrics.RecordMergeFailure()
			logging.Warn("dropping remote edit",
				zap.String("path", m.Path),
				zap.Int("old_head_idx", m.OldHeadIdx),
				zap.Error(err),
			)
		}
		return Outcome{}, nil

	case rpc.ReadBuffer:
		h, err := document.Restore(document.Snapshot{
			Doc:     m.Document,
			History: m.History,
			HeadIdx: m.HeadIdx,
		}, tree.Actor())
		if err != nil {
			return Outcome{}, fserr.Wrap("read buffer", m.Path, fserr.InvalidData, err)
		}
		return Outcome{}, tree.Install(m.Path, h)

	case rpc.FileSaved:
		return Outcome{}, nil

	default:
		return Outcome{}, unexpected(r.role, msg)
	}
}

// Open returns the document at path, reading it from disk on first use. The
// read is bounded by the load timeout.
func (r *Reconciler) Open(ctx context.Context, tree *filetree.Tree, path string) (*document.Handle, error) {
	start := time.Now()
	h, created, err := tree.Load(path, func() ([]byte, error) {
		if r.disk == nil {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(ctx, r.loadTimeout)
		defer cancel()
		return r.disk.ReadFile(ctx, path)
	})
	if created || (err != nil && tree.HasFile(path)) {
		metrics.RecordDocumentLoad(time.Since(start), err == nil)
	}
	return h, err
}

// Save writes the content of the open document at path, as of its cursor,
// back to disk.
func (r *Reconciler) Save(ctx context.Context, tree *filetree.Tree, path string) error {
	h, err := tree.Document(path)
	if err != nil {
		return err
	}
	data, err := h.ReadBytes()
	if err != nil {
		return err
	}
	if r.disk == nil {
		return nil
	}
	return r.disk.WriteFile(ctx, path, data)
}

// mirror performs op on disk.
func (r *Reconciler) mirror(ctx context.Context, op pathindex.Op) error {
	switch op.Kind {
	case pathindex.OpCreateFile:
		return r.disk.CreateFile(ctx, op.Path)
	case pathindex.OpRemoveFile:
		return r.disk.RemoveFile(ctx, op.Path)
	case pathindex.OpMakeDir:
		return r.disk.MakeDir(ctx, op.Path)
	case pathindex.OpRemoveDir:
		return r.disk.RemoveDir(ctx, op.Path)
	case pathindex.OpMoveFile, pathindex.OpMoveDir:
		return r.disk.Rename(ctx, op.Path, op.NewPath)
	default:
		return fmt.Errorf("unknown index op %d", op.Kind)
	}
}

// structural maps a message onto the index operation it performs.
func structural(msg rpc.Message) (pathindex.Op, bool) {
	switch m := msg.(type) {
	case rpc.CreateFile:
		return pathindex.Op{Kind: pathindex.OpCreateFile, Path: m.Path}, true
	case rpc.DeleteFile:
		return pathindex.Op{Kind: pathindex.OpRemoveFile, Path: m.Path}, true
	case rpc.MoveFile:
		return pathindex.Op{Kind: pathindex.OpMoveFile, Path: m.Path, NewPath: m.NewPath}, true
	case rpc.CreateDirectory:
		return pathindex.Op{Kind: pathindex.OpMakeDir, Path: m.Path}, true
	case rpc.DeleteDirectory:
		return pathindex.Op{Kind: pathindex.OpRemoveDir, Path: m.Path}, true
	case rpc.MoveDirectory:
		return pathindex.Op{Kind: pathindex.OpMoveDir, Path: m.Path, NewPath: m.NewPath}, true
	default:
		return pathindex.Op{}, false
	}
}

func requireWrite(msg rpc.Message, caller Caller) error {
	if caller.Privilege.CanWrite() {
		return nil
	}
	return fserr.E(msg.Kind().String(), rpc.PathOf(msg), fserr.Unauthorized,
		fmt.Sprintf("%q has %s privilege", caller.Name, caller.Privilege))
}

func unexpected(role Role, msg rpc.Message) error {
	return fserr.E(msg.Kind().String(), rpc.PathOf(msg), fserr.Protocol,
		fmt.Sprintf("%s does not accept %s", role, msg.Kind()))
}
