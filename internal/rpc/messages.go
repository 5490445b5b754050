// Package rpc defines the messages exchanged between replicas and their
// binary encoding.
package rpc

import (
	"fmt"

	"github.com/cowrite/cowrite/internal/crdt"
	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/privilege"
)

// Kind is the wire tag of a message variant. Values are part of the wire
// format.
type Kind uint8

const (
	KindCreateFile Kind = iota + 1
	KindDeleteFile
	KindMoveFile
	KindCreateDirectory
	KindDeleteDirectory
	KindMoveDirectory
	KindEditBuffer
	KindRequestReadBuffer
	KindReadBuffer
	KindRequestSaveFile
	KindFileSaved
	KindUndo
	KindRedo
	KindHello
	KindHandshake
	KindChangePrivilege
	KindError
	KindMoveCursor
	KindCursorMoved
)

var kindNames = map[Kind]string{
	KindCreateFile:        "create_file",
	KindDeleteFile:        "delete_file",
	KindMoveFile:          "move_file",
	KindCreateDirectory:   "create_directory",
	KindDeleteDirectory:   "delete_directory",
	KindMoveDirectory:     "move_directory",
	KindEditBuffer:        "edit_buffer",
	KindRequestReadBuffer: "request_read_buffer",
	KindReadBuffer:        "read_buffer",
	KindRequestSaveFile:   "request_save_file",
	KindFileSaved:         "file_saved",
	KindUndo:              "undo",
	KindRedo:              "redo",
	KindHello:             "hello",
	KindHandshake:         "handshake",
	KindChangePrivilege:   "change_privilege",
	KindError:             "error",
	KindMoveCursor:        "move_cursor",
	KindCursorMoved:       "cursor_moved",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is one RPC. The set of implementations is closed.
type Message interface {
	Kind() Kind
	isMessage()
}

// CreateFile creates an empty file.
type CreateFile struct{ Path string }

// DeleteFile removes a file.
type DeleteFile struct{ Path string }

// MoveFile renames a file.
type MoveFile struct{ Path, NewPath string }

// CreateDirectory creates a directory and its missing ancestors.
type CreateDirectory struct{ Path string }

// DeleteDirectory removes a directory and everything below it.
type DeleteDirectory struct{ Path string }

// MoveDirectory renames a directory and everything below it.
type MoveDirectory struct{ Path, NewPath string }

// EditBuffer carries an edit made against history index OldHeadIdx.
type EditBuffer struct {
	Path       string
	Changes    []byte
	OldHeadIdx int
	NewHeads   []crdt.Heads
}

// RequestReadBuffer asks the server for the full document at Path.
type RequestReadBuffer struct{ Path string }

// ReadBuffer is the full document sent in reply to RequestReadBuffer.
type ReadBuffer struct {
	Path     string
	Document []byte
	History  []crdt.Heads
	HeadIdx  int
}

// RequestSaveFile asks the server to write Path to disk.
type RequestSaveFile struct{ Path string }

// FileSaved announces that Path was written to disk.
type FileSaved struct{ Path string }

// Undo moves the sender's cursor in Path back.
type Undo struct{ Path string }

// Redo moves the sender's cursor in Path forward.
type Redo struct{ Path string }

// Hello is the first frame a client sends.
type Hello struct {
	Username string
	Token    string
}

// Handshake is the server's reply to Hello: the client's identity and the
// index snapshot it bootstraps from.
type Handshake struct {
	ConnID    string
	Username  string
	Privilege privilege.Level
	Files     []string
	EmptyDirs []string
}

// ChangePrivilege tells a client its privilege changed.
type ChangePrivilege struct{ Privilege privilege.Level }

// Error reports a failed request back to its sender.
type Error struct {
	Code    fserr.Kind
	Path    string
	Message string
}

// MoveCursor announces the sender's caret position in Path.
type MoveCursor struct {
	Path     string
	Position int
}

// CursorMoved relays a MoveCursor to every connection.
type CursorMoved struct {
	Path     string
	Position int
	Username string
}

func (CreateFile) Kind() Kind        { return KindCreateFile }
func (DeleteFile) Kind() Kind        { return KindDeleteFile }
func (MoveFile) Kind() Kind          { return KindMoveFile }
func (CreateDirectory) Kind() Kind   { return KindCreateDirectory }
func (DeleteDirectory) Kind() Kind   { return KindDeleteDirectory }
func (MoveDirectory) Kind() Kind     { return KindMoveDirectory }
func (EditBuffer) Kind() Kind        { return KindEditBuffer }
func (RequestReadBuffer) Kind() Kind { return KindRequestReadBuffer }
func (ReadBuffer) Kind() Kind        { return KindReadBuffer }
func (RequestSaveFile) Kind() Kind   { return KindRequestSaveFile }
func (FileSaved) Kind() Kind         { return KindFileSaved }
func (Undo) Kind() Kind              { return KindUndo }
func (Redo) Kind() Kind              { return KindRedo }
func (Hello) Kind() Kind             { return KindHello }
func (Handshake) Kind() Kind         { return KindHandshake }
func (ChangePrivilege) Kind() Kind   { return KindChangePrivilege }
func (Error) Kind() Kind             { return KindError }
func (MoveCursor) Kind() Kind        { return KindMoveCursor }
func (CursorMoved) Kind() Kind       { return KindCursorMoved }

func (CreateFile) isMessage()        {}
func (DeleteFile) isMessage()        {}
func (MoveFile) isMessage()          {}
func (CreateDirectory) isMessage()   {}
func (DeleteDirectory) isMessage()   {}
func (MoveDirectory) isMessage()     {}
func (EditBuffer) isMessage()        {}
func (RequestReadBuffer) isMessage() {}
func (ReadBuffer) isMessage()        {}
func (RequestSaveFile) isMessage()   {}
func (FileSaved) isMessage()         {}
func (Undo) isMessage()              {}
func (Redo) isMessage()              {}
func (Hello) isMessage()             {}
func (Handshake) isMessage()         {}
func (ChangePrivilege) isMessage()   {}
func (Error) isMessage()             {}
func (MoveCursor) isMessage()        {}
func (CursorMoved) isMessage()       {}

// PathOf returns the path a message refers to, or "" for session messages.
func PathOf(m Message) string {
	switch m := m.(type) {
	case CreateFile:
		return m.Path
	case DeleteFile:
		return m.Path
	case MoveFile:
		return m.Path
	case CreateDirectory:
		return m.Path
	case DeleteDirectory:
		return m.Path
	case MoveDirectory:
		return m.Path
	case EditBuffer:
		return m.Path
	case RequestReadBuffer:
		return m.Path
	case ReadBuffer:
		return m.Path
	case RequestSaveFile:
		return m.Path
	case FileSaved:
		return m.Path
	case Undo:
		return m.Path
	case Redo:
		return m.Path
	case Error:
		return m.Path
	case MoveCursor:
		return m.Path
	case CursorMoved:
		return m.Path
	default:
		return ""
	}
}

// ErrorFrom converts err into an Error message for path.
func ErrorFrom(path string, err error) Error {
	return Error{Code: fserr.KindOf(err), Path: path, Message: err.Error()}
}

// Err turns an Error message back into a classified error.
func (e Error) Err() error {
	return fserr.E("remote", e.Path, e.Code, e.Message)
}
