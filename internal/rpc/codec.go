package rpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cowrite/cowrite/internal/crdt"
	"github.com/cowrite/cowrite/internal/fserr"
	"github.com/cowrite/cowrite/internal/privilege"
)

// Field numbers of the frame. Field 1 is always the variant tag.
const (
	fKind        protowire.Number = 1
	fPath        protowire.Number = 2
	fNewPath     protowire.Number = 3
	fPayload     protowire.Number = 4
	fHeadIdx     protowire.Number = 5
	fHeads       protowire.Number = 6
	fCompression protowire.Number = 7
	fRawLen      protowire.Number = 8
	fUsername    protowire.Number = 9
	fToken       protowire.Number = 10
	fConnID      protowire.Number = 11
	fPrivilege   protowire.Number = 12
	fFile        protowire.Number = 13
	fEmptyDir    protowire.Number = 14
	fErrKind     protowire.Number = 15
	fMessage     protowire.Number = 16
	fPosition    protowire.Number = 17
)

const hashLen = len(crdt.Hash{})

// frame is the flat wire form shared by every variant.
type frame struct {
	kind        Kind
	path        string
	newPath     string
	payload     []byte
	headIdx     uint64
	heads       []crdt.Heads
	compression Compression
	rawLen      uint64
	username    string
	token       string
	connID      string
	privilege   uint64
	files       []string
	emptyDirs   []string
	errKind     uint64
	message     string
	position    uint64
}

// Encode serializes m. The encoding is deterministic.
func Encode(m Message) ([]byte, error) {
	f, err := toFrame(m)
	if err != nil {
		return nil, err
	}
	switch f.kind {
	case KindReadBuffer:
		f.payload, f.compression, f.rawLen, err = compress(f.payload, documentThreshold, CompressionZstd)
	case KindEditBuffer:
		f.payload, f.compression, f.rawLen, err = compress(f.payload, changesThreshold, CompressionLZ4)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.kind, err)
	}
	return f.marshal(), nil
}

// Decode parses a frame produced by Encode.
func Decode(b []byte) (Message, error) {
	f, err := unmarshal(b)
	if err != nil {
		return nil, fserr.Wrap("decode", "", fserr.InvalidData, err)
	}
	if f.compression != CompressionNone {
		f.payload, err = decompress(f.payload, f.compression, f.rawLen)
		if err != nil {
			return nil, fserr.Wrap("decode", f.path, fserr.InvalidData, err)
		}
	}
	m, err := f.toMessage()
	if err != nil {
		return nil, fserr.Wrap("decode", f.path, fserr.InvalidData, err)
	}
	return m, nil
}

func nonNegative(name string, v int) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("negative %s %d", name, v)
	}
	return uint64(v), nil
}

func toFrame(m Message) (frame, error) {
	f := frame{kind: m.Kind()}
	var err error
	switch m := m.(type) {
	case CreateFile:
		f.path = m.Path
	case DeleteFile:
		f.path = m.Path
	case MoveFile:
		f.path, f.newPath = m.Path, m.NewPath
	case CreateDirectory:
		f.path = m.Path
	case DeleteDirectory:
		f.path = m.Path
	case MoveDirectory:
		f.path, f.newPath = m.Path, m.NewPath
	case EditBuffer:
		f.path, f.payload, f.heads = m.Path, m.Changes, m.NewHeads
		f.headIdx, err = nonNegative("old head index", m.OldHeadIdx)
	case RequestReadBuffer:
		f.path = m.Path
	case ReadBuffer:
		f.path, f.payload, f.heads = m.Path, m.Document, m.History
		f.headIdx, err = nonNegative("head index", m.HeadIdx)
	case RequestSaveFile:
		f.path = m.Path
	case FileSaved:
		f.path = m.Path
	case Undo:
		f.path = m.Path
	case Redo:
		f.path = m.Path
	case Hello:
		f.username, f.token = m.Username, m.Token
	case Handshake:
		f.connID, f.username = m.ConnID, m.Username
		f.privilege = uint64(m.Privilege)
		f.files, f.emptyDirs = m.Files, m.EmptyDirs
	case ChangePrivilege:
		f.privilege = uint64(m.Privilege)
	case Error:
		f.errKind, f.path, f.message = uint64(m.Code), m.Path, m.Message
	case MoveCursor:
		f.path = m.Path
		f.position, err = nonNegative("position", m.Position)
	case CursorMoved:
		f.path, f.username = m.Path, m.Username
		f.position, err = nonNegative("position", m.Position)
	default:
		err = fmt.Errorf("unknown message %T", m)
	}
	if err != nil {
		return frame{}, fserr.Wrap("encode", f.path, fserr.InvalidInput, err)
	}
	return f, nil
}

func (f *frame) toMessage() (Message, error) {
	switch f.kind {
	case KindCreateFile:
		return CreateFile{Path: f.path}, nil
	case KindDeleteFile:
		return DeleteFile{Path: f.path}, nil
	case KindMoveFile:
		return MoveFile{Path: f.path, NewPath: f.newPath}, nil
	case KindCreateDirectory:
		return CreateDirectory{Path: f.path}, nil
	case KindDeleteDirectory:
		return DeleteDirectory{Path: f.path}, nil
	case KindMoveDirectory:
		return MoveDirectory{Path: f.path, NewPath: f.newPath}, nil
	case KindEditBuffer:
		return EditBuffer{Path: f.path, Changes: f.payload, OldHeadIdx: int(f.headIdx), NewHeads: f.heads}, nil
	case KindRequestReadBuffer:
		return RequestReadBuffer{Path: f.path}, nil
	case KindReadBuffer:
		return ReadBuffer{Path: f.path, Document: f.payload, History: f.heads, HeadIdx: int(f.headIdx)}, nil
	case KindRequestSaveFile:
		return RequestSaveFile{Path: f.path}, nil
	case KindFileSaved:
		return FileSaved{Path: f.path}, nil
	case KindUndo:
		return Undo{Path: f.path}, nil
	case KindRedo:
		return Redo{Path: f.path}, nil
	case KindHello:
		return Hello{Username: f.username, Token: f.token}, nil
	case KindHandshake:
		return Handshake{
			ConnID:    f.connID,
			Username:  f.username,
			Privilege: privilege.Level(f.privilege),
			Files:     f.files,
			EmptyDirs: f.emptyDirs,
		}, nil
	case KindChangePrivilege:
		return ChangePrivilege{Privilege: privilege.Level(f.privilege)}, nil
	case KindError:
		return Error{Code: fserr.Kind(f.errKind), Path: f.path, Message: f.message}, nil
	case KindMoveCursor:
		return MoveCursor{Path: f.path, Position: int(f.position)}, nil
	case KindCursorMoved:
		return CursorMoved{Path: f.path, Position: int(f.position), Username: f.username}, nil
	default:
		return nil, fmt.Errorf("unknown message kind %d", f.kind)
	}
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func (f *frame) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.kind))
	b = appendString(b, fPath, f.path)
	b = appendString(b, fNewPath, f.newPath)
	if len(f.payload) > 0 {
		b = protowire.AppendTag(b, fPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.payload)
	}
	b = appendVarint(b, fHeadIdx, f.headIdx)
	for _, h := range f.heads {
		packed := make([]byte, 0, len(h)*hashLen)
		for _, x := range h {
			packed = append(packed, x[:]...)
		}
		// Empty heads still need an entry to keep positions.
		b = protowire.AppendTag(b, fHeads, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendVarint(b, fCompression, uint64(f.compression))
	b = appendVarint(b, fRawLen, f.rawLen)
	b = appendString(b, fUsername, f.username)
	b = appendString(b, fToken, f.token)
	b = appendString(b, fConnID, f.connID)
	b = appendVarint(b, fPrivilege, f.privilege)
	for _, p := range f.files {
		b = protowire.AppendTag(b, fFile, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	for _, p := range f.emptyDirs {
		b = protowire.AppendTag(b, fEmptyDir, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	b = appendVarint(b, fErrKind, f.errKind)
	b = appendString(b, fMessage, f.message)
	b = appendVarint(b, fPosition, f.position)
	return b
}

func unmarshal(b []byte) (frame, error) {
	var f frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return frame{}, protowire.ParseError(n)
		}
		b = b[n:]
		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return frame{}, protowire.ParseError(n)
		}
		b = b[n:]

		switch num {
		case fKind:
			f.kind = Kind(x)
		case fPath:
			f.path = string(v)
		case fNewPath:
			f.newPath = string(v)
		case fPayload:
			f.payload = append([]byte(nil), v...)
		case fHeadIdx:
			f.headIdx = x
		case fHeads:
			if len(v)%hashLen != 0 {
				return frame{}, fmt.Errorf("heads entry of %d bytes", len(v))
			}
			h := make(crdt.Heads, len(v)/hashLen)
			for i := range h {
				copy(h[i][:], v[i*hashLen:])
			}
			f.heads = append(f.heads, h)
		case fCompression:
			f.compression = Compression(x)
		case fRawLen:
			f.rawLen = x
		case fUsername:
			f.username = string(v)
		case fToken:
			f.token = string(v)
		case fConnID:
			f.connID = string(v)
		case fPrivilege:
			f.privilege = x
		case fFile:
			f.files = append(f.files, string(v))
		case fEmptyDir:
			f.emptyDirs = append(f.emptyDirs, string(v))
		case fErrKind:
			f.errKind = x
		case fMessage:
			f.message = string(v)
		case fPosition:
			f.position = x
		}
	}
	if f.kind == 0 {
		return frame{}, fmt.Errorf("missing message kind")
	}
	return f, nil
}
