package editor

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/textdelta"
	"github.com/vmihailenco/msgpack"
)

// Frame is one editor call on the wire.
type Frame struct {
	Op       string            `msgpack:"op"`
	Path     string            `msgpack:"p,omitempty"`
	Rev      pitrepo.Revnum    `msgpack:"r"`
	CopyPath string            `msgpack:"cp,omitempty"`
	Name     string            `msgpack:"n,omitempty"`
	Value    *string           `msgpack:"v"`
	Checksum string            `msgpack:"ck,omitempty"`
	Window   *textdelta.Window `msgpack:"w,omitempty"`
	Code     string            `msgpack:"code,omitempty"`
	Error    string            `msgpack:"e,omitempty"`
}

// frame ops not shared with Call
const (
	opWindow   = "window"
	opDeltaEnd = "delta-end"
	opError    = "error"
)

var errorCodes = map[string]error{
	"bad-report":        pitrepo.ErrBadReport,
	"illegal-target":    pitrepo.ErrIllegalTarget,
	"not-found":         pitrepo.ErrNotFound,
	"path-syntax":       pitrepo.ErrPathSyntax,
	"root-unreadable":   pitrepo.ErrRootUnreadable,
	"no-such-revision":  pitrepo.ErrNoSuchRevision,
	"out-of-date":       pitrepo.ErrOutOfDate,
	"checksum-mismatch": pitrepo.ErrChecksumMismatch,
	"locked":            pitrepo.ErrLocked,
	"not-locked":        pitrepo.ErrNotLocked,
	"canceled":          context.Canceled,
}

func errorCode(err error) string {
	cause := errors.Cause(err)
	for code, sentinel := range errorCodes {
		if cause == sentinel {
			return code
		}
	}
	return ""
}

// Encoder is an Editor that writes every call to a stream as msgpack
// frames.
type Encoder struct {
	wr  *bufio.Writer
	enc *msgpack.Encoder
}

var _ pitrepo.Editor = (*Encoder)(nil)

func NewEncoder(w io.Writer) *Encoder {
	wr := bufio.NewWriter(w)
	return &Encoder{wr: wr, enc: msgpack.NewEncoder(wr)}
}

func (e *Encoder) send(f *Frame) (err error) {
	err = e.enc.Encode(f)
	if err != nil {
		return errors.Wrapf(err, "sending %s", f.Op)
	}
	return
}

func (e *Encoder) flush(f *Frame) (err error) {
	err = e.send(f)
	if err != nil {
		return
	}
	return e.wr.Flush()
}

// Error sends err to the other side, which fails its replay with it.
func (e *Encoder) Error(err error) error {
	return e.flush(&Frame{Op: opError, Code: errorCode(err), Error: err.Error()})
}

func (e *Encoder) SetTargetRevision(rev pitrepo.Revnum) error {
	return e.send(&Frame{Op: "set-target-revision", Rev: rev})
}

func (e *Encoder) OpenRoot(baseRev pitrepo.Revnum) error {
	return e.send(&Frame{Op: "open-root", Rev: baseRev})
}

func (e *Encoder) AddDirectory(path, copyFromPath string, copyFromRev pitrepo.Revnum) error {
	return e.send(&Frame{Op: "add-dir", Path: path, CopyPath: copyFromPath, Rev: copyFromRev})
}

func (e *Encoder) OpenDirectory(path string, baseRev pitrepo.Revnum) error {
	return e.send(&Frame{Op: "open-dir", Path: path, Rev: baseRev})
}

func (e *Encoder) ChangeDirProp(path, name string, value *string) error {
	return e.send(&Frame{Op: "change-dir-prop", Path: path, Name: name, Value: value})
}

func (e *Encoder) CloseDirectory(path string) error {
	return e.send(&Frame{Op: "close-dir", Path: path})
}

func (e *Encoder) AddFile(path, copyFromPath string, copyFromRev pitrepo.Revnum) error {
	return e.send(&Frame{Op: "add-file", Path: path, CopyPath: copyFromPath, Rev: copyFromRev})
}

func (e *Encoder) OpenFile(path string, baseRev pitrepo.Revnum) error {
	return e.send(&Frame{Op: "open-file", Path: path, Rev: baseRev})
}

func (e *Encoder) ApplyTextDelta(path, baseChecksum string) (handler textdelta.WindowHandler, err error) {
	err = e.send(&Frame{Op: "apply-textdelta", Path: path, Checksum: baseChecksum})
	if err != nil {
		return
	}
	handler = func(w *textdelta.Window) error {
		if w == nil {
			return e.send(&Frame{Op: opDeltaEnd, Path: path})
		}
		return e.send(&Frame{Op: opWindow, Path: path, Window: w})
	}
	return
}

func (e *Encoder) ChangeFileProp(path, name string, value *string) error {
	return e.send(&Frame{Op: "change-file-prop", Path: path, Name: name, Value: value})
}

func (e *Encoder) CloseFile(path, checksum string) error {
	return e.send(&Frame{Op: "close-file", Path: path, Checksum: checksum})
}

func (e *Encoder) DeleteEntry(path string, rev pitrepo.Revnum) error {
	return e.send(&Frame{Op: "delete-entry", Path: path, Rev: rev})
}

func (e *Encoder) AbsentDirectory(path string) error {
	return e.send(&Frame{Op: "absent-dir", Path: path})
}

func (e *Encoder) AbsentFile(path string) error {
	return e.send(&Frame{Op: "absent-file", Path: path})
}

func (e *Encoder) CloseEdit() error {
	return e.flush(&Frame{Op: "close-edit"})
}

func (e *Encoder) AbortEdit() error {
	return e.flush(&Frame{Op: "abort-edit"})
}

// Replay reads frames from r and makes the same calls on ed, until
// the edit is closed or an error frame arrives.  If ed fails, the
// edit is aborted locally and the error returned.
func Replay(r io.Reader, ed pitrepo.Editor) (err error) {
	dec := msgpack.NewDecoder(bufio.NewReader(r))
	opened := false
	aborted := false
	abort := func(err error) error {
		if opened && !aborted {
			aborted = true
			return pitrepo.ComposeAbort(err, ed.AbortEdit())
		}
		return err
	}
	var handler textdelta.WindowHandler
	for {
		f := &Frame{}
		err = dec.Decode(f)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return abort(errors.Wrap(err, "reading edit stream"))
		}
		switch f.Op {
		case "set-target-revision":
			opened = true
			err = ed.SetTargetRevision(f.Rev)
		case "open-root":
			opened = true
			err = ed.OpenRoot(f.Rev)
		case "add-dir":
			err = ed.AddDirectory(f.Path, f.CopyPath, f.Rev)
		case "open-dir":
			err = ed.OpenDirectory(f.Path, f.Rev)
		case "change-dir-prop":
			err = ed.ChangeDirProp(f.Path, f.Name, f.Value)
		case "close-dir":
			err = ed.CloseDirectory(f.Path)
		case "add-file":
			err = ed.AddFile(f.Path, f.CopyPath, f.Rev)
		case "open-file":
			err = ed.OpenFile(f.Path, f.Rev)
		case "apply-textdelta":
			handler, err = ed.ApplyTextDelta(f.Path, f.Checksum)
		case opWindow:
			if handler != nil && f.Window != nil {
				err = handler(f.Window)
			}
		case opDeltaEnd:
			if handler != nil {
				err = handler(nil)
			}
			handler = nil
		case "change-file-prop":
			err = ed.ChangeFileProp(f.Path, f.Name, f.Value)
		case "close-file":
			err = ed.CloseFile(f.Path, f.Checksum)
		case "delete-entry":
			err = ed.DeleteEntry(f.Path, f.Rev)
		case "absent-dir":
			err = ed.AbsentDirectory(f.Path)
		case "absent-file":
			err = ed.AbsentFile(f.Path)
		case "close-edit":
			return ed.CloseEdit()
		case "abort-edit":
			aborted = true
			err = ed.AbortEdit()
			if err != nil {
				log.Errorf("abort from remote: %v", err)
				err = nil
			}
		case opError:
			remote := errors.New(f.Error)
			if sentinel, ok := errorCodes[f.Code]; ok {
				remote = errors.Wrap(sentinel, strings.TrimSuffix(f.Error, ": "+sentinel.Error()))
			}
			return abort(remote)
		default:
			err = errors.Errorf("unknown edit frame %q", f.Op)
		}
		if err != nil {
			return abort(err)
		}
	}
}
