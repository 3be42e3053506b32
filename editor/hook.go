package editor

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/textdelta"
)

// Hooked passes every call through to Inner, calling Before first and
// After once Inner returns.  An error from Before stops the call.
type Hooked struct {
	Inner  pitrepo.Editor
	Before func(op, path string) error
	After  func(op, path string, err error)
}

var _ pitrepo.Editor = (*Hooked)(nil)

func (h *Hooked) call(op, path string, fn func() error) (err error) {
	if h.Before != nil {
		err = h.Before(op, path)
		if err != nil {
			return
		}
	}
	err = fn()
	if h.After != nil {
		h.After(op, path, err)
	}
	return
}

// WithCancel returns an editor that fails every call once ctx is
// done.  AbortEdit always goes through.
func WithCancel(ctx context.Context, e pitrepo.Editor) *Hooked {
	return &Hooked{
		Inner: e,
		Before: func(op, path string) error {
			if op == "abort-edit" {
				return nil
			}
			return errors.WithStack(ctx.Err())
		},
	}
}

// WithLog returns an editor that logs every call at debug level, and
// failed calls at error level.
func WithLog(e pitrepo.Editor, fields log.Fields) *Hooked {
	logger := log.WithFields(fields)
	return &Hooked{
		Inner: e,
		After: func(op, path string, err error) {
			entry := logger.WithFields(log.Fields{"op": op, "path": showPath(path)})
			if err != nil {
				entry.Errorf("editor call failed: %v", err)
				return
			}
			entry.Debug("editor call")
		},
	}
}

func (h *Hooked) SetTargetRevision(rev pitrepo.Revnum) error {
	return h.call("set-target-revision", "", func() error { return h.Inner.SetTargetRevision(rev) })
}

func (h *Hooked) OpenRoot(baseRev pitrepo.Revnum) error {
	return h.call("open-root", "", func() error { return h.Inner.OpenRoot(baseRev) })
}

func (h *Hooked) AddDirectory(path, copyFromPath string, copyFromRev pitrepo.Revnum) error {
	return h.call("add-dir", path, func() error { return h.Inner.AddDirectory(path, copyFromPath, copyFromRev) })
}

func (h *Hooked) OpenDirectory(path string, baseRev pitrepo.Revnum) error {
	return h.call("open-dir", path, func() error { return h.Inner.OpenDirectory(path, baseRev) })
}

func (h *Hooked) ChangeDirProp(path, name string, value *string) error {
	return h.call("change-dir-prop", path, func() error { return h.Inner.ChangeDirProp(path, name, value) })
}

func (h *Hooked) CloseDirectory(path string) error {
	return h.call("close-dir", path, func() error { return h.Inner.CloseDirectory(path) })
}

func (h *Hooked) AddFile(path, copyFromPath string, copyFromRev pitrepo.Revnum) error {
	return h.call("add-file", path, func() error { return h.Inner.AddFile(path, copyFromPath, copyFromRev) })
}

func (h *Hooked) OpenFile(path string, baseRev pitrepo.Revnum) error {
	return h.call("open-file", path, func() error { return h.Inner.OpenFile(path, baseRev) })
}

// ApplyTextDelta also runs the hooks around every window.
func (h *Hooked) ApplyTextDelta(path, baseChecksum string) (handler textdelta.WindowHandler, err error) {
	var inner textdelta.WindowHandler
	err = h.call("apply-textdelta", path, func() (err error) {
		inner, err = h.Inner.ApplyTextDelta(path, baseChecksum)
		return
	})
	if err != nil || inner == nil {
		return
	}
	handler = func(w *textdelta.Window) error {
		return h.call("window", path, func() error { return inner(w) })
	}
	return
}

func (h *Hooked) ChangeFileProp(path, name string, value *string) error {
	return h.call("change-file-prop", path, func() error { return h.Inner.ChangeFileProp(path, name, value) })
}

func (h *Hooked) CloseFile(path, checksum string) error {
	return h.call("close-file", path, func() error { return h.Inner.CloseFile(path, checksum) })
}

func (h *Hooked) DeleteEntry(path string, rev pitrepo.Revnum) error {
	return h.call("delete-entry", path, func() error { return h.Inner.DeleteEntry(path, rev) })
}

func (h *Hooked) AbsentDirectory(path string) error {
	return h.call("absent-dir", path, func() error { return h.Inner.AbsentDirectory(path) })
}

func (h *Hooked) AbsentFile(path string) error {
	return h.call("absent-file", path, func() error { return h.Inner.AbsentFile(path) })
}

func (h *Hooked) CloseEdit() error {
	return h.call("close-edit", "", func() error { return h.Inner.CloseEdit() })
}

func (h *Hooked) AbortEdit() error {
	return h.call("abort-edit", "", func() error { return h.Inner.AbortEdit() })
}
