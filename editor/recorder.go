// Package editor has pitrepo.Editor implementations that record,
// decorate, or carry edits: a recording editor, cancellation and
// logging wrappers, and a msgpack wire encoder with its replayer.
package editor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/textdelta"
)

// Call is one recorded editor call.
type Call struct {
	Op       string
	Path     string
	Rev      pitrepo.Revnum
	CopyPath string
	Name     string
	Value    *string
	Checksum string
	// Windows counts the non-nil delta windows an apply-textdelta
	// call received.
	Windows int
}

func showPath(path string) string {
	if path == "" {
		return "."
	}
	return path
}

func (c *Call) String() string {
	p := showPath(c.Path)
	switch c.Op {
	case "set-target-revision":
		return fmt.Sprintf("%s %v", c.Op, c.Rev)
	case "open-root":
		return fmt.Sprintf("%s %v", c.Op, c.Rev)
	case "open-dir", "open-file", "delete-entry":
		return fmt.Sprintf("%s %s %v", c.Op, p, c.Rev)
	case "add-dir", "add-file":
		if c.CopyPath != "" {
			return fmt.Sprintf("%s %s copy=%s@%v", c.Op, p, c.CopyPath, c.Rev)
		}
		return fmt.Sprintf("%s %s", c.Op, p)
	case "change-dir-prop", "change-file-prop":
		if c.Value == nil {
			return fmt.Sprintf("%s %s %s deleted", c.Op, p, c.Name)
		}
		return fmt.Sprintf("%s %s %s=%s", c.Op, p, c.Name, *c.Value)
	case "apply-textdelta":
		return fmt.Sprintf("%s %s windows=%d", c.Op, p, c.Windows)
	case "close-file":
		return fmt.Sprintf("%s %s %s", c.Op, p, c.Checksum)
	case "close-edit", "abort-edit":
		return c.Op
	}
	return fmt.Sprintf("%s %s", c.Op, p)
}

// Recorder is an Editor that remembers every call and rebuilds the
// content of every file it receives deltas for.
type Recorder struct {
	Calls []*Call
	// Contents holds rebuilt file content by editor path.
	Contents map[string][]byte
	// Bases supplies delta base content by editor path; missing
	// paths have an empty base.
	Bases map[string][]byte
	// NoDeltas makes ApplyTextDelta decline the windows.
	NoDeltas bool
	// FailOn makes the named op fail, for testing abort paths.
	FailOn string
}

var _ pitrepo.Editor = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{
		Contents: make(map[string][]byte),
		Bases:    make(map[string][]byte),
	}
}

func (r *Recorder) add(c *Call) error {
	r.Calls = append(r.Calls, c)
	if r.FailOn == c.Op {
		return errors.Errorf("recorder: %s failed", c.Op)
	}
	return nil
}

// Ops returns the calls as strings, leaving out entry props unless
// entryProps is set.
func (r *Recorder) Ops(entryProps bool) (ops []string) {
	for _, c := range r.Calls {
		if !entryProps && pitrepo.IsEntryProp(c.Name) {
			continue
		}
		ops = append(ops, c.String())
	}
	return
}

// Mutations counts calls other than the ones every edit makes.
func (r *Recorder) Mutations() (n int) {
	for _, c := range r.Calls {
		switch c.Op {
		case "set-target-revision", "open-root", "close-edit":
			continue
		case "close-dir":
			if c.Path == "" {
				continue
			}
		}
		n++
	}
	return
}

func (r *Recorder) String() string {
	return strings.Join(r.Ops(true), "\n")
}

func (r *Recorder) SetTargetRevision(rev pitrepo.Revnum) error {
	return r.add(&Call{Op: "set-target-revision", Rev: rev})
}

func (r *Recorder) OpenRoot(baseRev pitrepo.Revnum) error {
	return r.add(&Call{Op: "open-root", Rev: baseRev})
}

func (r *Recorder) AddDirectory(path, copyFromPath string, copyFromRev pitrepo.Revnum) error {
	return r.add(&Call{Op: "add-dir", Path: path, CopyPath: copyFromPath, Rev: copyFromRev})
}

func (r *Recorder) OpenDirectory(path string, baseRev pitrepo.Revnum) error {
	return r.add(&Call{Op: "open-dir", Path: path, Rev: baseRev})
}

func (r *Recorder) ChangeDirProp(path, name string, value *string) error {
	return r.add(&Call{Op: "change-dir-prop", Path: path, Name: name, Value: value})
}

func (r *Recorder) CloseDirectory(path string) error {
	return r.add(&Call{Op: "close-dir", Path: path})
}

func (r *Recorder) AddFile(path, copyFromPath string, copyFromRev pitrepo.Revnum) error {
	return r.add(&Call{Op: "add-file", Path: path, CopyPath: copyFromPath, Rev: copyFromRev})
}

func (r *Recorder) OpenFile(path string, baseRev pitrepo.Revnum) error {
	return r.add(&Call{Op: "open-file", Path: path, Rev: baseRev})
}

func (r *Recorder) ApplyTextDelta(path, baseChecksum string) (handler textdelta.WindowHandler, err error) {
	c := &Call{Op: "apply-textdelta", Path: path, Checksum: baseChecksum}
	err = r.add(c)
	if err != nil || r.NoDeltas {
		return
	}
	base := r.Bases[path]
	if baseChecksum != "" && textdelta.Checksum(base) != baseChecksum {
		base = nil
	}
	buf := &bytes.Buffer{}
	apply := textdelta.Apply(bytes.NewReader(base), buf)
	handler = func(w *textdelta.Window) error {
		if w == nil {
			r.Contents[path] = buf.Bytes()
			return nil
		}
		c.Windows++
		return apply(w)
	}
	return
}

func (r *Recorder) ChangeFileProp(path, name string, value *string) error {
	return r.add(&Call{Op: "change-file-prop", Path: path, Name: name, Value: value})
}

func (r *Recorder) CloseFile(path, checksum string) error {
	return r.add(&Call{Op: "close-file", Path: path, Checksum: checksum})
}

func (r *Recorder) DeleteEntry(path string, rev pitrepo.Revnum) error {
	return r.add(&Call{Op: "delete-entry", Path: path, Rev: rev})
}

func (r *Recorder) AbsentDirectory(path string) error {
	return r.add(&Call{Op: "absent-dir", Path: path})
}

func (r *Recorder) AbsentFile(path string) error {
	return r.add(&Call{Op: "absent-file", Path: path})
}

func (r *Recorder) CloseEdit() error {
	return r.add(&Call{Op: "close-edit"})
}

func (r *Recorder) AbortEdit() error {
	return r.add(&Call{Op: "abort-edit"})
}
