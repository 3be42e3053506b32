package editor

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/textdelta"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

// drive makes a small but complete edit on e.
func drive(t *testing.T, e pitrepo.Editor, content string) {
	t.Helper()
	val := "text/plain"
	steps := []func() error{
		func() error { return e.SetTargetRevision(3) },
		func() error { return e.OpenRoot(2) },
		func() error { return e.DeleteEntry("old", 3) },
		func() error { return e.AddDirectory("d", "", pitrepo.InvalidRevnum) },
		func() error { return e.ChangeDirProp("d", "color", &val) },
		func() error { return e.AddFile("d/f", "", pitrepo.InvalidRevnum) },
		func() error { return e.ChangeFileProp("d/f", "mime", &val) },
		func() error {
			h, err := e.ApplyTextDelta("d/f", "")
			if err != nil || h == nil {
				return err
			}
			_, err = textdelta.Send(nil, strings.NewReader(content), h)
			return err
		},
		func() error { return e.CloseFile("d/f", textdelta.Checksum([]byte(content))) },
		func() error { return e.CloseDirectory("d") },
		func() error { return e.AbsentFile("secret") },
		func() error { return e.ChangeDirProp("", "gone", nil) },
		func() error { return e.CloseDirectory("") },
		func() error { return e.CloseEdit() },
	}
	for i, step := range steps {
		err := step()
		tassert(t, err == nil, "step %d: %v", i, err)
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	drive(t, r, "hello\n")
	want := []string{
		"set-target-revision 3",
		"open-root 2",
		"delete-entry old 3",
		"add-dir d",
		"change-dir-prop d color=text/plain",
		"add-file d/f",
		"change-file-prop d/f mime=text/plain",
		"apply-textdelta d/f windows=1",
		"close-file d/f " + textdelta.Checksum([]byte("hello\n")),
		"close-dir d",
		"absent-file secret",
		"change-dir-prop . gone deleted",
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, r.Ops(true))
	assert.Equal(t, "hello\n", string(r.Contents["d/f"]))
	assert.Equal(t, 10, r.Mutations())
}

func TestRecorderBase(t *testing.T) {
	r := NewRecorder()
	base := []byte(strings.Repeat("base content line\n", 1000))
	r.Bases["f"] = base
	target := append(append([]byte(nil), base...), []byte("one more line\n")...)
	h, err := r.ApplyTextDelta("f", textdelta.Checksum(base))
	tassert(t, err == nil, "%v", err)
	_, err = textdelta.Send(bytes.NewReader(base), bytes.NewReader(target), h)
	tassert(t, err == nil, "%v", err)
	tassert(t, bytes.Equal(target, r.Contents["f"]), "content mismatch")
}

func TestWithCancel(t *testing.T) {
	r := NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	e := WithCancel(ctx, r)
	err := e.OpenRoot(1)
	tassert(t, err == nil, "%v", err)
	cancel()
	err = e.AddFile("f", "", pitrepo.InvalidRevnum)
	tassert(t, errors.Cause(err) == context.Canceled, "expected canceled, got %v", err)
	err = e.AbortEdit()
	tassert(t, err == nil, "%v", err)
	assert.Equal(t, []string{"open-root 1", "abort-edit"}, r.Ops(true))
}

func TestWithLog(t *testing.T) {
	r := NewRecorder()
	r.FailOn = "add-file"
	e := WithLog(r, nil)
	err := e.AddFile("f", "", pitrepo.InvalidRevnum)
	tassert(t, err != nil, "expected add-file to fail")
	assert.Equal(t, 1, len(r.Calls))
}

func TestWireReplay(t *testing.T) {
	content := strings.Repeat("some file content\n", 5000)
	direct := NewRecorder()
	drive(t, direct, content)

	buf := &bytes.Buffer{}
	drive(t, NewEncoder(buf), content)
	replayed := NewRecorder()
	err := Replay(buf, replayed)
	tassert(t, err == nil, "%v", err)
	assert.Equal(t, direct.Ops(true), replayed.Ops(true))
	assert.Equal(t, content, string(replayed.Contents["d/f"]))
}

func TestWireError(t *testing.T) {
	buf := &bytes.Buffer{}
	enc := NewEncoder(buf)
	tassert(t, enc.SetTargetRevision(2) == nil, "set target")
	tassert(t, enc.OpenRoot(1) == nil, "open root")
	tassert(t, enc.AbortEdit() == nil, "abort")
	err := enc.Error(errors.Wrap(pitrepo.ErrNotFound, "/a/b"))
	tassert(t, err == nil, "%v", err)

	r := NewRecorder()
	err = Replay(buf, r)
	tassert(t, errors.Cause(err) == pitrepo.ErrNotFound, "expected not found, got %v", err)
	tassert(t, strings.Contains(err.Error(), "/a/b"), "message lost: %v", err)
	assert.Equal(t, []string{"set-target-revision 2", "open-root 1", "abort-edit"}, r.Ops(true))
}

func TestWireTruncated(t *testing.T) {
	buf := &bytes.Buffer{}
	enc := NewEncoder(buf)
	tassert(t, enc.SetTargetRevision(2) == nil, "set target")
	tassert(t, enc.OpenRoot(1) == nil, "open root")
	tassert(t, enc.wr.Flush() == nil, "flush")

	r := NewRecorder()
	err := Replay(buf, r)
	tassert(t, err != nil, "expected error")
	assert.Equal(t, "abort-edit", r.Ops(true)[len(r.Calls)-1])
}
