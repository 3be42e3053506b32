package reporter

import (
	"context"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/editor"
	"github.com/t7a/pitrepo/textdelta"
)

const inf = pitrepo.DepthInfinity

func sum(s string) string {
	return textdelta.Checksum([]byte(s))
}

// replay runs one report against repo and returns the recorded edit.
func replay(t *testing.T, repo pitrepo.Repository, opts Options, rec *editor.Recorder, report func(r *Report) error) (err error) {
	t.Helper()
	if opts.Editor == nil {
		opts.Editor = rec
	}
	opts.TextDeltas = true
	r, err := Begin(repo, opts)
	tassert(t, err == nil, "Begin: %v", err)
	err = report(r)
	if err != nil {
		return
	}
	return r.FinishReport(context.Background())
}

func indexOf(ops []string, op string) int {
	for i, o := range ops {
		if o == op {
			return i
		}
	}
	return -1
}

func TestIsDepthUpgrade(t *testing.T) {
	const (
		unk   = pitrepo.DepthUnknown
		empty = pitrepo.DepthEmpty
		files = pitrepo.DepthFiles
		imm   = pitrepo.DepthImmediates
	)
	type row struct {
		wc, req    pitrepo.Depth
		file, dir bool
	}
	table := []row{
		{empty, unk, false, false},
		{empty, empty, false, false},
		{empty, files, true, false},
		{empty, imm, true, true},
		{empty, inf, true, true},

		{files, unk, false, false},
		{files, empty, false, false},
		{files, files, false, false},
		{files, imm, false, true},
		{files, inf, false, true},

		{imm, unk, false, false},
		{imm, empty, false, false},
		{imm, files, false, false},
		{imm, imm, false, false},
		{imm, inf, false, false},

		{inf, unk, false, false},
		{inf, empty, false, false},
		{inf, files, false, false},
		{inf, imm, false, false},
		{inf, inf, false, false},
	}
	for _, r := range table {
		got := IsDepthUpgrade(r.wc, r.req, pitrepo.KindFile)
		tassert(t, got == r.file, "file wc=%v req=%v: got %v", r.wc, r.req, got)
		got = IsDepthUpgrade(r.wc, r.req, pitrepo.KindDir)
		tassert(t, got == r.dir, "dir wc=%v req=%v: got %v", r.wc, r.req, got)
	}
}

// basicRepo has r1: /foo, /d/x, /keep
func basicRepo() *memRepo {
	repo := newMemRepo()
	repo.commit("alice", func(t *memTree) {
		t.put("/foo", "X")
		t.mkdir("/d")
		t.put("/d/x", "x content")
		t.put("/keep", "keep")
	})
	return repo
}

// An identical revision touches nothing below the root.
func TestIdenticalRevision(t *testing.T) {
	repo := basicRepo()
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 1}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{"set-target-revision 1", "open-root 1", "close-dir .", "close-edit"}
	assert.Equal(t, want, rec.Ops(true))
	assert.Equal(t, 0, rec.Mutations())
}

func TestIdempotentReplay(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/foo", "Y")
		t.mkdir("/d/e")
		t.put("/d/e/z", "z")
		t.propset("/d", "color", "blue")
	})
	for _, rev := range []pitrepo.Revnum{0, 1, 2} {
		rec := editor.NewRecorder()
		err := replay(t, repo, Options{TargetRev: rev}, rec, func(r *Report) error {
			return r.SetPath("", rev, inf, false, "")
		})
		tassert(t, err == nil, "r%v: %v", rev, err)
		tassert(t, rec.Mutations() == 0, "r%v: %d mutations:\n%s", rev, rec.Mutations(), rec)
	}
}

func TestModifiedFile(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/foo", "Y")
	})
	rec := editor.NewRecorder()
	rec.Bases["foo"] = []byte("X")
	err := replay(t, repo, Options{TargetRev: 2}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 2",
		"open-root 1",
		"open-file foo 1",
		"apply-textdelta foo windows=1",
		"close-file foo " + sum("Y"),
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
	assert.Equal(t, "Y", string(rec.Contents["foo"]))

	all := rec.Ops(true)
	tassert(t, indexOf(all, "change-file-prop foo pit:entry:committed-rev=2") >= 0, "no committed-rev:\n%s", rec)
	tassert(t, indexOf(all, "change-file-prop foo pit:entry:last-author=bob") >= 0, "no last-author:\n%s", rec)
	tassert(t, indexOf(all, "change-file-prop foo pit:entry:uuid=mem-uuid") >= 0, "no uuid:\n%s", rec)
	tassert(t, indexOf(all, "change-dir-prop . pit:entry:committed-rev=2") >= 0, "no root committed-rev:\n%s", rec)
}

// A start-empty file is still compared with its reported revision:
// only directories start from nothing.
func TestStartEmptyFile(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.propset("/foo", "color", "blue")
	})
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 2}, rec, func(r *Report) error {
		err := r.SetPath("", 2, inf, false, "")
		if err != nil {
			return err
		}
		return r.SetPath("foo", 2, inf, true, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 2",
		"open-root 2",
		"open-file foo 2",
		"close-file foo " + sum("X"),
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
	tassert(t, indexOf(rec.Ops(true), "change-file-prop foo pit:entry:committed-rev=2") >= 0, "no entry props:\n%s", rec)
}

func TestUnsetDepthInherits(t *testing.T) {
	assert.Equal(t, pitrepo.DepthUnknown, Options{}.Depth)
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/d/x", "x changed")
	})
	rec := editor.NewRecorder()
	rec.Bases["d/x"] = []byte("x content")
	err := replay(t, repo, Options{TargetRev: 2}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	ops := rec.Ops(false)
	tassert(t, indexOf(ops, "open-dir d 1") >= 0, "no open-dir:\n%s", rec)
	tassert(t, indexOf(ops, "open-file d/x 1") >= 0, "no open-file:\n%s", rec)
	assert.Equal(t, "x changed", string(rec.Contents["d/x"]))
}

// A directory gone from the target is deleted at the revision that
// removed it.
func TestDeletedDirectory(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.rm("/d")
	})
	repo.commit("bob", func(t *memTree) {
		t.put("/keep", "kept")
	})
	rec := editor.NewRecorder()
	rec.Bases["keep"] = []byte("keep")
	err := replay(t, repo, Options{TargetRev: 3}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 3",
		"open-root 1",
		"delete-entry d 2",
		"open-file keep 1",
		"apply-textdelta keep windows=1",
		"close-file keep " + sum("kept"),
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
}

// A start-empty link is filled from the linked path.
func TestLinkPathStartEmpty(t *testing.T) {
	repo := newMemRepo()
	repo.commit("alice", func(t *memTree) {
		t.mkdir("/trunk")
		t.mkdir("/trunk/sub")
		t.put("/trunk/sub/a", "trunk a")
		t.mkdir("/branch")
		t.mkdir("/branch/sub2")
		t.put("/branch/sub2/a", "branch a")
		t.put("/branch/sub2/c", "branch c")
	})
	repo.commit("alice", func(t *memTree) {
		t.put("/trunk/sub/a", "trunk a v2")
	})
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 2, FsBase: "/trunk"}, rec, func(r *Report) error {
		err := r.SetPath("", 2, inf, false, "")
		if err != nil {
			return err
		}
		return r.LinkPath("sub", "/branch/sub2", 1, inf, true, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 2",
		"open-root 2",
		"open-dir sub 1",
		"add-file sub/a",
		"apply-textdelta sub/a windows=1",
		"close-file sub/a " + sum("branch a"),
		"add-file sub/c",
		"apply-textdelta sub/c windows=1",
		"close-file sub/c " + sum("branch c"),
		"close-dir sub",
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
	assert.Equal(t, "branch c", string(rec.Contents["sub/c"]))
}

func TestReportedDelete(t *testing.T) {
	repo := newMemRepo()
	repo.commit("alice", func(t *memTree) {
		t.mkdir("/sub")
		t.put("/sub/x", "x")
		t.put("/other", "o")
	})
	repo.commit("alice", func(t *memTree) {
		t.rm("/sub")
	})
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 2}, rec, func(r *Report) error {
		err := r.SetPath("", 1, inf, false, "")
		if err != nil {
			return err
		}
		return r.DeletePath("sub")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 2",
		"open-root 1",
		"delete-entry sub 2",
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
}

func TestReportedDeleteStillInTarget(t *testing.T) {
	repo := newMemRepo()
	repo.commit("alice", func(t *memTree) {
		t.mkdir("/sub")
		t.put("/sub/x", "x")
	})
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 1}, rec, func(r *Report) error {
		err := r.SetPath("", 1, inf, false, "")
		if err != nil {
			return err
		}
		return r.DeletePath("sub")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 1",
		"open-root 1",
		"add-dir sub",
		"add-file sub/x",
		"apply-textdelta sub/x windows=1",
		"close-file sub/x " + sum("x"),
		"close-dir sub",
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
}

func TestCaseOnlyRename(t *testing.T) {
	repo := newMemRepo()
	repo.commit("alice", func(t *memTree) {
		t.put("/foo", "content")
	})
	repo.commit("alice", func(t *memTree) {
		t.rm("/foo")
		t.replace("/Foo", "content")
	})
	for _, reportDelete := range []bool{false, true} {
		rec := editor.NewRecorder()
		err := replay(t, repo, Options{TargetRev: 2}, rec, func(r *Report) error {
			err := r.SetPath("", 1, inf, false, "")
			if err != nil || !reportDelete {
				return err
			}
			return r.DeletePath("foo")
		})
		tassert(t, err == nil, "%v", err)
		ops := rec.Ops(false)
		del := indexOf(ops, "delete-entry foo 2")
		add := indexOf(ops, "add-file Foo")
		tassert(t, del >= 0 && add >= 0, "missing delete or add:\n%s", rec)
		tassert(t, del < add, "add before delete:\n%s", rec)
	}
}

func TestReplacedFile(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.replace("/foo", "new lineage")
	})
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 2}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	ops := rec.Ops(false)
	tassert(t, indexOf(ops, "delete-entry foo 2") >= 0, "no delete:\n%s", rec)
	tassert(t, indexOf(ops, "add-file foo") > indexOf(ops, "delete-entry foo 2"), "no add after delete:\n%s", rec)

	rec = editor.NewRecorder()
	err = replay(t, repo, Options{TargetRev: 2, IgnoreAncestry: true}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	tassert(t, indexOf(rec.Ops(false), "open-file foo 1") >= 0, "expected open with ignore ancestry:\n%s", rec)
}

func TestDepthUpgrade(t *testing.T) {
	repo := basicRepo()
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 1, Depth: inf}, rec, func(r *Report) error {
		return r.SetPath("", 1, pitrepo.DepthEmpty, false, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 1",
		"open-root 1",
		"add-dir d",
		"add-file d/x",
		"apply-textdelta d/x windows=1",
		"close-file d/x " + sum("x content"),
		"close-dir d",
		"add-file foo",
		"apply-textdelta foo windows=1",
		"close-file foo " + sum("X"),
		"add-file keep",
		"apply-textdelta keep windows=1",
		"close-file keep " + sum("keep"),
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
}

func TestRequestedFiles(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/foo", "Y")
		t.put("/d/x", "x v2")
	})
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 2, Depth: pitrepo.DepthFiles}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	for _, op := range rec.Ops(false) {
		f := strings.Fields(op)
		tassert(t, len(f) < 2 || (f[1] != "d" && !strings.HasPrefix(f[1], "d/")), "directory touched at depth files: %s", op)
	}
	tassert(t, indexOf(rec.Ops(false), "open-file foo 1") >= 0, "file not updated:\n%s", rec)
}

func TestExcludedChild(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/d/x", "x v2")
	})
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 2}, rec, func(r *Report) error {
		err := r.SetPath("", 1, inf, false, "")
		if err != nil {
			return err
		}
		return r.SetPath("d", 1, pitrepo.DepthExclude, false, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{"set-target-revision 2", "open-root 1", "close-dir .", "close-edit"}
	assert.Equal(t, want, rec.Ops(false))
}

func TestAuthzAbsent(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/d/x", "x v2")
	})
	rec := editor.NewRecorder()
	authz := func(path string) bool { return !strings.HasPrefix(path, "/d") }
	err := replay(t, repo, Options{TargetRev: 2, Authz: authz}, rec, func(r *Report) error {
		err := r.SetPath("", 1, inf, false, "")
		if err != nil {
			return err
		}
		return r.SetPath("d/x", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{"set-target-revision 2", "open-root 1", "absent-dir d", "close-dir .", "close-edit"}
	assert.Equal(t, want, rec.Ops(false))

	rec = editor.NewRecorder()
	err = replay(t, repo, Options{TargetRev: 2, Authz: func(string) bool { return false }}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, errors.Cause(err) == pitrepo.ErrRootUnreadable, "expected unreadable root, got %v", err)
	assert.Equal(t, []string{"abort-edit"}, rec.Ops(true))
}

func TestLockToken(t *testing.T) {
	repo := basicRepo()
	repo.locks["/foo"] = &pitrepo.Lock{Path: "/foo", Token: "current"}
	report := func(token string) func(r *Report) error {
		return func(r *Report) error {
			err := r.SetPath("", 1, inf, false, "")
			if err != nil {
				return err
			}
			return r.SetPath("foo", 1, inf, false, token)
		}
	}

	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 1}, rec, report("current"))
	tassert(t, err == nil, "%v", err)
	assert.Equal(t, 0, rec.Mutations())

	rec = editor.NewRecorder()
	err = replay(t, repo, Options{TargetRev: 1}, rec, report("stale"))
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 1",
		"open-root 1",
		"open-file foo 1",
		"change-file-prop foo pit:entry:lock-token deleted",
		"close-file foo " + sum("X"),
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(true))
}

func TestOperandFile(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/foo", "Y")
		t.put("/keep", "not looked at")
	})
	rec := editor.NewRecorder()
	rec.Bases["foo"] = []byte("X")
	err := replay(t, repo, Options{TargetRev: 2, Operand: "foo"}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 2",
		"open-root 1",
		"open-file foo 1",
		"apply-textdelta foo windows=1",
		"close-file foo " + sum("Y"),
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
}

func TestOperandLocallyAdded(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/new", "new file")
	})
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 2, Operand: "new"}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	tassert(t, indexOf(rec.Ops(false), "add-file new") >= 0, "expected add:\n%s", rec)
}

func TestSwitch(t *testing.T) {
	repo := newMemRepo()
	repo.commit("alice", func(t *memTree) {
		t.mkdir("/trunk")
		t.put("/trunk/a", "a")
		t.put("/trunk/b", "b")
	})
	repo.commit("alice", func(t *memTree) {
		t.cp("/trunk", 1, "/branch")
	})
	repo.commit("alice", func(t *memTree) {
		t.put("/branch/a", "a on branch")
		t.rm("/branch/b")
	})
	rec := editor.NewRecorder()
	rec.Bases["a"] = []byte("a")
	err := replay(t, repo, Options{TargetRev: 3, FsBase: "/trunk", SwitchPath: "/branch"}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 3",
		"open-root 1",
		// b never existed on the branch at the source revision
		"delete-entry b -",
		"open-file a 1",
		"apply-textdelta a windows=1",
		"close-file a " + sum("a on branch"),
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
	assert.Equal(t, "a on branch", string(rec.Contents["a"]))
}

func TestSmartAdd(t *testing.T) {
	repo := newMemRepo()
	repo.commit("alice", func(t *memTree) {
		t.put("/src", "shared content")
	})
	repo.commit("alice", func(t *memTree) {
		t.cp("/src", 1, "/dst")
	})
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 2, SendCopyFrom: true}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	want := []string{
		"set-target-revision 2",
		"open-root 1",
		"add-file dst copy=/src@1",
		"close-file dst " + sum("shared content"),
		"close-dir .",
		"close-edit",
	}
	assert.Equal(t, want, rec.Ops(false))
}

func TestBadReports(t *testing.T) {
	repo := basicRepo()
	cases := []struct {
		name   string
		opts   Options
		report func(r *Report) error
	}{
		{"first record not operand", Options{}, func(r *Report) error {
			return r.SetPath("foo", 1, inf, false, "")
		}},
		{"first record deleted", Options{}, func(r *Report) error {
			return r.DeletePath("")
		}},
		{"two top-level records", Options{}, func(r *Report) error {
			err := r.SetPath("", 1, inf, false, "")
			if err != nil {
				return err
			}
			return r.SetPath("", 0, inf, false, "")
		}},
		{"empty report", Options{}, func(r *Report) error { return nil }},
	}
	for _, c := range cases {
		rec := editor.NewRecorder()
		err := replay(t, repo, c.opts, rec, c.report)
		tassert(t, isBadReport(err), "%s: expected bad report, got %v", c.name, err)
		tassert(t, len(rec.Calls) == 0, "%s: editor was called:\n%s", c.name, rec)
	}
}

func TestIllegalLink(t *testing.T) {
	repo := basicRepo()
	r, err := Begin(repo, Options{Editor: editor.NewRecorder()})
	tassert(t, err == nil, "%v", err)
	err = r.LinkPath("d", "/elsewhere", 1, pitrepo.DepthExclude, false, "")
	tassert(t, errors.Cause(err) == pitrepo.ErrIllegalTarget, "expected illegal target, got %v", err)
	err = r.LinkPath("d", "http://other/repo", 1, inf, false, "")
	tassert(t, errors.Cause(err) == pitrepo.ErrIllegalTarget, "expected illegal target, got %v", err)
	tassert(t, r.AbortReport() == nil, "abort")

	_, err = Begin(repo, Options{Editor: editor.NewRecorder(), SwitchPath: "relative"})
	tassert(t, errors.Cause(err) == pitrepo.ErrIllegalTarget, "expected illegal target, got %v", err)
	_, err = Begin(repo, Options{Editor: editor.NewRecorder(), TargetRev: 9})
	tassert(t, errors.Cause(err) == pitrepo.ErrNoSuchRevision, "expected no such revision, got %v", err)
}

func TestMissingSourcePath(t *testing.T) {
	repo := basicRepo()
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 1}, rec, func(r *Report) error {
		err := r.SetPath("", 1, inf, false, "")
		if err != nil {
			return err
		}
		return r.SetPath("nonexistent", 1, inf, false, "")
	})
	tassert(t, errors.Cause(err) == pitrepo.ErrNotFound, "expected not found, got %v", err)
	ops := rec.Ops(true)
	assert.Equal(t, "abort-edit", ops[len(ops)-1])
}

func TestMissingTarget(t *testing.T) {
	repo := basicRepo()
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 1, FsBase: "/nope"}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, errors.Cause(err) == pitrepo.ErrPathSyntax, "expected path syntax, got %v", err)
}

func TestAbortComposition(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/added", "a")
	})
	walkErr := errors.New("disk full")
	abortErr := errors.New("abort failed too")
	rec := editor.NewRecorder()
	ed := &editor.Hooked{
		Inner: rec,
		Before: func(op, path string) error {
			switch op {
			case "add-file":
				return walkErr
			case "abort-edit":
				return abortErr
			}
			return nil
		},
	}
	err := replay(t, repo, Options{TargetRev: 2, Editor: ed}, rec, func(r *Report) error {
		return r.SetPath("", 1, inf, false, "")
	})
	tassert(t, err != nil, "expected error")
	tassert(t, errors.Cause(err) == walkErr, "walk error masked: %v", err)
	ae, ok := err.(*pitrepo.AbortError)
	tassert(t, ok, "expected abort error, got %T", err)
	tassert(t, ae.AbortErr == abortErr, "abort error lost: %v", ae.AbortErr)
	tassert(t, strings.Contains(err.Error(), "abort failed too"), "message: %v", err)
}

func TestCancel(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/foo", "Y")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := editor.NewRecorder()
	ed := &editor.Hooked{
		Inner: rec,
		After: func(op, path string, err error) {
			if op == "open-root" {
				cancel()
			}
		},
	}
	r, err := Begin(repo, Options{TargetRev: 2, Editor: ed, TextDeltas: true})
	tassert(t, err == nil, "%v", err)
	tassert(t, r.SetPath("", 1, inf, false, "") == nil, "set path")
	err = r.FinishReport(ctx)
	tassert(t, errors.Cause(err) == context.Canceled, "expected canceled, got %v", err)
	want := []string{"set-target-revision 2", "open-root 1", "abort-edit"}
	assert.Equal(t, want, rec.Ops(false))
}

func TestSpilledReport(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {
		t.put("/d/x", "x v2")
	})
	dir := t.TempDir()
	rec := editor.NewRecorder()
	err := replay(t, repo, Options{TargetRev: 2, SpillMem: 8, TmpDir: dir}, rec, func(r *Report) error {
		err := r.SetPath("", 1, inf, false, "")
		if err != nil {
			return err
		}
		err = r.SetPath("d", 1, inf, false, "")
		if err != nil {
			return err
		}
		return r.SetPath("d/x", 1, inf, false, "")
	})
	tassert(t, err == nil, "%v", err)
	tassert(t, indexOf(rec.Ops(false), "open-file d/x 1") >= 0, "d/x not updated:\n%s", rec)
	files, err := ioutil.ReadDir(dir)
	tassert(t, err == nil, "%v", err)
	tassert(t, len(files) == 0, "spill file left behind")
}

func TestSourceRootCache(t *testing.T) {
	repo := basicRepo()
	repo.commit("bob", func(t *memTree) {})
	c := &sourceRoots{repo: repo}
	r1, err := c.get(1)
	tassert(t, err == nil, "%v", err)
	r1again, err := c.get(1)
	tassert(t, err == nil, "%v", err)
	tassert(t, r1 == r1again, "root reopened")
	assert.Equal(t, 1, c.opens)
	_, err = c.get(2)
	tassert(t, err == nil, "%v", err)
	assert.Equal(t, 2, c.opens)
	tassert(t, r1.(*memRoot).closed, "old root not closed")
	tassert(t, c.close() == nil, "close")
	tassert(t, c.root == nil, "root kept after close")
}

func TestRevInfoCache(t *testing.T) {
	repo := basicRepo()
	c := newRevInfos(repo)
	info, err := c.get(1)
	tassert(t, err == nil, "%v", err)
	assert.Equal(t, "alice", info.Author)
	repo.revs[1].info.Author = "changed"
	info, err = c.get(1)
	tassert(t, err == nil, "%v", err)
	assert.Equal(t, "alice", info.Author)
}

func TestDeletedRev(t *testing.T) {
	repo := newMemRepo()
	repo.commit("a", func(t *memTree) { t.put("/x", "1") })     // r1
	repo.commit("a", func(t *memTree) { t.put("/x", "2") })     // r2
	repo.commit("a", func(t *memTree) { t.put("/y", "y") })     // r3
	repo.commit("a", func(t *memTree) { t.rm("/x") })           // r4
	repo.commit("a", func(t *memTree) { t.replace("/y", "y2") }) // r5
	ctx := context.Background()
	cases := []struct {
		path       string
		start, end pitrepo.Revnum
		want       pitrepo.Revnum
	}{
		{"/x", 1, 5, 4},
		{"/x", 1, 3, pitrepo.InvalidRevnum},
		{"/x", 3, 0, 1},
		{"/y", 3, 5, 5},
		{"/y", 1, 5, pitrepo.InvalidRevnum},
		{"/x", 2, 2, pitrepo.InvalidRevnum},
	}
	for _, c := range cases {
		got, err := DeletedRev(ctx, repo, c.path, c.start, c.end)
		tassert(t, err == nil, "%v", err)
		tassert(t, got == c.want, "%s %v..%v: got %v want %v", c.path, c.start, c.end, got, c.want)
	}
}
