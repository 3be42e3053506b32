// Package wc keeps a working copy of one repository subtree on disk
// and brings it to other revisions or paths by reporting its state
// and applying the resulting edit.
package wc

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/reporter"
)

// Connector starts reports against a repository.  The report drives
// opts.Editor when it is finished.
type Connector interface {
	Youngest() (pitrepo.Revnum, error)
	Report(opts reporter.Options) (pitrepo.Reporter, error)
}

// Local reports against a repository in this process.
type Local struct {
	Repo  pitrepo.Repository
	Authz pitrepo.AuthzFunc
}

func (l *Local) Youngest() (pitrepo.Revnum, error) {
	return l.Repo.Youngest()
}

func (l *Local) Report(opts reporter.Options) (pitrepo.Reporter, error) {
	opts.Authz = l.Authz
	r, err := reporter.Begin(l.Repo, opts)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// WC is a working copy rooted at Dir.
type WC struct {
	Dir   string
	State *State
}

type NotWcError struct {
	Dir string
}

func (e *NotWcError) Error() string {
	return fmt.Sprintf("not a working copy: %s", e.Dir)
}

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

// Open loads the working copy at dir.
func Open(dir string) (wc *WC, err error) {
	dir = filepath.Clean(dir)
	state, err := loadState(dir)
	if err != nil {
		return
	}
	return &WC{Dir: dir, State: state}, nil
}

func (wc *WC) abs(rel string) string {
	return filepath.Join(wc.Dir, filepath.FromSlash(rel))
}

// Checkout creates a working copy of reposPath@rev in dir.  An
// invalid rev means youngest.
func Checkout(ctx context.Context, conn Connector, reposPath string, rev pitrepo.Revnum, depth pitrepo.Depth, dir string) (wc *WC, err error) {
	defer Return(&err)
	dir = filepath.Clean(dir)

	files, err := ioutil.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return
	}
	if len(files) > 0 {
		return nil, &ExistsError{Dir: dir}
	}
	err = os.MkdirAll(filepath.Join(dir, adminDir), 0755)
	Ck(err)

	if !rev.Valid() {
		rev, err = conn.Youngest()
		Ck(err)
	}
	if !depth.Known() {
		depth = pitrepo.DepthInfinity
	}
	wc = &WC{
		Dir: dir,
		State: &State{
			Root: pitrepo.CanonFspath(reposPath),
			Entries: map[string]*Entry{
				"": {Kind: pitrepo.KindDir, Rev: rev, Depth: depth, CommittedRev: pitrepo.InvalidRevnum},
			},
		},
	}
	err = wc.State.save(dir)
	Ck(err)

	_, err = wc.run(ctx, conn, "", rev, depth, "", func(rep pitrepo.Reporter) error {
		return rep.SetPath("", rev, depth, true, "")
	})
	Ck(err)
	log.Debugf("wc: checked out %s@%v into %s", reposPath, rev, dir)
	return
}

// Update brings target, a relpath in the working copy, to rev.  An
// invalid rev means youngest; a known depth changes target's depth.
func (wc *WC) Update(ctx context.Context, conn Connector, target string, rev pitrepo.Revnum, depth pitrepo.Depth) (pitrepo.Revnum, error) {
	return wc.run(ctx, conn, target, rev, depth, "", func(rep pitrepo.Reporter) error {
		return wc.Crawl(target, rep)
	})
}

// anchor picks where a report on target is rooted.  Files and switched
// subtrees are reported from their parent.
func (wc *WC) anchor(target, switchPath string) (anchor, operand string) {
	e := wc.State.Entries[target]
	if target == "" || e == nil {
		return target, ""
	}
	if e.Kind == pitrepo.KindFile || e.Switched != "" || switchPath != "" {
		return parent(target), pitrepo.Basename(target)
	}
	return target, ""
}

// Switch points target at switchPath@rev.
func (wc *WC) Switch(ctx context.Context, conn Connector, target, switchPath string, rev pitrepo.Revnum) (pitrepo.Revnum, error) {
	if switchPath == "" {
		return pitrepo.InvalidRevnum, errors.Wrap(pitrepo.ErrIllegalTarget, "empty switch path")
	}
	return wc.run(ctx, conn, target, rev, pitrepo.DepthUnknown, switchPath, func(rep pitrepo.Reporter) error {
		return wc.crawl(target, target != "", rep)
	})
}

// Exclude drops target from the working copy.  Later updates report
// it excluded so the repository leaves it out.
func (wc *WC) Exclude(target string) (err error) {
	e := wc.State.Entries[target]
	if target == "" || e == nil {
		return errors.Wrapf(pitrepo.ErrNotFound, "%q is not in the working copy", target)
	}
	err = os.RemoveAll(wc.abs(target))
	if err != nil {
		return
	}
	wc.State.remove(target)
	wc.State.Entries[target] = &Entry{Kind: e.Kind, Rev: e.Rev, Excluded: true, CommittedRev: pitrepo.InvalidRevnum}
	return wc.State.save(wc.Dir)
}

// SetLockToken records the token of a lock held on target.
func (wc *WC) SetLockToken(target, token string) (err error) {
	e := wc.State.Entries[target]
	if e == nil || e.Kind != pitrepo.KindFile {
		return errors.Wrapf(pitrepo.ErrNotFound, "%q is not a file in the working copy", target)
	}
	e.LockToken = token
	return wc.State.save(wc.Dir)
}

// run reports with crawl and applies the resulting edit.
func (wc *WC) run(ctx context.Context, conn Connector, target string, rev pitrepo.Revnum, depth pitrepo.Depth, switchPath string, crawl func(rep pitrepo.Reporter) error) (tRev pitrepo.Revnum, err error) {
	if wc.State.Entries[target] == nil {
		return pitrepo.InvalidRevnum, errors.Wrapf(pitrepo.ErrNotFound, "%q is not in the working copy", target)
	}
	anchor, operand := wc.anchor(target, switchPath)
	ed := &diskEditor{
		wc:     wc,
		anchor: anchor,
		files:  map[string]*pendingFile{},
		done: func(t pitrepo.Revnum) error {
			wc.bump(target, t, depth, switchPath)
			return nil
		},
	}
	rep, err := conn.Report(reporter.Options{
		TargetRev:  rev,
		FsBase:     wc.State.ReposPath(anchor),
		Operand:    operand,
		SwitchPath: switchPath,
		Depth:      depth,
		TextDeltas: true,
		Editor:     ed,
	})
	if err != nil {
		return
	}
	err = crawl(rep)
	if err != nil {
		rep.AbortReport()
		return
	}
	err = rep.FinishReport(ctx)
	if err != nil {
		return
	}
	return ed.target, nil
}

// within reports whether rel, below target, is inside depth.
func (wc *WC) within(target, rel string, depth pitrepo.Depth) bool {
	if rel == target || depth == pitrepo.DepthInfinity {
		return true
	}
	rest := rel
	if target != "" {
		rest = rel[len(target)+1:]
	}
	deep := 0
	for _, c := range rest {
		if c == '/' {
			deep++
		}
	}
	switch depth {
	case pitrepo.DepthFiles:
		return deep == 0 && wc.State.Entries[rel].Kind == pitrepo.KindFile
	case pitrepo.DepthImmediates:
		return deep == 0
	}
	return false
}

// bump records that target and what it covers are now at rev.
func (wc *WC) bump(target string, rev pitrepo.Revnum, depth pitrepo.Depth, switchPath string) {
	top := wc.State.Entries[target]
	if top == nil {
		return
	}
	cover := depth
	if !cover.Known() {
		cover = entryDepth(top)
	}
	for rel, e := range wc.State.Entries {
		if !below(target, rel) || e.Absent || e.Excluded {
			continue
		}
		if wc.within(target, rel, cover) {
			e.Rev = rev
		}
	}
	if depth.Known() && top.Kind == pitrepo.KindDir {
		top.Depth = depth
	}
	if switchPath == "" {
		return
	}
	switchPath = pitrepo.CanonFspath(switchPath)
	if target == "" {
		wc.State.Root = switchPath
		return
	}
	top.Switched = ""
	if wc.State.ReposPath(target) != switchPath {
		top.Switched = switchPath
	}
}
