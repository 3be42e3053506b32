// Package reporter turns a client's report of its working tree into
// the edits that bring that tree to a target revision.
//
// A report is collected with Begin and the pitrepo.Reporter calls,
// encoded into a log that may spill to disk, and replayed by
// FinishReport against the source revisions the client claims and
// the target revision it asked for.
package reporter

import (
	"bufio"
	"context"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
)

// Options configure one report.
type Options struct {
	// TargetRev is the revision to bring the client to; invalid
	// means youngest.
	TargetRev pitrepo.Revnum
	// FsBase is the repository path of the anchor.
	FsBase string
	// Operand is the anchor-relative path being updated; "" is the
	// anchor itself.
	Operand string
	// SwitchPath, if set, is the repository path the operand is
	// being switched to.
	SwitchPath string
	// Depth is the requested depth; DepthUnknown keeps whatever
	// the client reports.
	Depth pitrepo.Depth

	TextDeltas     bool
	IgnoreAncestry bool
	SendCopyFrom   bool

	// Authz may be nil, in which case everything is readable.
	Authz  pitrepo.AuthzFunc
	Editor pitrepo.Editor

	// SpillMem and TmpDir configure the report log buffer.
	SpillMem int
	TmpDir   string
}

// Report records a client's report and replays it on FinishReport.
type Report struct {
	repo  pitrepo.Repository
	opts  Options
	tRev  pitrepo.Revnum
	tPath string
	buf   *SpillBuffer
	wr    *bufio.Writer
	done  bool
}

var _ pitrepo.Reporter = (*Report)(nil)

// Begin starts a report against repo.
func Begin(repo pitrepo.Repository, opts Options) (r *Report, err error) {
	if opts.Editor == nil {
		return nil, errors.New("report needs an editor")
	}
	if opts.Depth == pitrepo.DepthExclude {
		return nil, errors.Wrap(pitrepo.ErrBadReport, "requested depth exclude not supported")
	}
	youngest, err := repo.Youngest()
	if err != nil {
		return
	}
	tRev := opts.TargetRev
	if !tRev.Valid() {
		tRev = youngest
	}
	if tRev > youngest {
		return nil, errors.Wrapf(pitrepo.ErrNoSuchRevision, "r%v", tRev)
	}
	opts.FsBase = pitrepo.CanonFspath(opts.FsBase)
	opts.Operand = strings.Trim(opts.Operand, "/")
	tPath := pitrepo.JoinFspath(opts.FsBase, opts.Operand)
	if opts.SwitchPath != "" {
		if !strings.HasPrefix(opts.SwitchPath, "/") {
			return nil, errors.Wrapf(pitrepo.ErrIllegalTarget, "switch target %q", opts.SwitchPath)
		}
		opts.SwitchPath = pitrepo.CanonFspath(opts.SwitchPath)
		tPath = opts.SwitchPath
	}
	buf := NewSpillBuffer(opts.SpillMem, opts.TmpDir)
	r = &Report{
		repo:  repo,
		opts:  opts,
		tRev:  tRev,
		tPath: tPath,
		buf:   buf,
		wr:    bufio.NewWriter(buf),
	}
	log.Debugf("report begin: anchor %s operand %q target %s@%v", opts.FsBase, opts.Operand, tPath, tRev)
	return
}

// TargetRevision is the revision the report will be replayed to.
func (r *Report) TargetRevision() pitrepo.Revnum {
	return r.tRev
}

func (r *Report) write(pi *PathInfo) (err error) {
	if r.done {
		return errors.New("report already finished")
	}
	return Encode(r.wr, pi)
}

func (r *Report) SetPath(path string, rev pitrepo.Revnum, depth pitrepo.Depth, startEmpty bool, lockToken string) error {
	return r.write(&PathInfo{
		Path:       pitrepo.JoinRelpath(r.opts.Operand, path),
		Rev:        rev,
		Depth:      depth,
		StartEmpty: startEmpty,
		LockToken:  lockToken,
	})
}

func (r *Report) DeletePath(path string) error {
	return r.write(&PathInfo{
		Path:  pitrepo.JoinRelpath(r.opts.Operand, path),
		Rev:   pitrepo.InvalidRevnum,
		Depth: pitrepo.DepthInfinity,
	})
}

func (r *Report) LinkPath(path, linkPath string, rev pitrepo.Revnum, depth pitrepo.Depth, startEmpty bool, lockToken string) error {
	if depth == pitrepo.DepthExclude {
		return errors.Wrapf(pitrepo.ErrIllegalTarget, "depth exclude on link of %q", path)
	}
	if !strings.HasPrefix(linkPath, "/") {
		return errors.Wrapf(pitrepo.ErrIllegalTarget, "link target %q is not a repository path", linkPath)
	}
	return r.write(&PathInfo{
		Path:       pitrepo.JoinRelpath(r.opts.Operand, path),
		LinkPath:   pitrepo.CanonFspath(linkPath),
		Rev:        rev,
		Depth:      depth,
		StartEmpty: startEmpty,
		LockToken:  lockToken,
	})
}

// Append records pi as is; its path must already be anchor-relative
// and at or below the operand.
func (r *Report) Append(pi *PathInfo) (err error) {
	if !relevant(pi, r.opts.Operand) {
		return errors.Wrapf(pitrepo.ErrBadReport, "%q is outside operand %q", pi.Path, r.opts.Operand)
	}
	if pi.LinkPath != "" && pi.Depth == pitrepo.DepthExclude {
		return errors.Wrapf(pitrepo.ErrIllegalTarget, "depth exclude on link of %q", pi.Path)
	}
	return r.write(pi)
}

// FinishReport replays the report, driving the editor from the
// client's source state to the target revision.
func (r *Report) FinishReport(ctx context.Context) (err error) {
	if r.done {
		return errors.New("report already finished")
	}
	r.done = true
	defer func() {
		cerr := r.buf.Close()
		if cerr != nil {
			log.Errorf("closing report buffer: %v", cerr)
		}
	}()
	err = EncodeEnd(r.wr)
	if err != nil {
		return
	}
	err = r.wr.Flush()
	if err != nil {
		return
	}
	rd, err := r.buf.Reader()
	if err != nil {
		return
	}
	reader := newPathReader(ctx, NewDecoder(rd))
	return r.replay(ctx, reader)
}

// AbortReport discards the report without driving the editor.
func (r *Report) AbortReport() error {
	r.done = true
	return r.buf.Close()
}

// replay checks the report's top-level shape and drives the edit.
func (r *Report) replay(ctx context.Context, reader *pathReader) (err error) {
	err = reader.next()
	if err != nil {
		return
	}
	info := reader.lookahead
	if info == nil || info.Path != r.opts.Operand || info.LinkPath != "" || !info.Rev.Valid() {
		return errors.Wrap(pitrepo.ErrBadReport, "invalid report for top level of working copy")
	}
	sRev := info.Rev

	err = reader.next()
	if err != nil {
		return
	}
	if la := reader.lookahead; la != nil && la.Path == r.opts.Operand {
		if r.opts.Operand == "" {
			return errors.Wrap(pitrepo.ErrBadReport, "two top-level reports with no target")
		}
		// a deleted operand keeps the reported depth
		if !la.Rev.Valid() {
			la.Depth = info.Depth
		}
		info = la
		err = reader.next()
		if err != nil {
			return
		}
	}

	tRoot, err := r.repo.Root(r.tRev)
	if err != nil {
		return
	}
	defer tRoot.Close()

	d := &driver{
		ctx:      ctx,
		repo:     r.repo,
		opts:     &r.opts,
		editor:   r.opts.Editor,
		tRev:     r.tRev,
		tRoot:    tRoot,
		tPath:    r.tPath,
		isSwitch: r.opts.SwitchPath != "",
		rd:       reader,
		sRoots:   &sourceRoots{repo: r.repo},
		revs:     newRevInfos(r.repo),
	}
	defer d.sRoots.close()

	err = d.drive(sRev, info)
	if err != nil {
		log.Debugf("edit failed, aborting: %v", err)
		return pitrepo.ComposeAbort(err, d.editor.AbortEdit())
	}
	return d.editor.CloseEdit()
}
