package wc

import (
	"os"

	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
)

// present reports whether rel is on disk with the given kind.
func (wc *WC) present(rel string, kind pitrepo.Kind) bool {
	info, err := os.Lstat(wc.abs(rel))
	if err != nil {
		return false
	}
	if kind == pitrepo.KindDir {
		return info.IsDir()
	}
	return info.Mode().IsRegular()
}

func entryDepth(e *Entry) pitrepo.Depth {
	if e.Kind == pitrepo.KindDir {
		return e.Depth
	}
	return pitrepo.DepthInfinity
}

// Crawl describes the subtree at target to rep, relative to target,
// and finishes nothing: the caller ends the report.
func (wc *WC) Crawl(target string, rep pitrepo.Reporter) (err error) {
	_, operand := wc.anchor(target, "")
	return wc.crawl(target, operand != "", rep)
}

// crawl reports target.  When the report is anchored at target's
// parent the target itself may be reported deleted or linked.
func (wc *WC) crawl(target string, anchored bool, rep pitrepo.Reporter) (err error) {
	top := wc.State.Entries[target]
	if top == nil || top.Absent || top.Excluded {
		return errors.Wrapf(pitrepo.ErrNotFound, "%q is not in the working copy", target)
	}
	depth := entryDepth(top)
	if !wc.present(target, top.Kind) {
		if !anchored {
			// report it empty so it comes back whole
			return rep.SetPath("", top.Rev, depth, true, "")
		}
		err = rep.SetPath("", top.Rev, depth, false, "")
		if err != nil {
			return
		}
		return rep.DeletePath("")
	}
	err = rep.SetPath("", top.Rev, depth, false, top.LockToken)
	if err != nil {
		return
	}
	if anchored && top.Switched != "" {
		err = rep.LinkPath("", top.Switched, top.Rev, depth, false, top.LockToken)
		if err != nil {
			return
		}
	}
	if top.Kind != pitrepo.KindDir {
		return
	}
	return wc.crawlDir(target, "", top, rep)
}

func (wc *WC) crawlDir(dir, rdir string, parent *Entry, rep pitrepo.Reporter) (err error) {
	for _, name := range wc.State.children(dir) {
		rel := pitrepo.JoinRelpath(dir, name)
		rpath := pitrepo.JoinRelpath(rdir, name)
		e := wc.State.Entries[rel]
		switch {
		case e.Absent:
			continue
		case e.Excluded:
			err = rep.SetPath(rpath, parent.Rev, pitrepo.DepthExclude, false, "")
			if err != nil {
				return
			}
			continue
		case !wc.present(rel, e.Kind):
			err = rep.DeletePath(rpath)
			if err != nil {
				return
			}
			continue
		}

		depth := entryDepth(e)
		switch {
		case e.Switched != "":
			err = rep.LinkPath(rpath, e.Switched, e.Rev, depth, false, e.LockToken)
		case e.Rev != parent.Rev || e.LockToken != "" || depth != pitrepo.DepthInfinity:
			err = rep.SetPath(rpath, e.Rev, depth, false, e.LockToken)
		}
		if err != nil {
			return
		}
		if e.Kind == pitrepo.KindDir {
			err = wc.crawlDir(rel, rpath, e, rep)
			if err != nil {
				return
			}
		}
	}
	return
}
