package reporter

import (
	"context"
	"io"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/textdelta"
)

// driver walks the source and target trees of one replay and sends
// the differences to the editor.  Editor paths are anchor-relative;
// source and target paths are repository paths.
type driver struct {
	ctx      context.Context
	repo     pitrepo.Repository
	opts     *Options
	editor   pitrepo.Editor
	tRev     pitrepo.Revnum
	tRoot    pitrepo.Root
	tPath    string
	isSwitch bool

	rd     *pathReader
	sRoots *sourceRoots
	revs   *revInfos
}

func (d *driver) allowed(path string) bool {
	if d.opts.Authz == nil {
		return true
	}
	return d.opts.Authz(path)
}

func (d *driver) checkCancel() error {
	return errors.WithStack(d.ctx.Err())
}

// sourceNode resolves path in the source revision rev.
func (d *driver) sourceNode(rev pitrepo.Revnum, path string) (node *pitrepo.Node, err error) {
	root, err := d.sRoots.get(rev)
	if err != nil {
		return
	}
	return root.Node(path)
}

// drive runs the whole edit for a report whose operand record is info
// and whose source revision is sRev.
func (d *driver) drive(sRev pitrepo.Revnum, info *PathInfo) (err error) {
	operand := d.opts.Operand
	tAnchor := d.tPath
	if operand != "" {
		tAnchor = pitrepo.Dirname(d.tPath)
	}
	if !d.allowed(tAnchor) {
		return errors.WithStack(pitrepo.ErrRootUnreadable)
	}

	sPath := pitrepo.JoinFspath(d.opts.FsBase, operand)
	sNode, err := d.sourceNode(sRev, sPath)
	if err != nil {
		return
	}
	tNode, err := d.tRoot.Node(d.tPath)
	if err != nil {
		return
	}

	// a locally added operand does not exist in the source
	isSetPath := info.Rev.Valid() && info.LinkPath == ""
	if isSetPath && sNode == nil {
		sPath = ""
	}

	if operand == "" {
		if tNode == nil {
			return errors.Wrapf(pitrepo.ErrPathSyntax, "target path %s does not exist", d.tPath)
		}
		if sNode == nil || sNode.Kind != pitrepo.KindDir || tNode.Kind != pitrepo.KindDir {
			return errors.Wrap(pitrepo.ErrPathSyntax, "cannot replace a directory from within")
		}
	}

	err = d.editor.SetTargetRevision(d.tRev)
	if err != nil {
		return
	}
	err = d.editor.OpenRoot(sRev)
	if err != nil {
		return
	}
	if operand == "" {
		var rel pitrepo.Relation
		rel, err = d.repo.Relatedness(sNode, tNode)
		if err != nil {
			return
		}
		touched := rel != pitrepo.Identical || info.StartEmpty
		err = d.deltaDirs(sRev, sPath, d.tPath, "", info.StartEmpty, touched, info.Depth, d.opts.Depth)
	} else {
		err = d.updateEntry(sRev, sPath, sNode, d.tPath, tNode, operand, info, info.Depth, d.opts.Depth)
	}
	if err != nil {
		return
	}
	return d.editor.CloseDirectory("")
}

// updateEntry brings the editor's ePath from the source node at sPath
// to the target node at tPath.  sPath is "" when there is no source.
func (d *driver) updateEntry(sRev pitrepo.Revnum, sPath string, sNode *pitrepo.Node, tPath string, tNode *pitrepo.Node, ePath string, info *PathInfo, wcDepth, requested pitrepo.Depth) (err error) {
	err = d.checkCancel()
	if err != nil {
		return
	}

	if info != nil && info.LinkPath != "" && !d.isSwitch {
		tPath = info.LinkPath
		tNode, err = d.tRoot.Node(tPath)
		if err != nil {
			return
		}
	}

	if info != nil && !info.Rev.Valid() {
		sPath = ""
		sNode = nil
	} else if info != nil && sPath != "" {
		if info.LinkPath != "" {
			sPath = info.LinkPath
		}
		sRev = info.Rev
		sNode, err = d.sourceNode(sRev, sPath)
		if err != nil {
			return
		}
	}

	if sPath != "" && sNode == nil {
		return errors.Wrapf(pitrepo.ErrNotFound, "working copy path %q does not exist in repository", ePath)
	}

	related := false
	identical := false
	if sNode != nil && tNode != nil && sNode.Kind == tNode.Kind {
		rel, err := d.repo.Relatedness(sNode, tNode)
		if err != nil {
			return err
		}
		if rel == pitrepo.Identical && !d.rd.any(ePath) &&
			(requested <= wcDepth || tNode.Kind == pitrepo.KindFile) {
			if info == nil {
				return nil
			}
			if !info.StartEmpty {
				if info.LockToken == "" {
					return nil
				}
				lock, err := d.repo.GetLock(tPath)
				if err != nil {
					return err
				}
				if lock != nil && lock.Token == info.LockToken {
					return nil
				}
			}
		}
		identical = rel == pitrepo.Identical
		related = rel != pitrepo.Unrelated || d.opts.IgnoreAncestry
	}

	if sNode != nil && !related {
		delRev, err := DeletedRev(d.ctx, d.repo, tPath, sRev, d.tRev)
		if err != nil {
			return err
		}
		if !delRev.Valid() {
			// not deleted in between, so it was replaced on the way
			exists, err := d.tRoot.Node(tPath)
			if err != nil {
				return err
			}
			if exists != nil {
				delRev = d.tRev - 1
			}
		}
		log.Debugf("delete %q (unrelated source) at r%v", ePath, delRev)
		err = d.editor.DeleteEntry(ePath, delRev)
		if err != nil {
			return err
		}
		sPath = ""
	}

	if tNode == nil {
		return d.rd.skip(ePath)
	}

	if !d.allowed(tPath) {
		log.Debugf("absent %q: not authorized", ePath)
		if tNode.Kind == pitrepo.KindDir {
			err = d.editor.AbsentDirectory(ePath)
		} else {
			err = d.editor.AbsentFile(ePath)
		}
		if err != nil {
			return
		}
		return d.rd.skip(ePath)
	}

	startEmpty := info != nil && info.StartEmpty
	lockToken := ""
	if info != nil {
		lockToken = info.LockToken
	}
	// entry props go out only when something about the node changed
	touched := !identical || startEmpty

	if tNode.Kind == pitrepo.KindDir {
		if related {
			err = d.editor.OpenDirectory(ePath, sRev)
		} else {
			err = d.editor.AddDirectory(ePath, "", pitrepo.InvalidRevnum)
		}
		if err != nil {
			return
		}
		err = d.deltaDirs(sRev, sPath, tPath, ePath, startEmpty, touched, wcDepth, requested)
		if err != nil {
			return
		}
		return d.editor.CloseDirectory(ePath)
	}

	if related {
		err = d.editor.OpenFile(ePath, sRev)
		if err != nil {
			return
		}
	} else {
		copyPath, copyRev := "", pitrepo.InvalidRevnum
		if d.opts.SendCopyFrom && tNode.CopyFromPath != "" && d.allowed(tNode.CopyFromPath) {
			copyPath, copyRev = tNode.CopyFromPath, tNode.CopyFromRev
		}
		err = d.editor.AddFile(ePath, copyPath, copyRev)
		if err != nil {
			return
		}
		if copyPath != "" {
			// diff against the file we copied from
			sRev, sPath = copyRev, copyPath
		}
	}
	err = d.deltaFiles(sRev, sPath, tPath, ePath, lockToken, touched)
	if err != nil {
		return
	}
	return d.editor.CloseFile(ePath, tNode.Checksum)
}

// deltaFiles sends the prop and content changes of one file.
func (d *driver) deltaFiles(sRev pitrepo.Revnum, sPath, tPath, ePath, lockToken string, touched bool) (err error) {
	err = d.deltaProps(sRev, sPath, tPath, ePath, lockToken, touched, d.editor.ChangeFileProp)
	if err != nil {
		return
	}

	tNode, err := d.tRoot.Node(tPath)
	if err != nil {
		return
	}
	var source io.Reader
	baseChecksum := ""
	if sPath != "" {
		sNode, err := d.sourceNode(sRev, sPath)
		if err != nil {
			return err
		}
		if sNode == nil {
			return errors.Wrapf(pitrepo.ErrNotFound, "%s@%v", sPath, sRev)
		}
		if sNode.Checksum == tNode.Checksum {
			return nil
		}
		baseChecksum = sNode.Checksum
		if d.opts.TextDeltas {
			root, err := d.sRoots.get(sRev)
			if err != nil {
				return err
			}
			content, err := root.Content(sPath)
			if err != nil {
				return err
			}
			defer content.Close()
			source = content
		}
	}

	handler, err := d.editor.ApplyTextDelta(ePath, baseChecksum)
	if err != nil {
		return
	}
	if handler == nil {
		return
	}
	if !d.opts.TextDeltas {
		return handler(nil)
	}
	target, err := d.tRoot.Content(tPath)
	if err != nil {
		return
	}
	defer target.Close()
	checksum, err := textdelta.Send(source, target, handler)
	if err != nil {
		return
	}
	if checksum != tNode.Checksum {
		return errors.Wrapf(pitrepo.ErrChecksumMismatch, "%s: sent %s, node has %s", tPath, checksum, tNode.Checksum)
	}
	return
}

type propFunc func(path, name string, value *string) error

// deltaProps sends the prop differences between the source and target
// nodes, plus entry props when touched is set.  sPath "" means the
// source has no props.
func (d *driver) deltaProps(sRev pitrepo.Revnum, sPath, tPath, ePath, lockToken string, touched bool, change propFunc) (err error) {
	if touched {
		crev, err := d.tRoot.LastChanged(tPath)
		if err != nil {
			return err
		}
		if crev.Valid() {
			err = d.entryProps(crev, sPath != "", ePath, change)
			if err != nil {
				return err
			}
		}
	}

	if lockToken != "" {
		lock, err := d.repo.GetLock(tPath)
		if err != nil {
			return err
		}
		if lock == nil || lock.Token != lockToken {
			err = change(ePath, pitrepo.PropEntryLockToken, nil)
			if err != nil {
				return err
			}
		}
	}

	sProps := pitrepo.Props{}
	if sPath != "" {
		root, err := d.sRoots.get(sRev)
		if err != nil {
			return err
		}
		sProps, err = root.Props(sPath)
		if err != nil {
			return err
		}
	}
	tProps, err := d.tRoot.Props(tPath)
	if err != nil {
		return
	}
	for _, diff := range diffProps(sProps, tProps) {
		err = change(ePath, diff.name, diff.value)
		if err != nil {
			return
		}
	}
	return
}

func (d *driver) entryProps(crev pitrepo.Revnum, hasSource bool, ePath string, change propFunc) (err error) {
	crevStr := strconv.FormatInt(int64(crev), 10)
	err = change(ePath, pitrepo.PropEntryCommittedRev, &crevStr)
	if err != nil {
		return
	}
	ri, err := d.revs.get(crev)
	if err != nil {
		return
	}
	if !ri.Date.IsZero() {
		date := ri.Date.UTC().Format(pitrepo.DateFormat)
		err = change(ePath, pitrepo.PropEntryCommittedDate, &date)
	} else if hasSource {
		err = change(ePath, pitrepo.PropEntryCommittedDate, nil)
	}
	if err != nil {
		return
	}
	if ri.Author != "" {
		author := ri.Author
		err = change(ePath, pitrepo.PropEntryLastAuthor, &author)
	} else if hasSource {
		err = change(ePath, pitrepo.PropEntryLastAuthor, nil)
	}
	if err != nil {
		return
	}
	uuid := d.repo.UUID()
	return change(ePath, pitrepo.PropEntryUUID, &uuid)
}

type propDiff struct {
	name  string
	value *string
}

// diffProps lists, sorted by name, the changes that turn from into to.
func diffProps(from, to pitrepo.Props) (diffs []propDiff) {
	for name, tv := range to {
		sv, ok := from[name]
		if ok && sv == tv {
			continue
		}
		v := tv
		diffs = append(diffs, propDiff{name: name, value: &v})
	}
	for name := range from {
		if _, ok := to[name]; !ok {
			diffs = append(diffs, propDiff{name: name})
		}
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].name < diffs[j].name })
	return
}
