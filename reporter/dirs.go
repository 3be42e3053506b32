package reporter

import (
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
)

// IsDepthUpgrade reports whether a node of the given kind must be
// sent in full because the requested depth takes the working copy
// deeper than wcDepth.
func IsDepthUpgrade(wcDepth, requested pitrepo.Depth, kind pitrepo.Kind) bool {
	if requested == pitrepo.DepthUnknown || requested <= wcDepth || wcDepth == pitrepo.DepthImmediates {
		return false
	}
	if kind == pitrepo.KindFile && wcDepth == pitrepo.DepthFiles {
		return false
	}
	if kind == pitrepo.KindDir && wcDepth == pitrepo.DepthEmpty && requested == pitrepo.DepthFiles {
		return false
	}
	return true
}

func sortedNames(m map[string]*pitrepo.Node) (names []string) {
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

// deltaDirs sends the changes inside a directory that the editor
// already has open at ePath.  sPath "" means the source side has no
// directory.
func (d *driver) deltaDirs(sRev pitrepo.Revnum, sPath, tPath, ePath string, startEmpty, touched bool, wcDepth, requested pitrepo.Depth) (err error) {
	propSource := sPath
	if startEmpty {
		propSource = ""
	}
	err = d.deltaProps(sRev, propSource, tPath, ePath, "", touched, d.editor.ChangeDirProp)
	if err != nil {
		return
	}

	if requested != pitrepo.DepthUnknown && requested <= pitrepo.DepthEmpty {
		// nothing below here is wanted
		return d.rd.skip(ePath)
	}

	var sEntries map[string]*pitrepo.Node
	if sPath != "" && !startEmpty {
		root, err := d.sRoots.get(sRev)
		if err != nil {
			return err
		}
		sEntries, err = root.Children(sPath)
		if err != nil {
			return err
		}
	}
	if sEntries == nil {
		sEntries = map[string]*pitrepo.Node{}
	}
	tEntries, err := d.tRoot.Children(tPath)
	if err != nil {
		return
	}

	// reported deletes: source side is gone, target side handled below
	deleted := map[string]bool{}

	for {
		err = d.checkCancel()
		if err != nil {
			return
		}
		name, info, err := d.rd.fetch(ePath)
		if err != nil {
			return err
		}
		if name == "" {
			break
		}
		eChild := pitrepo.JoinRelpath(ePath, name)

		if info != nil && !info.Rev.Valid() && info.Depth != pitrepo.DepthExclude {
			log.Debugf("reported delete of %q", eChild)
			deleted[name] = true
			err = d.rd.skip(eChild)
			if err != nil {
				return err
			}
			continue
		}

		tChild := pitrepo.JoinFspath(tPath, name)
		tEntry := tEntries[name]
		sEntry := sEntries[name]
		sChild := ""
		if sPath != "" && (info != nil || !startEmpty) {
			sChild = pitrepo.JoinFspath(sPath, name)
		}

		isDir := (tEntry != nil && tEntry.Kind == pitrepo.KindDir) || (sEntry != nil && sEntry.Kind == pitrepo.KindDir)
		excluded := info != nil && info.Depth == pitrepo.DepthExclude
		if (requested == pitrepo.DepthFiles && isDir) || excluded {
			err = d.rd.skip(eChild)
			if err != nil {
				return err
			}
		} else {
			childDepth := wcDepth.BelowHere()
			if info != nil {
				childDepth = info.Depth
			}
			err = d.updateEntry(sRev, sChild, sEntry, tChild, tEntry, eChild, info, childDepth, requested.BelowHere())
			if err != nil {
				return err
			}
		}

		delete(tEntries, name)
		// an excluded entry gone from the target still gets deleted
		if !excluded || tEntry != nil {
			delete(sEntries, name)
		}
	}

	for _, name := range sortedNames(sEntries) {
		err = d.checkCancel()
		if err != nil {
			return
		}
		sEntry := sEntries[name]
		if tEntries[name] != nil {
			continue
		}
		if sEntry.Kind == pitrepo.KindFile && wcDepth < pitrepo.DepthFiles {
			continue
		}
		if sEntry.Kind == pitrepo.KindDir && (wcDepth < pitrepo.DepthImmediates || requested == pitrepo.DepthFiles) {
			continue
		}
		eChild := pitrepo.JoinRelpath(ePath, name)
		delRev, err := DeletedRev(d.ctx, d.repo, pitrepo.JoinFspath(tPath, name), sRev, d.tRev)
		if err != nil {
			return err
		}
		log.Debugf("delete %q at r%v", eChild, delRev)
		err = d.editor.DeleteEntry(eChild, delRev)
		if err != nil {
			return err
		}
	}

	for _, name := range sortedNames(tEntries) {
		err = d.checkCancel()
		if err != nil {
			return
		}
		tEntry := tEntries[name]
		var sEntry *pitrepo.Node
		sChild := ""
		// when deepening the working copy the entry goes out as new
		if !IsDepthUpgrade(wcDepth, requested, tEntry.Kind) {
			if tEntry.Kind == pitrepo.KindFile && requested == pitrepo.DepthUnknown && wcDepth < pitrepo.DepthFiles {
				continue
			}
			if tEntry.Kind == pitrepo.KindDir && (wcDepth < pitrepo.DepthImmediates || requested == pitrepo.DepthFiles) {
				continue
			}
			if !deleted[name] {
				sEntry = sEntries[name]
			}
			if sEntry != nil {
				sChild = pitrepo.JoinFspath(sPath, name)
			}
		}
		err = d.updateEntry(sRev, sChild, sEntry, pitrepo.JoinFspath(tPath, name), tEntry,
			pitrepo.JoinRelpath(ePath, name), nil, wcDepth.BelowHere(), requested.BelowHere())
		if err != nil {
			return
		}
	}
	return
}
