package wc

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/textdelta"
)

// pendingFile is a file between open/add and close.
type pendingFile struct {
	add     bool
	base    *os.File
	pending *renameio.PendingFile
	hash    hash.Hash
}

// diskEditor applies an edit to the working copy.  Paths it receives
// are relative to anchor.
type diskEditor struct {
	wc     *WC
	anchor string
	target pitrepo.Revnum
	files  map[string]*pendingFile
	// done runs after the state is bumped, before it is saved
	done func(target pitrepo.Revnum) error
}

var _ pitrepo.Editor = (*diskEditor)(nil)

func (e *diskEditor) rel(path string) string {
	return pitrepo.JoinRelpath(e.anchor, path)
}

func (e *diskEditor) entry(path string) (rel string, entry *Entry, err error) {
	rel = e.rel(path)
	entry = e.wc.State.Entries[rel]
	if entry == nil {
		err = errors.Wrapf(pitrepo.ErrNotFound, "no entry for %q", rel)
	}
	return
}

func (e *diskEditor) SetTargetRevision(rev pitrepo.Revnum) error {
	e.target = rev
	return nil
}

func (e *diskEditor) OpenRoot(baseRev pitrepo.Revnum) error {
	_, entry, err := e.entry("")
	if err != nil {
		return err
	}
	if entry.Kind != pitrepo.KindDir {
		return errors.Errorf("anchor %q is not a directory", e.anchor)
	}
	return nil
}

func (e *diskEditor) AddDirectory(path, copyFromPath string, copyFromRev pitrepo.Revnum) (err error) {
	rel := e.rel(path)
	err = os.MkdirAll(e.wc.abs(rel), 0755)
	if err != nil {
		return
	}
	e.wc.State.remove(rel)
	e.wc.State.Entries[rel] = &Entry{
		Kind:         pitrepo.KindDir,
		Rev:          e.target,
		Depth:        pitrepo.DepthInfinity,
		CommittedRev: pitrepo.InvalidRevnum,
	}
	log.Debugf("wc: added dir %s", rel)
	return
}

func (e *diskEditor) OpenDirectory(path string, baseRev pitrepo.Revnum) (err error) {
	rel, entry, err := e.entry(path)
	if err != nil {
		return
	}
	if entry.Kind != pitrepo.KindDir {
		return errors.Errorf("%s is not a directory", rel)
	}
	return
}

func (e *diskEditor) setProp(path, name string, value *string) (err error) {
	rel, entry, err := e.entry(path)
	if err != nil {
		return
	}
	switch name {
	case pitrepo.PropEntryCommittedRev:
		entry.CommittedRev = pitrepo.InvalidRevnum
		if value != nil {
			n, err := strconv.ParseInt(*value, 10, 64)
			if err != nil {
				return errors.Wrapf(err, "%s: committed rev", rel)
			}
			entry.CommittedRev = pitrepo.Revnum(n)
		}
	case pitrepo.PropEntryCommittedDate:
		entry.CommittedDate = deref(value)
	case pitrepo.PropEntryLastAuthor:
		entry.LastAuthor = deref(value)
	case pitrepo.PropEntryUUID:
		if value != nil {
			e.wc.State.UUID = *value
		}
	case pitrepo.PropEntryLockToken:
		// only ever sent to clear a stale token
		if value == nil {
			log.Debugf("wc: lock token on %s is stale", rel)
			entry.LockToken = ""
		}
	default:
		if value == nil {
			delete(entry.Props, name)
			return
		}
		if entry.Props == nil {
			entry.Props = pitrepo.Props{}
		}
		entry.Props[name] = *value
	}
	return
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func (e *diskEditor) ChangeDirProp(path, name string, value *string) error {
	return e.setProp(path, name, value)
}

func (e *diskEditor) CloseDirectory(path string) error {
	return nil
}

func (e *diskEditor) AddFile(path, copyFromPath string, copyFromRev pitrepo.Revnum) error {
	rel := e.rel(path)
	e.wc.State.remove(rel)
	e.wc.State.Entries[rel] = &Entry{
		Kind:         pitrepo.KindFile,
		Rev:          e.target,
		CommittedRev: pitrepo.InvalidRevnum,
	}
	e.files[rel] = &pendingFile{add: true}
	return nil
}

func (e *diskEditor) OpenFile(path string, baseRev pitrepo.Revnum) (err error) {
	rel, entry, err := e.entry(path)
	if err != nil {
		return
	}
	if entry.Kind != pitrepo.KindFile {
		return errors.Errorf("%s is not a file", rel)
	}
	e.files[rel] = &pendingFile{}
	return
}

func fileChecksum(fh *os.File) (sum string, err error) {
	h := sha256.New()
	_, err = io.Copy(h, fh)
	if err != nil {
		return
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (e *diskEditor) ApplyTextDelta(path, baseChecksum string) (handler textdelta.WindowHandler, err error) {
	rel := e.rel(path)
	pf := e.files[rel]
	if pf == nil {
		return nil, errors.Errorf("%s is not open", rel)
	}
	fn := e.wc.abs(rel)

	var src io.ReaderAt
	if !pf.add {
		pf.base, err = os.Open(fn)
		if err != nil {
			return
		}
		var sum string
		sum, err = fileChecksum(pf.base)
		if err != nil {
			return
		}
		if baseChecksum != "" && sum != baseChecksum {
			return nil, errors.Wrapf(pitrepo.ErrChecksumMismatch, "%s is locally modified", rel)
		}
		src = pf.base
	}

	err = os.MkdirAll(filepath.Dir(fn), 0755)
	if err != nil {
		return
	}
	pf.pending, err = renameio.TempFile(filepath.Dir(fn), fn)
	if err != nil {
		return
	}
	pf.hash = sha256.New()
	apply := textdelta.Apply(src, io.MultiWriter(pf.pending, pf.hash))
	return func(w *textdelta.Window) error {
		if w == nil {
			return pf.closeBase()
		}
		return apply(w)
	}, nil
}

func (pf *pendingFile) closeBase() (err error) {
	if pf.base != nil {
		err = pf.base.Close()
		pf.base = nil
	}
	return
}

func (pf *pendingFile) cleanup() {
	pf.closeBase()
	if pf.pending != nil {
		pf.pending.Cleanup()
		pf.pending = nil
	}
}

func (e *diskEditor) ChangeFileProp(path, name string, value *string) error {
	return e.setProp(path, name, value)
}

func (e *diskEditor) CloseFile(path, checksum string) (err error) {
	rel, entry, err := e.entry(path)
	if err != nil {
		return
	}
	pf := e.files[rel]
	if pf == nil {
		return errors.Errorf("%s is not open", rel)
	}
	delete(e.files, rel)
	defer pf.cleanup()

	switch {
	case pf.pending != nil:
		sum := hex.EncodeToString(pf.hash.Sum(nil))
		if checksum != "" && sum != checksum {
			return errors.Wrapf(pitrepo.ErrChecksumMismatch, "%s: got %s, expected %s", rel, sum, checksum)
		}
		err = pf.closeBase()
		if err != nil {
			return
		}
		err = pf.pending.Chmod(0644)
		if err != nil {
			return
		}
		err = pf.pending.CloseAtomicallyReplace()
		pf.pending = nil
		if err != nil {
			return
		}
		entry.Checksum = sum
	case pf.add:
		// no delta: the file is empty
		fn := e.wc.abs(rel)
		err = os.MkdirAll(filepath.Dir(fn), 0755)
		if err != nil {
			return
		}
		err = renameio.WriteFile(fn, nil, 0644)
		if err != nil {
			return
		}
		entry.Checksum = textdelta.Checksum(nil)
	}
	entry.Rev = e.target
	log.Debugf("wc: wrote %s", rel)
	return
}

func (e *diskEditor) DeleteEntry(path string, rev pitrepo.Revnum) (err error) {
	rel := e.rel(path)
	err = os.RemoveAll(e.wc.abs(rel))
	if err != nil {
		return
	}
	e.wc.State.remove(rel)
	log.Debugf("wc: deleted %s", rel)
	return
}

func (e *diskEditor) absent(path string, kind pitrepo.Kind) error {
	rel := e.rel(path)
	err := os.RemoveAll(e.wc.abs(rel))
	if err != nil {
		return err
	}
	e.wc.State.remove(rel)
	e.wc.State.Entries[rel] = &Entry{Kind: kind, Rev: e.target, Absent: true, CommittedRev: pitrepo.InvalidRevnum}
	return nil
}

func (e *diskEditor) AbsentDirectory(path string) error {
	return e.absent(path, pitrepo.KindDir)
}

func (e *diskEditor) AbsentFile(path string) error {
	return e.absent(path, pitrepo.KindFile)
}

func (e *diskEditor) cleanup() {
	for rel, pf := range e.files {
		pf.cleanup()
		delete(e.files, rel)
	}
}

func (e *diskEditor) CloseEdit() (err error) {
	e.cleanup()
	if e.done != nil {
		err = e.done(e.target)
		if err != nil {
			return
		}
	}
	return e.wc.State.save(e.wc.Dir)
}

// AbortEdit drops the edited state; the disk keeps whatever was
// already written.
func (e *diskEditor) AbortEdit() (err error) {
	e.cleanup()
	state, err := loadState(e.wc.Dir)
	if err != nil {
		return
	}
	e.wc.State = state
	return
}
