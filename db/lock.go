package db

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitrepo"
	"github.com/vmihailenco/msgpack"
)

// the lock table is one msgpack map, replaced atomically on change
const lockFile = "locks"

func (db *Db) loadLocks() (locks map[string]*pitrepo.Lock, err error) {
	locks = map[string]*pitrepo.Lock{}
	buf, err := ioutil.ReadFile(filepath.Join(db.Dir, lockFile))
	if os.IsNotExist(err) {
		return locks, nil
	}
	if err != nil {
		return
	}
	err = msgpack.Unmarshal(buf, &locks)
	if err != nil {
		return nil, errors.Wrap(err, "decoding lock table")
	}
	return
}

func (db *Db) saveLocks(locks map[string]*pitrepo.Lock) (err error) {
	buf, err := msgpack.Marshal(locks)
	if err != nil {
		return
	}
	return renameio.WriteFile(filepath.Join(db.Dir, lockFile), buf, 0644)
}

// GetLock returns the lock on path, or nil.
func (db *Db) GetLock(path string) (lock *pitrepo.Lock, err error) {
	locks, err := db.loadLocks()
	if err != nil {
		return
	}
	return locks[pitrepo.CanonFspath(path)], nil
}

// Locks lists every lock at or below path.
func (db *Db) Locks(path string) (out []*pitrepo.Lock, err error) {
	locks, err := db.loadLocks()
	if err != nil {
		return
	}
	path = pitrepo.CanonFspath(path)
	for p, lock := range locks {
		if isAncestor(path, p) {
			out = append(out, lock)
		}
	}
	return
}

// LockPath locks the file at path for owner and returns the new lock.
func (db *Db) LockPath(path, owner string) (lock *pitrepo.Lock, err error) {
	defer Return(&err)
	path = pitrepo.CanonFspath(path)

	youngest, err := db.Youngest()
	Ck(err)
	root, err := db.RevRoot(youngest)
	Ck(err)
	defer root.Close()
	node, err := root.Node(path)
	Ck(err)
	if node == nil {
		return nil, errors.Wrapf(pitrepo.ErrNotFound, "%s@%v", path, youngest)
	}
	if node.Kind != pitrepo.KindFile {
		return nil, errors.Errorf("%s is not a file", path)
	}

	locks, err := db.loadLocks()
	Ck(err)
	if old := locks[path]; old != nil {
		return nil, errors.Wrapf(pitrepo.ErrLocked, "%s is locked by %s", path, old.Owner)
	}
	lock = &pitrepo.Lock{
		Path:    path,
		Token:   "opaquelocktoken:" + newID(),
		Owner:   owner,
		Created: time.Now().UTC(),
	}
	locks[path] = lock
	err = db.saveLocks(locks)
	Ck(err)
	log.Debugf("locked %s for %s", path, owner)
	return
}

// Unlock releases the lock on path.  token must match unless force is
// set.
func (db *Db) Unlock(path, token string, force bool) (err error) {
	defer Return(&err)
	path = pitrepo.CanonFspath(path)
	locks, err := db.loadLocks()
	Ck(err)
	old := locks[path]
	if old == nil {
		return errors.Wrap(pitrepo.ErrNotLocked, path)
	}
	if !force && old.Token != token {
		return errors.Wrapf(pitrepo.ErrLocked, "%s: token does not match", path)
	}
	delete(locks, path)
	return db.saveLocks(locks)
}

// isAncestor reports whether fspath b is a or below it.
func isAncestor(a, b string) bool {
	if a == "/" || a == b {
		return true
	}
	return len(b) > len(a) && b[:len(a)] == a && b[len(a)] == '/'
}
