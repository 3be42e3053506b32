package db

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitrepo"
	"github.com/vmihailenco/msgpack"
)

// RevRec is the stored form of one revision.
type RevRec struct {
	Rev    pitrepo.Revnum `msgpack:"rev"`
	Root   string         `msgpack:"root"` // node canpath
	Author string         `msgpack:"author,omitempty"`
	Date   time.Time      `msgpack:"date"`
	Log    string         `msgpack:"log,omitempty"`
}

const headLink = "head"

// RevDir is where revision links live.
func (db *Db) RevDir() string {
	return filepath.Join(db.Dir, "revs")
}

// init stores revision 0, an empty root directory.
func (db *Db) init() (err error) {
	defer Return(&err)
	root, err := db.PutNode(&NodeRec{
		Kind:        pitrepo.KindDir,
		ID:          newID(),
		CreatedRev:  0,
		CreatedPath: "/",
		CopyFromRev: pitrepo.InvalidRevnum,
	})
	Ck(err)
	return db.putRev(&RevRec{Rev: 0, Root: root.Canon, Date: time.Now().UTC()})
}

// putRev stores rec and links it as revs/<n>.  Linking fails when
// another commit already claimed the number.
func (db *Db) putRev(rec *RevRec) (err error) {
	defer Return(&err)
	buf, err := msgpack.Marshal(rec)
	Ck(err)
	file, err := CreateWorm(db, "rev", db.Algo)
	Ck(err)
	_, err = file.Write(buf)
	Ck(err)
	err = file.Close()
	Ck(err)

	src := filepath.Join("..", file.Path.Rel)
	link := filepath.Join(db.RevDir(), strconv.FormatInt(int64(rec.Rev), 10))
	// plain symlink: it must not replace a concurrent commit's link
	err = os.Symlink(src, link)
	if os.IsExist(err) {
		return errors.Wrapf(pitrepo.ErrOutOfDate, "r%v already exists", rec.Rev)
	}
	Ck(err)
	err = renameio.Symlink(src, filepath.Join(db.RevDir(), headLink))
	Ck(err)
	log.Debugf("r%v is %s", rec.Rev, file.Path.Canon)
	return
}

func (db *Db) readRevLink(name string) (rec *RevRec, err error) {
	link := filepath.Join(db.RevDir(), name)
	target, err := os.Readlink(link)
	if err != nil {
		return
	}
	path, err := Path{}.New(db, filepath.Join(db.RevDir(), target))
	if err != nil {
		return
	}
	buf, err := db.getRecord("rev", path.Canon)
	if err != nil {
		return
	}
	rec = &RevRec{}
	err = msgpack.NewDecoder(bytes.NewReader(buf)).Decode(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path.Canon)
	}
	return
}

// GetRev loads the record of revision rev.
func (db *Db) GetRev(rev pitrepo.Revnum) (rec *RevRec, err error) {
	if !rev.Valid() {
		return nil, errors.Wrapf(pitrepo.ErrNoSuchRevision, "r%v", rev)
	}
	rec, err = db.readRevLink(strconv.FormatInt(int64(rev), 10))
	if os.IsNotExist(errors.Cause(err)) {
		return nil, errors.Wrapf(pitrepo.ErrNoSuchRevision, "r%v", rev)
	}
	return
}

// Youngest returns the number of the newest revision.  The head link
// can lag a commit that is still being linked, so links above it are
// checked too.
func (db *Db) Youngest() (rev pitrepo.Revnum, err error) {
	head, err := db.readRevLink(headLink)
	if err != nil {
		return pitrepo.InvalidRevnum, err
	}
	rev = head.Rev
	for exists(filepath.Join(db.RevDir(), strconv.FormatInt(int64(rev+1), 10))) {
		rev++
	}
	return
}

func (db *Db) RevisionInfo(rev pitrepo.Revnum) (info pitrepo.RevInfo, err error) {
	rec, err := db.GetRev(rev)
	if err != nil {
		return
	}
	return pitrepo.RevInfo{Rev: rec.Rev, Author: rec.Author, Date: rec.Date, Log: rec.Log}, nil
}
