package db

import (
	"crypto/sha256"
	"io"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitrepo"
)

// newID returns a fresh lineage id.
func newID() string {
	return ulid.Make().String()
}

type txnNode struct {
	rec *NodeRec
	// canpath is the stored form; "" once the node has changed
	canpath string
	// children of a directory, loaded on first use
	children map[string]*txnNode
	// copied is set on the node a copy created in this txn
	copied bool
}

// Txn builds the next revision on top of a base revision.  Changes
// are kept in memory, apart from file content, which goes to the
// store as soon as it is put.
type Txn struct {
	db   *Db
	base pitrepo.Revnum
	root *txnNode
	// Tokens are the lock tokens this txn may use.
	Tokens  map[string]bool
	changed []string
	deleted []string
}

// Begin starts a txn based on revision base; an invalid base means
// youngest.
func (db *Db) Begin(base pitrepo.Revnum) (txn *Txn, err error) {
	defer Return(&err)
	if !base.Valid() {
		base, err = db.Youngest()
		Ck(err)
	}
	rev, err := db.GetRev(base)
	Ck(err)
	rec, err := db.GetNode(rev.Root)
	Ck(err)
	txn = &Txn{
		db:     db,
		base:   base,
		root:   &txnNode{rec: rec, canpath: rev.Root},
		Tokens: map[string]bool{},
	}
	return
}

// Base is the revision the txn started from.
func (t *Txn) Base() pitrepo.Revnum {
	return t.base
}

func (t *Txn) load(n *txnNode) (err error) {
	if n.children != nil || n.rec.Kind != pitrepo.KindDir {
		return
	}
	children := make(map[string]*txnNode, len(n.rec.Entries))
	for _, e := range n.rec.Entries {
		rec, err := t.db.GetNode(e.Node)
		if err != nil {
			return err
		}
		children[e.Name] = &txnNode{rec: rec, canpath: e.Node}
	}
	n.children = children
	return
}

func split(path string) []string {
	path = strings.Trim(pitrepo.CanonFspath(path), "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// lookup returns the node at path, nil if there is none, and its
// parent directory, which must exist.  With touch set, every node on
// the way is marked changed.
func (t *Txn) lookup(path string, touch bool) (parent, node *txnNode, name string, err error) {
	parts := split(path)
	node = t.root
	for i, part := range parts {
		if node.rec.Kind != pitrepo.KindDir {
			return nil, nil, "", errors.Errorf("%s is not a directory", "/"+strings.Join(parts[:i], "/"))
		}
		if touch {
			node.canpath = ""
		}
		err = t.load(node)
		if err != nil {
			return
		}
		parent, name = node, part
		node = node.children[part]
		if node == nil && i < len(parts)-1 {
			return nil, nil, "", errors.Wrapf(pitrepo.ErrNotFound, "/%s", strings.Join(parts[:i+1], "/"))
		}
	}
	if touch && node != nil {
		node.canpath = ""
	}
	return
}

// Mkdir adds an empty directory at path.
func (t *Txn) Mkdir(path string) (err error) {
	defer Return(&err)
	parent, node, name, err := t.lookup(path, true)
	Ck(err)
	Assert(parent != nil, "cannot create the root")
	if node != nil {
		return errors.Errorf("%s already exists", pitrepo.CanonFspath(path))
	}
	parent.children[name] = &txnNode{
		rec: &NodeRec{
			Kind:        pitrepo.KindDir,
			ID:          newID(),
			CopyFromRev: pitrepo.InvalidRevnum,
		},
		children: map[string]*txnNode{},
	}
	t.changed = append(t.changed, pitrepo.CanonFspath(path))
	return
}

type counter int64

func (c *counter) Write(p []byte) (int, error) {
	*c += counter(len(p))
	return len(p), nil
}

// PutFile stores the content read from rd at path.  A file already
// there keeps its lineage; otherwise a new file is added.
func (t *Txn) PutFile(path string, rd io.Reader) (err error) {
	defer Return(&err)
	parent, node, name, err := t.lookup(path, true)
	Ck(err)
	Assert(parent != nil, "cannot replace the root")

	var rec *NodeRec
	switch {
	case node == nil:
		rec = &NodeRec{Kind: pitrepo.KindFile, ID: newID(), CopyFromRev: pitrepo.InvalidRevnum}
		node = &txnNode{}
		parent.children[name] = node
	case node.rec.Kind != pitrepo.KindFile:
		return errors.Errorf("%s is a directory", pitrepo.CanonFspath(path))
	default:
		rec = node.rec.clone()
	}

	hash := sha256.New()
	var size counter
	tree, err := t.db.PutStream(t.db.Algo, io.TeeReader(rd, io.MultiWriter(hash, &size)))
	Ck(err)
	rec.Content = ""
	if tree != nil {
		rec.Content = tree.Path.Canon
	}
	rec.Size = int64(size)
	rec.Checksum = bin2hex(hash.Sum(nil))
	node.rec = rec
	node.canpath = ""
	t.changed = append(t.changed, pitrepo.CanonFspath(path))
	return
}

// Delete removes path and everything below it.
func (t *Txn) Delete(path string) (err error) {
	defer Return(&err)
	parent, node, name, err := t.lookup(path, true)
	Ck(err)
	Assert(parent != nil, "cannot delete the root")
	if node == nil {
		return errors.Wrapf(pitrepo.ErrNotFound, "%s", pitrepo.CanonFspath(path))
	}
	delete(parent.children, name)
	t.deleted = append(t.deleted, pitrepo.CanonFspath(path))
	return
}

// Copy copies from@fromRev, and everything below it, to path.  The
// copy shares lineage with its origin.
func (t *Txn) Copy(from string, fromRev pitrepo.Revnum, path string) (err error) {
	defer Return(&err)
	root, err := t.db.RevRoot(fromRev)
	Ck(err)
	defer root.Close()
	_, src, err := root.lookup(from)
	Ck(err)
	if src == nil {
		return errors.Wrapf(pitrepo.ErrNotFound, "%s@%v", from, fromRev)
	}

	parent, node, name, err := t.lookup(path, true)
	Ck(err)
	Assert(parent != nil, "cannot copy onto the root")
	if node != nil {
		return errors.Errorf("%s already exists", pitrepo.CanonFspath(path))
	}
	rec := src.clone()
	rec.CopyFromPath = pitrepo.CanonFspath(from)
	rec.CopyFromRev = fromRev
	parent.children[name] = &txnNode{rec: rec, copied: true}
	t.changed = append(t.changed, pitrepo.CanonFspath(path))
	return
}

// SetProp sets a property on path; a nil value deletes it.
func (t *Txn) SetProp(path, name string, value *string) (err error) {
	defer Return(&err)
	if pitrepo.IsEntryProp(name) {
		return errors.Errorf("%s is a reserved property name", name)
	}
	_, node, _, err := t.lookup(path, true)
	Ck(err)
	if node == nil {
		return errors.Wrapf(pitrepo.ErrNotFound, "%s", pitrepo.CanonFspath(path))
	}
	if node.rec.Props == nil {
		node.rec.Props = pitrepo.Props{}
	}
	if value == nil {
		delete(node.rec.Props, name)
	} else {
		node.rec.Props[name] = *value
	}
	t.changed = append(t.changed, pitrepo.CanonFspath(path))
	return
}

// checkLocks fails when the txn changes a locked path without holding
// its token.
func (t *Txn) checkLocks() (err error) {
	locks, err := t.db.loadLocks()
	if err != nil {
		return
	}
	for _, lock := range locks {
		if t.Tokens[lock.Token] {
			continue
		}
		for _, p := range t.changed {
			if p == lock.Path {
				return errors.Wrapf(pitrepo.ErrLocked, "%s is locked by %s", p, lock.Owner)
			}
		}
		for _, p := range t.deleted {
			if isAncestor(p, lock.Path) {
				return errors.Wrapf(pitrepo.ErrLocked, "%s is locked by %s", lock.Path, lock.Owner)
			}
		}
	}
	return
}

// Commit stores the txn as the next revision.  It fails with
// ErrOutOfDate when another commit landed after the base revision.
func (t *Txn) Commit(author, logmsg string) (rev pitrepo.Revnum, err error) {
	defer Return(&err)
	youngest, err := t.db.Youngest()
	Ck(err)
	if youngest != t.base {
		return pitrepo.InvalidRevnum, errors.Wrapf(pitrepo.ErrOutOfDate, "base r%v, youngest r%v", t.base, youngest)
	}
	err = t.checkLocks()
	if err != nil {
		return pitrepo.InvalidRevnum, err
	}

	rev = youngest + 1
	root, err := t.write(t.root, "/", rev)
	Ck(err)
	err = t.db.putRev(&RevRec{
		Rev:    rev,
		Root:   root,
		Author: author,
		Date:   time.Now().UTC(),
		Log:    logmsg,
	})
	if err != nil {
		return pitrepo.InvalidRevnum, err
	}
	log.Debugf("committed r%v by %s", rev, author)
	return
}

// write stores n and everything changed below it, bottom up.
func (t *Txn) write(n *txnNode, path string, rev pitrepo.Revnum) (canpath string, err error) {
	if n.canpath != "" {
		return n.canpath, nil
	}
	rec := n.rec
	if n.children != nil {
		rec.Entries = nil
		for name, child := range n.children {
			cp, err := t.write(child, pitrepo.JoinFspath(path, name), rev)
			if err != nil {
				return "", err
			}
			rec.Entries = append(rec.Entries, Entry{Name: name, Kind: child.rec.Kind, Node: cp})
		}
	}
	if !n.copied {
		rec.CopyFromPath = ""
		rec.CopyFromRev = pitrepo.InvalidRevnum
	}
	rec.CreatedRev = rev
	rec.CreatedPath = path
	p, err := t.db.PutNode(rec)
	if err != nil {
		return
	}
	n.canpath = p.Canon
	return n.canpath, nil
}
