package db

import (
	"bytes"
	"io"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
)

// RevRoot is a read-only view of one revision.  It caches the node
// records it has decoded.
type RevRoot struct {
	db     *Db
	rev    pitrepo.Revnum
	root   string
	recs   map[string]*NodeRec
	closed bool
}

var _ pitrepo.Root = (*RevRoot)(nil)

// Root opens revision rev.
func (db *Db) Root(rev pitrepo.Revnum) (pitrepo.Root, error) {
	root, err := db.RevRoot(rev)
	if err != nil {
		return nil, err
	}
	return root, nil
}

func (db *Db) RevRoot(rev pitrepo.Revnum) (root *RevRoot, err error) {
	rec, err := db.GetRev(rev)
	if err != nil {
		return
	}
	return &RevRoot{db: db, rev: rev, root: rec.Root, recs: map[string]*NodeRec{}}, nil
}

func (r *RevRoot) Close() error {
	if r.closed {
		return errors.Errorf("r%v: root already closed", r.rev)
	}
	r.closed = true
	r.recs = nil
	return nil
}

func (r *RevRoot) Revision() pitrepo.Revnum {
	return r.rev
}

func (r *RevRoot) get(canpath string) (rec *NodeRec, err error) {
	rec, ok := r.recs[canpath]
	if ok {
		return
	}
	rec, err = r.db.GetNode(canpath)
	if err != nil {
		return
	}
	r.recs[canpath] = rec
	return
}

// lookup walks path from the root and returns the canpath and record
// of the node there, or "" and nil when there is none.
func (r *RevRoot) lookup(path string) (canpath string, rec *NodeRec, err error) {
	if r.closed {
		return "", nil, errors.Errorf("r%v: use of closed root", r.rev)
	}
	canpath = r.root
	rec, err = r.get(canpath)
	if err != nil {
		return
	}
	for _, name := range strings.Split(strings.Trim(pitrepo.CanonFspath(path), "/"), "/") {
		if name == "" {
			continue
		}
		if rec.Kind != pitrepo.KindDir {
			return "", nil, nil
		}
		e := rec.entry(name)
		if e == nil {
			return "", nil, nil
		}
		canpath = e.Node
		rec, err = r.get(canpath)
		if err != nil {
			return
		}
	}
	return
}

func (r *RevRoot) node(path, canpath string, rec *NodeRec) *pitrepo.Node {
	node := &pitrepo.Node{
		Path:        pitrepo.CanonFspath(path),
		Kind:        rec.Kind,
		Rev:         r.rev,
		CreatedRev:  rec.CreatedRev,
		ID:          rec.ID,
		Addr:        canpath,
		Checksum:    rec.Checksum,
		Size:        rec.Size,
		CopyFromRev: pitrepo.InvalidRevnum,
	}
	if rec.CopyFromPath != "" {
		node.CopyFromPath = rec.CopyFromPath
		node.CopyFromRev = rec.CopyFromRev
	}
	return node
}

func (r *RevRoot) Node(path string) (node *pitrepo.Node, err error) {
	canpath, rec, err := r.lookup(path)
	if err != nil || rec == nil {
		return
	}
	return r.node(path, canpath, rec), nil
}

func (r *RevRoot) mustLookup(path string) (canpath string, rec *NodeRec, err error) {
	canpath, rec, err = r.lookup(path)
	if err == nil && rec == nil {
		err = errors.Wrapf(pitrepo.ErrNotFound, "%s@%v", path, r.rev)
	}
	return
}

func (r *RevRoot) Children(path string) (children map[string]*pitrepo.Node, err error) {
	_, rec, err := r.mustLookup(path)
	if err != nil {
		return
	}
	if rec.Kind != pitrepo.KindDir {
		return nil, errors.Errorf("%s@%v is not a directory", path, r.rev)
	}
	children = make(map[string]*pitrepo.Node, len(rec.Entries))
	for _, e := range rec.Entries {
		crec, err := r.get(e.Node)
		if err != nil {
			return nil, err
		}
		children[e.Name] = r.node(pitrepo.JoinFspath(path, e.Name), e.Node, crec)
	}
	return
}

// Content returns a reader of the file at path.  The caller must
// close it.
func (r *RevRoot) Content(path string) (rc io.ReadCloser, err error) {
	_, rec, err := r.mustLookup(path)
	if err != nil {
		return
	}
	if rec.Kind != pitrepo.KindFile {
		return nil, errors.Errorf("%s@%v is not a file", path, r.rev)
	}
	if rec.Content == "" {
		return ioutil.NopCloser(bytes.NewReader(nil)), nil
	}
	tree, err := r.db.OpenTree(rec.Content)
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func (r *RevRoot) Props(path string) (props pitrepo.Props, err error) {
	_, rec, err := r.mustLookup(path)
	if err != nil {
		return
	}
	props = pitrepo.Props{}
	for k, v := range rec.Props {
		props[k] = v
	}
	return
}

func (r *RevRoot) LastChanged(path string) (rev pitrepo.Revnum, err error) {
	_, rec, err := r.lookup(path)
	if err != nil {
		return pitrepo.InvalidRevnum, err
	}
	if rec == nil {
		return pitrepo.InvalidRevnum, nil
	}
	return rec.CreatedRev, nil
}
