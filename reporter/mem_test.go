package reporter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
	"github.com/t7a/pitrepo/textdelta"
)

// memRepo is a small in-memory repository for driving reports.

type memNode struct {
	kind     pitrepo.Kind
	id       string
	content  string
	props    pitrepo.Props
	copyPath string
	copyRev  pitrepo.Revnum
}

type memRev struct {
	info    pitrepo.RevInfo
	nodes   map[string]*memNode
	addrs   map[string]string
	created map[string]pitrepo.Revnum
}

type memRepo struct {
	revs  []*memRev
	locks map[string]*pitrepo.Lock
	ids   int
	opens int
}

func newMemRepo() *memRepo {
	r := &memRepo{locks: map[string]*pitrepo.Lock{}}
	r.commit("", func(t *memTree) {})
	return r
}

type memTree struct {
	repo  *memRepo
	nodes map[string]*memNode
}

func (t *memTree) newID() string {
	t.repo.ids++
	return fmt.Sprintf("n%d", t.repo.ids)
}

func (t *memTree) mkdir(path string) {
	t.nodes[path] = &memNode{kind: pitrepo.KindDir, id: t.newID()}
}

// put writes a file, keeping its lineage if it already exists.
func (t *memTree) put(path, content string) {
	old := t.nodes[path]
	n := &memNode{kind: pitrepo.KindFile, content: content}
	if old != nil && old.kind == pitrepo.KindFile {
		n.id = old.id
		n.props = old.props
	} else {
		n.id = t.newID()
	}
	t.nodes[path] = n
}

// replace writes a file with a new lineage.
func (t *memTree) replace(path, content string) {
	t.nodes[path] = &memNode{kind: pitrepo.KindFile, id: t.newID(), content: content}
}

func (t *memTree) propset(path, name, value string) {
	old := t.nodes[path]
	n := *old
	n.props = pitrepo.Props{}
	for k, v := range old.props {
		n.props[k] = v
	}
	n.props[name] = value
	t.nodes[path] = &n
}

func (t *memTree) rm(path string) {
	for p := range t.nodes {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(t.nodes, p)
		}
	}
}

// cp copies from@fromRev and everything below it to to.  Copies
// share lineage with their origin.
func (t *memTree) cp(from string, fromRev pitrepo.Revnum, to string) {
	for p, src := range t.repo.revs[fromRev].nodes {
		if p != from && !strings.HasPrefix(p, from+"/") {
			continue
		}
		n := *src
		n.copyPath = ""
		n.copyRev = 0
		if p == from {
			n.copyPath = from
			n.copyRev = fromRev
		}
		t.nodes[to+p[len(from):]] = &n
	}
}

func (r *memRepo) commit(author string, edit func(t *memTree)) pitrepo.Revnum {
	rev := pitrepo.Revnum(len(r.revs))
	nodes := map[string]*memNode{}
	if rev > 0 {
		for p, n := range r.revs[rev-1].nodes {
			nodes[p] = n
		}
	} else {
		nodes["/"] = &memNode{kind: pitrepo.KindDir, id: "root"}
	}
	edit(&memTree{repo: r, nodes: nodes})
	mr := &memRev{
		info:    pitrepo.RevInfo{Rev: rev, Author: author, Date: time.Date(2021, 1, 1, 0, 0, int(rev), 0, time.UTC)},
		nodes:   nodes,
		addrs:   map[string]string{},
		created: map[string]pitrepo.Revnum{},
	}
	var addr func(p string) string
	addr = func(p string) string {
		n := nodes[p]
		h := sha256.New()
		fmt.Fprintf(h, "%v\n", n.kind)
		if n.kind == pitrepo.KindFile {
			fmt.Fprintf(h, "%s\n", n.content)
		} else {
			for _, name := range childNames(nodes, p) {
				fmt.Fprintf(h, "%s %s\n", name, addr(pitrepo.JoinFspath(p, name)))
			}
		}
		var names []string
		for k := range n.props {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fmt.Fprintf(h, "%s=%s\n", k, n.props[k])
		}
		sum := hex.EncodeToString(h.Sum(nil))
		mr.addrs[p] = sum
		return sum
	}
	addr("/")
	for p := range nodes {
		if _, ok := mr.addrs[p]; !ok {
			panic("orphan node " + p)
		}
		mr.created[p] = rev
		if rev > 0 {
			prev := r.revs[rev-1]
			if prev.addrs[p] == mr.addrs[p] && prev.nodes[p].id == nodes[p].id {
				mr.created[p] = prev.created[p]
			}
		}
	}
	r.revs = append(r.revs, mr)
	return rev
}

func childNames(nodes map[string]*memNode, dir string) (names []string) {
	for p := range nodes {
		if p != "/" && pitrepo.Dirname(p) == dir {
			names = append(names, pitrepo.Basename(p))
		}
	}
	sort.Strings(names)
	return
}

func (r *memRepo) UUID() string { return "mem-uuid" }

func (r *memRepo) Youngest() (pitrepo.Revnum, error) {
	return pitrepo.Revnum(len(r.revs) - 1), nil
}

func (r *memRepo) Root(rev pitrepo.Revnum) (pitrepo.Root, error) {
	if rev < 0 || int(rev) >= len(r.revs) {
		return nil, errors.Wrapf(pitrepo.ErrNoSuchRevision, "r%v", rev)
	}
	r.opens++
	return &memRoot{rev: rev, mr: r.revs[rev]}, nil
}

func (r *memRepo) RevisionInfo(rev pitrepo.Revnum) (pitrepo.RevInfo, error) {
	return r.revs[rev].info, nil
}

func (r *memRepo) Relatedness(a, b *pitrepo.Node) (pitrepo.Relation, error) {
	switch {
	case a.Addr == b.Addr && a.ID == b.ID:
		return pitrepo.Identical, nil
	case a.ID == b.ID:
		return pitrepo.Related, nil
	}
	return pitrepo.Unrelated, nil
}

func (r *memRepo) GetLock(path string) (*pitrepo.Lock, error) {
	return r.locks[path], nil
}

type memRoot struct {
	rev    pitrepo.Revnum
	mr     *memRev
	closed bool
}

func (r *memRoot) Close() error {
	if r.closed {
		return errors.New("root closed twice")
	}
	r.closed = true
	return nil
}

func (r *memRoot) Revision() pitrepo.Revnum { return r.rev }

func (r *memRoot) Node(path string) (*pitrepo.Node, error) {
	if r.closed {
		return nil, errors.New("use of closed root")
	}
	path = pitrepo.CanonFspath(path)
	n := r.mr.nodes[path]
	if n == nil {
		return nil, nil
	}
	node := &pitrepo.Node{
		Path:        path,
		Kind:        n.kind,
		Rev:         r.rev,
		CreatedRev:  r.mr.created[path],
		ID:          n.id,
		Addr:        r.mr.addrs[path],
		CopyFromRev: pitrepo.InvalidRevnum,
	}
	if n.kind == pitrepo.KindFile {
		node.Checksum = textdelta.Checksum([]byte(n.content))
		node.Size = int64(len(n.content))
	}
	if n.copyPath != "" {
		node.CopyFromPath = n.copyPath
		node.CopyFromRev = n.copyRev
	}
	return node, nil
}

func (r *memRoot) Children(path string) (children map[string]*pitrepo.Node, err error) {
	path = pitrepo.CanonFspath(path)
	children = map[string]*pitrepo.Node{}
	for _, name := range childNames(r.mr.nodes, path) {
		children[name], err = r.Node(pitrepo.JoinFspath(path, name))
		if err != nil {
			return
		}
	}
	return
}

func (r *memRoot) Content(path string) (io.ReadCloser, error) {
	n := r.mr.nodes[pitrepo.CanonFspath(path)]
	if n == nil || n.kind != pitrepo.KindFile {
		return nil, errors.Wrap(pitrepo.ErrNotFound, path)
	}
	return ioutil.NopCloser(strings.NewReader(n.content)), nil
}

func (r *memRoot) Props(path string) (pitrepo.Props, error) {
	n := r.mr.nodes[pitrepo.CanonFspath(path)]
	if n == nil {
		return nil, errors.Wrap(pitrepo.ErrNotFound, path)
	}
	props := pitrepo.Props{}
	for k, v := range n.props {
		props[k] = v
	}
	return props, nil
}

func (r *memRoot) LastChanged(path string) (pitrepo.Revnum, error) {
	path = pitrepo.CanonFspath(path)
	if r.mr.nodes[path] == nil {
		return pitrepo.InvalidRevnum, nil
	}
	return r.mr.created[path], nil
}
