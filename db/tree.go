package db

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Object is a block or a tree.
type Object interface {
	io.ReadSeeker
	io.Closer
	GetPath() *Path
	Size() (int64, error)
}

// Tree is a vertex in a Merkle tree.  Entries point at blocks or
// other trees; reading a tree reads its leaves in order.
type Tree struct {
	Db *Db
	*Path
	entries     []Object
	leaves      []Object
	currentLeaf int
}

func (tree *Tree) GetPath() *Path {
	return tree.Path
}

// ObjectFromPath opens the block or tree at path.
func (db *Db) ObjectFromPath(path *Path) (obj Object, err error) {
	defer Return(&err)

	switch path.Class {
	case "block":
		file, err := OpenWorm(db, path)
		Ck(err)
		return Block{}.New(db, file), nil
	case "tree":
		return db.GetTree(path)
	}
	return nil, fmt.Errorf("unhandled class %s", path.Class)
}

// PutTree takes one or more child objects, stores their canpaths in a
// file under tree/, and returns the new tree.
func (db *Db) PutTree(algo string, children ...Object) (tree *Tree, err error) {
	defer Return(&err)

	Assert(db != nil, "db is nil")

	file, err := CreateWorm(db, "tree", algo)
	Ck(err)
	for _, child := range children {
		_, err = fmt.Fprintf(file, "%s\n", child.GetPath().Canon)
		Ck(err)
	}
	err = file.Close()
	Ck(err)

	tree = &Tree{Db: db, Path: file.Path, entries: children}
	return
}

// GetTree takes a tree path and returns a Tree struct
func (db *Db) GetTree(path *Path) (tree *Tree, err error) {
	defer Return(&err)

	file, err := OpenWorm(db, path)
	Ck(err)
	defer file.Close()

	tree = &Tree{Db: db, Path: path}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		epath, err := Path{}.New(db, line)
		Ck(err)
		entry, err := db.ObjectFromPath(epath)
		Ck(err)
		tree.entries = append(tree.entries, entry)
	}
	err = scanner.Err()
	Ck(err, "%v: %q", err, path.Abs)
	return
}

// OpenTree opens the tree at canpath.
func (db *Db) OpenTree(canpath string) (tree *Tree, err error) {
	path, err := Path{}.New(db, canpath)
	if err != nil {
		return
	}
	return db.GetTree(path)
}

func (tree *Tree) Entries() []Object {
	return tree.entries
}

// Leaves lists the blocks under tree, in order.
func (tree *Tree) Leaves() (leaves []Object) {
	if tree.leaves == nil {
		tree.leaves = tree.traverse(false)
	}
	return tree.leaves
}

// traverse recurses down the tree of nodes returning leaves or
// optionally all nodes
func (tree *Tree) traverse(all bool) (objects []Object) {
	if all {
		objects = append(objects, tree)
	}
	for _, obj := range tree.entries {
		switch child := obj.(type) {
		case *Tree:
			objects = append(objects, child.traverse(all)...)
		default:
			objects = append(objects, obj)
		}
	}
	return
}

// Ls lists the canpaths of the leaf objects under tree, or of every
// object when all is set.
func (tree *Tree) Ls(all bool) (canpaths []string) {
	for _, obj := range tree.traverse(all) {
		canpaths = append(canpaths, obj.GetPath().Canon)
	}
	return
}

// Read fills buf with the next chunk of data from tree's leaf nodes.
func (tree *Tree) Read(buf []byte) (n int, err error) {
	leaves := tree.Leaves()
	for {
		if tree.currentLeaf >= len(leaves) {
			return 0, io.EOF
		}
		obj := leaves[tree.currentLeaf]
		n, err = obj.Read(buf)
		if errors.Cause(err) == io.EOF {
			// leaves are read-only, so don't check err after Close
			obj.Close()
			tree.currentLeaf++
			log.Debugf("tree.Read() advancing to leaf %v", tree.currentLeaf)
			if n > 0 {
				return n, nil
			}
			continue
		}
		return
	}
}

// Seek sets the offset for the next Read on tree to offset,
// interpreted according to whence.
func (tree *Tree) Seek(offset int64, whence int) (pos int64, err error) {
	defer Return(&err)

	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		tell, err := tree.Tell()
		Ck(err)
		pos = tell + offset
	case io.SeekEnd:
		size, err := tree.Size()
		Ck(err)
		pos = size + offset
	default:
		Assert(false, "bad whence %d", whence)
	}
	Assert(pos >= 0, "seek before start of %s", tree.Path.Canon)

	var total int64
	leaves := tree.Leaves()
	// closed leaves reopen at their start
	for _, leaf := range leaves {
		leaf.Close()
	}
	tree.currentLeaf = len(leaves)
	for i, leaf := range leaves {
		size, err := leaf.Size()
		Ck(err)
		// add up all leaf sizes until we pass pos
		if total+size > pos {
			_, err := leaf.Seek(pos-total, io.SeekStart)
			Ck(err)
			tree.currentLeaf = i
			break
		}
		total += size
	}
	return
}

// Tell returns the current read position in the tree.
func (tree *Tree) Tell() (pos int64, err error) {
	leaves := tree.Leaves()
	for i := 0; i < tree.currentLeaf && i < len(leaves); i++ {
		size, err := leaves[i].Size()
		if err != nil {
			return 0, err
		}
		pos += size
	}
	if tree.currentLeaf < len(leaves) {
		n, err := leaves[tree.currentLeaf].Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		pos += n
	}
	return
}

func (tree *Tree) Size() (total int64, err error) {
	for _, leaf := range tree.Leaves() {
		size, err := leaf.Size()
		if err != nil {
			return 0, err
		}
		total += size
	}
	return
}

// Close closes every open leaf.
func (tree *Tree) Close() error {
	for _, leaf := range tree.Leaves() {
		leaf.Close()
	}
	return nil
}

// Verify rehashes every object under tree and compares the result to
// its address.
func (tree *Tree) Verify() (err error) {
	defer Return(&err)
	for _, obj := range tree.traverse(true) {
		path := obj.GetPath()
		file, err := OpenWorm(tree.Db, path)
		Ck(err)
		content, err := file.ReadAll()
		file.Close()
		Ck(err)
		binhash, err := Hash(path.Algo, append([]byte(path.header()), content...))
		Ck(err)
		if bin2hex(binhash) != path.Hash {
			return fmt.Errorf("corrupt object: %s", path.Canon)
		}
	}
	return
}
