package db

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitrepo"
	"github.com/vmihailenco/msgpack"
)

// NodeRec is the stored form of one node version.
type NodeRec struct {
	Kind         pitrepo.Kind   `msgpack:"kind"`
	ID           string         `msgpack:"id"`
	CreatedRev   pitrepo.Revnum `msgpack:"crev"`
	CreatedPath  string         `msgpack:"cpath"`
	CopyFromPath string         `msgpack:"cfpath,omitempty"`
	CopyFromRev  pitrepo.Revnum `msgpack:"cfrev"`
	Props        pitrepo.Props  `msgpack:"props,omitempty"`

	// files
	Content  string `msgpack:"content,omitempty"` // tree canpath; "" when empty
	Size     int64  `msgpack:"size,omitempty"`
	Checksum string `msgpack:"sum,omitempty"`

	// directories, sorted by name
	Entries []Entry `msgpack:"entries,omitempty"`
}

// Entry names a child node.
type Entry struct {
	Name string       `msgpack:"name"`
	Kind pitrepo.Kind `msgpack:"kind"`
	Node string       `msgpack:"node"` // canpath
}

func (rec *NodeRec) clone() *NodeRec {
	c := *rec
	c.Props = pitrepo.Props{}
	for k, v := range rec.Props {
		c.Props[k] = v
	}
	c.Entries = append([]Entry(nil), rec.Entries...)
	return &c
}

func (rec *NodeRec) entry(name string) *Entry {
	i := sort.Search(len(rec.Entries), func(i int) bool { return rec.Entries[i].Name >= name })
	if i < len(rec.Entries) && rec.Entries[i].Name == name {
		return &rec.Entries[i]
	}
	return nil
}

// PutNode stores rec and returns its path.
func (db *Db) PutNode(rec *NodeRec) (path *Path, err error) {
	defer Return(&err)
	sort.Slice(rec.Entries, func(i, j int) bool { return rec.Entries[i].Name < rec.Entries[j].Name })
	buf, err := msgpack.Marshal(rec)
	Ck(err)
	file, err := CreateWorm(db, "node", db.Algo)
	Ck(err)
	_, err = file.Write(buf)
	Ck(err)
	err = file.Close()
	Ck(err)
	return file.Path, nil
}

// GetNode loads the node record at canpath.
func (db *Db) GetNode(canpath string) (rec *NodeRec, err error) {
	buf, err := db.getRecord("node", canpath)
	if err != nil {
		return
	}
	rec = &NodeRec{}
	err = msgpack.NewDecoder(bytes.NewReader(buf)).Decode(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", canpath)
	}
	return
}

func (db *Db) getRecord(class, canpath string) (buf []byte, err error) {
	path, err := Path{}.New(db, canpath)
	if err != nil {
		return
	}
	if path.Class != class {
		return nil, errors.Errorf("%s is not a %s", canpath, class)
	}
	file, err := OpenWorm(db, path)
	if err != nil {
		return
	}
	defer file.Close()
	return file.ReadAll()
}
