package db

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Path locates one object.  Any of its forms (abspath, relpath,
// canpath) can be parsed back into a Path.
type Path struct {
	Db    *Db
	Raw   string
	Abs   string // under db.Dir
	Rel   string // class/algo/fan/out/hash
	Canon string // class/algo/hash
	Class string
	Algo  string
	Hash  string
	Addr  string // algo/hash, the same in every repository
}

func (path Path) New(db *Db, raw string) (res *Path, err error) {
	path.Db = db
	path.Raw = raw

	rel := strings.TrimPrefix(filepath.Clean(raw), db.Dir+"/")
	parts := strings.Split(rel, "/")
	if len(parts) < 3 {
		return nil, fmt.Errorf("malformed path: %s", raw)
	}
	path.Class, path.Algo = parts[0], parts[1]
	path.Hash = parts[len(parts)-1]
	if len(path.Hash) < 3*db.Depth {
		return nil, fmt.Errorf("malformed hash: %s", raw)
	}

	path.Rel = filepath.Join(path.Class, path.Algo, db.fanout(path.Hash), path.Hash)
	path.Abs = filepath.Join(db.Dir, path.Rel)
	path.Canon = filepath.Join(path.Class, path.Algo, path.Hash)
	path.Addr = filepath.Join(path.Algo, path.Hash)
	return &path, nil
}

// fanout splits the leading characters of hash into db.Depth
// three-character subdirs.  The full hash stays in the file name.
func (db *Db) fanout(hash string) string {
	dirs := make([]string, db.Depth)
	for i := range dirs {
		dirs[i] = hash[3*i : 3*i+3]
	}
	return filepath.Join(dirs...)
}

// header is written ahead of the content of every object and covered
// by its hash.
func (path *Path) header() string {
	return path.Class + "\n"
}
