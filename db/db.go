package db

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// Db is a revision store. Dir is the base directory. Depth is the
// number of subdirectory levels in the object dirs.  We use
// three-character hexadecimal names for the subdirectories, giving us
// a maximum of 4096 subdirs in a parent dir -- that's a sweet spot.
// Two-character names (such as what git uses under .git/objects) only
// allow for 256 subdirs, which is unnecessarily small.
// Four-character names would give us 65,536 subdirs, which would
// cause performance issues on e.g. ext4.
type Db struct {
	Dir      string          `json:"-"` // base of tree
	Depth    int             // number of subdir levels in object dirs
	Algo     string          // hash algorithm for new objects
	Poly     resticRabin.Pol // rabin polynomial for chunking
	MinSize  uint            // minimum chunk size
	MaxSize  uint            // maximum chunk size
	RepoUUID string          `json:"uuid"`
	// Similarity, when above zero, is the difflib ratio at which two
	// files of different lineage still count as related.
	Similarity float64
}

var classes = []string{"block", "tree", "node", "rev"}

// Open loads an existing db object from dir.
func Open(dir string) (db *Db, err error) {
	dir = filepath.Clean(dir)

	if !canstat(dir) {
		return nil, fmt.Errorf("cannot open: %s", dir)
	}

	// load config
	buf, err := ioutil.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, &NotDbError{Dir: dir}
	}
	db = &Db{}
	err = json.Unmarshal(buf, db)
	if err != nil {
		return nil, errors.Wrapf(err, "%s/config.json", dir)
	}
	db.Dir = dir
	return
}

// Create initializes a db directory and its contents, including the
// empty revision 0.
func (db Db) Create() (out *Db, err error) {
	defer Return(&err)

	dir := filepath.Clean(db.Dir)
	db.Dir = dir

	// if directory exists, make sure it's empty
	if canstat(dir) {
		var files []os.FileInfo
		files, err = ioutil.ReadDir(dir)
		Ck(err)
		if len(files) > 0 {
			return nil, &ExistsError{Dir: dir}
		}
	}

	// set nesting depth
	if db.Depth < 1 {
		db.Depth = 2
	}
	if db.Algo == "" {
		db.Algo = "sha256"
	}
	_, err = newHash(db.Algo)
	Ck(err)

	err = mkdir(dir)
	Ck(err)
	for _, class := range classes {
		err = mkdir(filepath.Join(dir, class))
		Ck(err)
	}
	// revision links live here
	err = mkdir(filepath.Join(dir, "revs"))
	Ck(err)

	if db.Poly == 0 {
		db.Poly, err = resticRabin.RandomPolynomial()
		Ck(err)
	}
	if db.RepoUUID == "" {
		db.RepoUUID = newID()
	}

	buf, err := json.MarshalIndent(db, "", "  ")
	Ck(err)
	err = ioutil.WriteFile(filepath.Join(dir, "config.json"), buf, 0644)
	Ck(err)

	out, err = Open(dir)
	Ck(err)
	err = out.init()
	Ck(err)
	log.Debugf("created db %s uuid %s", dir, out.RepoUUID)
	return
}

type NotDbError struct {
	Dir string
}

func (e *NotDbError) Error() string {
	return fmt.Sprintf("not a database: %s", e.Dir)
}

type ExistsError struct {
	Dir string
}

func (e *ExistsError) Error() string {
	return fmt.Sprintf("directory not empty: %s", e.Dir)
}

func (db *Db) tmpFile() (fh *os.File, err error) {
	return ioutil.TempFile(db.Dir, "*.tmp")
}

// GetBlock retrieves an entire block into buf by reading its file contents.
func (db *Db) GetBlock(path *Path) (buf []byte, err error) {
	file, err := OpenWorm(db, path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return file.ReadAll()
}

// Rm deletes the file associated with a path of any format and returns an error
// if the file doesn't exist.
func (db *Db) Rm(path *Path) (err error) {
	return os.Remove(path.Abs)
}

func newHash(algo string) (h hash.Hash, err error) {
	switch algo {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: %s", syscall.ENOSYS, algo)
}

// Hash returns the binary hash of buf using algo.
func Hash(algo string, buf []byte) (binhash []byte, err error) {
	h, err := newHash(algo)
	if err != nil {
		return
	}
	_, err = h.Write(buf)
	if err != nil {
		return
	}
	return h.Sum(nil), nil
}

func bin2hex(binhash []byte) string {
	return hex.EncodeToString(binhash)
}

func canstat(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func mkdir(dir string) (err error) {
	if _, err = os.Stat(dir); os.IsNotExist(err) {
		err = os.MkdirAll(dir, 0755)
		if err != nil {
			return
		}
	}
	return
}
