package db

import (
	"fmt"
	"hash"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
)

// file modes
const (
	NEW   = 0
	READ  = 0444
	WRITE = 0644
)

// Worm is a write-once, read-many object file.  A new Worm is written
// to a temp file and hashed as it goes; Close moves it to the path
// named by that hash.
type Worm struct {
	Db *Db
	*Path
	mode os.FileMode
	fh   *os.File
	hash hash.Hash
}

func CreateWorm(db *Db, class string, algo string) (file *Worm, err error) {
	defer Return(&err)
	file = &Worm{Db: db, mode: WRITE}
	// we don't call Path.New() here 'cause we don't know the hash
	// yet
	file.Path = &Path{Db: db, Class: class, Algo: algo}
	// file.hash gets every byte Write() puts on disk
	file.hash, err = newHash(algo)
	Ck(err)
	return
}

func OpenWorm(db *Db, path *Path) (file *Worm, err error) {
	defer Return(&err)
	ErrnoIf(len(path.Abs) == 0, syscall.EINVAL, "empty path")
	ErrnoIf(!exists(path.Abs), syscall.ENOENT, "not found: %s", path.Abs)
	file = &Worm{Db: db, Path: path, mode: READ}
	return
}

// gets called by Read(), Write(), etc.
func (file *Worm) ckopen() (err error) {
	defer Return(&err)

	if file.fh != nil {
		return
	}
	header := file.header()
	switch file.mode {
	case WRITE:
		// open temporary file
		file.fh, err = file.Db.tmpFile()
		Ck(err)
		// write file header
		n, err := file.fh.Write([]byte(header))
		Ck(err)
		Assert(n == len(header))
		// add header to hash data to help keep us from accidentally
		// writing a cryptographic hash reverser
		_, err = file.hash.Write([]byte(header))
		Ck(err)
	case READ:
		// open existing file
		file.fh, err = os.Open(file.Path.Abs)
		Ck(err)
		// strip file header
		buf := make([]byte, len(header))
		n, err := io.ReadFull(file.fh, buf)
		if err != nil || n != len(header) || string(buf) != header {
			return fmt.Errorf("malformed header: %q file: %s", string(buf[:n]), file.Path.Abs)
		}
	default:
		Assert(false, "bad mode %v", file.mode)
	}
	return
}

func (file *Worm) Close() (err error) {
	defer Return(&err)
	switch file.mode {
	case NEW, READ:
		if file.fh == nil {
			return
		}
		// no err check needed because readonly
		file.fh.Close()
		file.fh = nil
		return
	case WRITE:
		// an empty object still gets its header
		err = file.ckopen()
		Ck(err)

		tmpname := file.fh.Name()
		err = file.fh.Close()
		Ck(err)
		file.fh = nil

		// now that we know what the data's hash is, we can replace tmp
		// Path with permanent Path
		hexhash := bin2hex(file.hash.Sum(nil))
		canpath := filepath.Join(file.Path.Class, file.Path.Algo, hexhash)
		file.Path, err = Path{}.New(file.Db, canpath)
		Ck(err)
		file.mode = READ

		if exists(file.Path.Abs) {
			// same content already stored
			err = os.Remove(tmpname)
			Ck(err)
			return
		}

		// make sure subdirs exist
		dir, _ := filepath.Split(file.Path.Abs)
		err = os.MkdirAll(dir, 0755)
		Ck(err)

		err = os.Chmod(tmpname, READ)
		Ck(err)
		// rename temp file to permanent object file
		err = os.Rename(tmpname, file.Path.Abs)
		Ck(err)

		log.Debugf("stored %s", file.Path.Canon)
	}
	return
}

// Read reads from the file and puts the data into `buf`, returning n
// as the number of bytes read.  Supports the io.Reader interface.
func (file *Worm) Read(buf []byte) (n int, err error) {
	if file.mode != READ {
		return 0, fmt.Errorf("cannot read object still being written")
	}
	err = file.ckopen()
	if err != nil {
		return
	}
	return file.fh.Read(buf)
}

func (file *Worm) ReadAll() (buf []byte, err error) {
	return ioutil.ReadAll(file)
}

// Seek moves the read position.  Size(), Seek(), etc. act as if the
// file content doesn't include the header.  In  other words, a caller
// of Seek(), Size(), or Tell() doesn't need to know the size of the
// file header, and doesn't need to know that the file header exists
// at all -- these functions operate on the file body data only.
func (file *Worm) Seek(n int64, whence int) (nout int64, err error) {
	defer Return(&err)

	Assert(file.mode == READ, "seek on object being written")
	err = file.ckopen()
	Ck(err)

	// add header length offset to n to get file seek position
	hl := int64(len(file.header()))
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = n + hl
	case io.SeekCurrent:
		tellpos, err := file.fh.Seek(0, io.SeekCurrent)
		Ck(err)
		pos = n + tellpos
	case io.SeekEnd:
		size, err := file.Size()
		Ck(err)
		pos = size + n + hl
	default:
		Assert(false, "bad whence %d", whence)
	}
	ErrnoIf(pos < hl, syscall.EINVAL, "seek before start of %s", file.Path.Canon)

	nout, err = file.fh.Seek(pos, io.SeekStart)
	Ck(err)
	// subtract the header length to get body seek position
	nout -= hl
	return
}

func (file *Worm) Size() (n int64, err error) {
	info, err := os.Stat(file.Path.Abs)
	if err != nil {
		return
	}
	n = info.Size() - int64(len(file.header()))
	return
}

// Write takes data from `data` and puts it into the temp file.  Large
// objects can be written using multiple Write() calls.  Supports the
// io.Writer interface.
func (file *Worm) Write(data []byte) (n int, err error) {
	if file.mode != WRITE {
		err = fmt.Errorf("cannot write to existing object: %s", file.Path.Abs)
		return
	}

	err = file.ckopen()
	if err != nil {
		return
	}

	// add data to hash digest
	_, err = file.hash.Write(data)
	if err != nil {
		return
	}

	// write data to disk file
	return file.fh.Write(data)
}
