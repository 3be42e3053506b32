package reporter

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// DefaultSpillMem is how much of a report is kept in memory before the
// rest goes to a temp file.
const DefaultSpillMem = 1024 * 1024

// SpillBuffer collects a report log.  The first MaxMem bytes stay in
// memory; anything beyond that is written to a temp file in TmpDir.
// Write everything first, then read it back once with Reader.
type SpillBuffer struct {
	MaxMem int
	TmpDir string

	mem  bytes.Buffer
	file *os.File
}

func NewSpillBuffer(maxMem int, tmpDir string) *SpillBuffer {
	if maxMem <= 0 {
		maxMem = DefaultSpillMem
	}
	return &SpillBuffer{MaxMem: maxMem, TmpDir: tmpDir}
}

// Spilled reports whether the buffer has overflowed to disk.
func (b *SpillBuffer) Spilled() bool {
	return b.file != nil
}

func (b *SpillBuffer) Write(p []byte) (n int, err error) {
	if b.file == nil && b.mem.Len()+len(p) > b.MaxMem {
		err = b.spill()
		if err != nil {
			return
		}
	}
	if b.file != nil {
		return b.file.Write(p)
	}
	return b.mem.Write(p)
}

func (b *SpillBuffer) spill() (err error) {
	dir := b.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	fn := filepath.Join(dir, "pit-report-"+ulid.Make().String())
	file, err := os.OpenFile(fn, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.Wrap(err, "creating report spill file")
	}
	_, err = b.mem.WriteTo(file)
	if err != nil {
		file.Close()
		os.Remove(fn)
		return errors.Wrap(err, "spilling report")
	}
	log.Debugf("report spilled to %s", fn)
	b.file = file
	return
}

// Reader rewinds the buffer and returns a reader over everything
// written so far.
func (b *SpillBuffer) Reader() (rd io.Reader, err error) {
	if b.file == nil {
		return bytes.NewReader(b.mem.Bytes()), nil
	}
	_, err = b.file.Seek(0, io.SeekStart)
	if err != nil {
		return
	}
	return bufio.NewReader(b.file), nil
}

// Close discards the buffer and removes the spill file, if any.
func (b *SpillBuffer) Close() (err error) {
	b.mem.Reset()
	if b.file == nil {
		return
	}
	fn := b.file.Name()
	err = b.file.Close()
	b.file = nil
	rmerr := os.Remove(fn)
	if err == nil {
		err = rmerr
	}
	return
}
