package db

import (
	"io"

	"github.com/pkg/errors"
	resticRabin "github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// defMinSize is the default minimal size of a chunk.
	defMinSize = 512 * kiB
	// defMaxSize is the default maximal size of a chunk.
	defMaxSize = 8 * miB
)

// Rabin lightly wraps restic's chunker on the slight chance that we
// might need to replace it someday.
type Rabin struct {
	Poly    resticRabin.Pol
	C       *resticRabin.Chunker
	MinSize uint
	MaxSize uint
}

func (c Rabin) Init() (res *Rabin, err error) {
	if c.MinSize == 0 {
		c.MinSize = defMinSize
	}
	if c.MaxSize == 0 {
		c.MaxSize = defMaxSize
	}
	if c.Poly == 0 {
		c.Poly, err = resticRabin.RandomPolynomial()
	}
	return &c, err
}

func (c *Rabin) Start(rd io.Reader) {
	c.C = resticRabin.NewWithBoundaries(rd, c.Poly, c.MinSize, c.MaxSize)
}

// Next returns the next chunk.  chunk.Data aliases buf, so it is only
// good until the next call.
func (c *Rabin) Next(buf []byte) (chunk resticRabin.Chunk, err error) {
	return c.C.Next(buf)
}

// PutStream reads blocks from rd, creates a merkle tree with those
// blocks as leaf nodes, and returns the root node of the new tree.
// An empty stream has no tree; rootnode is nil.
func (db *Db) PutStream(algo string, rd io.Reader) (rootnode *Tree, err error) {
	chunker, err := Rabin{Poly: db.Poly, MinSize: db.MinSize, MaxSize: db.MaxSize}.Init()
	if err != nil {
		return
	}
	chunker.Start(rd)

	buf := make([]byte, chunker.MaxSize)
	var blocks []Object
	for {
		chunk, err := chunker.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		block, err := db.PutBlock(algo, chunk.Data)
		if err != nil {
			return nil, err
		}
		log.Debugf("block %s length %d", block.Path.Canon, chunk.Length)
		blocks = append(blocks, block)
	}
	if len(blocks) == 0 {
		return
	}
	return db.PutTree(algo, blocks...)
}
