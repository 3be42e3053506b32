package db

import (
	. "github.com/stevegt/goadapt"
)

// Block is one chunk of file content.
type Block struct {
	Db *Db
	*Worm
}

func (block *Block) GetPath() *Path {
	return block.Path
}

func (block Block) New(db *Db, file *Worm) *Block {
	block.Db = db
	block.Worm = file
	return &block
}

// PutBlock hashes the block, stores the block in a file named after the hash,
// and returns the block object.
func (db *Db) PutBlock(algo string, buf []byte) (b *Block, err error) {
	defer Return(&err)

	Assert(db != nil, "db is nil")

	file, err := CreateWorm(db, "block", algo)
	Ck(err)
	b = Block{}.New(db, file)

	n, err := b.Write(buf)
	Ck(err)
	Assert(n == len(buf), "short write")
	err = b.Close()
	Ck(err)

	return
}
