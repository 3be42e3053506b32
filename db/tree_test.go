package db

import (
	"bytes"
	"io"
	"io/ioutil"
	"math/rand"
	"testing"

	"github.com/hlubek/readercomp"
)

// randStream supports the io.Reader interface -- see the RandStream
// function for usage.
type randStream struct {
	Size    int64
	nextPos int64
}

func (s *randStream) Read(p []byte) (n int, err error) {
	start := s.nextPos
	if start >= s.Size {
		err = io.EOF
		return
	}
	end := start + int64(len(p))
	if end > s.Size {
		// on the last Read(), fill a smaller buffer than p so we
		// never return more than Size
		buf := make([]byte, s.Size-start)
		_, err = rand.Read(buf)
		if err != nil {
			return
		}
		n = copy(p, buf)
	} else {
		n, err = rand.Read(p)
	}
	s.nextPos += int64(n)
	return
}

// RandStream returns a stream that will produce `size` bytes of
// random data before EOF.  Each new stream produces the same data.
func RandStream(size int64) (stream *randStream) {
	stream = &randStream{Size: size}
	rand.Seed(42)
	return
}

func TestRandStream(t *testing.T) {
	size := int64(10 * miB)
	stream := RandStream(size)
	buf, err := ioutil.ReadAll(stream)
	tassert(t, err == nil, "ReadAll: %v", err)
	tassert(t, size == int64(len(buf)), "size: expected %d got %d", size, len(buf))
}

func TestTree(t *testing.T) {
	db := setup(t, nil)

	block1, err := db.PutBlock("sha256", mkbuf("blob1value"))
	tassert(t, err == nil, "%v", err)
	block2, err := db.PutBlock("sha256", mkbuf("blob2value"))
	tassert(t, err == nil, "%v", err)
	block3, err := db.PutBlock("sha256", mkbuf("blob3value"))
	tassert(t, err == nil, "%v", err)

	tree1, err := db.PutTree("sha256", block1, block2)
	tassert(t, err == nil, "%v", err)
	tree2, err := db.PutTree("sha256", tree1, block3)
	tassert(t, err == nil, "%v", err)

	got, err := db.OpenTree(tree2.Path.Canon)
	tassert(t, err == nil, "%v", err)
	defer got.Close()

	leaves := got.Ls(false)
	tassert(t, len(leaves) == 3, "leaves %v", leaves)
	tassert(t, leaves[0] == block1.Path.Canon, "first leaf %s", leaves[0])
	tassert(t, leaves[2] == block3.Path.Canon, "last leaf %s", leaves[2])
	all := got.Ls(true)
	tassert(t, len(all) == 5, "all %v", all)
	tassert(t, all[0] == tree2.Path.Canon && all[1] == tree1.Path.Canon, "all %v", all)

	size, err := got.Size()
	tassert(t, err == nil, "%v", err)
	tassert(t, size == 30, "size %d", size)

	expect := mkbuf("blob1valueblob2valueblob3value")
	ok, err := readercomp.Equal(bytes.NewReader(expect), got, 4096)
	tassert(t, err == nil, "readercomp.Equal: %v", err)
	tassert(t, ok, "tree mismatch")

	// seek into the second leaf and read across the third
	pos, err := got.Seek(15, io.SeekStart)
	tassert(t, err == nil, "%v", err)
	tassert(t, pos == 15, "pos %d", pos)
	tell, err := got.Tell()
	tassert(t, err == nil, "%v", err)
	tassert(t, tell == 15, "tell %d", tell)
	rest, err := ioutil.ReadAll(got)
	tassert(t, err == nil, "%v", err)
	tassert(t, string(rest) == "value"+"blob3value", "rest %q", rest)

	pos, err = got.Seek(-5, io.SeekEnd)
	tassert(t, err == nil, "%v", err)
	tassert(t, pos == 25, "pos %d", pos)
	rest, err = ioutil.ReadAll(got)
	tassert(t, err == nil, "%v", err)
	tassert(t, string(rest) == "value", "rest %q", rest)

	_, err = got.Seek(-1, io.SeekStart)
	tassert(t, err != nil, "seek before start accepted")

	err = got.Verify()
	tassert(t, err == nil, "verify: %v", err)
}

func TestPutStream(t *testing.T) {
	db := setup(t, nil)
	size := int64(10 * miB)

	tree, err := db.PutStream("sha256", RandStream(size))
	tassert(t, err == nil, "%v", err)
	tassert(t, tree != nil, "nil tree")
	// no chunk is larger than the maximum size
	tassert(t, len(tree.Ls(false)) >= 2, "leaves %v", tree.Ls(false))

	got, err := db.OpenTree(tree.Path.Canon)
	tassert(t, err == nil, "%v", err)
	defer got.Close()
	n, err := got.Size()
	tassert(t, err == nil, "%v", err)
	tassert(t, n == size, "size %d", n)

	ok, err := readercomp.Equal(got, RandStream(size), 4096)
	tassert(t, err == nil, "readercomp.Equal: %v", err)
	tassert(t, ok, "stream mismatch")

	// middle of the stream
	half := size / 2
	_, err = got.Seek(half, io.SeekStart)
	tassert(t, err == nil, "%v", err)
	rs := RandStream(size)
	_, err = io.CopyN(ioutil.Discard, rs, half)
	tassert(t, err == nil, "%v", err)
	ok, err = readercomp.Equal(got, rs, 4096)
	tassert(t, err == nil, "readercomp.Equal: %v", err)
	tassert(t, ok, "stream mismatch after seek")

	// the same content chunks the same way
	again, err := db.PutStream("sha256", RandStream(size))
	tassert(t, err == nil, "%v", err)
	tassert(t, again.Path.Canon == tree.Path.Canon, "expected %s got %s", tree.Path.Canon, again.Path.Canon)

	err = got.Verify()
	tassert(t, err == nil, "verify: %v", err)
}

func TestPutStreamEmpty(t *testing.T) {
	db := setup(t, nil)
	tree, err := db.PutStream("sha256", bytes.NewReader(nil))
	tassert(t, err == nil, "%v", err)
	tassert(t, tree == nil, "tree for empty stream")
}
