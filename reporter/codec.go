package reporter

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
)

// PathInfo is one report record.  Paths are relative to the anchor.
// An empty LinkPath or LockToken means the field is absent; an invalid
// Rev means the path was deleted.
type PathInfo struct {
	Path       string
	LinkPath   string
	Rev        pitrepo.Revnum
	Depth      pitrepo.Depth
	StartEmpty bool
	LockToken  string
}

func (pi *PathInfo) String() string {
	return fmt.Sprintf("%q link=%q rev=%v depth=%v start_empty=%v lock=%q",
		pi.Path, pi.LinkPath, pi.Rev, pi.Depth, pi.StartEmpty, pi.LockToken)
}

var depthCodes = map[pitrepo.Depth]byte{
	pitrepo.DepthExclude:    'X',
	pitrepo.DepthEmpty:      'E',
	pitrepo.DepthFiles:      'F',
	pitrepo.DepthImmediates: 'M',
}

func badReport(format string, args ...interface{}) error {
	return errors.Wrapf(pitrepo.ErrBadReport, format, args...)
}

func encodeString(buf *bytes.Buffer, s string) {
	fmt.Fprintf(buf, "+%d:%s", len(s), s)
}

func encodeOptString(buf *bytes.Buffer, s string) {
	if s == "" {
		buf.WriteByte('-')
		return
	}
	encodeString(buf, s)
}

// Encode writes one record to w.  Infinity depth is the default and
// is never written out.
func Encode(w io.Writer, pi *PathInfo) (err error) {
	buf := &bytes.Buffer{}
	encodeString(buf, pi.Path)
	encodeOptString(buf, pi.LinkPath)
	if pi.Rev.Valid() {
		fmt.Fprintf(buf, "+%d:", int64(pi.Rev))
	} else {
		buf.WriteByte('-')
	}
	if pi.Depth == pitrepo.DepthInfinity {
		buf.WriteByte('-')
	} else {
		code, ok := depthCodes[pi.Depth]
		if !ok {
			return badReport("unsupported report depth %v", pi.Depth)
		}
		buf.WriteByte('+')
		buf.WriteByte(code)
	}
	if pi.StartEmpty {
		buf.WriteByte('+')
	} else {
		buf.WriteByte('-')
	}
	encodeOptString(buf, pi.LockToken)
	_, err = w.Write(buf.Bytes())
	return
}

// EncodeEnd writes the end-of-log marker.
func EncodeEnd(w io.Writer) (err error) {
	_, err = w.Write([]byte{'-'})
	return
}

// Decoder reads records one at a time.
type Decoder struct {
	rd *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{rd: bufio.NewReader(r)}
}

func (d *Decoder) byte() (c byte, err error) {
	c, err = d.rd.ReadByte()
	if err == io.EOF {
		err = badReport("truncated report log")
	}
	return
}

// flag reads a '+' or '-' presence marker.
func (d *Decoder) flag() (present bool, err error) {
	c, err := d.byte()
	if err != nil {
		return
	}
	switch c {
	case '+':
		return true, nil
	case '-':
		return false, nil
	}
	return false, badReport("invalid flag byte %q", c)
}

// number reads decimal digits up to a ':'.
func (d *Decoder) number() (n int64, err error) {
	digits := 0
	for {
		c, err := d.byte()
		if err != nil {
			return 0, err
		}
		if c == ':' {
			break
		}
		if c < '0' || c > '9' {
			return 0, badReport("invalid byte %q in number", c)
		}
		digit := int64(c - '0')
		if n > (math.MaxInt64-digit)/10 {
			return 0, badReport("number overflows")
		}
		n = n*10 + digit
		digits++
	}
	if digits == 0 {
		return 0, badReport("empty number")
	}
	return
}

func (d *Decoder) str() (s string, err error) {
	n, err := d.number()
	if err != nil {
		return
	}
	if int64(int(n)) != n {
		return "", badReport("string length %d overflows", n)
	}
	buf := &bytes.Buffer{}
	got, err := io.CopyN(buf, d.rd, n)
	if got != n {
		return "", badReport("truncated report log: string of %d bytes has %d", n, got)
	}
	if err != nil {
		return
	}
	return buf.String(), nil
}

func (d *Decoder) optStr() (s string, err error) {
	present, err := d.flag()
	if err != nil || !present {
		return
	}
	return d.str()
}

// Next returns the next record, or nil at the end-of-log marker.
func (d *Decoder) Next() (pi *PathInfo, err error) {
	more, err := d.flag()
	if err != nil {
		return
	}
	if !more {
		return nil, nil
	}
	pi = &PathInfo{Rev: pitrepo.InvalidRevnum, Depth: pitrepo.DepthInfinity}
	pi.Path, err = d.str()
	if err != nil {
		return nil, err
	}
	pi.LinkPath, err = d.optStr()
	if err != nil {
		return nil, err
	}

	present, err := d.flag()
	if err != nil {
		return nil, err
	}
	if present {
		n, err := d.number()
		if err != nil {
			return nil, err
		}
		pi.Rev = pitrepo.Revnum(n)
	}

	present, err = d.flag()
	if err != nil {
		return nil, err
	}
	if present {
		c, err := d.byte()
		if err != nil {
			return nil, err
		}
		switch c {
		case 'X':
			pi.Depth = pitrepo.DepthExclude
		case 'E':
			pi.Depth = pitrepo.DepthEmpty
		case 'F':
			pi.Depth = pitrepo.DepthFiles
		case 'M':
			pi.Depth = pitrepo.DepthImmediates
		default:
			return nil, badReport("invalid depth code %q for %s", c, strconv.Quote(pi.Path))
		}
	}

	pi.StartEmpty, err = d.flag()
	if err != nil {
		return nil, err
	}
	pi.LockToken, err = d.optStr()
	if err != nil {
		return nil, err
	}
	return
}
