package textdelta

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/pkg/errors"
	"github.com/restic/chunker"
	log "github.com/sirupsen/logrus"
)

const (
	kiB = 1024

	defMinSize = 2 * kiB
	defMaxSize = 64 * kiB
)

// Pol is the fixed rabin polynomial used for delta chunking.  It must
// be the same on both sides of a comparison, so it is not random like
// a repository's storage polynomial.
const Pol = chunker.Pol(0x3DA3358B4DC173)

// Sender cuts source and target into content-defined chunks and sends
// target chunks that also occur in the source as source copies.
type Sender struct {
	Pol     chunker.Pol
	MinSize uint
	MaxSize uint
}

type span struct {
	offset int64
	length int64
}

func (s Sender) init() Sender {
	if s.Pol == 0 {
		s.Pol = Pol
	}
	if s.MinSize == 0 {
		s.MinSize = defMinSize
	}
	if s.MaxSize == 0 {
		s.MaxSize = defMaxSize
	}
	return s
}

// Send is Sender{}.Send.
func Send(source, target io.Reader, handler WindowHandler) (checksum string, err error) {
	return Sender{}.Send(source, target, handler)
}

// Send streams the delta from source to target into handler, ending
// with a nil window, and returns the hex sha256 of target.  source may
// be nil, in which case every window carries new data.
func (s Sender) Send(source, target io.Reader, handler WindowHandler) (checksum string, err error) {
	s = s.init()
	buf := make([]byte, s.MaxSize)

	index := map[string]span{}
	if source != nil {
		c := chunker.NewWithBoundaries(source, s.Pol, s.MinSize, s.MaxSize)
		for {
			chunk, err := c.Next(buf)
			if errors.Cause(err) == io.EOF {
				break
			}
			if err != nil {
				return "", errors.Wrap(err, "chunking source")
			}
			sum := sha256.Sum256(chunk.Data)
			key := string(sum[:])
			if _, ok := index[key]; !ok {
				index[key] = span{offset: int64(chunk.Start), length: int64(chunk.Length)}
			}
		}
	}

	hash := sha256.New()
	c := chunker.NewWithBoundaries(io.TeeReader(target, hash), s.Pol, s.MinSize, s.MaxSize)
	var copied, fresh int
	for {
		chunk, err := c.Next(buf)
		if errors.Cause(err) == io.EOF {
			break
		}
		if err != nil {
			return "", errors.Wrap(err, "chunking target")
		}
		length := int64(chunk.Length)
		sum := sha256.Sum256(chunk.Data)
		var win *Window
		if sp, ok := index[string(sum[:])]; ok && sp.length == length {
			win = &Window{
				SourceOffset: sp.offset,
				SourceLen:    sp.length,
				TargetLen:    length,
				Ops:          []Op{{Action: ActionSource, Offset: 0, Length: length}},
			}
			copied++
		} else {
			data := append([]byte(nil), chunk.Data...)
			win = &Window{
				TargetLen: length,
				Ops:       []Op{{Action: ActionNew, Offset: 0, Length: length}},
				NewData:   data,
			}
			fresh++
		}
		err = handler(win)
		if err != nil {
			return "", err
		}
	}
	err = handler(nil)
	if err != nil {
		return "", err
	}
	log.Debugf("textdelta sent %d source windows, %d new windows", copied, fresh)
	return hex.EncodeToString(hash.Sum(nil)), nil
}
