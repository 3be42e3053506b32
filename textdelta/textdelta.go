// Package textdelta describes file content changes as a stream of
// windows.  Each window rebuilds a run of target bytes from a view of
// the source, from target bytes already produced, or from new data
// carried in the window.
package textdelta

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

type Action int

const (
	// ActionSource copies from the window's source view.
	ActionSource Action = iota
	// ActionTarget copies from target bytes already produced by this
	// window; ranges may overlap the write position.
	ActionTarget
	// ActionNew copies from the window's NewData.
	ActionNew
)

func (a Action) String() string {
	switch a {
	case ActionSource:
		return "source"
	case ActionTarget:
		return "target"
	case ActionNew:
		return "new"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

type Op struct {
	Action Action `msgpack:"a"`
	Offset int64  `msgpack:"o"`
	Length int64  `msgpack:"l"`
}

// Window rebuilds TargetLen bytes of the target.
type Window struct {
	SourceOffset int64  `msgpack:"so"`
	SourceLen    int64  `msgpack:"sl"`
	TargetLen    int64  `msgpack:"tl"`
	Ops          []Op   `msgpack:"ops"`
	NewData      []byte `msgpack:"new"`
}

// WindowHandler consumes one window.  A nil window ends the stream.
type WindowHandler func(w *Window) error

// Checksum returns the hex sha256 of buf.
func Checksum(buf []byte) string {
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// Apply returns a handler that writes the reconstructed target to w,
// reading source views from src.  src may be nil when the delta was
// generated without a source.
func Apply(src io.ReaderAt, w io.Writer) WindowHandler {
	return func(win *Window) (err error) {
		if win == nil {
			return nil
		}
		var sview []byte
		if win.SourceLen > 0 {
			if src == nil {
				return errors.Errorf("window wants %d source bytes but there is no source", win.SourceLen)
			}
			sview = make([]byte, win.SourceLen)
			n, err := src.ReadAt(sview, win.SourceOffset)
			if int64(n) != win.SourceLen {
				if err == nil || err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return errors.Wrapf(err, "reading source view at %d", win.SourceOffset)
			}
		}
		tbuf := make([]byte, 0, win.TargetLen)
		for _, op := range win.Ops {
			if op.Offset < 0 || op.Length < 0 {
				return errors.Errorf("negative %v op", op.Action)
			}
			end := op.Offset + op.Length
			switch op.Action {
			case ActionSource:
				if end > int64(len(sview)) {
					return errors.Errorf("source op [%d,%d) outside view of %d bytes", op.Offset, end, len(sview))
				}
				tbuf = append(tbuf, sview[op.Offset:end]...)
			case ActionTarget:
				if op.Offset >= int64(len(tbuf)) {
					return errors.Errorf("target op starts at %d past %d produced bytes", op.Offset, len(tbuf))
				}
				// byte at a time so overlapping copies repeat
				for i := op.Offset; i < end; i++ {
					tbuf = append(tbuf, tbuf[i])
				}
			case ActionNew:
				if end > int64(len(win.NewData)) {
					return errors.Errorf("new op [%d,%d) outside %d bytes of new data", op.Offset, end, len(win.NewData))
				}
				tbuf = append(tbuf, win.NewData[op.Offset:end]...)
			default:
				return errors.Errorf("unknown op %v", op.Action)
			}
		}
		if int64(len(tbuf)) != win.TargetLen {
			return errors.Errorf("window produced %d bytes, expected %d", len(tbuf), win.TargetLen)
		}
		_, err = w.Write(tbuf)
		return
	}
}
