package reporter

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// pathReader walks the decoded report with one record of lookahead.
type pathReader struct {
	ctx       context.Context
	dec       *Decoder
	lookahead *PathInfo
}

func newPathReader(ctx context.Context, dec *Decoder) *pathReader {
	return &pathReader{ctx: ctx, dec: dec}
}

// next replaces the lookahead with the next record, or nil at the end
// of the log.
func (r *pathReader) next() (err error) {
	if err = r.ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	r.lookahead, err = r.dec.Next()
	return
}

// relevant reports whether pi is prefix or below it.  The empty
// prefix covers everything.
func relevant(pi *PathInfo, prefix string) bool {
	if pi == nil {
		return false
	}
	if prefix == "" || pi.Path == prefix {
		return true
	}
	return strings.HasPrefix(pi.Path, prefix+"/")
}

// fetch returns the name of the child of prefix that the lookahead
// falls under, or "" when the lookahead is outside prefix.  When the
// lookahead is that child itself it is consumed and returned as info;
// when it lies deeper, info is nil and the lookahead stays put for the
// recursion into the child.  A record for prefix itself is a repeat
// of one already handled and is dropped.
func (r *pathReader) fetch(prefix string) (name string, info *PathInfo, err error) {
	for relevant(r.lookahead, prefix) && r.lookahead.Path == prefix {
		err = r.next()
		if err != nil {
			return
		}
	}
	if !relevant(r.lookahead, prefix) {
		return
	}
	rel := r.lookahead.Path
	if prefix != "" {
		rel = rel[len(prefix)+1:]
	}
	if i := strings.IndexByte(rel, '/'); i >= 0 {
		return rel[:i], nil, nil
	}
	info = r.lookahead
	err = r.next()
	if err != nil {
		return "", nil, err
	}
	return rel, info, nil
}

// skip drops every record at or below prefix.
func (r *pathReader) skip(prefix string) (err error) {
	for relevant(r.lookahead, prefix) {
		err = r.next()
		if err != nil {
			return
		}
	}
	return
}

// any reports whether the lookahead is at or below prefix.
func (r *pathReader) any(prefix string) bool {
	return relevant(r.lookahead, prefix)
}
