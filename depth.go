package pitrepo

import (
	"fmt"
)

// Depth limits how far below a directory changes are materialized.
// Known depths are totally ordered: exclude < empty < files <
// immediates < infinity.  The zero value DepthUnknown means
// "inherit", so an unset depth never narrows anything.
type Depth int

const (
	DepthUnknown Depth = iota
	DepthExclude
	DepthEmpty
	DepthFiles
	DepthImmediates
	DepthInfinity
)

var depthWords = map[Depth]string{
	DepthUnknown:    "unknown",
	DepthExclude:    "exclude",
	DepthEmpty:      "empty",
	DepthFiles:      "files",
	DepthImmediates: "immediates",
	DepthInfinity:   "infinity",
}

func (d Depth) String() string {
	word, ok := depthWords[d]
	if !ok {
		return fmt.Sprintf("depth(%d)", int(d))
	}
	return word
}

// ParseDepth is the inverse of Depth.String.
func ParseDepth(word string) (d Depth, err error) {
	for d, w := range depthWords {
		if w == word {
			return d, nil
		}
	}
	return DepthUnknown, fmt.Errorf("unknown depth: %q", word)
}

// Known reports whether d is one of the five ordered depths.
func (d Depth) Known() bool {
	return d >= DepthExclude && d <= DepthInfinity
}

// BelowHere returns the depth that applies to the children of a
// directory at depth d: immediates becomes empty one level down.
func (d Depth) BelowHere() Depth {
	if d == DepthImmediates {
		return DepthEmpty
	}
	return d
}
