package db

import (
	"io/ioutil"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitrepo"
)

var _ pitrepo.Repository = (*Db)(nil)

// maxSimilaritySize bounds the files the similarity check will read.
const maxSimilaritySize = 4 * miB

func (db *Db) UUID() string {
	return db.RepoUUID
}

// Relatedness compares two node versions.  Equal addresses are the
// same version; equal lineage ids are related.  Otherwise, when
// Similarity is set, two files whose line-level difflib ratio reaches
// it are treated as related too.
func (db *Db) Relatedness(a, b *pitrepo.Node) (rel pitrepo.Relation, err error) {
	switch {
	case a.Addr == b.Addr:
		return pitrepo.Identical, nil
	case a.ID == b.ID:
		return pitrepo.Related, nil
	}
	if db.Similarity <= 0 || a.Kind != pitrepo.KindFile || b.Kind != pitrepo.KindFile {
		return pitrepo.Unrelated, nil
	}
	if a.Size > maxSimilaritySize || b.Size > maxSimilaritySize {
		return pitrepo.Unrelated, nil
	}
	ratio, err := db.similarity(a, b)
	if err != nil {
		return
	}
	log.Debugf("similarity %s@%v %s@%v: %.3f", a.Path, a.Rev, b.Path, b.Rev, ratio)
	if ratio >= db.Similarity {
		return pitrepo.Related, nil
	}
	return pitrepo.Unrelated, nil
}

func (db *Db) similarity(a, b *pitrepo.Node) (ratio float64, err error) {
	defer Return(&err)
	lines := func(n *pitrepo.Node) []string {
		root, err := db.RevRoot(n.Rev)
		Ck(err)
		defer root.Close()
		rc, err := root.Content(n.Path)
		Ck(err)
		defer rc.Close()
		buf, err := ioutil.ReadAll(rc)
		Ck(err)
		return splitLines(string(buf))
	}
	al := lines(a)
	bl := lines(b)
	if len(al) == 0 && len(bl) == 0 {
		return 1, nil
	}
	m := difflib.NewMatcher(al, bl)
	if m.QuickRatio() < db.Similarity {
		return m.QuickRatio(), nil
	}
	return m.Ratio(), nil
}

// Similar reports the line-level similarity of two texts, the measure
// Relatedness uses.
func Similar(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	m := difflib.NewMatcher(splitLines(a), splitLines(b))
	return m.Ratio()
}

// splitLines keeps each line's newline.  difflib.SplitLines would add
// a trailing "\n" element that every pair of texts shares.
func splitLines(s string) []string {
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
