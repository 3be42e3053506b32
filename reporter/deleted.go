package reporter

import (
	"context"

	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
)

// DeletedRev finds the revision between start and end in which the
// node at path stopped being the node that existed at start: the
// first revision where it is absent or unrelated.  When end is below
// start the scan runs backward and the answer is the revision that
// brought the node in.  It returns InvalidRevnum when the node does
// not exist at start or was never removed.
//
// The scan opens one root per revision it passes.
func DeletedRev(ctx context.Context, repo pitrepo.Repository, path string, start, end pitrepo.Revnum) (rev pitrepo.Revnum, err error) {
	rev = pitrepo.InvalidRevnum
	if !start.Valid() || !end.Valid() || start == end {
		return
	}
	origin, err := nodeAt(repo, start, path)
	if err != nil || origin == nil {
		return
	}
	gone := func(r pitrepo.Revnum) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, errors.WithStack(err)
		}
		node, err := nodeAt(repo, r, path)
		if err != nil {
			return false, err
		}
		if node == nil || node.Kind != origin.Kind {
			return true, nil
		}
		rel, err := repo.Relatedness(origin, node)
		if err != nil {
			return false, err
		}
		return rel == pitrepo.Unrelated, nil
	}

	if start < end {
		for r := start + 1; r <= end; r++ {
			g, err := gone(r)
			if err != nil {
				return pitrepo.InvalidRevnum, err
			}
			if g {
				return r, nil
			}
		}
		return
	}
	for r := start - 1; r >= end; r-- {
		g, err := gone(r)
		if err != nil {
			return pitrepo.InvalidRevnum, err
		}
		if g {
			return r + 1, nil
		}
	}
	return
}

func nodeAt(repo pitrepo.Repository, rev pitrepo.Revnum, path string) (node *pitrepo.Node, err error) {
	root, err := repo.Root(rev)
	if err != nil {
		return
	}
	defer root.Close()
	return root.Node(path)
}
