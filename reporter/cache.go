package reporter

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/t7a/pitrepo"
)

// sourceRoots keeps at most one source revision root open.
type sourceRoots struct {
	repo  pitrepo.Repository
	root  pitrepo.Root
	opens int
}

// get returns a root for rev, closing the previous one if it was for
// some other revision.
func (c *sourceRoots) get(rev pitrepo.Revnum) (root pitrepo.Root, err error) {
	if c.root != nil {
		if c.root.Revision() == rev {
			return c.root, nil
		}
		err = c.close()
		if err != nil {
			return
		}
	}
	root, err = c.repo.Root(rev)
	if err != nil {
		return nil, errors.Wrapf(err, "opening source revision %v", rev)
	}
	c.root = root
	c.opens++
	log.Debugf("source root now r%v", rev)
	return
}

func (c *sourceRoots) close() (err error) {
	if c.root == nil {
		return
	}
	err = c.root.Close()
	c.root = nil
	return
}

// revInfos memoizes revision metadata for entry props.
type revInfos struct {
	repo pitrepo.Repository
	m    map[pitrepo.Revnum]pitrepo.RevInfo
}

func newRevInfos(repo pitrepo.Repository) *revInfos {
	return &revInfos{repo: repo, m: make(map[pitrepo.Revnum]pitrepo.RevInfo)}
}

func (c *revInfos) get(rev pitrepo.Revnum) (info pitrepo.RevInfo, err error) {
	info, ok := c.m[rev]
	if ok {
		return
	}
	info, err = c.repo.RevisionInfo(rev)
	if err != nil {
		return
	}
	c.m[rev] = info
	return
}
