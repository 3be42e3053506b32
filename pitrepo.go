package pitrepo

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// Revnum is a revision number.  Revisions are numbered from 0, which
// is always the empty tree.
type Revnum int64

// InvalidRevnum marks an absent revision.
const InvalidRevnum Revnum = -1

// Valid reports whether rev names an actual revision.
func (rev Revnum) Valid() bool {
	return rev >= 0
}

func (rev Revnum) String() string {
	if !rev.Valid() {
		return "-"
	}
	return fmt.Sprintf("%d", int64(rev))
}

// Kind is the kind of a node.
type Kind int

const (
	KindNone Kind = iota
	KindFile
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	}
	return "none"
}

// Relation is the distance between two node versions.
type Relation int

const (
	// Unrelated nodes must be replaced wholesale.
	Unrelated Relation = -1
	// Identical nodes need no edits at all.
	Identical Relation = 0
	// Related nodes are sent as open plus delta.
	Related Relation = 1
)

func (r Relation) String() string {
	switch r {
	case Identical:
		return "identical"
	case Related:
		return "related"
	}
	return "unrelated"
}

// Node describes one node as seen from a particular revision root.
// It is fetched per comparison and never persisted by callers.
type Node struct {
	Path       string // fspath within the root
	Kind       Kind
	Rev        Revnum // revision of the root it was resolved in
	CreatedRev Revnum // revision that last changed this node
	ID         string // lineage; equal IDs are related
	Addr       string // content address; equal addrs are identical
	Checksum   string // hex sha256 of file content
	Size       int64

	// copy origin, set only on the node a copy created
	CopyFromPath string
	CopyFromRev  Revnum
}

// RevInfo is the per-revision metadata injected as entry props.
type RevInfo struct {
	Rev    Revnum
	Author string
	Date   time.Time
	Log    string
}

// DateFormat is how dates appear in entry props.
const DateFormat = "2006-01-02T15:04:05.000000Z"

// Lock is a lock held on a repository path.
type Lock struct {
	Path    string
	Token   string
	Owner   string
	Created time.Time
}

// Props is a property list.
type Props map[string]string

// entry props
const (
	PropEntryPrefix        = "pit:entry:"
	PropEntryCommittedRev  = PropEntryPrefix + "committed-rev"
	PropEntryCommittedDate = PropEntryPrefix + "committed-date"
	PropEntryLastAuthor    = PropEntryPrefix + "last-author"
	PropEntryUUID          = PropEntryPrefix + "uuid"
	PropEntryLockToken     = PropEntryPrefix + "lock-token"
)

// IsEntryProp reports whether name is a server-computed entry prop.
func IsEntryProp(name string) bool {
	return strings.HasPrefix(name, PropEntryPrefix)
}

// Repository is the backing store consulted while replaying a report.
type Repository interface {
	UUID() string
	Youngest() (Revnum, error)
	// Root opens the tree as of rev.  The caller must Close it.
	Root(rev Revnum) (Root, error)
	RevisionInfo(rev Revnum) (RevInfo, error)
	Relatedness(a, b *Node) (Relation, error)
	// GetLock returns nil when path is not locked.
	GetLock(path string) (*Lock, error)
}

// Root is a handle on the tree as of one revision.
type Root interface {
	io.Closer
	Revision() Revnum
	// Node returns nil, nil when nothing exists at path.
	Node(path string) (*Node, error)
	Children(path string) (map[string]*Node, error)
	Content(path string) (io.ReadCloser, error)
	Props(path string) (Props, error)
	LastChanged(path string) (Revnum, error)
}

// AuthzFunc reports whether the current user may read path.
type AuthzFunc func(path string) bool

// Reporter accepts a client's description of its working tree.
type Reporter interface {
	SetPath(path string, rev Revnum, depth Depth, startEmpty bool, lockToken string) error
	DeletePath(path string) error
	LinkPath(path, linkPath string, rev Revnum, depth Depth, startEmpty bool, lockToken string) error
	FinishReport(ctx context.Context) error
	AbortReport() error
}

// JoinFspath joins a relpath onto an fspath.
func JoinFspath(base, rel string) string {
	if rel == "" {
		return CanonFspath(base)
	}
	return CanonFspath(path.Join(base, rel))
}

// JoinRelpath joins two relpaths.
func JoinRelpath(base, rel string) string {
	switch {
	case base == "":
		return rel
	case rel == "":
		return base
	}
	return base + "/" + rel
}

// CanonFspath returns p cleaned and rooted at "/".
func CanonFspath(p string) string {
	return path.Clean("/" + p)
}

// Basename returns the last component of a relpath or fspath.
func Basename(p string) string {
	if p == "" || p == "/" {
		return ""
	}
	return path.Base(p)
}

// Dirname returns the parent of an fspath.
func Dirname(p string) string {
	return path.Dir(CanonFspath(p))
}
