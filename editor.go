package pitrepo

import (
	"github.com/t7a/pitrepo/textdelta"
)

// Editor receives the edits that transform a client's source tree
// into the target tree.  Every call is addressed by the
// anchor-relative path of the node it applies to; the root is "".
// Calls arrive depth-first: a directory is closed only after all of
// its children, and within a directory deletions come before adds.
type Editor interface {
	SetTargetRevision(rev Revnum) error
	OpenRoot(baseRev Revnum) error

	AddDirectory(path, copyFromPath string, copyFromRev Revnum) error
	OpenDirectory(path string, baseRev Revnum) error
	ChangeDirProp(path, name string, value *string) error
	CloseDirectory(path string) error

	AddFile(path, copyFromPath string, copyFromRev Revnum) error
	OpenFile(path string, baseRev Revnum) error
	// ApplyTextDelta returns a nil handler when the editor does not
	// want the delta windows.
	ApplyTextDelta(path, baseChecksum string) (textdelta.WindowHandler, error)
	ChangeFileProp(path, name string, value *string) error
	CloseFile(path, checksum string) error

	DeleteEntry(path string, rev Revnum) error
	AbsentDirectory(path string) error
	AbsentFile(path string) error

	CloseEdit() error
	AbortEdit() error
}
