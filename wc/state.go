package wc

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio"
	"github.com/pkg/errors"
	"github.com/t7a/pitrepo"
	"github.com/vmihailenco/msgpack"
)

const (
	adminDir    = ".pit"
	entriesFile = "entries"
)

// Entry is what the working copy knows about one versioned node.
type Entry struct {
	Kind  pitrepo.Kind   `msgpack:"kind"`
	Rev   pitrepo.Revnum `msgpack:"rev"`
	Depth pitrepo.Depth  `msgpack:"depth"`
	// Switched is the repository path of a subtree switched away
	// from its parent's.
	Switched string        `msgpack:"switched,omitempty"`
	Checksum string        `msgpack:"sum,omitempty"`
	Props    pitrepo.Props `msgpack:"props,omitempty"`

	CommittedRev  pitrepo.Revnum `msgpack:"crev"`
	CommittedDate string         `msgpack:"cdate,omitempty"`
	LastAuthor    string         `msgpack:"author,omitempty"`
	LockToken     string         `msgpack:"lock,omitempty"`

	Absent   bool `msgpack:"absent,omitempty"`
	Excluded bool `msgpack:"excluded,omitempty"`
}

// State is the whole admin area.  Entries are keyed by relpath; the
// root is "".
type State struct {
	UUID    string            `msgpack:"uuid"`
	Root    string            `msgpack:"root"`
	Entries map[string]*Entry `msgpack:"entries"`
}

func loadState(dir string) (state *State, err error) {
	fn := filepath.Join(dir, adminDir, entriesFile)
	buf, err := ioutil.ReadFile(fn)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotWcError{Dir: dir}
		}
		return
	}
	state = &State{}
	err = msgpack.Unmarshal(buf, state)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding %s", fn)
	}
	if state.Entries[""] == nil {
		return nil, errors.Errorf("%s: no root entry", fn)
	}
	return
}

func (s *State) save(dir string) (err error) {
	buf, err := msgpack.Marshal(s)
	if err != nil {
		return
	}
	return renameio.WriteFile(filepath.Join(dir, adminDir, entriesFile), buf, 0644)
}

// below reports whether rel is dir or inside it.
func below(dir, rel string) bool {
	return dir == "" || rel == dir || strings.HasPrefix(rel, dir+"/")
}

// children lists the names of dir's entries, sorted.
func (s *State) children(dir string) (names []string) {
	for rel := range s.Entries {
		if rel == "" || rel == dir || !below(dir, rel) {
			continue
		}
		rest := rel
		if dir != "" {
			rest = rel[len(dir)+1:]
		}
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return
}

// remove drops rel and every entry below it.
func (s *State) remove(rel string) {
	for k := range s.Entries {
		if k != "" && below(rel, k) {
			delete(s.Entries, k)
		}
	}
}

// ReposPath returns the repository path rel reflects.
func (s *State) ReposPath(rel string) string {
	var tail []string
	for {
		e := s.Entries[rel]
		switch {
		case rel == "":
			return pitrepo.JoinFspath(s.Root, strings.Join(tail, "/"))
		case e != nil && e.Switched != "":
			return pitrepo.JoinFspath(e.Switched, strings.Join(tail, "/"))
		}
		tail = append([]string{pitrepo.Basename(rel)}, tail...)
		rel = parent(rel)
	}
}

func parent(rel string) string {
	i := strings.LastIndex(rel, "/")
	if i < 0 {
		return ""
	}
	return rel[:i]
}
