// Package fuse mounts one revision of a repository as a read-only
// filesystem.
package fuse

import (
	"context"
	"io"
	"sort"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	log "github.com/sirupsen/logrus"
	. "github.com/stevegt/goadapt"
	"github.com/t7a/pitrepo"
)

// revFS serializes access to one revision root.
type revFS struct {
	mu   sync.Mutex
	repo pitrepo.Repository
	root pitrepo.Root
}

func (r *revFS) node(path string) (node *pitrepo.Node, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.Node(path)
}

func (r *revFS) children(path string) (children map[string]*pitrepo.Node, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.Children(path)
}

func (r *revFS) content(path string) (rc io.ReadCloser, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.root.Content(path)
}

// mtime is the commit date of the revision that last changed node.
func (r *revFS) mtime(node *pitrepo.Node) uint64 {
	info, err := r.repo.RevisionInfo(node.CreatedRev)
	if err != nil {
		return 0
	}
	return uint64(info.Date.Unix())
}

func (r *revFS) attr(node *pitrepo.Node, out *fuse.Attr) {
	out.Mtime = r.mtime(node)
	if node.Kind == pitrepo.KindDir {
		out.Mode = fuse.S_IFDIR | 0555
		return
	}
	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(node.Size)
}

func (r *revFS) inode(ctx context.Context, parent *fs.Inode, path string, kind pitrepo.Kind) *fs.Inode {
	if kind == pitrepo.KindDir {
		return parent.NewInode(ctx, &dirNode{rfs: r, path: path}, fs.StableAttr{Mode: fuse.S_IFDIR})
	}
	return parent.NewInode(ctx, &fileNode{rfs: r, path: path}, fs.StableAttr{Mode: fuse.S_IFREG})
}

// dir

type dirNode struct {
	fs.Inode
	rfs  *revFS
	path string
}

var _ = (fs.NodeReaddirer)((*dirNode)(nil))
var _ = (fs.NodeLookuper)((*dirNode)(nil))
var _ = (fs.NodeGetattrer)((*dirNode)(nil))

func (n *dirNode) Readdir(ctx context.Context) (stream fs.DirStream, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	children, err := n.rfs.children(n.path)
	Ck(err)
	names := make([]string, 0, len(children))
	for name := range children {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := []fuse.DirEntry{
		{Mode: syscall.S_IFDIR, Name: "."},
		{Mode: syscall.S_IFDIR, Name: ".."},
	}
	for _, name := range names {
		mode := uint32(syscall.S_IFREG)
		if children[name].Kind == pitrepo.KindDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Mode: mode, Name: name})
	}
	return fs.NewListDirStream(entries), 0
}

func (n *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (child *fs.Inode, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	path := pitrepo.JoinFspath(n.path, name)
	node, err := n.rfs.node(path)
	Ck(err)
	if node == nil {
		return nil, syscall.ENOENT
	}
	n.rfs.attr(node, &out.Attr)
	return n.rfs.inode(ctx, &n.Inode, path, node.Kind), 0
}

func (n *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	node, err := n.rfs.node(n.path)
	Ck(err)
	if node == nil {
		return syscall.ENOENT
	}
	n.rfs.attr(node, &out.Attr)
	return 0
}

// file

type fileNode struct {
	fs.Inode
	rfs  *revFS
	path string
}

var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeGetattrer)((*fileNode)(nil))

func (n *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) (errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	node, err := n.rfs.node(n.path)
	Ck(err)
	if node == nil {
		return syscall.ENOENT
	}
	n.rfs.attr(node, &out.Attr)
	return 0
}

func (n *fileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, outflags uint32, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)

	// disallow writes
	if flags&(syscall.O_RDWR|syscall.O_WRONLY) != 0 {
		return nil, 0, syscall.EROFS
	}
	rc, err := n.rfs.content(n.path)
	Ck(err)

	// The file content is immutable, so ask the kernel to cache the data.
	return &fileHandle{rfs: n.rfs, path: n.path, rc: rc}, fuse.FOPEN_KEEP_CACHE, fs.OK
}

// fileHandle reads one open file.  Content that cannot seek is
// reopened when the kernel reads backwards.
type fileHandle struct {
	mu   sync.Mutex
	rfs  *revFS
	path string
	rc   io.ReadCloser
	pos  int64
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileReleaser)((*fileHandle)(nil))

func (fh *fileHandle) seek(offset int64) (err error) {
	if offset == fh.pos {
		return
	}
	if s, ok := fh.rc.(io.Seeker); ok {
		fh.pos, err = s.Seek(offset, io.SeekStart)
		return
	}
	if offset < fh.pos {
		fh.rc.Close()
		fh.rc, err = fh.rfs.content(fh.path)
		if err != nil {
			return
		}
		fh.pos = 0
	}
	n, err := io.CopyN(io.Discard, fh.rc, offset-fh.pos)
	fh.pos += n
	if err == io.EOF {
		err = nil
	}
	return
}

func (fh *fileHandle) Read(ctx context.Context, buf []byte, offset int64) (res fuse.ReadResult, errno syscall.Errno) {
	defer Unpanic(&errno, msglog)
	fh.mu.Lock()
	defer fh.mu.Unlock()

	err := fh.seek(offset)
	if err != nil {
		log.Errorf("seek error: %#v", err)
		return nil, syscall.EIO
	}
	nread, err := io.ReadFull(fh.rc, buf)
	fh.pos += int64(nread)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		log.Errorf("read error: %#v", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(buf[:nread]), 0
}

func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	err := fh.rc.Close()
	if err != nil {
		log.Errorf("close %s: %v", fh.path, err)
	}
	return 0
}

// server

// Serve mounts revision rev of repo at mnt.  An invalid rev means
// youngest.  The revision root is closed when the server exits.
func Serve(repo pitrepo.Repository, rev pitrepo.Revnum, mnt string) (server *fuse.Server, err error) {
	defer Return(&err)
	if !rev.Valid() {
		rev, err = repo.Youngest()
		Ck(err)
	}
	root, err := repo.Root(rev)
	Ck(err)
	rfs := &revFS{repo: repo, root: root}

	opts := &fs.Options{}
	opts.Debug = log.IsLevelEnabled(log.DebugLevel)
	// start inode numbers at 2^16
	opts.FirstAutomaticIno = 1 << 16
	server, err = fs.Mount(mnt, &dirNode{rfs: rfs, path: "/"}, opts)
	if err != nil {
		root.Close()
		return
	}
	go func() {
		server.Wait()
		rfs.mu.Lock()
		defer rfs.mu.Unlock()
		rfs.root.Close()
	}()
	log.Debugf("mounted r%v at %s", rev, mnt)
	return
}

func msglog(msg string) {
	log.Errorf("unpanic: %v", msg)
}
