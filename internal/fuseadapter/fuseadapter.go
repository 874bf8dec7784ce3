//go:build fuse

// Package fuseadapter mounts a memfscore.Core as a real filesystem via
// go-fuse v2, proving the Core's operations surface is enough to back a
// mount rather than just an in-process API. Grounded on the teacher's
// inode_fuse.go (build-tagged "fuse", Lookup/Open/OpenDir/ReadDir over a
// *squashfs.Inode), ported to go-fuse v2's higher-level fs.InodeEmbedder
// API the way the vendored fs-api.go.go in the retrieval pack documents
// it, since memfscore.Core is addressed by path rather than the
// teacher's direct inode-ref handles.
package fuseadapter

import (
	"context"
	stdfs "io/fs"
	"sort"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/KarpelesLab/memfscore"
)

// node is one fs.Inode in the mounted tree; it carries no cached state
// of its own, every operation resolves fullPath against core fresh, the
// same way the teacher's squashfs inode resolves against its
// superblock on every call rather than caching directory contents.
type node struct {
	fs.Inode

	core     *memfscore.Core
	fullPath string
}

var (
	_ fs.InodeEmbedder = (*node)(nil)
	_ fs.NodeLookuper  = (*node)(nil)
	_ fs.NodeReaddirer = (*node)(nil)
	_ fs.NodeOpener    = (*node)(nil)
	_ fs.NodeReader    = (*node)(nil)
	_ fs.NodeGetattrer = (*node)(nil)
)

// Root builds the fs.InodeEmbedder to pass to fs.Mount.
func Root(core *memfscore.Core) fs.InodeEmbedder {
	return &node{core: core, fullPath: "/"}
}

func attrFromInode(ino memfscore.Inode, out *fuse.Attr) {
	out.Ino = uint64(ino.InodeNum)
	out.Size = ino.Size
	out.Mode = uint32(ino.Mode)
	out.Mtime = ino.Mtime
	out.Atime = ino.Atime
	out.Ctime = ino.Ctime
	out.Nlink = uint32(ino.NLink)
	if out.Nlink == 0 {
		out.Nlink = 1
	}
}

func (n *node) child(name string) string {
	if n.fullPath == "/" {
		return "/" + name
	}
	return n.fullPath + "/" + name
}

// Lookup implements fs.NodeLookuper: stat the child path, mint a child
// fs.Inode stamped with the real inode number so hardlinked paths share
// one kernel inode.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := n.child(name)
	fi, err := n.core.Stat(childPath)
	if err != nil {
		return nil, errnoFrom(err)
	}
	ino, _ := fi.Sys().(memfscore.Inode)
	attrFromInode(ino, &out.Attr)

	mode := uint32(fuse.S_IFREG)
	if fi.IsDir() {
		mode = fuse.S_IFDIR
	}
	child := &node{core: n.core, fullPath: childPath}
	stable := fs.StableAttr{Mode: mode, Ino: out.Attr.Ino}
	return n.NewInode(ctx, child, stable), 0
}

// Getattr fills out standard attributes for stat(2) over the mount.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := n.core.Stat(n.fullPath)
	if err != nil {
		return errnoFrom(err)
	}
	ino, _ := fi.Sys().(memfscore.Inode)
	attrFromInode(ino, &out.Attr)
	return 0
}

// dirStream is a slice-backed fs.DirStream built from Core.Open's
// fs.ReadDirFile adapter, names sorted for a stable listing order.
type dirStream struct {
	entries []fuse.DirEntry
	pos     int
}

func (d *dirStream) HasNext() bool { return d.pos < len(d.entries) }
func (d *dirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := d.entries[d.pos]
	d.pos++
	return e, 0
}
func (d *dirStream) Close() {}

// Readdir lists the directory's children via Core.Open's fs.ReadDirFile
// adapter, translated into go-fuse's streaming DirStream.
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	f, err := n.core.Open(n.fullPath)
	if err != nil {
		return nil, errnoFrom(err)
	}
	defer f.Close()
	rd, ok := f.(stdfs.ReadDirFile)
	if !ok {
		return &dirStream{}, 0
	}
	dirEntries, err := rd.ReadDir(-1)
	if err != nil {
		return nil, errnoFrom(err)
	}
	out := make([]fuse.DirEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		mode := uint32(fuse.S_IFREG)
		if de.IsDir() {
			mode = fuse.S_IFDIR
		}
		var ino uint64
		if fi, err := de.Info(); err == nil {
			if i, ok := fi.Sys().(memfscore.Inode); ok {
				ino = uint64(i.InodeNum)
			}
		}
		out = append(out, fuse.DirEntry{Mode: mode, Name: de.Name(), Ino: ino})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return &dirStream{entries: out}, 0
}

func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	// Stateless: every Read call re-resolves the path against Core, the
	// way the teacher's inode_fuse.go Open always succeeds and relies on
	// FOPEN_KEEP_CACHE instead of a held file descriptor.
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	got, err := n.core.Read(n.fullPath, uint64(off), dest)
	if err != nil {
		return nil, errnoFrom(err)
	}
	return fuse.ReadResultData(dest[:got]), 0
}

// errnoFrom maps this repo's POSIX-numbered *Error (see errors.go) onto
// syscall.Errno, the currency go-fuse's API requires.
func errnoFrom(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	return syscall.Errno(memfscore.ErrnoOf(err))
}

// Mount starts serving core at mountpoint until the returned server's
// Unmount is called, grounded on the teacher's cmd/sqfs main.go
// fuse.Mount/server.Wait() usage.
func Mount(mountpoint string, core *memfscore.Core) (*fuse.Server, error) {
	sec := time.Second
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "memfscore",
			Name:   "memfscore",
		},
		EntryTimeout: &sec,
		AttrTimeout:  &sec,
	}
	return fs.Mount(mountpoint, Root(core), opts)
}
