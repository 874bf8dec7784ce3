package memfscore

import (
	"context"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"
)

// Core wires String Table (A), Block Allocator (B), Inode Table (C),
// Extent Map (D), Directory Tree (E), WAL (F), and Recovery (G) behind
// the external operations surface of the core specification: the mount
// shim and CLI in the sibling packages talk only to this type.
//
// Core takes no lock of its own across an operation: each component
// (tree, inode table, block allocator, WAL) locks only for the duration
// of its own call, so an operation made of several component calls is
// not atomic with respect to other goroutines using the same Core.
type Core struct {
	strs    *StringTable
	alloc   *BlockAllocator
	inodes  *InodeTable
	extents *ExtentMap
	tree    *DirectoryTree
	wal     *WAL

	cfg coreConfig
}

// New creates a Core with a fresh (empty) WAL and tree.
func New(opts ...Option) (*Core, error) {
	cfg := defaultCoreConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	wal, err := NewWAL(cfg.walSize)
	if err != nil {
		return nil, err
	}
	return newCore(cfg, wal)
}

// OpenWithWAL rebuilds a Core from a surviving WAL byte image (e.g. an
// mmap region recovered after a crash), running Analysis/Redo/Undo
// against a fresh tree/inode table/string table before returning, per
// spec.md §4.G and the data flow in §2 ("on restart, G scans F and
// reapplies committed operations idempotently").
func OpenWithWAL(walBuf []byte, opts ...Option) (*Core, *RecoveryReport, error) {
	cfg := defaultCoreConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, nil, err
		}
	}
	wal, err := LoadWAL(walBuf)
	if err != nil {
		return nil, nil, err
	}
	c, err := newCore(cfg, wal)
	if err != nil {
		return nil, nil, err
	}
	var report *RecoveryReport
	if wal.NeedsRecovery() {
		report, err = NewRecovery(wal, c.tree).Run(context.Background())
		if err != nil {
			return nil, nil, err
		}
	}
	return c, report, nil
}

func newCore(cfg coreConfig, wal *WAL) (*Core, error) {
	strs := NewStringTable(cfg.stringTableCap)
	inodes := NewInodeTable(cfg.inodeCapacity, cfg.hashCapacity)
	alloc := NewBlockAllocator(cfg.totalBlocks, cfg.blockSize, cfg.allocatorHook)
	tree, err := NewDirectoryTree(cfg.treeCapacity, strs, inodes, cfg.overflowChildTable)
	if err != nil {
		return nil, err
	}
	extents := NewExtentMap(inodes, alloc)

	return &Core{
		strs:    strs,
		alloc:   alloc,
		inodes:  inodes,
		extents: extents,
		tree:    tree,
		wal:     wal,
		cfg:     cfg,
	}, nil
}

// splitPath divides a path into its parent directory and final
// component, per path.Split/path.Base conventions, rejecting an empty
// final component (root itself, or a trailing slash).
func splitPath(p string) (parentPath, name string, err error) {
	clean := strings.Trim(path.Clean(p), "/")
	if clean == "" || clean == "." {
		return "", "", ErrInvalid
	}
	idx := strings.LastIndexByte(clean, '/')
	if idx < 0 {
		return "/", clean, nil
	}
	return clean[:idx], clean[idx+1:], nil
}

// resolveParent walks parentPath and returns its tree index alongside
// the final path component, for operations that create or remove an
// entry under that parent.
func (c *Core) resolveParent(p string) (parentIdx uint32, name string, err error) {
	parentPath, name, err := splitPath(p)
	if err != nil {
		return 0, "", err
	}
	parentIdx, err = c.tree.PathLookup(parentPath)
	if err != nil {
		return 0, "", err
	}
	return parentIdx, name, nil
}

// createEntry is the shared body of create_file/create_dir: begin a
// transaction, log and apply an INSERT, commit.
func (c *Core) createEntry(p string, mode uint16) (uint32, error) {
	parentIdx, name, err := c.resolveParent(p)
	if err != nil {
		return 0, err
	}

	txID, err := c.wal.BeginTx()
	if err != nil {
		return 0, err
	}
	if _, err := c.wal.LogInsert(txID, EncodeInsertPayload(parentIdx, mode, name)); err != nil {
		return 0, err
	}
	childIdx, err := c.tree.Insert(parentIdx, name, mode)
	if err != nil {
		_ = c.wal.AbortTx(txID)
		return 0, err
	}
	if err := c.wal.CommitTx(txID); err != nil {
		return 0, err
	}

	node, _, err := c.tree.Node(childIdx)
	if err != nil {
		return 0, err
	}
	return uint32(node.Inode), nil
}

// CreateFile implements create_file(path, mode).
func (c *Core) CreateFile(p string, mode uint16) (uint32, error) {
	return c.createEntry(p, (mode&^uint16(S_IFMT))|uint16(S_IFREG))
}

// CreateDir implements create_dir(path, mode).
func (c *Core) CreateDir(p string, mode uint16) (uint32, error) {
	return c.createEntry(p, (mode&^uint16(S_IFMT))|uint16(S_IFDIR))
}

// removeEntry is the shared body of unlink/rmdir: begin a transaction,
// log and apply a DELETE, commit. wantDir selects unlink-vs-rmdir's
// node-kind refusal.
func (c *Core) removeEntry(p string, wantDir bool) error {
	parentIdx, name, err := c.resolveParent(p)
	if err != nil {
		return err
	}
	nodeIdx, err := c.tree.FindChild(parentIdx, name)
	if err != nil {
		return err
	}
	node, _, err := c.tree.Node(nodeIdx)
	if err != nil {
		return err
	}
	isDir := node.Mode&S_IFDIR != 0
	if isDir != wantDir {
		if wantDir {
			return ErrNotDirectory
		}
		return ErrInvalid
	}

	txID, err := c.wal.BeginTx()
	if err != nil {
		return err
	}
	if _, err := c.wal.LogDelete(txID, EncodeDeletePayload(parentIdx, name)); err != nil {
		return err
	}
	if err := c.tree.Delete(nodeIdx); err != nil {
		_ = c.wal.AbortTx(txID)
		return err
	}
	return c.wal.CommitTx(txID)
}

// Unlink implements unlink(path): removes a non-directory entry,
// freeing its inode's blocks once nlink reaches 0.
func (c *Core) Unlink(p string) error {
	parentIdx, name, err := c.resolveParent(p)
	if err != nil {
		return err
	}
	nodeIdx, err := c.tree.FindChild(parentIdx, name)
	if err != nil {
		return err
	}
	node, _, err := c.tree.Node(nodeIdx)
	if err != nil {
		return err
	}
	inodeNum := uint32(node.Inode)
	ino, ok := c.inodes.Lookup(inodeNum)
	if !ok {
		return ErrNotFound
	}

	// Free owned blocks before the tree/inode-table removal below drops
	// nlink to 0 and wipes the slot out from under ExtentMap.Lookup.
	if ino.NLink == 1 {
		if err := c.extents.FreeAll(inodeNum); err != nil {
			return err
		}
	}

	return c.removeEntry(p, false)
}

// Rmdir implements rmdir(path): refuses a non-empty directory (the
// tree's own Delete already enforces this) and any non-directory.
func (c *Core) Rmdir(p string) error {
	return c.removeEntry(p, true)
}

// resolveFile looks up p and returns its inode number and live inode
// record, refusing
// directories for operations that only make sense against file data.
func (c *Core) resolveFile(p string) (uint32, Inode, error) {
	idx, err := c.tree.PathLookup(p)
	if err != nil {
		return 0, Inode{}, err
	}
	node, _, err := c.tree.Node(idx)
	if err != nil {
		return 0, Inode{}, err
	}
	if node.Mode&S_IFDIR != 0 {
		return 0, Inode{}, ErrInvalid
	}
	inodeNum := uint32(node.Inode)
	ino, ok := c.inodes.Lookup(inodeNum)
	if !ok {
		return 0, Inode{}, ErrNotFound
	}
	return inodeNum, ino, nil
}

// Read implements read(path, off, buf): fills buf from the file's
// extents, zero-filling holes, never past the inode's recorded size.
func (c *Core) Read(p string, off uint64, buf []byte) (int, error) {
	inodeNum, _, err := c.resolveFile(p)
	if err != nil {
		return 0, err
	}
	return c.extents.Read(inodeNum, buf, len(buf), off)
}

// syncTreeCache logs an UPDATE for the entry naming inodeNum under
// parentIdx and mirrors the inode's current size/mtime onto the tree
// node, so directory listings need not re-stat and a crash before the
// next checkpoint can still redo the size/mtime change.
func (c *Core) syncTreeCache(txID uint64, parentIdx uint32, name string, nodeIdx uint32, size uint64, mtime uint32, mode uint16) error {
	if _, err := c.wal.LogUpdate(txID, EncodeUpdatePayload(parentIdx, name, uint32(size), mtime, mode)); err != nil {
		return err
	}
	return c.tree.SetSize(nodeIdx, uint32(size), mtime)
}

// Write implements write(path, off, buf): allocates/extends extents as
// needed, then journals the new size/mtime so the directory tree's
// cached fields and a future WAL replay both see the update.
func (c *Core) Write(p string, off uint64, buf []byte) (int, error) {
	parentIdx, name, err := c.resolveParent(p)
	if err != nil {
		return 0, err
	}
	nodeIdx, err := c.tree.FindChild(parentIdx, name)
	if err != nil {
		return 0, err
	}
	node, _, err := c.tree.Node(nodeIdx)
	if err != nil {
		return 0, err
	}
	if node.Mode&S_IFDIR != 0 {
		return 0, ErrInvalid
	}
	inodeNum := uint32(node.Inode)

	txID, err := c.wal.BeginTx()
	if err != nil {
		return 0, err
	}
	if _, err := c.wal.LogWrite(txID, buf); err != nil {
		return 0, err
	}
	if err := c.extents.Write(inodeNum, buf, len(buf), off); err != nil {
		_ = c.wal.AbortTx(txID)
		return 0, err
	}
	ino, _ := c.inodes.Lookup(inodeNum)
	if err := c.syncTreeCache(txID, parentIdx, name, nodeIdx, ino.Size, ino.Mtime, node.Mode); err != nil {
		return 0, err
	}
	if err := c.wal.CommitTx(txID); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Truncate implements truncate(path, size).
func (c *Core) Truncate(p string, size uint64) error {
	parentIdx, name, err := c.resolveParent(p)
	if err != nil {
		return err
	}
	nodeIdx, err := c.tree.FindChild(parentIdx, name)
	if err != nil {
		return err
	}
	node, _, err := c.tree.Node(nodeIdx)
	if err != nil {
		return err
	}
	if node.Mode&S_IFDIR != 0 {
		return ErrInvalid
	}
	inodeNum := uint32(node.Inode)

	txID, err := c.wal.BeginTx()
	if err != nil {
		return err
	}
	if err := c.extents.Truncate(inodeNum, size); err != nil {
		_ = c.wal.AbortTx(txID)
		return err
	}
	ino, _ := c.inodes.Lookup(inodeNum)
	if err := c.syncTreeCache(txID, parentIdx, name, nodeIdx, ino.Size, ino.Mtime, node.Mode); err != nil {
		return err
	}
	return c.wal.CommitTx(txID)
}

// PunchHole implements punch_hole(path, off, len). The hole doesn't
// change the file's logical size, so only a WRITE audit record is
// logged (no tree UPDATE is needed).
func (c *Core) PunchHole(p string, off, length uint64) error {
	inodeNum, _, err := c.resolveFile(p)
	if err != nil {
		return err
	}
	txID, err := c.wal.BeginTx()
	if err != nil {
		return err
	}
	if _, err := c.wal.LogWrite(txID, nil); err != nil {
		return err
	}
	if err := c.extents.PunchHole(inodeNum, off, length); err != nil {
		_ = c.wal.AbortTx(txID)
		return err
	}
	return c.wal.CommitTx(txID)
}

// Rename implements rename(src, dst): moves a subtree in place (no copy
// of file data or children) and journals it as a delete-then-insert
// pair, since the WAL's fixed eight entry types (§3) have no dedicated
// RENAME record. See DESIGN.md for the crash-window caveat this
// encoding carries.
func (c *Core) Rename(src, dst string) error {
	srcParentIdx, srcName, err := c.resolveParent(src)
	if err != nil {
		return err
	}
	nodeIdx, err := c.tree.FindChild(srcParentIdx, srcName)
	if err != nil {
		return err
	}
	node, _, err := c.tree.Node(nodeIdx)
	if err != nil {
		return err
	}
	dstParentIdx, dstName, err := c.resolveParent(dst)
	if err != nil {
		return err
	}

	txID, err := c.wal.BeginTx()
	if err != nil {
		return err
	}
	if _, err := c.wal.LogDelete(txID, EncodeDeletePayload(srcParentIdx, srcName)); err != nil {
		return err
	}
	if _, err := c.wal.LogInsert(txID, EncodeInsertPayload(dstParentIdx, node.Mode, dstName)); err != nil {
		return err
	}
	if err := c.tree.MoveSubtree(nodeIdx, dstParentIdx, dstName); err != nil {
		_ = c.wal.AbortTx(txID)
		return err
	}
	return c.wal.CommitTx(txID)
}

// Link implements link(src, dst): a new tree entry sharing src's inode,
// bumping nlink rather than minting a fresh inode. Journaled as an
// INSERT for audit; see Rename's doc comment on the same WAL-taxonomy
// limitation (no dedicated LINK record).
func (c *Core) Link(src, dst string) error {
	srcIdx, err := c.tree.PathLookup(src)
	if err != nil {
		return err
	}
	srcNode, _, err := c.tree.Node(srcIdx)
	if err != nil {
		return err
	}
	if srcNode.Mode&S_IFDIR != 0 {
		return ErrInvalid
	}
	dstParentIdx, dstName, err := c.resolveParent(dst)
	if err != nil {
		return err
	}

	txID, err := c.wal.BeginTx()
	if err != nil {
		return err
	}
	if _, err := c.wal.LogInsert(txID, EncodeInsertPayload(dstParentIdx, srcNode.Mode, dstName)); err != nil {
		return err
	}
	if _, err := c.tree.LinkChild(dstParentIdx, dstName, uint32(srcNode.Inode), srcNode.Mode); err != nil {
		_ = c.wal.AbortTx(txID)
		return err
	}
	return c.wal.CommitTx(txID)
}

// Checkpoint implements checkpoint(): flushes durability and reclaims
// all prior WAL space, per spec.md §4.F.
func (c *Core) Checkpoint() error {
	return c.wal.Checkpoint()
}

// fileinfo adapts a tree node + inode pair to fs.FileInfo, the way the
// teacher's file.go does for a squashfs inode.
type fileinfo struct {
	name string
	ino  Inode
}

var _ fs.FileInfo = (*fileinfo)(nil)

func (fi *fileinfo) Name() string       { return fi.name }
func (fi *fileinfo) Size() int64        { return int64(fi.ino.Size) }
func (fi *fileinfo) Mode() fs.FileMode  { return UnixToMode(uint32(fi.ino.Mode)) }
func (fi *fileinfo) ModTime() time.Time { return time.Unix(int64(fi.ino.Mtime), 0) }
func (fi *fileinfo) IsDir() bool        { return fi.ino.Mode&S_IFDIR != 0 }
func (fi *fileinfo) Sys() any           { return fi.ino }

// Stat implements stat(path).
func (c *Core) Stat(p string) (fs.FileInfo, error) {
	idx, err := c.tree.PathLookup(p)
	if err != nil {
		return nil, err
	}
	node, name, err := c.tree.Node(idx)
	if err != nil {
		return nil, err
	}
	ino, ok := c.inodes.Lookup(uint32(node.Inode))
	if !ok {
		return nil, ErrNotFound
	}
	if name == "" {
		name = "/"
	}
	return &fileinfo{name: name, ino: ino}, nil
}

// coreReaderAt adapts Core.Read to io.ReaderAt for io.SectionReader,
// mirroring the teacher's *Inode ReadAt usage in file.go's OpenFile.
type coreReaderAt struct {
	core     *Core
	inodeNum uint32
}

func (r *coreReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := r.core.extents.Read(r.inodeNum, p, len(p), uint64(off))
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// file is a convenience fs.File over a regular file's inode, grounded
// on the teacher's File type in file.go.
type file struct {
	*io.SectionReader
	core *Core
	ino  Inode
	name string
}

var _ fs.File = (*file)(nil)
var _ io.ReaderAt = (*file)(nil)

func (f *file) Stat() (fs.FileInfo, error) { return &fileinfo{name: path.Base(f.name), ino: f.ino}, nil }
func (f *file) Sys() any                   { return f.ino }
func (f *file) Close() error                { return nil }

// dirFile is a convenience fs.ReadDirFile over a directory's inode,
// grounded on the teacher's FileDir type in file.go.
type dirFile struct {
	core     *Core
	nodeIdx  uint32
	ino      Inode
	name     string
	children []uint32
	pos      int
}

var _ fs.ReadDirFile = (*dirFile)(nil)

func (d *dirFile) Read(p []byte) (int, error)      { return 0, fs.ErrInvalid }
func (d *dirFile) Stat() (fs.FileInfo, error)       { return &fileinfo{name: path.Base(d.name), ino: d.ino}, nil }
func (d *dirFile) Sys() any                         { return d.ino }
func (d *dirFile) Close() error                     { d.children = nil; d.pos = 0; return nil }

func (d *dirFile) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.children == nil {
		children, err := d.core.tree.Children(d.nodeIdx)
		if err != nil {
			return nil, err
		}
		d.children = children
	}
	remaining := len(d.children) - d.pos
	if remaining <= 0 {
		if n <= 0 {
			return nil, nil
		}
		return nil, io.EOF
	}
	if n <= 0 || n > remaining {
		n = remaining
	}
	out := make([]fs.DirEntry, 0, n)
	for i := 0; i < n; i++ {
		childIdx := d.children[d.pos+i]
		node, name, err := d.core.tree.Node(childIdx)
		if err != nil {
			return nil, err
		}
		ino, _ := d.core.inodes.Lookup(uint32(node.Inode))
		out = append(out, fs.FileInfoToDirEntry(&fileinfo{name: name, ino: ino}))
	}
	d.pos += n
	return out, nil
}

// Open implements io/fs.FS, returning a *dirFile for a directory or a
// *file (seekable, io.ReaderAt) for a regular file, per the teacher's
// (*Inode).OpenFile dispatch in file.go.
func (c *Core) Open(name string) (fs.File, error) {
	idx, err := c.tree.PathLookup(name)
	if err != nil {
		return nil, err
	}
	node, nodeName, err := c.tree.Node(idx)
	if err != nil {
		return nil, err
	}
	ino, ok := c.inodes.Lookup(uint32(node.Inode))
	if !ok {
		return nil, ErrNotFound
	}
	if nodeName == "" {
		nodeName = "/"
	}
	if node.Mode&S_IFDIR != 0 {
		return &dirFile{core: c, nodeIdx: idx, ino: ino, name: nodeName}, nil
	}
	ra := &coreReaderAt{core: c, inodeNum: uint32(node.Inode)}
	return &file{
		SectionReader: io.NewSectionReader(ra, 0, int64(ino.Size)),
		core:          c,
		ino:           ino,
		name:          nodeName,
	}, nil
}
