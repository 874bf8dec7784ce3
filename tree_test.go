package memfscore

import "testing"

func newTestTree(t *testing.T, capacity int, overflow bool) (*StringTable, *InodeTable, *DirectoryTree) {
	t.Helper()
	st := NewStringTable(4096)
	it := NewInodeTable(0, 0)
	dt, err := NewDirectoryTree(capacity, st, it, overflow)
	if err != nil {
		t.Fatalf("NewDirectoryTree: %s", err)
	}
	return st, it, dt
}

func TestDirectoryTreeInitRoot(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	node, name, err := dt.Node(dt.Root())
	if err != nil {
		t.Fatalf("Node(root): %s", err)
	}
	if name != "/" {
		t.Fatalf("root name = %q; want /", name)
	}
	if node.Mode&S_IFDIR == 0 {
		t.Fatalf("root mode %o is not a directory", node.Mode)
	}
	if node.ParentOffset != rootNodeIndex {
		t.Fatalf("root ParentOffset = %d; want %d", node.ParentOffset, rootNodeIndex)
	}
}

func TestDirectoryTreeInsertAndFindChild(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)

	idx, err := dt.Insert(dt.Root(), "a.txt", uint16(S_IFREG|0644))
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}

	got, err := dt.FindChild(dt.Root(), "a.txt")
	if err != nil {
		t.Fatalf("FindChild: %s", err)
	}
	if got != idx {
		t.Fatalf("FindChild = %d; want %d", got, idx)
	}

	if _, err := dt.FindChild(dt.Root(), "missing.txt"); err != ErrNotFound {
		t.Fatalf("FindChild(missing) = %v; want ErrNotFound", err)
	}
}

func TestDirectoryTreeInsertDuplicateRejected(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	if _, err := dt.Insert(dt.Root(), "dup", uint16(S_IFREG|0644)); err != nil {
		t.Fatalf("Insert: %s", err)
	}
	if _, err := dt.Insert(dt.Root(), "dup", uint16(S_IFREG|0644)); err != ErrExists {
		t.Fatalf("duplicate Insert = %v; want ErrExists", err)
	}
}

func TestDirectoryTreeInsertIntoNonDirectory(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	fileIdx, err := dt.Insert(dt.Root(), "f", uint16(S_IFREG|0644))
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	if _, err := dt.Insert(fileIdx, "child", uint16(S_IFREG|0644)); err != ErrNotDirectory {
		t.Fatalf("Insert under a file = %v; want ErrNotDirectory", err)
	}
}

func TestDirectoryTreePathLookup(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	aIdx, err := dt.Insert(dt.Root(), "a", uint16(S_IFDIR|0755))
	if err != nil {
		t.Fatalf("Insert a: %s", err)
	}
	bIdx, err := dt.Insert(aIdx, "b.txt", uint16(S_IFREG|0644))
	if err != nil {
		t.Fatalf("Insert b.txt: %s", err)
	}

	got, err := dt.PathLookup("/a/b.txt")
	if err != nil {
		t.Fatalf("PathLookup: %s", err)
	}
	if got != bIdx {
		t.Fatalf("PathLookup = %d; want %d", got, bIdx)
	}

	if _, err := dt.PathLookup("/a/missing"); err != ErrNotFound {
		t.Fatalf("PathLookup(missing) = %v; want ErrNotFound", err)
	}

	if got, err := dt.PathLookup("/"); err != nil || got != dt.Root() {
		t.Fatalf("PathLookup(/) = %d, %v; want root, nil", got, err)
	}
}

// TestDirectoryTreeThirteenthChildOverflow implements spec.md §8 seed
// scenario 4: a 13th inline child fails with ErrNoSpace in the default
// (non-overflow) configuration.
func TestDirectoryTreeThirteenthChildOverflow(t *testing.T) {
	_, _, dt := newTestTree(t, 32, false)
	for i := 0; i < maxInlineChildren; i++ {
		name := string(rune('a' + i))
		if _, err := dt.Insert(dt.Root(), name, uint16(S_IFREG|0644)); err != nil {
			t.Fatalf("Insert #%d: %s", i, err)
		}
	}
	if _, err := dt.Insert(dt.Root(), "overflow", uint16(S_IFREG|0644)); err != ErrNoSpace {
		t.Fatalf("13th child = %v; want ErrNoSpace", err)
	}
}

func TestDirectoryTreeOverflowChildTable(t *testing.T) {
	_, _, dt := newTestTree(t, 32, true)
	for i := 0; i < maxInlineChildren; i++ {
		name := string(rune('a' + i))
		if _, err := dt.Insert(dt.Root(), name, uint16(S_IFREG|0644)); err != nil {
			t.Fatalf("Insert #%d: %s", i, err)
		}
	}
	idx, err := dt.Insert(dt.Root(), "overflow", uint16(S_IFREG|0644))
	if err != nil {
		t.Fatalf("13th child with overflow enabled: %s", err)
	}
	got, err := dt.FindChild(dt.Root(), "overflow")
	if err != nil || got != idx {
		t.Fatalf("FindChild(overflow) = %d, %v; want %d, nil", got, err, idx)
	}
	children, err := dt.Children(dt.Root())
	if err != nil {
		t.Fatalf("Children: %s", err)
	}
	if len(children) != maxInlineChildren+1 {
		t.Fatalf("Children returned %d entries; want %d", len(children), maxInlineChildren+1)
	}
}

func TestDirectoryTreeDeleteRefusesNonEmptyDir(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	dirIdx, err := dt.Insert(dt.Root(), "d", uint16(S_IFDIR|0755))
	if err != nil {
		t.Fatalf("Insert d: %s", err)
	}
	if _, err := dt.Insert(dirIdx, "f", uint16(S_IFREG|0644)); err != nil {
		t.Fatalf("Insert f: %s", err)
	}
	if err := dt.Delete(dirIdx); err != ErrNotEmpty {
		t.Fatalf("Delete(non-empty dir) = %v; want ErrNotEmpty", err)
	}
}

func TestDirectoryTreeDeleteRefusesRoot(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	if err := dt.Delete(dt.Root()); err != ErrInvalid {
		t.Fatalf("Delete(root) = %v; want ErrInvalid", err)
	}
}

func TestDirectoryTreeDeleteThenReinsert(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	idx, err := dt.Insert(dt.Root(), "f", uint16(S_IFREG|0644))
	if err != nil {
		t.Fatalf("Insert: %s", err)
	}
	if err := dt.Delete(idx); err != nil {
		t.Fatalf("Delete: %s", err)
	}
	if _, err := dt.FindChild(dt.Root(), "f"); err != ErrNotFound {
		t.Fatalf("FindChild after delete = %v; want ErrNotFound", err)
	}
	if _, err := dt.Insert(dt.Root(), "f", uint16(S_IFREG|0644)); err != nil {
		t.Fatalf("reinsert after delete: %s", err)
	}
}

func TestDirectoryTreeMoveSubtree(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	srcDir, err := dt.Insert(dt.Root(), "src", uint16(S_IFDIR|0755))
	if err != nil {
		t.Fatalf("Insert src: %s", err)
	}
	dstDir, err := dt.Insert(dt.Root(), "dst", uint16(S_IFDIR|0755))
	if err != nil {
		t.Fatalf("Insert dst: %s", err)
	}
	fileIdx, err := dt.Insert(srcDir, "f.txt", uint16(S_IFREG|0644))
	if err != nil {
		t.Fatalf("Insert f.txt: %s", err)
	}

	if err := dt.MoveSubtree(fileIdx, dstDir, "g.txt"); err != nil {
		t.Fatalf("MoveSubtree: %s", err)
	}

	if _, err := dt.FindChild(srcDir, "f.txt"); err != ErrNotFound {
		t.Fatalf("source still has f.txt: %v", err)
	}
	got, err := dt.FindChild(dstDir, "g.txt")
	if err != nil || got != fileIdx {
		t.Fatalf("FindChild(dst, g.txt) = %d, %v; want %d, nil", got, err, fileIdx)
	}
}

func TestDirectoryTreeMoveSubtreeRejectsCycle(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	parent, err := dt.Insert(dt.Root(), "p", uint16(S_IFDIR|0755))
	if err != nil {
		t.Fatalf("Insert p: %s", err)
	}
	child, err := dt.Insert(parent, "c", uint16(S_IFDIR|0755))
	if err != nil {
		t.Fatalf("Insert c: %s", err)
	}
	if err := dt.MoveSubtree(parent, child, "p2"); err != ErrInvalid {
		t.Fatalf("MoveSubtree into own descendant = %v; want ErrInvalid", err)
	}
}

func TestDirectoryTreeStats(t *testing.T) {
	_, _, dt := newTestTree(t, 16, false)
	dirIdx, err := dt.Insert(dt.Root(), "d", uint16(S_IFDIR|0755))
	if err != nil {
		t.Fatalf("Insert d: %s", err)
	}
	if _, err := dt.Insert(dirIdx, "f", uint16(S_IFREG|0644)); err != nil {
		t.Fatalf("Insert f: %s", err)
	}

	stats := dt.Stats()
	if stats.TotalNodes != 3 {
		t.Fatalf("TotalNodes = %d; want 3", stats.TotalNodes)
	}
	if stats.MaxDepth != 2 {
		t.Fatalf("MaxDepth = %d; want 2", stats.MaxDepth)
	}
}

func TestTreeNodeMarshalRoundTrip(t *testing.T) {
	n := TreeNode{
		Inode:        7,
		ParentOffset: 1,
		NameHash:     0xdeadbeef,
		Size:         1024,
		Timestamp:    99,
		ChildCount:   2,
		Mode:         uint16(S_IFDIR | 0755),
	}
	n.ChildOffsets[0] = 5
	n.ChildOffsets[1] = 6

	buf := n.MarshalBinary()
	if len(buf) != TreeNodeSize {
		t.Fatalf("MarshalBinary length = %d; want %d", len(buf), TreeNodeSize)
	}
	got := unmarshalTreeNode(buf)
	if got != n {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, n)
	}
}
