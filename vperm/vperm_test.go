package vperm

import (
	"path/filepath"
	"testing"

	"github.com/scratchbox2/sb2-engine/ruletree"
)

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rt.bin")
	s, err := ruletree.Create(path, ruletree.CreateOpts{MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	tree, err := NewTree(s)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return tree
}

func TestFindMissingReturnsFalse(t *testing.T) {
	tree := newTestTree(t)
	if _, ok := tree.Find(1, 2); ok {
		t.Fatal("Find should report not-found on an empty tree")
	}
	if tree.ActiveCount() != 0 {
		t.Fatal("ActiveCount should start at zero")
	}
}

func TestSetUIDThenFind(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.SetUID(8, 1001, 0); err != nil {
		t.Fatalf("SetUID: %v", err)
	}
	if tree.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", tree.ActiveCount())
	}

	stat, ok := tree.Find(8, 1001)
	if !ok {
		t.Fatal("expected to find overlay")
	}
	if stat.ActiveMask&ruletree.InodeStatSimUID == 0 || stat.UID != 0 {
		t.Fatalf("unexpected stat: %+v", stat)
	}
}

func TestMultipleFieldsSameInodeOneActiveCount(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.SetUID(8, 1001, 0); err != nil {
		t.Fatal(err)
	}
	if err := tree.SetGID(8, 1001, 0); err != nil {
		t.Fatal(err)
	}
	if err := tree.SetMode(8, 1001, 0755); err != nil {
		t.Fatal(err)
	}

	if tree.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1 (single inode, multiple fields)", tree.ActiveCount())
	}

	stat, ok := tree.Find(8, 1001)
	if !ok {
		t.Fatal("expected to find overlay")
	}
	want := ruletree.InodeStatSimUID | ruletree.InodeStatSimGID | ruletree.InodeStatSimMode
	if stat.ActiveMask != want {
		t.Fatalf("ActiveMask = %x, want %x", stat.ActiveMask, want)
	}
}

func TestMultipleInodesBranchTree(t *testing.T) {
	tree := newTestTree(t)

	inodes := []struct{ dev, ino uint64 }{
		{8, 100}, {8, 50}, {8, 200}, {9, 1}, {7, 999},
	}
	for i, n := range inodes {
		if err := tree.SetUID(n.dev, n.ino, uint32(1000+i)); err != nil {
			t.Fatalf("SetUID(%d,%d): %v", n.dev, n.ino, err)
		}
	}
	if tree.ActiveCount() != uint32(len(inodes)) {
		t.Fatalf("ActiveCount = %d, want %d", tree.ActiveCount(), len(inodes))
	}

	for i, n := range inodes {
		stat, ok := tree.Find(n.dev, n.ino)
		if !ok {
			t.Fatalf("Find(%d,%d) failed", n.dev, n.ino)
		}
		if stat.UID != uint32(1000+i) {
			t.Fatalf("Find(%d,%d).UID = %d, want %d", n.dev, n.ino, stat.UID, 1000+i)
		}
	}

	if _, ok := tree.Find(123, 456); ok {
		t.Fatal("Find should miss an inode never set")
	}
}

func TestReleaseAndClear(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.SetUID(8, 1001, 0); err != nil {
		t.Fatal(err)
	}
	if err := tree.SetGID(8, 1001, 0); err != nil {
		t.Fatal(err)
	}
	if tree.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d", tree.ActiveCount())
	}

	if err := tree.Release(8, 1001, ruletree.InodeStatSimUID); err != nil {
		t.Fatal(err)
	}
	if tree.ActiveCount() != 1 {
		t.Fatalf("ActiveCount should stay 1 while gid is still active: %d", tree.ActiveCount())
	}
	stat, _ := tree.Find(8, 1001)
	if stat.ActiveMask != ruletree.InodeStatSimGID {
		t.Fatalf("ActiveMask after Release = %x", stat.ActiveMask)
	}

	if err := tree.Release(8, 1001, ruletree.InodeStatSimGID); err != nil {
		t.Fatal(err)
	}
	if tree.ActiveCount() != 0 {
		t.Fatalf("ActiveCount after releasing the last field = %d, want 0", tree.ActiveCount())
	}
	if _, ok := tree.Find(8, 1001); ok {
		t.Fatal("Find should report not-found once every field is inactive")
	}
}

func TestClearAllFields(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.SetUID(8, 1001, 0); err != nil {
		t.Fatal(err)
	}
	if err := tree.SetMode(8, 1001, 0644); err != nil {
		t.Fatal(err)
	}
	if err := tree.Clear(8, 1001); err != nil {
		t.Fatal(err)
	}
	if tree.ActiveCount() != 0 {
		t.Fatalf("ActiveCount after Clear = %d, want 0", tree.ActiveCount())
	}
	if _, ok := tree.Find(8, 1001); ok {
		t.Fatal("Find should miss after Clear")
	}
}

func TestSetDevNode(t *testing.T) {
	tree := newTestTree(t)

	if err := tree.SetDevNode(8, 1001, 0o020666, 0x0103); err != nil {
		t.Fatalf("SetDevNode: %v", err)
	}
	stat, ok := tree.Find(8, 1001)
	if !ok {
		t.Fatal("expected to find overlay")
	}
	if stat.ActiveMask&ruletree.InodeStatSimDevNode == 0 {
		t.Fatal("devnode bit should be active")
	}
	if stat.RDev != 0x0103 {
		t.Fatalf("RDev = %x, want 0x103", stat.RDev)
	}
}

func TestOpenTreeAttachesExistingSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt.bin")
	s, err := ruletree.Create(path, ruletree.CreateOpts{MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	tree, err := NewTree(s)
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	if err := tree.SetUID(8, 1001, 42); err != nil {
		t.Fatal(err)
	}

	reopened := OpenTree(s, tree.RootSlot(), tree.CountSlot())
	stat, ok := reopened.Find(8, 1001)
	if !ok || stat.UID != 42 {
		t.Fatalf("reopened tree Find = %+v, %v", stat, ok)
	}
}
