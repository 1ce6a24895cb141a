package ruletree

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "ruletree.bin")
	s, err := Create(path, CreateOpts{MaxSize: 1 << 20, MinClientSocketFd: 200})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndHeaderFields(t *testing.T) {
	s := newTestStore(t)

	if s.MaxSize() != 1<<20 {
		t.Fatalf("MaxSize = %d", s.MaxSize())
	}
	if s.MinClientSocketFd() != 200 {
		t.Fatalf("MinClientSocketFd = %d", s.MinClientSocketFd())
	}
	if s.RootCatalog() != 0 {
		t.Fatalf("RootCatalog should start null, got %d", s.RootCatalog())
	}
	if s.FileSize() != headerSize {
		t.Fatalf("FileSize = %d, want %d", s.FileSize(), headerSize)
	}
}

func TestAttachRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ruletree.bin")

	w, err := Create(path, CreateOpts{MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	off, err := w.WriteString("hello")
	if err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	if err := w.SetRootCatalog(off); err != nil {
		t.Fatalf("SetRootCatalog: %v", err)
	}
	w.Close()

	r, err := Attach(path, false)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer r.Close()

	if r.RootCatalog() != off {
		t.Fatalf("RootCatalog after attach = %d, want %d", r.RootCatalog(), off)
	}
	got, ok := r.StringAt(r.RootCatalog())
	if !ok || got != "hello" {
		t.Fatalf("StringAt = %q, %v", got, ok)
	}
}

func TestAttachRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bogus.bin")
	if err := os.WriteFile(path, make([]byte, headerSize), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Attach(path, false); err == nil {
		t.Fatal("expected error attaching a zeroed file")
	}
}

func TestStringRoundTrip(t *testing.T) {
	s := newTestStore(t)

	off, err := s.WriteString("/usr/bin/gcc")
	if err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	got, ok := s.StringAt(off)
	if !ok || got != "/usr/bin/gcc" {
		t.Fatalf("StringAt = %q, %v", got, ok)
	}
}

func TestUint32ScalarOverlay(t *testing.T) {
	s := newTestStore(t)

	off, err := s.WriteUint32(42)
	if err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	v, ok := s.Uint32At(off)
	if !ok || v != 42 {
		t.Fatalf("Uint32At = %d, %v", v, ok)
	}
	if err := s.SetUint32At(off, 7); err != nil {
		t.Fatalf("SetUint32At: %v", err)
	}
	v, ok = s.Uint32At(off)
	if !ok || v != 7 {
		t.Fatalf("Uint32At after overlay = %d, %v", v, ok)
	}
}

func TestBooleanScalar(t *testing.T) {
	s := newTestStore(t)

	off, err := s.WriteBoolean(true)
	if err != nil {
		t.Fatalf("WriteBoolean: %v", err)
	}
	v, ok := s.BooleanAt(off)
	if !ok || !v {
		t.Fatalf("BooleanAt = %v, %v", v, ok)
	}
	if err := s.SetBooleanAt(off, false); err != nil {
		t.Fatal(err)
	}
	v, ok = s.BooleanAt(off)
	if !ok || v {
		t.Fatalf("BooleanAt after overlay = %v, %v", v, ok)
	}
}

func TestObjectList(t *testing.T) {
	s := newTestStore(t)

	a, _ := s.WriteString("a")
	b, _ := s.WriteString("b")

	list, err := s.CreateList(2)
	if err != nil {
		t.Fatalf("CreateList: %v", err)
	}
	if err := s.ListSet(list, 0, a); err != nil {
		t.Fatal(err)
	}
	if err := s.ListSet(list, 1, b); err != nil {
		t.Fatal(err)
	}

	n, ok := s.ListLen(list)
	if !ok || n != 2 {
		t.Fatalf("ListLen = %d, %v", n, ok)
	}
	got0, _ := s.ListGet(list, 0)
	got1, _ := s.ListGet(list, 1)
	if got0 != a || got1 != b {
		t.Fatalf("ListGet mismatch: %d, %d", got0, got1)
	}
	if _, ok := s.ListGet(list, 2); ok {
		t.Fatal("ListGet out of range should fail")
	}
}

func TestCatalogEntryChain(t *testing.T) {
	s := newTestStore(t)

	name, _ := s.WriteString("PATH")
	value, _ := s.WriteString("/bin")

	e1, err := s.NewCatalogEntry(name, value, 0)
	if err != nil {
		t.Fatalf("NewCatalogEntry: %v", err)
	}
	e2, err := s.NewCatalogEntry(name, value, e1)
	if err != nil {
		t.Fatalf("NewCatalogEntry: %v", err)
	}

	entry, ok := s.CatalogEntryAt(e2)
	if !ok || entry.Next != e1 {
		t.Fatalf("CatalogEntryAt = %+v, %v", entry, ok)
	}

	newValue, _ := s.WriteString("/usr/bin")
	if err := s.SetCatalogEntryValue(e1, newValue); err != nil {
		t.Fatal(err)
	}
	entry1, _ := s.CatalogEntryAt(e1)
	if entry1.Value != newValue {
		t.Fatalf("value overlay didn't take effect: %+v", entry1)
	}
}

func TestFsRuleRoundTrip(t *testing.T) {
	s := newTestStore(t)

	name, _ := s.WriteString("/usr")
	action, _ := s.WriteString("/opt/target/usr")

	off, err := s.NewFsRule(FsRule{
		Name:         name,
		SelectorType: SelectorPrefix,
		Selector:     name,
		ActionType:   ActionMapTo,
		Action:       action,
		Flags:        FlagReadOnly,
	})
	if err != nil {
		t.Fatalf("NewFsRule: %v", err)
	}

	rule, ok := s.FsRuleAt(off)
	if !ok {
		t.Fatal("FsRuleAt failed")
	}
	if rule.SelectorType != SelectorPrefix || rule.ActionType != ActionMapTo || rule.Flags != FlagReadOnly {
		t.Fatalf("unexpected rule: %+v", rule)
	}
	if got, _ := s.StringAt(rule.Action); got != "/opt/target/usr" {
		t.Fatalf("resolved action path = %q", got)
	}
}

func TestBintreeNodeLinking(t *testing.T) {
	s := newTestStore(t)

	root, err := s.NewBintreeNode(100, 200, 0)
	if err != nil {
		t.Fatalf("NewBintreeNode: %v", err)
	}
	left, err := s.NewBintreeNode(50, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetBintreeLess(root, left); err != nil {
		t.Fatal(err)
	}

	node, ok := s.BintreeNodeAt(root)
	if !ok || node.Less != left {
		t.Fatalf("BintreeNodeAt = %+v, %v", node, ok)
	}
}

func TestInodeStatFieldOverlay(t *testing.T) {
	s := newTestStore(t)

	off, err := s.NewInodeStat(99, 123456)
	if err != nil {
		t.Fatalf("NewInodeStat: %v", err)
	}

	stat, ok := s.InodeStatAt(off)
	if !ok || stat.ActiveMask != 0 {
		t.Fatalf("fresh inode-stat should have empty mask: %+v", stat)
	}

	if err := s.SetInodeStatField(off, InodeStatSimUID, 1000); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInodeStatField(off, InodeStatSimGID, 1000); err != nil {
		t.Fatal(err)
	}

	stat, _ = s.InodeStatAt(off)
	if stat.ActiveMask != InodeStatSimUID|InodeStatSimGID || stat.UID != 1000 || stat.GID != 1000 {
		t.Fatalf("unexpected stat after overlay: %+v", stat)
	}

	if err := s.ClearInodeStatField(off, InodeStatSimUID); err != nil {
		t.Fatal(err)
	}
	stat, _ = s.InodeStatAt(off)
	if stat.ActiveMask != InodeStatSimGID {
		t.Fatalf("ClearInodeStatField didn't clear the right bit: %+v", stat)
	}

	if err := s.ClearInodeStatAll(off); err != nil {
		t.Fatal(err)
	}
	stat, _ = s.InodeStatAt(off)
	if stat.ActiveMask != 0 {
		t.Fatalf("ClearInodeStatAll left bits set: %+v", stat)
	}
}

func TestResolveRejectsBadOffset(t *testing.T) {
	s := newTestStore(t)

	if err := s.resolveHeader(0, TypeString); err == nil {
		t.Fatal("null offset should be rejected")
	}
	if err := s.resolveHeader(Offset(s.MaxSize()-4), TypeString); err == nil {
		t.Fatal("out-of-range offset should be rejected")
	}

	off, _ := s.WriteUint32(1)
	if err := s.resolveHeader(off, TypeString); err == nil {
		t.Fatal("wrong type should be rejected")
	}
}

func TestOutOfSpace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.bin")
	s, err := Create(path, CreateOpts{MaxSize: headerSize + 16})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Close()

	if _, err := s.WriteString("this string is far too long to fit"); err == nil {
		t.Fatal("expected out-of-space error")
	}
}
