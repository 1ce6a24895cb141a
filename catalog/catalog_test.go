package catalog

import (
	"path/filepath"
	"testing"

	"github.com/scratchbox2/sb2-engine/ruletree"
)

func newStore(t *testing.T) *ruletree.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rt.bin")
	s, err := ruletree.Create(path, ruletree.CreateOpts{MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetAndGetString(t *testing.T) {
	s := newStore(t)

	cat, err := SetString(s, NewCatalog(), "session_dir", "/tmp/sb2-abc", false)
	if err != nil {
		t.Fatalf("SetString: %v", err)
	}

	got, ok := GetString(s, cat, "session_dir")
	if !ok || got != "/tmp/sb2-abc" {
		t.Fatalf("GetString = %q, %v", got, ok)
	}
}

func TestSetOverwrite(t *testing.T) {
	s := newStore(t)

	cat, err := SetUint32(s, NewCatalog(), "active_exec_policy_generation", 1, false)
	if err != nil {
		t.Fatal(err)
	}
	cat2, err := SetUint32(s, cat, "active_exec_policy_generation", 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if cat2 != cat {
		t.Fatalf("overwrite should not change the catalog head: %d != %d", cat2, cat)
	}

	v, ok := GetUint32(s, cat, "active_exec_policy_generation")
	if !ok || v != 2 {
		t.Fatalf("GetUint32 after overwrite = %d, %v", v, ok)
	}
}

func TestDuplicateNamesWithoutOverwrite(t *testing.T) {
	s := newStore(t)

	cat, _ := SetString(s, NewCatalog(), "mapping_rule", "/usr", false)
	cat, _ = SetString(s, cat, "mapping_rule", "/opt", false)

	all := GetAll(s, cat, "mapping_rule")
	if len(all) != 2 {
		t.Fatalf("GetAll returned %d entries, want 2", len(all))
	}

	first, _ := s.StringAt(all[0])
	if first != "/opt" {
		t.Fatalf("most recent entry should be first: got %q", first)
	}
}

func TestGetMissingName(t *testing.T) {
	s := newStore(t)
	cat, _ := SetString(s, NewCatalog(), "foo", "bar", false)

	if _, ok := Get(s, cat, "does_not_exist"); ok {
		t.Fatal("Get should fail for a missing name")
	}
}

func TestNamesDeduplicates(t *testing.T) {
	s := newStore(t)
	cat, _ := SetString(s, NewCatalog(), "a", "1", false)
	cat, _ = SetString(s, cat, "b", "2", false)
	cat, _ = SetString(s, cat, "a", "3", false)

	names := Names(s, cat)
	if len(names) != 2 {
		t.Fatalf("Names = %v, want 2 distinct names", names)
	}
}

func TestNestedCatalog(t *testing.T) {
	s := newStore(t)

	inner := NewCatalog()
	inner, _ = SetString(s, inner, "name", "gcc-rule", false)

	listOff, err := s.CreateList(0)
	if err != nil {
		t.Fatal(err)
	}
	_ = listOff

	outer := NewCatalog()
	outer, err = Set(s, outer, "config", inner, false)
	if err != nil {
		t.Fatal(err)
	}

	gotInner, ok := Get(s, outer, "config")
	if !ok {
		t.Fatal("expected nested catalog entry")
	}
	name, ok := GetString(s, gotInner, "name")
	if !ok || name != "gcc-rule" {
		t.Fatalf("nested lookup = %q, %v", name, ok)
	}
}
