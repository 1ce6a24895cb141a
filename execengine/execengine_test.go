package execengine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/scratchbox2/sb2-engine/catalog"
	"github.com/scratchbox2/sb2-engine/ruletree"
)

func newTestStore(t *testing.T) *ruletree.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rt.bin")
	s, err := ruletree.Create(path, ruletree.CreateOpts{MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustStrList(t *testing.T, s *ruletree.Store, items ...string) ruletree.Offset {
	t.Helper()
	if len(items) == 0 {
		return 0
	}
	list, err := s.CreateList(uint32(len(items)))
	if err != nil {
		t.Fatalf("CreateList: %v", err)
	}
	for i, it := range items {
		offs, err := s.WriteString(it)
		if err != nil {
			t.Fatalf("WriteString: %v", err)
		}
		if err := s.ListSet(list, uint32(i), offs); err != nil {
			t.Fatalf("ListSet: %v", err)
		}
	}
	return list
}

func mustStr(t *testing.T, s *ruletree.Store, str string) ruletree.Offset {
	t.Helper()
	offs, err := s.WriteString(str)
	if err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	return offs
}

func TestApplyPreprocRuleOrdering(t *testing.T) {
	s := newTestStore(t)
	rule := ruletree.ExecPreprocRule{
		AddOptions:  mustStrList(t, s, "-O1"),
		AddHeadArgs: mustStrList(t, s, "-head"),
		AddTailArgs: mustStrList(t, s, "-tail"),
		RemoveArgs:  mustStrList(t, s, "--drop-me"),
	}
	e := &Engine{store: s}

	proc := specs.Process{Args: []string{"gcc", "--drop-me", "a.c"}}
	got := e.applyPreprocRule(proc, rule)

	want := []string{"gcc", "-O1", "-head", "a.c", "-tail"}
	if len(got.Args) != len(want) {
		t.Fatalf("Args = %v, want %v", got.Args, want)
	}
	for i := range want {
		if got.Args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, got.Args[i], want[i])
		}
	}
}

func TestApplyPreprocRuleNewFilename(t *testing.T) {
	s := newTestStore(t)
	rule := ruletree.ExecPreprocRule{
		NewFilename: mustStr(t, s, "/opt/cross/bin/gcc"),
	}
	e := &Engine{store: s}

	got := e.applyPreprocRule(specs.Process{Args: []string{"gcc", "a.c"}}, rule)
	if got.Args[0] != "/opt/cross/bin/gcc" {
		t.Errorf("Args[0] = %q, want replacement", got.Args[0])
	}
}

func newExecRootCatalog(t *testing.T, s *ruletree.Store) ruletree.Offset {
	t.Helper()
	root := catalog.NewCatalog()
	if err := s.SetRootCatalog(root); err != nil {
		t.Fatalf("SetRootCatalog: %v", err)
	}
	return root
}

func TestSelectPolicyByBasename(t *testing.T) {
	s := newTestStore(t)
	root := newExecRootCatalog(t, s)

	ruleOffs, err := s.NewExecPolicySelRule(ruletree.ExecPolicySelRule{
		RuleType:   ruletree.ExecPolicySelectByBinaryBasename,
		Selector:   mustStr(t, s, "foo"),
		PolicyName: mustStr(t, s, "target"),
	})
	if err != nil {
		t.Fatalf("NewExecPolicySelRule: %v", err)
	}
	list, err := s.CreateList(1)
	if err != nil {
		t.Fatalf("CreateList: %v", err)
	}
	if err := s.ListSet(list, 0, ruleOffs); err != nil {
		t.Fatalf("ListSet: %v", err)
	}
	root, err = catalog.Set(s, root, "exec_policy_select_rules", list, false)
	if err != nil {
		t.Fatalf("catalog.Set: %v", err)
	}
	if err := s.SetRootCatalog(root); err != nil {
		t.Fatalf("SetRootCatalog: %v", err)
	}

	e := New(s, root, nil)
	name, ok := e.SelectPolicy("foo", "/opt/target/bin/foo")
	if !ok || name != "target" {
		t.Fatalf("SelectPolicy = %q,%v, want target,true", name, ok)
	}
}

func TestApplyCPUTransparencyRewritesArgv(t *testing.T) {
	s := newTestStore(t)
	root := newExecRootCatalog(t, s)

	policyCat := catalog.NewCatalog()
	policyCat, _ = catalog.SetString(s, policyCat, "cpu_transparency_method", "qemu-arm", false)
	policyCat, _ = catalog.SetString(s, policyCat, "target_root", "/opt/target", false)

	policies := catalog.NewCatalog()
	policies, err := catalog.Set(s, policies, "target", policyCat, false)
	if err != nil {
		t.Fatalf("catalog.Set: %v", err)
	}
	root, err = catalog.Set(s, root, "exec_policies", policies, false)
	if err != nil {
		t.Fatalf("catalog.Set: %v", err)
	}
	if err := s.SetRootCatalog(root); err != nil {
		t.Fatalf("SetRootCatalog: %v", err)
	}

	e := New(s, root, nil)
	res, err := e.applyCPUTransparency(specs.Process{Args: []string{"/opt/target/bin/foo", "--bar"}}, "target", "/opt/target/bin/foo")
	if err != nil {
		t.Fatalf("applyCPUTransparency: %v", err)
	}
	want := []string{"qemu-arm", "-L", "/opt/target", "/opt/target/bin/foo", "--bar"}
	if len(res.Process.Args) != len(want) {
		t.Fatalf("Args = %v, want %v", res.Process.Args, want)
	}
	for i := range want {
		if res.Process.Args[i] != want[i] {
			t.Errorf("Args[%d] = %q, want %q", i, res.Process.Args[i], want[i])
		}
	}
}

func TestReadShebangLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh -e\necho hi\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	line, ok := readShebangLine(path)
	if !ok {
		t.Fatal("readShebangLine: want ok")
	}
	if line != "#!/bin/sh -e" {
		t.Errorf("line = %q, want %q", line, "#!/bin/sh -e")
	}

	notScript := filepath.Join(dir, "bin")
	if err := os.WriteFile(notScript, []byte("\x7fELF..."), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, ok := readShebangLine(notScript); ok {
		t.Error("readShebangLine on ELF binary: want not-ok")
	}
}

func TestPostprocessAppliesPolicyEnvAndDefaultsUnchanged(t *testing.T) {
	s := newTestStore(t)
	root := newExecRootCatalog(t, s)

	policyCat := catalog.NewCatalog()
	policyCat, _ = catalog.SetString(s, policyCat, "ld_preload", "/opt/target/lib/libsb2.so", false)
	policies := catalog.NewCatalog()
	policies, err := catalog.Set(s, policies, "target", policyCat, false)
	if err != nil {
		t.Fatalf("catalog.Set: %v", err)
	}
	root, err = catalog.Set(s, root, "exec_policies", policies, false)
	if err != nil {
		t.Fatalf("catalog.Set: %v", err)
	}
	if err := s.SetRootCatalog(root); err != nil {
		t.Fatalf("SetRootCatalog: %v", err)
	}

	e := New(s, root, nil)
	res, verdict := e.Postprocess(Result{PolicyName: "target"}, nil)
	if verdict != Unchanged {
		t.Errorf("verdict = %v, want Unchanged", verdict)
	}
	found := false
	for _, kv := range res.Process.Env {
		if kv == "LD_PRELOAD=/opt/target/lib/libsb2.so" {
			found = true
		}
	}
	if !found {
		t.Errorf("Env = %v, missing LD_PRELOAD", res.Process.Env)
	}
}

func TestPostprocessAppliesExtraEnv(t *testing.T) {
	s := newTestStore(t)
	root := newExecRootCatalog(t, s)

	policyCat := catalog.NewCatalog()
	extraEnv := mustStrList(t, s, "SBOX_TARGET=1", "MALFORMED")
	var err error
	policyCat, err = catalog.Set(s, policyCat, "extra_env", extraEnv, false)
	if err != nil {
		t.Fatalf("catalog.Set: %v", err)
	}
	policies := catalog.NewCatalog()
	policies, err = catalog.Set(s, policies, "target", policyCat, false)
	if err != nil {
		t.Fatalf("catalog.Set: %v", err)
	}
	root, err = catalog.Set(s, root, "exec_policies", policies, false)
	if err != nil {
		t.Fatalf("catalog.Set: %v", err)
	}
	if err := s.SetRootCatalog(root); err != nil {
		t.Fatalf("SetRootCatalog: %v", err)
	}

	e := New(s, root, nil)
	res, _ := e.Postprocess(Result{PolicyName: "target"}, nil)

	found := false
	for _, kv := range res.Process.Env {
		if kv == "SBOX_TARGET=1" {
			found = true
		}
		if strings.HasPrefix(kv, "MALFORMED") {
			t.Errorf("malformed extra_env entry leaked into Env: %v", res.Process.Env)
		}
	}
	if !found {
		t.Errorf("Env = %v, missing SBOX_TARGET", res.Process.Env)
	}
}

func TestPostprocessCanDeny(t *testing.T) {
	e := &Engine{store: newTestStore(t)}
	_, verdict := e.Postprocess(Result{}, func(r Result) (Result, PostprocessVerdict) {
		return r, Denied
	})
	if verdict != Denied {
		t.Errorf("verdict = %v, want Denied", verdict)
	}
}
