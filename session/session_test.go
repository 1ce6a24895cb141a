package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/scratchbox2/sb2-engine/catalog"
	"github.com/scratchbox2/sb2-engine/writerd"
)

// newSessionDir roots the session under /tmp with a short name, since
// the RPC transport's Unix-domain sockets are bound under it and
// sun_path has a ~104 byte limit that t.TempDir() can exceed (matching
// writerd_test.go's own helper).
func newSessionDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "sb2sess")
	if err != nil {
		t.Skipf("cannot create session dir under /tmp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestParseVpermRequestFakerootDefault(t *testing.T) {
	id := ParseVpermRequest("u0:0:0:0,g0:0:0:0,f0.0")
	if !id.HasUID || id.UID != 0 {
		t.Errorf("UID = %+v, want HasUID=true UID=0", id)
	}
	if !id.HasGID || id.GID != 0 {
		t.Errorf("GID = %+v, want HasGID=true GID=0", id)
	}
	if !id.HasSuid || id.Suid || id.Sgid {
		t.Errorf("Suid/Sgid = %+v, want HasSuid=true, both false", id)
	}
}

func TestParseVpermRequestSkipsMalformedTokens(t *testing.T) {
	id := ParseVpermRequest("u0:0:0:5,garbage,f1.1")
	if !id.HasUID || id.UID != 5 {
		t.Errorf("UID = %+v, want 5", id)
	}
	if id.HasGID {
		t.Error("expected no GID token to have been recognized")
	}
	if !id.HasSuid || !id.Suid || !id.Sgid {
		t.Errorf("Suid/Sgid = %+v, want both true", id)
	}
}

func TestManifestMergePrefersEnv(t *testing.T) {
	m := Manifest{MappingMode: "fromManifest", VpermSeed: "u0:0:0:1"}
	mode, vperm := m.Merge(EnvConfig{MapMode: "fromEnv"})
	if mode != "fromEnv" {
		t.Errorf("mode = %q, want fromEnv (env overrides manifest)", mode)
	}
	if vperm != "u0:0:0:1" {
		t.Errorf("vperm = %q, want manifest default when env unset", vperm)
	}
}

func TestManifestMergeDefaultsModeToDefault(t *testing.T) {
	mode, _ := Manifest{}.Merge(EnvConfig{})
	if mode != "default" {
		t.Errorf("mode = %q, want default", mode)
	}
}

func TestLoadManifestMissingFileIsEmpty(t *testing.T) {
	m, err := LoadManifest(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.MappingMode != "" || len(m.ExecPolicies) != 0 {
		t.Errorf("expected empty manifest, got %+v", m)
	}
}

func TestLoadManifestParsesExecPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ManifestFileName)
	contents := `
mapping_mode = "tools"
vperm_seed = "u0:0:0:0"

[exec_policies.target]
ld_preload = "/opt/target/lib/libsb2.so"
target_root = "/opt/target"
`
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.MappingMode != "tools" {
		t.Errorf("MappingMode = %q, want tools", m.MappingMode)
	}
	p, ok := m.ExecPolicies["target"]
	if !ok {
		t.Fatal("missing target exec policy")
	}
	if p.LDPreload != "/opt/target/lib/libsb2.so" || p.TargetRoot != "/opt/target" {
		t.Errorf("policy = %+v", p)
	}
}

func TestBootstrapWiresManifestAndEnv(t *testing.T) {
	dir := newSessionDir(t)
	manifestContents := `
mapping_mode = "tools"

[exec_policies.target]
ld_preload = "/opt/target/lib/libsb2.so"
cpu_transparency_method = "qemu-arm"
target_root = "/opt/target"
extra_env = ["SBOX_TARGET=1", "malformed-entry"]
`
	if err := os.WriteFile(filepath.Join(dir, ManifestFileName), []byte(manifestContents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	d, err := Bootstrap(EnvConfig{
		SessionDir:   dir,
		VpermRequest: "u0:0:0:0,g0:0:0:0,f0.0",
	}, writerd.Config{MaxSize: 1 << 20})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	defer d.Close()

	mode, ok := catalog.GetString(d.Store(), d.RootCatalog(), "active_mode")
	if !ok || mode != "tools" {
		t.Errorf("active_mode = %q,%v, want tools,true", mode, ok)
	}

	policies, ok := catalog.Get(d.Store(), d.RootCatalog(), "exec_policies")
	if !ok {
		t.Fatal("missing exec_policies catalog")
	}
	target, ok := catalog.Get(d.Store(), policies, "target")
	if !ok {
		t.Fatal("missing target exec policy")
	}
	preload, ok := catalog.GetString(d.Store(), target, "ld_preload")
	if !ok || preload != "/opt/target/lib/libsb2.so" {
		t.Errorf("ld_preload = %q,%v", preload, ok)
	}

	extraEnv, ok := catalog.Get(d.Store(), target, "extra_env")
	if !ok {
		t.Fatal("missing extra_env list")
	}
	n, ok := d.Store().ListLen(extraEnv)
	if !ok || n != 1 {
		t.Fatalf("extra_env list len = %d,%v, want 1,true (malformed entry must be dropped)", n, ok)
	}

	idCat, ok := catalog.Get(d.Store(), d.RootCatalog(), "vperm_default")
	if !ok {
		t.Fatal("missing vperm_default catalog")
	}
	uid, ok := catalog.GetUint32(d.Store(), idCat, "uid")
	if !ok || uid != 0 {
		t.Errorf("vperm_default uid = %d,%v, want 0,true", uid, ok)
	}
}
