package session

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ManifestFileName is the on-disk session manifest: non-env-var
// session metadata the writer daemon consumes during phase-1 init,
// read with github.com/BurntSushi/toml.
const ManifestFileName = "session.toml"

// PolicyManifest is one named exec policy as authored in the manifest
// (spec.md §4.9's "the policy itself lives in a catalog" — this is
// the pre-rule-tree authoring form of that catalog entry).
type PolicyManifest struct {
	LDPreload             string `toml:"ld_preload"`
	LDLibraryPath          string `toml:"ld_library_path"`
	CPUTransparencyMethod string `toml:"cpu_transparency_method"`
	TargetRoot            string `toml:"target_root"`

	// ExtraEnv holds "NAME=VALUE" assignments to apply to a rewritten
	// process's environment, parsed with utils.GetEnvVarInfo at bring-up
	// and again (from the catalog) by package execengine when the
	// policy is applied.
	ExtraEnv []string `toml:"extra_env"`
}

// Manifest is the full session.toml shape.
type Manifest struct {
	// MappingMode seeds SBOX_MAPMODE's default when the env var is
	// unset.
	MappingMode string `toml:"mapping_mode"`

	// VpermSeed seeds SBOX_VPERM_REQUEST's default when the env var is
	// unset.
	VpermSeed string `toml:"vperm_seed"`

	// ExecPolicies is the named exec-policy catalog, keyed by policy
	// name.
	ExecPolicies map[string]PolicyManifest `toml:"exec_policies"`
}

// LoadManifest reads path's TOML manifest. A missing file is not an
// error — it simply yields an empty Manifest, since the manifest is
// optional (spec.md's env vars alone are enough to run a minimal
// session).
func LoadManifest(path string) (Manifest, error) {
	var m Manifest
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, nil
		}
		return Manifest{}, errors.Wrap(err, "session: open manifest")
	}
	defer f.Close()

	if _, err := toml.NewDecoder(f).Decode(&m); err != nil {
		return Manifest{}, errors.Wrap(err, "session: parse manifest")
	}
	return m, nil
}

// Merge applies env on top of m, implementing "SBOX_* env vars always
// override the manifest" (SPEC_FULL.md's config-layer rule). It
// returns the effective mapping mode and vperm request string to use.
func (m Manifest) Merge(env EnvConfig) (mappingMode, vpermRequest string) {
	mappingMode = m.MappingMode
	if env.MapMode != "" {
		mappingMode = env.MapMode
	}
	if mappingMode == "" {
		mappingMode = "default"
	}

	vpermRequest = m.VpermSeed
	if env.VpermRequest != "" {
		vpermRequest = env.VpermRequest
	}
	return mappingMode, vpermRequest
}
