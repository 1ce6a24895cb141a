package session

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/scratchbox2/sb2-engine/catalog"
	"github.com/scratchbox2/sb2-engine/logger"
	"github.com/scratchbox2/sb2-engine/mount"
	"github.com/scratchbox2/sb2-engine/ruletree"
	"github.com/scratchbox2/sb2-engine/utils"
	"github.com/scratchbox2/sb2-engine/writerd"
)

// Bootstrap wires together EnvConfig, an optional on-disk Manifest,
// and package writerd into a freshly created session: it creates the
// rule tree (writerd.New's phase-1 init), installs the manifest's
// named exec policies into the "exec_policies" catalog execengine
// consults, publishes the active mapping mode, and seeds the default
// vperm identity from SBOX_VPERM_REQUEST/the manifest's vperm_seed.
//
// cliCfg carries the settings spec.md §6's CLI surface exposes that
// EnvConfig/Manifest don't model (PidFile, Foreground, InitOnly,
// MaxSize, MinMmapAddr, MinClientSocketFd, SessionLeaderPid,
// StaleSocketGCInterval — cmd/sb2d's flag set); its SessionDir,
// LogLevel and LogFile fields are overwritten here from env/manifest,
// since those three are resolved through the config-layer precedence
// rule ("SBOX_* env vars always override the manifest") rather than
// taken verbatim from the CLI.
//
// This is the session-bring-up leg of spec.md's control-flow summary
// in §2: "session manager -> load rules from authoring layer -> C7
// creates C3 -> clients mmap C3 read-only".
func Bootstrap(env EnvConfig, cliCfg writerd.Config) (*writerd.Daemon, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	manifest, err := LoadManifest(filepath.Join(env.SessionDir, ManifestFileName))
	if err != nil {
		return nil, err
	}

	mappingMode, vpermRequest := manifest.Merge(env)

	log := logger.New()
	env.ConfigureLogger(log)

	cliCfg.SessionDir = env.SessionDir
	cliCfg.LogLevel = log.Level()
	cliCfg.LogFile = env.LogFile

	d, err := writerd.New(cliCfg)
	if err != nil {
		return nil, err
	}

	if distro, err := utils.GetDistro(); err == nil {
		log.Infof("session: host distro is %s", distro)
	}

	if err := installExecPolicies(d, manifest.ExecPolicies); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "session: install exec policies")
	}

	if err := publishMappingMode(d, mappingMode); err != nil {
		d.Close()
		return nil, errors.Wrap(err, "session: publish mapping mode")
	}

	if vpermRequest != "" {
		if err := seedDefaultIdentity(d, vpermRequest); err != nil {
			d.Close()
			return nil, errors.Wrap(err, "session: seed default vperm identity")
		}
	}

	warnIfProcNotMounted(log)
	warnIfSessionDirOnNetworkFs(log, env.SessionDir)

	return d, nil
}

// networkFsNames are the filesystem names GetFsName can report that
// don't give the rule tree's MAP_SHARED mmap the single-host
// cross-process visibility guarantees spec.md §5 relies on.
var networkFsNames = map[string]bool{
	"nfs": true,
}

// warnIfSessionDirOnNetworkFs logs a hint when the session directory
// (and therefore RuleTree.bin) sits on a network filesystem: mmap'd
// writes there are not guaranteed to be visible to other hosts or even
// promptly to other processes on the same host the way a local
// filesystem's page cache guarantees, which would silently break the
// "readers never lock" design.
func warnIfSessionDirOnNetworkFs(log *logger.Logger, sessionDir string) {
	name, err := utils.GetFsName(sessionDir)
	if err != nil {
		log.Debugf("session: could not determine filesystem of %s: %v", sessionDir, err)
		return
	}
	if networkFsNames[name] {
		log.Warningf("session: %s is on a %s filesystem; shared rule-tree mmap visibility across processes is not guaranteed there", sessionDir, name)
	}
}

// warnIfProcNotMounted checks whether /proc is actually mounted before
// a session starts relying on the PROCFS mapping action (spec.md
// §4.8 step 6): that action passes /proc paths through unchanged, so in
// a stripped-down environment without /proc they lead nowhere, which
// is confusing to debug without this hint.
func warnIfProcNotMounted(log *logger.Logger) {
	mounted, err := mount.IsProcMounted()
	if err != nil {
		log.Debugf("session: could not check /proc mount status: %v", err)
		return
	}
	if !mounted {
		log.Warningf("session: /proc is not a mountpoint; PROCFS mapping rules will not behave as expected")
	}
}

// installExecPolicies writes each named policy into the root
// catalog's "exec_policies" sub-catalog, the shape package execengine
// reads through PolicyByName.
func installExecPolicies(d *writerd.Daemon, policies map[string]PolicyManifest) error {
	if len(policies) == 0 {
		return nil
	}
	store := d.Store()
	root := d.RootCatalog()

	execPolicies, ok := catalog.Get(store, root, "exec_policies")
	if !ok {
		execPolicies = catalog.NewCatalog()
	}

	for name, p := range policies {
		pCat := catalog.NewCatalog()
		var err error
		if p.LDPreload != "" {
			pCat, err = catalog.SetString(store, pCat, "ld_preload", p.LDPreload, false)
			if err != nil {
				return err
			}
		}
		if p.LDLibraryPath != "" {
			pCat, err = catalog.SetString(store, pCat, "ld_library_path", p.LDLibraryPath, false)
			if err != nil {
				return err
			}
		}
		if p.CPUTransparencyMethod != "" {
			pCat, err = catalog.SetString(store, pCat, "cpu_transparency_method", p.CPUTransparencyMethod, false)
			if err != nil {
				return err
			}
		}
		if p.TargetRoot != "" {
			pCat, err = catalog.SetString(store, pCat, "target_root", p.TargetRoot, false)
			if err != nil {
				return err
			}
		}
		if len(p.ExtraEnv) > 0 {
			extraEnvOffs, err := writeStringList(store, p.ExtraEnv)
			if err != nil {
				return err
			}
			pCat, err = catalog.Set(store, pCat, "extra_env", extraEnvOffs, false)
			if err != nil {
				return err
			}
		}
		execPolicies, err = catalog.Set(store, execPolicies, name, pCat, true)
		if err != nil {
			return err
		}
	}

	root, err := catalog.Set(store, root, "exec_policies", execPolicies, true)
	if err != nil {
		return err
	}
	return republishRoot(d, store, root)
}

// writeStringList validates each "NAME=VALUE" entry with
// utils.GetEnvVarInfo (malformed entries are dropped rather than
// failing the whole session bring-up) and writes the surviving ones
// out as a ruletree object list, the shape package execengine's
// stringList expects back.
func writeStringList(store *ruletree.Store, items []string) (ruletree.Offset, error) {
	valid := make([]string, 0, len(items))
	for _, item := range items {
		if _, _, err := utils.GetEnvVarInfo(item); err != nil {
			continue
		}
		valid = append(valid, item)
	}

	list, err := store.CreateList(uint32(len(valid)))
	if err != nil {
		return 0, err
	}
	for i, item := range valid {
		offs, err := store.WriteString(item)
		if err != nil {
			return 0, err
		}
		if err := store.ListSet(list, uint32(i), offs); err != nil {
			return 0, err
		}
	}
	return list, nil
}

// publishMappingMode records the session's active mapping mode under
// "active_mode" so any component that needs it outside the per-call
// Context (e.g. the rule-tree inspector) can read it back.
func publishMappingMode(d *writerd.Daemon, mode string) error {
	store := d.Store()
	root, err := catalog.SetString(store, d.RootCatalog(), "active_mode", mode, true)
	if err != nil {
		return err
	}
	return republishRoot(d, store, root)
}

// seedDefaultIdentity parses SBOX_VPERM_REQUEST/the manifest's
// vperm_seed and records it under "vperm_default" for wrapper programs
// (chroot-uid, fakeroot) to consult when a freshly created file needs
// a starting simulated identity (see vpermrequest.go's doc comment for
// why this is recorded rather than applied to an inode directly).
func seedDefaultIdentity(d *writerd.Daemon, request string) error {
	id := ParseVpermRequest(request)
	store := d.Store()
	root := d.RootCatalog()

	idCat := catalog.NewCatalog()
	var err error
	if id.HasUID {
		idCat, err = catalog.SetUint32(store, idCat, "uid", id.UID, false)
		if err != nil {
			return err
		}
	}
	if id.HasGID {
		idCat, err = catalog.SetUint32(store, idCat, "gid", id.GID, false)
		if err != nil {
			return err
		}
	}
	if id.HasSuid {
		suidOffs, werr := store.WriteBoolean(id.Suid)
		if werr != nil {
			return werr
		}
		idCat, err = catalog.Set(store, idCat, "suid", suidOffs, false)
		if err != nil {
			return err
		}
		sgidOffs, werr := store.WriteBoolean(id.Sgid)
		if werr != nil {
			return werr
		}
		idCat, err = catalog.Set(store, idCat, "sgid", sgidOffs, false)
		if err != nil {
			return err
		}
	}

	root, err = catalog.Set(store, root, "vperm_default", idCat, true)
	if err != nil {
		return err
	}
	return republishRoot(d, store, root)
}

// republishRoot re-publishes root as the daemon's root catalog offset
// when Set's writer-side append changed the catalog's head (spec.md
// §4.4's "callers... must republish it themselves if the head
// changed").
func republishRoot(d *writerd.Daemon, store *ruletree.Store, root ruletree.Offset) error {
	return d.PublishRootCatalog(root)
}
