//
// Copyright 2024 Scratchbox2 Project.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package writerd implements SB2's writer daemon (spec.md C7): the
// single process per session allowed to mutate the rule tree. It owns
// phase-1/phase-2 session initialization, serves the RPC transport
// (package rpc), and tears itself down when the session socket is
// removed or (a supplemented feature grounded in package pidmonitor)
// the session's leader process exits.
package writerd

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/scratchbox2/sb2-engine/capability"
	"github.com/scratchbox2/sb2-engine/catalog"
	"github.com/scratchbox2/sb2-engine/fileMonitor"
	"github.com/scratchbox2/sb2-engine/formatter"
	"github.com/scratchbox2/sb2-engine/logger"
	"github.com/scratchbox2/sb2-engine/pidmonitor"
	"github.com/scratchbox2/sb2-engine/ruletree"
	"github.com/scratchbox2/sb2-engine/utils"
	"github.com/scratchbox2/sb2-engine/vperm"
)

// Config carries the writer daemon's CLI/env-derived settings
// (spec.md §6's "-s -d -l -p -n -f -S -M -F" flags).
type Config struct {
	SessionDir        string
	LogLevel          logger.Level
	LogFile           string
	PidFile           string
	InitOnly          bool // -n: don't serve, init only
	Foreground        bool // -f
	MaxSize           uint32
	MinMmapAddr       uint64
	MinClientSocketFd uint32

	// SessionLeaderPid, if non-zero, is watched (via pidmonitor); the
	// daemon exits when it dies. A supplemented feature (see
	// DESIGN.md) beyond spec.md §4.7's single "socket deleted" trigger.
	SessionLeaderPid int

	// StaleSocketGCInterval governs how often the daemon sweeps
	// <session_dir>/sock/ for client socket files whose owning pid is
	// no longer alive.
	StaleSocketGCInterval time.Duration
}

const defaultStaleSocketGCInterval = 2 * time.Second

// RuleTreeFileName is the on-disk rule-tree file name within a
// session directory (spec.md §6: "<session_dir>/RuleTree.bin").
const RuleTreeFileName = "RuleTree.bin"

// Daemon is a running (or about-to-run) writer daemon instance.
type Daemon struct {
	cfg   Config
	log   *logger.Logger
	store *ruletree.Store
	vperm *vperm.Tree

	rootCatalog ruletree.Offset

	pidMon    *pidmonitor.PidMon
	sockWatch *fileMonitor.FileMon

	stop chan struct{}
}

// New creates the rule tree for a fresh session, runs phase-1
// initialization, and publishes the root catalog. It does not yet
// start serving RPC — call Run for that.
func New(cfg Config) (*Daemon, error) {
	if cfg.SessionDir == "" {
		return nil, errors.New("writerd: session dir is required")
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 8 << 20
	}
	if cfg.StaleSocketGCInterval == 0 {
		cfg.StaleSocketGCInterval = defaultStaleSocketGCInterval
	}

	log := logger.New()
	log.SetLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		log.SetFile(cfg.LogFile)
	}

	if err := os.MkdirAll(cfg.SessionDir, 0700); err != nil {
		return nil, errors.Wrap(err, "writerd: create session dir")
	}

	// The startup line tags the session with a truncated id, followed
	// by the full session directory.
	sessionID := formatter.SessionID{ID: cfg.SessionDir}
	log.Noticef("session %s starting (dir=%s)", sessionID, cfg.SessionDir)
	logRealCapabilities(log)

	rtPath := filepath.Join(cfg.SessionDir, RuleTreeFileName)
	store, err := ruletree.Create(rtPath, ruletree.CreateOpts{
		MaxSize:           cfg.MaxSize,
		PreferredMmapAddr: cfg.MinMmapAddr,
		MinClientSocketFd: cfg.MinClientSocketFd,
	})
	if err != nil {
		return nil, errors.Wrap(err, "writerd: create rule tree")
	}

	d := &Daemon{
		cfg:   cfg,
		log:   log,
		store: store,
		stop:  make(chan struct{}),
	}

	if err := d.phase1Init(); err != nil {
		store.Close()
		return nil, errors.Wrap(err, "writerd: phase-1 init")
	}

	return d, nil
}

// phase1Init creates the vperm bintree's published slots and an empty
// root catalog, then publishes the catalog offset in the rule tree
// header — the point after which any attaching reader sees a
// consistent, if minimal, session (spec.md §4.7 step 1 / invariant 3).
func (d *Daemon) phase1Init() error {
	tree, err := vperm.NewTree(d.store)
	if err != nil {
		return errors.Wrap(err, "allocate vperm tree")
	}
	d.vperm = tree

	root := catalog.NewCatalog()
	root, err = catalog.SetUint32(d.store, root, "vperm_root_slot", uint32(tree.RootSlot()), false)
	if err != nil {
		return err
	}
	root, err = catalog.SetUint32(d.store, root, "vperm_count_slot", uint32(tree.CountSlot()), false)
	if err != nil {
		return err
	}
	root, err = catalog.SetUint32(d.store, root, "rpc_min_client_socket_fd", d.store.MinClientSocketFd(), false)
	if err != nil {
		return err
	}

	d.rootCatalog = root
	return d.store.SetRootCatalog(root)
}

// Phase2Init runs deferred initialization (rules generated after the
// first probing processes ran) and republishes anything phase2 added
// to the root catalog, matching the INIT2 RPC command's documented
// effect (spec.md §4.7 step 3).
func (d *Daemon) Phase2Init(manifest map[string]string) (string, error) {
	root := d.rootCatalog
	for k, v := range manifest {
		var err error
		root, err = catalog.SetString(d.store, root, k, v, true)
		if err != nil {
			return "", errors.Wrap(err, "writerd: phase-2 init")
		}
	}
	d.rootCatalog = root
	if err := d.store.SetRootCatalog(root); err != nil {
		return "", err
	}
	return "phase-2 init complete", nil
}

// RootCatalog returns the current root catalog offset.
func (d *Daemon) RootCatalog() ruletree.Offset { return d.rootCatalog }

// PublishRootCatalog updates the daemon's cached root-catalog offset
// and republishes it in the rule tree header. Session bring-up
// (package session) calls this after installing exec policies, the
// active mapping mode, or a default vperm identity into the root
// catalog, so that catalog.Set's "new head on overlay" return value
// (spec.md §4.4) actually takes effect for every later Daemon method
// and every mapping.Engine built against this daemon.
func (d *Daemon) PublishRootCatalog(offs ruletree.Offset) error {
	if offs == d.rootCatalog {
		return nil
	}
	d.rootCatalog = offs
	return d.store.SetRootCatalog(offs)
}

// logRealCapabilities logs the daemon's own effective POSIX
// capabilities at startup. Vperm (package vperm) exists precisely
// because an ordinary sandboxed process lacks CAP_CHOWN/CAP_FOWNER and
// must have uid/gid/mode changes simulated rather than applied for
// real; when the daemon itself happens to run with one of those caps
// already (e.g. a developer testing as root), that's worth a log line
// since it means the simulation layer is doing work the kernel would
// have allowed anyway.
func logRealCapabilities(log *logger.Logger) {
	have, err := capability.HasVpermBypassCaps(os.Getpid())
	if err != nil {
		log.Debugf("capabilities: could not inspect own process: %v", err)
		return
	}
	log.Debugf("capabilities: CAP_CHOWN=%t CAP_FOWNER=%t CAP_DAC_OVERRIDE=%t",
		have[0], have[1], have[2])
}

// Vperm returns the daemon's vperm tree handle.
func (d *Daemon) Vperm() *vperm.Tree { return d.vperm }

// Store returns the daemon's rule-tree store.
func (d *Daemon) Store() *ruletree.Store { return d.store }

// WritePidFile persists the daemon's pid to cfg.PidFile, refusing to
// overwrite a pid file belonging to a still-running sb2d process
// (adapted from utils.CreatePidFile).
func (d *Daemon) WritePidFile() error {
	if d.cfg.PidFile == "" {
		return nil
	}
	return utils.CreatePidFile("sb2d", d.cfg.PidFile)
}

// RemovePidFile removes the daemon's pid file, if configured.
func (d *Daemon) RemovePidFile() error {
	if d.cfg.PidFile == "" {
		return nil
	}
	return utils.DestroyPidFile(d.cfg.PidFile)
}

// Stop requests an orderly shutdown of a running Daemon.Run call.
func (d *Daemon) Stop() {
	select {
	case <-d.stop:
	default:
		close(d.stop)
	}
}

// Close releases the daemon's rule-tree mapping. Call after Run
// returns.
func (d *Daemon) Close() error {
	if d.pidMon != nil {
		d.pidMon.Close()
	}
	if d.sockWatch != nil {
		d.sockWatch.Close()
	}
	return d.store.Close()
}
