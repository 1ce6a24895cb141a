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

// Package mapping implements SB2's path-mapping engine (spec.md C8):
// given a call's context (binary name, cwd, interface class) and an
// input path, walk a compiled rule list (package ruletree's FsRule
// objects, reached through package catalog) and produce a mapping
// result telling the caller which host path to actually use.
//
// The engine never touches the filesystem except where a rule's
// action (IF_EXISTS_THEN_*) explicitly requires a stat, and it never
// follows symlinks itself — normalization (package pathnorm) is purely
// lexical, matching original_source/preload/libsb2.c's own layering.
package mapping

import (
	"os"
	"strings"

	"github.com/scratchbox2/sb2-engine/catalog"
	"github.com/scratchbox2/sb2-engine/logger"
	"github.com/scratchbox2/sb2-engine/pathnorm"
	"github.com/scratchbox2/sb2-engine/ruletree"
)

// Interface class bitmask (spec.md §4.8 step 1): which call family is
// asking for a mapping decision. A rule whose FuncClassMask is
// non-zero applies only when it intersects the caller's mask.
const (
	ClassOpen uint32 = 1 << iota
	ClassStat
	ClassExec
	ClassSockaddr
	ClassFtsOpen
	ClassGlob
	ClassGetcwd
	ClassRealpath
	ClassSetTimes
	ClassL10n
	ClassMknod
	ClassRename
	ClassProcFsOp
	ClassSymlink
	ClassCreat
	ClassRemove
	ClassChroot
)

// Result is map_path's return value (spec.md §4.8).
type Result struct {
	Path           string
	ReadOnly       bool
	CallTranslate  bool
	ForceOrigPath  bool
	ExecPolicy     string
	Fallback       bool // FALLBACK_TO_OLD_MAPPING_ENGINE fired
	Errno          int  // non-zero on normalization failure
}

// Context carries everything a mapping decision needs beyond the input
// path itself (spec.md §4.8 step 1).
type Context struct {
	FuncName      string
	BinaryName    string
	Cwd           string
	InterfaceMask uint32
	DontResolveFinalSymlink bool

	// ActiveMode selects which top-level fs_rules sub-catalog applies
	// (spec.md §6's SBOX_MAPMODE).
	ActiveMode string

	// SessionDir roots the session's own files (scripts, socket, rule
	// tree); paths under it are returned unchanged to prevent mapping
	// recursion (spec.md §4.8 step 2).
	SessionDir string

	// ChrootTarget, if non-empty, is prepended to absolute paths before
	// normalization (simulated chroot, spec.md §4.8 step 2).
	ChrootTarget string

	// ActiveExecPolicy backs the IF_ACTIVE_EXEC_POLICY_IS condition.
	ActiveExecPolicy string

	// RedirectIgnoreActive/RedirectForceActive back the
	// IF_REDIRECT_IGNORE_IS_ACTIVE / IF_REDIRECT_FORCE_IS_ACTIVE
	// conditions (per-session toggles set by SBOX_DISABLE_MAPPING and
	// friends — see package session).
	RedirectIgnoreActive bool
	RedirectForceActive  bool

	// Getenv backs *_VALUE_OF_ENV_VAR actions and the
	// IF_ENV_VAR_IS_(NOT_)EMPTY conditions. Defaults to os.Getenv.
	Getenv func(string) (string, bool)
}

func (c *Context) getenv(name string) (string, bool) {
	if c.Getenv != nil {
		return c.Getenv(name)
	}
	v, ok := os.LookupEnv(name)
	return v, ok
}

// Engine resolves paths against a session's compiled rule tree. It
// holds no mutable state of its own; every call reads the rule tree
// fresh, matching the "readers never lock, the tree never shrinks"
// design (spec.md §5).
type Engine struct {
	store       *ruletree.Store
	rootCatalog ruletree.Offset
	log         *logger.Logger
}

// New creates a mapping Engine bound to an attached (read-only or
// writer) rule-tree store.
func New(store *ruletree.Store, rootCatalog ruletree.Offset, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{store: store, rootCatalog: rootCatalog, log: log}
}

// MapPath is the engine's primary entry point (spec.md §4.8's
// map_path). dirfd-relative and exec variants are thin wrappers below.
func (e *Engine) MapPath(ctx Context, inputPath string) Result {
	// Step 2: recursion guard — paths under the session directory pass
	// through untouched.
	if ctx.SessionDir != "" && withinDir(inputPath, ctx.SessionDir) {
		return Result{Path: inputPath}
	}

	path := inputPath
	if ctx.ChrootTarget != "" && pathnorm.IsAbs(path) {
		path = ctx.ChrootTarget + path
	}

	// Step 3: normalize.
	normalized := pathnorm.Normalize(path, ctx.Cwd)
	if normalized == "" {
		return Result{Errno: int(errnoEINVAL)}
	}

	// Step 4: select the top rule list.
	list, ok := e.selectRuleList(ctx)
	if !ok {
		e.log.Warningf("mapping: no rule list for mode=%q binary=%q, returning path unchanged", ctx.ActiveMode, ctx.BinaryName)
		return Result{Path: normalized}
	}

	res, matched := e.walkList(ctx, list, normalized, normalized)
	if !matched {
		e.log.Warningf("mapping: no rule matched %q (mode=%q binary=%q), returning unchanged", normalized, ctx.ActiveMode, ctx.BinaryName)
		return Result{Path: normalized}
	}
	return res
}

// MapPathAt resolves dirfd to an absolute path via resolveDirFd (the
// per-process fd-path cache named in spec.md §4.8) before delegating to
// MapPath, unless inputPath is already absolute (in which case dirfd is
// ignored, matching *at() syscall semantics).
func (e *Engine) MapPathAt(ctx Context, dirfd int, inputPath string, resolveDirFd func(int) (string, bool)) Result {
	if pathnorm.IsAbs(inputPath) {
		return e.MapPath(ctx, inputPath)
	}
	if dirfd == atFdCwd {
		return e.MapPath(ctx, inputPath)
	}
	base, ok := resolveDirFd(dirfd)
	if !ok {
		return Result{Errno: int(errnoEBADF)}
	}
	ctx.Cwd = base
	return e.MapPath(ctx, inputPath)
}

// atFdCwd mirrors AT_FDCWD (-100 on Linux): the *at() family's sentinel
// for "use cwd", distinct from any real fd.
const atFdCwd = -100

// MapPathForExec is map_path_for_exec: exec uses the same rule-walk
// machinery, but interface-class gating is pinned to ClassExec and the
// caller never supplies its own mask (spec.md §4.8's "separate because
// exec has distinct policy flags").
func (e *Engine) MapPathForExec(ctx Context, inputPath string) Result {
	ctx.InterfaceMask = ClassExec
	return e.MapPath(ctx, inputPath)
}

// ReversePath maps a real host path back to the virtual path the guest
// should see (spec.md §4.8's reverse_path, used by getcwd()). Lacking a
// compiled reverse-mapping table, the engine derives it by re-walking
// the forward rules and returning the *input* path of the first rule
// whose MAP_TO output is a prefix of fullHostPath or whose REPLACE_BY
// output equals it — the same
// technique original_source/preload/sb2_map_path_for_getcwd.c falls
// back to for the common case.
func (e *Engine) ReversePath(ctx Context, fullHostPath string) (string, bool) {
	list, ok := e.selectRuleList(ctx)
	if !ok {
		return fullHostPath, false
	}
	return e.reverseWalk(ctx, list, fullHostPath)
}

func (e *Engine) reverseWalk(ctx Context, list ruletree.Offset, hostPath string) (string, bool) {
	n, ok := e.store.ListLen(list)
	if !ok {
		return hostPath, false
	}
	for i := uint32(0); i < n; i++ {
		ruleOffs, ok := e.store.ListGet(list, i)
		if !ok {
			continue
		}
		rule, ok := e.store.FsRuleAt(ruleOffs)
		if !ok {
			continue
		}
		selector := e.selectorText(rule)
		switch rule.ActionType {
		case ruletree.ActionMapTo:
			prefix := e.actionText(rule)
			if strings.HasPrefix(hostPath, prefix) {
				return selector + strings.TrimPrefix(hostPath, prefix), true
			}
		case ruletree.ActionReplaceBy:
			target := e.actionText(rule)
			if hostPath == target {
				return selector, true
			}
		case ruletree.ActionSubtree:
			prefix := selector
			if strings.HasPrefix(hostPath, prefix) {
				if v, ok := e.reverseWalk(ctx, rule.RuleListLink, hostPath); ok {
					return v, true
				}
			}
		}
	}
	return hostPath, false
}

// selectRuleList looks up fs_rules/<mode>/<binary> in the root catalog,
// falling through to fs_rules/<mode>/default (spec.md §4.8 step 4).
func (e *Engine) selectRuleList(ctx Context) (ruletree.Offset, bool) {
	modeCat, ok := catalog.Get(e.store, e.rootCatalog, "fs_rules")
	if !ok {
		return 0, false
	}
	active := ctx.ActiveMode
	if active == "" {
		active = "default"
	}
	perMode, ok := catalog.Get(e.store, modeCat, active)
	if !ok {
		return 0, false
	}
	if v, ok := catalog.Get(e.store, perMode, ctx.BinaryName); ok {
		return v, true
	}
	return catalog.Get(e.store, perMode, "default")
}
