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

// Package execengine implements SB2's exec pre/post-processing engine
// (spec.md C9). At every process creation it rewrites argv/envp and
// picks an exec policy, so a binary built for one architecture runs
// transparently through a CPU-transparency trampoline while a
// host-native tool execs directly.
//
// The rewritten process descriptor is carried as a specs.Process-shaped
// value (Args/Env/Cwd) — grounded on opencontainers/runtime-spec rather
// than a bespoke argv/envp pair type.
package execengine

import (
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/scratchbox2/sb2-engine/catalog"
	"github.com/scratchbox2/sb2-engine/logger"
	"github.com/scratchbox2/sb2-engine/ruletree"
	"github.com/scratchbox2/sb2-engine/utils"
)

// PostprocessVerdict is the postprocessor's tri-state result
// (spec.md §4.9's "modified, unchanged, denied").
type PostprocessVerdict int

const (
	Unchanged PostprocessVerdict = iota
	Modified
	Denied
)

// Policy is the decoded view of a named exec policy, carrying preload
// and interpreter-rewriting info (spec.md §4.9's "policy itself lives
// in a catalog").
type Policy struct {
	Name            string
	LDPreload       string
	LDLibraryPath   string
	CPUTransparency string // emulator command template, e.g. "qemu-arm"
	TargetRoot      string
	ExtraEnv        []string // raw "NAME=VALUE" assignments
}

// Engine rewrites argv/envp and selects exec policies for a session.
// It holds no mutable state; every call reads the rule tree fresh
// (mirroring package mapping's design — spec.md §5's "readers never
// lock").
type Engine struct {
	store       *ruletree.Store
	rootCatalog ruletree.Offset
	log         *logger.Logger
}

// New creates an Engine bound to an attached rule-tree store.
func New(store *ruletree.Store, rootCatalog ruletree.Offset, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{store: store, rootCatalog: rootCatalog, log: log}
}

// Request describes one exec() call about to be preprocessed.
type Request struct {
	// FullPath is the resolved (already mapped) path of the binary
	// that would be exec'd.
	FullPath string
	// Process carries the requested argv/envp/cwd, following
	// original exec() semantics: Args[0] is the program name the
	// guest supplied (possibly different from FullPath's basename).
	Process specs.Process
}

// Result is the outcome of Preprocess: a rewritten process descriptor
// plus the policy selected for it, or ExecPolicy's own trampoline
// rewrite already folded into Process if a CPU-transparency rewrite
// fired.
type Result struct {
	Process    specs.Process
	PolicyName string
	// Interpreter is set when a "#!" script line forced re-entry
	// through an interpreter (spec.md §4.9 "Script interpreters").
	Interpreter string
}

// basename mirrors path.Base without importing it for a one-liner.
func basename(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Preprocess implements spec.md §4.9's preprocessing + policy
// selection steps: find the exec-preprocessing rule matching the
// binary, apply its argv/envp edits, then pick the exec policy that
// will actually run it (resolving script interpreters and CPU
// transparency trampolines as needed).
func (e *Engine) Preprocess(req Request) (Result, error) {
	proc := req.Process
	binName := basename(req.FullPath)

	if rule, ok := e.findPreprocRule(binName, req.FullPath); ok {
		proc = e.applyPreprocRule(proc, rule)
		if rule.DisableMapping {
			// The rule's disable_mapping flag reaches the child as
			// SBOX_DISABLE_MAPPING=1 in its environment.
			proc.Env = append(proc.Env, "SBOX_DISABLE_MAPPING=1")
		}
	}

	policyName, _ := e.SelectPolicy(binName, req.FullPath)

	// Script interpreter handling: if the target begins with "#!", the
	// kernel would resolve it itself, but when the interpreter lives on
	// a foreign architecture SB2 must drive the rewrite (spec.md §4.9).
	if interp, args, ok := e.rewriteScriptInterpreter(req.FullPath); ok {
		newArgs := append([]string{interp}, args...)
		newArgs = append(newArgs, req.FullPath)
		newArgs = append(newArgs, proc.Args[1:]...)
		proc.Args = newArgs
		policyName, _ = e.SelectPolicy(basename(interp), interp)
		res, err := e.applyCPUTransparency(proc, policyName, interp)
		res.Interpreter = interp
		return res, err
	}

	return e.applyCPUTransparency(proc, policyName, req.FullPath)
}

// applyCPUTransparency rewrites proc to invoke the configured
// emulator trampoline when policyName's policy requires it
// (spec.md §4.9 "CPU transparency"), e.g. rewriting
//
//	execve(bin, argv, envp)
//
// into
//
//	execve(qemu, ["qemu", "-L", target_root, bin, argv[1:]...], envp)
func (e *Engine) applyCPUTransparency(proc specs.Process, policyName, target string) (Result, error) {
	policy, ok := e.PolicyByName(policyName)
	if !ok || policy.CPUTransparency == "" {
		return Result{Process: proc, PolicyName: policyName}, nil
	}

	if !utils.CmdExists(policy.CPUTransparency) {
		e.log.Warningf("execengine: CPU transparency policy %q names %q, which is not on PATH", policyName, policy.CPUTransparency)
	}

	trampolineArgs := append([]string{policy.CPUTransparency}, "-L", policy.TargetRoot, target)
	if len(proc.Args) > 1 {
		trampolineArgs = append(trampolineArgs, proc.Args[1:]...)
	}
	proc.Args = trampolineArgs
	return Result{Process: proc, PolicyName: policyName}, nil
}

// rewriteScriptInterpreter peeks at path's first line; if it begins
// with "#!" it returns the interpreter path and any interpreter
// arguments, the same split original exec() itself performs before SB2
// gets a chance to intervene (spec.md §4.9).
func (e *Engine) rewriteScriptInterpreter(path string) (interp string, args []string, ok bool) {
	line, ok := readShebangLine(path)
	if !ok {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return "", nil, false
	}
	return fields[0], fields[1:], true
}

// applyPreprocRule performs the argv/envp edits spec.md §4.9 step 2
// describes: insert add_head before argv[1], add_options after the
// program name, append add_tail, drop anything in remove, optionally
// swap in a replacement binary path.
func (e *Engine) applyPreprocRule(proc specs.Process, rule ruletree.ExecPreprocRule) specs.Process {
	remove := e.stringSet(rule.RemoveArgs)

	// Order per spec.md §4.9 step 2: program name, add_options (after
	// the program name), add_head (before the caller's argv[1]), the
	// caller's own arguments (minus anything in remove), add_tail.
	args := make([]string, 0, len(proc.Args))
	if len(proc.Args) > 0 {
		args = append(args, proc.Args[0])
	}
	args = append(args, e.stringList(rule.AddOptions)...)
	args = append(args, e.stringList(rule.AddHeadArgs)...)
	kept := utils.StringSliceRemoveMatch(proc.Args[minInt(1, len(proc.Args)):], func(a string) bool {
		return remove[a]
	})
	args = append(args, kept...)
	args = append(args, e.stringList(rule.AddTailArgs)...)

	proc.Args = args

	if rule.NewFilename != 0 {
		if newName, ok := e.store.StringAt(rule.NewFilename); ok {
			if len(proc.Args) > 0 {
				proc.Args[0] = newName
			}
		}
	}

	return proc
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// findPreprocRule locates the exec-preprocessing rule for binName:
// spec.md §4.9 step 1 requires both the basename match AND a path
// prefix match against the rule's recorded path_prefixes list.
func (e *Engine) findPreprocRule(binName, fullPath string) (ruletree.ExecPreprocRule, bool) {
	execRules, ok := catalog.Get(e.store, e.rootCatalog, "exec_preproc_rules")
	if !ok {
		return ruletree.ExecPreprocRule{}, false
	}
	ruleOffs, ok := catalog.Get(e.store, execRules, binName)
	if !ok {
		return ruletree.ExecPreprocRule{}, false
	}
	rule, ok := e.store.ExecPreprocRuleAt(ruleOffs)
	if !ok {
		return ruletree.ExecPreprocRule{}, false
	}
	prefixes := e.stringList(rule.PathPrefixes)
	for _, p := range prefixes {
		if strings.HasPrefix(fullPath, p) {
			return rule, true
		}
	}
	return ruletree.ExecPreprocRule{}, false
}

// SelectPolicy evaluates the exec-policy-selection rules in order
// (spec.md §4.9 "Policy selection"): first match by binary basename or
// full-path prefix wins.
func (e *Engine) SelectPolicy(binName, fullPath string) (string, bool) {
	list, ok := catalog.Get(e.store, e.rootCatalog, "exec_policy_select_rules")
	if !ok {
		return "", false
	}
	n, ok := e.store.ListLen(list)
	if !ok {
		return "", false
	}
	for i := uint32(0); i < n; i++ {
		offs, ok := e.store.ListGet(list, i)
		if !ok {
			continue
		}
		rule, ok := e.store.ExecPolicySelRuleAt(offs)
		if !ok {
			continue
		}
		selector, _ := e.store.StringAt(rule.Selector)
		var matched bool
		switch rule.RuleType {
		case ruletree.ExecPolicySelectByBinaryBasename:
			matched = selector == binName
		case ruletree.ExecPolicySelectByFullPathPrefix:
			matched = strings.HasPrefix(fullPath, selector)
		}
		if !matched {
			continue
		}
		name, ok := e.store.StringAt(rule.PolicyName)
		if !ok {
			continue
		}
		return name, true
	}
	return "", false
}

// PolicyByName resolves a policy name to its catalog-held fields
// (spec.md §4.9: "the policy itself lives in a catalog, carrying
// LD_PRELOAD, LD_LIBRARY_PATH, and interpreter rewriting info").
func (e *Engine) PolicyByName(name string) (Policy, bool) {
	if name == "" {
		return Policy{}, false
	}
	policies, ok := catalog.Get(e.store, e.rootCatalog, "exec_policies")
	if !ok {
		return Policy{}, false
	}
	pCat, ok := catalog.Get(e.store, policies, name)
	if !ok {
		return Policy{}, false
	}
	p := Policy{Name: name}
	p.LDPreload, _ = catalog.GetString(e.store, pCat, "ld_preload")
	p.LDLibraryPath, _ = catalog.GetString(e.store, pCat, "ld_library_path")
	p.CPUTransparency, _ = catalog.GetString(e.store, pCat, "cpu_transparency_method")
	p.TargetRoot, _ = catalog.GetString(e.store, pCat, "target_root")
	if extraEnv, ok := catalog.Get(e.store, pCat, "extra_env"); ok {
		p.ExtraEnv = e.stringList(extraEnv)
	}
	return p, true
}

// ApplyPolicyEnv folds a policy's LD_PRELOAD/LD_LIBRARY_PATH, plus any
// extra_env assignments from its manifest entry, into proc.Env,
// replacing any existing entry for the same variable names — part of
// the "postprocessor... inserting preloads for the selected policy"
// spec.md §4.9 describes.
func ApplyPolicyEnv(proc specs.Process, p Policy) specs.Process {
	proc.Env = setEnv(proc.Env, "LD_PRELOAD", p.LDPreload)
	proc.Env = setEnv(proc.Env, "LD_LIBRARY_PATH", p.LDLibraryPath)
	for _, assignment := range p.ExtraEnv {
		name, value, err := utils.GetEnvVarInfo(assignment)
		if err != nil {
			continue
		}
		proc.Env = setEnv(proc.Env, name, value)
	}
	return proc
}

func setEnv(env []string, key, value string) []string {
	if value == "" {
		return env
	}
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// stringList decodes an object-list of string offsets.
func (e *Engine) stringList(listOffs ruletree.Offset) []string {
	if listOffs == 0 {
		return nil
	}
	n, ok := e.store.ListLen(listOffs)
	if !ok {
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		offs, ok := e.store.ListGet(listOffs, i)
		if !ok {
			continue
		}
		s, ok := e.store.StringAt(offs)
		if !ok {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (e *Engine) stringSet(listOffs ruletree.Offset) map[string]bool {
	out := make(map[string]bool)
	for _, s := range e.stringList(listOffs) {
		out[s] = true
	}
	return out
}

// Postprocessor is the caller-supplied hook spec.md §4.9's
// "Postprocessing" paragraph describes: invoked after preprocessing
// but before the actual execve, it may further rewrite argv/envp (for
// example, stripping host-only variables) and can veto the exec
// entirely.
type Postprocessor func(Result) (Result, PostprocessVerdict)

// Postprocess runs pp against res, applying a policy's LD_PRELOAD/
// LD_LIBRARY_PATH first (since the postprocessor is the documented
// place those env insertions happen). A nil pp is treated as
// Unchanged.
func (e *Engine) Postprocess(res Result, pp Postprocessor) (Result, PostprocessVerdict) {
	if policy, ok := e.PolicyByName(res.PolicyName); ok {
		res.Process = ApplyPolicyEnv(res.Process, policy)
	}
	if pp == nil {
		return res, Unchanged
	}
	return pp(res)
}
