package mapping

import (
	"os"
	"sort"
	"strings"

	"github.com/scratchbox2/sb2-engine/ruletree"
)

// Standard errno values the engine surfaces in Result.Errno without
// importing syscall — the mapping layer is OS-syscall-agnostic by
// design, only the preload shims that call it run platform-specific
// code.
const (
	errnoEINVAL = 22
	errnoEBADF  = 9
)

// withinDir reports whether path lies at or under dir, lexically.
func withinDir(path, dir string) bool {
	if dir == "" {
		return false
	}
	dir = strings.TrimRight(dir, "/")
	return path == dir || strings.HasPrefix(path, dir+"/")
}

// candidateRule is a rule that passed every gate (selector, condition,
// interface-class mask, binary name) during a walkList pass, recorded
// along with its list position and matched length so the caller can
// apply spec.md §4.8's tie-breaking rule afterward.
type candidateRule struct {
	index    uint32
	rule     ruletree.FsRule
	matchLen int
}

// walkList evaluates the rules in list against path (the
// already-normalized full path). origPath (the original full path
// before any SUBTREE suffixing) is passed along but not consulted:
// selectors at every level are matched against path. Per spec.md
// §4.8's tie-breaking rule, a PREFIX selector does not fire on first
// sight: every gated rule in the list is
// collected first, then ordered by longest match length (falling back
// to list order on ties) before actions are tried, so a later, more
// specific PREFIX rule always beats an earlier, shorter one.
func (e *Engine) walkList(ctx Context, list ruletree.Offset, path, origPath string) (Result, bool) {
	n, ok := e.store.ListLen(list)
	if !ok {
		return Result{}, false
	}

	candidates := make([]candidateRule, 0, n)
	for i := uint32(0); i < n; i++ {
		ruleOffs, ok := e.store.ListGet(list, i)
		if !ok {
			continue
		}
		rule, ok := e.store.FsRuleAt(ruleOffs)
		if !ok {
			continue
		}

		matchLen, matched := e.matchSelector(rule, path)
		if !matched {
			continue
		}
		if !e.matchCondition(ctx, rule) {
			continue
		}
		if rule.FuncClassMask != 0 && rule.FuncClassMask&ctx.InterfaceMask == 0 {
			continue
		}
		if rule.BinaryName != 0 {
			name, _ := e.store.StringAt(rule.BinaryName)
			if name != ctx.BinaryName {
				continue
			}
		}

		candidates = append(candidates, candidateRule{index: i, rule: rule, matchLen: matchLen})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].matchLen > candidates[b].matchLen
	})

	for _, c := range candidates {
		res, ok := e.applyAction(ctx, c.rule, path, c.matchLen)
		if !ok {
			// Action deferred to the next candidate (IF_EXISTS_THEN_*
			// that didn't exist, or a CONDITIONAL_ACTIONS with no
			// firing sub-rule) — keep walking in priority order.
			continue
		}
		applyFlags(&res, c.rule.Flags)
		if c.rule.ExecPolicyName != 0 {
			res.ExecPolicy, _ = e.store.StringAt(c.rule.ExecPolicyName)
		}
		return res, true
	}

	return Result{}, false
}

// matchSelector reports whether rule's selector matches path, and (for
// PREFIX/DIR selectors) the length of the matched portion — needed by
// MAP_TO/SUBTREE to know what to replace/strip.
func (e *Engine) matchSelector(rule ruletree.FsRule, path string) (int, bool) {
	sel, _ := e.store.StringAt(rule.Selector)
	switch rule.SelectorType {
	case ruletree.SelectorPath:
		if path == sel {
			return len(sel), true
		}
		return 0, false
	case ruletree.SelectorPrefix:
		if strings.HasPrefix(path, sel) {
			return len(sel), true
		}
		return 0, false
	case ruletree.SelectorDir:
		if path == sel {
			return len(sel), true
		}
		if strings.HasPrefix(path, sel+"/") {
			return len(sel), true
		}
		return 0, false
	}
	return 0, false
}

// matchCondition evaluates rule's optional condition, if any.
func (e *Engine) matchCondition(ctx Context, rule ruletree.FsRule) bool {
	if rule.ConditionType == 0 {
		return true
	}
	condText, _ := e.store.StringAt(rule.Condition)
	switch rule.ConditionType {
	case ruletree.ConditionIfActiveExecPolicyIs:
		return ctx.ActiveExecPolicy == condText
	case ruletree.ConditionIfRedirectIgnoreIsActive:
		return ctx.RedirectIgnoreActive
	case ruletree.ConditionIfRedirectForceIsActive:
		return ctx.RedirectForceActive
	case ruletree.ConditionIfEnvVarIsNotEmpty:
		v, ok := ctx.getenv(condText)
		return ok && v != ""
	case ruletree.ConditionIfEnvVarIsEmpty:
		v, ok := ctx.getenv(condText)
		return !ok || v == ""
	}
	return true
}

// applyAction executes rule's action. ok is false when the rule
// declines to fire after all (IF_EXISTS_THEN_* whose candidate is
// absent, or a CONDITIONAL_ACTIONS/SUBTREE whose nested walk found
// nothing) — the caller should continue to the next top-level rule.
func (e *Engine) applyAction(ctx Context, rule ruletree.FsRule, path string, matchLen int) (Result, bool) {
	switch rule.ActionType {
	case ruletree.ActionUseOrigPath:
		return Result{Path: path}, true

	case ruletree.ActionForceOrigPath:
		return Result{Path: path, ForceOrigPath: true}, true

	case ruletree.ActionForceOrigPathUnlessChroot:
		if ctx.ChrootTarget != "" {
			return Result{Path: path}, true
		}
		return Result{Path: path, ForceOrigPath: true}, true

	case ruletree.ActionMapTo:
		prefix := e.actionText(rule)
		return Result{Path: prefix + path[matchLen:]}, true

	case ruletree.ActionReplaceBy:
		return Result{Path: e.actionText(rule)}, true

	case ruletree.ActionSetPath:
		return Result{Path: e.actionText(rule)}, true

	case ruletree.ActionMapToValueOfEnvVar:
		v, ok := ctx.getenv(e.actionText(rule))
		if !ok {
			return Result{}, false
		}
		return Result{Path: v + path[matchLen:]}, true

	case ruletree.ActionReplaceByValueOfEnvVar:
		v, ok := ctx.getenv(e.actionText(rule))
		if !ok {
			return Result{}, false
		}
		return Result{Path: v}, true

	case ruletree.ActionIfExistsThenMapTo:
		prefix := e.actionText(rule)
		candidate := prefix + path[matchLen:]
		if !pathExists(candidate) {
			return Result{}, false
		}
		return Result{Path: candidate}, true

	case ruletree.ActionIfExistsThenReplaceBy:
		candidate := e.actionText(rule)
		if !pathExists(candidate) {
			return Result{}, false
		}
		return Result{Path: candidate}, true

	case ruletree.ActionConditionalActions:
		return e.walkList(ctx, rule.RuleListLink, path, path)

	case ruletree.ActionSubtree:
		suffix := path[matchLen:]
		res, ok := e.walkList(ctx, rule.RuleListLink, suffix, suffix)
		if !ok {
			return Result{}, false
		}
		return res, true

	case ruletree.ActionProcfs:
		return e.mapProcfs(ctx, path), true

	case ruletree.ActionUnionDir:
		return Result{Path: e.unionDirPath(ctx, rule, path)}, true

	case ruletree.ActionFallbackToOldEngine:
		return Result{Path: path, Fallback: true}, true
	}

	return Result{Path: path}, true
}

func (e *Engine) actionText(rule ruletree.FsRule) string {
	s, _ := e.store.StringAt(rule.Action)
	return s
}

func (e *Engine) selectorText(rule ruletree.FsRule) string {
	s, _ := e.store.StringAt(rule.Selector)
	return s
}

func applyFlags(res *Result, flags uint32) {
	if flags&ruletree.FlagReadOnly != 0 {
		res.ReadOnly = true
	}
	if flags&ruletree.FlagReadOnlyFsAlways != 0 {
		res.ReadOnly = true
	}
	if flags&ruletree.FlagCallTranslateForAll != 0 {
		res.CallTranslate = true
	}
	if flags&ruletree.FlagForceOrigPath != 0 {
		res.ForceOrigPath = true
	}
	if flags&ruletree.FlagForceOrigPathUnlessChroot != 0 {
		res.ForceOrigPath = true
	}
}

// pathExists backs IF_EXISTS_THEN_*; a stat failure of any kind (not
// just ENOENT) is treated as "doesn't exist", matching the original's
// lenient probing (original_source/preload/rule_tree_rpc.c never
// distinguishes ENOENT from other lookup failures here).
func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// mapProcfs handles spec.md §4.8 step 6's PROCFS action
// (original_source/preload/libsb2.c's procfs-specific mapper). It does
// not translate per-pid entries: no pid translation table exists in
// this engine or elsewhere in the session, and every /proc path passes
// through unchanged.
func (e *Engine) mapProcfs(ctx Context, path string) Result {
	return Result{Path: path}
}
