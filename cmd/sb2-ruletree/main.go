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

// Command sb2-ruletree dumps the contents of a session's rule tree
// (spec.md §6's CLI surface, grounded on
// original_source/utils/sb2-ruletree.c's recursive catalog/rule/list
// walk). It reads SBOX_SESSION_DIR, attaches the tree read-only, and
// prints every catalog, rule, list, string and bintree it can reach
// from the root catalog.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/scratchbox2/sb2-engine/catalog"
	"github.com/scratchbox2/sb2-engine/logger"
	"github.com/scratchbox2/sb2-engine/ruletree"
	"github.com/scratchbox2/sb2-engine/writerd"
)

func main() {
	var (
		printOffsets = flag.BoolP("offsets", "o", false, "annotate each object with its rule-tree offset")
		logLevel     = flag.StringP("loglevel", "d", "", "log verbosity: error|warning|notice|info|debug")
	)
	flag.Parse()

	if lvl, ok := logger.LevelFromName(*logLevel); ok {
		logger.Default().SetLevel(lvl)
	}

	sessionDir := os.Getenv("SBOX_SESSION_DIR")
	if sessionDir == "" {
		fmt.Fprintln(os.Stderr, "sb2-ruletree: SBOX_SESSION_DIR is required")
		os.Exit(1)
	}

	path := filepath.Join(sessionDir, writerd.RuleTreeFileName)
	store, err := ruletree.Attach(path, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sb2-ruletree: attach %s: %v\n", path, err)
		os.Exit(1)
	}
	defer store.Close()

	d := &dumper{store: store, offsets: *printOffsets, visited: map[ruletree.Offset]bool{}}

	root := store.RootCatalog()
	fmt.Printf("RuleTree %s (file_size=%d max_size=%d min_client_fd=%d)\n",
		path, store.FileSize(), store.MaxSize(), store.MinClientSocketFd())
	if root == 0 {
		fmt.Println("root catalog: <not yet published>")
		return
	}
	d.dumpCatalog(root, "root", 0)
}

type dumper struct {
	store   *ruletree.Store
	offsets bool
	visited map[ruletree.Offset]bool
}

func (d *dumper) indent(n int) {
	for i := 0; i < n; i++ {
		fmt.Print("\t")
	}
}

// label renders the "[%d]" offset suffix used throughout when -o is
// set, matching sb2-ruletree.c's "Rule[%u]" style.
func (d *dumper) label(offs ruletree.Offset) string {
	if !d.offsets {
		return ""
	}
	return fmt.Sprintf("[%d]", uint32(offs))
}

// seen marks offs visited and reports whether it had already been
// dumped; every recursive entry point calls this first so a cyclic or
// repeatedly-referenced rule/list/catalog prints a back-reference
// instead of looping forever (sb2-ruletree.c only guards against this
// for rules via its rule_dumped bitmap; this dumper applies the same
// guard uniformly since this reimplementation's catalogs can also be
// shared across multiple parents).
func (d *dumper) seen(offs ruletree.Offset) bool {
	if d.visited[offs] {
		return true
	}
	d.visited[offs] = true
	return false
}

func (d *dumper) dumpCatalog(offs ruletree.Offset, name string, indent int) {
	d.indent(indent)
	fmt.Printf("%s%s = {\n", name, d.label(offs))
	if offs != 0 && d.seen(offs) {
		d.indent(indent + 1)
		fmt.Printf("[ => @ %d ]\n", uint32(offs))
		d.indent(indent)
		fmt.Println("}")
		return
	}
	for _, entryName := range catalog.Names(d.store, offs) {
		for _, valOffs := range catalog.GetAll(d.store, offs, entryName) {
			d.dumpObject(valOffs, entryName, indent+1)
		}
	}
	d.indent(indent)
	fmt.Println("}")
}

func (d *dumper) dumpObject(offs ruletree.Offset, name string, indent int) {
	if offs == 0 {
		d.indent(indent)
		fmt.Printf("%s = <null>\n", name)
		return
	}
	switch d.store.ObjectType(offs) {
	case ruletree.TypeCatalog:
		d.dumpCatalog(offs, name, indent)
	case ruletree.TypeString:
		s, _ := d.store.StringAt(offs)
		d.indent(indent)
		fmt.Printf("%s%s = %q\n", name, d.label(offs), s)
	case ruletree.TypeUint32:
		v, _ := d.store.Uint32At(offs)
		d.indent(indent)
		fmt.Printf("%s%s = %d\n", name, d.label(offs), v)
	case ruletree.TypeBoolean:
		v, _ := d.store.BooleanAt(offs)
		d.indent(indent)
		fmt.Printf("%s%s = %t\n", name, d.label(offs), v)
	case ruletree.TypeObjectList:
		d.indent(indent)
		fmt.Printf("%s%s = {\n", name, d.label(offs))
		d.dumpList(offs, indent+1)
		d.indent(indent)
		fmt.Println("}")
	case ruletree.TypeFsRule:
		d.dumpFsRule(offs, name, indent)
	case ruletree.TypeExecPreprocRule:
		d.dumpExecPreprocRule(offs, name, indent)
	case ruletree.TypeExecPolicySelRule:
		d.dumpExecPolicySelRule(offs, name, indent)
	case ruletree.TypeNetRule:
		d.dumpNetRule(offs, name, indent)
	case ruletree.TypeBintree:
		d.dumpBintree(offs, name, indent)
	case ruletree.TypeInodeStat:
		d.dumpInodeStat(offs, name, indent)
	default:
		d.indent(indent)
		fmt.Printf("%s%s = <unknown object type>\n", name, d.label(offs))
	}
}

func (d *dumper) dumpList(offs ruletree.Offset, indent int) {
	if d.seen(offs) {
		d.indent(indent)
		fmt.Printf("[ => @ %d ]\n", uint32(offs))
		return
	}
	n, ok := d.store.ListLen(offs)
	if !ok {
		return
	}
	for i := uint32(0); i < n; i++ {
		item, _ := d.store.ListGet(offs, i)
		d.dumpObject(item, fmt.Sprintf("[%d]", i), indent)
	}
}

var selectorNames = map[uint32]string{
	ruletree.SelectorPath:   "path",
	ruletree.SelectorPrefix: "prefix",
	ruletree.SelectorDir:    "dir",
}

var conditionNames = map[uint32]string{
	ruletree.ConditionIfActiveExecPolicyIs:     "if_active_exec_policy_is",
	ruletree.ConditionIfRedirectIgnoreIsActive: "if_redirect_ignore_is_active",
	ruletree.ConditionIfRedirectForceIsActive:  "if_redirect_force_is_active",
	ruletree.ConditionIfEnvVarIsNotEmpty:       "if_env_var_is_not_empty",
	ruletree.ConditionIfEnvVarIsEmpty:          "if_env_var_is_empty",
}

var actionNames = map[uint32]string{
	ruletree.ActionFallbackToOldEngine:      "fallback_to_old_mapping_engine",
	ruletree.ActionUseOrigPath:              "use_orig_path",
	ruletree.ActionForceOrigPath:            "force_orig_path",
	ruletree.ActionForceOrigPathUnlessChroot: "force_orig_path_unless_chroot",
	ruletree.ActionMapTo:                    "map_to",
	ruletree.ActionReplaceBy:                "replace_by",
	ruletree.ActionMapToValueOfEnvVar:       "map_to_value_of_env_var",
	ruletree.ActionReplaceByValueOfEnvVar:   "replace_by_value_of_env_var",
	ruletree.ActionSetPath:                  "set_path",
	ruletree.ActionConditionalActions:       "conditional_actions",
	ruletree.ActionSubtree:                  "subtree",
	ruletree.ActionIfExistsThenMapTo:        "if_exists_then_map_to",
	ruletree.ActionIfExistsThenReplaceBy:    "if_exists_then_replace_by",
	ruletree.ActionProcfs:                   "sb2_procfs_mapper",
	ruletree.ActionUnionDir:                 "union_dir",
}

// actionHasStringArg reports whether the action's Action offset points
// at a string argument worth printing alongside the action name
// (MAP_TO/REPLACE_BY/SET_PATH/.../env-var variants); the path-resolved
// actions (USE_ORIG_PATH and friends) and the list-dispatching actions
// (CONDITIONAL_ACTIONS/SUBTREE/UNION_DIR) carry no such argument.
func actionHasStringArg(actionType uint32) bool {
	switch actionType {
	case ruletree.ActionMapTo, ruletree.ActionReplaceBy, ruletree.ActionSetPath,
		ruletree.ActionMapToValueOfEnvVar, ruletree.ActionReplaceByValueOfEnvVar,
		ruletree.ActionIfExistsThenMapTo, ruletree.ActionIfExistsThenReplaceBy:
		return true
	}
	return false
}

func (d *dumper) dumpFsRule(offs ruletree.Offset, name string, indent int) {
	d.indent(indent)
	fmt.Printf("%s%s = Rule {\n", name, d.label(offs))
	if d.seen(offs) {
		d.indent(indent + 1)
		fmt.Printf("[ => @ %d ]\n", uint32(offs))
		d.indent(indent)
		fmt.Println("}")
		return
	}
	r, ok := d.store.FsRuleAt(offs)
	if !ok {
		d.indent(indent + 1)
		fmt.Println("<corrupt>")
		d.indent(indent)
		fmt.Println("}")
		return
	}
	if r.Name != 0 {
		if s, ok := d.store.StringAt(r.Name); ok {
			d.indent(indent + 1)
			fmt.Printf("name = %q\n", s)
		}
	}
	if r.SelectorType != 0 {
		sel, _ := d.store.StringAt(r.Selector)
		d.indent(indent + 1)
		fmt.Printf("IF: %s %q\n", selectorNameOrUnknown(r.SelectorType), sel)
	}
	if r.ConditionType != 0 {
		cond, _ := d.store.StringAt(r.Condition)
		d.indent(indent + 1)
		fmt.Printf("CONDITIONAL: %s %q\n", conditionNameOrUnknown(r.ConditionType), cond)
	}
	if r.FuncClassMask != 0 {
		d.indent(indent + 1)
		fmt.Printf("IF_CLASS: 0x%x\n", r.FuncClassMask)
	}
	if r.BinaryName != 0 {
		bn, _ := d.store.StringAt(r.BinaryName)
		d.indent(indent + 1)
		fmt.Printf("BINARY_NAME: %q\n", bn)
	}
	if r.ExecPolicyName != 0 {
		ep, _ := d.store.StringAt(r.ExecPolicyName)
		d.indent(indent + 1)
		fmt.Printf("EXEC_POLICY_NAME: %q\n", ep)
	}
	d.indent(indent + 1)
	fmt.Printf("ACTION: %s", actionNameOrUnknown(r.ActionType))
	if actionHasStringArg(r.ActionType) && r.Action != 0 {
		arg, _ := d.store.StringAt(r.Action)
		fmt.Printf(" %q", arg)
	}
	fmt.Println()
	if r.Flags != 0 {
		d.indent(indent + 1)
		fmt.Printf("FLAGS: 0x%x\n", r.Flags)
	}
	if r.RuleListLink != 0 {
		d.indent(indent + 1)
		fmt.Println("rules = {")
		d.dumpList(r.RuleListLink, indent+2)
		d.indent(indent + 1)
		fmt.Println("}")
	}
	d.indent(indent)
	fmt.Println("}")
}

func selectorNameOrUnknown(t uint32) string {
	if s, ok := selectorNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown_selector(%d)", t)
}

func conditionNameOrUnknown(t uint32) string {
	if s, ok := conditionNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown_condition(%d)", t)
}

func actionNameOrUnknown(t uint32) string {
	if s, ok := actionNames[t]; ok {
		return s
	}
	return fmt.Sprintf("unknown_action(%d)", t)
}

func (d *dumper) dumpExecPreprocRule(offs ruletree.Offset, name string, indent int) {
	d.indent(indent)
	fmt.Printf("%s%s = ExecPreprocessingRule {\n", name, d.label(offs))
	r, ok := d.store.ExecPreprocRuleAt(offs)
	if !ok {
		d.indent(indent + 1)
		fmt.Println("<corrupt>")
		d.indent(indent)
		fmt.Println("}")
		return
	}
	if r.BinaryName != 0 {
		bn, _ := d.store.StringAt(r.BinaryName)
		d.indent(indent + 1)
		fmt.Printf("binary_name = %q\n", bn)
	}
	lists := []struct {
		label string
		offs  ruletree.Offset
	}{
		{"path_prefixes", r.PathPrefixes},
		{"add_head", r.AddHeadArgs},
		{"add_options", r.AddOptions},
		{"add_tail", r.AddTailArgs},
		{"remove", r.RemoveArgs},
	}
	for _, l := range lists {
		if l.offs == 0 {
			continue
		}
		d.indent(indent + 1)
		fmt.Printf("%s = {\n", l.label)
		d.dumpList(l.offs, indent+2)
		d.indent(indent + 1)
		fmt.Println("}")
	}
	if r.NewFilename != 0 {
		nf, _ := d.store.StringAt(r.NewFilename)
		d.indent(indent + 1)
		fmt.Printf("new_filename = %q\n", nf)
	}
	if r.DisableMapping {
		d.indent(indent + 1)
		fmt.Println("disable_mapping = true")
	}
	d.indent(indent)
	fmt.Println("}")
}

func (d *dumper) dumpExecPolicySelRule(offs ruletree.Offset, name string, indent int) {
	d.indent(indent)
	fmt.Printf("%s%s = ExecPolicySelectionRule {\n", name, d.label(offs))
	r, ok := d.store.ExecPolicySelRuleAt(offs)
	if !ok {
		d.indent(indent + 1)
		fmt.Println("<corrupt>")
		d.indent(indent)
		fmt.Println("}")
		return
	}
	d.indent(indent + 1)
	fmt.Printf("type = 0x%x\n", r.RuleType)
	if r.Selector != 0 {
		sel, _ := d.store.StringAt(r.Selector)
		d.indent(indent + 1)
		fmt.Printf("selector = %q\n", sel)
	}
	if r.PolicyName != 0 {
		pn, _ := d.store.StringAt(r.PolicyName)
		d.indent(indent + 1)
		fmt.Printf("exec_policy_name = %q\n", pn)
	}
	d.indent(indent + 1)
	fmt.Printf("flags = 0x%x\n", r.Flags)
	d.indent(indent)
	fmt.Println("}")
}

func (d *dumper) dumpNetRule(offs ruletree.Offset, name string, indent int) {
	d.indent(indent)
	fmt.Printf("%s%s = NetRule {\n", name, d.label(offs))
	r, ok := d.store.NetRuleAt(offs)
	if !ok {
		d.indent(indent + 1)
		fmt.Println("<corrupt>")
		d.indent(indent)
		fmt.Println("}")
		return
	}
	d.indent(indent + 1)
	fmt.Printf("rule_type = %d\n", r.RuleType)
	if fn, ok := d.store.StringAt(r.FunctionName); ok {
		d.indent(indent + 1)
		fmt.Printf("function_name = %q\n", fn)
	}
	if bn, ok := d.store.StringAt(r.BinaryName); ok {
		d.indent(indent + 1)
		fmt.Printf("binary_name = %q\n", bn)
	}
	if addr, ok := d.store.StringAt(r.Address); ok {
		d.indent(indent + 1)
		fmt.Printf("address = %q port = %d\n", addr, r.Port)
	}
	if newAddr, ok := d.store.StringAt(r.NewAddress); ok {
		d.indent(indent + 1)
		fmt.Printf("new_address = %q new_port = %d\n", newAddr, r.NewPort)
	}
	d.indent(indent + 1)
	fmt.Printf("errno = %d log_level = %d\n", r.Errno, r.LogLevel)
	if r.NestedRules != 0 {
		d.indent(indent + 1)
		fmt.Println("nested_rules = {")
		d.dumpList(r.NestedRules, indent+2)
		d.indent(indent + 1)
		fmt.Println("}")
	}
	d.indent(indent)
	fmt.Println("}")
}

func (d *dumper) dumpBintree(offs ruletree.Offset, name string, indent int) {
	d.indent(indent)
	fmt.Printf("%s%s = Bintree {\n", name, d.label(offs))
	d.dumpBintreeNode(offs, indent+1)
	d.indent(indent)
	fmt.Println("}")
}

func (d *dumper) dumpBintreeNode(offs ruletree.Offset, indent int) {
	if offs == 0 {
		return
	}
	if d.seen(offs) {
		d.indent(indent)
		fmt.Printf("[ => @ %d ]\n", uint32(offs))
		return
	}
	n, ok := d.store.BintreeNodeAt(offs)
	if !ok {
		d.indent(indent)
		fmt.Println("<corrupt>")
		return
	}
	d.indent(indent)
	fmt.Printf("node%s { key=(%d,%d)\n", d.label(offs), n.Key1, n.Key2)
	if n.Value != 0 {
		d.dumpObject(n.Value, "value", indent+1)
	}
	if n.Less != 0 {
		d.indent(indent + 1)
		fmt.Println("less = {")
		d.dumpBintreeNode(n.Less, indent+2)
		d.indent(indent + 1)
		fmt.Println("}")
	}
	if n.More != 0 {
		d.indent(indent + 1)
		fmt.Println("more = {")
		d.dumpBintreeNode(n.More, indent+2)
		d.indent(indent + 1)
		fmt.Println("}")
	}
	d.indent(indent)
	fmt.Println("}")
}

func (d *dumper) dumpInodeStat(offs ruletree.Offset, name string, indent int) {
	s, ok := d.store.InodeStatAt(offs)
	if !ok {
		d.indent(indent)
		fmt.Printf("%s = <corrupt inode-stat>\n", name)
		return
	}
	d.indent(indent)
	fmt.Printf("%s%s = InodeStat { dev=%d ino=%d active_mask=0x%x", name, d.label(offs), s.Dev, s.Ino, s.ActiveMask)
	if s.ActiveMask&ruletree.InodeStatSimUID != 0 {
		fmt.Printf(" uid=%d", s.UID)
	}
	if s.ActiveMask&ruletree.InodeStatSimGID != 0 {
		fmt.Printf(" gid=%d", s.GID)
	}
	if s.ActiveMask&ruletree.InodeStatSimMode != 0 {
		fmt.Printf(" mode=0%o", s.Mode)
	}
	if s.ActiveMask&ruletree.InodeStatSimSuidSgid != 0 {
		fmt.Printf(" suid_sgid=0%o", s.SuidSgid)
	}
	if s.ActiveMask&ruletree.InodeStatSimDevNode != 0 {
		fmt.Printf(" devmode=0%o rdev=%d", s.DevMode, s.RDev)
	}
	fmt.Println(" }")
}
