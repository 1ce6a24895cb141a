package ruletree

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------

// stringHdrSize: objHdr(8) + size(4)
const stringHdrSize = objHdrSize + 4

// WriteString appends an immutable, length-prefixed, NUL-terminated
// string object and returns its offset.
func (s *Store) WriteString(str string) (Offset, error) {
	buf := make([]byte, stringHdrSize+len(str)+1)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(str)))
	copy(buf[12:12+len(str)], str)
	// buf[12+len(str)] is already 0 (NUL terminator)
	return s.appendRaw(buf, TypeString)
}

// StringAt returns the string stored at offs, or "" if offs is invalid.
func (s *Store) StringAt(offs Offset) (string, bool) {
	if err := s.resolveHeader(offs, TypeString); err != nil {
		return "", false
	}
	o := uint32(offs)
	size := binary.LittleEndian.Uint32(s.data[o+8 : o+12])
	start := o + uint32(stringHdrSize)
	if uint64(start)+uint64(size) > uint64(s.FileSize()) {
		return "", false
	}
	return string(s.data[start : start+size]), true
}

// ---------------------------------------------------------------------
// Scalars: UInt32 / Boolean
// ---------------------------------------------------------------------

// scalarSize: objHdr(8) + value(4)
const scalarSize = objHdrSize + 4

// WriteUint32 appends a wrapped, atomically-overlayable uint32 scalar.
func (s *Store) WriteUint32(v uint32) (Offset, error) {
	buf := make([]byte, scalarSize)
	binary.LittleEndian.PutUint32(buf[8:12], v)
	return s.appendRaw(buf, TypeUint32)
}

// Uint32At reads the current value of a uint32 scalar (atomic load).
func (s *Store) Uint32At(offs Offset) (uint32, bool) {
	if err := s.resolveHeader(offs, TypeUint32); err != nil {
		return 0, false
	}
	return s.loadU32(uint32(offs) + 8), true
}

// SetUint32At overwrites a previously-written uint32 scalar in place
// (invariant 2's permitted "type-stable scalar overlay").
func (s *Store) SetUint32At(offs Offset, v uint32) error {
	if err := s.resolveHeader(offs, TypeUint32); err != nil {
		return err
	}
	s.storeU32(uint32(offs)+8, v)
	return nil
}

// WriteBoolean appends a boolean scalar (stored as a 0/1 uint32 so the
// in-place overlay remains a single-word write).
func (s *Store) WriteBoolean(b bool) (Offset, error) {
	buf := make([]byte, scalarSize)
	if b {
		binary.LittleEndian.PutUint32(buf[8:12], 1)
	}
	return s.appendRaw(buf, TypeBoolean)
}

// BooleanAt reads a boolean scalar's current value.
func (s *Store) BooleanAt(offs Offset) (bool, bool) {
	if err := s.resolveHeader(offs, TypeBoolean); err != nil {
		return false, false
	}
	return s.loadU32(uint32(offs)+8) != 0, true
}

// SetBooleanAt overwrites a boolean scalar in place.
func (s *Store) SetBooleanAt(offs Offset, b bool) error {
	if err := s.resolveHeader(offs, TypeBoolean); err != nil {
		return err
	}
	v := uint32(0)
	if b {
		v = 1
	}
	s.storeU32(uint32(offs)+8, v)
	return nil
}

// ---------------------------------------------------------------------
// Object lists
// ---------------------------------------------------------------------

// listHdrSize: objHdr(8) + count(4)
const listHdrSize = objHdrSize + 4

// CreateList appends a fixed-size array of n offsets, all initially
// null. Per spec.md's invariant 4, a list is immutable once its items
// are first populated; it is the writer's responsibility to finish
// populating via ListSet before publishing the list's offset anywhere
// a reader can reach it.
func (s *Store) CreateList(n uint32) (Offset, error) {
	buf := make([]byte, listHdrSize+4*n)
	binary.LittleEndian.PutUint32(buf[8:12], n)
	return s.appendRaw(buf, TypeObjectList)
}

// ListLen returns the number of slots in the list at offs.
func (s *Store) ListLen(offs Offset) (uint32, bool) {
	if err := s.resolveHeader(offs, TypeObjectList); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(s.data[uint32(offs)+8 : uint32(offs)+12]), true
}

// ListGet returns the i'th offset stored in the list at offs.
func (s *Store) ListGet(offs Offset, i uint32) (Offset, bool) {
	n, ok := s.ListLen(offs)
	if !ok || i >= n {
		return 0, false
	}
	pos := uint32(offs) + listHdrSize + 4*i
	return Offset(binary.LittleEndian.Uint32(s.data[pos : pos+4])), true
}

// ListSet populates slot i of the list at offs during initial build-up
// (before the list is published/shared). This is a writer-only,
// build-time operation, not a general-purpose mutation.
func (s *Store) ListSet(offs Offset, i uint32, value Offset) error {
	n, ok := s.ListLen(offs)
	if !ok {
		return fmt.Errorf("ruletree: ListSet: invalid list at %d", offs)
	}
	if i >= n {
		return fmt.Errorf("ruletree: ListSet: index %d out of range (len %d)", i, n)
	}
	pos := uint32(offs) + listHdrSize + 4*i
	s.storeU32(pos, uint32(value))
	return nil
}

// ---------------------------------------------------------------------
// Catalog entries (singly linked list nodes: name -> value, next)
// ---------------------------------------------------------------------

// catalogEntrySize: objHdr(8) + name(4) + value(4) + next(4)
const catalogEntrySize = objHdrSize + 12

// NewCatalogEntry appends one catalog linked-list node. The catalog
// API (package catalog) builds chains out of these.
func (s *Store) NewCatalogEntry(nameOffs, valueOffs, nextOffs Offset) (Offset, error) {
	buf := make([]byte, catalogEntrySize)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(nameOffs))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(valueOffs))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(nextOffs))
	return s.appendRaw(buf, TypeCatalog)
}

// CatalogEntry is the decoded view of one catalog linked-list node.
type CatalogEntry struct {
	Name  Offset
	Value Offset
	Next  Offset
}

// CatalogEntryAt decodes the catalog entry at offs.
func (s *Store) CatalogEntryAt(offs Offset) (CatalogEntry, bool) {
	if err := s.resolveHeader(offs, TypeCatalog); err != nil {
		return CatalogEntry{}, false
	}
	o := uint32(offs)
	return CatalogEntry{
		Name:  Offset(binary.LittleEndian.Uint32(s.data[o+8 : o+12])),
		Value: Offset(binary.LittleEndian.Uint32(s.data[o+12 : o+16])),
		Next:  Offset(binary.LittleEndian.Uint32(s.data[o+16 : o+20])),
	}, true
}

// SetCatalogEntryValue overwrites the value field of an existing entry
// in place (single-word write) — used when catalog.Set finds a
// duplicate name and mutates rather than appends.
func (s *Store) SetCatalogEntryValue(offs Offset, value Offset) error {
	if err := s.resolveHeader(offs, TypeCatalog); err != nil {
		return err
	}
	s.storeU32(uint32(offs)+12, uint32(value))
	return nil
}

// SetCatalogEntryNext links a new tail node into the chain (single-word
// write on the next field, performed once at append time).
func (s *Store) SetCatalogEntryNext(offs Offset, next Offset) error {
	if err := s.resolveHeader(offs, TypeCatalog); err != nil {
		return err
	}
	s.storeU32(uint32(offs)+16, uint32(next))
	return nil
}

// ---------------------------------------------------------------------
// FS rules
// ---------------------------------------------------------------------

// Selector types (spec.md §4.8 step 5).
const (
	SelectorPath   uint32 = 101
	SelectorPrefix uint32 = 102
	SelectorDir    uint32 = 103
)

// Action types (spec.md §4.8 step 6).
const (
	ActionFallbackToOldEngine         uint32 = 200
	ActionUseOrigPath                 uint32 = 201
	ActionForceOrigPath                uint32 = 202
	ActionForceOrigPathUnlessChroot    uint32 = 203
	ActionMapTo                       uint32 = 210
	ActionReplaceBy                   uint32 = 211
	ActionMapToValueOfEnvVar          uint32 = 212
	ActionReplaceByValueOfEnvVar      uint32 = 213
	ActionSetPath                     uint32 = 214
	ActionConditionalActions          uint32 = 220
	ActionSubtree                     uint32 = 230
	ActionIfExistsThenMapTo           uint32 = 245
	ActionIfExistsThenReplaceBy       uint32 = 246
	ActionProcfs                      uint32 = 250
	ActionUnionDir                    uint32 = 251
)

// Condition types (spec.md §4.8 step 5).
const (
	ConditionIfActiveExecPolicyIs     uint32 = 301
	ConditionIfRedirectIgnoreIsActive uint32 = 302
	ConditionIfRedirectForceIsActive  uint32 = 303
	ConditionIfEnvVarIsNotEmpty       uint32 = 304
	ConditionIfEnvVarIsEmpty          uint32 = 305
)

// Rule flags (spec.md §4.8 step 7).
const (
	FlagReadOnly                    uint32 = 0x01
	FlagCallTranslateForAll         uint32 = 0x02
	FlagForceOrigPath               uint32 = 0x04
	FlagReadOnlyFsIfNotRoot         uint32 = 0x08
	FlagReadOnlyFsAlways            uint32 = 0x10
	FlagForceOrigPathUnlessChroot   uint32 = 0x20
)

// fsRuleSize: objHdr(8) + 12 u32 fields.
const fsRuleSize = objHdrSize + 12*4

// FsRule is the decoded view of one mapping rule.
type FsRule struct {
	Name             Offset
	SelectorType     uint32
	Selector         Offset
	ActionType       uint32
	Action           Offset
	RuleListLink     Offset
	ConditionType    uint32
	Condition        Offset
	Flags            uint32
	BinaryName       Offset
	FuncClassMask    uint32
	ExecPolicyName   Offset
}

// NewFsRule appends one mapping rule object.
func (s *Store) NewFsRule(r FsRule) (Offset, error) {
	buf := make([]byte, fsRuleSize)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Name))
	binary.LittleEndian.PutUint32(buf[12:16], r.SelectorType)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.Selector))
	binary.LittleEndian.PutUint32(buf[20:24], r.ActionType)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(r.Action))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(r.RuleListLink))
	binary.LittleEndian.PutUint32(buf[32:36], r.ConditionType)
	binary.LittleEndian.PutUint32(buf[36:40], uint32(r.Condition))
	binary.LittleEndian.PutUint32(buf[40:44], r.Flags)
	binary.LittleEndian.PutUint32(buf[44:48], uint32(r.BinaryName))
	binary.LittleEndian.PutUint32(buf[48:52], r.FuncClassMask)
	binary.LittleEndian.PutUint32(buf[52:56], uint32(r.ExecPolicyName))
	return s.appendRaw(buf, TypeFsRule)
}

// FsRuleAt decodes the rule at offs.
func (s *Store) FsRuleAt(offs Offset) (FsRule, bool) {
	if err := s.resolveHeader(offs, TypeFsRule); err != nil {
		return FsRule{}, false
	}
	o := uint32(offs)
	d := s.data
	return FsRule{
		Name:           Offset(binary.LittleEndian.Uint32(d[o+8 : o+12])),
		SelectorType:   binary.LittleEndian.Uint32(d[o+12 : o+16]),
		Selector:       Offset(binary.LittleEndian.Uint32(d[o+16 : o+20])),
		ActionType:     binary.LittleEndian.Uint32(d[o+20 : o+24]),
		Action:         Offset(binary.LittleEndian.Uint32(d[o+24 : o+28])),
		RuleListLink:   Offset(binary.LittleEndian.Uint32(d[o+28 : o+32])),
		ConditionType:  binary.LittleEndian.Uint32(d[o+32 : o+36]),
		Condition:      Offset(binary.LittleEndian.Uint32(d[o+36 : o+40])),
		Flags:          binary.LittleEndian.Uint32(d[o+40 : o+44]),
		BinaryName:     Offset(binary.LittleEndian.Uint32(d[o+44 : o+48])),
		FuncClassMask:  binary.LittleEndian.Uint32(d[o+48 : o+52]),
		ExecPolicyName: Offset(binary.LittleEndian.Uint32(d[o+52 : o+56])),
	}, true
}

// ---------------------------------------------------------------------
// Exec preprocessing rules
// ---------------------------------------------------------------------

// execPreprocRuleSize: objHdr(8) + 8 u32 fields.
const execPreprocRuleSize = objHdrSize + 8*4

// ExecPreprocRule is the decoded view of one per-binary argv/envp
// rewrite rule (spec.md §3, §4.9).
type ExecPreprocRule struct {
	BinaryName      Offset
	PathPrefixes    Offset // object list of strings
	AddHeadArgs     Offset // object list of strings
	AddOptions      Offset // object list of strings
	AddTailArgs     Offset // object list of strings
	RemoveArgs      Offset // object list of strings
	NewFilename     Offset // string, may be null
	DisableMapping  bool
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// NewExecPreprocRule appends an exec preprocessing rule.
func (s *Store) NewExecPreprocRule(r ExecPreprocRule) (Offset, error) {
	buf := make([]byte, execPreprocRuleSize)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.BinaryName))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(r.PathPrefixes))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.AddHeadArgs))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(r.AddOptions))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(r.AddTailArgs))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(r.RemoveArgs))
	binary.LittleEndian.PutUint32(buf[32:36], uint32(r.NewFilename))
	binary.LittleEndian.PutUint32(buf[36:40], boolToU32(r.DisableMapping))
	return s.appendRaw(buf, TypeExecPreprocRule)
}

// ExecPreprocRuleAt decodes the rule at offs.
func (s *Store) ExecPreprocRuleAt(offs Offset) (ExecPreprocRule, bool) {
	if err := s.resolveHeader(offs, TypeExecPreprocRule); err != nil {
		return ExecPreprocRule{}, false
	}
	o := uint32(offs)
	d := s.data
	return ExecPreprocRule{
		BinaryName:     Offset(binary.LittleEndian.Uint32(d[o+8 : o+12])),
		PathPrefixes:   Offset(binary.LittleEndian.Uint32(d[o+12 : o+16])),
		AddHeadArgs:    Offset(binary.LittleEndian.Uint32(d[o+16 : o+20])),
		AddOptions:     Offset(binary.LittleEndian.Uint32(d[o+20 : o+24])),
		AddTailArgs:    Offset(binary.LittleEndian.Uint32(d[o+24 : o+28])),
		RemoveArgs:     Offset(binary.LittleEndian.Uint32(d[o+28 : o+32])),
		NewFilename:    Offset(binary.LittleEndian.Uint32(d[o+32 : o+36])),
		DisableMapping: binary.LittleEndian.Uint32(d[o+36:o+40]) != 0,
	}, true
}

// ---------------------------------------------------------------------
// Exec-policy selection rules
// ---------------------------------------------------------------------

// Exec-policy selector rule types.
const (
	ExecPolicySelectByBinaryBasename  uint32 = 1
	ExecPolicySelectByFullPathPrefix  uint32 = 2
)

// execPolicySelRuleSize: objHdr(8) + 4 u32 fields.
const execPolicySelRuleSize = objHdrSize + 4*4

// ExecPolicySelRule picks an exec policy by binary name or path prefix.
type ExecPolicySelRule struct {
	RuleType   uint32
	Selector   Offset
	PolicyName Offset
	Flags      uint32
}

// NewExecPolicySelRule appends one exec-policy-selection rule.
func (s *Store) NewExecPolicySelRule(r ExecPolicySelRule) (Offset, error) {
	buf := make([]byte, execPolicySelRuleSize)
	binary.LittleEndian.PutUint32(buf[8:12], r.RuleType)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(r.Selector))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.PolicyName))
	binary.LittleEndian.PutUint32(buf[20:24], r.Flags)
	return s.appendRaw(buf, TypeExecPolicySelRule)
}

// ExecPolicySelRuleAt decodes the rule at offs.
func (s *Store) ExecPolicySelRuleAt(offs Offset) (ExecPolicySelRule, bool) {
	if err := s.resolveHeader(offs, TypeExecPolicySelRule); err != nil {
		return ExecPolicySelRule{}, false
	}
	o := uint32(offs)
	d := s.data
	return ExecPolicySelRule{
		RuleType:   binary.LittleEndian.Uint32(d[o+8 : o+12]),
		Selector:   Offset(binary.LittleEndian.Uint32(d[o+12 : o+16])),
		PolicyName: Offset(binary.LittleEndian.Uint32(d[o+16 : o+20])),
		Flags:      binary.LittleEndian.Uint32(d[o+20 : o+24]),
	}, true
}

// ---------------------------------------------------------------------
// Network rules (out of scope for the mapping engine itself, but part
// of the compiled rule-tree format — spec.md §3).
// ---------------------------------------------------------------------

const netRuleSize = objHdrSize + 11*4

// NetRuleType values.
const (
	NetRuleDeny  uint32 = 1
	NetRuleAllow uint32 = 2
	NetRuleNest  uint32 = 3
)

// NetRule is the decoded view of one network policy rule.
type NetRule struct {
	RuleType     uint32
	FunctionName Offset
	BinaryName   Offset
	Address      Offset
	Port         uint32
	NewAddress   Offset
	NewPort      uint32
	LogLevel     uint32
	LogMsg       Offset
	Errno        uint32
	NestedRules  Offset
}

// NewNetRule appends one network rule.
func (s *Store) NewNetRule(r NetRule) (Offset, error) {
	buf := make([]byte, netRuleSize)
	binary.LittleEndian.PutUint32(buf[8:12], r.RuleType)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(r.FunctionName))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.BinaryName))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(r.Address))
	binary.LittleEndian.PutUint32(buf[24:28], r.Port)
	binary.LittleEndian.PutUint32(buf[28:32], uint32(r.NewAddress))
	binary.LittleEndian.PutUint32(buf[32:36], r.NewPort)
	binary.LittleEndian.PutUint32(buf[36:40], r.LogLevel)
	binary.LittleEndian.PutUint32(buf[40:44], uint32(r.LogMsg))
	binary.LittleEndian.PutUint32(buf[44:48], r.Errno)
	binary.LittleEndian.PutUint32(buf[48:52], uint32(r.NestedRules))
	return s.appendRaw(buf, TypeNetRule)
}

// NetRuleAt decodes the rule at offs.
func (s *Store) NetRuleAt(offs Offset) (NetRule, bool) {
	if err := s.resolveHeader(offs, TypeNetRule); err != nil {
		return NetRule{}, false
	}
	o := uint32(offs)
	d := s.data
	return NetRule{
		RuleType:     binary.LittleEndian.Uint32(d[o+8 : o+12]),
		FunctionName: Offset(binary.LittleEndian.Uint32(d[o+12 : o+16])),
		BinaryName:   Offset(binary.LittleEndian.Uint32(d[o+16 : o+20])),
		Address:      Offset(binary.LittleEndian.Uint32(d[o+20 : o+24])),
		Port:         binary.LittleEndian.Uint32(d[o+24 : o+28]),
		NewAddress:   Offset(binary.LittleEndian.Uint32(d[o+28 : o+32])),
		NewPort:      binary.LittleEndian.Uint32(d[o+32 : o+36]),
		LogLevel:     binary.LittleEndian.Uint32(d[o+36 : o+40]),
		LogMsg:       Offset(binary.LittleEndian.Uint32(d[o+40 : o+44])),
		Errno:        binary.LittleEndian.Uint32(d[o+44 : o+48]),
		NestedRules:  Offset(binary.LittleEndian.Uint32(d[o+48 : o+52])),
	}, true
}

// ---------------------------------------------------------------------
// Bintree nodes (generic (key1,key2) -> value binary search tree,
// used by vperm to index inode-stat overlays by (dev,ino))
// ---------------------------------------------------------------------

// bintreeNodeSize: objHdr(8) + key1 u64(8) + key2 u64(8) + less(4) + more(4) + value(4)
const bintreeNodeSize = objHdrSize + 8 + 8 + 4 + 4 + 4

// BintreeNode is one node of an unbalanced binary search tree keyed by
// the pair (Key1, Key2) (dev, ino in vperm's usage), ordered first on
// Key1 then on Key2.
type BintreeNode struct {
	Key1  uint64
	Key2  uint64
	Less  Offset // left child: keys strictly less
	More  Offset // right child: keys strictly greater
	Value Offset
}

// NewBintreeNode appends a new leaf node (Less/More null).
func (s *Store) NewBintreeNode(key1, key2 uint64, value Offset) (Offset, error) {
	buf := make([]byte, bintreeNodeSize)
	binary.LittleEndian.PutUint64(buf[8:16], key1)
	binary.LittleEndian.PutUint64(buf[16:24], key2)
	binary.LittleEndian.PutUint32(buf[24:28], 0)
	binary.LittleEndian.PutUint32(buf[28:32], 0)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(value))
	return s.appendRaw(buf, TypeBintree)
}

// BintreeNodeAt decodes the node at offs.
func (s *Store) BintreeNodeAt(offs Offset) (BintreeNode, bool) {
	if err := s.resolveHeader(offs, TypeBintree); err != nil {
		return BintreeNode{}, false
	}
	o := uint32(offs)
	d := s.data
	return BintreeNode{
		Key1:  binary.LittleEndian.Uint64(d[o+8 : o+16]),
		Key2:  binary.LittleEndian.Uint64(d[o+16 : o+24]),
		Less:  Offset(binary.LittleEndian.Uint32(d[o+24 : o+28])),
		More:  Offset(binary.LittleEndian.Uint32(d[o+28 : o+32])),
		Value: Offset(binary.LittleEndian.Uint32(d[o+32 : o+36])),
	}, true
}

// SetBintreeLess links a node's left child (single-word write, used
// when inserting a new leaf under an existing node).
func (s *Store) SetBintreeLess(offs Offset, child Offset) error {
	if err := s.resolveHeader(offs, TypeBintree); err != nil {
		return err
	}
	s.storeU32(uint32(offs)+24, uint32(child))
	return nil
}

// SetBintreeMore links a node's right child.
func (s *Store) SetBintreeMore(offs Offset, child Offset) error {
	if err := s.resolveHeader(offs, TypeBintree); err != nil {
		return err
	}
	s.storeU32(uint32(offs)+28, uint32(child))
	return nil
}

// ---------------------------------------------------------------------
// Inode-stat overlay records (vperm)
// ---------------------------------------------------------------------

// Per-field active-mask bits (original_source/include/rule_tree_rpc.h:
// RULETREE_INODESTAT_SIM_*), recording which fields of an overlay are
// currently simulated so a reader only substitutes the fields actually
// set and falls through to the real inode's value otherwise.
const (
	InodeStatSimUID     uint32 = 0x01
	InodeStatSimGID     uint32 = 0x02
	InodeStatSimMode    uint32 = 0x04
	InodeStatSimSuidSgid uint32 = 0x08
	InodeStatSimDevNode uint32 = 0x10
)

// inodeStatSize: objHdr(8) + dev u64(8) + ino u64(8) + active_mask(4) +
// uid(4) + gid(4) + mode(4) + suid_sgid(4) + devmode(4) + rdev u64(8)
const inodeStatSize = objHdrSize + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4 + 8

// InodeStat is the decoded view of one simulated-inode-attribute
// overlay record.
type InodeStat struct {
	Dev         uint64
	Ino         uint64
	ActiveMask  uint32
	UID         uint32
	GID         uint32
	Mode        uint32
	SuidSgid    uint32
	DevMode     uint32
	RDev        uint64
}

// NewInodeStat appends a new, initially-empty (ActiveMask == 0) overlay
// record for (dev, ino).
func (s *Store) NewInodeStat(dev, ino uint64) (Offset, error) {
	buf := make([]byte, inodeStatSize)
	binary.LittleEndian.PutUint64(buf[8:16], dev)
	binary.LittleEndian.PutUint64(buf[16:24], ino)
	return s.appendRaw(buf, TypeInodeStat)
}

// InodeStatAt decodes the overlay record at offs.
func (s *Store) InodeStatAt(offs Offset) (InodeStat, bool) {
	if err := s.resolveHeader(offs, TypeInodeStat); err != nil {
		return InodeStat{}, false
	}
	o := uint32(offs)
	d := s.data
	return InodeStat{
		Dev:        binary.LittleEndian.Uint64(d[o+8 : o+16]),
		Ino:        binary.LittleEndian.Uint64(d[o+16 : o+24]),
		ActiveMask: s.loadU32(o + 24),
		UID:        s.loadU32(o + 28),
		GID:        s.loadU32(o + 32),
		Mode:       s.loadU32(o + 36),
		SuidSgid:   s.loadU32(o + 40),
		DevMode:    s.loadU32(o + 44),
		RDev:       binary.LittleEndian.Uint64(d[o+48 : o+56]),
	}, true
}

// inodeStatFieldOffset maps an active-mask bit to the byte offset (from
// the object's own start) of the field it governs.
func inodeStatFieldOffset(bit uint32) (uint32, bool) {
	switch bit {
	case InodeStatSimUID:
		return 28, true
	case InodeStatSimGID:
		return 32, true
	case InodeStatSimMode:
		return 36, true
	case InodeStatSimSuidSgid:
		return 40, true
	case InodeStatSimDevNode:
		return 44, true
	}
	return 0, false
}

// SetInodeStatField atomically writes a single field's value and sets
// its bit in the active mask. The active mask is updated last (and
// separately) so that a reader never observes a bit set for a field
// whose value hasn't landed yet — see spec.md §5.
func (s *Store) SetInodeStatField(offs Offset, bit uint32, value uint32) error {
	if err := s.resolveHeader(offs, TypeInodeStat); err != nil {
		return err
	}
	fieldOff, ok := inodeStatFieldOffset(bit)
	if !ok {
		return fmt.Errorf("ruletree: unknown inode-stat field bit 0x%x", bit)
	}
	o := uint32(offs)
	s.storeU32(o+fieldOff, value)
	mask := s.loadU32(o + 24)
	s.storeU32(o+24, mask|bit)
	return nil
}

// ClearInodeStatField clears a single field's bit in the active mask
// (the value underneath is left in place but no longer consulted).
func (s *Store) ClearInodeStatField(offs Offset, bit uint32) error {
	if err := s.resolveHeader(offs, TypeInodeStat); err != nil {
		return err
	}
	o := uint32(offs)
	mask := s.loadU32(o + 24)
	s.storeU32(o+24, mask&^bit)
	return nil
}

// ClearInodeStatAll clears every field's active bit in one write,
// releasing the overlay back to "real inode, unmodified" without
// deallocating the record (the store never frees objects).
func (s *Store) ClearInodeStatAll(offs Offset) error {
	if err := s.resolveHeader(offs, TypeInodeStat); err != nil {
		return err
	}
	s.storeU32(uint32(offs)+24, 0)
	return nil
}

// SetDevNode stores simulated device node info: devMode carries the
// simulated st_mode bits that select char/block device type, rdev
// carries the simulated st_rdev. It writes rdev, then devMode (each a
// single atomic store), then sets the active bit last.
func (s *Store) SetDevNode(offs Offset, devMode uint32, rdev uint64) error {
	if err := s.resolveHeader(offs, TypeInodeStat); err != nil {
		return err
	}
	o := uint32(offs)
	s.storeU64(o+48, rdev)
	s.storeU32(o+44, devMode)
	mask := s.loadU32(o + 24)
	s.storeU32(o+24, mask|InodeStatSimDevNode)
	return nil
}
