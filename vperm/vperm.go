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

// Package vperm implements SB2's inode-stat overlay (spec.md C5): a
// bintree, keyed by (dev, ino), of simulated uid/gid/mode/devnode
// attributes layered on top of the real filesystem's stat() result.
// Find is the hot path, called from every stat()/lstat() preload
// wrapper, and never locks (it only walks a tree whose nodes, once
// linked, are never unlinked — spec.md §5). Only the writer daemon
// (package writerd, via the RPC handlers grounded on
// original_source/rule_tree/rule_tree_rpc_client.c) calls Set/Release.
package vperm

import (
	"github.com/pkg/errors"

	"github.com/scratchbox2/sb2-engine/ruletree"
)

// Overlay is the resolved view callers should apply on top of a real
// struct stat: ActiveMask is the subset of fields actually simulated (see
// ruletree.InodeStatSim* bits), the rest should be left untouched.
type Overlay = ruletree.InodeStat

// Find walks the bintree rooted at root looking for the node keyed by
// (dev, ino), returning its decoded overlay. ok is false if no node
// exists for that key (the common case: most inodes are never
// touched by setuid/mknod emulation).
func Find(s *ruletree.Store, root ruletree.Offset, dev, ino uint64) (Overlay, bool) {
	cur := root
	for cur != 0 {
		node, ok := s.BintreeNodeAt(cur)
		if !ok {
			return Overlay{}, false
		}
		switch {
		case dev < node.Key1 || (dev == node.Key1 && ino < node.Key2):
			cur = node.Less
		case dev > node.Key1 || (dev == node.Key1 && ino > node.Key2):
			cur = node.More
		default:
			stat, ok := s.InodeStatAt(node.Value)
			return stat, ok
		}
	}
	return Overlay{}, false
}

// findNode is Find's internal counterpart, returning the bintree node
// offset itself (rather than its decoded value) so Set can link a new
// child under it, or the parent node's offset plus which side a new
// leaf would need to be grafted onto if the key isn't present yet.
func findNode(s *ruletree.Store, root ruletree.Offset, dev, ino uint64) (nodeOffs ruletree.Offset, found bool) {
	cur := root
	for cur != 0 {
		node, ok := s.BintreeNodeAt(cur)
		if !ok {
			return 0, false
		}
		switch {
		case dev < node.Key1 || (dev == node.Key1 && ino < node.Key2):
			if node.Less == 0 {
				return cur, false
			}
			cur = node.Less
		case dev > node.Key1 || (dev == node.Key1 && ino > node.Key2):
			if node.More == 0 {
				return cur, false
			}
			cur = node.More
		default:
			return cur, true
		}
	}
	return 0, false
}

// Tree is a writer-side handle on the bintree's root plus the
// rule-tree's global active-inode-stat counter, both published through
// the session catalog under well-known names so every attaching
// process (reader or writer) can find them.
type Tree struct {
	store     *ruletree.Store
	rootSlot  ruletree.Offset // offset of a uint32 scalar holding the tree's root node offset
	countSlot ruletree.Offset // offset of a uint32 scalar: number of inode-stats with a non-empty active mask
}

// NewTree creates the two published scalars a fresh session needs:
// the bintree root pointer (initially null) and the active-count fast
// path (initially zero). writerd's phase-1 init publishes the returned
// slots' offsets in the root catalog under
// "vperm_root_slot"/"vperm_count_slot".
func NewTree(s *ruletree.Store) (*Tree, error) {
	rootSlot, err := s.WriteUint32(0)
	if err != nil {
		return nil, errors.Wrap(err, "vperm: allocate root slot")
	}
	countSlot, err := s.WriteUint32(0)
	if err != nil {
		return nil, errors.Wrap(err, "vperm: allocate count slot")
	}
	return &Tree{store: s, rootSlot: rootSlot, countSlot: countSlot}, nil
}

// OpenTree attaches to an existing tree's published slots (used by
// readers and by the writer daemon on restart).
func OpenTree(s *ruletree.Store, rootSlot, countSlot ruletree.Offset) *Tree {
	return &Tree{store: s, rootSlot: rootSlot, countSlot: countSlot}
}

// RootSlot and CountSlot expose the published scalar offsets so
// callers (package writerd) can store them in the catalog.
func (t *Tree) RootSlot() ruletree.Offset  { return t.rootSlot }
func (t *Tree) CountSlot() ruletree.Offset { return t.countSlot }

// ActiveCount is the fast-path hint spec.md §4.5 calls for: if it's
// zero, no inode anywhere has a simulated attribute, and every
// stat()/lstat() wrapper can skip the Find call entirely.
func (t *Tree) ActiveCount() uint32 {
	v, _ := t.store.Uint32At(t.countSlot)
	return v
}

func (t *Tree) root() ruletree.Offset {
	v, _ := t.store.Uint32At(t.rootSlot)
	return ruletree.Offset(v)
}

// Find looks up the overlay for (dev, ino) using this tree's current
// root.
func (t *Tree) Find(dev, ino uint64) (Overlay, bool) {
	if t.ActiveCount() == 0 {
		return Overlay{}, false
	}
	return Find(t.store, t.root(), dev, ino)
}

// nodeFor returns the bintree node offset for (dev, ino), creating one
// (with a fresh, all-zero inode-stat record) and linking it into the
// tree if it doesn't exist yet.
func (t *Tree) nodeFor(dev, ino uint64) (ruletree.Offset, error) {
	root := t.root()
	if root == 0 {
		value, err := t.store.NewInodeStat(dev, ino)
		if err != nil {
			return 0, err
		}
		node, err := t.store.NewBintreeNode(dev, ino, value)
		if err != nil {
			return 0, err
		}
		if err := t.store.SetUint32At(t.rootSlot, uint32(node)); err != nil {
			return 0, err
		}
		return node, nil
	}

	parent, found := findNode(t.store, root, dev, ino)
	if found {
		return parent, nil
	}

	value, err := t.store.NewInodeStat(dev, ino)
	if err != nil {
		return 0, err
	}
	child, err := t.store.NewBintreeNode(dev, ino, value)
	if err != nil {
		return 0, err
	}

	parentNode, _ := t.store.BintreeNodeAt(parent)
	if dev < parentNode.Key1 || (dev == parentNode.Key1 && ino < parentNode.Key2) {
		if err := t.store.SetBintreeLess(parent, child); err != nil {
			return 0, err
		}
	} else {
		if err := t.store.SetBintreeMore(parent, child); err != nil {
			return 0, err
		}
	}
	return child, nil
}

// bumpActiveCount atomically adjusts the active-inode-stat counter by
// delta; called whenever a set/release transitions a record between
// "all fields inactive" and "at least one field active".
func (t *Tree) bumpActiveCount(delta int32) {
	for {
		cur, _ := t.store.Uint32At(t.countSlot)
		var next uint32
		if delta < 0 {
			if cur == 0 {
				return
			}
			next = cur - 1
		} else {
			next = cur + 1
		}
		// Store is append-only/single-writer for this field; a plain
		// overwrite is safe because writerd serializes all vperm RPC
		// handling on one goroutine (spec.md §4.3/§5).
		if err := t.store.SetUint32At(t.countSlot, next); err == nil {
			return
		}
	}
}

// SetUID publishes a simulated uid for (dev, ino) (ruletree_rpc__vperm_set_ids
// sets uid and gid together; this package splits them so callers that
// only change one need not resend the other — writerd's Daemon.Handle
// calls both from one RPC command).
func (t *Tree) SetUID(dev, ino uint64, uid uint32) error {
	return t.setField(dev, ino, ruletree.InodeStatSimUID, uid)
}

// SetGID publishes a simulated gid for (dev, ino).
func (t *Tree) SetGID(dev, ino uint64, gid uint32) error {
	return t.setField(dev, ino, ruletree.InodeStatSimGID, gid)
}

// SetMode publishes a simulated mode for (dev, ino).
func (t *Tree) SetMode(dev, ino uint64, mode uint32) error {
	return t.setField(dev, ino, ruletree.InodeStatSimMode, mode)
}

// SetSuidSgid publishes simulated setuid/setgid bits for (dev, ino),
// tracked separately from Mode so a later mode change doesn't clobber
// them (mirrors the original's separate active-mask bit).
func (t *Tree) SetSuidSgid(dev, ino uint64, bits uint32) error {
	return t.setField(dev, ino, ruletree.InodeStatSimSuidSgid, bits)
}

// SetDevNode publishes a simulated device node (mknod emulation): a
// regular file or directory masquerading as a char/block device.
func (t *Tree) SetDevNode(dev, ino uint64, devMode uint32, rdev uint64) error {
	node, err := t.nodeFor(dev, ino)
	if err != nil {
		return errors.Wrap(err, "vperm: allocate node")
	}
	bn, _ := t.store.BintreeNodeAt(node)
	before, _ := t.store.InodeStatAt(bn.Value)
	wasActive := before.ActiveMask != 0

	if err := t.store.SetDevNode(bn.Value, devMode, rdev); err != nil {
		return err
	}
	if !wasActive {
		t.bumpActiveCount(1)
	}
	return nil
}

func (t *Tree) setField(dev, ino uint64, bit uint32, value uint32) error {
	node, err := t.nodeFor(dev, ino)
	if err != nil {
		return errors.Wrap(err, "vperm: allocate node")
	}
	bn, _ := t.store.BintreeNodeAt(node)
	before, _ := t.store.InodeStatAt(bn.Value)
	wasActive := before.ActiveMask != 0

	if err := t.store.SetInodeStatField(bn.Value, bit, value); err != nil {
		return err
	}
	if !wasActive {
		t.bumpActiveCount(1)
	}
	return nil
}

// Release clears one simulated field for (dev, ino) (a no-op if the
// node doesn't exist or the field was already inactive).
func (t *Tree) Release(dev, ino uint64, bit uint32) error {
	node, found := findNode(t.store, t.root(), dev, ino)
	if !found {
		return nil
	}
	bn, _ := t.store.BintreeNodeAt(node)
	before, _ := t.store.InodeStatAt(bn.Value)
	if before.ActiveMask&bit == 0 {
		return nil
	}

	if err := t.store.ClearInodeStatField(bn.Value, bit); err != nil {
		return err
	}
	after, _ := t.store.InodeStatAt(bn.Value)
	if after.ActiveMask == 0 {
		t.bumpActiveCount(-1)
	}
	return nil
}

// Clear drops every simulated field for (dev, ino) at once
// (RULETREE_RPC_CMD_CLEARFILEINFO in the original protocol).
func (t *Tree) Clear(dev, ino uint64) error {
	node, found := findNode(t.store, t.root(), dev, ino)
	if !found {
		return nil
	}
	bn, _ := t.store.BintreeNodeAt(node)
	before, _ := t.store.InodeStatAt(bn.Value)
	if before.ActiveMask == 0 {
		return nil
	}
	if err := t.store.ClearInodeStatAll(bn.Value); err != nil {
		return err
	}
	t.bumpActiveCount(-1)
	return nil
}
