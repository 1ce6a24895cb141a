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

// Package catalog implements SB2's rule-tree catalog (spec.md C4): a
// simple multimap of string names to object offsets, layered directly
// on top of package ruletree's linked-list catalog-entry objects.
// Catalogs nest: a catalog entry's value may itself be another
// catalog, which is how the rule-tree's name hierarchy (e.g.
// "config" -> "active_exec_policy" -> <string>) is built.
//
// Lookups never lock: they walk an immutable-once-linked chain of
// entries (spec.md §5). Only Set, called exclusively by the writer
// daemon, appends new entries or overlays an existing one's value.
package catalog

import (
	"github.com/pkg/errors"

	"github.com/scratchbox2/sb2-engine/ruletree"
)

// Get walks the catalog at catalogOffs looking for an entry named
// name, returning its value offset. Duplicate names are permitted (the
// multimap semantics spec.md's data model calls for); Get returns the
// first (most recently linked) match.
func Get(s *ruletree.Store, catalogOffs ruletree.Offset, name string) (ruletree.Offset, bool) {
	for cur := catalogOffs; cur != 0; {
		entry, ok := s.CatalogEntryAt(cur)
		if !ok {
			return 0, false
		}
		entryName, ok := s.StringAt(entry.Name)
		if ok && entryName == name {
			return entry.Value, true
		}
		cur = entry.Next
	}
	return 0, false
}

// GetAll returns every value offset stored under name in the catalog,
// in linkage order (most recent first).
func GetAll(s *ruletree.Store, catalogOffs ruletree.Offset, name string) []ruletree.Offset {
	var out []ruletree.Offset
	for cur := catalogOffs; cur != 0; {
		entry, ok := s.CatalogEntryAt(cur)
		if !ok {
			break
		}
		entryName, ok := s.StringAt(entry.Name)
		if ok && entryName == name {
			out = append(out, entry.Value)
		}
		cur = entry.Next
	}
	return out
}

// GetString is a convenience wrapper for the common case of a catalog
// entry whose value is itself a string object.
func GetString(s *ruletree.Store, catalogOffs ruletree.Offset, name string) (string, bool) {
	v, ok := Get(s, catalogOffs, name)
	if !ok {
		return "", false
	}
	return s.StringAt(v)
}

// GetUint32 is a convenience wrapper for an entry whose value is a
// uint32 scalar.
func GetUint32(s *ruletree.Store, catalogOffs ruletree.Offset, name string) (uint32, bool) {
	v, ok := Get(s, catalogOffs, name)
	if !ok {
		return 0, false
	}
	return s.Uint32At(v)
}

// GetBoolean is a convenience wrapper for an entry whose value is a
// boolean scalar.
func GetBoolean(s *ruletree.Store, catalogOffs ruletree.Offset, name string) (bool, bool) {
	v, ok := Get(s, catalogOffs, name)
	if !ok {
		return false, false
	}
	return s.BooleanAt(v)
}

// Set links a new name->value entry onto the head of catalogOffs's
// chain, or — if overwrite is true and an entry named name already
// exists — overlays its value in place instead of appending a
// duplicate. It returns the (possibly unchanged) head offset of the
// catalog; callers that hold the catalog's offset in another object
// (e.g. a parent catalog entry, or the rule tree's root_catalog field)
// must republish it themselves if the head changed.
//
// Set is writer-only; it is invalid to call it against a read-only
// Store (package ruletree enforces this at the append layer).
func Set(s *ruletree.Store, catalogOffs ruletree.Offset, name string, value ruletree.Offset, overwrite bool) (ruletree.Offset, error) {
	if overwrite {
		for cur := catalogOffs; cur != 0; {
			entry, ok := s.CatalogEntryAt(cur)
			if !ok {
				return 0, errors.Errorf("catalog: corrupt chain at offset %d", cur)
			}
			entryName, ok := s.StringAt(entry.Name)
			if ok && entryName == name {
				if err := s.SetCatalogEntryValue(cur, value); err != nil {
					return 0, errors.Wrap(err, "catalog: overlay value")
				}
				return catalogOffs, nil
			}
			cur = entry.Next
		}
	}

	nameOffs, err := s.WriteString(name)
	if err != nil {
		return 0, errors.Wrap(err, "catalog: write name")
	}
	newHead, err := s.NewCatalogEntry(nameOffs, value, catalogOffs)
	if err != nil {
		return 0, errors.Wrap(err, "catalog: append entry")
	}
	return newHead, nil
}

// SetString is a convenience wrapper that writes str as a string
// object and links it under name.
func SetString(s *ruletree.Store, catalogOffs ruletree.Offset, name, str string, overwrite bool) (ruletree.Offset, error) {
	v, err := s.WriteString(str)
	if err != nil {
		return 0, errors.Wrap(err, "catalog: write string value")
	}
	return Set(s, catalogOffs, name, v, overwrite)
}

// SetUint32 is a convenience wrapper that writes v as a uint32 scalar
// and links it under name.
func SetUint32(s *ruletree.Store, catalogOffs ruletree.Offset, name string, v uint32, overwrite bool) (ruletree.Offset, error) {
	vo, err := s.WriteUint32(v)
	if err != nil {
		return 0, errors.Wrap(err, "catalog: write uint32 value")
	}
	return Set(s, catalogOffs, name, vo, overwrite)
}

// NewCatalog creates an empty catalog (the null offset is itself a
// valid empty catalog — Get/Set both treat 0 as "no entries" — so this
// helper exists mainly for readability at call sites that want an
// explicit "start a new sub-catalog" moment).
func NewCatalog() ruletree.Offset {
	return 0
}

// Names returns the distinct entry names reachable from catalogOffs,
// in linkage order, for diagnostic/dump purposes (see cmd/sb2-ruletree).
func Names(s *ruletree.Store, catalogOffs ruletree.Offset) []string {
	seen := make(map[string]bool)
	var out []string
	for cur := catalogOffs; cur != 0; {
		entry, ok := s.CatalogEntryAt(cur)
		if !ok {
			break
		}
		name, ok := s.StringAt(entry.Name)
		if ok && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
		cur = entry.Next
	}
	return out
}
