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

// Package pathnorm collapses "." and ".." and redundant separators in a
// path, resolving it to absolute form using a supplied working
// directory. It is purely lexical: it never touches the filesystem, and
// in particular never follows symlinks (that's a job for an explicit
// realpath-style routine, used only where rule matching demands
// canonical form per spec.md §4.2/§9) — no such routine is implemented
// in this package, which stays purely lexical.
package pathnorm

import "strings"

// Normalize collapses redundant separators and "."/".." components in
// path, prefixing it with cwd first if path is not already absolute.
// The result always begins with "/".
//
// Guarantee: Normalize(Normalize(P, W), W) == Normalize(P, W) for any
// P and W.
func Normalize(path, cwd string) string {
	if path == "" {
		return cwd
	}

	var full string
	if strings.HasPrefix(path, "/") {
		full = path
	} else {
		full = cwd + "/" + path
	}

	components := strings.Split(full, "/")
	stack := make([]string, 0, len(components))

	for _, c := range components {
		switch c {
		case "", ".":
			continue
		case "..":
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		default:
			stack = append(stack, c)
		}
	}

	if len(stack) == 0 {
		return "/"
	}

	return "/" + strings.Join(stack, "/")
}

// IsAbs reports whether path is already an absolute path (begins with
// "/"); a thin, allocation-free helper used by callers that need to
// decide whether to even invoke Normalize.
func IsAbs(path string) bool {
	return strings.HasPrefix(path, "/")
}

// Split breaks path into its non-empty components, post-normalization.
// Useful to callers that need to walk a normalized path component by
// component (e.g. the rule-matching DIR selector).
func Split(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// Dir returns the normalized parent directory of path ("/" if path is
// already the root).
func Dir(path string) string {
	parts := Split(path)
	if len(parts) <= 1 {
		return "/"
	}
	return "/" + strings.Join(parts[:len(parts)-1], "/")
}
