package mapping

import (
	"os"
	"path/filepath"

	mapset "github.com/deckarep/golang-set"
	"github.com/karrick/godirwalk"

	"github.com/scratchbox2/sb2-engine/ruletree"
	"github.com/scratchbox2/sb2-engine/utils"
)

// unionDirCacheDir is the per-session directory synthesized union
// directories live under (spec.md §4.8.1): readdir() on the virtual
// directory enumerates placeholder files here. Opening one of them
// reaches its real source only through an ordinary MAP_TO/REPLACE_BY
// rule in the session's rules; neither this package nor session
// bring-up installs such a rule.
const unionDirCacheDir = ".sb2-union"

// unionDirPath returns the synthesized placeholder directory's path
// for rule, materializing it (idempotently) on first use. The rule's
// Action string holds a newline-free, colon-separated list of source
// directories (original_source/rule_tree/rule_tree_rpc_build.c encodes
// a UNION_DIR's sources the same way in its on-disk rule list).
func (e *Engine) unionDirPath(ctx Context, rule ruletree.FsRule, path string) string {
	sourcesText := e.actionText(rule)
	sources := splitSources(sourcesText)
	// Shallowest sources first, so the walk order is deterministic.
	utils.FilepathSort(sources)

	dest := filepath.Join(ctx.SessionDir, unionDirCacheDir, unionDirName(path))
	if err := e.materializeUnionDir(dest, sources); err != nil {
		e.log.Warningf("mapping: union dir %q: %v", dest, err)
	}
	return dest
}

func unionDirName(path string) string {
	h := uint32(2166136261)
	for i := 0; i < len(path); i++ {
		h ^= uint32(path[i])
		h *= 16777619
	}
	return filepath.Base(path) + "-" + itoaHex(h)
}

func itoaHex(v uint32) string {
	const digits = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

func splitSources(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// materializeUnionDir creates dest (if it doesn't already exist) and
// populates it with zero-byte placeholder files named after every
// top-level entry found across sources; a name present in several
// sources yields a single placeholder. Entries already
// present from a previous call are left alone: sources are expected to
// be stable for the life of a session (spec.md §4.8.1).
func (e *Engine) materializeUnionDir(dest string, sources []string) error {
	existing := mapset.NewSet()
	if entries, err := os.ReadDir(dest); err == nil {
		for _, ent := range entries {
			existing.Add(ent.Name())
		}
	} else if err := os.MkdirAll(dest, 0755); err != nil {
		return err
	}

	names := mapset.NewSet()
	for _, src := range sources {
		_ = godirwalk.Walk(src, &godirwalk.Options{
			Callback: func(osPathname string, de *godirwalk.Dirent) error {
				if osPathname == src {
					return nil
				}
				names.Add(filepath.Base(osPathname))
				if de.IsDir() {
					return filepath.SkipDir
				}
				return nil
			},
			Unsorted: true,
		})
	}

	for name := range names.Iter() {
		n := name.(string)
		if existing.Contains(n) {
			continue
		}
		placeholder := filepath.Join(dest, n)
		f, err := os.OpenFile(placeholder, os.O_CREATE|os.O_EXCL, 0644)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return err
		}
		f.Close()
	}

	return nil
}
