package execengine

import (
	"bufio"
	"os"
	"strings"
)

// readShebangLine reads the first line of path if it begins with
// "#!", matching the kernel's own binfmt_script recognition (spec.md
// §4.9's "the kernel would refuse to exec a script..."). Any read
// failure (not a regular file, permission denied, binary content) is
// treated as "no shebang", never surfaced to the caller — exec
// preprocessing degrades to "not a script" rather than failing the
// whole call.
func readShebangLine(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 256)
	prefix, err := r.Peek(2)
	if err != nil || string(prefix) != "#!" {
		return "", false
	}

	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}
