package capability

import (
	"os"
	"testing"
)

func TestHasVpermBypassCapsShape(t *testing.T) {
	have, err := HasVpermBypassCaps(os.Getpid())
	if err != nil {
		t.Fatalf("HasVpermBypassCaps: %v", err)
	}
	if len(have) != len(VpermBypassCaps) {
		t.Fatalf("len(have) = %d, want %d", len(have), len(VpermBypassCaps))
	}
}
