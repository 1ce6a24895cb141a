package session

import "strings"

// DefaultIdentity is the decoded form of SBOX_VPERM_REQUEST (spec.md
// §6), e.g. "u0:0:0:0,g0:0:0:0,f0.0" (fakeroot's default request, per
// original_source/wrappers/fakeroot.c). The wire format has no
// associated inode (unlike an RPC SETFILEINFO, which always names a
// (dev,ino)); it instead seeds the *default* identity new vperm
// records are born with when the session's "appear as root" wrappers
// (chroot-uid, fakeroot) create them. This resolves an Open Question
// spec.md §9 leaves to the implementation: original_source never
// surfaced the consumer of this string, only its producer — see
// DESIGN.md.
//
// Token kinds:
//
//	u<...>:<sim_uid>                             - 'u' sets the simulated uid
//	                                                from its last field
//	g<...>:<sim_gid>                             - 'g' sets the simulated gid
//	                                                from its last field
//	f<suid>.<sgid>                               - simulated setuid/setgid bits
type DefaultIdentity struct {
	HasUID   bool
	UID      uint32
	HasGID   bool
	GID      uint32
	HasSuid  bool
	Suid     bool
	Sgid     bool
}

// ParseVpermRequest decodes s into a DefaultIdentity. Malformed tokens
// are skipped rather than treated as fatal — spec.md §7's propagation
// policy ("errors inside the mapping path never abort the calling
// process") extends to this best-effort seed parse.
func ParseVpermRequest(s string) DefaultIdentity {
	var id DefaultIdentity
	for _, tok := range strings.Split(s, ",") {
		if tok == "" {
			continue
		}
		kind := tok[0]
		rest := tok[1:]
		switch kind {
		case 'u', 'g':
			fields := strings.Split(rest, ":")
			if len(fields) == 0 {
				continue
			}
			// The last colon-separated field is the simulated id this
			// request wants new files to carry; any leading fields
			// (real uid/gid range bounds in the original's richer
			// token grammar) are accepted but not otherwise acted on.
			last := fields[len(fields)-1]
			v, err := parseUint32(last)
			if err != nil {
				continue
			}
			if kind == 'u' {
				id.HasUID = true
				id.UID = v
			} else {
				id.HasGID = true
				id.GID = v
			}
		case 'f':
			bits := strings.SplitN(rest, ".", 2)
			if len(bits) != 2 {
				continue
			}
			suid, err1 := parseUint32(bits[0])
			sgid, err2 := parseUint32(bits[1])
			if err1 != nil || err2 != nil {
				continue
			}
			id.HasSuid = true
			id.Suid = suid != 0
			id.Sgid = sgid != 0
		}
	}
	return id
}
