package writerd

import (
	"github.com/scratchbox2/sb2-engine/ruletree"
	"github.com/scratchbox2/sb2-engine/rpc"
)

// fieldMaskToRuletree translates an rpc.Field* bitmask into the
// matching ruletree.InodeStatSim* bitmask. The two are numerically
// identical by construction but kept as independently named constants
// on either side of the RPC boundary (see rpc.go's comment), so the
// translation is made explicit here rather than assumed.
func fieldMaskToRuletree(m uint32) uint32 {
	var out uint32
	if m&rpc.FieldUID != 0 {
		out |= ruletree.InodeStatSimUID
	}
	if m&rpc.FieldGID != 0 {
		out |= ruletree.InodeStatSimGID
	}
	if m&rpc.FieldMode != 0 {
		out |= ruletree.InodeStatSimMode
	}
	if m&rpc.FieldSuidSgid != 0 {
		out |= ruletree.InodeStatSimSuidSgid
	}
	if m&rpc.FieldDevNode != 0 {
		out |= ruletree.InodeStatSimDevNode
	}
	return out
}

// Handle dispatches one decoded RPC command against the daemon's
// rule-tree/vperm state, implementing rpc.Handler. This is
// spec.md §4.7 step 3's command switch.
func (d *Daemon) Handle(cmd rpc.Command) rpc.Reply {
	switch cmd.Type {
	case rpc.CmdPing:
		return rpc.Reply{Type: rpc.ReplyOK}

	case rpc.CmdInit2:
		msg, err := d.Phase2Init(nil)
		if err != nil {
			d.log.Errorf("phase-2 init failed: %v", err)
			return rpc.Reply{Type: rpc.ReplyFailed, Message: err.Error()}
		}
		return rpc.Reply{Type: rpc.ReplyMessage, Message: msg}

	case rpc.CmdSetFileInfo:
		fi := cmd.FileInfo
		mask := fieldMaskToRuletree(fi.ActiveMask)
		var err error
		if mask&ruletree.InodeStatSimUID != 0 {
			err = d.vperm.SetUID(fi.Dev, fi.Ino, fi.UID)
		}
		if err == nil && mask&ruletree.InodeStatSimGID != 0 {
			err = d.vperm.SetGID(fi.Dev, fi.Ino, fi.GID)
		}
		if err == nil && mask&ruletree.InodeStatSimMode != 0 {
			err = d.vperm.SetMode(fi.Dev, fi.Ino, fi.Mode)
		}
		if err == nil && mask&ruletree.InodeStatSimSuidSgid != 0 {
			err = d.vperm.SetSuidSgid(fi.Dev, fi.Ino, fi.SuidSgid)
		}
		if err == nil && mask&ruletree.InodeStatSimDevNode != 0 {
			err = d.vperm.SetDevNode(fi.Dev, fi.Ino, fi.DevMode, fi.RDev)
		}
		if err != nil {
			d.log.Errorf("SETFILEINFO failed for dev=%d ino=%d: %v", fi.Dev, fi.Ino, err)
			return rpc.Reply{Type: rpc.ReplyFailed, Message: err.Error()}
		}
		return rpc.Reply{Type: rpc.ReplyOK}

	case rpc.CmdReleaseFileInfo:
		fi := cmd.FileInfo
		mask := fieldMaskToRuletree(fi.ActiveMask)
		for _, bit := range []uint32{
			ruletree.InodeStatSimUID, ruletree.InodeStatSimGID, ruletree.InodeStatSimMode,
			ruletree.InodeStatSimSuidSgid, ruletree.InodeStatSimDevNode,
		} {
			if mask&bit == 0 {
				continue
			}
			if err := d.vperm.Release(fi.Dev, fi.Ino, bit); err != nil {
				d.log.Errorf("RELEASEFILEINFO failed for dev=%d ino=%d: %v", fi.Dev, fi.Ino, err)
				return rpc.Reply{Type: rpc.ReplyFailed, Message: err.Error()}
			}
		}
		return rpc.Reply{Type: rpc.ReplyOK}

	case rpc.CmdClearFileInfo:
		fi := cmd.FileInfo
		if err := d.vperm.Clear(fi.Dev, fi.Ino); err != nil {
			d.log.Errorf("CLEARFILEINFO failed for dev=%d ino=%d: %v", fi.Dev, fi.Ino, err)
			return rpc.Reply{Type: rpc.ReplyFailed, Message: err.Error()}
		}
		return rpc.Reply{Type: rpc.ReplyOK}

	default:
		return rpc.Reply{Type: rpc.ReplyUnknownCmd}
	}
}
