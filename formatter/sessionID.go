package formatter

import "github.com/docker/docker/pkg/stringid"

// SessionID formats a session directory path for log lines: a short
// form for routine log lines, with the full path available when a
// reader needs to go find the directory on disk.
type SessionID struct {
	ID string
}

func (sid SessionID) ShortID() string {
	return stringid.TruncateID(sid.ID)
}

func (sid SessionID) LongID() string {
	return sid.ID
}

func (sid SessionID) String() string {
	return sid.ShortID()
}
