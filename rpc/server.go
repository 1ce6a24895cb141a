package rpc

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Handler dispatches a decoded command to the writer daemon's state
// and returns the reply to send back. Implemented by package writerd;
// kept as an interface here so package rpc has no dependency on
// package ruletree/vperm.
type Handler interface {
	Handle(cmd Command) Reply
}

// Server is the writer daemon's side of the RPC transport: one
// datagram socket at <session_dir>/sb2d-sock.d/ssock, torn down when
// that file is removed (observed via inotify), per spec.md §4.6.
type Server struct {
	sessionDir string
	addr       string
	fd         int
	inotifyFd  int
	watchDir   string
}

// NewServer creates (but does not yet bind) a server socket for
// sessionDir.
func NewServer(sessionDir string) *Server {
	return &Server{
		sessionDir: sessionDir,
		addr:       ServerAddr(sessionDir),
		fd:         -1,
		inotifyFd:  -1,
	}
}

// Listen binds the server socket and arms the inotify watch on its
// parent directory.
func (srv *Server) Listen() error {
	srv.watchDir = filepath.Dir(srv.addr)
	if err := os.MkdirAll(srv.watchDir, 0700); err != nil {
		return errors.Wrap(err, "rpc: mkdir socket dir")
	}
	os.Remove(srv.addr)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return errors.Wrap(err, "rpc: socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: srv.addr}); err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "rpc: bind %s", srv.addr)
	}
	srv.fd = fd

	inFd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "rpc: inotify_init1")
	}
	if _, err := unix.InotifyAddWatch(inFd, srv.watchDir, unix.IN_DELETE); err != nil {
		unix.Close(fd)
		unix.Close(inFd)
		return errors.Wrapf(err, "rpc: inotify_add_watch %s", srv.watchDir)
	}
	srv.inotifyFd = inFd

	return nil
}

// Close releases the server's socket and inotify fds (but does not
// remove the socket file — callers that want a clean shutdown do that
// explicitly, since during normal operation it's the *removal* of the
// socket file that signals shutdown in the first place).
func (srv *Server) Close() error {
	var err error
	if srv.fd >= 0 {
		if e := unix.Close(srv.fd); e != nil {
			err = e
		}
		srv.fd = -1
	}
	if srv.inotifyFd >= 0 {
		if e := unix.Close(srv.inotifyFd); e != nil && err == nil {
			err = e
		}
		srv.inotifyFd = -1
	}
	return err
}

// Serve runs the select/poll loop: dispatch commands to handler until
// the session socket directory reports a DELETE event for ssock, or
// stop is closed.
func (srv *Server) Serve(handler Handler, stop <-chan struct{}) error {
	pollFds := []unix.PollFd{
		{Fd: int32(srv.fd), Events: unix.POLLIN},
		{Fd: int32(srv.inotifyFd), Events: unix.POLLIN},
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.Poll(pollFds, 1000)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrap(err, "rpc: poll")
		}
		if n == 0 {
			continue
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			shutdown, err := srv.drainInotify()
			if err != nil {
				return err
			}
			if shutdown {
				return nil
			}
		}

		if pollFds[0].Revents&unix.POLLIN != 0 {
			if err := srv.handleOne(handler); err != nil {
				return err
			}
		}
	}
}

// drainInotify reads pending inotify events and reports whether any of
// them was a DELETE of the server socket's basename — the session
// teardown signal.
func (srv *Server) drainInotify() (shutdown bool, err error) {
	buf := make([]byte, 4096)
	n, err := unix.Read(srv.inotifyFd, buf)
	if err != nil {
		return false, errors.Wrap(err, "rpc: read inotify")
	}
	target := filepath.Base(srv.addr)

	off := 0
	for off+unix.SizeofInotifyEvent <= n {
		raw := buf[off : off+unix.SizeofInotifyEvent]
		nameLen := binary.LittleEndian.Uint32(raw[unix.SizeofInotifyEvent-4:])
		nameStart := off + unix.SizeofInotifyEvent
		nameEnd := nameStart + int(nameLen)
		if nameEnd > n {
			break
		}
		name := cString(buf[nameStart:nameEnd])
		if name == target {
			shutdown = true
		}
		off = nameEnd
	}
	return shutdown, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// handleOne reads one datagram, dispatches it, and sends the reply
// back to the sender's address.
func (srv *Server) handleOne(handler Handler) error {
	buf := make([]byte, CommandWireSize)
	n, from, err := unix.Recvfrom(srv.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return nil
		}
		return errors.Wrap(err, "rpc: recvfrom")
	}

	cmd, err := UnmarshalCommand(buf[:n])
	var reply Reply
	if err != nil {
		reply = Reply{Type: ReplyFailed, Message: err.Error()}
	} else if cmd.Version != ProtocolVersion {
		reply = Reply{Version: ProtocolVersion, Serial: cmd.Serial, Type: ReplyProtoVersionErr}
	} else {
		reply = handler.Handle(cmd)
		reply.Version = ProtocolVersion
		reply.Serial = cmd.Serial
	}

	sa, ok := from.(*unix.SockaddrUnix)
	if !ok || sa.Name == "" {
		// Can't address the sender (no bound client address); drop the
		// reply rather than guessing, matching spec.md §7's "degrade,
		// don't crash" policy. Such a sender receives no reply.
		return nil
	}
	return unix.Sendto(srv.fd, reply.Marshal(), 0, sa)
}
