package rpc

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ClientSocketDir is the subdirectory of a session directory that
// holds each client process's own addressable datagram socket
// (spec.md §6: "<session_dir>/sock/<pid>").
const ClientSocketDir = "sock"

// ServerSocketDir and ServerSocketName locate the server's datagram
// socket (spec.md §6: "<session_dir>/sb2d-sock.d/ssock").
const (
	ServerSocketDir  = "sb2d-sock.d"
	ServerSocketName = "ssock"
)

// ServerAddr returns the server socket path for a given session dir.
func ServerAddr(sessionDir string) string {
	return filepath.Join(sessionDir, ServerSocketDir, ServerSocketName)
}

// ClientAddr returns the deterministic per-pid client socket path for
// a given session dir.
func ClientAddr(sessionDir string, pid int) string {
	return filepath.Join(sessionDir, ClientSocketDir, fmt.Sprintf("%d", pid))
}

// Client is a session RPC client: one datagram socket, bound to this
// process's own address so the server's reply can find its way back,
// serialized by a mutex so only one goroutine is ever mid-exchange —
// mirroring original_source/rule_tree/rule_tree_rpc_client.c's
// pthread-mutex-guarded send_command_receive_reply.
type Client struct {
	mu           sync.Mutex
	sessionDir   string
	serverAddr   string
	clientAddr   string
	minSocketFd  uint32
	fd           int
	serial       uint32
}

// NewClient creates (but does not yet open) a client bound to
// sessionDir. minClientSocketFd is the floor the underlying socket fd
// is raised to via F_DUPFD (spec.md §4.6), read from the rule tree's
// header by the caller.
func NewClient(sessionDir string, minClientSocketFd uint32) *Client {
	return &Client{
		sessionDir:  sessionDir,
		serverAddr:  ServerAddr(sessionDir),
		clientAddr:  ClientAddr(sessionDir, os.Getpid()),
		minSocketFd: minClientSocketFd,
		fd:          -1,
	}
}

// openLocked (re)creates the client's datagram socket, binds it to its
// own address, and raises its fd to at least minSocketFd. Must be
// called with mu held.
func (c *Client) openLocked() error {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return errors.Wrap(err, "rpc: socket")
	}

	os.Remove(c.clientAddr)
	if err := os.MkdirAll(filepath.Dir(c.clientAddr), 0700); err != nil {
		unix.Close(fd)
		return errors.Wrap(err, "rpc: mkdir client socket dir")
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: c.clientAddr}); err != nil {
		unix.Close(fd)
		return errors.Wrapf(err, "rpc: bind %s", c.clientAddr)
	}

	if c.minSocketFd > 0 && fd < int(c.minSocketFd) {
		raised, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD, int(c.minSocketFd))
		if err == nil {
			unix.Close(fd)
			fd = raised
		}
		// A failure here is not fatal: the original fd still works, it
		// just risks colliding with an fd the sandboxed app opens
		// later. The failure is not reported to the caller.
	}

	c.fd = fd
	return nil
}

// Close shuts down the client socket and removes its address file —
// the Go equivalent of the original's atexit-registered cleanup.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	return os.Remove(c.clientAddr)
}

// isRecreatableErr reports whether err is the class of socket-layer
// failure the original client transparently recovers from by
// recreating its socket (EBADF: app closed our fd; ENOTSOCK: app
// reused our fd number for something else).
func isRecreatableErr(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOTSOCK)
}

// Call sends cmd to the server and waits for a reply, retrying once
// (after recreating the socket) if the send fails with EBADF/ENOTSOCK.
func (c *Client) Call(cmd Command) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd.Version = ProtocolVersion
	cmd.Serial = uint16(atomic.AddUint32(&c.serial, 1))

	if c.fd < 0 {
		if err := c.openLocked(); err != nil {
			return Reply{}, err
		}
	}

	reply, err := c.sendRecv(cmd)
	if err != nil && isRecreatableErr(err) {
		if reopenErr := c.openLocked(); reopenErr != nil {
			return Reply{}, errors.Wrap(reopenErr, "rpc: recreate socket after send failure")
		}
		reply, err = c.sendRecv(cmd)
	}
	return reply, err
}

func (c *Client) sendRecv(cmd Command) (Reply, error) {
	buf := cmd.Marshal()
	sa := &unix.SockaddrUnix{Name: c.serverAddr}
	if err := unix.Sendto(c.fd, buf, 0, sa); err != nil {
		return Reply{}, errors.Wrap(err, "rpc: sendto")
	}

	replyBuf := make([]byte, ReplyWireSize)
	n, _, err := unix.Recvfrom(c.fd, replyBuf, 0)
	if err != nil {
		return Reply{}, errors.Wrap(err, "rpc: recvfrom")
	}
	reply, err := UnmarshalReply(replyBuf[:n])
	if err != nil {
		return Reply{}, err
	}
	if reply.Version != ProtocolVersion {
		return reply, fmt.Errorf("rpc: protocol version mismatch: got %d, want %d", reply.Version, ProtocolVersion)
	}
	return reply, nil
}

// Ping is a convenience wrapper for the PING command.
func (c *Client) Ping() error {
	reply, err := c.Call(Command{Type: CmdPing})
	if err != nil {
		return err
	}
	if reply.Type != ReplyOK {
		return fmt.Errorf("rpc: ping replied %d", reply.Type)
	}
	return nil
}

// SetFileInfo issues a SETFILEINFO command.
func (c *Client) SetFileInfo(fi FileInfo) error {
	reply, err := c.Call(Command{Type: CmdSetFileInfo, FileInfo: fi})
	if err != nil {
		return err
	}
	if reply.Type != ReplyOK {
		return fmt.Errorf("rpc: SETFILEINFO replied %d", reply.Type)
	}
	return nil
}

// ReleaseFileInfo issues a RELEASEFILEINFO command, clearing fieldMask
// bits for the given inode.
func (c *Client) ReleaseFileInfo(dev, ino uint64, fieldMask uint32) error {
	reply, err := c.Call(Command{Type: CmdReleaseFileInfo, FileInfo: FileInfo{Dev: dev, Ino: ino, ActiveMask: fieldMask}})
	if err != nil {
		return err
	}
	if reply.Type != ReplyOK {
		return fmt.Errorf("rpc: RELEASEFILEINFO replied %d", reply.Type)
	}
	return nil
}

// ClearFileInfo issues a CLEARFILEINFO command.
func (c *Client) ClearFileInfo(dev, ino uint64) error {
	reply, err := c.Call(Command{Type: CmdClearFileInfo, FileInfo: FileInfo{Dev: dev, Ino: ino}})
	if err != nil {
		return err
	}
	if reply.Type != ReplyOK {
		return fmt.Errorf("rpc: CLEARFILEINFO replied %d", reply.Type)
	}
	return nil
}

// Init2 issues the INIT2 command, returning the server's status
// message.
func (c *Client) Init2() (string, error) {
	reply, err := c.Call(Command{Type: CmdInit2})
	if err != nil {
		return "", err
	}
	if reply.Type != ReplyMessage && reply.Type != ReplyOK {
		return "", fmt.Errorf("rpc: INIT2 replied %d", reply.Type)
	}
	return reply.Message, nil
}
