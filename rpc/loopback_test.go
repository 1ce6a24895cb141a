package rpc

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type echoHandler struct {
	lastCmd Command
}

func (h *echoHandler) Handle(cmd Command) Reply {
	h.lastCmd = cmd
	switch cmd.Type {
	case CmdPing:
		return Reply{Type: ReplyOK}
	case CmdInit2:
		return Reply{Type: ReplyMessage, Message: "phase-2 ready"}
	case CmdSetFileInfo, CmdReleaseFileInfo, CmdClearFileInfo:
		return Reply{Type: ReplyOK}
	default:
		return Reply{Type: ReplyUnknownCmd}
	}
}

func newSessionDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	// Keep well under the ~104 byte sun_path limit: TempDir() paths can
	// be long, so root the session under /tmp directly with a short name.
	short, err := os.MkdirTemp("/tmp", "sb2rpc")
	if err != nil {
		t.Skipf("cannot create short-path temp dir for UDS test: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(short) })
	_ = dir
	return short
}

func TestPingOverLoopback(t *testing.T) {
	sessionDir := newSessionDir(t)

	srv := NewServer(sessionDir)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	handler := &echoHandler{}
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(handler, stop) }()
	defer func() {
		close(stop)
		<-done
	}()

	client := NewClient(sessionDir, 0)
	defer client.Close()

	if err := client.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if handler.lastCmd.Type != CmdPing {
		t.Fatalf("server saw command type %d, want CmdPing", handler.lastCmd.Type)
	}
}

func TestSetFileInfoOverLoopback(t *testing.T) {
	sessionDir := newSessionDir(t)

	srv := NewServer(sessionDir)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	handler := &echoHandler{}
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(handler, stop) }()
	defer func() {
		close(stop)
		<-done
	}()

	client := NewClient(sessionDir, 0)
	defer client.Close()

	fi := FileInfo{Dev: 0x801, Ino: 42, ActiveMask: FieldUID | FieldGID}
	if err := client.SetFileInfo(fi); err != nil {
		t.Fatalf("SetFileInfo: %v", err)
	}
	if handler.lastCmd.FileInfo != fi {
		t.Fatalf("server saw fileinfo %+v, want %+v", handler.lastCmd.FileInfo, fi)
	}
}

func TestServerExitsOnSocketDeletion(t *testing.T) {
	sessionDir := newSessionDir(t)

	srv := NewServer(sessionDir)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer srv.Close()

	handler := &echoHandler{}
	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(handler, stop) }()

	if err := os.Remove(filepath.Join(sessionDir, ServerSocketDir, ServerSocketName)); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		close(stop)
		t.Fatal("server did not exit after socket deletion")
	}
}
