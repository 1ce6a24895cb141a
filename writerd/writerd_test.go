package writerd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scratchbox2/sb2-engine/catalog"
	"github.com/scratchbox2/sb2-engine/logger"
	"github.com/scratchbox2/sb2-engine/pidfd"
	"github.com/scratchbox2/sb2-engine/rpc"
)

// newSessionDir roots the session under /tmp with a short name, since
// the RPC transport's Unix-domain sockets are bound under it and
// sun_path has a ~104 byte limit that t.TempDir() can exceed.
func newSessionDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "sb2wd")
	if err != nil {
		t.Skipf("cannot create session dir under /tmp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(Config{
		SessionDir:            newSessionDir(t),
		LogLevel:              logger.LevelDebug,
		MaxSize:               1 << 20,
		StaleSocketGCInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNewPublishesRootCatalog(t *testing.T) {
	d := newTestDaemon(t)

	if d.RootCatalog() == 0 {
		t.Fatal("expected a non-null root catalog after phase-1 init")
	}
	if got := d.Store().RootCatalog(); got != d.RootCatalog() {
		t.Fatalf("store root catalog = %d, want %d", got, d.RootCatalog())
	}

	if _, ok := catalog.GetUint32(d.Store(), d.RootCatalog(), "vperm_root_slot"); !ok {
		t.Fatal("missing vperm_root_slot catalog entry")
	}
	if _, ok := catalog.GetUint32(d.Store(), d.RootCatalog(), "vperm_count_slot"); !ok {
		t.Fatal("missing vperm_count_slot catalog entry")
	}
}

func TestPhase2InitPublishesManifest(t *testing.T) {
	d := newTestDaemon(t)

	msg, err := d.Phase2Init(map[string]string{"active_exec_policy": "native"})
	if err != nil {
		t.Fatalf("Phase2Init: %v", err)
	}
	if msg == "" {
		t.Fatal("expected a non-empty status message")
	}

	v, ok := catalog.GetString(d.Store(), d.RootCatalog(), "active_exec_policy")
	if !ok || v != "native" {
		t.Fatalf("active_exec_policy = %q, %v; want %q, true", v, ok, "native")
	}
}

func TestHandlePing(t *testing.T) {
	d := newTestDaemon(t)

	reply := d.Handle(rpc.Command{Type: rpc.CmdPing})
	if reply.Type != rpc.ReplyOK {
		t.Fatalf("PING replied %d, want ReplyOK", reply.Type)
	}
}

func TestHandleSetAndReleaseFileInfo(t *testing.T) {
	d := newTestDaemon(t)

	const dev, ino = 5, 42

	reply := d.Handle(rpc.Command{
		Type: rpc.CmdSetFileInfo,
		FileInfo: rpc.FileInfo{
			Dev: dev, Ino: ino,
			ActiveMask: rpc.FieldUID | rpc.FieldMode,
			UID:        1000,
			Mode:       0755,
		},
	})
	if reply.Type != rpc.ReplyOK {
		t.Fatalf("SETFILEINFO replied %d, message %q", reply.Type, reply.Message)
	}

	overlay, ok := d.Vperm().Find(dev, ino)
	if !ok {
		t.Fatal("expected an overlay to exist after SETFILEINFO")
	}
	if overlay.UID != 1000 || overlay.Mode != 0755 {
		t.Fatalf("overlay = %+v, want uid=1000 mode=0755", overlay)
	}

	reply = d.Handle(rpc.Command{
		Type: rpc.CmdReleaseFileInfo,
		FileInfo: rpc.FileInfo{
			Dev: dev, Ino: ino,
			ActiveMask: rpc.FieldUID,
		},
	})
	if reply.Type != rpc.ReplyOK {
		t.Fatalf("RELEASEFILEINFO replied %d", reply.Type)
	}

	overlay, ok = d.Vperm().Find(dev, ino)
	if !ok {
		t.Fatal("expected overlay to still exist (mode still active)")
	}
	if overlay.ActiveMask&0x01 != 0 {
		t.Fatal("uid bit should be cleared after RELEASEFILEINFO")
	}
}

func TestHandleClearFileInfo(t *testing.T) {
	d := newTestDaemon(t)
	const dev, ino = 7, 99

	d.Handle(rpc.Command{
		Type:     rpc.CmdSetFileInfo,
		FileInfo: rpc.FileInfo{Dev: dev, Ino: ino, ActiveMask: rpc.FieldUID, UID: 1},
	})
	if d.Vperm().ActiveCount() == 0 {
		t.Fatal("expected active count > 0 after SETFILEINFO")
	}

	reply := d.Handle(rpc.Command{Type: rpc.CmdClearFileInfo, FileInfo: rpc.FileInfo{Dev: dev, Ino: ino}})
	if reply.Type != rpc.ReplyOK {
		t.Fatalf("CLEARFILEINFO replied %d", reply.Type)
	}
	if _, ok := d.Vperm().Find(dev, ino); ok {
		t.Fatal("expected no overlay after CLEARFILEINFO")
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	d := newTestDaemon(t)
	reply := d.Handle(rpc.Command{Type: 999})
	if reply.Type != rpc.ReplyUnknownCmd {
		t.Fatalf("reply type = %d, want ReplyUnknownCmd", reply.Type)
	}
}

func TestRunServesPingOverRPC(t *testing.T) {
	sessionDir := newSessionDir(t)
	d, err := New(Config{
		SessionDir:            sessionDir,
		MaxSize:               1 << 20,
		StaleSocketGCInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run() }()
	defer d.Stop()

	client := rpc.NewClient(sessionDir, 0)
	defer client.Close()

	var lastErr error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if lastErr = client.Ping(); lastErr == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if lastErr != nil {
		t.Fatalf("ping never succeeded: %v", lastErr)
	}

	d.Stop()
	select {
	case err := <-runErr:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestStaleSocketGCReapsDeadClient(t *testing.T) {
	sessionDir := newSessionDir(t)
	d, err := New(Config{
		SessionDir:            sessionDir,
		MaxSize:               1 << 20,
		StaleSocketGCInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	go d.Run()
	defer d.Stop()

	// Wait for Run to create the client socket dir and arm the GC sweep.
	sockDir := filepath.Join(sessionDir, rpc.ClientSocketDir)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockDir); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A socket file named after a pid that almost certainly isn't
	// running in this namespace; the GC sweep should remove it.
	deadPid := "4194303"
	stale := filepath.Join(sockDir, deadPid)
	if err := os.WriteFile(stale, nil, 0600); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(stale); os.IsNotExist(err) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("stale client socket was not reaped")
}

func TestPidIsAliveSelf(t *testing.T) {
	if !pidfd.IsAlive(os.Getpid()) {
		t.Fatal("expected current process to be reported alive")
	}
}

func TestPidIsAliveDeadPid(t *testing.T) {
	// pid 1 is always running under Linux; a very large, almost
	// certainly unused pid stands in for a dead one.
	if pidfd.IsAlive(1<<22 - 1) {
		t.Skip("unlikely but possible pid collision; not a meaningful failure")
	}
}
