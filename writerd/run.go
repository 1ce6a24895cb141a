package writerd

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"

	"github.com/scratchbox2/sb2-engine/fileMonitor"
	"github.com/scratchbox2/sb2-engine/pidfd"
	"github.com/scratchbox2/sb2-engine/pidmonitor"
	"github.com/scratchbox2/sb2-engine/rpc"
)

// Run serves the RPC transport until the session socket is removed,
// the session leader process exits (if configured), or Stop is
// called. It implements spec.md §4.7 steps 2-4.
func (d *Daemon) Run() error {
	if d.cfg.InitOnly {
		return nil
	}

	sockDir := filepath.Join(d.cfg.SessionDir, rpc.ClientSocketDir)
	if err := os.MkdirAll(sockDir, 0700); err != nil {
		return errors.Wrap(err, "writerd: create client socket dir")
	}

	server := rpc.NewServer(d.cfg.SessionDir)
	if err := server.Listen(); err != nil {
		return errors.Wrap(err, "writerd: listen")
	}
	defer server.Close()

	if err := d.WritePidFile(); err != nil {
		return errors.Wrap(err, "writerd: write pid file")
	}
	defer d.RemovePidFile()

	if err := d.startStaleSocketGC(sockDir); err != nil {
		d.log.Warningf("stale socket GC not started: %v", err)
	}

	// leaderDone is left nil (and so never selectable) unless a session
	// leader pid is actually being tracked; a closed channel here would
	// make the select below fire immediately and shut the daemon down
	// before it ever served a request.
	var leaderDone chan struct{}
	if d.cfg.SessionLeaderPid > 0 {
		leaderDone = make(chan struct{})
		if err := d.watchSessionLeader(leaderDone); err != nil {
			d.log.Warningf("session-leader tracking not started: %v", err)
			leaderDone = nil
		}
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- server.Serve(d, d.stop) }()

	select {
	case err := <-serveErrCh:
		return err
	case <-leaderDone:
		d.log.Noticef("session leader exited, shutting down")
		d.Stop()
		return <-serveErrCh
	}
}

// startStaleSocketGC periodically sweeps sockDir for client socket
// files whose owning pid (the file's basename, per spec.md §6's
// "<session_dir>/sock/<pid>" naming) is no longer alive, and removes
// them. This hardens the original's atexit-only cleanup (see
// DESIGN.md supplemented feature 4): a client killed with SIGKILL
// never runs its atexit handler, so its socket file would otherwise
// linger for the life of the session.
func (d *Daemon) startStaleSocketGC(sockDir string) error {
	fm, err := fileMonitor.New(sockDir, &fileMonitor.Cfg{
		EventBufSize: 32,
		PollInterval: d.cfg.StaleSocketGCInterval,
	})
	if err != nil {
		return err
	}
	d.sockWatch = fm

	go func() {
		for {
			select {
			case <-d.stop:
				return
			case events, ok := <-fm.Events():
				if !ok {
					return
				}
				for _, e := range events {
					if e.Kind != fileMonitor.Added {
						continue
					}
					d.reapIfDead(sockDir, e.Name)
				}
			}
		}
	}()

	return nil
}

// reapIfDead removes sockDir/name if its basename parses as a pid and
// that pid is no longer running.
func (d *Daemon) reapIfDead(sockDir, name string) {
	pid, err := strconv.Atoi(name)
	if err != nil {
		return
	}
	if pidfd.IsAlive(pid) {
		return
	}
	path := filepath.Join(sockDir, name)
	if err := os.Remove(path); err == nil {
		d.log.Debugf("reaped stale client socket %s", path)
	}
}

// watchSessionLeader arms a pidmonitor watch on cfg.SessionLeaderPid
// and closes done when it exits.
func (d *Daemon) watchSessionLeader(done chan struct{}) error {
	// pidmonitor.Cfg.Poll is a millisecond count (despite its
	// time.Duration type; see pidmonitor's own Sleep(Poll * Millisecond))
	// and must stay within [PollMin, PollMax].
	pm, err := pidmonitor.New(&pidmonitor.Cfg{Poll: 500})
	if err != nil {
		return err
	}
	d.pidMon = pm

	if err := pm.AddEvent([]pidmonitor.PidEvent{
		{Pid: uint32(d.cfg.SessionLeaderPid), Event: pidmonitor.Exit},
	}); err != nil {
		return err
	}

	go func() {
		for {
			events := pm.WaitEvent()
			if len(events) == 0 {
				return
			}
			for _, e := range events {
				if e.Pid == uint32(d.cfg.SessionLeaderPid) {
					close(done)
					return
				}
			}
		}
	}()

	return nil
}
