//
// Copyright 2024 Scratchbox2 Project.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Command sb2d is the writer daemon (spec.md C7): the one process per
// session allowed to mutate the rule tree. Its flag set mirrors
// original_source/sb2d/sb2d.c's getopt string "d:l:s:p:nfS:M:F:", with
// long forms added in pflag style.
package main

import (
	"fmt"
	"os"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/scratchbox2/sb2-engine/logger"
	"github.com/scratchbox2/sb2-engine/session"
	"github.com/scratchbox2/sb2-engine/writerd"
)

// reexecMarker tells a re-exec'd child it owns the session and should
// run the server loop in the foreground rather than forking again.
const reexecMarker = "__SB2D_BACKGROUNDED"

func main() {
	var (
		sessionDir  = flag.StringP("session-dir", "s", "", "session directory (required)")
		logLevel    = flag.StringP("loglevel", "d", "", "log level: error|warning|notice|info|debug")
		logFile     = flag.StringP("logfile", "l", "", "log file path (default: stderr)")
		pidFile     = flag.StringP("pidfile", "p", "", "write daemon pid to this file")
		initOnly    = flag.BoolP("init-only", "n", false, "create the rule tree and exit without serving")
		foreground  = flag.BoolP("foreground", "f", false, "run in the foreground instead of forking")
		maxSize     = flag.Uint32P("max-size", "S", 16<<20, "rule tree file size in bytes")
		minMmapAddr = flag.Uint64P("min-mmap-addr", "M", 0, "preferred minimum mmap address")
		minSockFd   = flag.Uint32P("min-client-socket-fd", "F", 279, "lowest fd the RPC client may reuse")
		leaderPid   = flag.Int("session-leader-pid", 0, "exit when this pid exits (supplemented shutdown trigger)")
	)
	flag.Parse()

	if *sessionDir == "" {
		fmt.Fprintln(os.Stderr, "sb2d: -s/--session-dir is required")
		os.Exit(1)
	}

	// sb2d.c forks before touching the rule tree file at all, then lets
	// only the child create and serve it; we mirror that ordering here
	// rather than bootstrapping twice, since a forked-but-not-exec'd Go
	// process cannot safely keep running goroutines after fork(2) — the
	// parent instead re-execs itself with the background marker set and
	// the child does the real work.
	if !*initOnly && !*foreground && os.Getenv(reexecMarker) != "1" {
		backgroundAndExit()
		return
	}

	env := session.FromEnviron()
	if env.SessionDir == "" {
		env.SessionDir = *sessionDir
	}
	if env.LogLevel == "" {
		env.LogLevel = *logLevel
	}
	if env.LogFile == "" {
		env.LogFile = *logFile
	}

	cliCfg := writerd.Config{
		PidFile:           *pidFile,
		InitOnly:          *initOnly,
		Foreground:        true,
		MaxSize:           *maxSize,
		MinMmapAddr:       *minMmapAddr,
		MinClientSocketFd: *minSockFd,
		SessionLeaderPid:  *leaderPid,
	}
	if lvl, ok := logger.LevelFromName(env.LogLevel); ok {
		cliCfg.LogLevel = lvl
	}

	d, err := session.Bootstrap(env, cliCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sb2d: %v\n", err)
		os.Exit(1)
	}
	defer d.Close()

	if *initOnly {
		return
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "sb2d: %v\n", err)
		os.Exit(1)
	}
}

// backgroundAndExit re-execs the current command line with the
// background marker set and prints the child's pid, matching sb2d.c's
// "parent writes the pid file and returns" contract at the process
// level (the pid file itself is written by the child once it owns the
// session, via Daemon.WritePidFile).
func backgroundAndExit() {
	env := append(os.Environ(), reexecMarker+"=1")
	pid, err := syscall.ForkExec(os.Args[0], os.Args, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{0, 1, 2},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "sb2d: background: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(pid)
}
