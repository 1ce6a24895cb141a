//
// Copyright 2023 Scratchbox2 Project.
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

// Package fileMonitor watches a session's client-socket directory
// (<session_dir>/sock/) and notifies the writer daemon whenever an
// entry appears or disappears. It uses a simple polling algorithm over
// directory-membership diffs, since the writer daemon needs to know
// about *new* client sockets (to consider them for the stale-socket GC
// sweep) as much as about ones that vanish on their own.
package fileMonitor

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Cfg configures a FileMon instance.
type Cfg struct {
	EventBufSize int
	PollInterval time.Duration // within [PollMin, PollMax]
}

// polling config limits
const (
	PollMin = 1 * time.Millisecond
	PollMax = 10000 * time.Millisecond
)

// EventKind distinguishes an Added from a Removed directory entry.
type EventKind int

const (
	Added EventKind = iota
	Removed
)

// Event reports one entry's appearance or disappearance in the watched
// directory.
type Event struct {
	Name string
	Kind EventKind
	Err  error
}

// FileMon polls a single directory and reports membership changes.
type FileMon struct {
	mu        sync.Mutex
	cfg       Cfg
	dir       string
	fileTable map[string]bool // last-seen directory membership
	stopCh    chan struct{}
	eventCh   chan []Event
	running   bool
}

// New starts watching dir, polling at cfg.PollInterval.
func New(dir string, cfg *Cfg) (*FileMon, error) {
	if err := validateCfg(cfg); err != nil {
		return nil, err
	}

	fm := &FileMon{
		cfg:       *cfg,
		dir:       dir,
		fileTable: make(map[string]bool),
		stopCh:    make(chan struct{}),
		eventCh:   make(chan []Event, cfg.EventBufSize),
		running:   true,
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		fm.fileTable[e.Name()] = true
	}

	go fileMon(fm)

	return fm, nil
}

// Events returns the channel new directory-membership events are
// delivered on.
func (fm *FileMon) Events() <-chan []Event {
	return fm.eventCh
}

// Close stops the polling goroutine. Safe to call once.
func (fm *FileMon) Close() {
	fm.mu.Lock()
	if fm.running {
		fm.running = false
		close(fm.stopCh)
	}
	fm.mu.Unlock()
}

func validateCfg(cfg *Cfg) error {
	if cfg.PollInterval < PollMin || cfg.PollInterval > PollMax {
		return fmt.Errorf("invalid config: poll interval must be in range [%d, %d]; found %d", PollMin, PollMax, cfg.PollInterval)
	}
	return nil
}
