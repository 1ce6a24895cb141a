//
// Copyright 2023 Nestybox, Inc.
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

package fileMonitor

import (
	"os"
	"time"
)

// fileMon is the polling goroutine backing a FileMon instance. It
// re-reads the watched directory every PollInterval and diffs its
// membership against the last-seen snapshot.
func fileMon(fm *FileMon) {
	ticker := time.NewTicker(fm.cfg.PollInterval)
	defer func() {
		fm.mu.Lock()
		fm.running = false
		fm.mu.Unlock()
		ticker.Stop()
	}()

	for {
		select {
		case <-fm.stopCh:
			return
		case <-ticker.C:
			fm.mu.Lock()
			events := fm.pollLocked()
			fm.mu.Unlock()

			if len(events) > 0 {
				select {
				case fm.eventCh <- events:
				default:
					// The consumer (the writer daemon's GC sweep) is
					// falling behind. Drop this round rather than block
					// the polling loop; the diff is against fm.fileTable,
					// which has already been advanced below, so the next
					// poll won't re-report the same change, but a
					// follow-on poll will still see any genuinely new
					// diff.
				}
			}
		}
	}
}

// pollLocked re-reads the watched directory and diffs it against the
// last-seen membership, returning any Added/Removed events. Must be
// called with fm.mu held.
func (fm *FileMon) pollLocked() []Event {
	entries, err := os.ReadDir(fm.dir)
	if err != nil {
		return []Event{{Err: err}}
	}

	seen := make(map[string]bool, len(entries))
	var events []Event

	for _, e := range entries {
		name := e.Name()
		seen[name] = true
		if !fm.fileTable[name] {
			events = append(events, Event{Name: name, Kind: Added})
		}
	}

	for name := range fm.fileTable {
		if !seen[name] {
			events = append(events, Event{Name: name, Kind: Removed})
		}
	}

	fm.fileTable = seen
	return events
}
