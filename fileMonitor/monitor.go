//
// Copyright 2023 Nestybox, Inc.
// Copyright 2024 Intel Corporation.
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

// fileMon is the monitor goroutine; it polls every watched file's mtime
// and size, reporting a change (or removal) since the last observation.
func fileMon(fm *FileMon) {
	ticker := time.NewTicker(fm.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fm.stopCh:
			return
		case <-ticker.C:
			checkFiles(fm)
		}
	}
}

func checkFiles(fm *FileMon) {
	fm.mu.Lock()
	snapshot := make(map[string]watchState, len(fm.fileTable))
	for k, v := range fm.fileTable {
		snapshot[k] = v
	}
	fm.mu.Unlock()

	var eventList []Event
	updates := make(map[string]watchState)
	var removals []string

	for filename, prev := range snapshot {
		modTime, size, err := statFile(filename)
		if os.IsNotExist(err) {
			eventList = append(eventList, Event{Filename: filename, Removed: true})
			removals = append(removals, filename)
			continue
		}
		if err != nil {
			eventList = append(eventList, Event{Filename: filename, Err: err})
			continue
		}

		if !modTime.Equal(prev.lastModTime) || size != prev.lastSize {
			eventList = append(eventList, Event{Filename: filename})
			updates[filename] = watchState{lastModTime: modTime, lastSize: size}
		}
	}

	if len(eventList) > 0 {
		// send on a best-effort basis: never block the polling loop
		// indefinitely on a caller that stopped draining Events().
		select {
		case fm.eventCh <- eventList:
		default:
		}
	}

	if len(updates) == 0 && len(removals) == 0 {
		return
	}

	fm.mu.Lock()
	for f, st := range updates {
		fm.fileTable[f] = st
	}
	for _, f := range removals {
		delete(fm.fileTable, f)
	}
	fm.mu.Unlock()
}

// statFile returns the file's modification time and size.
func statFile(path string) (time.Time, int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, 0, err
	}
	return fi.ModTime(), fi.Size(), nil
}
