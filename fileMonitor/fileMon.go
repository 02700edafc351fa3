//
// Copyright 2023 Nestybox Inc.
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

// Package fileMonitor notifies a caller when a watched file's
// modification time or size changes underneath it. It uses a simple
// polling algorithm rather than inotify so that the same code works
// against pseudo-filesystems (resctrl's schemata files report a real
// mtime but do not reliably support inotify across kernel versions).
//
// The pqos façade uses this to implement an opt-in watch on the
// resctrl schemata files it has written: per spec.md §5's shared
// resource policy, the library does not arbitrate class definitions
// across processes ("last writer wins"), so a caller that cares can ask
// to be told when some other process has rewritten a file it depends
// on.
package fileMonitor

import (
	"fmt"
	"sync"
	"time"
)

type Cfg struct {
	EventBufSize int
	PollInterval time.Duration
}

// polling config limits
const (
	PollMin = 1 * time.Millisecond
	PollMax = 10000 * time.Millisecond
)

// Event reports that a watched file changed or was removed.
type Event struct {
	Filename string
	Removed  bool
	Err      error
}

type watchState struct {
	lastModTime time.Time
	lastSize    int64
}

type FileMon struct {
	mu        sync.Mutex
	cfg       Cfg
	fileTable map[string]watchState
	stopCh    chan struct{}
	eventCh   chan []Event
}

// New starts a file-change monitor with the given configuration.
func New(cfg *Cfg) (*FileMon, error) {
	if err := validateCfg(cfg); err != nil {
		return nil, err
	}

	fm := &FileMon{
		cfg:       *cfg,
		fileTable: make(map[string]watchState),
		stopCh:    make(chan struct{}),
		eventCh:   make(chan []Event, cfg.EventBufSize),
	}

	go fileMon(fm)

	return fm, nil
}

// Add begins watching the given file for mtime/size changes. The
// initial stat is recorded as the baseline; a change from that
// baseline (not the file's absolute state) is what gets reported.
func (fm *FileMon) Add(file string) error {
	modTime, size, err := statFile(file)
	if err != nil {
		return fmt.Errorf("fileMonitor: add %s: %w", file, err)
	}

	fm.mu.Lock()
	fm.fileTable[file] = watchState{lastModTime: modTime, lastSize: size}
	fm.mu.Unlock()

	return nil
}

// Remove stops watching the given file.
func (fm *FileMon) Remove(file string) {
	fm.mu.Lock()
	delete(fm.fileTable, file)
	fm.mu.Unlock()
}

// Events returns the channel on which change batches are delivered.
func (fm *FileMon) Events() <-chan []Event {
	return fm.eventCh
}

// Close stops the monitor goroutine.
func (fm *FileMon) Close() {
	close(fm.stopCh)
}

func validateCfg(cfg *Cfg) error {
	if cfg.PollInterval < PollMin || cfg.PollInterval > PollMax {
		return fmt.Errorf("fileMonitor: invalid config: poll interval must be in range [%v, %v]; found %v", PollMin, PollMax, cfg.PollInterval)
	}
	return nil
}
