//
// Copyright 2019-2020 Nestybox, Inc.
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

package pidmonitor

import (
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/intel/intel-cmt-cat-sub003/pidfd"
)

type cmd int

const (
	stop cmd = iota
)

// Monitors events associated with the given PidMon instance
func pidMonitor(pm *PidMon) {

	for {
		eventList := []PidEvent{}
		rmList := []PidEvent{}

		// handle incoming commands first
		select {
		case cmd := <-pm.cmdCh:
			if cmd == stop {
				pm.EventCh <- eventList
				return
			}
		default:
		}

		// perform monitoring action
		pm.mu.Lock()
		for pid, evect := range pm.eventTable {
			if eventIsSet(evect, Exit) {
				pidAlive, err := pidExists(pid)
				if err != nil || !pidAlive {

					eventList = append(eventList, PidEvent{
						Pid:   pid,
						Event: Exit,
						Err:   err,
					})

					// pid exit implies event won't hit again; remove it.
					rmList = append(rmList, PidEvent{pid, Exit, nil})
				}
			}
		}

		// send event list
		if len(eventList) > 0 {
			pm.EventCh <- eventList
		}

		// remove events that won't hit any more
		for _, e := range rmList {
			eventTableRm(pm.eventTable, e)
		}

		pm.mu.Unlock()

		// wait for the poll period
		time.Sleep(pm.cfg.Poll * time.Millisecond)
	}
}

// Checks if a process with the given pid exists. It prefers pidfd_open,
// which (unlike stat'ing /proc/<pid>) can't be fooled by pid reuse between
// the check and a subsequent pidfd-based wait; on kernels too old for
// pidfd_open (pre-5.3) it falls back to the /proc check.
func pidExists(pid uint32) (bool, error) {
	fd, err := pidfd.Open(int(pid), 0)
	if err == nil {
		syscall.Close(int(fd))
		return true, nil
	}
	if err == syscall.ESRCH {
		return false, nil
	}
	if err != syscall.ENOSYS && err != syscall.EINVAL {
		return false, err
	}

	path := "/proc/" + strconv.FormatUint(uint64(pid), 10)
	_, statErr := os.Stat(path)
	if os.IsNotExist(statErr) {
		return false, nil
	} else if statErr != nil {
		return false, statErr
	}

	return true, nil
}
