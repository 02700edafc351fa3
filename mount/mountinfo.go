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

package mount

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Info describes one entry of /proc/<pid>/mountinfo, per proc(5). The
// backend/resctrl package uses FindResctrlMount (built on GetMounts) to
// locate (or confirm
// the absence of) a resctrl mount before deciding whether to mount it
// itself or attach to an already-mounted one.
type Info struct {
	MountId    int
	ParentId   int
	Major      int
	Minor      int
	Root       string
	Mountpoint string
	Opts       string // per-mount options
	Optional   string // optional fields (shared:X, master:X, ...), space separated
	Fstype     string
	Source     string
	VfsOpts    string // per-superblock options
}

// parseMountTable parses /proc/self/mountinfo.
func parseMountTable() ([]*Info, error) {
	return parseMountTableForPid(uint32(os.Getpid()))
}

// parseMountTableForPid parses /proc/<pid>/mountinfo.
func parseMountTableForPid(pid uint32) ([]*Info, error) {
	path := fmt.Sprintf("/proc/%d/mountinfo", pid)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var infos []*Info

	s := bufio.NewScanner(f)
	for s.Scan() {
		mi, err := parseMountinfoLine(s.Text())
		if err != nil {
			return nil, fmt.Errorf("mount: parsing %s: %w", path, err)
		}
		infos = append(infos, mi)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	return infos, nil
}

// parseMountinfoLine parses a single line of the form:
//
//	36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue
//	(1)(2)(3)   (4)   (5)      (6)      (7)   (8) (9)   (10)         (11)
//
// Fields 1-6 and 8-11 are mandatory; field 7 is zero or more optional
// fields, terminated by a lone "-" separator (field 8).
func parseMountinfoLine(line string) (*Info, error) {
	fields := strings.Fields(line)
	if len(fields) < 10 {
		return nil, fmt.Errorf("invalid mountinfo line: %q", line)
	}

	mi := &Info{}

	var err error
	if mi.MountId, err = strconv.Atoi(fields[0]); err != nil {
		return nil, err
	}
	if mi.ParentId, err = strconv.Atoi(fields[1]); err != nil {
		return nil, err
	}

	majMin := strings.SplitN(fields[2], ":", 2)
	if len(majMin) != 2 {
		return nil, fmt.Errorf("invalid major:minor field: %q", fields[2])
	}
	if mi.Major, err = strconv.Atoi(majMin[0]); err != nil {
		return nil, err
	}
	if mi.Minor, err = strconv.Atoi(majMin[1]); err != nil {
		return nil, err
	}

	mi.Root = fields[3]
	mi.Mountpoint = fields[4]
	mi.Opts = fields[5]

	// Find the "-" separator that ends the optional fields.
	sepIdx := -1
	for i := 6; i < len(fields); i++ {
		if fields[i] == "-" {
			sepIdx = i
			break
		}
	}
	if sepIdx == -1 {
		return nil, fmt.Errorf("missing optional-fields separator: %q", line)
	}

	mi.Optional = strings.Join(fields[6:sepIdx], " ")

	rest := fields[sepIdx+1:]
	if len(rest) < 3 {
		return nil, fmt.Errorf("missing fstype/source/super-opts: %q", line)
	}
	mi.Fstype = rest[0]
	mi.Source = rest[1]
	mi.VfsOpts = rest[2]

	return mi, nil
}

// optToFlag maps the set of comma-separated mount option strings found in
// mountinfo (e.g., "rw", "nodev") to their corresponding unix.MS_* mount
// flag bit vector. Options without a flag equivalent (e.g., "rw") are
// silently ignored, matching what the kernel itself treats as advisory.
func optToFlag(opts []string) int {
	var flags int

	optMap := map[string]int{
		"ro":         unix.MS_RDONLY,
		"nosuid":     unix.MS_NOSUID,
		"nodev":      unix.MS_NODEV,
		"noexec":     unix.MS_NOEXEC,
		"noatime":    unix.MS_NOATIME,
		"nodiratime": unix.MS_NODIRATIME,
		"relatime":   unix.MS_RELATIME,
		"strictatime": unix.MS_STRICTATIME,
		"sync":       unix.MS_SYNCHRONOUS,
		"dirsync":    unix.MS_DIRSYNC,
		"mand":       unix.MS_MANDLOCK,
	}

	for _, opt := range opts {
		if f, ok := optMap[opt]; ok {
			flags |= f
		}
	}

	return flags
}
