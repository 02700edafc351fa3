//
// Copyright 2020 - 2022 Nestybox, Inc.
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

package utils

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// GetKernelRelease returns the kernel release (e.g., "4.18")
func GetKernelRelease() (string, error) {

	var utsname unix.Utsname

	if err := unix.Uname(&utsname); err != nil {
		return "", fmt.Errorf("uname: %v", err)
	}

	n := bytes.IndexByte(utsname.Release[:], 0)

	return string(utsname.Release[:n]), nil
}

// Compares the given kernel version versus the current kernel version. Returns
// 0 if versions are equal, 1 if the current kernel has higher version than the
// given one, -1 otherwise.
func KernelCurrentVersionCmp(k1Major, k1Minor int) (int, error) {

	rel, err := GetKernelRelease()
	if err != nil {
		return 0, err
	}

	splits := strings.SplitN(rel, ".", -1)
	if len(splits) < 2 {
		return 0, fmt.Errorf("failed to parse kernel release %v", rel)
	}

	k2Major, err := strconv.Atoi(splits[0])
	if err != nil {
		return 0, fmt.Errorf("failed to parse kernel release %v", rel)
	}

	k2Minor, err := strconv.Atoi(splits[1])
	if err != nil {
		return 0, fmt.Errorf("failed to parse kernel release %v", rel)
	}

	if k2Major > k1Major {
		return 1, nil
	} else if k2Major == k1Major {
		if k2Minor > k1Minor {
			return 1, nil
		} else if k2Minor == k1Minor {
			return 0, nil
		}
	}

	return -1, nil
}

// Parses the kernel release string (obtained from GetKernelRelease()) and returns
// the major and minor numbers.
func ParseKernelRelease(rel string) (int, int, error) {
	var (
		major, minor int
		err          error
	)

	splits := strings.SplitN(rel, ".", -1)
	if len(splits) < 2 {
		return -1, -1, fmt.Errorf("failed to parse kernel release %v", rel)
	}

	major, err = strconv.Atoi(splits[0])
	if err != nil {
		return -1, -1, fmt.Errorf("failed to parse kernel release %v", rel)
	}

	minor, err = strconv.Atoi(splits[1])
	if err != nil {
		return -1, -1, fmt.Errorf("failed to parse kernel release %v", rel)
	}

	return major, minor, nil
}

// KernelModSupported returns true if the given module is loaded in the
// kernel. backend/register uses this to check that the "msr" module is
// loaded before it attempts to open /dev/cpu/*/msr, so it can return a
// clear error instead of a raw ENOENT.
func KernelModSupported(mod string) (bool, error) {

	// Best-effort load; ignore the error since the module may already be
	// built-in or loaded, or modprobe may not be installed.
	exec.Command("modprobe", mod).Run()

	f, err := os.Open("/proc/modules")
	if err != nil {
		return false, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		if strings.Contains(s.Text(), mod) {
			return true, nil
		}
	}

	return false, nil
}
