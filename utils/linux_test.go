//
// Copyright 2020 Nestybox, Inc.
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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKernelRelease(t *testing.T) {
	major, minor, err := ParseKernelRelease("5.15.0-91-generic")
	require.NoError(t, err)
	require.Equal(t, 5, major)
	require.Equal(t, 15, minor)
}

func TestParseKernelReleaseInvalid(t *testing.T) {
	_, _, err := ParseKernelRelease("bogus")
	require.Error(t, err)
}

func TestKernelCurrentVersionCmp(t *testing.T) {
	rel, err := GetKernelRelease()
	require.NoError(t, err)

	major, minor, err := ParseKernelRelease(rel)
	require.NoError(t, err)

	cmp, err := KernelCurrentVersionCmp(major, minor)
	require.NoError(t, err)
	require.Equal(t, 0, cmp)

	cmp, err = KernelCurrentVersionCmp(0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, cmp)
}

func TestKernelModSupported(t *testing.T) {
	// Querying a module name that can't possibly be loaded should not
	// error out; it should simply report false.
	supported, err := KernelModSupported("__pqos_bogus_module__")
	require.NoError(t, err)
	require.False(t, supported)
}
