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

package fileMonitor

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMon(t *testing.T) (*FileMon, <-chan []Event) {
	t.Helper()
	cfg := Cfg{EventBufSize: 10, PollInterval: 20 * time.Millisecond}
	fm, err := New(&cfg)
	require.NoError(t, err)
	t.Cleanup(fm.Close)
	return fm, fm.Events()
}

func TestDetectsRewrite(t *testing.T) {
	f, err := os.CreateTemp("", "schemata")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	f.WriteString("L3:0=ff;1=ff\n")
	f.Close()

	fm, events := newTestMon(t)
	require.NoError(t, fm.Add(f.Name()))

	// make sure the rewrite lands on a distinguishable mtime
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(f.Name(), []byte("L3:0=0f;1=f0\n"), 0644))

	select {
	case batch := <-events:
		require.Len(t, batch, 1)
		require.Equal(t, f.Name(), batch[0].Filename)
		require.False(t, batch[0].Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for rewrite event")
	}
}

func TestDetectsRemoval(t *testing.T) {
	f, err := os.CreateTemp("", "schemata")
	require.NoError(t, err)
	f.Close()

	fm, events := newTestMon(t)
	require.NoError(t, fm.Add(f.Name()))

	require.NoError(t, os.Remove(f.Name()))

	select {
	case batch := <-events:
		require.Len(t, batch, 1)
		require.True(t, batch[0].Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal event")
	}
}

func TestRemoveStopsWatching(t *testing.T) {
	f, err := os.CreateTemp("", "schemata")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	f.Close()

	fm, events := newTestMon(t)
	require.NoError(t, fm.Add(f.Name()))
	fm.Remove(f.Name())

	require.NoError(t, os.WriteFile(f.Name(), []byte("changed"), 0644))

	select {
	case batch := <-events:
		t.Fatalf("unexpected event after Remove: %+v", batch)
	case <-time.After(100 * time.Millisecond):
		// expected: nothing arrives
	}
}

func TestAddNonExistentFileErrors(t *testing.T) {
	fm, _ := newTestMon(t)
	err := fm.Add("/tmp/__pqos_does_not_exist__")
	require.Error(t, err)
}
