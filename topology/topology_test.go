package topology

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0644))
}

func newTwoSocketFourCoreFs(t *testing.T) afero.Fs {
	fs := afero.NewMemMapFs()

	writeFile(t, fs, "/proc/cpuinfo", "processor\t: 0\nvendor_id\t: GenuineIntel\n")
	writeFile(t, fs, "/proc/sys/kernel/osrelease", "5.15.0-generic\n")

	for cpu := 0; cpu < 8; cpu++ {
		socket := cpu / 4
		base := "/sys/devices/system/cpu/cpu" + itoa(cpu) + "/topology"
		writeFile(t, fs, base+"/physical_package_id", itoa(socket))
		writeFile(t, fs, base+"/die_id", itoa(socket))
		writeFile(t, fs, base+"/cluster_id", itoa(socket))

		cacheBase := "/sys/devices/system/cpu/cpu" + itoa(cpu) + "/cache/index3"
		writeFile(t, fs, cacheBase+"/level", "3")
		writeFile(t, fs, cacheBase+"/ways_of_associativity", "16")
		writeFile(t, fs, cacheBase+"/number_of_sets", "2048")
		writeFile(t, fs, cacheBase+"/coherency_line_size", "64")
		writeFile(t, fs, cacheBase+"/size", "16384K")
	}

	return fs
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestProbeSysfsTwoSockets(t *testing.T) {
	fs := newTwoSocketFourCoreFs(t)

	info, err := Probe(fs)
	require.NoError(t, err)

	assert.Equal(t, VendorIntel, info.Vendor)
	assert.Len(t, info.Cores, 8)
	assert.Equal(t, 7, info.MaxLCore)
	assert.ElementsMatch(t, []int{0, 1}, info.Sockets())
	assert.Equal(t, 4, len(info.CoresInL3Cluster(0)))
	assert.True(t, info.L3Cache.Detected)
	assert.Equal(t, 16, info.L3Cache.NumWays)
	assert.Equal(t, 16384*1024, info.L3Cache.TotalSize)
	assert.Equal(t, 5, info.KernelMajor)
	assert.Equal(t, 15, info.KernelMinor)
	assert.True(t, info.KernelAtLeast(5, 9))
	assert.False(t, info.KernelAtLeast(6, 0))
}

func TestProbeNoCPU(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Probe(fs)
	assert.Error(t, err)
}

func TestCoreByLCore(t *testing.T) {
	fs := newTwoSocketFourCoreFs(t)
	info, err := Probe(fs)
	require.NoError(t, err)

	c, ok := info.CoreByLCore(3)
	require.True(t, ok)
	assert.Equal(t, 0, c.Socket)

	_, ok = info.CoreByLCore(99)
	assert.False(t, ok)
}
