package mount

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMountinfoLine(t *testing.T) {
	line := `36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw,errors=continue`

	mi, err := parseMountinfoLine(line)
	require.NoError(t, err)

	require.Equal(t, 36, mi.MountId)
	require.Equal(t, 35, mi.ParentId)
	require.Equal(t, 98, mi.Major)
	require.Equal(t, 0, mi.Minor)
	require.Equal(t, "/mnt1", mi.Root)
	require.Equal(t, "/mnt2", mi.Mountpoint)
	require.Equal(t, "rw,noatime", mi.Opts)
	require.Equal(t, "master:1", mi.Optional)
	require.Equal(t, "ext3", mi.Fstype)
	require.Equal(t, "/dev/root", mi.Source)
	require.Equal(t, "rw,errors=continue", mi.VfsOpts)
}

func TestParseMountinfoLineNoOptionalFields(t *testing.T) {
	line := `21 20 0:19 / /sys/fs/resctrl rw,relatime - resctrl resctrl rw,mba_MBps`

	mi, err := parseMountinfoLine(line)
	require.NoError(t, err)
	require.Equal(t, "", mi.Optional)
	require.Equal(t, "resctrl", mi.Fstype)
	require.Equal(t, "/sys/fs/resctrl", mi.Mountpoint)
}

func TestParseMountinfoLineInvalid(t *testing.T) {
	_, err := parseMountinfoLine("not enough fields")
	require.Error(t, err)
}

func TestOptionsToFlags(t *testing.T) {
	flags := OptionsToFlags([]string{"ro", "nodev", "bogus"})
	require.NotZero(t, flags)
}

func TestGetMountsSelf(t *testing.T) {
	mounts, err := GetMounts()
	require.NoError(t, err)
	require.NotEmpty(t, mounts)

	found := FindMount("/", mounts)
	require.True(t, found, "expected root mount to be present")
}

func TestGetMountAtNotFound(t *testing.T) {
	mounts, err := GetMounts()
	require.NoError(t, err)

	_, err = GetMountAt("/__pqos_definitely_not_a_mountpoint__", mounts)
	require.Error(t, err)
}
