//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/sysio"
)

func testLtfs(t *testing.T) (*ltfsAdapter, domain.IOServiceIface,
	*[][]string) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	t.Cleanup(func() { ios.RemoveAllIOnodes() })

	a := NewLtfsAdapter(ios).(*ltfsAdapter)

	var commands [][]string
	a.run = func(name string, args ...string) ([]byte, error) {
		commands = append(commands, append([]string{name}, args...))
		return nil, nil
	}
	a.mounted = func(path string) (bool, error) {
		return true, nil
	}

	return a, ios, &commands
}

func TestLtfsMountPoint(t *testing.T) {
	assert.Equal(t, "/mnt/phobos-P00001L5", MountPoint("P00001L5"))
}

func TestLtfsMount(t *testing.T) {

	a, _, commands := testLtfs(t)

	root, err := a.FsMount("/dev/st0", "P00001L5")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/phobos-P00001L5", root)

	require.Len(t, *commands, 1)
	cmd := (*commands)[0]
	assert.Equal(t, "ltfs", cmd[0])
	assert.Contains(t, cmd, "devname=/dev/st0")
	assert.Contains(t, cmd, root)
}

func TestLtfsMountNotConfirmed(t *testing.T) {

	a, _, _ := testLtfs(t)
	a.mounted = func(path string) (bool, error) { return false, nil }

	_, err := a.FsMount("/dev/st0", "P00001L5")
	assert.ErrorIs(t, err, domain.ErrIO)
}

func TestLtfsFormat(t *testing.T) {

	a, _, commands := testLtfs(t)

	require.NoError(t, a.FsFormat("/dev/st0", "P00001L5"))

	require.Len(t, *commands, 1)
	cmd := (*commands)[0]
	assert.Equal(t, "mkltfs", cmd[0])
	assert.Contains(t, cmd, "--device=/dev/st0")
	assert.Contains(t, cmd, "--tape-serial=P00001")
	assert.Contains(t, cmd, "--volume-name=P00001L5")
}

func TestLtfsUmountRequiresMounted(t *testing.T) {

	a, _, _ := testLtfs(t)
	a.mounted = func(path string) (bool, error) { return false, nil }

	err := a.FsUmount("/dev/st0", "/mnt/phobos-P00001L5")
	assert.ErrorIs(t, err, domain.ErrInval)
}

func TestLtfsDeviceQuery(t *testing.T) {

	a, ios, _ := testLtfs(t)

	// vpd_pg80 carries a 4-byte binary header before the serial.
	serialPage := append([]byte{0, 0x80, 0, 6}, []byte("123456")...)
	node := ios.NewIOnode("vpd_pg80",
		"/sys/class/scsi_tape/st0/device/vpd_pg80", 0444)
	require.NoError(t, ios.NewIOnode("device",
		"/sys/class/scsi_tape/st0/device", 0755).MkdirAll())
	require.NoError(t, node.WriteFile(serialPage))
	require.NoError(t, ios.NewIOnode("model",
		"/sys/class/scsi_tape/st0/device/model", 0444).
		WriteFile([]byte("ULT3580-TD5 \n")))

	info, err := a.DeviceQuery("/dev/st0")
	require.NoError(t, err)
	assert.Equal(t, "123456", info.Serial)
	assert.Equal(t, "ULT3580-TD5", info.Model)

	_, err = a.DeviceQuery("/dev/st9")
	assert.ErrorIs(t, err, domain.ErrNoDev)
}
