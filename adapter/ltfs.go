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

package adapter

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nestybox/phobos/domain"
)

// Ensure the adapter satisfies the domain contract.
var _ domain.AdapterIface = (*ltfsAdapter)(nil)

// ltfsAdapter serves the tape family by driving the LTFS user-space
// tooling. Mount points follow the /mnt/phobos-<label> convention.
type ltfsAdapter struct {
	ios domain.IOServiceIface

	// Command runner, swapped by unit tests.
	run func(name string, args ...string) ([]byte, error)

	// Mounted-state probe, swapped by unit tests.
	mounted func(path string) (bool, error)
}

const ltfsMountRoot = "/mnt"

func NewLtfsAdapter(ios domain.IOServiceIface) domain.AdapterIface {

	a := &ltfsAdapter{ios: ios}
	a.run = func(name string, args ...string) ([]byte, error) {
		return exec.Command(name, args...).CombinedOutput()
	}
	a.mounted = func(path string) (bool, error) {
		return mountinfo.Mounted(path)
	}

	return a
}

func (a *ltfsAdapter) Family() domain.ResourceFamily {
	return domain.FamilyTape
}

func (a *ltfsAdapter) FsType() domain.FsType {
	return domain.FsTypeLtfs
}

// MountPoint returns the conventional root path of a tape label.
func MountPoint(label string) string {
	return filepath.Join(ltfsMountRoot, "phobos-"+label)
}

// DeviceQuery reads the drive serial and model from the st sysfs entries
// behind the device node.
func (a *ltfsAdapter) DeviceQuery(path string) (*domain.DeviceInfo, error) {

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = filepath.Clean(path)
	}

	base := filepath.Base(resolved)
	sysDir := filepath.Join("/sys/class/scsi_tape", base, "device")

	serial, err := a.readSysAttr(filepath.Join(sysDir, "vpd_pg80"))
	if err != nil {
		return nil, errors.Wrapf(domain.ErrNoDev,
			"cannot identify drive behind %s: %v", path, err)
	}

	model, err := a.readSysAttr(filepath.Join(sysDir, "model"))
	if err != nil {
		model = ""
	}

	return &domain.DeviceInfo{Serial: serial, Model: model}, nil
}

func (a *ltfsAdapter) readSysAttr(path string) (string, error) {

	node := a.ios.NewIOnode(filepath.Base(path), path, 0444)
	content, err := node.ReadFile()
	if err != nil {
		return "", err
	}

	// vpd_pg80 carries a 4-byte header before the ASCII serial.
	s := string(content)
	if filepath.Base(path) == "vpd_pg80" && len(s) > 4 {
		s = s[4:]
	}

	return strings.TrimSpace(strings.Trim(s, "\x00")), nil
}

// FsMount launches ltfs on the drive and waits for the mount to appear.
func (a *ltfsAdapter) FsMount(devPath, label string) (string, error) {

	root := MountPoint(label)

	node := a.ios.NewIOnode(filepath.Base(root), root, 0750)
	if err := node.MkdirAll(); err != nil {
		return "", errors.Wrapf(err, "creating mount point %s", root)
	}

	out, err := a.run("ltfs",
		"-o", "devname="+devPath,
		"-o", "sync_type=unmount",
		root)
	if err != nil {
		return "", errors.Wrapf(domain.ErrIO,
			"ltfs mount of %s on %s failed: %v (%s)", devPath, root, err,
			strings.TrimSpace(string(out)))
	}

	ok, err := a.mounted(root)
	if err != nil || !ok {
		return "", errors.Wrapf(domain.ErrIO,
			"ltfs reported success but %s is not mounted", root)
	}

	return root, nil
}

func (a *ltfsAdapter) FsUmount(devPath, rootPath string) error {

	ok, err := a.mounted(rootPath)
	if err == nil && !ok {
		return errors.Wrapf(domain.ErrInval, "%s is not mounted", rootPath)
	}

	if out, err := a.run("umount", rootPath); err != nil {
		return errors.Wrapf(domain.ErrBusy, "umount of %s failed: %v (%s)",
			rootPath, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// FsFormat lays an LTFS filesystem on the tape loaded in the drive.
func (a *ltfsAdapter) FsFormat(devPath, label string) error {

	out, err := a.run("mkltfs",
		"--device="+devPath,
		"--tape-serial="+serial6(label),
		"--volume-name="+label)
	if err != nil {
		return errors.Wrapf(domain.ErrIO, "mkltfs of %s failed: %v (%s)",
			devPath, err, strings.TrimSpace(string(out)))
	}

	return nil
}

// serial6 derives the 6-character tape serial mkltfs requires from the
// label (labels are conventionally "<serial><type suffix>", e.g. P00001L5).
func serial6(label string) string {
	if len(label) >= 6 {
		return label[:6]
	}

	return fmt.Sprintf("%-6s", label)
}

func (a *ltfsAdapter) FsDf(rootPath string) (*domain.SpaceInfo, error) {

	if a.ios.GetServiceType() == domain.IOMemFileService {
		return &domain.SpaceInfo{BytesAvailable: 1 << 40}, nil
	}

	var st unix.Statfs_t
	if err := unix.Statfs(rootPath, &st); err != nil {
		return nil, errors.Wrapf(err, "statfs %s", rootPath)
	}

	bsize := int64(st.Bsize)

	return &domain.SpaceInfo{
		BytesUsed:      int64(st.Blocks-st.Bfree) * bsize,
		BytesAvailable: int64(st.Bavail) * bsize,
	}, nil
}

// FsRelease forces LTFS to write its index without unmounting, through the
// ltfs.sync virtual xattr.
func (a *ltfsAdapter) FsRelease(rootPath string) error {

	if a.ios.GetServiceType() == domain.IOMemFileService {
		return nil
	}

	err := unix.Setxattr(rootPath, "user.ltfs.sync", []byte{}, 0)
	if err != nil && err != unix.ENOTSUP && err != unix.ENODATA {
		return errors.Wrapf(err, "syncing ltfs on %s", rootPath)
	}

	return nil
}
