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
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/nestybox/phobos/domain"
)

// Ensure the adapter satisfies the domain contract.
var _ domain.AdapterIface = (*posixAdapter)(nil)

// posixAdapter serves the dir family: a medium is a directory, its label
// recorded in a marker file so that a directory cannot masquerade as
// another medium.
type posixAdapter struct {
	ios domain.IOServiceIface
}

const labelMarker = ".phobos_label"

func NewPosixAdapter(ios domain.IOServiceIface) domain.AdapterIface {
	return &posixAdapter{ios: ios}
}

func (a *posixAdapter) Family() domain.ResourceFamily {
	return domain.FamilyDir
}

func (a *posixAdapter) FsType() domain.FsType {
	return domain.FsTypePosix
}

// DeviceQuery identifies a directory device: the resolved path is the
// serial.
func (a *posixAdapter) DeviceQuery(path string) (*domain.DeviceInfo, error) {

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Under test filesystems symlink resolution is unavailable; fall
		// back to a cleaned absolute path.
		resolved = filepath.Clean(path)
	}

	node := a.ios.NewIOnode(filepath.Base(resolved), resolved, 0755)
	info, err := node.Stat()
	if err != nil {
		return nil, errors.Wrapf(domain.ErrNoEnt, "no such directory %s",
			path)
	}
	if !info.IsDir() {
		return nil, errors.Wrapf(domain.ErrInval, "%s is not a directory",
			path)
	}

	return &domain.DeviceInfo{Serial: resolved, Model: "dir"}, nil
}

// FsMount verifies the label marker and hands back the directory as the
// filesystem root.
func (a *posixAdapter) FsMount(devPath, label string) (string, error) {

	marker := a.ios.NewIOnode(labelMarker,
		filepath.Join(devPath, labelMarker), 0644)

	content, err := marker.ReadFile()
	if err != nil {
		return "", errors.Wrapf(domain.ErrNoEnt,
			"%s carries no medium label", devPath)
	}

	if string(content) != label {
		return "", errors.Wrapf(domain.ErrInval,
			"bad label on %s: wanted %q, found %q", devPath, label,
			string(content))
	}

	return devPath, nil
}

func (a *posixAdapter) FsUmount(devPath, rootPath string) error {
	// A directory medium has nothing to detach.
	return nil
}

// FsFormat initialises a directory medium: the directory must exist and be
// empty, then the label marker is laid down.
func (a *posixAdapter) FsFormat(devPath, label string) error {

	dir := a.ios.NewIOnode(filepath.Base(devPath), devPath, 0755)

	entries, err := dir.ReadDirAll()
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			if err := dir.MkdirAll(); err != nil {
				return errors.Wrapf(err, "creating %s", devPath)
			}
			entries = nil
		} else {
			return errors.Wrapf(err, "reading %s", devPath)
		}
	}

	for _, e := range entries {
		if e.Name() != labelMarker {
			return errors.Wrapf(domain.ErrExist, "%s is not empty", devPath)
		}
	}

	marker := a.ios.NewIOnode(labelMarker,
		filepath.Join(devPath, labelMarker), 0644)

	return marker.WriteFile([]byte(label))
}

// FsDf probes the filesystem hosting the directory.
func (a *posixAdapter) FsDf(rootPath string) (*domain.SpaceInfo, error) {

	if a.ios.GetServiceType() == domain.IOMemFileService {
		// afero's mem fs has no statfs; report a fixed large volume so
		// that scheduling logic stays testable.
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

// FsRelease flushes without unmounting.
func (a *posixAdapter) FsRelease(rootPath string) error {

	if a.ios.GetServiceType() == domain.IOMemFileService {
		return nil
	}

	fd, err := unix.Open(rootPath, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return errors.Wrapf(domain.ErrNoEnt, "opening %s", rootPath)
	}
	defer unix.Close(fd)

	if err := unix.Syncfs(fd); err != nil {
		return errors.Wrapf(err, "syncing %s", rootPath)
	}

	return nil
}
