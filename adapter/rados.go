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
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/nestybox/phobos/domain"
)

// Ensure the adapter satisfies the domain contract.
var _ domain.AdapterIface = (*radosAdapter)(nil)

// radosAdapter serves the rados_pool family through the ceph CLI tooling.
// Pool names are taken as-is: no realpath resolution applies to them.
type radosAdapter struct {
	run func(name string, args ...string) ([]byte, error)
}

func NewRadosAdapter() domain.AdapterIface {

	a := &radosAdapter{}
	a.run = func(name string, args ...string) ([]byte, error) {
		return exec.Command(name, args...).CombinedOutput()
	}

	return a
}

func (a *radosAdapter) Family() domain.ResourceFamily {
	return domain.FamilyRadosPool
}

func (a *radosAdapter) FsType() domain.FsType {
	return domain.FsTypeRados
}

// DeviceQuery accepts the pool name as-is.
func (a *radosAdapter) DeviceQuery(path string) (*domain.DeviceInfo, error) {

	if path == "" {
		return nil, errors.Wrap(domain.ErrInval, "empty rados pool name")
	}

	return &domain.DeviceInfo{Serial: path, Model: "rados_pool"}, nil
}

// FsMount verifies the pool answers and hands back an opaque root.
func (a *radosAdapter) FsMount(devPath, label string) (string, error) {

	if out, err := a.run("rados", "-p", label, "stat", "phobos_label"); err != nil {
		return "", errors.Wrapf(domain.ErrNoEnt,
			"rados pool %s is not a phobos medium: %v (%s)", label, err,
			strings.TrimSpace(string(out)))
	}

	return "pool:" + label, nil
}

func (a *radosAdapter) FsUmount(devPath, rootPath string) error {
	// Pools have nothing to detach.
	return nil
}

// FsFormat stamps the pool with the label object.
func (a *radosAdapter) FsFormat(devPath, label string) error {

	if out, err := a.run("rados", "-p", label, "create", "phobos_label"); err != nil {
		return errors.Wrapf(domain.ErrIO,
			"formatting rados pool %s failed: %v (%s)", label, err,
			strings.TrimSpace(string(out)))
	}

	return nil
}

func (a *radosAdapter) FsDf(rootPath string) (*domain.SpaceInfo, error) {

	pool := strings.TrimPrefix(rootPath, "pool:")

	out, err := a.run("rados", "-p", pool, "df", "--format", "json")
	if err != nil {
		return nil, errors.Wrapf(domain.ErrIO, "rados df on %s: %v", pool,
			err)
	}

	var df struct {
		Pools []struct {
			SizeBytes int64 `json:"size_bytes"`
		} `json:"pools"`
		TotalAvail int64 `json:"total_avail"`
	}
	if err := json.Unmarshal(out, &df); err != nil {
		return nil, errors.Wrapf(domain.ErrProto,
			"malformed rados df output: %v", err)
	}

	info := &domain.SpaceInfo{BytesAvailable: df.TotalAvail}
	if len(df.Pools) > 0 {
		info.BytesUsed = df.Pools[0].SizeBytes
	}

	return info, nil
}

func (a *radosAdapter) FsRelease(rootPath string) error {
	// Rados writes are synchronous; nothing to flush.
	return nil
}
