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
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/phobos/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Ensure the service satisfies the domain contract.
var _ domain.AdapterServiceIface = (*adapterService)(nil)

// DefaultAdapters lists the per-family adapters registered by the daemons.
func DefaultAdapters(ios domain.IOServiceIface) []domain.AdapterIface {
	return []domain.AdapterIface{
		NewLtfsAdapter(ios),
		NewPosixAdapter(ios),
		NewRadosAdapter(),
	}
}

type adapterService struct {
	sync.RWMutex

	// Dispatch table, one adapter per family. A family with no entry is a
	// configuration error surfaced at lookup.
	table map[domain.ResourceFamily]domain.AdapterIface

	// Catalog log channel; every adapter call is journaled through it.
	logs domain.LogServiceIface
}

// NewAdapterService constructs an empty adapter registry.
func NewAdapterService() domain.AdapterServiceIface {
	return &adapterService{
		table: make(map[domain.ResourceFamily]domain.AdapterIface),
	}
}

func (as *adapterService) Setup(adapters []domain.AdapterIface,
	logs domain.LogServiceIface) error {

	as.logs = logs

	for _, a := range adapters {
		if err := as.RegisterAdapter(a); err != nil {
			return err
		}
	}

	return nil
}

func (as *adapterService) RegisterAdapter(a domain.AdapterIface) error {

	as.Lock()
	defer as.Unlock()

	if _, ok := as.table[a.Family()]; ok {
		return errors.Wrapf(domain.ErrExist,
			"adapter for family %q already registered", a.Family())
	}

	as.table[a.Family()] = a
	logrus.Debugf("Registered %v adapter (fs %v)", a.Family(), a.FsType())

	return nil
}

func (as *adapterService) LookupAdapter(
	family domain.ResourceFamily) (domain.AdapterIface, error) {

	as.RLock()
	defer as.RUnlock()

	a, ok := as.table[family]
	if !ok {
		return nil, errors.Wrapf(domain.ErrInval,
			"no adapter configured for family %q", family)
	}

	return &journaled{inner: a, logs: as.logs}, nil
}

// journaled decorates an adapter so that every call emits one timed JSON
// log record to the catalog log channel.
type journaled struct {
	inner domain.AdapterIface
	logs  domain.LogServiceIface
}

func (j *journaled) emit(op, device, medium string, start time.Time, err error) {
	if j.logs == nil {
		return
	}

	rec := domain.LogRecord{
		Time:    start,
		Op:      op,
		Device:  device,
		Medium:  medium,
		Elapsed: time.Since(start).Seconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	j.logs.Emit(rec)
}

func (j *journaled) Family() domain.ResourceFamily { return j.inner.Family() }
func (j *journaled) FsType() domain.FsType         { return j.inner.FsType() }

func (j *journaled) DeviceQuery(path string) (*domain.DeviceInfo, error) {
	start := time.Now()
	info, err := j.inner.DeviceQuery(path)
	j.emit("device_query", path, "", start, err)
	return info, err
}

func (j *journaled) FsMount(devPath, label string) (string, error) {
	start := time.Now()
	root, err := j.inner.FsMount(devPath, label)
	j.emit("fs_mount", devPath, label, start, err)
	return root, err
}

func (j *journaled) FsUmount(devPath, rootPath string) error {
	start := time.Now()
	err := j.inner.FsUmount(devPath, rootPath)
	j.emit("fs_umount", devPath, rootPath, start, err)
	return err
}

func (j *journaled) FsFormat(devPath, label string) error {
	start := time.Now()
	err := j.inner.FsFormat(devPath, label)
	j.emit("fs_format", devPath, label, start, err)
	return err
}

func (j *journaled) FsDf(rootPath string) (*domain.SpaceInfo, error) {
	start := time.Now()
	info, err := j.inner.FsDf(rootPath)
	j.emit("fs_df", "", rootPath, start, err)
	return info, err
}

func (j *journaled) FsRelease(rootPath string) error {
	start := time.Now()
	err := j.inner.FsRelease(rootPath)
	j.emit("fs_release", "", rootPath, start, err)
	return err
}
