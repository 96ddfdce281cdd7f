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

package domain

// DeviceInfo is what an adapter learns about the physical drive behind a
// host path.
type DeviceInfo struct {
	Serial string `json:"serial"`
	Model  string `json:"model"`
}

// SpaceInfo is the result of probing a mounted medium filesystem.
type SpaceInfo struct {
	BytesUsed      int64 `json:"bytes_used"`
	BytesAvailable int64 `json:"bytes_available"`
}

// AdapterIface is the per-family capability set. A family with no registered
// adapter is a configuration error surfaced at lookup, never a runtime cast
// failure.
type AdapterIface interface {
	Family() ResourceFamily
	FsType() FsType

	// DeviceQuery identifies the physical drive behind a path. Pool
	// families accept the name as-is without realpath resolution.
	DeviceQuery(path string) (*DeviceInfo, error)

	// FsMount attaches the filesystem of the medium labelled label, loaded
	// in the device at devPath, and returns the root path.
	FsMount(devPath, label string) (string, error)

	// FsUmount detaches a previously mounted filesystem.
	FsUmount(devPath, rootPath string) error

	// FsFormat initialises the medium filesystem.
	FsFormat(devPath, label string) error

	// FsDf probes used/available bytes under rootPath.
	FsDf(rootPath string) (*SpaceInfo, error)

	// FsRelease flushes a mounted filesystem without unmounting it.
	FsRelease(rootPath string) error
}

// AdapterServiceIface dispatches adapter calls per family and emits one
// timed JSON log record per call to the catalog log channel.
type AdapterServiceIface interface {
	Setup(adapters []AdapterIface, logs LogServiceIface) error
	RegisterAdapter(a AdapterIface) error
	LookupAdapter(family ResourceFamily) (AdapterIface, error)
}
