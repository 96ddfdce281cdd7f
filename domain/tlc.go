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

// TlcDriveInfo is the TLC-side view of one drive, as returned by a lookup.
type TlcDriveInfo struct {
	Address      uint16
	FirstAddress uint16
	Loaded       bool
	LoadedLabel  string
}

// TlcClientIface is the LRS-side handle on the tape library controller.
type TlcClientIface interface {
	Ping() (bool, error)
	DriveLookup(serial string) (*TlcDriveInfo, error)
	Load(driveSerial, tapeLabel string) error

	// Unload ejects the medium in the drive; expectedLabel, when non-nil,
	// must match the loaded label. It returns the unloaded label and the
	// destination slot address.
	Unload(driveSerial string, expectedLabel *string) (string, uint16, error)

	// Status returns the JSON element array of the library, optionally
	// forcing a model reload first.
	Status(refresh bool) ([]byte, error)

	// Refresh makes the TLC close and re-open the library device.
	Refresh() error

	Close() error
}
