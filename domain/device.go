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

import "fmt"

// DeviceID uniquely identifies a drive across the fleet.
type DeviceID struct {
	Family  ResourceFamily `json:"family"`
	Serial  string         `json:"serial"`
	Library string         `json:"library"`
}

func (id DeviceID) String() string {
	return fmt.Sprintf("%s:%s:%s", id.Family, id.Library, id.Serial)
}

// OpState is the internal, LRS-side state of a drive. Transitions are driven
// by scheduler decisions only, never by external requests directly.
type OpState string

const (
	OpStateUninit     OpState = "uninit"
	OpStateEmpty      OpState = "empty"
	OpStateLoading    OpState = "loading"
	OpStateLoaded     OpState = "loaded"
	OpStateMounting   OpState = "mounting"
	OpStateMounted    OpState = "mounted"
	OpStateBusy       OpState = "busy"
	OpStateFlushing   OpState = "flushing"
	OpStateUnmounting OpState = "unmounting"
	OpStateUnloading  OpState = "unloading"
	OpStateFailed     OpState = "failed"
)

// Transient reports whether the state is a transition the scheduler must
// never target.
func (s OpState) Transient() bool {
	switch s {
	case OpStateLoading, OpStateMounting, OpStateFlushing,
		OpStateUnmounting, OpStateUnloading:
		return true
	}

	return false
}

// HoldsMedium reports whether a drive in this state carries a current
// medium. This is the drive-state invariant asserted by the property tests.
func (s OpState) HoldsMedium() bool {
	switch s {
	case OpStateLoaded, OpStateMounting, OpStateMounted,
		OpStateBusy, OpStateFlushing, OpStateUnmounting:
		return true
	}

	return false
}

// Device is the catalog view of a drive.
type Device struct {
	ID        DeviceID  `json:"id"`
	AdmStatus AdmStatus `json:"adm_status"`
	Model     string    `json:"model,omitempty"`
	Path      string    `json:"path"`
	Host      string    `json:"host"`

	// Currently loaded medium label, empty when the drive is empty. A drive
	// has a mounted medium only if it has a loaded medium.
	Medium    string `json:"medium,omitempty"`
	MountPath string `json:"mount_path,omitempty"`
}
