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

// ElementKind enumerates the four kinds of elements a media-changer exposes.
type ElementKind string

const (
	ElementArm    ElementKind = "arm"
	ElementSlot   ElementKind = "slot"
	ElementImpExp ElementKind = "impexp"
	ElementDrive  ElementKind = "drive"
)

// ElementStatus is the decoded state of one library element. Addresses are
// unique within a library; a medium is represented by exactly one full
// element.
type ElementStatus struct {
	Kind    ElementKind `json:"type"`
	Address uint16      `json:"address"`
	Full    bool        `json:"full"`

	// VolumeLabel is meaningful only when Full is set.
	VolumeLabel string `json:"volume,omitempty"`

	// SourceAddress records where the held medium came from, when the
	// library reports it (source-valid flag).
	SourceAddress uint16 `json:"source_address,omitempty"`
	SourceIsSet   bool   `json:"-"`

	// DeviceID carries the drive identification string for drive elements.
	// Depending on the library it holds "VENDOR MODEL SERIAL" or the bare
	// serial.
	DeviceID string `json:"device_id,omitempty"`

	Accessible    bool `json:"accessible"`
	InvertedMedia bool `json:"invert,omitempty"`
	ExceptCode    byte `json:"except_code,omitempty"`
	ExceptASC     byte `json:"except_asc,omitempty"`
	ExceptASCQ    byte `json:"except_ascq,omitempty"`
	Except        bool `json:"except,omitempty"`
}
