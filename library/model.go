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

package library

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/phobos/domain"
)

// Ensure the model satisfies the domain contract.
var _ domain.LibraryIface = (*Model)(nil)

// Model is the in-memory cache of all library elements and their occupancy.
// It is owned by a single TLC and mutated only from its single-threaded
// loop, which makes lookups atomic with respect to moves.
type Model struct {
	changer domain.ChangerIface

	assignment map[domain.ElementKind]domain.ElementAddressAssignment

	arms   elementVector
	slots  elementVector
	impexp elementVector
	drives elementVector
}

// elementVector caches the element descriptors of one kind. The loaded
// flag distinguishes "not queried yet" from "zero elements".
type elementVector struct {
	loaded   bool
	elements []domain.ElementStatus
}

func NewModel(changer domain.ChangerIface) *Model {
	return &Model{changer: changer}
}

// Load populates the full model: mode sense first, then every element kind.
func (m *Model) Load() error {

	assignment, err := m.changer.ModeSense()
	if err != nil {
		return err
	}
	m.assignment = assignment

	m.arms = elementVector{}
	m.slots = elementVector{}
	m.impexp = elementVector{}
	m.drives = elementVector{}

	for _, kind := range []domain.ElementKind{
		domain.ElementArm,
		domain.ElementSlot,
		domain.ElementImpExp,
		domain.ElementDrive,
	} {
		if _, err := m.vector(kind); err != nil {
			return err
		}
	}

	logrus.Infof("Library model loaded: %v arms, %v slots, %v impexp, %v drives",
		len(m.arms.elements), len(m.slots.elements),
		len(m.impexp.elements), len(m.drives.elements))

	return nil
}

// vector lazily populates one element kind. ModeSense must have succeeded
// first.
func (m *Model) vector(kind domain.ElementKind) (*elementVector, error) {

	var vec *elementVector

	switch kind {
	case domain.ElementArm:
		vec = &m.arms
	case domain.ElementSlot:
		vec = &m.slots
	case domain.ElementImpExp:
		vec = &m.impexp
	case domain.ElementDrive:
		vec = &m.drives
	default:
		return nil, domain.ErrInval
	}

	if vec.loaded {
		return vec, nil
	}

	if m.assignment == nil {
		return nil, domain.ErrInval
	}

	assign := m.assignment[kind]
	flags := domain.ElementStatusFlags{GetLabel: true}
	if kind == domain.ElementDrive {
		flags.GetDriveID = true
	}

	elements := []domain.ElementStatus{}
	if assign.Count > 0 {
		var err error
		elements, err = m.changer.ElementStatus(kind, assign.FirstAddress,
			assign.Count, flags)
		if err != nil {
			return nil, err
		}
	}

	vec.elements = elements
	vec.loaded = true

	return vec, nil
}

// driveSerialOf extracts the serial from a drive identification string.
// Some libraries return "VENDOR  MODEL  SERIAL", others only "SERIAL": the
// trailing, space-stripped token is the serial either way.
func driveSerialOf(deviceID string) string {

	fields := strings.Fields(deviceID)
	if len(fields) == 0 {
		return ""
	}

	return fields[len(fields)-1]
}

// DriveBySerial finds the drive element whose device id matches serial.
func (m *Model) DriveBySerial(serial string) (*domain.ElementStatus, error) {

	vec, err := m.vector(domain.ElementDrive)
	if err != nil {
		return nil, err
	}

	for i := range vec.elements {
		if driveSerialOf(vec.elements[i].DeviceID) == serial {
			return &vec.elements[i], nil
		}
	}

	return nil, domain.ErrNoEnt
}

// MediumByLabel searches drives, then slots, then arms, then import/export
// for a full element bearing the label.
func (m *Model) MediumByLabel(label string) (*domain.ElementStatus, error) {

	order := []domain.ElementKind{
		domain.ElementDrive,
		domain.ElementSlot,
		domain.ElementArm,
		domain.ElementImpExp,
	}

	for _, kind := range order {
		vec, err := m.vector(kind)
		if err != nil {
			return nil, err
		}

		for i := range vec.elements {
			e := &vec.elements[i]
			if e.Full && e.VolumeLabel == label {
				return e, nil
			}
		}
	}

	return nil, domain.ErrNoEnt
}

// FirstDriveAddress returns the base address of the drive window.
func (m *Model) FirstDriveAddress() uint16 {
	return m.assignment[domain.ElementDrive].FirstAddress
}

// ArmAddress picks the transport element used for moves.
func (m *Model) ArmAddress() uint16 {

	vec, err := m.vector(domain.ElementArm)
	if err != nil || len(vec.elements) == 0 {
		return m.assignment[domain.ElementArm].FirstAddress
	}

	return vec.elements[0].Address
}

// FreeSlot selects an unload destination. The preferred address (the
// drive's recorded source) wins if it is a currently-empty slot; otherwise
// any empty slot is taken.
func (m *Model) FreeSlot(preferred uint16, hasPreferred bool) (uint16, error) {

	vec, err := m.vector(domain.ElementSlot)
	if err != nil {
		return 0, err
	}

	if hasPreferred {
		for i := range vec.elements {
			e := &vec.elements[i]
			if e.Address == preferred && !e.Full {
				return e.Address, nil
			}
		}
	}

	for i := range vec.elements {
		if !vec.elements[i].Full {
			return vec.elements[i].Address, nil
		}
	}

	return 0, domain.ErrNoSpc
}

// lookupAddress finds the element at an address, any kind.
func (m *Model) lookupAddress(addr uint16) *domain.ElementStatus {

	for _, vec := range []*elementVector{&m.drives, &m.slots, &m.arms,
		&m.impexp} {
		if !vec.loaded {
			continue
		}
		for i := range vec.elements {
			if vec.elements[i].Address == addr {
				return &vec.elements[i]
			}
		}
	}

	return nil
}

// MoveDone mutates both endpoints of a successful move in place: the source
// becomes empty and loses its source address; the destination becomes full,
// inherits the label and records the old location as its source.
func (m *Model) MoveDone(srcAddress, dstAddress uint16) {

	src := m.lookupAddress(srcAddress)
	dst := m.lookupAddress(dstAddress)
	if src == nil || dst == nil {
		logrus.Errorf("Move endpoints not cached (%#x -> %#x)", srcAddress,
			dstAddress)
		return
	}

	dst.Full = true
	dst.VolumeLabel = src.VolumeLabel
	dst.SourceAddress = srcAddress
	dst.SourceIsSet = true

	src.Full = false
	src.VolumeLabel = ""
	src.SourceAddress = 0
	src.SourceIsSet = false
}

// Elements serializes every cached element: arms, then slots, then
// import/export, then drives, each kind in the order the changer reported it.
func (m *Model) Elements() []domain.ElementStatus {

	var out []domain.ElementStatus
	for _, vec := range []*elementVector{&m.arms, &m.slots, &m.impexp,
		&m.drives} {
		if vec.loaded {
			out = append(out, vec.elements...)
		}
	}

	return out
}
