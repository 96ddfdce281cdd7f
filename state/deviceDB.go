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

package state

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/phobos/domain"
)

// Ensure the service satisfies the domain contract.
var _ domain.DeviceStateServiceIface = (*deviceStateService)(nil)

// legalTransitions is the drive state machine of the scheduler: a drive
// moves only along these edges, and only when a scheduler decision (or a
// completion event) says so.
var legalTransitions = map[domain.OpState][]domain.OpState{
	domain.OpStateUninit:     {domain.OpStateEmpty, domain.OpStateFailed},
	domain.OpStateEmpty:      {domain.OpStateLoading, domain.OpStateFailed},
	domain.OpStateLoading:    {domain.OpStateLoaded, domain.OpStateEmpty, domain.OpStateFailed},
	domain.OpStateLoaded:     {domain.OpStateMounting, domain.OpStateUnloading, domain.OpStateFailed},
	domain.OpStateMounting:   {domain.OpStateMounted, domain.OpStateLoaded, domain.OpStateFailed},
	domain.OpStateMounted:    {domain.OpStateBusy, domain.OpStateUnmounting, domain.OpStateFailed},
	domain.OpStateBusy:       {domain.OpStateBusy, domain.OpStateFlushing, domain.OpStateFailed},
	domain.OpStateFlushing:   {domain.OpStateMounted, domain.OpStateFailed},
	domain.OpStateUnmounting: {domain.OpStateLoaded, domain.OpStateFailed},
	domain.OpStateUnloading:  {domain.OpStateEmpty, domain.OpStateFailed},
	domain.OpStateFailed:     {},
}

type deviceStateService struct {
	sync.RWMutex

	// Map to store the association between drive serials and their state
	// records.
	serialTable map[string]*domain.DriveState
}

func NewDeviceStateService() domain.DeviceStateServiceIface {

	return &deviceStateService{
		serialTable: make(map[string]*domain.DriveState),
	}
}

func (dss *deviceStateService) Register(dev *domain.Device,
	op domain.OpState) error {

	dss.Lock()
	defer dss.Unlock()

	if _, ok := dss.serialTable[dev.ID.Serial]; ok {
		return errors.Wrapf(domain.ErrExist, "drive %s already registered",
			dev.ID.Serial)
	}

	st := &domain.DriveState{Device: *dev, Op: op, Medium: dev.Medium}
	dss.serialTable[dev.ID.Serial] = st

	logrus.Infof("Registered drive %v (%v) in state %v", dev.ID.Serial,
		dev.Path, op)

	return nil
}

func (dss *deviceStateService) Unregister(serial string) error {

	dss.Lock()
	defer dss.Unlock()

	st, ok := dss.serialTable[serial]
	if !ok {
		return domain.ErrNoEnt
	}
	if st.Op.Transient() || st.Op == domain.OpStateBusy {
		return errors.Wrapf(domain.ErrBusy,
			"drive %s is %v, cannot unregister", serial, st.Op)
	}

	delete(dss.serialTable, serial)

	return nil
}

func (dss *deviceStateService) Lookup(serial string) (*domain.DriveState, error) {

	dss.RLock()
	defer dss.RUnlock()

	st, ok := dss.serialTable[serial]
	if !ok {
		return nil, domain.ErrNoEnt
	}

	copied := *st

	return &copied, nil
}

// List snapshots every drive record, serial-sorted so that scheduling
// decisions stay deterministic given identical state.
func (dss *deviceStateService) List() []*domain.DriveState {

	dss.RLock()
	defer dss.RUnlock()

	out := make([]*domain.DriveState, 0, len(dss.serialTable))
	for _, st := range dss.serialTable {
		copied := *st
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Device.ID.Serial < out[j].Device.ID.Serial
	})

	return out
}

func (dss *deviceStateService) Transition(serial string,
	to domain.OpState) (*domain.DriveState, error) {

	dss.Lock()
	defer dss.Unlock()

	st, ok := dss.serialTable[serial]
	if !ok {
		return nil, domain.ErrNoEnt
	}

	legal := false
	for _, next := range legalTransitions[st.Op] {
		if next == to {
			legal = true
			break
		}
	}
	if !legal {
		return nil, errors.Wrapf(domain.ErrInval,
			"illegal drive transition %v -> %v on %s", st.Op, to, serial)
	}

	logrus.Debugf("Drive %v: %v -> %v", serial, st.Op, to)
	st.Op = to

	// Leaving the medium-holding half of the machine clears the medium
	// and mount bookkeeping.
	if !to.HoldsMedium() {
		st.Medium = ""
		st.RootPath = ""
		st.Refcount = 0
	}

	copied := *st

	return &copied, nil
}

func (dss *deviceStateService) SetMedium(serial, label string) error {

	dss.Lock()
	defer dss.Unlock()

	st, ok := dss.serialTable[serial]
	if !ok {
		return domain.ErrNoEnt
	}

	st.Medium = label
	st.Device.Medium = label

	return nil
}

func (dss *deviceStateService) SetRootPath(serial, rootPath string) error {

	dss.Lock()
	defer dss.Unlock()

	st, ok := dss.serialTable[serial]
	if !ok {
		return domain.ErrNoEnt
	}

	st.RootPath = rootPath
	st.Device.MountPath = rootPath

	return nil
}

func (dss *deviceStateService) SetAdmStatus(serial string,
	adm domain.AdmStatus) error {

	dss.Lock()
	defer dss.Unlock()

	st, ok := dss.serialTable[serial]
	if !ok {
		return domain.ErrNoEnt
	}

	st.Device.AdmStatus = adm

	return nil
}

func (dss *deviceStateService) AddRef(serial string) error {

	dss.Lock()
	defer dss.Unlock()

	st, ok := dss.serialTable[serial]
	if !ok {
		return domain.ErrNoEnt
	}
	if st.Op != domain.OpStateMounted && st.Op != domain.OpStateBusy {
		return errors.Wrapf(domain.ErrInval,
			"drive %s is %v, cannot take a reference", serial, st.Op)
	}

	st.Refcount++
	st.Op = domain.OpStateBusy

	return nil
}

func (dss *deviceStateService) DropRef(serial string) (int, error) {

	dss.Lock()
	defer dss.Unlock()

	st, ok := dss.serialTable[serial]
	if !ok {
		return 0, domain.ErrNoEnt
	}
	if st.Refcount == 0 {
		return 0, errors.Wrapf(domain.ErrInval,
			"drive %s has no outstanding references", serial)
	}

	st.Refcount--
	if st.Refcount == 0 && st.Op == domain.OpStateBusy {
		st.Op = domain.OpStateMounted
	}

	return st.Refcount, nil
}

func (dss *deviceStateService) Fail(serial string) error {

	dss.Lock()
	defer dss.Unlock()

	st, ok := dss.serialTable[serial]
	if !ok {
		return domain.ErrNoEnt
	}

	logrus.Errorf("Drive %v marked failed (was %v)", serial, st.Op)
	st.Op = domain.OpStateFailed
	st.Device.AdmStatus = domain.AdmStatusFailed

	return nil
}
