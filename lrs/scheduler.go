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

package lrs

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/nestybox/phobos/domain"
)

// Scheduler matches pending requests to {drive, medium} pairs available on
// this host. Selection is deterministic given identical state: drive lists
// are serial-sorted and media are ordered by least-recent load, then by
// label. The scheduler never retries across requests: callers get the
// binding, an "ask me again later" busy condition, or a definitive
// rejection.
type Scheduler struct {
	state    domain.DeviceStateServiceIface
	store    domain.DssIface
	hostname string
}

// WriteReq is the scheduler view of one write allocation.
type WriteReq struct {
	Size   int64
	Tags   []string
	Family domain.ResourceFamily
}

// Binding is an admitted request bound to a drive and a medium.
type Binding struct {
	DriveSerial string
	DrivePath   string
	Medium      *domain.Medium

	// NeedUnload: the drive holds another medium that must go back to its
	// slot first. NeedLoad: the bound medium must be moved into the
	// drive. Neither: the medium is already mounted.
	NeedUnload bool
	NeedLoad   bool
}

// errSchedAgain marks "no resources right now, retry on the next
// scheduling round". It stays internal to the lrs package: clients only
// ever see definitive outcomes.
var errSchedAgain = errors.Wrap(domain.ErrAgain, "no schedulable resources")

// IsAgain reports whether err asks for another scheduling round.
func IsAgain(err error) bool {
	return errors.Is(err, domain.ErrAgain)
}

func NewScheduler(state domain.DeviceStateServiceIface,
	store domain.DssIface, hostname string) *Scheduler {

	return &Scheduler{state: state, store: store, hostname: hostname}
}

// lockedElsewhere reports the foreign holder of a medium lock, if any.
func (sched *Scheduler) lockedElsewhere(id domain.MediumID) (string, bool) {

	lock, err := sched.store.Locks().Lookup(domain.LockTypeMedia, id.String())
	if err != nil || lock == nil {
		return "", false
	}
	if lock.Hostname == sched.hostname {
		return "", false
	}

	return lock.Hostname, true
}

// eligibleDrives snapshots the host's drives of a family that can take new
// work, split by current state.
func (sched *Scheduler) eligibleDrives(
	family domain.ResourceFamily) (mounted, empty, recyclable []*domain.DriveState,
	anyOfFamily, anyTransient bool) {

	for _, d := range sched.state.List() {
		if d.Device.ID.Family != family {
			continue
		}
		anyOfFamily = true

		if d.Device.AdmStatus != domain.AdmStatusUnlocked {
			continue
		}

		// A drive is eligible for new work only from mounted or empty;
		// loaded and busy drives belong to an in-flight request.
		switch d.Op {
		case domain.OpStateMounted:
			mounted = append(mounted, d)
			if d.Refcount == 0 {
				recyclable = append(recyclable, d)
			}
		case domain.OpStateEmpty:
			empty = append(empty, d)
		case domain.OpStateBusy, domain.OpStateLoaded:
			anyTransient = true
		default:
			if d.Op.Transient() {
				anyTransient = true
			}
		}
	}

	return mounted, empty, recyclable, anyOfFamily, anyTransient
}

// mediumForWrite fetches and checks the catalog medium mounted in a drive.
func (sched *Scheduler) mediumForWrite(d *domain.DriveState,
	req *WriteReq) *domain.Medium {

	if d.Medium == "" {
		return nil
	}

	m, err := sched.store.MediumGet(domain.MediumID{
		Family:  req.Family,
		Label:   d.Medium,
		Library: d.Device.ID.Library,
	})
	if err != nil {
		return nil
	}

	if !m.Writable() || !m.HasTags(req.Tags) ||
		m.Stats.BytesFree < req.Size {
		return nil
	}

	return m
}

// SelectWrite picks the drive/medium pair for a write request: prefer a
// mounted compatible medium with enough free space, otherwise an empty (or
// recyclable) drive plus the least recently used compatible medium.
func (sched *Scheduler) SelectWrite(req *WriteReq) (*Binding, error) {

	mounted, empty, recyclable, anyOfFamily, anyTransient :=
		sched.eligibleDrives(req.Family)

	if !anyOfFamily {
		return nil, errors.Wrapf(domain.ErrNoDev,
			"no %v drive on host %s", req.Family, sched.hostname)
	}

	// Pass 1: a compatible mounted medium, least recently loaded first.
	var best *Binding
	for _, d := range mounted {
		m := sched.mediumForWrite(d, req)
		if m == nil {
			continue
		}
		if best == nil || lruBefore(m, best.Medium) {
			best = &Binding{
				DriveSerial: d.Device.ID.Serial,
				DrivePath:   d.Device.Path,
				Medium:      m,
			}
		}
	}
	if best != nil {
		return best, nil
	}

	// Pass 2: load a compatible medium into an empty drive, or recycle a
	// mounted idle one.
	m, err := sched.pickMediumToLoad(req)
	if err != nil {
		return nil, err
	}

	if len(empty) > 0 {
		return &Binding{
			DriveSerial: empty[0].Device.ID.Serial,
			DrivePath:   empty[0].Device.Path,
			Medium:      m,
			NeedLoad:    true,
		}, nil
	}

	if len(recyclable) > 0 {
		return &Binding{
			DriveSerial: recyclable[0].Device.ID.Serial,
			DrivePath:   recyclable[0].Device.Path,
			Medium:      m,
			NeedUnload:  true,
			NeedLoad:    true,
		}, nil
	}

	if anyTransient || len(mounted) > 0 {
		return nil, errSchedAgain
	}

	return nil, errors.Wrapf(domain.ErrNoDev,
		"no usable %v drive on host %s", req.Family, sched.hostname)
}

// pickMediumToLoad selects the least recently used compatible medium not
// already sitting in a local drive.
func (sched *Scheduler) pickMediumToLoad(req *WriteReq) (*domain.Medium, error) {

	inDrives := make(map[string]bool)
	for _, d := range sched.state.List() {
		if d.Medium != "" {
			inDrives[d.Medium] = true
		}
	}

	media, err := sched.store.MediumList(req.Family, nil)
	if err != nil {
		return nil, err
	}

	var candidates []*domain.Medium
	for _, m := range media {
		if !m.Writable() || !m.HasTags(req.Tags) ||
			m.Stats.BytesFree < req.Size {
			continue
		}
		if inDrives[m.ID.Label] {
			continue
		}
		if _, held := sched.lockedElsewhere(m.ID); held {
			continue
		}
		candidates = append(candidates, m)
	}

	if len(candidates) == 0 {
		return nil, errors.Wrapf(domain.ErrNoSpc,
			"no compatible %v medium with %v free bytes", req.Family,
			req.Size)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return lruBefore(candidates[i], candidates[j])
	})

	return candidates[0], nil
}

// lruBefore orders media by least recent load, label as tie-break, to
// spread wear deterministically.
func lruBefore(a, b *domain.Medium) bool {

	if !a.Stats.LastLoad.Equal(b.Stats.LastLoad) {
		return a.Stats.LastLoad.Before(b.Stats.LastLoad)
	}

	return a.ID.Label < b.ID.Label
}

// SelectRead binds a read request to the drive that holds (or will hold)
// the named medium. A medium locked on another host is rejected locally,
// surfacing the remote hostname, rather than waited for.
func (sched *Scheduler) SelectRead(id domain.MediumID) (*Binding, error) {

	m, err := sched.store.MediumGet(id)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrNoEnt, "unknown medium %s", id)
	}

	if holder, held := sched.lockedElsewhere(id); held {
		return nil, errors.Wrapf(domain.ErrBusy,
			"medium %s is locked on host %s", id, holder)
	}

	if m.AdmStatus == domain.AdmStatusFailed {
		return nil, errors.Wrapf(domain.ErrPerm, "medium %s is failed", id)
	}

	// Already in a local drive?
	for _, d := range sched.state.List() {
		if d.Medium != id.Label || d.Device.ID.Family != id.Family {
			continue
		}

		if d.Op == domain.OpStateMounted {
			return &Binding{
				DriveSerial: d.Device.ID.Serial,
				DrivePath:   d.Device.Path,
				Medium:      m,
			}, nil
		}
		// In use or in transition; retry next round.
		return nil, errSchedAgain
	}

	_, empty, recyclable, anyOfFamily, anyTransient :=
		sched.eligibleDrives(id.Family)

	if !anyOfFamily {
		return nil, errors.Wrapf(domain.ErrNoDev,
			"no %v drive on host %s", id.Family, sched.hostname)
	}

	if len(empty) > 0 {
		return &Binding{
			DriveSerial: empty[0].Device.ID.Serial,
			DrivePath:   empty[0].Device.Path,
			Medium:      m,
			NeedLoad:    true,
		}, nil
	}

	if len(recyclable) > 0 {
		return &Binding{
			DriveSerial: recyclable[0].Device.ID.Serial,
			DrivePath:   recyclable[0].Device.Path,
			Medium:      m,
			NeedUnload:  true,
			NeedLoad:    true,
		}, nil
	}

	if anyTransient {
		return nil, errSchedAgain
	}

	return nil, errors.Wrapf(domain.ErrNoDev,
		"no usable %v drive on host %s", id.Family, sched.hostname)
}

// SelectFormat binds a format request to a drive. The force flag is a
// tape-family-only escape hatch for re-formatting non-blank media.
func (sched *Scheduler) SelectFormat(id domain.MediumID,
	force bool) (*Binding, error) {

	if force && id.Family != domain.FamilyTape {
		return nil, errors.Wrapf(domain.ErrInval,
			"force format applies to tape media only, not %v", id.Family)
	}

	m, err := sched.store.MediumGet(id)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrNoEnt, "unknown medium %s", id)
	}

	if m.FsStatus != domain.FsStatusBlank && !force {
		return nil, errors.Wrapf(domain.ErrExist,
			"medium %s already carries a filesystem (%v)", id, m.FsStatus)
	}

	if holder, held := sched.lockedElsewhere(id); held {
		return nil, errors.Wrapf(domain.ErrBusy,
			"medium %s is locked on host %s", id, holder)
	}

	// A medium already sitting in a local drive is owned by an in-flight
	// request; wait until the drive comes back to rest.
	for _, d := range sched.state.List() {
		if d.Medium == id.Label && d.Device.ID.Family == id.Family {
			return nil, errSchedAgain
		}
	}

	_, empty, recyclable, anyOfFamily, anyTransient :=
		sched.eligibleDrives(id.Family)

	if !anyOfFamily {
		return nil, errors.Wrapf(domain.ErrNoDev,
			"no %v drive on host %s", id.Family, sched.hostname)
	}

	if len(empty) > 0 {
		return &Binding{
			DriveSerial: empty[0].Device.ID.Serial,
			DrivePath:   empty[0].Device.Path,
			Medium:      m,
			NeedLoad:    true,
		}, nil
	}

	if len(recyclable) > 0 {
		return &Binding{
			DriveSerial: recyclable[0].Device.ID.Serial,
			DrivePath:   recyclable[0].Device.Path,
			Medium:      m,
			NeedUnload:  true,
			NeedLoad:    true,
		}, nil
	}

	if anyTransient {
		return nil, errSchedAgain
	}

	return nil, errors.Wrapf(domain.ErrNoDev,
		"no usable %v drive on host %s", id.Family, sched.hostname)
}
