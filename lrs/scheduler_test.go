//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package lrs

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/dss"
	"github.com/nestybox/phobos/state"
)

func schedFixture(t *testing.T) (*Scheduler, *dss.Store,
	domain.DeviceStateServiceIface) {

	store, err := dss.Open(filepath.Join(t.TempDir(), "dss.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stateSvc := state.NewDeviceStateService()

	return NewScheduler(stateSvc, store, "h1"), store, stateSvc
}

func tapeID(label string) domain.MediumID {
	return domain.MediumID{
		Family:  domain.FamilyTape,
		Label:   label,
		Library: "legacy",
	}
}

func tapeMedium(label string, free int64, lastLoad time.Time,
	tags ...string) *domain.Medium {

	return &domain.Medium{
		ID:        tapeID(label),
		AdmStatus: domain.AdmStatusUnlocked,
		FsStatus:  domain.FsStatusEmpty,
		FsType:    domain.FsTypeLtfs,
		AddrType:  domain.AddrTypeHash1,
		Tags:      tags,
		Stats: domain.MediumStats{
			BytesFree: free,
			LastLoad:  lastLoad,
		},
	}
}

func tapeDrive(serial string) *domain.Device {
	return &domain.Device{
		ID: domain.DeviceID{
			Family:  domain.FamilyTape,
			Serial:  serial,
			Library: "legacy",
		},
		AdmStatus: domain.AdmStatusUnlocked,
		Path:      "/dev/st_" + serial,
		Host:      "h1",
	}
}

func TestSelectWritePrefersMountedMedium(t *testing.T) {

	sched, store, stateSvc := schedFixture(t)

	require.NoError(t, store.MediumSet(tapeMedium("T1", 1<<30, time.Time{})))
	require.NoError(t, store.MediumSet(tapeMedium("T2", 1<<30, time.Time{})))

	require.NoError(t, stateSvc.Register(tapeDrive("D1"),
		domain.OpStateEmpty))
	require.NoError(t, stateSvc.Register(tapeDrive("D2"),
		domain.OpStateEmpty))

	// Bring D2 to mounted(T2).
	_, err := stateSvc.Transition("D2", domain.OpStateLoading)
	require.NoError(t, err)
	require.NoError(t, stateSvc.SetMedium("D2", "T2"))
	_, err = stateSvc.Transition("D2", domain.OpStateLoaded)
	require.NoError(t, err)
	_, err = stateSvc.Transition("D2", domain.OpStateMounting)
	require.NoError(t, err)
	_, err = stateSvc.Transition("D2", domain.OpStateMounted)
	require.NoError(t, err)

	b, err := sched.SelectWrite(&WriteReq{Size: 1024,
		Family: domain.FamilyTape})
	require.NoError(t, err)

	assert.Equal(t, "D2", b.DriveSerial)
	assert.Equal(t, "T2", b.Medium.ID.Label)
	assert.False(t, b.NeedLoad)
	assert.False(t, b.NeedUnload)
}

func TestSelectWriteLoadsLRUMedium(t *testing.T) {

	sched, store, stateSvc := schedFixture(t)

	old := time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2019, 6, 20, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.MediumSet(tapeMedium("T1", 1<<30, recent)))
	require.NoError(t, store.MediumSet(tapeMedium("T2", 1<<30, old)))
	require.NoError(t, store.MediumSet(tapeMedium("T3", 128, old)))

	require.NoError(t, stateSvc.Register(tapeDrive("D1"),
		domain.OpStateEmpty))

	b, err := sched.SelectWrite(&WriteReq{Size: 1024,
		Family: domain.FamilyTape})
	require.NoError(t, err)

	// T3 lacks space, T2 is least recently used among the rest.
	assert.Equal(t, "D1", b.DriveSerial)
	assert.Equal(t, "T2", b.Medium.ID.Label)
	assert.True(t, b.NeedLoad)

	// Identical state must yield the identical decision.
	b2, err := sched.SelectWrite(&WriteReq{Size: 1024,
		Family: domain.FamilyTape})
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestSelectWriteTagFiltering(t *testing.T) {

	sched, store, stateSvc := schedFixture(t)

	require.NoError(t, store.MediumSet(
		tapeMedium("T1", 1<<30, time.Time{}, "slow")))
	require.NoError(t, store.MediumSet(
		tapeMedium("T2", 1<<30, time.Time{}, "fast", "lto5")))

	require.NoError(t, stateSvc.Register(tapeDrive("D1"),
		domain.OpStateEmpty))

	// The write's tag set must be a subset of the medium's.
	b, err := sched.SelectWrite(&WriteReq{Size: 1024,
		Family: domain.FamilyTape, Tags: []string{"fast"}})
	require.NoError(t, err)
	assert.Equal(t, "T2", b.Medium.ID.Label)

	_, err = sched.SelectWrite(&WriteReq{Size: 1024,
		Family: domain.FamilyTape, Tags: []string{"fast", "mirror"}})
	assert.ErrorIs(t, err, domain.ErrNoSpc)
}

func TestSelectWriteNoDrives(t *testing.T) {

	sched, store, _ := schedFixture(t)

	require.NoError(t, store.MediumSet(tapeMedium("T1", 1<<30, time.Time{})))

	_, err := sched.SelectWrite(&WriteReq{Size: 1024,
		Family: domain.FamilyTape})
	assert.ErrorIs(t, err, domain.ErrNoDev)
}

func TestSelectReadRejectsRemotelyLockedMedium(t *testing.T) {

	sched, store, stateSvc := schedFixture(t)

	require.NoError(t, store.MediumSet(tapeMedium("M", 1<<30, time.Time{})))
	require.NoError(t, stateSvc.Register(tapeDrive("D1"),
		domain.OpStateEmpty))

	// The catalog says medium M is locked by host h2.
	require.NoError(t, store.Locks().Acquire(domain.LockTypeMedia,
		tapeID("M").String(), "h2", 42))

	// The client on h1 must get ebusy naming h2, with no SCSI involved.
	_, err := sched.SelectRead(tapeID("M"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Contains(t, err.Error(), "h2")
}

func TestSelectReadUnknownMedium(t *testing.T) {

	sched, _, stateSvc := schedFixture(t)

	require.NoError(t, stateSvc.Register(tapeDrive("D1"),
		domain.OpStateEmpty))

	_, err := sched.SelectRead(tapeID("GHOST"))
	assert.ErrorIs(t, err, domain.ErrNoEnt)
}

func TestSelectReadPrefersMountedDrive(t *testing.T) {

	sched, store, stateSvc := schedFixture(t)

	require.NoError(t, store.MediumSet(tapeMedium("T1", 1<<30, time.Time{})))
	require.NoError(t, stateSvc.Register(tapeDrive("D1"),
		domain.OpStateEmpty))
	require.NoError(t, stateSvc.Register(tapeDrive("D2"),
		domain.OpStateEmpty))

	_, err := stateSvc.Transition("D2", domain.OpStateLoading)
	require.NoError(t, err)
	require.NoError(t, stateSvc.SetMedium("D2", "T1"))
	_, err = stateSvc.Transition("D2", domain.OpStateLoaded)
	require.NoError(t, err)

	// While the drive is only loaded it still belongs to the in-flight
	// request that loaded it.
	_, err = sched.SelectRead(tapeID("T1"))
	require.Error(t, err)
	assert.True(t, IsAgain(err))

	_, err = stateSvc.Transition("D2", domain.OpStateMounting)
	require.NoError(t, err)
	_, err = stateSvc.Transition("D2", domain.OpStateMounted)
	require.NoError(t, err)

	b, err := sched.SelectRead(tapeID("T1"))
	require.NoError(t, err)
	assert.Equal(t, "D2", b.DriveSerial)
	assert.False(t, b.NeedLoad)
}

func TestSelectFormatRules(t *testing.T) {

	sched, store, stateSvc := schedFixture(t)

	blank := tapeMedium("B1", 0, time.Time{})
	blank.FsStatus = domain.FsStatusBlank
	require.NoError(t, store.MediumSet(blank))

	used := tapeMedium("U1", 1<<30, time.Time{})
	used.FsStatus = domain.FsStatusUsed
	require.NoError(t, store.MediumSet(used))

	dirMedium := &domain.Medium{
		ID: domain.MediumID{Family: domain.FamilyDir, Label: "d1",
			Library: "legacy"},
		AdmStatus: domain.AdmStatusUnlocked,
		FsStatus:  domain.FsStatusBlank,
	}
	require.NoError(t, store.MediumSet(dirMedium))

	require.NoError(t, stateSvc.Register(tapeDrive("D1"),
		domain.OpStateEmpty))

	// Blank tape formats without force.
	b, err := sched.SelectFormat(tapeID("B1"), false)
	require.NoError(t, err)
	assert.True(t, b.NeedLoad)

	// A used tape needs force.
	_, err = sched.SelectFormat(tapeID("U1"), false)
	assert.ErrorIs(t, err, domain.ErrExist)

	_, err = sched.SelectFormat(tapeID("U1"), true)
	require.NoError(t, err)

	// Force is a tape-only escape hatch.
	_, err = sched.SelectFormat(dirMedium.ID, true)
	assert.ErrorIs(t, err, domain.ErrInval)
}

func TestSelectWriteWaitsOnTransientDrives(t *testing.T) {

	sched, store, stateSvc := schedFixture(t)

	require.NoError(t, store.MediumSet(tapeMedium("T1", 1<<30, time.Time{})))
	require.NoError(t, stateSvc.Register(tapeDrive("D1"),
		domain.OpStateEmpty))

	_, err := stateSvc.Transition("D1", domain.OpStateLoading)
	require.NoError(t, err)

	_, err = sched.SelectWrite(&WriteReq{Size: 1024,
		Family: domain.FamilyTape})
	require.Error(t, err)
	assert.True(t, IsAgain(err))
}
