//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package dss_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/phobos/domain"
)

func mediumID(label string) domain.MediumID {
	return domain.MediumID{
		Family:  domain.FamilyTape,
		Label:   label,
		Library: "legacy",
	}
}

func TestMediumCRUD(t *testing.T) {

	store := testStore(t)

	m := &domain.Medium{
		ID:        mediumID("P00001L5"),
		AdmStatus: domain.AdmStatusUnlocked,
		FsStatus:  domain.FsStatusBlank,
		FsType:    domain.FsTypeLtfs,
		AddrType:  domain.AddrTypeHash1,
		Tags:      []string{"lto5"},
	}
	require.NoError(t, store.MediumSet(m))

	got, err := store.MediumGet(m.ID)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	require.NoError(t, store.MediumDel(m.ID))

	_, err = store.MediumGet(m.ID)
	assert.ErrorIs(t, err, domain.ErrNoEnt)

	assert.ErrorIs(t, store.MediumDel(m.ID), domain.ErrNoEnt)
}

func TestMediumListFilters(t *testing.T) {

	store := testStore(t)

	media := []*domain.Medium{
		{ID: mediumID("P00001L5"), FsStatus: domain.FsStatusEmpty,
			Tags: []string{"fast", "lto5"}},
		{ID: mediumID("P00002L5"), FsStatus: domain.FsStatusBlank,
			Tags: []string{"lto5"}},
		{ID: domain.MediumID{Family: domain.FamilyDir, Label: "d1",
			Library: "legacy"}, FsStatus: domain.FsStatusEmpty},
	}
	for _, m := range media {
		require.NoError(t, store.MediumSet(m))
	}

	// Family restriction alone.
	out, err := store.MediumList(domain.FamilyTape, nil)
	require.NoError(t, err)
	assert.Len(t, out, 2)

	// eq leaf on a top-level field.
	f := domain.FilterEqual("fs_status", string(domain.FsStatusEmpty))
	out, err = store.MediumList(domain.FamilyTape, &f)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "P00001L5", out[0].ID.Label)

	// injson leaf on the tag array.
	f = domain.FilterInJSONField("tags", "fast")
	out, err = store.MediumList(domain.FamilyTape, &f)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "P00001L5", out[0].ID.Label)

	// and/or composition with a regex leaf.
	f = domain.FilterAll(
		domain.FilterMatch("id.label", `^P0000[0-9]`),
		domain.FilterAny(
			domain.FilterEqual("fs_status", string(domain.FsStatusBlank)),
			domain.FilterInJSONField("tags", "fast"),
		),
	)
	out, err = store.MediumList(domain.FamilyTape, &f)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestDeviceCRUD(t *testing.T) {

	store := testStore(t)

	d := &domain.Device{
		ID: domain.DeviceID{Family: domain.FamilyTape, Serial: "123456",
			Library: "legacy"},
		AdmStatus: domain.AdmStatusUnlocked,
		Model:     "ULT3580-TD5",
		Path:      "/dev/st0",
		Host:      "h1",
	}
	require.NoError(t, store.DeviceSet(d))

	got, err := store.DeviceGet(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	out, err := store.DeviceList(domain.FamilyTape, nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)

	require.NoError(t, store.DeviceDel(d.ID))
	_, err = store.DeviceGet(d.ID)
	assert.ErrorIs(t, err, domain.ErrNoEnt)
}

func TestObjectExtents(t *testing.T) {

	store := testStore(t)

	obj := &domain.ObjectMeta{
		OID:     "myobj",
		UUID:    "uuid-1",
		Version: 3,
		Size:    2048,
	}
	require.NoError(t, store.ObjectSet(obj))

	for i, extentUUID := range []string{"e-0", "e-1"} {
		require.NoError(t, store.ExtentSet(&domain.ExtentMeta{
			ObjectUUID: obj.UUID,
			ExtentUUID: extentUUID,
			Medium:     mediumID("P00001L5"),
			Offset:     int64(i) * 1024,
			Size:       1024,
			Layout:     "r1",
		}))
	}

	extents, err := store.ExtentList("myobj")
	require.NoError(t, err)
	require.Len(t, extents, 2)
	assert.Equal(t, int64(0), extents[0].Offset)
	assert.Equal(t, int64(1024), extents[1].Offset)

	_, err = store.ExtentList("ghost")
	assert.ErrorIs(t, err, domain.ErrNoEnt)
}

func TestLogChannel(t *testing.T) {

	store := testStore(t)

	store.Logs().Emit(domain.LogRecord{Op: "load", Device: "123456",
		Medium: "P00001L5"})
	store.Logs().Emit(domain.LogRecord{Op: "fs_mount", Medium: "P00001L5"})

	records, err := store.Logs().Dump(nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	f := domain.FilterEqual("op", "load")
	records, err = store.Logs().Dump(&f)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "load", records[0].Op)

	require.NoError(t, store.Logs().Clear(&f))

	records, err = store.Logs().Dump(nil)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "fs_mount", records[0].Op)
}
