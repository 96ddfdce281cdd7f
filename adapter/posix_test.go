//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package adapter_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/phobos/adapter"
	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/sysio"
)

func memAdapter(t *testing.T) (domain.AdapterIface, domain.IOServiceIface) {

	ios := sysio.NewIOService(domain.IOMemFileService)
	t.Cleanup(func() { ios.RemoveAllIOnodes() })

	return adapter.NewPosixAdapter(ios), ios
}

func TestPosixFormatAndMount(t *testing.T) {

	a, ios := memAdapter(t)

	dir := ios.NewIOnode("d1", "/srv/phobos/d1", 0755)
	require.NoError(t, dir.MkdirAll())

	require.NoError(t, a.FsFormat("/srv/phobos/d1", "d1"))

	// Mount with the right label returns the directory as root.
	root, err := a.FsMount("/srv/phobos/d1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/phobos/d1", root)

	// The wrong label is refused.
	_, err = a.FsMount("/srv/phobos/d1", "other")
	assert.ErrorIs(t, err, domain.ErrInval)

	// An unformatted directory carries no label.
	other := ios.NewIOnode("d2", "/srv/phobos/d2", 0755)
	require.NoError(t, other.MkdirAll())
	_, err = a.FsMount("/srv/phobos/d2", "d2")
	assert.ErrorIs(t, err, domain.ErrNoEnt)
}

func TestPosixFormatRefusesNonEmpty(t *testing.T) {

	a, ios := memAdapter(t)

	dir := ios.NewIOnode("d1", "/srv/phobos/d1", 0755)
	require.NoError(t, dir.MkdirAll())

	stray := ios.NewIOnode("stray", "/srv/phobos/d1/stray", 0644)
	require.NoError(t, stray.WriteFile([]byte("data")))

	err := a.FsFormat("/srv/phobos/d1", "d1")
	assert.ErrorIs(t, err, domain.ErrExist)
}

func TestPosixFormatCreatesMissingDirectory(t *testing.T) {

	a, ios := memAdapter(t)

	require.NoError(t, a.FsFormat("/srv/phobos/new", "new"))

	root, err := a.FsMount("/srv/phobos/new", "new")
	require.NoError(t, err)
	assert.Equal(t, "/srv/phobos/new", root)

	_, err = ios.NewIOnode("new", "/srv/phobos/new", 0755).Stat()
	assert.NoError(t, err)
}

func TestPosixDeviceQuery(t *testing.T) {

	a, ios := memAdapter(t)

	dir := ios.NewIOnode("d1", "/srv/phobos/d1", 0755)
	require.NoError(t, dir.MkdirAll())

	info, err := a.DeviceQuery("/srv/phobos/d1")
	require.NoError(t, err)
	assert.Equal(t, "/srv/phobos/d1", info.Serial)
	assert.Equal(t, "dir", info.Model)

	_, err = a.DeviceQuery("/srv/phobos/ghost")
	assert.ErrorIs(t, err, domain.ErrNoEnt)
}

func TestAdapterRegistryDispatch(t *testing.T) {

	ios := sysio.NewIOService(domain.IOMemFileService)

	svc := adapter.NewAdapterService()
	require.NoError(t, svc.Setup(adapter.DefaultAdapters(ios), nil))

	a, err := svc.LookupAdapter(domain.FamilyDir)
	require.NoError(t, err)
	assert.Equal(t, domain.FsTypePosix, a.FsType())

	a, err = svc.LookupAdapter(domain.FamilyTape)
	require.NoError(t, err)
	assert.Equal(t, domain.FsTypeLtfs, a.FsType())

	// An unconfigured family is a configuration error.
	_, err = svc.LookupAdapter(domain.ResourceFamily("floppy"))
	assert.ErrorIs(t, err, domain.ErrInval)

	// Double registration is refused.
	err = svc.RegisterAdapter(adapter.NewPosixAdapter(ios))
	assert.ErrorIs(t, err, domain.ErrExist)
}
