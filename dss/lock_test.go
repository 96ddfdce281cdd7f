//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package dss_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/dss"
)

func testStore(t *testing.T) *dss.Store {

	store, err := dss.Open(filepath.Join(t.TempDir(), "dss.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestLockExclusive(t *testing.T) {

	locks := testStore(t).Locks()

	require.NoError(t,
		locks.Acquire(domain.LockTypeMedia, "tape:legacy:T1", "h1", 100))

	// A second owner must fail and learn the holder.
	err := locks.Acquire(domain.LockTypeMedia, "tape:legacy:T1", "h2", 200)
	require.Error(t, err)

	var conflict *domain.LockConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "h1", conflict.Holder.Hostname)

	// Same (type, id) under a different type is independent.
	require.NoError(t,
		locks.Acquire(domain.LockTypeDevice, "tape:legacy:T1", "h2", 200))
}

func TestLockReleaseByOwnerOnly(t *testing.T) {

	locks := testStore(t).Locks()

	require.NoError(t,
		locks.Acquire(domain.LockTypeDevice, "d1", "h1", 100))

	err := locks.Release(domain.LockTypeDevice, "d1", "h2", 200, false)
	require.Error(t, err)

	// Force breaks a lock whose holder is known dead.
	require.NoError(t,
		locks.Release(domain.LockTypeDevice, "d1", "h2", 200, true))

	_, err = locks.Lookup(domain.LockTypeDevice, "d1")
	assert.ErrorIs(t, err, domain.ErrNoEnt)
}

func TestLockRefresh(t *testing.T) {

	locks := testStore(t).Locks()

	require.NoError(t,
		locks.Acquire(domain.LockTypeMedia, "m1", "h1", 100))
	require.NoError(t,
		locks.Refresh(domain.LockTypeMedia, "m1", "h1", 100))

	err := locks.Refresh(domain.LockTypeMedia, "m1", "h2", 100)
	require.Error(t, err)

	err = locks.Refresh(domain.LockTypeMedia, "nope", "h1", 100)
	assert.ErrorIs(t, err, domain.ErrNoEnt)
}

// Acquire/release pairs always succeed for the owner; a second acquire
// before release always fails, whatever the ids and owners drawn.
func TestLockAcquireReleaseProperty(t *testing.T) {

	locks := testStore(t).Locks()

	rapid.Check(t, func(rt *rapid.T) {
		id := rapid.StringMatching(`[a-z0-9:]{1,24}`).Draw(rt, "id")
		h1 := rapid.StringMatching(`h[0-9]{1,3}`).Draw(rt, "h1")
		h2 := rapid.StringMatching(`g[0-9]{1,3}`).Draw(rt, "h2")
		o1 := rapid.IntRange(1, 1<<16).Draw(rt, "o1")
		o2 := rapid.IntRange(1, 1<<16).Draw(rt, "o2")

		require.NoError(rt,
			locks.Acquire(domain.LockTypeObject, id, h1, o1))

		// Conflicting acquire before release always fails.
		require.Error(rt,
			locks.Acquire(domain.LockTypeObject, id, h2, o2))

		// Release after acquire always succeeds.
		require.NoError(rt,
			locks.Release(domain.LockTypeObject, id, h1, o1, false))

		// Now the other owner can take it (and hand it back for the next
		// property run).
		require.NoError(rt,
			locks.Acquire(domain.LockTypeObject, id, h2, o2))
		require.NoError(rt,
			locks.Release(domain.LockTypeObject, id, h2, o2, false))
	})
}

func TestStaleLockCleaning(t *testing.T) {

	store := testStore(t)
	locks := store.Locks()

	// A crashed LRS on h1 left its drive and medium locks behind.
	require.NoError(t,
		locks.Acquire(domain.LockTypeDevice, "tape:legacy:D1", "h1", 100))
	require.NoError(t,
		locks.Acquire(domain.LockTypeMedia, "tape:legacy:T1", "h1", 100))
	require.NoError(t,
		locks.Acquire(domain.LockTypeMedia, "tape:legacy:T2", "h2", 300))

	// Restart on the same hostname cleans exactly its own locks.
	removed, err := locks.CleanSelective(domain.LockCleanFilter{
		Hostname: "h1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = locks.Lookup(domain.LockTypeMedia, "tape:legacy:T2")
	assert.NoError(t, err)

	// Restart under another hostname cleans nothing.
	removed, err = locks.CleanSelective(domain.LockCleanFilter{
		Hostname: "h1-other",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestCleanSelectiveFilters(t *testing.T) {

	locks := testStore(t).Locks()

	require.NoError(t,
		locks.Acquire(domain.LockTypeDevice, "tape:legacy:D1", "h1", 1))
	require.NoError(t,
		locks.Acquire(domain.LockTypeMedia, "tape:legacy:T1", "h1", 1))
	require.NoError(t,
		locks.Acquire(domain.LockTypeMedia, "dir:legacy:d1", "h1", 1))

	// Type filter.
	removed, err := locks.CleanSelective(domain.LockCleanFilter{
		Type: domain.LockTypeDevice,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// Family filter matches the id prefix.
	removed, err = locks.CleanSelective(domain.LockCleanFilter{
		Family: domain.FamilyDir,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestCleanAll(t *testing.T) {

	locks := testStore(t).Locks()

	require.NoError(t, locks.Acquire(domain.LockTypeMedia, "a", "h1", 1))
	require.NoError(t, locks.Acquire(domain.LockTypeObject, "b", "h2", 2))

	require.NoError(t, locks.CleanAll())

	_, err := locks.Lookup(domain.LockTypeMedia, "a")
	assert.ErrorIs(t, err, domain.ErrNoEnt)

	// The bucket survives a wipe.
	require.NoError(t, locks.Acquire(domain.LockTypeMedia, "a", "h1", 1))
}
