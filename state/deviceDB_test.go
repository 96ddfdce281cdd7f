//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/state"
)

func testDevice(serial string) *domain.Device {
	return &domain.Device{
		ID: domain.DeviceID{
			Family:  domain.FamilyTape,
			Serial:  serial,
			Library: "legacy",
		},
		AdmStatus: domain.AdmStatusUnlocked,
		Path:      "/dev/st0",
		Host:      "h1",
	}
}

func TestRegisterLookup(t *testing.T) {

	svc := state.NewDeviceStateService()

	require.NoError(t, svc.Register(testDevice("123456"),
		domain.OpStateEmpty))

	// Double registration is refused.
	err := svc.Register(testDevice("123456"), domain.OpStateEmpty)
	assert.ErrorIs(t, err, domain.ErrExist)

	st, err := svc.Lookup("123456")
	require.NoError(t, err)
	assert.Equal(t, domain.OpStateEmpty, st.Op)

	_, err = svc.Lookup("ghost")
	assert.ErrorIs(t, err, domain.ErrNoEnt)
}

func TestLegalWriteCycle(t *testing.T) {

	svc := state.NewDeviceStateService()
	require.NoError(t, svc.Register(testDevice("123456"),
		domain.OpStateEmpty))

	serial := "123456"

	// empty -> loading -> loaded -> mounting -> mounted -> busy ->
	// flushing -> mounted -> unmounting -> loaded -> unloading -> empty
	_, err := svc.Transition(serial, domain.OpStateLoading)
	require.NoError(t, err)
	require.NoError(t, svc.SetMedium(serial, "P00001L5"))
	_, err = svc.Transition(serial, domain.OpStateLoaded)
	require.NoError(t, err)
	_, err = svc.Transition(serial, domain.OpStateMounting)
	require.NoError(t, err)
	require.NoError(t, svc.SetRootPath(serial, "/mnt/phobos-P00001L5"))
	_, err = svc.Transition(serial, domain.OpStateMounted)
	require.NoError(t, err)

	require.NoError(t, svc.AddRef(serial))
	st, _ := svc.Lookup(serial)
	assert.Equal(t, domain.OpStateBusy, st.Op)
	assert.Equal(t, 1, st.Refcount)

	_, err = svc.Transition(serial, domain.OpStateFlushing)
	require.NoError(t, err)
	_, err = svc.Transition(serial, domain.OpStateMounted)
	require.NoError(t, err)

	n, err := svc.DropRef(serial)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = svc.Transition(serial, domain.OpStateUnmounting)
	require.NoError(t, err)
	_, err = svc.Transition(serial, domain.OpStateLoaded)
	require.NoError(t, err)
	_, err = svc.Transition(serial, domain.OpStateUnloading)
	require.NoError(t, err)
	st, err = svc.Transition(serial, domain.OpStateEmpty)
	require.NoError(t, err)

	assert.Equal(t, "", st.Medium)
	assert.Equal(t, "", st.RootPath)
}

func TestIllegalTransitions(t *testing.T) {

	svc := state.NewDeviceStateService()
	require.NoError(t, svc.Register(testDevice("123456"),
		domain.OpStateEmpty))

	tests := []struct {
		name string
		to   domain.OpState
	}{
		{"empty cannot mount", domain.OpStateMounting},
		{"empty cannot go mounted", domain.OpStateMounted},
		{"empty cannot unload", domain.OpStateUnloading},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Transition("123456", tt.to)
			assert.ErrorIs(t, err, domain.ErrInval)
		})
	}
}

func TestFailedIsTerminal(t *testing.T) {

	svc := state.NewDeviceStateService()
	require.NoError(t, svc.Register(testDevice("123456"),
		domain.OpStateEmpty))

	require.NoError(t, svc.Fail("123456"))

	st, _ := svc.Lookup("123456")
	assert.Equal(t, domain.OpStateFailed, st.Op)
	assert.Equal(t, domain.AdmStatusFailed, st.Device.AdmStatus)

	_, err := svc.Transition("123456", domain.OpStateEmpty)
	assert.ErrorIs(t, err, domain.ErrInval)
}

// For every reachable drive state, the current medium is set exactly when
// the state is one of {loaded, mounting, mounted, busy, flushing,
// unmounting}. A random walk over the scheduler protocol must preserve
// this.
func TestMediumInvariantProperty(t *testing.T) {

	rapid.Check(t, func(rt *rapid.T) {
		svc := state.NewDeviceStateService()
		require.NoError(rt, svc.Register(testDevice("123456"),
			domain.OpStateEmpty))

		serial := "123456"

		checkInvariant := func() {
			st, err := svc.Lookup(serial)
			require.NoError(rt, err)
			if st.Op.HoldsMedium() {
				require.NotEmpty(rt, st.Medium,
					"state %v must carry a medium", st.Op)
			} else if st.Op != domain.OpStateLoading &&
				st.Op != domain.OpStateUnloading {
				require.Empty(rt, st.Medium,
					"state %v must not carry a medium", st.Op)
			}
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			st, err := svc.Lookup(serial)
			require.NoError(rt, err)

			switch st.Op {
			case domain.OpStateEmpty:
				_, err = svc.Transition(serial, domain.OpStateLoading)
				require.NoError(rt, err)

			case domain.OpStateLoading:
				if rapid.Bool().Draw(rt, "loadOK") {
					require.NoError(rt, svc.SetMedium(serial, "P00001L5"))
					_, err = svc.Transition(serial, domain.OpStateLoaded)
				} else {
					_, err = svc.Transition(serial, domain.OpStateEmpty)
				}
				require.NoError(rt, err)

			case domain.OpStateLoaded:
				if rapid.Bool().Draw(rt, "mount") {
					_, err = svc.Transition(serial, domain.OpStateMounting)
				} else {
					_, err = svc.Transition(serial, domain.OpStateUnloading)
				}
				require.NoError(rt, err)

			case domain.OpStateMounting:
				_, err = svc.Transition(serial, domain.OpStateMounted)
				require.NoError(rt, err)

			case domain.OpStateMounted:
				if rapid.Bool().Draw(rt, "use") {
					require.NoError(rt, svc.AddRef(serial))
				} else {
					_, err = svc.Transition(serial,
						domain.OpStateUnmounting)
					require.NoError(rt, err)
				}

			case domain.OpStateBusy:
				_, err = svc.DropRef(serial)
				require.NoError(rt, err)

			case domain.OpStateUnmounting:
				_, err = svc.Transition(serial, domain.OpStateLoaded)
				require.NoError(rt, err)

			case domain.OpStateUnloading:
				_, err = svc.Transition(serial, domain.OpStateEmpty)
				require.NoError(rt, err)
			}

			checkInvariant()
		}
	})
}
