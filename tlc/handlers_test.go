//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package tlc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/ipc"
	"github.com/nestybox/phobos/library"
	"github.com/nestybox/phobos/mocks"
)

// libChanger describes a two-drive, four-slot library: T1/T2 in slots,
// T3 in drive 123456 (sourced from slot 0x1002).
func libChanger() *mocks.ChangerIface {

	changer := &mocks.ChangerIface{}

	changer.On("ModeSense").Return(
		map[domain.ElementKind]domain.ElementAddressAssignment{
			domain.ElementArm: {Kind: domain.ElementArm,
				FirstAddress: 0x0001, Count: 1},
			domain.ElementSlot: {Kind: domain.ElementSlot,
				FirstAddress: 0x1000, Count: 4},
			domain.ElementImpExp: {Kind: domain.ElementImpExp,
				FirstAddress: 0x0010, Count: 0},
			domain.ElementDrive: {Kind: domain.ElementDrive,
				FirstAddress: 0x0080, Count: 2},
		}, nil)

	changer.On("ElementStatus", domain.ElementArm, uint16(0x0001),
		uint16(1), mock.Anything).Return([]domain.ElementStatus{
		{Kind: domain.ElementArm, Address: 0x0001},
	}, nil)

	changer.On("ElementStatus", domain.ElementSlot, uint16(0x1000),
		uint16(4), mock.Anything).Return([]domain.ElementStatus{
		{Kind: domain.ElementSlot, Address: 0x1000, Full: true,
			VolumeLabel: "T1"},
		{Kind: domain.ElementSlot, Address: 0x1001, Full: true,
			VolumeLabel: "T2"},
		{Kind: domain.ElementSlot, Address: 0x1002},
		{Kind: domain.ElementSlot, Address: 0x1003},
	}, nil)

	changer.On("ElementStatus", domain.ElementDrive, uint16(0x0080),
		uint16(2), mock.Anything).Return([]domain.ElementStatus{
		{Kind: domain.ElementDrive, Address: 0x0080, Full: true,
			VolumeLabel: "T3", DeviceID: "IBM     ULT3580  123456",
			SourceAddress: 0x1002, SourceIsSet: true},
		{Kind: domain.ElementDrive, Address: 0x0081, DeviceID: "654321"},
	}, nil)

	return changer
}

func testServer(t *testing.T, changer domain.ChangerIface) *Server {

	model := library.NewModel(changer)
	require.NoError(t, model.Load())

	return &Server{
		library:  "legacy",
		open:     func() (domain.ChangerIface, error) { return changer, nil },
		changer:  changer,
		model:    model,
		requests: make(chan *pendingRequest),
		quit:     make(chan struct{}),
		conns:    make(map[*serverConn]struct{}),
	}
}

// exchange runs one request through the daemon handler and returns the
// response read off the wire, plus handle's fatal indication.
func exchange(t *testing.T, s *Server, kind string,
	body interface{}) (*ipc.Envelope, error) {

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	env := makeEnvelope(t, kind, body)

	var fatal error
	done := make(chan struct{})
	go func() {
		defer close(done)
		fatal = s.handle(&pendingRequest{
			env:  env,
			conn: &serverConn{nc: server},
		})
	}()

	resp, err := ipc.ReadMessage(client)
	require.NoError(t, err)
	<-done

	return resp, fatal
}

func makeEnvelope(t *testing.T, kind string, body interface{}) *ipc.Envelope {

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		ipc.WriteMessage(server, kind, body)
	}()

	env, err := ipc.ReadMessage(client)
	require.NoError(t, err)

	return env
}

func TestPing(t *testing.T) {

	changer := libChanger()
	changer.On("Inquiry").Return(nil)

	s := testServer(t, changer)

	resp, fatal := exchange(t, s, ipc.KindTlcPing, &ipc.TlcPing{ID: "p1"})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindTlcPingResp, resp.Kind)

	var body ipc.TlcPingResp
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "p1", body.ID)
	assert.True(t, body.LibraryIsUp)
}

func TestDriveLookup(t *testing.T) {

	s := testServer(t, libChanger())

	resp, fatal := exchange(t, s, ipc.KindTlcDriveLookup,
		&ipc.TlcDriveLookup{ID: "l1", Serial: "123456"})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindTlcDriveLookupResp, resp.Kind)

	var body ipc.TlcDriveLookupResp
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, uint16(0x0080), body.DriveAddress)
	assert.Equal(t, uint16(0x0080), body.FirstDriveAddress)
	assert.True(t, body.Loaded)
	assert.Equal(t, "T3", body.LoadedLabel)
}

func TestLoadUnknownSerial(t *testing.T) {

	changer := libChanger()
	s := testServer(t, changer)

	resp, fatal := exchange(t, s, ipc.KindTlcLoad, &ipc.TlcLoad{
		ID:          "l2",
		DriveSerial: "BOGUS",
		TapeLabel:   "T1",
	})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindError, resp.Kind)

	var body ipc.Error
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "l2", body.ID)
	assert.Contains(t, body.Message, "DRIVE_SERIAL_UNKNOWN=BOGUS")

	// No medium moved, the model is unchanged.
	changer.AssertNotCalled(t, "MoveMedium", mock.Anything, mock.Anything,
		mock.Anything)

	e, err := s.model.MediumByLabel("T1")
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1000), e.Address)
}

func TestLoadUnknownLabel(t *testing.T) {

	s := testServer(t, libChanger())

	resp, fatal := exchange(t, s, ipc.KindTlcLoad, &ipc.TlcLoad{
		ID:          "l3",
		DriveSerial: "654321",
		TapeLabel:   "GHOST",
	})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindError, resp.Kind)

	var body ipc.Error
	require.NoError(t, resp.Decode(&body))
	assert.Contains(t, body.Message, "MEDIA_LABEL_UNKNOWN=GHOST")
}

func TestLoadMovesAndMutatesModel(t *testing.T) {

	changer := libChanger()
	changer.On("MoveMedium", uint16(0x0001), uint16(0x1000),
		uint16(0x0081)).Return(nil)

	s := testServer(t, changer)

	resp, fatal := exchange(t, s, ipc.KindTlcLoad, &ipc.TlcLoad{
		ID:          "l4",
		DriveSerial: "654321",
		TapeLabel:   "T1",
	})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindTlcLoadResp, resp.Kind)

	d, err := s.model.DriveBySerial("654321")
	require.NoError(t, err)
	assert.True(t, d.Full)
	assert.Equal(t, "T1", d.VolumeLabel)
	assert.Equal(t, uint16(0x1000), d.SourceAddress)
}

func TestUnloadEmptyDrive(t *testing.T) {

	s := testServer(t, libChanger())

	// No expected label: success no-op.
	resp, fatal := exchange(t, s, ipc.KindTlcUnload, &ipc.TlcUnload{
		ID:          "u1",
		DriveSerial: "654321",
	})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindTlcUnloadResp, resp.Kind)

	var body ipc.TlcUnloadResp
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "", body.UnloadedLabel)

	// With an expected label it is an error.
	expected := "T9"
	resp, fatal = exchange(t, s, ipc.KindTlcUnload, &ipc.TlcUnload{
		ID:            "u2",
		DriveSerial:   "654321",
		ExpectedLabel: &expected,
	})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindError, resp.Kind)

	var e ipc.Error
	require.NoError(t, resp.Decode(&e))
	assert.Contains(t, e.Message, "EMPTY_DRIVE_DOES_NOT_CONTAIN=T9")
}

func TestUnloadLabelMismatch(t *testing.T) {

	s := testServer(t, libChanger())

	expected := "T1"
	resp, fatal := exchange(t, s, ipc.KindTlcUnload, &ipc.TlcUnload{
		ID:            "u3",
		DriveSerial:   "123456",
		ExpectedLabel: &expected,
	})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindError, resp.Kind)

	var e ipc.Error
	require.NoError(t, resp.Decode(&e))
	assert.Contains(t, e.Message, "EXPECTED_TAPE=T1")
	assert.Contains(t, e.Message, "LOADED_TAPE=T3")
}

func TestUnloadPrefersSourceSlot(t *testing.T) {

	changer := libChanger()
	changer.On("MoveMedium", uint16(0x0001), uint16(0x0080),
		uint16(0x1002)).Return(nil)

	s := testServer(t, changer)

	// T3 was sourced from slot 0x1002, which is empty: it must go back
	// there.
	resp, fatal := exchange(t, s, ipc.KindTlcUnload, &ipc.TlcUnload{
		ID:          "u4",
		DriveSerial: "123456",
	})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindTlcUnloadResp, resp.Kind)

	var body ipc.TlcUnloadResp
	require.NoError(t, resp.Decode(&body))
	assert.Equal(t, "T3", body.UnloadedLabel)
	assert.Equal(t, uint16(0x1002), body.DestinationAddress)
}

func TestUnloadSourceSlotTaken(t *testing.T) {

	changer := libChanger()
	changer.On("MoveMedium", mock.Anything, uint16(0x0080),
		mock.Anything).Return(nil)

	s := testServer(t, changer)

	// Fill slot 0x1002 externally: the unload must pick another empty
	// slot instead.
	s.model.MoveDone(0x1001, 0x1002)

	resp, fatal := exchange(t, s, ipc.KindTlcUnload, &ipc.TlcUnload{
		ID:          "u5",
		DriveSerial: "123456",
	})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindTlcUnloadResp, resp.Kind)

	var body ipc.TlcUnloadResp
	require.NoError(t, resp.Decode(&body))
	assert.NotEqual(t, uint16(0x1002), body.DestinationAddress)
	assert.Equal(t, uint16(0x1001), body.DestinationAddress)
}

func TestStatusElements(t *testing.T) {

	s := testServer(t, libChanger())

	resp, fatal := exchange(t, s, ipc.KindTlcStatus, &ipc.TlcStatus{ID: "s1"})
	require.NoError(t, fatal)
	require.Equal(t, ipc.KindTlcStatusResp, resp.Kind)

	var body ipc.TlcStatusResp
	require.NoError(t, resp.Decode(&body))

	var elements []domain.ElementStatus
	require.NoError(t, json.Unmarshal(body.Elements, &elements))
	assert.Len(t, elements, 7)
}

func TestStatusRefreshFailureIsFatal(t *testing.T) {

	changer := libChanger()
	s := testServer(t, changer)

	// Make the next model reload fail.
	broken := &mocks.ChangerIface{}
	broken.On("ModeSense").Return(nil, domain.ErrIO)
	s.changer = broken

	refresh := true
	resp, fatal := exchange(t, s, ipc.KindTlcStatus, &ipc.TlcStatus{
		ID:      "s2",
		Refresh: &refresh,
	})

	// The caller gets an error and the daemon terminates rather than
	// serve stale data.
	require.Equal(t, ipc.KindError, resp.Kind)
	assert.Error(t, fatal)
}
