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
	"time"

	"github.com/google/uuid"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/ipc"
)

// Ensure the client satisfies the domain contract.
var _ domain.TlcClientIface = (*tlcClient)(nil)

// tlcClient speaks the TLC protocol over one TCP connection. The LRS
// serializes TLC traffic: one outstanding request at a time.
type tlcClient struct {
	conn *ipc.Conn
}

// DialTlc connects to the TLC of the tape library. timeout bounds each
// request round trip.
func DialTlc(address string, timeout time.Duration) (domain.TlcClientIface, error) {

	if timeout == 0 {
		timeout = 2 * time.Minute
	}

	conn, err := ipc.Dial("tcp", address, timeout)
	if err != nil {
		return nil, err
	}

	return &tlcClient{conn: conn}, nil
}

func (c *tlcClient) Close() error {
	return c.conn.Close()
}

func (c *tlcClient) Ping() (bool, error) {

	id := uuid.NewString()

	var resp ipc.TlcPingResp
	err := c.conn.Do(ipc.KindTlcPing, &ipc.TlcPing{ID: id}, id,
		ipc.KindTlcPingResp, &resp)
	if err != nil {
		return false, err
	}

	return resp.LibraryIsUp, nil
}

func (c *tlcClient) DriveLookup(serial string) (*domain.TlcDriveInfo, error) {

	id := uuid.NewString()

	var resp ipc.TlcDriveLookupResp
	err := c.conn.Do(ipc.KindTlcDriveLookup,
		&ipc.TlcDriveLookup{ID: id, Serial: serial}, id,
		ipc.KindTlcDriveLookupResp, &resp)
	if err != nil {
		return nil, err
	}

	return &domain.TlcDriveInfo{
		Address:      resp.DriveAddress,
		FirstAddress: resp.FirstDriveAddress,
		Loaded:       resp.Loaded,
		LoadedLabel:  resp.LoadedLabel,
	}, nil
}

func (c *tlcClient) Load(driveSerial, tapeLabel string) error {

	id := uuid.NewString()

	var resp ipc.TlcLoadResp

	return c.conn.Do(ipc.KindTlcLoad, &ipc.TlcLoad{
		ID:          id,
		DriveSerial: driveSerial,
		TapeLabel:   tapeLabel,
	}, id, ipc.KindTlcLoadResp, &resp)
}

func (c *tlcClient) Status(refresh bool) ([]byte, error) {

	id := uuid.NewString()

	req := &ipc.TlcStatus{ID: id}
	if refresh {
		req.Refresh = &refresh
	}

	var resp ipc.TlcStatusResp
	err := c.conn.Do(ipc.KindTlcStatus, req, id, ipc.KindTlcStatusResp,
		&resp)
	if err != nil {
		return nil, err
	}

	return resp.Elements, nil
}

func (c *tlcClient) Refresh() error {

	id := uuid.NewString()

	var resp ipc.TlcRefreshResp

	return c.conn.Do(ipc.KindTlcRefresh, &ipc.TlcRefresh{ID: id}, id,
		ipc.KindTlcRefreshResp, &resp)
}

func (c *tlcClient) Unload(driveSerial string,
	expectedLabel *string) (string, uint16, error) {

	id := uuid.NewString()

	var resp ipc.TlcUnloadResp
	err := c.conn.Do(ipc.KindTlcUnload, &ipc.TlcUnload{
		ID:            id,
		DriveSerial:   driveSerial,
		ExpectedLabel: expectedLabel,
	}, id, ipc.KindTlcUnloadResp, &resp)
	if err != nil {
		return "", 0, err
	}

	return resp.UnloadedLabel, resp.DestinationAddress, nil
}
