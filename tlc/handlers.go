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

package tlc

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/ipc"
	"github.com/nestybox/phobos/library"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// handle dispatches one request. A non-nil return is fatal for the whole
// daemon (untrustworthy model); per-request failures go back to the caller
// as error messages instead.
func (s *Server) handle(req *pendingRequest) error {

	logrus.Debugf("TLC handling %v request", req.env.Kind)

	switch req.env.Kind {

	case ipc.KindTlcPing:
		return s.handlePing(req)

	case ipc.KindTlcDriveLookup:
		return s.handleDriveLookup(req)

	case ipc.KindTlcLoad:
		return s.handleLoad(req)

	case ipc.KindTlcUnload:
		return s.handleUnload(req)

	case ipc.KindTlcStatus:
		return s.handleStatus(req)

	case ipc.KindTlcRefresh:
		return s.handleRefresh(req)

	default:
		req.conn.send(ipc.KindError, &ipc.Error{
			ID:      req.env.RequestID(),
			ReqKind: req.env.Kind,
			Rc:      domain.RcOf(domain.ErrProto),
			Message: fmt.Sprintf("unexpected request kind %q", req.env.Kind),
		})
		return nil
	}
}

func (s *Server) sendError(req *pendingRequest, id string, err error, msg string) {

	if msg == "" {
		msg = err.Error()
	}

	req.conn.send(ipc.KindError, &ipc.Error{
		ID:      id,
		ReqKind: req.env.Kind,
		Rc:      domain.RcOf(err),
		Message: msg,
	})
}

// handlePing probes the changer with an INQUIRY. Never moves media.
func (s *Server) handlePing(req *pendingRequest) error {

	var body ipc.TlcPing
	if err := req.env.Decode(&body); err != nil {
		s.sendError(req, req.env.RequestID(), err, "")
		return nil
	}

	up := s.changer.Inquiry() == nil

	req.conn.send(ipc.KindTlcPingResp, &ipc.TlcPingResp{
		ID:          body.ID,
		LibraryIsUp: up,
	})

	return nil
}

func (s *Server) handleDriveLookup(req *pendingRequest) error {

	var body ipc.TlcDriveLookup
	if err := req.env.Decode(&body); err != nil {
		s.sendError(req, req.env.RequestID(), err, "")
		return nil
	}

	drive, err := s.model.DriveBySerial(body.Serial)
	if err != nil {
		s.sendError(req, body.ID, domain.ErrNoEnt,
			"DRIVE_SERIAL_UNKNOWN="+body.Serial)
		return nil
	}

	resp := &ipc.TlcDriveLookupResp{
		ID:                body.ID,
		DriveAddress:      drive.Address,
		FirstDriveAddress: s.model.FirstDriveAddress(),
		Loaded:            drive.Full,
	}
	if drive.Full {
		resp.LoadedLabel = drive.VolumeLabel
	}

	req.conn.send(ipc.KindTlcDriveLookupResp, resp)

	return nil
}

// journal records one library-mutating operation to the catalog log
// channel.
func (s *Server) journal(op, device, medium string, start time.Time, err error) {

	if s.logs == nil {
		return
	}

	rec := domain.LogRecord{
		Time:    start,
		Op:      op,
		Device:  device,
		Medium:  medium,
		Library: s.library,
		Elapsed: time.Since(start).Seconds(),
	}
	if err != nil {
		rec.Error = err.Error()
		var scErr interface{ JSON() string }
		if errors.As(err, &scErr) {
			rec.Message = scErr.JSON()
		}
	}

	s.logs.Emit(rec)
}

func (s *Server) handleLoad(req *pendingRequest) error {

	var body ipc.TlcLoad
	if err := req.env.Decode(&body); err != nil {
		s.sendError(req, req.env.RequestID(), err, "")
		return nil
	}

	drive, err := s.model.DriveBySerial(body.DriveSerial)
	if err != nil {
		s.sendError(req, body.ID, domain.ErrNoEnt,
			"DRIVE_SERIAL_UNKNOWN="+body.DriveSerial)
		return nil
	}

	if drive.Full && drive.VolumeLabel == body.TapeLabel {
		// Already where the caller wants it.
		req.conn.send(ipc.KindTlcLoadResp, &ipc.TlcLoadResp{ID: body.ID})
		return nil
	}
	if drive.Full {
		s.sendError(req, body.ID, domain.ErrBusy, fmt.Sprintf(
			"drive %s already holds %s", body.DriveSerial,
			drive.VolumeLabel))
		return nil
	}

	medium, err := s.model.MediumByLabel(body.TapeLabel)
	if err != nil {
		s.sendError(req, body.ID, domain.ErrNoEnt,
			"MEDIA_LABEL_UNKNOWN="+body.TapeLabel)
		return nil
	}

	start := time.Now()
	err = s.changer.MoveMedium(s.model.ArmAddress(), medium.Address,
		drive.Address)
	s.journal("load", body.DriveSerial, body.TapeLabel, start, err)

	if err != nil {
		s.sendError(req, body.ID, err, "")
		return nil
	}

	s.model.MoveDone(medium.Address, drive.Address)

	// The model is the source of truth; if the move left the drive
	// reporting empty the model must be rebuilt before success is
	// reported.
	check, err := s.model.DriveBySerial(body.DriveSerial)
	if err != nil || !check.Full {
		logrus.Warnf("Drive %v inconsistent after load, refreshing model",
			body.DriveSerial)
		if err := s.reloadModel(); err != nil {
			return err
		}
	}

	req.conn.send(ipc.KindTlcLoadResp, &ipc.TlcLoadResp{ID: body.ID})

	return nil
}

func (s *Server) handleUnload(req *pendingRequest) error {

	var body ipc.TlcUnload
	if err := req.env.Decode(&body); err != nil {
		s.sendError(req, req.env.RequestID(), err, "")
		return nil
	}

	drive, err := s.model.DriveBySerial(body.DriveSerial)
	if err != nil {
		s.sendError(req, body.ID, domain.ErrNoEnt,
			"DRIVE_SERIAL_UNKNOWN="+body.DriveSerial)
		return nil
	}

	if !drive.Full {
		if body.ExpectedLabel != nil {
			s.sendError(req, body.ID, domain.ErrNoEnt, fmt.Sprintf(
				"EMPTY_DRIVE_DOES_NOT_CONTAIN=%s", *body.ExpectedLabel))
			return nil
		}
		// Nothing loaded, nothing to do.
		req.conn.send(ipc.KindTlcUnloadResp, &ipc.TlcUnloadResp{ID: body.ID})
		return nil
	}

	if body.ExpectedLabel != nil && *body.ExpectedLabel != drive.VolumeLabel {
		s.sendError(req, body.ID, domain.ErrInval, fmt.Sprintf(
			"EXPECTED_TAPE=%s LOADED_TAPE=%s", *body.ExpectedLabel,
			drive.VolumeLabel))
		return nil
	}

	dest, err := s.model.FreeSlot(drive.SourceAddress, drive.SourceIsSet)
	if err != nil {
		s.sendError(req, body.ID, domain.ErrNoSpc, "NO_FREE_SLOT")
		return nil
	}

	label := drive.VolumeLabel

	start := time.Now()
	err = s.changer.MoveMedium(s.model.ArmAddress(), drive.Address, dest)
	s.journal("unload", body.DriveSerial, label, start, err)

	if err != nil {
		s.sendError(req, body.ID, err, "")
		return nil
	}

	s.model.MoveDone(drive.Address, dest)

	req.conn.send(ipc.KindTlcUnloadResp, &ipc.TlcUnloadResp{
		ID:                 body.ID,
		UnloadedLabel:      label,
		DestinationAddress: dest,
	})

	return nil
}

func (s *Server) handleStatus(req *pendingRequest) error {

	var body ipc.TlcStatus
	if err := req.env.Decode(&body); err != nil {
		s.sendError(req, req.env.RequestID(), err, "")
		return nil
	}

	if body.Refresh != nil && *body.Refresh {
		if err := s.reloadModel(); err != nil {
			// The model is no longer trustworthy: terminate rather than
			// serve stale data.
			s.sendError(req, body.ID, err, "")
			return err
		}
	}

	elements, err := json.Marshal(s.model.Elements())
	if err != nil {
		s.sendError(req, body.ID, domain.ErrIO, err.Error())
		return nil
	}

	req.conn.send(ipc.KindTlcStatusResp, &ipc.TlcStatusResp{
		ID:       body.ID,
		Elements: elements,
	})

	return nil
}

func (s *Server) handleRefresh(req *pendingRequest) error {

	var body ipc.TlcRefresh
	if err := req.env.Decode(&body); err != nil {
		s.sendError(req, req.env.RequestID(), err, "")
		return nil
	}

	if err := s.reopenChanger(); err != nil {
		s.sendError(req, body.ID, err, "")
		return err
	}

	req.conn.send(ipc.KindTlcRefreshResp, &ipc.TlcRefreshResp{ID: body.ID})

	return nil
}

// reloadModel rebuilds the element cache from SCSI. Failure is fatal for
// the daemon.
func (s *Server) reloadModel() error {

	model := library.NewModel(s.changer)
	if err := model.Load(); err != nil {
		return errors.Wrap(err, "library model refresh failed")
	}

	s.model = model

	return nil
}

// reopenChanger closes and re-opens the library device, then rebuilds the
// model. Failure is fatal for the daemon.
func (s *Server) reopenChanger() error {

	s.changer.Close()

	changer, err := s.open()
	if err != nil {
		return errors.Wrap(err, "re-opening library device failed")
	}
	s.changer = changer

	return s.reloadModel()
}
