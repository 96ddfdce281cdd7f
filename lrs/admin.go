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
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/ipc"
)

// handleMonitor reports the drive table of one family as a JSON status
// document.
func (s *Server) handleMonitor(req *clientReq) {

	var body ipc.Monitor
	if err := req.env.Decode(&body); err != nil {
		s.reject(req, err, "")
		return
	}

	type monitorStatus struct {
		Hostname string                `json:"hostname"`
		Drives   []*domain.DriveState  `json:"drives"`
		Family   domain.ResourceFamily `json:"family,omitempty"`
	}

	status := monitorStatus{Hostname: s.opts.Hostname, Family: body.Family}
	for _, d := range s.state.List() {
		if body.Family != "" && d.Device.ID.Family != body.Family {
			continue
		}
		status.Drives = append(status.Drives, d)
	}

	raw, err := json.Marshal(&status)
	if err != nil {
		s.reject(req, domain.ErrIO, err.Error())
		return
	}

	req.conn.send(ipc.KindMonitorResp, &ipc.MonitorResp{
		ID:     body.ID,
		Status: raw,
	})
}

// handleConfigure serves the runtime tuning RPC. Set is all-or-nothing per
// request; both verbs run on the scheduling loop, which serialises them.
func (s *Server) handleConfigure(req *clientReq) {

	var body ipc.Configure
	if err := req.env.Decode(&body); err != nil {
		s.reject(req, err, "")
		return
	}

	switch body.Op {

	case ipc.ConfigureSet:
		var values map[string]string
		if err := json.Unmarshal(body.Configuration, &values); err != nil {
			s.reject(req, domain.ErrInval, "malformed configuration payload")
			return
		}
		if err := s.cfg.SetAll(values); err != nil {
			s.reject(req, domain.ErrInval, err.Error())
			return
		}
		req.conn.send(ipc.KindConfigureResp, &ipc.ConfigureResp{ID: body.ID})

	case ipc.ConfigureGet:
		var keys []string
		if err := json.Unmarshal(body.Configuration, &keys); err != nil {
			s.reject(req, domain.ErrInval, "malformed configuration payload")
			return
		}
		values, err := s.cfg.GetAll(keys)
		if err != nil {
			s.reject(req, domain.ErrNoEnt, err.Error())
			return
		}
		raw, err := json.Marshal(values)
		if err != nil {
			s.reject(req, domain.ErrIO, err.Error())
			return
		}
		req.conn.send(ipc.KindConfigureResp, &ipc.ConfigureResp{
			ID:            body.ID,
			Configuration: raw,
		})

	default:
		s.reject(req, domain.ErrInval, "unknown configure op "+string(body.Op))
	}
}

// handleNotify serves resource-change notifications from the admin CLI.
func (s *Server) handleNotify(req *clientReq) {

	var body ipc.Notify
	if err := req.env.Decode(&body); err != nil {
		s.reject(req, err, "")
		return
	}

	var err error

	switch body.Op {
	case ipc.NotifyDeviceAdd, ipc.NotifyAddDevice:
		err = s.notifyDeviceAdd(body.RsrcID)
	case ipc.NotifyDeviceLock:
		err = s.notifyDeviceAdm(body.RsrcID, domain.AdmStatusLocked)
	case ipc.NotifyDeviceUnlock:
		err = s.notifyDeviceAdm(body.RsrcID, domain.AdmStatusUnlocked)
	case ipc.NotifyMediumUpdate:
		err = s.notifyMediumUpdate(body.RsrcID)
	default:
		err = errors.Wrapf(domain.ErrInval, "unknown notify op %q", body.Op)
	}

	if err != nil {
		s.reject(req, err, "")
		return
	}

	req.conn.send(ipc.KindNotifyResp, &ipc.NotifyResp{ID: body.ID})
}

// notifyDeviceAdd brings a new local device under LRS control. The
// resource id is "family:library:path": the adapter resolves the path to
// the hardware identity which the catalog then records.
func (s *Server) notifyDeviceAdd(rsrc string) error {

	parts := strings.SplitN(rsrc, ":", 3)
	if len(parts) != 3 {
		return errors.Wrapf(domain.ErrInval, "malformed device resource %q",
			rsrc)
	}

	family, err := domain.ParseFamily(parts[0])
	if err != nil {
		return errors.Wrap(domain.ErrInval, err.Error())
	}
	libraryName, path := parts[1], parts[2]

	a, err := s.adapters.LookupAdapter(family)
	if err != nil {
		return err
	}

	info, err := a.DeviceQuery(path)
	if err != nil {
		return err
	}

	dev := &domain.Device{
		ID: domain.DeviceID{
			Family:  family,
			Serial:  info.Serial,
			Library: libraryName,
		},
		AdmStatus: domain.AdmStatusUnlocked,
		Model:     info.Model,
		Path:      path,
		Host:      s.opts.Hostname,
	}

	if _, err := s.store.DeviceGet(dev.ID); err == nil {
		return errors.Wrapf(domain.ErrExist, "device %s already known",
			dev.ID)
	}

	if err := s.store.DeviceSet(dev); err != nil {
		return err
	}

	if err := s.store.Locks().Acquire(domain.LockTypeDevice,
		dev.ID.String(), s.opts.Hostname, os.Getpid()); err != nil {
		return err
	}

	logrus.Infof("Device %v added (model %q, path %v)", dev.ID, dev.Model,
		dev.Path)

	return s.state.Register(dev, domain.OpStateEmpty)
}

// notifyDeviceAdm applies an administrative lock or unlock. Only the
// immediate variant exists: a drive with outstanding users refuses the
// lock instead of deferring it.
func (s *Server) notifyDeviceAdm(rsrc string, adm domain.AdmStatus) error {

	id, err := domain.ParseDeviceID(rsrc)
	if err != nil {
		return err
	}

	dev, err := s.store.DeviceGet(id)
	if err != nil {
		return errors.Wrapf(domain.ErrNoEnt, "unknown device %s", rsrc)
	}

	if adm == domain.AdmStatusLocked {
		if st, err := s.state.Lookup(id.Serial); err == nil {
			if st.Refcount > 0 || st.Op.Transient() {
				return errors.Wrapf(domain.ErrBusy,
					"drive %s is in use, cannot lock now", id.Serial)
			}
		}
	}

	dev.AdmStatus = adm
	if err := s.store.DeviceSet(dev); err != nil {
		return err
	}

	// Keep the state table in line with the catalog.
	if err := s.state.SetAdmStatus(id.Serial, adm); err != nil &&
		!errors.Is(err, domain.ErrNoEnt) {
		return err
	}

	logrus.Infof("Device %v is now %v", id, adm)

	return nil
}

// notifyMediumUpdate re-validates a medium after an out-of-band catalog
// change.
func (s *Server) notifyMediumUpdate(rsrc string) error {

	id, err := domain.ParseMediumID(rsrc)
	if err != nil {
		return err
	}

	if _, err := s.store.MediumGet(id); err != nil {
		return errors.Wrapf(domain.ErrNoEnt, "unknown medium %s", rsrc)
	}

	return nil
}
