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
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/phobos/config"
	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/ipc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// dispatch routes one queued request. It returns true when the request is
// consumed (answered, rejected or handed to a worker) and false when it
// must wait for the next scheduling round.
func (s *Server) dispatch(req *clientReq) bool {

	logrus.Debugf("LRS dispatching %v request", req.env.Kind)

	switch req.env.Kind {

	case ipc.KindPing:
		var body ipc.Ping
		if err := req.env.Decode(&body); err != nil {
			s.reject(req, err, "")
			return true
		}
		req.conn.send(ipc.KindPingResp, &ipc.PingResp{ID: body.ID})
		return true

	case ipc.KindMonitor:
		s.handleMonitor(req)
		return true

	case ipc.KindConfigure:
		s.handleConfigure(req)
		return true

	case ipc.KindNotify:
		s.handleNotify(req)
		return true

	case ipc.KindRelease:
		var body ipc.Release
		if err := req.env.Decode(&body); err != nil {
			s.reject(req, err, "")
			return true
		}
		s.wg.Add(1)
		go s.runRelease(req, &body)
		return true

	case ipc.KindWrite:
		return s.admitWrite(req)

	case ipc.KindRead:
		return s.admitRead(req)

	case ipc.KindFormat:
		return s.admitFormat(req)

	default:
		s.reject(req, domain.ErrProto, "unexpected request kind "+req.env.Kind)
		return true
	}
}

//
// Admission. The scheduler picks the pair, the drive state is committed
// synchronously (so the next request in the same round cannot double-book
// the drive), then the slow work happens in a worker.
//

func (s *Server) admitWrite(req *clientReq) bool {

	var body ipc.Write
	if err := req.env.Decode(&body); err != nil {
		s.reject(req, err, "")
		return true
	}

	binding, err := s.sched.SelectWrite(&WriteReq{
		Size:   body.Size,
		Tags:   body.Tags,
		Family: body.Family,
	})
	if err != nil {
		if IsAgain(err) {
			return false
		}
		s.reject(req, err, "")
		return true
	}

	if err := s.lockMedium(binding.Medium.ID); err != nil {
		s.reject(req, err, "")
		return true
	}

	if err := s.commitBinding(binding); err != nil {
		s.unlockMedium(binding.Medium.ID)
		s.reject(req, err, "")
		return true
	}

	s.wg.Add(1)
	go s.runWrite(req, &body, binding)

	return true
}

func (s *Server) admitRead(req *clientReq) bool {

	var body ipc.Read
	if err := req.env.Decode(&body); err != nil {
		s.reject(req, err, "")
		return true
	}
	if len(body.RequiredMedia) == 0 {
		s.reject(req, domain.ErrInval, "read request names no media")
		return true
	}

	var bindings []*Binding
	rollback := func() {
		for _, b := range bindings {
			s.rollbackBinding(b)
			s.unlockMedium(b.Medium.ID)
		}
	}

	for _, id := range body.RequiredMedia {
		binding, err := s.sched.SelectRead(id)
		if err != nil {
			rollback()
			if IsAgain(err) {
				return false
			}
			s.reject(req, err, "")
			return true
		}

		if err := s.lockMedium(binding.Medium.ID); err != nil {
			rollback()
			s.reject(req, err, "")
			return true
		}

		if err := s.commitBinding(binding); err != nil {
			s.unlockMedium(binding.Medium.ID)
			rollback()
			s.reject(req, err, "")
			return true
		}

		bindings = append(bindings, binding)
	}

	s.wg.Add(1)
	go s.runRead(req, &body, bindings)

	return true
}

func (s *Server) admitFormat(req *clientReq) bool {

	var body ipc.Format
	if err := req.env.Decode(&body); err != nil {
		s.reject(req, err, "")
		return true
	}

	force := body.Force != nil && *body.Force

	binding, err := s.sched.SelectFormat(body.Medium, force)
	if err != nil {
		if IsAgain(err) {
			return false
		}
		s.reject(req, err, "")
		return true
	}

	if err := s.lockMedium(binding.Medium.ID); err != nil {
		s.reject(req, err, "")
		return true
	}

	if err := s.commitBinding(binding); err != nil {
		s.unlockMedium(binding.Medium.ID)
		s.reject(req, err, "")
		return true
	}

	s.wg.Add(1)
	go s.runFormat(req, &body, binding)

	return true
}

//
// Lock plumbing.
//

func (s *Server) lockMedium(id domain.MediumID) error {

	err := s.store.Locks().Acquire(domain.LockTypeMedia, id.String(),
		s.opts.Hostname, os.Getpid())
	if err != nil {
		var conflict *domain.LockConflictError
		if errors.As(err, &conflict) {
			return errors.Wrapf(domain.ErrBusy,
				"medium %s is locked on host %s", id,
				conflict.Holder.Hostname)
		}
		return err
	}

	return nil
}

func (s *Server) unlockMedium(id domain.MediumID) {

	err := s.store.Locks().Release(domain.LockTypeMedia, id.String(),
		s.opts.Hostname, os.Getpid(), false)
	if err != nil && !errors.Is(err, domain.ErrNoEnt) {
		logrus.Warnf("Failed to release media lock %v: %v", id, err)
	}
}

//
// Binding commitment: reserve the drive by moving it into the transient
// state matching the first step of the pipeline.
//

func (s *Server) commitBinding(b *Binding) error {

	st, err := s.state.Lookup(b.DriveSerial)
	if err != nil {
		return err
	}

	switch st.Op {
	case domain.OpStateMounted:
		if st.Medium == b.Medium.ID.Label {
			return s.state.AddRef(b.DriveSerial)
		}
		_, err = s.state.Transition(b.DriveSerial, domain.OpStateUnmounting)
		return err

	case domain.OpStateLoaded:
		if st.Medium == b.Medium.ID.Label {
			_, err = s.state.Transition(b.DriveSerial, domain.OpStateMounting)
			return err
		}
		_, err = s.state.Transition(b.DriveSerial, domain.OpStateUnloading)
		return err

	case domain.OpStateEmpty:
		_, err = s.state.Transition(b.DriveSerial, domain.OpStateLoading)
		return err

	default:
		return errors.Wrapf(domain.ErrBusy, "drive %s is %v", b.DriveSerial,
			st.Op)
	}
}

func (s *Server) rollbackBinding(b *Binding) {

	st, err := s.state.Lookup(b.DriveSerial)
	if err != nil {
		return
	}

	switch st.Op {
	case domain.OpStateLoading:
		s.state.Transition(b.DriveSerial, domain.OpStateEmpty)
	case domain.OpStateMounting:
		s.state.Transition(b.DriveSerial, domain.OpStateLoaded)
	case domain.OpStateBusy:
		s.state.DropRef(b.DriveSerial)
	}
}

//
// Pipelines.
//

// advance walks one drive from its committed transient state to holding
// the bound medium, reaching target (OpStateLoaded or OpStateMounted).
// On failure the drive is parked in the nearest stable state, or failed
// on a hard io error.
func (s *Server) advance(b *Binding, target domain.OpState) (string, error) {

	serial := b.DriveSerial
	label := b.Medium.ID.Label
	family := b.Medium.ID.Family

	a, err := s.adapters.LookupAdapter(family)
	if err != nil {
		return "", err
	}

	for {
		st, err := s.state.Lookup(serial)
		if err != nil {
			return "", err
		}

		switch st.Op {

		case domain.OpStateUnmounting:
			if err := a.FsUmount(st.Device.Path, st.RootPath); err != nil {
				s.state.Fail(serial)
				return "", err
			}
			s.state.SetRootPath(serial, "")
			if _, err := s.state.Transition(serial, domain.OpStateLoaded); err != nil {
				return "", err
			}

		case domain.OpStateLoaded:
			if st.Medium == label {
				if target == domain.OpStateLoaded {
					return "", nil
				}
				if _, err := s.state.Transition(serial, domain.OpStateMounting); err != nil {
					return "", err
				}
				continue
			}
			// Wrong medium: send it back to its slot.
			if _, err := s.state.Transition(serial, domain.OpStateUnloading); err != nil {
				return "", err
			}

		case domain.OpStateUnloading:
			if family == domain.FamilyTape {
				if s.tlc == nil {
					return "", errors.Wrap(domain.ErrNoDev,
						"no TLC connection, cannot unload")
				}
				if _, _, err := s.tlc.Unload(serial, nil); err != nil {
					s.state.Fail(serial)
					return "", err
				}
			}
			if _, err := s.state.Transition(serial, domain.OpStateEmpty); err != nil {
				return "", err
			}
			if _, err := s.state.Transition(serial, domain.OpStateLoading); err != nil {
				return "", err
			}

		case domain.OpStateLoading:
			if family == domain.FamilyTape {
				if s.tlc == nil {
					return "", errors.Wrap(domain.ErrNoDev,
						"no TLC connection, cannot load")
				}
				if err := s.tlc.Load(serial, label); err != nil {
					// The drive stays usable: back to empty, the error
					// travels to the client.
					s.state.Transition(serial, domain.OpStateEmpty)
					return "", err
				}
			}
			s.state.SetMedium(serial, label)
			if _, err := s.state.Transition(serial, domain.OpStateLoaded); err != nil {
				return "", err
			}
			s.noteMediumLoaded(b.Medium)

		case domain.OpStateMounting:
			root, err := a.FsMount(st.Device.Path, label)
			if err != nil {
				s.state.Fail(serial)
				return "", err
			}
			s.state.SetRootPath(serial, root)
			if _, err := s.state.Transition(serial, domain.OpStateMounted); err != nil {
				return "", err
			}

		case domain.OpStateMounted:
			if st.Medium != label {
				return "", errors.Wrapf(domain.ErrIO,
					"drive %s mounted %q while %q was scheduled", serial,
					st.Medium, label)
			}
			return st.RootPath, nil

		case domain.OpStateBusy:
			// Commit already took the reference on a mounted drive.
			return st.RootPath, nil

		default:
			return "", errors.Wrapf(domain.ErrIO,
				"drive %s in unexpected state %v", serial, st.Op)
		}
	}
}

// noteMediumLoaded bumps the load statistics after a successful load.
func (s *Server) noteMediumLoaded(m *domain.Medium) {

	fresh, err := s.store.MediumGet(m.ID)
	if err != nil {
		fresh = m
	}

	fresh.Stats.LoadCount++
	fresh.Stats.LastLoad = time.Now()
	fresh.LockHostname = s.opts.Hostname

	if err := s.store.MediumSet(fresh); err != nil {
		logrus.Warnf("Failed to update stats of %v: %v", m.ID, err)
	}

	m.Stats = fresh.Stats
}

//
// Workers.
//

func (s *Server) runWrite(req *clientReq, body *ipc.Write, b *Binding) {

	defer s.wg.Done()
	defer s.poke()

	root, err := s.advance(b, domain.OpStateMounted)
	if err != nil {
		s.unlockMedium(b.Medium.ID)
		s.reject(req, err, "")
		return
	}

	st, _ := s.state.Lookup(b.DriveSerial)
	if st != nil && st.Op == domain.OpStateMounted {
		if err := s.state.AddRef(b.DriveSerial); err != nil {
			s.unlockMedium(b.Medium.ID)
			s.reject(req, err, "")
			return
		}
	}

	req.conn.send(ipc.KindWriteResp, &ipc.WriteResp{
		ID:       body.ID,
		Drive:    b.DriveSerial,
		Medium:   b.Medium.ID,
		RootPath: root,
		FsType:   b.Medium.FsType,
		AddrType: b.Medium.AddrType,
	})
}

func (s *Server) runRead(req *clientReq, body *ipc.Read, bindings []*Binding) {

	defer s.wg.Done()
	defer s.poke()

	var media []ipc.MediumLocation
	processed := 0

	// Each binding carries exactly one reference once its pipeline is
	// done; on failure every reference taken so far is handed back.
	abort := func(err error) {
		for i, rb := range bindings {
			if i < processed {
				s.state.DropRef(rb.DriveSerial)
			} else if st, lerr := s.state.Lookup(rb.DriveSerial); lerr == nil &&
				st.Op == domain.OpStateBusy && st.Medium == rb.Medium.ID.Label {
				// Admission committed this one straight to busy.
				s.state.DropRef(rb.DriveSerial)
			}
			s.unlockMedium(rb.Medium.ID)
		}
		s.reject(req, err, "")
	}

	for _, b := range bindings {
		root, err := s.advance(b, domain.OpStateMounted)
		if err != nil {
			abort(err)
			return
		}

		st, _ := s.state.Lookup(b.DriveSerial)
		if st != nil && st.Op == domain.OpStateMounted {
			if err := s.state.AddRef(b.DriveSerial); err != nil {
				abort(err)
				return
			}
		}
		processed++

		media = append(media, ipc.MediumLocation{
			Medium:   b.Medium.ID,
			RootPath: root,
			FsType:   b.Medium.FsType,
			AddrType: b.Medium.AddrType,
		})
	}

	req.conn.send(ipc.KindReadResp, &ipc.ReadResp{ID: body.ID, Media: media})
}

func (s *Server) runFormat(req *clientReq, body *ipc.Format, b *Binding) {

	defer s.wg.Done()
	defer s.poke()
	defer s.unlockMedium(b.Medium.ID)

	fail := func(err error) {
		s.reject(req, err, "")
	}

	if _, err := s.advance(b, domain.OpStateLoaded); err != nil {
		fail(err)
		return
	}

	a, err := s.adapters.LookupAdapter(b.Medium.ID.Family)
	if err != nil {
		fail(err)
		return
	}

	st, err := s.state.Lookup(b.DriveSerial)
	if err != nil {
		fail(err)
		return
	}

	if err := a.FsFormat(st.Device.Path, b.Medium.ID.Label); err != nil {
		s.state.Fail(b.DriveSerial)
		fail(err)
		return
	}

	// Fresh filesystem: the medium becomes empty and regains its full
	// capacity.
	m, err := s.store.MediumGet(b.Medium.ID)
	if err != nil {
		m = b.Medium
	}
	m.FsStatus = domain.FsStatusEmpty
	m.FsType = body.FsType
	if m.FsType == "" {
		m.FsType = domain.DefaultFsType(m.ID.Family)
	}
	m.Stats.BytesUsed = 0
	m.Stats.ObjectCount = 0
	if m.Stats.BytesFree == 0 {
		m.Stats.BytesFree = s.defaultCapacity(m.ID.Family)
	}
	if body.Unlock != nil && *body.Unlock {
		m.AdmStatus = domain.AdmStatusUnlocked
	}
	m.LockHostname = ""

	if err := s.store.MediumSet(m); err != nil {
		fail(err)
		return
	}

	// The medium goes back to its slot so the drive is at rest for the
	// next request in the stream.
	if _, err := s.state.Transition(b.DriveSerial,
		domain.OpStateUnloading); err == nil {
		if b.Medium.ID.Family == domain.FamilyTape && s.tlc != nil {
			if _, _, err := s.tlc.Unload(b.DriveSerial, nil); err != nil {
				s.state.Fail(b.DriveSerial)
				fail(err)
				return
			}
		}
		s.state.Transition(b.DriveSerial, domain.OpStateEmpty)
	}

	req.conn.send(ipc.KindFormatResp, &ipc.FormatResp{
		ID:     body.ID,
		Medium: b.Medium.ID,
	})
}

func (s *Server) defaultCapacity(family domain.ResourceFamily) int64 {

	dflt := int64(2500000000000) // LTO-6 raw capacity
	if family != domain.FamilyTape {
		dflt = 1 << 40
	}

	return int64(s.cfg.GetInt(config.SectionStore, "default_capacity",
		int(dflt)))
}

func (s *Server) runRelease(req *clientReq, body *ipc.Release) {

	defer s.wg.Done()
	defer s.poke()

	var synced []domain.MediumID

	for _, rm := range body.Media {
		if err := s.releaseOne(&rm); err != nil {
			s.reject(req, err, "")
			return
		}
		if rm.ToSync {
			synced = append(synced, rm.Medium)
		}
	}

	req.conn.send(ipc.KindReleaseResp, &ipc.ReleaseResp{
		ID:    body.ID,
		Media: synced,
	})
}

func (s *Server) releaseOne(rm *ipc.ReleaseMedium) error {

	var drive *domain.DriveState
	for _, d := range s.state.List() {
		if d.Medium == rm.Medium.Label &&
			d.Device.ID.Family == rm.Medium.Family {
			drive = d
			break
		}
	}
	if drive == nil {
		return errors.Wrapf(domain.ErrNoEnt,
			"medium %s is not held by this host", rm.Medium)
	}

	serial := drive.Device.ID.Serial

	// Flush before dropping the last reference so that the caller's data
	// is on the medium when the response leaves.
	if rm.ToSync && drive.Refcount == 1 {
		a, err := s.adapters.LookupAdapter(rm.Medium.Family)
		if err != nil {
			return err
		}
		if _, err := s.state.Transition(serial, domain.OpStateFlushing); err == nil {
			ferr := a.FsRelease(drive.RootPath)
			s.state.Transition(serial, domain.OpStateMounted)
			if ferr != nil {
				s.state.Fail(serial)
				return ferr
			}
		}
	}

	if drive.Refcount > 0 {
		if _, err := s.state.DropRef(serial); err != nil {
			return err
		}
	}

	// Stats and lifecycle bookkeeping.
	m, err := s.store.MediumGet(rm.Medium)
	if err != nil {
		return err
	}

	m.Stats.BytesUsed += rm.SizeWritten
	m.Stats.BytesFree -= rm.SizeWritten
	if m.Stats.BytesFree < 0 {
		m.Stats.BytesFree = 0
	}
	m.Stats.ObjectCount += int64(rm.NbExtents)
	if rm.Rc < 0 {
		m.Stats.ErrorCount++
	}
	if rm.SizeWritten > 0 && m.FsStatus == domain.FsStatusEmpty {
		m.FsStatus = domain.FsStatusUsed
	}
	if m.Stats.BytesFree == 0 {
		m.FsStatus = domain.FsStatusFull
	}
	m.LockHostname = ""

	if err := s.store.MediumSet(m); err != nil {
		return err
	}

	s.unlockMedium(rm.Medium)

	return nil
}
