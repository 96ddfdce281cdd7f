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
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/phobos/config"
	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/ipc"
)

// maxSchedRounds bounds how long a request may sit in the queue: after
// that many scheduling rounds without admission it is rejected rather than
// starved silently.
const maxSchedRounds = 1000

// Options carries the startup parameters of the local resource scheduler.
type Options struct {
	SocketPath   string
	Hostname     string
	Library      string
	LockFilePath string
	GracePeriod  time.Duration
	TlcAddr      string
	TlcRequired  bool
	TlcTimeout   time.Duration
}

// Server is the per-host LRS daemon: it multiplexes client requests onto
// the locally attached drives, owns the device lifecycle and keeps the
// distributed locks that make that ownership visible to other hosts.
type Server struct {
	opts     Options
	cfg      *config.Config
	store    domain.DssIface
	state    domain.DeviceStateServiceIface
	adapters domain.AdapterServiceIface
	tlc      domain.TlcClientIface
	sched    *Scheduler

	lock     *lockFile
	listener net.Listener

	mu       sync.Mutex
	queue    []*clientReq
	conns    map[*clientConn]struct{}
	kick     chan struct{}
	quit     chan struct{}
	draining bool
	wg       sync.WaitGroup
}

type clientReq struct {
	env    *ipc.Envelope
	conn   *clientConn
	rounds int
}

type clientConn struct {
	mu   sync.Mutex
	nc   net.Conn
	dead bool
}

func (c *clientConn) send(kind string, body interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return
	}
	if err := ipc.WriteMessage(c.nc, kind, body); err != nil {
		logrus.Warnf("Failed to send %v response: %v", kind, err)
		c.dead = true
	}
}

// NewServer wires the daemon services together: construct
// then Init then Serve.
func NewServer(opts Options, cfg *config.Config, store domain.DssIface,
	state domain.DeviceStateServiceIface,
	adapters domain.AdapterServiceIface,
	tlc domain.TlcClientIface) *Server {

	if opts.GracePeriod == 0 {
		opts.GracePeriod = 30 * time.Second
	}

	return &Server{
		opts:     opts,
		cfg:      cfg,
		store:    store,
		state:    state,
		adapters: adapters,
		tlc:      tlc,
		sched:    NewScheduler(state, store, opts.Hostname),
		conns:    make(map[*clientConn]struct{}),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
}

// LockFilePath exposes the singleton lock file location.
func (s *Server) LockFilePath() string {
	return s.opts.LockFilePath
}

// Init runs the startup sequence: singleton lock file, stale distributed
// lock cleaning, local device bring-up, TLC liveness.
func (s *Server) Init() error {

	if s.opts.LockFilePath != "" {
		lock, err := takeLockFile(s.opts.LockFilePath)
		if err != nil {
			return err
		}
		s.lock = lock
	}

	// Locks still held under this hostname are stale leftovers of a
	// previous instance.
	if _, err := s.store.Locks().CleanSelective(domain.LockCleanFilter{
		Hostname: s.opts.Hostname,
	}); err != nil {
		return errors.Wrap(err, "cleaning stale locks")
	}

	if err := s.registerLocalDevices(); err != nil {
		return err
	}

	if s.tlc != nil {
		up, err := s.tlc.Ping()
		if err != nil || !up {
			if s.opts.TlcRequired {
				return errors.Wrapf(domain.ErrNoDev,
					"TLC at %s is not serving", s.opts.TlcAddr)
			}
			logrus.Warnf("TLC at %v unreachable, running degraded (no tape)",
				s.opts.TlcAddr)
			s.tlc.Close()
			s.tlc = nil
		}
	}

	return nil
}

// registerLocalDevices brings up every catalog device owned by this host:
// the adapter identifies the hardware, the result is cross-checked against
// the catalog, and the drive enters the state table as empty (or failed).
func (s *Server) registerLocalDevices() error {

	devices, err := s.store.DeviceList("", nil)
	if err != nil {
		return errors.Wrap(err, "listing catalog devices")
	}

	for _, dev := range devices {
		if dev.Host != s.opts.Hostname {
			continue
		}

		op := domain.OpStateEmpty

		a, err := s.adapters.LookupAdapter(dev.ID.Family)
		if err != nil {
			logrus.Errorf("Drive %v: %v", dev.ID.Serial, err)
			op = domain.OpStateFailed
		} else {
			info, err := a.DeviceQuery(dev.Path)
			switch {
			case err != nil:
				logrus.Errorf("Drive %v: adapter query failed: %v",
					dev.ID.Serial, err)
				op = domain.OpStateFailed
			case info.Serial != dev.ID.Serial:
				logrus.Errorf("Drive at %v identifies as %q, catalog says %q",
					dev.Path, info.Serial, dev.ID.Serial)
				op = domain.OpStateFailed
			}
		}

		if op == domain.OpStateEmpty {
			err = s.store.Locks().Acquire(domain.LockTypeDevice,
				dev.ID.String(), s.opts.Hostname, os.Getpid())
			if err != nil {
				logrus.Warnf("Drive %v: device lock unavailable: %v",
					dev.ID.Serial, err)
				continue
			}
		}

		dev.Medium = ""
		if err := s.state.Register(dev, op); err != nil {
			return err
		}
	}

	return nil
}

// Serve opens the UNIX listener and runs the request scheduler until Stop.
func (s *Server) Serve() error {

	os.Remove(s.opts.SocketPath)

	listener, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.opts.SocketPath)
	}
	s.listener = listener

	logrus.Infof("LRS serving on %v", s.opts.SocketPath)

	s.wg.Add(1)
	go s.acceptLoop()

	s.scheduleLoop()
	s.wg.Wait()

	return nil
}

func (s *Server) acceptLoop() {

	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
			default:
				logrus.Warnf("Accept failed: %v", err)
			}
			return
		}

		s.wg.Add(1)
		go s.connLoop(&clientConn{nc: nc})
	}
}

func (s *Server) connLoop(conn *clientConn) {

	defer s.wg.Done()
	defer conn.nc.Close()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		env, err := ipc.ReadMessage(conn.nc)
		if err != nil {
			if err != io.EOF {
				logrus.Debugf("Closing client connection: %v", err)
			}
			break
		}

		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			conn.send(ipc.KindError, &ipc.Error{
				ID:      env.RequestID(),
				ReqKind: env.Kind,
				Rc:      domain.RcOf(domain.ErrAgain),
				Message: "daemon is shutting down",
			})
			continue
		}
		s.queue = append(s.queue, &clientReq{env: env, conn: conn})
		s.mu.Unlock()

		s.poke()
	}

	// A closed socket is an implicit cancellation: pending requests of
	// this connection are dropped before they acquire anything.
	conn.mu.Lock()
	conn.dead = true
	conn.mu.Unlock()

	s.poke()
}

func (s *Server) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// scheduleLoop is the admission-control loop: requests are scanned in
// arrival order, each either dispatched to a worker, answered inline,
// kept for the next round, or rejected after too many rounds.
func (s *Server) scheduleLoop() {

	for {
		select {
		case <-s.quit:
			return
		case <-s.kick:
		}

		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		var keep []*clientReq
		for _, req := range pending {
			req.conn.mu.Lock()
			dead := req.conn.dead
			req.conn.mu.Unlock()
			if dead {
				continue
			}

			if s.dispatch(req) {
				continue
			}

			req.rounds++
			if req.rounds >= maxSchedRounds {
				s.reject(req, domain.ErrBusy,
					"request starved out of scheduling rounds")
				continue
			}
			keep = append(keep, req)
		}

		s.mu.Lock()
		s.queue = append(keep, s.queue...)
		requeued := len(keep) > 0
		s.mu.Unlock()

		if requeued {
			// Somebody must retry the survivors even if no new event
			// arrives; workers poke on completion, this timer is the
			// fallback.
			time.AfterFunc(100*time.Millisecond, s.poke)
		}
	}
}

func (s *Server) reject(req *clientReq, err error, msg string) {

	if msg == "" {
		msg = err.Error()
	}

	req.conn.send(ipc.KindError, &ipc.Error{
		ID:      req.env.RequestID(),
		ReqKind: req.env.Kind,
		Rc:      domain.RcOf(err),
		Message: msg,
	})
}

// Stop runs the shutdown sequence: stop admitting, drain busy drives
// within the grace period, release filesystems and locks, close sockets.
func (s *Server) Stop() {

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	logrus.Infof("LRS shutting down")

	// Wait, bounded by the grace period, for outstanding users to finish.
	deadline := time.Now().Add(s.opts.GracePeriod)
	for time.Now().Before(deadline) {
		busy := 0
		for _, d := range s.state.List() {
			if d.Refcount > 0 {
				busy++
			}
		}
		if busy == 0 {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}

	s.quiesceDrives()
	s.releaseAllLocks()

	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.nc.Close()
	}
	s.mu.Unlock()
	if s.tlc != nil {
		s.tlc.Close()
	}
	if s.lock != nil {
		s.lock.release()
	}
	s.poke()
}

// quiesceDrives releases and unmounts every mounted drive.
func (s *Server) quiesceDrives() {

	for _, d := range s.state.List() {
		if d.Op != domain.OpStateMounted || d.RootPath == "" {
			continue
		}

		a, err := s.adapters.LookupAdapter(d.Device.ID.Family)
		if err != nil {
			continue
		}

		if err := a.FsRelease(d.RootPath); err != nil {
			logrus.Warnf("Drive %v: release failed: %v",
				d.Device.ID.Serial, err)
		}

		if _, err := s.state.Transition(d.Device.ID.Serial,
			domain.OpStateUnmounting); err != nil {
			continue
		}
		if err := a.FsUmount(d.Device.Path, d.RootPath); err != nil {
			logrus.Warnf("Drive %v: umount failed: %v",
				d.Device.ID.Serial, err)
			s.state.Fail(d.Device.ID.Serial)
			continue
		}
		s.state.Transition(d.Device.ID.Serial, domain.OpStateLoaded)
	}
}

// releaseAllLocks drops every distributed lock held by this process.
func (s *Server) releaseAllLocks() {

	if _, err := s.store.Locks().CleanSelective(domain.LockCleanFilter{
		Hostname: s.opts.Hostname,
	}); err != nil {
		logrus.Warnf("Failed to release distributed locks: %v", err)
	}
}
