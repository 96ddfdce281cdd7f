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
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/ipc"
	"github.com/nestybox/phobos/library"
)

// ChangerOpener re-opens the library device; REFRESH closes and reopens
// through it.
type ChangerOpener func() (domain.ChangerIface, error)

// Server is the per-library TLC daemon: one process owns one media-changer
// and serializes every library-mutating operation through a single request
// loop. Requests from all connections funnel into one channel; no
// suspension happens across a SCSI call.
type Server struct {
	library string
	open    ChangerOpener
	changer domain.ChangerIface
	model   domain.LibraryIface
	logs    domain.LogServiceIface

	listener net.Listener
	requests chan *pendingRequest
	quit     chan struct{}
	fatal    error

	connMu sync.Mutex
	conns  map[*serverConn]struct{}
	wg     sync.WaitGroup
}

type pendingRequest struct {
	env  *ipc.Envelope
	conn *serverConn
}

type serverConn struct {
	mu sync.Mutex
	nc net.Conn
}

func (c *serverConn) send(kind string, body interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ipc.WriteMessage(c.nc, kind, body); err != nil {
		logrus.Warnf("Failed to send %v response: %v", kind, err)
	}
}

// NewServer builds the daemon and its library model. The changer is opened
// and the full model loaded before the listener starts serving.
func NewServer(libraryName string, open ChangerOpener,
	logs domain.LogServiceIface) (*Server, error) {

	changer, err := open()
	if err != nil {
		return nil, err
	}

	model := library.NewModel(changer)
	if err := model.Load(); err != nil {
		changer.Close()
		return nil, errors.Wrap(err, "loading library model")
	}

	return &Server{
		library:  libraryName,
		open:     open,
		changer:  changer,
		model:    model,
		logs:     logs,
		requests: make(chan *pendingRequest),
		quit:     make(chan struct{}),
		conns:    make(map[*serverConn]struct{}),
	}, nil
}

// Serve accepts admin/LRS connections on addr and runs the single-threaded
// request loop. It returns when Stop is called, or with the fatal error
// that forced termination (a failed refresh makes the model untrustworthy,
// so the daemon must exit rather than serve stale data).
func (s *Server) Serve(addr string) error {

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", addr)
	}
	s.listener = listener

	logrus.Infof("TLC %v serving on %v", s.library, addr)

	s.wg.Add(1)
	go s.acceptLoop()

	// Single-threaded handler loop: one request at a time.
	for {
		select {
		case <-s.quit:
			s.wg.Wait()
			return nil

		case req := <-s.requests:
			if err := s.handle(req); err != nil {
				// Fatal internal error: exit so an external supervisor
				// can restart us against a fresh library state.
				s.fatal = err
				close(s.quit)
				s.closeConns()
				s.wg.Wait()
				return err
			}
		}
	}
}

// Stop terminates the daemon loop gracefully.
func (s *Server) Stop() {

	select {
	case <-s.quit:
		return
	default:
	}

	close(s.quit)
	s.closeConns()
	s.changer.Close()
}

// closeConns shuts the listener and every live connection so that the
// reader goroutines unblock and Serve can return.
func (s *Server) closeConns() {

	if s.listener != nil {
		s.listener.Close()
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	for conn := range s.conns {
		conn.nc.Close()
	}
}

func (s *Server) acceptLoop() {

	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			logrus.Warnf("Accept failed: %v", err)
			return
		}

		s.wg.Add(1)
		go s.connLoop(&serverConn{nc: nc})
	}
}

func (s *Server) connLoop(conn *serverConn) {

	defer s.wg.Done()
	defer conn.nc.Close()

	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		delete(s.conns, conn)
		s.connMu.Unlock()
	}()

	for {
		env, err := ipc.ReadMessage(conn.nc)
		if err != nil {
			if err != io.EOF {
				logrus.Debugf("Closing TLC connection: %v", err)
			}
			return
		}

		select {
		case s.requests <- &pendingRequest{env: env, conn: conn}:
		case <-s.quit:
			return
		}
	}
}
