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

package ipc

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nestybox/phobos/domain"
)

// Conn is a client-side connection to a phobos daemon. One request at a
// time per connection unless the caller explicitly pipelines (the format
// fan-out does).
type Conn struct {
	mu      sync.Mutex
	nc      net.Conn
	timeout time.Duration
}

// Dial connects to a daemon socket. network is "unix" or "tcp"; timeout
// bounds each request round trip (0 means no timeout, client-controlled).
func Dial(network, address string, timeout time.Duration) (*Conn, error) {

	nc, err := net.Dial(network, address)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s %s", network, address)
	}

	return &Conn{nc: nc, timeout: timeout}, nil
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// Send transmits one request without waiting for its response.
func (c *Conn) Send(kind string, body interface{}) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.timeout))
	}

	return WriteMessage(c.nc, kind, body)
}

// Recv blocks for the next framed message.
func (c *Conn) Recv() (*Envelope, error) {

	if c.timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.timeout))
	}

	return ReadMessage(c.nc)
}

// Do performs one request/response exchange, validating response
// correlation. A mismatched id or an unexpected kind is a fatal protocol
// error for the connection. An error response is decoded into the matching
// errno plus its message. The connection is held for the whole round trip,
// so concurrent callers are served one exchange at a time.
func (c *Conn) Do(reqKind string, req interface{}, reqID, respKind string,
	resp interface{}) error {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.timeout))
	}

	if err := WriteMessage(c.nc, reqKind, req); err != nil {
		return err
	}

	env, err := c.Recv()
	if err != nil {
		return err
	}

	if env.RequestID() != reqID {
		return errors.Wrapf(domain.ErrProto,
			"response id %q does not match request id %q",
			env.RequestID(), reqID)
	}

	switch env.Kind {
	case respKind:
		return env.Decode(resp)

	case KindError:
		var e Error
		if err := env.Decode(&e); err != nil {
			return err
		}
		if e.Message != "" {
			return errors.Wrap(domain.ErrnoOf(e.Rc), e.Message)
		}
		return domain.ErrnoOf(e.Rc)

	default:
		return errors.Wrapf(domain.ErrProto, "unexpected response kind %q",
			env.Kind)
	}
}
