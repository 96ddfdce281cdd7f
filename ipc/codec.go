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
	"encoding/binary"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nestybox/phobos/domain"
)

// Framing: each message is one size-prefixed blob on the socket, a 4-byte
// big-endian length followed by the serialized envelope. Truncated or
// oversized frames are fatal for the connection.

const maxFrameSize = 16 << 20

// Envelope wraps every message with the protocol version and the kind tag.
type Envelope struct {
	Version int                 `json:"v"`
	Kind    string              `json:"kind"`
	Body    jsoniter.RawMessage `json:"body"`
}

// onlyID is used to peek at the correlation id of a decoded body.
type onlyID struct {
	ID string `json:"id"`
}

// RequestID extracts the correlation id carried by the envelope body.
func (e *Envelope) RequestID() string {

	var peek onlyID
	if err := json.Unmarshal(e.Body, &peek); err != nil {
		return ""
	}

	return peek.ID
}

// Decode unmarshals the envelope body into the kind-matching struct.
func (e *Envelope) Decode(body interface{}) error {

	if err := json.Unmarshal(e.Body, body); err != nil {
		return errors.Wrapf(domain.ErrProto, "malformed %s body: %v",
			e.Kind, err)
	}

	return nil
}

// WriteMessage frames and sends one message.
func WriteMessage(w io.Writer, kind string, body interface{}) error {

	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "marshaling %s", kind)
	}

	env, err := json.Marshal(&Envelope{
		Version: ProtocolVersion,
		Kind:    kind,
		Body:    raw,
	})
	if err != nil {
		return errors.Wrapf(err, "marshaling %s envelope", kind)
	}

	frame := make([]byte, 4+len(env))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(env)))
	copy(frame[4:], env)

	if _, err := w.Write(frame); err != nil {
		return errors.Wrap(err, "writing frame")
	}

	return nil
}

// ReadMessage receives and validates one framed message.
func ReadMessage(r io.Reader) (*Envelope, error) {

	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(domain.ErrProto, "truncated frame header")
	}

	size := binary.BigEndian.Uint32(sizeBuf[:])
	if size == 0 || size > maxFrameSize {
		return nil, errors.Wrapf(domain.ErrProto, "bad frame size %v", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(domain.ErrProto, "truncated frame payload")
	}

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Wrapf(domain.ErrProto, "malformed envelope: %v",
			err)
	}

	if env.Version != ProtocolVersion {
		return nil, errors.Wrapf(domain.ErrProto,
			"protocol version %v, want %v", env.Version, ProtocolVersion)
	}

	return &env, nil
}
