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

package store

import (
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/nestybox/phobos/domain"
	"github.com/nestybox/phobos/ipc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LrsClient wraps the client side of the LRS protocol.
type LrsClient struct {
	conn *ipc.Conn
}

// DialLrs connects to the local resource scheduler socket.
func DialLrs(socketPath string) (*LrsClient, error) {

	conn, err := ipc.Dial("unix", socketPath, 0)
	if err != nil {
		return nil, err
	}

	return &LrsClient{conn: conn}, nil
}

func (c *LrsClient) Close() error {
	return c.conn.Close()
}

func (c *LrsClient) Ping() error {

	id := uuid.NewString()

	var resp ipc.PingResp

	return c.conn.Do(ipc.KindPing, &ipc.Ping{ID: id}, id, ipc.KindPingResp,
		&resp)
}

// Write asks for a write allocation and returns the granted location.
func (c *LrsClient) Write(size int64, tags []string,
	family domain.ResourceFamily) (*ipc.WriteResp, error) {

	id := uuid.NewString()

	var resp ipc.WriteResp
	err := c.conn.Do(ipc.KindWrite, &ipc.Write{
		ID:     id,
		Size:   size,
		Tags:   tags,
		Family: family,
	}, id, ipc.KindWriteResp, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// Read asks for the named media to be made readable and returns their
// mount locations.
func (c *LrsClient) Read(media []domain.MediumID,
	op ipc.ReadOp) (*ipc.ReadResp, error) {

	id := uuid.NewString()

	var resp ipc.ReadResp
	err := c.conn.Do(ipc.KindRead, &ipc.Read{
		ID:            id,
		RequiredMedia: media,
		Operation:     op,
	}, id, ipc.KindReadResp, &resp)
	if err != nil {
		return nil, err
	}

	return &resp, nil
}

// Release hands media back after IO, reporting what was written.
func (c *LrsClient) Release(media []ipc.ReleaseMedium) error {

	id := uuid.NewString()

	var resp ipc.ReleaseResp

	return c.conn.Do(ipc.KindRelease, &ipc.Release{ID: id, Media: media},
		id, ipc.KindReleaseResp, &resp)
}

// Notify reports a resource change and waits for it to be applied.
func (c *LrsClient) Notify(op ipc.NotifyOp, rsrcID string) error {

	id := uuid.NewString()

	wait := true

	var resp ipc.NotifyResp

	return c.conn.Do(ipc.KindNotify, &ipc.Notify{
		ID:     id,
		Op:     op,
		RsrcID: rsrcID,
		Wait:   &wait,
	}, id, ipc.KindNotifyResp, &resp)
}

// Monitor fetches the drive status document of one family.
func (c *LrsClient) Monitor(family domain.ResourceFamily) ([]byte, error) {

	id := uuid.NewString()

	var resp ipc.MonitorResp
	err := c.conn.Do(ipc.KindMonitor, &ipc.Monitor{ID: id, Family: family},
		id, ipc.KindMonitorResp, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Status, nil
}

// ConfigureSet applies "section.key" -> value tunings atomically.
func (c *LrsClient) ConfigureSet(values map[string]string) error {

	id := uuid.NewString()

	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}

	var resp ipc.ConfigureResp

	return c.conn.Do(ipc.KindConfigure, &ipc.Configure{
		ID:            id,
		Op:            ipc.ConfigureSet,
		Configuration: raw,
	}, id, ipc.KindConfigureResp, &resp)
}

// ConfigureGet fetches "section.key" values.
func (c *LrsClient) ConfigureGet(keys []string) (map[string]string, error) {

	id := uuid.NewString()

	raw, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}

	var resp ipc.ConfigureResp
	err = c.conn.Do(ipc.KindConfigure, &ipc.Configure{
		ID:            id,
		Op:            ipc.ConfigureGet,
		Configuration: raw,
	}, id, ipc.KindConfigureResp, &resp)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)
	if err := json.Unmarshal(resp.Configuration, &out); err != nil {
		return nil, errors.Wrap(domain.ErrProto,
			"malformed configuration response")
	}

	return out, nil
}

// FormatOutcome is the per-medium result of a bulk format.
type FormatOutcome struct {
	Medium domain.MediumID
	Err    error
}

// FormatMany formats media with bounded client-side concurrency: at most
// nbStreams requests are in flight, one reply drained before the next
// request goes out. nbStreams == 0 sends everything at once.
func (c *LrsClient) FormatMany(media []domain.MediumID,
	fsType domain.FsType, unlock, force bool,
	nbStreams int) []FormatOutcome {

	outcomes := make([]FormatOutcome, len(media))
	byID := make(map[string]int, len(media))

	inFlight := 0
	sent := 0
	done := 0

	drain := func() {
		env, err := c.conn.Recv()
		if err != nil {
			// The connection is gone: every outstanding request fails.
			for id, idx := range byID {
				if outcomes[idx].Err == nil && id != "" {
					outcomes[idx].Err = err
				}
			}
			done += inFlight
			inFlight = 0
			return
		}

		idx, ok := byID[env.RequestID()]
		if !ok {
			return
		}
		delete(byID, env.RequestID())

		switch env.Kind {
		case ipc.KindFormatResp:
			var resp ipc.FormatResp
			outcomes[idx].Err = env.Decode(&resp)

		case ipc.KindError:
			var e ipc.Error
			if err := env.Decode(&e); err != nil {
				outcomes[idx].Err = err
			} else if e.Message != "" {
				outcomes[idx].Err = errors.Wrap(domain.ErrnoOf(e.Rc),
					e.Message)
			} else {
				outcomes[idx].Err = domain.ErrnoOf(e.Rc)
			}

		default:
			outcomes[idx].Err = errors.Wrapf(domain.ErrProto,
				"unexpected response kind %q", env.Kind)
		}

		inFlight--
		done++
	}

	for sent < len(media) || done < len(media) {
		canSend := sent < len(media) &&
			(nbStreams == 0 || inFlight < nbStreams)

		if canSend {
			id := uuid.NewString()
			outcomes[sent].Medium = media[sent]
			byID[id] = sent

			err := c.conn.Send(ipc.KindFormat, &ipc.Format{
				ID:     id,
				Medium: media[sent],
				FsType: fsType,
				Unlock: &unlock,
				Force:  &force,
			})
			if err != nil {
				outcomes[sent].Err = err
				delete(byID, id)
				done++
			} else {
				inFlight++
			}
			sent++
			continue
		}

		if inFlight == 0 {
			break
		}
		drain()
	}

	return outcomes
}
