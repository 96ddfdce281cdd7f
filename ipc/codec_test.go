//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package ipc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/nestybox/phobos/domain"
)

func TestMessageRoundTrip(t *testing.T) {

	copyName := "fast"
	force := true

	tests := []struct {
		name string
		kind string
		body interface{}
		out  interface{}
	}{
		{
			name: "write request",
			kind: KindWrite,
			body: &Write{
				ID:       "req-1",
				Size:     4096,
				Tags:     []string{"fast", "lto5"},
				Family:   domain.FamilyTape,
				CopyName: &copyName,
			},
			out: &Write{},
		},
		{
			name: "format request with optionals",
			kind: KindFormat,
			body: &Format{
				ID: "req-2",
				Medium: domain.MediumID{
					Family:  domain.FamilyTape,
					Label:   "P00001L5",
					Library: "legacy",
				},
				FsType: domain.FsTypeLtfs,
				Force:  &force,
			},
			out: &Format{},
		},
		{
			name: "error response",
			kind: KindError,
			body: &Error{
				ID:      "req-3",
				ReqKind: KindRead,
				Rc:      -16,
				Message: "medium locked on host h2",
			},
			out: &Error{},
		},
		{
			name: "release request",
			kind: KindRelease,
			body: &Release{
				ID: "req-4",
				Media: []ReleaseMedium{{
					Medium: domain.MediumID{
						Family:  domain.FamilyDir,
						Label:   "d1",
						Library: "legacy",
					},
					SizeWritten: 1024,
					NbExtents:   1,
					ToSync:      true,
				}},
			},
			out: &Release{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteMessage(&buf, tt.kind, tt.body))

			env, err := ReadMessage(&buf)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, env.Kind)
			assert.Equal(t, ProtocolVersion, env.Version)

			require.NoError(t, env.Decode(tt.out))
			assert.Equal(t, tt.body, tt.out)
		})
	}
}

// Serialising then deserialising an arbitrary write request yields
// structural equality.
func TestWriteRoundTripProperty(t *testing.T) {

	rapid.Check(t, func(t *rapid.T) {
		in := &Write{
			ID:   rapid.StringMatching(`[a-z0-9-]{1,32}`).Draw(t, "id"),
			Size: rapid.Int64Range(0, 1<<50).Draw(t, "size"),
			Tags: rapid.SliceOfN(rapid.StringMatching(`[a-z0-9]{1,8}`),
				0, 4).Draw(t, "tags"),
			Family: domain.FamilyTape,
		}

		var buf bytes.Buffer
		require.NoError(t, WriteMessage(&buf, KindWrite, in))

		env, err := ReadMessage(&buf)
		require.NoError(t, err)
		require.Equal(t, in.ID, env.RequestID())

		out := &Write{}
		require.NoError(t, env.Decode(out))

		if len(in.Tags) == 0 {
			// omitempty drops the empty slice; both forms mean "no tags".
			in.Tags = nil
		}
		require.Equal(t, in, out)
	})
}

func TestReadMessageTruncatedHeader(t *testing.T) {

	_, err := ReadMessage(bytes.NewReader([]byte{0x00, 0x01}))
	assert.ErrorIs(t, err, domain.ErrProto)
}

func TestReadMessageTruncatedPayload(t *testing.T) {

	frame := make([]byte, 4)
	binary.BigEndian.PutUint32(frame, 100)
	frame = append(frame, []byte(`{"v":1`)...)

	_, err := ReadMessage(bytes.NewReader(frame))
	assert.ErrorIs(t, err, domain.ErrProto)
}

func TestReadMessageOversizedFrame(t *testing.T) {

	frame := make([]byte, 4)
	binary.BigEndian.PutUint32(frame, maxFrameSize+1)

	_, err := ReadMessage(bytes.NewReader(frame))
	assert.ErrorIs(t, err, domain.ErrProto)
}

func TestReadMessageVersionMismatch(t *testing.T) {

	payload := []byte(`{"v":99,"kind":"ping","body":{"id":"x"}}`)
	frame := make([]byte, 4)
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	_, err := ReadMessage(bytes.NewReader(frame))
	assert.ErrorIs(t, err, domain.ErrProto)
}
