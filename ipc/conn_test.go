//
// Copyright: (C) 2019 Nestybox Inc.  All rights reserved.
//

package ipc

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestybox/phobos/domain"
)

// pipeConn builds a client Conn talking to an in-process peer.
func pipeConn(t *testing.T, serve func(nc net.Conn)) *Conn {

	client, server := net.Pipe()
	go func() {
		defer server.Close()
		serve(server)
	}()

	return &Conn{nc: client}
}

func TestConnDoCorrelates(t *testing.T) {

	conn := pipeConn(t, func(nc net.Conn) {
		env, err := ReadMessage(nc)
		require.NoError(t, err)

		var req Ping
		require.NoError(t, env.Decode(&req))

		WriteMessage(nc, KindPingResp, &PingResp{ID: req.ID})
	})
	defer conn.Close()

	var resp PingResp
	err := conn.Do(KindPing, &Ping{ID: "abc"}, "abc", KindPingResp, &resp)
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.ID)
}

func TestConnDoIDMismatchIsFatal(t *testing.T) {

	conn := pipeConn(t, func(nc net.Conn) {
		ReadMessage(nc)
		WriteMessage(nc, KindPingResp, &PingResp{ID: "other"})
	})
	defer conn.Close()

	var resp PingResp
	err := conn.Do(KindPing, &Ping{ID: "abc"}, "abc", KindPingResp, &resp)
	assert.ErrorIs(t, err, domain.ErrProto)
}

func TestConnDoUnexpectedKindIsFatal(t *testing.T) {

	conn := pipeConn(t, func(nc net.Conn) {
		ReadMessage(nc)
		WriteMessage(nc, KindWriteResp, &WriteResp{ID: "abc"})
	})
	defer conn.Close()

	var resp PingResp
	err := conn.Do(KindPing, &Ping{ID: "abc"}, "abc", KindPingResp, &resp)
	assert.ErrorIs(t, err, domain.ErrProto)
}

func TestConnDoErrorResponse(t *testing.T) {

	conn := pipeConn(t, func(nc net.Conn) {
		env, _ := ReadMessage(nc)

		var req Read
		env.Decode(&req)

		WriteMessage(nc, KindError, &Error{
			ID:      req.ID,
			ReqKind: KindRead,
			Rc:      domain.RcOf(domain.ErrBusy),
			Message: "medium m1 is locked on host h2",
		})
	})
	defer conn.Close()

	var resp ReadResp
	err := conn.Do(KindRead, &Read{ID: "r1", Operation: ReadOpRead,
		RequiredMedia: []domain.MediumID{{Family: domain.FamilyTape,
			Label: "m1", Library: "legacy"}}},
		"r1", KindReadResp, &resp)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Contains(t, err.Error(), "h2")
}
