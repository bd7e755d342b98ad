// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peermesh-labs/peermesh/message"
)

func newTestClientNet(t *testing.T) *ClientNet {
	t.Helper()
	cn, err := NewClientNet(DefaultConfig())
	require.NoError(t, err)
	startDispatch(t, cn.Dispatch, cn.StartClose)
	return cn
}

func TestClientNetRequestReply(t *testing.T) {
	require := require.New(t)

	server := newTestClientNet(t)
	server.RegisterHandler(testOp, func(msg *message.Message, conn *Conn) {
		// Reply by client address, the way a server using the index would.
		require.NoError(server.SendToClient(message.New(testOp+1, msg.Payload), conn.Addr()))
	})
	require.NoError(server.Listen(netip.MustParseAddrPort("127.0.0.1:0")))
	serverAddr := server.ListenAddr()

	got := make(chan *message.Message, 1)
	client := newTestMsgNet(t, nil)
	client.RegisterHandler(testOp+1, func(msg *message.Message, conn *Conn) {
		got <- msg
	})
	conn, err := client.Connect(serverAddr)
	require.NoError(err)
	require.True(client.SendMsg(message.New(testOp, []byte("echo me")), conn))

	select {
	case msg := <-got:
		require.Equal([]byte("echo me"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("reply never arrived")
	}
}

func TestClientNetRejectsConnect(t *testing.T) {
	cn := newTestClientNet(t)
	_, err := cn.Connect(netip.MustParseAddrPort("127.0.0.1:1"))
	require.ErrorIs(t, err, errClientConnect)
}

func TestClientNetUnknownClient(t *testing.T) {
	cn := newTestClientNet(t)
	err := cn.SendToClient(message.New(testOp, nil), netip.MustParseAddrPort("127.0.0.1:9"))
	require.ErrorIs(t, err, ErrUnknownClient)
}

func TestClientNetIndexDropsOnDisconnect(t *testing.T) {
	require := require.New(t)

	server := newTestClientNet(t)
	require.NoError(server.Listen(netip.MustParseAddrPort("127.0.0.1:0")))
	serverAddr := server.ListenAddr()

	client := newTestMsgNet(t, nil)
	conn, err := client.Connect(serverAddr)
	require.NoError(err)

	// Wait for the server to index the new client.
	var clientAddr netip.AddrPort
	require.Eventually(func() bool {
		server.clientsLock.RLock()
		defer server.clientsLock.RUnlock()
		for addr := range server.clients {
			clientAddr = addr
			return true
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	client.Terminate(conn)
	require.Eventually(func() bool {
		return server.SendToClient(message.New(testOp, nil), clientAddr) != nil
	}, 5*time.Second, 10*time.Millisecond)
}
