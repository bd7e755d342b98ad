// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/peermesh-labs/peermesh/message"
)

const testOp message.Op = 0x10

func newTestMsgNet(t *testing.T, mutate func(*Config)) *MsgNet {
	t.Helper()
	config := DefaultConfig()
	if mutate != nil {
		mutate(&config)
	}
	n, err := NewMsgNet(config)
	require.NoError(t, err)
	startDispatch(t, n.Dispatch, n.StartClose)
	return n
}

func startDispatch(t *testing.T, dispatch func(context.Context) error, stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = dispatch(ctx)
	}()
	t.Cleanup(func() {
		stop()
		cancel()
	})
}

func listenLoopback(t *testing.T, n *MsgNet) netip.AddrPort {
	t.Helper()
	require.NoError(t, n.Listen(netip.MustParseAddrPort("127.0.0.1:0")))
	return n.ListenAddr()
}

func TestMsgNetSendAndReceive(t *testing.T) {
	require := require.New(t)

	serverGot := make(chan *message.Message, 1)
	server := newTestMsgNet(t, nil)
	server.RegisterHandler(testOp, func(msg *message.Message, conn *Conn) {
		serverGot <- msg
		// Answer on the same connection.
		server.SendMsg(message.New(testOp+1, []byte("reply")), conn)
	})
	serverAddr := listenLoopback(t, server)

	clientGot := make(chan *message.Message, 1)
	client := newTestMsgNet(t, nil)
	client.RegisterHandler(testOp+1, func(msg *message.Message, conn *Conn) {
		clientGot <- msg
	})

	conn, err := client.Connect(serverAddr)
	require.NoError(err)
	require.Equal(Active, conn.Mode())
	require.Equal(serverAddr, conn.Addr())

	require.True(client.SendMsg(message.New(testOp, []byte("hello")), conn))

	select {
	case msg := <-serverGot:
		require.Equal([]byte("hello"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the message")
	}
	select {
	case msg := <-clientGot:
		require.Equal([]byte("reply"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("client never received the reply")
	}
}

func TestMsgNetWireOrderPreserved(t *testing.T) {
	require := require.New(t)

	const count = 500
	got := make(chan uint32, count)
	server := newTestMsgNet(t, nil)
	server.RegisterHandler(testOp, func(msg *message.Message, conn *Conn) {
		got <- binary.LittleEndian.Uint32(msg.Payload)
	})
	serverAddr := listenLoopback(t, server)

	client := newTestMsgNet(t, nil)
	conn, err := client.Connect(serverAddr)
	require.NoError(err)

	for i := uint32(0); i < count; i++ {
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, i)
		require.True(client.SendMsg(message.New(testOp, payload), conn))
	}
	for i := uint32(0); i < count; i++ {
		select {
		case seq := <-got:
			require.Equal(i, seq)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestMsgNetUnknownOpDropped(t *testing.T) {
	require := require.New(t)

	got := make(chan *message.Message, 2)
	server := newTestMsgNet(t, nil)
	server.RegisterHandler(testOp, func(msg *message.Message, conn *Conn) {
		got <- msg
	})
	serverAddr := listenLoopback(t, server)

	client := newTestMsgNet(t, nil)
	conn, err := client.Connect(serverAddr)
	require.NoError(err)

	// No handler for testOp+5; the message must be dropped without
	// killing the connection.
	require.True(client.SendMsg(message.New(testOp+5, []byte("nobody home")), conn))
	require.True(client.SendMsg(message.New(testOp, []byte("somebody home")), conn))

	select {
	case msg := <-got:
		require.Equal([]byte("somebody home"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("handled message never arrived")
	}
}

func TestMsgNetDecoderReframesSplitReads(t *testing.T) {
	require := require.New(t)

	got := make(chan *message.Message, 4)
	server := newTestMsgNet(t, nil)
	server.RegisterHandler(testOp, func(msg *message.Message, conn *Conn) {
		got <- msg
	})
	serverAddr := listenLoopback(t, server)

	raw, err := net.Dial("tcp", serverAddr.String())
	require.NoError(err)
	defer raw.Close()

	// One frame dribbled a byte at a time.
	frame := message.Encode(message.New(testOp, []byte("dribble")))
	for i := range frame {
		_, err := raw.Write(frame[i : i+1])
		require.NoError(err)
	}
	select {
	case msg := <-got:
		require.Equal([]byte("dribble"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("dribbled frame never decoded")
	}

	// Two frames coalesced into a single write.
	both := append(
		message.Encode(message.New(testOp, []byte("first"))),
		message.Encode(message.New(testOp, []byte("second")))...,
	)
	_, err = raw.Write(both)
	require.NoError(err)
	for _, want := range []string{"first", "second"} {
		select {
		case msg := <-got:
			require.Equal([]byte(want), msg.Payload)
		case <-time.After(5 * time.Second):
			t.Fatalf("coalesced frame %q never decoded", want)
		}
	}
}

func TestMsgNetChecksumMismatchDropsMessageNotConn(t *testing.T) {
	require := require.New(t)

	got := make(chan *message.Message, 2)
	server := newTestMsgNet(t, nil)
	server.RegisterHandler(testOp, func(msg *message.Message, conn *Conn) {
		got <- msg
	})
	serverAddr := listenLoopback(t, server)

	raw, err := net.Dial("tcp", serverAddr.String())
	require.NoError(err)
	defer raw.Close()

	corrupted := message.Encode(message.New(testOp, []byte("to be mangled")))
	corrupted[len(corrupted)-1] ^= 0xff
	_, err = raw.Write(corrupted)
	require.NoError(err)

	// The connection must survive the corruption and decode what follows.
	_, err = raw.Write(message.Encode(message.New(testOp, []byte("survivor"))))
	require.NoError(err)

	select {
	case msg := <-got:
		require.Equal([]byte("survivor"), msg.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("survivor frame never decoded")
	}
	require.Equal(1, server.NumConns())
}

func TestMsgNetOversizedFrameTerminatesConn(t *testing.T) {
	require := require.New(t)

	server := newTestMsgNet(t, func(c *Config) {
		c.MaxMsgSize = 1024
	})
	serverAddr := listenLoopback(t, server)

	raw, err := net.Dial("tcp", serverAddr.String())
	require.NoError(err)
	defer raw.Close()

	header := make([]byte, message.HeaderLen)
	header[0] = uint8(testOp)
	binary.LittleEndian.PutUint32(header[1:5], 1<<30)
	_, err = raw.Write(header)
	require.NoError(err)

	require.Eventually(func() bool {
		return server.NumConns() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMsgNetConnHandlerNotifications(t *testing.T) {
	require := require.New(t)

	type event struct {
		conn      *Conn
		connected bool
	}
	events := make(chan event, 4)
	server := newTestMsgNet(t, nil)
	server.RegisterConnHandler(func(conn *Conn, connected bool) {
		events <- event{conn, connected}
	})
	serverAddr := listenLoopback(t, server)

	client := newTestMsgNet(t, nil)
	conn, err := client.Connect(serverAddr)
	require.NoError(err)

	var serverConn *Conn
	select {
	case ev := <-events:
		require.True(ev.connected)
		require.Equal(Passive, ev.conn.Mode())
		serverConn = ev.conn
	case <-time.After(5 * time.Second):
		t.Fatal("no setup notification")
	}

	client.Terminate(conn)
	select {
	case ev := <-events:
		require.False(ev.connected)
		require.Same(serverConn, ev.conn)
		require.Equal(Dead, ev.conn.Mode())
	case <-time.After(5 * time.Second):
		t.Fatal("no teardown notification")
	}
}

func TestMsgNetListenTwiceFails(t *testing.T) {
	server := newTestMsgNet(t, nil)
	listenLoopback(t, server)
	require.ErrorIs(t, server.Listen(netip.MustParseAddrPort("127.0.0.1:0")), errAlreadyListening)
}

func TestMsgNetStats(t *testing.T) {
	require := require.New(t)

	got := make(chan *message.Message, 1)
	server := newTestMsgNet(t, nil)
	server.RegisterHandler(testOp, func(msg *message.Message, conn *Conn) {
		got <- msg
	})
	serverAddr := listenLoopback(t, server)

	client := newTestMsgNet(t, nil)
	conn, err := client.Connect(serverAddr)
	require.NoError(err)

	require.True(client.SendMsg(message.New(testOp, []byte("count me")), conn))
	<-got

	require.Eventually(func() bool {
		return conn.NumSent() == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(uint64(message.HeaderLen+len("count me")), conn.BytesSent())
}
