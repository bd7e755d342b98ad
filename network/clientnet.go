// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"net/netip"
	"sync"

	"github.com/peermesh-labs/peermesh/message"
)

// ClientNet is a MsgNet that only answers: it indexes the connections it
// accepts by their remote address so a server can address replies to the
// client that asked, and it refuses to originate connections.
type ClientNet struct {
	*MsgNet

	clientsLock sync.RWMutex
	clients     map[netip.AddrPort]*Conn
}

// NewClientNet returns a client-server network configured by [config].
func NewClientNet(config Config) (*ClientNet, error) {
	base, err := NewMsgNet(config)
	if err != nil {
		return nil, err
	}
	cn := &ClientNet{
		MsgNet:  base,
		clients: make(map[netip.AddrPort]*Conn),
	}
	base.onSetup = cn.connSetup
	base.onTeardown = cn.connTeardown
	return cn, nil
}

func (cn *ClientNet) connSetup(c *Conn) {
	if c.Mode() != Passive {
		return
	}
	cn.clientsLock.Lock()
	defer cn.clientsLock.Unlock()
	// A reconnecting client reuses its address slot; the old entry is
	// simply replaced and dies on its own.
	cn.clients[c.Addr()] = c
}

func (cn *ClientNet) connTeardown(c *Conn) {
	cn.clientsLock.Lock()
	defer cn.clientsLock.Unlock()
	if cn.clients[c.Addr()] == c {
		delete(cn.clients, c.Addr())
	}
}

// Connect always fails: a client network only accepts.
func (cn *ClientNet) Connect(netip.AddrPort) (*Conn, error) {
	return nil, errClientConnect
}

// SendToClient frames [msg] and enqueues it on the connection accepted
// from [addr].
func (cn *ClientNet) SendToClient(msg *message.Message, addr netip.AddrPort) error {
	cn.clientsLock.RLock()
	c, ok := cn.clients[addr]
	cn.clientsLock.RUnlock()
	if !ok {
		return ErrUnknownClient
	}
	cn.MsgNet.SendMsg(msg, c)
	return nil
}
