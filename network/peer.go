// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"net/netip"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/peermesh-labs/peermesh/message"
	"github.com/peermesh-labs/peermesh/utils/math"
)

// peer is the dispatcher's record of one logical partner. Every field is
// owned by the PeerNet dispatcher goroutine; timers fire by posting back
// onto it.
type peer struct {
	// addr is the address used to originate connections to the peer. For
	// peers created by AddPeer this is the caller-provided address; for
	// provisional peers it starts as the remote endpoint of the inbound
	// connection.
	addr netip.AddrPort

	// conn is the currently bound connection. It may be nil, and it may
	// lag behind reality while a handshake is in flight.
	conn *Conn

	// connected flips true only once the ping/pong handshake completes,
	// and back to false when the bound connection is torn down.
	connected bool

	// The two flags gating the next keepalive ping: the ping period must
	// have elapsed and the previous ping must have been answered. Only
	// when both hold does the next ping fly, so at most one ping is
	// outstanding per peer.
	pingTimerOK bool
	pongMsgOK   bool

	pingTimer  *clock.Timer
	retryTimer *clock.Timer
}

// resetConn rebinds the peer to [c], terminating any previously bound
// connection and clearing pending timers.
func (p *peer) resetConn(pn *PeerNet, c *Conn) {
	if p.conn != c {
		if p.conn != nil {
			pn.log.Info("terminating old connection",
				zap.Stringer("conn", p.conn),
			)
			p.conn.close()
		}
		if c.Mode() == Active {
			// Only an originated connection's remote address is known to be
			// dialable; a passive connection arrives from an ephemeral port.
			p.addr = c.Addr()
		}
		p.conn = c
	}
	p.stopPingTimer()
	p.stopRetryTimer()
}

func (p *peer) stopPingTimer() {
	if p.pingTimer != nil {
		p.pingTimer.Stop()
		p.pingTimer = nil
	}
}

func (p *peer) stopRetryTimer() {
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
}

// resetPingTimer schedules the next ping-period tick with a fresh
// randomized interval.
func (p *peer) resetPingTimer(pn *PeerNet, id netip.AddrPort) {
	p.stopPingTimer()
	d := math.RandomizedTimeout(pn.pingPeriod)
	p.pingTimer = pn.clk.AfterFunc(d, func() {
		pn.post(func() {
			pn.pingTimerFired(id)
		})
	})
}

// sendPing starts a keepalive cycle: both gate flags drop, the liveness
// deadline is pushed out, and a ping carrying our listening port goes to
// the peer.
func (p *peer) sendPing(pn *PeerNet) {
	p.pingTimerOK = false
	p.pongMsgOK = false
	p.conn.extendReadDeadline(pn.connTimeout)
	pn.MsgNet.SendMsg(message.NewPing(pn.listenPort), p.conn)
}
