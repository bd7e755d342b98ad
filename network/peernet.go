// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/peermesh-labs/peermesh/message"
	"github.com/peermesh-labs/peermesh/utils/math"
)

// opQueueLen bounds the dispatcher's task queue.
const opQueueLen = 1024

// UnknownPeerHandler is notified when an inbound connection presents an
// identity no peer is registered under. It runs on the Dispatch loop, so
// it may call AddPeer directly.
type UnknownPeerHandler func(id netip.AddrPort)

// PeerNet is a peer-to-peer overlay on top of MsgNet: any two declared
// peers hold one bi-directional message channel, established by either
// side, monitored by a ping/pong keepalive and re-established with
// randomized backoff after a failure.
//
// All peer state is owned by a single dispatcher goroutine. Every public
// operation, every control message and every timer marshals onto it, so
// the state machine never needs a lock.
type PeerNet struct {
	*MsgNet

	clk            clock.Clock
	idMode         IDMode
	retryConnDelay time.Duration
	pingPeriod     time.Duration
	connTimeout    time.Duration
	allowUnknown   bool

	ops chan func()

	// Dispatcher-owned state below. No other goroutine reads or writes
	// these.
	listenPort    uint16
	known         map[netip.AddrPort]*peer
	unknown       map[netip.AddrPort]*peer
	unknownPeerCB UnknownPeerHandler
	recoverableCB ErrorHandler
}

// NewPeerNet returns a peer network configured by [config] and starts
// its dispatcher. The caller must run [MsgNet.Dispatch] for message and
// connection handlers to fire.
func NewPeerNet(config Config) (*PeerNet, error) {
	config = config.withDefaults()
	base, err := NewMsgNet(config)
	if err != nil {
		return nil, err
	}

	pn := &PeerNet{
		MsgNet:         base,
		clk:            config.Clock,
		idMode:         config.IDMode,
		retryConnDelay: config.RetryConnDelay,
		pingPeriod:     config.PingPeriod,
		connTimeout:    config.ConnTimeout,
		allowUnknown:   config.AllowUnknownPeer,
		ops:            make(chan func(), opQueueLen),
		known:          make(map[netip.AddrPort]*peer),
		unknown:        make(map[netip.AddrPort]*peer),
	}
	base.manageDeadlines = true
	base.onSetup = pn.connSetup
	base.onTeardown = pn.connTeardown
	base.RegisterHandler(message.Ping, pn.handlePingMsg)
	base.RegisterHandler(message.Pong, pn.handlePongMsg)

	go pn.run()
	return pn, nil
}

// run is the dispatcher loop.
func (pn *PeerNet) run() {
	for {
		select {
		case fn := <-pn.ops:
			fn()
		case <-pn.onCloseCtx.Done():
			return
		}
	}
}

// post schedules [fn] on the dispatcher and returns immediately.
func (pn *PeerNet) post(fn func()) {
	select {
	case pn.ops <- fn:
	case <-pn.onCloseCtx.Done():
	}
}

// callErr runs [fn] on the dispatcher and waits for its result. Must not
// be called from the dispatcher itself.
func (pn *PeerNet) callErr(fn func() error) error {
	done := make(chan error, 1)
	select {
	case pn.ops <- func() { done <- fn() }:
	case <-pn.onCloseCtx.Done():
		return errShuttingDown
	}
	select {
	case err := <-done:
		return err
	case <-pn.onCloseCtx.Done():
		return errShuttingDown
	}
}

// recoverable reports a user-fault error on the recoverable channel and
// passes it through so synchronous entry points can also return it.
func (pn *PeerNet) recoverable(err error) error {
	if cb := pn.recoverableCB; cb != nil {
		pn.postEvent(func() {
			cb(err)
		})
	}
	return err
}

// RegisterUnknownPeerHandler sets the callback for inbound connections
// presenting an unregistered identity.
func (pn *PeerNet) RegisterUnknownPeerHandler(handler UnknownPeerHandler) {
	pn.post(func() {
		pn.unknownPeerCB = handler
	})
}

// RegisterRecoverableErrorHandler sets the callback receiving
// recoverable errors raised by asynchronous peer operations.
func (pn *PeerNet) RegisterRecoverableErrorHandler(handler ErrorHandler) {
	pn.post(func() {
		pn.recoverableCB = handler
	})
}

// RegisterHandler routes messages with [op] to [handler]. The ping and
// pong ops are owned by the overlay and cannot be taken.
func (pn *PeerNet) RegisterHandler(op message.Op, handler Handler) error {
	if message.Reserved(op) {
		return errReservedOp
	}
	pn.MsgNet.RegisterHandler(op, handler)
	return nil
}

// Connect is unavailable on a peer network; connections are managed by
// the overlay itself.
func (pn *PeerNet) Connect(netip.AddrPort) (*Conn, error) {
	return nil, errPeerNetConnect
}

// Listen binds [addr], starts accepting, and records the listening port
// announced in the overlay's pings.
func (pn *PeerNet) Listen(addr netip.AddrPort) error {
	return pn.callErr(func() error {
		if err := pn.MsgNet.Listen(addr); err != nil {
			return err
		}
		pn.listenPort = pn.MsgNet.ListenAddr().Port()
		return nil
	})
}

// peerKey normalizes [addr] into the identity key for the configured
// mode.
func (pn *PeerNet) peerKey(addr netip.AddrPort) netip.AddrPort {
	if pn.idMode == IPBased {
		return netip.AddrPortFrom(addr.Addr(), 0)
	}
	return addr
}

// getPeer resolves [id] against the known table first, then the
// provisional one.
func (pn *PeerNet) getPeer(id netip.AddrPort) *peer {
	if p, ok := pn.known[id]; ok {
		return p
	}
	if p, ok := pn.unknown[id]; ok {
		return p
	}
	return nil
}

// AddPeer declares [addr] as a peer and starts connecting to it. A
// provisional entry for the same identity is promoted, keeping any live
// connection it already holds.
func (pn *PeerNet) AddPeer(addr netip.AddrPort) error {
	return pn.callErr(func() error {
		id := pn.peerKey(addr)
		if _, ok := pn.known[id]; ok {
			return pn.recoverable(ErrPeerAlreadyExists)
		}
		if up, ok := pn.unknown[id]; ok {
			delete(pn.unknown, id)
			pn.metrics.numUnknownPeers.Dec()
			up.addr = addr
			pn.known[id] = up
		} else {
			pn.known[id] = &peer{addr: addr}
		}
		pn.metrics.numPeers.Inc()
		pn.startActiveConn(id)
		return nil
	})
}

// DelPeer withdraws [addr]: its bound connection is terminated and no
// reconnect will be attempted.
func (pn *PeerNet) DelPeer(addr netip.AddrPort) error {
	return pn.callErr(func() error {
		id := pn.peerKey(addr)
		p, ok := pn.known[id]
		if !ok {
			return pn.recoverable(ErrPeerNotExist)
		}
		p.stopPingTimer()
		p.stopRetryTimer()
		if p.conn != nil {
			p.conn.close()
		}
		delete(pn.known, id)
		pn.metrics.numPeers.Dec()
		return nil
	})
}

// HasPeer reports whether [addr] is a declared peer. Provisional peers
// do not count.
func (pn *PeerNet) HasPeer(addr netip.AddrPort) bool {
	var has bool
	err := pn.callErr(func() error {
		_, has = pn.known[pn.peerKey(addr)]
		return nil
	})
	return err == nil && has
}

// PeerConnected reports whether the ping/pong handshake with [addr] has
// completed on the currently bound connection. Provisional peers are
// considered too.
func (pn *PeerNet) PeerConnected(addr netip.AddrPort) bool {
	var connected bool
	err := pn.callErr(func() error {
		if p := pn.getPeer(pn.peerKey(addr)); p != nil {
			connected = p.connected
		}
		return nil
	})
	return err == nil && connected
}

// GetPeerConn returns the connection currently bound to [addr], which is
// nil while the peer is between connections.
func (pn *PeerNet) GetPeerConn(addr netip.AddrPort) (*Conn, error) {
	var conn *Conn
	err := pn.callErr(func() error {
		p := pn.getPeer(pn.peerKey(addr))
		if p == nil {
			return pn.recoverable(ErrPeerNotExist)
		}
		conn = p.conn
		return nil
	})
	return conn, err
}

// SendMsg frames [msg] and enqueues it on the connection bound to
// [addr].
func (pn *PeerNet) SendMsg(msg *message.Message, addr netip.AddrPort) error {
	return pn.callErr(func() error {
		p := pn.getPeer(pn.peerKey(addr))
		if p == nil {
			return pn.recoverable(ErrPeerNotExist)
		}
		if p.conn == nil || p.conn.Mode() == Dead {
			return pn.recoverable(ErrPeerNotConnected)
		}
		pn.MsgNet.SendMsg(msg, p.conn)
		return nil
	})
}

// SendMsgToConn frames [msg] and enqueues it on a specific connection,
// bypassing peer resolution. Useful in handlers that already hold the
// connection the message came in on.
func (pn *PeerNet) SendMsgToConn(msg *message.Message, conn *Conn) bool {
	return pn.MsgNet.SendMsg(msg, conn)
}

// MulticastMsg sends [msg] to each address in order, encoding the frame
// once. The first address that is not a peer aborts the remainder;
// earlier sends may already have happened.
func (pn *PeerNet) MulticastMsg(msg *message.Message, addrs []netip.AddrPort) error {
	return pn.callErr(func() error {
		frame := message.Encode(msg)
		op := msg.Op.String()
		for _, addr := range addrs {
			p := pn.getPeer(pn.peerKey(addr))
			if p == nil {
				return pn.recoverable(ErrPeerNotExist)
			}
			if p.conn == nil || p.conn.Mode() == Dead {
				pn.log.Debug("skipping multicast to a disconnected peer",
					zap.Stringer("addr", addr),
				)
				continue
			}
			if p.conn.send(frame) {
				pn.metrics.msgsSent.WithLabelValues(op).Inc()
			} else {
				pn.metrics.msgsFailed.WithLabelValues(op).Inc()
			}
		}
		return nil
	})
}

// connSetup runs for every new connection, accepted or originated: arm
// the liveness deadline and open the handshake with a ping. For an
// originated connection the peer is bound early, so a handshake that
// never completes still schedules a reconnect on teardown.
func (pn *PeerNet) connSetup(c *Conn) {
	pn.post(func() {
		if c.Mode() == Dead {
			return
		}
		if id, ok := c.PeerID(); ok {
			if p := pn.getPeer(id); p != nil && !p.connected {
				p.conn = c
			}
		}
		c.extendReadDeadline(pn.connTimeout)
		pn.MsgNet.SendMsg(message.NewPing(pn.listenPort), c)
	})
}

// connTeardown runs when any connection dies. If it was the one bound to
// a peer, the peer drops to disconnected and a randomized retry is
// armed.
func (pn *PeerNet) connTeardown(c *Conn) {
	pn.post(func() {
		id, ok := c.PeerID()
		if !ok {
			return
		}
		p := pn.getPeer(id)
		if p == nil || p.conn != c {
			return
		}
		p.stopPingTimer()
		p.conn = nil
		p.connected = false
		p.pingTimerOK = false
		p.pongMsgOK = false
		pn.log.Info("connection to peer lost",
			zap.Stringer("peer", id),
			zap.Stringer("conn", c),
		)
		pn.armRetry(p, id)
	})
}

func (pn *PeerNet) armRetry(p *peer, id netip.AddrPort) {
	p.stopRetryTimer()
	d := math.RandomizedTimeout(pn.retryConnDelay)
	p.retryTimer = pn.clk.AfterFunc(d, func() {
		pn.post(func() {
			pn.startActiveConn(id)
		})
	})
}

// startActiveConn originates a connection to the peer keyed [id] unless
// it is already connected. Dialing happens off the dispatcher; a failed
// dial re-arms the retry timer.
func (pn *PeerNet) startActiveConn(id netip.AddrPort) {
	p := pn.getPeer(id)
	if p == nil || p.connected {
		return
	}
	dialAddr := p.addr
	if pn.idMode == IPPortBased {
		// The identity is the announced listening address; always dial
		// that, not whatever endpoint the last connection had.
		dialAddr = id
	}
	go func() {
		if _, err := pn.MsgNet.connect(dialAddr, &id); err != nil {
			pn.log.Debug("dial failed",
				zap.Stringer("peer", id),
				zap.Stringer("addr", dialAddr),
				zap.Error(err),
			)
			pn.post(func() {
				if p := pn.getPeer(id); p != nil && !p.connected {
					pn.armRetry(p, id)
				}
			})
		}
	}()
}

// handlePingMsg runs on the Dispatch loop; the state transition marshals
// onto the dispatcher.
func (pn *PeerNet) handlePingMsg(msg *message.Message, c *Conn) {
	port, err := message.UnpackPort(msg.Payload)
	if err != nil {
		pn.log.Warn("discarding malformed ping",
			zap.Stringer("conn", c),
			zap.Error(err),
		)
		return
	}
	pn.post(func() {
		if c.Mode() == Dead {
			return
		}
		pn.log.Debug("ping",
			zap.Stringer("conn", c),
			zap.Uint16("port", port),
		)
		if pn.checkNewConn(c, port) {
			return
		}
		pn.MsgNet.SendMsg(message.NewPong(pn.listenPort), c)
	})
}

func (pn *PeerNet) handlePongMsg(msg *message.Message, c *Conn) {
	port, err := message.UnpackPort(msg.Payload)
	if err != nil {
		pn.log.Warn("discarding malformed pong",
			zap.Stringer("conn", c),
			zap.Error(err),
		)
		return
	}
	pn.post(func() {
		if c.Mode() == Dead {
			return
		}
		var p *peer
		if id, ok := c.PeerID(); ok {
			p = pn.getPeer(id)
		}
		if p == nil {
			pn.log.Warn("discarding pong from an unresolved connection",
				zap.Stringer("conn", c),
			)
			return
		}
		if pn.checkNewConn(c, port) {
			return
		}
		p.pongMsgOK = true
		if p.pingTimerOK {
			id, _ := c.PeerID()
			p.resetPingTimer(pn, id)
			p.sendPing(pn)
		}
	})
}

// pingTimerFired is the ping-period half of the keepalive gate.
func (pn *PeerNet) pingTimerFired(id netip.AddrPort) {
	p := pn.getPeer(id)
	if p == nil || !p.connected {
		return
	}
	p.pingTimerOK = true
	if p.pongMsgOK {
		p.resetPingTimer(pn, id)
		p.sendPing(pn)
	}
}

// checkNewConn resolves [c]'s identity and decides its fate. It reports
// true when the connection was consumed (terminated as unknown or
// duplicate) and the caller should stop processing it.
//
// The decision tree:
//
//  1. Resolve the identity. An originated connection was assigned one at
//     dial time; an accepted one derives it here from the remote IP and,
//     under port-based identity, the announced port.
//  2. Unknown identity: notify, then either keep a provisional peer or
//     terminate.
//  3. Known and already connected elsewhere: the newcomer loses. Both
//     sides converge because the loser's ping still draws a pong on the
//     winner, which is discarded as a duplicate there in the same way.
//  4. Otherwise bind the connection, mark connected, and start the
//     keepalive cycle.
func (pn *PeerNet) checkNewConn(c *Conn, port uint16) bool {
	id, ok := c.PeerID()
	if !ok {
		ip := c.Addr().Addr()
		if pn.idMode == IPBased {
			id = netip.AddrPortFrom(ip, 0)
		} else {
			id = netip.AddrPortFrom(ip, port)
		}
		c.setPeerID(id)
	}

	p, isKnown := pn.known[id]
	if !isKnown {
		if cb := pn.unknownPeerCB; cb != nil {
			pn.postEvent(func() {
				cb(id)
			})
		}
		if !pn.allowUnknown {
			pn.log.Info("terminating connection from unknown peer",
				zap.Stringer("peer", id),
				zap.Stringer("conn", c),
			)
			c.close()
			return true
		}
		p = pn.unknown[id]
		if p == nil {
			p = &peer{addr: c.Addr()}
			pn.unknown[id] = p
			pn.metrics.numUnknownPeers.Inc()
		}
	}

	if p.connected {
		if p.conn != c {
			pn.log.Debug("terminating duplicate connection",
				zap.Stringer("peer", id),
				zap.Stringer("conn", c),
			)
			c.close()
			return true
		}
		return false
	}

	p.resetConn(pn, c)
	p.connected = true
	p.resetPingTimer(pn, id)
	p.sendPing(pn)
	pn.log.Info("established connection with peer",
		zap.Stringer("peer", id),
		zap.Stringer("conn", c),
	)
	return false
}
