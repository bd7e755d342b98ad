// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/peermesh-labs/peermesh/message"
)

// Mode describes who originated a connection, or that it has reached its
// terminal state.
type Mode uint32

const (
	// Active connections were originated by this side.
	Active Mode = iota
	// Passive connections were accepted from a listener.
	Passive
	// Dead is terminal: the socket is closed and the connection will
	// never carry another message.
	Dead
)

func (m Mode) String() string {
	switch m {
	case Active:
		return "active"
	case Passive:
		return "passive"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// sendQueueLen bounds the number of frames queued for write on one
// connection, independent of the byte budget.
const sendQueueLen = 1024

type connDecodeState uint8

const (
	decodeHeader connDecodeState = iota
	decodePayload
)

// Conn is one live TCP socket. Its reader goroutine owns the receive
// buffer and the frame decoder; its writer goroutine owns the socket
// write end. Everything else touches the Conn only through thread-safe
// accessors.
type Conn struct {
	net  *MsgNet
	conn net.Conn
	addr netip.AddrPort

	mode atomic.Uint32

	// peerID is assigned at most once by the peer layer and never changes
	// afterwards.
	peerID atomic.Pointer[netip.AddrPort]

	// sender is closed when the connection dies; sendClosed guards the
	// gap between deciding to send and the close.
	sender     chan []byte
	senderLock sync.Mutex
	sendClosed bool

	pendingSendBytes atomic.Int64

	once sync.Once

	nsent      atomic.Uint64
	nrecv      atomic.Uint64
	nsentBytes atomic.Uint64
	nrecvBytes atomic.Uint64

	// unix time of the last message sent and received
	lastSent     atomic.Int64
	lastReceived atomic.Int64
}

func newConn(n *MsgNet, nc net.Conn, addr netip.AddrPort, mode Mode, peerID *netip.AddrPort) *Conn {
	c := &Conn{
		net:    n,
		conn:   nc,
		addr:   addr,
		sender: make(chan []byte, sendQueueLen),
	}
	c.mode.Store(uint32(mode))
	if peerID != nil {
		id := *peerID
		c.peerID.Store(&id)
	}
	return c
}

// Addr returns the remote endpoint of the underlying socket.
func (c *Conn) Addr() netip.AddrPort {
	return c.addr
}

func (c *Conn) Mode() Mode {
	return Mode(c.mode.Load())
}

// PeerID returns the identity the peer layer resolved for this
// connection, if any.
func (c *Conn) PeerID() (netip.AddrPort, bool) {
	if id := c.peerID.Load(); id != nil {
		return *id, true
	}
	return netip.AddrPort{}, false
}

func (c *Conn) setPeerID(id netip.AddrPort) {
	c.peerID.CompareAndSwap(nil, &id)
}

func (c *Conn) NumSent() uint64         { return c.nsent.Load() }
func (c *Conn) NumReceived() uint64     { return c.nrecv.Load() }
func (c *Conn) BytesSent() uint64       { return c.nsentBytes.Load() }
func (c *Conn) BytesReceived() uint64   { return c.nrecvBytes.Load() }
func (c *Conn) LastSent() time.Time     { return time.Unix(c.lastSent.Load(), 0) }
func (c *Conn) LastReceived() time.Time { return time.Unix(c.lastReceived.Load(), 0) }

func (c *Conn) String() string {
	return c.addr.String() + "(" + c.Mode().String() + ")"
}

func (c *Conn) start() {
	go c.readMessages()
	go c.writeMessages()
}

// extendReadDeadline pushes the socket read deadline out by [d]. A peer
// that stays silent past the deadline surfaces as a read timeout on the
// reader goroutine, which tears the connection down.
func (c *Conn) extendReadDeadline(d time.Duration) {
	_ = c.conn.SetReadDeadline(c.net.clock.Time().Add(d))
}

func (c *Conn) clearReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Time{})
}

// readMessages drains the socket and runs the frame decoder. The decoder
// is a two-state machine: consume a fixed-size header, then consume the
// payload it announced, verify, deliver, repeat. Enqueueing into the
// inbound queue blocks when the queue is full; the stalled read then
// pushes back on the remote through TCP.
func (c *Conn) readMessages() {
	defer c.close()

	var (
		pending []byte
		hdr     message.Header
		state   = decodeHeader
		readBuf = make([]byte, c.net.segBuffSize)
		gotMsg  bool
	)
	for {
		read, err := c.conn.Read(readBuf)
		if err != nil {
			c.net.log.Debug("connection read failed",
				zap.Stringer("conn", c),
				zap.Error(err),
			)
			return
		}
		pending = append(pending, readBuf[:read]...)

		for {
			if state == decodeHeader {
				if len(pending) < message.HeaderLen {
					break
				}
				hdr, _ = message.DecodeHeader(pending)
				if hdr.Length > c.net.maxMsgSize {
					c.net.log.Warn("terminating connection announcing an oversized payload",
						zap.Stringer("conn", c),
						zap.Uint32("length", hdr.Length),
						zap.Uint32("limit", c.net.maxMsgSize),
					)
					return
				}
				pending = pending[message.HeaderLen:]
				state = decodePayload
			}
			if uint32(len(pending)) < hdr.Length {
				break
			}
			payload := make([]byte, hdr.Length)
			copy(payload, pending)
			pending = pending[hdr.Length:]
			state = decodeHeader

			if err := hdr.Verify(payload); err != nil {
				// A failed checksum means a corrupted payload, not a broken
				// frame stream; drop the message and keep the connection.
				c.net.log.Warn("dropping message",
					zap.Stringer("conn", c),
					zap.Error(err),
				)
				c.net.metrics.checksumMismatches.Inc()
				continue
			}

			c.nrecv.Add(1)
			c.nrecvBytes.Add(uint64(message.HeaderLen) + uint64(len(payload)))
			c.lastReceived.Store(c.net.clock.Unix())
			c.net.metrics.bytesReceived.Add(float64(message.HeaderLen + len(payload)))

			if !gotMsg {
				gotMsg = true
				// The accept-time deadline only covers the first frame; the
				// peer layer manages its own deadlines from here on.
				if !c.net.manageDeadlines && c.Mode() == Passive && c.net.connServerTimeout > 0 {
					c.clearReadDeadline()
				}
			}

			select {
			case c.net.inbound <- inboundItem{msg: message.New(hdr.Op, payload), conn: c}:
			case <-c.net.onCloseCtx.Done():
				return
			}
		}
	}
}

func (c *Conn) writeMessages() {
	defer c.close()

	for frame := range c.sender {
		frameLen := uint64(len(frame))
		c.pendingSendBytes.Add(-int64(len(frame)))
		for len(frame) > 0 {
			written, err := c.conn.Write(frame)
			if err != nil {
				c.net.log.Debug("connection write failed",
					zap.Stringer("conn", c),
					zap.Error(err),
				)
				return
			}
			c.net.metrics.bytesSent.Add(float64(written))
			frame = frame[written:]
		}
		c.nsentBytes.Add(frameLen)
		c.nsent.Add(1)
		c.lastSent.Store(c.net.clock.Unix())
	}
}

// send enqueues one encoded frame for writing. It never blocks: a closed
// connection, an exhausted byte budget or a full queue all drop the
// frame and report false.
func (c *Conn) send(frame []byte) bool {
	c.senderLock.Lock()
	defer c.senderLock.Unlock()

	if c.sendClosed {
		c.net.log.Debug("dropping message to a closed connection",
			zap.Stringer("conn", c),
		)
		return false
	}
	frameLen := int64(len(frame))
	if c.pendingSendBytes.Load()+frameLen > c.net.maxPendingSendBytes {
		c.net.log.Debug("dropping message due to a send queue with too many bytes",
			zap.Stringer("conn", c),
		)
		return false
	}
	select {
	case c.sender <- frame:
		c.pendingSendBytes.Add(frameLen)
		return true
	default:
		c.net.log.Debug("dropping message due to a full send queue",
			zap.Stringer("conn", c),
		)
		return false
	}
}

// close is idempotent. It transitions the connection to Dead, closes the
// socket, stops both goroutines and notifies the owning network.
func (c *Conn) close() {
	c.once.Do(func() {
		c.mode.Store(uint32(Dead))

		if err := c.conn.Close(); err != nil {
			c.net.log.Debug("closing connection resulted in an error",
				zap.Stringer("conn", c),
				zap.Error(err),
			)
		}

		c.senderLock.Lock()
		// The lock guarantees no sender is about to write on the channel.
		c.sendClosed = true
		close(c.sender)
		c.senderLock.Unlock()

		c.net.connClosed(c)
	})
}
