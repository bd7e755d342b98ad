// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"context"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/peermesh-labs/peermesh/message"
	"github.com/peermesh-labs/peermesh/network/dialer"
	"github.com/peermesh-labs/peermesh/utils/timer/mockable"
)

// Handler processes one decoded message. Handlers run on the Dispatch
// loop, one at a time, in per-connection wire order.
type Handler func(msg *message.Message, conn *Conn)

// ConnHandler is notified when a connection is set up (connected=true)
// and again when it is torn down (connected=false). It runs on the
// Dispatch loop.
type ConnHandler func(conn *Conn, connected bool)

type inboundItem struct {
	msg  *message.Message
	conn *Conn
}

// eventQueueLen bounds the queue of connection and error notifications
// feeding the Dispatch loop.
const eventQueueLen = 1024

// MsgNet exchanges framed messages over TCP connections it accepts or
// originates. Decoded messages are routed to the handler registered for
// their op; handlers run on the caller's Dispatch loop.
type MsgNet struct {
	log     *zap.Logger
	metrics *netMetrics
	clock   mockable.Clock
	dialer  dialer.Dialer

	burstSize           int
	segBuffSize         int
	maxMsgSize          uint32
	maxPendingSendBytes int64
	connServerTimeout   time.Duration

	// manageDeadlines is set by the peer overlay, which drives read
	// deadlines itself as its liveness monitor.
	manageDeadlines bool

	handlersLock sync.RWMutex
	handlers     map[message.Op]Handler

	connHandlersLock sync.RWMutex
	connHandlers     []ConnHandler
	errHandler       ErrorHandler

	inbound chan inboundItem
	events  chan func()

	connsLock  sync.Mutex
	conns      map[*Conn]struct{}
	listener   net.Listener
	listenAddr netip.AddrPort

	// onSetup and onTeardown are the overlay extension points; they are
	// assigned before any connection exists and never change.
	onSetup    func(*Conn)
	onTeardown func(*Conn)

	onCloseCtx    context.Context
	onCloseCancel context.CancelFunc
	closeOnce     sync.Once
}

// NewMsgNet returns a message network configured by [config]. The caller
// must run [MsgNet.Dispatch] for handlers to fire.
func NewMsgNet(config Config) (*MsgNet, error) {
	config = config.withDefaults()

	metrics, err := newNetMetrics(config.MetricsNamespace, config.Registerer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &MsgNet{
		log:                 config.Log,
		metrics:             metrics,
		dialer:              config.Dialer,
		burstSize:           config.BurstSize,
		segBuffSize:         config.SegBuffSize,
		maxMsgSize:          config.MaxMsgSize,
		maxPendingSendBytes: config.MaxPendingSendBytes,
		connServerTimeout:   config.ConnServerTimeout,
		handlers:            make(map[message.Op]Handler),
		inbound:             make(chan inboundItem, config.QueueCapacity),
		events:              make(chan func(), eventQueueLen),
		conns:               make(map[*Conn]struct{}),
		onCloseCtx:          ctx,
		onCloseCancel:       cancel,
	}, nil
}

// RegisterHandler routes messages with [op] to [handler]. Registering
// again for the same op replaces the previous handler.
func (n *MsgNet) RegisterHandler(op message.Op, handler Handler) {
	n.handlersLock.Lock()
	defer n.handlersLock.Unlock()
	n.handlers[op] = handler
}

// RegisterConnHandler adds a connection up/down callback.
func (n *MsgNet) RegisterConnHandler(handler ConnHandler) {
	n.connHandlersLock.Lock()
	defer n.connHandlersLock.Unlock()
	n.connHandlers = append(n.connHandlers, handler)
}

// RegisterErrorHandler sets the callback receiving fatal and
// asynchronous recoverable errors.
func (n *MsgNet) RegisterErrorHandler(handler ErrorHandler) {
	n.connHandlersLock.Lock()
	defer n.connHandlersLock.Unlock()
	n.errHandler = handler
}

// Dispatch runs the handler loop until [ctx] is canceled or the network
// is closed. Each wake drains at most the configured burst of messages
// before yielding, so connection notifications and other goroutines are
// not starved by a flood of traffic.
func (n *MsgNet) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.onCloseCtx.Done():
			return nil
		case fn := <-n.events:
			fn()
		case item := <-n.inbound:
			n.deliver(item)
		burst:
			for i := 1; i < n.burstSize; i++ {
				select {
				case item = <-n.inbound:
					n.deliver(item)
				default:
					break burst
				}
			}
			runtime.Gosched()
		}
	}
}

func (n *MsgNet) deliver(item inboundItem) {
	n.handlersLock.RLock()
	handler, ok := n.handlers[item.msg.Op]
	n.handlersLock.RUnlock()
	if !ok {
		n.log.Warn("dropping message with unknown op",
			zap.Stringer("op", item.msg.Op),
			zap.Stringer("conn", item.conn),
		)
		return
	}
	n.metrics.msgsReceived.WithLabelValues(item.msg.Op.String()).Inc()
	handler(item.msg, item.conn)
}

// Listen binds [addr] and starts accepting connections. It returns the
// bind error synchronously; accept errors after that are reported to the
// error handler.
func (n *MsgNet) Listen(addr netip.AddrPort) error {
	listener, err := net.Listen("tcp", addr.String())
	if err != nil {
		return err
	}

	n.connsLock.Lock()
	if n.listener != nil {
		n.connsLock.Unlock()
		_ = listener.Close()
		return errAlreadyListening
	}
	listenAddr, _ := netip.ParseAddrPort(listener.Addr().String())
	n.listener = listener
	n.listenAddr = listenAddr
	n.connsLock.Unlock()

	n.log.Info("listening",
		zap.Stringer("addr", listenAddr),
	)
	go n.acceptLoop(listener)
	return nil
}

// NumConns returns the number of live connections.
func (n *MsgNet) NumConns() int {
	n.connsLock.Lock()
	defer n.connsLock.Unlock()
	return len(n.conns)
}

// ListenAddr returns the bound listen address, which carries the
// OS-assigned port when Listen was given port zero.
func (n *MsgNet) ListenAddr() netip.AddrPort {
	n.connsLock.Lock()
	defer n.connsLock.Unlock()
	return n.listenAddr
}

func (n *MsgNet) acceptLoop(listener net.Listener) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-n.onCloseCtx.Done():
			default:
				n.log.Warn("accept failed",
					zap.Error(err),
				)
				n.fatal(err)
			}
			return
		}
		remote, perr := netip.ParseAddrPort(nc.RemoteAddr().String())
		if perr != nil {
			n.log.Warn("rejecting connection with unparseable remote address",
				zap.String("remote", nc.RemoteAddr().String()),
				zap.Error(perr),
			)
			_ = nc.Close()
			continue
		}
		n.log.Debug("accepted connection",
			zap.Stringer("remote", remote),
		)
		n.startConn(newConn(n, nc, remote, Passive, nil))
	}
}

// Connect originates an Active connection to [addr].
func (n *MsgNet) Connect(addr netip.AddrPort) (*Conn, error) {
	return n.connect(addr, nil)
}

func (n *MsgNet) connect(addr netip.AddrPort, peerID *netip.AddrPort) (*Conn, error) {
	nc, err := n.dialer.Dial(n.onCloseCtx, addr)
	if err != nil {
		return nil, err
	}
	c := newConn(n, nc, addr, Active, peerID)
	n.startConn(c)
	return c, nil
}

func (n *MsgNet) startConn(c *Conn) {
	n.connsLock.Lock()
	n.conns[c] = struct{}{}
	n.connsLock.Unlock()
	n.metrics.numConns.Inc()

	if !n.manageDeadlines && c.Mode() == Passive && n.connServerTimeout > 0 {
		c.extendReadDeadline(n.connServerTimeout)
	}
	if n.onSetup != nil {
		n.onSetup(c)
	}
	n.postEvent(func() {
		n.connHandlersLock.RLock()
		handlers := n.connHandlers
		n.connHandlersLock.RUnlock()
		for _, handler := range handlers {
			handler(c, true)
		}
	})
	c.start()
}

func (n *MsgNet) connClosed(c *Conn) {
	n.connsLock.Lock()
	delete(n.conns, c)
	n.connsLock.Unlock()
	n.metrics.numConns.Dec()

	if n.onTeardown != nil {
		n.onTeardown(c)
	}
	n.postEvent(func() {
		n.connHandlersLock.RLock()
		handlers := n.connHandlers
		n.connHandlersLock.RUnlock()
		for _, handler := range handlers {
			handler(c, false)
		}
	})
}

// SendMsg frames [msg] and enqueues it on [conn]. It reports whether the
// message was enqueued; an enqueued message may still be lost if the
// connection dies before the frame is written.
func (n *MsgNet) SendMsg(msg *message.Message, conn *Conn) bool {
	frame := message.Encode(msg)
	if !conn.send(frame) {
		n.metrics.msgsFailed.WithLabelValues(msg.Op.String()).Inc()
		return false
	}
	n.metrics.msgsSent.WithLabelValues(msg.Op.String()).Inc()
	return true
}

// Terminate tears [conn] down. Idempotent.
func (n *MsgNet) Terminate(conn *Conn) {
	conn.close()
}

// StartClose shuts the network down: the listener is closed, every
// connection is terminated and Dispatch returns. Safe to call more than
// once.
func (n *MsgNet) StartClose() {
	n.closeOnce.Do(func() {
		n.onCloseCancel()

		n.connsLock.Lock()
		listener := n.listener
		conns := make([]*Conn, 0, len(n.conns))
		for c := range n.conns {
			conns = append(conns, c)
		}
		n.connsLock.Unlock()

		if listener != nil {
			_ = listener.Close()
		}
		for _, c := range conns {
			c.close()
		}
	})
}

// postEvent schedules [fn] on the Dispatch loop.
func (n *MsgNet) postEvent(fn func()) {
	select {
	case n.events <- fn:
	case <-n.onCloseCtx.Done():
	}
}

// fatal reports an error the library cannot recover from on its own.
func (n *MsgNet) fatal(err error) {
	n.connHandlersLock.RLock()
	handler := n.errHandler
	n.connHandlersLock.RUnlock()
	if handler == nil {
		return
	}
	n.postEvent(func() {
		handler(err)
	})
}
