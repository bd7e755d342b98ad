// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/peermesh-labs/peermesh/network/dialer"
)

// IDMode selects how the peer network derives a peer's identity from a
// connection.
type IDMode uint8

const (
	// IPPortBased identifies a peer by its IP and its announced listening
	// port. The announced port is required because the port a passive
	// connection arrives from is ephemeral.
	IPPortBased IDMode = iota

	// IPBased identifies a peer by IP alone (port forced to zero), so all
	// sockets from one host collapse onto a single peer.
	IPBased
)

func (m IDMode) String() string {
	switch m {
	case IPPortBased:
		return "ip_port_based"
	case IPBased:
		return "ip_based"
	default:
		return "unknown"
	}
}

// Config carries the tunables for all three network layers. The zero
// value of a field selects its default, except for ConnServerTimeout,
// where zero disables the deadline.
type Config struct {
	// Log receives structured diagnostics. Defaults to a no-op logger.
	Log *zap.Logger

	// Registerer, when set, receives the network's prometheus collectors.
	Registerer prometheus.Registerer

	// MetricsNamespace prefixes every metric name. Defaults to "peermesh".
	MetricsNamespace string

	// Clock schedules the peer layer's keepalive and reconnect timers.
	// Tests inject a mock; defaults to the wall clock.
	Clock clock.Clock

	// Dialer originates outbound connections. Defaults to a TCP dialer
	// honoring [DialTimeout].
	Dialer dialer.Dialer

	// BurstSize bounds how many inbound messages one Dispatch wake
	// processes before yielding to other work.
	BurstSize int

	// SegBuffSize is the size of the per-connection socket read chunk.
	SegBuffSize int

	// QueueCapacity bounds the inbound message queue. Readers block when
	// it is full, pushing back on TCP.
	QueueCapacity int

	// MaxMsgSize bounds a single payload. A header announcing more than
	// this is treated as a framing violation and the connection is
	// terminated.
	MaxMsgSize uint32

	// MaxPendingSendBytes bounds the bytes queued for write on one
	// connection; sends beyond it are dropped and counted as failed.
	MaxPendingSendBytes int64

	// ConnServerTimeout is the deadline for an accepted connection to
	// produce its first message. Zero disables.
	ConnServerTimeout time.Duration

	// DialTimeout bounds one outbound connection attempt.
	DialTimeout time.Duration

	// RetryConnDelay is the base reconnect interval of the peer layer,
	// randomized to [0.5x, 1.5x) per attempt.
	RetryConnDelay time.Duration

	// PingPeriod is the base keepalive interval, randomized the same way.
	PingPeriod time.Duration

	// ConnTimeout is how long a peer connection may stay silent before it
	// is presumed dead and torn down.
	ConnTimeout time.Duration

	// IDMode selects identity resolution for the peer layer.
	IDMode IDMode

	// AllowUnknownPeer retains a provisional peer entry for inbound
	// connections presenting an unregistered identity instead of
	// terminating them.
	AllowUnknownPeer bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MetricsNamespace:    "peermesh",
		BurstSize:           1000,
		SegBuffSize:         4096,
		QueueCapacity:       65536,
		MaxMsgSize:          64 << 20,
		MaxPendingSendBytes: 64 << 20,
		ConnServerTimeout:   10 * time.Second,
		DialTimeout:         30 * time.Second,
		RetryConnDelay:      2 * time.Second,
		PingPeriod:          30 * time.Second,
		ConnTimeout:         180 * time.Second,
		IDMode:              IPPortBased,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = def.MetricsNamespace
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.BurstSize <= 0 {
		c.BurstSize = def.BurstSize
	}
	if c.SegBuffSize <= 0 {
		c.SegBuffSize = def.SegBuffSize
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.MaxMsgSize == 0 {
		c.MaxMsgSize = def.MaxMsgSize
	}
	if c.MaxPendingSendBytes <= 0 {
		c.MaxPendingSendBytes = def.MaxPendingSendBytes
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.Dialer == nil {
		c.Dialer = dialer.NewDialer("tcp", dialer.Config{ConnectionTimeout: c.DialTimeout}, c.Log)
	}
	if c.RetryConnDelay <= 0 {
		c.RetryConnDelay = def.RetryConnDelay
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = def.PingPeriod
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = def.ConnTimeout
	}
	return c
}
