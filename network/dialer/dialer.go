// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package dialer

import (
	"context"
	"net"
	"net/netip"
	"time"

	"go.uber.org/zap"
)

var _ Dialer = (*dialer)(nil)

// Dialer originates connections to remote addresses.
type Dialer interface {
	// Dial connects to [addr], honoring cancellation of [ctx].
	Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error)
}

type Config struct {
	// ConnectionTimeout bounds a single connection attempt. Zero means no
	// limit beyond [ctx].
	ConnectionTimeout time.Duration
}

type dialer struct {
	network string
	log     *zap.Logger
	timeout time.Duration
}

// NewDialer returns a dialer that creates connections over [network]
// ("tcp", "tcp4", ...).
func NewDialer(network string, config Config, log *zap.Logger) Dialer {
	return &dialer{
		network: network,
		log:     log,
		timeout: config.ConnectionTimeout,
	}
}

func (d *dialer) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	d.log.Debug("dialing",
		zap.Stringer("addr", addr),
	)
	nd := net.Dialer{Timeout: d.timeout}
	conn, err := nd.DialContext(ctx, d.network, addr.String())
	if err != nil {
		return nil, err
	}
	return conn, nil
}
