// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// stressnet spins up a mesh of peer networks on loopback and bombards
// every channel with random payloads, verifying each one by hash echo.
// Phase one walks the payload size up to twice the segment buffer; after
// that each channel enters a rand-bombard phase of random sizes up to
// ten times the segment buffer for a random interval, then terminates
// its connection and lets the overlay re-establish it.
package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/peermesh-labs/peermesh/message"
	"github.com/peermesh-labs/peermesh/network"
	"github.com/peermesh-labs/peermesh/utils/math"
)

const (
	opRand message.Op = 0x00
	opAck  message.Op = 0x01

	npeersKey      = "npeers"
	segBuffSizeKey = "seg-buff-size"
	basePortKey    = "base-port"
	pingPeriodKey  = "ping-period"
	connTimeoutKey = "conn-timeout"
	verboseKey     = "verbose"
)

func buildViper(args []string) (*viper.Viper, error) {
	fs := pflag.NewFlagSet("stressnet", pflag.ContinueOnError)
	fs.Int(npeersKey, 5, "Number of peers in the mesh")
	fs.Int(segBuffSizeKey, 4096, "Per-connection read segment size")
	fs.Uint16(basePortKey, 12345, "First listening port; peer i listens on base+i")
	fs.Duration(pingPeriodKey, 2*time.Second, "Base keepalive interval")
	fs.Duration(connTimeoutKey, 5*time.Second, "Silent-connection timeout")
	fs.Bool(verboseKey, false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}
	return v, nil
}

// channelState tracks one directed channel's progress through the test
// protocol.
type channelState struct {
	phase int // 1..2*segBuffSize walking up, -1 bombarding
	hash  uint32
}

type node struct {
	log  *zap.Logger
	net  *network.PeerNet
	addr netip.AddrPort

	segBuffSize int

	mu     sync.Mutex
	states map[netip.AddrPort]*channelState
	timers map[netip.AddrPort]*time.Timer
}

func (nd *node) state(addr netip.AddrPort) *channelState {
	nd.mu.Lock()
	defer nd.mu.Unlock()
	st, ok := nd.states[addr]
	if !ok {
		st = &channelState{}
		nd.states[addr] = st
	}
	return st
}

func (nd *node) sendRand(size int, conn *network.Conn) {
	payload := make([]byte, size)
	if _, err := cryptorand.Read(payload); err != nil {
		nd.log.Error("rand failed", zap.Error(err))
		return
	}
	st := nd.state(conn.Addr())
	st.hash = message.Checksum(payload)
	nd.net.SendMsgToConn(message.New(opRand, payload), conn)
}

func (nd *node) install(ctx context.Context) {
	nd.net.RegisterConnHandler(func(conn *network.Conn, connected bool) {
		if !connected || conn.Mode() != network.Active {
			return
		}
		st := nd.state(conn.Addr())
		st.phase = 1
		nd.sendRand(st.phase, conn)
	})
	_ = nd.net.RegisterHandler(opRand, func(msg *message.Message, conn *network.Conn) {
		ack := make([]byte, 4)
		binary.LittleEndian.PutUint32(ack, message.Checksum(msg.Payload))
		nd.net.SendMsgToConn(message.New(opAck, ack), conn)
	})
	_ = nd.net.RegisterHandler(opAck, func(msg *message.Message, conn *network.Conn) {
		if len(msg.Payload) != 4 {
			nd.log.Error("malformed ack", zap.Stringer("conn", conn))
			os.Exit(1)
		}
		st := nd.state(conn.Addr())
		if binary.LittleEndian.Uint32(msg.Payload) != st.hash {
			nd.log.Error("corrupted I/O", zap.Stringer("conn", conn))
			os.Exit(1)
		}
		switch {
		case st.phase == 2*nd.segBuffSize:
			nd.sendRand(st.phase, conn)
			st.phase = -1
			t := math.RandomizedTimeout(10 * time.Second)
			nd.log.Info("rand-bombard phase",
				zap.Stringer("conn", conn),
				zap.Duration("ending_in", t),
			)
			timer := time.AfterFunc(t, func() {
				if ctx.Err() == nil {
					nd.net.Terminate(conn)
				}
			})
			nd.mu.Lock()
			nd.timers[conn.Addr()] = timer
			nd.mu.Unlock()
		case st.phase == -1:
			nd.sendRand(rand.Intn(nd.segBuffSize*10), conn)
		default:
			st.phase++
			nd.sendRand(st.phase, conn)
		}
	})
}

func run() error {
	v, err := buildViper(os.Args[1:])
	if err != nil {
		return err
	}

	logCfg := zap.NewDevelopmentConfig()
	if !v.GetBool(verboseKey) {
		logCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := logCfg.Build()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	npeers := v.GetInt(npeersKey)
	segBuffSize := v.GetInt(segBuffSizeKey)
	basePort := uint16(v.GetUint(basePortKey))
	loopback := netip.MustParseAddr("127.0.0.1")

	addrs := make([]netip.AddrPort, npeers)
	for i := range addrs {
		addrs[i] = netip.AddrPortFrom(loopback, basePort+uint16(i))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eg, ctx := errgroup.WithContext(ctx)
	for i, addr := range addrs {
		cfg := network.DefaultConfig()
		cfg.Log = log.Named(fmt.Sprintf("peer%d", i))
		cfg.SegBuffSize = segBuffSize
		cfg.PingPeriod = v.GetDuration(pingPeriodKey)
		cfg.ConnTimeout = v.GetDuration(connTimeoutKey)

		net, err := network.NewPeerNet(cfg)
		if err != nil {
			return err
		}
		nd := &node{
			log:         cfg.Log,
			net:         net,
			addr:        addr,
			segBuffSize: segBuffSize,
			states:      make(map[netip.AddrPort]*channelState),
			timers:      make(map[netip.AddrPort]*time.Timer),
		}
		nd.install(ctx)

		if err := net.Listen(addr); err != nil {
			return fmt.Errorf("peer %d listen: %w", i, err)
		}
		for _, paddr := range addrs {
			if paddr != addr {
				if err := net.AddPeer(paddr); err != nil {
					return err
				}
			}
		}
		eg.Go(func() error {
			defer net.StartClose()
			if err := net.Dispatch(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	return eg.Wait()
}

func main() {
	if err := run(); err != nil && err != context.Canceled {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
