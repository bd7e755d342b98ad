// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/peermesh-labs/peermesh/utils/wrappers"
)

type netMetrics struct {
	msgsSent     *prometheus.CounterVec
	msgsFailed   *prometheus.CounterVec
	msgsReceived *prometheus.CounterVec

	bytesSent     prometheus.Counter
	bytesReceived prometheus.Counter

	checksumMismatches prometheus.Counter

	numConns        prometheus.Gauge
	numPeers        prometheus.Gauge
	numUnknownPeers prometheus.Gauge
}

func newNetMetrics(namespace string, registerer prometheus.Registerer) (*netMetrics, error) {
	m := &netMetrics{
		msgsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "msgs_sent",
			Help:      "Number of messages enqueued for sending, by op",
		}, []string{"op"}),
		msgsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "msgs_failed",
			Help:      "Number of messages dropped before sending, by op",
		}, []string{"op"}),
		msgsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "msgs_received",
			Help:      "Number of verified messages delivered to a handler, by op",
		}, []string{"op"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent",
			Help:      "Number of message bytes written to sockets",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received",
			Help:      "Number of message bytes read from sockets",
		}),
		checksumMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_mismatches",
			Help:      "Number of messages dropped due to payload checksum mismatch",
		}),
		numConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of live connections",
		}),
		numPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Number of known peers",
		}),
		numUnknownPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unknown_peers",
			Help:      "Number of provisional peers awaiting registration",
		}),
	}

	if registerer == nil {
		return m, nil
	}
	errs := wrappers.Errs{}
	errs.Add(
		registerer.Register(m.msgsSent),
		registerer.Register(m.msgsFailed),
		registerer.Register(m.msgsReceived),
		registerer.Register(m.bytesSent),
		registerer.Register(m.bytesReceived),
		registerer.Register(m.checksumMismatches),
		registerer.Register(m.numConns),
		registerer.Register(m.numPeers),
		registerer.Register(m.numUnknownPeers),
	)
	return m, errs.Err
}
