// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"encoding/binary"
	"errors"
)

var errBadPortLen = errors.New("ping/pong payload must be exactly 2 bytes")

// The ping and pong control messages carry a single field: the sender's
// listening port, 16-bit little-endian. The connecting side's source port
// is ephemeral, so the announced port is the only way the acceptor can
// learn the peer's identity under port-based identity resolution.

func NewPing(listenPort uint16) *Message {
	return New(Ping, packPort(listenPort))
}

func NewPong(listenPort uint16) *Message {
	return New(Pong, packPort(listenPort))
}

func packPort(port uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, port)
	return b
}

// UnpackPort extracts the announced listening port from a ping or pong
// payload.
func UnpackPort(payload []byte) (uint16, error) {
	if len(payload) != 2 {
		return 0, errBadPortLen
	}
	return binary.LittleEndian.Uint16(payload), nil
}
