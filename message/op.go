// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import "fmt"

// Op identifies the application-level type of a message. The network is
// parameterized over the full 8-bit space; two values at the top of the
// range are reserved for the peer overlay's control traffic.
type Op uint8

const (
	// Ping and Pong are reserved by the peer network. Their payload is the
	// sender's announced listening port.
	Ping Op = 0xf0
	Pong Op = 0xf1
)

func (op Op) String() string {
	switch op {
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	default:
		return fmt.Sprintf("op_0x%02x", uint8(op))
	}
}

// Reserved reports whether [op] is claimed by the peer network and is
// therefore unavailable to application handlers.
func Reserved(op Op) bool {
	return op == Ping || op == Pong
}
