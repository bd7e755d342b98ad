// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package network

import "errors"

var (
	// Recoverable errors. These indicate a misuse of the public API or a
	// lookup miss; they are returned to the caller, the peer network also
	// reports its own to the recoverable-error handler, and the network
	// keeps running.
	ErrPeerAlreadyExists = errors.New("peer already exists")
	ErrPeerNotExist      = errors.New("peer does not exist")
	ErrPeerNotConnected  = errors.New("peer is not connected")
	ErrUnknownClient     = errors.New("no client connection from address")

	errAlreadyListening = errors.New("network is already listening")
	errReservedOp       = errors.New("op is reserved by the peer network")
	errClientConnect    = errors.New("client network cannot originate connections")
	errPeerNetConnect   = errors.New("peer network manages its own connections; use AddPeer")
	errShuttingDown     = errors.New("network is shutting down")
)

// ErrorHandler receives errors the library cannot surface through a
// return value: fatal failures from internal goroutines, and recoverable
// errors raised by asynchronous operations. Handlers run on the Dispatch
// loop.
type ErrorHandler func(err error)
