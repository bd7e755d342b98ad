// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"encoding/binary"

	"github.com/minio/sha256-simd"
)

// Message is one framed unit on the wire: a fixed header carrying the op,
// the payload length and a payload checksum, followed by the payload
// bytes. The header layout is:
//
//	op       uint8
//	length   uint32 little-endian
//	checksum uint32 little-endian, over the payload only
//
// The checksum is a pure function of the payload, so a Message can be
// re-framed and re-sent on any connection.
type Message struct {
	Op      Op
	Payload []byte
}

// HeaderLen is the size of the wire header preceding every payload.
const HeaderLen = 1 + 4 + 4

// New returns a message of type [op] wrapping [payload]. The payload is
// not copied; the caller must not mutate it after handing it over.
func New(op Op, payload []byte) *Message {
	return &Message{Op: op, Payload: payload}
}

// Checksum returns the 32-bit payload checksum: the first four bytes of
// SHA-256 over the payload, read little-endian.
func Checksum(payload []byte) uint32 {
	h := sha256.Sum256(payload)
	return binary.LittleEndian.Uint32(h[:4])
}

func (m *Message) String() string {
	return m.Op.String()
}
