// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortHeader   = errors.New("buffer shorter than message header")
	ErrBadChecksum   = errors.New("payload checksum mismatch")
	ErrOversizedData = errors.New("payload length exceeds limit")
)

// Header is the decoded fixed-size prefix of a frame.
type Header struct {
	Op       Op
	Length   uint32
	Checksum uint32
}

// Encode frames [m] into a single buffer: header followed by payload.
func Encode(m *Message) []byte {
	buf := make([]byte, HeaderLen+len(m.Payload))
	buf[0] = uint8(m.Op)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(m.Payload)))
	binary.LittleEndian.PutUint32(buf[5:9], Checksum(m.Payload))
	copy(buf[HeaderLen:], m.Payload)
	return buf
}

// DecodeHeader parses the frame header at the start of [b].
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Op:       Op(b[0]),
		Length:   binary.LittleEndian.Uint32(b[1:5]),
		Checksum: binary.LittleEndian.Uint32(b[5:9]),
	}, nil
}

// Verify recomputes the payload checksum and compares it against the
// header. A mismatch means the payload was corrupted in flight; the
// framing itself is still intact, so the caller should drop the message
// and keep reading.
func (h Header) Verify(payload []byte) error {
	if got := Checksum(payload); got != h.Checksum {
		return fmt.Errorf("%w: header 0x%08x, payload 0x%08x", ErrBadChecksum, h.Checksum, got)
	}
	return nil
}
