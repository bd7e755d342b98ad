// Copyright (C) 2024, Peermesh Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package message

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, size := range []int{0, 1, 2, 255, 4096, 100_000} {
		payload := make([]byte, size)
		_, err := rand.Read(payload)
		require.NoError(err)

		frame := Encode(New(Op(0x42), payload))
		require.Len(frame, HeaderLen+size)

		hdr, err := DecodeHeader(frame)
		require.NoError(err)
		require.Equal(Op(0x42), hdr.Op)
		require.Equal(uint32(size), hdr.Length)

		body := frame[HeaderLen:]
		require.NoError(hdr.Verify(body))
		require.Equal(payload, body)
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	for i := 0; i < HeaderLen; i++ {
		_, err := DecodeHeader(make([]byte, i))
		require.ErrorIs(t, err, ErrShortHeader)
	}
}

func TestChecksumDetectsCorruption(t *testing.T) {
	require := require.New(t)

	payload := make([]byte, 1024)
	_, err := rand.Read(payload)
	require.NoError(err)

	frame := Encode(New(Op(7), payload))
	hdr, err := DecodeHeader(frame)
	require.NoError(err)

	// Flip a single bit in each of a handful of payload positions.
	for _, pos := range []int{0, 1, 511, 1023} {
		corrupted := make([]byte, len(payload))
		copy(corrupted, frame[HeaderLen:])
		corrupted[pos] ^= 0x01
		require.ErrorIs(hdr.Verify(corrupted), ErrBadChecksum)
	}
}

func TestChecksumIsPureFunctionOfPayload(t *testing.T) {
	payload := []byte("the same bytes")
	require.Equal(t, Checksum(payload), Checksum([]byte("the same bytes")))
}

func TestPortRoundTrip(t *testing.T) {
	require := require.New(t)

	for _, port := range []uint16{0, 1, 12345, 65535} {
		ping := NewPing(port)
		require.Equal(Ping, ping.Op)
		got, err := UnpackPort(ping.Payload)
		require.NoError(err)
		require.Equal(port, got)

		pong := NewPong(port)
		require.Equal(Pong, pong.Op)
		got, err = UnpackPort(pong.Payload)
		require.NoError(err)
		require.Equal(port, got)
	}
}

func TestUnpackPortRejectsWrongLength(t *testing.T) {
	for _, size := range []int{0, 1, 3, 16} {
		_, err := UnpackPort(make([]byte, size))
		require.Error(t, err)
	}
}

func TestReserved(t *testing.T) {
	require.True(t, Reserved(Ping))
	require.True(t, Reserved(Pong))
	require.False(t, Reserved(Op(0)))
	require.False(t, Reserved(Op(0xef)))
}
