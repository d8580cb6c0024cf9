// File: protocol/header.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Envelope header codec. The header is bit-exact and big-endian; peer
// implementations must agree on the constants below.
//
//	offset  size  field
//	0       4     magic
//	4       1     protocol version
//	5       1     message type
//	6       2     flags
//	8       8     session id
//	16      4     payload length
//	20      4     CRC-32/IEEE over header[0:20] + payload

package protocol

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/momentics/hioload-net/api"
)

// Wire constants. MaxEnvelopePayload and the CRC polynomial are protocol
// parameters: both ends of a connection must use the same values.
const (
	Magic      = uint32(0x74636E74) // "tcnt"
	Version    = byte(1)
	HeaderSize = 24

	// MaxEnvelopePayload bounds a single envelope's payload. Larger
	// logical messages are fragmented.
	MaxEnvelopePayload = 256 * 1024
)

// Envelope flags.
const (
	// FlagFragment marks an envelope belonging to a multi-envelope message.
	FlagFragment = uint16(1 << 0)
	// FlagEnd marks the final envelope of a fragmented message.
	FlagEnd = uint16(1 << 1)
)

// Header is the decoded fixed-length envelope header.
type Header struct {
	Type       byte
	Flags      uint16
	Session    uint64
	PayloadLen uint32
	Checksum   uint32
}

// Fragmented reports whether the envelope is part of a multi-envelope
// message.
func (h Header) Fragmented() bool { return h.Flags&FlagFragment != 0 }

// Last reports whether the envelope completes its logical message.
func (h Header) Last() bool { return !h.Fragmented() || h.Flags&FlagEnd != 0 }

// EncodeHeader writes h into dst, which must hold HeaderSize bytes. The
// checksum field is written as given; use ChecksumSeed/ChecksumUpdate to
// compute it.
func EncodeHeader(dst []byte, h Header) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint32(dst[0:], Magic)
	dst[4] = Version
	dst[5] = h.Type
	binary.BigEndian.PutUint16(dst[6:], h.Flags)
	binary.BigEndian.PutUint64(dst[8:], h.Session)
	binary.BigEndian.PutUint32(dst[16:], h.PayloadLen)
	binary.BigEndian.PutUint32(dst[20:], h.Checksum)
}

// DecodeHeader parses and validates src. Bad magic, an unknown version, or
// an oversize payload length is a protocol fault.
func DecodeHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", api.ErrProtocolFault, len(src))
	}
	if m := binary.BigEndian.Uint32(src[0:]); m != Magic {
		return Header{}, fmt.Errorf("%w: bad magic 0x%08x", api.ErrProtocolFault, m)
	}
	if v := src[4]; v != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", api.ErrProtocolFault, v)
	}
	h := Header{
		Type:       src[5],
		Flags:      binary.BigEndian.Uint16(src[6:]),
		Session:    binary.BigEndian.Uint64(src[8:]),
		PayloadLen: binary.BigEndian.Uint32(src[16:]),
		Checksum:   binary.BigEndian.Uint32(src[20:]),
	}
	if h.PayloadLen > MaxEnvelopePayload {
		return Header{}, fmt.Errorf("%w: payload length %d exceeds %d",
			api.ErrProtocolFault, h.PayloadLen, MaxEnvelopePayload)
	}
	return h, nil
}

// ChecksumSeed starts a running checksum over an encoded header's first 20
// bytes. Payload bytes are folded in with ChecksumUpdate.
func ChecksumSeed(hdr []byte) uint32 {
	return crc32.ChecksumIEEE(hdr[:HeaderSize-4])
}

// ChecksumUpdate folds payload bytes into a running checksum.
func ChecksumUpdate(sum uint32, p []byte) uint32 {
	return crc32.Update(sum, crc32.IEEETable, p)
}
