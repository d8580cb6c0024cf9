// File: protocol/header_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/protocol"
)

func TestHeaderRoundTrip(t *testing.T) {
	in := protocol.Header{
		Type:       7,
		Flags:      protocol.FlagFragment | protocol.FlagEnd,
		Session:    0xDEADBEEFCAFE,
		PayloadLen: 12345,
		Checksum:   0x01020304,
	}
	var buf [protocol.HeaderSize]byte
	protocol.EncodeHeader(buf[:], in)
	out, err := protocol.DecodeHeader(buf[:])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("header round trip (-in +out):\n%s", diff)
	}
}

func TestHeaderLayout(t *testing.T) {
	var buf [protocol.HeaderSize]byte
	protocol.EncodeHeader(buf[:], protocol.Header{Type: 1, Session: 2, PayloadLen: 3})
	if got := binary.BigEndian.Uint32(buf[0:]); got != protocol.Magic {
		t.Fatalf("magic at offset 0 = 0x%08x", got)
	}
	if buf[4] != protocol.Version {
		t.Fatalf("version at offset 4 = %d", buf[4])
	}
	if got := binary.BigEndian.Uint64(buf[8:]); got != 2 {
		t.Fatalf("session at offset 8 = %d", got)
	}
	if got := binary.BigEndian.Uint32(buf[16:]); got != 3 {
		t.Fatalf("payload length at offset 16 = %d", got)
	}
}

func TestDecodeHeaderFaults(t *testing.T) {
	valid := func() []byte {
		var buf [protocol.HeaderSize]byte
		protocol.EncodeHeader(buf[:], protocol.Header{})
		return buf[:]
	}

	tests := []struct {
		name   string
		mutate func([]byte)
		trunc  int
	}{
		{name: "bad magic", mutate: func(b []byte) { b[0] = 0xFF }},
		{name: "bad version", mutate: func(b []byte) { b[4] = 99 }},
		{name: "oversize payload", mutate: func(b []byte) {
			binary.BigEndian.PutUint32(b[16:], protocol.MaxEnvelopePayload+1)
		}},
		{name: "short header", trunc: protocol.HeaderSize - 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := valid()
			if tc.mutate != nil {
				tc.mutate(b)
			}
			if tc.trunc > 0 {
				b = b[:tc.trunc]
			}
			if _, err := protocol.DecodeHeader(b); !errors.Is(err, api.ErrProtocolFault) {
				t.Fatalf("DecodeHeader = %v, want protocol fault", err)
			}
		})
	}
}

func TestHeaderFlags(t *testing.T) {
	for _, tc := range []struct {
		flags      uint16
		fragmented bool
		last       bool
	}{
		{0, false, true},
		{protocol.FlagFragment, true, false},
		{protocol.FlagFragment | protocol.FlagEnd, true, true},
	} {
		h := protocol.Header{Flags: tc.flags}
		if h.Fragmented() != tc.fragmented || h.Last() != tc.last {
			t.Fatalf("flags %04x: Fragmented=%v Last=%v", tc.flags, h.Fragmented(), h.Last())
		}
	}
}
