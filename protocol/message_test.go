// File: protocol/message_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/buffer"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/protocol"
)

func TestMessageRoundTrip(t *testing.T) {
	in := &protocol.Message{
		Fields: []protocol.Field{
			protocol.Bool(true),
			protocol.Int16(-2),
			protocol.Int32(0x11223344),
			protocol.Int64(-1 << 40),
			protocol.Float32(1.5),
			protocol.Float64(-2.25),
			protocol.String("hello"),
			protocol.Bytes([]byte{0, 1, 2, 255}),
		},
		Payload: []byte("opaque payload"),
	}
	ch := in.Encode(nil)
	defer ch.Release()

	out, err := protocol.DecodeMessage(buffer.NewChainReader(ch))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("message round trip (-in +out):\n%s", diff)
	}
}

func TestEmptyMessageRoundTrip(t *testing.T) {
	in := &protocol.Message{}
	ch := in.Encode(nil)
	defer ch.Release()

	out, err := protocol.DecodeMessage(buffer.NewChainReader(ch))
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Fields) != 0 || len(out.Payload) != 0 {
		t.Fatalf("empty message decoded as %+v", out)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := protocol.DecodeMessage(buffer.NewBytesReader([]byte{0xFF}))
	if !errors.Is(err, api.ErrProtocolFault) {
		t.Fatalf("unknown tag: err = %v, want protocol fault", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	tests := map[string][]byte{
		"empty input":        {},
		"cut mid record":     {protocol.TagInt32, 0x11, 0x22},
		"missing terminator": {protocol.TagBool, 1},
		"payload overrun":    {protocol.TagEnd, 0, 0, 0, 10, 'x', 'y'},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := protocol.DecodeMessage(buffer.NewBytesReader(in)); !errors.Is(err, api.ErrProtocolFault) {
				t.Fatalf("err = %v, want protocol fault", err)
			}
		})
	}
}

func TestMessageOverEnvelope(t *testing.T) {
	// a codec-level message survives framing and reassembly intact
	in := &protocol.Message{
		Fields:  []protocol.Field{protocol.String("route"), protocol.Int64(99)},
		Payload: []byte("body"),
	}
	body := in.Encode(nil)

	p := pool.NewBlockPool(4096, 64)
	wire := protocol.Pack(11, 3, body, p)
	flat := wire.Bytes()
	wire.Release()
	body.Release()

	sink := &collector{}
	a := protocol.NewAssembler(p, sink)
	if err := feed(a, flat, 64); err != nil {
		t.Fatal(err)
	}
	if len(sink.msgs) != 1 {
		t.Fatalf("%d messages dispatched", len(sink.msgs))
	}
	out, err := protocol.DecodeMessage(buffer.NewBytesReader(sink.msgs[0].data))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("(-in +out):\n%s", diff)
	}
}
