// File: protocol/packer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Send side of the framer: chops a logical message's block chain into one
// or more wire envelopes. Payload bytes are carried by reference; only the
// 24-byte headers are materialized, one pooled block each.

package protocol

import (
	"github.com/momentics/hioload-net/buffer"
	"github.com/momentics/hioload-net/pool"
)

// Pack frames a logical message into its wire representation. A body no
// longer than MaxEnvelopePayload maps to exactly one envelope; anything
// larger is split into ceil(L/P) envelopes carrying the fragment flags, in
// chain order.
//
// The returned chain interleaves pooled header blocks with views into the
// body blocks. Releasing it returns the header blocks to the pool but not
// the body: the body stays owned by the caller, who releases it once the
// wire chain has been fully transmitted.
func Pack(msgType byte, session uint64, body buffer.Chain, p *pool.BlockPool) buffer.Chain {
	total := body.Remaining()
	envelopes := 1
	if total > MaxEnvelopePayload {
		envelopes = (total + MaxEnvelopePayload - 1) / MaxEnvelopePayload
	}

	wire := make(buffer.Chain, 0, envelopes+len(body))
	off := 0
	for i := 0; i < envelopes; i++ {
		size := total - off
		if size > MaxEnvelopePayload {
			size = MaxEnvelopePayload
		}
		var flags uint16
		if envelopes > 1 {
			flags = FlagFragment
			if i == envelopes-1 {
				flags |= FlagEnd
			}
		}
		payload := body.Window(off, size)
		off += size

		hdrBlk := p.Acquire()
		hdrBlk.SetLimit(HeaderSize)
		hdr := hdrBlk.Bytes()
		EncodeHeader(hdr, Header{
			Type:       msgType,
			Flags:      flags,
			Session:    session,
			PayloadLen: uint32(size),
		})
		sum := ChecksumSeed(hdr)
		for _, v := range payload.Views() {
			sum = ChecksumUpdate(sum, v)
		}
		hdrBlk.PutAt(HeaderSize-4, be32(sum))
		hdrBlk.Advance(HeaderSize)
		hdrBlk.Flip()

		wire = append(wire, hdrBlk)
		wire = append(wire, payload...)
	}
	return wire
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
