// File: protocol/assembler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Receive side of the framer: a per-connection accumulator that turns an
// ordered byte stream back into logical messages. Envelopes never
// interleave on a connection, so the accumulator is a straight-line state
// machine: header, payload, dispatch.

package protocol

import (
	"fmt"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/buffer"
	"github.com/momentics/hioload-net/pool"
)

type assemblerState int

const (
	awaitHeader assemblerState = iota
	awaitPayload
)

// Assembler reassembles wire envelopes into logical messages and hands them
// to a sink, strictly in arrival order. It implements api.ProtocolAdaptor.
//
// An Assembler is owned by a single connection and is not safe for
// concurrent use.
type Assembler struct {
	pool *pool.BlockPool
	sink api.MessageSink

	state  assemblerState
	hdrBuf [HeaderSize]byte
	hdrLen int
	hdr    Header
	sum    uint32
	left   int

	cur *buffer.Block
	msg buffer.Chain

	fragActive  bool
	fragType    byte
	fragSession uint64
}

// NewAssembler creates an assembler drawing payload blocks from p and
// dispatching completed messages to sink.
func NewAssembler(p *pool.BlockPool, sink api.MessageSink) *Assembler {
	return &Assembler{pool: p, sink: sink}
}

// Consume ingests bytes read off the socket. It takes ownership of blk and
// releases it before returning. Any returned error is a protocol fault and
// leaves the assembler unusable until Reset.
func (a *Assembler) Consume(blk *buffer.Block) error {
	defer blk.Release()
	for blk.HasRemaining() {
		switch a.state {
		case awaitHeader:
			if err := a.fillHeader(blk); err != nil {
				return err
			}
		case awaitPayload:
			if err := a.fillPayload(blk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Assembler) fillHeader(blk *buffer.Block) error {
	n := copy(a.hdrBuf[a.hdrLen:], blk.Bytes())
	blk.Advance(n)
	a.hdrLen += n
	if a.hdrLen < HeaderSize {
		return nil
	}

	hdr, err := DecodeHeader(a.hdrBuf[:])
	if err != nil {
		return err
	}
	if err := a.checkSequence(hdr); err != nil {
		return err
	}
	a.hdr = hdr
	a.sum = ChecksumSeed(a.hdrBuf[:])
	a.left = int(hdr.PayloadLen)
	a.hdrLen = 0
	if a.left == 0 {
		return a.finishEnvelope()
	}
	a.state = awaitPayload
	return nil
}

func (a *Assembler) checkSequence(hdr Header) error {
	if a.fragActive {
		if !hdr.Fragmented() {
			return fmt.Errorf("%w: unfragmented envelope inside fragmented message", api.ErrProtocolFault)
		}
		if hdr.Type != a.fragType || hdr.Session != a.fragSession {
			return fmt.Errorf("%w: fragment type/session mismatch", api.ErrProtocolFault)
		}
		return nil
	}
	if hdr.Fragmented() && hdr.Flags&FlagEnd != 0 {
		return fmt.Errorf("%w: end fragment without a start", api.ErrProtocolFault)
	}
	return nil
}

func (a *Assembler) fillPayload(blk *buffer.Block) error {
	if a.cur == nil || !a.cur.HasRemaining() {
		a.finalizeCur()
		a.cur = a.pool.Acquire()
	}
	src := blk.Bytes()
	if len(src) > a.left {
		src = src[:a.left]
	}
	n := a.cur.Put(src)
	blk.Advance(n)
	a.sum = ChecksumUpdate(a.sum, src[:n])
	a.left -= n
	if a.left == 0 {
		return a.finishEnvelope()
	}
	return nil
}

func (a *Assembler) finalizeCur() {
	if a.cur != nil {
		a.cur.Flip()
		if a.cur.HasRemaining() {
			a.msg = append(a.msg, a.cur)
		} else {
			a.cur.Release()
		}
		a.cur = nil
	}
}

func (a *Assembler) finishEnvelope() error {
	a.finalizeCur()
	if a.sum != a.hdr.Checksum {
		return fmt.Errorf("%w: checksum mismatch (got 0x%08x, want 0x%08x)",
			api.ErrProtocolFault, a.sum, a.hdr.Checksum)
	}
	a.state = awaitHeader
	if a.hdr.Last() {
		msg := a.msg
		a.msg = nil
		a.fragActive = false
		a.sink.OnMessage(a.hdr.Type, a.hdr.Session, msg)
		return nil
	}
	a.fragActive = true
	a.fragType = a.hdr.Type
	a.fragSession = a.hdr.Session
	return nil
}

// Reset discards any partially assembled message and returns its blocks to
// the pool. The assembler is ready for a fresh byte stream afterwards.
func (a *Assembler) Reset() {
	if a.cur != nil {
		a.cur.Release()
		a.cur = nil
	}
	a.msg.Release()
	a.msg = nil
	a.state = awaitHeader
	a.hdrLen = 0
	a.fragActive = false
}

var _ api.ProtocolAdaptor = (*Assembler)(nil)
