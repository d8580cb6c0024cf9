// File: buffer/stream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Scatter writer: accumulates typed records across a growing chain of
// blocks, with marks for bounded back-patching of earlier bytes.

package buffer

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf16"
)

// Default block growth bounds for an output stream.
const (
	DefaultInitialBlockSize = 1024
	DefaultMaxBlockSize     = 512 * 1024
)

// Allocator supplies blocks to an output stream. The returned block must be
// in write mode with at least the requested capacity available.
type Allocator func(size int) *Block

// OutputStream accumulates primitive and bulk writes in a growing chain of
// blocks. Each filled block is followed by one of twice its size, capped at
// the configured maximum, so small messages stay cheap and large messages
// amortize allocation.
//
// OutputStream never returns I/O errors; argument and state violations
// panic.
type OutputStream struct {
	initial int
	max     int
	next    int
	alloc   Allocator

	// finalized blocks, indexed by marks; must support random access
	blocks  []*Block
	current *Block
	written int
	closed  bool
}

// NewOutputStream creates a stream with the default growth bounds.
func NewOutputStream() *OutputStream {
	return NewOutputStreamSize(DefaultInitialBlockSize, DefaultMaxBlockSize)
}

// NewOutputStreamSize creates a stream with explicit growth bounds.
func NewOutputStreamSize(initial, max int) *OutputStream {
	return NewOutputStreamAlloc(initial, max, nil)
}

// NewOutputStreamAlloc creates a stream drawing blocks from alloc. A nil
// allocator falls back to plain heap blocks.
func NewOutputStreamAlloc(initial, max int, alloc Allocator) *OutputStream {
	if initial < 1 {
		panic(fmt.Sprintf("buffer: initial block size %d < 1", initial))
	}
	if max < initial {
		panic(fmt.Sprintf("buffer: max block size %d < initial %d", max, initial))
	}
	if alloc == nil {
		alloc = func(size int) *Block { return NewBlock(size) }
	}
	return &OutputStream{initial: initial, max: max, next: initial, alloc: alloc}
}

func (s *OutputStream) checkClosed() {
	if s.closed {
		panic("buffer: write on closed stream")
	}
}

// ensure guarantees the current block has at least one writable byte.
func (s *OutputStream) ensure() {
	for s.current == nil || !s.current.HasRemaining() {
		s.addBlock()
	}
}

func (s *OutputStream) addBlock() {
	s.finalizeCurrent()
	size := s.next
	s.current = s.alloc(size)
	// clamp on every step, not only at allocation
	s.next = size << 1
	if s.next > s.max {
		s.next = s.max
	}
}

func (s *OutputStream) finalizeCurrent() {
	if s.current != nil {
		s.current.Flip()
		if s.current.HasRemaining() {
			s.blocks = append(s.blocks, s.current)
		} else {
			s.current.Release()
		}
		s.current = nil
	}
}

// BytesWritten returns the total number of bytes appended so far.
func (s *OutputStream) BytesWritten() int { return s.written }

// Write appends p. It always consumes all of p and never fails; the error
// is present only to satisfy io.Writer.
func (s *OutputStream) Write(p []byte) (int, error) {
	s.checkClosed()
	total := len(p)
	for len(p) > 0 {
		s.ensure()
		n := s.current.Put(p)
		p = p[n:]
		s.written += n
	}
	return total, nil
}

// WriteByte appends a single byte.
func (s *OutputStream) WriteByte(v byte) error {
	s.checkClosed()
	s.ensure()
	s.current.PutByte(v)
	s.written++
	return nil
}

// WriteBool appends 1 for true, 0 for false.
func (s *OutputStream) WriteBool(v bool) {
	if v {
		_ = s.WriteByte(1)
	} else {
		_ = s.WriteByte(0)
	}
}

// WriteInt16 appends v in network byte order.
func (s *OutputStream) WriteInt16(v int16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	s.mustWrite(b[:])
}

// WriteInt32 appends v in network byte order.
func (s *OutputStream) WriteInt32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	s.mustWrite(b[:])
}

// WriteInt64 appends v in network byte order.
func (s *OutputStream) WriteInt64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	s.mustWrite(b[:])
}

// WriteFloat32 appends the IEEE-754 bits of v in network byte order.
func (s *OutputStream) WriteFloat32(v float32) {
	s.WriteInt32(int32(math.Float32bits(v)))
}

// WriteFloat64 appends the IEEE-754 bits of v in network byte order.
func (s *OutputStream) WriteFloat64(v float64) {
	s.WriteInt64(int64(math.Float64bits(v)))
}

func (s *OutputStream) mustWrite(p []byte) {
	if _, err := s.Write(p); err != nil {
		panic(err)
	}
}

// maxCompactStringBytes is the largest UTF-8 length representable by the
// compact string framing's 16-bit length field.
const maxCompactStringBytes = 0xFFFF

// WriteString appends s using the two-byte prefixed string framing: a
// null-ness byte (always 0 here), then a chooser byte selecting compact
// UTF-8 framing (1: u16 length + bytes) or raw 16-bit chars (0: i32 count +
// UTF-16 code units). The framing is chosen up front from the encoded
// length, so the byte layout is deterministic.
func (s *OutputStream) WriteString(str string) {
	if len(str) <= maxCompactStringBytes {
		s.WriteBool(false)
		_ = s.WriteByte(1)
		s.WriteInt16(int16(uint16(len(str))))
		s.mustWrite([]byte(str))
		return
	}
	s.writeRawChars(str)
}

// WriteNullString appends the framing for an absent string: a single
// null-ness byte set to 1.
func (s *OutputStream) WriteNullString() {
	s.WriteBool(true)
}

// WriteChars appends str with the raw-chars framing regardless of length:
// the same null-ness byte and chooser as WriteString, with the chooser
// forced to raw. ChainReader.ReadChars decodes it.
func (s *OutputStream) WriteChars(str string) {
	s.writeRawChars(str)
}

// writeRawChars emits the raw variant of the string framing: null-ness
// byte, raw chooser, i32 code-unit count, then the UTF-16 units two bytes
// each.
func (s *OutputStream) writeRawChars(str string) {
	s.WriteBool(false)
	_ = s.WriteByte(0)
	units := utf16.Encode([]rune(str))
	s.WriteInt32(int32(len(units)))
	for _, u := range units {
		s.WriteInt16(int16(u))
	}
}

// WriteBlock transfers one readable block into the stream. See WriteBlocks.
func (s *OutputStream) WriteBlock(b *Block) {
	if b == nil {
		panic("buffer: nil block")
	}
	s.WriteBlocks(Chain{b})
}

// WriteBlocks transfers the readable contents of data into the stream.
// When the current block is untouched and every incoming block is rewound
// to position 0, the incoming blocks are adopted by reference; otherwise
// their bytes are copied through the normal append path. Either way the stream takes ownership of the blocks' bytes.
func (s *OutputStream) WriteBlocks(data Chain) {
	s.checkClosed()
	if len(data) == 0 {
		return
	}
	if s.adoptable(data) {
		// adopt by reference; a partially filled current block would
		// reorder bytes, so only an untouched one may be bypassed
		if s.current != nil {
			s.current.Release()
			s.current = nil
		}
		for _, b := range data {
			if !b.HasRemaining() {
				b.Release()
				continue
			}
			s.written += b.Remaining()
			s.blocks = append(s.blocks, b)
		}
		return
	}
	for _, b := range data {
		for b.HasRemaining() {
			s.ensure()
			n := s.current.Put(b.Bytes())
			b.Advance(n)
			s.written += n
		}
		b.Release()
	}
}

// adoptable reports whether incoming blocks can be linked by reference:
// the in-progress block must be untouched and every incoming block fully
// rewound, or mark offsets into the adopted blocks would not line up.
func (s *OutputStream) adoptable(data Chain) bool {
	if s.current != nil && s.current.Position() != 0 {
		return false
	}
	for _, b := range data {
		if b.Position() != 0 {
			return false
		}
	}
	return true
}

// Close finalizes the current block. Further appends panic. Close is
// idempotent.
func (s *OutputStream) Close() {
	if !s.closed {
		s.finalizeCurrent()
		s.closed = true
	}
}

// ToChain closes the stream and returns its contents as a chain ready for
// transmission. The caller takes ownership of the blocks.
func (s *OutputStream) ToChain() Chain {
	s.Close()
	out := make(Chain, len(s.blocks))
	copy(out, s.blocks)
	return out
}

// Reset returns the stream to its initial empty writable state. Blocks
// handed out via ToChain remain owned by their taker.
func (s *OutputStream) Reset() {
	s.blocks = nil
	s.current = nil
	s.closed = false
	s.written = 0
	s.next = s.initial
}

// Mark captures the current write position for later back-patching. Marks
// remain valid for the life of the stream that produced them, including
// after Close.
func (s *OutputStream) Mark() *Mark {
	s.checkClosed()
	pos := 0
	if s.current != nil {
		pos = s.current.Position()
	}
	return &Mark{
		stream:   s,
		blockIdx: len(s.blocks),
		blockOff: pos,
		absolute: s.written,
	}
}

// blockAt resolves a mark's block index against the finalized list plus the
// in-progress block.
func (s *OutputStream) blockAt(idx int) *Block {
	if idx < len(s.blocks) {
		return s.blocks[idx]
	}
	if idx == len(s.blocks) && s.current != nil {
		return s.current
	}
	panic(fmt.Sprintf("buffer: mark block index %d beyond %d blocks", idx, len(s.blocks)))
}

// extentOf returns the written extent of a block: the readable window for
// finalized blocks, the position for the in-progress one.
func (s *OutputStream) extentOf(idx int, b *Block) int {
	if idx < len(s.blocks) {
		return b.Limit()
	}
	return b.Position()
}

// Mark names a prior byte position in an output stream. Writing through a
// mark overwrites already-written bytes and may never extend the stream.
type Mark struct {
	stream   *OutputStream
	blockIdx int
	blockOff int
	absolute int
}

// Position returns the absolute stream offset the mark names.
func (m *Mark) Position() int { return m.absolute }

// Write overwrites len(p) bytes starting at the mark. Panics if the write
// would run past the stream's written extent.
func (m *Mark) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	s := m.stream
	if s.written-m.absolute < len(p) {
		panic(fmt.Sprintf("buffer: mark write of %d bytes past stream tail (%d available)",
			len(p), s.written-m.absolute))
	}
	idx, off := m.blockIdx, m.blockOff
	for len(p) > 0 {
		b := s.blockAt(idx)
		ext := s.extentOf(idx, b)
		n := ext - off
		if n > len(p) {
			n = len(p)
		}
		if n > 0 {
			b.PutAt(off, p[:n])
			p = p[n:]
		}
		idx++
		off = 0
	}
}

// WriteByte overwrites the single byte at the mark.
func (m *Mark) WriteByte(v byte) {
	m.Write([]byte{v})
}

// CopyTo copies length bytes starting at mark+offset into dst. The window
// must lie entirely within the stream's written extent.
func (m *Mark) CopyTo(dst *OutputStream, offset, length int) {
	if offset < 0 || length < 0 {
		panic("buffer: negative mark copy range")
	}
	s := m.stream
	if m.absolute+offset+length > s.written {
		panic(fmt.Sprintf("buffer: mark copy [%d,%d) past stream tail %d",
			m.absolute+offset, m.absolute+offset+length, s.written))
	}
	idx, off := m.blockIdx, m.blockOff
	skip := offset
	tmp := make([]byte, 0, length)
	for length > 0 || skip > 0 {
		b := s.blockAt(idx)
		ext := s.extentOf(idx, b)
		avail := ext - off
		if skip >= avail {
			skip -= avail
			idx++
			off = 0
			continue
		}
		start := off + skip
		skip = 0
		n := ext - start
		if n > length {
			n = length
		}
		for i := 0; i < n; i++ {
			tmp = append(tmp, b.ByteAt(start+i))
		}
		length -= n
		idx++
		off = 0
	}
	dst.mustWrite(tmp)
}
