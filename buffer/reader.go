// File: buffer/reader.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"unicode/utf16"
)

// ErrStringFraming is returned when a string record's framing bytes are
// malformed.
var ErrStringFraming = errors.New("buffer: malformed string framing")

// ChainReader decodes typed records from a chain without consuming the
// blocks: the chain's cursors are untouched and the blocks remain owned by
// the caller.
type ChainReader struct {
	views [][]byte
	idx   int
	off   int
	read  int
}

// NewChainReader creates a reader over the chain's remaining bytes.
func NewChainReader(c Chain) *ChainReader {
	return &ChainReader{views: c.Views()}
}

// NewBytesReader creates a reader over a plain byte slice.
func NewBytesReader(p []byte) *ChainReader {
	return &ChainReader{views: [][]byte{p}}
}

// BytesRead returns the number of bytes consumed so far.
func (r *ChainReader) BytesRead() int { return r.read }

// Remaining returns the number of unconsumed bytes.
func (r *ChainReader) Remaining() int {
	total := 0
	for i := r.idx; i < len(r.views); i++ {
		total += len(r.views[i])
	}
	return total - r.off
}

// Read fills p with up to len(p) bytes, returning io.EOF once exhausted.
func (r *ChainReader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && r.idx < len(r.views) {
		v := r.views[r.idx]
		c := copy(p[n:], v[r.off:])
		n += c
		r.off += c
		if r.off == len(v) {
			r.idx++
			r.off = 0
		}
	}
	r.read += n
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// ReadFull fills p entirely or fails with io.ErrUnexpectedEOF.
func (r *ChainReader) ReadFull(p []byte) error {
	n, _ := r.Read(p)
	if n < len(p) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// ReadByte returns the next byte.
func (r *ChainReader) ReadByte() (byte, error) {
	var b [1]byte
	if err := r.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool decodes a one-byte boolean.
func (r *ChainReader) ReadBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

// ReadInt16 decodes a network-byte-order int16.
func (r *ChainReader) ReadInt16() (int16, error) {
	var b [2]byte
	if err := r.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b[:])), nil
}

// ReadInt32 decodes a network-byte-order int32.
func (r *ChainReader) ReadInt32() (int32, error) {
	var b [4]byte
	if err := r.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

// ReadInt64 decodes a network-byte-order int64.
func (r *ChainReader) ReadInt64() (int64, error) {
	var b [8]byte
	if err := r.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

// ReadFloat32 decodes a network-byte-order IEEE-754 float32.
func (r *ChainReader) ReadFloat32() (float32, error) {
	v, err := r.ReadInt32()
	return math.Float32frombits(uint32(v)), err
}

// ReadFloat64 decodes a network-byte-order IEEE-754 float64.
func (r *ChainReader) ReadFloat64() (float64, error) {
	v, err := r.ReadInt64()
	return math.Float64frombits(uint64(v)), err
}

// ReadString decodes the framing written by OutputStream.WriteString.
// Absent strings decode as ("", false, nil).
func (r *ChainReader) ReadString() (s string, present bool, err error) {
	isNull, err := r.ReadBool()
	if err != nil {
		return "", false, err
	}
	if isNull {
		return "", false, nil
	}
	chooser, err := r.ReadByte()
	if err != nil {
		return "", false, err
	}
	switch chooser {
	case 1:
		n, err := r.ReadInt16()
		if err != nil {
			return "", false, err
		}
		buf := make([]byte, uint16(n))
		if err := r.ReadFull(buf); err != nil {
			return "", false, err
		}
		return string(buf), true, nil
	case 0:
		count, err := r.ReadInt32()
		if err != nil {
			return "", false, err
		}
		if count < 0 {
			return "", false, ErrStringFraming
		}
		units := make([]uint16, count)
		for i := range units {
			u, err := r.ReadInt16()
			if err != nil {
				return "", false, err
			}
			units[i] = uint16(u)
		}
		return string(utf16.Decode(units)), true, nil
	default:
		return "", false, ErrStringFraming
	}
}

// ReadChars decodes the framing written by OutputStream.WriteChars. The
// wire shape is the raw variant of the string framing, so ReadChars also
// accepts WriteString output.
func (r *ChainReader) ReadChars() (string, error) {
	s, _, err := r.ReadString()
	return s, err
}
