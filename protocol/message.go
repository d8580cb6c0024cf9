// File: protocol/message.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Logical-message codec layered above the envelope framer. A message body
// is a tagged name-value header followed by an opaque payload:
//
//	header   = { tag byte, value }* , tagEnd
//	payload  = u32 length, bytes
//
// The header carries typed metadata records; the payload is application
// data the transport never inspects.

package protocol

import (
	"fmt"
	"math"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/buffer"
)

// Header record tags. TagEnd terminates the record sequence; an unknown tag
// aborts decoding.
const (
	TagEnd     = byte(0x00)
	TagBool    = byte(0x01)
	TagInt16   = byte(0x02)
	TagInt32   = byte(0x03)
	TagInt64   = byte(0x04)
	TagFloat32 = byte(0x05)
	TagFloat64 = byte(0x06)
	TagString  = byte(0x07)
	TagBytes   = byte(0x08)
)

// Field is one tagged header record. Value holds the Go type implied by
// Tag: bool, int16, int32, int64, float32, float64, string, or []byte.
type Field struct {
	Tag   byte
	Value any
}

// Typed field constructors.
func Bool(v bool) Field       { return Field{Tag: TagBool, Value: v} }
func Int16(v int16) Field     { return Field{Tag: TagInt16, Value: v} }
func Int32(v int32) Field     { return Field{Tag: TagInt32, Value: v} }
func Int64(v int64) Field     { return Field{Tag: TagInt64, Value: v} }
func Float32(v float32) Field { return Field{Tag: TagFloat32, Value: v} }
func Float64(v float64) Field { return Field{Tag: TagFloat64, Value: v} }
func String(v string) Field   { return Field{Tag: TagString, Value: v} }
func Bytes(v []byte) Field    { return Field{Tag: TagBytes, Value: v} }

// Message is a decoded logical message body: the typed header records plus
// the opaque payload.
type Message struct {
	Fields  []Field
	Payload []byte
}

// EncodeTo appends the message's wire form to an output stream. String and
// byte records longer than math.MaxUint32 cannot be represented and panic,
// as do fields carrying a value of the wrong type.
func (m *Message) EncodeTo(s *buffer.OutputStream) {
	for _, f := range m.Fields {
		_ = s.WriteByte(f.Tag)
		switch f.Tag {
		case TagBool:
			s.WriteBool(f.Value.(bool))
		case TagInt16:
			s.WriteInt16(f.Value.(int16))
		case TagInt32:
			s.WriteInt32(f.Value.(int32))
		case TagInt64:
			s.WriteInt64(f.Value.(int64))
		case TagFloat32:
			s.WriteFloat32(f.Value.(float32))
		case TagFloat64:
			s.WriteFloat64(f.Value.(float64))
		case TagString:
			writeSized(s, []byte(f.Value.(string)))
		case TagBytes:
			writeSized(s, f.Value.([]byte))
		default:
			panic(fmt.Sprintf("protocol: field with unknown tag 0x%02x", f.Tag))
		}
	}
	_ = s.WriteByte(TagEnd)
	writeSized(s, m.Payload)
}

// Encode frames the message body into s and returns the resulting chain.
// A nil s encodes into a fresh default-sized stream. The caller owns the
// returned blocks.
func (m *Message) Encode(s *buffer.OutputStream) buffer.Chain {
	if s == nil {
		s = buffer.NewOutputStream()
	}
	m.EncodeTo(s)
	return s.ToChain()
}

func writeSized(s *buffer.OutputStream, p []byte) {
	if uint64(len(p)) > math.MaxUint32 {
		panic(fmt.Sprintf("protocol: sized record of %d bytes overflows length field", len(p)))
	}
	s.WriteInt32(int32(uint32(len(p))))
	_, _ = s.Write(p)
}

// DecodeMessage parses a message body from r. A truncated body or an
// unknown tag is a protocol fault.
func DecodeMessage(r *buffer.ChainReader) (*Message, error) {
	m := &Message{}
	for {
		tag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated message header", api.ErrProtocolFault)
		}
		if tag == TagEnd {
			break
		}
		f, err := decodeField(r, tag)
		if err != nil {
			return nil, err
		}
		m.Fields = append(m.Fields, f)
	}
	payload, err := readSized(r)
	if err != nil {
		return nil, fmt.Errorf("%w: truncated message payload", api.ErrProtocolFault)
	}
	m.Payload = payload
	return m, nil
}

func decodeField(r *buffer.ChainReader, tag byte) (Field, error) {
	var (
		f   = Field{Tag: tag}
		err error
	)
	switch tag {
	case TagBool:
		f.Value, err = r.ReadBool()
	case TagInt16:
		f.Value, err = r.ReadInt16()
	case TagInt32:
		f.Value, err = r.ReadInt32()
	case TagInt64:
		f.Value, err = r.ReadInt64()
	case TagFloat32:
		f.Value, err = r.ReadFloat32()
	case TagFloat64:
		f.Value, err = r.ReadFloat64()
	case TagString:
		var p []byte
		if p, err = readSized(r); err == nil {
			f.Value = string(p)
		}
	case TagBytes:
		f.Value, err = readSized(r)
	default:
		return Field{}, fmt.Errorf("%w: unknown record tag 0x%02x", api.ErrProtocolFault, tag)
	}
	if err != nil {
		return Field{}, fmt.Errorf("%w: truncated record 0x%02x", api.ErrProtocolFault, tag)
	}
	return f, nil
}

func readSized(r *buffer.ChainReader) ([]byte, error) {
	n, err := r.ReadInt32()
	if err != nil {
		return nil, err
	}
	size := int(uint32(n))
	if size > r.Remaining() {
		return nil, fmt.Errorf("%w: sized record of %d bytes exceeds remaining %d",
			api.ErrProtocolFault, size, r.Remaining())
	}
	p := make([]byte, size)
	if err := r.ReadFull(p); err != nil {
		return nil, err
	}
	return p, nil
}
