// File: buffer/chain.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package buffer

// Chain is an ordered sequence of blocks representing one contiguous byte
// sequence, typically the body of a single logical message. All blocks in a
// chain are expected to be in read mode.
type Chain []*Block

// Remaining returns the total number of unconsumed bytes across the chain.
func (c Chain) Remaining() int {
	n := 0
	for _, b := range c {
		n += b.Remaining()
	}
	return n
}

// Views returns the non-empty readable windows of the chain, in order.
// Suitable for scatter-gather writes.
func (c Chain) Views() [][]byte {
	out := make([][]byte, 0, len(c))
	for _, b := range c {
		if b.HasRemaining() {
			out = append(out, b.Bytes())
		}
	}
	return out
}

// Bytes flattens the chain's remaining bytes into one freshly allocated
// slice. Intended for tests and diagnostics, not the data path.
func (c Chain) Bytes() []byte {
	out := make([]byte, 0, c.Remaining())
	for _, b := range c {
		out = append(out, b.Bytes()...)
	}
	return out
}

// Window returns a view chain over [off, off+n) of the chain's remaining
// bytes. The views share memory with the parent blocks and carry no release
// hooks.
func (c Chain) Window(off, n int) Chain {
	if off < 0 || n < 0 || off+n > c.Remaining() {
		panic("buffer: chain window out of range")
	}
	out := make(Chain, 0, len(c))
	for _, b := range c {
		if n == 0 {
			break
		}
		rem := b.Remaining()
		if off >= rem {
			off -= rem
			continue
		}
		take := rem - off
		if take > n {
			take = n
		}
		out = append(out, b.Slice(b.Position()+off, take))
		n -= take
		off = 0
	}
	return out
}

// Advance consumes n readable bytes from the front of the chain, moving
// each block's position forward in order. Panics if n exceeds Remaining.
func (c Chain) Advance(n int) {
	if n > c.Remaining() {
		panic("buffer: chain advance past remaining")
	}
	for _, b := range c {
		if n == 0 {
			return
		}
		step := b.Remaining()
		if step > n {
			step = n
		}
		b.Advance(step)
		n -= step
	}
}

// Release returns every block in the chain to its pool.
func (c Chain) Release() {
	for _, b := range c {
		b.Release()
	}
}
