// File: pool/pool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide cache of fixed-size blocks whose lifetime crosses the
// kernel I/O boundary. The free list is LIFO: the most recently released
// block is the warmest and is handed out first.

package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/buffer"
)

// DefaultBlockSize is the capacity of pooled blocks when none is configured.
const DefaultBlockSize = 4096

// Stats is a point-in-time snapshot of a pool's accounting.
type Stats struct {
	// Cached is the number of idle blocks ready to hand out.
	Cached int
	// Referenced is the number of blocks outstanding to callers.
	Referenced int
}

// BlockPool supplies and recycles fixed-size blocks. Safe for concurrent
// use from arbitrary goroutines.
type BlockPool struct {
	blockSize int
	cap       int

	mu     sync.Mutex
	free   []*buffer.Block
	closed bool

	referenced atomic.Int64
}

// NewBlockPool creates a pool of blockSize-byte blocks caching at most cap
// idle blocks. The cap also bounds TryAcquire: once cap blocks are
// outstanding, TryAcquire reports exhaustion.
func NewBlockPool(blockSize, cap int) *BlockPool {
	if blockSize < 1 {
		panic(fmt.Sprintf("pool: block size %d < 1", blockSize))
	}
	if cap < 1 {
		panic(fmt.Sprintf("pool: cap %d < 1", cap))
	}
	return &BlockPool{blockSize: blockSize, cap: cap}
}

// BlockSize returns the capacity of blocks this pool hands out.
func (p *BlockPool) BlockSize() int { return p.blockSize }

// Acquire returns a writable block with position 0 and limit equal to
// capacity. Acquire does not fail: when the free list is empty a fresh
// block is allocated, beyond the cap if necessary.
func (p *BlockPool) Acquire() *buffer.Block {
	p.mu.Lock()
	var blk *buffer.Block
	if n := len(p.free); n > 0 {
		blk = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if blk == nil {
		blk = buffer.NewManagedBlock(p.blockSize, p.reclaim)
	}
	p.referenced.Add(1)
	return blk
}

// TryAcquire returns a block only while the pool has headroom. It fails
// with api.ErrPoolExhausted once cap blocks are outstanding, which the read
// path uses to apply back-pressure, and with api.ErrPoolClosed after Close.
func (p *BlockPool) TryAcquire() (*buffer.Block, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, api.ErrPoolClosed
	}
	if int(p.referenced.Load()) >= p.cap {
		return nil, api.ErrPoolExhausted
	}
	return p.Acquire(), nil
}

// reclaim is the release hook carried by every block this pool creates.
func (p *BlockPool) reclaim(blk *buffer.Block) {
	p.referenced.Add(-1)
	blk.Clear()
	p.mu.Lock()
	if !p.closed && len(p.free) < p.cap {
		p.free = append(p.free, blk)
	}
	p.mu.Unlock()
}

// Stats returns the current accounting counters.
func (p *BlockPool) Stats() Stats {
	p.mu.Lock()
	cached := len(p.free)
	p.mu.Unlock()
	return Stats{Cached: cached, Referenced: int(p.referenced.Load())}
}

// Close drops all cached blocks. Releases past this point discard their
// blocks, and TryAcquire fails. Close is idempotent.
func (p *BlockPool) Close() {
	p.mu.Lock()
	p.free = nil
	p.closed = true
	p.mu.Unlock()
}

// Allocator adapts the pool to the output-stream allocator contract:
// requests matching the pool's block size are served from the pool,
// anything else falls back to an unpooled block.
func (p *BlockPool) Allocator() buffer.Allocator {
	return func(size int) *buffer.Block {
		if size == p.blockSize {
			return p.Acquire()
		}
		return buffer.NewBlock(size)
	}
}
