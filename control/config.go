// File: control/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Immutable tuning knobs for the transport core. A Config is validated
// once when the manager starts and never mutated afterwards.

package control

import (
	"fmt"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/buffer"
	"github.com/momentics/hioload-net/pool"
)

// Config carries the transport core's tunables. Zero-valued fields are
// filled in from DefaultConfig by Normalize.
type Config struct {
	// WorkerCount is the number of I/O worker goroutines. 0 selects a
	// single combined loop handling listeners and connections alike.
	WorkerCount int

	// InitialBlockSize is the first block size of an output stream.
	InitialBlockSize int

	// MaxBlockSize caps output-stream block growth.
	MaxBlockSize int

	// PoolBlockSize is the capacity of pooled I/O blocks.
	PoolBlockSize int

	// BufferPoolCap bounds both the pool's idle cache and the number of
	// outstanding blocks before reads are throttled.
	BufferPoolCap int

	// AcceptBacklog is the listen(2) backlog for listeners.
	AcceptBacklog int

	// ReuseAddr sets SO_REUSEADDR on listener sockets.
	ReuseAddr bool

	// PinWorkers locks each I/O worker to an OS thread and pins it to a
	// CPU, spreading workers across the available cores. Ignored on
	// platforms without affinity support.
	PinWorkers bool

	// CloseTimeout is the default drain bound for graceful closes.
	CloseTimeout time.Duration

	// ConnectTimeout bounds outbound connection establishment. Negative
	// disables the timeout.
	ConnectTimeout time.Duration

	// BufferManagerFactory, when non-nil, wraps every connection's socket
	// I/O in a transform layer such as a TLS record codec.
	BufferManagerFactory api.BufferManagerFactory

	// Logger receives transport lifecycle and I/O logging. Nil selects
	// api.DefaultLogger.
	Logger api.Logger
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		WorkerCount:      0,
		InitialBlockSize: buffer.DefaultInitialBlockSize,
		MaxBlockSize:     buffer.DefaultMaxBlockSize,
		PoolBlockSize:    pool.DefaultBlockSize,
		BufferPoolCap:    1024,
		AcceptBacklog:    128,
		ReuseAddr:        true,
		CloseTimeout:     5 * time.Second,
		ConnectTimeout:   10 * time.Second,
	}
}

// Normalize fills zero-valued fields from the defaults and validates the
// result. The receiver is unchanged.
func (c Config) Normalize() (Config, error) {
	def := DefaultConfig()
	if c.InitialBlockSize == 0 {
		c.InitialBlockSize = def.InitialBlockSize
	}
	if c.MaxBlockSize == 0 {
		c.MaxBlockSize = def.MaxBlockSize
	}
	if c.PoolBlockSize == 0 {
		c.PoolBlockSize = def.PoolBlockSize
	}
	if c.BufferPoolCap == 0 {
		c.BufferPoolCap = def.BufferPoolCap
	}
	if c.AcceptBacklog == 0 {
		c.AcceptBacklog = def.AcceptBacklog
	}
	if c.CloseTimeout == 0 {
		c.CloseTimeout = def.CloseTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.Logger == nil {
		c.Logger = api.DefaultLogger()
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch {
	case c.WorkerCount < 0:
		return fmt.Errorf("control: worker count %d < 0", c.WorkerCount)
	case c.InitialBlockSize < 1:
		return fmt.Errorf("control: initial block size %d < 1", c.InitialBlockSize)
	case c.MaxBlockSize < c.InitialBlockSize:
		return fmt.Errorf("control: max block size %d < initial %d", c.MaxBlockSize, c.InitialBlockSize)
	case c.PoolBlockSize < 1:
		return fmt.Errorf("control: pool block size %d < 1", c.PoolBlockSize)
	case c.BufferPoolCap < 1:
		return fmt.Errorf("control: buffer pool cap %d < 1", c.BufferPoolCap)
	case c.AcceptBacklog < 1:
		return fmt.Errorf("control: accept backlog %d < 1", c.AcceptBacklog)
	case c.CloseTimeout < 0:
		return fmt.Errorf("control: close timeout %v < 0", c.CloseTimeout)
	}
	return nil
}
