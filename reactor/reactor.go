// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral readiness notification. A Poller multiplexes many
// non-blocking descriptors onto one waiting goroutine; interest is armed
// and disarmed per descriptor as the owning connection's state changes.

package reactor

// Interest selects which readiness conditions a descriptor is watched for.
type Interest uint32

const (
	// InterestRead arms readable-readiness notification.
	InterestRead Interest = 1 << iota
	// InterestWrite arms writable-readiness notification.
	InterestWrite
)

// Readable reports whether read interest is set.
func (i Interest) Readable() bool { return i&InterestRead != 0 }

// Writable reports whether write interest is set.
func (i Interest) Writable() bool { return i&InterestWrite != 0 }

// Event is one readiness notification delivered by Wait.
type Event struct {
	// FD is the ready descriptor.
	FD int
	// Ready holds the conditions that fired.
	Ready Interest
	// Err is set on error or hang-up conditions. The descriptor's owner
	// should read to collect the pending error and tear down.
	Err bool
}

// Poller waits for readiness on a set of registered descriptors. Add,
// Modify, Remove, and Wakeup are safe to call from any goroutine; Wait is
// owned by a single polling goroutine.
type Poller interface {
	// Add registers fd with the given initial interest.
	Add(fd int, interest Interest) error

	// Modify replaces fd's interest set. Passing 0 keeps the registration
	// but delivers no events until re-armed.
	Modify(fd int, interest Interest) error

	// Remove deregisters fd. The descriptor itself stays open.
	Remove(fd int) error

	// Wait blocks until readiness events arrive or timeoutMs elapses and
	// fills events with what fired. A negative timeout blocks
	// indefinitely. A return of (0, nil) means timeout or wakeup.
	Wait(events []Event, timeoutMs int) (int, error)

	// Wakeup forces a concurrent Wait to return early.
	Wakeup() error

	// Close releases the poller. Outstanding Wait calls fail.
	Close() error
}
