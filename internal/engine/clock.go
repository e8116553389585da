package engine

import (
	"strconv"
	"sync/atomic"
)

// Clock is a monotonic logical counter.
//
// The scheduler uses one clock to stamp journal events and another to mint
// pending keys. Values never repeat within a process and are never persisted
// across restarts as identity.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used when appending to an existing journal.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

// KeyGenerator mints pending keys.
//
// Keys are opaque, process-local strings. Implementations must never return
// the same key twice.
type KeyGenerator interface {
	NextKey() string
}

// ClockKeys derives pending keys from a Clock: "pending-1", "pending-2", ...
type ClockKeys struct {
	clock  *Clock
	prefix string
}

// NewClockKeys creates a key generator with the default "pending-" prefix.
func NewClockKeys() *ClockKeys {
	return &ClockKeys{clock: NewClock(), prefix: "pending-"}
}

// NextKey implements KeyGenerator.
func (k *ClockKeys) NextKey() string {
	return k.prefix + strconv.FormatInt(k.clock.Next(), 10)
}
