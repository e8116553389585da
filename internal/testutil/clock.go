package testutil

import (
	"strconv"
	"sync"
	"time"
)

// Epoch is the fixed start time stamped on runs recorded by tests, so that
// journals written twice compare equal.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// DeterministicClock is a resettable logical counter that also mints
// pending keys, so it can stand in for engine.ClockKeys.
//
// Unlike engine.Clock it can be reset, which lets one scenario run several
// times with identical keys.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu     sync.Mutex
	seq    int64
	prefix string
}

// NewDeterministicClock creates a clock starting at 0 whose keys are
// "pending-1", "pending-2", ...
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{prefix: "pending-"}
}

// Next increments and returns the next sequence number. The first call
// returns 1.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current sequence number without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// NextKey implements engine.KeyGenerator.
func (c *DeterministicClock) NextKey() string {
	return c.prefix + strconv.FormatInt(c.Next(), 10)
}

// Reset resets the clock to 0.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}
