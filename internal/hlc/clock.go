// Package hlc implements the hybrid logical clock used to order every
// event the sync engine produces or observes. A Clock is a
// process-wide singleton: one value per client, advanced on every
// local write (Tick) and on receipt of every remote entry (TickPast).
package hlc

import (
	"fmt"
	"sync"
	"time"

	"github.com/rachitkumar205/syncengine/internal/syncerr"
)

const (
	// DefaultMaxDrift bounds how far a physical time (local or
	// remote) may run ahead of this process's system clock before an
	// operation is refused.
	DefaultMaxDrift = 60 * time.Second
	// DefaultMaxCounter is the largest logical counter value the
	// clock will hand out within a single millisecond.
	DefaultMaxCounter uint16 = 65535
)

// Time is an HLC value: physical milliseconds since the Unix epoch, a
// bounded logical counter, and the node that produced it.
type Time struct {
	Millis  int64
	Counter uint16
	Node    string
}

// Compare returns -1, 0 or 1 as t is less than, equal to, or greater
// than other, using the tuple order (Millis, Counter, Node).
func (t Time) Compare(other Time) int {
	if t.Millis != other.Millis {
		if t.Millis < other.Millis {
			return -1
		}
		return 1
	}
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	switch {
	case t.Node < other.Node:
		return -1
	case t.Node > other.Node:
		return 1
	default:
		return 0
	}
}

// Before reports whether t sorts strictly before other.
func (t Time) Before(other Time) bool { return t.Compare(other) < 0 }

// After reports whether t sorts strictly after other.
func (t Time) After(other Time) bool { return t.Compare(other) > 0 }

// Equal reports whether t and other carry the same tuple.
func (t Time) Equal(other Time) bool { return t.Compare(other) == 0 }

// IsZero reports whether t is the zero value.
func (t Time) IsZero() bool { return t.Millis == 0 && t.Counter == 0 && t.Node == "" }

type clockState int

const (
	stateUninitialized clockState = iota
	stateInitialized
)

// Clock is a mutex-guarded hybrid logical clock singleton. The zero
// value is not usable; construct with NewClock and call Init before
// any Tick/TickPast/Time call.
type Clock struct {
	mu sync.Mutex

	state   clockState
	current Time

	nodeID     string
	maxDrift   time.Duration
	maxCounter uint16

	// nowMillis returns the local system time in unix milliseconds.
	// Overridden in tests to simulate drift and clock skew scenarios
	// without sleeping.
	nowMillis func() int64
}

// NewClock builds an uninitialized clock for nodeID. maxDrift and
// maxCounter of zero fall back to the package defaults.
func NewClock(nodeID string, maxDrift time.Duration, maxCounter uint16) *Clock {
	if maxDrift <= 0 {
		maxDrift = DefaultMaxDrift
	}
	if maxCounter == 0 {
		maxCounter = DefaultMaxCounter
	}
	return &Clock{
		nodeID:     nodeID,
		maxDrift:   maxDrift,
		maxCounter: maxCounter,
		nowMillis:  func() int64 { return time.Now().UnixMilli() },
	}
}

// Init transitions the clock Uninitialized -> Initialized, seeding it
// at (millis=0, counter=0, node=nodeID) per the engine's startup rule.
// It is a one-way transition; calling Init twice is a no-op.
func (c *Clock) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateInitialized {
		return
	}
	c.current = Time{Millis: 0, Counter: 0, Node: c.nodeID}
	c.state = stateInitialized
}

func (c *Clock) requireInitialized() error {
	if c.state != stateInitialized {
		return syncerr.ClockNotInitialized
	}
	return nil
}

// Time returns the current HLC value.
func (c *Clock) Time() (Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireInitialized(); err != nil {
		return Time{}, err
	}
	return c.current, nil
}

// SetTime overwrites the current HLC value, e.g. when restoring
// persisted clock state on startup. It also marks the clock
// Initialized, since a persisted value implies a prior Init.
func (c *Clock) SetTime(t Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
	c.state = stateInitialized
}

func (c *Clock) driftMillis() int64 { return c.maxDrift.Milliseconds() }

// Tick advances the clock for a local event and returns the new HLC
// value. It fails with ClockDrift if the local HLC's physical time is
// already more than maxDrift ahead of the system clock (the local
// clock has fallen behind its own HLC), and with CounterOverflow if
// the logical counter would exceed maxCounter within one millisecond.
func (c *Clock) Tick() (Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireInitialized(); err != nil {
		return Time{}, err
	}

	sys := c.nowMillis()
	m, cnt := c.current.Millis, c.current.Counter

	if m-sys > c.driftMillis() {
		return Time{}, fmt.Errorf("local hlc %dms ahead of system clock by more than %v: %w",
			m-sys, c.maxDrift, syncerr.ClockDrift)
	}

	newMillis := m
	if sys > m {
		newMillis = sys
	}

	newCounter32 := 0
	if newMillis == m {
		newCounter32 = int(cnt) + 1
	}
	if newCounter32 > int(c.maxCounter) {
		return Time{}, fmt.Errorf("counter %d exceeds max %d: %w", newCounter32, c.maxCounter, syncerr.CounterOverflow)
	}

	c.current = Time{Millis: newMillis, Counter: uint16(newCounter32), Node: c.nodeID}
	return c.current, nil
}

// TickPast advances the clock on receipt of a remote HLC value. It
// fails with DuplicateNode if other was produced by this node, and
// with ClockDrift if either other's or the local HLC's physical time
// is more than maxDrift ahead of the system clock.
func (c *Clock) TickPast(other Time) (Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireInitialized(); err != nil {
		return Time{}, err
	}
	if other.Node == c.current.Node {
		return Time{}, fmt.Errorf("remote node %q: %w", other.Node, syncerr.DuplicateNode)
	}

	sys := c.nowMillis()
	m, cnt := c.current.Millis, c.current.Counter

	if other.Millis-sys > c.driftMillis() {
		return Time{}, fmt.Errorf("remote hlc %dms ahead of system clock by more than %v: %w",
			other.Millis-sys, c.maxDrift, syncerr.ClockDrift)
	}
	if m-sys > c.driftMillis() {
		return Time{}, fmt.Errorf("local hlc %dms ahead of system clock by more than %v: %w",
			m-sys, c.maxDrift, syncerr.ClockDrift)
	}

	newMillis := m
	if sys > newMillis {
		newMillis = sys
	}
	if other.Millis > newMillis {
		newMillis = other.Millis
	}

	var newCounter32 int
	switch {
	case newMillis == m && newMillis == other.Millis:
		if cnt > other.Counter {
			newCounter32 = int(cnt) + 1
		} else {
			newCounter32 = int(other.Counter) + 1
		}
	case newMillis == m:
		newCounter32 = int(cnt) + 1
	case newMillis == other.Millis:
		newCounter32 = int(other.Counter) + 1
	default:
		newCounter32 = 0
	}
	if newCounter32 > int(c.maxCounter) {
		return Time{}, fmt.Errorf("counter %d exceeds max %d: %w", newCounter32, c.maxCounter, syncerr.CounterOverflow)
	}

	c.current = Time{Millis: newMillis, Counter: uint16(newCounter32), Node: c.nodeID}
	return c.current, nil
}
