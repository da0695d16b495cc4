package sensor

import (
	"time"

	"k8s.io/utils/clock"
)

const (
	// DefaultWindow is the longest gap between two presses of a double-click
	DefaultWindow = 500 * time.Millisecond

	// seedOffset places the first press of a sensor far enough in the past
	// that it can never complete a double-click
	seedOffset = 10 * time.Second
)

// DoubleClickFunc is called when a sensor is pressed twice within the window
type DoubleClickFunc func(name string, at time.Time)

// Debouncer turns raw boolean sensor events into double-click gestures.
// It is not safe for concurrent use; the server feeds it from its event loop.
type Debouncer struct {
	window        time.Duration
	clock         clock.PassiveClock
	onDoubleClick DoubleClickFunc

	lastPress map[string]time.Time
	stamped   map[string]bool // whether lastPress came from the robot
	active    map[string]bool
}

// NewDebouncer creates a debouncer. A zero window uses DefaultWindow and a
// nil clock uses the real clock.
func NewDebouncer(window time.Duration, clk clock.PassiveClock, onDoubleClick DoubleClickFunc) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Debouncer{
		window:        window,
		clock:         clk,
		onDoubleClick: onDoubleClick,
		lastPress:     make(map[string]time.Time),
		stamped:       make(map[string]bool),
		active:        make(map[string]bool),
	}
}

// Handle records a sensor change at time at and reports whether it completed
// a double-click. A zero at is replaced by the clock's current time.
//
// Robot stamps and local clock readings are never compared: when a sensor
// switches between the two, its history restarts as if it was never seen.
// Only presses move the last-press time, so a third quick press fires again.
func (d *Debouncer) Handle(name string, value bool, at time.Time) bool {
	stamped := !at.IsZero()
	if !stamped {
		at = d.clock.Now()
	}

	d.active[name] = value

	last, seen := d.lastPress[name]
	if seen && d.stamped[name] != stamped {
		seen = false
	}
	d.stamped[name] = stamped
	if !seen {
		last = at.Add(-seedOffset)
		d.lastPress[name] = last
	}

	if !value {
		return false
	}

	fired := at.Sub(last) < d.window
	d.lastPress[name] = at

	if fired && d.onDoubleClick != nil {
		d.onDoubleClick(name, at)
	}
	return fired
}

// IsActive reports whether the sensor's latest value was a press
func (d *Debouncer) IsActive(name string) bool {
	return d.active[name]
}

// Window returns the configured double-click window
func (d *Debouncer) Window() time.Duration {
	return d.window
}
