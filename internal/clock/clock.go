// Package clock abstracts the time source used by the live-connection core so
// that heartbeat, idle and typing timers can be driven by virtual time in tests.
package clock

import "time"

// Clock is the time source injected into every timer-driven component.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously during
	// Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker delivers ticks on the returned Ticker's channel every d.
	NewTicker(d time.Duration) Ticker
}

// Timer is a cancellable one-shot handle returned by AfterFunc.
type Timer interface {
	// Stop reports whether the call prevented the timer from firing.
	Stop() bool

	// Reset re-arms the timer to fire d from now. It reports whether the
	// timer was still pending.
	Reset(d time.Duration) bool
}

// Ticker delivers periodic ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time { return t.ticker.C }

func (t *realTicker) Stop() { t.ticker.Stop() }
