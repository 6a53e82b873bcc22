package resilience

import (
	"sync"
	"time"
)

// FeedState summarizes the market data connection for consumers.
type FeedState string

const (
	FeedHealthy      FeedState = "HEALTHY"
	FeedStale        FeedState = "STALE"
	FeedDisconnected FeedState = "DISCONNECTED"
)

// FeedHealth is the process-wide connection-health gauge for the market
// data feed. The feed adapter writes it on every tick and on connection
// state changes; the risk manager reads it as a trading-halt signal.
// It is created on Connect and torn down on shutdown, never ambient.
type FeedHealth struct {
	staleAfter time.Duration
	now        func() time.Time

	mu          sync.RWMutex
	connected   bool
	lastTick    time.Time
	reconnects  int
	lastConnect time.Time
}

// NewFeedHealth creates a gauge that reports STALE when no tick has been
// seen for staleAfter.
func NewFeedHealth(staleAfter time.Duration) *FeedHealth {
	return &FeedHealth{
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetClock overrides the time source for deterministic tests and
// backtests running in simulated time.
func (f *FeedHealth) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// MarkConnected records a successful (re)connection.
func (f *FeedHealth) MarkConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		f.reconnects++
	}
	f.connected = true
	f.lastConnect = f.now()
}

// MarkDisconnected records a connection loss.
func (f *FeedHealth) MarkDisconnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

// MarkTick records tick receipt.
func (f *FeedHealth) MarkTick(at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if at.After(f.lastTick) {
		f.lastTick = at
	}
}

// State returns the current feed state.
func (f *FeedHealth) State() FeedState {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.connected {
		return FeedDisconnected
	}
	if f.lastTick.IsZero() || f.now().Sub(f.lastTick) > f.staleAfter {
		return FeedStale
	}
	return FeedHealthy
}

// Tradable reports whether risk-increasing actions (new entries, new
// hedges) are allowed. Existing positions keep being managed regardless.
func (f *FeedHealth) Tradable() bool {
	return f.State() == FeedHealthy
}

// LastTick returns the timestamp of the most recent tick.
func (f *FeedHealth) LastTick() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastTick
}

// Reconnects returns the number of (re)connections seen.
func (f *FeedHealth) Reconnects() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.reconnects
}
