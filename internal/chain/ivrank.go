package chain

import "time"

// ivRankWindow bounds the rolling ATM IV history.
const ivRankWindow = 1024

// minIVObserveGap spaces observations so a burst of ticks does not
// flood the history with near-identical values.
const minIVObserveGap = 30 * time.Second

// IVRankTracker keeps a rolling history of at-the-money IV observations
// and reports the current value's percentile rank against that history.
type IVRankTracker struct {
	window  int
	history []float64
	lastObs time.Time
	current float64
}

// NewIVRankTracker creates a tracker with the given window size.
func NewIVRankTracker(window int) *IVRankTracker {
	if window <= 0 {
		window = ivRankWindow
	}
	return &IVRankTracker{window: window}
}

// Observe records an ATM IV sample.
func (t *IVRankTracker) Observe(iv float64, now time.Time) {
	if iv <= 0 {
		return
	}
	t.current = iv
	if !t.lastObs.IsZero() && now.Sub(t.lastObs) < minIVObserveGap {
		return
	}
	t.lastObs = now
	t.history = append(t.history, iv)
	if len(t.history) > t.window {
		t.history = t.history[len(t.history)-t.window:]
	}
}

// Seed preloads the history, typically from stored candles at startup.
func (t *IVRankTracker) Seed(samples []float64) {
	for _, s := range samples {
		if s > 0 {
			t.history = append(t.history, s)
		}
	}
	if len(t.history) > t.window {
		t.history = t.history[len(t.history)-t.window:]
	}
	if len(t.history) > 0 {
		t.current = t.history[len(t.history)-1]
	}
}

// Rank returns the percentile (0-100) of the current IV versus history.
// With fewer than two samples the rank is 50: no evidence either way.
func (t *IVRankTracker) Rank() float64 {
	if len(t.history) < 2 || t.current <= 0 {
		return 50
	}
	below := 0
	for _, h := range t.history {
		if h < t.current {
			below++
		}
	}
	return float64(below) / float64(len(t.history)) * 100
}
