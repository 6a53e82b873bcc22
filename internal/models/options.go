package models

import "time"

// OptionGreeks represents option price sensitivities.
type OptionGreeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// ChainKey identifies a single (strike, type) entry in an option chain.
type ChainKey struct {
	Strike int
	Type   OptionType
}

// ChainEntry is the current view of one option contract in the chain.
// An absent entry means "unknown", never zero.
type ChainEntry struct {
	Contract   OptionContract
	Price      float64
	BidPrice   float64
	AskPrice   float64
	Volume     int64
	IV         float64
	Greeks     OptionGreeks
	Expired    bool
	LastUpdate time.Time
}

// OptionChainSnapshot is an immutable view of the chain at one point in
// time, handed to strategy and risk evaluation.
type OptionChainSnapshot struct {
	Index     Index
	SpotPrice float64
	Expiry    time.Time
	IVRank    float64
	AsOf      time.Time
	Entries   map[ChainKey]ChainEntry
}

// Entry returns the chain entry for a strike and type, reporting absence
// explicitly so callers never mistake a missing quote for zero.
func (s *OptionChainSnapshot) Entry(strike int, typ OptionType) (ChainEntry, bool) {
	e, ok := s.Entries[ChainKey{Strike: strike, Type: typ}]
	return e, ok
}

// DaysToExpiry returns calendar days remaining until expiry as of the
// snapshot time.
func (s *OptionChainSnapshot) DaysToExpiry() float64 {
	return s.Expiry.Sub(s.AsOf).Hours() / 24
}
