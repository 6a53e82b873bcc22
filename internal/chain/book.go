package chain

import (
	"time"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

// Book maintains the current option chain for one index and expiry.
// It has a single writer: the tick-consuming loop calls ApplyTick and
// Snapshot; nothing else mutates it, so no locking is needed here.
type Book struct {
	index     models.Index
	expiry    time.Time
	spotToken string
	rate      float64

	spot      float64
	spotAsOf  time.Time
	contracts map[string]models.OptionContract // token -> contract
	entries   map[models.ChainKey]models.ChainEntry
	ivRank    *IVRankTracker
}

// NewBook creates a chain book for the given index and expiry. spotToken
// is the feed token of the index itself; rate is the annualized
// risk-free rate used for Greeks.
func NewBook(index models.Index, expiry time.Time, spotToken string, rate float64) *Book {
	return &Book{
		index:     index,
		expiry:    expiry,
		spotToken: spotToken,
		rate:      rate,
		contracts: make(map[string]models.OptionContract),
		entries:   make(map[models.ChainKey]models.ChainEntry),
		ivRank:    NewIVRankTracker(ivRankWindow),
	}
}

// Register makes a contract known to the book so its ticks can be keyed
// by (strike, type).
func (b *Book) Register(c models.OptionContract) {
	b.contracts[c.Token] = c
}

// Registered reports whether the token belongs to a registered contract
// or the index spot.
func (b *Book) Registered(token string) bool {
	if token == b.spotToken {
		return true
	}
	_, ok := b.contracts[token]
	return ok
}

// Spot returns the last known index level and whether one has been seen.
func (b *Book) Spot() (float64, bool) {
	return b.spot, !b.spotAsOf.IsZero()
}

// ApplyTick folds one tick into the chain. Ticks older than the entry's
// last update are dropped, keeping per-key update times monotonic
// non-decreasing. Entries at or past expiry are frozen.
func (b *Book) ApplyTick(tick models.Tick) {
	if tick.Token == b.spotToken {
		if tick.Timestamp.Before(b.spotAsOf) {
			return
		}
		b.spot = tick.LTP
		b.spotAsOf = tick.Timestamp
		return
	}

	contract, ok := b.contracts[tick.Token]
	if !ok {
		return
	}

	key := models.ChainKey{Strike: contract.Strike, Type: contract.OptionType}
	prev, exists := b.entries[key]
	if exists {
		if prev.Expired {
			return
		}
		if tick.Timestamp.Before(prev.LastUpdate) {
			return
		}
	}

	entry := models.ChainEntry{
		Contract:   contract,
		Price:      tick.LTP,
		BidPrice:   tick.BidPrice,
		AskPrice:   tick.AskPrice,
		Volume:     tick.Volume,
		LastUpdate: tick.Timestamp,
	}

	if !tick.Timestamp.Before(b.expiry) {
		// Keep the last computed Greeks; only the price updates stop.
		entry.IV = prev.IV
		entry.Greeks = prev.Greeks
		entry.Expired = true
		b.entries[key] = entry
		return
	}

	if b.spot > 0 {
		tYears := b.expiry.Sub(tick.Timestamp).Hours() / 24 / 365
		entry.IV = ImpliedVol(contract.OptionType, tick.LTP, b.spot, float64(contract.Strike), b.rate, tYears)
		if entry.IV > 0 {
			entry.Greeks = Greeks(contract.OptionType, b.spot, float64(contract.Strike), b.rate, entry.IV, tYears)
		} else if exists {
			entry.Greeks = prev.Greeks
			entry.IV = prev.IV
		}
	}

	b.entries[key] = entry
	b.observeATMIV(tick.Timestamp)
}

// observeATMIV records the straddle IV nearest the money for IV rank.
func (b *Book) observeATMIV(now time.Time) {
	if b.spot <= 0 {
		return
	}
	step := b.index.StrikeStep()
	atm := int(b.spot/float64(step)+0.5) * step

	ce, okCE := b.entries[models.ChainKey{Strike: atm, Type: models.OptionCall}]
	pe, okPE := b.entries[models.ChainKey{Strike: atm, Type: models.OptionPut}]
	if !okCE || !okPE || ce.IV <= 0 || pe.IV <= 0 {
		return
	}
	b.ivRank.Observe((ce.IV+pe.IV)/2, now)
}

// Snapshot returns an immutable copy of the chain for evaluation. The
// entries map is copied so later ApplyTick calls cannot race readers.
func (b *Book) Snapshot(asOf time.Time) *models.OptionChainSnapshot {
	entries := make(map[models.ChainKey]models.ChainEntry, len(b.entries))
	for k, v := range b.entries {
		entries[k] = v
	}

	return &models.OptionChainSnapshot{
		Index:     b.index,
		SpotPrice: b.spot,
		Expiry:    b.expiry,
		IVRank:    b.ivRank.Rank(),
		AsOf:      asOf,
		Entries:   entries,
	}
}

// Entry returns the current entry for a strike and type.
func (b *Book) Entry(strike int, typ models.OptionType) (models.ChainEntry, bool) {
	e, ok := b.entries[models.ChainKey{Strike: strike, Type: typ}]
	return e, ok
}
