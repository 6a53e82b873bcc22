package strategy

import (
	"math"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
	apperrors "github.com/vishalchandrola20/angel-quant-trading-bot/internal/errors"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

// CondorStrikes are the four strikes of one Iron Condor.
type CondorStrikes struct {
	ShortCall int
	LongCall  int
	ShortPut  int
	LongPut   int
}

// SelectStrikes picks the condor strikes from the current snapshot
// using the configured mode: "delta" targets short legs at a delta
// band, "offset" places them a fixed distance from spot.
func SelectStrikes(snap *models.OptionChainSnapshot, cfg config.StrategyConfig) (CondorStrikes, error) {
	step := snap.Index.StrikeStep()
	wing := cfg.WingWidthSteps * step

	var shortCall, shortPut int
	var err error
	if cfg.StrikeMode == "offset" {
		shortCall = CeilToStep(snap.SpotPrice, step) + cfg.OffsetPoints
		shortPut = FloorToStep(snap.SpotPrice, step) - cfg.OffsetPoints
	} else {
		shortCall, err = strikeAtDelta(snap, models.OptionCall, cfg.ShortDeltaTarget, cfg.ShortDeltaBand)
		if err != nil {
			return CondorStrikes{}, err
		}
		shortPut, err = strikeAtDelta(snap, models.OptionPut, cfg.ShortDeltaTarget, cfg.ShortDeltaBand)
		if err != nil {
			return CondorStrikes{}, err
		}
	}

	if shortPut >= shortCall {
		return CondorStrikes{}, apperrors.Wrapf(apperrors.ErrContractNotFound,
			"degenerate condor: short put %d >= short call %d", shortPut, shortCall)
	}

	return CondorStrikes{
		ShortCall: shortCall,
		LongCall:  shortCall + wing,
		ShortPut:  shortPut,
		LongPut:   shortPut - wing,
	}, nil
}

// strikeAtDelta returns the strike whose absolute delta lies within the
// band and closest to the target. Only OTM strikes are considered so a
// wide band never pulls the short leg through the money.
func strikeAtDelta(snap *models.OptionChainSnapshot, typ models.OptionType, target, band float64) (int, error) {
	best := -1
	bestDist := math.MaxFloat64

	for key, entry := range snap.Entries {
		if key.Type != typ || entry.Expired || entry.IV <= 0 {
			continue
		}
		if typ == models.OptionCall && float64(key.Strike) <= snap.SpotPrice {
			continue
		}
		if typ == models.OptionPut && float64(key.Strike) >= snap.SpotPrice {
			continue
		}
		delta := math.Abs(entry.Greeks.Delta)
		if delta < target-band || delta > target+band {
			continue
		}
		if dist := math.Abs(delta - target); dist < bestDist {
			bestDist = dist
			best = key.Strike
		}
	}

	if best < 0 {
		return 0, apperrors.Wrapf(apperrors.ErrContractNotFound,
			"no %s strike with delta in [%.2f, %.2f]", typ, target-band, target+band)
	}
	return best, nil
}

// CeilToStep rounds up to the next strike step.
func CeilToStep(v float64, step int) int {
	return int(math.Ceil(v/float64(step))) * step
}

// FloorToStep rounds down to the previous strike step.
func FloorToStep(v float64, step int) int {
	return int(math.Floor(v/float64(step))) * step
}

// ATMStrike rounds spot to the nearest step using a 25/75 style rule on
// the trailing hundred: below a quarter of the way rounds to the lower
// hundred, past three quarters to the next, otherwise the half step.
func ATMStrike(spot float64, step int) int {
	if step >= 100 {
		return int(math.Round(spot/float64(step))) * step
	}
	spotInt := int(math.Round(spot))
	base := (spotInt / 100) * 100
	switch rem := spotInt % 100; {
	case rem < 25:
		return base
	case rem > 75:
		return base + 100
	default:
		return base + 50
	}
}
