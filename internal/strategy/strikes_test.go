package strategy

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/config"
	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

func deltaSnap(spot float64, callDeltas, putDeltas map[int]float64) *models.OptionChainSnapshot {
	entries := make(map[models.ChainKey]models.ChainEntry)
	for strike, delta := range callDeltas {
		entries[models.ChainKey{Strike: strike, Type: models.OptionCall}] = models.ChainEntry{
			Contract: models.OptionContract{Strike: strike, OptionType: models.OptionCall},
			Price:    50,
			IV:       0.14,
			Greeks:   models.OptionGreeks{Delta: delta},
		}
	}
	for strike, delta := range putDeltas {
		entries[models.ChainKey{Strike: strike, Type: models.OptionPut}] = models.ChainEntry{
			Contract: models.OptionContract{Strike: strike, OptionType: models.OptionPut},
			Price:    50,
			IV:       0.14,
			Greeks:   models.OptionGreeks{Delta: -delta},
		}
	}
	return &models.OptionChainSnapshot{
		Index:     models.IndexNifty,
		SpotPrice: spot,
		Expiry:    time.Now().Add(48 * time.Hour),
		Entries:   entries,
	}
}

func TestSelectStrikes_OffsetMode(t *testing.T) {
	cfg := config.StrategyConfig{
		StrikeMode:     "offset",
		OffsetPoints:   300,
		WingWidthSteps: 4,
	}
	snap := deltaSnap(22014, nil, nil)

	strikes, err := SelectStrikes(snap, cfg)
	require.NoError(t, err)

	assert.Equal(t, 22350, strikes.ShortCall) // ceil(22014) = 22050, +300
	assert.Equal(t, 22550, strikes.LongCall)
	assert.Equal(t, 21700, strikes.ShortPut) // floor(22014) = 22000, -300
	assert.Equal(t, 21500, strikes.LongPut)
}

func TestSelectStrikes_DeltaMode(t *testing.T) {
	cfg := config.StrategyConfig{
		StrikeMode:       "delta",
		ShortDeltaTarget: 0.20,
		ShortDeltaBand:   0.10,
		WingWidthSteps:   4,
	}
	snap := deltaSnap(22000,
		map[int]float64{22100: 0.45, 22200: 0.30, 22300: 0.19, 22400: 0.12},
		map[int]float64{21900: 0.45, 21800: 0.30, 21700: 0.19, 21600: 0.12},
	)

	strikes, err := SelectStrikes(snap, cfg)
	require.NoError(t, err)

	assert.Equal(t, 22300, strikes.ShortCall)
	assert.Equal(t, 22500, strikes.LongCall)
	assert.Equal(t, 21700, strikes.ShortPut)
	assert.Equal(t, 21500, strikes.LongPut)
}

func TestSelectStrikes_DeltaModeIgnoresITM(t *testing.T) {
	cfg := config.StrategyConfig{
		StrikeMode:       "delta",
		ShortDeltaTarget: 0.50,
		ShortDeltaBand:   0.45,
		WingWidthSteps:   2,
	}
	// The ITM call at 21900 has the closest delta to target but must
	// not be chosen.
	snap := deltaSnap(22000,
		map[int]float64{21900: 0.55, 22100: 0.40},
		map[int]float64{22100: 0.55, 21900: 0.40},
	)

	strikes, err := SelectStrikes(snap, cfg)
	require.NoError(t, err)
	assert.Equal(t, 22100, strikes.ShortCall)
	assert.Equal(t, 21900, strikes.ShortPut)
}

func TestSelectStrikes_NoDeltaMatch(t *testing.T) {
	cfg := config.StrategyConfig{
		StrikeMode:       "delta",
		ShortDeltaTarget: 0.20,
		ShortDeltaBand:   0.02,
		WingWidthSteps:   4,
	}
	snap := deltaSnap(22000, map[int]float64{22100: 0.45}, map[int]float64{21900: 0.45})

	_, err := SelectStrikes(snap, cfg)
	assert.Error(t, err)
}

func TestSelectStrikes_DegenerateCondor(t *testing.T) {
	cfg := config.StrategyConfig{
		StrikeMode:     "offset",
		OffsetPoints:   0,
		WingWidthSteps: 4,
	}
	// Spot exactly on a step with zero offset puts both shorts at the
	// same strike.
	snap := deltaSnap(22000, nil, nil)

	_, err := SelectStrikes(snap, cfg)
	assert.Error(t, err)
}

// Property: offset-mode strikes are always step-aligned, strictly
// ordered and symmetric about spot by at least the offset.
func TestProperty_OffsetStrikesOrdered(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("strikes ordered and step aligned", prop.ForAll(
		func(spot float64, offsetSteps, wingSteps int) bool {
			cfg := config.StrategyConfig{
				StrikeMode:     "offset",
				OffsetPoints:   offsetSteps * 50,
				WingWidthSteps: wingSteps,
			}
			snap := deltaSnap(spot, nil, nil)

			strikes, err := SelectStrikes(snap, cfg)
			if err != nil {
				return false
			}

			for _, s := range []int{strikes.LongPut, strikes.ShortPut, strikes.ShortCall, strikes.LongCall} {
				if s%50 != 0 {
					return false
				}
			}
			ordered := strikes.LongPut < strikes.ShortPut &&
				strikes.ShortPut < strikes.ShortCall &&
				strikes.ShortCall < strikes.LongCall
			wide := float64(strikes.ShortCall) >= spot+float64(cfg.OffsetPoints) &&
				float64(strikes.ShortPut) <= spot-float64(cfg.OffsetPoints)
			return ordered && wide
		},
		gen.Float64Range(18000, 28000),
		gen.IntRange(1, 10),
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

func TestCeilFloorToStep(t *testing.T) {
	assert.Equal(t, 22050, CeilToStep(22014, 50))
	assert.Equal(t, 22000, CeilToStep(22000, 50))
	assert.Equal(t, 22000, FloorToStep(22014, 50))
	assert.Equal(t, 22000, FloorToStep(22000, 50))
}

func TestATMStrike(t *testing.T) {
	// Quarter rule on the trailing hundred for 50-point steps.
	assert.Equal(t, 22000, ATMStrike(22012, 50))
	assert.Equal(t, 22050, ATMStrike(22030, 50))
	assert.Equal(t, 22050, ATMStrike(22075, 50))
	assert.Equal(t, 22100, ATMStrike(22080, 50))

	// 100-point steps round to nearest.
	assert.Equal(t, 81000, ATMStrike(81049, 100))
	assert.Equal(t, 81100, ATMStrike(81051, 100))
}
