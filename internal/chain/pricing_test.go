package chain

import (
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

const testRate = 0.065

func TestPrice_KnownValues(t *testing.T) {
	// Standard Black-Scholes reference: S=100, K=100, r=5%, sigma=20%,
	// T=0.5y.
	call := Price(models.OptionCall, 100, 100, 0.05, 0.20, 0.5)
	put := Price(models.OptionPut, 100, 100, 0.05, 0.20, 0.5)

	assert.InDelta(t, 6.8887, call, 0.01)
	assert.InDelta(t, 4.4197, put, 0.01)
}

func TestPrice_ExpiredReturnsIntrinsic(t *testing.T) {
	assert.Equal(t, 150.0, Price(models.OptionCall, 22150, 22000, testRate, 0.15, 0))
	assert.Equal(t, 0.0, Price(models.OptionCall, 21900, 22000, testRate, 0.15, 0))
	assert.Equal(t, 100.0, Price(models.OptionPut, 21900, 22000, testRate, 0.15, -0.01))
}

func TestGreeks_ATMCallDeltaNearHalf(t *testing.T) {
	g := Greeks(models.OptionCall, 22000, 22000, testRate, 0.14, 7.0/365)
	assert.InDelta(t, 0.5, g.Delta, 0.1)
	assert.Greater(t, g.Gamma, 0.0)
	assert.Greater(t, g.Vega, 0.0)
	assert.Less(t, g.Theta, 0.0)
}

func TestGreeks_ExpiredCollapsesDelta(t *testing.T) {
	itm := Greeks(models.OptionCall, 22100, 22000, testRate, 0.14, 0)
	otm := Greeks(models.OptionCall, 21900, 22000, testRate, 0.14, 0)
	put := Greeks(models.OptionPut, 21900, 22000, testRate, 0.14, 0)

	assert.Equal(t, 1.0, itm.Delta)
	assert.Equal(t, 0.0, otm.Delta)
	assert.Equal(t, -1.0, put.Delta)
}

func TestImpliedVol_BelowIntrinsicReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, ImpliedVol(models.OptionCall, 140, 22150, 22000, testRate, 7.0/365))
	assert.Equal(t, 0.0, ImpliedVol(models.OptionCall, 0, 22000, 22000, testRate, 7.0/365))
}

// Property: pricing an option at a known vol and inverting the price
// recovers that vol.
func TestProperty_ImpliedVolRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	spotGen := gen.Float64Range(18000, 28000)
	moneynessGen := gen.Float64Range(0.96, 1.04)
	sigmaGen := gen.Float64Range(0.08, 0.60)
	tYearsGen := gen.Float64Range(0.02, 0.30)

	properties.Property("price then invert recovers sigma", prop.ForAll(
		func(spot, moneyness, sigma, tYears float64) bool {
			strike := spot * moneyness
			for _, typ := range []models.OptionType{models.OptionCall, models.OptionPut} {
				price := Price(typ, spot, strike, testRate, sigma, tYears)
				if price <= intrinsic(typ, spot, strike)+0.01 {
					continue // no time value to invert
				}
				iv := ImpliedVol(typ, price, spot, strike, testRate, tYears)
				if math.Abs(iv-sigma) > 0.01 {
					t.Logf("FAILED: %s spot=%.2f strike=%.2f sigma=%.4f t=%.4f -> iv=%.4f",
						typ, spot, strike, sigma, tYears, iv)
					return false
				}
			}
			return true
		},
		spotGen, moneynessGen, sigmaGen, tYearsGen,
	))

	properties.TestingRun(t)
}

// Property: delta stays inside its theoretical bounds and second-order
// Greeks are non-negative.
func TestProperty_GreekBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("delta bounded, gamma and vega non-negative", prop.ForAll(
		func(spot, moneyness, sigma, tYears float64) bool {
			strike := spot * moneyness

			call := Greeks(models.OptionCall, spot, strike, testRate, sigma, tYears)
			if call.Delta < 0 || call.Delta > 1 {
				return false
			}
			put := Greeks(models.OptionPut, spot, strike, testRate, sigma, tYears)
			if put.Delta < -1 || put.Delta > 0 {
				return false
			}
			return call.Gamma >= 0 && call.Vega >= 0 && put.Gamma >= 0 && put.Vega >= 0
		},
		gen.Float64Range(18000, 28000),
		gen.Float64Range(0.90, 1.10),
		gen.Float64Range(0.05, 1.0),
		gen.Float64Range(0.005, 0.5),
	))

	properties.TestingRun(t)
}

// Property: put-call parity holds for every priced pair.
func TestProperty_PutCallParity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("C - P = S - K*exp(-rT)", prop.ForAll(
		func(spot, moneyness, sigma, tYears float64) bool {
			strike := spot * moneyness
			call := Price(models.OptionCall, spot, strike, testRate, sigma, tYears)
			put := Price(models.OptionPut, spot, strike, testRate, sigma, tYears)
			forward := spot - strike*math.Exp(-testRate*tYears)
			return math.Abs((call-put)-forward) < 1e-6
		},
		gen.Float64Range(18000, 28000),
		gen.Float64Range(0.95, 1.05),
		gen.Float64Range(0.08, 0.60),
		gen.Float64Range(0.01, 0.30),
	))

	properties.TestingRun(t)
}
