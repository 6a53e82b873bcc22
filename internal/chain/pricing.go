// Package chain maintains the live option chain and computes pricing and
// Greeks from incoming ticks.
package chain

import (
	"math"

	"github.com/vishalchandrola20/angel-quant-trading-bot/internal/models"
)

// Pricing functions are pure and deterministic for the same inputs, so
// live trading and backtests compute identical Greeks.

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal probability density function.
func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// d1d2 returns the Black-Scholes d1 and d2 terms.
func d1d2(spot, strike, rate, sigma, tYears float64) (float64, float64) {
	d1 := (math.Log(spot/strike) + (rate+sigma*sigma/2)*tYears) / (sigma * math.Sqrt(tYears))
	return d1, d1 - sigma*math.Sqrt(tYears)
}

// Price returns the Black-Scholes price of a European option.
// tYears must be positive; callers freeze entries at expiry instead of
// pricing with t <= 0.
func Price(typ models.OptionType, spot, strike, rate, sigma, tYears float64) float64 {
	if tYears <= 0 || sigma <= 0 || spot <= 0 || strike <= 0 {
		return intrinsic(typ, spot, strike)
	}

	d1, d2 := d1d2(spot, strike, rate, sigma, tYears)
	discount := math.Exp(-rate * tYears)

	if typ == models.OptionCall {
		return spot*normCDF(d1) - strike*discount*normCDF(d2)
	}
	return strike*discount*normCDF(-d2) - spot*normCDF(-d1)
}

func intrinsic(typ models.OptionType, spot, strike float64) float64 {
	if typ == models.OptionCall {
		return math.Max(spot-strike, 0)
	}
	return math.Max(strike-spot, 0)
}

// Greeks returns delta, gamma, theta (per day) and vega (per vol point)
// for a European option.
func Greeks(typ models.OptionType, spot, strike, rate, sigma, tYears float64) models.OptionGreeks {
	if tYears <= 0 || sigma <= 0 || spot <= 0 || strike <= 0 {
		// Expired or degenerate: delta collapses to 0 or ±1.
		var delta float64
		if typ == models.OptionCall && spot > strike {
			delta = 1
		} else if typ == models.OptionPut && spot < strike {
			delta = -1
		}
		return models.OptionGreeks{Delta: delta}
	}

	d1, d2 := d1d2(spot, strike, rate, sigma, tYears)
	discount := math.Exp(-rate * tYears)
	sqrtT := math.Sqrt(tYears)

	g := models.OptionGreeks{
		Gamma: normPDF(d1) / (spot * sigma * sqrtT),
		Vega:  spot * normPDF(d1) * sqrtT / 100,
	}

	commonTheta := -spot * normPDF(d1) * sigma / (2 * sqrtT)
	if typ == models.OptionCall {
		g.Delta = normCDF(d1)
		g.Theta = (commonTheta - rate*strike*discount*normCDF(d2)) / 365
	} else {
		g.Delta = normCDF(d1) - 1
		g.Theta = (commonTheta + rate*strike*discount*normCDF(-d2)) / 365
	}

	return g
}

const (
	ivLow        = 0.005
	ivHigh       = 5.0
	ivTolerance  = 1e-6
	ivMaxBisects = 100
)

// ImpliedVol inverts the Black-Scholes price by bisection. Returns 0 when
// the price is outside the attainable range (e.g. below intrinsic value).
func ImpliedVol(typ models.OptionType, price, spot, strike, rate, tYears float64) float64 {
	if tYears <= 0 || price <= 0 || spot <= 0 || strike <= 0 {
		return 0
	}
	if price <= intrinsic(typ, spot, strike) {
		return 0
	}

	lo, hi := ivLow, ivHigh
	if Price(typ, spot, strike, rate, hi, tYears) < price {
		return 0
	}

	for i := 0; i < ivMaxBisects; i++ {
		mid := (lo + hi) / 2
		p := Price(typ, spot, strike, rate, mid, tYears)
		if math.Abs(p-price) < ivTolerance {
			return mid
		}
		if p < price {
			lo = mid
		} else {
			hi = mid
		}
	}

	return (lo + hi) / 2
}
