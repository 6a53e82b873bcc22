package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarketSessionBounds(t *testing.T) {
	day := time.Date(2025, 11, 25, 0, 0, 0, 0, IST) // Tuesday

	open := MarketOpen(day)
	assert.Equal(t, 9, open.Hour())
	assert.Equal(t, 15, open.Minute())

	close := MarketClose(day)
	assert.Equal(t, 15, close.Hour())
	assert.Equal(t, 30, close.Minute())

	// A UTC instant resolves against its IST calendar date.
	utc := time.Date(2025, 11, 24, 20, 0, 0, 0, time.UTC) // 01:30 IST Nov 25
	assert.Equal(t, open, MarketOpen(utc))
}

func TestIsTradingDay(t *testing.T) {
	assert.True(t, IsTradingDay(time.Date(2025, 11, 25, 11, 0, 0, 0, IST)))  // Tuesday
	assert.False(t, IsTradingDay(time.Date(2025, 11, 29, 11, 0, 0, 0, IST))) // Saturday
	assert.False(t, IsTradingDay(time.Date(2025, 11, 30, 11, 0, 0, 0, IST))) // Sunday
}

func TestIsMarketHours(t *testing.T) {
	day := time.Date(2025, 11, 25, 0, 0, 0, 0, IST)

	assert.False(t, IsMarketHours(AtClock(day, 9, 14)))
	assert.True(t, IsMarketHours(AtClock(day, 9, 15)))
	assert.True(t, IsMarketHours(AtClock(day, 15, 29)))
	assert.False(t, IsMarketHours(AtClock(day, 15, 30)))

	saturday := time.Date(2025, 11, 29, 11, 0, 0, 0, IST)
	assert.False(t, IsMarketHours(saturday))
}

func TestMinutesIntoSession(t *testing.T) {
	day := time.Date(2025, 11, 25, 0, 0, 0, 0, IST)

	assert.Equal(t, 0, MinutesIntoSession(AtClock(day, 9, 15)))
	assert.Equal(t, 105, MinutesIntoSession(AtClock(day, 11, 0)))
	assert.Equal(t, -15, MinutesIntoSession(AtClock(day, 9, 0)))
}

func TestFormatIndianCurrency(t *testing.T) {
	assert.Equal(t, "₹950.00", FormatIndianCurrency(950))
	assert.Equal(t, "₹1,250.50", FormatIndianCurrency(1250.5))
	assert.Equal(t, "₹1,00,000.00", FormatIndianCurrency(100000))
	assert.Equal(t, "₹1,00,00,000.00", FormatIndianCurrency(10000000))
	assert.Equal(t, "-₹3,200.00", FormatIndianCurrency(-3200))
}

func TestFormatPnL(t *testing.T) {
	assert.Equal(t, "+₹3,200.00", FormatPnL(3200))
	assert.Equal(t, "-₹3,200.00", FormatPnL(-3200))
	assert.Equal(t, "₹0.00", FormatPnL(0))
}

func TestFormatPercent(t *testing.T) {
	assert.Equal(t, "+12.50%", FormatPercent(12.5))
	assert.Equal(t, "-3.33%", FormatPercent(-3.33))
	assert.Equal(t, "0.00%", FormatPercent(0))
}
