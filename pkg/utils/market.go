package utils

import "time"

// IST is the exchange timezone for NSE/BSE.
var IST = time.FixedZone("IST", 5*3600+1800)

// Market session boundaries, minutes since midnight IST.
const (
	marketOpenMinutes  = 9*60 + 15  // 09:15
	marketCloseMinutes = 15*60 + 30 // 15:30
)

// MarketOpen returns 09:15 IST on the given trading date.
func MarketOpen(day time.Time) time.Time {
	d := day.In(IST)
	return time.Date(d.Year(), d.Month(), d.Day(), 9, 15, 0, 0, IST)
}

// MarketClose returns 15:30 IST on the given trading date.
func MarketClose(day time.Time) time.Time {
	d := day.In(IST)
	return time.Date(d.Year(), d.Month(), d.Day(), 15, 30, 0, 0, IST)
}

// IsTradingDay reports whether the date is a weekday. Exchange holidays
// are not modelled here; the feed simply delivers no ticks on those days.
func IsTradingDay(t time.Time) bool {
	switch t.In(IST).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// IsMarketHours reports whether t falls inside the regular session.
func IsMarketHours(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	ist := t.In(IST)
	mins := ist.Hour()*60 + ist.Minute()
	return mins >= marketOpenMinutes && mins < marketCloseMinutes
}

// MinutesIntoSession returns minutes elapsed since market open, negative
// before the open.
func MinutesIntoSession(t time.Time) int {
	ist := t.In(IST)
	return ist.Hour()*60 + ist.Minute() - marketOpenMinutes
}

// AtClock returns the given HH:MM IST on t's date.
func AtClock(t time.Time, hour, minute int) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), hour, minute, 0, 0, IST)
}
