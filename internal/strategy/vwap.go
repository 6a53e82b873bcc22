package strategy

// NetCreditVWAP tracks a volume-weighted average of the condor's net
// credit over the session. The entry filter arms once the net credit
// trades above its VWAP and fires when it crosses back at or below it,
// entering the short premium on a pullback rather than a spike.
type NetCreditVWAP struct {
	cumPV   float64
	cumVol  float64
	lastVol float64
	armed   bool
}

// SeedBar pre-fills the VWAP from a historical bar, weighting the bar's
// OHLC/4 net credit by its combined leg volume.
func (v *NetCreditVWAP) SeedBar(ohlc4, volume float64) {
	if volume <= 0 {
		return
	}
	v.cumPV += ohlc4 * volume
	v.cumVol += volume
}

// Track feeds one live observation and reports whether the entry
// trigger fired. totalLegVolume is the summed day volume across all
// four legs; the tracker weights by its increment since the last call.
func (v *NetCreditVWAP) Track(credit, totalLegVolume float64) bool {
	weight := totalLegVolume - v.lastVol
	if totalLegVolume > 0 {
		v.lastVol = totalLegVolume
	}
	if weight <= 0 {
		weight = 1
	}

	v.cumPV += credit * weight
	v.cumVol += weight

	vwap := v.VWAP()
	if vwap == 0 {
		return false
	}

	if !v.armed {
		if credit > vwap {
			v.armed = true
		}
		return false
	}
	return credit <= vwap
}

// VWAP returns the current volume-weighted average net credit, zero
// before any observation.
func (v *NetCreditVWAP) VWAP() float64 {
	if v.cumVol == 0 {
		return 0
	}
	return v.cumPV / v.cumVol
}

// Armed reports whether the above-VWAP precondition has been seen.
func (v *NetCreditVWAP) Armed() bool {
	return v.armed
}

// Reset clears all accumulated state for a new session.
func (v *NetCreditVWAP) Reset() {
	*v = NetCreditVWAP{}
}
