package strategy

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestNetCreditVWAP_ArmThenFire(t *testing.T) {
	var v NetCreditVWAP

	// First observation sets VWAP equal to credit, never arms.
	assert.False(t, v.Track(100, 10))
	assert.False(t, v.Armed())

	// Credit above VWAP arms but does not fire.
	assert.False(t, v.Track(120, 20))
	assert.True(t, v.Armed())
	assert.InDelta(t, 110, v.VWAP(), 1e-9)

	// Pullback to or below VWAP fires.
	assert.True(t, v.Track(100, 30))
}

func TestNetCreditVWAP_NoFireUnarmed(t *testing.T) {
	var v NetCreditVWAP

	// Strictly falling credit never trades above VWAP, so the trigger
	// never fires no matter how far it drops.
	credits := []float64{100, 95, 90, 80, 60}
	for i, c := range credits {
		assert.False(t, v.Track(c, float64((i+1)*10)), "credit %.0f", c)
	}
	assert.False(t, v.Armed())
}

func TestNetCreditVWAP_FlatVolumeWeightsOne(t *testing.T) {
	var v NetCreditVWAP

	v.Track(100, 10)
	// Same cumulative volume: increment is zero, falls back to unit
	// weight instead of discarding the observation.
	v.Track(200, 10)
	assert.InDelta(t, (100*10+200*1)/11.0, v.VWAP(), 1e-9)
}

func TestNetCreditVWAP_SeedBar(t *testing.T) {
	var v NetCreditVWAP
	v.SeedBar(110, 50)
	v.SeedBar(120, 0) // zero volume bar ignored

	assert.InDelta(t, 110, v.VWAP(), 1e-9)

	// Seeded history means the very first live print can arm.
	assert.False(t, v.Track(130, 10))
	assert.True(t, v.Armed())
}

func TestNetCreditVWAP_Reset(t *testing.T) {
	var v NetCreditVWAP
	v.Track(100, 10)
	v.Track(120, 20)
	assert.True(t, v.Armed())

	v.Reset()
	assert.False(t, v.Armed())
	assert.Zero(t, v.VWAP())
}

// Property: the trigger can only ever fire after some earlier
// observation printed strictly above the then-current VWAP.
func TestProperty_VWAPFireRequiresArm(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("fire implies armed", prop.ForAll(
		func(credits []float64) bool {
			var v NetCreditVWAP
			vol := 0.0
			for _, c := range credits {
				vol += 10
				fired := v.Track(c, vol)
				if fired && !v.Armed() {
					t.Logf("FAILED: fired without arming on credit %.2f", c)
					return false
				}
				if fired && c > v.VWAP() {
					t.Logf("FAILED: fired with credit %.2f above vwap %.2f", c, v.VWAP())
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(50, 150)),
	))

	properties.TestingRun(t)
}
