package simulator

import (
	"math"
	"math/rand"
	"sort"

	"hemis-telemetry/internal/models"
)

type span struct {
	min, max float64
}

// Profile value ranges for one simulated patient state.
type Profile struct {
	Name      string
	HeartRate span
	SpO2      span
	TempSkin  span
}

// Profiles available to sessions.
var Profiles = map[string]Profile{
	"normal": {
		Name:      "normal",
		HeartRate: span{60, 100},
		SpO2:      span{95, 100},
		TempSkin:  span{36.0, 37.5},
	},
	"critical": {
		Name:      "critical",
		HeartRate: span{120, 180},
		SpO2:      span{70, 89},
		TempSkin:  span{38.5, 42.0},
	},
	"death": {
		Name:      "death",
		HeartRate: span{0, 30},
		SpO2:      span{0, 50},
		TempSkin:  span{30.0, 35.0},
	},
}

// ProfileNames lists the profiles, sorted.
func ProfileNames() []string {
	names := make([]string, 0, len(Profiles))
	for name := range Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate draws one set of vitals: a base value from the profile range
// plus a small jitter, clamped to plausible sensor output.
func (p Profile) Generate(rng *rand.Rand) map[string]float64 {
	hr := randInt(rng, p.HeartRate) + rng.Intn(11) - 5
	spo2 := randInt(rng, p.SpO2) + rng.Intn(5) - 2
	temp := round1(p.TempSkin.min+rng.Float64()*(p.TempSkin.max-p.TempSkin.min)) +
		round1(rng.Float64()*0.6-0.3)

	return map[string]float64{
		models.MetricHeartRate: float64(clampInt(hr, 0, 200)),
		models.MetricSpO2:      float64(clampInt(spo2, 0, 100)),
		models.MetricTempSkin:  round1(math.Max(30.0, math.Min(45.0, temp))),
	}
}

func randInt(rng *rand.Rand, s span) int {
	lo, hi := int(s.min), int(s.max)
	return lo + rng.Intn(hi-lo+1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
