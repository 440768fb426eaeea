package model

// Intensity helpers for the 0-9 CWA seismic intensity scale. Backends use
// these when formatting messages; the core otherwise treats earthquake
// parameters as opaque.

var intensityLabels = [...]string{
	"0級", "1級", "2級", "3級", "4級", "5弱", "5強", "6弱", "6強", "7級",
}

// RoundIntensity maps a raw expected-intensity value onto the 0-9 scale.
// The 4.5-5.5 band splits into 5-weak/5-strong and 5.5-6.5 into
// 6-weak/6-strong, matching the upstream provider's convention.
func RoundIntensity(value float64) int {
	switch {
	case value < 0:
		return 0
	case value < 4.5:
		return int(value + 0.5)
	case value < 5:
		return 5
	case value < 5.5:
		return 6
	case value < 6:
		return 7
	case value < 6.5:
		return 8
	default:
		return 9
	}
}

// IntensityLabel returns the display label for a scale step, e.g. "5弱".
// Out-of-range steps clamp to the nearest end of the scale.
func IntensityLabel(step int) string {
	if step < 0 {
		step = 0
	}
	if step >= len(intensityLabels) {
		step = len(intensityLabels) - 1
	}
	return intensityLabels[step]
}
