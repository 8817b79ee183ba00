package normalize

import (
	"math"

	"github.com/tejusbharadwaj/solarflux/internal/sunspec"
)

// ApplyScale computes raw * 10^scale for a SunSpec register. It reports
// false when the value or its scale factor is the "not implemented"
// sentinel, in which case the field is dropped.
//
// Some inverter firmware reports energy_total with a scale factor of 1 while
// the value is already in tenths of a kWh; that combination is divided by
// ten instead of multiplied.
func ApplyScale(name string, raw, scale int64) (float64, bool) {
	if raw == sunspec.NotImplemented16 || scale == sunspec.NotImplemented16 {
		return 0, false
	}
	if name == "energy_total" && scale == 1 {
		return float64(raw) / 10, true
	}
	return float64(raw) * math.Pow10(int(scale)), true
}
