package normalize

import "strings"

var units = map[string]string{
	"w":       "W",
	"kw":      "kW",
	"wh":      "Wh",
	"kwh":     "kWh",
	"mwh":     "MWh",
	"v":       "V",
	"a":       "A",
	"hz":      "Hz",
	"va":      "VA",
	"var":     "var",
	"vah":     "VAh",
	"varh":    "varh",
	"c":       "°C",
	"°c":      "°C",
	"%":       "%",
	"eur/mwh": "EUR/MWh",
	"eur/kwh": "EUR/kWh",
	"w/m2":    "W/m²",
}

// NormalizeUnit maps vendor unit spellings to canonical symbols. Unknown
// units pass through unchanged.
func NormalizeUnit(u string) string {
	u = strings.TrimSpace(u)
	if canonical, ok := units[strings.ToLower(u)]; ok {
		return canonical
	}
	return u
}
