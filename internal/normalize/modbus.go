package normalize

import (
	"strings"

	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/models"
	"github.com/tejusbharadwaj/solarflux/internal/sunspec"
)

// Modbus scales raw SunSpec registers with the scale factors read alongside
// them. Scale registers and common block ids are not stored.
type Modbus struct {
	base
}

func NewModbus(opts Options) *Modbus {
	return &Modbus{base: newBase(models.SourceModbus, models.MeasurementModbus, Lenient, opts)}
}

func (n *Modbus) Parse(raw []models.RawDataPoint, endpoints config.Endpoints) ([]models.TimeSeriesPoint, error) {
	return n.parseGroups(raw, func(g group) ([]models.TimeSeriesPoint, error) {
		scales := make(map[string]int64)
		for _, r := range g.points {
			if strings.HasSuffix(r.Name, "_scale") {
				if v, ok := r.Value.(int64); ok {
					scales[r.Name] = v
				}
			}
		}

		out := make([]models.TimeSeriesPoint, 0, len(g.points))
		for _, r := range g.points {
			if strings.HasSuffix(r.Name, "_scale") || strings.HasPrefix(r.Name, "c_") {
				continue
			}
			cfg, _ := endpoints.Lookup(r.Name)
			if !cfg.IsEnabled() {
				continue
			}

			value, ok := n.scaled(r, scales)
			if !ok {
				continue
			}
			category, _, err := n.policy.Resolve(r, cfg)
			if err != nil {
				return nil, err
			}
			if p, ok := n.point(r, cfg, category, value); ok {
				out = append(out, p)
			}
		}
		return out, nil
	})
}

// scaled applies the register's scale factor when the group carries one.
func (n *Modbus) scaled(r models.RawDataPoint, scales map[string]int64) (any, bool) {
	raw, isInt := r.Value.(int64)
	if !isInt {
		return r.Value, r.Value != nil
	}
	key, ok := sunspec.ScaleKey(r.Name)
	if !ok {
		return raw, true
	}
	scale, ok := scales[key]
	if !ok {
		if raw == sunspec.NotImplemented16 {
			return nil, false
		}
		return raw, true
	}
	return ApplyScale(r.Name, raw, scale)
}
