package normalize

import (
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/metrics"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

// Options are the collaborators of a normalizer. A nil Resolver gets a
// private one.
type Options struct {
	Resolver *DeviceResolver
	Logger   *logrus.Logger
	Metrics  *metrics.Metrics
}

func newBase(source, measurement string, policy CategoryPolicy, opts Options) base {
	if opts.Resolver == nil {
		opts.Resolver = NewDeviceResolver(0)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return base{
		source:      source,
		measurement: measurement,
		policy:      policy,
		resolver:    opts.Resolver,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
}

// Records normalizes sources whose raw points are already one value each:
// the official API, the web portal and market prices.
type Records struct {
	base
}

// NewOfficial is strict: every official endpoint must carry a category.
func NewOfficial(opts Options) *Records {
	return &Records{base: newBase(models.SourceOfficial, models.MeasurementOfficial, Strict, opts)}
}

// NewWeb is lenient: auto-discovered devices fall back to FallbackCategory.
func NewWeb(opts Options) *Records {
	return &Records{base: newBase(models.SourceWeb, models.MeasurementWeb, Lenient, opts)}
}

func NewPrice(opts Options) *Records {
	return &Records{base: newBase(models.SourcePrice, models.MeasurementPrice, Strict, opts)}
}

// endpointConfig finds the configuration of raw by device id, serial or
// endpoint name, most specific first.
func endpointConfig(raw models.RawDataPoint, endpoints config.Endpoints) config.EndpointConfig {
	cfg, _ := endpoints.Lookup(raw.DeviceID, raw.Serial, raw.Endpoint)
	return cfg
}

// Categorize exposes the category decision for raw.
func (n *Records) Categorize(raw models.RawDataPoint, endpoints config.Endpoints) (string, Resolution, error) {
	return n.policy.Resolve(raw, endpointConfig(raw, endpoints))
}

func (n *Records) Parse(raw []models.RawDataPoint, endpoints config.Endpoints) ([]models.TimeSeriesPoint, error) {
	return n.parseGroups(raw, func(g group) ([]models.TimeSeriesPoint, error) {
		out := make([]models.TimeSeriesPoint, 0, len(g.points))
		for _, r := range g.points {
			cfg := endpointConfig(r, endpoints)
			if !cfg.IsEnabled() {
				continue
			}
			category, _, err := n.policy.Resolve(r, cfg)
			if err != nil {
				return nil, err
			}
			if p, ok := n.point(r, cfg, category, r.Value); ok {
				out = append(out, p)
			}
		}
		return out, nil
	})
}
