// Package normalize turns raw collector output into storage-ready time
// series points: one measurement per source, an ordered tag set and a
// single field named after the datum's category.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/metrics"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

// Normalizer converts the raw points of one source.
type Normalizer interface {
	Measurement() string
	Parse(raw []models.RawDataPoint, endpoints config.Endpoints) ([]models.TimeSeriesPoint, error)
}

// FallbackCategory is used by lenient normalizers for uncategorized data.
const FallbackCategory = "Info"

// TextSuffix marks the field holding non-numeric values of a category.
const TextSuffix = "_Text"

// Tag keys, in the order they appear on every point.
const (
	TagEndpoint   = "endpoint"
	TagDeviceID   = "device_id"
	TagDeviceType = "device_type"
	TagName       = "name"
	TagUnit       = "unit"
)

var ErrConfig = errors.New("configuration error")

// ConfigError reports data the configuration does not describe well enough
// to be stored. It fails the whole collection cycle.
type ConfigError struct {
	Source   string
	Endpoint string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s endpoint %q: %s", ErrConfig, e.Source, e.Endpoint, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// IsConfigError reports whether err contains a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// CategoryPolicy decides what happens to data without a category.
type CategoryPolicy int

const (
	// Strict rejects uncategorized data with a *ConfigError.
	Strict CategoryPolicy = iota
	// Lenient files uncategorized data under FallbackCategory.
	Lenient
)

// Resolution tells which rule produced a category.
type Resolution string

const (
	ResolvedConfig   Resolution = "config"
	ResolvedPayload  Resolution = "payload"
	ResolvedFallback Resolution = "fallback"
)

// Resolve picks the category of raw. Configuration wins over the payload.
func (p CategoryPolicy) Resolve(raw models.RawDataPoint, cfg config.EndpointConfig) (string, Resolution, error) {
	if c := strings.TrimSpace(cfg.Category); c != "" {
		return c, ResolvedConfig, nil
	}
	if c := strings.TrimSpace(raw.Category); c != "" {
		return c, ResolvedPayload, nil
	}
	if p == Lenient {
		return FallbackCategory, ResolvedFallback, nil
	}
	return "", "", &ConfigError{Source: raw.Source, Endpoint: raw.Endpoint, Reason: "no category configured"}
}

// fieldValue maps a raw value onto the field it is stored in. Numbers go to
// category as float64, other strings to category_Text. nil is not stored.
func fieldValue(category string, v any) (string, any, bool) {
	if v == nil {
		return "", nil, false
	}
	if f, ok := toFloat(v); ok {
		return category, f, true
	}
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return "", nil, false
		}
		return category + TextSuffix, s, true
	}
	return category + TextSuffix, fmt.Sprint(v), true
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint16:
		f = float64(n)
	case uint32:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// base carries what all normalizers share.
type base struct {
	source      string
	measurement string
	policy      CategoryPolicy
	resolver    *DeviceResolver
	logger      *logrus.Logger
	metrics     *metrics.Metrics
}

func (b *base) Measurement() string { return b.measurement }

// point assembles one stored point, or reports false for data that is
// silently dropped.
func (b *base) point(raw models.RawDataPoint, cfg config.EndpointConfig, category string, v any) (models.TimeSeriesPoint, bool) {
	if raw.Timestamp <= 0 {
		return models.TimeSeriesPoint{}, false
	}
	field, value, ok := fieldValue(category, v)
	if !ok {
		return models.TimeSeriesPoint{}, false
	}
	if f, isFloat := value.(float64); isFloat && cfg.Scale != 0 {
		value = f * cfg.Scale
	}

	unit := NormalizeUnit(raw.Unit)
	if cfg.Unit != "" {
		unit = cfg.Unit
	}

	p := models.TimeSeriesPoint{
		Measurement: b.measurement,
		Tags: []models.Tag{
			{Key: TagEndpoint, Value: raw.Endpoint},
			{Key: TagDeviceID, Value: b.resolver.Resolve(raw)},
			{Key: TagDeviceType, Value: raw.DeviceType},
			{Key: TagName, Value: raw.Name},
			{Key: TagUnit, Value: unit},
		},
		Field:     field,
		Value:     value,
		Timestamp: raw.Timestamp * 1_000_000,
	}
	return p, p.Valid()
}

// group is the raw data of one device of one endpoint.
type group struct {
	key    string
	points []models.RawDataPoint
}

// groupByDevice splits raw into device groups, keeping first-seen order.
func groupByDevice(raw []models.RawDataPoint) []group {
	index := make(map[string]int)
	var groups []group
	for _, p := range raw {
		key := p.Endpoint + "/" + p.DeviceID + "/" + p.Serial
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, group{key: key})
		}
		groups[i].points = append(groups[i].points, p)
	}
	return groups
}

// safely parses one group, turning a panic into a logged, empty result.
func (b *base) safely(g group, parse func(group) ([]models.TimeSeriesPoint, error)) (points []models.TimeSeriesPoint, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"source": b.source,
				"group":  g.key,
				"panic":  fmt.Sprint(r),
			}).Error("Failed to parse device group")
			points, err = nil, nil
		}
	}()
	return parse(g)
}

// parseGroups runs parse over every device group. Configuration errors are
// collected; the points of the offending groups are dropped.
func (b *base) parseGroups(raw []models.RawDataPoint, parse func(group) ([]models.TimeSeriesPoint, error)) ([]models.TimeSeriesPoint, error) {
	var out []models.TimeSeriesPoint
	var errs []error
	for _, g := range groupByDevice(raw) {
		points, err := b.safely(g, parse)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, points...)
	}
	b.metrics.Parsed(b.measurement, len(out))
	return out, errors.Join(errs...)
}
