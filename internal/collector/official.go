package collector

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/cache"
	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

// Endpoint kinds of the monitoring API.
const (
	KindEquipment = "equipment"
	KindEnergy    = "energy"
	KindTimeframe = "timeframe"
	KindOverview  = "overview"
	KindPower     = "power"
)

const (
	// the equipment endpoint accepts at most one week per request
	equipmentChunkDays   = 6
	equipmentOverlapDays = 1

	apiTimeLayout = "2006-01-02 15:04:05"
)

// Official collects from the vendor monitoring REST API.
type Official struct {
	cfg  config.OfficialConfig
	deps Deps
	loc  *time.Location
	http *requester
}

func NewOfficial(cfg config.OfficialConfig, deps Deps) (*Official, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("api collector: %w", err)
	}
	if deps.Store == nil {
		return nil, errors.New("api collector: cache store is required")
	}
	deps = deps.withDefaults(cfg.Timeout)
	return &Official{
		cfg:  cfg,
		deps: deps,
		loc:  loc,
		http: &requester{
			source:   models.SourceOfficial,
			client:   deps.Client,
			limiter:  deps.Limiter,
			estimate: 16 << 10,
		},
	}, nil
}

func (c *Official) Source() string { return models.SourceOfficial }

func (c *Official) Collect(ctx context.Context, period PeriodSpec) ([]models.RawDataPoint, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	period = period.In(c.loc)
	u := newUnits(c.Source(), c.deps)

	var points []models.RawDataPoint
	for _, ep := range c.cfg.Endpoints {
		if !ep.IsEnabled() {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		switch ep.Kind {
		case KindEquipment:
			points = append(points, c.equipment(ctx, ep, period, u)...)
		case KindEnergy:
			points = append(points, c.energy(ctx, ep, period, u)...)
		case KindTimeframe:
			points = append(points, c.timeframe(ctx, ep, period, u)...)
		case KindOverview:
			points = append(points, c.overview(ctx, ep, u)...)
		case KindPower:
			points = append(points, c.power(ctx, ep, period, u)...)
		default:
			u.fail(ep.Name, fmt.Errorf("unknown endpoint kind %q", ep.Kind))
		}
	}

	c.deps.Logger.WithFields(logrus.Fields{
		"source": c.Source(),
		"period": period.String(),
		"points": len(points),
	}).Debug("Collected")

	if err := ctx.Err(); err != nil {
		return points, errors.Join(err, u.err())
	}
	return points, u.err()
}

func (c *Official) cached(ctx context.Context, endpoint string, period cache.Period, path string, q url.Values) ([]byte, error) {
	return c.deps.Store.GetOrFetch(ctx, c.Source(), endpoint, period, func(ctx context.Context) ([]byte, error) {
		params := url.Values{}
		for k, v := range q {
			params[k] = v
		}
		params.Set("api_key", c.cfg.APIKey)
		return c.http.get(ctx, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	})
}

func (c *Official) point(ep config.EndpointConfig, name string, v any, unit string, ts int64) models.RawDataPoint {
	if ep.Unit != "" {
		unit = ep.Unit
	}
	return models.RawDataPoint{
		Source:     c.Source(),
		DeviceID:   ep.Serial,
		DeviceType: deviceType(ep),
		Endpoint:   ep.Name,
		Name:       name,
		Value:      v,
		Unit:       unit,
		Timestamp:  ts,
		Category:   ep.Category,
		Serial:     ep.Serial,
	}
}

func deviceType(ep config.EndpointConfig) string {
	if ep.Kind == KindEquipment {
		return "Inverter"
	}
	return "Site"
}

// equipment reads inverter telemetry in overlapping chunks and merges them.
// Chunks sit on a fixed grid so a sliding window keeps hitting the cache
// entries of days it already fetched; telemetry outside period is dropped.
func (c *Official) equipment(ctx context.Context, ep config.EndpointConfig, period PeriodSpec, u *units) []models.RawDataPoint {
	var all []models.RawDataPoint
	for _, chunk := range SplitAligned(period, equipmentChunkDays, equipmentOverlapDays) {
		unit := ep.Name + " " + chunk.String()
		endpoint := fmt.Sprintf("equipment_%s_%dd", ep.Serial, chunk.Days())
		q := url.Values{
			"startTime": {chunk.From.Format(apiTimeLayout)},
			"endTime":   {chunk.To.Add(24*time.Hour - time.Second).Format(apiTimeLayout)},
		}
		path := fmt.Sprintf("/equipment/%s/%s/data", c.cfg.SiteID, ep.Serial)

		body, err := c.cached(ctx, endpoint, cache.Span(chunk.From, chunk.To), path, q)
		if err != nil {
			u.fail(unit, err)
			continue
		}

		var resp struct {
			Data struct {
				Telemetries []map[string]any `json:"telemetries"`
			} `json:"data"`
		}
		if err := decode(body, &resp); err != nil {
			u.fail(unit, err)
			continue
		}
		for _, tel := range resp.Data.Telemetries {
			ts, ok := models.ParseTimestamp(tel["date"], c.loc)
			if ok && !period.Contains(ts) {
				continue
			}
			flatten("", tel, map[string]bool{"date": true}, func(name string, v any) {
				all = append(all, c.point(ep, name, v, "", ts))
			})
		}
		u.ok()
	}
	return MergeByTimestamp(all)
}

// energyYear returns the daily energy series of one calendar year.
func (c *Official) energyYear(ctx context.Context, ep config.EndpointConfig, year cache.Period) (seriesPayload, error) {
	q := url.Values{
		"timeUnit":  {"DAY"},
		"startDate": {year.Start.Format(dayLayout)},
		"endDate":   {year.End.AddDate(0, 0, -1).Format(dayLayout)},
	}
	body, err := c.cached(ctx, ep.Name, year, fmt.Sprintf("/site/%s/energy", c.cfg.SiteID), q)
	if err != nil {
		return seriesPayload{}, err
	}
	var resp struct {
		Energy seriesPayload `json:"energy"`
	}
	if err := decode(body, &resp); err != nil {
		return seriesPayload{}, err
	}
	return resp.Energy, nil
}

// energy reads one whole calendar year per request and keeps the requested
// days.
func (c *Official) energy(ctx context.Context, ep config.EndpointConfig, period PeriodSpec, u *units) []models.RawDataPoint {
	var out []models.RawDataPoint
	for _, chunk := range SplitByYear(period) {
		year := cache.Year(chunk.From)
		series, err := c.energyYear(ctx, ep, year)
		if err != nil {
			u.fail(ep.Name+" "+year.Label, err)
			continue
		}
		out = append(out, c.series(ep, "energy", series, chunk)...)
		u.ok()
	}
	return out
}

// power reads the quarter-hourly power series one calendar month at a time.
func (c *Official) power(ctx context.Context, ep config.EndpointConfig, period PeriodSpec, u *units) []models.RawDataPoint {
	var out []models.RawDataPoint
	for _, chunk := range SplitByMonth(period) {
		month := cache.Month(chunk.From)
		q := url.Values{
			"startTime": {month.Start.Format(apiTimeLayout)},
			"endTime":   {month.End.Add(-time.Second).Format(apiTimeLayout)},
		}
		body, err := c.cached(ctx, ep.Name, month, fmt.Sprintf("/site/%s/power", c.cfg.SiteID), q)
		if err != nil {
			u.fail(ep.Name+" "+month.Label, err)
			continue
		}
		var resp struct {
			Power seriesPayload `json:"power"`
		}
		if err := decode(body, &resp); err != nil {
			u.fail(ep.Name+" "+month.Label, err)
			continue
		}
		out = append(out, c.series(ep, "power", resp.Power, chunk)...)
		u.ok()
	}
	return out
}

func (c *Official) series(ep config.EndpointConfig, name string, s seriesPayload, keep PeriodSpec) []models.RawDataPoint {
	out := make([]models.RawDataPoint, 0, len(s.Values))
	for _, v := range s.Values {
		ts, ok := models.ParseTimestamp(v.Date, c.loc)
		if ok && !keep.Contains(ts) {
			continue
		}
		var value any
		if v.Value != nil {
			value = *v.Value
		}
		out = append(out, c.point(ep, name, value, s.Unit, ts))
	}
	return out
}

// timeframe yields one energy total per calendar year. A year whose daily
// energy series is already cached is summed locally instead of fetched.
func (c *Official) timeframe(ctx context.Context, ep config.EndpointConfig, period PeriodSpec, u *units) []models.RawDataPoint {
	daily, hasDaily := c.endpointOfKind(KindEnergy)

	var out []models.RawDataPoint
	for _, chunk := range SplitByYear(period) {
		year := cache.Year(chunk.From)
		unit := ep.Name + " " + year.Label

		if hasDaily && c.cachedYear(daily.Name, year) {
			series, err := c.energyYear(ctx, daily, year)
			if err == nil {
				total, n := sumSeries(series)
				if n > 0 {
					out = append(out, c.point(ep, "energy", total, series.Unit, year.Start.UnixMilli()))
					u.ok()
					continue
				}
			}
		}

		q := url.Values{
			"startDate": {year.Start.Format(dayLayout)},
			"endDate":   {year.End.AddDate(0, 0, -1).Format(dayLayout)},
		}
		body, err := c.cached(ctx, ep.Name, year, fmt.Sprintf("/site/%s/timeFrameEnergy", c.cfg.SiteID), q)
		if err != nil {
			u.fail(unit, err)
			continue
		}
		var resp struct {
			TimeFrameEnergy struct {
				Energy any    `json:"energy"`
				Unit   string `json:"unit"`
			} `json:"timeFrameEnergy"`
		}
		if err := decode(body, &resp); err != nil {
			u.fail(unit, err)
			continue
		}
		out = append(out, c.point(ep, "energy", resp.TimeFrameEnergy.Energy, resp.TimeFrameEnergy.Unit, year.Start.UnixMilli()))
		u.ok()
	}
	return out
}

// cachedYear reports whether the daily energy series of year is on disk.
// energyYear only ever stores whole years, so the year label is the one
// granularity to look for.
func (c *Official) cachedYear(endpoint string, year cache.Period) bool {
	_, ok := c.deps.Store.Has(c.Source(), endpoint, year.Label)
	return ok
}

func (c *Official) endpointOfKind(kind string) (config.EndpointConfig, bool) {
	for _, ep := range c.cfg.Endpoints {
		if ep.Kind == kind && ep.IsEnabled() {
			return ep, true
		}
	}
	return config.EndpointConfig{}, false
}

func sumSeries(s seriesPayload) (float64, int) {
	var total float64
	var n int
	for _, v := range s.Values {
		if v.Value == nil {
			continue
		}
		f, err := v.Value.Float64()
		if err != nil {
			continue
		}
		total += f
		n++
	}
	return total, n
}

// overview reads the current site snapshot, cached per day.
func (c *Official) overview(ctx context.Context, ep config.EndpointConfig, u *units) []models.RawDataPoint {
	today := cache.Day(c.deps.Now().In(c.loc))
	body, err := c.cached(ctx, ep.Name, today, fmt.Sprintf("/site/%s/overview", c.cfg.SiteID), url.Values{})
	if err != nil {
		u.fail(ep.Name, err)
		return nil
	}
	var resp struct {
		Overview map[string]any `json:"overview"`
	}
	if err := decode(body, &resp); err != nil {
		u.fail(ep.Name, err)
		return nil
	}

	ts, _ := models.ParseTimestamp(resp.Overview["lastUpdateTime"], c.loc)
	var out []models.RawDataPoint
	flatten("", resp.Overview, map[string]bool{"lastUpdateTime": true}, func(name string, v any) {
		out = append(out, c.point(ep, name, v, "", ts))
	})
	u.ok()
	return out
}
