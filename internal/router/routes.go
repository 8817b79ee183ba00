package router

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

// ErrUnroutable is returned for a measurement no route matches. It is a
// configuration error: the points are not written.
var ErrUnroutable = errors.New("no bucket route for measurement")

const (
	BucketRealtime  = "realtime"
	BucketSolaredge = "solaredge"
	BucketPrices    = "prices"

	RealtimeRetention = 30 * 24 * time.Hour
)

// DefaultRoutes sends high-frequency Modbus data to a short-lived bucket and
// everything else to buckets that are kept forever.
func DefaultRoutes() []models.BucketRoute {
	return []models.BucketRoute{
		{Prefix: models.MeasurementModbus, Bucket: BucketRealtime, Retention: RealtimeRetention},
		{Prefix: models.MeasurementOfficial, Bucket: BucketSolaredge},
		{Prefix: models.MeasurementWeb, Bucket: BucketSolaredge},
		{Prefix: models.MeasurementPrice, Bucket: BucketPrices},
	}
}

// RoutesFromConfig returns the default routes with configured routes
// replacing defaults of the same prefix and adding new ones.
func RoutesFromConfig(cfg []config.RouteConfig) []models.BucketRoute {
	routes := DefaultRoutes()
	for _, rc := range cfg {
		r := models.BucketRoute{Prefix: rc.Prefix, Bucket: rc.Bucket, Retention: rc.Retention}
		replaced := false
		for i := range routes {
			if routes[i].Prefix == r.Prefix {
				routes[i] = r
				replaced = true
			}
		}
		if !replaced {
			routes = append(routes, r)
		}
	}
	return routes
}

// table resolves measurements to routes: an exact match wins, otherwise the
// longest matching prefix.
type table struct {
	exact    map[string]models.BucketRoute
	prefixes []models.BucketRoute // longest first
}

func newTable(routes []models.BucketRoute) table {
	t := table{exact: make(map[string]models.BucketRoute, len(routes))}
	for _, r := range routes {
		t.exact[r.Prefix] = r
		t.prefixes = append(t.prefixes, r)
	}
	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].Prefix) > len(t.prefixes[j].Prefix)
	})
	return t
}

func (t table) route(measurement string) (models.BucketRoute, error) {
	if r, ok := t.exact[measurement]; ok {
		return r, nil
	}
	for _, r := range t.prefixes {
		if strings.HasPrefix(measurement, r.Prefix) {
			return r, nil
		}
	}
	return models.BucketRoute{}, fmt.Errorf("%w: %q", ErrUnroutable, measurement)
}

// buckets returns each distinct bucket once, with the longest retention any
// route asks for (zero meaning forever wins).
func (t table) buckets() []models.BucketRoute {
	seen := make(map[string]models.BucketRoute)
	for _, r := range t.prefixes {
		prev, ok := seen[r.Bucket]
		if !ok || (prev.Retention != 0 && (r.Retention == 0 || r.Retention > prev.Retention)) {
			seen[r.Bucket] = r
		}
	}
	out := make([]models.BucketRoute, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket < out[j].Bucket })
	return out
}
