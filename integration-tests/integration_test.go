//go:build integration
// +build integration

package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarflux/internal/cache"
	"github.com/tejusbharadwaj/solarflux/internal/collector"
	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/database"
	"github.com/tejusbharadwaj/solarflux/internal/metrics"
	"github.com/tejusbharadwaj/solarflux/internal/models"
	"github.com/tejusbharadwaj/solarflux/internal/normalize"
	"github.com/tejusbharadwaj/solarflux/internal/quota"
	"github.com/tejusbharadwaj/solarflux/internal/router"
	"github.com/tejusbharadwaj/solarflux/internal/scheduler"
)

const testBucket = "prices_it"

// Helper function to get environment variables with defaults
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func connString() string {
	port, _ := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	return config.DatabaseConfig{
		Host:     getEnvOrDefault("DB_HOST", "db"),
		Port:     port,
		User:     getEnvOrDefault("DB_USER", "solarflux"),
		Password: getEnvOrDefault("DB_PASSWORD", "solarflux"),
		Name:     getEnvOrDefault("DB_NAME", "solarflux"),
		SSLMode:  "disable",
	}.DSN()
}

func setupTestDB(t *testing.T, logger *logrus.Logger) (*database.TimescaleSink, *sql.DB) {
	sink, err := database.NewTimescaleSink(connString(), logger)
	require.NoError(t, err)

	db, err := sql.Open("postgres", connString())
	require.NoError(t, err)
	_, err = db.Exec("DROP TABLE IF EXISTS " + testBucket)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.Exec("DROP TABLE IF EXISTS " + testBucket)
		db.Close()
		sink.Close()
	})
	return sink, db
}

// setupMockMarketAPI serves three hourly prices at the start of every
// requested month.
func setupMockMarketAPI(t *testing.T, calls *int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		start, _ := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
		body := `{"object":"list","data":[`
		for i := 0; i < 3; i++ {
			ts := start + int64(i)*3600000
			if i > 0 {
				body += ","
			}
			body += fmt.Sprintf(`{"start_timestamp":%d,"end_timestamp":%d,"marketprice":%d.25,"unit":"Eur/MWh"}`, ts, ts+3600000, 80+i)
		}
		body += `]}`
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPriceIngestionE2E(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	sink, db := setupTestDB(t, logger)

	var calls int32
	market := setupMockMarketAPI(t, &calls)

	m := metrics.New(prometheus.NewRegistry())
	limiter := quota.NewLimiter(logger, quota.WithMetrics(m))
	limiter.SetLimits(models.SourcePrice, quota.Limits{PerMinute: 100, PerHour: 1000})
	store, err := cache.NewStore(t.TempDir(), logger, cache.WithMetrics(m))
	require.NoError(t, err)

	cfg := config.PriceConfig{
		SourceConfig: config.SourceConfig{Enabled: true, Timezone: "UTC", HistoryDays: 62},
		BaseURL:      market.URL,
		Category:     "Price",
		Unit:         "EUR/MWh",
	}
	c, err := collector.NewPrice(cfg, collector.Deps{Store: store, Limiter: limiter, Logger: logger, Metrics: m})
	require.NoError(t, err)

	rt := router.New(sink, []models.BucketRoute{{Prefix: models.MeasurementPrice, Bucket: testBucket}}, logger,
		router.WithBatchSize(2), router.WithMetrics(m))
	sched := scheduler.NewScheduler(rt, store, logger, scheduler.WithMetrics(m))
	sched.Add(scheduler.Pipeline{
		Collector:   c,
		Normalizer:  normalize.NewPrice(normalize.Options{Logger: logger, Metrics: m}),
		Endpoints:   cfg.EndpointMap(),
		Schedule:    "5 * * * *",
		HistoryDays: cfg.HistoryDays,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, sched.RunOnce(ctx, models.SourcePrice))
	firstCalls := atomic.LoadInt32(&calls)
	assert.GreaterOrEqual(t, firstCalls, int32(2), "one request per month in range")

	var rows int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM "+testBucket).Scan(&rows))
	assert.Greater(t, rows, 0)

	// Rerunning writes the same rows, which the unique index absorbs.
	require.NoError(t, sched.RunOnce(ctx, models.SourcePrice))
	var again int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM "+testBucket).Scan(&again))
	assert.Equal(t, rows, again)

	var value float64
	var unit string
	require.NoError(t, db.QueryRow(
		"SELECT value, tags->>'unit' FROM "+testBucket+" ORDER BY time LIMIT 1",
	).Scan(&value, &unit))
	assert.Equal(t, "EUR/MWh", unit)
	assert.InDelta(t, 80.25, value, 1e-9)

	snap := sched.Stats().Snapshot()[models.SourcePrice]
	assert.Equal(t, int64(2), snap.Succeeded)
}

func TestInfluxSinkE2E(t *testing.T) {
	url := os.Getenv("INFLUX_URL")
	if url == "" {
		t.Skip("INFLUX_URL not set")
	}
	logger := logrus.New()
	sink := database.NewInfluxSink(url, os.Getenv("INFLUX_TOKEN"), getEnvOrDefault("INFLUX_ORG", "solarflux"), logger)
	defer sink.Close()

	ctx := context.Background()
	route := models.BucketRoute{Prefix: models.MeasurementModbus, Bucket: "realtime_it", Retention: 24 * time.Hour}
	require.NoError(t, sink.EnsureBucket(ctx, route))
	require.NoError(t, sink.EnsureBucket(ctx, route), "ensuring twice is harmless")

	err := sink.WriteBatch(ctx, route.Bucket, []models.TimeSeriesPoint{{
		Measurement: models.MeasurementModbus,
		Tags:        []models.Tag{{Key: "device_id", Value: "inverter"}, {Key: "name", Value: "power_ac"}},
		Field:       "Power",
		Value:       1234.5,
		Timestamp:   time.Now().UnixNano(),
	}})
	require.NoError(t, err)
}
