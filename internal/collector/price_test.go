package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarflux/internal/config"
)

func priceConfig(baseURL string) config.PriceConfig {
	return config.PriceConfig{
		SourceConfig: config.SourceConfig{Enabled: true, Timezone: "UTC"},
		BaseURL:      baseURL,
		Category:     "Price",
	}
}

func marketHandler(calls *int32, status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if status != 0 {
			http.Error(w, `{"error":"quota exceeded"}`, status)
			return
		}
		start, _ := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
		first := time.UnixMilli(start).UTC()
		body := `{"object":"list","data":[`
		for i, d := range []int{0, 14, 27} {
			ts := first.AddDate(0, 0, d).UnixMilli()
			if i > 0 {
				body += ","
			}
			body += fmt.Sprintf(`{"start_timestamp":%d,"end_timestamp":%d,"marketprice":%d.5,"unit":"Eur/MWh"}`, ts, ts+3600000, 40+i)
		}
		body += `],"url":"/de/v1/marketdata"}`
		_, _ = w.Write([]byte(body))
	}
}

func TestPriceOneRequestPerMonth(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(marketHandler(&calls, 0))
	defer srv.Close()

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	c, err := NewPrice(priceConfig(srv.URL), testDeps(t, now))
	require.NoError(t, err)

	points, err := c.Collect(context.Background(), span("2025-01-10", "2025-02-20"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls)

	// Jan 1 is before the range, Feb 28 after it
	require.Len(t, points, 4)
	assert.Equal(t, "price", points[0].Name)
	assert.Equal(t, "Price", points[0].Category)
	assert.Equal(t, "Eur/MWh", points[0].Unit)
	assert.Equal(t, "41.5", fmt.Sprint(points[0].Value))

	_, err = c.Collect(context.Background(), span("2025-01-10", "2025-02-20"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls, "past months are sealed")
}

func TestPriceQuotaResponseBlocksSource(t *testing.T) {
	for _, status := range []int{http.StatusTooManyRequests, http.StatusInternalServerError} {
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(marketHandler(&calls, status))
			defer srv.Close()

			now := time.Date(2025, 3, 10, 12, 20, 0, 0, time.UTC)
			c, err := NewPrice(priceConfig(srv.URL), testDeps(t, now))
			require.NoError(t, err)

			points, err := c.Collect(context.Background(), span("2025-01-10", "2025-02-20"))
			assert.Empty(t, points)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrQuotaExceeded)
			assert.True(t, IsRetryable(err))
			assert.Equal(t, int32(1), calls, "the second month is not requested while blocked")
			assert.Equal(t, time.Date(2025, 3, 10, 13, 0, 0, 0, time.UTC), c.blockedUntil)
		})
	}
}

func TestPriceRemoteQuotaCheck(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/marketdata", marketHandler(&calls, 0))
	mux.HandleFunc("/quota", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"remaining":0}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := priceConfig(srv.URL)
	cfg.QuotaURL = srv.URL + "/quota"
	c, err := NewPrice(cfg, testDeps(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	_, err = c.Collect(context.Background(), span("2025-02-01", "2025-02-20"))
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Zero(t, calls)
}

func TestPricePacesRealRequestsOnly(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(marketHandler(&calls, 0))
	defer srv.Close()

	cfg := priceConfig(srv.URL)
	cfg.RequestDelay = 150 * time.Millisecond
	c, err := NewPrice(cfg, testDeps(t, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Collect(context.Background(), span("2024-12-01", "2025-02-20"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	start = time.Now()
	_, err = c.Collect(context.Background(), span("2024-12-01", "2025-02-20"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "cache hits skip the delay")
	assert.Equal(t, int32(3), calls)
}
