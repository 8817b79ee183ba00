package collector

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarflux/internal/cache"
	"github.com/tejusbharadwaj/solarflux/internal/models"
	"github.com/tejusbharadwaj/solarflux/internal/quota"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testDeps(t *testing.T, now time.Time) Deps {
	t.Helper()
	clock := func() time.Time { return now }
	logger := quietLogger()
	store, err := cache.NewStore(t.TempDir(), logger, cache.WithClock(clock))
	require.NoError(t, err)
	return Deps{
		Store:   store,
		Limiter: quota.NewLimiter(logger),
		Logger:  logger,
		Now:     clock,
	}
}

func byName(points []models.RawDataPoint, name string) []models.RawDataPoint {
	var out []models.RawDataPoint
	for _, p := range points {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}
