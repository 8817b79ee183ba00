package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/cache"
	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/models"
	"github.com/tejusbharadwaj/solarflux/internal/quota"
)

const priceEndpoint = "marketdata"

// Price collects day-ahead market prices one calendar month per request.
type Price struct {
	cfg   config.PriceConfig
	deps  Deps
	loc   *time.Location
	http  *requester
	pacer *quota.Pacer

	mu           sync.Mutex
	blockedUntil time.Time
}

type pricePayload struct {
	Data []struct {
		StartTimestamp int64       `json:"start_timestamp"`
		EndTimestamp   int64       `json:"end_timestamp"`
		MarketPrice    json.Number `json:"marketprice"`
		Unit           string      `json:"unit"`
	} `json:"data"`
}

func NewPrice(cfg config.PriceConfig, deps Deps) (*Price, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("price collector: %w", err)
	}
	if deps.Store == nil {
		return nil, errors.New("price collector: cache store is required")
	}
	deps = deps.withDefaults(cfg.Timeout)
	return &Price{
		cfg:  cfg,
		deps: deps,
		loc:  loc,
		http: &requester{
			source:   models.SourcePrice,
			client:   deps.Client,
			limiter:  deps.Limiter,
			estimate: 32 << 10,
		},
		pacer: quota.NewPacer(cfg.RequestDelay),
	}, nil
}

func (c *Price) Source() string { return models.SourcePrice }

func (c *Price) Collect(ctx context.Context, period PeriodSpec) ([]models.RawDataPoint, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	period = period.In(c.loc)
	u := newUnits(c.Source(), c.deps)
	checked := false

	var points []models.RawDataPoint
	for _, chunk := range SplitByMonth(period) {
		if ctx.Err() != nil {
			break
		}
		month := cache.Month(chunk.From)

		body, err := c.deps.Store.GetOrFetch(ctx, c.Source(), priceEndpoint, month, func(ctx context.Context) ([]byte, error) {
			if !checked {
				checked = true
				if err := c.checkRemoteQuota(ctx); err != nil {
					return nil, err
				}
			}
			return c.fetch(ctx, month)
		})
		if err != nil {
			u.fail(month.Label, err)
			continue
		}

		var payload pricePayload
		if err := decode(body, &payload); err != nil {
			u.fail(month.Label, err)
			continue
		}
		for _, d := range payload.Data {
			if !chunk.Contains(d.StartTimestamp) {
				continue
			}
			unit := d.Unit
			if c.cfg.Unit != "" {
				unit = c.cfg.Unit
			}
			points = append(points, models.RawDataPoint{
				Source:    c.Source(),
				Endpoint:  priceEndpoint,
				Name:      "price",
				Value:     d.MarketPrice,
				Unit:      unit,
				Timestamp: d.StartTimestamp,
				Category:  c.cfg.Category,
			})
		}
		u.ok()
	}

	if err := ctx.Err(); err != nil {
		return points, errors.Join(err, u.err())
	}
	return points, u.err()
}

func (c *Price) fetch(ctx context.Context, month cache.Period) ([]byte, error) {
	if err := c.blocked(); err != nil {
		return nil, err
	}
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{
		"start": {strconv.FormatInt(month.Start.UnixMilli(), 10)},
		"end":   {strconv.FormatInt(month.End.UnixMilli(), 10)},
	}
	body, err := c.http.get(ctx, c.cfg.BaseURL+"/"+priceEndpoint+"?"+q.Encode(), nil)
	if errors.Is(err, ErrQuotaExceeded) {
		c.block()
	}
	return body, err
}

// checkRemoteQuota asks the upstream for its remaining budget when a quota
// URL is configured. Failures of the check itself are ignored.
func (c *Price) checkRemoteQuota(ctx context.Context) error {
	if c.cfg.QuotaURL == "" {
		return nil
	}
	if err := c.blocked(); err != nil {
		return err
	}
	body, err := c.http.get(ctx, c.cfg.QuotaURL, nil)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			c.block()
			return err
		}
		c.deps.Logger.WithError(err).WithField("source", c.Source()).Debug("Remote quota check failed")
		return nil
	}
	var status struct {
		Remaining *int `json:"remaining"`
	}
	if err := json.Unmarshal(body, &status); err != nil || status.Remaining == nil {
		return nil
	}
	if *status.Remaining <= 0 {
		c.block()
		return fmt.Errorf("%w: remote budget exhausted", ErrQuotaExceeded)
	}
	return nil
}

func (c *Price) blocked() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deps.Now().Before(c.blockedUntil) {
		return fmt.Errorf("%w: blocked until %s", ErrQuotaExceeded, c.blockedUntil.Format(time.RFC3339))
	}
	return nil
}

// block stops real requests until the next full hour.
func (c *Price) block() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockedUntil = c.deps.Now().Truncate(time.Hour).Add(time.Hour)
	c.deps.Logger.WithFields(logrus.Fields{
		"source": c.Source(),
		"until":  c.blockedUntil.Format(time.RFC3339),
	}).Warn("Upstream quota exhausted, blocking source")
}
