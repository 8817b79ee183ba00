package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/cache"
	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

const defaultWebEndpoint = "measurements"

// Web collects the monthly site payloads of the monitoring portal, which
// lists every device of the site with its measurements.
type Web struct {
	cfg  config.WebConfig
	deps Deps
	loc  *time.Location
	http *requester

	mu       sync.Mutex
	loggedIn bool
}

type webPayload struct {
	Devices []struct {
		ID           string `json:"id"`
		Type         string `json:"type"`
		Serial       string `json:"serial"`
		Model        string `json:"model"`
		Measurements []struct {
			Name     string `json:"name"`
			Unit     string `json:"unit"`
			Category string `json:"category"`
			Values   []struct {
				Time  any `json:"time"`
				Value any `json:"value"`
			} `json:"values"`
		} `json:"measurements"`
	} `json:"devices"`
}

func NewWeb(cfg config.WebConfig, deps Deps) (*Web, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("web collector: %w", err)
	}
	if deps.Store == nil {
		return nil, errors.New("web collector: cache store is required")
	}
	deps = deps.withDefaults(cfg.Timeout)

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := *deps.Client
	client.Jar = jar

	return &Web{
		cfg:  cfg,
		deps: deps,
		loc:  loc,
		http: &requester{
			source:   models.SourceWeb,
			client:   &client,
			limiter:  deps.Limiter,
			estimate: 64 << 10,
		},
	}, nil
}

func (c *Web) Source() string { return models.SourceWeb }

func (c *Web) endpoints() []config.EndpointConfig {
	if len(c.cfg.Endpoints) == 0 {
		return []config.EndpointConfig{{Name: defaultWebEndpoint}}
	}
	return c.cfg.Endpoints
}

func (c *Web) Collect(ctx context.Context, period PeriodSpec) ([]models.RawDataPoint, error) {
	if err := period.Validate(); err != nil {
		return nil, err
	}
	period = period.In(c.loc)
	u := newUnits(c.Source(), c.deps)
	devices := c.cfg.EndpointMap()

	var points []models.RawDataPoint
	for _, ep := range c.endpoints() {
		if !ep.IsEnabled() {
			continue
		}
		for _, chunk := range SplitByMonth(period) {
			if ctx.Err() != nil {
				break
			}
			month := cache.Month(chunk.From)
			unit := ep.Name + " " + month.Label

			body, err := c.deps.Store.GetOrFetch(ctx, c.Source(), ep.Name, month, func(ctx context.Context) ([]byte, error) {
				return c.fetch(ctx, ep.Name, month.Label)
			})
			if err != nil {
				u.fail(unit, err)
				continue
			}

			var payload webPayload
			if err := decode(body, &payload); err != nil {
				u.fail(unit, err)
				continue
			}
			points = append(points, c.points(ep, payload, chunk, devices)...)
			u.ok()
		}
	}

	if err := ctx.Err(); err != nil {
		return points, errors.Join(err, u.err())
	}
	return points, u.err()
}

func (c *Web) points(ep config.EndpointConfig, payload webPayload, keep PeriodSpec, devices config.Endpoints) []models.RawDataPoint {
	var out []models.RawDataPoint
	for _, dev := range payload.Devices {
		if cfg, ok := devices.Lookup(dev.ID, dev.Serial); ok && !cfg.IsEnabled() {
			continue
		}
		for _, m := range dev.Measurements {
			for _, v := range m.Values {
				ts, ok := models.ParseTimestamp(v.Time, c.loc)
				if ok && !keep.Contains(ts) {
					continue
				}
				out = append(out, models.RawDataPoint{
					Source:     c.Source(),
					DeviceID:   dev.ID,
					DeviceType: dev.Type,
					Endpoint:   ep.Name,
					Name:       m.Name,
					Value:      v.Value,
					Unit:       m.Unit,
					Timestamp:  ts,
					Category:   m.Category,
					Serial:     dev.Serial,
					Model:      dev.Model,
				})
			}
		}
	}
	return out
}

// fetch downloads one monthly payload, logging in first and once more when
// the session expired.
func (c *Web) fetch(ctx context.Context, endpoint, month string) ([]byte, error) {
	if err := c.ensureLogin(ctx); err != nil {
		return nil, err
	}
	target := fmt.Sprintf("%s/solaredge-apigw/api/sites/%s/%s?%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.SiteID), url.PathEscape(endpoint),
		url.Values{"period": {month}}.Encode())

	body, err := c.http.get(ctx, target, nil)
	var status *StatusError
	if errors.As(err, &status) && (status.Code == http.StatusUnauthorized || status.Code == http.StatusForbidden) {
		c.mu.Lock()
		c.loggedIn = false
		c.mu.Unlock()
		if err := c.ensureLogin(ctx); err != nil {
			return nil, err
		}
		return c.http.get(ctx, target, nil)
	}
	return body, err
}

func (c *Web) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loggedIn {
		return nil
	}

	form := url.Values{
		"j_username": {c.cfg.Username},
		"j_password": {c.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.LoginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if _, err := c.http.do(req); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	c.deps.Logger.WithFields(logrus.Fields{
		"source": c.Source(),
		"user":   c.cfg.Username,
	}).Info("Logged in to monitoring portal")
	c.loggedIn = true
	return nil
}
