// Package collector fetches raw data points from the upstream sources.
//
// Every collector goes through the cache store for historical data and
// acquires quota right before each real network call. A failing unit of
// work (one endpoint, device, chunk or month) is logged and skipped; Collect
// returns what it got together with the joined unit errors.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/cache"
	"github.com/tejusbharadwaj/solarflux/internal/metrics"
	"github.com/tejusbharadwaj/solarflux/internal/models"
	"github.com/tejusbharadwaj/solarflux/internal/quota"
)

// Collector retrieves the raw points of one source for a period.
type Collector interface {
	Source() string
	Collect(ctx context.Context, period PeriodSpec) ([]models.RawDataPoint, error)
}

const maxPeriodSpan = 20 * 366 * 24 * time.Hour

var (
	ErrInvalidPeriod = errors.New("invalid period")
	ErrQuotaExceeded = errors.New("upstream quota exceeded")
	ErrRequest       = errors.New("error making upstream request")
	ErrStatus        = errors.New("error status from upstream")
)

// IsRetryable reports whether err is worth retrying on a later run.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// UnitError is the failure of one unit of work of a collection run.
type UnitError struct {
	Source string
	Unit   string
	Err    error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Source, e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: got %d from %s", ErrStatus, e.Code, e.URL)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// PeriodSpec is an inclusive range of whole days.
type PeriodSpec struct {
	From time.Time
	To   time.Time
}

// LastDays returns the days-long range ending today.
func LastDays(now time.Time, days int) PeriodSpec {
	if days < 1 {
		days = 1
	}
	today := midnight(now)
	return PeriodSpec{From: today.AddDate(0, 0, -(days - 1)), To: today}
}

// Validate checks that the range is present, ordered and bounded.
func (p PeriodSpec) Validate() error {
	if p.From.IsZero() || p.To.IsZero() {
		return fmt.Errorf("%w: missing bound", ErrInvalidPeriod)
	}
	if p.From.After(p.To) {
		return fmt.Errorf("%w: from %s is after to %s", ErrInvalidPeriod, p.From.Format(dayLayout), p.To.Format(dayLayout))
	}
	if p.To.Sub(p.From) > maxPeriodSpan {
		return fmt.Errorf("%w: range exceeds maximum allowed", ErrInvalidPeriod)
	}
	return nil
}

// In moves both bounds to midnight of the same calendar days in loc.
func (p PeriodSpec) In(loc *time.Location) PeriodSpec {
	return PeriodSpec{From: sameDay(p.From, loc), To: sameDay(p.To, loc)}
}

// Days is the number of days in the range.
func (p PeriodSpec) Days() int {
	return int(p.To.Sub(p.From).Round(24*time.Hour)/(24*time.Hour)) + 1
}

// Contains reports whether ms falls on one of the days of the range.
func (p PeriodSpec) Contains(ms int64) bool {
	t := time.UnixMilli(ms)
	return !t.Before(p.From) && t.Before(p.To.AddDate(0, 0, 1))
}

func (p PeriodSpec) String() string {
	return p.From.Format(dayLayout) + ".." + p.To.Format(dayLayout)
}

const dayLayout = "2006-01-02"

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func sameDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// Deps are the collaborators shared by all collectors.
type Deps struct {
	Store   *cache.Store
	Limiter *quota.Limiter
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Client  *http.Client
	Now     func() time.Time
}

func (d Deps) withDefaults(timeout time.Duration) Deps {
	if d.Logger == nil {
		d.Logger = logrus.New()
	}
	if d.Client == nil {
		d.Client = &http.Client{Timeout: timeout}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// requester issues quota-gated HTTP requests for one source.
type requester struct {
	source   string
	client   *http.Client
	limiter  *quota.Limiter
	estimate int64
}

func (r *requester) get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	return r.do(req)
}

func (r *requester) do(req *http.Request) ([]byte, error) {
	var res *quota.Reservation
	if r.limiter != nil {
		var err error
		if res, err = r.limiter.Reserve(req.Context(), r.source, r.estimate); err != nil {
			return nil, err
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	res.AddBytes(int64(len(body)) - r.estimate)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrRequest, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Code: resp.StatusCode, URL: redact(req.URL.String())}
		if quotaResponse(resp.StatusCode, body) {
			return nil, fmt.Errorf("%w: %w", ErrQuotaExceeded, statusErr)
		}
		return nil, statusErr
	}
	return body, nil
}

// quotaResponse recognizes rate limit answers, which some upstreams send as
// a 5xx mentioning the quota.
func quotaResponse(code int, body []byte) bool {
	if code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && strings.Contains(strings.ToLower(string(body)), "quota")
}

// redact hides credentials passed as query parameters.
func redact(url string) string {
	if i := strings.Index(url, "api_key="); i >= 0 {
		end := strings.IndexByte(url[i:], '&')
		if end < 0 {
			return url[:i] + "api_key=REDACTED"
		}
		return url[:i] + "api_key=REDACTED" + url[i+end:]
	}
	return url
}

// units accumulates the outcome of the units of one Collect call.
type units struct {
	source  string
	logger  *logrus.Logger
	metrics *metrics.Metrics
	errs    []error
}

func newUnits(source string, d Deps) *units {
	return &units{source: source, logger: d.Logger, metrics: d.Metrics}
}

func (u *units) ok() {
	u.metrics.Unit(u.source, "ok")
}

func (u *units) fail(unit string, err error) {
	u.logger.WithFields(logrus.Fields{
		"source": u.source,
		"unit":   unit,
	}).WithError(err).Warn("Skipping failed unit")
	u.metrics.Unit(u.source, "error")
	u.errs = append(u.errs, &UnitError{Source: u.source, Unit: unit, Err: err})
}

func (u *units) err() error {
	return errors.Join(u.errs...)
}
