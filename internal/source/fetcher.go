// Package source fetches meter readings from the vendor's prepaid payment
// page.
//
// The page is only served to the WeChat in-app browser, so requests carry a
// WeChat User-Agent. Values are extracted with fixed patterns around the
// page's labels.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/xtxerr/powerwatch/internal/errors"
	"github.com/xtxerr/powerwatch/internal/logging"
	"github.com/xtxerr/powerwatch/internal/usage/types"
)

var log = logging.Component("source")

// interceptMarker appears on the page served to non-WeChat browsers.
const interceptMarker = "请在微信客户端打开链接"

// maxBodyBytes bounds how much of the page is read.
const maxBodyBytes = 1 << 20

var (
	nameRe            = regexp.MustCompile(`(?i)表&ensp;名&ensp;称:</span>\s*<label[^>]*>([^<]+)</label>`)
	numberRe          = regexp.MustCompile(`(?i)表&ensp;&ensp;&ensp;&ensp;号:</span>\s*<label[^>]*>([^<]+)</label>`)
	remainingPowerRe  = regexp.MustCompile(`(?i)剩余电量:</span>\s*<label[^>]*>([\d.]+)</label>`)
	remainingAmountRe = regexp.MustCompile(`(?i)剩余金额:</span>\s*<label[^>]*>([\d.]+)</label>`)
	unitPriceRe       = regexp.MustCompile(`(?i)综合费用:</span>\s*<label[^>]*>([\d.]+)</label>`)
)

// Fetcher produces one Reading per call.
type Fetcher interface {
	Fetch(ctx context.Context) (types.Reading, error)
}

// Config configures an HTTPFetcher.
type Config struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
	Location  *time.Location
}

// HTTPFetcher scrapes the payment page over HTTP.
type HTTPFetcher struct {
	cfg Config
	hc  *http.Client
	now func() time.Time
}

// NewHTTPFetcher creates a fetcher. The timeout bounds the whole request.
func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &HTTPFetcher{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
		now: time.Now,
	}
}

// Fetch downloads and parses the page. Every error wraps ErrFetchFailure.
// The reading is stamped with the time the response arrived.
func (f *HTTPFetcher) Fetch(ctx context.Context) (types.Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return types.Reading{}, errors.NewFetchFailure("build request", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.8,en-US;q=0.5,en;q=0.3")

	resp, err := f.hc.Do(req)
	if err != nil {
		return types.Reading{}, errors.NewFetchFailure("request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.Reading{}, errors.NewFetchFailure(fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return types.Reading{}, errors.NewFetchFailure("read body", err)
	}
	ts := f.now().In(f.cfg.Location)

	r, err := Parse(string(body))
	if err != nil {
		return types.Reading{}, err
	}
	r.Timestamp = ts

	log.Debug("fetched reading",
		"meter", r.MeterNumber,
		"remaining_power", r.RemainingPower.String())
	return r, nil
}

// Parse extracts a reading (without timestamp) from the page HTML.
// The remaining power is required; the other fields are optional.
func Parse(html string) (types.Reading, error) {
	if strings.Contains(html, interceptMarker) {
		return types.Reading{}, errors.NewFetchFailure("request intercepted: page requires the WeChat client", nil)
	}

	var r types.Reading

	raw, ok := match(remainingPowerRe, html)
	if !ok {
		return types.Reading{}, errors.NewFetchFailure("remaining power not found in page", nil)
	}
	power, err := types.NewQuantity(raw)
	if err != nil {
		return types.Reading{}, errors.NewFetchFailure("parse remaining power", err)
	}
	r.RemainingPower = power

	if raw, ok := match(remainingAmountRe, html); ok {
		if q, err := types.NewQuantity(raw); err == nil {
			r.RemainingAmount = &q
		}
	}
	if raw, ok := match(unitPriceRe, html); ok {
		if q, err := types.NewQuantity(raw); err == nil {
			r.UnitPrice = &q
		}
	}
	if name, ok := match(nameRe, html); ok {
		r.MeterName = name
	}
	if number, ok := match(numberRe, html); ok {
		r.MeterNumber = number
	}

	return r, nil
}

func match(re *regexp.Regexp, s string) (string, bool) {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	v := strings.TrimSpace(m[1])
	return v, v != ""
}
