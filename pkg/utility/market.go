package utility

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chargerudder/chargerudder/pkg/clock"
	"github.com/chargerudder/chargerudder/pkg/common"
	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/levenlabs/go-lflag"
	"github.com/shopspring/decimal"
)

// Period selects which day the market feed returns.
type Period string

const (
	PeriodToday    Period = "vandaag"
	PeriodTomorrow Period = "morgen"
)

// taxMultiplier is applied to every feed price since the feed publishes prices
// excluding VAT.
var taxMultiplier = decimal.RequireFromString("1.21")

// FeedPoint is one sub-hourly record of the market feed.
type FeedPoint struct {
	// Date is the calendar date the feed declared for the record.
	Date string
	// Hour is the clock hour the feed declared for the record or -1 when the
	// record only carried a date.
	Hour int
	// Price is in €/kWh with tax applied.
	Price float64
}

// FeedDateMismatchError is returned when the feed declares a different date
// than the one that was requested.
type FeedDateMismatchError struct {
	Expected string
	Got      string
}

func (e *FeedDateMismatchError) Error() string {
	return fmt.Sprintf("market feed declared date %s, expected %s", e.Got, e.Expected)
}

// Market fetches day-ahead prices from the dynamic energy price feed.
type Market struct {
	apiURL     string
	apiKey     string
	client     *http.Client
	maxElapsed time.Duration
}

// NewMarket returns a Market for the given url and key.
func NewMarket(apiURL, apiKey string, client *http.Client) *Market {
	if client == nil {
		client = common.HTTPClient(0)
	}
	return &Market{
		apiURL:     apiURL,
		apiKey:     apiKey,
		client:     client,
		maxElapsed: 30 * time.Second,
	}
}

// ConfiguredMarket sets up flags for the market feed and returns the instance.
func ConfiguredMarket() *Market {
	m := &Market{}
	apiURL := lflag.String("market-feed-url", "https://jeroen.nl/api/dynamische-energieprijzen", "URL of the day-ahead market price feed")
	apiKey := lflag.String("market-feed-key", "", "API key for the market price feed")
	timeout := lflag.Duration("market-feed-timeout", 10*time.Second, "Timeout of a single market feed request")
	maxElapsed := lflag.Duration("market-feed-max-retry", 30*time.Second, "How long to keep retrying a failed market feed request")

	lflag.Do(func() {
		m.apiURL = *apiURL
		m.apiKey = *apiKey
		m.client = common.HTTPClient(*timeout)
		m.maxElapsed = *maxElapsed
	})
	return m
}

// Validate ensures the configuration is valid.
func (m *Market) Validate() error {
	if m.apiURL == "" {
		return fmt.Errorf("market-feed-url is required")
	}
	if _, err := url.Parse(m.apiURL); err != nil {
		return fmt.Errorf("failed to parse market feed url (%s): %w", common.RedactURL(m.apiURL), err)
	}
	return nil
}

type marketEntry struct {
	Datum string `json:"datum"`
	Price string `json:"prijs_excl_btw"`
}

// Fetch returns the records the feed publishes for period in feed order.
// Transient failures are retried with exponential backoff. An empty result
// means the feed has nothing for the period yet.
func (m *Market) Fetch(ctx context.Context, period Period) ([]FeedPoint, error) {
	u, err := url.Parse(m.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid market feed url: %w", err)
	}
	params := u.Query()
	params.Set("period", string(period))
	params.Set("type", "json")
	params.Set("key", m.apiKey)
	u.RawQuery = params.Encode()

	log.Ctx(ctx).DebugContext(ctx, "fetching market prices", slog.String("period", string(period)))

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = m.maxElapsed
	body, err := backoff.RetryNotifyWithData(
		func() ([]byte, error) {
			body, err := common.Fetch(ctx, m.client, u.String(), nil)
			var se *common.StatusError
			if errors.As(err, &se) && se.Code < http.StatusInternalServerError && se.Code != http.StatusTooManyRequests {
				return nil, backoff.Permanent(err)
			}
			return body, err
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			log.Ctx(ctx).WarnContext(
				ctx,
				"market feed request failed, retrying",
				slog.Any("error", err),
				slog.Duration("next", next),
			)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch market prices: %w", err)
	}

	// the feed answers with an empty body or null before tomorrow is published
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var entries []marketEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode market feed response: %w", err)
	}

	points := make([]FeedPoint, 0, len(entries))
	for i, e := range entries {
		date, hour, err := declaredTime(e.Datum)
		if err != nil {
			return nil, fmt.Errorf("market feed entry %d: %w", i, err)
		}
		price, err := ParsePrice(e.Price)
		if err != nil {
			return nil, fmt.Errorf("market feed entry %d: %w", i, err)
		}
		points = append(points, FeedPoint{Date: date, Hour: hour, Price: price})
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched market prices",
		slog.String("period", string(period)),
		slog.Int("count", len(points)),
	)
	return points, nil
}

// datumTimeLayouts are the time of day formats accepted after the date.
var datumTimeLayouts = []string{"15:04:05", "15:04"}

// declaredTime extracts the calendar date and clock hour from the feed's datum
// field. The hour is -1 when datum only carries a date.
func declaredTime(datum string) (string, int, error) {
	datum = strings.TrimSpace(datum)
	if len(datum) < len(clock.DateLayout) {
		return "", 0, fmt.Errorf("invalid datum %q", datum)
	}
	date := datum[:len(clock.DateLayout)]
	if _, err := time.Parse(clock.DateLayout, date); err != nil {
		return "", 0, fmt.Errorf("invalid datum %q: %w", datum, err)
	}
	rest := strings.TrimLeft(datum[len(clock.DateLayout):], " T")
	if rest == "" {
		return date, -1, nil
	}
	// drop a zone suffix, the declared wall clock is what counts
	if i := strings.IndexAny(rest, "Z+-"); i > 0 {
		rest = rest[:i]
	}
	for _, layout := range datumTimeLayouts {
		if t, err := time.Parse(layout, rest); err == nil {
			return date, t.Hour(), nil
		}
	}
	return "", 0, fmt.Errorf("invalid time in datum %q", datum)
}

// ParsePrice parses a price that may use a decimal comma and applies the VAT
// multiplier.
func ParsePrice(s string) (float64, error) {
	s = strings.TrimSpace(s)
	d, err := decimal.NewFromString(strings.Replace(s, ",", ".", 1))
	if err != nil {
		return 0, fmt.Errorf("invalid price %q: %w", s, err)
	}
	return d.Mul(taxMultiplier).InexactFloat64(), nil
}

// CheckDate verifies that every point declares the expected date.
func CheckDate(points []FeedPoint, expected string) error {
	for _, p := range points {
		if p.Date != expected {
			return &FeedDateMismatchError{Expected: expected, Got: p.Date}
		}
	}
	return nil
}

// maxMissingHours is how many clock hours a timed feed may lack. The day
// clocks spring forward has one hour less.
const maxMissingHours = 1

// Downsample averages the sub-hourly feed records into one price per clock
// hour. When the records carry their hour they are grouped by it in any order,
// so the doubled hour of a day with 25 hours is averaged into one value and a
// single missing hour copies the hour before it (or after it for hour 0).
// Records without an hour must be a multiple of 24 in feed order and each
// consecutive group of len/24 records belongs to one hour.
func Downsample(points []FeedPoint) ([]types.HourPrice, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("cannot downsample an empty feed")
	}
	timed := points[0].Hour >= 0
	for _, p := range points {
		if (p.Hour >= 0) != timed {
			return nil, fmt.Errorf("market feed mixes records with and without a time of day")
		}
		if p.Hour >= types.HoursPerDay {
			return nil, fmt.Errorf("invalid feed hour %d", p.Hour)
		}
	}
	if timed {
		return downsampleByHour(points)
	}

	if len(points)%types.HoursPerDay != 0 {
		return nil, fmt.Errorf("cannot downsample %d feed records into %d hours", len(points), types.HoursPerDay)
	}
	group := len(points) / types.HoursPerDay
	prices := make([]types.HourPrice, types.HoursPerDay)
	for h := range prices {
		var sum float64
		for _, p := range points[h*group : (h+1)*group] {
			sum += p.Price
		}
		prices[h] = types.HourPrice{Hour: h, Price: sum / float64(group)}
	}
	return prices, nil
}

func downsampleByHour(points []FeedPoint) ([]types.HourPrice, error) {
	var sums [types.HoursPerDay]float64
	var counts [types.HoursPerDay]int
	for _, p := range points {
		sums[p.Hour] += p.Price
		counts[p.Hour]++
	}

	var missing []int
	for h, n := range counts {
		if n == 0 {
			missing = append(missing, h)
		}
	}
	if len(missing) > maxMissingHours {
		return nil, fmt.Errorf("market feed is missing %d of %d hours", len(missing), types.HoursPerDay)
	}

	prices := make([]types.HourPrice, types.HoursPerDay)
	for h := range prices {
		prices[h].Hour = h
		if counts[h] > 0 {
			prices[h].Price = sums[h] / float64(counts[h])
		}
	}
	for _, h := range missing {
		from := h - 1
		if h == 0 {
			from = 1
		}
		prices[h].Price = prices[from].Price
	}
	return prices, nil
}
