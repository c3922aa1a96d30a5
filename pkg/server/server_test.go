package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/chargerudder/chargerudder/pkg/controller"
	"github.com/chargerudder/chargerudder/pkg/pricecache"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu        sync.Mutex
	id        string
	decision  controller.Decision
	ticks     int
	policy    types.ControlPolicy
	policyErr error
	schedule  controller.Schedule
	schedErr  error
	history   []types.ChargeLogEntry
	histErr   error
	lastStart time.Time
	lastEnd   time.Time
}

func (d *fakeDevice) ID() string { return d.id }

func (d *fakeDevice) Tick(ctx context.Context) controller.Decision {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ticks++
	return d.decision
}

func (d *fakeDevice) Status() controller.Status {
	return controller.Status{
		ID:       d.id,
		Charge:   d.decision.Charge,
		State:    d.decision.State,
		Schedule: d.schedule,
	}
}

func (d *fakeDevice) History(ctx context.Context, start, end time.Time) ([]types.ChargeLogEntry, error) {
	d.lastStart, d.lastEnd = start, end
	return d.history, d.histErr
}

func (d *fakeDevice) Policy(ctx context.Context) types.ControlPolicy {
	return d.policy
}

func (d *fakeDevice) SetPolicy(ctx context.Context, threshold float64, active bool) (types.ControlPolicy, error) {
	if d.policyErr != nil {
		return types.ControlPolicy{}, d.policyErr
	}
	d.policy.PriceThreshold = threshold
	d.policy.Active = active
	return d.policy, nil
}

func (d *fakeDevice) SetSchedule(ctx context.Context, s controller.Schedule) error {
	if d.schedErr != nil {
		return d.schedErr
	}
	d.schedule = s
	return nil
}

type fakePrices struct {
	series  map[string]types.PriceSeries
	current int
	err     error
}

func (p *fakePrices) PricesFor(date string) (types.PriceSeries, error) {
	if p.err != nil {
		return types.PriceSeries{}, p.err
	}
	s, ok := p.series[date]
	if !ok {
		return types.PriceSeries{}, &pricecache.StaleCacheError{Date: date}
	}
	return s, nil
}

func (p *fakePrices) today() (types.PriceSeries, error) {
	return p.PricesFor("2024-01-01")
}

func (p *fakePrices) Prices(r types.HourRange) ([]types.HourPrice, error) {
	s, err := p.today()
	if err != nil {
		return nil, err
	}
	var out []types.HourPrice
	for _, hp := range s.Prices {
		if r.Contains(hp.Hour) {
			out = append(out, hp)
		}
	}
	return out, nil
}

func (p *fakePrices) OffsetBelowAverage(r types.HourRange, offset float64) ([]types.HourPrice, error) {
	prices, err := p.Prices(r)
	if err != nil {
		return nil, err
	}
	if len(prices) == 0 {
		return nil, pricecache.ErrEmptyRange
	}
	var sum float64
	for _, hp := range prices {
		sum += hp.Price
	}
	avg := sum / float64(len(prices))
	out := []types.HourPrice{}
	for _, hp := range prices {
		if hp.Price < avg-offset {
			out = append(out, hp)
		}
	}
	return out, nil
}

// XLowest here relies on the test series rising with the hour.
func (p *fakePrices) XLowest(r types.HourRange, n int) ([]types.HourPrice, error) {
	prices, err := p.Prices(r)
	if err != nil {
		return nil, err
	}
	if n > len(prices) {
		n = len(prices)
	}
	return prices[:n], nil
}

func (p *fakePrices) CurrentPrice() (types.HourPrice, error) {
	s, err := p.today()
	if err != nil {
		return types.HourPrice{}, err
	}
	return s.Prices[p.current], nil
}

func (p *fakePrices) RetailDiff() float64 { return 0.15 }

// risingSeries costs 2h cents at hour h.
func risingSeries(date string) types.PriceSeries {
	s := types.PriceSeries{Date: date, RetailDiff: 0.15}
	for h := 0; h < types.HoursPerDay; h++ {
		s.Prices = append(s.Prices, types.HourPrice{Hour: h, Price: float64(2*h) / 100})
	}
	return s
}

func newTestServer(devices ...*fakeDevice) (*Server, *fakePrices) {
	prices := &fakePrices{series: map[string]types.PriceSeries{
		"2024-01-01": risingSeries("2024-01-01"),
	}}
	ds := make([]Device, 0, len(devices))
	for _, d := range devices {
		ds = append(ds, d)
	}
	return New(ds, prices, func() string { return "2024-01-01" }), prices
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Equal(t, "chargerudder", w.Header().Get("Server"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chargerudder_")
}

func TestGzip(t *testing.T) {
	var devices []*fakeDevice
	for i := 0; i < 20; i++ {
		devices = append(devices, &fakeDevice{id: fmt.Sprintf("device-%02d", i)})
	}
	srv, _ := newTestServer(devices...)
	handler := srv.setupHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
}

func TestRunShutdown(t *testing.T) {
	srv, _ := newTestServer()
	srv.listenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunListenError(t *testing.T) {
	srv, _ := newTestServer()
	srv.listenAddr = "not-an-address"

	err := srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server error")
}
