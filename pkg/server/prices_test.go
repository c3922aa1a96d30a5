package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrices(t *testing.T) {
	srv, prices := newTestServer()
	handler := srv.setupHandler()

	t.Run("Today", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/prices", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		var s types.PriceSeries
		require.NoError(t, json.NewDecoder(w.Body).Decode(&s))
		assert.Equal(t, "2024-01-01", s.Date)
		assert.Len(t, s.Prices, types.HoursPerDay)
	})

	t.Run("Not Cached", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/prices?date=2024-01-02", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("Stale Today", func(t *testing.T) {
		saved := prices.series
		prices.series = nil
		defer func() { prices.series = saved }()

		req := httptest.NewRequest(http.MethodGet, "/api/prices/low", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestLowPrices(t *testing.T) {
	srv, _ := newTestServer()
	handler := srv.setupHandler()

	tests := []struct {
		name       string
		query      string
		statusCode int
		hours      []int
	}{
		// 7..23 average 0.30
		{name: "Default", query: "", statusCode: http.StatusOK, hours: []int{7, 8, 9, 10, 11, 12, 13, 14}},
		{name: "Offset", query: "?offset=0.05", statusCode: http.StatusOK, hours: []int{7, 8, 9, 10, 11, 12}},
		{name: "Range", query: "?min=0&max=3&offset=0", statusCode: http.StatusOK, hours: []int{0, 1}},
		{name: "Invalid Offset", query: "?offset=abc", statusCode: http.StatusBadRequest},
		{name: "Invalid Hour", query: "?max=24", statusCode: http.StatusBadRequest},
		{name: "Empty Range", query: "?min=10&max=5", statusCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/prices/low"+tt.query, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			require.Equal(t, tt.statusCode, w.Code)
			if tt.statusCode != http.StatusOK {
				return
			}
			var got []types.HourPrice
			require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
			assert.Equal(t, tt.hours, types.Hours(got))
		})
	}
}

func TestCheapest(t *testing.T) {
	srv, prices := newTestServer()
	handler := srv.setupHandler()

	get := func(t *testing.T, query string) (int, cheapestResponse) {
		req := httptest.NewRequest(http.MethodGet, "/api/prices/cheapest"+query, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		var resp cheapestResponse
		if w.Code == http.StatusOK {
			require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		}
		return w.Code, resp
	}

	t.Run("Default Count", func(t *testing.T) {
		prices.current = 17
		code, resp := get(t, "")
		require.Equal(t, http.StatusOK, code)
		assert.Len(t, resp.Hours, DefaultCheapestHours)
		assert.Equal(t, 17, resp.CurrentHour)
		assert.True(t, resp.On)
	})

	t.Run("Current Hour Excluded", func(t *testing.T) {
		prices.current = 20
		code, resp := get(t, "?n=4")
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, []int{0, 1, 2, 3}, types.Hours(resp.Hours))
		assert.False(t, resp.On)
	})

	t.Run("Invalid Count", func(t *testing.T) {
		code, _ := get(t, "?n=-1")
		assert.Equal(t, http.StatusBadRequest, code)
	})
}
