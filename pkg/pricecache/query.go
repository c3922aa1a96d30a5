package pricecache

import (
	"slices"

	"github.com/chargerudder/chargerudder/pkg/types"
)

// BestHoursRange is the part of the day best hours are picked from.
var BestHoursRange = types.HourRange{Min: 7, Max: 23}

// BestHoursOffset is how far below the average a best hour must be.
const BestHoursOffset = 0.01

// BestHours returns today's hours in BestHoursRange that are cheaper than the
// average by more than BestHoursOffset.
func (c *Cache) BestHours() ([]types.HourPrice, error) {
	return c.OffsetBelowAverage(BestHoursRange, BestHoursOffset)
}

func (c *Cache) todaySeries() (types.PriceSeries, error) {
	return c.PricesFor(c.cal.Today())
}

// PricesFor returns the cached series for date.
func (c *Cache) PricesFor(date string) (types.PriceSeries, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.series[date]
	if !ok {
		return types.PriceSeries{}, &StaleCacheError{Date: date}
	}
	return s, nil
}

// Prices returns today's prices within r in hour order.
func (c *Cache) Prices(r types.HourRange) ([]types.HourPrice, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	s, err := c.todaySeries()
	if err != nil {
		return nil, err
	}
	prices := make([]types.HourPrice, 0, r.Size())
	for _, p := range s.Prices {
		if r.Contains(p.Hour) {
			prices = append(prices, p)
		}
	}
	return prices, nil
}

func average(prices []types.HourPrice) (float64, error) {
	if len(prices) == 0 {
		return 0, ErrEmptyRange
	}
	var sum float64
	for _, p := range prices {
		sum += p.Price
	}
	return sum / float64(len(prices)), nil
}

func filter(prices []types.HourPrice, keep func(float64) bool) []types.HourPrice {
	out := []types.HourPrice{}
	for _, p := range prices {
		if keep(p.Price) {
			out = append(out, p)
		}
	}
	return out
}

// Average returns the mean of today's prices within r.
func (c *Cache) Average(r types.HourRange) (float64, error) {
	prices, err := c.Prices(r)
	if err != nil {
		return 0, err
	}
	return average(prices)
}

// OffsetAboveAverage returns the hours within r priced above the range
// average plus offset.
func (c *Cache) OffsetAboveAverage(r types.HourRange, offset float64) ([]types.HourPrice, error) {
	prices, err := c.Prices(r)
	if err != nil || len(prices) == 0 {
		return prices, err
	}
	avg, _ := average(prices)
	return filter(prices, func(p float64) bool { return p > avg+offset }), nil
}

// OffsetBelowAverage returns the hours within r priced below the range
// average minus offset.
func (c *Cache) OffsetBelowAverage(r types.HourRange, offset float64) ([]types.HourPrice, error) {
	prices, err := c.Prices(r)
	if err != nil || len(prices) == 0 {
		return prices, err
	}
	avg, _ := average(prices)
	return filter(prices, func(p float64) bool { return p < avg-offset }), nil
}

// AboveAverage returns the hours within r priced above the range average.
func (c *Cache) AboveAverage(r types.HourRange) ([]types.HourPrice, error) {
	return c.OffsetAboveAverage(r, 0)
}

// BelowAverage returns the hours within r priced below the range average.
func (c *Cache) BelowAverage(r types.HourRange) ([]types.HourPrice, error) {
	return c.OffsetBelowAverage(r, 0)
}

// BelowThreshold returns the hours within r priced at or below threshold.
func (c *Cache) BelowThreshold(r types.HourRange, threshold float64) ([]types.HourPrice, error) {
	prices, err := c.Prices(r)
	if err != nil {
		return nil, err
	}
	return filter(prices, func(p float64) bool { return p <= threshold }), nil
}

// AboveThreshold returns the hours within r priced strictly above threshold.
func (c *Cache) AboveThreshold(r types.HourRange, threshold float64) ([]types.HourPrice, error) {
	prices, err := c.Prices(r)
	if err != nil {
		return nil, err
	}
	return filter(prices, func(p float64) bool { return p > threshold }), nil
}

// XLowest returns the n cheapest hours within r in hour order. Equal prices
// prefer the earlier hour.
func (c *Cache) XLowest(r types.HourRange, n int) ([]types.HourPrice, error) {
	prices, err := c.Prices(r)
	if err != nil {
		return nil, err
	}
	n = max(0, min(n, len(prices)))

	byPrice := slices.Clone(prices)
	slices.SortStableFunc(byPrice, func(a, b types.HourPrice) int {
		switch {
		case a.Price < b.Price:
			return -1
		case a.Price > b.Price:
			return 1
		}
		return 0
	})
	lowest := byPrice[:n]
	slices.SortFunc(lowest, func(a, b types.HourPrice) int {
		return a.Hour - b.Hour
	})
	return lowest, nil
}

// CurrentPrice returns the price of the current hour.
func (c *Cache) CurrentPrice() (types.HourPrice, error) {
	s, err := c.todaySeries()
	if err != nil {
		return types.HourPrice{}, err
	}
	hour := c.cal.Hour()
	for _, p := range s.Prices {
		if p.Hour == hour {
			return p, nil
		}
	}
	return types.HourPrice{}, &StaleCacheError{Date: s.Date}
}
