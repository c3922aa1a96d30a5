package types

import (
	"fmt"
	"time"
)

// HoursPerDay is the number of hourly entries in a complete price series.
const HoursPerDay = 24

// HourPrice is the price of electricity during one clock hour of a day in
// euros per kWh, taxes included.
type HourPrice struct {
	Hour  int     `json:"hour"`
	Price float64 `json:"price"`
}

// PriceSeries is the authoritative set of hourly prices for one calendar date.
type PriceSeries struct {
	// Date is the calendar date in the form 2006-01-02.
	Date   string      `json:"date"`
	Prices []HourPrice `json:"hourlyPrices"`

	// RetailDiff is the margin that was added to every market price when the
	// series was ingested. Subtracting it yields the raw market price.
	RetailDiff float64   `json:"retailDiff"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// Validate checks that the series has exactly one entry per hour in order.
func (s PriceSeries) Validate() error {
	if s.Date == "" {
		return fmt.Errorf("price series missing date")
	}
	if len(s.Prices) != HoursPerDay {
		return fmt.Errorf("price series %s has %d entries, expected %d", s.Date, len(s.Prices), HoursPerDay)
	}
	for i, p := range s.Prices {
		if p.Hour != i {
			return fmt.Errorf("price series %s entry %d has hour %d", s.Date, i, p.Hour)
		}
	}
	return nil
}

// LowestRaw returns the lowest market price of the series before the retail
// diff was added.
func (s PriceSeries) LowestRaw() (float64, bool) {
	if len(s.Prices) == 0 {
		return 0, false
	}
	lowest := s.Prices[0].Price
	for _, p := range s.Prices[1:] {
		if p.Price < lowest {
			lowest = p.Price
		}
	}
	return lowest - s.RetailDiff, true
}

// HourRange is an inclusive range of hours of the day.
type HourRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// AllHours covers the whole day.
var AllHours = HourRange{Min: 0, Max: HoursPerDay - 1}

// Validate checks that the range lies within a day. An inverted range is
// valid and empty.
func (r HourRange) Validate() error {
	if r.Min < 0 || r.Min >= HoursPerDay || r.Max < 0 || r.Max >= HoursPerDay {
		return fmt.Errorf("invalid hour range [%d,%d]", r.Min, r.Max)
	}
	return nil
}

// Contains returns true if hour lies within the range.
func (r HourRange) Contains(hour int) bool {
	return hour >= r.Min && hour <= r.Max
}

// Size returns the number of hours in the range.
func (r HourRange) Size() int {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min + 1
}

// Hours extracts the hour numbers of prices.
func Hours(prices []HourPrice) []int {
	hours := make([]int, 0, len(prices))
	for _, p := range prices {
		hours = append(hours, p.Hour)
	}
	return hours
}
