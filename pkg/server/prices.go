package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/pricecache"
	"github.com/chargerudder/chargerudder/pkg/types"
)

// DefaultCheapestHours is how many hours a device automator keeps on.
const DefaultCheapestHours = 18

type cheapestResponse struct {
	Hours       []types.HourPrice `json:"hours"`
	CurrentHour int               `json:"currentHour"`
	On          bool              `json:"on"`
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = s.today()
	}
	series, err := s.prices.PricesFor(date)
	if err != nil {
		s.writePriceError(w, r, err)
		return
	}
	writeJSON(w, series)
}

func (s *Server) handleLowPrices(w http.ResponseWriter, r *http.Request) {
	offset := pricecache.BestHoursOffset
	if v := r.URL.Query().Get("offset"); v != "" {
		var err error
		offset, err = strconv.ParseFloat(v, 64)
		if err != nil {
			writeJSONError(w, "invalid offset", http.StatusBadRequest)
			return
		}
	}
	rng, err := hourRange(r, pricecache.BestHoursRange)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	prices, err := s.prices.OffsetBelowAverage(rng, offset)
	if err != nil {
		s.writePriceError(w, r, err)
		return
	}
	writeJSON(w, prices)
}

func (s *Server) handleCheapest(w http.ResponseWriter, r *http.Request) {
	n := DefaultCheapestHours
	if v := r.URL.Query().Get("n"); v != "" {
		var err error
		n, err = strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, "invalid n", http.StatusBadRequest)
			return
		}
	}
	rng, err := hourRange(r, types.AllHours)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	prices, err := s.prices.XLowest(rng, n)
	if err != nil {
		s.writePriceError(w, r, err)
		return
	}
	cur, err := s.prices.CurrentPrice()
	if err != nil {
		s.writePriceError(w, r, err)
		return
	}

	resp := cheapestResponse{
		Hours:       prices,
		CurrentHour: cur.Hour,
	}
	for _, p := range prices {
		if p.Hour == cur.Hour {
			resp.On = true
			break
		}
	}
	writeJSON(w, resp)
}

// hourRange reads the optional min and max parameters.
func hourRange(r *http.Request, def types.HourRange) (types.HourRange, error) {
	rng := def
	for name, dst := range map[string]*int{"min": &rng.Min, "max": &rng.Max} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		i, err := strconv.Atoi(v)
		if err != nil {
			return types.HourRange{}, errors.New("invalid " + name + " hour")
		}
		*dst = i
	}
	if err := rng.Validate(); err != nil {
		return types.HourRange{}, err
	}
	return rng, nil
}

func (s *Server) writePriceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var stale *pricecache.StaleCacheError
	switch {
	case errors.As(err, &stale):
		log.Ctx(ctx).WarnContext(ctx, "price query on stale cache", slog.String("date", stale.Date))
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, pricecache.ErrEmptyRange):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "price query failed", slog.Any("error", err))
		writeJSONError(w, "price query failed", http.StatusInternalServerError)
	}
}
