package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chargerudder/chargerudder/pkg/controller"
	"github.com/chargerudder/chargerudder/pkg/log"
)

const maxHistoryRange = 7 * 24 * time.Hour

type deviceHandler func(w http.ResponseWriter, r *http.Request, d Device)

func (s *Server) withDevice(h deviceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		d, ok := s.devices[id]
		if !ok {
			writeJSONError(w, "unknown device", http.StatusNotFound)
			return
		}
		ctx := log.WithAttrs(r.Context(), slog.String("deviceID", id))
		h(w, r.WithContext(ctx), d)
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	statuses := make([]controller.Status, 0, len(s.order))
	for _, id := range s.order {
		statuses = append(statuses, s.devices[id].Status())
	}
	writeJSON(w, statuses)
}

// handleCharge is the condition callback. Every call evaluates the device.
func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request, d Device) {
	writeJSON(w, d.Tick(r.Context()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, d Device) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r, time.Now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := d.History(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get charge log", slog.Any("error", err))
		writeJSONError(w, "failed to get history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request, d Device) {
	writeJSON(w, d.Policy(r.Context()))
}

type policyRequest struct {
	PriceThreshold *float64 `json:"priceThreshold"`
	Active         *bool    `json:"active"`
}

func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request, d Device) {
	ctx := r.Context()
	var req policyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	cur := d.Policy(ctx)
	threshold, active := cur.PriceThreshold, cur.Active
	if req.PriceThreshold != nil {
		threshold = *req.PriceThreshold
	}
	if req.Active != nil {
		active = *req.Active
	}

	p, err := d.SetPolicy(ctx, threshold, active)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set policy", slog.Any("error", err))
		writeJSONError(w, "failed to save policy", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"policy updated",
		slog.Float64("priceThreshold", p.PriceThreshold),
		slog.Bool("active", p.Active),
	)
	writeJSON(w, p)
}

func (s *Server) handleSetSchedule(w http.ResponseWriter, r *http.Request, d Device) {
	ctx := r.Context()
	var req controller.Schedule
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	if err := d.SetSchedule(ctx, req); err != nil {
		if errors.Is(err, controller.ErrScheduleNotSaved) {
			log.Ctx(ctx).ErrorContext(ctx, "failed to save schedule", slog.Any("error", err))
			writeJSONError(w, "failed to save schedule", http.StatusInternalServerError)
			return
		}
		log.Ctx(ctx).WarnContext(ctx, "rejected schedule", slog.Any("error", err))
		writeJSONError(w, "invalid schedule: "+err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, d.Status())
}

// parseTimeRange reads RFC3339 start and end parameters, defaulting to the
// 24 hours before now.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" && endStr == "" {
		return now.Add(-24 * time.Hour), now, nil
	}
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("start and end are required together")
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed %s", maxHistoryRange)
	}

	return start, end, nil
}
