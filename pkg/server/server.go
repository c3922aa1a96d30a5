package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/chargerudder/chargerudder/pkg/controller"
	"github.com/chargerudder/chargerudder/pkg/log"
	"github.com/chargerudder/chargerudder/pkg/metrics"
	"github.com/chargerudder/chargerudder/pkg/types"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/handlers"
	"github.com/levenlabs/go-lflag"
)

// Device is a charging device as the API sees it.
type Device interface {
	ID() string
	Tick(ctx context.Context) controller.Decision
	Status() controller.Status
	History(ctx context.Context, start, end time.Time) ([]types.ChargeLogEntry, error)
	Policy(ctx context.Context) types.ControlPolicy
	SetPolicy(ctx context.Context, threshold float64, active bool) (types.ControlPolicy, error)
	SetSchedule(ctx context.Context, s controller.Schedule) error
}

// Prices is the read side of the price cache.
type Prices interface {
	PricesFor(date string) (types.PriceSeries, error)
	Prices(r types.HourRange) ([]types.HourPrice, error)
	OffsetBelowAverage(r types.HourRange, offset float64) ([]types.HourPrice, error)
	XLowest(r types.HourRange, n int) ([]types.HourPrice, error)
	CurrentPrice() (types.HourPrice, error)
	RetailDiff() float64
}

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server exposes the condition callback and the device and price API.
type Server struct {
	devices map[string]Device
	order   []string
	prices  Prices
	today   func() string

	listenAddr string
	httpServer *http.Server
	serverName string

	verifier    tokenVerifier
	adminEmails []string
}

// New returns a Server for devices. today returns the current date key.
func New(devices []Device, prices Prices, today func() string) *Server {
	s := &Server{
		devices:    make(map[string]Device, len(devices)),
		prices:     prices,
		today:      today,
		serverName: "chargerudder",
	}
	for _, d := range devices {
		s.AddDevice(d)
	}
	return s
}

// AddDevice exposes d on the API. It must be called before Run.
func (s *Server) AddDevice(d Device) {
	if _, ok := s.devices[d.ID()]; ok {
		panic(fmt.Errorf("duplicate device id: %s", d.ID()))
	}
	s.devices[d.ID()] = d
	s.order = append(s.order, d.ID())
	slices.Sort(s.order)
}

// Configured returns a Server with its listen address and authentication read
// from flags. Devices are added with AddDevice once they are initialized.
func Configured(prices Prices, today func() string) *Server {
	srv := New(nil, prices, today)
	if revision := os.Getenv("K_REVISION"); revision != "" {
		srv.serverName = revision
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "issuer of the ID tokens accepted on mutating endpoints")
	oidcAudience := lflag.String("oidc-audience", "", "audience of the ID tokens accepted on mutating endpoints, empty disables authentication")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to change policies and schedules")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			for _, email := range strings.Split(*adminEmails, ",") {
				srv.adminEmails = append(srv.adminEmails, strings.TrimSpace(email))
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), *oidcIssuer)
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize OIDC provider", slog.String("issuer", *oidcIssuer), slog.Any("error", err))
				os.Exit(1)
			}
			srv.verifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
	})
	return srv
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/devices/{id}/charge", s.withDevice(s.handleCharge))
	mux.HandleFunc("GET /api/devices/{id}/history", s.withDevice(s.handleHistory))
	mux.HandleFunc("GET /api/devices/{id}/policy", s.withDevice(s.handleGetPolicy))
	mux.Handle("POST /api/devices/{id}/policy", s.authMiddleware(s.withDevice(s.handleSetPolicy)))
	mux.Handle("POST /api/devices/{id}/schedule", s.authMiddleware(s.withDevice(s.handleSetSchedule)))
	mux.HandleFunc("GET /api/prices", s.handlePrices)
	mux.HandleFunc("GET /api/prices/low", s.handleLowPrices)
	mux.HandleFunc("GET /api/prices/cheapest", s.handleCheapest)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())

	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}))
	return s.revisionMiddleware(recovery(gziphandler.GzipHandler(s.headersMiddleware(mux))))
}

// Handler returns the root handler of the server.
func (s *Server) Handler() http.Handler {
	return s.setupHandler()
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
