package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

func (s *Server) headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		// decisions and prices change every few minutes
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

// recoveryLogger sends panics caught by handlers.RecoveryHandler to slog.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...any) {
	slog.Error("recovered from panic in handler", slog.String("panic", fmt.Sprint(v...)))
}
