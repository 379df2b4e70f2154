// Package httpapi exposes the build service over HTTP.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vyvo/appbuild/backend/pkg/auth"
	"github.com/vyvo/appbuild/backend/pkg/builder"
	"github.com/vyvo/appbuild/backend/pkg/metrics"
)

type server struct {
	svc       *builder.Service
	events    *builder.Broadcaster
	log       *zerolog.Logger
	heartbeat time.Duration
}

// NewRouter wires the public routes. verifier may be nil when tokens are not used.
func NewRouter(svc *builder.Service, events *builder.Broadcaster, verifier *auth.Verifier, logger *zerolog.Logger) http.Handler {
	s := &server{svc: svc, events: events, log: logger, heartbeat: 15 * time.Second}
	metrics.MustRegister()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(verifier, func(w http.ResponseWriter, _ *http.Request, err error) {
			writeError(w, logger, err)
		}))

		r.Post("/api/build/start", s.handleStartBuild)
		r.Post("/build-apk", s.handleStartBuild)
		r.Post("/generate-app", s.handleStartBuild)

		r.Get("/api/builds", s.handleListBuilds)
		r.Get("/api/build-status/{buildID}", s.handleGetStatus)
		r.Get("/api/build-status/{buildID}/stream", s.handleStreamStatus)
		r.Get("/build-status/{buildID}", s.handleGetStatus)
	})

	return r
}

// requestLogger writes one zerolog line per request.
func requestLogger(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info().
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}
