// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"net/http"
	"time"

	"github.com/ManuGH/streamrec/internal/api/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readHeaderTimeout = 10 * time.Second
	tracingService    = "streamrec-api"
)

func (s *Server) routes() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		TracingService: tracingService,
		EnableLogging:  true,
	})

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(middleware.APIRateLimit(s.cfg.RateLimit))
		}
		r.Get("/streams", s.handleListStreams)
		r.Get("/streams/{name}", s.handleGetStream)
		r.Put("/streams/{name}/recording", s.handleSetRecording)
		r.Get("/deadletters", s.handleListDeadLetters)
		r.Delete("/deadletters/{id}", s.handleDeleteDeadLetter)
		r.Post("/config/reload", s.handleConfigReload)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) { writeNotFound(w) })
	return r
}
