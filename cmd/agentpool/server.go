package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/terrpan/agentpool/internal/cloud"
	"github.com/terrpan/agentpool/internal/health"
)

// newRouter serves the read-only ops endpoints.
func newRouter(provider string, images []cloud.Image, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Handle("/healthz", health.Handler(provider, images...))
	r.Handle("/metrics", metrics)
	return r
}
