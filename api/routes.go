package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes wires the API surface onto r.
func SetupRoutes(r *mux.Router, h *Handler, limiter *RateLimiter) {
	r.Use(SecurityHeaders, h.CountRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/convert", limiter.Middleware(http.HandlerFunc(h.Submit))).Methods("POST")
	api.HandleFunc("/status/{id}", h.JobStatus).Methods("GET")
	api.HandleFunc("/download/{id}", h.Download).Methods("GET")
	api.HandleFunc("/conversions", h.SupportedConversions).Methods("GET")
	api.HandleFunc("/health", h.Health).Methods("GET")
	api.HandleFunc("/metrics", h.Metrics).Methods("GET")
	api.HandleFunc("/status", h.ServiceStatus).Methods("GET")
}
