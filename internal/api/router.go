// Package api exposes the collector's RPC surface over HTTP: summary,
// force_update, get_snapshot, refresh, plus the ambient health and metrics
// endpoints, wired through the teacher's gorilla/mux + middleware stack.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apimw "github.com/mstate/collector/internal/api/middleware"
	"github.com/mstate/collector/pkg/middleware"
)

// NewRouter builds the collector's HTTP router.
func NewRouter(h *Handlers, logger *slog.Logger) http.Handler {
	r := mux.NewRouter()

	r.Use(apimw.RecoverMiddleware(logger))
	r.Use(apimw.RequestIDMiddleware)
	r.Use(apimw.LoggingMiddleware(logger))
	r.Use(apimw.MetricsMiddleware)
	r.Use(middleware.SecureHeaders())

	r.HandleFunc("/summary", h.Summary).Methods(http.MethodGet)
	r.HandleFunc("/force_update", h.ForceUpdate).Methods(http.MethodPost)
	r.HandleFunc("/get_snapshot", h.GetSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/refresh", h.Refresh).Methods(http.MethodPost)

	r.HandleFunc("/backend_info", h.BackendInfo).Methods(http.MethodPost)
	r.HandleFunc("/fs_info", h.FSInfo).Methods(http.MethodPost)
	r.HandleFunc("/group_couple_info", h.GroupCoupleInfo).Methods(http.MethodPost)
	r.HandleFunc("/list_namespaces", h.ListNamespaces).Methods(http.MethodGet)

	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return r
}
