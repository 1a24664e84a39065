// Package app wires application components and startup helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/email-dispatch-gateway/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// Enqueue and counter routes sit behind the API key; the tracking pixel and
// the provider webhook must stay public.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	// API-key protected ingress
	r.Group(func(pr chi.Router) {
		pr.Use(httpserver.APIKeyAuth(cfg.APIKey))
		pr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		pr.Post("/v1/messages", srv.CreateMessagesHandler())
		pr.Get("/v1/topics/{topicID}", srv.TopicCountsHandler())
		pr.Get("/v1/events/counts/sent", srv.SentCountHandler())
	})

	// Public event surface
	r.Get("/v1/events/open", srv.OpenEventHandler())
	r.Post("/v1/events/results", srv.ResultEventHandler())
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/health", srv.HealthzHandler())

	r.Handle("/metrics", promhttp.Handler())

	return httpserver.SecurityHeaders(otelhttp.NewHandler(r, "http.server"))
}
