// Package metrics exposes Prometheus collectors for HTTP traffic and identity workflows.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector registered by the API.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authAttempts    *prometheus.CounterVec
	invitations     *prometheus.CounterVec
	cascades        *prometheus.CounterVec
	backendInfo     *prometheus.GaugeVec
}

// New registers the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sata_auth_attempts_total",
			Help: "Login and step-up attempts by portal and outcome",
		}, []string{"portal", "outcome"}),
		invitations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sata_invitations_total",
			Help: "Invitation workflow events by outcome",
		}, []string{"outcome"}),
		cascades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sata_tenant_cascades_total",
			Help: "Tenant deletions by mode and outcome",
		}, []string{"mode", "outcome"}),
		backendInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sata_persistence_backend_info",
			Help: "Selected persistence backend (value is always 1)",
		}, []string{"backend"}),
	}

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.authAttempts,
		m.invitations,
		m.cascades,
		m.backendInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, route, strconv.Itoa(status)}
		m.requests.WithLabelValues(labels...).Inc()
		m.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

func (m *Metrics) AuthAttempt(portal, outcome string) {
	m.authAttempts.WithLabelValues(portal, outcome).Inc()
}

func (m *Metrics) Invitation(outcome string) {
	m.invitations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TenantCascade(mode, outcome string) {
	m.cascades.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) Backend(name string) {
	m.backendInfo.WithLabelValues(name).Set(1)
}
