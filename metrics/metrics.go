package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the service's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "donor_service",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "donor_service",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	requestsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "donor_service",
			Subsystem: "requests",
			Name:      "created_total",
			Help:      "Blood requests created, by blood type.",
		},
		[]string{"blood_type"},
	)

	donorsMatched = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "donor_service",
			Subsystem: "matching",
			Name:      "donors_matched",
			Help:      "Eligible donors found per request.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "donor_service",
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Push notifications attempted, by outcome.",
		},
		[]string{"outcome"},
	)

	acceptances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "donor_service",
			Subsystem: "requests",
			Name:      "acceptances_total",
			Help:      "Acceptance attempts, by result code.",
		},
		[]string{"result"},
	)

	geocodeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "donor_service",
			Subsystem: "geocode",
			Name:      "lookups_total",
			Help:      "Geocode lookups, by cache result.",
		},
		[]string{"result"},
	)

	requestsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "donor_service",
			Subsystem: "reaper",
			Name:      "expired_total",
			Help:      "Requests transitioned to expired by the reaper.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		requestsCreated,
		donorsMatched,
		notifications,
		acceptances,
		geocodeLookups,
		requestsExpired,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency keyed by the matched mux route template.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if route == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func RecordRequestCreated(bloodType string) {
	requestsCreated.WithLabelValues(bloodType).Inc()
}

func RecordDonorsMatched(n int) {
	donorsMatched.Observe(float64(n))
}

func RecordNotifications(sent, failed int) {
	notifications.WithLabelValues("sent").Add(float64(sent))
	notifications.WithLabelValues("failed").Add(float64(failed))
}

func RecordAcceptance(result string) {
	acceptances.WithLabelValues(result).Inc()
}

func RecordGeocodeLookup(hit bool) {
	if hit {
		geocodeLookups.WithLabelValues("hit").Inc()
		return
	}
	geocodeLookups.WithLabelValues("miss").Inc()
}

func RecordExpired(n int64) {
	requestsExpired.Add(float64(n))
}
