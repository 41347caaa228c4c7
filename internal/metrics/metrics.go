package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	Submissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_submissions_total",
			Help: "Effective submissions by trigger",
		},
		[]string{"trigger"},
	)

	SubmitRacesLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exam_submit_races_lost_total",
			Help: "Submit calls that found the attempt already submitted",
		},
	)

	Violations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_violations_total",
			Help: "Reported security violations",
		},
		[]string{"kind", "severity"},
	)

	AutoExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "exam_auto_expired_total",
			Help: "Attempts submitted by the server-side deadline sweep",
		},
	)
)

func init() {
	prometheus.MustRegister(RequestCounter, RequestDuration, Submissions, SubmitRacesLost, Violations, AutoExpired)
}

// Middleware records request count and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			endpoint = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		RequestCounter.WithLabelValues(r.Method, endpoint, strconv.Itoa(status)).Inc()
		RequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

func Handler() http.Handler { return promhttp.Handler() }
