package obs

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cvm"

var (
	appInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "app",
			Name:      "info",
			Help:      "Static app info for deployment verification.",
		},
		[]string{"version"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Report download jobs finished, by site and result.",
		},
		[]string{"site", "result"},
	)
	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Report download job duration in seconds.",
			Buckets:   []float64{5, 10, 20, 40, 60, 90, 120, 180, 300, 600},
		},
		[]string{"site"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions, by target state.",
		},
		[]string{"site", "state"},
	)
	otpWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "wait_seconds",
			Help:      "Time between an OTP request and its outcome.",
			Buckets:   []float64{5, 15, 30, 60, 90, 120, 180, 240, 300},
		},
		[]string{"site", "outcome"},
	)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "code"},
	)
)

func init() {
	prometheus.MustRegister(appInfo, jobsTotal, jobDuration, stateTransitions, otpWait, httpRequestsTotal)
}

func SetAppInfo(version string) {
	if version == "" {
		version = "dev"
	}
	appInfo.WithLabelValues(version).Set(1)
}

// RecordJob counts a finished job.
func RecordJob(site string, start time.Time, err error) {
	res := "done"
	if err != nil {
		res = "error"
	}
	jobsTotal.WithLabelValues(site, res).Inc()
	jobDuration.WithLabelValues(site).Observe(time.Since(start).Seconds())
}

func RecordTransition(site, state string) {
	stateTransitions.WithLabelValues(site, state).Inc()
}

// RecordOtpWait observes one broker wait. outcome is received, timeout or cancelled.
func RecordOtpWait(site, outcome string, waited time.Duration) {
	otpWait.WithLabelValues(site, outcome).Observe(waited.Seconds())
}

// MetricsHandler serves the default registry.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware records request counts. Routes are the registered mux patterns so
// cardinality stays bounded.
func MetricsMiddleware(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.code = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades pass through the recorder.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer %T does not support hijacking", r.ResponseWriter)
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
