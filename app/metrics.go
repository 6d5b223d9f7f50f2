package talk

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/livepulse/talk/pkg/router"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talk_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "talk_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talk_messages_sent_total",
			Help: "Total chat messages accepted",
		},
		[]string{"room"},
	)

	reactionsToggled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talk_reactions_toggled_total",
			Help: "Total reaction toggles applied",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "talk_sessions_active",
			Help: "Currently open chat sessions",
		},
	)

	sessionsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "talk_sessions_dropped_total",
			Help: "Sessions disconnected because their send queue overflowed",
		},
	)

	actionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "talk_action_errors_total",
			Help: "Client actions rejected, by error code",
		},
		[]string{"code"},
	)
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack forwards to the underlying writer. The websocket upgrade hijacks
// the connection, so the recorder must not hide the Hijacker interface from
// handlers behind this middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// MetricsMiddleware records request counts and latency per route.
func MetricsMiddleware(next http.Handler) router.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		return nil
	}
}
