// Package metrics exposes Prometheus collectors for the updater.
//
// Metrics implements orchestrator.Observer, wraps the HTTP router with a
// request counter and counts progress events dropped for slow subscribers.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/oshokin/compose-updater/internal/domain/update"
)

// unmatchedPath labels requests no route matched, keeping label cardinality bounded.
const unmatchedPath = "unmatched"

// Metrics holds every collector of the process.
type Metrics struct {
	runsTotal     *prometheus.CounterVec
	denialsTotal  *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	inProgress    prometheus.Gauge
	droppedEvents prometheus.Counter
	httpRequests  *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	promFactory := promauto.With(reg)

	return &Metrics{
		runsTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compose_updater_runs_total",
				Help: "Finished update runs labelled by result",
			},
			[]string{"result"},
		),
		denialsTotal: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compose_updater_update_denials_total",
				Help: "Update triggers denied by the guard labelled by reason",
			},
			[]string{"reason"},
		),
		phaseDuration: promFactory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "compose_updater_phase_duration_seconds",
				Help:    "Time spent in each pipeline phase",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"phase"},
		),
		inProgress: promFactory.NewGauge(prometheus.GaugeOpts{
			Name: "compose_updater_update_in_progress",
			Help: "1 while an update run is active",
		}),
		droppedEvents: promFactory.NewCounter(prometheus.CounterOpts{
			Name: "compose_updater_stream_dropped_events_total",
			Help: "Progress events dropped for slow subscribers",
		}),
		httpRequests: promFactory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "compose_updater_http_requests_total",
				Help: "HTTP requests labelled by method, route and status",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// PhaseChanged implements orchestrator.Observer.
func (m *Metrics) PhaseChanged(_ string, from, to update.Phase, elapsed time.Duration) {
	if from.Active() {
		m.phaseDuration.With(prometheus.Labels{"phase": from.String()}).Observe(elapsed.Seconds())
	}

	if to.Active() {
		m.inProgress.Set(1)
	}
}

// RunFinished implements orchestrator.Observer.
func (m *Metrics) RunFinished(run *update.Run) {
	m.inProgress.Set(0)
	m.runsTotal.With(prometheus.Labels{"result": run.Phase.String()}).Inc()
}

// UpdateDenied counts a denied trigger.
func (m *Metrics) UpdateDenied(reason string) {
	m.denialsTotal.With(prometheus.Labels{"reason": reason}).Inc()
}

// EventsDropped counts events discarded by the broadcaster; it is a broadcast drop hook.
func (m *Metrics) EventsDropped(n int) {
	m.droppedEvents.Add(float64(n))
}

// responseInterceptor records the status code of a response.
type responseInterceptor struct {
	http.ResponseWriter
	status int
}

// WriteHeader records the status.
func (w *responseInterceptor) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}

	w.ResponseWriter.WriteHeader(status)
}

// Write records an implicit 200.
func (w *responseInterceptor) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}

	return w.ResponseWriter.Write(b)
}

// Flush lets server-sent events through.
func (w *responseInterceptor) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets WebSocket upgrades through.
func (w *responseInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}

	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}

	return hijacker.Hijack()
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (w *responseInterceptor) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware counts requests by route template, so path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		interceptor := &responseInterceptor{ResponseWriter: w}

		next.ServeHTTP(interceptor, r)

		path := unmatchedPath
		if route := mux.CurrentRoute(r); route != nil {
			if template, err := route.GetPathTemplate(); err == nil {
				path = template
			}
		}

		status := interceptor.status
		if status == 0 {
			status = http.StatusOK
		}

		m.httpRequests.With(prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"status": strconv.Itoa(status),
		}).Inc()
	})
}
