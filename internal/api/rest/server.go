package rest

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/oshokin/compose-updater/internal/domain/update"
	"github.com/oshokin/compose-updater/internal/logger"
	"github.com/oshokin/compose-updater/internal/service/broadcast"
	"github.com/oshokin/compose-updater/internal/service/guard"
	"github.com/oshokin/compose-updater/internal/service/orchestrator"
)

//go:embed static/index.html
var static embed.FS

// Service is the orchestrator surface used by the HTTP API.
type Service interface {
	Status(ctx context.Context, refresh bool) *update.VersionStatus
	Snapshot() update.Snapshot
	StartUpdate(ctx context.Context) (*update.Run, error)
	Cancel(ctx context.Context) error
	Subscribe() *broadcast.Subscription
	LastRun() *update.Run
}

// Metrics records API-level counters.
type Metrics interface {
	UpdateDenied(reason string)
	Middleware(next http.Handler) http.Handler
}

const (
	// DefaultTriggerRate is the steady rate of trigger and cancel requests per client.
	DefaultTriggerRate = rate.Limit(1)
	// DefaultTriggerBurst is how many trigger requests a client may send at once.
	DefaultTriggerBurst = 5
	// DefaultKeepalive is the interval of stream keepalives.
	DefaultKeepalive = 15 * time.Second

	// lastCheckedLayout renders the time of the last status check.
	lastCheckedLayout = time.TimeOnly
	// requestIDHeader carries the request id in and out.
	requestIDHeader = "X-Request-ID"
)

// Denial reasons reported by the trigger endpoints.
const (
	reasonInProgress   = "in_progress"
	reasonCooldown     = "cooldown"
	reasonShuttingDown = "shutting_down"
	reasonNoActiveRun  = "no_active_run"
	reasonInternal     = "internal"
)

// Options configures the HTTP handler.
type Options struct {
	// Service is the orchestrator; required.
	Service Service
	// Metrics records counters and wraps the router; nil disables it.
	Metrics Metrics
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// AllowedOrigins limits browser origins; empty allows every origin.
	AllowedOrigins []string
	// TriggerRate and TriggerBurst throttle update triggers per client address.
	TriggerRate  rate.Limit
	TriggerBurst int
	// Keepalive is the interval of stream keepalives.
	Keepalive time.Duration
}

// Server holds the handlers of the API.
type Server struct {
	service        Service
	metrics        Metrics
	limiter        *clientLimiter
	allowedOrigins []string
	keepalive      time.Duration
}

// errServiceRequired is returned when no orchestrator is provided.
var errServiceRequired = errors.New("service is required")

// NewHandler builds the router with every route, middleware and CORS policy.
func NewHandler(opts *Options) (http.Handler, error) {
	if opts == nil || opts.Service == nil {
		return nil, errServiceRequired
	}

	s := &Server{
		service:        opts.Service,
		metrics:        opts.Metrics,
		allowedOrigins: opts.AllowedOrigins,
		keepalive:      opts.Keepalive,
	}

	triggerRate, triggerBurst := opts.TriggerRate, opts.TriggerBurst
	if triggerRate <= 0 {
		triggerRate = DefaultTriggerRate
	}

	if triggerBurst <= 0 {
		triggerBurst = DefaultTriggerBurst
	}

	s.limiter = newClientLimiter(triggerRate, triggerBurst)

	if s.keepalive <= 0 {
		s.keepalive = DefaultKeepalive
	}

	router := mux.NewRouter()
	router.Use(requestLogger)

	if s.metrics != nil {
		router.Use(s.metrics.Middleware)
	}

	router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/update", s.limiter.throttle(s.handleUpdate)).Methods(http.MethodPost)
	api.HandleFunc("/update/cancel", s.limiter.throttle(s.handleCancel)).Methods(http.MethodPost)
	api.HandleFunc("/update/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/update/ws", s.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/runs/last", s.handleLastRun).Methods(http.MethodGet)

	if opts.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	return corsPolicy(opts.AllowedOrigins).Handler(router), nil
}

// corsPolicy allows every origin unless a list is configured.
func corsPolicy(origins []string) *cors.Cors {
	if len(origins) == 0 {
		return cors.AllowAll()
	}

	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", requestIDHeader},
	})
}

// statusResponse is the dashboard view of the version status.
type statusResponse struct {
	CurrentVersion    string             `json:"current_version"`
	LatestVersion     string             `json:"latest_version"`
	UpdateAvailable   bool               `json:"update_available"`
	ContainerStatus   string             `json:"container_status"`
	ContainerRunning  bool               `json:"container_running"`
	CanUpdate         bool               `json:"can_update"`
	CooldownRemaining int                `json:"cooldown_remaining"`
	LastChecked       string             `json:"last_checked"`
	Phase             update.Phase       `json:"phase"`
	CurrentError      string             `json:"current_error,omitempty"`
	LatestError       string             `json:"latest_error,omitempty"`
	Release           *update.Release    `json:"release,omitempty"`
	CurrentRun        *update.RunSummary `json:"current_run,omitempty"`
	LastRun           *update.RunSummary `json:"last_run,omitempty"`
}

// updateResponse answers a trigger or a cancellation.
type updateResponse struct {
	Admitted          bool   `json:"admitted"`
	RunID             string `json:"run_id,omitempty"`
	Reason            string `json:"reason,omitempty"`
	Message           string `json:"message"`
	CooldownRemaining int    `json:"cooldown_remaining,omitempty"`
}

// errorResponse is the body of every other failure.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := static.ReadFile("static/index.html")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))

	status := s.service.Status(r.Context(), refresh)
	snapshot := s.service.Snapshot()

	writeJSON(w, http.StatusOK, statusResponse{
		CurrentVersion:    status.Current.Display(),
		LatestVersion:     status.Latest.Display(),
		UpdateAvailable:   status.UpdateAvailable,
		ContainerStatus:   capitalize(status.Container.Status),
		ContainerRunning:  status.Container.Running,
		CanUpdate:         snapshot.CanUpdate,
		CooldownRemaining: seconds(snapshot.CooldownRemaining),
		LastChecked:       status.CheckedAt.Local().Format(lastCheckedLayout),
		Phase:             snapshot.Phase,
		CurrentError:      status.CurrentError,
		LatestError:       status.LatestError,
		Release:           status.Release,
		CurrentRun:        snapshot.CurrentRun,
		LastRun:           snapshot.LastRun,
	})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.StartUpdate(r.Context())
	if err != nil {
		status, response := s.denial(err)
		writeJSON(w, status, response)

		return
	}

	writeJSON(w, http.StatusAccepted, updateResponse{
		Admitted: true,
		RunID:    run.ID,
		Message:  "Update started",
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.service.Cancel(r.Context())
	if errors.Is(err, orchestrator.ErrNoActiveRun) {
		writeJSON(w, http.StatusConflict, updateResponse{
			Reason:  reasonNoActiveRun,
			Message: "No update is running",
		})

		return
	}

	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, updateResponse{
		Admitted: true,
		Message:  "Cancellation requested",
	})
}

func (s *Server) handleLastRun(w http.ResponseWriter, _ *http.Request) {
	run := s.service.LastRun()
	if run == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no update has run yet"})
		return
	}

	writeJSON(w, http.StatusOK, run)
}

// denial maps an admission error to its status code and body, and counts it.
func (s *Server) denial(err error) (int, updateResponse) {
	var (
		cooldown *guard.CooldownError
		status   = http.StatusConflict
		response = updateResponse{Message: err.Error()}
	)

	switch {
	case errors.Is(err, guard.ErrAlreadyInProgress):
		response.Reason = reasonInProgress
		response.Message = "Update already in progress"
	case errors.As(err, &cooldown):
		remaining := seconds(cooldown.Remaining)

		response.Reason = reasonCooldown
		response.Message = "Please wait " + strconv.Itoa(remaining) + " seconds"
		response.CooldownRemaining = remaining
	case errors.Is(err, orchestrator.ErrClosed):
		status = http.StatusServiceUnavailable
		response.Reason = reasonShuttingDown
	default:
		status = http.StatusInternalServerError
		response.Reason = reasonInternal
	}

	if s.metrics != nil {
		s.metrics.UpdateDenied(response.Reason)
	}

	return status, response
}

// writeJSON encodes v with the status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.DebugKV(context.Background(), "Failed to write response", "error", err)
	}
}

// seconds rounds d up to whole seconds.
func seconds(d time.Duration) int {
	return int(guard.RoundUp(d) / time.Second)
}

// capitalize upper-cases the first letter of a runtime status.
func capitalize(s string) string {
	if s == "" {
		return s
	}

	if s[0] >= 'a' && s[0] <= 'z' {
		return string(s[0]-'a'+'A') + s[1:]
	}

	return s
}
