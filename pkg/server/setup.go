// Package server exposes ingestion, registration, queries and operations of
// the collector over HTTP.
package server

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicktill/tinyapm/pkg/analysis"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/logging"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/server/monitor"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Ingestor routes raw events into the worker graph.
type Ingestor interface {
	IngestMetric(ev *model.MetricEvent) error
	IngestGC(ev *model.GCEvent) error
}

// Pipeline reports the state of the worker graph.
type Pipeline interface {
	Status() []graph.WorkerStatus
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Service  *analysis.Service
	Ingestor Ingestor
	Pipeline Pipeline
	Rules    *config.RuleStore
	// Stream serves the alarm websocket. Nil disables the route.
	Stream http.Handler
	// Storage enforces the storage limit on ingest. Nil disables the check.
	Storage *monitor.StorageMonitor
	Tasks   []*monitor.TaskMonitor
	// Gatherer backs /metrics; nil selects the default registry.
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *slog.Logger
	Now            func() time.Time
}

// Server holds the handlers.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

// New returns a Server over deps.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{deps: deps, logger: deps.Logger, started: deps.Now()}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.logRequests, corsMiddleware(s.deps.AllowedOrigins))

	api := router.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/ingest/metrics", s.handleIngestMetrics).Methods(http.MethodPost)
	api.HandleFunc("/ingest/gc", s.handleIngestGC).Methods(http.MethodPost)

	api.HandleFunc("/register/applications", s.handleRegisterApplication).Methods(http.MethodPost)
	api.HandleFunc("/register/instances", s.handleRegisterInstance).Methods(http.MethodPost)
	api.HandleFunc("/register/services", s.handleRegisterService).Methods(http.MethodPost)

	api.HandleFunc("/metrics/{domain}/{step}/{id:[0-9]+}", s.handleMetricSeries).Methods(http.MethodGet)
	api.HandleFunc("/gc/{step}/{id:[0-9]+}", s.handleGCSeries).Methods(http.MethodGet)

	// Fixed alarm paths go before /alarms/{domain}.
	api.HandleFunc("/alarms/trend", s.handleAlarmTrend).Methods(http.MethodGet)
	if s.deps.Stream != nil {
		api.Handle("/alarms/stream", s.deps.Stream).Methods(http.MethodGet)
	}
	api.HandleFunc("/alarms/{domain}", s.handleAlarms).Methods(http.MethodGet)

	api.HandleFunc("/alarm-rules", s.handleGetRules).Methods(http.MethodGet)
	api.HandleFunc("/alarm-rules", s.handlePutRules).Methods(http.MethodPut)
	api.HandleFunc("/alarm-contacts", s.handleListContacts).Methods(http.MethodGet)
	api.HandleFunc("/alarm-contacts", s.handleSaveContact).Methods(http.MethodPost)
	api.HandleFunc("/applications/{id:[0-9]+}/alarm-contacts", s.handleApplicationContacts).Methods(http.MethodGet)
	api.HandleFunc("/applications/{id:[0-9]+}/alarm-contacts/{contactID:[0-9]+}", s.handleLinkContact).Methods(http.MethodPost)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/storage", s.handleStorageUsage).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Preflight requests only need to reach the CORS middleware.
	router.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return router
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, graph.ErrBackpressure):
		return http.StatusTooManyRequests
	case errors.Is(err, graph.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, analysis.ErrInvalidQuery),
		errors.Is(err, analysis.ErrInvalidRecord),
		errors.Is(err, analysis.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, httpx.ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	httpx.RespondError(w, status, err)
}

// corsMiddleware answers CORS for the listed origins only.
func corsMiddleware(allowed []string) mux.MiddlewareFunc {
	origins := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		origins[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if _, ok := origins[origin]; ok && origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestIDHeader carries the id logged with each request. A caller supplied
// id is kept, otherwise one is generated.
const RequestIDHeader = "X-Request-ID"

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= http.StatusInternalServerError:
			s.logger.Error("HTTP request", fields...)
		case status >= http.StatusBadRequest:
			s.logger.Warn("HTTP request", fields...)
		default:
			s.logger.Debug("HTTP request", fields...)
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Hijack lets the websocket upgrade take over the connection.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		sr.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }
