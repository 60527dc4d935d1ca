package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/model"
)

// MetricEventPayload is one metric delta on the wire. The domain is spelled
// out ("instance", "service" or "application").
type MetricEventPayload struct {
	Domain string `json:"domain"`
	model.MetricEvent
}

// MetricIngestRequest is the body of POST /v1/ingest/metrics.
type MetricIngestRequest struct {
	Events []MetricEventPayload `json:"events"`
}

// GCIngestRequest is the body of POST /v1/ingest/gc.
type GCIngestRequest struct {
	Events []model.GCEvent `json:"events"`
}

// IngestResponse reports how many events of a batch were queued. After a 429
// the first Accepted events are in the pipeline and only the rest should be
// resent.
type IngestResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

func (s *Server) storageFull(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Storage == nil || !s.deps.Storage.Exceeded(r.Context()) {
		return false
	}
	httpx.RespondErrorString(w, http.StatusInsufficientStorage, "storage limit reached, ingestion paused")
	return true
}

func (s *Server) handleIngestMetrics(w http.ResponseWriter, r *http.Request) {
	if s.storageFull(w, r) {
		return
	}
	var req MetricIngestRequest
	if err := httpx.DecodeJSON(w, r, &req, MaxIngestBodyBytes); err != nil {
		httpx.RespondError(w, statusForDecode(err), err)
		return
	}
	if err := validateCount(len(req.Events)); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	now := s.deps.Now()
	events := make([]*model.MetricEvent, len(req.Events))
	for i := range req.Events {
		p := &req.Events[i]
		domain, err := model.ParseDomain(p.Domain)
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid event %d: %w", i, err))
			return
		}
		ev := p.MetricEvent
		ev.Domain = domain
		if err := ValidateMetricEvent(&ev, now); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid event %d: %w", i, err))
			return
		}
		events[i] = &ev
	}

	for i, ev := range events {
		if err := s.deps.Ingestor.IngestMetric(ev); err != nil {
			s.rejectBatch(w, r, i, err)
			return
		}
	}
	httpx.RespondJSON(w, http.StatusAccepted, IngestResponse{Status: "accepted", Accepted: len(events)})
}

func (s *Server) handleIngestGC(w http.ResponseWriter, r *http.Request) {
	if s.storageFull(w, r) {
		return
	}
	var req GCIngestRequest
	if err := httpx.DecodeJSON(w, r, &req, MaxIngestBodyBytes); err != nil {
		httpx.RespondError(w, statusForDecode(err), err)
		return
	}
	if err := validateCount(len(req.Events)); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	now := s.deps.Now()
	for i := range req.Events {
		if err := ValidateGCEvent(&req.Events[i], now); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, fmt.Errorf("invalid event %d: %w", i, err))
			return
		}
	}
	for i := range req.Events {
		if err := s.deps.Ingestor.IngestGC(&req.Events[i]); err != nil {
			s.rejectBatch(w, r, i, err)
			return
		}
	}
	httpx.RespondJSON(w, http.StatusAccepted, IngestResponse{Status: "accepted", Accepted: len(req.Events)})
}

// rejectBatch reports a batch that stopped at event i.
func (s *Server) rejectBatch(w http.ResponseWriter, r *http.Request, accepted int, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && !errors.Is(err, graph.ErrStopped) {
		s.logger.Error("Ingest failed", "path", r.URL.Path, "accepted", accepted, "error", err)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	httpx.RespondJSON(w, status, IngestResponse{
		Status:   "rejected",
		Accepted: accepted,
		Message:  err.Error(),
	})
}

func statusForDecode(err error) int {
	if errors.Is(err, httpx.ErrBodyTooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (s *Server) handleRegisterApplication(w http.ResponseWriter, r *http.Request) {
	var app model.Application
	if err := httpx.DecodeJSON(w, r, &app, 0); err != nil {
		httpx.RespondError(w, statusForDecode(err), err)
		return
	}
	if err := s.deps.Service.RegisterApplication(r.Context(), &app); err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, app)
}

func (s *Server) handleRegisterInstance(w http.ResponseWriter, r *http.Request) {
	var inst model.Instance
	if err := httpx.DecodeJSON(w, r, &inst, 0); err != nil {
		httpx.RespondError(w, statusForDecode(err), err)
		return
	}
	if err := s.deps.Service.RegisterInstance(r.Context(), &inst); err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var svc model.ServiceName
	if err := httpx.DecodeJSON(w, r, &svc, 0); err != nil {
		httpx.RespondError(w, statusForDecode(err), err)
		return
	}
	if err := s.deps.Service.RegisterService(r.Context(), &svc); err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, svc)
}
