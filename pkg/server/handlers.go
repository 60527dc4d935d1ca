package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/server/monitor"
)

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version"`
	Uptime  string               `json:"uptime"`
	Workers []graph.WorkerStatus `json:"workers"`
	Tasks   []monitor.TaskStatus `json:"tasks,omitempty"`
}

// handleHealth reports degraded when a worker's last flush failed, a queue is
// full or a background task is unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: Version,
		Uptime:  s.deps.Now().Sub(s.started).Round(time.Second).String(),
		Workers: []graph.WorkerStatus{},
	}
	if s.deps.Pipeline != nil {
		resp.Workers = s.deps.Pipeline.Status()
	}
	for _, st := range resp.Workers {
		if st.LastFlushError != "" || (st.QueueCapacity > 0 && st.QueueDepth >= st.QueueCapacity) {
			resp.Status = "degraded"
		}
	}
	for _, task := range s.deps.Tasks {
		st := task.Status()
		if !st.Healthy {
			resp.Status = "degraded"
		}
		resp.Tasks = append(resp.Tasks, st)
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, status, resp)
}

func (s *Server) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Storage == nil {
		httpx.RespondErrorString(w, http.StatusNotFound, "storage monitoring disabled")
		return
	}
	usage, err := s.deps.Storage.Usage(r.Context())
	if err != nil {
		s.fail(w, r, fmt.Errorf("measure storage: %w", err))
		return
	}
	httpx.RespondJSON(w, http.StatusOK, usage)
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	httpx.RespondJSON(w, http.StatusOK, s.deps.Rules.Rules())
}

// handlePutRules replaces every threshold at once. The next evaluated metric
// uses the new values.
func (s *Server) handlePutRules(w http.ResponseWriter, r *http.Request) {
	var rules config.RulesConfig
	if err := httpx.DecodeJSON(w, r, &rules, 0); err != nil {
		httpx.RespondError(w, statusForDecode(err), err)
		return
	}
	if err := s.deps.Rules.Replace(rules); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("Alarm rules replaced")
	httpx.RespondJSON(w, http.StatusOK, s.deps.Rules.Rules())
}

func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit <= 0 || limit > config.MaxAlarmListLimit {
		limit = config.DefaultAlarmListLimit
	}

	page, err := s.deps.Service.Contacts(r.Context(), r.URL.Query().Get("keyword"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, page)
}

func (s *Server) handleSaveContact(w http.ResponseWriter, r *http.Request) {
	var c model.AlarmContact
	if err := httpx.DecodeJSON(w, r, &c, 0); err != nil {
		httpx.RespondError(w, statusForDecode(err), err)
		return
	}
	if err := s.deps.Service.SaveContact(r.Context(), &c); err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, c)
}

func (s *Server) handleApplicationContacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	contacts, err := s.deps.Service.ApplicationContacts(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"application_id": id, "contacts": contacts})
}

func (s *Server) handleLinkContact(w http.ResponseWriter, r *http.Request) {
	appID, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	contactID, err := pathID(r, "contactID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Service.LinkContact(r.Context(), appID, contactID); err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, model.ApplicationAlarmContact{ApplicationID: appID, AlarmContactID: contactID})
}
