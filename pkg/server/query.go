package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinyapm/pkg/analysis"
	"github.com/nicktill/tinyapm/pkg/httpx"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/timebucket"
)

// DefaultAlarmWindow is the range listed when an alarm query names none.
const DefaultAlarmWindow = time.Hour

func queryInt64(r *http.Request, name string) (int64, bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s must be an integer", analysis.ErrInvalidQuery, name)
	}
	return v, true, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	v, _, err := queryInt64(r, name)
	return int(v), err
}

// bucketRange reads the required start and end buckets.
func bucketRange(r *http.Request) (int64, int64, error) {
	start, ok, err := queryInt64(r, "start")
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("%w: start is required", analysis.ErrInvalidQuery)
	}
	end, ok, err := queryInt64(r, "end")
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("%w: end is required", analysis.ErrInvalidQuery)
	}
	return start, end, nil
}

func pathStep(r *http.Request) (timebucket.Step, error) {
	step, err := timebucket.ParseStep(mux.Vars(r)["step"])
	if err != nil {
		return 0, fmt.Errorf("%w: %v", analysis.ErrInvalidQuery, err)
	}
	return step, nil
}

func pathID(r *http.Request, name string) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)[name])
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", analysis.ErrInvalidQuery, name)
	}
	return id, nil
}

func (s *Server) handleMetricSeries(w http.ResponseWriter, r *http.Request) {
	domain, err := model.ParseDomain(mux.Vars(r)["domain"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}
	step, err := pathStep(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	source := model.Caller
	if raw := r.URL.Query().Get("source"); raw != "" {
		if source, err = model.ParseSource(raw); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
	}
	start, end, err := bucketRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	series, err := s.deps.Service.MetricSeries(r.Context(), domain, step, id, source, start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"domain": domain,
		"step":   step.String(),
		"id":     id,
		"source": source,
		"points": series,
	})
}

func (s *Server) handleGCSeries(w http.ResponseWriter, r *http.Request) {
	step, err := pathStep(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	start, end, err := bucketRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	series, err := s.deps.Service.GCSeries(r.Context(), step, id, start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"step":        step.String(),
		"instance_id": id,
		"points":      series,
	})
}

func (s *Server) handleAlarms(w http.ResponseWriter, r *http.Request) {
	domain, err := model.ParseDomain(mux.Vars(r)["domain"])
	if err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	now := s.deps.Now()
	q := analysis.AlarmQuery{
		Keyword: r.URL.Query().Get("keyword"),
		Start:   timebucket.Of(now.Add(-DefaultAlarmWindow), timebucket.Minute),
		End:     timebucket.Of(now, timebucket.Minute),
	}
	if v, ok, err := queryInt64(r, "start"); err != nil {
		s.fail(w, r, err)
		return
	} else if ok {
		q.Start = v
	}
	if v, ok, err := queryInt64(r, "end"); err != nil {
		s.fail(w, r, err)
		return
	} else if ok {
		q.End = v
	}
	for name, dst := range map[string]*int{
		"application_id": &q.ApplicationID,
		"limit":          &q.Limit,
		"offset":         &q.Offset,
	} {
		if *dst, err = queryInt(r, name); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	page, err := s.deps.Service.Alarms(r.Context(), domain, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, page)
}

func (s *Server) handleAlarmTrend(w http.ResponseWriter, r *http.Request) {
	step := timebucket.Hour
	if raw := r.URL.Query().Get("step"); raw != "" {
		var err error
		if step, err = timebucket.ParseStep(raw); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, err)
			return
		}
	}
	start, end, err := bucketRange(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	trend, err := s.deps.Service.ApplicationAlarmTrend(r.Context(), step, start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, trend)
}
