package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/timebucket"
)

// ErrInvalidQuery is returned for malformed query parameters.
var ErrInvalidQuery = errors.New("analysis: invalid query")

// Service answers read queries over the persisted aggregates and alarms, and
// maintains registrations and alarm contacts.
type Service struct {
	tables *Tables
	names  *Names
}

// NewService returns a Service over t, resolving names through n.
func NewService(t *Tables, n *Names) *Service {
	return &Service{tables: t, names: n}
}

// MetricPoint is one bucket of a metric series. Buckets without traffic are
// reported with zero counters.
type MetricPoint struct {
	timebucket.DurationPoint
	Calls               int64    `json:"calls"`
	ErrorCalls          int64    `json:"error_calls"`
	DurationSum         int64    `json:"duration_sum"`
	TransactionCalls    int64    `json:"transaction_calls"`
	ErrorRate           *float64 `json:"error_rate,omitempty"`
	AverageResponseTime *float64 `json:"average_response_time,omitempty"`
}

// MetricSeries returns the aggregates of one entity and source for every
// bucket between start and end inclusive.
func (s *Service) MetricSeries(ctx context.Context, domain model.Domain, step timebucket.Step,
	entityID int, source model.MetricSource, start, end int64) ([]MetricPoint, error) {
	table, ok := s.tables.Metrics[domain][step]
	if !ok {
		return nil, fmt.Errorf("%w: no %s rollup for %s", ErrInvalidQuery, step, domain)
	}
	points, err := durationPoints(step, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]MetricPoint, 0, len(points))
	for _, p := range points {
		mp := MetricPoint{DurationPoint: p}
		m, err := table.Get(ctx, model.MetricID(p.Point, entityID, source))
		switch {
		case err == nil:
			mp.Calls = m.Calls
			mp.ErrorCalls = m.ErrorCalls
			mp.DurationSum = m.DurationSum
			mp.TransactionCalls = m.TransactionCalls
			if rate, ok := m.ErrorRate(); ok {
				mp.ErrorRate = &rate
			}
			if avg, ok := m.AverageResponseTime(); ok {
				mp.AverageResponseTime = &avg
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			return nil, err
		}
		out = append(out, mp)
	}
	return out, nil
}

func durationPoints(step timebucket.Step, start, end int64) ([]timebucket.DurationPoint, error) {
	points, err := timebucket.DurationPoints(step, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if len(points) > config.MaxTrendPoints {
		return nil, fmt.Errorf("%w: %d points exceed the limit of %d", ErrInvalidQuery, len(points), config.MaxTrendPoints)
	}
	return points, nil
}

// AlarmQuery selects alarms of one domain.
type AlarmQuery struct {
	Keyword       string
	ApplicationID int   // 0 selects every application
	Start, End    int64 // minute buckets, inclusive
	Limit, Offset int
}

// AlarmItem is a listed alarm with its display title.
type AlarmItem struct {
	*model.Alarm
	Title string `json:"title"`
}

// AlarmPage is one page of listed alarms.
type AlarmPage struct {
	Items []AlarmItem `json:"items"`
	Total int         `json:"total"`
}

// Alarms lists the alarms of domain raised between q.Start and q.End, newest
// first.
func (s *Service) Alarms(ctx context.Context, domain model.Domain, q AlarmQuery) (*AlarmPage, error) {
	table, ok := s.tables.Alarms[domain]
	if !ok {
		return nil, fmt.Errorf("%w: unknown domain %s", ErrInvalidQuery, domain)
	}
	if q.End < q.Start {
		return nil, fmt.Errorf("%w: end %d precedes start %d", ErrInvalidQuery, q.End, q.Start)
	}
	if q.Limit <= 0 {
		q.Limit = config.DefaultAlarmListLimit
	}
	if q.Limit > config.MaxAlarmListLimit {
		q.Limit = config.MaxAlarmListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	keyword := strings.ToLower(q.Keyword)

	matched, err := table.List(ctx, bucketPrefix(q.Start, q.End), func(a *model.Alarm) bool {
		if a.LastTimeBucket < q.Start || a.LastTimeBucket > q.End {
			return false
		}
		if q.ApplicationID != 0 && a.ApplicationID != q.ApplicationID {
			return false
		}
		return keyword == "" || strings.Contains(strings.ToLower(a.Content), keyword)
	}, 0)
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].LastTimeBucket != matched[j].LastTimeBucket {
			return matched[i].LastTimeBucket > matched[j].LastTimeBucket
		}
		return matched[i].ID < matched[j].ID
	})

	page := &AlarmPage{Total: len(matched), Items: []AlarmItem{}}
	if q.Offset >= len(matched) {
		return page, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	for _, a := range matched {
		page.Items = append(page.Items, AlarmItem{Alarm: a, Title: s.alarmTitle(ctx, a)})
	}
	return page, nil
}

// bucketPrefix is the longest common prefix of two buckets of the same step.
// Alarm ids start with their bucket, so it narrows the scan.
func bucketPrefix(start, end int64) string {
	a, b := strconv.FormatInt(start, 10), strconv.FormatInt(end, 10)
	if len(a) != len(b) {
		return ""
	}
	i := 0
	for i < len(a) && a[i] == b[i] {
		i++
	}
	return a[:i]
}

func (s *Service) resolve(ctx context.Context, domain model.Domain, id int) string {
	name, err := s.names.For(domain).Resolve(ctx, id)
	if err != nil || name == "" {
		return model.Unknown
	}
	return name
}

func (s *Service) alarmTitle(ctx context.Context, a *model.Alarm) string {
	cause := "success rate alarm."
	if a.AlarmType == model.SlowResponseTime {
		cause = "response time alarm."
	}
	app := s.resolve(ctx, model.ApplicationDomain, a.ApplicationID)

	switch a.Domain {
	case model.InstanceDomain:
		return fmt.Sprintf("Application[%s] host[%s] %s", app, s.resolve(ctx, model.InstanceDomain, a.EntityID), cause)
	case model.ServiceDomain:
		return fmt.Sprintf("Application[%s] service[%s] %s", app, s.resolve(ctx, model.ServiceDomain, a.EntityID), cause)
	default:
		return fmt.Sprintf("Application[%s] %s", app, cause)
	}
}

// AlarmTrend is the share of applications with alarms per bucket, in basis
// points (10000 = every application alarmed).
type AlarmTrend struct {
	Points         []timebucket.DurationPoint `json:"points"`
	NumOfAlarmRate []int64                    `json:"num_of_alarm_rate"`
}

// ApplicationAlarmTrend computes, for each bucket at step between start and
// end, alarmed applications × 10000 / registered applications.
func (s *Service) ApplicationAlarmTrend(ctx context.Context, step timebucket.Step, start, end int64) (*AlarmTrend, error) {
	if step < timebucket.Minute {
		return nil, fmt.Errorf("%w: alarm trend needs minute or coarser steps", ErrInvalidQuery)
	}
	points, err := durationPoints(step, start, end)
	if err != nil {
		return nil, err
	}

	var applications int
	err = s.tables.Applications.Scan(ctx, "", func(*model.Application) bool {
		applications++
		return true
	})
	if err != nil {
		return nil, err
	}

	alarmed := make(map[int64]map[int]struct{})
	err = s.tables.AlarmList.Scan(ctx, "", func(e *model.AlarmListEntry) bool {
		bucket, err := timebucket.Convert(e.TimeBucket, timebucket.Minute, step)
		if err != nil || bucket < start || bucket > end {
			return true
		}
		if alarmed[bucket] == nil {
			alarmed[bucket] = make(map[int]struct{})
		}
		alarmed[bucket][e.ApplicationID] = struct{}{}
		return true
	})
	if err != nil {
		return nil, err
	}

	trend := &AlarmTrend{Points: points, NumOfAlarmRate: make([]int64, len(points))}
	if applications == 0 {
		return trend, nil
	}
	for i, p := range points {
		trend.NumOfAlarmRate[i] = int64(len(alarmed[p.Point])) * 10000 / int64(applications)
	}
	return trend, nil
}

// GCPoint is one bucket of an instance's GC activity per heap generation.
type GCPoint struct {
	timebucket.DurationPoint
	YoungCount int64 `json:"young_count"`
	YoungTime  int64 `json:"young_time"`
	OldCount   int64 `json:"old_count"`
	OldTime    int64 `json:"old_time"`
}

// GCSeries returns the GC activity of an instance for every bucket between
// start and end inclusive.
func (s *Service) GCSeries(ctx context.Context, step timebucket.Step, instanceID int, start, end int64) ([]GCPoint, error) {
	table, ok := s.tables.GC[step]
	if !ok {
		return nil, fmt.Errorf("%w: no %s gc rollup", ErrInvalidQuery, step)
	}
	points, err := durationPoints(step, start, end)
	if err != nil {
		return nil, err
	}

	out := make([]GCPoint, 0, len(points))
	for _, p := range points {
		gp := GCPoint{DurationPoint: p}
		for _, phrase := range []model.GCPhrase{model.GCNew, model.GCOld} {
			g, err := table.Get(ctx, model.GCMetricID(p.Point, instanceID, phrase))
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if phrase == model.GCNew {
				gp.YoungCount, gp.YoungTime = g.Count, g.Time
			} else {
				gp.OldCount, gp.OldTime = g.Count, g.Time
			}
		}
		out = append(out, gp)
	}
	return out, nil
}
