package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/storage/memory"
	"github.com/nicktill/tinyapm/pkg/timebucket"
)

var at = time.Date(2024, 5, 1, 10, 30, 15, 0, time.UTC)

type env struct {
	tables  *Tables
	names   *Names
	rules   *config.RuleStore
	service *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tables := NewTables(memory.New(), config.RetentionConfig{})
	names, err := NewNames(tables, 0)
	require.NoError(t, err)
	return &env{
		tables:  tables,
		names:   names,
		rules:   config.NewRuleStore(config.DefaultRules()),
		service: NewService(tables, names),
	}
}

func (e *env) dispatcher(t *testing.T, pipeline config.PipelineConfig) *graph.Dispatcher {
	t.Helper()
	d := graph.New(graph.Config{FlushInterval: time.Hour})
	require.NoError(t, Register(d, Deps{
		Tables:   e.tables,
		Rules:    e.rules,
		Names:    e.names,
		Pipeline: pipeline,
	}))
	return d
}

func (e *env) registerShop(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.service.RegisterApplication(ctx, &model.Application{ID: 1, Code: "shop"}))
	require.NoError(t, e.service.RegisterInstance(ctx, &model.Instance{ID: 7, ApplicationID: 1, OsInfo: `{"hostName":"web-01"}`}))
	require.NoError(t, e.service.RegisterService(ctx, &model.ServiceName{ID: 3, ApplicationID: 1, Name: "/orders"}))
}

func instanceEvent(calls, errs, dur int64) *model.MetricEvent {
	return &model.MetricEvent{
		Domain:        model.InstanceDomain,
		EntityID:      7,
		ApplicationID: 1,
		Source:        model.Caller,
		Timestamp:     at,
		Calls:         calls,
		ErrorCalls:    errs,
		DurationSum:   dur,
	}
}

func TestRegister_BuildsEveryWorker(t *testing.T) {
	e := newEnv(t)
	d := e.dispatcher(t, config.PipelineConfig{Instances: 2})
	require.NoError(t, d.Start(context.Background()))
	defer d.Shutdown(context.Background())

	status := d.Status()
	assert.Len(t, status, 16)
	for _, st := range status {
		if st.ID == AlarmListPersistenceWorker || st.ID == InstanceAlarmAssertWorker {
			assert.Equal(t, 1, st.Instances, st.Name)
		}
		if st.ID == ServiceMetricHourWorker {
			assert.Equal(t, 2, st.Instances, st.Name)
			assert.Equal(t, 2*graph.DefaultQueueCapacity, st.QueueCapacity)
		}
	}
}

func TestRegister_RequiresDeps(t *testing.T) {
	err := Register(graph.New(graph.Config{}), Deps{})
	assert.Error(t, err)
}

func TestIngestMetric_FansOutToEveryStep(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	d := e.dispatcher(t, config.PipelineConfig{})
	require.NoError(t, d.Start(ctx))

	ing := NewIngestor(d)
	require.NoError(t, ing.IngestMetric(instanceEvent(10, 0, 100)))
	require.NoError(t, ing.IngestMetric(instanceEvent(5, 0, 50)))
	_, err := d.Shutdown(ctx)
	require.NoError(t, err)

	for _, step := range RollupSteps {
		m, err := e.tables.Metrics[model.InstanceDomain][step].Get(ctx, model.MetricID(timebucket.Of(at, step), 7, model.Caller))
		require.NoError(t, err, step.String())
		assert.Equal(t, int64(15), m.Calls, step.String())
		assert.Equal(t, int64(150), m.DurationSum, step.String())
	}
}

func TestIngestMetric_RejectsMissingTimestamp(t *testing.T) {
	e := newEnv(t)
	ing := NewIngestor(e.dispatcher(t, config.PipelineConfig{}))

	ev := instanceEvent(1, 0, 1)
	ev.Timestamp = time.Time{}
	assert.ErrorIs(t, ing.IngestMetric(ev), ErrInvalidEvent)
}

func TestIngestMetric_BackpressureIsAllOrNothing(t *testing.T) {
	e := newEnv(t)
	d := e.dispatcher(t, config.PipelineConfig{QueueCapacity: 1})
	ing := NewIngestor(d)

	// Not started: the first event fills every step's queue.
	require.NoError(t, ing.IngestMetric(instanceEvent(1, 0, 1)))
	assert.ErrorIs(t, ing.IngestMetric(instanceEvent(1, 0, 1)), graph.ErrBackpressure)

	for _, st := range d.Status() {
		switch st.ID {
		case InstanceMetricMinuteWorker, InstanceMetricHourWorker, InstanceMetricDayWorker:
			assert.Equal(t, 1, st.QueueDepth, st.Name)
		default:
			assert.Equal(t, 0, st.QueueDepth, st.Name)
		}
	}
}

func TestIngestGC(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	d := e.dispatcher(t, config.PipelineConfig{})
	require.NoError(t, d.Start(ctx))

	ing := NewIngestor(d)
	require.NoError(t, ing.IngestGC(&model.GCEvent{InstanceID: 7, Phrase: model.GCOld, Count: 2, Time: 40, Timestamp: at}))
	require.NoError(t, ing.IngestGC(&model.GCEvent{InstanceID: 7, Phrase: model.GCOld, Count: 1, Time: 10, Timestamp: at}))
	require.NoError(t, d.Flush(ctx))

	series, err := e.service.GCSeries(ctx, timebucket.Hour, 7, 2024050110, 2024050111)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, int64(3), series[0].OldCount)
	assert.Equal(t, int64(50), series[0].OldTime)
	assert.Zero(t, series[0].YoungCount)
	assert.Zero(t, series[1].OldCount)

	_, err = d.Shutdown(ctx)
	require.NoError(t, err)
}

// TestEndToEnd_AlarmRaisedListedAndTrended drives raw events through the
// whole graph and reads the outcome back through the query service.
func TestEndToEnd_AlarmRaisedListedAndTrended(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.registerShop(t)
	d := e.dispatcher(t, config.PipelineConfig{})
	require.NoError(t, d.Start(ctx))

	ing := NewIngestor(d)
	for i := 0; i < 4; i++ {
		require.NoError(t, ing.IngestMetric(instanceEvent(25, 15, 250)))
	}
	require.NoError(t, d.Flush(ctx))
	require.NoError(t, d.Flush(ctx))

	minute := timebucket.Of(at, timebucket.Minute)
	page, err := e.service.Alarms(ctx, model.InstanceDomain, AlarmQuery{Start: minute, End: minute})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	item := page.Items[0]
	assert.Equal(t, model.ErrorRate, item.AlarmType)
	assert.Equal(t, "Application[shop] host[web-01] success rate alarm.", item.Title)
	assert.Contains(t, item.Content, "web-01")

	trend, err := e.service.ApplicationAlarmTrend(ctx, timebucket.Minute, minute-1, minute+1)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 10000, 0}, trend.NumOfAlarmRate)

	hourly, err := e.service.ApplicationAlarmTrend(ctx, timebucket.Hour, timebucket.Of(at, timebucket.Hour), timebucket.Of(at, timebucket.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{10000}, hourly.NumOfAlarmRate)

	// Replaying the same bucket does not raise again.
	for i := 0; i < 4; i++ {
		require.NoError(t, ing.IngestMetric(instanceEvent(25, 15, 250)))
	}
	require.NoError(t, d.Flush(ctx))
	page, err = e.service.Alarms(ctx, model.InstanceDomain, AlarmQuery{Start: minute, End: minute})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	_, err = d.Shutdown(ctx)
	require.NoError(t, err)
}

func TestRegistration_Validation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	assert.ErrorIs(t, e.service.RegisterApplication(ctx, &model.Application{ID: 0, Code: "x"}), ErrInvalidRecord)
	assert.ErrorIs(t, e.service.RegisterInstance(ctx, &model.Instance{ID: 1}), ErrInvalidRecord)
	assert.ErrorIs(t, e.service.RegisterService(ctx, &model.ServiceName{ID: 1, ApplicationID: 1}), ErrInvalidRecord)
}

func TestRegistration_InvalidatesCachedName(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.registerShop(t)

	name, err := e.names.Services.Resolve(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "/orders", name)

	require.NoError(t, e.service.RegisterService(ctx, &model.ServiceName{ID: 3, ApplicationID: 1, Name: "/checkout"}))
	name, err = e.names.Services.Resolve(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "/checkout", name)
}

func TestRegisterInstance_StampsRegisterTime(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	inst := &model.Instance{ID: 2, ApplicationID: 1}
	require.NoError(t, e.service.RegisterInstance(ctx, inst))
	assert.False(t, inst.RegisterTime.IsZero())

	stored, err := e.tables.Instances.Get(ctx, "2")
	require.NoError(t, err)
	assert.True(t, stored.RegisterTime.Equal(inst.RegisterTime))
}

func TestIDs_Lookup(t *testing.T) {
	id, err := MetricWorker(model.ServiceDomain, timebucket.Day)
	require.NoError(t, err)
	assert.Equal(t, ServiceMetricDayWorker, id)

	_, err = MetricWorker(model.ServiceDomain, timebucket.Second)
	assert.Error(t, err)

	id, err = AlarmWorker(model.ApplicationDomain)
	require.NoError(t, err)
	assert.Equal(t, ApplicationAlarmAssertWorker, id)

	id, err = GCWorker(timebucket.Minute)
	require.NoError(t, err)
	assert.Equal(t, GCMetricMinuteWorker, id)

	_, err = GCWorker(timebucket.Second)
	assert.True(t, err != nil && !errors.Is(err, ErrInvalidEvent))
}
