// Package analysis wires the aggregation and alerting workers together and
// serves the queries over what they persist.
package analysis

import (
	"fmt"

	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/timebucket"
)

// Worker ids. They are part of the process layout only and may be renumbered
// freely, but must stay unique.
const (
	InstanceMetricMinuteWorker graph.WorkerID = iota + 1
	InstanceMetricHourWorker
	InstanceMetricDayWorker
	ServiceMetricMinuteWorker
	ServiceMetricHourWorker
	ServiceMetricDayWorker
	ApplicationMetricMinuteWorker
	ApplicationMetricHourWorker
	ApplicationMetricDayWorker

	InstanceAlarmAssertWorker
	ServiceAlarmAssertWorker
	ApplicationAlarmAssertWorker
	AlarmListPersistenceWorker

	GCMetricMinuteWorker
	GCMetricHourWorker
	GCMetricDayWorker
)

// RollupSteps are the steps every metric is aggregated at.
var RollupSteps = []timebucket.Step{timebucket.Minute, timebucket.Hour, timebucket.Day}

var metricWorkers = map[model.Domain]map[timebucket.Step]graph.WorkerID{
	model.InstanceDomain: {
		timebucket.Minute: InstanceMetricMinuteWorker,
		timebucket.Hour:   InstanceMetricHourWorker,
		timebucket.Day:    InstanceMetricDayWorker,
	},
	model.ServiceDomain: {
		timebucket.Minute: ServiceMetricMinuteWorker,
		timebucket.Hour:   ServiceMetricHourWorker,
		timebucket.Day:    ServiceMetricDayWorker,
	},
	model.ApplicationDomain: {
		timebucket.Minute: ApplicationMetricMinuteWorker,
		timebucket.Hour:   ApplicationMetricHourWorker,
		timebucket.Day:    ApplicationMetricDayWorker,
	},
}

var alarmWorkers = map[model.Domain]graph.WorkerID{
	model.InstanceDomain:    InstanceAlarmAssertWorker,
	model.ServiceDomain:     ServiceAlarmAssertWorker,
	model.ApplicationDomain: ApplicationAlarmAssertWorker,
}

var gcWorkers = map[timebucket.Step]graph.WorkerID{
	timebucket.Minute: GCMetricMinuteWorker,
	timebucket.Hour:   GCMetricHourWorker,
	timebucket.Day:    GCMetricDayWorker,
}

// MetricWorker returns the id of the worker aggregating domain at step.
func MetricWorker(domain model.Domain, step timebucket.Step) (graph.WorkerID, error) {
	id, ok := metricWorkers[domain][step]
	if !ok {
		return 0, fmt.Errorf("analysis: no %s worker for %s metrics", step, domain)
	}
	return id, nil
}

// AlarmWorker returns the id of the alarm-assert worker of domain.
func AlarmWorker(domain model.Domain) (graph.WorkerID, error) {
	id, ok := alarmWorkers[domain]
	if !ok {
		return 0, fmt.Errorf("analysis: no alarm worker for %s", domain)
	}
	return id, nil
}

// GCWorker returns the id of the GC rollup worker at step.
func GCWorker(step timebucket.Step) (graph.WorkerID, error) {
	id, ok := gcWorkers[step]
	if !ok {
		return 0, fmt.Errorf("analysis: no %s GC worker", step)
	}
	return id, nil
}
