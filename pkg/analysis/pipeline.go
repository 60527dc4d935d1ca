package analysis

import (
	"fmt"

	"github.com/nicktill/tinyapm/pkg/cache"
	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/graph"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/timebucket"
	"github.com/nicktill/tinyapm/pkg/worker/alarm"
	"github.com/nicktill/tinyapm/pkg/worker/persistence"
)

// Names holds the display name resolvers of every domain.
type Names struct {
	Instances    *cache.Names
	Services     *cache.Names
	Applications *cache.Names
}

// NewNames builds LRU-backed resolvers over the registration tables.
func NewNames(t *Tables, size int) (*Names, error) {
	instances, err := cache.InstanceHosts(t.Instances, size)
	if err != nil {
		return nil, err
	}
	services, err := cache.ServiceNames(t.Services, size)
	if err != nil {
		return nil, err
	}
	applications, err := cache.ApplicationCodes(t.Applications, size)
	if err != nil {
		return nil, err
	}
	return &Names{Instances: instances, Services: services, Applications: applications}, nil
}

// For returns the resolver of domain.
func (n *Names) For(domain model.Domain) *cache.Names {
	switch domain {
	case model.ServiceDomain:
		return n.Services
	case model.ApplicationDomain:
		return n.Applications
	default:
		return n.Instances
	}
}

// Deps are the collaborators of the worker graph.
type Deps struct {
	Tables   *Tables
	Rules    *config.RuleStore
	Names    *Names
	Notifier alarm.Notifier
	Pipeline config.PipelineConfig
	// RaisedSize bounds each alarm worker's memory of raised alarms.
	RaisedSize int
}

// Register adds every worker to d. It is the single place where the graph
// is assembled:
//
//	metric minute ─▶ alarm assert ─▶ alarm list
//	metric hour, metric day, gc minute/hour/day
func Register(d *graph.Dispatcher, deps Deps) error {
	if deps.Tables == nil || deps.Rules == nil || deps.Names == nil {
		return fmt.Errorf("analysis: tables, rules and names are required")
	}
	capacity := deps.Pipeline.QueueCapacity

	var instances []graph.Option
	if n := deps.Pipeline.Instances; n > 1 {
		instances = append(instances, graph.WithInstances(n, persistence.ShardKey[*model.Metric]))
	}

	err := d.Register(AlarmListPersistenceWorker, "alarm_list",
		persistence.Factory(persistence.Config[*model.AlarmListEntry]{
			DAO: deps.Tables.AlarmList,
			// Entries are complete markers; the latest write wins.
			NeedMergeDBData: false,
			MaxWorkingSet:   deps.Pipeline.MaxWorkingSet,
		}), capacity)
	if err != nil {
		return err
	}

	for _, domain := range model.Domains {
		alarmID := alarmWorkers[domain]
		err := d.Register(alarmID, domain.String()+"_alarm_assert",
			alarm.Factory(alarm.Config{
				Domain:     domain,
				Thresholds: deps.Rules.Domain(domain),
				Names:      deps.Names.For(domain),
				DAO:        deps.Tables.Alarms[domain],
				Notifier:   deps.Notifier,
				ListWorker: AlarmListPersistenceWorker,
				RaisedSize: deps.RaisedSize,
			}), capacity, graph.WithDownstream(AlarmListPersistenceWorker))
		if err != nil {
			return err
		}

		for _, step := range RollupSteps {
			cfg := persistence.Config[*model.Metric]{
				DAO: deps.Tables.Metrics[domain][step],
				// Buckets outlive a flush interval and restarts.
				NeedMergeDBData: true,
				MaxWorkingSet:   deps.Pipeline.MaxWorkingSet,
			}
			opts := append([]graph.Option(nil), instances...)
			// Alarms are asserted on minute aggregates only.
			if step == timebucket.Minute {
				cfg.Downstream = []graph.WorkerID{alarmID}
				opts = append(opts, graph.WithDownstream(alarmID))
			}
			name := domain.String() + "_metric_" + step.String()
			if err := d.Register(metricWorkers[domain][step], name, persistence.Factory(cfg), capacity, opts...); err != nil {
				return err
			}
		}
	}

	for _, step := range RollupSteps {
		err := d.Register(gcWorkers[step], "gc_metric_"+step.String(),
			persistence.Factory(persistence.Config[*model.GCMetric]{
				DAO:             deps.Tables.GC[step],
				NeedMergeDBData: true,
				MaxWorkingSet:   deps.Pipeline.MaxWorkingSet,
			}), capacity)
		if err != nil {
			return err
		}
	}
	return nil
}
