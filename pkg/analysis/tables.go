package analysis

import (
	"time"

	"github.com/nicktill/tinyapm/pkg/config"
	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/storage"
	"github.com/nicktill/tinyapm/pkg/timebucket"
)

// Tables are the typed tables of every persisted record kind.
type Tables struct {
	Metrics   map[model.Domain]map[timebucket.Step]*storage.Table[*model.Metric]
	GC        map[timebucket.Step]*storage.Table[*model.GCMetric]
	Alarms    map[model.Domain]*storage.Table[*model.Alarm]
	AlarmList *storage.Table[*model.AlarmListEntry]

	Applications *storage.Table[*model.Application]
	Instances    *storage.Table[*model.Instance]
	Services     *storage.Table[*model.ServiceName]

	Contacts            *storage.Table[*model.AlarmContact]
	ApplicationContacts *storage.Table[*model.ApplicationAlarmContact]
}

func retentionFor(r config.RetentionConfig, step timebucket.Step) time.Duration {
	switch step {
	case timebucket.Minute:
		return r.Minute
	case timebucket.Hour:
		return r.Hour
	default:
		return r.Day
	}
}

func table[T storage.Record](b storage.Backend, name string, ttl time.Duration) *storage.Table[T] {
	return storage.NewTable[T](name, b.Keyspace(name, ttl))
}

// NewTables opens every table on b. Rollups and alarms expire after their
// retention; registrations and contacts are kept.
func NewTables(b storage.Backend, retention config.RetentionConfig) *Tables {
	t := &Tables{
		Metrics: make(map[model.Domain]map[timebucket.Step]*storage.Table[*model.Metric]),
		GC:      make(map[timebucket.Step]*storage.Table[*model.GCMetric]),
		Alarms:  make(map[model.Domain]*storage.Table[*model.Alarm]),
	}

	for _, domain := range model.Domains {
		t.Metrics[domain] = make(map[timebucket.Step]*storage.Table[*model.Metric])
		for _, step := range RollupSteps {
			name := domain.String() + "_metric_" + step.String()
			t.Metrics[domain][step] = table[*model.Metric](b, name, retentionFor(retention, step))
		}
		t.Alarms[domain] = table[*model.Alarm](b, domain.String()+"_alarm", retention.Alarm)
	}
	for _, step := range RollupSteps {
		t.GC[step] = table[*model.GCMetric](b, "gc_metric_"+step.String(), retentionFor(retention, step))
	}

	t.AlarmList = table[*model.AlarmListEntry](b, "alarm_list", retention.Alarm)
	t.Applications = table[*model.Application](b, "application", 0)
	t.Instances = table[*model.Instance](b, "instance", 0)
	t.Services = table[*model.ServiceName](b, "service_name", 0)
	t.Contacts = table[*model.AlarmContact](b, "alarm_contact", 0)
	t.ApplicationContacts = table[*model.ApplicationAlarmContact](b, "application_alarm_contact", 0)
	return t
}
