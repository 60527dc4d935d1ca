package alarm

import (
	"fmt"
	"math"
	"strconv"

	"github.com/nicktill/tinyapm/pkg/model"
)

type contentKey struct {
	alarmType model.AlarmType
	source    model.MetricSource
}

// contentFormats renders alarm content from the entity noun, its display
// name and the breached threshold.
var contentFormats = map[contentKey]func(noun, name, threshold string) string{
	{model.ErrorRate, model.Caller}: func(noun, name, threshold string) string {
		return fmt.Sprintf("Caller side detected that the error rate of %s [%s] is higher than %s.", noun, name, threshold)
	},
	{model.ErrorRate, model.Callee}: func(noun, name, threshold string) string {
		return fmt.Sprintf("Callee side detected that the error rate of %s [%s] is higher than %s.", noun, name, threshold)
	},
	{model.SlowResponseTime, model.Caller}: func(noun, name, threshold string) string {
		return fmt.Sprintf("Caller side detected that the average response time of %s [%s] is slower than %s.", noun, name, threshold)
	},
	{model.SlowResponseTime, model.Callee}: func(noun, name, threshold string) string {
		return fmt.Sprintf("Callee side detected that the average response time of %s [%s] is slower than %s.", noun, name, threshold)
	},
}

var nouns = map[model.Domain]string{
	model.InstanceDomain:    "host",
	model.ServiceDomain:     "service",
	model.ApplicationDomain: "application",
}

// Render builds the content of an alarm.
func Render(domain model.Domain, alarmType model.AlarmType, source model.MetricSource, name string, threshold float64) string {
	noun, ok := nouns[domain]
	if !ok {
		noun = "entity"
	}
	format, ok := contentFormats[contentKey{alarmType, source}]
	if !ok {
		return fmt.Sprintf("%s %s alarm for %s [%s]", source, alarmType, noun, name)
	}
	return format(noun, name, FormatThreshold(alarmType, threshold))
}

// FormatThreshold renders an error-rate fraction as a percentage and a
// response time in milliseconds.
func FormatThreshold(alarmType model.AlarmType, threshold float64) string {
	if alarmType == model.ErrorRate {
		pct := math.Round(threshold*100*1e4) / 1e4
		return strconv.FormatFloat(pct, 'f', -1, 64) + "%"
	}
	return strconv.FormatFloat(threshold, 'f', -1, 64) + " ms"
}
