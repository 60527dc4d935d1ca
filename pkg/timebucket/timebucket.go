package timebucket

import (
	"fmt"
	"strings"
	"time"
)

// Step is the granularity of a time bucket.
type Step int

const (
	Second Step = iota
	Minute
	Hour
	Day
)

// IDSplit separates the parts of composite record ids.
const IDSplit = "_"

var stepNames = map[Step]string{
	Second: "second",
	Minute: "minute",
	Hour:   "hour",
	Day:    "day",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// ParseStep parses a step name such as "minute" (case-insensitive).
func ParseStep(name string) (Step, error) {
	for s, n := range stepNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", name)
}

// Duration returns the length of one bucket at this step.
func (s Step) Duration() time.Duration {
	switch s {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Of encodes t as a bucket at the given step. Buckets are decimal date
// strings read as integers, computed in UTC:
//
//	Second  yyyyMMddHHmmss
//	Minute  yyyyMMddHHmm
//	Hour    yyyyMMddHH
//	Day     yyyyMMdd
func Of(t time.Time, step Step) int64 {
	t = t.UTC()
	day := int64(t.Year())*10000 + int64(t.Month())*100 + int64(t.Day())
	switch step {
	case Day:
		return day
	case Hour:
		return day*100 + int64(t.Hour())
	case Minute:
		return (day*100+int64(t.Hour()))*100 + int64(t.Minute())
	default:
		return ((day*100+int64(t.Hour()))*100+int64(t.Minute()))*100 + int64(t.Second())
	}
}

// Time decodes a bucket back into the start of its window.
func Time(bucket int64, step Step) (time.Time, error) {
	b := bucket
	var sec, minute, hour int64
	switch step {
	case Second:
		sec = b % 100
		b /= 100
		fallthrough
	case Minute:
		minute = b % 100
		b /= 100
		fallthrough
	case Hour:
		hour = b % 100
		b /= 100
	case Day:
	default:
		return time.Time{}, fmt.Errorf("unknown step %d", int(step))
	}
	day := b % 100
	month := (b / 100) % 100
	year := b / 10000
	if month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("invalid %s bucket %d", step, bucket)
	}
	t := time.Date(int(year), time.Month(month), int(day), int(hour), int(minute), int(sec), 0, time.UTC)
	if int64(t.Day()) != day {
		return time.Time{}, fmt.Errorf("invalid %s bucket: day %d out of range", step, day)
	}
	return t, nil
}

// Convert re-buckets a bucket from a finer step to a coarser one.
func Convert(bucket int64, from, to Step) (int64, error) {
	if to < from {
		return 0, fmt.Errorf("cannot convert %s bucket to finer step %s", from, to)
	}
	t, err := Time(bucket, from)
	if err != nil {
		return 0, err
	}
	return Of(t, to), nil
}

// Next returns the bucket immediately following bucket.
func Next(bucket int64, step Step) (int64, error) {
	t, err := Time(bucket, step)
	if err != nil {
		return 0, err
	}
	switch step {
	case Day:
		t = t.AddDate(0, 0, 1)
	default:
		t = t.Add(step.Duration())
	}
	return Of(t, step), nil
}

// ID joins a bucket and the remaining id parts into a composite record id.
func ID(bucket int64, parts ...any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", bucket)
	for _, p := range parts {
		b.WriteString(IDSplit)
		fmt.Fprint(&b, p)
	}
	return b.String()
}
