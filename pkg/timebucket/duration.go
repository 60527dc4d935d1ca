package timebucket

import (
	"fmt"
	"time"
)

// DurationPoint is one bucket of a queried range, with the distance from the
// previous point (or from the range start for the first point).
type DurationPoint struct {
	Point          int64 `json:"point"`
	SecondsBetween int64 `json:"seconds_between"`
	MinutesBetween int64 `json:"minutes_between"`
}

// maxDurationPoints bounds range expansion so a malformed query cannot
// allocate without limit.
const maxDurationPoints = 10000

// DurationPoints expands [start, end] into one point per bucket at step.
func DurationPoints(step Step, start, end int64) ([]DurationPoint, error) {
	startTime, err := Time(start, step)
	if err != nil {
		return nil, err
	}
	endTime, err := Time(end, step)
	if err != nil {
		return nil, err
	}
	if endTime.Before(startTime) {
		return nil, fmt.Errorf("range end %d precedes start %d", end, start)
	}

	var points []DurationPoint
	prev := startTime
	for t := startTime; !t.After(endTime); {
		if len(points) >= maxDurationPoints {
			return nil, fmt.Errorf("range %d..%d exceeds %d points", start, end, maxDurationPoints)
		}
		between := t.Sub(prev)
		if len(points) == 0 {
			between = step.Duration()
		}
		points = append(points, DurationPoint{
			Point:          Of(t, step),
			SecondsBetween: int64(between / time.Second),
			MinutesBetween: int64(between / time.Minute),
		})
		prev = t
		if step == Day {
			t = t.AddDate(0, 0, 1)
		} else {
			t = t.Add(step.Duration())
		}
	}
	return points, nil
}
