package timebucket

import (
	"testing"
	"time"
)

func TestOf(t *testing.T) {
	ts := time.Date(2024, 3, 7, 9, 5, 42, 0, time.UTC)

	tests := []struct {
		step     Step
		expected int64
	}{
		{Second, 20240307090542},
		{Minute, 202403070905},
		{Hour, 2024030709},
		{Day, 20240307},
	}

	for _, test := range tests {
		if got := Of(ts, test.step); got != test.expected {
			t.Errorf("Of(%v, %s) = %d, expected %d", ts, test.step, got, test.expected)
		}
	}
}

func TestOf_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	ts := time.Date(2024, 1, 1, 3, 0, 0, 0, loc)

	if got := Of(ts, Hour); got != 2023123119 {
		t.Errorf("expected 2023123119, got %d", got)
	}
}

func TestTime_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 12, 31, 23, 59, 58, 0, time.UTC)

	for _, step := range []Step{Second, Minute, Hour, Day} {
		bucket := Of(ts, step)
		start, err := Time(bucket, step)
		if err != nil {
			t.Fatalf("Time(%d, %s) failed: %v", bucket, step, err)
		}
		if !start.Equal(ts.Truncate(step.Duration())) {
			t.Errorf("Time(%d, %s) = %v, expected %v", bucket, step, start, ts.Truncate(step.Duration()))
		}
	}
}

func TestTime_Invalid(t *testing.T) {
	invalid := []struct {
		bucket int64
		step   Step
	}{
		{202413010000, Minute}, // month 13
		{20240230, Day},        // Feb 30
		{2024010125, Hour},     // hour 25
		{20240101126000, Second},
	}

	for _, tc := range invalid {
		if _, err := Time(tc.bucket, tc.step); err == nil {
			t.Errorf("expected error for %s bucket %d", tc.step, tc.bucket)
		}
	}
}

func TestConvert(t *testing.T) {
	got, err := Convert(202403070905, Minute, Hour)
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if got != 2024030709 {
		t.Errorf("expected 2024030709, got %d", got)
	}

	if _, err := Convert(2024030709, Hour, Minute); err == nil {
		t.Error("expected error converting to a finer step")
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		bucket   int64
		step     Step
		expected int64
	}{
		{202403072359, Minute, 202403080000},
		{2024022923, Hour, 2024030100},
		{20241231, Day, 20250101},
	}

	for _, test := range tests {
		got, err := Next(test.bucket, test.step)
		if err != nil {
			t.Fatalf("Next(%d) failed: %v", test.bucket, err)
		}
		if got != test.expected {
			t.Errorf("Next(%d, %s) = %d, expected %d", test.bucket, test.step, got, test.expected)
		}
	}
}

func TestID(t *testing.T) {
	if got := ID(202403070905, 12, 0); got != "202403070905_12_0" {
		t.Errorf("unexpected id %q", got)
	}
	if got := ID(20240307); got != "20240307" {
		t.Errorf("unexpected id %q", got)
	}
}

func TestParseStep(t *testing.T) {
	s, err := ParseStep("Hour")
	if err != nil || s != Hour {
		t.Errorf("ParseStep(Hour) = %v, %v", s, err)
	}
	if _, err := ParseStep("week"); err == nil {
		t.Error("expected error for unknown step")
	}
}

func TestDurationPoints(t *testing.T) {
	points, err := DurationPoints(Minute, 202403072358, 202403080001)
	if err != nil {
		t.Fatalf("DurationPoints failed: %v", err)
	}

	expected := []int64{202403072358, 202403072359, 202403080000, 202403080001}
	if len(points) != len(expected) {
		t.Fatalf("expected %d points, got %d", len(expected), len(points))
	}
	for i, p := range points {
		if p.Point != expected[i] {
			t.Errorf("point %d = %d, expected %d", i, p.Point, expected[i])
		}
		if p.SecondsBetween != 60 || p.MinutesBetween != 1 {
			t.Errorf("point %d spacing = %ds/%dm, expected 60s/1m", i, p.SecondsBetween, p.MinutesBetween)
		}
	}
}

func TestDurationPoints_ReversedRange(t *testing.T) {
	if _, err := DurationPoints(Day, 20240302, 20240301); err == nil {
		t.Error("expected error for reversed range")
	}
}
