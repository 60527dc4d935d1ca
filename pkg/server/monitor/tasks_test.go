package monitor

import (
	"errors"
	"testing"
	"time"
)

func TestTaskMonitor_RecordSuccess(t *testing.T) {
	m := NewTaskMonitor("badger_gc", time.Hour)
	m.RecordFailure(errors.New("disk full"))
	m.RecordSuccess()

	status := m.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.ConsecutiveErrors != 0 || status.LastError != "" {
		t.Errorf("errors not reset: %+v", status)
	}
	if status.Name != "badger_gc" || status.LastSuccess == "" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestTaskMonitor_RecordFailure(t *testing.T) {
	m := NewTaskMonitor("badger_gc", 0)
	m.RecordFailure(errors.New("disk full"))

	status := m.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "disk full" {
		t.Errorf("LastError = %q, want %q", status.LastError, "disk full")
	}
}

func TestTaskMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*TaskMonitor)
		expected bool
	}{
		{
			name:     "not run yet",
			setup:    func(*TaskMonitor) {},
			expected: true,
		},
		{
			name:     "recent success",
			setup:    func(m *TaskMonitor) { m.RecordSuccess() },
			expected: true,
		},
		{
			name: "stale success",
			setup: func(m *TaskMonitor) {
				m.RecordSuccess()
				m.mu.Lock()
				m.lastSuccess = time.Now().Add(-2 * time.Hour)
				m.mu.Unlock()
			},
			expected: false,
		},
		{
			name:     "first run failed",
			setup:    func(m *TaskMonitor) { m.RecordFailure(errors.New("boom")) },
			expected: false,
		},
		{
			name: "too many consecutive errors",
			setup: func(m *TaskMonitor) {
				m.RecordSuccess()
				for i := 0; i <= DefaultMaxConsecutiveErrors; i++ {
					m.RecordFailure(errors.New("boom"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewTaskMonitor("task", time.Hour)
			tt.setup(m)
			if got := m.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}
