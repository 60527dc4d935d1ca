package monitor

import (
	"sync"
	"time"
)

// DefaultMaxConsecutiveErrors is how many failures in a row a task may have
// before it is reported unhealthy.
const DefaultMaxConsecutiveErrors = 3

// TaskMonitor tracks the health of a periodic background task.
type TaskMonitor struct {
	name       string
	staleAfter time.Duration
	maxErrors  int

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewTaskMonitor returns a monitor for the task called name. A task that has
// been attempted but not succeeded within staleAfter is unhealthy; zero
// disables the staleness check.
func NewTaskMonitor(name string, staleAfter time.Duration) *TaskMonitor {
	return &TaskMonitor{name: name, staleAfter: staleAfter, maxErrors: DefaultMaxConsecutiveErrors}
}

// Name returns the task name.
func (m *TaskMonitor) Name() string { return m.name }

// RecordSuccess records a successful run.
func (m *TaskMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed run.
func (m *TaskMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy reports whether the task is working. A task that has not run yet
// is healthy.
func (m *TaskMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *TaskMonitor) healthyLocked() bool {
	if m.consecutiveErrors > m.maxErrors {
		return false
	}
	if m.lastAttempt.IsZero() || m.staleAfter <= 0 {
		return true
	}
	ref := m.lastSuccess
	if ref.IsZero() {
		return m.consecutiveErrors == 0
	}
	return time.Since(ref) <= m.staleAfter
}

// TaskStatus is the health report of one task.
type TaskStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current report.
func (m *TaskMonitor) Status() TaskStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := TaskStatus{Name: m.name, Healthy: m.healthyLocked()}
	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}
	return status
}
