package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nicktill/tinyapm/pkg/model"
)

func TestNewHTTP(t *testing.T) {
	tr, err := NewHTTP("http://localhost:8080/", "secret")
	if err != nil {
		t.Fatalf("NewHTTP failed: %v", err)
	}
	if tr.baseURL != "http://localhost:8080" {
		t.Errorf("Expected trailing slash trimmed, got %q", tr.baseURL)
	}
	if tr.client.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", tr.client.Timeout)
	}

	if _, err := NewHTTP("", ""); err == nil {
		t.Error("Expected error for empty base URL")
	}
}

func TestSendMetrics_Payload(t *testing.T) {
	var got map[string][]map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ingest/metrics" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Missing API key, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Decode failed: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"accepted","accepted":1}`))
	}))
	defer server.Close()

	tr, _ := NewHTTP(server.URL, "secret")
	err := tr.SendMetrics(context.Background(), []*model.MetricEvent{{
		Domain:        model.ServiceDomain,
		EntityID:      3,
		ApplicationID: 1,
		Source:        model.Callee,
		Timestamp:     time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
		Calls:         2,
	}})
	if err != nil {
		t.Fatalf("SendMetrics failed: %v", err)
	}

	events := got["events"]
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %v", got)
	}
	if events[0]["domain"] != "service" || events[0]["source"] != "callee" || events[0]["entity_id"] != float64(3) {
		t.Errorf("Unexpected wire event %v", events[0])
	}
}

func TestSendMetrics_Empty(t *testing.T) {
	tr, _ := NewHTTP("http://127.0.0.1:1", "")
	if err := tr.SendMetrics(context.Background(), nil); err != nil {
		t.Errorf("Expected no-op for empty batch, got %v", err)
	}
}

func TestIngest_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		body       string
		retryable  bool
		accepted   int
		wait       time.Duration
	}{
		{"backpressure", http.StatusTooManyRequests, "3", `{"status":"rejected","accepted":4,"message":"queue full"}`, true, 4, 3 * time.Second},
		{"backpressure without header", http.StatusTooManyRequests, "", `{"accepted":0}`, true, 0, DefaultRetryAfter},
		{"storage full", http.StatusInsufficientStorage, "", `{"error":"Insufficient Storage"}`, true, 0, DefaultRetryAfter},
		{"invalid batch", http.StatusBadRequest, "", `{"error":"Bad Request","message":"invalid event 0"}`, false, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			tr, _ := NewHTTP(server.URL, "")
			err := tr.SendGC(context.Background(), []*model.GCEvent{{InstanceID: 7, Count: 1}})

			var rejected *RejectedError
			if !errors.As(err, &rejected) {
				t.Fatalf("Expected RejectedError, got %v", err)
			}
			if rejected.Retryable() != tt.retryable || IsRetryable(err) != tt.retryable {
				t.Errorf("Retryable = %v, want %v", rejected.Retryable(), tt.retryable)
			}
			if rejected.Accepted != tt.accepted {
				t.Errorf("Accepted = %d, want %d", rejected.Accepted, tt.accepted)
			}
			if rejected.RetryAfter != tt.wait {
				t.Errorf("RetryAfter = %v, want %v", rejected.RetryAfter, tt.wait)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	var path string
	var app model.Application
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&app)
		if app.Code == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr, _ := NewHTTP(server.URL, "")
	if err := tr.Register(context.Background(), "applications", model.Application{ID: 1, Code: "shop"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if path != "/v1/register/applications" || app.ID != 1 {
		t.Errorf("Unexpected request %s %+v", path, app)
	}
	if err := tr.Register(context.Background(), "applications", model.Application{ID: 2}); err == nil {
		t.Error("Expected error on 400")
	}
}

func TestSend_ConnectionError(t *testing.T) {
	tr, _ := NewHTTP("http://127.0.0.1:1", "")
	err := tr.SendMetrics(context.Background(), []*model.MetricEvent{{EntityID: 1}})
	if err == nil {
		t.Fatal("Expected connection error")
	}
	if IsRetryable(err) {
		t.Error("Connection errors are not rejections")
	}
}
