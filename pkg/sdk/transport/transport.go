package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinyapm/pkg/model"
)

// DefaultRetryAfter is used when a 429 carries no Retry-After header.
const DefaultRetryAfter = time.Second

// RejectedError is returned when the collector refused part of a batch. The
// first Accepted events were queued; the rest may be resent after RetryAfter
// when Retryable is set.
type RejectedError struct {
	Status     int
	Accepted   int
	RetryAfter time.Duration
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("collector rejected batch with status %d after %d events: %s", e.Status, e.Accepted, e.Message)
}

// Retryable reports whether resending the rest of the batch can succeed.
func (e *RejectedError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusServiceUnavailable ||
		e.Status == http.StatusInsufficientStorage
}

// IsRetryable reports whether err is a retryable rejection.
func IsRetryable(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected) && rejected.Retryable()
}

// Transport sends events to a collector.
type Transport interface {
	SendMetrics(ctx context.Context, events []*model.MetricEvent) error
	SendGC(ctx context.Context, events []*model.GCEvent) error
}

// HTTPTransport implements Transport against the collector's /v1 API.
type HTTPTransport struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTP returns a transport for the collector at baseURL, e.g.
// "http://localhost:8080".
func NewHTTP(baseURL, apiKey string) (*HTTPTransport, error) {
	if baseURL == "" {
		return nil, errors.New("transport: base URL is required")
	}
	return &HTTPTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}, nil
}

type metricPayload struct {
	Domain model.Domain `json:"domain"`
	*model.MetricEvent
}

type ingestResponse struct {
	Accepted int    `json:"accepted"`
	Message  string `json:"message"`
}

// SendMetrics posts one batch of metric deltas.
func (t *HTTPTransport) SendMetrics(ctx context.Context, events []*model.MetricEvent) error {
	if len(events) == 0 {
		return nil
	}
	payload := make([]metricPayload, len(events))
	for i, ev := range events {
		payload[i] = metricPayload{Domain: ev.Domain, MetricEvent: ev}
	}
	return t.ingest(ctx, "/v1/ingest/metrics", map[string]any{"events": payload})
}

// SendGC posts one batch of GC reports.
func (t *HTTPTransport) SendGC(ctx context.Context, events []*model.GCEvent) error {
	if len(events) == 0 {
		return nil
	}
	return t.ingest(ctx, "/v1/ingest/gc", map[string]any{"events": events})
}

func (t *HTTPTransport) ingest(ctx context.Context, path string, body any) error {
	resp, err := t.post(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	rejected := &RejectedError{Status: resp.StatusCode}
	var decoded ingestResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&decoded); err == nil {
		rejected.Accepted = decoded.Accepted
		rejected.Message = decoded.Message
	}
	if rejected.Retryable() {
		rejected.RetryAfter = retryAfter(resp.Header.Get("Retry-After"))
	}
	return rejected
}

// Register posts an application, instance or service registration. kind is
// "applications", "instances" or "services".
func (t *HTTPTransport) Register(ctx context.Context, kind string, record any) error {
	resp, err := t.post(ctx, "/v1/register/"+kind, record)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register %s failed with status %d", kind, resp.StatusCode)
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

func retryAfter(header string) time.Duration {
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return DefaultRetryAfter
}
