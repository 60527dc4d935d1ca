package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nicktill/tinyapm/pkg/model"
	"github.com/nicktill/tinyapm/pkg/sdk/batch"
	"github.com/nicktill/tinyapm/pkg/sdk/transport"
)

// ClientConfig identifies the reporting instance and where to send data.
type ClientConfig struct {
	ApplicationID int           `json:"application_id"`
	InstanceID    int           `json:"instance_id"`
	APIKey        string        `json:"api_key"`
	Endpoint      string        `json:"endpoint"`
	FlushEvery    time.Duration `json:"flush_every"`
	MaxBatchSize  int           `json:"max_batch_size"`
}

// Sender is the part of a transport the client needs.
type Sender interface {
	transport.Transport
	Register(ctx context.Context, kind string, record any) error
}

// Client reports call metrics and GC activity of one instance.
type Client struct {
	config    ClientConfig
	transport Sender
	metrics   *batch.Batcher[*model.MetricEvent]
	gc        *batch.Batcher[*model.GCEvent]
	now       func() time.Time

	mu      sync.Mutex
	started bool
}

// New creates a client reporting over HTTP.
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	trans, err := transport.NewHTTP(cfg.Endpoint, cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return NewWithTransport(cfg, trans)
}

// NewWithTransport creates a client over an existing transport.
func NewWithTransport(cfg ClientConfig, trans Sender) (*Client, error) {
	if cfg.ApplicationID <= 0 || cfg.InstanceID <= 0 {
		return nil, errors.New("application and instance ids are required")
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}

	bc := batch.Config{MaxBatchSize: cfg.MaxBatchSize, FlushEvery: cfg.FlushEvery}
	return &Client{
		config:    cfg,
		transport: trans,
		metrics:   batch.New(trans.SendMetrics, bc),
		gc:        batch.New(trans.SendGC, bc),
		now:       time.Now,
	}, nil
}

// Start begins background flushing.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("client already started")
	}
	c.started = true

	if err := c.metrics.Start(ctx); err != nil {
		return err
	}
	return c.gc.Start(ctx)
}

// Stop flushes what is buffered and stops background flushing.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	return errors.Join(c.metrics.Stop(), c.gc.Stop())
}

// Flush sends everything buffered now.
func (c *Client) Flush(ctx context.Context) error {
	return errors.Join(c.metrics.Flush(ctx), c.gc.Flush(ctx))
}

// Pending returns the number of buffered events.
func (c *Client) Pending() int { return c.metrics.Pending() + c.gc.Pending() }

// Call describes one observed call.
type Call struct {
	Domain model.Domain
	// EntityID defaults to the client's instance or application for those
	// domains; it must be set for services.
	EntityID    int
	Source      model.MetricSource
	Duration    time.Duration
	Failed      bool
	Transaction bool
}

// RecordCall buffers one call as a metric delta.
func (c *Client) RecordCall(call Call) {
	entity := call.EntityID
	if entity == 0 {
		switch call.Domain {
		case model.InstanceDomain:
			entity = c.config.InstanceID
		case model.ApplicationDomain:
			entity = c.config.ApplicationID
		}
	}

	ev := &model.MetricEvent{
		Domain:        call.Domain,
		EntityID:      entity,
		ApplicationID: c.config.ApplicationID,
		Source:        call.Source,
		Timestamp:     c.now(),
		Calls:         1,
		DurationSum:   call.Duration.Milliseconds(),
	}
	if call.Failed {
		ev.ErrorCalls = 1
	}
	if call.Transaction {
		ev.TransactionCalls = 1
		ev.TransactionErrorCalls = ev.ErrorCalls
		ev.TransactionDurationSum = ev.DurationSum
	}
	c.metrics.Add(ev)
}

// RecordGC buffers collections of the client's instance.
func (c *Client) RecordGC(phrase model.GCPhrase, count int64, pause time.Duration) {
	c.gc.Add(&model.GCEvent{
		InstanceID: c.config.InstanceID,
		Phrase:     phrase,
		Count:      count,
		Time:       pause.Milliseconds(),
		Timestamp:  c.now(),
	})
}

// RegisterSelf registers the client's application and instance.
func (c *Client) RegisterSelf(ctx context.Context, code, hostName string) error {
	if err := c.transport.Register(ctx, "applications", model.Application{ID: c.config.ApplicationID, Code: code}); err != nil {
		return err
	}
	return c.transport.Register(ctx, "instances", model.Instance{
		ID:            c.config.InstanceID,
		ApplicationID: c.config.ApplicationID,
		OsInfo:        fmt.Sprintf(`{"hostName":%q}`, hostName),
	})
}

// RegisterService registers a service of the client's application.
func (c *Client) RegisterService(ctx context.Context, id int, name string) error {
	return c.transport.Register(ctx, "services", model.ServiceName{
		ID:            id,
		ApplicationID: c.config.ApplicationID,
		Name:          name,
	})
}
