package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/agent-market/agent-market/internal/safego"
	"github.com/agent-market/agent-market/internal/telemetry"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	defaultFlushInterval  = 5 * time.Second
	webhookQueueSize      = 1000
)

var errShipperClosed = errors.New("audit shipper closed")

// WebhookConfig configures a WebhookShipper. BatchSize 0 posts every entry
// on its own; otherwise entries are posted as a JSON array once BatchSize
// accumulate or FlushInterval passes.
type WebhookConfig struct {
	URL           string
	Headers       map[string]string
	Timeout       time.Duration
	BatchSize     int
	FlushInterval time.Duration
}

// WebhookShipper POSTs entries to an HTTP collector.
type WebhookShipper struct {
	cfg    WebhookConfig
	client *http.Client

	queue   chan *LogEntry
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewWebhookShipper validates cfg and, when batching, starts the flush loop.
func NewWebhookShipper(cfg *WebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook url is required")
	}
	c := *cfg
	if c.Timeout <= 0 {
		c.Timeout = defaultWebhookTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}

	ws := &WebhookShipper{
		cfg:     c,
		client:  &http.Client{Timeout: c.Timeout},
		queue:   make(chan *LogEntry, webhookQueueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if c.BatchSize > 0 {
		safego.Go("audit-webhook", ws.run)
	} else {
		close(ws.stopped)
	}
	return ws, nil
}

// run owns the pending batch until Close drains the queue.
func (ws *WebhookShipper) run() {
	defer close(ws.stopped)

	ticker := time.NewTicker(ws.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]*LogEntry, 0, ws.cfg.BatchSize)
	flush := func() {
		if len(pending) > 0 {
			ws.postBatch(pending)
			pending = pending[:0]
		}
	}

	for {
		select {
		case e := <-ws.queue:
			pending = append(pending, e)
			if len(pending) >= ws.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ws.stop:
			for {
				select {
				case e := <-ws.queue:
					pending = append(pending, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (ws *WebhookShipper) postBatch(batch []*LogEntry) {
	body, err := json.Marshal(batch)
	if err != nil {
		slog.Error("failed to encode audit batch", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.Timeout)
	defer cancel()
	if err := ws.post(ctx, body); err != nil {
		telemetry.AuditShipFailuresTotal.WithLabelValues("webhook").Add(float64(len(batch)))
		slog.Warn("audit batch not delivered", "entries", len(batch), "error", err)
	}
}

// Ship queues the entry when batching. A full queue, or no batching, posts
// the entry directly.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *LogEntry) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case <-ws.stop:
			return errShipperClosed
		default:
		}
		select {
		case ws.queue <- entry:
			return nil
		default:
		}
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	return ws.post(ctx, body)
}

func (ws *WebhookShipper) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("audit webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Close flushes queued entries and waits for the flush loop to exit.
func (ws *WebhookShipper) Close() error {
	ws.once.Do(func() { close(ws.stop) })
	<-ws.stopped
	return nil
}
