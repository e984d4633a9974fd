// export_publisher.go implements the ExportPublisher background job, which publishes a
// new export bundle whenever the ledger has advanced since the last one.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/agent-market/agent-market/internal/export"
)

// Exporter publishes export bundles.
type Exporter interface {
	Export(ctx context.Context, force bool) (*export.Result, error)
}

// ExportPublisher runs unforced exports on an interval.
type ExportPublisher struct {
	exporter Exporter
	interval time.Duration
	stopChan chan struct{}
}

// NewExportPublisher creates a publisher. A non-positive interval defaults to 24h.
func NewExportPublisher(exporter Exporter, interval time.Duration) *ExportPublisher {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &ExportPublisher{
		exporter: exporter,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start publishes immediately, then on every tick until ctx is cancelled or Stop is called.
func (p *ExportPublisher) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("export publisher started", "interval", p.interval)

	p.runExport(ctx)

	for {
		select {
		case <-ticker.C:
			p.runExport(ctx)
		case <-p.stopChan:
			slog.Info("export publisher stopped")
			return
		case <-ctx.Done():
			slog.Info("export publisher context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (p *ExportPublisher) Stop() {
	close(p.stopChan)
}

// runExport reports whether a bundle was published.
func (p *ExportPublisher) runExport(ctx context.Context) bool {
	_, err := p.exporter.Export(ctx, false)
	switch {
	case errors.Is(err, export.ErrUnchanged):
		slog.Debug("export publisher: ledger unchanged, skipping")
		return false
	case err != nil:
		slog.Error("export publisher: export failed", "error", err)
		return false
	}
	return true
}
