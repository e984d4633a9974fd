package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/agent-market/agent-market/internal/ledger"
)

// ResourceTypeLedgerEvent marks entries produced by LedgerSink.
const ResourceTypeLedgerEvent = "ledger_event"

// LedgerSink forwards committed ledger events to a Shipper. It implements
// ledger.EventSink and runs on the ledger's dispatch goroutine, so each
// delivery is bounded by timeout.
type LedgerSink struct {
	shipper Shipper
	timeout time.Duration
}

// NewLedgerSink wraps s.
func NewLedgerSink(s Shipper) *LedgerSink {
	return &LedgerSink{shipper: s, timeout: 5 * time.Second}
}

// EntryFromEvent converts a ledger event to an audit entry.
func EntryFromEvent(e ledger.Event) *LogEntry {
	metadata := map[string]interface{}{
		"height": e.Height,
		"index":  e.Index,
	}
	for k, v := range e.Attributes {
		metadata[k] = v
	}
	return &LogEntry{
		Timestamp:    e.Time,
		Action:       "ledger." + e.Type,
		Actor:        e.Caller.Hex(),
		ResourceType: ResourceTypeLedgerEvent,
		ResourceID:   e.Address.Hex(),
		Metadata:     metadata,
	}
}

// Publish ships events in order. Failures are logged; the ledger has
// already committed and is never held back by a destination.
func (s *LedgerSink) Publish(ctx context.Context, events []ledger.Event) {
	for _, e := range events {
		shipCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.shipper.Ship(shipCtx, EntryFromEvent(e))
		cancel()
		if err != nil {
			slog.Warn("failed to ship ledger event", "type", e.Type, "height", e.Height, "error", err)
		}
	}
}
