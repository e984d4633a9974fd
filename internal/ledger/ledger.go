package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/agent-market/agent-market/internal/safego"
	"github.com/agent-market/agent-market/internal/telemetry"
)

const tracerName = "github.com/agent-market/agent-market/internal/ledger"

// Ledger owns the committed state and runs invocations against it one at a time.
type Ledger struct {
	// mu serializes invocations.
	mu sync.Mutex
	// rw guards state and height for concurrent views.
	rw     sync.RWMutex
	state  map[string][]byte
	height uint64
	closed bool

	store Store
	sinks []EventSink
	now   func() time.Time

	dispatch chan []Event
	done     chan struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithEventSink registers a sink for committed events.
func WithEventSink(sink EventSink) Option {
	return func(l *Ledger) { l.sinks = append(l.sinks, sink) }
}

// WithClock overrides the invocation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open loads the committed state from store and starts event dispatch.
func Open(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: load state: %w", err)
	}
	l := &Ledger{
		state:    snap.Entries,
		height:   snap.Height,
		store:    store,
		now:      func() time.Time { return time.Now().UTC() },
		dispatch: make(chan []Event, 256),
		done:     make(chan struct{}),
	}
	if l.state == nil {
		l.state = make(map[string][]byte)
	}
	for _, opt := range opts {
		opt(l)
	}
	telemetry.LedgerHeight.Set(float64(l.height))

	safego.Go("ledger-dispatch", l.runDispatch)

	slog.Info("ledger opened", "height", l.height, "keys", len(l.state))
	return l, nil
}

func (l *Ledger) runDispatch() {
	defer close(l.done)
	for events := range l.dispatch {
		for _, sink := range l.sinks {
			safego.Run("ledger-sink", func() { sink.Publish(context.Background(), events) })
		}
	}
}

// Invoke runs fn as one atomic invocation on behalf of caller. The operation
// name labels metrics and traces.
//
// If fn returns an error, or the change set cannot be persisted, the state is
// left exactly as it was and the error is returned.
func (l *Ledger) Invoke(ctx context.Context, operation string, caller common.Address, fn func(tx *Tx) error) (*Receipt, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ledger.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.operation", operation),
		attribute.String("ledger.caller", caller.Hex()),
	)

	start := time.Now()
	receipt, err := l.invoke(ctx, caller, fn)

	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int64("ledger.height", int64(receipt.Height)))
	}
	telemetry.LedgerInvocationsTotal.WithLabelValues(operation, result).Inc()
	telemetry.LedgerInvocationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	return receipt, err
}

func (l *Ledger) invoke(ctx context.Context, caller common.Address, fn func(tx *Tx) error) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx := newTx(ctx, caller, l.state, l.height+1, l.now())
	if err := fn(tx); err != nil {
		return nil, err
	}

	cs := tx.changeSet()
	if err := l.store.Apply(ctx, cs); err != nil {
		return nil, fmt.Errorf("ledger: persist height %d: %w", cs.Height, err)
	}

	l.rw.Lock()
	for _, c := range cs.Changes {
		if c.Deleted {
			delete(l.state, c.Key)
		} else {
			l.state[c.Key] = c.Value
		}
	}
	l.height = cs.Height
	l.rw.Unlock()
	telemetry.LedgerHeight.Set(float64(cs.Height))

	if len(cs.Events) > 0 && len(l.sinks) > 0 {
		l.dispatch <- cs.Events
	}

	return &Receipt{Height: cs.Height, Caller: caller, Events: cs.Events}, nil
}

// View runs fn against a consistent read-only view of committed state.
func (l *Ledger) View(ctx context.Context, fn func(r Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.rw.RLock()
	defer l.rw.RUnlock()
	return fn(committedView{state: l.state, height: l.height})
}

// Height returns the last committed height.
func (l *Ledger) Height() uint64 {
	l.rw.RLock()
	defer l.rw.RUnlock()
	return l.height
}

// Events queries committed events from the store.
func (l *Ledger) Events(ctx context.Context, filter EventFilter) ([]Event, error) {
	return l.store.Events(ctx, filter)
}

// Close stops event dispatch and closes the store. Pending events are
// delivered before Close returns.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.dispatch)
	l.mu.Unlock()

	<-l.done
	return l.store.Close()
}

type committedView struct {
	state  map[string][]byte
	height uint64
}

func (v committedView) Get(key string) ([]byte, bool) {
	val, ok := v.state[key]
	return val, ok
}

func (v committedView) Keys(prefix string) []string {
	var out []string
	for k := range v.state {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (v committedView) Height() uint64 { return v.height }
