package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agent-market/agent-market/internal/export"
)

type stubExporter struct {
	err    error
	calls  atomic.Int32
	forced atomic.Bool
}

func (s *stubExporter) Export(_ context.Context, force bool) (*export.Result, error) {
	s.calls.Add(1)
	if force {
		s.forced.Store(true)
	}
	if s.err != nil {
		return nil, s.err
	}
	return &export.Result{Latest: export.Latest{Version: "1.0.0"}}, nil
}

func TestNewExportPublisher_DefaultInterval(t *testing.T) {
	p := NewExportPublisher(nil, 0)
	if p.interval != 24*time.Hour {
		t.Errorf("interval = %v, want 24h", p.interval)
	}
}

func TestExportPublisher_RunExport(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"published", nil, true},
		{"unchanged", export.ErrUnchanged, false},
		{"wrapped unchanged", errors.Join(errors.New("skip"), export.ErrUnchanged), false},
		{"failure", errors.New("bucket missing"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := &stubExporter{err: tt.err}
			p := NewExportPublisher(exp, time.Hour)
			if got := p.runExport(context.Background()); got != tt.want {
				t.Errorf("runExport() = %v, want %v", got, tt.want)
			}
			if exp.forced.Load() {
				t.Error("scheduled export must not force")
			}
		})
	}
}

func TestExportPublisher_TicksUntilStopped(t *testing.T) {
	exp := &stubExporter{err: export.ErrUnchanged}
	p := NewExportPublisher(exp, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	p.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	if n := exp.calls.Load(); n < 2 {
		t.Errorf("Export called %d times, want at least 2", n)
	}
}
