// escrow_monitor.go implements the EscrowMonitor background job, which samples the
// jobs currently holding escrow and publishes their count, the count older than the
// stale threshold, and the total amount locked. Funded jobs only leave that state
// when the agent owner completes them, so a growing stale count is the signal that
// consumers paid for work that never arrived.
package jobs

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"github.com/agent-market/agent-market/internal/agent"
	"github.com/agent-market/agent-market/internal/telemetry"
)

// FundedJobSource lists jobs in the Funded state.
type FundedJobSource interface {
	FundedJobs(ctx context.Context) ([]*agent.Job, error)
}

// EscrowStats is the result of one sampling pass.
type EscrowStats struct {
	Funded int
	Stale  int
	Locked *uint256.Int
}

// EscrowMonitor periodically reports escrow held by funded jobs.
type EscrowMonitor struct {
	source     FundedJobSource
	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
	stopChan   chan struct{}
}

// NewEscrowMonitor creates a monitor. Non-positive durations fall back to
// 5 minutes and 7 days.
func NewEscrowMonitor(source FundedJobSource, interval, staleAfter time.Duration) *EscrowMonitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 7 * 24 * time.Hour
	}
	return &EscrowMonitor{
		source:     source,
		interval:   interval,
		staleAfter: staleAfter,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// Start samples immediately and then on every tick until ctx is cancelled or Stop is called.
func (m *EscrowMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Info("escrow monitor started", "interval", m.interval, "stale_after", m.staleAfter)

	m.runCheck(ctx)

	for {
		select {
		case <-ticker.C:
			m.runCheck(ctx)
		case <-m.stopChan:
			slog.Info("escrow monitor stopped")
			return
		case <-ctx.Done():
			slog.Info("escrow monitor context cancelled")
			return
		}
	}
}

// Stop signals the background loop to exit.
func (m *EscrowMonitor) Stop() {
	close(m.stopChan)
}

func (m *EscrowMonitor) runCheck(ctx context.Context) {
	stats, err := m.Check(ctx)
	if err != nil {
		slog.Error("escrow monitor: failed to list funded jobs", "error", err)
		return
	}
	if stats.Stale > 0 {
		slog.Warn("escrow monitor: stale funded jobs",
			"stale", stats.Stale, "funded", stats.Funded, "stale_after", m.staleAfter)
	}
}

// Check samples funded jobs once and updates the escrow gauges.
func (m *EscrowMonitor) Check(ctx context.Context) (*EscrowStats, error) {
	jobs, err := m.source.FundedJobs(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := m.now().Add(-m.staleAfter)
	stats := &EscrowStats{Funded: len(jobs), Locked: new(uint256.Int)}
	for _, j := range jobs {
		if j.FundedAt != nil && j.FundedAt.Before(cutoff) {
			stats.Stale++
		}
		if j.EscrowedBalance != nil {
			// Total supply bounds the sum, so overflow would mean a corrupt ledger.
			if _, overflow := stats.Locked.AddOverflow(stats.Locked, j.EscrowedBalance); overflow {
				slog.Error("escrow monitor: locked total overflowed", "job", j.Address.Hex())
			}
		}
	}

	locked, _ := new(big.Float).SetInt(stats.Locked.ToBig()).Float64()
	telemetry.FundedJobs.Set(float64(stats.Funded))
	telemetry.StaleFundedJobs.Set(float64(stats.Stale))
	telemetry.EscrowLockedTokens.Set(locked)
	return stats, nil
}
