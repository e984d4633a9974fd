// Package safego runs background work so that a panic is logged and counted
// instead of taking down the server.
package safego

import (
	"log/slog"
	"runtime/debug"

	"github.com/agent-market/agent-market/internal/telemetry"
)

// Go runs fn on a new goroutine under Run.
func Go(name string, fn func()) {
	go Run(name, fn)
}

// Run calls fn and reports whether it returned without panicking. A recovered
// panic is logged with its stack and counted under name.
func Run(name string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.PanicsRecoveredTotal.WithLabelValues(name).Inc()
			slog.Error("recovered panic", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}
