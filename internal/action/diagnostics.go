package action

import (
	"context"
	"runtime"
	"time"
)

// DiagnosticsCollector captures a diagnostic snapshot for a component. The
// returned map is attached verbatim to the firing's audit record.
type DiagnosticsCollector interface {
	Collect(ctx context.Context, component string) (map[string]any, error)
}

// RuntimeDiagnostics is the default collector: a process-level snapshot of
// goroutine and heap state. Deployments with richer tooling plug their own
// collector in through Options.Diagnostics.
type RuntimeDiagnostics struct{}

func (RuntimeDiagnostics) Collect(_ context.Context, component string) (map[string]any, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return map[string]any{
		"component":      component,
		"goroutines":     runtime.NumGoroutine(),
		"heapAllocBytes": ms.HeapAlloc,
		"heapObjects":    ms.HeapObjects,
		"numGC":          ms.NumGC,
		"collectedAt":    time.Now().UTC().Format(time.RFC3339),
	}, nil
}
