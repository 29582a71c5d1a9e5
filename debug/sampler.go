package debug

// Runtime health sampler, started only when the debug config flag is set.
// Emits goroutine count, heap and stack usage, and process working set at a
// fixed interval, merged with counters supplied by the engine. Intentionally
// minimal: enough to correlate RSS growth with heap, stacks, or frame churn.

import (
	"context"
	"log/slog"
	"runtime"
	"runtime/metrics"
	"time"
)

// SampleFunc supplies extra attributes for each sample, typically engine
// counters such as capture or detection totals.
type SampleFunc func() []slog.Attr

// StartSampler launches a goroutine that logs runtime health every interval
// until ctx is cancelled. It is lightweight; disable by running without the
// debug flag.
func StartSampler(ctx context.Context, logger *slog.Logger, interval time.Duration, extras ...SampleFunc) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		samples := []metrics.Sample{{Name: "/sched/goroutines:goroutines"}}
		var wsErrLogged bool
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			metrics.Read(samples)
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			args := []any{
				slog.Uint64("goroutines", samples[0].Value.Uint64()),
				slog.Uint64("heap_alloc", ms.HeapAlloc),
				slog.Uint64("heap_inuse", ms.HeapInuse),
				slog.Uint64("stack_inuse", uint64(ms.StackInuse)),
				slog.Uint64("next_gc", ms.NextGC),
				slog.Uint64("num_gc", uint64(ms.NumGC)),
			}
			if ws, err := workingSet(); err == nil {
				args = append(args, slog.Uint64("working_set", ws))
			} else if !wsErrLogged {
				logger.Warn("debug: working set query failed", slog.String("err", err.Error()))
				wsErrLogged = true
			}
			for _, extra := range extras {
				for _, attr := range extra() {
					args = append(args, attr)
				}
			}
			logger.Info("runtime.sample", args...)
		}
	}()
}
