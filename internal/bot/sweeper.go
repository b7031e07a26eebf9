package bot

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically re-drives queued inference failures through the
// pipeline. Per-entry lifecycle:
//
//	queued → in-progress → delivered (removed)
//	                     → re-queued (renewed transient failure)
//	                     → discarded (non-transient failure, stale age,
//	                       or target session gone/locked)
type Sweeper struct {
	orch     *Orchestrator
	logger   *slog.Logger
	interval time.Duration
	maxAge   time.Duration
}

// NewSweeper creates a sweeper over the orchestrator's retry queue.
// maxAge bounds how long an entry may keep re-queueing; without it,
// repeated transient failures would requeue forever.
func NewSweeper(orch *Orchestrator, interval, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		orch:     orch,
		logger:   logger.With("component", "sweeper"),
		interval: interval,
		maxAge:   maxAge,
	}
}

// Start runs sweep ticks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("retry sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep tick: snapshot and clear the queue, then
// attempt each entry in original order. Each entry is attempted at
// most once per tick, inside its session's turn queue so a replay and
// a live inbound turn for the same session cannot interleave.
func (s *Sweeper) RunOnce(ctx context.Context) {
	entries, err := s.orch.queue.drainAll()
	if err != nil {
		s.logger.Error("queue drain failed", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	s.logger.Info("sweeping retry queue", "entries", len(entries))

	for _, e := range entries {
		if s.maxAge > 0 && time.Since(e.EnqueuedAt) > s.maxAge {
			s.logger.Warn("discarding stale retry entry",
				"session", e.SessionID,
				"entry", e.ID,
				"age", time.Since(e.EnqueuedAt),
			)
			continue
		}

		if s.orch.replayEntry(ctx, e) {
			// Re-append to the now-current queue for the next tick,
			// preserving the original enqueue time for age bounding
			// and context reconstruction.
			if err := s.orch.queue.enqueue(e); err != nil {
				s.logger.Error("re-queue failed, entry lost", "entry", e.ID, "error", err)
			}
		}
	}
}
