// Package janitor sweeps expired entries out of the in-process stores. Every
// store prunes lazily on access, but keys that are never touched again would
// otherwise sit in their shard forever.
package janitor

import (
	"context"
	"log/slog"
	"time"
)

// Target is one prunable store. Prune returns the number of entries dropped.
type Target struct {
	Name  string
	Prune func() int
}

// Sweeper runs every target on a fixed interval.
type Sweeper struct {
	log      *slog.Logger
	interval time.Duration
	targets  []Target
}

// New creates a sweeper. interval <= 0 defaults to one minute.
func New(log *slog.Logger, interval time.Duration, targets ...Target) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{log: log, interval: interval, targets: targets}
}

// Run blocks until ctx is cancelled, sweeping once immediately and then on
// every tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// Sweep prunes every target once and returns the total dropped.
func (s *Sweeper) Sweep() int {
	total := 0
	for _, t := range s.targets {
		n := t.Prune()
		total += n
		if n > 0 {
			s.log.Info("pruned expired entries", "store", t.Name, "dropped", n)
		}
	}
	return total
}
