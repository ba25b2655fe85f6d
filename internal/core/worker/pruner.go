package worker

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner drops settled records older than a cutoff.
type Cleaner interface {
	Cleanup(olderThan time.Duration) int
}

// Pruner removes old transaction records based on a retention policy.
type Pruner struct {
	retention time.Duration
	target    Cleaner
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, target Cleaner, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		retention: retention,
		target:    target,
		log:       log.With("component", "pruner"),
	}
}

// Interval is how often the pruner runs: a tenth of the retention period,
// between one minute and one hour.
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, 1*time.Hour)
	return max(interval, 1*time.Minute)
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	p.Prune()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune()
		}
	}
}

// Prune runs one pass and returns the number of records removed.
func (p *Pruner) Prune() int {
	n := p.target.Cleanup(p.retention)
	if n > 0 {
		p.log.Info("Pruned settled transactions", "removed", n, "retention", p.retention)
	}
	return n
}
