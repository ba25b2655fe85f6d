package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/custody/internal/core/breaker"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/trading/custody"
	"github.com/vietddude/custody/internal/trading/dispatch"
)

// ProviderChecker probes chain providers.
type ProviderChecker interface {
	CheckHealth(ctx context.Context) map[domain.Network]custody.ProviderHealth
	WalletCounts(ctx context.Context) (map[domain.Network]int64, error)
}

// Queues is the operator view of the dispatcher.
type Queues interface {
	Networks() []domain.Network
	GetQueueStatus(network domain.Network) (dispatch.QueueStatus, error)
	PauseNetwork(network domain.Network) error
	ResumeNetwork(network domain.Network) error
	GetPendingTransactions(userID string) []domain.QueuedTransaction
}

// BreakerSource lists circuit breaker states.
type BreakerSource interface {
	Snapshot() []breaker.Snapshot
}

// Monitor aggregates health status from custody, breakers and queues.
type Monitor struct {
	providers ProviderChecker
	queues    Queues
	breakers  BreakerSource
	cacheFor  time.Duration
	log       *slog.Logger

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// NewMonitor creates a new health monitor. Reports are reused for cacheFor
// so probes do not hammer RPC endpoints.
func NewMonitor(providers ProviderChecker, queues Queues, breakers BreakerSource, cacheFor time.Duration, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		providers: providers,
		queues:    queues,
		breakers:  breakers,
		cacheFor:  cacheFor,
		log:       log.With("component", "health"),
	}
}

// Check returns the current report.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	report := Report{
		Providers: m.providers.CheckHealth(ctx),
		Queues:    make(map[domain.Network]dispatch.QueueStatus),
		CheckedAt: time.Now().UTC(),
	}
	if m.breakers != nil {
		report.Breakers = m.breakers.Snapshot()
	}
	if m.queues != nil {
		for _, n := range m.queues.Networks() {
			if st, err := m.queues.GetQueueStatus(n); err == nil {
				report.Queues[n] = st
			}
		}
	}
	if counts, err := m.providers.WalletCounts(ctx); err != nil {
		m.log.Warn("Wallet counters unavailable", "error", err)
	} else {
		report.Wallets = counts
	}
	report.Status = evaluate(report)

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}

// evaluate: critical when every provider failed, degraded when any provider
// failed, a breaker is not closed or a queue is paused.
func evaluate(r Report) SystemStatus {
	failed := 0
	for _, p := range r.Providers {
		if p.Status != custody.StatusHealthy {
			failed++
		}
	}
	if len(r.Providers) > 0 && failed == len(r.Providers) {
		return StatusCritical
	}
	if failed > 0 {
		return StatusDegraded
	}
	for _, b := range r.Breakers {
		if b.State != breaker.StateClosed.String() {
			return StatusDegraded
		}
	}
	for _, q := range r.Queues {
		if q.Paused {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
