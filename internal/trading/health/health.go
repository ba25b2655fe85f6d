// Package health exposes provider, breaker and queue state over HTTP.
package health

import (
	"time"

	"github.com/vietddude/custody/internal/core/breaker"
	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/trading/custody"
	"github.com/vietddude/custody/internal/trading/dispatch"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// Report contains the full system health report.
type Report struct {
	Status    SystemStatus                              `json:"status"`
	Providers map[domain.Network]custody.ProviderHealth `json:"providers"`
	Breakers  []breaker.Snapshot                        `json:"breakers"`
	Queues    map[domain.Network]dispatch.QueueStatus   `json:"queues"`
	Wallets   map[domain.Network]int64                  `json:"wallets,omitempty"`
	CheckedAt time.Time                                 `json:"checked_at"`
}
