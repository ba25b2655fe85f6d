// Package routing handles endpoint selection, failover and retry.
//
// This package contains:
//   - EndpointPool: ordered primary-then-fallback endpoints with probe-based failover
//   - Retry: error classification and retry with exponential backoff
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/rpc/provider"
	"github.com/vietddude/custody/internal/trading/metrics"
)

// PoolConfig configures an EndpointPool.
type PoolConfig struct {
	Network      string
	ProbeMethod  string
	ProbeTimeout time.Duration
	Retry        RetryConfig
}

// EndpointPool routes calls to one selected endpoint out of an ordered list.
// Selection changes only through a probe, so callers stay pinned to a
// working endpoint until it fails.
type EndpointPool struct {
	cfg       PoolConfig
	endpoints []provider.Endpoint
	log       *slog.Logger

	probeMu sync.Mutex

	mu        sync.RWMutex
	current   int
	lastProbe time.Time
}

// NewEndpointPool creates a pool. endpoints must be ordered primary first.
func NewEndpointPool(cfg PoolConfig, endpoints []provider.Endpoint, log *slog.Logger) *EndpointPool {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig
	}
	if log == nil {
		log = slog.Default()
	}
	return &EndpointPool{
		cfg:       cfg,
		endpoints: endpoints,
		log:       log.With("network", cfg.Network),
		current:   -1,
	}
}

// Probe tries every endpoint in configured order and adopts the first that
// answers the probe method. It fails with domain.ErrAllRpcEndpointsFailed
// only when every endpoint fails.
func (p *EndpointPool) Probe(ctx context.Context) (provider.Endpoint, error) {
	return p.probeFrom(ctx, 0)
}

// Failover probes starting after the current endpoint, wrapping around, so a
// rate-limited primary is not immediately re-selected.
func (p *EndpointPool) Failover(ctx context.Context) (provider.Endpoint, error) {
	p.mu.RLock()
	start := p.current + 1
	p.mu.RUnlock()
	return p.probeFrom(ctx, start)
}

func (p *EndpointPool) probeFrom(ctx context.Context, start int) (provider.Endpoint, error) {
	p.probeMu.Lock()
	defer p.probeMu.Unlock()

	n := len(p.endpoints)
	if n == 0 {
		return nil, fmt.Errorf("%w: no endpoints configured for %s", domain.ErrAllRpcEndpointsFailed, p.cfg.Network)
	}

	var errs []error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		ep := p.endpoints[idx]

		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		_, err := ep.Call(probeCtx, p.cfg.ProbeMethod)
		cancel()

		if err == nil {
			p.adopt(idx)
			return ep, nil
		}

		p.log.Warn("Endpoint probe failed", "endpoint", ep.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", ep.Name(), err))
		if ctx.Err() != nil {
			break
		}
	}

	return nil, fmt.Errorf("%w for %s: %w", domain.ErrAllRpcEndpointsFailed, p.cfg.Network, errors.Join(errs...))
}

func (p *EndpointPool) adopt(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != idx {
		if p.current >= 0 {
			metrics.RPCFailovers.WithLabelValues(p.cfg.Network).Inc()
		}
		p.log.Info("Selected RPC endpoint", "endpoint", p.endpoints[idx].Name())
	}
	p.current = idx
	p.lastProbe = time.Now()
}

// Current returns the selected endpoint, or nil before the first successful probe.
func (p *EndpointPool) Current() provider.Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current < 0 {
		return nil
	}
	return p.endpoints[p.current]
}

// LastProbe returns when an endpoint was last adopted.
func (p *EndpointPool) LastProbe() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastProbe
}

// Endpoints returns the configured endpoints in order.
func (p *EndpointPool) Endpoints() []provider.Endpoint {
	return p.endpoints
}

// Call routes a JSON-RPC call to the current endpoint with retry. A
// failover-class error switches endpoints and retries once.
func (p *EndpointPool) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	ep := p.Current()
	if ep == nil {
		var err error
		if ep, err = p.Probe(ctx); err != nil {
			return nil, err
		}
	}

	result, err := CallWithRetry(ctx, ep, method, params, p.cfg.Retry)
	if err == nil || ClassifyError(err) != ActionFailover {
		return result, err
	}

	p.log.Warn("Endpoint refused call, failing over", "endpoint", ep.Name(), "method", method, "error", err)
	next, probeErr := p.Failover(ctx)
	if probeErr != nil {
		return nil, fmt.Errorf("%w (after: %w)", probeErr, err)
	}
	return CallWithRetry(ctx, next, method, params, p.cfg.Retry)
}

// Close closes every endpoint.
func (p *EndpointPool) Close() error {
	var errs []error
	for _, ep := range p.endpoints {
		errs = append(errs, ep.Close())
	}
	return errors.Join(errs...)
}
