package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/trading/metrics"
)

// lane serializes the transactions of one network: a single worker pops
// the heap, gated by a limiter with burst 1.
type lane struct {
	network  domain.Network
	provider chain.Provider
	limiter  *rate.Limiter
	log      *slog.Logger

	mu       sync.Mutex
	queue    taskQueue
	seq      uint64
	paused   bool
	closed   bool
	inFlight bool
	wake     chan struct{}

	gasMu sync.RWMutex
	gas   domain.GasPrice
}

func newLane(p chain.Provider, minInterval time.Duration, log *slog.Logger) *lane {
	return &lane{
		network:  p.Network(),
		provider: p,
		limiter:  rate.NewLimiter(rate.Every(minInterval), 1),
		log:      log.With("network", p.Network()),
		wake:     make(chan struct{}, 1),
		gas: domain.GasPrice{
			Network: p.Network(),
			Source:  domain.GasSourceUnavailable,
		},
	}
}

func (l *lane) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) push(rec *record, priority int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrStopped
	}
	l.seq++
	l.queue.push(&item{rec: rec, priority: priority, seq: l.seq})
	metrics.QueueDepth.WithLabelValues(string(l.network)).Set(float64(l.queue.Len()))
	l.signal()
	return nil
}

// ready reports whether the worker may dequeue now.
func (l *lane) ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.paused && !l.closed && l.queue.Len() > 0
}

// take pops the next item and marks the lane busy.
func (l *lane) take() (*item, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused || l.closed || l.queue.Len() == 0 {
		return nil, false
	}
	it := l.queue.pop()
	l.inFlight = true
	metrics.QueueDepth.WithLabelValues(string(l.network)).Set(float64(l.queue.Len()))
	return it, true
}

func (l *lane) done() {
	l.mu.Lock()
	l.inFlight = false
	l.mu.Unlock()
}

// next blocks until an item may be processed or ctx ends.
func (l *lane) next(ctx context.Context) (*item, bool) {
	for {
		if l.ready() {
			if err := l.limiter.Wait(ctx); err != nil {
				return nil, false
			}
			if it, ok := l.take(); ok {
				return it, true
			}
			continue
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (l *lane) setPaused(paused bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := l.paused != paused
	l.paused = paused
	if !paused {
		l.signal()
	}
	return changed
}

// close stops further dequeues and returns the items still waiting.
func (l *lane) close() []*item {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	left := make([]*item, 0, l.queue.Len())
	for l.queue.Len() > 0 {
		left = append(left, l.queue.pop())
	}
	metrics.QueueDepth.WithLabelValues(string(l.network)).Set(0)
	return left
}

func (l *lane) status() (size int, inFlight, paused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queue.Len(), l.inFlight, l.paused
}

func (l *lane) gasPrice() domain.GasPrice {
	l.gasMu.RLock()
	defer l.gasMu.RUnlock()
	return l.gas
}

// refreshGas replaces the snapshot. A panicking provider marks the snapshot
// unavailable and keeps the last known price.
func (l *lane) refreshGas(ctx context.Context, timeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Gas price refresh failed", "error", fmt.Sprint(r))
			l.gasMu.Lock()
			l.gas.Source = domain.GasSourceUnavailable
			l.gas.UpdatedAt = time.Now()
			l.gasMu.Unlock()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	g := l.provider.GetGasPrice(ctx)
	g.Network = l.network

	l.gasMu.Lock()
	l.gas = g
	l.gasMu.Unlock()

	if g.Price != nil {
		price, _ := new(big.Float).SetInt(g.Price).Float64()
		metrics.GasPrice.WithLabelValues(string(l.network), string(g.Source)).Set(price)
	}
	l.log.Debug("Gas price refreshed", "price", g.Formatted, "source", g.Source)
}

func (l *lane) gasLoop(ctx context.Context, interval, timeout time.Duration) {
	l.refreshGas(ctx, timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.refreshGas(ctx, timeout)
		}
	}
}
