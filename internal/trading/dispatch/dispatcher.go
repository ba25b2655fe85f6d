// Package dispatch serializes trade submission per network.
//
// Each network has one lane: a priority queue drained by a single worker and
// gated by a minimum interval between submissions, so at most one
// transaction per network is ever in flight.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/core/events"
	"github.com/vietddude/custody/internal/infra/chain"
	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/trading/metrics"
)

// ErrStopped is returned by AddTransaction after Stop.
var ErrStopped = errors.New("dispatcher stopped")

const (
	msgStopped   = "dispatcher stopped before submission"
	msgAbandoned = "abandoned: process restarted before settlement"
)

// Config tunes the dispatcher.
type Config struct {
	GasRefreshInterval time.Duration `yaml:"gas_refresh_interval"`
	GasTimeout         time.Duration `yaml:"gas_timeout"`
	SubmitTimeout      time.Duration `yaml:"submit_timeout"`
	// MinIntervals overrides the gap between two submissions per network
	MinIntervals map[domain.Network]time.Duration `yaml:"min_intervals"`
}

func (c *Config) applyDefaults() {
	if c.GasRefreshInterval <= 0 {
		c.GasRefreshInterval = 5 * time.Minute
	}
	if c.GasTimeout <= 0 {
		c.GasTimeout = 30 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 3 * time.Minute
	}
}

func (c Config) minInterval(p chain.Provider) time.Duration {
	if d, ok := c.MinIntervals[p.Network()]; ok && d > 0 {
		return d
	}
	if p.Type() == domain.NetworkTypeSolana {
		return 250 * time.Millisecond
	}
	return time.Second
}

// QueueStatus is a snapshot of one network's lane.
type QueueStatus struct {
	Network   domain.Network  `json:"network"`
	Pending   int             `json:"pending"`
	QueueSize int             `json:"queue_size"`
	InFlight  bool            `json:"in_flight"`
	Paused    bool            `json:"paused"`
	GasPrice  domain.GasPrice `json:"gas_price"`
}

type record struct {
	tx   domain.QueuedTransaction
	err  error
	done chan struct{}
}

// Settlement resolves when its transaction reaches a terminal status.
type Settlement struct {
	d   *Dispatcher
	rec *record
}

// Wait blocks until the transaction settles or ctx ends. A failed
// transaction returns its record together with the cause.
func (s *Settlement) Wait(ctx context.Context) (domain.QueuedTransaction, error) {
	select {
	case <-s.rec.done:
	case <-ctx.Done():
		return s.d.snapshot(s.rec), ctx.Err()
	}
	return s.d.snapshot(s.rec), s.rec.err
}

// Done is closed once the transaction settles.
func (s *Settlement) Done() <-chan struct{} {
	return s.rec.done
}

// Dispatcher owns the per-network lanes and the transaction records.
type Dispatcher struct {
	cfg     Config
	lanes   map[domain.Network]*lane
	wallets WalletSource
	builder TxBuilder
	journal storage.TxJournal
	events  events.Publisher
	log     *slog.Logger

	mu      sync.RWMutex
	records map[string]*record

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a dispatcher with one lane per registered provider.
func New(
	cfg Config,
	providers *chain.Registry,
	wallets WalletSource,
	builder TxBuilder,
	journal storage.TxJournal,
	pub events.Publisher,
	log *slog.Logger,
) *Dispatcher {
	cfg.applyDefaults()
	if builder == nil {
		builder = NewTransferBuilder(nil)
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "dispatch")

	d := &Dispatcher{
		cfg:     cfg,
		lanes:   make(map[domain.Network]*lane),
		wallets: wallets,
		builder: builder,
		journal: journal,
		events:  pub,
		log:     log,
		records: make(map[string]*record),
	}
	for _, p := range providers.All() {
		d.lanes[p.Network()] = newLane(p, cfg.minInterval(p), log)
	}
	return d
}

// AddTransaction validates tx, records it as pending and queues it on the
// lane of its network.
func (d *Dispatcher) AddTransaction(ctx context.Context, tx domain.QueuedTransaction) (*Settlement, error) {
	if tx.ID == "" || tx.Type == "" || tx.Network == "" || tx.UserID == "" {
		return nil, fmt.Errorf("%w: id, type, network and user are required", domain.ErrInvalidTransactionFormat)
	}
	switch tx.Type {
	case domain.TxTypeBuy, domain.TxTypeSell, domain.TxTypeTransfer:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidTransactionFormat, tx.Type)
	}
	l, ok := d.lanes[tx.Network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedNetwork, tx.Network)
	}

	tx.Status = domain.TxStatusPending
	tx.Result = nil
	tx.Error = ""
	tx.CompletedAt = nil
	tx.AddedAt = time.Now().UTC()
	rec := &record{tx: tx, done: make(chan struct{})}

	d.mu.Lock()
	if prev, ok := d.records[tx.ID]; ok && !prev.tx.Settled() {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: transaction %s is already pending", domain.ErrInvalidTransactionFormat, tx.ID)
	}
	d.records[tx.ID] = rec
	d.mu.Unlock()

	if d.journal != nil {
		if err := d.journal.Put(ctx, tx); err != nil {
			d.forget(tx.ID, rec)
			return nil, fmt.Errorf("journal transaction: %w", err)
		}
	}
	if err := l.push(rec, tx.Priority); err != nil {
		d.forget(tx.ID, rec)
		d.unjournal(tx.ID)
		return nil, err
	}

	d.log.Debug("Transaction queued", "id", tx.ID, "network", tx.Network, "type", tx.Type, "priority", tx.Priority)
	return &Settlement{d: d, rec: rec}, nil
}

func (d *Dispatcher) forget(id string, rec *record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.records[id] == rec {
		delete(d.records, id)
	}
}

func (d *Dispatcher) snapshot(rec *record) domain.QueuedTransaction {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return rec.tx
}

// Start recovers the journal and launches the lanes.
func (d *Dispatcher) Start(ctx context.Context) error {
	var err error
	d.startOnce.Do(func() {
		if err = d.recoverJournal(ctx); err != nil {
			return
		}

		var runCtx context.Context
		runCtx, d.cancel = context.WithCancel(ctx)
		for _, l := range d.lanes {
			d.wg.Add(2)
			go func() {
				defer d.wg.Done()
				d.work(runCtx, l)
			}()
			go func() {
				defer d.wg.Done()
				l.gasLoop(runCtx, d.cfg.GasRefreshInterval, d.cfg.GasTimeout)
			}()
		}
		d.log.Info("Dispatcher started", "networks", len(d.lanes))
	})
	return err
}

// recoverJournal fails every entry left by a previous process. Those
// transactions may already be on chain, so they are never resubmitted.
func (d *Dispatcher) recoverJournal(ctx context.Context) error {
	if d.journal == nil {
		return nil
	}
	left, err := d.journal.List(ctx)
	if err != nil {
		return fmt.Errorf("read transaction journal: %w", err)
	}
	for _, tx := range left {
		d.mu.RLock()
		_, live := d.records[tx.ID]
		d.mu.RUnlock()
		if live {
			continue
		}

		d.log.Warn("Abandoning journaled transaction", "id", tx.ID, "network", tx.Network, "user", tx.UserID)
		rec := &record{tx: tx, done: make(chan struct{})}
		d.mu.Lock()
		d.records[tx.ID] = rec
		d.mu.Unlock()
		d.settle(rec, nil, errors.New(msgAbandoned))
	}
	return nil
}

func (d *Dispatcher) work(ctx context.Context, l *lane) {
	for {
		it, ok := l.next(ctx)
		if !ok {
			return
		}
		d.execute(ctx, l, it.rec)
	}
}

// execute runs one transaction to a terminal status. Submission runs on a
// context detached from shutdown and bounded by SubmitTimeout.
func (d *Dispatcher) execute(parent context.Context, l *lane, rec *record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.cfg.SubmitTimeout)
	defer cancel()

	start := time.Now()
	var (
		result *domain.TxResult
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Transaction panicked", "id", rec.tx.ID, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("internal error: %v", r)
		}
		metrics.SubmitLatency.WithLabelValues(string(l.network)).Observe(time.Since(start).Seconds())
		d.settle(rec, result, err)
		l.done()
	}()

	result, err = d.processTransaction(ctx, l, d.snapshot(rec))
}

// settle records the terminal status, drops the journal entry and emits the
// outcome event.
func (d *Dispatcher) settle(rec *record, result *domain.TxResult, err error) {
	now := time.Now().UTC()

	d.mu.Lock()
	rec.tx.CompletedAt = &now
	if err != nil {
		rec.tx.Status = domain.TxStatusFailed
		rec.tx.Error = err.Error()
		rec.err = err
	} else {
		rec.tx.Status = domain.TxStatusComplete
		rec.tx.Result = result
	}
	tx := rec.tx
	d.mu.Unlock()
	close(rec.done)

	d.unjournal(tx.ID)
	metrics.TransactionsTotal.WithLabelValues(string(tx.Network), string(tx.Status)).Inc()

	evt := domain.Event{Network: tx.Network, UserID: tx.UserID, TxID: tx.ID}
	if err != nil {
		d.log.Warn("Transaction failed", "id", tx.ID, "network", tx.Network, "error", err)
		evt.Type = domain.EventTransactionFailed
		evt.Payload = map[string]any{"error": tx.Error}
	} else {
		d.log.Info("Transaction complete", "id", tx.ID, "network", tx.Network, "hash", result.Hash)
		evt.Type = domain.EventTransactionComplete
		evt.Address = result.Wallet
		evt.Payload = map[string]any{"hash": result.Hash, "status": result.Status}
	}
	d.events.Publish(evt)
}

func (d *Dispatcher) unjournal(id string) {
	if d.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.journal.Remove(ctx, id); err != nil {
		d.log.Warn("Failed to remove journal entry", "id", id, "error", err)
	}
}

// Stop stops dequeuing and fails every transaction still waiting. It waits
// for in-flight submissions until ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		for _, l := range d.lanes {
			for _, it := range l.close() {
				d.settle(it.rec, nil, errors.New(msgStopped))
			}
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log.Info("Dispatcher stopped")
		case <-ctx.Done():
			err = fmt.Errorf("waiting for in-flight transactions: %w", ctx.Err())
		}
	})
	return err
}

func (d *Dispatcher) lane(network domain.Network) (*lane, error) {
	l, ok := d.lanes[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedNetwork, network)
	}
	return l, nil
}

// PauseNetwork stops dequeuing on network. The in-flight transaction, if
// any, runs to completion.
func (d *Dispatcher) PauseNetwork(network domain.Network) error {
	l, err := d.lane(network)
	if err != nil {
		return err
	}
	if l.setPaused(true) {
		d.log.Warn("Network queue paused", "network", network)
		d.events.Publish(domain.Event{Type: domain.EventQueuePaused, Network: network})
	}
	return nil
}

// ResumeNetwork restarts dequeuing on network.
func (d *Dispatcher) ResumeNetwork(network domain.Network) error {
	l, err := d.lane(network)
	if err != nil {
		return err
	}
	if l.setPaused(false) {
		d.log.Info("Network queue resumed", "network", network)
		d.events.Publish(domain.Event{Type: domain.EventQueueResumed, Network: network})
	}
	return nil
}

// GasPrice returns the cached snapshot for network without blocking.
func (d *Dispatcher) GasPrice(network domain.Network) (domain.GasPrice, error) {
	l, err := d.lane(network)
	if err != nil {
		return domain.GasPrice{}, err
	}
	return l.gasPrice(), nil
}

// GetQueueStatus reports the state of network's lane.
func (d *Dispatcher) GetQueueStatus(network domain.Network) (QueueStatus, error) {
	l, err := d.lane(network)
	if err != nil {
		return QueueStatus{}, err
	}
	size, inFlight, paused := l.status()

	pending := 0
	d.mu.RLock()
	for _, rec := range d.records {
		if rec.tx.Network == network && rec.tx.Status == domain.TxStatusPending {
			pending++
		}
	}
	d.mu.RUnlock()

	return QueueStatus{
		Network:   network,
		Pending:   pending,
		QueueSize: size,
		InFlight:  inFlight,
		Paused:    paused,
		GasPrice:  l.gasPrice(),
	}, nil
}

// Networks returns the networks with a lane, sorted by name.
func (d *Dispatcher) Networks() []domain.Network {
	out := make([]domain.Network, 0, len(d.lanes))
	for n := range d.lanes {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// GetPendingTransactions returns the user's transaction records, oldest first.
func (d *Dispatcher) GetPendingTransactions(userID string) []domain.QueuedTransaction {
	d.mu.RLock()
	var out []domain.QueuedTransaction
	for _, rec := range d.records {
		if rec.tx.UserID == userID {
			out = append(out, rec.tx)
		}
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.QueuedTransaction) int {
		return a.AddedAt.Compare(b.AddedAt)
	})
	return out
}

// Cleanup forgets settled records completed more than olderThan ago and
// returns how many were removed. Pending records are kept.
func (d *Dispatcher) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, rec := range d.records {
		if rec.tx.Settled() && rec.tx.CompletedAt != nil && rec.tx.CompletedAt.Before(cutoff) {
			delete(d.records, id)
			removed++
		}
	}
	return removed
}
