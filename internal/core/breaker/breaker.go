// Package breaker implements named circuit breakers guarding externally-facing calls.
//
// A breaker is closed while calls succeed. After FailureThreshold consecutive
// failures it opens and rejects calls without running them. Once Cooldown has
// elapsed a single trial call is admitted (half-open); its outcome closes or
// re-opens the breaker.
package breaker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/custody/internal/core/domain"
	"github.com/vietddude/custody/internal/trading/metrics"
)

// State is the state of a single breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a breaker when it is first created.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultConfig is used when a caller passes a zero Config.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	LastFailureAt    time.Time `json:"last_failure_at,omitzero"`
	FailureThreshold int       `json:"failure_threshold"`
	Cooldown         string    `json:"cooldown"`
}

// Breaker is one named circuit breaker.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	lastFailureAt    time.Time
	trialInFlight    bool
}

func newBreaker(name string, cfg Config, now func() time.Time) *Breaker {
	return &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  now,
	}
}

// allow decides whether a call may proceed. It reports whether the admitted
// call is the half-open trial.
func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.lastFailureAt) < b.cfg.Cooldown {
			return false, b.rejection()
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return true, nil
	default: // half-open
		if b.trialInFlight {
			return false, b.rejection()
		}
		b.trialInFlight = true
		return true, nil
	}
}

func (b *Breaker) record(trial bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if callErr == nil {
		b.consecutiveFails = 0
		b.setState(StateClosed)
		return
	}

	b.consecutiveFails++
	b.lastFailureAt = b.now()
	if trial || b.consecutiveFails >= b.cfg.FailureThreshold {
		b.setState(StateOpen)
	}
}

func (b *Breaker) rejection() error {
	metrics.BreakerRejections.WithLabelValues(b.name).Inc()
	return fmt.Errorf("%w: %s", domain.ErrCircuitOpen, b.name)
}

func (b *Breaker) setState(s State) {
	b.state = s
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(s))
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's bookkeeping.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:             b.name,
		State:            b.state.String(),
		ConsecutiveFails: b.consecutiveFails,
		LastFailureAt:    b.lastFailureAt,
		FailureThreshold: b.cfg.FailureThreshold,
		Cooldown:         b.cfg.Cooldown.String(),
	}
}

// Registry owns every breaker of the process, keyed by name.
type Registry struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	overrides map[string]Config
	now       func() time.Time
}

// NewRegistry creates a registry. overrides replace the caller's Config for matching names.
func NewRegistry(overrides map[string]Config) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		overrides: overrides,
		now:       time.Now,
	}
}

// Get returns the named breaker, creating it with cfg if it does not exist yet.
func (r *Registry) Get(name string, cfg Config) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	if o, ok := r.overrides[name]; ok {
		cfg = o
	}
	b = newBreaker(name, cfg, r.now)
	r.breakers[name] = b
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Execute runs op under the named breaker. A rejected call returns an error
// wrapping domain.ErrCircuitOpen without invoking op. A panicking op counts
// as a failure and the panic continues up the stack.
func (r *Registry) Execute(ctx context.Context, name string, op func(ctx context.Context) error, cfg Config) (err error) {
	b := r.Get(name, cfg)

	trial, err := b.allow()
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			b.record(trial, fmt.Errorf("panic: %v", p))
			panic(p)
		}
	}()

	err = op(ctx)
	b.record(trial, err)
	return err
}

// ExecuteValue is Execute for operations returning a value.
func ExecuteValue[T any](ctx context.Context, r *Registry, name string, op func(ctx context.Context) (T, error), cfg Config) (T, error) {
	var out T
	err := r.Execute(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, cfg)
	return out, err
}

// Snapshot returns every breaker's state, ordered by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return strings.Compare(a.Name, b.Name) })
	return out
}
