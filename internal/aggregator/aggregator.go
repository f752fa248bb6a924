// Package aggregator holds the authoritative, bounded set of signals
// observed across tabs. Every mutation broadcasts the resulting state.
package aggregator

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/relay"
	"github.com/fyrsmithlabs/faultline/internal/ring"
	"github.com/fyrsmithlabs/faultline/internal/signal"
)

// DefaultCapacity is the buffer bound.
const DefaultCapacity = 200

// ErrNotFound is returned by Get for an unknown signal id.
var ErrNotFound = errors.New("signal not found")

// State is the aggregator's coarse state.
type State string

const (
	StateEmpty     State = "empty"
	StatePopulated State = "populated"
)

// Aggregator is safe for concurrent use. A single mutex serializes
// Accept, Invalidate and Snapshot, and broadcasts happen while it is held
// so observers see states in acceptance order.
type Aggregator struct {
	mu        sync.Mutex
	buf       *ring.Buffer[signal.Signal]
	ids       map[string]struct{}
	lifecycle map[string]time.Time

	out     relay.Broadcaster
	logger  *zap.Logger
	metrics *Metrics
}

// Option configures an Aggregator.
type Option func(*config)

type config struct {
	capacity int
	logger   *zap.Logger
}

// WithCapacity sets the buffer bound.
func WithCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates an aggregator that broadcasts to out. A nil out discards
// broadcasts.
func New(out relay.Broadcaster, opts ...Option) *Aggregator {
	cfg := config{capacity: DefaultCapacity, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if out == nil {
		out = relay.BroadcasterFunc(func([]signal.Signal) {})
	}
	return &Aggregator{
		buf:       ring.New[signal.Signal](cfg.capacity),
		ids:       make(map[string]struct{}, cfg.capacity),
		lifecycle: make(map[string]time.Time),
		out:       out,
		logger:    cfg.logger,
		metrics:   NewMetrics(),
	}
}

// Accept appends s, evicting the oldest signal when the buffer is full.
// Invalid signals and ids already buffered are dropped.
func (a *Aggregator) Accept(s signal.Signal) {
	if err := s.Validate(); err != nil {
		a.metrics.DroppedTotal.WithLabelValues("invalid").Inc()
		a.logger.Warn("signal rejected", zap.String("signal_id", s.ID), zap.Error(err))
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, dup := a.ids[s.ID]; dup {
		a.metrics.DroppedTotal.WithLabelValues("duplicate").Inc()
		a.logger.Debug("duplicate signal dropped", zap.String("signal_id", s.ID))
		return
	}

	old, evicted := a.buf.Push(s)
	a.ids[s.ID] = struct{}{}
	if evicted {
		delete(a.ids, old.ID)
		a.metrics.EvictedTotal.Inc()
	}
	a.metrics.AcceptedTotal.WithLabelValues(string(s.Kind), string(s.Severity)).Inc()
	a.broadcastLocked()
}

// Invalidate removes every signal for tabScope and returns how many were
// removed. Observers never see a partially invalidated state.
func (a *Aggregator) Invalidate(tabScope string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.invalidateLocked(tabScope)
}

func (a *Aggregator) invalidateLocked(tabScope string) int {
	removed := a.buf.RemoveFunc(func(s signal.Signal) bool { return s.TabScope == tabScope })
	if len(removed) == 0 {
		return 0
	}
	for _, s := range removed {
		delete(a.ids, s.ID)
	}
	a.metrics.InvalidatedTotal.Add(float64(len(removed)))
	a.logger.Debug("tab invalidated",
		zap.String("tab_scope", tabScope), zap.Int("removed", len(removed)))
	a.broadcastLocked()
	return len(removed)
}

// NavigationStarted records a navigation start for tabScope and
// invalidates the tab. A navigation older than the one already recorded
// for the tab is ignored.
func (a *Aggregator) NavigationStarted(tabScope string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.lifecycle[tabScope]; ok && at.Before(last) {
		a.metrics.DroppedTotal.WithLabelValues("stale_navigation").Inc()
		a.logger.Debug("stale navigation ignored",
			zap.String("tab_scope", tabScope), zap.Time("at", at), zap.Time("last", last))
		return
	}
	a.lifecycle[tabScope] = at
	a.invalidateLocked(tabScope)
}

// LastNavigation returns the recorded navigation start for tabScope.
func (a *Aggregator) LastNavigation(tabScope string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	at, ok := a.lifecycle[tabScope]
	return at, ok
}

// Snapshot returns the buffered signals, oldest first.
func (a *Aggregator) Snapshot() []signal.Signal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Items()
}

// Len returns the number of buffered signals.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

// Get returns the buffered signal with id.
func (a *Aggregator) Get(id string) (signal.Signal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.buf.Find(func(s signal.Signal) bool { return s.ID == id })
	if !ok {
		return signal.Signal{}, ErrNotFound
	}
	return s, nil
}

// State reports whether any signal is buffered.
func (a *Aggregator) State() State {
	if a.Len() == 0 {
		return StateEmpty
	}
	return StatePopulated
}

func (a *Aggregator) broadcastLocked() {
	a.metrics.BufferSize.Set(float64(a.buf.Len()))
	a.out.Broadcast(a.buf.Items())
}
