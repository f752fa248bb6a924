package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/signal"
)

const (
	// DefaultInboxSize bounds messages waiting for the aggregator.
	DefaultInboxSize = 1024
	// observerBuffer bounds undelivered broadcasts per observer.
	observerBuffer = 16
)

// ErrNotServing is returned by Sync before Serve has been called.
var ErrNotServing = errors.New("relay not serving")

// Local is an in-process relay. Publishers and the aggregator share one
// buffered inbox; observers get their own buffered channels.
type Local struct {
	inbox   chan Message
	logger  *zap.Logger
	metrics *metrics

	mu        sync.Mutex
	authority Authority
	observers map[uint64]chan []signal.Signal
	nextID    uint64

	done      chan struct{}
	closeOnce sync.Once
}

// LocalOption configures a Local relay.
type LocalOption func(*Local)

// WithInboxSize sets the inbox capacity.
func WithInboxSize(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.inbox = make(chan Message, n)
		}
	}
}

// WithLocalLogger sets the logger.
func WithLocalLogger(logger *zap.Logger) LocalOption {
	return func(l *Local) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLocal creates an in-process relay.
func NewLocal(opts ...LocalOption) *Local {
	l := &Local{
		inbox:     make(chan Message, DefaultInboxSize),
		logger:    zap.NewNop(),
		metrics:   newMetrics(),
		observers: make(map[uint64]chan []signal.Signal),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// PublishSignal implements Publisher.
func (l *Local) PublishSignal(_ context.Context, s signal.Signal) error {
	return l.send(Message{Type: TypeSignalCaptured, Signal: &s, TabScope: s.TabScope, Timestamp: s.Timestamp})
}

// PublishNavigation implements Publisher.
func (l *Local) PublishNavigation(_ context.Context, tabScope string, at time.Time) error {
	return l.send(Message{Type: TypeNavigationStarted, TabScope: tabScope, Timestamp: at})
}

func (l *Local) send(m Message) error {
	select {
	case <-l.done:
		l.metrics.Dropped.WithLabelValues("local", "closed").Inc()
		return ErrClosed
	default:
	}
	select {
	case l.inbox <- m:
		l.metrics.Published.WithLabelValues("local", m.Type).Inc()
		return nil
	default:
		l.metrics.Dropped.WithLabelValues("local", "inbox_full").Inc()
		l.logger.Debug("relay inbox full, message dropped", zap.String("type", m.Type))
		return ErrInboxFull
	}
}

// Serve applies inbox messages to authority in arrival order until ctx is
// done or the relay is closed.
func (l *Local) Serve(ctx context.Context, authority Authority) error {
	l.mu.Lock()
	l.authority = authority
	l.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		case m := <-l.inbox:
			apply(authority, m, l.logger)
		}
	}
}

// apply hands one inbound message to the authority.
func apply(authority Authority, m Message, logger *zap.Logger) {
	switch m.Type {
	case TypeSignalCaptured:
		if m.Signal == nil {
			logger.Debug("signal message without payload")
			return
		}
		authority.Accept(*m.Signal)
	case TypeNavigationStarted:
		authority.NavigationStarted(m.TabScope, m.Timestamp)
	default:
		logger.Debug("unexpected inbound message", zap.String("type", m.Type))
	}
}

// Broadcast implements Broadcaster. An observer whose buffer is full loses
// its oldest pending state; every broadcast carries the full state, so the
// newest one supersedes it.
func (l *Local) Broadcast(signals []signal.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.observers {
		select {
		case ch <- signals:
			continue
		default:
		}
		select {
		case <-ch:
			l.metrics.Dropped.WithLabelValues("local", "observer_full").Inc()
		default:
		}
		select {
		case ch <- signals:
		default:
		}
	}
	l.metrics.Published.WithLabelValues("local", TypeStateBroadcast).Inc()
}

// Sync implements Observer.
func (l *Local) Sync(ctx context.Context) ([]signal.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-l.done:
		return nil, ErrClosed
	default:
	}
	l.mu.Lock()
	authority := l.authority
	l.mu.Unlock()
	if authority == nil {
		return nil, ErrNotServing
	}
	return authority.Snapshot(), nil
}

// Subscribe implements Observer.
func (l *Local) Subscribe() (<-chan []signal.Signal, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return nil, nil, ErrClosed
	default:
	}

	id := l.nextID
	l.nextID++
	ch := make(chan []signal.Signal, observerBuffer)
	l.observers[id] = ch
	l.metrics.Observers.WithLabelValues("local").Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if c, ok := l.observers[id]; ok {
				delete(l.observers, id)
				close(c)
				l.metrics.Observers.WithLabelValues("local").Dec()
			}
		})
	}
	return ch, cancel, nil
}

// Close stops Serve, closes every observer channel and rejects further
// publishes.
func (l *Local) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		defer l.mu.Unlock()
		for id, ch := range l.observers {
			delete(l.observers, id)
			close(ch)
			l.metrics.Observers.WithLabelValues("local").Dec()
		}
	})
	return nil
}
