// Package capture observes a page's execution context and turns console
// output, uncaught errors, unhandled rejections, network exchanges and
// insecure script or header patterns into signals.
//
// An Agent is constructed explicitly for one tab scope. Hosts opt in to
// interception by handing the agent their original hooks (see Install) and
// can revoke it at any time. Hosts that only observe events, such as the
// CDP adapter in rodhost, call the Agent's event methods directly.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/relay"
	"github.com/fyrsmithlabs/faultline/internal/scan"
	"github.com/fyrsmithlabs/faultline/internal/signal"
)

const (
	DefaultHeaderCheckDelay      = 2 * time.Second
	DefaultSlowResponseThreshold = 3 * time.Second
	headerCheckTimeout           = 5 * time.Second

	// MaxMessageBytes and MaxStackTraceBytes bound the text a signal
	// carries so a state broadcast of a full buffer stays publishable.
	MaxMessageBytes    = 4 << 10
	MaxStackTraceBytes = 16 << 10
)

var (
	ErrNoTabScope  = errors.New("capture: tab scope is required")
	ErrNoPublisher = errors.New("capture: publisher is required")
	ErrNilHooks    = errors.New("capture: hooks are nil")
)

// Agent captures signals for a single tab scope.
type Agent struct {
	tab       string
	pub       relay.Publisher
	logger    *zap.Logger
	now       func() time.Time
	client    *resty.Client
	detectors *scan.Scanner
	redactor  *scan.Scanner

	headerDelay   time.Duration
	slowThreshold time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	last    time.Time
	pageURL string
	loadGen uint64

	emitted atomic.Int64
	dropped atomic.Int64
	faults  atomic.Int64
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger for instrumentation faults and dropped emits.
func WithLogger(l *zap.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithHTTPClient sets the client used for the header/cookie check.
func WithHTTPClient(c *resty.Client) Option {
	return func(a *Agent) { a.client = c }
}

// WithHeaderCheckDelay sets how long after load the header check runs.
func WithHeaderCheckDelay(d time.Duration) Option {
	return func(a *Agent) { a.headerDelay = d }
}

// WithSlowResponseThreshold sets the duration above which a successful
// response produces a performance signal. Zero disables it.
func WithSlowResponseThreshold(d time.Duration) Option {
	return func(a *Agent) { a.slowThreshold = d }
}

// WithDetectors replaces the script detector list.
func WithDetectors(s *scan.Scanner) Option {
	return func(a *Agent) { a.detectors = s }
}

// WithSecretRedaction toggles masking of credentials in messages and
// stack traces before they leave the agent.
func WithSecretRedaction(enabled bool) Option {
	return func(a *Agent) {
		if enabled {
			a.redactor = scan.MustCompile(scan.SecretRules())
		} else {
			a.redactor = nil
		}
	}
}

// New builds an agent for tabScope that publishes through pub.
func New(tabScope string, pub relay.Publisher, opts ...Option) (*Agent, error) {
	if tabScope == "" {
		return nil, ErrNoTabScope
	}
	if pub == nil {
		return nil, ErrNoPublisher
	}

	a := &Agent{
		tab:           tabScope,
		pub:           pub,
		logger:        zap.NewNop(),
		now:           time.Now,
		detectors:     scan.MustCompile(scan.ScriptRules()),
		redactor:      scan.MustCompile(scan.SecretRules()),
		headerDelay:   DefaultHeaderCheckDelay,
		slowThreshold: DefaultSlowResponseThreshold,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = resty.New().
			SetTimeout(headerCheckTimeout).
			SetHeader("User-Agent", "faultline-capture")
	}
	a.logger = a.logger.With(zap.String("tab_scope", tabScope))
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a, nil
}

// TabScope returns the tab this agent reports for.
func (a *Agent) TabScope() string { return a.tab }

// Stats reports emission counters.
type Stats struct {
	Emitted int64 `json:"emitted"`
	Dropped int64 `json:"dropped"`
	Faults  int64 `json:"faults"`
}

// Stats returns a snapshot of the agent's counters.
func (a *Agent) Stats() Stats {
	return Stats{Emitted: a.emitted.Load(), Dropped: a.dropped.Load(), Faults: a.faults.Load()}
}

// Close cancels pending header checks and waits for running ones. Loads
// reported after Close schedule nothing.
func (a *Agent) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()
	a.wg.Wait()
}

// emit stamps s and hands it to the publisher. Stamping and publishing
// happen under one lock so timestamps are non-decreasing in publish order.
func (a *Agent) emit(s signal.Signal) {
	if a.redactor != nil {
		s.Message, _ = a.redactor.Redact(s.Message)
		if s.StackTrace != "" {
			s.StackTrace, _ = a.redactor.Redact(s.StackTrace)
		}
	}
	s.Message = clip(s.Message, MaxMessageBytes)
	s.StackTrace = clip(s.StackTrace, MaxStackTraceBytes)
	s.ID = signal.NewID()
	s.TabScope = a.tab

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if now.Before(a.last) {
		now = a.last
	}
	a.last = now
	s.Timestamp = now

	if err := a.pub.PublishSignal(a.ctx, s); err != nil {
		a.dropped.Add(1)
		a.logger.Debug("signal not delivered",
			zap.String("signal_id", s.ID),
			zap.String("kind", string(s.Kind)),
			zap.Error(err))
		return
	}
	a.emitted.Add(1)
}

// clip cuts s to at most n bytes on a rune boundary, marking the cut.
func clip(s string, n int) string {
	const mark = "…"
	if len(s) <= n {
		return s
	}
	cut := n - len(mark)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + mark
}

// stamp returns a non-decreasing timestamp for non-signal events.
func (a *Agent) stamp() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	if now.Before(a.last) {
		now = a.last
	}
	a.last = now
	return now
}

// guard turns a panic in the agent's own analysis into a logged fault so
// it never reaches the host's call path.
func (a *Agent) guard(op string) {
	if r := recover(); r != nil {
		a.faults.Add(1)
		a.logger.Error("instrumentation fault",
			zap.String("op", op),
			zap.String("panic", fmt.Sprint(r)))
	}
}

// NavigationStarted reports that this tab began navigating. Any header
// check still pending for the previous page is abandoned.
func (a *Agent) NavigationStarted() {
	defer a.guard("navigation")

	a.mu.Lock()
	a.loadGen++
	a.pageURL = ""
	a.mu.Unlock()

	if err := a.pub.PublishNavigation(a.ctx, a.tab, a.stamp()); err != nil {
		a.logger.Debug("navigation not delivered", zap.Error(err))
	}
}
