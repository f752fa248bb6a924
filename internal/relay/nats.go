package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/sanitize"
	"github.com/fyrsmithlabs/faultline/internal/signal"
)

// DefaultSubjectPrefix roots every subject the NATS relay uses.
const DefaultSubjectPrefix = "faultline"

// Subjects are the NATS subjects for one prefix.
type Subjects struct {
	Captured   string
	Navigation string
	Sync       string
	State      string
}

// SubjectsFor derives the relay subjects from prefix after sanitizing each
// of its tokens:
//
//	{prefix}.signals.captured
//	{prefix}.tabs.navigation
//	{prefix}.sync
//	{prefix}.state
func SubjectsFor(prefix string) Subjects {
	prefix = sanitize.SubjectPrefix(prefix)
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return Subjects{
		Captured:   prefix + ".signals.captured",
		Navigation: prefix + ".tabs.navigation",
		Sync:       prefix + ".sync",
		State:      prefix + ".state",
	}
}

// NATS is a relay over NATS core. Publishes are at-most-once: NATS core
// has no acknowledgement, and failed publishes are not retried.
type NATS struct {
	nc        *nats.Conn
	ownsConn  bool
	subjects  Subjects
	inboxSize int
	logger    *zap.Logger
	metrics   *metrics

	mu     sync.Mutex
	subs   []*nats.Subscription
	onStop []func()
	closed atomic.Bool
}

// NATSOption configures a NATS relay.
type NATSOption func(*NATS)

// WithSubjectPrefix sets the subject prefix.
func WithSubjectPrefix(prefix string) NATSOption {
	return func(n *NATS) { n.subjects = SubjectsFor(prefix) }
}

// WithNATSInboxSize bounds inbound messages buffered for Serve. Overflow
// is dropped by the client as a slow consumer.
func WithNATSInboxSize(size int) NATSOption {
	return func(n *NATS) {
		if size > 0 {
			n.inboxSize = size
		}
	}
}

// WithNATSLogger sets the logger.
func WithNATSLogger(logger *zap.Logger) NATSOption {
	return func(n *NATS) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// NewNATS wraps an existing connection. The caller keeps ownership of nc.
func NewNATS(nc *nats.Conn, opts ...NATSOption) (*NATS, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats relay: connection is nil")
	}
	n := newNATS(opts)
	n.nc = nc
	return n, nil
}

func newNATS(opts []NATSOption) *NATS {
	n := &NATS{
		subjects:  SubjectsFor(DefaultSubjectPrefix),
		inboxSize: DefaultInboxSize,
		logger:    zap.NewNop(),
		metrics:   newMetrics(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ConnectNATS dials url and returns a relay that closes the connection on
// Close.
func ConnectNATS(url string, opts ...NATSOption) (*NATS, error) {
	n := newNATS(opts)
	logger := n.logger
	nc, err := nats.Connect(url,
		nats.Name("faultline-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("relay disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("relay reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("relay async error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect relay %s: %w", url, err)
	}
	n.nc = nc
	n.ownsConn = true
	return n, nil
}

// Subjects returns the subjects in use.
func (n *NATS) Subjects() Subjects { return n.subjects }

// Conn returns the underlying connection.
func (n *NATS) Conn() *nats.Conn { return n.nc }

// PublishSignal implements Publisher.
func (n *NATS) PublishSignal(_ context.Context, s signal.Signal) error {
	return n.publish(n.subjects.Captured, Message{
		Type: TypeSignalCaptured, Signal: &s, TabScope: s.TabScope, Timestamp: s.Timestamp,
	})
}

// PublishNavigation implements Publisher.
func (n *NATS) PublishNavigation(_ context.Context, tabScope string, at time.Time) error {
	return n.publish(n.subjects.Navigation, Message{
		Type: TypeNavigationStarted, TabScope: tabScope, Timestamp: at,
	})
}

// Broadcast implements Broadcaster.
func (n *NATS) Broadcast(signals []signal.Signal) {
	if signals == nil {
		signals = []signal.Signal{}
	}
	_ = n.publish(n.subjects.State, Message{Type: TypeStateBroadcast, Signals: signals, Timestamp: time.Now()})
}

func (n *NATS) publish(subject string, m Message) error {
	if n.closed.Load() {
		n.metrics.Dropped.WithLabelValues("nats", "closed").Inc()
		return ErrClosed
	}
	data, err := n.encode(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Type, err)
	}
	if err := n.nc.Publish(subject, data); err != nil {
		n.metrics.Dropped.WithLabelValues("nats", "publish").Inc()
		log := n.logger.Debug
		if errors.Is(err, nats.ErrMaxPayload) {
			log = n.logger.Warn
		}
		log("relay publish failed",
			zap.String("subject", subject), zap.String("type", m.Type),
			zap.Int("bytes", len(data)), zap.Error(err))
		return fmt.Errorf("publish %s: %w", m.Type, err)
	}
	n.metrics.Published.WithLabelValues("nats", m.Type).Inc()
	return nil
}

// encode marshals m. A state payload larger than the server's max payload
// loses its stack traces first and then its oldest signals until it fits.
func (n *NATS) encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil || len(m.Signals) == 0 {
		return data, err
	}
	limit := n.nc.MaxPayload()
	if limit <= 0 || int64(len(data)) <= limit {
		return data, nil
	}

	size, total := len(data), len(m.Signals)
	trimmed := make([]signal.Signal, total)
	copy(trimmed, m.Signals)
	for i := range trimmed {
		trimmed[i].StackTrace = ""
	}
	m.Signals = trimmed
	for {
		if data, err = json.Marshal(m); err != nil {
			return nil, err
		}
		if int64(len(data)) <= limit || len(m.Signals) == 0 {
			break
		}
		m.Signals = m.Signals[(len(m.Signals)+1)/2:]
	}
	n.logger.Warn("relay state exceeds max payload, trimmed",
		zap.String("type", m.Type),
		zap.Int("bytes", size),
		zap.Int64("max_payload", limit),
		zap.Int("signals", total),
		zap.Int("sent", len(m.Signals)))
	return data, nil
}

// Serve subscribes the authority to captured and navigation messages and
// answers sync requests until ctx is done or the relay is closed. Captured
// and navigation messages share one channel so they are applied in the
// order they arrived on the connection.
func (n *NATS) Serve(ctx context.Context, authority Authority) error {
	if n.closed.Load() {
		return ErrClosed
	}
	inbound := make(chan *nats.Msg, n.inboxSize)

	captured, err := n.nc.ChanSubscribe(n.subjects.Captured, inbound)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subjects.Captured, err)
	}
	navigation, err := n.nc.ChanSubscribe(n.subjects.Navigation, inbound)
	if err != nil {
		_ = captured.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", n.subjects.Navigation, err)
	}
	syncSub, err := n.nc.Subscribe(n.subjects.Sync, func(msg *nats.Msg) {
		n.respondSync(msg, authority)
	})
	if err != nil {
		_ = captured.Unsubscribe()
		_ = navigation.Unsubscribe()
		return fmt.Errorf("subscribe %s: %w", n.subjects.Sync, err)
	}
	if err := n.nc.Flush(); err != nil {
		n.logger.Debug("relay flush after subscribe failed", zap.Error(err))
	}

	stopped := make(chan struct{})
	n.mu.Lock()
	n.subs = append(n.subs, captured, navigation, syncSub)
	n.onStop = append(n.onStop, func() { close(stopped) })
	n.mu.Unlock()

	defer func() {
		_ = captured.Unsubscribe()
		_ = navigation.Unsubscribe()
		_ = syncSub.Unsubscribe()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopped:
			return nil
		case msg := <-inbound:
			var m Message
			if err := json.Unmarshal(msg.Data, &m); err != nil {
				n.metrics.Dropped.WithLabelValues("nats", "decode").Inc()
				n.logger.Debug("relay message not decodable", zap.String("subject", msg.Subject), zap.Error(err))
				continue
			}
			apply(authority, m, n.logger)
		}
	}
}

func (n *NATS) respondSync(msg *nats.Msg, authority Authority) {
	snapshot := authority.Snapshot()
	if snapshot == nil {
		snapshot = []signal.Signal{}
	}
	data, err := n.encode(Message{Type: TypeSyncResponse, Signals: snapshot, Timestamp: time.Now()})
	if err != nil {
		n.logger.Warn("sync response not encodable", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		n.logger.Debug("sync response not delivered", zap.Error(err))
	}
}

// Sync implements Observer by issuing SYNC_REQUEST and waiting for the
// aggregator's SYNC_RESPONSE.
func (n *NATS) Sync(ctx context.Context) ([]signal.Signal, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	req, err := json.Marshal(Message{Type: TypeSyncRequest, Timestamp: time.Now()})
	if err != nil {
		return nil, err
	}
	reply, err := n.nc.RequestWithContext(ctx, n.subjects.Sync, req)
	if err != nil {
		return nil, fmt.Errorf("sync request: %w", err)
	}
	var m Message
	if err := json.Unmarshal(reply.Data, &m); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	if m.Type != TypeSyncResponse {
		return nil, fmt.Errorf("sync request: unexpected reply type %q", m.Type)
	}
	return m.Signals, nil
}

// Subscribe implements Observer. A slow observer loses its oldest pending
// state rather than blocking the connection.
func (n *NATS) Subscribe() (<-chan []signal.Signal, func(), error) {
	if n.closed.Load() {
		return nil, nil, ErrClosed
	}
	out := make(chan []signal.Signal, observerBuffer)
	var (
		mu   sync.Mutex
		done bool
	)
	sub, err := n.nc.Subscribe(n.subjects.State, func(msg *nats.Msg) {
		var m Message
		if err := json.Unmarshal(msg.Data, &m); err != nil || m.Type != TypeStateBroadcast {
			n.metrics.Dropped.WithLabelValues("nats", "decode").Inc()
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case out <- m.Signals:
			return
		default:
		}
		select {
		case <-out:
			n.metrics.Dropped.WithLabelValues("nats", "observer_full").Inc()
		default:
		}
		select {
		case out <- m.Signals:
		default:
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", n.subjects.State, err)
	}
	if err := n.nc.Flush(); err != nil {
		n.logger.Debug("relay flush after subscribe failed", zap.Error(err))
	}
	n.metrics.Observers.WithLabelValues("nats").Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Unsubscribe()
			mu.Lock()
			done = true
			close(out)
			mu.Unlock()
			n.metrics.Observers.WithLabelValues("nats").Dec()
		})
	}
	n.mu.Lock()
	n.onStop = append(n.onStop, cancel)
	n.mu.Unlock()
	return out, cancel, nil
}

// Close stops Serve, cancels observers and, when the relay dialed the
// connection itself, drains and closes it.
func (n *NATS) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.mu.Lock()
	stops := n.onStop
	subs := n.subs
	n.onStop, n.subs = nil, nil
	n.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	if n.ownsConn {
		n.nc.Close()
	}
	return nil
}
