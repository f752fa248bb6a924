// Package relay moves signals from capture agents to the aggregator and
// redistributes aggregator state to observers.
//
// Every send is fire-and-forget and at-most-once. A message that cannot be
// delivered (full inbox, no connection, no listener) is dropped and logged;
// the aggregator buffer stays the record of truth and observers reconcile
// by requesting a sync.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/faultline/internal/signal"
)

// Message types.
const (
	TypeSignalCaptured    = "SIGNAL_CAPTURED"
	TypeNavigationStarted = "NAVIGATION_STARTED"
	TypeSyncRequest       = "SYNC_REQUEST"
	TypeSyncResponse      = "SYNC_RESPONSE"
	TypeStateBroadcast    = "STATE_BROADCAST"
)

var (
	// ErrClosed is returned by operations on a closed relay.
	ErrClosed = errors.New("relay closed")
	// ErrInboxFull is returned when a message was dropped for lack of room.
	ErrInboxFull = errors.New("relay inbox full")
)

// Message is the envelope carried on every channel.
type Message struct {
	Type      string          `json:"type"`
	Signal    *signal.Signal  `json:"signal,omitempty"`
	Signals   []signal.Signal `json:"signals,omitempty"`
	TabScope  string          `json:"tabScope,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Publisher is the agent-side half. Implementations must not block the
// caller; failures are reported but never retried.
type Publisher interface {
	PublishSignal(ctx context.Context, s signal.Signal) error
	PublishNavigation(ctx context.Context, tabScope string, at time.Time) error
}

// Broadcaster pushes authoritative state to observers. It is called with
// the aggregator lock held, so it must not block.
type Broadcaster interface {
	Broadcast(signals []signal.Signal)
}

// Authority is the aggregator as seen by a relay.
type Authority interface {
	Accept(s signal.Signal)
	NavigationStarted(tabScope string, at time.Time)
	Snapshot() []signal.Signal
}

// Observer is the read side used by presentation clients.
type Observer interface {
	// Sync performs SYNC_REQUEST and returns the SYNC_RESPONSE payload.
	Sync(ctx context.Context) ([]signal.Signal, error)
	// Subscribe delivers STATE_BROADCAST payloads until cancel is called.
	Subscribe() (<-chan []signal.Signal, func(), error)
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func([]signal.Signal)

func (f BroadcasterFunc) Broadcast(signals []signal.Signal) { f(signals) }
