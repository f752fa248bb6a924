package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/faultline/internal/ring"
	"github.com/fyrsmithlabs/faultline/internal/store"
)

// DefaultFeedbackLimit bounds the feedback log.
const DefaultFeedbackLimit = 1000

const (
	persistQueueSize = 256
	persistTimeout   = 5 * time.Second
)

// Rating is a user's verdict on a suggestion.
type Rating string

const (
	RatingHelpful    Rating = "helpful"
	RatingNotHelpful Rating = "not_helpful"
)

var (
	ErrInvalidRating       = errors.New("rating must be helpful or not_helpful")
	ErrMissingSuggestionID = errors.New("suggestionId is required")
	ErrFeedbackClosed      = errors.New("feedback log closed")
)

// Feedback is one recorded verdict. Ranking does not consult it; it is
// kept for later analysis.
type Feedback struct {
	ID           string    `json:"id"`
	SuggestionID string    `json:"suggestionId"`
	Source       SourceID  `json:"source,omitempty"`
	Query        string    `json:"query,omitempty"`
	Rating       Rating    `json:"rating"`
	At           time.Time `json:"at"`
}

type persistOp struct {
	key    string
	value  []byte
	delete bool
}

// FeedbackLog is a bounded FIFO of feedback entries. With a store it also
// persists entries in the background, in the order they were recorded,
// and deletes the ones it evicts.
type FeedbackLog struct {
	mu     sync.Mutex
	buf    *ring.Buffer[Feedback]
	closed bool

	store  store.Store
	ops    chan persistOp
	done   chan struct{}
	logger *zap.Logger
	now    func() time.Time
}

// FeedbackOption configures a FeedbackLog.
type FeedbackOption func(*FeedbackLog)

// WithStore persists entries to s.
func WithStore(s store.Store) FeedbackOption {
	return func(f *FeedbackLog) { f.store = s }
}

// WithFeedbackLogger sets the logger.
func WithFeedbackLogger(l *zap.Logger) FeedbackOption {
	return func(f *FeedbackLog) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFeedbackLog returns a log holding at most limit entries.
func NewFeedbackLog(limit int, opts ...FeedbackOption) *FeedbackLog {
	if limit < 1 {
		limit = DefaultFeedbackLimit
	}
	f := &FeedbackLog{
		buf:    ring.New[Feedback](limit),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.store != nil {
		f.ops = make(chan persistOp, persistQueueSize)
		f.done = make(chan struct{})
		go f.persist()
	}
	return f
}

// Record validates fb, stamps it and appends it, evicting the oldest entry
// when full. Persistence happens asynchronously.
func (f *FeedbackLog) Record(_ context.Context, fb Feedback) (Feedback, error) {
	if fb.SuggestionID == "" {
		return Feedback{}, ErrMissingSuggestionID
	}
	switch fb.Rating {
	case RatingHelpful, RatingNotHelpful:
	default:
		return Feedback{}, fmt.Errorf("%w: %q", ErrInvalidRating, fb.Rating)
	}
	if fb.ID == "" {
		fb.ID = uuid.NewString()
	}
	if fb.At.IsZero() {
		fb.At = f.now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return Feedback{}, ErrFeedbackClosed
	}
	old, evicted := f.buf.Push(fb)
	if f.store != nil {
		if evicted {
			f.enqueue(persistOp{key: old.ID, delete: true})
		}
		if data, err := json.Marshal(fb); err == nil {
			f.enqueue(persistOp{key: fb.ID, value: data})
		}
	}
	return fb, nil
}

// enqueue never blocks the caller; a full queue loses the write.
func (f *FeedbackLog) enqueue(op persistOp) {
	select {
	case f.ops <- op:
	default:
		f.logger.Warn("feedback persistence queue full, write dropped",
			zap.String("feedback_id", op.key), zap.Bool("delete", op.delete))
	}
}

func (f *FeedbackLog) persist() {
	defer close(f.done)
	for op := range f.ops {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		var err error
		if op.delete {
			err = f.store.Delete(ctx, op.key)
		} else {
			err = f.store.Put(ctx, op.key, op.value)
		}
		cancel()
		if err != nil {
			f.logger.Warn("feedback not persisted",
				zap.String("feedback_id", op.key), zap.Bool("delete", op.delete), zap.Error(err))
		}
	}
}

// Entries returns the log, oldest first.
func (f *FeedbackLog) Entries() []Feedback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Items()
}

// Len returns the number of entries.
func (f *FeedbackLog) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Len()
}

// Restore loads persisted entries, oldest first, into an empty log.
// Entries beyond the limit are evicted and deleted from the store.
func (f *FeedbackLog) Restore(ctx context.Context) (int, error) {
	if f.store == nil {
		return 0, nil
	}
	all, err := f.store.GetAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore feedback: %w", err)
	}
	entries := make([]Feedback, 0, len(all))
	for key, data := range all {
		var fb Feedback
		if err := json.Unmarshal(data, &fb); err != nil {
			f.logger.Warn("skipping unreadable feedback", zap.String("feedback_id", key), zap.Error(err))
			continue
		}
		entries = append(entries, fb)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fb := range entries {
		if old, evicted := f.buf.Push(fb); evicted && !f.closed {
			f.enqueue(persistOp{key: old.ID, delete: true})
		}
	}
	return len(entries), nil
}

// Close flushes pending persistence and stops the writer.
func (f *FeedbackLog) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	if f.ops != nil {
		close(f.ops)
	}
	f.mu.Unlock()
	if f.done != nil {
		<-f.done
	}
}
