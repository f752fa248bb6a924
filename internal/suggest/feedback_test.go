package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/faultline/internal/logging"
	"github.com/fyrsmithlabs/faultline/internal/store"
)

func TestFeedbackLog_Validation(t *testing.T) {
	log := NewFeedbackLog(10)
	defer log.Close()
	ctx := context.Background()

	_, err := log.Record(ctx, Feedback{Rating: RatingHelpful})
	assert.ErrorIs(t, err, ErrMissingSuggestionID)

	_, err = log.Record(ctx, Feedback{SuggestionID: "s1", Rating: "meh"})
	assert.ErrorIs(t, err, ErrInvalidRating)

	fb, err := log.Record(ctx, Feedback{SuggestionID: "s1", Rating: RatingNotHelpful})
	require.NoError(t, err)
	assert.NotEmpty(t, fb.ID)
	assert.False(t, fb.At.IsZero())
	assert.Equal(t, 1, log.Len())
}

func TestFeedbackLog_BoundedFIFO(t *testing.T) {
	log := NewFeedbackLog(3)
	defer log.Close()

	for i := 0; i < 5; i++ {
		_, err := log.Record(context.Background(), Feedback{SuggestionID: fmt.Sprintf("s%d", i), Rating: RatingHelpful})
		require.NoError(t, err)
	}
	entries := log.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "s2", entries[0].SuggestionID)
	assert.Equal(t, "s4", entries[2].SuggestionID)
}

func TestFeedbackLog_DefaultLimit(t *testing.T) {
	log := NewFeedbackLog(0)
	defer log.Close()
	for i := 0; i < DefaultFeedbackLimit+1; i++ {
		_, err := log.Record(context.Background(), Feedback{SuggestionID: "s", Rating: RatingHelpful})
		require.NoError(t, err)
	}
	assert.Equal(t, DefaultFeedbackLimit, log.Len())
}

func TestFeedbackLog_PersistsAndEvicts(t *testing.T) {
	st := store.NewMemory().Namespace(store.NamespaceFeedback)
	log := NewFeedbackLog(2, WithStore(st))

	var ids []string
	for i := 0; i < 3; i++ {
		fb, err := log.Record(context.Background(), Feedback{SuggestionID: fmt.Sprintf("s%d", i), Rating: RatingHelpful})
		require.NoError(t, err)
		ids = append(ids, fb.ID)
	}
	log.Close()

	all, err := st.GetAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.NotContains(t, all, ids[0])

	var stored Feedback
	require.NoError(t, json.Unmarshal(all[ids[2]], &stored))
	assert.Equal(t, "s2", stored.SuggestionID)
	assert.Equal(t, RatingHelpful, stored.Rating)
}

func TestFeedbackLog_RecordAfterClose(t *testing.T) {
	log := NewFeedbackLog(2, WithStore(store.NewMemory()))
	log.Close()
	log.Close()

	_, err := log.Record(context.Background(), Feedback{SuggestionID: "s", Rating: RatingHelpful})
	assert.ErrorIs(t, err, ErrFeedbackClosed)
}

func TestFeedbackLog_Restore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	minutes := map[string]time.Duration{"a": 1, "b": 2, "c": 3, "d": 4}
	for _, id := range []string{"c", "a", "d", "b"} {
		data, err := json.Marshal(Feedback{ID: id, SuggestionID: "s-" + id, Rating: RatingHelpful, At: base.Add(minutes[id] * time.Minute)})
		require.NoError(t, err)
		require.NoError(t, st.Put(ctx, id, data))
	}
	require.NoError(t, st.Put(ctx, "junk", []byte("{not json")))

	tl := logging.NewTestLogger()
	log := NewFeedbackLog(3, WithStore(st), WithFeedbackLogger(tl.Underlying()))
	n, err := log.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	var order []string
	for _, fb := range log.Entries() {
		order = append(order, fb.ID)
	}
	assert.Equal(t, []string{"b", "c", "d"}, order)
	tl.AssertLogged(t, zapcore.WarnLevel, "skipping unreadable feedback")

	log.Close()
	all, err := st.GetAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, all, "a", "the entry evicted on restore is deleted")
	assert.Contains(t, all, "b")
}

func TestFeedbackLog_RestoreWithoutStore(t *testing.T) {
	log := NewFeedbackLog(3)
	defer log.Close()
	n, err := log.Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
