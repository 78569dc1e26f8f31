package lifecycle

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPrompt(t *testing.T, status domain.PromptStatus) *domain.Prompt {
	t.Helper()
	p, err := domain.NewPrompt(uuid.New(), "a red sword")
	require.NoError(t, err)
	p.Status = status
	return p
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	statuses := []domain.PromptStatus{
		domain.PromptStatusPending,
		domain.PromptStatusProcessing,
		domain.PromptStatusCompleted,
		domain.PromptStatusFailed,
	}
	events := []Event{EventDequeue, EventSucceed, EventFail}

	legal := map[domain.PromptStatus]map[Event]domain.PromptStatus{
		domain.PromptStatusPending: {EventDequeue: domain.PromptStatusProcessing},
		domain.PromptStatusProcessing: {
			EventSucceed: domain.PromptStatusCompleted,
			EventFail:    domain.PromptStatusFailed,
		},
	}

	for _, from := range statuses {
		for _, ev := range events {
			to, ok := Allowed(from, ev)
			want, wantOK := legal[from][ev]
			assert.Equal(t, wantOK, ok, "%s on %s", ev, from)
			assert.Equal(t, want, to, "%s on %s", ev, from)
			if from.IsTerminal() {
				assert.False(t, ok, "terminal %s must not accept %s", from, ev)
			}
		}
	}
}

func TestCanProcess(t *testing.T) {
	t.Parallel()

	assert.True(t, CanProcess(domain.PromptStatusPending))
	assert.False(t, CanProcess(domain.PromptStatusProcessing))
	assert.False(t, CanProcess(domain.PromptStatusCompleted))
	assert.False(t, CanProcess(domain.PromptStatusFailed))
}

func TestHappyPath(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	p := newPrompt(t, domain.PromptStatusPending)

	processing, err := Dequeue(p, now)
	require.NoError(t, err)
	assert.Equal(t, domain.PromptStatusProcessing, processing.Status)
	assert.Nil(t, processing.CompletedAt)
	assert.Equal(t, domain.PromptStatusPending, p.Status, "input must not be mutated")

	done, err := Complete(processing, Outcome{
		ImprovedText:     "A vivid red sword, gleaming",
		Keywords:         []string{"sword", "red", "weapon"},
		CategoryKeywords: map[string][]string{"Framing": {"close-up"}},
		EmbeddingVector:  []float64{0.1, 0.2, 0.3},
	}, now.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, domain.PromptStatusCompleted, done.Status)
	assert.Equal(t, []string{"sword", "red", "weapon"}, done.Keywords)
	assert.Equal(t, "A vivid red sword, gleaming", done.ImprovedText)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, done.EmbeddingVector)
	assert.Equal(t, []string{"close-up"}, done.CategoryKeywords["Framing"])
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, now.Add(time.Second), *done.CompletedAt)
	assert.Empty(t, done.ErrorMessage)

	_, err = Fail(done, "late failure", now)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = Complete(done, Outcome{ImprovedText: "x", EmbeddingVector: []float64{1}}, now)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestFail(t *testing.T) {
	t.Parallel()

	now := time.Now()

	t.Run("from processing", func(t *testing.T) {
		t.Parallel()
		failed, err := Fail(newPrompt(t, domain.PromptStatusProcessing), "provider rejected the request", now)
		require.NoError(t, err)
		assert.Equal(t, domain.PromptStatusFailed, failed.Status)
		assert.Equal(t, "provider rejected the request", failed.ErrorMessage)
		assert.NotNil(t, failed.CompletedAt)
		assert.Nil(t, failed.Keywords)
		assert.Nil(t, failed.EmbeddingVector)
	})

	t.Run("from pending is illegal", func(t *testing.T) {
		t.Parallel()
		_, err := Fail(newPrompt(t, domain.PromptStatusPending), "boom", now)
		assert.ErrorIs(t, err, ErrIllegalTransition)
	})

	t.Run("FailFromAny walks through processing", func(t *testing.T) {
		t.Parallel()
		failed, err := FailFromAny(newPrompt(t, domain.PromptStatusPending), "boom", now)
		require.NoError(t, err)
		assert.Equal(t, domain.PromptStatusFailed, failed.Status)
	})

	t.Run("FailFromAny rejects terminal", func(t *testing.T) {
		t.Parallel()
		_, err := FailFromAny(newPrompt(t, domain.PromptStatusCompleted), "boom", now)
		assert.ErrorIs(t, err, ErrIllegalTransition)
	})

	t.Run("empty message", func(t *testing.T) {
		t.Parallel()
		_, err := Fail(newPrompt(t, domain.PromptStatusProcessing), "  ", now)
		assert.ErrorIs(t, err, ErrEmptyFailure)
	})
}

func TestCompleteRequiresOutcome(t *testing.T) {
	t.Parallel()

	p := newPrompt(t, domain.PromptStatusProcessing)
	_, err := Complete(p, Outcome{ImprovedText: "x"}, time.Now())
	assert.ErrorIs(t, err, ErrEmptyOutcome)
	_, err = Complete(p, Outcome{EmbeddingVector: []float64{1}}, time.Now())
	assert.ErrorIs(t, err, ErrEmptyOutcome)
	_, err = Dequeue(nil, time.Now())
	assert.ErrorIs(t, err, ErrNilPrompt)
}
