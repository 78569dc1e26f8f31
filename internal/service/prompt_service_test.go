package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/promptd/internal/domain"
	"github.com/phrazzld/promptd/internal/domain/lifecycle"
	"github.com/phrazzld/promptd/internal/metrics"
	"github.com/phrazzld/promptd/internal/platform/logger"
	"github.com/phrazzld/promptd/internal/platform/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockPublisher records published messages and can be told to fail.
type MockPublisher struct {
	Published  []domain.PromptMessage
	PublishErr error
}

func (m *MockPublisher) Publish(ctx context.Context, msg domain.PromptMessage) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Published = append(m.Published, msg)
	return nil
}

func newTestService(t *testing.T) (PromptService, *memory.Store, *MockPublisher, *metrics.Metrics) {
	t.Helper()
	log, _ := logger.NewTestLogger(t)
	s := memory.NewStore(log, time.Second)
	pub := &MockPublisher{}
	m := metrics.New()
	svc, err := NewPromptService(s, s, pub, log, m)
	require.NoError(t, err)
	return svc, s, pub, m
}

func TestNewPromptServiceValidation(t *testing.T) {
	s := memory.NewStore(nil, time.Second)
	pub := &MockPublisher{}

	_, err := NewPromptService(nil, s, pub, nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "transactor cannot be nil")

	_, err = NewPromptService(s, nil, pub, nil, nil)
	assert.Contains(t, err.Error(), "prompt store cannot be nil")

	_, err = NewPromptService(s, s, nil, nil, nil)
	assert.Contains(t, err.Error(), "publisher cannot be nil")

	svc, err := NewPromptService(s, s, pub, nil, nil)
	assert.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestCreatePrompt(t *testing.T) {
	ctx := context.Background()
	svc, s, pub, m := newTestService(t)
	owner := uuid.New()

	resp, err := svc.CreatePrompt(ctx, CreatePromptRequest{OwnerID: owner, OriginalPrompt: "  a red sword  "})
	require.NoError(t, err)
	assert.Equal(t, domain.PromptStatusPending, resp.Status)
	assert.NotEqual(t, uuid.Nil, resp.PromptID)

	stored, err := s.GetByID(ctx, resp.PromptID)
	require.NoError(t, err)
	assert.Equal(t, "a red sword", stored.OriginalText)
	assert.Equal(t, owner, stored.OwnerID)

	require.Len(t, pub.Published, 1)
	assert.Equal(t, domain.PromptMessage{
		PromptID:       resp.PromptID,
		MemberID:       owner,
		OriginalPrompt: "a red sword",
		Status:         domain.PromptStatusPending,
	}, pub.Published[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PromptsCreated))
}

func TestCreatePromptValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, pub, _ := newTestService(t)

	tests := []struct {
		name    string
		req     CreatePromptRequest
		wantErr error
	}{
		{"empty text", CreatePromptRequest{OwnerID: uuid.New(), OriginalPrompt: "   "}, domain.ErrEmptyPromptText},
		{"too long", CreatePromptRequest{OwnerID: uuid.New(), OriginalPrompt: strings.Repeat("a", domain.MaxPromptLength+1)}, domain.ErrPromptTooLong},
		{"no owner", CreatePromptRequest{OriginalPrompt: "a red sword"}, domain.ErrEmptyPromptOwnerID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreatePrompt(ctx, tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, pub.Published)
}

func TestCreatePromptPublishFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	svc, s, pub, m := newTestService(t)
	pub.PublishErr = errors.New("broker unavailable")

	_, err := svc.CreatePrompt(ctx, CreatePromptRequest{OwnerID: uuid.New(), OriginalPrompt: "a red sword"})
	require.Error(t, err)

	var svcErr *PromptServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "create_prompt", svcErr.Operation)
	assert.ErrorIs(t, err, pub.PublishErr)

	stale, err := s.FindStale(ctx, []domain.PromptStatus{domain.PromptStatusPending}, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "no row may survive a failed publish")
	assert.Zero(t, testutil.ToFloat64(m.PromptsCreated))
}

func TestGetPromptStatus(t *testing.T) {
	ctx := context.Background()
	svc, s, _, _ := newTestService(t)
	owner := uuid.New()

	created, err := svc.CreatePrompt(ctx, CreatePromptRequest{OwnerID: owner, OriginalPrompt: "a red sword"})
	require.NoError(t, err)

	t.Run("pending", func(t *testing.T) {
		resp, err := svc.GetPromptStatus(ctx, owner, created.PromptID)
		require.NoError(t, err)
		assert.Equal(t, domain.PromptStatusPending, resp.Status)
		assert.Empty(t, resp.ImprovedPrompt)
		assert.Nil(t, resp.CompletedAt)
	})

	t.Run("foreign owner looks like not found", func(t *testing.T) {
		_, err := svc.GetPromptStatus(ctx, uuid.New(), created.PromptID)
		assert.ErrorIs(t, err, ErrPromptNotFound)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := svc.GetPromptStatus(ctx, owner, uuid.New())
		assert.ErrorIs(t, err, ErrPromptNotFound)
	})

	t.Run("completed", func(t *testing.T) {
		p, err := s.GetByID(ctx, created.PromptID)
		require.NoError(t, err)
		now := time.Now()
		p, err = lifecycle.Dequeue(p, now)
		require.NoError(t, err)
		p, err = lifecycle.Complete(p, lifecycle.Outcome{
			ImprovedText:     "A vivid red sword, gleaming",
			Keywords:         []string{"sword", "red", "weapon"},
			CategoryKeywords: map[string][]string{"Framing": {"close-up"}},
			EmbeddingVector:  []float64{0.1, 0.2, 0.3},
		}, now)
		require.NoError(t, err)
		require.NoError(t, s.Save(ctx, p))

		resp, err := svc.GetPromptStatus(ctx, owner, created.PromptID)
		require.NoError(t, err)
		assert.Equal(t, domain.PromptStatusCompleted, resp.Status)
		assert.Equal(t, "A vivid red sword, gleaming", resp.ImprovedPrompt)
		assert.Equal(t, []string{"sword", "red", "weapon"}, resp.Keywords)
		assert.Equal(t, map[string][]string{"Framing": {"close-up"}}, resp.CategoryKeywords)
		assert.Empty(t, resp.ErrorMessage)
		assert.NotNil(t, resp.CompletedAt)
	})
}

func TestGetPromptStatusFailedExposesOnlyError(t *testing.T) {
	ctx := context.Background()
	svc, s, _, _ := newTestService(t)
	owner := uuid.New()

	created, err := svc.CreatePrompt(ctx, CreatePromptRequest{OwnerID: owner, OriginalPrompt: "a red sword"})
	require.NoError(t, err)

	p, err := s.GetByID(ctx, created.PromptID)
	require.NoError(t, err)
	p, err = lifecycle.FailFromAny(p, "chat: unauthorized (status 401): invalid key", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, p))

	resp, err := svc.GetPromptStatus(ctx, owner, created.PromptID)
	require.NoError(t, err)
	assert.Equal(t, domain.PromptStatusFailed, resp.Status)
	assert.Equal(t, "chat: unauthorized (status 401): invalid key", resp.ErrorMessage)
	assert.Empty(t, resp.ImprovedPrompt)
	assert.Nil(t, resp.Keywords)
}

func TestNewPromptServiceError(t *testing.T) {
	assert.Nil(t, NewPromptServiceError("op", "msg", nil))
	assert.Equal(t, ErrPromptNotFound, NewPromptServiceError("op", "msg", ErrPromptNotFound))

	base := errors.New("boom")
	err := NewPromptServiceError("create_prompt", "failed to save prompt", base)
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "prompt service create_prompt failed: failed to save prompt: boom", err.Error())
}
