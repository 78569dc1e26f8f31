// Package lifecycle governs the legal status transitions of a prompt.
//
// The package is pure: every function takes the current prompt and returns a
// new copy with the transition applied, leaving persistence and locking to
// the caller. A prompt moves PENDING -> PROCESSING -> {COMPLETED, FAILED} and
// never leaves a terminal state.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/phrazzld/promptd/internal/domain"
)

// Event is something that happens to a prompt while it moves through the
// pipeline.
type Event string

// Events understood by the state machine.
const (
	// EventDequeue marks a prompt as in-flight once a consumer holds its lock.
	EventDequeue Event = "dequeue"
	// EventSucceed records that both provider calls returned and parsed.
	EventSucceed Event = "succeed"
	// EventFail records that a provider call failed, timed out or could not
	// be parsed.
	EventFail Event = "fail"
)

// Common errors
var (
	ErrNilPrompt         = errors.New("prompt cannot be nil")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrEmptyOutcome      = errors.New("completed prompt requires improved text and embedding")
	ErrEmptyFailure      = errors.New("failed prompt requires an error message")
)

type edge struct {
	from  domain.PromptStatus
	event Event
}

// transitions is the complete table of legal moves. Anything missing is
// illegal, which includes every event from a terminal state.
var transitions = map[edge]domain.PromptStatus{
	{domain.PromptStatusPending, EventDequeue}:    domain.PromptStatusProcessing,
	{domain.PromptStatusProcessing, EventSucceed}: domain.PromptStatusCompleted,
	{domain.PromptStatusProcessing, EventFail}:    domain.PromptStatusFailed,
}

// Allowed returns the target status for event applied in status from.
func Allowed(from domain.PromptStatus, event Event) (domain.PromptStatus, bool) {
	to, ok := transitions[edge{from, event}]
	return to, ok
}

// CanProcess reports whether a consumer holding the lock on a prompt in this
// status should run the provider calls. It is true only for PENDING; any
// other status means a previous delivery already claimed or finished the
// prompt and the current delivery must be acknowledged as a no-op.
func CanProcess(status domain.PromptStatus) bool {
	_, ok := Allowed(status, EventDequeue)
	return ok
}

// Outcome carries the parsed provider results persisted on success.
type Outcome struct {
	ImprovedText     string
	Keywords         []string
	CategoryKeywords map[string][]string
	EmbeddingVector  []float64
}

// Dequeue moves a PENDING prompt to PROCESSING.
func Dequeue(p *domain.Prompt, now time.Time) (*domain.Prompt, error) {
	next, err := advance(p, EventDequeue, now)
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Complete moves a PROCESSING prompt to COMPLETED and stores the outcome.
// completedAt is stamped here and nowhere else on the success path.
func Complete(p *domain.Prompt, out Outcome, now time.Time) (*domain.Prompt, error) {
	if strings.TrimSpace(out.ImprovedText) == "" || len(out.EmbeddingVector) == 0 {
		return nil, ErrEmptyOutcome
	}

	next, err := advance(p, EventSucceed, now)
	if err != nil {
		return nil, err
	}

	next.ImprovedText = out.ImprovedText
	next.Keywords = append([]string(nil), out.Keywords...)
	next.CategoryKeywords = make(map[string][]string, len(out.CategoryKeywords))
	for k, v := range out.CategoryKeywords {
		next.CategoryKeywords[k] = append([]string(nil), v...)
	}
	next.EmbeddingVector = append([]float64(nil), out.EmbeddingVector...)
	next.ErrorMessage = ""
	next.CompletedAt = stamp(now)
	return next, nil
}

// Fail moves a PROCESSING prompt to FAILED with a human readable message.
// Derived fields are cleared so a failed prompt never exposes partial
// results.
func Fail(p *domain.Prompt, message string, now time.Time) (*domain.Prompt, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, ErrEmptyFailure
	}

	next, err := advance(p, EventFail, now)
	if err != nil {
		return nil, err
	}

	next.ImprovedText = ""
	next.Keywords = nil
	next.CategoryKeywords = nil
	next.EmbeddingVector = nil
	next.ErrorMessage = message
	next.CompletedAt = stamp(now)
	return next, nil
}

// FailFromAny records a failure for a prompt that may still be PENDING,
// which is the case when the attempt that moved it to PROCESSING was rolled
// back. It applies Dequeue first when needed so the recorded history still
// follows the transition table.
func FailFromAny(p *domain.Prompt, message string, now time.Time) (*domain.Prompt, error) {
	if p == nil {
		return nil, ErrNilPrompt
	}
	if p.Status == domain.PromptStatusPending {
		processing, err := Dequeue(p, now)
		if err != nil {
			return nil, err
		}
		p = processing
	}
	return Fail(p, message, now)
}

func advance(p *domain.Prompt, event Event, now time.Time) (*domain.Prompt, error) {
	if p == nil {
		return nil, ErrNilPrompt
	}

	to, ok := Allowed(p.Status, event)
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s prompt %s", ErrIllegalTransition, event, p.Status, p.ID)
	}

	next := p.Clone()
	next.Status = to
	next.UpdatedAt = now.UTC()
	return next, nil
}

func stamp(now time.Time) *time.Time {
	t := now.UTC()
	return &t
}
