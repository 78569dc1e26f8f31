package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PromptMessage is the queue payload announcing a prompt that needs
// processing. It deliberately carries no derived data; consumers always
// reload the prompt from the store.
type PromptMessage struct {
	PromptID       uuid.UUID    `json:"promptId"`
	MemberID       uuid.UUID    `json:"memberId"`
	OriginalPrompt string       `json:"originalPrompt"`
	Status         PromptStatus `json:"status"`
}

// NewPromptMessage builds the queue payload for p.
func NewPromptMessage(p *Prompt) PromptMessage {
	return PromptMessage{
		PromptID:       p.ID,
		MemberID:       p.OwnerID,
		OriginalPrompt: p.OriginalText,
		Status:         p.Status,
	}
}

// Encode serializes the message to its JSON wire form.
func (m PromptMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodePromptMessage parses a JSON wire payload.
func DecodePromptMessage(body []byte) (PromptMessage, error) {
	var m PromptMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return PromptMessage{}, fmt.Errorf("%w: decode prompt message: %v", ErrValidation, err)
	}
	if m.PromptID == uuid.Nil {
		return PromptMessage{}, fmt.Errorf("%w: %w", ErrValidation, ErrEmptyPromptID)
	}
	return m, nil
}

// DeadLetterRecord is a message that was routed to the dead-letter
// destination, kept for manual inspection.
type DeadLetterRecord struct {
	// Payload is the original message body exactly as it was published.
	Payload        []byte    `json:"payload"`
	FailureCount   int       `json:"failureCount"`
	LastError      string    `json:"lastError"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

// Message decodes the original payload. The payload may be unparseable,
// which is often the reason it was dead-lettered in the first place.
func (r DeadLetterRecord) Message() (PromptMessage, error) {
	return DecodePromptMessage(r.Payload)
}
