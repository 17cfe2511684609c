package protocol

import (
	"encoding/json"
	"time"
)

// Task is a unit of work handed to an agent. Unlike messages, tasks carry
// no priority.
type Task struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AssignedTo  string          `json:"assigned_to,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	AssignedAt  *time.Time      `json:"assigned_at,omitempty"`
}

// DispatchOutcome classifies one dispatch cycle.
type DispatchOutcome string

const (
	// OutcomeIdle means no eligible message was waiting.
	OutcomeIdle      DispatchOutcome = "idle"
	OutcomeDelivered DispatchOutcome = "delivered"
	// OutcomeRetrying means injection failed and the message was requeued.
	OutcomeRetrying DispatchOutcome = "retrying"
	// OutcomeFailed means attempts are exhausted; the message stays failed.
	OutcomeFailed DispatchOutcome = "failed"
	// OutcomeRejected means coordinates were missing or out of bounds and
	// no input event was sent.
	OutcomeRejected DispatchOutcome = "rejected"
	// OutcomeExpired means the text was injected but the cleanup sweep
	// expired the message while it was in flight. It stays expired.
	OutcomeExpired DispatchOutcome = "expired"
)

// DispatchResult is returned by every dispatch cycle.
type DispatchResult struct {
	Outcome   DispatchOutcome `json:"outcome"`
	MessageID string          `json:"message_id,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Attempts  int             `json:"attempts"`
	Target    *Point          `json:"target,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
}
