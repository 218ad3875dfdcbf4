package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s ends a job.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Job kinds.
const (
	KindWebhookEvent = "webhook.event"
)

type Job struct {
	ID          string
	Kind        string
	AccountID   string
	Payload     json.RawMessage
	Status      Status
	Attempt     int
	MaxAttempts int
	SubmittedBy string
	DedupeKey   *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
}

type EnqueueRequest struct {
	Kind        string
	AccountID   string
	Payload     json.RawMessage
	MaxAttempts int
	SubmittedBy string
	DedupeKey   *string
}

var ErrJobNotFound = errors.New("job not found")

// EventJob is the payload of a KindWebhookEvent job: one normalized
// delivery for one account.
type EventJob struct {
	Type          string    `json:"type"`
	Time          string    `json:"time,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	Subject       string    `json:"subject,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Source        string    `json:"source,omitempty"`
	ResourceIDs   []string  `json:"resource_ids"`
	AccountID     string    `json:"account_id"`
	EventGroup    string    `json:"event_group"`
}

// DecodeEventJob parses a job payload.
func DecodeEventJob(payload json.RawMessage) (*EventJob, error) {
	var ej EventJob
	if err := json.Unmarshal(payload, &ej); err != nil {
		return nil, err
	}
	return &ej, nil
}
