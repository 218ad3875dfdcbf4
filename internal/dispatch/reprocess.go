package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/invoicehook/internal/ingest"
	"github.com/mattjoyce/invoicehook/internal/queue"
	"github.com/mattjoyce/invoicehook/internal/subscription"
)

// EventResetter moves an errored event back to pending.
type EventResetter interface {
	ResetForReprocess(ctx context.Context, id string) (*ingest.IngestedEvent, error)
}

// Enqueuer submits processing jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
}

// Reprocessor re-drives single events that ended in error.
type Reprocessor struct {
	events EventResetter
	queue  Enqueuer
}

func NewReprocessor(events EventResetter, q Enqueuer) *Reprocessor {
	return &Reprocessor{events: events, queue: q}
}

// Reprocess resets eventID to pending and enqueues a job covering only its
// resource. Events not in error return ingest.ErrNotReprocessable.
func (r *Reprocessor) Reprocess(ctx context.Context, eventID, submittedBy string) (string, error) {
	ev, err := r.events.ResetForReprocess(ctx, eventID)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(queue.EventJob{
		Type:          ev.EventType,
		OccurredAt:    ev.KeyTime(),
		CorrelationID: ev.CEID,
		ResourceIDs:   []string{ev.ResourceID},
		AccountID:     ev.AccountID,
		EventGroup:    subscription.InferEventGroup(ev.EventType),
	})
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	jobID, err := r.queue.Enqueue(ctx, queue.EnqueueRequest{
		Kind:        queue.KindWebhookEvent,
		AccountID:   ev.AccountID,
		Payload:     payload,
		SubmittedBy: submittedBy,
	})
	if err != nil {
		return "", fmt.Errorf("enqueue reprocess of %s: %w", eventID, err)
	}
	return jobID, nil
}
