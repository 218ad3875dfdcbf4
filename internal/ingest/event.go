package ingest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/invoicehook/internal/storage"
)

// Status of an IngestedEvent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	StatusError     Status = "error"
)

var (
	ErrNotFound         = errors.New("ingested event not found")
	ErrNotReprocessable = errors.New("only events in error can be reprocessed")
)

// IngestedEvent is one (delivery, resource id) record.
type IngestedEvent struct {
	ID           string
	AccountID    string
	DedupKey     string
	CEID         string
	EventType    string
	ResourceType ResourceType
	Action       Action
	ResourceID   string
	OccurredAt   time.Time
	Payload      json.RawMessage
	Status       Status
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ProcessedAt  *time.Time
}

// DedupKey identifies a logical event for one resource. The provider's event
// id wins; without it the (type, resource, time) tuple is hashed. A zero
// occurredAt means the delivery carried no time and is left out of the tuple,
// so redeliveries of it still collapse.
func DedupKey(ceID, eventType, resourceID string, occurredAt time.Time) string {
	if ceID != "" {
		// Length prefix keeps ids containing ':' unambiguous.
		return "ce:" + strconv.Itoa(len(ceID)) + ":" + ceID + ":" + resourceID
	}
	return "tuple:" + tupleDigest(eventType, resourceID, occurredAt)
}

func tupleDigest(eventType, resourceID string, occurredAt time.Time) string {
	h := blake3.New()
	_, _ = h.Write([]byte(eventType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(resourceID))
	_, _ = h.Write([]byte{0})
	if !occurredAt.IsZero() {
		_, _ = h.Write([]byte(storage.FormatTime(occurredAt)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// KeyTime is the occurredAt that reproduces e.DedupKey: zero for deliveries
// that carried no time, OccurredAt otherwise.
func (e IngestedEvent) KeyTime() time.Time {
	if e.CEID == "" && e.DedupKey == DedupKey("", e.EventType, e.ResourceID, time.Time{}) {
		return time.Time{}
	}
	return e.OccurredAt
}
