package models

import "time"

type EventStatus string

const (
	PendingEventStatus     EventStatus = "pending"
	ProcessingEventStatus  EventStatus = "processing"
	PublishedEventStatus   EventStatus = "published"
	FailedEventStatus      EventStatus = "failed"
	CancelledEventStatus   EventStatus = "cancelled"
	HumanReviewEventStatus EventStatus = "human_review"
)

// Terminal reports whether a status can no longer change.
// Only pending (and the transient processing state while a job holds the
// lease) may move; published and cancelled are final, as are failed and
// human_review until an operator intervenes.
func (s EventStatus) Terminal() bool {
	return s != PendingEventStatus && s != ProcessingEventStatus
}

// ScheduledEvent is a persisted intent to publish a content version at a
// future time. Rows are never deleted; terminal rows are kept for audit
// and conflict history.
type ScheduledEvent struct {
	ID          int64              `json:"id" db:"id"`
	ContentID   int64              `json:"content_id" db:"content_id"`
	VersionID   *int64             `json:"version_id,omitempty" db:"version_id"` // nil until resolved
	Pattern     *RecurrencePattern `json:"pattern,omitempty" db:"pattern"`       // nil for one-shot
	VersionHash string             `json:"version_hash,omitempty" db:"version_hash"`
	ScheduledAt time.Time          `json:"scheduled_at" db:"scheduled_at"`
	Status      EventStatus        `json:"status" db:"status"`
	Conditions  JSONMap            `json:"conditions,omitempty" db:"conditions"`
	ErrorMsg    string             `json:"error,omitempty" db:"error_msg"`
	CreatedBy   int64              `json:"created_by" db:"created_by"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time         `json:"processed_at,omitempty" db:"processed_at"`
}
