package models

import "time"

// Conflict reports one existing scheduled event that collides with a
// candidate schedule: same content, differing version, scheduled within
// the collision window of each other.
type Conflict struct {
	EventID     int64       `json:"event_id"`
	ContentID   int64       `json:"content_id"`
	VersionID   *int64      `json:"version_id,omitempty"`
	ScheduledAt time.Time   `json:"scheduled_at"`
	Status      EventStatus `json:"status"`
	Reason      string      `json:"reason"`
}
