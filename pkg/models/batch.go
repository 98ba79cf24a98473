package models

import "time"

// BatchScheduleItem is one scheduling request inside a batch.
type BatchScheduleItem struct {
	ContentID   int64     `json:"content_id"`
	VersionID   *int64    `json:"version_id,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Conditions  JSONMap   `json:"conditions,omitempty"`
}

// BatchItemResult is the per-item outcome of a batch. One item's failure
// never hides its siblings: a processed batch of N items always carries
// exactly N results.
type BatchItemResult struct {
	ContentID int64  `json:"content_id"`
	EventID   int64  `json:"event_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// BatchItem joins a batch to the events it created, persisted for
// progress reporting.
type BatchItem struct {
	ID       int64  `json:"id" db:"id"`
	BatchID  string `json:"batch_id" db:"batch_id"`
	EventID  *int64 `json:"event_id,omitempty" db:"event_id"`
	Position int    `json:"position" db:"position"`
	Success  bool   `json:"success" db:"success"`
	ErrorMsg string `json:"error,omitempty" db:"error_msg"`
}

// BatchProgress summarizes a batch: Progress counts completed items.
type BatchProgress struct {
	Progress   int `json:"progress"`
	Total      int `json:"total"`
	Failed     int `json:"failed"`
	Percentage int `json:"percentage"`
}
