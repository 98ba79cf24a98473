package service

import (
	"fmt"
	"time"

	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

// ConflictWindow is the time span within which two schedules for the
// same content with differing versions are mutually exclusive.
const ConflictWindow = time.Hour

// ConflictDetector finds existing schedules that collide with a
// candidate. The check is symmetric, pairwise and windowed; no global
// ordering is imposed.
type ConflictDetector struct {
	store  storage.Store
	logger Logger
}

func NewConflictDetector(store storage.Store, logger Logger) *ConflictDetector {
	return &ConflictDetector{store: store, logger: logger}
}

// versionsDiffer treats an unresolved (nil) version on either side as
// differing: the candidate cannot be proven to target the same version.
func versionsDiffer(a, b *int64) bool {
	if a == nil || b == nil {
		return true
	}
	return *a != *b
}

func absDelta(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}

// CheckConflicts returns every non-terminal event for the content whose
// version differs from the candidate and whose scheduled time falls
// within the collision window of the candidate time.
func (d *ConflictDetector) CheckConflicts(contentID int64, versionID *int64, at time.Time) ([]models.Conflict, error) {
	existing, err := d.store.ListActiveEvents(contentID)
	if err != nil {
		return nil, fmt.Errorf("list active events for content %d: %w", contentID, err)
	}
	return d.checkAgainst(existing, contentID, versionID, at), nil
}

func (d *ConflictDetector) checkAgainst(existing []models.ScheduledEvent, contentID int64, versionID *int64, at time.Time) []models.Conflict {
	var conflicts []models.Conflict
	for _, ev := range existing {
		if ev.ContentID != contentID {
			continue
		}
		if !versionsDiffer(ev.VersionID, versionID) {
			continue
		}
		delta := absDelta(ev.ScheduledAt, at)
		if delta >= ConflictWindow {
			continue
		}
		conflicts = append(conflicts, models.Conflict{
			EventID:     ev.ID,
			ContentID:   ev.ContentID,
			VersionID:   ev.VersionID,
			ScheduledAt: ev.ScheduledAt,
			Status:      ev.Status,
			Reason:      fmt.Sprintf("version collision within %s (delta %s)", ConflictWindow, delta),
		})
	}
	return conflicts
}

// BatchCheckConflicts runs the pairwise check for each item against one
// snapshot of existing events. Items are not checked against each other;
// the batch orchestrator deduplicates siblings before calling.
func (d *ConflictDetector) BatchCheckConflicts(items []models.BatchScheduleItem) ([][]models.Conflict, error) {
	contentIDs := make([]int64, 0, len(items))
	seen := make(map[int64]bool)
	for _, it := range items {
		if !seen[it.ContentID] {
			seen[it.ContentID] = true
			contentIDs = append(contentIDs, it.ContentID)
		}
	}
	snapshot, err := d.store.ListEventsForContents(contentIDs)
	if err != nil {
		return nil, fmt.Errorf("snapshot events: %w", err)
	}
	var active []models.ScheduledEvent
	for _, ev := range snapshot {
		if !ev.Status.Terminal() {
			active = append(active, ev)
		}
	}

	results := make([][]models.Conflict, len(items))
	for i, it := range items {
		results[i] = d.checkAgainst(active, it.ContentID, it.VersionID, it.ScheduledAt)
	}
	return results, nil
}

// CheckIntervalOverlap reports existing events for the content whose
// interval overlaps [start, end]: start in range, end in range, or the
// candidate containing the existing interval's midpoint. One-shot events
// collapse to a point interval at their scheduled time.
func (d *ConflictDetector) CheckIntervalOverlap(contentID int64, start time.Time, end *time.Time) ([]models.Conflict, error) {
	existing, err := d.store.ListActiveEvents(contentID)
	if err != nil {
		return nil, fmt.Errorf("list active events for content %d: %w", contentID, err)
	}

	candEnd := start
	if end != nil {
		candEnd = *end
	}

	var conflicts []models.Conflict
	for _, ev := range existing {
		exStart := ev.ScheduledAt
		exEnd := ev.ScheduledAt
		if ev.Pattern != nil {
			if !ev.Pattern.StartDate.IsZero() {
				exStart = ev.Pattern.StartDate
			}
			if ev.Pattern.EndDate != nil {
				exEnd = *ev.Pattern.EndDate
			}
		}
		mid := exStart.Add(exEnd.Sub(exStart) / 2)
		startIn := !start.Before(exStart) && !start.After(exEnd)
		endIn := !candEnd.Before(exStart) && !candEnd.After(exEnd)
		containsMid := !mid.Before(start) && !mid.After(candEnd)
		if !startIn && !endIn && !containsMid {
			continue
		}
		conflicts = append(conflicts, models.Conflict{
			EventID:     ev.ID,
			ContentID:   ev.ContentID,
			VersionID:   ev.VersionID,
			ScheduledAt: ev.ScheduledAt,
			Status:      ev.Status,
			Reason:      "recurrence interval overlap",
		})
	}
	return conflicts, nil
}
