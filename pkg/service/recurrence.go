package service

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

// RecurrenceParams is the partial input to recurrence creation. Missing
// type-specific fields are filled from the defaults table during
// canonicalization.
type RecurrenceParams struct {
	ContentID  int64
	UserID     int64
	Type       models.RecurrenceType
	Interval   int
	Days       []int
	DayOfMonth int
	Month      int
	StartDate  time.Time
	EndDate    *time.Time
}

// RecurrenceResult is the structured outcome of CreateRecurrence.
type RecurrenceResult struct {
	Success   bool                      `json:"success"`
	EventID   int64                     `json:"event_id,omitempty"`
	Hash      string                    `json:"hash,omitempty"`
	Pattern   *models.RecurrencePattern `json:"pattern,omitempty"`
	Message   string                    `json:"message,omitempty"`
	Conflicts []models.Conflict         `json:"conflicts,omitempty"`
}

// recurrenceDefaults specifies the type-specific fallback values in one
// place rather than scattering them across call sites.
var recurrenceDefaults = map[models.RecurrenceType]models.RecurrencePattern{
	models.DailyRecurrence:   {Interval: 1},
	models.WeeklyRecurrence:  {Interval: 1, Days: []int{1}}, // Monday
	models.MonthlyRecurrence: {Interval: 1, DayOfMonth: 1},
	models.YearlyRecurrence:  {Interval: 1, Month: 1, DayOfMonth: 1},
}

// CanonicalPattern builds a fully-populated, type-specific pattern from
// partial input. It is a pure function; the same semantic input always
// yields the same pattern and therefore the same hash.
func CanonicalPattern(p RecurrenceParams) (models.RecurrencePattern, error) {
	defaults, ok := recurrenceDefaults[p.Type]
	if !ok {
		return models.RecurrencePattern{}, errors.Wrapf(ErrValidationFailed, "unknown recurrence type %q", p.Type)
	}
	pattern := models.RecurrencePattern{
		Type:      p.Type,
		Interval:  p.Interval,
		StartDate: p.StartDate,
		EndDate:   p.EndDate,
	}
	if pattern.Interval == 0 {
		pattern.Interval = defaults.Interval
	}
	switch p.Type {
	case models.WeeklyRecurrence:
		pattern.Days = p.Days
		if len(pattern.Days) == 0 {
			pattern.Days = append([]int(nil), defaults.Days...)
		}
	case models.MonthlyRecurrence:
		pattern.DayOfMonth = p.DayOfMonth
		if pattern.DayOfMonth == 0 {
			pattern.DayOfMonth = defaults.DayOfMonth
		}
	case models.YearlyRecurrence:
		pattern.DayOfMonth = p.DayOfMonth
		if pattern.DayOfMonth == 0 {
			pattern.DayOfMonth = defaults.DayOfMonth
		}
		pattern.Month = p.Month
		if pattern.Month == 0 {
			pattern.Month = defaults.Month
		}
	}
	return pattern, nil
}

// RecurrencePlanner expands a recurrence rule into a canonical pattern
// and registers it as a scheduled event, all in one transaction.
type RecurrencePlanner struct {
	store        storage.Store
	gate         *PermissionGate
	conflicts    *ConflictDetector
	content      ContentStore
	allowedTypes map[string]bool
	clock        Clock
	logger       Logger
}

func NewRecurrencePlanner(store storage.Store, gate *PermissionGate, conflicts *ConflictDetector, content ContentStore, allowedContentTypes []string, clock Clock, logger Logger) *RecurrencePlanner {
	allowed := make(map[string]bool, len(allowedContentTypes))
	for _, t := range allowedContentTypes {
		allowed[t] = true
	}
	return &RecurrencePlanner{
		store:        store,
		gate:         gate,
		conflicts:    conflicts,
		content:      content,
		allowedTypes: allowed,
		clock:        clock,
		logger:       logger,
	}
}

// CreateRecurrence runs permission check, content-type allow-list,
// interval-overlap conflict check, canonicalization, hashing and
// persistence. Any failure rolls back; no partial event row survives.
func (p *RecurrencePlanner) CreateRecurrence(params RecurrenceParams) (RecurrenceResult, error) {
	if !p.gate.CanPerform(params.UserID, PermScheduleContent) {
		return RecurrenceResult{Success: false, Message: "user lacks schedule_content permission"}, nil
	}

	content, err := p.content.GetContent(params.ContentID)
	if err != nil {
		return RecurrenceResult{Success: false, Message: fmt.Sprintf("content %d not found: %v", params.ContentID, err)}, nil
	}
	if len(p.allowedTypes) > 0 && !p.allowedTypes[content.ContentType] {
		return RecurrenceResult{Success: false, Message: fmt.Sprintf("content type %q is not allowed to recur", content.ContentType)}, nil
	}

	overlaps, err := p.conflicts.CheckIntervalOverlap(params.ContentID, params.StartDate, params.EndDate)
	if err != nil {
		return RecurrenceResult{}, errors.Wrap(err, "interval overlap check")
	}
	if len(overlaps) > 0 {
		return RecurrenceResult{
			Success:   false,
			Message:   fmt.Sprintf("%d overlapping schedule(s) for content %d", len(overlaps), params.ContentID),
			Conflicts: overlaps,
		}, nil
	}

	pattern, err := CanonicalPattern(params)
	if err != nil {
		return RecurrenceResult{Success: false, Message: err.Error()}, nil
	}
	hash := pattern.Hash()

	txStore, err := p.store.Begin()
	if err != nil {
		return RecurrenceResult{}, errors.Wrap(err, "begin transaction")
	}
	id, err := p.createInTx(txStore, params, pattern, hash)
	if err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			p.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
		}
		return RecurrenceResult{}, err
	}
	if err := txStore.Commit(); err != nil {
		return RecurrenceResult{}, errors.Wrap(err, "commit recurrence")
	}

	p.logger.Infof("Created %s recurrence for content %d (event %d, hash %.12s)", pattern.Type, params.ContentID, id, hash)
	return RecurrenceResult{Success: true, EventID: id, Hash: hash, Pattern: &pattern}, nil
}

func (p *RecurrencePlanner) createInTx(txStore storage.Store, params RecurrenceParams, pattern models.RecurrencePattern, hash string) (int64, error) {
	id, err := txStore.SaveScheduledEvent(models.ScheduledEvent{
		ContentID:   params.ContentID,
		Pattern:     &pattern,
		VersionHash: hash,
		ScheduledAt: pattern.StartDate,
		Status:      models.PendingEventStatus,
		CreatedBy:   params.UserID,
		CreatedAt:   p.clock.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("save recurrence event: %w", err)
	}
	note := fmt.Sprintf("recurrence %s interval=%d registered", pattern.Type, pattern.Interval)
	if err := p.content.RecordVersion(params.ContentID, hash, note); err != nil {
		return 0, fmt.Errorf("record version history: %w", err)
	}
	return id, nil
}
