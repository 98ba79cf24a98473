package service

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

// ScheduleResult is the structured outcome of a scheduling request.
type ScheduleResult struct {
	Success   bool              `json:"success"`
	EventID   int64             `json:"event_id,omitempty"`
	Message   string            `json:"message,omitempty"`
	Conflicts []models.Conflict `json:"conflicts,omitempty"`
	Checks    map[string]bool   `json:"checks,omitempty"`
}

// ScheduleService owns the scheduled-event rows and their state
// machine. Rows enter pending here; only the job executor moves them to
// published or failed, inside the same transaction as the content
// mutation.
type ScheduleService struct {
	store     storage.Store
	gate      *PermissionGate
	evaluator *ConditionEvaluator
	conflicts *ConflictDetector
	clock     Clock
	logger    Logger
}

func NewScheduleService(store storage.Store, gate *PermissionGate, evaluator *ConditionEvaluator, conflicts *ConflictDetector, clock Clock, logger Logger) *ScheduleService {
	return &ScheduleService{
		store:     store,
		gate:      gate,
		evaluator: evaluator,
		conflicts: conflicts,
		clock:     clock,
		logger:    logger,
	}
}

// ScheduleContent validates and persists a publish intent for a content
// item. Validation failures come back as a structured result, not an
// error; errors are reserved for store failures.
func (s *ScheduleService) ScheduleContent(contentID int64, scheduledAt time.Time, userID int64, conds models.JSONMap) (ScheduleResult, error) {
	if conds == nil {
		conds = models.JSONMap{}
	}
	if _, ok := conds["publish_at"]; !ok {
		conds["publish_at"] = scheduledAt.Format(time.RFC3339)
	}

	eval := s.evaluator.Evaluate(conds, userID, contentID, nil)
	if !eval.OK {
		return ScheduleResult{Success: false, Message: eval.Reason, Conflicts: eval.Conflicts, Checks: eval.Checks}, nil
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return ScheduleResult{}, errors.Wrap(err, "begin transaction")
	}
	id, err := s.scheduleInTx(txStore, models.BatchScheduleItem{
		ContentID:   contentID,
		ScheduledAt: scheduledAt,
		Conditions:  conds,
	}, userID)
	if err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
		}
		return ScheduleResult{}, err
	}
	if err := txStore.Commit(); err != nil {
		return ScheduleResult{}, errors.Wrap(err, "commit schedule")
	}

	s.logger.Infof("Scheduled content %d at %s (event %d)", contentID, scheduledAt.Format(time.RFC3339), id)
	return ScheduleResult{Success: true, EventID: id, Checks: eval.Checks}, nil
}

// ScheduleWithVersion persists a publish intent for a specific content
// version. Used by workflow actions and internal callers that already
// passed gating; only conflict detection is applied.
func (s *ScheduleService) ScheduleWithVersion(contentID, versionID int64, scheduledAt time.Time) (ScheduleResult, error) {
	found, err := s.conflicts.CheckConflicts(contentID, &versionID, scheduledAt)
	if err != nil {
		return ScheduleResult{}, err
	}
	if len(found) > 0 {
		return ScheduleResult{
			Success:   false,
			Message:   fmt.Sprintf("%d scheduling conflict(s) detected", len(found)),
			Conflicts: found,
		}, nil
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return ScheduleResult{}, errors.Wrap(err, "begin transaction")
	}
	id, err := s.scheduleInTx(txStore, models.BatchScheduleItem{
		ContentID:   contentID,
		VersionID:   &versionID,
		ScheduledAt: scheduledAt,
	}, 0)
	if err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
		}
		return ScheduleResult{}, err
	}
	if err := txStore.Commit(); err != nil {
		return ScheduleResult{}, errors.Wrap(err, "commit schedule")
	}

	s.logger.Infof("Scheduled content %d version %d at %s (event %d)", contentID, versionID, scheduledAt.Format(time.RFC3339), id)
	return ScheduleResult{Success: true, EventID: id}, nil
}

// scheduleInTx inserts one pending event against the supplied
// transactional store. The batch orchestrator calls this per item inside
// its chunk transaction.
func (s *ScheduleService) scheduleInTx(txStore storage.Store, item models.BatchScheduleItem, userID int64) (int64, error) {
	id, err := txStore.SaveScheduledEvent(models.ScheduledEvent{
		ContentID:   item.ContentID,
		VersionID:   item.VersionID,
		ScheduledAt: item.ScheduledAt,
		Status:      models.PendingEventStatus,
		Conditions:  item.Conditions,
		CreatedBy:   userID,
		CreatedAt:   s.clock.Now(),
	})
	if err != nil {
		return 0, fmt.Errorf("save scheduled event for content %d: %w", item.ContentID, err)
	}
	return id, nil
}

// CancelBatch cancels events still in pending or processing; published
// and failed events are untouched. A worker already holding a lease on a
// cancelled event's job finishes it regardless; cancellation is
// cooperative, not an interrupt.
func (s *ScheduleService) CancelBatch(ids []int64, userID int64) (int64, error) {
	if !s.gate.CanPerform(userID, PermScheduleContent) {
		return 0, errors.Wrapf(ErrPermissionDenied, "user %d cannot cancel schedules", userID)
	}
	txStore, err := s.store.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin transaction")
	}
	n, err := txStore.CancelEvents(ids)
	if err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			s.logger.Errorf("Failed to rollback after error: %v (original error: %v)", rollbackErr, err)
		}
		return 0, errors.Wrap(err, "cancel events")
	}
	if err := txStore.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit cancellation")
	}
	s.logger.Infof("Cancelled %d of %d requested events for user %d", n, len(ids), userID)
	return n, nil
}

// GetBatchStatus returns all scheduled events for the given contents,
// grouped by content id.
func (s *ScheduleService) GetBatchStatus(contentIDs []int64) (map[int64][]models.ScheduledEvent, error) {
	events, err := s.store.ListEventsForContents(contentIDs)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	out := make(map[int64][]models.ScheduledEvent, len(contentIDs))
	for _, ev := range events {
		out[ev.ContentID] = append(out[ev.ContentID], ev)
	}
	return out, nil
}

// GetEvent fetches one scheduled event.
func (s *ScheduleService) GetEvent(id int64) (models.ScheduledEvent, error) {
	ev, err := s.store.GetScheduledEvent(id)
	if errors.Is(err, storage.ErrNotFound) {
		return models.ScheduledEvent{}, errors.Wrapf(ErrNotFound, "event %d", id)
	}
	return ev, err
}
