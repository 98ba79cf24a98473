package service

import (
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

// DefaultChunkSize is the number of items applied per chunk
// transaction in ProcessLargeBatch.
const DefaultChunkSize = 100

// BatchResult is the committed outcome of one batch (or one chunk of a
// large batch). Items holds exactly one entry per input item.
type BatchResult struct {
	BatchID string                   `json:"batch_id"`
	Items   []models.BatchItemResult `json:"items"`
}

// BatchOrchestrator applies N schedule requests with two-tier failure
// isolation: each item's error is caught and recorded without touching
// its siblings, while an orchestrator-level error rolls back the whole
// chunk. Per-item results are only returned once the chunk transaction
// has committed, so a returned success is a durable one.
type BatchOrchestrator struct {
	store     storage.Store
	scheduler *ScheduleService
	evaluator *ConditionEvaluator
	conflicts *ConflictDetector
	chunkSize int
	logger    Logger
}

func NewBatchOrchestrator(store storage.Store, scheduler *ScheduleService, evaluator *ConditionEvaluator, conflicts *ConflictDetector, logger Logger) *BatchOrchestrator {
	return &BatchOrchestrator{
		store:     store,
		scheduler: scheduler,
		evaluator: evaluator,
		conflicts: conflicts,
		chunkSize: DefaultChunkSize,
		logger:    logger,
	}
}

// ProcessBatch applies the items inside one chunk transaction and
// returns exactly len(items) results. An item failure is recorded in its
// result; a store failure aborts and rolls back the entire chunk.
func (b *BatchOrchestrator) ProcessBatch(items []models.BatchScheduleItem, userID int64) (BatchResult, error) {
	batchID := uuid.New().String()
	results := make([]models.BatchItemResult, 0, len(items))

	txStore, err := b.store.Begin()
	if err != nil {
		return BatchResult{}, errors.Wrap(err, "begin batch transaction")
	}

	for pos, item := range items {
		result := models.BatchItemResult{ContentID: item.ContentID}

		eval := b.evaluator.Evaluate(item.Conditions, userID, item.ContentID, item.VersionID)
		if !eval.OK {
			result.Success = false
			result.Error = eval.Reason
		} else {
			eventID, schedErr := b.scheduler.scheduleInTx(txStore, item, userID)
			if schedErr != nil {
				// A failed insert poisons the surrounding transaction;
				// this is an orchestrator-level failure, not an item one.
				if rollbackErr := txStore.Rollback(); rollbackErr != nil {
					b.logger.Errorf("Failed to rollback batch %s: %v (original error: %v)", batchID, rollbackErr, schedErr)
				}
				return BatchResult{}, errors.Wrapf(schedErr, "batch %s aborted at item %d", batchID, pos)
			}
			result.Success = true
			result.EventID = eventID
		}

		batchItem := models.BatchItem{
			BatchID:  batchID,
			Position: pos,
			Success:  result.Success,
			ErrorMsg: result.Error,
		}
		if result.Success {
			eventID := result.EventID
			batchItem.EventID = &eventID
		}
		if err := txStore.SaveBatchItem(batchItem); err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				b.logger.Errorf("Failed to rollback batch %s: %v (original error: %v)", batchID, rollbackErr, err)
			}
			return BatchResult{}, errors.Wrapf(err, "batch %s aborted saving membership at item %d", batchID, pos)
		}

		results = append(results, result)
	}

	if err := txStore.Commit(); err != nil {
		return BatchResult{}, errors.Wrapf(err, "commit batch %s", batchID)
	}

	b.logger.Infof("Processed batch %s: %d items", batchID, len(results))
	return BatchResult{BatchID: batchID, Items: results}, nil
}

// ProcessLargeBatch chunks the items into fixed-size groups, applies
// each chunk in its own transaction and concatenates the results. A
// chunk that aborts contributes failure results for its items; sibling
// chunks are unaffected.
func (b *BatchOrchestrator) ProcessLargeBatch(items []models.BatchScheduleItem, userID int64) ([]BatchResult, []models.BatchItemResult, error) {
	var batches []BatchResult
	var combined []models.BatchItemResult

	for start := 0; start < len(items); start += b.chunkSize {
		end := start + b.chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		res, err := b.ProcessBatch(chunk, userID)
		if err != nil {
			b.logger.Errorf("Chunk %d-%d aborted: %v", start, end, err)
			for _, item := range chunk {
				combined = append(combined, models.BatchItemResult{
					ContentID: item.ContentID,
					Success:   false,
					Error:     fmt.Sprintf("chunk aborted: %v", err),
				})
			}
			continue
		}
		batches = append(batches, res)
		combined = append(combined, res.Items...)
	}

	return batches, combined, nil
}

// CheckBatchConflicts runs conflict detection per item against one
// snapshot of existing events. Sibling items are not cross-checked
// against each other; each is judged only against what is already
// persisted.
func (b *BatchOrchestrator) CheckBatchConflicts(items []models.BatchScheduleItem) ([][]models.Conflict, error) {
	return b.conflicts.BatchCheckConflicts(items)
}

// GetBatchProgress computes progress from three independent counting
// queries against the batch-membership and event tables.
func (b *BatchOrchestrator) GetBatchProgress(batchID string) (models.BatchProgress, error) {
	total, err := b.store.CountBatchItems(batchID)
	if err != nil {
		return models.BatchProgress{}, errors.Wrap(err, "count batch items")
	}
	completed, err := b.store.CountBatchCompleted(batchID)
	if err != nil {
		return models.BatchProgress{}, errors.Wrap(err, "count completed items")
	}
	failed, err := b.store.CountBatchFailed(batchID)
	if err != nil {
		return models.BatchProgress{}, errors.Wrap(err, "count failed items")
	}

	percentage := 0
	if total > 0 {
		percentage = int(math.Round(float64(completed) / float64(total) * 100))
	}
	return models.BatchProgress{
		Progress:   completed,
		Total:      total,
		Failed:     failed,
		Percentage: percentage,
	}, nil
}
