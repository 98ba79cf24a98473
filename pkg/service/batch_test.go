package service_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/service"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

type batchFixture struct {
	store        *storage.MockStore
	content      *fakeContent
	perms        *fakePerms
	clock        *fixedClock
	orchestrator *service.BatchOrchestrator
}

func newBatchFixture(now time.Time) *batchFixture {
	store := storage.NewMockStore()
	content := newContent()
	perms := newPerms()
	clock := newClock(now)
	gate := service.NewPermissionGate(perms, clock, testLogger{})
	conflicts := service.NewConflictDetector(store, testLogger{})
	evaluator := service.NewConditionEvaluator(gate, content, conflicts, clock, testLogger{})
	scheduler := service.NewScheduleService(store, gate, evaluator, conflicts, clock, testLogger{})
	return &batchFixture{
		store:        store,
		content:      content,
		perms:        perms,
		clock:        clock,
		orchestrator: service.NewBatchOrchestrator(store, scheduler, evaluator, conflicts, testLogger{}),
	}
}

func batchItems(now time.Time, contentIDs ...int64) []models.BatchScheduleItem {
	items := make([]models.BatchScheduleItem, len(contentIDs))
	for i, id := range contentIDs {
		at := now.Add(time.Duration(24+i) * time.Hour)
		items[i] = models.BatchScheduleItem{
			ContentID:   id,
			ScheduledAt: at,
			Conditions:  models.JSONMap{"publish_at": at.Format(time.RFC3339)},
		}
	}
	return items
}

func TestProcessBatch_AllSucceed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newBatchFixture(now)
	fx.perms.grant(10, service.PermScheduleContent, service.PermPublishContent)
	for id := int64(1); id <= 3; id++ {
		fx.content.add(service.Content{ID: id, Status: "draft"})
	}

	result, err := fx.orchestrator.ProcessBatch(batchItems(now, 1, 2, 3), 10)
	assert.NoError(t, err)
	assert.NotEmpty(t, result.BatchID)
	assert.Len(t, result.Items, 3)
	for _, item := range result.Items {
		assert.True(t, item.Success)
		assert.NotZero(t, item.EventID)
	}
}

func TestProcessBatch_MiddleItemFailureIsolated(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newBatchFixture(now)
	fx.perms.grant(10, service.PermScheduleContent, service.PermPublishContent)
	fx.content.add(service.Content{ID: 1, Status: "draft"})
	fx.content.add(service.Content{ID: 2, Status: "published"}) // not schedulable
	fx.content.add(service.Content{ID: 3, Status: "draft"})

	result, err := fx.orchestrator.ProcessBatch(batchItems(now, 1, 2, 3), 10)
	assert.NoError(t, err)
	assert.Len(t, result.Items, 3)
	assert.True(t, result.Items[0].Success)
	assert.False(t, result.Items[1].Success)
	assert.NotEmpty(t, result.Items[1].Error)
	assert.True(t, result.Items[2].Success)
}

func TestProcessLargeBatch_Chunks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newBatchFixture(now)
	fx.perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	var items []models.BatchScheduleItem
	for id := int64(1); id <= 250; id++ {
		fx.content.add(service.Content{ID: id, Status: "draft"})
		at := now.Add(24 * time.Hour).Add(time.Duration(id) * 2 * time.Hour)
		items = append(items, models.BatchScheduleItem{
			ContentID:   id,
			ScheduledAt: at,
			Conditions:  models.JSONMap{"publish_at": at.Format(time.RFC3339)},
		})
	}

	batches, combined, err := fx.orchestrator.ProcessLargeBatch(items, 10)
	assert.NoError(t, err)
	assert.Len(t, batches, 3) // 100 + 100 + 50
	assert.Len(t, combined, 250)
	assert.Len(t, batches[2].Items, 50)
	for _, item := range combined {
		assert.True(t, item.Success, fmt.Sprintf("content %d", item.ContentID))
	}
}

func TestGetBatchProgress(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newBatchFixture(now)
	fx.perms.grant(10, service.PermScheduleContent, service.PermPublishContent)
	for id := int64(1); id <= 4; id++ {
		fx.content.add(service.Content{ID: id, Status: "draft"})
	}

	result, err := fx.orchestrator.ProcessBatch(batchItems(now, 1, 2, 3, 4), 10)
	assert.NoError(t, err)

	// Nothing published yet.
	progress, err := fx.orchestrator.GetBatchProgress(result.BatchID)
	assert.NoError(t, err)
	assert.Equal(t, 4, progress.Total)
	assert.Equal(t, 0, progress.Progress)
	assert.Equal(t, 0, progress.Percentage)

	// One event published, one failed.
	processedAt := now.Add(25 * time.Hour)
	assert.NoError(t, fx.store.UpdateEventStatus(result.Items[0].EventID, models.PublishedEventStatus, "", &processedAt))
	assert.NoError(t, fx.store.UpdateEventStatus(result.Items[1].EventID, models.FailedEventStatus, "boom", &processedAt))

	progress, err = fx.orchestrator.GetBatchProgress(result.BatchID)
	assert.NoError(t, err)
	assert.Equal(t, 1, progress.Progress)
	assert.Equal(t, 1, progress.Failed)
	assert.Equal(t, 25, progress.Percentage)
}

func TestGetBatchProgress_UnknownBatch(t *testing.T) {
	fx := newBatchFixture(time.Now())
	progress, err := fx.orchestrator.GetBatchProgress("no-such-batch")
	assert.NoError(t, err)
	assert.Equal(t, models.BatchProgress{}, progress)
}

func TestCheckBatchConflicts_Delegates(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newBatchFixture(now)

	seedEvent(t, fx.store, models.ScheduledEvent{
		ContentID:   1,
		VersionID:   int64Ptr(2),
		ScheduledAt: now.Add(time.Hour),
		Status:      models.PendingEventStatus,
	})

	results, err := fx.orchestrator.CheckBatchConflicts([]models.BatchScheduleItem{
		{ContentID: 1, VersionID: int64Ptr(3), ScheduledAt: now.Add(80 * time.Minute)},
		{ContentID: 9, ScheduledAt: now.Add(80 * time.Minute)},
	})
	assert.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Len(t, results[0], 1)
	assert.Empty(t, results[1])
}
