package service_test

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/service"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

type schedulerFixture struct {
	store     *storage.MockStore
	content   *fakeContent
	perms     *fakePerms
	clock     *fixedClock
	scheduler *service.ScheduleService
}

func newSchedulerFixture(now time.Time) *schedulerFixture {
	store := storage.NewMockStore()
	content := newContent()
	perms := newPerms()
	clock := newClock(now)
	gate := service.NewPermissionGate(perms, clock, testLogger{})
	conflicts := service.NewConflictDetector(store, testLogger{})
	evaluator := service.NewConditionEvaluator(gate, content, conflicts, clock, testLogger{})
	return &schedulerFixture{
		store:     store,
		content:   content,
		perms:     perms,
		clock:     clock,
		scheduler: service.NewScheduleService(store, gate, evaluator, conflicts, clock, testLogger{}),
	}
}

func TestScheduleContent_Success(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newSchedulerFixture(now)
	fx.content.add(service.Content{ID: 1, Status: "draft"})
	fx.perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	result, err := fx.scheduler.ScheduleContent(1, now.Add(2*time.Hour), 10, nil)
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotZero(t, result.EventID)

	ev, err := fx.scheduler.GetEvent(result.EventID)
	assert.NoError(t, err)
	assert.Equal(t, models.PendingEventStatus, ev.Status)
	assert.Equal(t, int64(10), ev.CreatedBy)
	assert.Equal(t, now.Add(2*time.Hour), ev.ScheduledAt)
}

func TestScheduleContent_ValidationFailureIsStructured(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newSchedulerFixture(now)
	fx.content.add(service.Content{ID: 1, Status: "published"})
	fx.perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	result, err := fx.scheduler.ScheduleContent(1, now.Add(2*time.Hour), 10, nil)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Message)
	assert.Zero(t, result.EventID)
}

func TestScheduleContent_ConflictRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newSchedulerFixture(now)
	fx.content.add(service.Content{ID: 1, Status: "draft"})
	fx.perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	seedEvent(t, fx.store, models.ScheduledEvent{
		ContentID:   1,
		VersionID:   int64Ptr(2),
		ScheduledAt: now.Add(2 * time.Hour),
		Status:      models.PendingEventStatus,
	})

	result, err := fx.scheduler.ScheduleContent(1, now.Add(150*time.Minute), 10, nil)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Len(t, result.Conflicts, 1)
}

func TestScheduleWithVersion_SkipsGating(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newSchedulerFixture(now)
	// No permissions granted, no content registered.

	result, err := fx.scheduler.ScheduleWithVersion(5, 3, now.Add(time.Hour))
	assert.NoError(t, err)
	assert.True(t, result.Success)

	ev, err := fx.scheduler.GetEvent(result.EventID)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), *ev.VersionID)
}

func TestCancelBatch_PermissionDenied(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newSchedulerFixture(now)

	_, err := fx.scheduler.CancelBatch([]int64{1}, 99)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrPermissionDenied))
}

func TestCancelBatch_TerminalEventsUntouched(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newSchedulerFixture(now)
	fx.perms.grant(10, service.PermScheduleContent)

	pending := seedEvent(t, fx.store, models.ScheduledEvent{
		ContentID: 1, ScheduledAt: now.Add(time.Hour), Status: models.PendingEventStatus,
	})
	published := seedEvent(t, fx.store, models.ScheduledEvent{
		ContentID: 2, ScheduledAt: now.Add(time.Hour), Status: models.PublishedEventStatus,
	})

	n, err := fx.scheduler.CancelBatch([]int64{pending, published, 9999}, 10)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ev, err := fx.scheduler.GetEvent(published)
	assert.NoError(t, err)
	assert.Equal(t, models.PublishedEventStatus, ev.Status)

	cancelled, err := fx.scheduler.GetEvent(pending)
	assert.NoError(t, err)
	assert.Equal(t, models.CancelledEventStatus, cancelled.Status)
}

func TestGetBatchStatus_GroupsByContent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newSchedulerFixture(now)

	seedEvent(t, fx.store, models.ScheduledEvent{ContentID: 1, ScheduledAt: now, Status: models.PendingEventStatus})
	seedEvent(t, fx.store, models.ScheduledEvent{ContentID: 1, ScheduledAt: now.Add(time.Hour), Status: models.PublishedEventStatus})
	seedEvent(t, fx.store, models.ScheduledEvent{ContentID: 2, ScheduledAt: now, Status: models.PendingEventStatus})
	seedEvent(t, fx.store, models.ScheduledEvent{ContentID: 3, ScheduledAt: now, Status: models.PendingEventStatus})

	byContent, err := fx.scheduler.GetBatchStatus([]int64{1, 2})
	assert.NoError(t, err)
	assert.Len(t, byContent, 2)
	assert.Len(t, byContent[1], 2)
	assert.Len(t, byContent[2], 1)
}

func TestGetEvent_NotFound(t *testing.T) {
	fx := newSchedulerFixture(time.Now())
	_, err := fx.scheduler.GetEvent(123)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrNotFound))
}
