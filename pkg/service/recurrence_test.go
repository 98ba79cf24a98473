package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/service"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

func TestCanonicalPattern_Defaults(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	daily, err := service.CanonicalPattern(service.RecurrenceParams{
		Type: models.DailyRecurrence, StartDate: start,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, daily.Interval)
	assert.Empty(t, daily.Days)

	weekly, err := service.CanonicalPattern(service.RecurrenceParams{
		Type: models.WeeklyRecurrence, StartDate: start,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, weekly.Interval)
	assert.Equal(t, []int{1}, weekly.Days)

	monthly, err := service.CanonicalPattern(service.RecurrenceParams{
		Type: models.MonthlyRecurrence, StartDate: start,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, monthly.DayOfMonth)

	yearly, err := service.CanonicalPattern(service.RecurrenceParams{
		Type: models.YearlyRecurrence, StartDate: start,
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, yearly.Month)
	assert.Equal(t, 1, yearly.DayOfMonth)
}

func TestCanonicalPattern_ExplicitValuesKept(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	pattern, err := service.CanonicalPattern(service.RecurrenceParams{
		Type:      models.WeeklyRecurrence,
		Interval:  2,
		Days:      []int{3, 5},
		StartDate: start,
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, pattern.Interval)
	assert.Equal(t, []int{3, 5}, pattern.Days)
}

func TestCanonicalPattern_UnknownType(t *testing.T) {
	_, err := service.CanonicalPattern(service.RecurrenceParams{Type: "hourly"})
	assert.Error(t, err)
}

func TestCanonicalPattern_DeterministicHash(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	a, err := service.CanonicalPattern(service.RecurrenceParams{
		Type: models.WeeklyRecurrence, Days: []int{5, 3}, StartDate: start,
	})
	assert.NoError(t, err)
	b, err := service.CanonicalPattern(service.RecurrenceParams{
		Type: models.WeeklyRecurrence, Days: []int{3, 5}, Interval: 1, StartDate: start,
	})
	assert.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())
}

type plannerFixture struct {
	store   *storage.MockStore
	content *fakeContent
	perms   *fakePerms
	planner *service.RecurrencePlanner
}

func newPlannerFixture(now time.Time, allowedTypes []string) *plannerFixture {
	store := storage.NewMockStore()
	content := newContent()
	perms := newPerms()
	clock := newClock(now)
	gate := service.NewPermissionGate(perms, clock, testLogger{})
	conflicts := service.NewConflictDetector(store, testLogger{})
	return &plannerFixture{
		store:   store,
		content: content,
		perms:   perms,
		planner: service.NewRecurrencePlanner(store, gate, conflicts, content, allowedTypes, clock, testLogger{}),
	}
}

func TestCreateRecurrence_Success(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newPlannerFixture(now, []string{"post"})
	fx.content.add(service.Content{ID: 1, Status: "draft", ContentType: "post"})
	fx.perms.grant(10, service.PermScheduleContent)

	result, err := fx.planner.CreateRecurrence(service.RecurrenceParams{
		ContentID: 1,
		UserID:    10,
		Type:      models.WeeklyRecurrence,
		StartDate: now.Add(24 * time.Hour),
	})
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.Hash)
	assert.Equal(t, []int{1}, result.Pattern.Days)

	ev, err := fx.store.GetScheduledEvent(result.EventID)
	assert.NoError(t, err)
	assert.Equal(t, result.Hash, ev.VersionHash)
	assert.NotNil(t, ev.Pattern)
	assert.Equal(t, models.PendingEventStatus, ev.Status)

	// Version history was recorded against the content.
	assert.Equal(t, []string{result.Hash}, fx.content.versions[1])
}

func TestCreateRecurrence_DisallowedContentType(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newPlannerFixture(now, []string{"post"})
	fx.content.add(service.Content{ID: 1, Status: "draft", ContentType: "snippet"})
	fx.perms.grant(10, service.PermScheduleContent)

	result, err := fx.planner.CreateRecurrence(service.RecurrenceParams{
		ContentID: 1, UserID: 10, Type: models.DailyRecurrence, StartDate: now,
	})
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "not allowed")
}

func TestCreateRecurrence_OverlapRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newPlannerFixture(now, nil)
	fx.content.add(service.Content{ID: 1, Status: "draft", ContentType: "post"})
	fx.perms.grant(10, service.PermScheduleContent)

	end := now.Add(30 * 24 * time.Hour)
	seedEvent(t, fx.store, models.ScheduledEvent{
		ContentID:   1,
		ScheduledAt: now,
		Status:      models.PendingEventStatus,
		Pattern: &models.RecurrencePattern{
			Type: models.DailyRecurrence, Interval: 1, StartDate: now, EndDate: &end,
		},
	})

	result, err := fx.planner.CreateRecurrence(service.RecurrenceParams{
		ContentID: 1, UserID: 10, Type: models.DailyRecurrence,
		StartDate: now.Add(10 * 24 * time.Hour),
	})
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Len(t, result.Conflicts, 1)
}

func TestCreateRecurrence_PermissionDenied(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fx := newPlannerFixture(now, nil)

	result, err := fx.planner.CreateRecurrence(service.RecurrenceParams{
		ContentID: 1, UserID: 99, Type: models.DailyRecurrence, StartDate: now,
	})
	assert.NoError(t, err)
	assert.False(t, result.Success)
}
