package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/service"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

func newEvaluator(store *storage.MockStore, content *fakeContent, perms *fakePerms, clock service.Clock) *service.ConditionEvaluator {
	gate := service.NewPermissionGate(perms, clock, testLogger{})
	conflicts := service.NewConflictDetector(store, testLogger{})
	return service.NewConditionEvaluator(gate, content, conflicts, clock, testLogger{})
}

func TestEvaluate_Passes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newClock(now)
	store := storage.NewMockStore()
	content := newContent()
	content.add(service.Content{ID: 1, Status: "draft", ContentType: "post"})
	perms := newPerms()
	perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	eval := newEvaluator(store, content, perms, clock).Evaluate(models.JSONMap{
		"publish_at": now.Add(2 * time.Hour).Format(time.RFC3339),
	}, 10, 1, nil)

	assert.True(t, eval.OK)
	assert.True(t, eval.Checks["permissions"])
	assert.True(t, eval.Checks["content_exists"])
	assert.True(t, eval.Checks["content_schedulable"])
	assert.True(t, eval.Checks["publish_at"])
	assert.True(t, eval.Checks["conflicts"])
	assert.Equal(t, now.Add(2*time.Hour).UTC().Format(time.RFC3339), eval.Details["publish_at"])
}

func TestEvaluate_MissingPermissionShortCircuits(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newClock(now)
	store := storage.NewMockStore()
	content := newContent()
	content.add(service.Content{ID: 1, Status: "draft"})
	perms := newPerms() // no grants

	eval := newEvaluator(store, content, perms, clock).Evaluate(models.JSONMap{
		"publish_at": now.Add(time.Hour).Format(time.RFC3339),
	}, 10, 1, nil)

	assert.False(t, eval.OK)
	assert.False(t, eval.Checks["permissions"])
	// Short-circuit: later checks never ran.
	_, ran := eval.Checks["content_exists"]
	assert.False(t, ran)
}

func TestEvaluate_NonDraftRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newClock(now)
	store := storage.NewMockStore()
	content := newContent()
	content.add(service.Content{ID: 1, Status: "published"})
	perms := newPerms()
	perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	eval := newEvaluator(store, content, perms, clock).Evaluate(models.JSONMap{
		"publish_at": now.Add(time.Hour).Format(time.RFC3339),
	}, 10, 1, nil)

	assert.False(t, eval.OK)
	assert.False(t, eval.Checks["content_schedulable"])
	assert.Contains(t, eval.Reason, "only drafts")
}

func TestEvaluate_PastPublishAtRejected(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newClock(now)
	store := storage.NewMockStore()
	content := newContent()
	content.add(service.Content{ID: 1, Status: "draft"})
	perms := newPerms()
	perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	evaluator := newEvaluator(store, content, perms, clock)

	past := evaluator.Evaluate(models.JSONMap{
		"publish_at": now.Add(-time.Minute).Format(time.RFC3339),
	}, 10, 1, nil)
	assert.False(t, past.OK)
	assert.False(t, past.Checks["publish_at"])

	// Exactly now is not strictly in the future either.
	exact := evaluator.Evaluate(models.JSONMap{
		"publish_at": now.Format(time.RFC3339),
	}, 10, 1, nil)
	assert.False(t, exact.OK)
}

func TestEvaluate_MissingAndMalformedPublishAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newClock(now)
	store := storage.NewMockStore()
	content := newContent()
	content.add(service.Content{ID: 1, Status: "draft"})
	perms := newPerms()
	perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	evaluator := newEvaluator(store, content, perms, clock)

	missing := evaluator.Evaluate(models.JSONMap{}, 10, 1, nil)
	assert.False(t, missing.OK)
	assert.Contains(t, missing.Reason, "missing publish_at")

	malformed := evaluator.Evaluate(models.JSONMap{"publish_at": "tomorrow"}, 10, 1, nil)
	assert.False(t, malformed.OK)
	assert.Contains(t, malformed.Reason, "does not parse")
}

func TestEvaluate_PredicateFailure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newClock(now)
	store := storage.NewMockStore()
	content := newContent()
	content.add(service.Content{ID: 1, Status: "draft"})
	perms := newPerms()
	perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	evaluator := newEvaluator(store, content, perms, clock)
	evaluator.AddPredicate(func(userID, contentID int64, conds models.JSONMap) (bool, string) {
		return false, "embargo active"
	})

	eval := evaluator.Evaluate(models.JSONMap{
		"publish_at": now.Add(time.Hour).Format(time.RFC3339),
	}, 10, 1, nil)
	assert.False(t, eval.OK)
	assert.Equal(t, "embargo active", eval.Reason)
	assert.False(t, eval.Checks["predicate_0"])
}

func TestEvaluate_ConflictsSurfaceInResult(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := newClock(now)
	store := storage.NewMockStore()
	content := newContent()
	content.add(service.Content{ID: 1, Status: "draft"})
	perms := newPerms()
	perms.grant(10, service.PermScheduleContent, service.PermPublishContent)

	seedEvent(t, store, models.ScheduledEvent{
		ContentID:   1,
		VersionID:   int64Ptr(3),
		ScheduledAt: now.Add(time.Hour),
		Status:      models.PendingEventStatus,
	})

	eval := newEvaluator(store, content, perms, clock).Evaluate(models.JSONMap{
		"publish_at": now.Add(90 * time.Minute).Format(time.RFC3339),
	}, 10, 1, int64Ptr(4))
	assert.False(t, eval.OK)
	assert.Len(t, eval.Conflicts, 1)
	assert.False(t, eval.Checks["conflicts"])
	assert.Equal(t, 1, eval.Details["conflict_count"])
}

func TestMatchContext(t *testing.T) {
	evaluator := newEvaluator(storage.NewMockStore(), newContent(), newPerms(), newClock(time.Now()))

	assert.True(t, evaluator.MatchContext(models.JSONMap{}, models.JSONMap{"anything": 1}))
	assert.True(t, evaluator.MatchContext(
		models.JSONMap{"content_type": "post"},
		models.JSONMap{"content_type": "post", "extra": true}))
	// Numeric values compare by stringified form, JSON decoding yields float64.
	assert.True(t, evaluator.MatchContext(
		models.JSONMap{"content_id": 5},
		models.JSONMap{"content_id": 5}))
	assert.False(t, evaluator.MatchContext(
		models.JSONMap{"content_type": "post"},
		models.JSONMap{"content_type": "page"}))
	assert.False(t, evaluator.MatchContext(
		models.JSONMap{"content_type": "post"},
		models.JSONMap{}))
}
