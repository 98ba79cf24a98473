package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	internal_http "github.com/youpolonia/cms-sub031/internal/http"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/service"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

type noopLogger struct{}

func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

type staticContent map[int64]service.Content

func (s staticContent) GetContent(id int64) (service.Content, error) {
	c, ok := s[id]
	if !ok {
		return service.Content{}, fmt.Errorf("no content %d", id)
	}
	return c, nil
}
func (s staticContent) PublishContent(id int64) error                { return nil }
func (s staticContent) ActivateVersion(contentID, versionID int64) error { return nil }
func (s staticContent) RecordVersion(contentID int64, versionHash, note string) error {
	return nil
}

type allowAll struct{}

func (allowAll) HasPermission(userID int64, permission string) (bool, error) { return true, nil }

func newTestServer(store *storage.MockStore, content staticContent) *httptest.Server {
	logger := noopLogger{}
	clock := service.SystemClock()
	gate := service.NewPermissionGate(allowAll{}, clock, logger)
	conflicts := service.NewConflictDetector(store, logger)
	evaluator := service.NewConditionEvaluator(gate, content, conflicts, clock, logger)
	scheduler := service.NewScheduleService(store, gate, evaluator, conflicts, clock, logger)
	batches := service.NewBatchOrchestrator(store, scheduler, evaluator, conflicts, logger)
	queue := service.NewJobQueue(store, content, clock, logger)
	webhooks := service.NewWebhookClient("test-secret", logger)
	recurrences := service.NewRecurrencePlanner(store, gate, conflicts, content, nil, clock, logger)
	workflows := service.NewWorkflowExecutor(store, evaluator, content, webhooks, scheduler, clock, logger)
	mux := internal_http.NewMux(internal_http.Services{
		Scheduler:   scheduler,
		Batches:     batches,
		Queue:       queue,
		Recurrences: recurrences,
		Workflows:   workflows,
	})
	return httptest.NewServer(mux)
}

func TestServer(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		srv := newTestServer(storage.NewMockStore(), staticContent{})
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/health")
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Equal(t, "schedcore server is running", string(body))
	})

	t.Run("CreateSchedule", func(t *testing.T) {
		store := storage.NewMockStore()
		srv := newTestServer(store, staticContent{1: {ID: 1, Status: "draft"}})
		defer srv.Close()

		payload, _ := json.Marshal(map[string]interface{}{
			"content_id":   1,
			"scheduled_at": time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339),
			"user_id":      10,
		})
		resp, err := srv.Client().Post(srv.URL+"/schedules", "application/json", bytes.NewReader(payload))
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var result service.ScheduleResult
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.True(t, result.Success)
		assert.NotZero(t, result.EventID)
	})

	t.Run("CreateScheduleRejected", func(t *testing.T) {
		store := storage.NewMockStore()
		srv := newTestServer(store, staticContent{1: {ID: 1, Status: "published"}})
		defer srv.Close()

		payload, _ := json.Marshal(map[string]interface{}{
			"content_id":   1,
			"scheduled_at": time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339),
			"user_id":      10,
		})
		resp, err := srv.Client().Post(srv.URL+"/schedules", "application/json", bytes.NewReader(payload))
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		var result service.ScheduleResult
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.False(t, result.Success)
		assert.NotEmpty(t, result.Message)
	})

	t.Run("CreateScheduleMissingContentID", func(t *testing.T) {
		srv := newTestServer(storage.NewMockStore(), staticContent{})
		defer srv.Close()

		resp, err := srv.Client().Post(srv.URL+"/schedules", "application/json", bytes.NewReader([]byte(`{}`)))
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("GetScheduleNotFound", func(t *testing.T) {
		srv := newTestServer(storage.NewMockStore(), staticContent{})
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/schedules/999")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("CancelSchedule", func(t *testing.T) {
		store := storage.NewMockStore()
		id, err := store.SaveScheduledEvent(models.ScheduledEvent{
			ContentID: 1, ScheduledAt: time.Now().Add(time.Hour), Status: models.PendingEventStatus,
		})
		assert.NoError(t, err)
		srv := newTestServer(store, staticContent{})
		defer srv.Close()

		req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/schedules/%d?user_id=10", srv.URL, id), nil)
		assert.NoError(t, err)
		resp, err := srv.Client().Do(req)
		assert.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		ev, err := store.GetScheduledEvent(id)
		assert.NoError(t, err)
		assert.Equal(t, models.CancelledEventStatus, ev.Status)
	})

	t.Run("BatchAndProgress", func(t *testing.T) {
		store := storage.NewMockStore()
		srv := newTestServer(store, staticContent{
			1: {ID: 1, Status: "draft"},
			2: {ID: 2, Status: "draft"},
		})
		defer srv.Close()

		at := time.Now().Add(3 * time.Hour).UTC().Format(time.RFC3339)
		payload, _ := json.Marshal(map[string]interface{}{
			"user_id": 10,
			"items": []map[string]interface{}{
				{"content_id": 1, "scheduled_at": at, "conditions": map[string]interface{}{"publish_at": at}},
				{"content_id": 2, "scheduled_at": at, "conditions": map[string]interface{}{"publish_at": at}},
			},
		})
		resp, err := srv.Client().Post(srv.URL+"/batches", "application/json", bytes.NewReader(payload))
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result service.BatchResult
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.Len(t, result.Items, 2)

		progResp, err := srv.Client().Get(srv.URL + "/batches/" + result.BatchID + "/progress")
		assert.NoError(t, err)
		defer progResp.Body.Close()
		assert.Equal(t, http.StatusOK, progResp.StatusCode)

		var progress models.BatchProgress
		assert.NoError(t, json.NewDecoder(progResp.Body).Decode(&progress))
		assert.Equal(t, 2, progress.Total)
	})

	t.Run("ScalingRecommendation", func(t *testing.T) {
		store := storage.NewMockStore()
		assert.NoError(t, store.SaveWorkerMetric(models.WorkerMetric{
			WorkerID: "w1", CPUPct: 95, MemPct: 50, SampledAt: time.Now(),
		}))
		srv := newTestServer(store, staticContent{})
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/scaling")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string][]string
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, []string{"scale_up"}, body["recommendations"])
	})

	t.Run("ListWorkers", func(t *testing.T) {
		store := storage.NewMockStore()
		assert.NoError(t, store.UpsertWorker(models.Worker{
			ID: "w1", Status: models.IdleWorkerStatus, LastSeen: time.Now(),
		}))
		srv := newTestServer(store, staticContent{})
		defer srv.Close()

		resp, err := srv.Client().Get(srv.URL + "/workers")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var workers []models.Worker
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&workers))
		assert.Len(t, workers, 1)
		assert.Equal(t, "w1", workers[0].ID)
	})

	t.Run("CreateRecurrence", func(t *testing.T) {
		store := storage.NewMockStore()
		srv := newTestServer(store, staticContent{1: {ID: 1, Status: "draft", ContentType: "post"}})
		defer srv.Close()

		payload, _ := json.Marshal(map[string]interface{}{
			"content_id": 1,
			"user_id":    10,
			"type":       "weekly",
			"days":       []int{1, 3},
			"start_date": time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		})
		resp, err := srv.Client().Post(srv.URL+"/recurrences", "application/json", bytes.NewReader(payload))
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var result service.RecurrenceResult
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
		assert.True(t, result.Success)
		assert.Len(t, result.Hash, 64)
	})

	t.Run("CreateRecurrenceUnknownType", func(t *testing.T) {
		srv := newTestServer(storage.NewMockStore(), staticContent{1: {ID: 1, Status: "draft"}})
		defer srv.Close()

		payload, _ := json.Marshal(map[string]interface{}{
			"content_id": 1,
			"user_id":    10,
			"type":       "fortnightly",
			"start_date": time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		})
		resp, err := srv.Client().Post(srv.URL+"/recurrences", "application/json", bytes.NewReader(payload))
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	})

	t.Run("ExecuteWorkflow", func(t *testing.T) {
		store := storage.NewMockStore()
		store.SeedWorkflow(models.Workflow{ID: 5, Name: "publish", Enabled: true}, nil, []models.WorkflowAction{
			{ID: 1, WorkflowID: 5, ActionType: models.ContentPublishAction, ExecutionOrder: 1},
		})
		srv := newTestServer(store, staticContent{7: {ID: 7, Status: "draft"}})
		defer srv.Close()

		payload, _ := json.Marshal(map[string]interface{}{"content_id": 7})
		resp, err := srv.Client().Post(srv.URL+"/workflows/5/execute", "application/json", bytes.NewReader(payload))
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var exec models.WorkflowExecution
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(&exec))
		assert.Equal(t, models.CompletedExecutionStatus, exec.Status)
	})

	t.Run("ExecuteWorkflowNotFound", func(t *testing.T) {
		srv := newTestServer(storage.NewMockStore(), staticContent{})
		defer srv.Close()

		resp, err := srv.Client().Post(srv.URL+"/workflows/99/execute", "application/json", bytes.NewReader([]byte(`{}`)))
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}
