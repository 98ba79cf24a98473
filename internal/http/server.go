package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/youpolonia/cms-sub031/internal/log"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/service"
)

// Services bundles the handlers' dependencies so callers wire the mux
// once.
type Services struct {
	Scheduler   *service.ScheduleService
	Batches     *service.BatchOrchestrator
	Queue       *service.JobQueue
	Recurrences *service.RecurrencePlanner
	Workflows   *service.WorkflowExecutor
}

func StartServer(port string, svcs Services) error {
	mux := NewMux(svcs)
	log.GetLogger().Infof("Starting schedcore server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func NewMux(svcs Services) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/schedules", SchedulesHandler(svcs.Scheduler))
	mux.HandleFunc("/schedules/", ScheduleByIDHandler(svcs.Scheduler))
	mux.HandleFunc("/batches", BatchesHandler(svcs.Batches))
	mux.HandleFunc("/batches/", BatchProgressHandler(svcs.Batches))
	mux.HandleFunc("/scaling", ScalingHandler(svcs.Queue))
	mux.HandleFunc("/workers", WorkersHandler(svcs.Queue))
	mux.HandleFunc("/recurrences", RecurrencesHandler(svcs.Recurrences))
	mux.HandleFunc("/workflows/", WorkflowsHandler(svcs.Workflows))
	return mux
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "schedcore server is running")
}

type scheduleRequest struct {
	ContentID   int64          `json:"content_id"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	UserID      int64          `json:"user_id"`
	Conditions  models.JSONMap `json:"conditions,omitempty"`
}

// SchedulesHandler creates a scheduled event on POST and lists events
// for the given content ids on GET.
func SchedulesHandler(svc *service.ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			createScheduleHTTP(w, r, svc)
		case http.MethodGet:
			listSchedulesHTTP(w, r, svc)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func createScheduleHTTP(w http.ResponseWriter, r *http.Request, svc *service.ScheduleService) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.GetLogger().Errorf("Invalid schedule payload: %v", err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if req.ContentID == 0 {
		http.Error(w, "Missing 'content_id'", http.StatusBadRequest)
		return
	}

	result, err := svc.ScheduleContent(req.ContentID, req.ScheduledAt, req.UserID, req.Conditions)
	if err != nil {
		log.GetLogger().Errorf("Failed to schedule content %d: %v", req.ContentID, err)
		http.Error(w, fmt.Sprintf("Failed to schedule content: %v", err), http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func listSchedulesHTTP(w http.ResponseWriter, r *http.Request, svc *service.ScheduleService) {
	ids, err := parseIDList(r.URL.Query().Get("content_ids"))
	if err != nil {
		http.Error(w, "Invalid 'content_ids' parameter", http.StatusBadRequest)
		return
	}
	byContent, err := svc.GetBatchStatus(ids)
	if err != nil {
		log.GetLogger().Errorf("Failed to list schedules: %v", err)
		http.Error(w, fmt.Sprintf("Failed to list schedules: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, byContent)
}

// ScheduleByIDHandler serves GET /schedules/{id} and DELETE
// /schedules/{id} (cancel).
func ScheduleByIDHandler(svc *service.ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		idStr := strings.TrimPrefix(r.URL.Path, "/schedules/")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			http.Error(w, "Invalid schedule ID", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			getScheduleHTTP(w, r, svc, id)
		case http.MethodDelete:
			cancelScheduleHTTP(w, r, svc, id)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func getScheduleHTTP(w http.ResponseWriter, r *http.Request, svc *service.ScheduleService, id int64) {
	_ = r
	ev, err := svc.GetEvent(id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			http.Error(w, fmt.Sprintf("Schedule %d not found", id), http.StatusNotFound)
			return
		}
		log.GetLogger().Errorf("Failed to get schedule %d: %v", id, err)
		http.Error(w, fmt.Sprintf("Failed to get schedule: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func cancelScheduleHTTP(w http.ResponseWriter, r *http.Request, svc *service.ScheduleService, id int64) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		http.Error(w, "Missing or invalid 'user_id' parameter", http.StatusBadRequest)
		return
	}
	cancelled, err := svc.CancelBatch([]int64{id}, userID)
	if err != nil {
		if errors.Is(err, service.ErrPermissionDenied) {
			http.Error(w, "Permission denied", http.StatusForbidden)
			return
		}
		log.GetLogger().Errorf("Failed to cancel schedule %d: %v", id, err)
		http.Error(w, fmt.Sprintf("Failed to cancel schedule: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": cancelled})
}

type batchRequest struct {
	Items  []models.BatchScheduleItem `json:"items"`
	UserID int64                      `json:"user_id"`
}

// BatchesHandler schedules a batch of items in one request.
func BatchesHandler(svc *service.BatchOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req batchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.GetLogger().Errorf("Invalid batch payload: %v", err)
			http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
			return
		}
		if len(req.Items) == 0 {
			http.Error(w, "Missing 'items'", http.StatusBadRequest)
			return
		}
		result, err := svc.ProcessBatch(req.Items, req.UserID)
		if err != nil {
			log.GetLogger().Errorf("Failed to process batch: %v", err)
			http.Error(w, fmt.Sprintf("Failed to process batch: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// BatchProgressHandler serves GET /batches/{id}/progress.
func BatchProgressHandler(svc *service.BatchOrchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/batches/")
		if !strings.HasSuffix(rest, "/progress") {
			http.Error(w, "Invalid batch path", http.StatusBadRequest)
			return
		}
		batchID := strings.TrimSuffix(rest, "/progress")
		if batchID == "" {
			http.Error(w, "Missing batch ID", http.StatusBadRequest)
			return
		}
		progress, err := svc.GetBatchProgress(batchID)
		if err != nil {
			log.GetLogger().Errorf("Failed to get batch progress for %s: %v", batchID, err)
			http.Error(w, fmt.Sprintf("Failed to get batch progress: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, progress)
	}
}

// ScalingHandler reports the advisory scaling recommendation from the
// rolling worker metrics window.
func ScalingHandler(queue *service.JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		recs, err := queue.EvaluateScaling()
		if err != nil {
			log.GetLogger().Errorf("Failed to evaluate scaling: %v", err)
			http.Error(w, fmt.Sprintf("Failed to evaluate scaling: %v", err), http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"recommendations": recs})
	}
}

// WorkersHandler lists registered workers and their statuses.
func WorkersHandler(queue *service.JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		workers, err := queue.ListWorkers()
		if err != nil {
			log.GetLogger().Errorf("Failed to list workers: %v", err)
			http.Error(w, fmt.Sprintf("Failed to list workers: %v", err), http.StatusInternalServerError)
			return
		}
		if workers == nil {
			workers = []models.Worker{}
		}
		writeJSON(w, http.StatusOK, workers)
	}
}

type recurrenceRequest struct {
	ContentID  int64      `json:"content_id"`
	UserID     int64      `json:"user_id"`
	Type       string     `json:"type"`
	Interval   int        `json:"interval,omitempty"`
	Days       []int      `json:"days,omitempty"`
	DayOfMonth int        `json:"day_of_month,omitempty"`
	Month      int        `json:"month,omitempty"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty"`
}

// RecurrencesHandler creates a recurring schedule on POST.
func RecurrencesHandler(svc *service.RecurrencePlanner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req recurrenceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.GetLogger().Errorf("Invalid recurrence payload: %v", err)
			http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
			return
		}
		if req.ContentID == 0 {
			http.Error(w, "Missing 'content_id'", http.StatusBadRequest)
			return
		}
		result, err := svc.CreateRecurrence(service.RecurrenceParams{
			ContentID:  req.ContentID,
			UserID:     req.UserID,
			Type:       models.RecurrenceType(req.Type),
			Interval:   req.Interval,
			Days:       req.Days,
			DayOfMonth: req.DayOfMonth,
			Month:      req.Month,
			StartDate:  req.StartDate,
			EndDate:    req.EndDate,
		})
		if err != nil {
			if errors.Is(err, service.ErrValidationFailed) {
				http.Error(w, fmt.Sprintf("Invalid recurrence: %v", err), http.StatusUnprocessableEntity)
				return
			}
			log.GetLogger().Errorf("Failed to create recurrence for content %d: %v", req.ContentID, err)
			http.Error(w, fmt.Sprintf("Failed to create recurrence: %v", err), http.StatusInternalServerError)
			return
		}
		status := http.StatusOK
		if !result.Success {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, result)
	}
}

// WorkflowsHandler serves POST /workflows/{id}/execute.
func WorkflowsHandler(svc *service.WorkflowExecutor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/workflows/")
		if !strings.HasSuffix(rest, "/execute") {
			http.Error(w, "Invalid workflow path", http.StatusBadRequest)
			return
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(rest, "/execute"), 10, 64)
		if err != nil {
			http.Error(w, "Invalid workflow ID", http.StatusBadRequest)
			return
		}
		var ctx models.JSONMap
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&ctx); err != nil && err != io.EOF {
				http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
				return
			}
		}
		execution, err := svc.ExecuteWorkflow(id, ctx)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrNotFound):
				http.Error(w, fmt.Sprintf("Workflow %d not found", id), http.StatusNotFound)
			case errors.Is(err, service.ErrValidationFailed):
				http.Error(w, fmt.Sprintf("Workflow %d not executable: %v", id, err), http.StatusUnprocessableEntity)
			case errors.Is(err, service.ErrConflictDetected):
				http.Error(w, fmt.Sprintf("Workflow %d conflicts: %v", id, err), http.StatusConflict)
			default:
				log.GetLogger().Errorf("Failed to execute workflow %d: %v", id, err)
				http.Error(w, fmt.Sprintf("Failed to execute workflow: %v", err), http.StatusInternalServerError)
			}
			return
		}
		writeJSON(w, http.StatusOK, execution)
	}
}

func parseIDList(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
