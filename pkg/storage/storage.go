package storage

import (
	"time"

	"github.com/pkg/errors"
	"github.com/youpolonia/cms-sub031/pkg/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert violates a uniqueness
// constraint, such as the one-running-execution-per-workflow index.
var ErrDuplicate = errors.New("duplicate row")

// Store defines the persistence operations of the scheduling core. Begin
// returns a transactional view with the same surface; every multi-row
// mutation that must be atomic (lease, batch chunk, recurrence creation)
// runs against such a view and is committed or rolled back as a whole.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Scheduled events
	SaveScheduledEvent(ev models.ScheduledEvent) (int64, error)
	GetScheduledEvent(id int64) (models.ScheduledEvent, error)
	ListActiveEvents(contentID int64) ([]models.ScheduledEvent, error)
	ListEventsForContents(contentIDs []int64) ([]models.ScheduledEvent, error)
	ClaimDueEvents(now time.Time, limit int) ([]models.ScheduledEvent, error)
	UpdateEventStatus(id int64, status models.EventStatus, errMsg string, processedAt *time.Time) error
	CancelEvents(ids []int64) (int64, error)

	// Batch membership
	SaveBatchItem(item models.BatchItem) error
	CountBatchItems(batchID string) (int, error)
	CountBatchCompleted(batchID string) (int, error)
	CountBatchFailed(batchID string) (int, error)

	// Workers and jobs
	UpsertWorker(w models.Worker) error
	GetWorker(id string) (models.Worker, error)
	UpdateWorkerStatus(id string, status models.WorkerStatus) error
	TouchWorker(id string, at time.Time) error
	ListWorkers() ([]models.Worker, error)
	ListStaleWorkers(cutoff time.Time) ([]models.Worker, error)
	StopWorkers(ids []string) (int64, error)
	SaveJob(j models.WorkerJob) error
	GetJob(id string) (models.WorkerJob, error)
	LeaseNextJob(workerID string, now time.Time) (*models.WorkerJob, error)
	UpdateJobHeartbeat(workerID string, at time.Time) error
	CompleteJob(id, output string, at time.Time) error
	RequeueJob(id, errMsg string) error
	FailJob(id, errMsg string, at time.Time) error
	ListStaleJobs(cutoff time.Time) ([]models.WorkerJob, error)

	// Worker metrics
	SaveWorkerMetric(m models.WorkerMetric) error
	AvgWorkerMetrics(since time.Time) (cpu float64, mem float64, err error)

	// Workflows
	GetWorkflow(id int64) (models.Workflow, error)
	ListTriggers(triggerType string) ([]models.WorkflowTrigger, error)
	ListActions(workflowID int64) ([]models.WorkflowAction, error)
	GetRunningExecution(workflowID int64) (*models.WorkflowExecution, error)
	SaveExecution(e models.WorkflowExecution) error
	UpdateExecutionStatus(id string, status models.ExecutionStatus, errMsg string, completedAt *time.Time) error
	ListRunningExecutionsBelow(priority int) ([]models.WorkflowExecution, error)
	SaveResourceLock(l models.ResourceLock) error
	DeleteActionLocks(workflowID, actionID int64) error
	GetActiveResourceLock(resourceID string, now time.Time) (*models.ResourceLock, error)
	SaveWorkflowError(e models.WorkflowError) error
	EnqueueWorkflow(q models.QueuedWorkflow) error
	SaveWorkflowConflict(c models.WorkflowConflict) error
}
