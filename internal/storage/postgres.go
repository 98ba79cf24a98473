package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying pool for collaborators that share the
// connection. Returns nil inside a transaction.
func (s *PostgresStore) DB() *sqlx.DB {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db
	}
	return nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveScheduledEvent inserts a new event row and returns its ID.
func (s *PostgresStore) SaveScheduledEvent(ev models.ScheduledEvent) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO scheduled_events (content_id, version_id, pattern, version_hash, scheduled_at, status, conditions, error_msg, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		ev.ContentID, ev.VersionID, ev.Pattern, ev.VersionHash, ev.ScheduledAt, ev.Status, ev.Conditions, ev.ErrorMsg, ev.CreatedBy, ev.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save scheduled event: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetScheduledEvent(id int64) (models.ScheduledEvent, error) {
	var ev models.ScheduledEvent
	err := s.db.Get(&ev, "SELECT * FROM scheduled_events WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.ScheduledEvent{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ScheduledEvent{}, err
	}
	return ev, nil
}

// ListActiveEvents returns the non-terminal events for a content item.
func (s *PostgresStore) ListActiveEvents(contentID int64) ([]models.ScheduledEvent, error) {
	events := []models.ScheduledEvent{}
	err := s.db.Select(&events, `
		SELECT * FROM scheduled_events
		WHERE content_id = $1 AND status IN ('pending', 'processing')
		ORDER BY id`, contentID)
	if err != nil {
		return nil, fmt.Errorf("list active events for content %d: %w", contentID, err)
	}
	return events, nil
}

func (s *PostgresStore) ListEventsForContents(contentIDs []int64) ([]models.ScheduledEvent, error) {
	if len(contentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In("SELECT * FROM scheduled_events WHERE content_id IN (?) ORDER BY id", contentIDs)
	if err != nil {
		return nil, err
	}
	events := []models.ScheduledEvent{}
	if err := s.db.Select(&events, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, fmt.Errorf("list events for contents: %w", err)
	}
	return events, nil
}

// ClaimDueEvents flips due pending events to processing and returns the
// claimed rows. The inner SELECT locks with SKIP LOCKED so concurrent
// claimers partition the due set instead of both claiming the same
// event.
func (s *PostgresStore) ClaimDueEvents(now time.Time, limit int) ([]models.ScheduledEvent, error) {
	events := []models.ScheduledEvent{}
	err := s.db.Select(&events, `
		UPDATE scheduled_events SET status = 'processing'
		WHERE id IN (
			SELECT id FROM scheduled_events
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	return events, nil
}

// UpdateEventStatus moves an event to a new status. The WHERE clause
// guards the terminal-state invariant: published, failed, cancelled and
// human_review rows are immutable.
func (s *PostgresStore) UpdateEventStatus(id int64, status models.EventStatus, errMsg string, processedAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE scheduled_events
		SET status = $1, error_msg = $2, processed_at = COALESCE($3, processed_at)
		WHERE id = $4 AND status IN ('pending', 'processing')`,
		status, errMsg, processedAt, id)
	return err
}

// CancelEvents cancels events still in pending or processing and
// reports how many rows changed.
func (s *PostgresStore) CancelEvents(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		UPDATE scheduled_events SET status = 'cancelled'
		WHERE id IN (?) AND status IN ('pending', 'processing')`, ids)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return 0, fmt.Errorf("cancel events: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SaveBatchItem(item models.BatchItem) error {
	_, err := s.db.Exec(`
		INSERT INTO batch_items (batch_id, event_id, position, success, error_msg)
		VALUES ($1, $2, $3, $4, $5)`,
		item.BatchID, item.EventID, item.Position, item.Success, item.ErrorMsg)
	return err
}

func (s *PostgresStore) CountBatchItems(batchID string) (int, error) {
	var n int
	err := s.db.Get(&n, "SELECT COUNT(*) FROM batch_items WHERE batch_id = $1", batchID)
	return n, err
}

func (s *PostgresStore) CountBatchCompleted(batchID string) (int, error) {
	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM batch_items bi
		JOIN scheduled_events ev ON ev.id = bi.event_id
		WHERE bi.batch_id = $1 AND ev.status = 'published'`, batchID)
	return n, err
}

func (s *PostgresStore) CountBatchFailed(batchID string) (int, error) {
	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM batch_items bi
		LEFT JOIN scheduled_events ev ON ev.id = bi.event_id
		WHERE bi.batch_id = $1 AND (bi.success = FALSE OR ev.status = 'failed')`, batchID)
	return n, err
}

func (s *PostgresStore) UpsertWorker(w models.Worker) error {
	_, err := s.db.Exec(`
		INSERT INTO workers (id, capabilities, status, last_seen, registered_at)
		VALUES ($1, $2, $3, $4, CURRENT_TIMESTAMP)
		ON CONFLICT (id) DO UPDATE SET capabilities = $2, status = $3, last_seen = $4`,
		w.ID, w.Capabilities, w.Status, w.LastSeen)
	return err
}

func (s *PostgresStore) GetWorker(id string) (models.Worker, error) {
	var w models.Worker
	err := s.db.Get(&w, "SELECT * FROM workers WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Worker{}, storage.ErrNotFound
	}
	return w, err
}

func (s *PostgresStore) UpdateWorkerStatus(id string, status models.WorkerStatus) error {
	res, err := s.db.Exec("UPDATE workers SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchWorker(id string, at time.Time) error {
	res, err := s.db.Exec("UPDATE workers SET last_seen = $1 WHERE id = $2", at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListWorkers() ([]models.Worker, error) {
	workers := []models.Worker{}
	err := s.db.Select(&workers, `SELECT * FROM workers ORDER BY id`)
	return workers, err
}

func (s *PostgresStore) ListStaleWorkers(cutoff time.Time) ([]models.Worker, error) {
	workers := []models.Worker{}
	err := s.db.Select(&workers, `
		SELECT * FROM workers
		WHERE status IN ('working', 'idle') AND last_seen < $1
		ORDER BY id`, cutoff)
	return workers, err
}

func (s *PostgresStore) StopWorkers(ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In("UPDATE workers SET status = 'stopped' WHERE id IN (?)", ids)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Exec(sqlx.Rebind(sqlx.DOLLAR, query), args...)
	if err != nil {
		return 0, fmt.Errorf("stop workers: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) SaveJob(j models.WorkerJob) error {
	_, err := s.db.Exec(`
		INSERT INTO worker_jobs (id, event_id, job_type, payload, status, attempts, max_attempts, run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		j.ID, j.EventID, j.JobType, j.Payload, j.Status, j.Attempts, j.MaxAttempts, j.RunAt, j.CreatedAt)
	return err
}

func (s *PostgresStore) GetJob(id string) (models.WorkerJob, error) {
	var j models.WorkerJob
	err := s.db.Get(&j, "SELECT * FROM worker_jobs WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.WorkerJob{}, storage.ErrNotFound
	}
	return j, err
}

// LeaseNextJob claims the oldest due queued job under a row lock. The
// SKIP LOCKED subquery keeps two concurrent workers from selecting the
// same row; exactly one of them wins the lease.
func (s *PostgresStore) LeaseNextJob(workerID string, now time.Time) (*models.WorkerJob, error) {
	var j models.WorkerJob
	err := s.db.Get(&j, `
		UPDATE worker_jobs SET
			status = 'processing',
			process_id = $1,
			attempts = attempts + 1,
			leased_at = $2,
			heartbeat_at = $2
		WHERE id = (
			SELECT id FROM worker_jobs
			WHERE status = 'queued' AND run_at <= $2
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`, workerID, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease next job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJobHeartbeat(workerID string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE worker_jobs SET heartbeat_at = $1
		WHERE process_id = $2 AND status = 'processing'`, at, workerID)
	return err
}

func (s *PostgresStore) CompleteJob(id, output string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE worker_jobs SET status = 'completed', output = $1, finished_at = $2
		WHERE id = $3`, output, at, id)
	return err
}

// RequeueJob returns a job to the queue and clears its lease.
func (s *PostgresStore) RequeueJob(id, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE worker_jobs SET status = 'queued', error_msg = $1,
			process_id = NULL, leased_at = NULL, heartbeat_at = NULL
		WHERE id = $2`, errMsg, id)
	return err
}

func (s *PostgresStore) FailJob(id, errMsg string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE worker_jobs SET status = 'failed', error_msg = $1, finished_at = $2
		WHERE id = $3`, errMsg, at, id)
	return err
}

func (s *PostgresStore) ListStaleJobs(cutoff time.Time) ([]models.WorkerJob, error) {
	jobs := []models.WorkerJob{}
	err := s.db.Select(&jobs, `
		SELECT * FROM worker_jobs
		WHERE status = 'processing' AND heartbeat_at < $1
		ORDER BY id`, cutoff)
	return jobs, err
}

func (s *PostgresStore) SaveWorkerMetric(m models.WorkerMetric) error {
	_, err := s.db.Exec(`
		INSERT INTO worker_metrics (worker_id, cpu_pct, mem_pct, sampled_at)
		VALUES ($1, $2, $3, $4)`,
		m.WorkerID, m.CPUPct, m.MemPct, m.SampledAt)
	return err
}

func (s *PostgresStore) AvgWorkerMetrics(since time.Time) (float64, float64, error) {
	var row struct {
		CPU float64 `db:"cpu"`
		Mem float64 `db:"mem"`
	}
	err := s.db.Get(&row, `
		SELECT COALESCE(AVG(cpu_pct), 0) AS cpu, COALESCE(AVG(mem_pct), 0) AS mem
		FROM worker_metrics WHERE sampled_at >= $1`, since)
	if err != nil {
		return 0, 0, fmt.Errorf("average worker metrics: %w", err)
	}
	return row.CPU, row.Mem, nil
}

func (s *PostgresStore) GetWorkflow(id int64) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT * FROM workflows WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return models.Workflow{}, storage.ErrNotFound
	}
	return wf, err
}

func (s *PostgresStore) ListTriggers(triggerType string) ([]models.WorkflowTrigger, error) {
	triggers := []models.WorkflowTrigger{}
	err := s.db.Select(&triggers, `
		SELECT * FROM workflow_triggers WHERE trigger_type = $1 ORDER BY id`, triggerType)
	return triggers, err
}

func (s *PostgresStore) ListActions(workflowID int64) ([]models.WorkflowAction, error) {
	actions := []models.WorkflowAction{}
	err := s.db.Select(&actions, `
		SELECT * FROM workflow_actions WHERE workflow_id = $1 ORDER BY execution_order`, workflowID)
	return actions, err
}

func (s *PostgresStore) GetRunningExecution(workflowID int64) (*models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	err := s.db.Get(&e, `
		SELECT * FROM workflow_executions
		WHERE workflow_id = $1 AND status = 'running'`, workflowID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// SaveExecution inserts an execution row. The partial unique index on
// (workflow_id) WHERE status = 'running' rejects a second running
// execution of the same workflow.
func (s *PostgresStore) SaveExecution(e models.WorkflowExecution) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_executions (id, workflow_id, status, context, started_at, completed_at, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkflowID, e.Status, e.Context, e.StartedAt, e.CompletedAt, e.ErrorMsg)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return fmt.Errorf("save execution %s: %w", e.ID, storage.ErrDuplicate)
	}
	return err
}

func (s *PostgresStore) UpdateExecutionStatus(id string, status models.ExecutionStatus, errMsg string, completedAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE workflow_executions
		SET status = $1, error_msg = $2, completed_at = COALESCE($3, completed_at)
		WHERE id = $4`, status, errMsg, completedAt, id)
	return err
}

func (s *PostgresStore) ListRunningExecutionsBelow(priority int) ([]models.WorkflowExecution, error) {
	executions := []models.WorkflowExecution{}
	err := s.db.Select(&executions, `
		SELECT we.* FROM workflow_executions we
		JOIN workflows w ON w.id = we.workflow_id
		WHERE we.status = 'running' AND w.priority < $1
		ORDER BY we.started_at`, priority)
	return executions, err
}

func (s *PostgresStore) SaveResourceLock(l models.ResourceLock) error {
	_, err := s.db.Exec(`
		INSERT INTO resource_locks (id, resource_id, workflow_id, action_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.ID, l.ResourceID, l.WorkflowID, l.ActionID, l.ExpiresAt, l.CreatedAt)
	return err
}

func (s *PostgresStore) DeleteActionLocks(workflowID, actionID int64) error {
	_, err := s.db.Exec(`
		DELETE FROM resource_locks WHERE workflow_id = $1 AND action_id = $2`,
		workflowID, actionID)
	return err
}

// GetActiveResourceLock ignores rows past their expiry; expired locks
// are logically absent even while the row still exists.
func (s *PostgresStore) GetActiveResourceLock(resourceID string, now time.Time) (*models.ResourceLock, error) {
	var l models.ResourceLock
	err := s.db.Get(&l, `
		SELECT * FROM resource_locks
		WHERE resource_id = $1 AND expires_at > $2
		ORDER BY expires_at DESC
		LIMIT 1`, resourceID, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) SaveWorkflowError(e models.WorkflowError) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_errors (workflow_id, action_id, message, context, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.WorkflowID, e.ActionID, e.Message, e.Context, e.CreatedAt)
	return err
}

func (s *PostgresStore) EnqueueWorkflow(q models.QueuedWorkflow) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_queue (workflow_id, context, queued_at)
		VALUES ($1, $2, $3)`,
		q.WorkflowID, q.Context, q.QueuedAt)
	return err
}

func (s *PostgresStore) SaveWorkflowConflict(c models.WorkflowConflict) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_conflicts (workflow_id, context, status, created_at)
		VALUES ($1, $2, $3, $4)`,
		c.WorkflowID, c.Context, c.Status, c.CreatedAt)
	return err
}
