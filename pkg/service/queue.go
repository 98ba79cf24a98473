package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

const (
	// DefaultMaxAttempts bounds automatic retries before a job is
	// permanently failed and left for an operator.
	DefaultMaxAttempts = 3
	// DefaultWorkerTimeout is the heartbeat staleness timeout.
	DefaultWorkerTimeout = 300 * time.Second

	// Scaling thresholds over the rolling five-minute resource window.
	ScaleCPUThreshold = 80.0
	ScaleMemThreshold = 90.0
	metricsWindow     = 5 * time.Minute

	// PublishJobType is the job kind created for due scheduled events.
	PublishJobType = "content_publish"
)

// JobQueue is the leased-work queue. Workers register, lease the oldest
// due job under a row lock, heartbeat while working and release on
// completion or failure. Worker staleness and lease staleness are two
// independent checks: reaping a stale worker never requeues its job.
type JobQueue struct {
	store   storage.Store
	content ContentStore
	clock   Clock
	logger  Logger
}

func NewJobQueue(store storage.Store, content ContentStore, clock Clock, logger Logger) *JobQueue {
	return &JobQueue{store: store, content: content, clock: clock, logger: logger}
}

// RegisterWorker upserts the worker, sets it active and resets its
// heartbeat.
func (q *JobQueue) RegisterWorker(id string, capabilities models.JSONMap) (bool, error) {
	err := q.store.UpsertWorker(models.Worker{
		ID:           id,
		Capabilities: capabilities,
		Status:       models.ActiveWorkerStatus,
		LastSeen:     q.clock.Now(),
	})
	if err != nil {
		return false, errors.Wrapf(err, "register worker %s", id)
	}
	q.logger.Infof("Registered worker %s", id)
	return true, nil
}

// LeaseNextJob claims the oldest due queued job for the worker inside
// one transaction: the row is locked, flipped to processing, stamped
// with the worker's id and its attempt counter incremented, and the
// worker moves to working. Returns nil when nothing is queued.
func (q *JobQueue) LeaseNextJob(workerID string) (*models.WorkerJob, error) {
	txStore, err := q.store.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "begin lease transaction")
	}

	job, err := txStore.LeaseNextJob(workerID, q.clock.Now())
	if err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			q.logger.Errorf("Failed to rollback lease: %v (original error: %v)", rollbackErr, err)
		}
		return nil, errors.Wrapf(err, "lease job for worker %s", workerID)
	}
	if job == nil {
		if err := txStore.Commit(); err != nil {
			return nil, errors.Wrap(err, "commit empty lease")
		}
		return nil, nil
	}

	if err := txStore.UpdateWorkerStatus(workerID, models.WorkingWorkerStatus); err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			q.logger.Errorf("Failed to rollback lease: %v (original error: %v)", rollbackErr, err)
		}
		return nil, errors.Wrapf(err, "mark worker %s working", workerID)
	}

	if err := txStore.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit lease")
	}

	q.logger.Infof("Worker %s leased job %s (attempt %d)", workerID, job.ID, job.Attempts)
	return job, nil
}

// CompleteJob records the job's output and resets the leasing worker to
// idle.
func (q *JobQueue) CompleteJob(jobID, output string) error {
	job, err := q.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "job %s", jobID)
		}
		return err
	}

	txStore, err := q.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin completion transaction")
	}
	if err := q.finishJob(txStore, job, func(tx storage.Store) error {
		return tx.CompleteJob(jobID, output, q.clock.Now())
	}); err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			q.logger.Errorf("Failed to rollback completion: %v (original error: %v)", rollbackErr, err)
		}
		return err
	}
	if err := txStore.Commit(); err != nil {
		return errors.Wrap(err, "commit completion")
	}
	q.logger.Infof("Job %s completed", jobID)
	return nil
}

// FailJob requeues the job while attempts remain, otherwise marks it
// permanently failed. Either way the leasing worker returns to idle.
func (q *JobQueue) FailJob(jobID, errMsg string) error {
	job, err := q.store.GetJob(jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "job %s", jobID)
		}
		return err
	}

	txStore, err := q.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin failure transaction")
	}
	if err := q.finishJob(txStore, job, func(tx storage.Store) error {
		if job.Attempts < job.MaxAttempts {
			return tx.RequeueJob(jobID, errMsg)
		}
		return tx.FailJob(jobID, errMsg, q.clock.Now())
	}); err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			q.logger.Errorf("Failed to rollback failure: %v (original error: %v)", rollbackErr, err)
		}
		return err
	}
	if err := txStore.Commit(); err != nil {
		return errors.Wrap(err, "commit failure")
	}

	if job.Attempts < job.MaxAttempts {
		q.logger.Infof("Job %s requeued after failure (attempt %d/%d): %s", jobID, job.Attempts, job.MaxAttempts, errMsg)
	} else {
		q.logger.Errorf("Job %s permanently failed after %d attempts: %s", jobID, job.Attempts, errMsg)
	}
	return nil
}

func (q *JobQueue) finishJob(txStore storage.Store, job models.WorkerJob, mutate func(storage.Store) error) error {
	if err := mutate(txStore); err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if job.ProcessID != nil {
		if err := txStore.UpdateWorkerStatus(*job.ProcessID, models.IdleWorkerStatus); err != nil {
			return fmt.Errorf("reset worker %s to idle: %w", *job.ProcessID, err)
		}
	}
	return nil
}

// SendHeartbeat bumps the worker's last_seen and the heartbeat on any
// job it is currently processing.
func (q *JobQueue) SendHeartbeat(workerID string) error {
	now := q.clock.Now()
	if err := q.store.TouchWorker(workerID, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return errors.Wrapf(ErrNotFound, "worker %s", workerID)
		}
		return errors.Wrapf(err, "heartbeat worker %s", workerID)
	}
	if err := q.store.UpdateJobHeartbeat(workerID, now); err != nil {
		return errors.Wrapf(err, "heartbeat jobs of worker %s", workerID)
	}
	return nil
}

// ReapStaleWorkers forces workers in working or idle whose last_seen is
// older than the timeout to stopped. It deliberately does not requeue
// their in-flight jobs; lease staleness is observed separately by
// RequeueStaleJobs. Calling it twice with no new heartbeats changes
// nothing the second time.
func (q *JobQueue) ReapStaleWorkers(timeout time.Duration) ([]string, error) {
	cutoff := q.clock.Now().Add(-timeout)
	stale, err := q.store.ListStaleWorkers(cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "list stale workers")
	}
	if len(stale) == 0 {
		return nil, nil
	}
	ids := make([]string, len(stale))
	for i, w := range stale {
		ids[i] = w.ID
	}
	if _, err := q.store.StopWorkers(ids); err != nil {
		return nil, errors.Wrap(err, "stop stale workers")
	}
	q.logger.Infof("Reaped %d stale worker(s): %v", len(ids), ids)
	return ids, nil
}

// RequeueStaleJobs releases jobs whose lease heartbeat is older than the
// lease timeout: requeued while attempts remain, failed permanently
// otherwise. This is the second, independent staleness check.
func (q *JobQueue) RequeueStaleJobs(leaseTimeout time.Duration) (int, error) {
	now := q.clock.Now()
	stale, err := q.store.ListStaleJobs(now.Add(-leaseTimeout))
	if err != nil {
		return 0, errors.Wrap(err, "list stale jobs")
	}
	n := 0
	for _, job := range stale {
		if job.Attempts < job.MaxAttempts {
			if err := q.store.RequeueJob(job.ID, "lease expired"); err != nil {
				q.logger.Errorf("Failed to requeue stale job %s: %v", job.ID, err)
				continue
			}
		} else {
			if err := q.store.FailJob(job.ID, "lease expired after max attempts", now); err != nil {
				q.logger.Errorf("Failed to fail stale job %s: %v", job.ID, err)
				continue
			}
			if job.EventID != nil {
				processedAt := now
				if err := q.store.UpdateEventStatus(*job.EventID, models.FailedEventStatus, "lease expired after max attempts", &processedAt); err != nil {
					q.logger.Errorf("Failed to mark event %d failed: %v", *job.EventID, err)
				}
			}
		}
		n++
	}
	if n > 0 {
		q.logger.Infof("Released %d stale lease(s)", n)
	}
	return n, nil
}

// EnqueueDueEvents turns due pending events into queued publish jobs.
// The claim flips each event to processing under a row lock, so
// concurrent enqueuers partition the due set and no event is ever
// enqueued twice.
func (q *JobQueue) EnqueueDueEvents(limit int) (int, error) {
	now := q.clock.Now()
	txStore, err := q.store.Begin()
	if err != nil {
		return 0, errors.Wrap(err, "begin enqueue transaction")
	}

	due, err := txStore.ClaimDueEvents(now, limit)
	if err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			q.logger.Errorf("Failed to rollback enqueue: %v (original error: %v)", rollbackErr, err)
		}
		return 0, errors.Wrap(err, "claim due events")
	}

	n := 0
	for _, ev := range due {
		eventID := ev.ID
		job := models.WorkerJob{
			ID:          uuid.New().String(),
			EventID:     &eventID,
			JobType:     PublishJobType,
			Payload:     models.JSONMap{"content_id": ev.ContentID},
			Status:      models.QueuedJobStatus,
			MaxAttempts: DefaultMaxAttempts,
			RunAt:       ev.ScheduledAt,
			CreatedAt:   now,
		}
		if ev.VersionID != nil {
			job.Payload["version_id"] = *ev.VersionID
		}
		if err := txStore.SaveJob(job); err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				q.logger.Errorf("Failed to rollback enqueue: %v (original error: %v)", rollbackErr, err)
			}
			return 0, errors.Wrapf(err, "save job for event %d", ev.ID)
		}
		n++
	}

	if err := txStore.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit enqueue")
	}
	if n > 0 {
		q.logger.Infof("Enqueued %d due event(s)", n)
	}
	return n, nil
}

// RunJob executes a leased job. Publish jobs mutate content through the
// content store's own transaction, then move the event to published in
// the scheduling store. A failure between the two leaves the event in
// processing; the retrying lease converges, since PublishContent is
// idempotent. The job itself is completed or failed through the usual
// queue paths.
func (q *JobQueue) RunJob(job *models.WorkerJob) error {
	switch job.JobType {
	case PublishJobType:
		if err := q.runPublishJob(job); err != nil {
			if failErr := q.FailJob(job.ID, err.Error()); failErr != nil {
				q.logger.Errorf("Failed to record job %s failure: %v", job.ID, failErr)
			}
			return err
		}
		return q.CompleteJob(job.ID, "published")
	default:
		err := errors.Wrapf(ErrUnknownActionType, "job type %q", job.JobType)
		if failErr := q.FailJob(job.ID, err.Error()); failErr != nil {
			q.logger.Errorf("Failed to record job %s failure: %v", job.ID, failErr)
		}
		return err
	}
}

func (q *JobQueue) runPublishJob(job *models.WorkerJob) error {
	contentID, ok := intFromMap(job.Payload, "content_id")
	if !ok {
		return errors.Wrapf(ErrValidationFailed, "job %s has no content_id", job.ID)
	}

	// The content store commits on its own; the event transition below
	// runs in the scheduling store. Idempotent publish plus job retry
	// closes the gap when the event update fails after a commit here.
	publishErr := q.content.PublishContent(contentID)
	if publishErr == nil {
		if versionID, ok := intFromMap(job.Payload, "version_id"); ok {
			publishErr = q.content.ActivateVersion(contentID, versionID)
		}
	}

	txStore, err := q.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin event transaction")
	}

	now := q.clock.Now()
	if publishErr != nil {
		if job.EventID != nil && job.Attempts >= job.MaxAttempts {
			if err := txStore.UpdateEventStatus(*job.EventID, models.FailedEventStatus, publishErr.Error(), &now); err != nil {
				q.logger.Errorf("Failed to mark event %d failed: %v", *job.EventID, err)
			}
		}
		if err := txStore.Commit(); err != nil {
			q.logger.Errorf("Failed to commit failure record: %v", err)
		}
		return errors.Wrapf(ErrActionExecution, "publish content %d: %v", contentID, publishErr)
	}

	if job.EventID != nil {
		if err := txStore.UpdateEventStatus(*job.EventID, models.PublishedEventStatus, "", &now); err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				q.logger.Errorf("Failed to rollback publish: %v (original error: %v)", rollbackErr, err)
			}
			return errors.Wrapf(err, "mark event %d published", *job.EventID)
		}
	}
	if err := txStore.Commit(); err != nil {
		return errors.Wrap(err, "commit publish")
	}
	q.logger.Infof("Published content %d (job %s)", contentID, job.ID)
	return nil
}

// ListWorkers returns every registered worker with its current status.
func (q *JobQueue) ListWorkers() ([]models.Worker, error) {
	return q.store.ListWorkers()
}

// RecordMetric stores one resource-usage sample for scaling decisions.
func (q *JobQueue) RecordMetric(workerID string, cpuPct, memPct float64) error {
	return q.store.SaveWorkerMetric(models.WorkerMetric{
		WorkerID:  workerID,
		CPUPct:    cpuPct,
		MemPct:    memPct,
		SampledAt: q.clock.Now(),
	})
}

// EvaluateScaling compares the rolling five-minute average CPU and
// memory usage against the thresholds. Above either threshold suggests
// scale_up; below half of both thresholds suggests scale_down. The
// output is advisory only.
func (q *JobQueue) EvaluateScaling() ([]string, error) {
	cpu, mem, err := q.store.AvgWorkerMetrics(q.clock.Now().Add(-metricsWindow))
	if err != nil {
		return nil, errors.Wrap(err, "average worker metrics")
	}
	if cpu > ScaleCPUThreshold || mem > ScaleMemThreshold {
		return []string{"scale_up"}, nil
	}
	if cpu < ScaleCPUThreshold/2 && mem < ScaleMemThreshold/2 {
		return []string{"scale_down"}, nil
	}
	return nil, nil
}

func intFromMap(m models.JSONMap, key string) (int64, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
