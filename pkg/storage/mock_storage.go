package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/youpolonia/cms-sub031/pkg/models"
)

// MockStore implements Store with in-memory state. Begin returns the
// same instance guarded by a mutex, so leasing stays exclusive under
// concurrent callers; Commit and Rollback are accounting no-ops (changes
// are applied immediately, rollback is not simulated).
type MockStore struct {
	mu         sync.Mutex
	events     map[int64]*models.ScheduledEvent
	nextEvent  int64
	batchItems []models.BatchItem
	workers    map[string]*models.Worker
	jobs       map[string]*models.WorkerJob
	metrics    []models.WorkerMetric
	workflows  map[int64]*models.Workflow
	triggers   []models.WorkflowTrigger
	actions    []models.WorkflowAction
	executions map[string]*models.WorkflowExecution
	locks      map[string]*models.ResourceLock
	wfErrors   []models.WorkflowError
	wfQueue    []models.QueuedWorkflow
	conflicts  []models.WorkflowConflict
}

func NewMockStore() *MockStore {
	return &MockStore{
		events:     make(map[int64]*models.ScheduledEvent),
		workers:    make(map[string]*models.Worker),
		jobs:       make(map[string]*models.WorkerJob),
		workflows:  make(map[int64]*models.Workflow),
		executions: make(map[string]*models.WorkflowExecution),
		locks:      make(map[string]*models.ResourceLock),
	}
}

func (m *MockStore) Begin() (Store, error) { return m, nil }
func (m *MockStore) Commit() error         { return nil }
func (m *MockStore) Rollback() error       { return nil }
func (m *MockStore) Close() error          { return nil }

func (m *MockStore) SaveScheduledEvent(ev models.ScheduledEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	ev.ID = m.nextEvent
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	m.events[ev.ID] = &ev
	return ev.ID, nil
}

func (m *MockStore) GetScheduledEvent(id int64) (models.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return models.ScheduledEvent{}, ErrNotFound
	}
	return *ev, nil
}

func (m *MockStore) ListActiveEvents(contentID int64) ([]models.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ScheduledEvent
	for _, ev := range m.events {
		if ev.ContentID == contentID && !ev.Status.Terminal() {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) ListEventsForContents(contentIDs []int64) ([]models.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]bool, len(contentIDs))
	for _, id := range contentIDs {
		want[id] = true
	}
	var out []models.ScheduledEvent
	for _, ev := range m.events {
		if want[ev.ContentID] {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClaimDueEvents selects and flips in one critical section so two
// concurrent claimers never return the same event.
func (m *MockStore) ClaimDueEvents(now time.Time, limit int) ([]models.ScheduledEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*models.ScheduledEvent
	for _, ev := range m.events {
		if ev.Status == models.PendingEventStatus && !ev.ScheduledAt.After(now) {
			due = append(due, ev)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]models.ScheduledEvent, 0, len(due))
	for _, ev := range due {
		ev.Status = models.ProcessingEventStatus
		out = append(out, *ev)
	}
	return out, nil
}

func (m *MockStore) UpdateEventStatus(id int64, status models.EventStatus, errMsg string, processedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	// Terminal states are immutable, mirroring the guarded UPDATE.
	if ev.Status.Terminal() {
		return nil
	}
	ev.Status = status
	ev.ErrorMsg = errMsg
	if processedAt != nil {
		ev.ProcessedAt = processedAt
	}
	return nil
}

func (m *MockStore) CancelEvents(ids []int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		ev, ok := m.events[id]
		if !ok {
			continue
		}
		if ev.Status == models.PendingEventStatus || ev.Status == models.ProcessingEventStatus {
			ev.Status = models.CancelledEventStatus
			n++
		}
	}
	return n, nil
}

func (m *MockStore) SaveBatchItem(item models.BatchItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item.ID = int64(len(m.batchItems) + 1)
	m.batchItems = append(m.batchItems, item)
	return nil
}

func (m *MockStore) CountBatchItems(batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.batchItems {
		if it.BatchID == batchID {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) CountBatchCompleted(batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.batchItems {
		if it.BatchID != batchID || it.EventID == nil {
			continue
		}
		if ev, ok := m.events[*it.EventID]; ok && ev.Status == models.PublishedEventStatus {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) CountBatchFailed(batchID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.batchItems {
		if it.BatchID != batchID {
			continue
		}
		if !it.Success {
			n++
			continue
		}
		if it.EventID != nil {
			if ev, ok := m.events[*it.EventID]; ok && ev.Status == models.FailedEventStatus {
				n++
			}
		}
	}
	return n, nil
}

func (m *MockStore) UpsertWorker(w models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.workers[w.ID]; ok {
		existing.Capabilities = w.Capabilities
		existing.Status = w.Status
		existing.LastSeen = w.LastSeen
		return nil
	}
	if w.RegisteredAt.IsZero() {
		w.RegisteredAt = time.Now()
	}
	m.workers[w.ID] = &w
	return nil
}

func (m *MockStore) GetWorker(id string) (models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return models.Worker{}, ErrNotFound
	}
	return *w, nil
}

func (m *MockStore) UpdateWorkerStatus(id string, status models.WorkerStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	return nil
}

func (m *MockStore) TouchWorker(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return ErrNotFound
	}
	w.LastSeen = at
	return nil
}

func (m *MockStore) ListWorkers() ([]models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Worker
	for _, w := range m.workers {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) ListStaleWorkers(cutoff time.Time) ([]models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Worker
	for _, w := range m.workers {
		if (w.Status == models.WorkingWorkerStatus || w.Status == models.IdleWorkerStatus) && w.LastSeen.Before(cutoff) {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) StopWorkers(ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if w, ok := m.workers[id]; ok && w.Status != models.StoppedWorkerStatus {
			w.Status = models.StoppedWorkerStatus
			n++
		}
	}
	return n, nil
}

func (m *MockStore) SaveJob(j models.WorkerJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	m.jobs[j.ID] = &j
	return nil
}

func (m *MockStore) GetJob(id string) (models.WorkerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.WorkerJob{}, ErrNotFound
	}
	return *j, nil
}

func (m *MockStore) LeaseNextJob(workerID string, now time.Time) (*models.WorkerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.WorkerJob
	for _, j := range m.jobs {
		if j.Status != models.QueuedJobStatus || j.RunAt.After(now) {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = models.ProcessingJobStatus
	oldest.ProcessID = &workerID
	oldest.Attempts++
	leasedAt := now
	hb := now
	oldest.LeasedAt = &leasedAt
	oldest.HeartbeatAt = &hb
	cp := *oldest
	return &cp, nil
}

func (m *MockStore) UpdateJobHeartbeat(workerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Status == models.ProcessingJobStatus && j.ProcessID != nil && *j.ProcessID == workerID {
			hb := at
			j.HeartbeatAt = &hb
		}
	}
	return nil
}

func (m *MockStore) CompleteJob(id, output string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = models.CompletedJobStatus
	j.Output = output
	finished := at
	j.FinishedAt = &finished
	return nil
}

func (m *MockStore) RequeueJob(id, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = models.QueuedJobStatus
	j.ErrorMsg = errMsg
	j.ProcessID = nil
	j.LeasedAt = nil
	j.HeartbeatAt = nil
	return nil
}

func (m *MockStore) FailJob(id, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = models.FailedJobStatus
	j.ErrorMsg = errMsg
	finished := at
	j.FinishedAt = &finished
	return nil
}

func (m *MockStore) ListStaleJobs(cutoff time.Time) ([]models.WorkerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkerJob
	for _, j := range m.jobs {
		if j.Status == models.ProcessingJobStatus && j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) SaveWorkerMetric(metric models.WorkerMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	metric.ID = int64(len(m.metrics) + 1)
	m.metrics = append(m.metrics, metric)
	return nil
}

func (m *MockStore) AvgWorkerMetrics(since time.Time) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cpu, mem float64
	n := 0
	for _, metric := range m.metrics {
		if metric.SampledAt.Before(since) {
			continue
		}
		cpu += metric.CPUPct
		mem += metric.MemPct
		n++
	}
	if n == 0 {
		return 0, 0, nil
	}
	return cpu / float64(n), mem / float64(n), nil
}

func (m *MockStore) GetWorkflow(id int64) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	return *wf, nil
}

// SeedWorkflow registers a workflow definition for tests.
func (m *MockStore) SeedWorkflow(wf models.Workflow, triggers []models.WorkflowTrigger, actions []models.WorkflowAction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = &wf
	m.triggers = append(m.triggers, triggers...)
	m.actions = append(m.actions, actions...)
}

func (m *MockStore) ListTriggers(triggerType string) ([]models.WorkflowTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowTrigger
	for _, t := range m.triggers {
		if t.TriggerType == triggerType {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MockStore) ListActions(workflowID int64) ([]models.WorkflowAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowAction
	for _, a := range m.actions {
		if a.WorkflowID == workflowID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionOrder < out[j].ExecutionOrder })
	return out, nil
}

func (m *MockStore) GetRunningExecution(workflowID int64) (*models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.WorkflowID == workflowID && e.Status == models.RunningExecutionStatus {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockStore) SaveExecution(e models.WorkflowExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Status == models.RunningExecutionStatus {
		for _, other := range m.executions {
			if other.WorkflowID == e.WorkflowID && other.Status == models.RunningExecutionStatus {
				return errors.Wrapf(ErrDuplicate, "workflow %d already has a running execution", e.WorkflowID)
			}
		}
	}
	m.executions[e.ID] = &e
	return nil
}

func (m *MockStore) UpdateExecutionStatus(id string, status models.ExecutionStatus, errMsg string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = status
	e.ErrorMsg = errMsg
	if completedAt != nil {
		e.CompletedAt = completedAt
	}
	return nil
}

func (m *MockStore) ListRunningExecutionsBelow(priority int) ([]models.WorkflowExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.WorkflowExecution
	for _, e := range m.executions {
		if e.Status != models.RunningExecutionStatus {
			continue
		}
		if wf, ok := m.workflows[e.WorkflowID]; ok && wf.Priority < priority {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStore) SaveResourceLock(l models.ResourceLock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.locks[l.ID] = &l
	return nil
}

func (m *MockStore) DeleteActionLocks(workflowID, actionID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, l := range m.locks {
		if l.WorkflowID == workflowID && l.ActionID == actionID {
			delete(m.locks, id)
		}
	}
	return nil
}

func (m *MockStore) GetActiveResourceLock(resourceID string, now time.Time) (*models.ResourceLock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.locks {
		if l.ResourceID == resourceID && l.ExpiresAt.After(now) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockStore) SaveWorkflowError(e models.WorkflowError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.wfErrors) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.wfErrors = append(m.wfErrors, e)
	return nil
}

func (m *MockStore) EnqueueWorkflow(q models.QueuedWorkflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.ID = int64(len(m.wfQueue) + 1)
	if q.QueuedAt.IsZero() {
		q.QueuedAt = time.Now()
	}
	m.wfQueue = append(m.wfQueue, q)
	return nil
}

func (m *MockStore) SaveWorkflowConflict(c models.WorkflowConflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = int64(len(m.conflicts) + 1)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.conflicts = append(m.conflicts, c)
	return nil
}

// WorkflowErrors exposes the error log for assertions in tests.
func (m *MockStore) WorkflowErrors() []models.WorkflowError {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.WorkflowError(nil), m.wfErrors...)
}

// QueuedWorkflows exposes the deferral queue for assertions in tests.
func (m *MockStore) QueuedWorkflows() []models.QueuedWorkflow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.QueuedWorkflow(nil), m.wfQueue...)
}

// WorkflowConflicts exposes recorded manual conflicts for tests.
func (m *MockStore) WorkflowConflicts() []models.WorkflowConflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.WorkflowConflict(nil), m.conflicts...)
}
