package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/youpolonia/cms-sub031/pkg/models"
	"github.com/youpolonia/cms-sub031/pkg/storage"
)

// ResourceLockTTL is the fixed expiry applied to every lock taken for a
// workflow action.
const ResourceLockTTL = time.Hour

// Conflict resolution strategies.
const (
	QueueStrategy    = "queue"
	PriorityStrategy = "priority"
	ManualStrategy   = "manual"
)

// WorkflowExecutor evaluates triggers against external events, resolves
// execution conflicts and runs ordered action pipelines. One workflow
// has at most one running execution; lower-priority executions can be
// preempted by the priority strategy.
type WorkflowExecutor struct {
	store     storage.Store
	evaluator *ConditionEvaluator
	content   ContentStore
	webhooks  *WebhookClient
	scheduler *ScheduleService // optional; enables scheduling conflict delegation
	clock     Clock
	logger    Logger
}

func NewWorkflowExecutor(store storage.Store, evaluator *ConditionEvaluator, content ContentStore, webhooks *WebhookClient, scheduler *ScheduleService, clock Clock, logger Logger) *WorkflowExecutor {
	return &WorkflowExecutor{
		store:     store,
		evaluator: evaluator,
		content:   content,
		webhooks:  webhooks,
		scheduler: scheduler,
		clock:     clock,
		logger:    logger,
	}
}

// EvaluateTriggers loads all triggers of the given type, matches each
// one's stored condition set against the context and drops matches that
// currently conflict.
func (x *WorkflowExecutor) EvaluateTriggers(triggerType string, ctx models.JSONMap) ([]models.WorkflowTrigger, error) {
	triggers, err := x.store.ListTriggers(triggerType)
	if err != nil {
		return nil, errors.Wrapf(err, "list %q triggers", triggerType)
	}

	var matched []models.WorkflowTrigger
	for _, trigger := range triggers {
		if !x.evaluator.MatchContext(trigger.Conditions, ctx) {
			continue
		}
		conflicted, err := x.HasConflicts(trigger.WorkflowID, ctx)
		if err != nil {
			return nil, err
		}
		if conflicted {
			x.logger.Infof("Trigger %d matched but workflow %d has conflicts, skipping", trigger.ID, trigger.WorkflowID)
			continue
		}
		matched = append(matched, trigger)
	}
	return matched, nil
}

// HasConflicts checks, in order: another running execution of the same
// workflow; an unexpired resource lock on the context's resource_id; and
// a scheduling conflict when a scheduler is attached and the context
// carries a target time.
func (x *WorkflowExecutor) HasConflicts(workflowID int64, ctx models.JSONMap) (bool, error) {
	running, err := x.store.GetRunningExecution(workflowID)
	if err != nil {
		return false, errors.Wrapf(err, "check running execution of workflow %d", workflowID)
	}
	if running != nil {
		return true, nil
	}

	if resourceID, ok := ctx["resource_id"].(string); ok && resourceID != "" {
		lock, err := x.store.GetActiveResourceLock(resourceID, x.clock.Now())
		if err != nil {
			return false, errors.Wrapf(err, "check resource lock %q", resourceID)
		}
		if lock != nil {
			return true, nil
		}
	}

	if x.scheduler != nil {
		if contentID, ok := intFromMap(ctx, "content_id"); ok {
			if at, reason := parsePublishAt(ctx); reason == "" {
				var versionID *int64
				if v, ok := intFromMap(ctx, "version_id"); ok {
					versionID = &v
				}
				found, err := x.scheduler.conflicts.CheckConflicts(contentID, versionID, at)
				if err != nil {
					return false, err
				}
				if len(found) > 0 {
					return true, nil
				}
			}
		}
	}

	return false, nil
}

// ExecuteWorkflow creates a running execution row and runs the
// workflow's actions in execution order. Each action's resource keys are
// locked with a fixed one-hour expiry before it runs; on action failure
// those locks are released best-effort, the failure is logged to the
// error table and the execution is marked failed.
func (x *WorkflowExecutor) ExecuteWorkflow(workflowID int64, ctx models.JSONMap) (*models.WorkflowExecution, error) {
	wf, err := x.store.GetWorkflow(workflowID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "workflow %d", workflowID)
		}
		return nil, err
	}
	if !wf.Enabled {
		return nil, errors.Wrapf(ErrValidationFailed, "workflow %d is disabled", workflowID)
	}

	exec := models.WorkflowExecution{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Status:     models.RunningExecutionStatus,
		Context:    ctx,
		StartedAt:  x.clock.Now(),
	}
	// The partial unique index on running executions makes this insert
	// the enforcement point for one-running-execution-per-workflow. Only
	// a uniqueness violation is a conflict; anything else is a store
	// failure the caller may retry.
	if err := x.store.SaveExecution(exec); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, errors.Wrapf(ErrConflictDetected, "workflow %d already running: %v", workflowID, err)
		}
		return nil, errors.Wrapf(ErrTransientStore, "save execution of workflow %d: %v", workflowID, err)
	}

	actions, err := x.store.ListActions(workflowID)
	if err != nil {
		x.failExecution(&exec, nil, err)
		return &exec, errors.Wrapf(err, "list actions of workflow %d", workflowID)
	}

	for i := range actions {
		action := actions[i]
		if err := x.runAction(&exec, action, ctx); err != nil {
			x.failExecution(&exec, &action, err)
			return &exec, errors.Wrapf(ErrActionExecution, "workflow %d action %d: %v", workflowID, action.ID, err)
		}
	}

	completedAt := x.clock.Now()
	if err := x.store.UpdateExecutionStatus(exec.ID, models.CompletedExecutionStatus, "", &completedAt); err != nil {
		return &exec, errors.Wrap(err, "mark execution completed")
	}
	exec.Status = models.CompletedExecutionStatus
	exec.CompletedAt = &completedAt
	x.logger.Infof("Workflow %d execution %s completed (%d actions)", workflowID, exec.ID, len(actions))
	return &exec, nil
}

func (x *WorkflowExecutor) runAction(exec *models.WorkflowExecution, action models.WorkflowAction, ctx models.JSONMap) error {
	now := x.clock.Now()
	for _, key := range action.ResourceKeys {
		value, ok := ctx[key]
		if !ok {
			continue // unresolvable keys are skipped, not locked
		}
		lock := models.ResourceLock{
			ID:         uuid.New().String(),
			ResourceID: fmt.Sprintf("%v", value),
			WorkflowID: action.WorkflowID,
			ActionID:   action.ID,
			ExpiresAt:  now.Add(ResourceLockTTL),
			CreatedAt:  now,
		}
		if err := x.store.SaveResourceLock(lock); err != nil {
			return fmt.Errorf("acquire lock on %q: %w", lock.ResourceID, err)
		}
	}

	var err error
	switch action.ActionType {
	case models.ContentPublishAction:
		err = x.runContentPublish(action, ctx)
	case models.WebhookAction:
		err = x.runWebhook(action, ctx)
	default:
		err = errors.Wrapf(ErrUnknownActionType, "%q", action.ActionType)
	}

	if err != nil {
		// Best-effort release so the failed action's locks do not pin
		// the resources for the full TTL.
		if delErr := x.store.DeleteActionLocks(action.WorkflowID, action.ID); delErr != nil {
			x.logger.Errorf("Failed to release locks of workflow %d action %d: %v", action.WorkflowID, action.ID, delErr)
		}
		return err
	}
	return nil
}

func (x *WorkflowExecutor) runContentPublish(action models.WorkflowAction, ctx models.JSONMap) error {
	contentID, ok := intFromMap(ctx, "content_id")
	if !ok {
		contentID, ok = intFromMap(action.Config, "content_id")
	}
	if !ok {
		return errors.Wrap(ErrValidationFailed, "content_publish action has no content_id")
	}

	txStore, err := x.store.Begin()
	if err != nil {
		return errors.Wrap(err, "begin publish transaction")
	}
	if err := x.content.PublishContent(contentID); err != nil {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			x.logger.Errorf("Failed to rollback publish: %v (original error: %v)", rollbackErr, err)
		}
		return fmt.Errorf("publish content %d: %w", contentID, err)
	}
	if eventID, ok := intFromMap(ctx, "event_id"); ok {
		now := x.clock.Now()
		if err := txStore.UpdateEventStatus(eventID, models.PublishedEventStatus, "", &now); err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				x.logger.Errorf("Failed to rollback publish: %v (original error: %v)", rollbackErr, err)
			}
			return fmt.Errorf("mark event %d published: %w", eventID, err)
		}
	}
	return errors.Wrap(txStore.Commit(), "commit publish")
}

func (x *WorkflowExecutor) runWebhook(action models.WorkflowAction, ctx models.JSONMap) error {
	url, _ := action.Config["url"].(string)
	if url == "" {
		return errors.Wrap(ErrValidationFailed, "webhook action has no url")
	}
	payload := make(models.JSONMap, len(action.Config))
	if raw, ok := action.Config["payload"].(map[string]interface{}); ok {
		for key, value := range raw {
			if s, ok := value.(string); ok {
				payload[key] = Interpolate(s, ctx)
			} else {
				payload[key] = value
			}
		}
	}
	return x.webhooks.Post(url, payload)
}

func (x *WorkflowExecutor) failExecution(exec *models.WorkflowExecution, action *models.WorkflowAction, cause error) {
	wfErr := models.WorkflowError{
		WorkflowID: exec.WorkflowID,
		Message:    cause.Error(),
		Context:    exec.Context,
		CreatedAt:  x.clock.Now(),
	}
	if action != nil {
		actionID := action.ID
		wfErr.ActionID = &actionID
	}
	if err := x.store.SaveWorkflowError(wfErr); err != nil {
		x.logger.Errorf("Failed to log workflow %d error: %v", exec.WorkflowID, err)
	}

	completedAt := x.clock.Now()
	if err := x.store.UpdateExecutionStatus(exec.ID, models.FailedExecutionStatus, cause.Error(), &completedAt); err != nil {
		x.logger.Errorf("Failed to mark execution %s failed: %v", exec.ID, err)
	}
	exec.Status = models.FailedExecutionStatus
	exec.ErrorMsg = cause.Error()
	exec.CompletedAt = &completedAt
	x.logger.Errorf("Workflow %d execution %s failed: %v", exec.WorkflowID, exec.ID, cause)
}

// ResolveConflict applies a conflict resolution strategy. queue defers
// the request to a FIFO table; priority preempts lower-priority running
// executions and admits only if at least one was preempted; manual
// records the conflict for an operator and refuses automatic admission.
// The returned bool reports whether the workflow was admitted.
func (x *WorkflowExecutor) ResolveConflict(workflowID int64, strategy string, ctx models.JSONMap) (bool, error) {
	switch strategy {
	case QueueStrategy:
		err := x.store.EnqueueWorkflow(models.QueuedWorkflow{
			WorkflowID: workflowID,
			Context:    ctx,
			QueuedAt:   x.clock.Now(),
		})
		if err != nil {
			return false, errors.Wrapf(err, "queue workflow %d", workflowID)
		}
		x.logger.Infof("Workflow %d deferred to queue", workflowID)
		return false, nil

	case PriorityStrategy:
		wf, err := x.store.GetWorkflow(workflowID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, errors.Wrapf(ErrNotFound, "workflow %d", workflowID)
			}
			return false, err
		}
		running, err := x.store.ListRunningExecutionsBelow(wf.Priority)
		if err != nil {
			return false, errors.Wrap(err, "list lower-priority executions")
		}
		preempted := 0
		for _, other := range running {
			completedAt := x.clock.Now()
			if err := x.store.UpdateExecutionStatus(other.ID, models.PreemptedExecutionStatus, fmt.Sprintf("preempted by workflow %d", workflowID), &completedAt); err != nil {
				x.logger.Errorf("Failed to preempt execution %s: %v", other.ID, err)
				continue
			}
			preempted++
		}
		x.logger.Infof("Workflow %d preempted %d execution(s)", workflowID, preempted)
		return preempted > 0, nil

	case ManualStrategy:
		err := x.store.SaveWorkflowConflict(models.WorkflowConflict{
			WorkflowID: workflowID,
			Context:    ctx,
			Status:     "pending",
			CreatedAt:  x.clock.Now(),
		})
		if err != nil {
			return false, errors.Wrapf(err, "record manual conflict for workflow %d", workflowID)
		}
		return false, nil

	default:
		return false, errors.Wrapf(ErrUnknownStrategy, "%q", strategy)
	}
}
