package service

import (
	"fmt"
	"time"

	"github.com/youpolonia/cms-sub031/pkg/models"
)

// Permissions required to schedule content for future publication.
const (
	PermScheduleContent = "schedule_content"
	PermPublishContent  = "publish_scheduled_content"
)

// EvalResult carries a structured evaluation outcome: never a bare
// boolean, so batch callers can report per-item causes. Checks maps each
// performed check to its result; checks after the first failure are
// absent (evaluation short-circuits). Details carries the parsed
// publish_at and, when conflicts were found, their count.
type EvalResult struct {
	OK        bool                     `json:"ok"`
	Reason    string                   `json:"reason,omitempty"`
	Checks    map[string]bool          `json:"checks"`
	Conflicts []models.Conflict        `json:"conflicts,omitempty"`
	Details   map[string]interface{}   `json:"details,omitempty"`
}

func failedEval(reason string, checks map[string]bool) EvalResult {
	return EvalResult{OK: false, Reason: reason, Checks: checks}
}

// Predicate is a pluggable content- or user-specific precondition.
// It returns ok plus a reason used when the check fails.
type Predicate func(userID, contentID int64, conds models.JSONMap) (bool, string)

// ConditionEvaluator validates a proposed schedule's temporal and
// content preconditions in a fixed order, short-circuiting on the first
// failure.
type ConditionEvaluator struct {
	gate       *PermissionGate
	content    ContentStore
	conflicts  *ConflictDetector
	clock      Clock
	logger     Logger
	predicates []Predicate
}

func NewConditionEvaluator(gate *PermissionGate, content ContentStore, conflicts *ConflictDetector, clock Clock, logger Logger) *ConditionEvaluator {
	return &ConditionEvaluator{
		gate:      gate,
		content:   content,
		conflicts: conflicts,
		clock:     clock,
		logger:    logger,
	}
}

// AddPredicate registers an additional content- or user-specific check,
// run after the built-in date checks. The default set passes everything.
func (e *ConditionEvaluator) AddPredicate(p Predicate) {
	e.predicates = append(e.predicates, p)
}

// Evaluate runs the precondition chain: permissions, content state, date
// conditions, pluggable predicates, then conflict detection when a
// target time is present.
func (e *ConditionEvaluator) Evaluate(conds models.JSONMap, userID, contentID int64, versionID *int64) EvalResult {
	checks := make(map[string]bool)

	if !e.gate.CanPerform(userID, PermScheduleContent) || !e.gate.CanPerform(userID, PermPublishContent) {
		checks["permissions"] = false
		return failedEval("user lacks scheduling permissions", checks)
	}
	checks["permissions"] = true

	content, err := e.content.GetContent(contentID)
	if err != nil {
		checks["content_exists"] = false
		return failedEval(fmt.Sprintf("content %d not found: %v", contentID, err), checks)
	}
	checks["content_exists"] = true

	if content.Status != "draft" {
		checks["content_schedulable"] = false
		return failedEval(fmt.Sprintf("content %d is %q, only drafts can be scheduled", contentID, content.Status), checks)
	}
	checks["content_schedulable"] = true

	publishAt, reason := parsePublishAt(conds)
	if reason != "" {
		checks["publish_at"] = false
		return failedEval(reason, checks)
	}
	if !publishAt.After(e.clock.Now()) {
		checks["publish_at"] = false
		return failedEval("publish_at must be strictly in the future", checks)
	}
	checks["publish_at"] = true
	details := map[string]interface{}{"publish_at": publishAt.UTC().Format(time.RFC3339)}

	for i, pred := range e.predicates {
		ok, why := pred(userID, contentID, conds)
		name := fmt.Sprintf("predicate_%d", i)
		checks[name] = ok
		if !ok {
			return failedEval(why, checks)
		}
	}

	found, err := e.conflicts.CheckConflicts(contentID, versionID, publishAt)
	if err != nil {
		checks["conflicts"] = false
		return failedEval(fmt.Sprintf("conflict check failed: %v", err), checks)
	}
	if len(found) > 0 {
		checks["conflicts"] = false
		details["conflict_count"] = len(found)
		res := failedEval(fmt.Sprintf("%d scheduling conflict(s) detected", len(found)), checks)
		res.Conflicts = found
		res.Details = details
		return res
	}
	checks["conflicts"] = true

	return EvalResult{OK: true, Checks: checks, Details: details}
}

// MatchContext evaluates a stored condition set against a trigger
// context: every condition key must be present in the context with an
// equal value. An empty condition set matches everything.
func (e *ConditionEvaluator) MatchContext(conds, ctx models.JSONMap) bool {
	for key, want := range conds {
		got, ok := ctx[key]
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func parsePublishAt(conds models.JSONMap) (time.Time, string) {
	raw, ok := conds["publish_at"]
	if !ok {
		return time.Time{}, "missing publish_at condition"
	}
	switch v := raw.(type) {
	case time.Time:
		return v, ""
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, fmt.Sprintf("publish_at %q does not parse: %v", v, err)
		}
		return t, ""
	default:
		return time.Time{}, fmt.Sprintf("publish_at has unsupported type %T", raw)
	}
}
