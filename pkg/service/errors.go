package service

import "github.com/pkg/errors"

// Sentinel errors forming the failure taxonomy of the scheduling core.
// Validation and permission failures are normally reported as structured
// results; these sentinels surface where a caller genuinely receives an
// error (storage boundaries, workflow actions, programmer mistakes).
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrValidationFailed  = errors.New("validation failed")
	ErrConflictDetected  = errors.New("scheduling conflict detected")
	ErrNotFound          = errors.New("not found")
	ErrTransientStore    = errors.New("transient store failure")
	ErrActionExecution   = errors.New("action execution failed")
	ErrUnknownActionType = errors.New("unknown action type")
	ErrUnknownStrategy   = errors.New("unknown conflict resolution strategy")
)
