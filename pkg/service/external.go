package service

import "time"

// Logger defines the logging interface shared by all services.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Content is the view of a content row exposed by the external content
// store. Scheduling only cares about publishability, not the body.
type Content struct {
	ID             int64
	Status         string // "draft", "published", ...
	ContentType    string
	CurrentVersion int64
}

// ContentStore is the external content storage/versioning collaborator.
// PublishContent must be transactional and idempotent under caller retry.
type ContentStore interface {
	GetContent(id int64) (Content, error)
	PublishContent(id int64) error
	ActivateVersion(contentID, versionID int64) error
	RecordVersion(contentID int64, versionHash, note string) error
}

// PermissionStore answers role-based permission lookups.
type PermissionStore interface {
	HasPermission(userID int64, permission string) (bool, error)
}

// Clock supplies "now" for every staleness and expiry decision, so tests
// can drive time explicitly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall-clock time source.
func SystemClock() Clock { return systemClock{} }
