package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/youpolonia/cms-sub031/pkg/service"
)

// ContentAdapter backs the content and permission collaborators with
// the platform's own tables. It shares the connection pool with the
// scheduling store.
type ContentAdapter struct {
	db *sqlx.DB
}

func NewContentAdapter(db *sqlx.DB) *ContentAdapter {
	return &ContentAdapter{db: db}
}

func (a *ContentAdapter) GetContent(id int64) (service.Content, error) {
	var row struct {
		ID             int64  `db:"id"`
		Status         string `db:"status"`
		ContentType    string `db:"content_type"`
		CurrentVersion int64  `db:"current_version"`
	}
	err := a.db.Get(&row, `SELECT id, status, content_type, current_version FROM content WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return service.Content{}, fmt.Errorf("content %d: %w", id, sql.ErrNoRows)
	}
	if err != nil {
		return service.Content{}, fmt.Errorf("get content %d: %w", id, err)
	}
	return service.Content{
		ID:             row.ID,
		Status:         row.Status,
		ContentType:    row.ContentType,
		CurrentVersion: row.CurrentVersion,
	}, nil
}

func (a *ContentAdapter) PublishContent(id int64) error {
	res, err := a.db.Exec(`UPDATE content SET status = 'published', published_at = $2 WHERE id = $1`, id, time.Now())
	if err != nil {
		return fmt.Errorf("publish content %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("publish content %d: no such content", id)
	}
	return nil
}

func (a *ContentAdapter) ActivateVersion(contentID, versionID int64) error {
	res, err := a.db.Exec(`UPDATE content SET current_version = $2 WHERE id = $1`, contentID, versionID)
	if err != nil {
		return fmt.Errorf("activate version %d for content %d: %w", versionID, contentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("activate version for content %d: no such content", contentID)
	}
	return nil
}

func (a *ContentAdapter) RecordVersion(contentID int64, versionHash, note string) error {
	_, err := a.db.Exec(`
		INSERT INTO content_versions (content_id, version_hash, note, created_at)
		VALUES ($1, $2, $3, $4)`,
		contentID, versionHash, note, time.Now())
	if err != nil {
		return fmt.Errorf("record version for content %d: %w", contentID, err)
	}
	return nil
}

func (a *ContentAdapter) HasPermission(userID int64, permission string) (bool, error) {
	var n int
	err := a.db.Get(&n, `SELECT COUNT(1) FROM user_permissions WHERE user_id = $1 AND permission = $2`, userID, permission)
	if err != nil {
		return false, fmt.Errorf("permission lookup for user %d: %w", userID, err)
	}
	return n > 0, nil
}
