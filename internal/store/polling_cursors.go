package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetPollingCursor loads a repo's polling cursor, if one exists.
func (s *Store) GetPollingCursor(ctx context.Context, repoFullName string) (*PollingCursor, error) {
	var c PollingCursor
	err := s.db.GetContext(ctx, &c, `SELECT * FROM polling_cursors WHERE repo_full_name = $1`, repoFullName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get polling cursor: %w", err)
	}
	return &c, nil
}

// UpsertPollingCursor writes the post-sweep cursor state for a repo.
func (s *Store) UpsertPollingCursor(ctx context.Context, c PollingCursor) error {
	const query = `
		INSERT INTO polling_cursors (repo_full_name, etag, last_event_id, last_polled_at, default_branch, updated_at)
		VALUES ($1, $2, $3, NOW(), $4, NOW())
		ON CONFLICT (repo_full_name) DO UPDATE SET
			etag = EXCLUDED.etag,
			last_event_id = EXCLUDED.last_event_id,
			last_polled_at = NOW(),
			default_branch = CASE WHEN EXCLUDED.default_branch = '' THEN polling_cursors.default_branch ELSE EXCLUDED.default_branch END,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query, c.RepoFullName, c.ETag, c.LastEventID, c.DefaultBranch)
	if err != nil {
		return fmt.Errorf("store: upsert polling cursor: %w", err)
	}
	return nil
}

// SetPollingCursorDefaultBranch caches a repo's default branch without
// touching etag/last_event_id, so a caller outside the polling sweep itself
// (e.g. the event processor resolving a branch filter) cannot clobber the
// sweep's own cursor state.
func (s *Store) SetPollingCursorDefaultBranch(ctx context.Context, repoFullName, defaultBranch string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO polling_cursors (repo_full_name, last_polled_at, default_branch, updated_at)
		VALUES ($1, NOW(), $2, NOW())
		ON CONFLICT (repo_full_name) DO UPDATE SET default_branch = EXCLUDED.default_branch, updated_at = NOW()
	`, repoFullName, defaultBranch)
	if err != nil {
		return fmt.Errorf("store: set polling cursor default branch: %w", err)
	}
	return nil
}

// TouchPollingCursorPolledAt records that a sweep observed no change (e.g. a
// 304 response) without altering etag/last_event_id.
func (s *Store) TouchPollingCursorPolledAt(ctx context.Context, repoFullName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO polling_cursors (repo_full_name, last_polled_at, updated_at)
		VALUES ($1, NOW(), NOW())
		ON CONFLICT (repo_full_name) DO UPDATE SET last_polled_at = NOW(), updated_at = NOW()
	`, repoFullName)
	if err != nil {
		return fmt.Errorf("store: touch polling cursor: %w", err)
	}
	return nil
}
