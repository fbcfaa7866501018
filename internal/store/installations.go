package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertInstallation inserts or updates an installation row.
func (s *Store) UpsertInstallation(ctx context.Context, inst Installation) error {
	const query = `
		INSERT INTO installations (installation_id, account_login, account_type, installed_at, suspended_at, app_slug)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (installation_id) DO UPDATE SET
			account_login = EXCLUDED.account_login,
			account_type = EXCLUDED.account_type,
			suspended_at = EXCLUDED.suspended_at,
			app_slug = EXCLUDED.app_slug
	`
	_, err := s.db.ExecContext(ctx, query, inst.InstallationID, inst.AccountLogin, inst.AccountType, inst.InstalledAt, inst.SuspendedAt, inst.AppSlug)
	if err != nil {
		return fmt.Errorf("store: upsert installation: %w", err)
	}
	return nil
}

// GetInstallation loads an installation by id.
func (s *Store) GetInstallation(ctx context.Context, installationID int64) (*Installation, error) {
	var inst Installation
	err := s.db.GetContext(ctx, &inst, `SELECT * FROM installations WHERE installation_id = $1`, installationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get installation: %w", err)
	}
	return &inst, nil
}

// DeleteInstallation removes an installation row; InstallationRepository
// rows cascade via the foreign key.
func (s *Store) DeleteInstallation(ctx context.Context, installationID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM installations WHERE installation_id = $1`, installationID)
	if err != nil {
		return fmt.Errorf("store: delete installation: %w", err)
	}
	return nil
}

// InsertInstallationRepository records that a repository is covered by an
// installation. Idempotent.
func (s *Store) InsertInstallationRepository(ctx context.Context, installationID int64, repoFullName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO installation_repositories (installation_id, repo_full_name)
		VALUES ($1, $2)
		ON CONFLICT (installation_id, repo_full_name) DO NOTHING
	`, installationID, repoFullName)
	if err != nil {
		return fmt.Errorf("store: insert installation repository: %w", err)
	}
	return nil
}

// DeleteInstallationRepository removes one repo from an installation's coverage.
func (s *Store) DeleteInstallationRepository(ctx context.Context, installationID int64, repoFullName string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM installation_repositories WHERE installation_id = $1 AND repo_full_name = $2
	`, installationID, repoFullName)
	if err != nil {
		return fmt.Errorf("store: delete installation repository: %w", err)
	}
	return nil
}

// FindInstallationForRepo returns the installation_id covering repoFullName,
// if any.
func (s *Store) FindInstallationForRepo(ctx context.Context, repoFullName string) (int64, bool, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		SELECT installation_id FROM installation_repositories WHERE repo_full_name = $1 LIMIT 1
	`, repoFullName)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("store: find installation for repo: %w", err)
	}
	return id, true, nil
}

// ReposForInstallation lists every repository covered by an installation.
func (s *Store) ReposForInstallation(ctx context.Context, installationID int64) ([]string, error) {
	var repos []string
	err := s.db.SelectContext(ctx, &repos, `
		SELECT repo_full_name FROM installation_repositories WHERE installation_id = $1
	`, installationID)
	if err != nil {
		return nil, fmt.Errorf("store: repos for installation: %w", err)
	}
	return repos, nil
}
