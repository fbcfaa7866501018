package store

import (
	"context"
	"fmt"
)

// UpsertPendingSubscription records a user's intent to subscribe to a repo
// not yet covered by an installation.
func (s *Store) UpsertPendingSubscription(ctx context.Context, p PendingSubscription) error {
	const query = `
		INSERT INTO pending_subscriptions (space_id, channel_id, repo_full_name, towns_user_id, event_types, branch_filter, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7)
		ON CONFLICT (space_id, channel_id, repo_full_name) DO UPDATE SET
			towns_user_id = EXCLUDED.towns_user_id,
			event_types = EXCLUDED.event_types,
			branch_filter = EXCLUDED.branch_filter,
			expires_at = EXCLUDED.expires_at
	`
	_, err := s.db.ExecContext(ctx, query, p.SpaceID, p.ChannelID, p.RepoFullName, p.TownsUserID, p.EventTypes, p.BranchFilter, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: upsert pending subscription: %w", err)
	}
	return nil
}

// PendingSubscriptionsForRepo returns every pending row for a repo, used
// when an installation newly covers it.
func (s *Store) PendingSubscriptionsForRepo(ctx context.Context, repoFullName string) ([]PendingSubscription, error) {
	var rows []PendingSubscription
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM pending_subscriptions WHERE repo_full_name = $1`, repoFullName)
	if err != nil {
		return nil, fmt.Errorf("store: pending subscriptions for repo: %w", err)
	}
	return rows, nil
}

// DeletePendingSubscriptionsForRepo removes every pending row for a repo,
// regardless of whether each was successfully completed (they are either
// fulfilled or stale).
func (s *Store) DeletePendingSubscriptionsForRepo(ctx context.Context, repoFullName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_subscriptions WHERE repo_full_name = $1`, repoFullName)
	if err != nil {
		return fmt.Errorf("store: delete pending subscriptions for repo: %w", err)
	}
	return nil
}

// DeleteExpiredPendingSubscriptions removes rows past their TTL, for housekeeping.
func (s *Store) DeleteExpiredPendingSubscriptions(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_subscriptions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired pending subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
