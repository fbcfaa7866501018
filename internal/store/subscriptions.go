package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetSubscription loads a subscription by its natural key.
func (s *Store) GetSubscription(ctx context.Context, spaceID, channelID, repoFullName string) (*Subscription, error) {
	var sub Subscription
	err := s.db.GetContext(ctx, &sub, `
		SELECT * FROM subscriptions WHERE space_id = $1 AND channel_id = $2 AND repo_full_name = $3
	`, spaceID, channelID, repoFullName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return &sub, nil
}

// InsertSubscription creates a new subscription row. Returns ErrAlreadyExists
// if the (space_id, channel_id, repo_full_name) triple is already present.
func (s *Store) InsertSubscription(ctx context.Context, sub Subscription) (*Subscription, error) {
	const query = `
		INSERT INTO subscriptions (space_id, channel_id, repo_full_name, delivery_mode, is_private,
			created_by_user_id, created_by_github_login, installation_id, enabled, event_types,
			branch_filter, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10, NOW(), NOW())
		RETURNING *
	`
	var out Subscription
	err := s.db.GetContext(ctx, &out, query,
		sub.SpaceID, sub.ChannelID, sub.RepoFullName, sub.DeliveryMode, sub.IsPrivate,
		sub.CreatedByUserID, sub.CreatedByGitHub, sub.InstallationID, sub.EventTypes, sub.BranchFilter,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("store: insert subscription: %w", err)
	}
	return &out, nil
}

// UpdateSubscriptionFilters replaces event_types and, if setBranch is true,
// branch_filter (a nil branchFilter then stores NULL).
func (s *Store) UpdateSubscriptionFilters(ctx context.Context, id int64, eventTypes StringSlice, branchFilter *string, setBranch bool) (*Subscription, error) {
	query := `UPDATE subscriptions SET event_types = $2, updated_at = NOW()`
	args := []interface{}{id, eventTypes}
	if setBranch {
		query += `, branch_filter = $3`
		args = append(args, branchFilter)
	}
	query += ` WHERE id = $1 RETURNING *`

	var out Subscription
	if err := s.db.GetContext(ctx, &out, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: update subscription: %w", err)
	}
	return &out, nil
}

// DeleteSubscription removes a subscription row by id.
func (s *Store) DeleteSubscription(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete subscription: %w", err)
	}
	return nil
}

// SubscriptionsForRepo returns all subscriptions for a repo with the given
// delivery mode (used to prevent dual-feed duplication: the event processor
// and polling engine each query only their own mode).
func (s *Store) SubscriptionsForRepo(ctx context.Context, repoFullName string, mode DeliveryMode) ([]Subscription, error) {
	var subs []Subscription
	err := s.db.SelectContext(ctx, &subs, `
		SELECT * FROM subscriptions WHERE repo_full_name = $1 AND delivery_mode = $2
	`, repoFullName, mode)
	if err != nil {
		return nil, fmt.Errorf("store: subscriptions for repo: %w", err)
	}
	return subs, nil
}

// PollingRepos returns the distinct set of repo_full_name values with at
// least one polling-mode subscription.
func (s *Store) PollingRepos(ctx context.Context) ([]string, error) {
	var repos []string
	err := s.db.SelectContext(ctx, &repos, `
		SELECT DISTINCT repo_full_name FROM subscriptions WHERE delivery_mode = 'polling'
	`)
	if err != nil {
		return nil, fmt.Errorf("store: polling repos: %w", err)
	}
	return repos, nil
}

// UpgradeSubscriptionsToWebhook atomically flips every polling subscription
// for repoFullName to webhook mode under the given installation. Returns the
// number of rows changed.
func (s *Store) UpgradeSubscriptionsToWebhook(ctx context.Context, repoFullName string, installationID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET delivery_mode = 'webhook', installation_id = $2, updated_at = NOW()
		WHERE repo_full_name = $1 AND delivery_mode = 'polling'
	`, repoFullName, installationID)
	if err != nil {
		return 0, fmt.Errorf("store: upgrade subscriptions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DowngradeResult reports the outcome of DowngradeSubscriptions.
type DowngradeResult struct {
	Downgraded []Subscription // public rows, now polling
	Removed    []Subscription // private rows, deleted
}

// DowngradeSubscriptions runs the split-update required when an installation
// is deleted (or specific repositories are removed from it): public
// subscriptions fall back to polling, private subscriptions are deleted.
// When repos is non-empty the change is restricted to those repositories.
func (s *Store) DowngradeSubscriptions(ctx context.Context, installationID int64, repos []string) (DowngradeResult, error) {
	var result DowngradeResult

	repoSet := make(map[string]bool, len(repos))
	for _, r := range repos {
		repoSet[r] = true
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("store: begin downgrade tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var affected []Subscription
	if err := tx.SelectContext(ctx, &affected, `SELECT * FROM subscriptions WHERE installation_id = $1`, installationID); err != nil {
		return result, fmt.Errorf("store: select affected subscriptions: %w", err)
	}

	for _, sub := range affected {
		if len(repoSet) > 0 && !repoSet[sub.RepoFullName] {
			continue
		}
		if sub.IsPrivate {
			if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = $1`, sub.ID); err != nil {
				return result, fmt.Errorf("store: delete private subscription: %w", err)
			}
			result.Removed = append(result.Removed, sub)
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE subscriptions SET delivery_mode = 'polling', installation_id = NULL, updated_at = NOW()
			WHERE id = $1
		`, sub.ID); err != nil {
			return result, fmt.Errorf("store: downgrade public subscription: %w", err)
		}
		sub.DeliveryMode = DeliveryModePolling
		sub.InstallationID = nil
		result.Downgraded = append(result.Downgraded, sub)
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("store: commit downgrade tx: %w", err)
	}
	return result, nil
}
