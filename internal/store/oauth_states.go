package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InsertOAuthState persists a freshly issued authorization-flow nonce.
func (s *Store) InsertOAuthState(ctx context.Context, st OAuthState) error {
	const query = `
		INSERT INTO oauth_states (state, towns_user_id, channel_id, space_id, redirect_action, redirect_data, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err := s.db.ExecContext(ctx, query, st.State, st.TownsUserID, st.ChannelID, st.SpaceID, string(st.RedirectAction), st.RedirectData, st.ExpiresAt)
	if err != nil {
		return fmt.Errorf("store: insert oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState loads and deletes an OAuth state row in one transaction,
// enforcing "a state nonce may be consumed at most once." Returns ErrNotFound
// if no row matches.
func (s *Store) ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin consume oauth state tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var st OAuthState
	err = tx.GetContext(ctx, &st, `SELECT * FROM oauth_states WHERE state = $1`, state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get oauth state: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM oauth_states WHERE state = $1`, state); err != nil {
		return nil, fmt.Errorf("store: delete oauth state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit consume oauth state: %w", err)
	}
	return &st, nil
}

// DeleteExpiredOAuthStates removes rows past their expiry, for housekeeping.
func (s *Store) DeleteExpiredOAuthStates(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired oauth states: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
