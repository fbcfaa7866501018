package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// UpsertToken inserts or updates the token row for a platform user. Because
// github_user_id is unique, re-authorizing a different platform user with
// the same GitHub account must move the mapping rather than duplicate it:
// the upsert target is github_user_id, not towns_user_id.
func (s *Store) UpsertToken(ctx context.Context, t Token) error {
	const query = `
		INSERT INTO tokens (towns_user_id, github_user_id, github_login, access_token,
			token_type, expires_at, refresh_token, refresh_token_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (github_user_id) DO UPDATE SET
			towns_user_id = EXCLUDED.towns_user_id,
			github_login = EXCLUDED.github_login,
			access_token = EXCLUDED.access_token,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			refresh_token = EXCLUDED.refresh_token,
			refresh_token_expires_at = EXCLUDED.refresh_token_expires_at,
			updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query,
		t.TownsUserID, t.GitHubUserID, t.GitHubLogin, t.AccessToken,
		t.TokenType, t.ExpiresAt, t.RefreshToken, t.RefreshTokenExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert token: %w", err)
	}
	return nil
}

// GetToken loads a token by platform user id.
func (s *Store) GetToken(ctx context.Context, townsUserID string) (*Token, error) {
	var t Token
	err := s.db.GetContext(ctx, &t, `SELECT * FROM tokens WHERE towns_user_id = $1`, townsUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get token: %w", err)
	}
	return &t, nil
}

// UpdateTokenAfterRefresh persists a refreshed access/refresh token pair.
func (s *Store) UpdateTokenAfterRefresh(ctx context.Context, townsUserID, accessToken string, expiresAt time.Time, refreshToken *string, refreshExpiresAt *time.Time) error {
	const query = `
		UPDATE tokens SET access_token = $2, expires_at = $3, refresh_token = $4,
			refresh_token_expires_at = $5, updated_at = NOW()
		WHERE towns_user_id = $1
	`
	res, err := s.db.ExecContext(ctx, query, townsUserID, accessToken, expiresAt, refreshToken, refreshExpiresAt)
	if err != nil {
		return fmt.Errorf("store: update token after refresh: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteToken removes a token row (disconnect, or refresh failure treated as
// logout, or 401-on-use detection).
func (s *Store) DeleteToken(ctx context.Context, townsUserID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE towns_user_id = $1`, townsUserID)
	if err != nil {
		return fmt.Errorf("store: delete token: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
