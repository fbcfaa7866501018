// Package credentials implements the OAuth credential lifecycle: authorization
// URL issuance, callback completion, encrypted-at-rest storage, expiry-aware
// retrieval with deduplicated refresh, validation and disconnect (§4.1).
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/towns-xyz/github-bridge/internal/cryptobox"
	"github.com/towns-xyz/github-bridge/internal/githubapp"
	"github.com/towns-xyz/github-bridge/internal/store"
)

// Sentinel errors, compared with errors.Is at call sites (§7).
var (
	ErrInvalidState  = errors.New("credentials: invalid state")
	ErrStateExpired  = errors.New("credentials: state expired")
	ErrTokenNotFound = errors.New("credentials: token not found")
)

const oauthStateTTL = 15 * time.Minute

// ValidationResult is the outcome of Validate.
type ValidationResult string

const (
	ValidationValid     ValidationResult = "valid"
	ValidationInvalid   ValidationResult = "invalid"
	ValidationNotLinked ValidationResult = "not_linked"
	ValidationUnknown   ValidationResult = "unknown"
)

// Exchanger performs the upstream OAuth operations. *oauth2.Config satisfies
// this directly in production; tests substitute a fake (§8 property 7, S6).
type Exchanger interface {
	Exchange(ctx context.Context, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)
	AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string
	TokenSource(ctx context.Context, t *oauth2.Token) oauth2.TokenSource
}

// UserProfile is the subset of a GitHub user profile the credential store needs.
type UserProfile struct {
	GitHubUserID int64
	Login        string
}

// ProfileFetcher fetches the authenticated GitHub user for a live access
// token, used on callback and by Validate.
type ProfileFetcher interface {
	FetchUser(ctx context.Context, accessToken string) (UserProfile, error)
}

// Revoker best-effort revokes an access token upstream. A nil Revoker means
// Disconnect skips the upstream call and only deletes the local row.
type Revoker interface {
	Revoke(ctx context.Context, accessToken string) error
}

// tokenStore is the subset of *store.Store this package depends on, so
// tests can substitute an in-memory fake (grounded on the teacher's
// dataStore-interface style in server.go).
type tokenStore interface {
	InsertOAuthState(ctx context.Context, st store.OAuthState) error
	ConsumeOAuthState(ctx context.Context, state string) (*store.OAuthState, error)
	UpsertToken(ctx context.Context, t store.Token) error
	GetToken(ctx context.Context, townsUserID string) (*store.Token, error)
	UpdateTokenAfterRefresh(ctx context.Context, townsUserID, accessToken string, expiresAt time.Time, refreshToken *string, refreshExpiresAt *time.Time) error
	DeleteToken(ctx context.Context, townsUserID string) error
}

// CallbackResult is everything the caller needs to resume the user's
// original follow-up action once the OAuth callback completes.
type CallbackResult struct {
	TownsUserID    string
	ChannelID      string
	SpaceID        string
	RedirectAction store.RedirectAction
	RedirectData   string
	GitHubLogin    string
}

// Service is the credential store.
type Service struct {
	store            tokenStore
	exchanger        Exchanger
	profiles         ProfileFetcher
	revoker          Revoker
	box              *cryptobox.Box
	refreshLookAhead time.Duration
	inflight         singleflight.Group
}

// New builds a credential Service. st is typically *store.Store; tests pass
// an in-memory fake satisfying the same subset of methods.
func New(st tokenStore, exchanger Exchanger, profiles ProfileFetcher, revoker Revoker, box *cryptobox.Box, refreshLookAhead time.Duration) *Service {
	return &Service{
		store:            st,
		exchanger:        exchanger,
		profiles:         profiles,
		revoker:          revoker,
		box:              box,
		refreshLookAhead: refreshLookAhead,
	}
}

// IssueAuthorizationURL generates a fresh state nonce, persists it with its
// follow-up action/data and a 15-minute expiry, and returns the upstream
// authorization URL (§4.1 "Authorization URL issuance").
func (s *Service) IssueAuthorizationURL(ctx context.Context, townsUserID, channelID, spaceID string, action store.RedirectAction, redirectData string) (string, error) {
	state, err := randomState()
	if err != nil {
		return "", fmt.Errorf("credentials: generate state: %w", err)
	}
	row := store.OAuthState{
		State:          state,
		TownsUserID:    townsUserID,
		ChannelID:      channelID,
		SpaceID:        spaceID,
		RedirectAction: action,
		RedirectData:   redirectData,
		ExpiresAt:      time.Now().UTC().Add(oauthStateTTL),
	}
	if err := s.store.InsertOAuthState(ctx, row); err != nil {
		return "", fmt.Errorf("credentials: persist oauth state: %w", err)
	}
	return s.exchanger.AuthCodeURL(state), nil
}

// Callback completes an OAuth authorization-code exchange (§4.1 "Callback").
func (s *Service) Callback(ctx context.Context, code, state string) (*CallbackResult, error) {
	st, err := s.store.ConsumeOAuthState(ctx, state)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("credentials: consume oauth state: %w", err)
	}
	if time.Now().UTC().After(st.ExpiresAt) {
		return nil, ErrStateExpired
	}

	tok, err := s.exchanger.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("credentials: exchange code: %w", err)
	}

	profile, err := s.profiles.FetchUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("credentials: fetch github profile: %w", err)
	}

	encryptedAccess, err := s.box.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("credentials: encrypt access token: %w", err)
	}
	var encryptedRefresh *string
	var refreshExpiresAt *time.Time
	if tok.RefreshToken != "" {
		enc, err := s.box.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("credentials: encrypt refresh token: %w", err)
		}
		encryptedRefresh = &enc
		if exp, ok := tok.Extra("refresh_token_expires_in").(float64); ok && exp > 0 {
			t := time.Now().UTC().Add(time.Duration(exp) * time.Second)
			refreshExpiresAt = &t
		}
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().UTC().Add(time.Hour)
	}

	if err := s.store.UpsertToken(ctx, store.Token{
		TownsUserID:           st.TownsUserID,
		GitHubUserID:          profile.GitHubUserID,
		GitHubLogin:           profile.Login,
		AccessToken:           encryptedAccess,
		TokenType:             tok.TokenType,
		ExpiresAt:             expiresAt,
		RefreshToken:          encryptedRefresh,
		RefreshTokenExpiresAt: refreshExpiresAt,
	}); err != nil {
		return nil, fmt.Errorf("credentials: upsert token: %w", err)
	}

	return &CallbackResult{
		TownsUserID:    st.TownsUserID,
		ChannelID:      st.ChannelID,
		SpaceID:        st.SpaceID,
		RedirectAction: st.RedirectAction,
		RedirectData:   st.RedirectData,
		GitHubLogin:    profile.Login,
	}, nil
}

// LiveAccessToken returns a usable decrypted access token for townsUserID,
// refreshing it first if it is expiring within the configured look-ahead
// (§4.1 "Live token retrieval"). ok is false if there is no token, or the
// token (and any refresh token) has expired.
func (s *Service) LiveAccessToken(ctx context.Context, townsUserID string) (token string, ok bool, err error) {
	t, err := s.store.GetToken(ctx, townsUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("credentials: load token: %w", err)
	}

	now := time.Now().UTC()
	if now.Add(s.refreshLookAhead).Before(t.ExpiresAt) {
		plain, err := s.box.Decrypt(t.AccessToken)
		if err != nil {
			return "", false, fmt.Errorf("credentials: decrypt access token: %w", err)
		}
		return plain, true, nil
	}

	if t.RefreshToken == nil || (t.RefreshTokenExpiresAt != nil && now.After(*t.RefreshTokenExpiresAt)) {
		return "", false, nil
	}

	// Deduplicate concurrent refreshes for the same user: the first caller
	// performs the upstream refresh, concurrent callers observe the same
	// result (§4.1, §5, §8 property 7).
	result, err, _ := s.inflight.Do(townsUserID, func() (interface{}, error) {
		return s.refresh(ctx, townsUserID, *t)
	})
	if err != nil {
		// Refresh failure is treated as logout (§4.1, §7).
		_ = s.store.DeleteToken(ctx, townsUserID)
		return "", false, nil
	}
	return result.(string), true, nil
}

func (s *Service) refresh(ctx context.Context, townsUserID string, t store.Token) (string, error) {
	plainRefresh, err := s.box.Decrypt(*t.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypt refresh token: %w", err)
	}

	src := s.exchanger.TokenSource(ctx, &oauth2.Token{RefreshToken: plainRefresh})
	newTok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("credentials: refresh upstream: %w", err)
	}

	encryptedAccess, err := s.box.Encrypt(newTok.AccessToken)
	if err != nil {
		return "", fmt.Errorf("credentials: encrypt refreshed access token: %w", err)
	}

	refreshToken := plainRefresh
	if newTok.RefreshToken != "" {
		refreshToken = newTok.RefreshToken
	}
	encryptedRefresh, err := s.box.Encrypt(refreshToken)
	if err != nil {
		return "", fmt.Errorf("credentials: encrypt refreshed refresh token: %w", err)
	}

	expiresAt := newTok.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().UTC().Add(time.Hour)
	}

	if err := s.store.UpdateTokenAfterRefresh(ctx, townsUserID, encryptedAccess, expiresAt, &encryptedRefresh, t.RefreshTokenExpiresAt); err != nil {
		return "", fmt.Errorf("credentials: persist refreshed token: %w", err)
	}

	return newTok.AccessToken, nil
}

// GitHubLogin returns the GitHub login captured for townsUserID at OAuth
// time, used to attribute a subscription to its creator (§4.4 step 3, §3
// Subscription.created_by_github_login) without an extra upstream call.
func (s *Service) GitHubLogin(ctx context.Context, townsUserID string) (string, error) {
	t, err := s.store.GetToken(ctx, townsUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrTokenNotFound
		}
		return "", fmt.Errorf("credentials: load token: %w", err)
	}
	return t.GitHubLogin, nil
}

// Validate calls the "authenticated user" endpoint with the stored token
// (§4.1 "Validation").
func (s *Service) Validate(ctx context.Context, townsUserID string) (ValidationResult, error) {
	t, err := s.store.GetToken(ctx, townsUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ValidationNotLinked, nil
		}
		return ValidationUnknown, fmt.Errorf("credentials: load token: %w", err)
	}

	plain, err := s.box.Decrypt(t.AccessToken)
	if err != nil {
		return ValidationUnknown, fmt.Errorf("credentials: decrypt access token: %w", err)
	}

	if _, err := s.profiles.FetchUser(ctx, plain); err != nil {
		if isUnauthorized(err) {
			_ = s.store.DeleteToken(ctx, townsUserID)
			return ValidationInvalid, nil
		}
		return ValidationUnknown, nil
	}
	return ValidationValid, nil
}

// Disconnect best-effort revokes the token upstream, then deletes the row
// regardless of revocation outcome (§4.1 "Disconnect").
func (s *Service) Disconnect(ctx context.Context, townsUserID string) error {
	t, err := s.store.GetToken(ctx, townsUserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("credentials: load token: %w", err)
	}
	if s.revoker != nil {
		if plain, decErr := s.box.Decrypt(t.AccessToken); decErr == nil {
			_ = s.revoker.Revoke(ctx, plain)
		}
	}
	if err := s.store.DeleteToken(ctx, townsUserID); err != nil {
		return fmt.Errorf("credentials: delete token: %w", err)
	}
	return nil
}

func isUnauthorized(err error) bool {
	return githubapp.ClassifyError(err) == githubapp.APIErrorUnauthorized
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
