// Package store is the persistence layer: subscriptions, installations,
// tokens, OAuth state, pending subscriptions, polling cursors and delivery
// records.
package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by single-row lookups that find no row.
	ErrNotFound = errors.New("store: not found")
	// ErrAlreadyExists is returned when a unique constraint would be violated.
	ErrAlreadyExists = errors.New("store: already exists")
)

// DeliveryMode is how events reach chat for a given subscription.
type DeliveryMode string

const (
	DeliveryModeWebhook DeliveryMode = "webhook"
	DeliveryModePolling DeliveryMode = "polling"
)

// AccountType distinguishes a GitHub App installation's target.
type AccountType string

const (
	AccountTypeUser         AccountType = "User"
	AccountTypeOrganization AccountType = "Organization"
)

// DeliveryStatus is the outcome recorded for a processed webhook delivery.
type DeliveryStatus string

const (
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// Subscription is a channel's registered interest in a repository.
type Subscription struct {
	ID                int64        `db:"id"`
	SpaceID           string       `db:"space_id"`
	ChannelID         string       `db:"channel_id"`
	RepoFullName      string       `db:"repo_full_name"`
	DeliveryMode      DeliveryMode `db:"delivery_mode"`
	IsPrivate         bool         `db:"is_private"`
	CreatedByUserID   string       `db:"created_by_user_id"`
	CreatedByGitHub   string       `db:"created_by_github_login"`
	InstallationID    *int64       `db:"installation_id"`
	Enabled           bool         `db:"enabled"`
	EventTypes        StringSlice  `db:"event_types"`
	BranchFilter      *string      `db:"branch_filter"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

// Installation is a GitHub App's presence on an account.
type Installation struct {
	InstallationID int64       `db:"installation_id"`
	AccountLogin   string      `db:"account_login"`
	AccountType    AccountType `db:"account_type"`
	InstalledAt    time.Time   `db:"installed_at"`
	SuspendedAt    *time.Time  `db:"suspended_at"`
	AppSlug        string      `db:"app_slug"`
}

// InstallationRepository is a (installation_id, repo_full_name) join row.
type InstallationRepository struct {
	InstallationID int64  `db:"installation_id"`
	RepoFullName   string `db:"repo_full_name"`
}

// Token is a platform user's stored GitHub OAuth credential. AccessToken and
// RefreshToken are ciphertext ("iv:tag:ciphertext" hex, see internal/cryptobox);
// callers must decrypt before use and encrypt before storing.
type Token struct {
	TownsUserID           string     `db:"towns_user_id"`
	GitHubUserID          int64      `db:"github_user_id"`
	GitHubLogin           string     `db:"github_login"`
	AccessToken           string     `db:"access_token"`
	TokenType             string     `db:"token_type"`
	ExpiresAt             time.Time  `db:"expires_at"`
	RefreshToken          *string    `db:"refresh_token"`
	RefreshTokenExpiresAt *time.Time `db:"refresh_token_expires_at"`
	CreatedAt             time.Time  `db:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at"`
}

// RedirectAction names the user-initiated follow-up to run after an OAuth
// callback completes.
type RedirectAction string

const (
	RedirectActionNone             RedirectAction = ""
	RedirectActionCreateSubscribe  RedirectAction = "create_subscription"
	RedirectActionValidate         RedirectAction = "validate_token"
)

// OAuthState is a single-use nonce issued when an authorization URL is
// generated, consumed on callback.
type OAuthState struct {
	State          string         `db:"state"`
	TownsUserID    string         `db:"towns_user_id"`
	ChannelID      string         `db:"channel_id"`
	SpaceID        string         `db:"space_id"`
	RedirectAction RedirectAction `db:"redirect_action"`
	RedirectData   string         `db:"redirect_data"`
	ExpiresAt      time.Time      `db:"expires_at"`
	CreatedAt      time.Time      `db:"created_at"`
}

// PendingSubscription is a user's stated intent to subscribe that cannot yet
// be realized because no installation covers the repository.
type PendingSubscription struct {
	ID              int64       `db:"id"`
	SpaceID         string      `db:"space_id"`
	ChannelID       string      `db:"channel_id"`
	RepoFullName    string      `db:"repo_full_name"`
	TownsUserID     string      `db:"towns_user_id"`
	EventTypes      StringSlice `db:"event_types"`
	BranchFilter    *string     `db:"branch_filter"`
	CreatedAt       time.Time   `db:"created_at"`
	ExpiresAt       time.Time   `db:"expires_at"`
}

// PollingCursor is per-repo polling state.
type PollingCursor struct {
	RepoFullName  string    `db:"repo_full_name"`
	ETag          *string   `db:"etag"`
	LastEventID   *string   `db:"last_event_id"`
	LastPolledAt  time.Time `db:"last_polled_at"`
	DefaultBranch string    `db:"default_branch"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// DeliveryRecord is an idempotency marker keyed by the upstream delivery id.
type DeliveryRecord struct {
	DeliveryID     string         `db:"delivery_id"`
	InstallationID *int64         `db:"installation_id"`
	EventType      string         `db:"event_type"`
	DeliveredAt    time.Time      `db:"delivered_at"`
	Status         DeliveryStatus `db:"status"`
	Error          *string        `db:"error"`
	RetryCount     int            `db:"retry_count"`
}
