// Package config loads the bridge service configuration from the environment.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of options recognized by the bridge service.
type Config struct {
	ListenAddr string

	DatabaseURL   string
	DatabaseTLS   bool
	DatabaseCABundle string

	GitHubApp           GitHubAppConfig
	GitHubOAuth         GitHubOAuthConfig
	GitHubWebhookSecret string

	PublicBaseURL string
	RedirectURL   string

	CredentialEncryptionKey []byte

	RefreshLookAhead        time.Duration
	PendingSubscriptionTTL  time.Duration
	PollingInterval         time.Duration
	PollingPerRepoBudget    time.Duration
	DeliveryRecordRetention time.Duration
}

// GitHubAppConfig holds the GitHub App identity used for installation-scoped access.
// Left zero-valued, the app is considered unconfigured and webhook delivery mode
// is unavailable (see GitHubAppConfig.Configured).
type GitHubAppConfig struct {
	AppID         int64
	Slug          string
	PrivateKeyPEM string
}

// Configured reports whether the GitHub App identity is present.
func (c GitHubAppConfig) Configured() bool {
	return c.AppID != 0 && c.PrivateKeyPEM != ""
}

// GitHubOAuthConfig holds the OAuth client used to issue user access tokens.
type GitHubOAuthConfig struct {
	ClientID     string
	ClientSecret string
}

// Configured reports whether user OAuth is available.
func (c GitHubOAuthConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

const (
	defaultListenAddr              = ":8080"
	defaultAppSlug                  = "towns-github-bot"
	defaultRefreshLookAhead          = 5 * time.Minute
	defaultPendingSubscriptionTTL    = time.Hour
	defaultPollingInterval           = 5 * time.Minute
	defaultPollingPerRepoBudget      = 30 * time.Second
	defaultDeliveryRecordRetention   = 7 * 24 * time.Hour
)

// LoadFromEnv builds a Config from environment variables, applying defaults and
// failing fast on any malformed or missing required value.
func LoadFromEnv() (Config, error) {
	cfg := Config{
		ListenAddr:              getEnvDefault("BRIDGE_LISTEN_ADDR", defaultListenAddr),
		DatabaseURL:             strings.TrimSpace(os.Getenv("BRIDGE_DATABASE_URL")),
		PublicBaseURL:           strings.TrimSpace(os.Getenv("BRIDGE_PUBLIC_BASE_URL")),
		RedirectURL:             strings.TrimSpace(os.Getenv("BRIDGE_OAUTH_REDIRECT_URL")),
		GitHubWebhookSecret:     strings.TrimSpace(os.Getenv("BRIDGE_GITHUB_WEBHOOK_SECRET")),
		RefreshLookAhead:        defaultRefreshLookAhead,
		PendingSubscriptionTTL:  defaultPendingSubscriptionTTL,
		PollingInterval:         defaultPollingInterval,
		PollingPerRepoBudget:    defaultPollingPerRepoBudget,
		DeliveryRecordRetention: defaultDeliveryRecordRetention,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("BRIDGE_DATABASE_URL is required")
	}

	cfg.DatabaseTLS = strings.EqualFold(strings.TrimSpace(os.Getenv("BRIDGE_DATABASE_TLS")), "true")
	cfg.DatabaseCABundle = strings.TrimSpace(os.Getenv("BRIDGE_DATABASE_CA_BUNDLE"))

	cfg.GitHubOAuth = GitHubOAuthConfig{
		ClientID:     strings.TrimSpace(os.Getenv("BRIDGE_GITHUB_OAUTH_CLIENT_ID")),
		ClientSecret: strings.TrimSpace(os.Getenv("BRIDGE_GITHUB_OAUTH_CLIENT_SECRET")),
	}

	cfg.GitHubApp = GitHubAppConfig{
		Slug:          getEnvDefault("BRIDGE_GITHUB_APP_SLUG", defaultAppSlug),
		PrivateKeyPEM: strings.TrimSpace(os.Getenv("BRIDGE_GITHUB_APP_PRIVATE_KEY_PEM")),
	}
	if appIDStr := strings.TrimSpace(os.Getenv("BRIDGE_GITHUB_APP_ID")); appIDStr != "" {
		appID, err := strconv.ParseInt(appIDStr, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BRIDGE_GITHUB_APP_ID: %w", err)
		}
		cfg.GitHubApp.AppID = appID
	}

	if d, err := parseDurationEnv("BRIDGE_REFRESH_LOOKAHEAD"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.RefreshLookAhead = d
	}
	if d, err := parseDurationEnv("BRIDGE_PENDING_SUBSCRIPTION_TTL"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.PendingSubscriptionTTL = d
	}
	if d, err := parseDurationEnv("BRIDGE_POLLING_INTERVAL"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.PollingInterval = d
	}
	if d, err := parseDurationEnv("BRIDGE_POLLING_PER_REPO_BUDGET"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.PollingPerRepoBudget = d
	}
	if d, err := parseDurationEnv("BRIDGE_DELIVERY_RECORD_RETENTION"); err != nil {
		return Config{}, err
	} else if d > 0 {
		cfg.DeliveryRecordRetention = d
	}

	keyStr := strings.TrimSpace(os.Getenv("BRIDGE_CREDENTIAL_ENCRYPTION_SECRET"))
	if keyStr == "" {
		return Config{}, fmt.Errorf("BRIDGE_CREDENTIAL_ENCRYPTION_SECRET is required")
	}
	// Accept either raw text (hashed down to 32 bytes by the caller) or base64.
	if decoded, err := base64.StdEncoding.DecodeString(keyStr); err == nil && len(decoded) >= 32 {
		cfg.CredentialEncryptionKey = decoded
	} else {
		if len(keyStr) < 32 {
			return Config{}, fmt.Errorf("BRIDGE_CREDENTIAL_ENCRYPTION_SECRET must be at least 32 bytes of entropy")
		}
		cfg.CredentialEncryptionKey = []byte(keyStr)
	}

	if cfg.RedirectURL == "" {
		if cfg.PublicBaseURL == "" {
			return Config{}, fmt.Errorf("BRIDGE_OAUTH_REDIRECT_URL or BRIDGE_PUBLIC_BASE_URL is required")
		}
		cfg.RedirectURL = strings.TrimRight(cfg.PublicBaseURL, "/") + "/oauth/callback"
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return def
}

func parseDurationEnv(key string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
