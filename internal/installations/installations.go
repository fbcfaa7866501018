// Package installations handles the GitHub App installation lifecycle:
// created, deleted, repositories added, repositories removed (§4.3).
package installations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-github/v50/github"

	"github.com/towns-xyz/github-bridge/internal/store"
)

// AppClient is the subset of internal/githubapp.Client this package needs:
// the app-level installation metadata fetch used to recover from
// out-of-order repositories_added delivery.
type AppClient interface {
	GetInstallation(ctx context.Context, installationID int64) (*github.Installation, error)
}

// SubscriptionManager is the subset of internal/subscriptions.Service this
// package depends on.
type SubscriptionManager interface {
	UpgradeToWebhook(ctx context.Context, repoFullName string, installationID int64) (int, error)
	DowngradeSubscriptions(ctx context.Context, installationID int64, repos []string) (downgraded, removed int, err error)
	CompletePendingSubscriptions(ctx context.Context, repoFullName string) error
}

// installationStore is the subset of *store.Store this package depends on.
type installationStore interface {
	UpsertInstallation(ctx context.Context, inst store.Installation) error
	GetInstallation(ctx context.Context, installationID int64) (*store.Installation, error)
	DeleteInstallation(ctx context.Context, installationID int64) error
	InsertInstallationRepository(ctx context.Context, installationID int64, repoFullName string) error
	DeleteInstallationRepository(ctx context.Context, installationID int64, repoFullName string) error
}

// Manager implements the four installation lifecycle operations.
type Manager struct {
	store installationStore
	subs  SubscriptionManager
	app   AppClient
}

// New builds an installation Manager.
func New(st installationStore, subs SubscriptionManager, appClient AppClient) *Manager {
	return &Manager{store: st, subs: subs, app: appClient}
}

// Created handles the "installation" webhook event with action "created":
// upsert the Installation row, then record each provided repository.
func (m *Manager) Created(ctx context.Context, installationID int64, accountLogin string, accountType store.AccountType, appSlug string, repoFullNames []string) error {
	if err := m.store.UpsertInstallation(ctx, store.Installation{
		InstallationID: installationID,
		AccountLogin:   accountLogin,
		AccountType:    accountType,
		InstalledAt:    time.Now().UTC(),
		AppSlug:        appSlug,
	}); err != nil {
		return fmt.Errorf("installations: upsert installation: %w", err)
	}
	for _, repo := range repoFullNames {
		if err := m.store.InsertInstallationRepository(ctx, installationID, repo); err != nil {
			return fmt.Errorf("installations: insert installation repository %s: %w", repo, err)
		}
	}
	return nil
}

// Deleted handles the "installation" webhook event with action "deleted":
// the Installation row (and its InstallationRepository rows, cascading) is
// removed, and every subscription that referenced it is downgraded. The
// downgrade runs first: deleting the row sets subscriptions.installation_id
// to NULL, after which the affected subscriptions could no longer be found.
func (m *Manager) Deleted(ctx context.Context, installationID int64) error {
	if _, _, err := m.subs.DowngradeSubscriptions(ctx, installationID, nil); err != nil {
		return fmt.Errorf("installations: downgrade subscriptions: %w", err)
	}
	if err := m.store.DeleteInstallation(ctx, installationID); err != nil {
		return fmt.Errorf("installations: delete installation: %w", err)
	}
	return nil
}

// RepositoriesAdded handles "installation_repositories" with action "added".
// It tolerates out-of-order delivery: if the Installation row is missing
// (repositories_added arrived before installation_created), it fetches the
// installation's metadata from GitHub with the app-level client and upserts
// it before proceeding.
func (m *Manager) RepositoriesAdded(ctx context.Context, installationID int64, repoFullNames []string) error {
	if _, err := m.store.GetInstallation(ctx, installationID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("installations: get installation: %w", err)
		}
		inst, fetchErr := m.app.GetInstallation(ctx, installationID)
		if fetchErr != nil {
			return fmt.Errorf("installations: recover installation metadata: %w", fetchErr)
		}
		accountType := store.AccountTypeUser
		accountLogin := ""
		if acct := inst.GetAccount(); acct != nil {
			accountLogin = acct.GetLogin()
			if acct.GetType() == "Organization" {
				accountType = store.AccountTypeOrganization
			}
		}
		if err := m.store.UpsertInstallation(ctx, store.Installation{
			InstallationID: installationID,
			AccountLogin:   accountLogin,
			AccountType:    accountType,
			InstalledAt:    time.Now().UTC(),
			AppSlug:        inst.GetAppSlug(),
		}); err != nil {
			return fmt.Errorf("installations: upsert recovered installation: %w", err)
		}
	}

	for _, repo := range repoFullNames {
		if err := m.store.InsertInstallationRepository(ctx, installationID, repo); err != nil {
			return fmt.Errorf("installations: insert installation repository %s: %w", repo, err)
		}
		if _, err := m.subs.UpgradeToWebhook(ctx, repo, installationID); err != nil {
			return fmt.Errorf("installations: upgrade to webhook for %s: %w", repo, err)
		}
		if err := m.subs.CompletePendingSubscriptions(ctx, repo); err != nil {
			return fmt.Errorf("installations: complete pending subscriptions for %s: %w", repo, err)
		}
	}
	return nil
}

// RepositoriesRemoved handles "installation_repositories" with action
// "removed": the InstallationRepository rows are deleted and affected
// subscriptions are downgraded, restricted to the removed repos.
func (m *Manager) RepositoriesRemoved(ctx context.Context, installationID int64, repoFullNames []string) error {
	for _, repo := range repoFullNames {
		if err := m.store.DeleteInstallationRepository(ctx, installationID, repo); err != nil {
			return fmt.Errorf("installations: delete installation repository %s: %w", repo, err)
		}
	}
	if len(repoFullNames) == 0 {
		return nil
	}
	if _, _, err := m.subs.DowngradeSubscriptions(ctx, installationID, repoFullNames); err != nil {
		return fmt.Errorf("installations: downgrade subscriptions: %w", err)
	}
	return nil
}
