package bridge

import (
	"context"
	"fmt"

	"github.com/towns-xyz/github-bridge/internal/githubapp"
	"github.com/towns-xyz/github-bridge/internal/store"
)

// cursorStore is the subset of *store.Store the branch resolver depends on.
type cursorStore interface {
	GetPollingCursor(ctx context.Context, repoFullName string) (*store.PollingCursor, error)
	SetPollingCursorDefaultBranch(ctx context.Context, repoFullName, defaultBranch string) error
}

// DefaultBranchResolver resolves a repository's default branch with an
// unauthenticated GitHub lookup, caching the result on PollingCursor so a
// webhook payload lacking repository metadata (none of this bridge's event
// types omit it, but a future one might) does not cost a network round trip
// on every event (§4.5 step 3).
type DefaultBranchResolver struct {
	store cursorStore
}

// NewDefaultBranchResolver builds a DefaultBranchResolver using an
// unauthenticated client, matching the polling engine's own public-client
// access pattern for repositories that are, by construction, always public
// when this path is exercised by polling-mode subscriptions.
func NewDefaultBranchResolver(st cursorStore) *DefaultBranchResolver {
	return &DefaultBranchResolver{store: st}
}

// DefaultBranch implements internal/events.DefaultBranchResolver.
func (r *DefaultBranchResolver) DefaultBranch(ctx context.Context, repoFullName string) (string, error) {
	if cursor, err := r.store.GetPollingCursor(ctx, repoFullName); err == nil && cursor.DefaultBranch != "" {
		return cursor.DefaultBranch, nil
	} else if err != nil && err != store.ErrNotFound {
		return "", fmt.Errorf("bridge: load cached default branch: %w", err)
	}

	owner, repo, err := githubapp.ParseRepoIdentifier(repoFullName)
	if err != nil {
		return "", err
	}
	ghRepo, _, err := githubapp.GetRepository(ctx, githubapp.PublicClient(), owner, repo)
	if err != nil {
		return "", fmt.Errorf("bridge: fetch default branch for %s: %w", repoFullName, err)
	}

	branch := ghRepo.GetDefaultBranch()
	if err := r.store.SetPollingCursorDefaultBranch(ctx, repoFullName, branch); err != nil {
		return "", fmt.Errorf("bridge: cache default branch: %w", err)
	}
	return branch, nil
}
