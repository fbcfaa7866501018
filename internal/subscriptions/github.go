package subscriptions

import (
	"context"

	"github.com/towns-xyz/github-bridge/internal/githubapp"
)

// DefaultGitHubClient is the production GitHubClient, backed by
// internal/githubapp's user-token and app-level clients.
type DefaultGitHubClient struct {
	App *githubapp.Client
}

// ValidateRepository fetches repository metadata on behalf of the caller's
// own access token, the check that drives the delivery-mode decision in
// createSubscription (§4.4 step 5).
func (c DefaultGitHubClient) ValidateRepository(ctx context.Context, accessToken, owner, repo string) (*RepoInfo, error) {
	client := githubapp.UserClient(ctx, accessToken)
	ghRepo, _, err := githubapp.GetRepository(ctx, client, owner, repo)
	if err != nil {
		return nil, err
	}
	return &RepoInfo{
		FullName:      ghRepo.GetFullName(),
		IsPrivate:     ghRepo.GetPrivate(),
		DefaultBranch: ghRepo.GetDefaultBranch(),
	}, nil
}

// GetUserOrOrgID delegates to the app-level client; a nil App (GitHub App
// not configured) always misses, which only degrades the install-URL hint.
func (c DefaultGitHubClient) GetUserOrOrgID(ctx context.Context, login string) (int64, bool) {
	if c.App == nil || !c.App.Configured() {
		return 0, false
	}
	return c.App.GetUserOrOrgID(ctx, login)
}
