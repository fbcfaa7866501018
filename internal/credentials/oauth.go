package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	"github.com/towns-xyz/github-bridge/internal/githubapp"
)

// defaultScopes grants read access to repository metadata and org
// membership, enough for the private-repo access checks in §4.4 step 5.
var defaultScopes = []string{"repo", "read:org"}

// NewOAuthConfig builds the *oauth2.Config used as the production Exchanger,
// targeting GitHub's confidential-client authorization-code flow (§4.1 FULL:
// adapted from the teacher's PKCE public-client flow since the client secret
// is held server-side here).
func NewOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     githuboauth.Endpoint,
		Scopes:       defaultScopes,
	}
}

// GitHubProfileFetcher is the production ProfileFetcher, backed by
// go-github's user-token client.
type GitHubProfileFetcher struct{}

// FetchUser fetches the authenticated user's profile with accessToken.
func (GitHubProfileFetcher) FetchUser(ctx context.Context, accessToken string) (UserProfile, error) {
	client := githubapp.UserClient(ctx, accessToken)
	user, _, err := client.Users.Get(ctx, "")
	if err != nil {
		return UserProfile{}, err
	}
	return UserProfile{GitHubUserID: user.GetID(), Login: user.GetLogin()}, nil
}

// GitHubRevoker best-effort revokes an OAuth access token via GitHub's
// "DELETE /applications/{client_id}/token" endpoint. This call has no typed
// helper in go-github's supported surface, so it is issued directly, Basic
// Auth'd with the OAuth app's client id/secret per GitHub's documented
// revocation contract.
type GitHubRevoker struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// Revoke deletes the grant for accessToken. Any non-2xx response is
// returned as an error; callers treat this as best-effort (§4.1 Disconnect).
func (r GitHubRevoker) Revoke(ctx context.Context, accessToken string) error {
	body, err := json.Marshal(map[string]string{"access_token": accessToken})
	if err != nil {
		return fmt.Errorf("credentials: marshal revoke body: %w", err)
	}
	url := fmt.Sprintf("https://api.github.com/applications/%s/token", r.ClientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("credentials: build revoke request: %w", err)
	}
	req.SetBasicAuth(r.ClientID, r.ClientSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("credentials: revoke request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("credentials: revoke failed with status %s", resp.Status)
	}
	return nil
}
