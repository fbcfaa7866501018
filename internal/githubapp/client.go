// Package githubapp wraps go-github with the three authentication tiers the
// bridge needs: app-level JWT calls, per-installation tokens, and
// user-authenticated calls on behalf of a connected GitHub account.
package githubapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v50/github"
	"golang.org/x/oauth2"
)

// APIErrorKind classifies a GitHub REST error by status code, the
// classification point named in §7's External-failure taxonomy.
type APIErrorKind int

const (
	APIErrorUnknown APIErrorKind = iota
	APIErrorNotFound
	APIErrorForbidden
	APIErrorUnauthorized
	APIErrorRateLimited
)

// ClassifyError inspects err's underlying go-github error type and returns
// the matching APIErrorKind. Non-GitHub errors (network failures, context
// cancellation) classify as APIErrorUnknown.
func ClassifyError(err error) APIErrorKind {
	if err == nil {
		return APIErrorUnknown
	}
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return APIErrorRateLimited
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return APIErrorRateLimited
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch ghErr.Response.StatusCode {
		case http.StatusNotFound:
			return APIErrorNotFound
		case http.StatusForbidden:
			return APIErrorForbidden
		case http.StatusUnauthorized:
			return APIErrorUnauthorized
		case http.StatusTooManyRequests:
			return APIErrorRateLimited
		}
	}
	return APIErrorUnknown
}

// Config is the GitHub App identity used for installation-scoped access.
type Config struct {
	AppID         int64
	PrivateKeyPEM string
}

// Client issues go-github clients for each of the bridge's auth tiers and
// provides the few calls that need raw *http.Response access (conditional
// GET, app-level installation lookups).
type Client struct {
	appID      int64
	transport  *ghinstallation.AppsTransport
	appClient  *github.Client // app-level JWT auth
	httpClient *http.Client   // shared base transport for installation/public clients
}

// New builds a Client from the GitHub App's PEM-encoded private key. Returns
// (nil, nil) if appID/key are unset — the caller treats a nil Client as
// "GitHub App not configured" (§4.2/§6: 503 on webhook ingestion, polling
// still works since it only needs a public client).
func New(cfg Config) (*Client, error) {
	if cfg.AppID == 0 || cfg.PrivateKeyPEM == "" {
		return nil, nil
	}
	transport, err := ghinstallation.NewAppsTransport(http.DefaultTransport, cfg.AppID, []byte(cfg.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("githubapp: new apps transport: %w", err)
	}
	return &Client{
		appID:      cfg.AppID,
		transport:  transport,
		appClient:  github.NewClient(&http.Client{Transport: transport}),
		httpClient: http.DefaultClient,
	}, nil
}

// Configured reports whether the GitHub App identity is present.
func (c *Client) Configured() bool {
	return c != nil && c.transport != nil
}

// InstallationClient returns a go-github client authenticated as the given
// installation, minting and caching an installation token via ghinstallation.
func (c *Client) InstallationClient(installationID int64) *github.Client {
	itr := ghinstallation.NewFromAppsTransport(c.transport, installationID)
	return github.NewClient(&http.Client{Transport: itr})
}

// UserClient returns a go-github client authenticated as a connected GitHub
// user via their (already-decrypted) OAuth access token.
func UserClient(ctx context.Context, accessToken string) *github.Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	return github.NewClient(oauth2.NewClient(ctx, ts))
}

// PublicClient returns an unauthenticated go-github client, used by the
// polling engine: polling-mode subscriptions only ever cover public
// repositories (§3 invariant), so no credential is required, at the cost of
// GitHub's lower anonymous rate limit.
func PublicClient() *github.Client {
	return github.NewClient(nil)
}

// GetInstallation fetches installation metadata with the app-level JWT,
// used by the installation manager to recover from out-of-order
// repositories_added delivery (§4.3).
func (c *Client) GetInstallation(ctx context.Context, installationID int64) (*github.Installation, error) {
	inst, _, err := c.appClient.Apps.GetInstallation(ctx, installationID)
	if err != nil {
		return nil, fmt.Errorf("githubapp: get installation %d: %w", installationID, err)
	}
	return inst, nil
}

// GetUserOrOrgID performs a best-effort owner-id lookup for the install-URL
// hint (§4.4 step 5): tries the user endpoint, then the org endpoint.
func (c *Client) GetUserOrOrgID(ctx context.Context, login string) (int64, bool) {
	client := c.appClient
	if user, _, err := client.Users.Get(ctx, login); err == nil && user != nil {
		return user.GetID(), true
	}
	if org, _, err := client.Organizations.Get(ctx, login); err == nil && org != nil {
		return org.GetID(), true
	}
	return 0, false
}

// GetRepository fetches repository metadata with the given client (user or
// installation token, per caller).
func GetRepository(ctx context.Context, client *github.Client, owner, repo string) (*github.Repository, *github.Response, error) {
	r, resp, err := client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, resp, err
	}
	return r, resp, nil
}

// GetPullRequest fetches full pull request detail, used by the polling
// engine's pre-fetch step.
func GetPullRequest(ctx context.Context, client *github.Client, owner, repo string, number int) (*github.PullRequest, error) {
	pr, _, err := client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("githubapp: get pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return pr, nil
}

// ListRepositoryEventsRaw issues a conditional GET against the repository
// events feed, inspecting the raw response so a 304 can be treated as the
// expected, common case (§4.6 step 2) instead of go-github's high-level
// ActivityService, which collapses a 304 into a generic error.
func ListRepositoryEventsRaw(ctx context.Context, client *github.Client, owner, repo, etag string) (events []*github.Event, newETag string, notModified bool, err error) {
	req, err := client.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/events", owner, repo), nil)
	if err != nil {
		return nil, "", false, fmt.Errorf("githubapp: build events request: %w", err)
	}
	req = req.WithContext(ctx)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := client.Client().Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("githubapp: list events: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	newETag = resp.Header.Get("ETag")

	if resp.StatusCode == http.StatusNotModified {
		return nil, newETag, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newETag, false, newErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, newETag, false, fmt.Errorf("githubapp: decode events: %w", err)
	}
	return events, newETag, false, nil
}

func newErrorResponse(resp *http.Response) error {
	return &github.ErrorResponse{
		Response: resp,
		Message:  fmt.Sprintf("unexpected status %s", resp.Status),
	}
}

// ParseRepoIdentifier splits "owner/repo" into its parts, accepting an
// optional github.com URL prefix and ".git" suffix. Case is left exactly as
// given; storage keeps GitHub's case-preserving canonical name (§3
// invariant).
func ParseRepoIdentifier(identifier string) (owner, repo string, err error) {
	identifier = strings.TrimSpace(identifier)
	identifier = strings.TrimPrefix(identifier, "https://github.com/")
	identifier = strings.TrimPrefix(identifier, "github.com/")
	identifier = strings.TrimSuffix(identifier, ".git")
	identifier = strings.Trim(identifier, "/")

	parts := strings.Split(identifier, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("githubapp: invalid repository identifier %q", identifier)
	}
	return parts[0], parts[1], nil
}
