// Package subscriptions is the central decision point of the bridge: it
// creates, updates and removes subscriptions, decides delivery mode, and
// performs the installation/subscription upgrade-downgrade transitions
// (§4.4).
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/towns-xyz/github-bridge/internal/chat"
	"github.com/towns-xyz/github-bridge/internal/fanout"
	"github.com/towns-xyz/github-bridge/internal/githubapp"
	"github.com/towns-xyz/github-bridge/internal/store"
)

// Sentinel errors, compared with errors.Is at call sites (§7).
var (
	ErrInvalidFormat        = errors.New("subscriptions: invalid repository identifier")
	ErrNoToken              = errors.New("subscriptions: caller has no access token")
	ErrAlreadySubscribed    = errors.New("subscriptions: already subscribed")
	ErrRequiresInstallation = errors.New("subscriptions: repository requires a GitHub App installation")
	ErrMayNeedOrgApproval   = errors.New("subscriptions: repository access may require organization approval")
	ErrRateLimited          = errors.New("subscriptions: rate limited by GitHub")
	ErrNotFound             = errors.New("subscriptions: not found")
)

// RepoInfo is what the subscription service needs to know about a
// repository before deciding delivery mode.
type RepoInfo struct {
	FullName      string
	IsPrivate     bool
	DefaultBranch string
}

// GitHubClient is the subset of githubapp's surface the subscription
// service needs: validating repo access with a caller's token, and a
// best-effort owner-id lookup for the install-URL hint (§4.4 step 5).
type GitHubClient interface {
	ValidateRepository(ctx context.Context, accessToken, owner, repo string) (*RepoInfo, error)
	GetUserOrOrgID(ctx context.Context, login string) (int64, bool)
}

// CredentialProvider is the subset of internal/credentials.Service this
// package depends on.
type CredentialProvider interface {
	LiveAccessToken(ctx context.Context, townsUserID string) (token string, ok bool, err error)
	GitHubLogin(ctx context.Context, townsUserID string) (string, error)
}

// subscriptionStore is the subset of *store.Store this package depends on.
type subscriptionStore interface {
	GetSubscription(ctx context.Context, spaceID, channelID, repoFullName string) (*store.Subscription, error)
	InsertSubscription(ctx context.Context, sub store.Subscription) (*store.Subscription, error)
	UpdateSubscriptionFilters(ctx context.Context, id int64, eventTypes store.StringSlice, branchFilter *string, setBranch bool) (*store.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64) error
	FindInstallationForRepo(ctx context.Context, repoFullName string) (int64, bool, error)
	UpgradeSubscriptionsToWebhook(ctx context.Context, repoFullName string, installationID int64) (int, error)
	DowngradeSubscriptions(ctx context.Context, installationID int64, repos []string) (store.DowngradeResult, error)
	UpsertPendingSubscription(ctx context.Context, p store.PendingSubscription) error
	PendingSubscriptionsForRepo(ctx context.Context, repoFullName string) ([]store.PendingSubscription, error)
	DeletePendingSubscriptionsForRepo(ctx context.Context, repoFullName string) error
}

// CreateResult is the outcome of CreateSubscription.
type CreateResult struct {
	DeliveryMode store.DeliveryMode
	InstallURL   string // set for RequiresInstallation and for a polling-mode success (a hint)
}

// Service is the subscription service (§4.4).
type Service struct {
	store       subscriptionStore
	credentials CredentialProvider
	github      GitHubClient
	sender      chat.Sender
	appSlug     string
	pendingTTL  time.Duration

	trackerMu sync.Mutex
	tracker   map[trackerKey]trackerEntry
}

type trackerKey struct {
	channelID    string
	repoFullName string
}

type trackerEntry struct {
	messageEventID string
	createdAt      time.Time
}

// New builds a subscription Service. pendingTTL is the lifetime given to a
// PendingSubscription row at creation (§3, default 1h per §6).
func New(st subscriptionStore, credentials CredentialProvider, github GitHubClient, sender chat.Sender, appSlug string, pendingTTL time.Duration) *Service {
	return &Service{
		store:       st,
		credentials: credentials,
		github:      github,
		sender:      sender,
		appSlug:     appSlug,
		pendingTTL:  pendingTTL,
		tracker:     make(map[trackerKey]trackerEntry),
	}
}

// CreateSubscription implements §4.4's createSubscription operation.
func (s *Service) CreateSubscription(ctx context.Context, userID, spaceID, channelID, repoIdentifier string, eventTypes store.StringSlice, branchFilter *string) (*CreateResult, error) {
	owner, repo, err := githubapp.ParseRepoIdentifier(repoIdentifier)
	if err != nil {
		return nil, ErrInvalidFormat
	}

	accessToken, ok, err := s.credentials.LiveAccessToken(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: load access token: %w", err)
	}
	if !ok {
		// Callers are required to have gated on token validity; this is a
		// programmer error, not a user-facing condition (§4.4 step 2).
		panic("subscriptions: CreateSubscription called without a valid access token")
	}

	creatorLogin, err := s.credentials.GitHubLogin(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: load github login: %w", err)
	}

	installationID, hasInstallation, err := s.store.FindInstallationForRepo(ctx, owner+"/"+repo)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: find installation: %w", err)
	}

	info, err := s.github.ValidateRepository(ctx, accessToken, owner, repo)
	if err != nil {
		switch githubapp.ClassifyError(err) {
		case githubapp.APIErrorNotFound:
			if !hasInstallation {
				if err := s.storePending(ctx, spaceID, channelID, owner+"/"+repo, userID, eventTypes, branchFilter); err != nil {
					return nil, err
				}
				return &CreateResult{DeliveryMode: store.DeliveryModeWebhook, InstallURL: s.installURL(ctx, owner)}, ErrRequiresInstallation
			}
			return nil, fmt.Errorf("subscriptions: validate repository: %w", err)
		case githubapp.APIErrorForbidden:
			if !strings.EqualFold(owner, creatorLogin) {
				return nil, ErrMayNeedOrgApproval
			}
			return nil, fmt.Errorf("subscriptions: validate repository: %w", err)
		case githubapp.APIErrorRateLimited:
			return nil, ErrRateLimited
		default:
			return nil, fmt.Errorf("subscriptions: validate repository: %w", err)
		}
	}

	var mode store.DeliveryMode
	switch {
	case info.IsPrivate && hasInstallation:
		mode = store.DeliveryModeWebhook
	case info.IsPrivate:
		if err := s.storePending(ctx, spaceID, channelID, info.FullName, userID, eventTypes, branchFilter); err != nil {
			return nil, err
		}
		return &CreateResult{DeliveryMode: store.DeliveryModeWebhook, InstallURL: s.installURL(ctx, owner)}, ErrRequiresInstallation
	case hasInstallation:
		mode = store.DeliveryModeWebhook
	default:
		mode = store.DeliveryModePolling
	}

	if _, err := s.store.GetSubscription(ctx, spaceID, channelID, info.FullName); err == nil {
		return nil, ErrAlreadySubscribed
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("subscriptions: check existing subscription: %w", err)
	}

	var instID *int64
	if mode == store.DeliveryModeWebhook {
		instID = &installationID
	}

	sub := store.Subscription{
		SpaceID:         spaceID,
		ChannelID:       channelID,
		RepoFullName:    info.FullName,
		DeliveryMode:    mode,
		IsPrivate:       info.IsPrivate,
		CreatedByUserID: userID,
		CreatedByGitHub: creatorLogin,
		InstallationID:  instID,
		EventTypes:      normalizeEventTypes(eventTypes),
		BranchFilter:    branchFilter,
	}
	if _, err := s.store.InsertSubscription(ctx, sub); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrAlreadySubscribed
		}
		return nil, fmt.Errorf("subscriptions: insert subscription: %w", err)
	}

	result := &CreateResult{DeliveryMode: mode}
	if mode == store.DeliveryModePolling {
		result.InstallURL = s.installURL(ctx, owner)
	}
	return result, nil
}

// UpdateSubscription implements §4.4's updateSubscription operation: set
// union of event types, branch filter replaced only if the caller passed one.
func (s *Service) UpdateSubscription(ctx context.Context, userID, spaceID, channelID, repoIdentifier string, eventTypesToAdd store.StringSlice, branchFilter *string) (*store.Subscription, error) {
	owner, repo, err := githubapp.ParseRepoIdentifier(repoIdentifier)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	if err := s.mustValidateAccess(ctx, userID, owner, repo); err != nil {
		return nil, err
	}

	sub, err := s.store.GetSubscription(ctx, spaceID, channelID, owner+"/"+repo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("subscriptions: load subscription: %w", err)
	}

	merged := unionEventTypes(sub.EventTypes, eventTypesToAdd)
	updated, err := s.store.UpdateSubscriptionFilters(ctx, sub.ID, merged, branchFilter, branchFilter != nil)
	if err != nil {
		return nil, fmt.Errorf("subscriptions: update subscription: %w", err)
	}
	return updated, nil
}

// RemoveResult is the outcome of RemoveEventTypes.
type RemoveResult struct {
	Deleted    bool
	Remaining  store.StringSlice
}

// RemoveEventTypes implements §4.4's removeEventTypes operation (and, via
// the full event set, unsubscribe).
func (s *Service) RemoveEventTypes(ctx context.Context, userID, spaceID, channelID, repoIdentifier string, eventTypesToRemove store.StringSlice) (*RemoveResult, error) {
	owner, repo, err := githubapp.ParseRepoIdentifier(repoIdentifier)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	if err := s.mustValidateAccess(ctx, userID, owner, repo); err != nil {
		return nil, err
	}

	sub, err := s.store.GetSubscription(ctx, spaceID, channelID, owner+"/"+repo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("subscriptions: load subscription: %w", err)
	}

	remaining := subtractEventTypes(sub.EventTypes, eventTypesToRemove)
	if len(remaining) == 0 {
		if err := s.store.DeleteSubscription(ctx, sub.ID); err != nil {
			return nil, fmt.Errorf("subscriptions: delete subscription: %w", err)
		}
		return &RemoveResult{Deleted: true}, nil
	}

	if _, err := s.store.UpdateSubscriptionFilters(ctx, sub.ID, remaining, nil, false); err != nil {
		return nil, fmt.Errorf("subscriptions: update subscription: %w", err)
	}
	return &RemoveResult{Remaining: remaining}, nil
}

// Unsubscribe removes every event type, deleting the subscription.
func (s *Service) Unsubscribe(ctx context.Context, userID, spaceID, channelID, repoIdentifier string) (*RemoveResult, error) {
	owner, repo, err := githubapp.ParseRepoIdentifier(repoIdentifier)
	if err != nil {
		return nil, ErrInvalidFormat
	}
	sub, err := s.store.GetSubscription(ctx, spaceID, channelID, owner+"/"+repo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("subscriptions: load subscription: %w", err)
	}
	return s.RemoveEventTypes(ctx, userID, spaceID, channelID, repoIdentifier, sub.EventTypes)
}

// UpgradeToWebhook implements §4.4's upgradeToWebhook operation.
func (s *Service) UpgradeToWebhook(ctx context.Context, repoFullName string, installationID int64) (int, error) {
	n, err := s.store.UpgradeSubscriptionsToWebhook(ctx, repoFullName, installationID)
	if err != nil {
		return 0, fmt.Errorf("subscriptions: upgrade to webhook: %w", err)
	}
	if n > 0 {
		s.editProvisionalMessages(ctx, repoFullName)
	}
	return n, nil
}

// DowngradeSubscriptions implements §4.4's downgradeSubscriptions operation.
func (s *Service) DowngradeSubscriptions(ctx context.Context, installationID int64, repos []string) (downgraded, removed int, err error) {
	result, err := s.store.DowngradeSubscriptions(ctx, installationID, repos)
	if err != nil {
		return 0, 0, fmt.Errorf("subscriptions: downgrade subscriptions: %w", err)
	}

	notified := make(map[string]bool)
	var tasks []func() error
	for _, sub := range result.Downgraded {
		sub := sub
		if notified[sub.ChannelID] {
			continue
		}
		notified[sub.ChannelID] = true
		tasks = append(tasks, func() error {
			_, err := s.sender.Send(ctx, chat.Message{SpaceID: sub.SpaceID, ChannelID: sub.ChannelID, Text: fmt.Sprintf("The GitHub App was uninstalled from %s; notifications for this repository now use polling.", sub.RepoFullName)})
			return err
		})
	}
	for _, sub := range result.Removed {
		sub := sub
		if notified[sub.ChannelID] {
			continue
		}
		notified[sub.ChannelID] = true
		tasks = append(tasks, func() error {
			_, err := s.sender.Send(ctx, chat.Message{SpaceID: sub.SpaceID, ChannelID: sub.ChannelID, Text: fmt.Sprintf("Access to %s was revoked; the subscription has been removed.", sub.RepoFullName)})
			return err
		})
	}
	fanout.Do(tasks) // per-channel send errors are discarded; one failure never blocks the others

	return len(result.Downgraded), len(result.Removed), nil
}

// CompletePendingSubscriptions implements §4.4's completePendingSubscriptions
// operation.
func (s *Service) CompletePendingSubscriptions(ctx context.Context, repoFullName string) error {
	pending, err := s.store.PendingSubscriptionsForRepo(ctx, repoFullName)
	if err != nil {
		return fmt.Errorf("subscriptions: load pending subscriptions: %w", err)
	}

	for _, p := range pending {
		if _, ok, err := s.credentials.LiveAccessToken(ctx, p.TownsUserID); err != nil || !ok {
			continue
		}
		result, err := s.createSubscriptionForPending(ctx, p)
		if err != nil || result == nil {
			continue
		}
		_, _ = s.sender.Send(ctx, chat.Message{
			SpaceID:   p.SpaceID,
			ChannelID: p.ChannelID,
			Text:      fmt.Sprintf("Subscribed to %s (%s mode).", repoFullName, result.DeliveryMode),
		})
	}

	// Stale or fulfilled, either way they are cleared (§4.4).
	return s.store.DeletePendingSubscriptionsForRepo(ctx, repoFullName)
}

func (s *Service) createSubscriptionForPending(ctx context.Context, p store.PendingSubscription) (*CreateResult, error) {
	result, err := s.CreateSubscription(ctx, p.TownsUserID, p.SpaceID, p.ChannelID, p.RepoFullName, p.EventTypes, p.BranchFilter)
	if err != nil && !errors.Is(err, ErrRequiresInstallation) {
		return nil, err
	}
	return result, nil
}

func (s *Service) storePending(ctx context.Context, spaceID, channelID, repoFullName, userID string, eventTypes store.StringSlice, branchFilter *string) error {
	return s.store.UpsertPendingSubscription(ctx, store.PendingSubscription{
		SpaceID:      spaceID,
		ChannelID:    channelID,
		RepoFullName: repoFullName,
		TownsUserID:  userID,
		EventTypes:   normalizeEventTypes(eventTypes),
		BranchFilter: branchFilter,
		ExpiresAt:    time.Now().UTC().Add(s.pendingTTL),
	})
}

func (s *Service) mustValidateAccess(ctx context.Context, userID, owner, repo string) error {
	accessToken, ok, err := s.credentials.LiveAccessToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("subscriptions: load access token: %w", err)
	}
	if !ok {
		panic("subscriptions: access check called without a valid access token")
	}
	if _, err := s.github.ValidateRepository(ctx, accessToken, owner, repo); err != nil {
		switch githubapp.ClassifyError(err) {
		case githubapp.APIErrorNotFound:
			return ErrNotFound
		case githubapp.APIErrorForbidden:
			return ErrMayNeedOrgApproval
		case githubapp.APIErrorRateLimited:
			return ErrRateLimited
		default:
			return fmt.Errorf("subscriptions: validate repository access: %w", err)
		}
	}
	return nil
}

func (s *Service) installURL(ctx context.Context, owner string) string {
	u := fmt.Sprintf("https://github.com/apps/%s/installations/new", s.appSlug)
	if id, ok := s.github.GetUserOrOrgID(ctx, owner); ok {
		u += "?" + url.Values{"target_id": {fmt.Sprint(id)}}.Encode()
	}
	return u
}

// RecordProvisionalMessage lets a caller register the provisional chat
// message sent for a polling-mode creation, so it can be edited in place on
// a later upgrade (§4.4 "Pending message tracker").
func (s *Service) RecordProvisionalMessage(channelID, repoFullName, messageEventID string) {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	s.tracker[trackerKey{channelID, repoFullName}] = trackerEntry{messageEventID: messageEventID, createdAt: time.Now()}
}

func (s *Service) editProvisionalMessages(ctx context.Context, repoFullName string) {
	s.trackerMu.Lock()
	var matches []struct {
		key   trackerKey
		entry trackerEntry
	}
	for k, v := range s.tracker {
		if k.repoFullName == repoFullName {
			matches = append(matches, struct {
				key   trackerKey
				entry trackerEntry
			}{k, v})
		}
	}
	s.trackerMu.Unlock()

	for _, m := range matches {
		err := s.sender.Edit(ctx, m.key.channelID, m.entry.messageEventID, fmt.Sprintf("%s is now delivering live webhook events.", repoFullName))
		s.trackerMu.Lock()
		// No retry loop on edit failure: the entry is consumed either way.
		delete(s.tracker, m.key)
		s.trackerMu.Unlock()
		_ = err
	}
}

// SweepProvisionalMessages removes tracker entries older than maxAge, run
// every 30s by the caller (§4.4, §4.7).
func (s *Service) SweepProvisionalMessages(maxAge time.Duration) int {
	s.trackerMu.Lock()
	defer s.trackerMu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for k, v := range s.tracker {
		if v.createdAt.Before(cutoff) {
			delete(s.tracker, k)
			n++
		}
	}
	return n
}

func normalizeEventTypes(types store.StringSlice) store.StringSlice {
	seen := make(map[string]bool, len(types))
	out := make(store.StringSlice, 0, len(types))
	for _, t := range types {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func unionEventTypes(a, b store.StringSlice) store.StringSlice {
	seen := make(map[string]bool, len(a)+len(b))
	out := make(store.StringSlice, 0, len(a)+len(b))
	for _, t := range append(append(store.StringSlice{}, a...), b...) {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func subtractEventTypes(a, b store.StringSlice) store.StringSlice {
	remove := make(map[string]bool, len(b))
	for _, t := range b {
		remove[t] = true
	}
	out := make(store.StringSlice, 0, len(a))
	for _, t := range a {
		if !remove[t] {
			out = append(out, t)
		}
	}
	return out
}
