package subscriptions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/towns-xyz/github-bridge/internal/chat"
	"github.com/towns-xyz/github-bridge/internal/store"
)

// fakeStore is an in-memory subscriptionStore, grounded on the teacher's
// server_test.go fakeStore pattern.
type fakeStore struct {
	mu            sync.Mutex
	subs          map[int64]store.Subscription
	nextID        int64
	installations map[string]int64
	pending       map[string][]store.PendingSubscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subs:          map[int64]store.Subscription{},
		installations: map[string]int64{},
		pending:       map[string][]store.PendingSubscription{},
	}
}

func (f *fakeStore) GetSubscription(_ context.Context, spaceID, channelID, repoFullName string) (*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.SpaceID == spaceID && s.ChannelID == channelID && s.RepoFullName == repoFullName {
			s := s
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) InsertSubscription(_ context.Context, sub store.Subscription) (*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.SpaceID == sub.SpaceID && s.ChannelID == sub.ChannelID && s.RepoFullName == sub.RepoFullName {
			return nil, store.ErrAlreadyExists
		}
	}
	f.nextID++
	sub.ID = f.nextID
	sub.Enabled = true
	f.subs[sub.ID] = sub
	return &sub, nil
}

func (f *fakeStore) UpdateSubscriptionFilters(_ context.Context, id int64, eventTypes store.StringSlice, branchFilter *string, setBranch bool) (*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	s.EventTypes = eventTypes
	if setBranch {
		s.BranchFilter = branchFilter
	}
	f.subs[id] = s
	return &s, nil
}

func (f *fakeStore) DeleteSubscription(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, id)
	return nil
}

func (f *fakeStore) FindInstallationForRepo(_ context.Context, repoFullName string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.installations[repoFullName]
	return id, ok, nil
}

func (f *fakeStore) UpgradeSubscriptionsToWebhook(_ context.Context, repoFullName string, installationID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, s := range f.subs {
		if s.RepoFullName == repoFullName && s.DeliveryMode == store.DeliveryModePolling {
			s.DeliveryMode = store.DeliveryModeWebhook
			s.InstallationID = &installationID
			f.subs[id] = s
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) DowngradeSubscriptions(_ context.Context, installationID int64, repos []string) (store.DowngradeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result store.DowngradeResult
	repoSet := map[string]bool{}
	for _, r := range repos {
		repoSet[r] = true
	}
	for id, s := range f.subs {
		if s.InstallationID == nil || *s.InstallationID != installationID {
			continue
		}
		if len(repoSet) > 0 && !repoSet[s.RepoFullName] {
			continue
		}
		if s.IsPrivate {
			delete(f.subs, id)
			result.Removed = append(result.Removed, s)
			continue
		}
		s.DeliveryMode = store.DeliveryModePolling
		s.InstallationID = nil
		f.subs[id] = s
		result.Downgraded = append(result.Downgraded, s)
	}
	return result, nil
}

func (f *fakeStore) UpsertPendingSubscription(_ context.Context, p store.PendingSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[p.RepoFullName] = append(f.pending[p.RepoFullName], p)
	return nil
}

func (f *fakeStore) PendingSubscriptionsForRepo(_ context.Context, repoFullName string) ([]store.PendingSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.PendingSubscription{}, f.pending[repoFullName]...), nil
}

func (f *fakeStore) DeletePendingSubscriptionsForRepo(_ context.Context, repoFullName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, repoFullName)
	return nil
}

type fakeCredentials struct {
	token string
	ok    bool
	login string
}

func (f fakeCredentials) LiveAccessToken(_ context.Context, _ string) (string, bool, error) {
	return f.token, f.ok, nil
}

func (f fakeCredentials) GitHubLogin(_ context.Context, _ string) (string, error) {
	if f.login == "" {
		return "octo", nil
	}
	return f.login, nil
}

type fakeGitHub struct {
	repos map[string]*RepoInfo
	err   error
}

func (f fakeGitHub) ValidateRepository(_ context.Context, _, owner, repo string) (*RepoInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	info, ok := f.repos[owner+"/"+repo]
	if !ok {
		return nil, errNotFoundStub{}
	}
	return info, nil
}

func (f fakeGitHub) GetUserOrOrgID(_ context.Context, _ string) (int64, bool) {
	return 0, false
}

type errNotFoundStub struct{}

func (errNotFoundStub) Error() string { return "404 Not Found" }

type recordingSender struct {
	mu   sync.Mutex
	sent []chat.Message
}

func (r *recordingSender) Send(_ context.Context, msg chat.Message) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return "evt-1", nil
}

func (r *recordingSender) Edit(_ context.Context, _, _, _ string) error { return nil }

func TestCreateSubscription_PublicRepoNoInstallationIsPolling(t *testing.T) {
	st := newFakeStore()
	gh := fakeGitHub{repos: map[string]*RepoInfo{
		"octo/hello": {FullName: "octo/hello", IsPrivate: false, DefaultBranch: "main"},
	}}
	svc := New(st, fakeCredentials{token: "tok", ok: true}, gh, &recordingSender{}, "test-bridge", time.Hour)

	result, err := svc.CreateSubscription(context.Background(), "user-1", "space-1", "chan-1", "octo/hello", store.StringSlice{"pr"}, nil)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryModePolling, result.DeliveryMode)
}

func TestCreateSubscription_PrivateRepoWithInstallationIsWebhook(t *testing.T) {
	st := newFakeStore()
	st.installations["octo/secret"] = 42
	gh := fakeGitHub{repos: map[string]*RepoInfo{
		"octo/secret": {FullName: "octo/secret", IsPrivate: true, DefaultBranch: "main"},
	}}
	svc := New(st, fakeCredentials{token: "tok", ok: true}, gh, &recordingSender{}, "test-bridge", time.Hour)

	result, err := svc.CreateSubscription(context.Background(), "user-1", "space-1", "chan-1", "octo/secret", store.StringSlice{"pr"}, nil)
	require.NoError(t, err)
	require.Equal(t, store.DeliveryModeWebhook, result.DeliveryMode)
}

func TestCreateSubscription_PrivateRepoWithoutInstallationIsPending(t *testing.T) {
	st := newFakeStore()
	gh := fakeGitHub{repos: map[string]*RepoInfo{
		"octo/secret": {FullName: "octo/secret", IsPrivate: true, DefaultBranch: "main"},
	}}
	svc := New(st, fakeCredentials{token: "tok", ok: true}, gh, &recordingSender{}, "test-bridge", time.Hour)

	_, err := svc.CreateSubscription(context.Background(), "user-1", "space-1", "chan-1", "octo/secret", store.StringSlice{"pr"}, nil)
	require.ErrorIs(t, err, ErrRequiresInstallation)

	pending, perr := st.PendingSubscriptionsForRepo(context.Background(), "octo/secret")
	require.NoError(t, perr)
	require.Len(t, pending, 1)
}

func TestCreateSubscription_DuplicateIsRejected(t *testing.T) {
	st := newFakeStore()
	gh := fakeGitHub{repos: map[string]*RepoInfo{
		"octo/hello": {FullName: "octo/hello", IsPrivate: false},
	}}
	svc := New(st, fakeCredentials{token: "tok", ok: true}, gh, &recordingSender{}, "test-bridge", time.Hour)

	_, err := svc.CreateSubscription(context.Background(), "user-1", "space-1", "chan-1", "octo/hello", store.StringSlice{"pr"}, nil)
	require.NoError(t, err)

	_, err = svc.CreateSubscription(context.Background(), "user-1", "space-1", "chan-1", "octo/hello", store.StringSlice{"issues"}, nil)
	require.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestRemoveEventTypes_LastTypeDeletesSubscription(t *testing.T) {
	st := newFakeStore()
	gh := fakeGitHub{repos: map[string]*RepoInfo{"octo/hello": {FullName: "octo/hello"}}}
	svc := New(st, fakeCredentials{token: "tok", ok: true}, gh, &recordingSender{}, "test-bridge", time.Hour)

	_, err := svc.CreateSubscription(context.Background(), "user-1", "space-1", "chan-1", "octo/hello", store.StringSlice{"pr", "issues"}, nil)
	require.NoError(t, err)

	result, err := svc.RemoveEventTypes(context.Background(), "user-1", "space-1", "chan-1", "octo/hello", store.StringSlice{"pr"})
	require.NoError(t, err)
	require.False(t, result.Deleted)
	require.Equal(t, store.StringSlice{"issues"}, result.Remaining)

	result, err = svc.RemoveEventTypes(context.Background(), "user-1", "space-1", "chan-1", "octo/hello", store.StringSlice{"issues"})
	require.NoError(t, err)
	require.True(t, result.Deleted)

	_, err = st.GetSubscription(context.Background(), "space-1", "chan-1", "octo/hello")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpgradeToWebhook_FlipsPollingToWebhook(t *testing.T) {
	st := newFakeStore()
	gh := fakeGitHub{repos: map[string]*RepoInfo{"octo/hello": {FullName: "octo/hello"}}}
	sender := &recordingSender{}
	svc := New(st, fakeCredentials{token: "tok", ok: true}, gh, sender, "test-bridge", time.Hour)

	_, err := svc.CreateSubscription(context.Background(), "user-1", "space-1", "chan-1", "octo/hello", store.StringSlice{"pr"}, nil)
	require.NoError(t, err)

	n, err := svc.UpgradeToWebhook(context.Background(), "octo/hello", 99)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	sub, err := st.GetSubscription(context.Background(), "space-1", "chan-1", "octo/hello")
	require.NoError(t, err)
	require.Equal(t, store.DeliveryModeWebhook, sub.DeliveryMode)
}

func TestCompletePendingSubscriptions_ClearsPendingRegardlessOfOutcome(t *testing.T) {
	st := newFakeStore()
	st.installations["octo/secret"] = 42
	gh := fakeGitHub{repos: map[string]*RepoInfo{
		"octo/secret": {FullName: "octo/secret", IsPrivate: true},
	}}
	sender := &recordingSender{}
	svc := New(st, fakeCredentials{token: "tok", ok: true}, gh, sender, "test-bridge", time.Hour)

	require.NoError(t, st.UpsertPendingSubscription(context.Background(), store.PendingSubscription{
		SpaceID: "space-1", ChannelID: "chan-1", RepoFullName: "octo/secret", TownsUserID: "user-1",
		EventTypes: store.StringSlice{"pr"},
	}))

	require.NoError(t, svc.CompletePendingSubscriptions(context.Background(), "octo/secret"))

	pending, err := st.PendingSubscriptionsForRepo(context.Background(), "octo/secret")
	require.NoError(t, err)
	require.Empty(t, pending)

	sub, err := st.GetSubscription(context.Background(), "space-1", "chan-1", "octo/secret")
	require.NoError(t, err)
	require.Equal(t, store.DeliveryModeWebhook, sub.DeliveryMode)
	require.NotEmpty(t, sender.sent)
}
