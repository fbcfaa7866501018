package installations

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-github/v50/github"
	"github.com/stretchr/testify/require"

	"github.com/towns-xyz/github-bridge/internal/store"
)

type fakeStore struct {
	mu            sync.Mutex
	installations map[int64]store.Installation
	repos         map[int64]map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{installations: map[int64]store.Installation{}, repos: map[int64]map[string]bool{}}
}

func (f *fakeStore) UpsertInstallation(_ context.Context, inst store.Installation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installations[inst.InstallationID] = inst
	return nil
}

func (f *fakeStore) GetInstallation(_ context.Context, installationID int64) (*store.Installation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.installations[installationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &inst, nil
}

func (f *fakeStore) DeleteInstallation(_ context.Context, installationID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.installations, installationID)
	delete(f.repos, installationID)
	return nil
}

func (f *fakeStore) InsertInstallationRepository(_ context.Context, installationID int64, repoFullName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.repos[installationID] == nil {
		f.repos[installationID] = map[string]bool{}
	}
	f.repos[installationID][repoFullName] = true
	return nil
}

func (f *fakeStore) DeleteInstallationRepository(_ context.Context, installationID int64, repoFullName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.repos[installationID], repoFullName)
	return nil
}

type fakeAppClient struct {
	installation *github.Installation
}

func (f fakeAppClient) GetInstallation(_ context.Context, _ int64) (*github.Installation, error) {
	return f.installation, nil
}

type fakeSubs struct {
	mu                sync.Mutex
	upgraded          map[string]int64
	completedPending  []string
	downgradeCalls    []downgradeCall
}

type downgradeCall struct {
	installationID int64
	repos          []string
}

func (f *fakeSubs) UpgradeToWebhook(_ context.Context, repoFullName string, installationID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upgraded == nil {
		f.upgraded = map[string]int64{}
	}
	f.upgraded[repoFullName] = installationID
	return 1, nil
}

func (f *fakeSubs) DowngradeSubscriptions(_ context.Context, installationID int64, repos []string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downgradeCalls = append(f.downgradeCalls, downgradeCall{installationID, repos})
	return 0, 0, nil
}

func (f *fakeSubs) CompletePendingSubscriptions(_ context.Context, repoFullName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completedPending = append(f.completedPending, repoFullName)
	return nil
}

func TestCreated_UpsertsInstallationAndRepos(t *testing.T) {
	st := newFakeStore()
	subs := &fakeSubs{}
	m := New(st, subs, fakeAppClient{})

	err := m.Created(context.Background(), 1, "octocat", store.AccountTypeUser, "my-app", []string{"octo/hello", "octo/world"})
	require.NoError(t, err)

	inst, err := st.GetInstallation(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "octocat", inst.AccountLogin)
	require.True(t, st.repos[1]["octo/hello"])
	require.True(t, st.repos[1]["octo/world"])
}

func TestDeleted_RemovesInstallationAndDowngrades(t *testing.T) {
	st := newFakeStore()
	require.NoError(t, st.UpsertInstallation(context.Background(), store.Installation{InstallationID: 5}))
	subs := &fakeSubs{}
	m := New(st, subs, fakeAppClient{})

	require.NoError(t, m.Deleted(context.Background(), 5))

	_, err := st.GetInstallation(context.Background(), 5)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Len(t, subs.downgradeCalls, 1)
	require.Equal(t, int64(5), subs.downgradeCalls[0].installationID)
	require.Nil(t, subs.downgradeCalls[0].repos)
}

func TestRepositoriesAdded_OutOfOrderRecoversFromAppAPI(t *testing.T) {
	st := newFakeStore()
	acct := &github.User{Login: github.String("acme"), Type: github.String("Organization")}
	appClient := fakeAppClient{installation: &github.Installation{
		Account: acct,
		AppSlug: github.String("my-app"),
	}}
	subs := &fakeSubs{}
	m := New(st, subs, appClient)

	// No prior Created call: the installation row does not exist yet.
	err := m.RepositoriesAdded(context.Background(), 7, []string{"acme/widgets"})
	require.NoError(t, err)

	inst, err := st.GetInstallation(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "acme", inst.AccountLogin)
	require.Equal(t, store.AccountTypeOrganization, inst.AccountType)
	require.True(t, st.repos[7]["acme/widgets"])
	require.Equal(t, int64(7), subs.upgraded["acme/widgets"])
	require.Contains(t, subs.completedPending, "acme/widgets")
}

func TestRepositoriesRemoved_DeletesRowsAndDowngradesRestricted(t *testing.T) {
	st := newFakeStore()
	require.NoError(t, st.UpsertInstallation(context.Background(), store.Installation{InstallationID: 9}))
	require.NoError(t, st.InsertInstallationRepository(context.Background(), 9, "octo/hello"))
	subs := &fakeSubs{}
	m := New(st, subs, fakeAppClient{})

	err := m.RepositoriesRemoved(context.Background(), 9, []string{"octo/hello"})
	require.NoError(t, err)

	require.False(t, st.repos[9]["octo/hello"])
	require.Len(t, subs.downgradeCalls, 1)
	require.Equal(t, []string{"octo/hello"}, subs.downgradeCalls[0].repos)
}
