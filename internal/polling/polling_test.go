package polling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-github/v50/github"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/towns-xyz/github-bridge/internal/events"
	"github.com/towns-xyz/github-bridge/internal/store"
)

type fakeReposLister struct {
	repos   []string
	cursors map[string]*store.PollingCursor
	upserts []store.PollingCursor
}

func (f *fakeReposLister) PollingRepos(ctx context.Context) ([]string, error) {
	return f.repos, nil
}

func (f *fakeReposLister) GetPollingCursor(ctx context.Context, repoFullName string) (*store.PollingCursor, error) {
	c, ok := f.cursors[repoFullName]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeReposLister) UpsertPollingCursor(ctx context.Context, c store.PollingCursor) error {
	f.upserts = append(f.upserts, c)
	return nil
}

type recordedProcess struct {
	kind         events.Kind
	repoFullName string
	payload      interface{}
}

type fakeProcessor struct {
	processed []recordedProcess
}

func (f *fakeProcessor) Process(ctx context.Context, deliveryID string, kind events.Kind, mode store.DeliveryMode, repoFullName string, payload interface{}, prDetail *github.PullRequest) error {
	f.processed = append(f.processed, recordedProcess{kind: kind, repoFullName: repoFullName, payload: payload})
	return nil
}

func newTestEngine(st reposLister, proc EventProcessor, listEvents func(ctx context.Context, client *github.Client, owner, repo, etag string) ([]*github.Event, string, bool, error)) *Engine {
	return &Engine{
		store:        st,
		client:       github.NewClient(nil),
		pullRequests: func(ctx context.Context, client *github.Client, owner, repo string, number int) (*github.PullRequest, error) { return nil, nil },
		listEvents:   listEvents,
		processor:    proc,
		logger:       zerolog.Nop(),
		perRepoBudget: 0,
	}
}

func TestTruncateAtCursor_DropsEverythingAtOrBeforeLastEventID(t *testing.T) {
	page := []*github.Event{
		{ID: github.String("3")},
		{ID: github.String("2")},
		{ID: github.String("1")},
	}
	fresh := truncateAtCursor(page, "2")
	require.Len(t, fresh, 1)
	require.Equal(t, "3", fresh[0].GetID())
}

func TestTruncateAtCursor_UnknownCursorKeepsWholePage(t *testing.T) {
	page := []*github.Event{{ID: github.String("3")}, {ID: github.String("2")}}
	fresh := truncateAtCursor(page, "missing")
	require.Len(t, fresh, 2)
}

func TestSweep_NotModifiedStillAdvancesETag(t *testing.T) {
	st := &fakeReposLister{repos: []string{"octocat/hello-world"}, cursors: map[string]*store.PollingCursor{}}
	proc := &fakeProcessor{}
	e := newTestEngine(st, proc, func(ctx context.Context, client *github.Client, owner, repo, etag string) ([]*github.Event, string, bool, error) {
		return nil, "W/\"new-etag\"", true, nil
	})

	e.Sweep(context.Background())

	require.Empty(t, proc.processed)
	require.Len(t, st.upserts, 1)
	require.Equal(t, "W/\"new-etag\"", *st.upserts[0].ETag)
}

func TestSweep_DispatchesFreshEventsOldestFirst(t *testing.T) {
	st := &fakeReposLister{repos: []string{"octocat/hello-world"}, cursors: map[string]*store.PollingCursor{}}
	proc := &fakeProcessor{}
	page := []*github.Event{
		{ID: github.String("3"), Type: github.String("IssuesEvent"), RawPayload: rawPayload(t, &github.IssuesEvent{Action: github.String("opened")})},
		{ID: github.String("2"), Type: github.String("IssuesEvent"), RawPayload: rawPayload(t, &github.IssuesEvent{Action: github.String("closed")})},
	}
	e := newTestEngine(st, proc, func(ctx context.Context, client *github.Client, owner, repo, etag string) ([]*github.Event, string, bool, error) {
		return page, "W/\"etag\"", false, nil
	})

	e.Sweep(context.Background())

	require.Len(t, proc.processed, 2)
	first := proc.processed[0].payload.(*github.IssuesEvent)
	require.Equal(t, "closed", first.GetAction())
	// The Events API payload above carries no repository of its own; the
	// sweep's own repo must still reach the processor.
	require.Equal(t, "octocat/hello-world", proc.processed[0].repoFullName)
	require.Equal(t, "octocat/hello-world", proc.processed[1].repoFullName)
	require.Len(t, st.upserts, 1)
	require.Equal(t, "3", *st.upserts[0].LastEventID)
}

func TestStart_SchedulesOneCronJob(t *testing.T) {
	st := &fakeReposLister{}
	e := New(st, &fakeProcessor{}, zerolog.Nop(), time.Second)
	require.NoError(t, e.Start(context.Background(), time.Minute))
	require.Len(t, e.cron.Entries(), 1)
	e.Stop()
}

func rawPayload(t *testing.T, v interface{}) *json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	raw := json.RawMessage(b)
	return &raw
}
