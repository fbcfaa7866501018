// Package polling implements the periodic events-feed sweep for
// polling-mode subscriptions (§4.6).
package polling

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/go-github/v50/github"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/towns-xyz/github-bridge/internal/events"
	"github.com/towns-xyz/github-bridge/internal/githubapp"
	"github.com/towns-xyz/github-bridge/internal/store"
)

// reposLister is the subset of *store.Store this package depends on for
// cursor and repo enumeration.
type reposLister interface {
	PollingRepos(ctx context.Context) ([]string, error)
	GetPollingCursor(ctx context.Context, repoFullName string) (*store.PollingCursor, error)
	UpsertPollingCursor(ctx context.Context, c store.PollingCursor) error
}

// EventProcessor is the subset of internal/events.Processor this package
// depends on.
type EventProcessor interface {
	Process(ctx context.Context, deliveryID string, kind events.Kind, mode store.DeliveryMode, repoFullName string, payload interface{}, prDetail *github.PullRequest) error
}

// Engine runs the periodic polling sweep.
type Engine struct {
	store        reposLister
	client       *github.Client
	pullRequests func(ctx context.Context, client *github.Client, owner, repo string, number int) (*github.PullRequest, error)
	listEvents   func(ctx context.Context, client *github.Client, owner, repo, etag string) ([]*github.Event, string, bool, error)
	processor    EventProcessor
	logger       zerolog.Logger
	perRepoBudget time.Duration

	inFlight atomic.Bool
	cron     *cron.Cron
}

// New builds a polling Engine against GitHub's unauthenticated public
// client — polling-mode subscriptions only ever cover public repositories
// (§3 invariant), so no installation or user credential is needed.
func New(st reposLister, processor EventProcessor, logger zerolog.Logger, perRepoBudget time.Duration) *Engine {
	return &Engine{
		store:         st,
		client:        githubapp.PublicClient(),
		pullRequests:  githubapp.GetPullRequest,
		listEvents:    githubapp.ListRepositoryEventsRaw,
		processor:     processor,
		logger:        logger,
		perRepoBudget: perRepoBudget,
		cron:          cron.New(),
	}
}

// Start schedules the periodic sweep as a robfig/cron/v3 job running every
// interval (§4.6 FULL), rather than a hand-rolled time.Ticker, matching the
// scheduling idiom internal/housekeeping also uses. It returns once the job
// is registered and the scheduler is running; Sweep itself continues in the
// background until Stop.
func (e *Engine) Start(ctx context.Context, interval time.Duration) error {
	if _, err := e.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() { e.Sweep(ctx) }); err != nil {
		return err
	}
	e.cron.Start()
	return nil
}

// Stop halts the scheduler, blocking until any in-flight sweep finishes
// (§5: "the polling timer stops immediately on shutdown and does not start
// new sweeps").
func (e *Engine) Stop() {
	stopCtx := e.cron.Stop()
	<-stopCtx.Done()
}

// Sweep runs one polling pass over every polling-mode repo. If a previous
// sweep is still in flight it is skipped and logged (§4.6, §5).
func (e *Engine) Sweep(ctx context.Context) {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.logger.Warn().Msg("polling sweep skipped: previous sweep still in flight")
		return
	}
	defer e.inFlight.Store(false)

	repos, err := e.store.PollingRepos(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("polling: list polling repos")
		return
	}

	for _, repo := range repos {
		repoCtx, cancel := context.WithTimeout(ctx, e.perRepoBudget)
		if err := e.sweepRepo(repoCtx, repo); err != nil {
			e.logger.Error().Err(err).Str("repo_full_name", repo).Msg("polling: sweep repo failed")
		}
		cancel()
	}
}

func (e *Engine) sweepRepo(ctx context.Context, repoFullName string) error {
	owner, repo, err := githubapp.ParseRepoIdentifier(repoFullName)
	if err != nil {
		return err
	}

	cursor, err := e.store.GetPollingCursor(ctx, repoFullName)
	var etag, lastEventID string
	if err == nil {
		if cursor.ETag != nil {
			etag = *cursor.ETag
		}
		if cursor.LastEventID != nil {
			lastEventID = *cursor.LastEventID
		}
	} else if err != store.ErrNotFound {
		return err
	}

	page, newETag, notModified, err := e.listEvents(ctx, e.client, owner, repo, etag)
	if err != nil {
		return err
	}
	if notModified {
		return e.store.UpsertPollingCursor(ctx, store.PollingCursor{RepoFullName: repoFullName, ETag: &newETag, LastEventID: strPtrOrNil(lastEventID)})
	}
	if len(page) == 0 {
		return e.store.UpsertPollingCursor(ctx, store.PollingCursor{RepoFullName: repoFullName, ETag: &newETag, LastEventID: strPtrOrNil(lastEventID)})
	}

	fresh := truncateAtCursor(page, lastEventID)
	if len(fresh) > 0 {
		details := e.prefetchPullRequests(ctx, owner, repo, fresh)
		e.dispatchChronologically(ctx, repoFullName, fresh, details)
	}

	newest := page[0].GetID()
	return e.store.UpsertPollingCursor(ctx, store.PollingCursor{RepoFullName: repoFullName, ETag: &newETag, LastEventID: &newest})
}

// truncateAtCursor drops every entry at or before lastEventID in the
// newest-first page. If lastEventID is unknown or absent from the page, the
// whole page is treated as new (§4.6 step 3).
func truncateAtCursor(page []*github.Event, lastEventID string) []*github.Event {
	if lastEventID == "" {
		return page
	}
	for i, ev := range page {
		if ev.GetID() == lastEventID {
			return page[:i]
		}
	}
	return page
}

func (e *Engine) prefetchPullRequests(ctx context.Context, owner, repo string, page []*github.Event) map[int]*github.PullRequest {
	numbers := map[int]bool{}
	for _, ev := range page {
		if ev.GetType() != "PullRequestEvent" {
			continue
		}
		payload, err := ev.ParsePayload()
		if err != nil {
			continue
		}
		if pr, ok := payload.(*github.PullRequestEvent); ok {
			numbers[pr.GetNumber()] = true
		}
	}

	details := make(map[int]*github.PullRequest, len(numbers))
	type result struct {
		number int
		pr     *github.PullRequest
	}
	results := make(chan result, len(numbers))
	for n := range numbers {
		n := n
		go func() {
			pr, err := e.pullRequests(ctx, e.client, owner, repo, n)
			if err != nil {
				// Missing detail is tolerated; the renderer falls back (§9).
				results <- result{n, nil}
				return
			}
			results <- result{n, pr}
		}()
	}
	for range numbers {
		r := <-results
		details[r.number] = r.pr
	}
	return details
}

// dispatchChronologically processes page oldest-first, the reverse of the
// newest-first order GitHub returns it in (§4.6 step 4b, §5). details holds
// the pre-fetched PR detail for every PullRequestEvent in page, keyed by PR
// number; a missing entry means the pre-fetch failed or was skipped and the
// renderer falls back to the event's own embedded (lower-fidelity) PR (§9).
// repoFullName is passed through to the processor explicitly: the Events API
// only carries the repository on the outer github.Event (here, the caller's
// own repoFullName), not on the inner payload ev.ParsePayload() returns, so
// the processor cannot re-derive it the way it does for webhook deliveries.
func (e *Engine) dispatchChronologically(ctx context.Context, repoFullName string, page []*github.Event, details map[int]*github.PullRequest) {
	ordered := make([]*github.Event, len(page))
	copy(ordered, page)
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}

	for _, ev := range ordered {
		kind, ok := events.KindForPollingEventType(ev.GetType())
		if !ok {
			continue
		}
		payload, err := ev.ParsePayload()
		if err != nil {
			e.logger.Warn().Err(err).Str("repo_full_name", repoFullName).Str("event_type", ev.GetType()).Msg("polling: failed to parse event payload")
			continue
		}
		var prDetail *github.PullRequest
		if pr, ok := payload.(*github.PullRequestEvent); ok {
			prDetail = details[pr.GetNumber()]
		}
		if err := e.processor.Process(ctx, "", kind, store.DeliveryModePolling, repoFullName, payload, prDetail); err != nil {
			e.logger.Error().Err(err).Str("repo_full_name", repoFullName).Str("event_type", ev.GetType()).Msg("polling: process event failed")
		}
	}
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
