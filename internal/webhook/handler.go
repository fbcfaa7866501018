// Package webhook is the HTTP receiver for signed GitHub App webhook
// deliveries (§4.2).
package webhook

import (
	"context"
	"io"
	"net/http"

	"github.com/google/go-github/v50/github"
	"github.com/rs/zerolog"

	"github.com/towns-xyz/github-bridge/internal/events"
	"github.com/towns-xyz/github-bridge/internal/store"
)

// deliveryStore is the subset of *store.Store this package depends on.
type deliveryStore interface {
	TryInsertDeliveryRecord(ctx context.Context, deliveryID, eventType string, installationID *int64) (bool, error)
	MarkDeliverySucceeded(ctx context.Context, deliveryID string) error
	MarkDeliveryFailed(ctx context.Context, deliveryID, errMsg string) error
}

// InstallationManager is the subset of internal/installations.Manager this
// package depends on.
type InstallationManager interface {
	Created(ctx context.Context, installationID int64, accountLogin string, accountType store.AccountType, appSlug string, repoFullNames []string) error
	Deleted(ctx context.Context, installationID int64) error
	RepositoriesAdded(ctx context.Context, installationID int64, repoFullNames []string) error
	RepositoriesRemoved(ctx context.Context, installationID int64, repoFullNames []string) error
}

// EventProcessor is the subset of internal/events.Processor this package
// depends on.
type EventProcessor interface {
	Process(ctx context.Context, deliveryID string, kind events.Kind, mode store.DeliveryMode, repoFullName string, payload interface{}, prDetail *github.PullRequest) error
}

// Handler is the http.Handler for POST /github-webhook.
type Handler struct {
	secret        []byte
	appConfigured func() bool
	store         deliveryStore
	installations InstallationManager
	processor     EventProcessor
	logger        zerolog.Logger
}

// New builds a webhook Handler. appConfigured reports whether the GitHub
// App identity is present; when false the handler responds 503 without
// touching the body (§4.2: "Rejects with 503 if the GitHub App is not
// configured").
func New(secret []byte, appConfigured func() bool, st deliveryStore, installations InstallationManager, processor EventProcessor, logger zerolog.Logger) *Handler {
	return &Handler{secret: secret, appConfigured: appConfigured, store: st, installations: installations, processor: processor, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.appConfigured() {
		http.Error(w, "github app not configured", http.StatusServiceUnavailable)
		return
	}

	eventType := github.WebHookType(r)
	deliveryID := github.DeliveryID(r)
	signature := r.Header.Get("X-Hub-Signature-256")
	if eventType == "" || deliveryID == "" || signature == "" {
		http.Error(w, "missing required webhook header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if err := github.ValidateSignature(signature, body, h.secret); err != nil {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()

	payload, err := github.ParseWebHook(eventType, body)
	if err != nil {
		h.logger.Warn().Err(err).Str("delivery_id", deliveryID).Str("event", eventType).Msg("unrecognized or malformed webhook payload")
		w.WriteHeader(http.StatusOK)
		return
	}

	installationID := installationIDFromPayload(payload)

	inserted, err := h.store.TryInsertDeliveryRecord(ctx, deliveryID, eventType, installationID)
	if err != nil {
		h.logger.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to insert delivery record")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !inserted {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("already processed"))
		return
	}

	if err := h.dispatch(ctx, deliveryID, eventType, payload); err != nil {
		h.logger.Error().Err(err).Str("delivery_id", deliveryID).Str("event", eventType).Msg("webhook dispatch failed")
		_ = h.store.MarkDeliveryFailed(ctx, deliveryID, err.Error())
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := h.store.MarkDeliverySucceeded(ctx, deliveryID); err != nil {
		h.logger.Error().Err(err).Str("delivery_id", deliveryID).Msg("failed to mark delivery succeeded")
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) dispatch(ctx context.Context, deliveryID, eventType string, payload interface{}) error {
	// repoFullName is left "" on every call below: the webhook payload
	// already carries its own repository inline, so the processor's
	// Render-derived fallback is authoritative here (unlike the polling
	// sweep, which must pass its own known repo explicitly).
	switch p := payload.(type) {
	case *github.InstallationEvent:
		return h.dispatchInstallation(ctx, p)
	case *github.InstallationRepositoriesEvent:
		return h.dispatchInstallationRepositories(ctx, p)
	case *github.PullRequestEvent:
		return h.processor.Process(ctx, deliveryID, events.KindPR, store.DeliveryModeWebhook, "", p, nil)
	case *github.IssuesEvent:
		return h.processor.Process(ctx, deliveryID, events.KindIssues, store.DeliveryModeWebhook, "", p, nil)
	case *github.PushEvent:
		return h.processor.Process(ctx, deliveryID, events.KindCommits, store.DeliveryModeWebhook, "", p, nil)
	case *github.ReleaseEvent:
		return h.processor.Process(ctx, deliveryID, events.KindReleases, store.DeliveryModeWebhook, "", p, nil)
	case *github.WorkflowRunEvent:
		return h.processor.Process(ctx, deliveryID, events.KindCI, store.DeliveryModeWebhook, "", p, nil)
	case *github.IssueCommentEvent:
		return h.processor.Process(ctx, deliveryID, events.KindComments, store.DeliveryModeWebhook, "", p, nil)
	case *github.PullRequestReviewEvent:
		return h.processor.Process(ctx, deliveryID, events.KindReviews, store.DeliveryModeWebhook, "", p, nil)
	case *github.PullRequestReviewCommentEvent:
		return h.processor.Process(ctx, deliveryID, events.KindReviewComments, store.DeliveryModeWebhook, "", p, nil)
	case *github.CreateEvent:
		return h.processor.Process(ctx, deliveryID, events.KindBranches, store.DeliveryModeWebhook, "", p, nil)
	case *github.DeleteEvent:
		return h.processor.Process(ctx, deliveryID, events.KindBranches, store.DeliveryModeWebhook, "", p, nil)
	case *github.ForkEvent:
		return h.processor.Process(ctx, deliveryID, events.KindForks, store.DeliveryModeWebhook, "", p, nil)
	case *github.WatchEvent:
		return h.processor.Process(ctx, deliveryID, events.KindStars, store.DeliveryModeWebhook, "", p, nil)
	default:
		// Other event names are acknowledged and ignored (§4.2 step 3).
		return nil
	}
}

func (h *Handler) dispatchInstallation(ctx context.Context, p *github.InstallationEvent) error {
	inst := p.GetInstallation()
	switch p.GetAction() {
	case "created":
		repos := make([]string, 0, len(p.Repositories))
		for _, r := range p.Repositories {
			repos = append(repos, r.GetFullName())
		}
		accountType := store.AccountTypeUser
		if inst.GetAccount().GetType() == "Organization" {
			accountType = store.AccountTypeOrganization
		}
		return h.installations.Created(ctx, inst.GetID(), inst.GetAccount().GetLogin(), accountType, inst.GetAppSlug(), repos)
	case "deleted":
		return h.installations.Deleted(ctx, inst.GetID())
	default:
		// suspend/unsuspend/new_permissions_accepted carry no subscription
		// consequence in this bridge's vocabulary.
		return nil
	}
}

func (h *Handler) dispatchInstallationRepositories(ctx context.Context, p *github.InstallationRepositoriesEvent) error {
	inst := p.GetInstallation()
	switch p.GetAction() {
	case "added":
		repos := make([]string, 0, len(p.RepositoriesAdded))
		for _, r := range p.RepositoriesAdded {
			repos = append(repos, r.GetFullName())
		}
		return h.installations.RepositoriesAdded(ctx, inst.GetID(), repos)
	case "removed":
		repos := make([]string, 0, len(p.RepositoriesRemoved))
		for _, r := range p.RepositoriesRemoved {
			repos = append(repos, r.GetFullName())
		}
		return h.installations.RepositoriesRemoved(ctx, inst.GetID(), repos)
	default:
		return nil
	}
}

func installationIDFromPayload(payload interface{}) *int64 {
	type installationCarrier interface {
		GetInstallation() *github.Installation
	}
	carrier, ok := payload.(installationCarrier)
	if !ok {
		return nil
	}
	inst := carrier.GetInstallation()
	if inst == nil {
		return nil
	}
	id := inst.GetID()
	return &id
}
