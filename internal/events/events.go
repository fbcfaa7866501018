// Package events maps GitHub webhook/polling event kinds to the bridge's
// user-facing vocabulary, selects interested subscribers, and applies the
// branch-filter matching rule shared by both delivery modes.
package events

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/towns-xyz/github-bridge/internal/store"
)

// Kind is a user-facing short name for a class of GitHub event.
type Kind string

const (
	KindAll            Kind = "all"
	KindPR             Kind = "pr"
	KindIssues         Kind = "issues"
	KindCommits        Kind = "commits"
	KindReleases       Kind = "releases"
	KindCI             Kind = "ci"
	KindComments       Kind = "comments"
	KindReviews        Kind = "reviews"
	KindBranches       Kind = "branches"
	KindReviewComments Kind = "review_comments"
	KindStars          Kind = "stars"
	KindForks          Kind = "forks"
)

// webhookNames maps each Kind to the GitHub webhook event name(s) that
// realize it (§6 event type vocabulary table).
var webhookNames = map[Kind][]string{
	KindPR:             {"pull_request"},
	KindIssues:         {"issues"},
	KindCommits:        {"push"},
	KindReleases:       {"release"},
	KindCI:             {"workflow_run"},
	KindComments:       {"issue_comment"},
	KindReviews:        {"pull_request_review"},
	KindBranches:       {"create", "delete"},
	KindReviewComments: {"pull_request_review_comment"},
	KindStars:          {"watch"},
	KindForks:          {"fork"},
}

// branchBearingKinds is the set of kinds whose events carry a ref/branch and
// are therefore subject to a subscription's branch filter.
var branchBearingKinds = map[Kind]bool{
	KindCommits:  true,
	KindBranches: true,
	KindCI:       true,
}

// pollingTypeNames maps a Kind to the "Type" field GitHub's events API uses
// for the same underlying activity (CamelCase, "Event"-suffixed — distinct
// from the snake_case webhook event names in webhookNames). workflow_run
// activity has no equivalent on the public events feed, so "ci" is
// webhook-only; review_comments is present on both.
var pollingTypeNames = map[Kind]string{
	KindPR:             "PullRequestEvent",
	KindIssues:         "IssuesEvent",
	KindCommits:        "PushEvent",
	KindReleases:       "ReleaseEvent",
	KindComments:       "IssueCommentEvent",
	KindReviews:        "PullRequestReviewEvent",
	KindBranches:       "CreateEvent|DeleteEvent",
	KindReviewComments: "PullRequestReviewCommentEvent",
	KindStars:          "WatchEvent",
	KindForks:          "ForkEvent",
}

// KindForPollingEventType resolves the short name for a raw GitHub events-API
// "Type" field (e.g. "PushEvent"). Returns ("", false) for types the bridge
// does not fan out, including "WorkflowRunEvent", which the public events
// feed never emits.
func KindForPollingEventType(eventType string) (Kind, bool) {
	for kind, name := range pollingTypeNames {
		if name == eventType || strings.Contains(name, eventType) {
			return kind, true
		}
	}
	return "", false
}

// KindForWebhookEvent resolves the short name for a raw GitHub webhook event
// name (the `X-GitHub-Event` header / go-github's WebHookType). Returns
// ("", false) for event names the bridge does not fan out (§4.2 step 3:
// "other event names are acknowledged and ignored").
func KindForWebhookEvent(eventName string) (Kind, bool) {
	for kind, names := range webhookNames {
		for _, n := range names {
			if n == eventName {
				return kind, true
			}
		}
	}
	return "", false
}

// IsBranchBearing reports whether events of this kind carry a branch that
// must be checked against a subscription's branch_filter.
func IsBranchBearing(kind Kind) bool {
	return branchBearingKinds[kind]
}

// MatchesEventTypes reports whether a subscription's event_types selection
// includes kind, honoring the "all" sentinel.
func MatchesEventTypes(subscribed store.StringSlice, kind Kind) bool {
	return subscribed.Contains(string(kind))
}

// MatchesBranch implements the branch_filter semantics of §4.5 step 3 / §6:
// nil ⇒ default branch only; "all" or "*" ⇒ any branch; otherwise a
// comma-separated list of exact names and glob patterns (using "*" as
// wildcard) matched against the full branch name.
func MatchesBranch(filter *string, branch, defaultBranch string) bool {
	if filter == nil {
		return branch == defaultBranch
	}
	trimmed := strings.TrimSpace(*filter)
	if trimmed == "" {
		return branch == defaultBranch
	}
	if trimmed == "all" || trimmed == "*" {
		return true
	}
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "*") {
			if ok, err := filepath.Match(part, branch); err == nil && ok {
				return true
			}
			continue
		}
		if part == branch {
			return true
		}
	}
	return false
}

// BranchFromRef strips a "refs/heads/" prefix from a push/create/delete
// ref, leaving the bare branch name MatchesBranch expects. Non branch refs
// (e.g. "refs/tags/...") are returned unchanged since they never satisfy a
// branch filter anyway.
func BranchFromRef(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// DefaultBranchResolver resolves and caches a repository's default branch,
// consulted the first time a branch filter needs it (§4.5 step 3:
// "cached in PollingCursor on first need").
type DefaultBranchResolver interface {
	DefaultBranch(ctx context.Context, repoFullName string) (string, error)
}

// Subscribers resolves the subscriptions interested in an event for a given
// repo, delivery mode and kind. defaultBranch is only consulted for
// branch-bearing kinds and may be empty if the caller could not resolve it
// (in which case a nil branch_filter subscription never matches, which is
// the safe default). It is the shared selection logic used by both the
// webhook-driven event processor and the polling engine, so that the two
// never double-select (§4.5 step 2 / §4.6 step 4c).
func Subscribers(ctx context.Context, st *store.Store, repoFullName string, mode store.DeliveryMode, kind Kind, branch, defaultBranch string) ([]store.Subscription, error) {
	candidates, err := st.SubscriptionsForRepo(ctx, repoFullName, mode)
	if err != nil {
		return nil, fmt.Errorf("events: load subscribers for %s: %w", repoFullName, err)
	}

	branchBearing := IsBranchBearing(kind)
	matched := make([]store.Subscription, 0, len(candidates))
	for _, sub := range candidates {
		if !MatchesEventTypes(sub.EventTypes, kind) {
			continue
		}
		if branchBearing && !MatchesBranch(sub.BranchFilter, branch, defaultBranch) {
			continue
		}
		matched = append(matched, sub)
	}
	return matched, nil
}
