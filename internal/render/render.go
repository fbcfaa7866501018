// Package render turns typed GitHub event payloads into chat message text.
// Every function here is pure — no I/O, no network calls — so each event
// kind can be exercised as a table-driven test independent of delivery mode.
package render

import (
	"fmt"

	"github.com/google/go-github/v50/github"
)

// PullRequest renders a pull_request event. detail may be nil if the
// optional PR-detail pre-fetch (polling only) failed or was skipped; the
// rendering falls back to number/URL only rather than dropping the event
// (§9 Open Question resolution: reduced fidelity, never silently dropped).
func PullRequest(ev *github.PullRequestEvent, detail *github.PullRequest) string {
	pr := ev.GetPullRequest()
	repo := ev.GetRepo().GetFullName()
	if detail != nil {
		return fmt.Sprintf("[%s] PR #%d %s: %s\n%s", repo, ev.GetNumber(), ev.GetAction(), detail.GetTitle(), detail.GetHTMLURL())
	}
	return fmt.Sprintf("[%s] PR #%d %s\n%s", repo, ev.GetNumber(), ev.GetAction(), pr.GetHTMLURL())
}

// Issue renders an issues event.
func Issue(ev *github.IssuesEvent) string {
	issue := ev.GetIssue()
	return fmt.Sprintf("[%s] Issue #%d %s: %s\n%s", ev.GetRepo().GetFullName(), issue.GetNumber(), ev.GetAction(), issue.GetTitle(), issue.GetHTMLURL())
}

// Push renders a push event.
func Push(ev *github.PushEvent) string {
	repo := ev.GetRepo().GetFullName()
	n := len(ev.Commits)
	branch := ev.GetRef()
	if hc := ev.GetHeadCommit(); hc != nil {
		return fmt.Sprintf("[%s] %d commit(s) pushed to %s\n%s: %s", repo, n, branch, hc.GetID()[:min(7, len(hc.GetID()))], firstLine(hc.GetMessage()))
	}
	return fmt.Sprintf("[%s] %d commit(s) pushed to %s", repo, n, branch)
}

// Release renders a release event.
func Release(ev *github.ReleaseEvent) string {
	rel := ev.GetRelease()
	return fmt.Sprintf("[%s] Release %s %s: %s\n%s", ev.GetRepo().GetFullName(), rel.GetTagName(), ev.GetAction(), rel.GetName(), rel.GetHTMLURL())
}

// WorkflowRun renders a workflow_run (CI) event.
func WorkflowRun(ev *github.WorkflowRunEvent) string {
	run := ev.GetWorkflowRun()
	return fmt.Sprintf("[%s] CI %s: %s on %s — %s\n%s", ev.GetRepo().GetFullName(), ev.GetAction(), run.GetName(), run.GetHeadBranch(), run.GetConclusion(), run.GetHTMLURL())
}

// IssueComment renders an issue_comment event.
func IssueComment(ev *github.IssueCommentEvent) string {
	issue := ev.GetIssue()
	comment := ev.GetComment()
	return fmt.Sprintf("[%s] Comment on #%d by %s: %s\n%s", ev.GetRepo().GetFullName(), issue.GetNumber(), comment.GetUser().GetLogin(), firstLine(comment.GetBody()), comment.GetHTMLURL())
}

// PullRequestReview renders a pull_request_review event.
func PullRequestReview(ev *github.PullRequestReviewEvent) string {
	review := ev.GetReview()
	pr := ev.GetPullRequest()
	return fmt.Sprintf("[%s] Review on PR #%d by %s: %s\n%s", ev.GetRepo().GetFullName(), pr.GetNumber(), review.GetUser().GetLogin(), review.GetState(), review.GetHTMLURL())
}

// PullRequestReviewComment renders a pull_request_review_comment event
// ("review_comments" kind), used by both the polling sweep and the webhook
// receiver.
func PullRequestReviewComment(ev *github.PullRequestReviewCommentEvent) string {
	comment := ev.GetComment()
	pr := ev.GetPullRequest()
	return fmt.Sprintf("[%s] Review comment on PR #%d by %s: %s\n%s", ev.GetRepo().GetFullName(), pr.GetNumber(), comment.GetUser().GetLogin(), firstLine(comment.GetBody()), comment.GetHTMLURL())
}

// CreateBranch renders a create event for a branch ref (tag creation is not
// in the bridge's "branches" vocabulary and is never dispatched here).
func CreateBranch(ev *github.CreateEvent) string {
	return fmt.Sprintf("[%s] Branch created: %s (by %s)", ev.GetRepo().GetFullName(), ev.GetRef(), ev.GetSender().GetLogin())
}

// DeleteBranch renders a delete event for a branch ref.
func DeleteBranch(ev *github.DeleteEvent) string {
	return fmt.Sprintf("[%s] Branch deleted: %s (by %s)", ev.GetRepo().GetFullName(), ev.GetRef(), ev.GetSender().GetLogin())
}

// Fork renders a fork event.
func Fork(ev *github.ForkEvent) string {
	return fmt.Sprintf("[%s] Forked to %s by %s\n%s", ev.GetRepo().GetFullName(), ev.GetForkee().GetFullName(), ev.GetSender().GetLogin(), ev.GetForkee().GetHTMLURL())
}

// Star renders a watch (star) event.
func Star(ev *github.WatchEvent) string {
	return fmt.Sprintf("[%s] Starred by %s", ev.GetRepo().GetFullName(), ev.GetSender().GetLogin())
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
