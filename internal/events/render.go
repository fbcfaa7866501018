package events

import (
	"fmt"

	"github.com/google/go-github/v50/github"

	"github.com/towns-xyz/github-bridge/internal/render"
)

// Render dispatches a parsed GitHub event payload to the matching pure
// renderer, and reports the branch the event carries (if any) so callers
// can apply the branch filter before this point, and the repo full name so
// callers don't need to re-switch on the payload type. defaultBranch is a
// best-effort hint read directly from the payload's embedded repository
// object where go-github exposes one — webhook deliveries carry the full
// Repository resource, so this is normally enough to avoid a network round
// trip; it is empty when the payload only carries a minimal repo reference
// (the polling engine's Event payloads), leaving resolution to the caller.
// prDetail is only consulted for pull_request events (the polling engine's
// PR pre-fetch); it is nil on the webhook path and, tolerably, on polling
// when the pre-fetch failed (§9: reduced-fidelity fallback, never dropped).
func Render(kind Kind, payload interface{}, prDetail *github.PullRequest) (text, repoFullName, branch, defaultBranch string, err error) {
	switch p := payload.(type) {
	case *github.PullRequestEvent:
		return render.PullRequest(p, prDetail), p.GetRepo().GetFullName(), "", p.GetRepo().GetDefaultBranch(), nil
	case *github.IssuesEvent:
		return render.Issue(p), p.GetRepo().GetFullName(), "", p.GetRepo().GetDefaultBranch(), nil
	case *github.PushEvent:
		branch := BranchFromRef(p.GetRef())
		return render.Push(p), p.GetRepo().GetFullName(), branch, p.GetRepo().GetDefaultBranch(), nil
	case *github.ReleaseEvent:
		return render.Release(p), p.GetRepo().GetFullName(), "", p.GetRepo().GetDefaultBranch(), nil
	case *github.WorkflowRunEvent:
		return render.WorkflowRun(p), p.GetRepo().GetFullName(), p.GetWorkflowRun().GetHeadBranch(), p.GetRepo().GetDefaultBranch(), nil
	case *github.IssueCommentEvent:
		return render.IssueComment(p), p.GetRepo().GetFullName(), "", p.GetRepo().GetDefaultBranch(), nil
	case *github.PullRequestReviewEvent:
		return render.PullRequestReview(p), p.GetRepo().GetFullName(), "", p.GetRepo().GetDefaultBranch(), nil
	case *github.PullRequestReviewCommentEvent:
		return render.PullRequestReviewComment(p), p.GetRepo().GetFullName(), "", p.GetRepo().GetDefaultBranch(), nil
	case *github.CreateEvent:
		if p.GetRefType() != "branch" {
			return "", p.GetRepo().GetFullName(), "", "", fmt.Errorf("events: create event ref_type %q is not a branch", p.GetRefType())
		}
		return render.CreateBranch(p), p.GetRepo().GetFullName(), p.GetRef(), p.GetRepo().GetDefaultBranch(), nil
	case *github.DeleteEvent:
		if p.GetRefType() != "branch" {
			return "", p.GetRepo().GetFullName(), "", "", fmt.Errorf("events: delete event ref_type %q is not a branch", p.GetRefType())
		}
		return render.DeleteBranch(p), p.GetRepo().GetFullName(), p.GetRef(), p.GetRepo().GetDefaultBranch(), nil
	case *github.ForkEvent:
		return render.Fork(p), p.GetRepo().GetFullName(), "", p.GetRepo().GetDefaultBranch(), nil
	case *github.WatchEvent:
		return render.Star(p), p.GetRepo().GetFullName(), "", p.GetRepo().GetDefaultBranch(), nil
	default:
		return "", "", "", "", fmt.Errorf("events: unsupported payload type %T for kind %s", payload, kind)
	}
}
