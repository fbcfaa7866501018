package events

import (
	"context"
	"fmt"

	"github.com/google/go-github/v50/github"
	"github.com/rs/zerolog"

	"github.com/towns-xyz/github-bridge/internal/chat"
	"github.com/towns-xyz/github-bridge/internal/fanout"
	"github.com/towns-xyz/github-bridge/internal/store"
)

// Processor renders a validated event and fans it out to every subscribed
// channel (§4.5).
type Processor struct {
	store    *store.Store
	sender   chat.Sender
	resolver DefaultBranchResolver
	logger   zerolog.Logger
}

// NewProcessor builds an event Processor.
func NewProcessor(st *store.Store, sender chat.Sender, resolver DefaultBranchResolver, logger zerolog.Logger) *Processor {
	return &Processor{store: st, sender: sender, resolver: resolver, logger: logger}
}

// Process renders payload, selects subscribers, and fans the rendered
// message out concurrently. deliveryID is only used for log correlation; it
// may be empty on the polling path, which has no delivery id of its own.
// repoFullName is the caller's own authoritative repo for this event; pass
// it when known (the polling sweep knows exactly which repo it is sweeping,
// since the Events API's outer github.Event.Repo is discarded once
// ev.ParsePayload() returns the bare inner payload). Pass "" to fall back to
// the repo Render derives from the payload itself, which webhook deliveries
// carry inline.
func (p *Processor) Process(ctx context.Context, deliveryID string, kind Kind, mode store.DeliveryMode, repoFullName string, payload interface{}, prDetail *github.PullRequest) error {
	text, payloadRepoFullName, branch, defaultBranch, err := Render(kind, payload, prDetail)
	if err != nil {
		return fmt.Errorf("events: render: %w", err)
	}
	if repoFullName == "" {
		repoFullName = payloadRepoFullName
	}

	if IsBranchBearing(kind) && defaultBranch == "" && p.resolver != nil {
		defaultBranch, err = p.resolver.DefaultBranch(ctx, repoFullName)
		if err != nil {
			return fmt.Errorf("events: resolve default branch for %s: %w", repoFullName, err)
		}
	}

	subs, err := Subscribers(ctx, p.store, repoFullName, mode, kind, branch, defaultBranch)
	if err != nil {
		return fmt.Errorf("events: select subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	tasks := make([]func() error, len(subs))
	for i, sub := range subs {
		sub := sub
		tasks[i] = func() error {
			_, err := p.sender.Send(ctx, chat.Message{SpaceID: sub.SpaceID, ChannelID: sub.ChannelID, Text: text})
			if err != nil {
				p.logger.Warn().
					Err(err).
					Str("delivery_id", deliveryID).
					Str("repo_full_name", repoFullName).
					Str("channel_id", sub.ChannelID).
					Msg("chat send failed")
			}
			return err
		}
	}
	// A per-channel send failure is logged above and never aborts the rest
	// of the fan-out or the caller's delivery record (§4.5 step 5, §7).
	fanout.Do(tasks)
	return nil
}
