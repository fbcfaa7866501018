// Package housekeeping runs the bridge's periodic cleanup tasks: expired
// OAuth states, expired pending subscriptions, aged delivery records, and
// the in-process pending-message tracker (§4.7).
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	defaultOAuthStateSweepSpec        = "@hourly"
	defaultPendingSubscriptionSpec    = "@hourly"
	defaultDeliveryRecordSweepSpec    = "@daily"
	trackerSweepInterval              = 30 * time.Second
	trackerEntryMaxAge                 = 60 * time.Second
)

// sweepStore is the subset of *store.Store this package depends on.
type sweepStore interface {
	DeleteExpiredOAuthStates(ctx context.Context) (int, error)
	DeleteExpiredPendingSubscriptions(ctx context.Context) (int, error)
	DeleteDeliveryRecordsOlderThan(ctx context.Context, retention time.Duration) (int, error)
}

// ProvisionalMessageTracker is the subset of internal/subscriptions.Service
// this package depends on for the in-process tracker sweep.
type ProvisionalMessageTracker interface {
	SweepProvisionalMessages(maxAge time.Duration) int
}

// Scheduler owns the four independently-scheduled housekeeping tasks listed
// in §4.7. Each task is idempotent, so a missed or doubled run is harmless.
type Scheduler struct {
	store              sweepStore
	tracker            ProvisionalMessageTracker
	deliveryRetention  time.Duration
	logger             zerolog.Logger

	cron *cron.Cron
	stop chan struct{}
	done chan struct{}
}

// New builds a housekeeping Scheduler. deliveryRetention is how old a
// delivery_records row must be before the sweep deletes it (default 7 days
// per §4.7, configured by the caller).
func New(st sweepStore, tracker ProvisionalMessageTracker, deliveryRetention time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:             st,
		tracker:           tracker,
		deliveryRetention: deliveryRetention,
		logger:            logger,
		cron:              cron.New(),
		stop:              make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Start registers the cron-scheduled sweeps and launches the tracker sweep's
// ticker goroutine. It returns once everything is scheduled; the work itself
// runs in the background until Stop is called.
func (sc *Scheduler) Start(ctx context.Context) error {
	if _, err := sc.cron.AddFunc(defaultOAuthStateSweepSpec, func() { sc.sweepOAuthStates(ctx) }); err != nil {
		return err
	}
	if _, err := sc.cron.AddFunc(defaultPendingSubscriptionSpec, func() { sc.sweepPendingSubscriptions(ctx) }); err != nil {
		return err
	}
	if _, err := sc.cron.AddFunc(defaultDeliveryRecordSweepSpec, func() { sc.sweepDeliveryRecords(ctx) }); err != nil {
		return err
	}
	sc.cron.Start()

	go sc.runTrackerSweep()
	return nil
}

// Stop halts the cron scheduler and the tracker sweep goroutine. The polling
// engine owns and stops its own cron scheduler separately (§5: "the polling
// timer stops immediately on shutdown and does not start new sweeps").
func (sc *Scheduler) Stop() {
	stopCtx := sc.cron.Stop()
	<-stopCtx.Done()
	close(sc.stop)
	<-sc.done
}

func (sc *Scheduler) runTrackerSweep() {
	defer close(sc.done)
	ticker := time.NewTicker(trackerSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n := sc.tracker.SweepProvisionalMessages(trackerEntryMaxAge)
			if n > 0 {
				sc.logger.Debug().Int("count", n).Msg("housekeeping: swept stale provisional message entries")
			}
		case <-sc.stop:
			return
		}
	}
}

func (sc *Scheduler) sweepOAuthStates(ctx context.Context) {
	n, err := sc.store.DeleteExpiredOAuthStates(ctx)
	if err != nil {
		sc.logger.Error().Err(err).Msg("housekeeping: sweep oauth states failed")
		return
	}
	if n > 0 {
		sc.logger.Info().Int("count", n).Msg("housekeeping: swept expired oauth states")
	}
}

func (sc *Scheduler) sweepPendingSubscriptions(ctx context.Context) {
	n, err := sc.store.DeleteExpiredPendingSubscriptions(ctx)
	if err != nil {
		sc.logger.Error().Err(err).Msg("housekeeping: sweep pending subscriptions failed")
		return
	}
	if n > 0 {
		sc.logger.Info().Int("count", n).Msg("housekeeping: swept expired pending subscriptions")
	}
}

func (sc *Scheduler) sweepDeliveryRecords(ctx context.Context) {
	n, err := sc.store.DeleteDeliveryRecordsOlderThan(ctx, sc.deliveryRetention)
	if err != nil {
		sc.logger.Error().Err(err).Msg("housekeeping: sweep delivery records failed")
		return
	}
	if n > 0 {
		sc.logger.Info().Int("count", n).Msg("housekeeping: swept old delivery records")
	}
}
