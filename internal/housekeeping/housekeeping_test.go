package housekeeping

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu                    sync.Mutex
	expiredOAuthStates    int
	expiredPending        int
	oldDeliveryRecords    int
	lastRetention         time.Duration
	oauthSweepCalls       int
	pendingSweepCalls     int
	deliverySweepCalls    int
}

func (f *fakeStore) DeleteExpiredOAuthStates(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oauthSweepCalls++
	return f.expiredOAuthStates, nil
}

func (f *fakeStore) DeleteExpiredPendingSubscriptions(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingSweepCalls++
	return f.expiredPending, nil
}

func (f *fakeStore) DeleteDeliveryRecordsOlderThan(_ context.Context, retention time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliverySweepCalls++
	f.lastRetention = retention
	return f.oldDeliveryRecords, nil
}

type fakeTracker struct {
	mu       sync.Mutex
	maxAge   time.Duration
	swept    int
	toReturn int
}

func (f *fakeTracker) SweepProvisionalMessages(maxAge time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxAge = maxAge
	f.swept++
	return f.toReturn
}

func TestSweepOAuthStates_DelegatesToStore(t *testing.T) {
	st := &fakeStore{expiredOAuthStates: 3}
	sc := New(st, &fakeTracker{}, time.Hour, zerolog.Nop())
	sc.sweepOAuthStates(context.Background())
	require.Equal(t, 1, st.oauthSweepCalls)
}

func TestSweepPendingSubscriptions_DelegatesToStore(t *testing.T) {
	st := &fakeStore{expiredPending: 2}
	sc := New(st, &fakeTracker{}, time.Hour, zerolog.Nop())
	sc.sweepPendingSubscriptions(context.Background())
	require.Equal(t, 1, st.pendingSweepCalls)
}

func TestSweepDeliveryRecords_UsesConfiguredRetention(t *testing.T) {
	st := &fakeStore{oldDeliveryRecords: 1}
	retention := 7 * 24 * time.Hour
	sc := New(st, &fakeTracker{}, retention, zerolog.Nop())
	sc.sweepDeliveryRecords(context.Background())
	require.Equal(t, 1, st.deliverySweepCalls)
	require.Equal(t, retention, st.lastRetention)
}

func TestRunTrackerSweep_ExitsOnStopAndTrackerTakesMaxAge(t *testing.T) {
	tracker := &fakeTracker{toReturn: 5}
	sc := New(&fakeStore{}, tracker, time.Hour, zerolog.Nop())
	sc.stop = make(chan struct{})
	sc.done = make(chan struct{})

	go sc.runTrackerSweep()
	// The real 30s ticker does not fire within this test; the tracker is
	// called here directly with the scheduler's max age, and the loop is
	// then checked to exit and close done once stop is closed.
	tracker.SweepProvisionalMessages(trackerEntryMaxAge)
	close(sc.stop)
	<-sc.done

	require.GreaterOrEqual(t, tracker.swept, 1)
	require.Equal(t, trackerEntryMaxAge, tracker.maxAge)
}

func TestStart_SchedulesAllThreeCronSweeps(t *testing.T) {
	st := &fakeStore{}
	sc := New(st, &fakeTracker{}, time.Hour, zerolog.Nop())
	require.NoError(t, sc.Start(context.Background()))
	require.Len(t, sc.cron.Entries(), 3)
	sc.Stop()
}
