package presence_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	presence "github.com/ozanturksever/go-presence"
	"github.com/ozanturksever/go-presence/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clientIDE2E generates a client ID for presence e2e tests (to avoid conflicts
// with other tests).
func clientIDE2E(i int) string {
	return fmt.Sprintf("e2e-client-%d", i+1)
}

// TestE2E_Presence_HeartbeatVisible tests that a client becomes visible to
// other clients after a single heartbeat.
func TestE2E_Presence_HeartbeatVisible(t *testing.T) {
	ns := testutil.StartNATS(t)

	observer := testutil.StartTracker(t, ns.URL(), "e2e-visible", "observer", 30*time.Second)
	worker := testutil.StartTracker(t, ns.URL(), "e2e-visible", "worker-1", 30*time.Second)

	ctx := context.Background()

	// Before the first heartbeat the worker is absent.
	present, err := observer.IsPresent(ctx, "worker-1")
	require.NoError(t, err)
	assert.False(t, present, "worker should be absent before first heartbeat")

	require.NoError(t, worker.Heartbeat(ctx))

	assert.Eventually(t, func() bool {
		present, err := observer.IsPresent(ctx, "worker-1")
		return err == nil && present
	}, 10*time.Second, 200*time.Millisecond, "worker should be visible after heartbeat")
}

// TestE2E_Presence_ExpiryAfterTTL tests that a client silently disappears
// once its heartbeat key outlives the TTL.
func TestE2E_Presence_ExpiryAfterTTL(t *testing.T) {
	ns := testutil.StartNATS(t)

	observer := testutil.StartTracker(t, ns.URL(), "e2e-expiry", "observer", time.Second)
	worker := testutil.StartTracker(t, ns.URL(), "e2e-expiry", "worker-1", time.Second)

	ctx := context.Background()

	require.NoError(t, worker.Heartbeat(ctx))

	present, err := observer.IsPresent(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, present, "worker should be present right after heartbeat")

	// No further heartbeats: the key must expire on its own.
	assert.Eventually(t, func() bool {
		present, err := observer.IsPresent(ctx, "worker-1")
		return err == nil && !present
	}, 10*time.Second, 200*time.Millisecond, "worker should expire after TTL")

	clients, err := observer.ListPresent(ctx)
	require.NoError(t, err)
	assert.NotContains(t, clients, "worker-1")
}

// TestE2E_Presence_ResumeAfterExpiry tests that a client whose key expired
// becomes present again with a single new heartbeat.
func TestE2E_Presence_ResumeAfterExpiry(t *testing.T) {
	ns := testutil.StartNATS(t)

	observer := testutil.StartTracker(t, ns.URL(), "e2e-resume", "observer", time.Second)
	worker := testutil.StartTracker(t, ns.URL(), "e2e-resume", "worker-1", time.Second)

	ctx := context.Background()

	require.NoError(t, worker.Heartbeat(ctx))

	assert.Eventually(t, func() bool {
		present, err := observer.IsPresent(ctx, "worker-1")
		return err == nil && !present
	}, 10*time.Second, 200*time.Millisecond, "worker should expire without heartbeats")

	// One heartbeat is enough to come back.
	require.NoError(t, worker.Heartbeat(ctx))

	present, err := observer.IsPresent(ctx, "worker-1")
	require.NoError(t, err)
	assert.True(t, present, "worker should be present again after re-heartbeating")
}

// TestE2E_Presence_SustainedWithBeacon tests that a beacon heartbeating under
// the TTL keeps the client continuously present well past several TTL spans.
func TestE2E_Presence_SustainedWithBeacon(t *testing.T) {
	ns := testutil.StartNATS(t)

	observer := testutil.StartTracker(t, ns.URL(), "e2e-sustained", "observer", 2*time.Second)
	worker := testutil.StartTracker(t, ns.URL(), "e2e-sustained", "worker-1", 2*time.Second)

	ctx := context.Background()

	beacon := presence.NewBeacon(worker, 0)
	require.NoError(t, beacon.Start(ctx))
	defer beacon.Stop()

	// Observe across three TTL spans; the worker must never drop out.
	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		present, err := observer.IsPresent(ctx, "worker-1")
		require.NoError(t, err)
		require.True(t, present, "worker dropped out while beacon was running")
		time.Sleep(300 * time.Millisecond)
	}
}

// TestE2E_Presence_UnknownClientAbsent tests that asking about a client that
// never heartbeated reports plain absence, not an error.
func TestE2E_Presence_UnknownClientAbsent(t *testing.T) {
	ns := testutil.StartNATS(t)

	observer := testutil.StartTracker(t, ns.URL(), "e2e-unknown", "observer", 30*time.Second)

	present, err := observer.IsPresent(context.Background(), "never-heartbeated")
	require.NoError(t, err, "absence must not be an error")
	assert.False(t, present)

	ts, ok, err := observer.LastSeen(context.Background(), "never-heartbeated")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, ts.IsZero())
}

// TestE2E_Presence_ListAll tests that every heartbeating client shows up in
// the listing, sorted by client id.
func TestE2E_Presence_ListAll(t *testing.T) {
	ns := testutil.StartNATS(t)

	observer := testutil.StartTracker(t, ns.URL(), "e2e-list", "observer", 30*time.Second)

	ctx := context.Background()

	const numClients = 3
	for i := 0; i < numClients; i++ {
		worker := testutil.StartTracker(t, ns.URL(), "e2e-list", clientIDE2E(i), 30*time.Second)
		require.NoError(t, worker.Heartbeat(ctx))
	}

	var clients []string
	assert.Eventually(t, func() bool {
		var err error
		clients, err = observer.ListPresent(ctx)
		return err == nil && len(clients) == numClients
	}, 10*time.Second, 200*time.Millisecond, "all heartbeating clients should be listed")

	assert.True(t, sort.StringsAreSorted(clients), "listing should be sorted, got %v", clients)
	for i := 0; i < numClients; i++ {
		assert.Contains(t, clients, clientIDE2E(i))
	}
}

// TestE2E_Presence_ConcurrentStart tests that multiple clients starting
// against the same bucket at the same time all succeed; the create-or-attach
// race has no loser.
func TestE2E_Presence_ConcurrentStart(t *testing.T) {
	ns := testutil.StartNATS(t)

	const numClients = 5
	trackers := make([]*presence.Tracker, numClients)
	for i := 0; i < numClients; i++ {
		tracker, err := presence.New(presence.Config{
			Bucket:   "e2e-racing",
			ClientID: clientIDE2E(i),
			NATSURLs: []string{ns.URL()},
			TTL:      30 * time.Second,
		})
		require.NoError(t, err)
		trackers[i] = tracker
	}

	var wg sync.WaitGroup
	errs := make([]error, numClients)
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errs[idx] = trackers[idx].Start(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "client %d failed to start", i)
	}

	ctx := context.Background()
	for _, tracker := range trackers {
		require.NoError(t, tracker.Heartbeat(ctx))
	}

	clients, err := trackers[0].ListPresent(ctx)
	require.NoError(t, err)
	assert.Len(t, clients, numClients)

	for _, tracker := range trackers {
		tracker.Close(ctx)
	}
}

// TestE2E_Presence_CloseIdempotent tests that close never returns an error,
// no matter how often or in which state it is called.
func TestE2E_Presence_CloseIdempotent(t *testing.T) {
	ns := testutil.StartNATS(t)

	tracker, err := presence.New(presence.Config{
		Bucket:   "e2e-close",
		ClientID: "worker-1",
		NATSURLs: []string{ns.URL()},
		TTL:      30 * time.Second,
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tracker.Start(ctx))
	require.NoError(t, tracker.Heartbeat(ctx))

	for i := 0; i < 3; i++ {
		assert.NoError(t, tracker.Close(ctx), "Close call %d", i+1)
	}

	// Operations after close fail with ErrClosed, but close stays silent.
	err = tracker.Heartbeat(ctx)
	assert.ErrorIs(t, err, presence.ErrClosed)

	// Closing a tracker that never started is also fine.
	unstarted, err := presence.New(presence.Config{
		Bucket:   "e2e-close",
		ClientID: "worker-2",
		NATSURLs: []string{ns.URL()},
		TTL:      30 * time.Second,
	})
	require.NoError(t, err)
	assert.NoError(t, unstarted.Close(ctx))
}

// TestE2E_Presence_RawValueFormat tests the on-the-wire heartbeat value: a
// decimal Unix timestamp in seconds, small enough for the bucket's value cap.
func TestE2E_Presence_RawValueFormat(t *testing.T) {
	ns := testutil.StartNATS(t)

	worker := testutil.StartTracker(t, ns.URL(), "e2e-format", "worker-1", 30*time.Second)

	ctx := context.Background()

	before := time.Now().Unix()
	require.NoError(t, worker.Heartbeat(ctx))
	after := time.Now().Unix()

	// Read the raw key through a separate attachment.
	nc := ns.Connect(t)
	js, err := jetstream.New(nc)
	require.NoError(t, err)

	bucket, err := presence.AttachBucket(ctx, js, "e2e-format", nil)
	require.NoError(t, err)

	entry, err := bucket.Get(ctx, presence.Key("worker-1"))
	require.NoError(t, err)
	assert.Equal(t, "presence.worker-1", entry.Key)
	assert.LessOrEqual(t, len(entry.Value), presence.MaxValueSize)

	secs, err := strconv.ParseInt(string(entry.Value), 10, 64)
	require.NoError(t, err, "value should be decimal text, got %q", entry.Value)
	assert.GreaterOrEqual(t, secs, before)
	assert.LessOrEqual(t, secs, after)

	ts, err := presence.ParseHeartbeat(entry.Value)
	require.NoError(t, err)
	assert.Equal(t, secs, ts.Unix())
}

// TestE2E_Presence_DeregisterImmediate tests that deregistering removes the
// key at once instead of waiting out the TTL.
func TestE2E_Presence_DeregisterImmediate(t *testing.T) {
	ns := testutil.StartNATS(t)

	observer := testutil.StartTracker(t, ns.URL(), "e2e-deregister", "observer", 30*time.Second)
	worker := testutil.StartTracker(t, ns.URL(), "e2e-deregister", "worker-1", 30*time.Second)

	ctx := context.Background()

	require.NoError(t, worker.Heartbeat(ctx))
	assert.Eventually(t, func() bool {
		present, err := observer.IsPresent(ctx, "worker-1")
		return err == nil && present
	}, 10*time.Second, 200*time.Millisecond)

	require.NoError(t, worker.Deregister(ctx))

	// The TTL is 30s; absence within seconds proves the delete, not expiry.
	assert.Eventually(t, func() bool {
		present, err := observer.IsPresent(ctx, "worker-1")
		return err == nil && !present
	}, 10*time.Second, 200*time.Millisecond, "deregistered worker should vanish immediately")
}

// TestE2E_Register_DuplicateRejected tests that a second instance claiming an
// already-registered client id is refused while the holder stays untouched.
func TestE2E_Register_DuplicateRejected(t *testing.T) {
	ns := testutil.StartNATS(t)

	first := testutil.StartTracker(t, ns.URL(), "e2e-exclusive", "singleton", 30*time.Second)

	ctx := context.Background()
	require.NoError(t, first.Register(ctx))

	second := testutil.StartTracker(t, ns.URL(), "e2e-exclusive", "singleton", 30*time.Second)
	err := second.Register(ctx)
	assert.ErrorIs(t, err, presence.ErrClientTaken, "duplicate registration should be rejected")

	// The holder is still present.
	present, err := first.IsPresent(ctx, "singleton")
	require.NoError(t, err)
	assert.True(t, present)
}

// TestE2E_Register_GracefulRejoin tests that a client id can be re-registered
// after its previous holder deregistered and closed.
func TestE2E_Register_GracefulRejoin(t *testing.T) {
	ns := testutil.StartNATS(t)

	first := testutil.StartTracker(t, ns.URL(), "e2e-rejoin", "singleton", 30*time.Second)

	ctx := context.Background()
	require.NoError(t, first.Register(ctx))
	require.NoError(t, first.Deregister(ctx))
	require.NoError(t, first.Close(ctx))

	// Small delay to ensure the delete propagates.
	time.Sleep(500 * time.Millisecond)

	second := testutil.StartTracker(t, ns.URL(), "e2e-rejoin", "singleton", 30*time.Second)
	assert.NoError(t, second.Register(ctx), "rejoin after graceful departure should succeed")
}

// TestE2E_Register_ConcurrentSameID tests that concurrent registration of one
// client id has exactly one winner.
func TestE2E_Register_ConcurrentSameID(t *testing.T) {
	ns := testutil.StartNATS(t)

	const numAttempts = 3
	trackers := make([]*presence.Tracker, numAttempts)
	for i := 0; i < numAttempts; i++ {
		trackers[i] = testutil.StartTracker(t, ns.URL(), "e2e-claim-race", "contested", 30*time.Second)
	}

	var wonCount, takenCount int32
	var wg sync.WaitGroup

	for i := 0; i < numAttempts; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			err := trackers[idx].Register(ctx)
			switch {
			case err == nil:
				atomic.AddInt32(&wonCount, 1)
			case errors.Is(err, presence.ErrClientTaken):
				atomic.AddInt32(&takenCount, 1)
			default:
				t.Errorf("attempt %d got unexpected error: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&wonCount), "exactly one registration should win")
	assert.Equal(t, int32(numAttempts-1), atomic.LoadInt32(&takenCount), "the rest should be rejected")
}
