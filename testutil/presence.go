package testutil

import (
	"context"
	"testing"
	"time"

	presence "github.com/ozanturksever/go-presence"
)

// StartTracker creates and starts a tracker against the given server. The
// tracker is closed when the test ends.
func StartTracker(t *testing.T, url, bucket, clientID string, ttl time.Duration, opts ...presence.Option) *presence.Tracker {
	t.Helper()

	tracker, err := presence.New(presence.Config{
		Bucket:   bucket,
		ClientID: clientID,
		NATSURLs: []string{url},
		TTL:      ttl,
	}, opts...)
	if err != nil {
		t.Fatalf("failed to create tracker: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("failed to start tracker: %v", err)
	}

	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tracker.Close(closeCtx)
	})

	return tracker
}
