// Package presence provides NATS-based presence tracking for distributed
// clients.
//
// Each client announces its liveness by heartbeating into a shared NATS
// JetStream KV bucket with a per-key time-to-live. A client counts as
// present exactly while its heartbeat key exists; when the heartbeats stop,
// the key expires and the client drops out of the bucket on its own. No
// peer ever has to decide whether another client is dead - the bucket does.
//
// # Quick Start
//
// Create a tracker, start it, and heartbeat on a cadence shorter than the
// TTL:
//
//	func main() {
//	    tracker, err := presence.New(presence.Config{
//	        Bucket:   "workers",
//	        ClientID: "worker-1",
//	        NATSURLs: []string{"nats://localhost:4222"},
//	        TTL:      30 * time.Second,
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    ctx := context.Background()
//	    if err := tracker.Start(ctx); err != nil {
//	        log.Fatal(err)
//	    }
//	    defer tracker.Close(ctx)
//
//	    if err := tracker.Heartbeat(ctx); err != nil {
//	        log.Fatal(err)
//	    }
//
//	    present, _ := tracker.IsPresent(ctx, "worker-2")
//	    all, _ := tracker.ListPresent(ctx)
//	    log.Println(present, all)
//	}
//
// The tracker never heartbeats on its own. Run a [Beacon] to keep the key
// alive automatically:
//
//	beacon := presence.NewBeacon(tracker, 0) // 0 = TTL/3
//	beacon.Start(ctx)
//	defer beacon.Stop()
//
// # Architecture
//
// The package leans entirely on KV semantics:
//
//   - A heartbeat is an unconditional put of presence.<clientID> carrying
//     the Unix time; every put restarts the key's TTL clock
//   - Presence is key existence - the stored timestamp is informational
//     and never consulted for liveness
//   - Multiple trackers may share a bucket; creating and attaching race
//     safely, first writer wins the bucket settings
//   - Register optionally claims a client id exclusively via an atomic
//     create, refusing with ErrClientTaken while the holder is fresh
//
// # Configuration
//
// The [Config] struct contains all configuration options:
//
//   - Bucket: Presence bucket shared by the client group (required)
//   - ClientID: Unique identifier for this client (required)
//   - NATSURLs: NATS server URLs (required)
//   - TTL: How long a heartbeat keeps the client present (default: 30s)
//   - HeartbeatInterval: Beacon cadence (default: TTL/3)
//
// # High-Level Agent
//
// For processes that just want to be present, use the [Agent] type which
// runs the tracker, a beacon, the query service, and a probe responder as
// one daemon:
//
//	agent, err := presence.NewAgent(cfg, hooks)
//	agent.Run(ctx)  // Heartbeats until ctx is cancelled, then deregisters
//
// # Sub-packages
//
// The following sub-packages provide optional functionality:
//
//   - probe: direct liveness probes over NATS request/reply
//   - testutil: embedded NATS servers for tests
package presence
