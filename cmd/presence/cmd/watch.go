package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	presence "github.com/ozanturksever/go-presence"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch clients joining and leaving the bucket",
	Long: `Stream presence changes until interrupted.

Already-present clients are reported as joins when the watch begins.
TTL expirations show up as leaves within half a TTL.

Example:
  presence watch --bucket workers`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Duration("ttl", 30*time.Second, "TTL used when the bucket does not exist yet")
	viper.BindPFlag("watch_ttl", watchCmd.Flags().Lookup("ttl"))
}

func runWatch(cmd *cobra.Command, args []string) error {
	bucketName := getBucket()
	if bucketName == "" {
		return fmt.Errorf("bucket name is required (use --bucket or set PRESENCE_BUCKET env)")
	}

	ttl := viper.GetDuration("watch_ttl")
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracker, err := presence.Connect(ctx, presence.Config{
		Bucket:   bucketName,
		ClientID: getClientID(),
		NATSURLs: []string{getNATSURL()},
		TTL:      ttl,
	})
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer tracker.Close(context.Background())

	watcher, err := tracker.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch bucket: %w", err)
	}
	defer watcher.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	fmt.Printf("Watching bucket %q. Press Ctrl+C to stop.\n\n", bucketName)

	for {
		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived signal %v, stopping...\n", sig)
			return nil
		case ev, ok := <-watcher.Events():
			if !ok {
				return watcher.Err()
			}

			switch ev.Type {
			case presence.EventJoin:
				fmt.Printf("%s  + %s joined\n", ev.At.Format(time.RFC3339), ev.ClientID)
			case presence.EventLeave:
				fmt.Printf("%s  - %s left\n", ev.At.Format(time.RFC3339), ev.ClientID)
			}
		}
	}
}
