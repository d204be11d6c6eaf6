package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	presence "github.com/ozanturksever/go-presence"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List currently present clients",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

// attachStore connects to NATS and attaches to the presence bucket without
// creating it. Query commands must not conjure empty buckets.
func attachStore(ctx context.Context) (*presence.Bucket, *nats.Conn, error) {
	bucketName := getBucket()
	if bucketName == "" {
		return nil, nil, fmt.Errorf("bucket name is required (use --bucket or set PRESENCE_BUCKET env)")
	}

	nc, err := nats.Connect(getNATSURL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := presence.AttachBucket(ctx, js, bucketName, nil)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("bucket %q not found: %w", bucketName, err)
	}

	return store, nc, nil
}

func runList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, nc, err := attachStore(ctx)
	if err != nil {
		return err
	}
	defer nc.Close()

	entries, err := store.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bucket: %w", err)
	}

	fmt.Printf("Bucket: %s\n", store.Name())
	fmt.Printf("NATS:   %s\n", getNATSURL())
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tLAST SEEN\tAGE")

	count := 0
	for _, entry := range entries {
		id, ok := presence.ClientFromKey(entry.Key)
		if !ok {
			continue
		}
		count++

		lastSeen := "-"
		age := "-"
		if ts, err := presence.ParseHeartbeat(entry.Value); err == nil {
			lastSeen = ts.Format(time.RFC3339)
			age = time.Since(ts).Round(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, lastSeen, age)
	}
	w.Flush()

	fmt.Printf("\n%d client(s) present\n", count)
	return nil
}
