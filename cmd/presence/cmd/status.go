package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	presence "github.com/ozanturksever/go-presence"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this client's presence status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	clientID := getClientID()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, nc, err := attachStore(ctx)
	if err != nil {
		return err
	}
	defer nc.Close()

	fmt.Printf("Bucket: %s\n", store.Name())
	fmt.Printf("Client: %s\n", clientID)
	fmt.Printf("NATS:   %s\n", getNATSURL())
	fmt.Println()

	if ttl := store.TTL(); ttl > 0 {
		fmt.Printf("TTL:     %s\n", ttl)
	}

	entry, err := store.Get(ctx, presence.Key(clientID))
	if err != nil {
		if errors.Is(err, presence.ErrKeyNotFound) {
			fmt.Printf("Present: no\n")
		} else {
			fmt.Printf("Present: unknown (%v)\n", err)
		}
	} else if ts, perr := presence.ParseHeartbeat(entry.Value); perr == nil {
		fmt.Printf("Present: yes (last heartbeat %s ago)\n", time.Since(ts).Round(time.Second))
	} else {
		fmt.Printf("Present: yes\n")
	}

	keys, err := store.Keys(ctx)
	if err == nil {
		count := 0
		for _, key := range keys {
			if _, ok := presence.ClientFromKey(key); ok {
				count++
			}
		}
		fmt.Printf("Clients: %d present\n", count)
	}

	return nil
}
