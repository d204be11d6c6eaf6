package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	presence "github.com/ozanturksever/go-presence"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check <client-id>",
	Short: "Check whether a client is currently present",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	target := args[0]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, nc, err := attachStore(ctx)
	if err != nil {
		return err
	}
	defer nc.Close()

	entry, err := store.Get(ctx, presence.Key(target))
	if err != nil {
		if errors.Is(err, presence.ErrKeyNotFound) {
			fmt.Printf("✗ %s is absent\n", target)
			return nil
		}
		return fmt.Errorf("failed to check %s: %w", target, err)
	}

	if ts, perr := presence.ParseHeartbeat(entry.Value); perr == nil {
		fmt.Printf("✓ %s is present (last heartbeat %s ago)\n", target, time.Since(ts).Round(time.Second))
	} else {
		fmt.Printf("✓ %s is present\n", target)
	}
	return nil
}
