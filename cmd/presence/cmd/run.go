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

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the presence agent",
	Long: `Start a presence agent that announces this client to the bucket.

The agent will:
- Connect to NATS and create or attach the presence bucket
- Heartbeat on a cadence shorter than the TTL until stopped
- Answer presence queries and liveness probes from peers
- Deregister on shutdown so departure is visible immediately

Example:
  presence run --bucket workers --client worker-1
  presence run --bucket workers --ttl 10s --exclusive`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Run-specific flags
	runCmd.Flags().Duration("ttl", 30*time.Second, "Heartbeat key time-to-live")
	runCmd.Flags().Duration("interval", 0, "Heartbeat interval (default: TTL/3)")
	runCmd.Flags().String("metrics-addr", "", "Prometheus metrics HTTP address (empty disables)")
	runCmd.Flags().Bool("exclusive", false, "Refuse to run when the client ID is already registered")
	runCmd.Flags().Bool("no-service", false, "Disable the query micro service")

	// Bind to viper
	viper.BindPFlag("ttl", runCmd.Flags().Lookup("ttl"))
	viper.BindPFlag("interval", runCmd.Flags().Lookup("interval"))
	viper.BindPFlag("metrics_addr", runCmd.Flags().Lookup("metrics-addr"))
	viper.BindPFlag("exclusive", runCmd.Flags().Lookup("exclusive"))
	viper.BindPFlag("no_service", runCmd.Flags().Lookup("no-service"))
}

func runAgent(cmd *cobra.Command, args []string) error {
	bucketName := getBucket()
	if bucketName == "" {
		return fmt.Errorf("bucket name is required (use --bucket or set PRESENCE_BUCKET env)")
	}

	clientID := getClientID()
	natsURL := getNATSURL()

	ttl := viper.GetDuration("ttl")
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	interval := viper.GetDuration("interval")
	metricsAddr := viper.GetString("metrics_addr")
	exclusive := viper.GetBool("exclusive")
	noService := viper.GetBool("no_service")

	fmt.Println("Starting presence agent...")
	fmt.Printf("  Bucket:       %s\n", bucketName)
	fmt.Printf("  Client ID:    %s\n", clientID)
	fmt.Printf("  NATS URL:     %s\n", natsURL)
	fmt.Printf("  TTL:          %s\n", ttl)
	if interval > 0 {
		fmt.Printf("  Interval:     %s\n", interval)
	}
	if metricsAddr != "" {
		fmt.Printf("  Metrics:      %s\n", metricsAddr)
	}
	if exclusive {
		fmt.Printf("  Exclusive:    true\n")
	}
	fmt.Println()

	// Build agent configuration
	cfg := presence.FileConfig{
		Bucket:   bucketName,
		ClientID: clientID,
	}
	cfg.NATS.Servers = []string{natsURL}
	cfg.Presence.TTLSeconds = int64(ttl / time.Second)
	cfg.Presence.HeartbeatIntervalMs = interval.Milliseconds()
	cfg.Presence.Exclusive = exclusive
	cfg.Service.Disabled = noService
	cfg.Metrics.Addr = metricsAddr

	// Load NATS credentials if specified
	if creds := viper.GetString("nats_creds"); creds != "" {
		cfg.NATS.Credentials = creds
	}

	// Create agent
	agent, err := presence.NewAgent(cfg, nil)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Start agent
	errCh := make(chan error, 1)
	go func() {
		errCh <- agent.Run(ctx)
	}()

	fmt.Println("Presence agent started. Press Ctrl+C to stop.")

	// Wait for shutdown or error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
		// Wait for agent to stop
		<-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("agent error: %w", err)
		}
	}

	fmt.Println("Presence agent stopped.")
	return nil
}
