// Package cmd provides the CLI commands for go-presence.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile  string
	natsURL  string
	clientID string
	bucket   string
	verbose  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "presence",
	Short: "Heartbeat-based presence tracking over NATS",
	Long: `presence tracks which clients of a group are alive right now.

Each client heartbeats into a shared NATS JetStream KV bucket whose keys
expire after a TTL; a client is present exactly while its key exists.

Use presence to run a heartbeating agent, check on other clients, and
watch clients come and go.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.presence.yaml)")
	rootCmd.PersistentFlags().StringVarP(&natsURL, "nats", "n", "nats://localhost:4222", "NATS server URL")
	rootCmd.PersistentFlags().StringVar(&clientID, "client", "", "Client ID (default: hostname)")
	rootCmd.PersistentFlags().StringVarP(&bucket, "bucket", "b", "", "Presence bucket name")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// Bind flags to viper
	viper.BindPFlag("nats_url", rootCmd.PersistentFlags().Lookup("nats"))
	viper.BindPFlag("client_id", rootCmd.PersistentFlags().Lookup("client"))
	viper.BindPFlag("bucket", rootCmd.PersistentFlags().Lookup("bucket"))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	// Environment variable bindings
	viper.BindEnv("nats_url", "NATS_URL")
	viper.BindEnv("client_id", "PRESENCE_CLIENT_ID", "CLIENT_ID")
	viper.BindEnv("bucket", "PRESENCE_BUCKET", "BUCKET")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Warning: could not find home directory:", err)
		} else {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/presence")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".presence")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// getNATSURL returns the NATS URL from config or flag.
func getNATSURL() string {
	if natsURL != "" {
		return natsURL
	}
	return viper.GetString("nats_url")
}

// getClientID returns the client ID from config, flag, or hostname.
func getClientID() string {
	if clientID != "" {
		return clientID
	}
	if id := viper.GetString("client_id"); id != "" {
		return id
	}
	hostname, _ := os.Hostname()
	return hostname
}

// getBucket returns the bucket name from config or flag.
func getBucket() string {
	if bucket != "" {
		return bucket
	}
	return viper.GetString("bucket")
}
