// ABOUTME: Entry point for offload-gateway, the agent offload runtime for a reverse proxy
// ABOUTME: Wires cobra subcommands for serving, validating config and minting tokens

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/2389/offload-gateway/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
        __  __ _                 _
  ___  / _|/ _| | ___   __ _  __| |
 / _ \| |_| |_| |/ _ \ / _' |/ _' |
| (_) |  _|  _| | (_) | (_| | (_| |
 \___/|_| |_| |_|\___/ \__,_|\__,_|
`

var configPath string

var rootCmd = &cobra.Command{
	Use:           "offload-gateway",
	Short:         "Offload proxy traffic decisions to external agents",
	Long:          "offload-gateway sends request and response events to external agents over sockets or gRPC and applies their decisions.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "offload-gateway %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file (default: $OFFLOAD_CONFIG, ./offload.yaml, ~/.config/offload/gateway.yaml)")
}

// resolvedConfigPath returns the --config flag or the default search path.
func resolvedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
