// ABOUTME: serve and validate subcommands
// ABOUTME: Loads configuration, prints the startup banner and runs the gateway until signalled

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/offload-gateway/internal/config"
	"github.com/2389/offload-gateway/internal/gateway"
)

func init() {
	rootCmd.AddCommand(serveCmd, validateCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file and print the agents and routes it defines",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func runServe(cmd *cobra.Command, _ []string) error {
	path := resolvedConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, cmd.OutOrStdout())

	green := color.New(color.FgGreen)
	row := func(label, value string) {
		if value == "" {
			return
		}
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	row("Config", path)
	row("Proxy", cfg.Proxy.ID)
	row("HTTP", cfg.Server.HTTPAddr)
	row("gRPC", cfg.Server.GRPCAddr)
	row("Reverse", cfg.Reverse.SocketAddr)
	row("Audit", cfg.Audit.Path)
	row("Agents", fmt.Sprintf("%d", len(cfg.Agents)))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Tailscale:")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting offload-gateway",
		"config", path,
		"version", version,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"reverse_addr", cfg.Reverse.SocketAddr,
		"agents", len(cfg.Agents),
	)

	gw, err := gateway.New(cfg, logger, version)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return gw.Run(ctx)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	path := resolvedConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	printSummary(cmd, path, cfg)
	return nil
}

// printSummary lists what a valid configuration defines.
func printSummary(cmd *cobra.Command, path string, cfg *config.Config) {
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	green.Fprintf(out, "✓ %s is valid\n\n", path)

	fmt.Fprintf(out, "Agents (%d)\n", len(cfg.Agents))
	for _, a := range cfg.Agents {
		mode := a.FailureMode
		if mode == "" {
			mode = "unset"
		}
		fmt.Fprintf(out, "  %-16s %s", a.Name, a.Endpoint)
		gray.Fprintf(out, "  failure_mode=%s", mode)
		if a.Connections > 0 {
			gray.Fprintf(out, " connections=%d", a.Connections)
		}
		if a.Strategy != "" {
			gray.Fprintf(out, " strategy=%s", a.Strategy)
		}
		fmt.Fprintln(out)
	}

	if len(cfg.Routes) > 0 {
		fmt.Fprintf(out, "\nRoutes (%d)\n", len(cfg.Routes))
		for _, r := range cfg.Routes {
			names := make([]string, 0, len(r.Agents))
			for _, ra := range r.Agents {
				names = append(names, ra.Name)
			}
			mode := "sequential"
			if r.Parallel {
				mode = "parallel"
			}
			fmt.Fprintf(out, "  %-16s %v", r.Name, names)
			gray.Fprintf(out, "  %s", mode)
			fmt.Fprintln(out)
		}
	}
}
