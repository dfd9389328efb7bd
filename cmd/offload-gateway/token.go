// ABOUTME: token subcommand minting agent and admin JWTs
// ABOUTME: The signing secret comes from --secret, OFFLOAD_JWT_SECRET or reverse.jwt_secret

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/offload-gateway/internal/auth"
	"github.com/2389/offload-gateway/internal/config"
)

var tokenFlags struct {
	secret   string
	scope    string
	instance string
	ttl      time.Duration
}

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Mint a JWT for a reverse agent or an admin client",
	Long: `Mint a JWT signed with the gateway's secret.

Agent tokens go in the identity an agent sends when it dials the gateway;
the subject must be the agent name. Admin tokens authorize the /api endpoints.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func init() {
	f := tokenCmd.Flags()
	f.StringVar(&tokenFlags.secret, "secret", "", "signing secret (overrides OFFLOAD_JWT_SECRET and the config file)")
	f.StringVar(&tokenFlags.scope, "scope", auth.ScopeAgent, "token scope: agent or admin")
	f.StringVar(&tokenFlags.instance, "instance", "", "bind an agent token to one instance ID")
	f.DurationVar(&tokenFlags.ttl, "ttl", 30*24*time.Hour, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	scope := tokenFlags.scope
	if scope != auth.ScopeAgent && scope != auth.ScopeAdmin {
		return fmt.Errorf("unknown scope %q (want %s or %s)", scope, auth.ScopeAgent, auth.ScopeAdmin)
	}
	if tokenFlags.instance != "" && scope != auth.ScopeAgent {
		return errors.New("--instance only applies to agent tokens")
	}
	if tokenFlags.ttl <= 0 {
		return errors.New("--ttl must be positive")
	}

	secret, err := signingSecret()
	if err != nil {
		return err
	}

	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(args[0], scope, tokenFlags.instance, tokenFlags.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// signingSecret resolves the secret by priority: flag, environment, config.
func signingSecret() (string, error) {
	if tokenFlags.secret != "" {
		return tokenFlags.secret, nil
	}
	if s := os.Getenv("OFFLOAD_JWT_SECRET"); s != "" {
		return s, nil
	}
	path := resolvedConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return "", fmt.Errorf("no --secret given and loading config failed: %w", err)
	}
	if cfg.Reverse.JWTSecret == "" {
		return "", fmt.Errorf("jwt_secret not configured in %s", path)
	}
	return cfg.Reverse.JWTSecret, nil
}
