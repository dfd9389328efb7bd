// ABOUTME: health and agents subcommands querying a running gateway
// ABOUTME: Reads the gateway address from the config unless --addr is given

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/offload-gateway/internal/config"
)

var clientFlags struct {
	addr  string
	token string
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway readiness",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents, their breakers and connections",
	Args:  cobra.NoArgs,
	RunE:  runAgents,
}

func init() {
	for _, c := range []*cobra.Command{healthCmd, agentsCmd} {
		c.Flags().StringVar(&clientFlags.addr, "addr", "", "gateway HTTP address (default: server.http_addr from config)")
	}
	agentsCmd.Flags().StringVar(&clientFlags.token, "token", "", "admin bearer token (default: $OFFLOAD_TOKEN)")
	rootCmd.AddCommand(healthCmd, agentsCmd)
}

// baseURL returns the gateway URL to query.
func baseURL() (string, error) {
	addr := clientFlags.addr
	if addr == "" {
		cfg, err := config.Load(resolvedConfigPath())
		if err != nil {
			return "", fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/"), nil
}

func get(cmd *cobra.Command, path, token string) (int, []byte, error) {
	base, err := baseURL()
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	status, body, err := get(cmd, "/health/ready", "")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", status, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
	return nil
}

func runAgents(cmd *cobra.Command, _ []string) error {
	token := clientFlags.token
	if token == "" {
		token = os.Getenv("OFFLOAD_TOKEN")
	}
	status, body, err := get(cmd, "/api/agents", token)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("listing agents: status %d: %s", status, strings.TrimSpace(string(body)))
	}

	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(cmd.OutOrStdout())
	return err
}
