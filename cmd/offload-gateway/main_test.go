// ABOUTME: Tests for the offload-gateway command line
// ABOUTME: Runs subcommands in-process against temp configs and fake gateways

package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389/offload-gateway/internal/auth"
	"github.com/2389/offload-gateway/internal/config"
)

const testConfig = `
server:
  http_addr: "127.0.0.1:18080"
reverse:
  socket_addr: "127.0.0.1:17070"
  jwt_secret: "cli-test-secret"
agents:
  - name: waf
    endpoint: "tcp://127.0.0.1:9000"
    failure_mode: closed
    connections: 2
  - name: bot
    endpoint: reverse
routes:
  - name: api
    agents:
      - name: waf
      - name: bot
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offload.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath = ""
	tokenFlags.secret = ""
	tokenFlags.scope = auth.ScopeAgent
	tokenFlags.instance = ""
	tokenFlags.ttl = 30 * 24 * time.Hour
	clientFlags.addr = ""
	clientFlags.token = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "offload-gateway "+version) {
		t.Errorf("output = %q", out)
	}
}

func TestValidate(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	out, err := execute(t, "validate", "--config", path)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	for _, want := range []string{"is valid", "Agents (2)", "waf", "reverse", "Routes (1)", "[waf bot]", "sequential"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	path := writeTestConfig(t, `
agents:
  - name: waf
    endpoint: "ftp://nowhere"
`)
	if _, err := execute(t, "validate", "-c", path); err == nil {
		t.Fatal("expected error for unsupported endpoint scheme")
	}
}

func TestToken(t *testing.T) {
	out, err := execute(t, "token", "bot", "--secret", "s3cret", "--instance", "bot-1")
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}

	claims, err := auth.NewJWTVerifier([]byte("s3cret")).Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if claims.Subject != "bot" || claims.Scope != auth.ScopeAgent || claims.Instance != "bot-1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestToken_SecretFromConfig(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	out, err := execute(t, "token", "ops", "--scope", "admin", "--config", path)
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	claims, err := auth.NewJWTVerifier([]byte("cli-test-secret")).Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if claims.Scope != auth.ScopeAdmin {
		t.Errorf("scope = %q, want admin", claims.Scope)
	}
}

func TestToken_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"unknown scope", []string{"token", "x", "--secret", "s", "--scope", "root"}},
		{"instance on admin token", []string{"token", "x", "--secret", "s", "--scope", "admin", "--instance", "i"}},
		{"negative ttl", []string{"token", "x", "--secret", "s", "--ttl", "-1h"}},
		{"missing subject", []string{"token", "--secret", "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	var notReady atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health/ready" {
			http.NotFound(w, r)
			return
		}
		if notReady.Load() {
			http.Error(w, "circuit open: waf", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready (1 agents)"))
	}))
	defer srv.Close()

	out, err := execute(t, "health", "--addr", srv.URL)
	if err != nil {
		t.Fatalf("health failed: %v", err)
	}
	if !strings.Contains(out, "ready (1 agents)") {
		t.Errorf("output = %q", out)
	}

	notReady.Store(true)
	if _, err := execute(t, "health", "--addr", srv.URL); err == nil || !strings.Contains(err.Error(), "circuit open") {
		t.Errorf("expected not-ready error, got %v", err)
	}
}

func TestAgents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]string{{"name": "waf", "breaker": "closed"}})
	}))
	defer srv.Close()

	if _, err := execute(t, "agents", "--addr", srv.URL); err == nil {
		t.Fatal("expected error without token")
	}

	t.Setenv("OFFLOAD_TOKEN", "admin-token")
	out, err := execute(t, "agents", "--addr", srv.URL)
	if err != nil {
		t.Fatalf("agents failed: %v", err)
	}
	if !strings.Contains(out, `"breaker": "closed"`) {
		t.Errorf("output = %q", out)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":8080", "http://localhost:8080"},
		{"127.0.0.1:9000", "http://127.0.0.1:9000"},
		{"https://gw.example.com/", "https://gw.example.com"},
	}
	for _, tt := range tests {
		clientFlags.addr = tt.addr
		got, err := baseURL()
		if err != nil {
			t.Fatalf("baseURL(%q) error: %v", tt.addr, err)
		}
		if got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
	clientFlags.addr = ""
}

func TestSetupLogger(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
		logger.Info("hidden")
		logger.Warn("shown", "agent", "waf")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 1 {
			t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
			t.Fatalf("not JSON: %v", err)
		}
		if rec["msg"] != "shown" || rec["agent"] != "waf" {
			t.Errorf("record = %v", rec)
		}
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
		logger.With("component", "agent_pool").WithGroup("call").Debug("sent", "agent", "waf")

		out := buf.String()
		for _, want := range []string{"DBG", "sent", "component=", "agent_pool", "call.agent=", "waf"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q: %q", want, out)
			}
		}
		if !logger.Enabled(t.Context(), slog.LevelDebug) {
			t.Error("debug should be enabled")
		}
	})
}
