// ABOUTME: The echo agent's decision logic
// ABOUTME: Tags allowed requests with a header and blocks any request carrying x-echo-block

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389/offload-gateway/internal/protocol"
)

const (
	defaultHeader = "X-Echo-Agent"
	blockHeader   = "x-echo-block"
)

// echoSettings is what the proxy may send in the agent's config block.
type echoSettings struct {
	Header string `json:"header"`
}

// echo allows every request and stamps it with the agent name. It satisfies
// agentserver.Handler and agentserver.Configurer.
type echo struct {
	name   string
	delay  time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	header string
}

func newEcho(name string, delay time.Duration, logger *slog.Logger) *echo {
	return &echo{name: name, delay: delay, logger: logger, header: defaultHeader}
}

func (e *echo) Capabilities() protocol.Capabilities {
	caps := protocol.AllEvents()
	caps.Name = e.name
	caps.Version = version
	return caps
}

func (e *echo) Configure(_ context.Context, cfg *protocol.Configure) error {
	var s echoSettings
	if len(cfg.Config) > 0 {
		if err := json.Unmarshal(cfg.Config, &s); err != nil {
			return fmt.Errorf("decoding config: %w", err)
		}
	}

	e.mu.Lock()
	if s.Header != "" {
		e.header = s.Header
	}
	header := e.header
	e.mu.Unlock()

	e.logger.Info("configured by proxy",
		"proxy_id", cfg.ProxyID,
		"proxy_version", cfg.ProxyVersion,
		"agent_id", cfg.AgentID,
		"header", header,
	)
	return nil
}

func (e *echo) Handle(ctx context.Context, ev protocol.Event) (*protocol.Response, error) {
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			e.logger.Debug("call cancelled", "event", ev.Type().String(), "stream", ev.StreamID())
			return nil, ctx.Err()
		}
	}

	rh, ok := ev.(*protocol.RequestHeaders)
	if !ok {
		return protocol.AllowResponse(), nil
	}

	if hasHeader(rh.Headers, blockHeader) {
		e.logger.Info("blocking request", "request_id", rh.Metadata.RequestID, "uri", rh.URI)
		resp := protocol.DecisionResponse(protocol.Block(http.StatusForbidden, "blocked by "+e.name))
		resp.Audit.RuleIDs = []string{"echo-block"}
		return resp, nil
	}

	e.mu.RLock()
	header := e.header
	e.mu.RUnlock()

	resp := protocol.AllowResponse()
	resp.RequestHeaders = []protocol.HeaderOp{protocol.SetHeader(header, e.name)}
	return resp, nil
}

func hasHeader(headers map[string][]string, name string) bool {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
