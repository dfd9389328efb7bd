// ABOUTME: HTTP endpoints for health, metrics and the admin API
// ABOUTME: Lists agents and audited decisions and offloads test events through routes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/offload-gateway/internal/agent"
	"github.com/2389/offload-gateway/internal/auth"
	"github.com/2389/offload-gateway/internal/protocol"
	"github.com/2389/offload-gateway/internal/store"
)

// maxEventBody bounds the JSON body of a test event.
const maxEventBody = 1 << 20

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.Handle("GET "+g.config.Metrics.Path, g.collector.Handler())

	admin := func(h http.HandlerFunc) http.Handler { return h }
	if g.verifier != nil {
		requireAdmin := auth.RequireAdmin(g.verifier)
		admin = func(h http.HandlerFunc) http.Handler { return requireAdmin(h) }
		g.logger.Info("HTTP admin auth enabled")
	} else {
		g.logger.Warn("HTTP admin auth disabled - no reverse.jwt_secret configured")
	}

	mux.Handle("GET /api/agents", admin(g.handleListAgents))
	mux.Handle("GET /api/audit", admin(g.handleAudit))
	mux.Handle("POST /api/agents/{agent}/events/{type}", admin(g.handleAgentEvent))
	mux.Handle("POST /api/routes/{route}/events/{type}", admin(g.handleRouteEvent))
	mux.Handle("POST /api/calls/{id}/cancel", admin(g.handleCancel))

	return mux
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 503 while any agent is isolated by an open circuit.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.pool.Agents()
	if !g.pool.Ready() {
		var open []string
		for _, a := range agents {
			if a.Breaker == "open" {
				open = append(open, a.Name)
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "circuit open: %s", strings.Join(open, ", "))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.pool.Agents())
}

// handleAudit lists recent decisions. Query parameters: agent, since
// (RFC 3339), fallback=true and limit.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	if g.audit == nil {
		g.sendJSONError(w, http.StatusNotFound, "audit log disabled")
		return
	}

	q := r.URL.Query()
	var f store.DecisionFilter
	if a := q.Get("agent"); a != "" {
		f.Agent = &a
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = &since
	}
	if l := q.Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = limit
	}
	f.FallbackOnly = q.Get("fallback") == "true"

	decisions, err := g.audit.Recent(r.Context(), f)
	if err != nil {
		g.logger.Error("failed to list decisions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, decisions)
}

// handleAgentEvent sends one event, decoded from the body, to a single agent.
func (g *Gateway) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	ev, ok := g.decodeEvent(w, r)
	if !ok {
		return
	}
	resp, err := g.pool.SendEvent(r.Context(), r.PathValue("agent"), ev)
	g.writeDecision(w, resp, err)
}

// handleRouteEvent runs one event through a configured route.
func (g *Gateway) handleRouteEvent(w http.ResponseWriter, r *http.Request) {
	route, ok := g.config.Route(r.PathValue("route"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "route not found")
		return
	}
	agents, err := route.RouteAgents()
	if err != nil {
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ev, ok := g.decodeEvent(w, r)
	if !ok {
		return
	}
	resp, err := g.pool.Process(r.Context(), agents, ev, route.Parallel)
	g.writeDecision(w, resp, err)
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !g.pool.Cancel(r.PathValue("id")) {
		g.sendJSONError(w, http.StatusNotFound, "no call in flight with that id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeEvent reads the event named by the {type} path value from the body.
func (g *Gateway) decodeEvent(w http.ResponseWriter, r *http.Request) (protocol.Event, bool) {
	t, err := protocol.ParseEventType(r.PathValue("type"))
	if err == nil && t == protocol.EventConfigure {
		err = errors.New("configure is sent by the gateway itself")
	}
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	ev, err := protocol.NewEvent(t)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(ev); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return ev, true
}

// writeDecision writes the effective response. Errors only reach here when
// no failure mode absorbed them.
func (g *Gateway) writeDecision(w http.ResponseWriter, resp *protocol.Response, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, agent.ErrUnknownAgent):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case agent.Classify(err) == agent.KindTimeout:
		g.sendJSONError(w, http.StatusGatewayTimeout, err.Error())
	default:
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
