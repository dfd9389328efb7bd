// ABOUTME: Runs one event through the ordered agents configured on a route.
// ABOUTME: Sequential routes stop at the first non-allow decision; parallel routes merge in order.

package agent

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/2389/offload-gateway/internal/protocol"
)

// RouteAgent is one agent attached to a route. A set FailureMode overrides
// the agent's own for this route.
type RouteAgent struct {
	Name        string
	FailureMode FailureMode
}

// Process sends ev to every agent of a route and combines their responses
// with protocol.Response.Merge. Every name is resolved before any I/O, so an
// unknown agent fails the whole call with ErrUnknownAgent.
func (p *Pool) Process(ctx context.Context, agents []RouteAgent, ev protocol.Event, parallel bool) (*protocol.Response, error) {
	if err := checkEvent(ev); err != nil {
		return nil, err
	}
	groups := make([]*Group, len(agents))
	for i, ra := range agents {
		g, err := p.group(ra.Name)
		if err != nil {
			return nil, err
		}
		groups[i] = g
	}

	merged := protocol.AllowResponse()
	if !parallel {
		for i, g := range groups {
			resp, err := p.execute(g, g.begin(ctx, ev), agents[i].FailureMode)
			if err != nil {
				return nil, err
			}
			merged.Merge(resp)
			if !resp.Decision.IsAllow() {
				break
			}
		}
		return merged, nil
	}

	results := make([]*protocol.Response, len(groups))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, g := range groups {
		eg.Go(func() error {
			resp, err := p.execute(g, g.begin(egCtx, ev), agents[i].FailureMode)
			results[i] = resp
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	for _, resp := range results {
		merged.Merge(resp)
	}
	return merged, nil
}
