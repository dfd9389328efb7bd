// ABOUTME: Load-balancing strategies for picking a connection within a group.
// ABOUTME: Round robin, least connections, random and smooth weighted round robin.

package agent

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
)

// ErrNoConnections indicates a group has no healthy connection to pick.
var ErrNoConnections = fmt.Errorf("%w: no healthy connections", ErrTransport)

// Strategy names a load-balancing strategy.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastConnections
	Random
	WeightedRoundRobin
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round_robin"
	case LeastConnections:
		return "least_connections"
	case Random:
		return "random"
	case WeightedRoundRobin:
		return "weighted_round_robin"
	default:
		return "unknown"
	}
}

// ParseStrategy accepts the snake_case names, with "" meaning round robin.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "round_robin", "roundrobin":
		return RoundRobin, nil
	case "least_connections", "leastconnections", "least_conn":
		return LeastConnections, nil
	case "random":
		return Random, nil
	case "weighted_round_robin", "weighted", "wrr":
		return WeightedRoundRobin, nil
	default:
		return 0, errors.New("unknown load balancing strategy " + s)
	}
}

// Balancer picks one connection from a non-empty candidate list. Pick is
// called with the group lock held.
type Balancer interface {
	Pick(conns []*Connection) *Connection
}

func newBalancer(s Strategy) Balancer {
	switch s {
	case LeastConnections:
		return leastConnections{}
	case Random:
		return random{}
	case WeightedRoundRobin:
		return &weightedRoundRobin{}
	default:
		return &roundRobin{}
	}
}

type roundRobin struct {
	current uint64
}

func (r *roundRobin) Pick(conns []*Connection) *Connection {
	idx := atomic.AddUint64(&r.current, 1) - 1
	return conns[idx%uint64(len(conns))]
}

// leastConnections picks the lowest in-flight count; ties go to the
// connection used least recently.
type leastConnections struct{}

func (leastConnections) Pick(conns []*Connection) *Connection {
	best := conns[0]
	for _, c := range conns[1:] {
		n, bn := c.inFlight.Load(), best.inFlight.Load()
		if n < bn || (n == bn && c.lastUsed.Load() < best.lastUsed.Load()) {
			best = c
		}
	}
	return best
}

type random struct{}

func (random) Pick(conns []*Connection) *Connection {
	return conns[rand.IntN(len(conns))]
}

// weightedRoundRobin is the smooth variant: each pick adds every weight to
// its running score, takes the highest, and subtracts the total from it.
type weightedRoundRobin struct{}

func (*weightedRoundRobin) Pick(conns []*Connection) *Connection {
	total := 0
	var best *Connection
	for _, c := range conns {
		w := max(c.weight, 1)
		c.wrrCurrent += w
		total += w
		if best == nil || c.wrrCurrent > best.wrrCurrent {
			best = c
		}
	}
	best.wrrCurrent -= total
	return best
}
