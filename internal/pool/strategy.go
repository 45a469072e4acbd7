package pool

import "strings"

// Strategy selects a group member for unicast/response routing.
type Strategy int8

const (
	// RoundRobin cycles a pointer over the group's members.
	RoundRobin Strategy = iota
	// LeastConnections picks the member with the lowest usage counter.
	LeastConnections
	// WeightedRoundRobin is a smoothed WRR: the effective weight decays
	// with the member's error history and recovers one point per full
	// cycle.
	WeightedRoundRobin
)

func (s Strategy) String() string {
	switch s {
	case LeastConnections:
		return "least_connections"
	case WeightedRoundRobin:
		return "weighted_round_robin"
	default:
		return "round_robin"
	}
}

// ParseStrategy maps a config string to a Strategy, defaulting to
// round-robin for unknown input.
func ParseStrategy(s string) Strategy {
	switch strings.ToLower(s) {
	case "least_connections", "least-connections":
		return LeastConnections
	case "weighted_round_robin", "weighted-round-robin", "wrr":
		return WeightedRoundRobin
	default:
		return RoundRobin
	}
}
