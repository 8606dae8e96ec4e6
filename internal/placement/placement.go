// Package placement implements C5: choosing target nodes for chunk
// replicas, maximising diversity and/or free space while excluding
// unhealthy or already-holding nodes.
package placement

import (
	"errors"
	"hash/fnv"
	"math/rand"
	"sort"
)

// Strategy selects among the node-ranking heuristics spec.md §4.5
// names.
type Strategy string

const (
	StrategyDiverse     Strategy = "diverse"
	StrategyLeastLoaded Strategy = "least_loaded"
	StrategyRandom      Strategy = "random"
)

// ErrInsufficientCapacity is returned when fewer than k qualifying
// candidates exist; the partial result is still returned alongside it
// so a caller configured to accept degraded replication can use it.
var ErrInsufficientCapacity = errors.New("placement: insufficient qualifying nodes")

// Candidate is one node under consideration, pre-filtered by the
// caller to exclude unhealthy nodes.
type Candidate struct {
	NodeID            string
	FreeBytes         int64
	Utilisation       int64 // bandwidth.Accountant.Utilisation(), lower is less loaded
	TransfersComplete int64 // reliability count; not read by any strategy
	TransfersFailed   int64
}

// Constraints bounds eligible candidates beyond health and exclusion.
type Constraints struct {
	MinFreeBytes int64
}

// Select chooses up to k node IDs from candidates, honoring excludeSet
// and constraints, using the given strategy. If fewer than k
// candidates qualify, it returns every qualifying node along with
// ErrInsufficientCapacity.
func Select(strategy Strategy, candidates []Candidate, k int, excludeSet map[string]struct{}, constraints Constraints) ([]string, error) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if _, excluded := excludeSet[c.NodeID]; excluded {
			continue
		}
		if c.FreeBytes < constraints.MinFreeBytes {
			continue
		}
		eligible = append(eligible, c)
	}

	switch strategy {
	case StrategyLeastLoaded:
		sortLeastLoaded(eligible)
	case StrategyRandom:
		rand.Shuffle(len(eligible), func(i, j int) { eligible[i], eligible[j] = eligible[j], eligible[i] })
	case StrategyDiverse, "":
		sortDiverse(eligible)
	}

	if len(eligible) > k {
		eligible = eligible[:k]
	}

	out := make([]string, len(eligible))
	for i, c := range eligible {
		out[i] = c.NodeID
	}

	if len(out) < k {
		return out, ErrInsufficientCapacity
	}
	return out, nil
}

// sortLeastLoaded orders by free bytes descending (pure free-space
// order, no diversity interleaving).
func sortLeastLoaded(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		return c[i].FreeBytes > c[j].FreeBytes
	})
}

// sortDiverse orders by free bytes descending, then interleaves by a
// secondary hash-of-node-id key to break clustering that a pure
// free-bytes sort would otherwise produce (e.g. several large nodes
// that happen to be in the same rack/zone sorting adjacently every
// time). The interleave: bucket candidates into four groups by
// node-ID hash modulo 4, then round-robin across the groups in
// free-bytes order within each.
func sortDiverse(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		return c[i].FreeBytes > c[j].FreeBytes
	})

	const buckets = 4
	groups := make([][]Candidate, buckets)
	for _, cand := range c {
		b := nodeHash(cand.NodeID) % buckets
		groups[b] = append(groups[b], cand)
	}

	out := make([]Candidate, 0, len(c))
	for {
		progressed := false
		for b := 0; b < buckets; b++ {
			if len(groups[b]) > 0 {
				out = append(out, groups[b][0])
				groups[b] = groups[b][1:]
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	copy(c, out)
}

func nodeHash(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// LeastUtilised returns the candidate with the lowest bandwidth
// utilisation, used by re-replication to prefer the lowest-utilisation
// source replica.
func LeastUtilised(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Utilisation < best.Utilisation {
			best = c
		}
	}
	return best, true
}
