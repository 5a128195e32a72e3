package risk

import (
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Cycle search bounds.
const (
	DefaultMaxDepth        = 4
	DefaultMaxVisits       = 500
	MaxCycleCounterparties = 10
)

// CycleLimits bounds the circular-flow search. MaxDepth counts nodes on
// the current path; MaxVisits counts edge expansions across the search.
type CycleLimits struct {
	MaxDepth  int
	MaxVisits int
}

// DefaultCycleLimits returns the production limits.
func DefaultCycleLimits() CycleLimits {
	return CycleLimits{MaxDepth: DefaultMaxDepth, MaxVisits: DefaultMaxVisits}
}

// FlowGraph is the directed transfer graph of one bucket, self-loops excluded.
// Successor lists are deduplicated and sorted.
type FlowGraph struct {
	succ map[string][]string
}

// NewFlowGraph builds the directed adjacency of txs.
func NewFlowGraph(txs []domain.Transaction) *FlowGraph {
	seen := make(map[[2]string]struct{})
	succ := make(map[string][]string)
	for _, tx := range txs {
		if tx.IsSelfLoop() {
			continue
		}
		key := [2]string{tx.FromID, tx.ToID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		succ[tx.FromID] = append(succ[tx.FromID], tx.ToID)
	}
	for id := range succ {
		slices.Sort(succ[id])
	}
	return &FlowGraph{succ: succ}
}

// Successors returns the sorted out-neighbors of id.
func (g *FlowGraph) Successors(id string) []string {
	return g.succ[id]
}

// Cycle is a closed walk that starts and ends at the same node.
type Cycle []string

// Len is the number of edges in the cycle.
func (c Cycle) Len() int {
	return len(c) - 1
}

// CycleSearch is the outcome of a bounded cycle search.
type CycleSearch struct {
	Cycles    []Cycle
	Visits    int
	Exhausted bool
}

type frame struct {
	node  string
	depth int
	next  int
}

// FindCycles walks the graph depth-first from start and records every
// closed walk of at least two edges that returns to start without
// revisiting an intermediate node. The search stops as soon as the visit
// budget is reached; cycles found up to that point are kept.
func FindCycles(start string, g *FlowGraph, limits CycleLimits) CycleSearch {
	var res CycleSearch
	if limits.MaxVisits <= 0 {
		return res
	}

	path := []string{start}
	onPath := map[string]bool{start: true}
	stack := []frame{{node: start, depth: 1}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succ := g.Successors(top.node)
		if top.next >= len(succ) {
			stack = stack[:len(stack)-1]
			delete(onPath, path[len(path)-1])
			path = path[:len(path)-1]
			continue
		}

		next := succ[top.next]
		top.next++
		res.Visits++
		if res.Visits >= limits.MaxVisits {
			res.Exhausted = true
			break
		}

		if next == start && top.depth >= 2 {
			res.Cycles = append(res.Cycles, append(slices.Clone(path), start))
			continue
		}
		if !onPath[next] && top.depth < limits.MaxDepth {
			depth := top.depth + 1
			path = append(path, next)
			onPath[next] = true
			stack = append(stack, frame{node: next, depth: depth})
		}
	}
	return res
}
