package graph

import (
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Neighborhood caps.
const (
	MaxNeighborNodes = 200
	MaxNeighborEdges = 500
	MaxHops          = 3
)

// Neighborhood returns the ids within k hops of center on the bucket's
// undirected transfer graph, and the deduplicated directed edges among
// them in first-seen order. Node and edge counts are capped.
func Neighborhood(center string, k int, txs []domain.Transaction) ([]string, []domain.Edge) {
	adj := make(map[string][]string)
	for _, tx := range txs {
		if tx.IsSelfLoop() {
			continue
		}
		adj[tx.FromID] = append(adj[tx.FromID], tx.ToID)
		adj[tx.ToID] = append(adj[tx.ToID], tx.FromID)
	}

	type hop struct {
		id    string
		depth int
	}
	visited := map[string]bool{center: true}
	queue := []hop{{center, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= k {
			continue
		}
		for _, next := range adj[cur.id] {
			if !visited[next] && len(visited) < MaxNeighborNodes {
				visited[next] = true
				queue = append(queue, hop{next, cur.depth + 1})
			}
		}
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids, EdgesAmong(visited, txs, MaxNeighborEdges)
}

// EdgesAmong returns deduplicated (from, to) edges whose endpoints are
// both in set, in first-seen order, capped at limit.
func EdgesAmong(set map[string]bool, txs []domain.Transaction, limit int) []domain.Edge {
	return collectEdges(txs, limit, func(tx domain.Transaction) bool {
		return set[tx.FromID] && set[tx.ToID]
	})
}

// EdgesTouching returns deduplicated (from, to) edges with at least one
// endpoint in set, in first-seen order, capped at limit.
func EdgesTouching(set map[string]bool, txs []domain.Transaction, limit int) []domain.Edge {
	return collectEdges(txs, limit, func(tx domain.Transaction) bool {
		return set[tx.FromID] || set[tx.ToID]
	})
}

func collectEdges(txs []domain.Transaction, limit int, keep func(domain.Transaction) bool) []domain.Edge {
	edges := []domain.Edge{}
	seen := make(map[[2]string]struct{})
	for _, tx := range txs {
		if len(edges) >= limit {
			break
		}
		if tx.IsSelfLoop() || !keep(tx) {
			continue
		}
		key := [2]string{tx.FromID, tx.ToID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		edges = append(edges, domain.Edge{FromID: tx.FromID, ToID: tx.ToID, Amount: tx.Amount})
	}
	return edges
}
