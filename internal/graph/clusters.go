// Package graph implements bucket-scoped graph algorithms over transfers:
// high-risk cluster detection and k-hop neighborhoods.
package graph

import (
	"fmt"
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultClusterThreshold is the minimum risk score for cluster membership.
const DefaultClusterThreshold = 0.3

// DetectClusters finds connected components of entities whose risk is at
// least threshold, using only edges whose endpoints both qualify.
// Components of a single entity are dropped. Results are never cached.
func DetectClusters(br *domain.BucketRisk, txs []domain.Transaction, threshold float64) []domain.Cluster {
	selected := make(map[string]struct{})
	if br != nil {
		for id, rec := range br.Records {
			if rec.RiskScore >= threshold {
				selected[id] = struct{}{}
			}
		}
	}
	if len(selected) == 0 {
		return []domain.Cluster{}
	}

	adj := make(map[string][]string)
	for _, tx := range txs {
		if tx.IsSelfLoop() {
			continue
		}
		_, fromOK := selected[tx.FromID]
		_, toOK := selected[tx.ToID]
		if fromOK && toOK {
			adj[tx.FromID] = append(adj[tx.FromID], tx.ToID)
			adj[tx.ToID] = append(adj[tx.ToID], tx.FromID)
		}
	}

	ids := make([]string, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	visited := make(map[string]bool, len(ids))
	clusters := []domain.Cluster{}
	for _, root := range ids {
		if visited[root] {
			continue
		}
		component := bfs(root, adj, visited)
		if len(component) < 2 {
			continue
		}
		slices.Sort(component)

		total := decimal.Zero
		for _, id := range component {
			total = total.Add(decimal.NewFromFloat(br.Score(id)))
		}
		mean, _ := total.Div(decimal.NewFromInt(int64(len(component)))).Round(4).Float64()

		clusters = append(clusters, domain.Cluster{
			ClusterID: fmt.Sprintf("cluster_%d", len(clusters)),
			EntityIDs: component,
			RiskScore: mean,
			Size:      len(component),
		})
	}
	return clusters
}

func bfs(root string, adj map[string][]string, visited map[string]bool) []string {
	visited[root] = true
	queue := []string{root}
	var component []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		component = append(component, current)
		for _, next := range adj[current] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return component
}
