package registry

import (
	"sort"

	"github.com/leeforge/plugind/plugin"
)

// topoSort orders manifests so that every required dependency comes before
// its dependents. Dependencies outside the set are ignored. When the graph
// has a cycle, the ids that could not be ordered are returned as cyclic.
func topoSort(manifests map[string]plugin.Manifest) (order []string, cyclic []string) {
	inDegree := make(map[string]int, len(manifests))
	dependents := make(map[string][]string)

	for id := range manifests {
		inDegree[id] = 0
	}
	for id, m := range manifests {
		for _, dep := range m.Dependencies {
			if _, ok := manifests[dep]; !ok {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	// Kahn's algorithm
	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, dep := range dependents[current] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
				sort.Strings(queue)
			}
		}
	}

	if len(order) != len(manifests) {
		for id, degree := range inDegree {
			if degree > 0 {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
	}
	return order, cyclic
}

// SortByDependencies returns manifests in an order where each one follows
// its required dependencies. Ties are broken by id.
func SortByDependencies(manifests []plugin.Manifest) ([]plugin.Manifest, []string) {
	byID := make(map[string]plugin.Manifest, len(manifests))
	for _, m := range manifests {
		byID[m.ID] = m
	}
	order, cyclic := topoSort(byID)
	out := make([]plugin.Manifest, 0, len(manifests))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, cyclic
}
