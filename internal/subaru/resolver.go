package subaru

import (
	"fmt"
	"sort"
)

// Resolver computes installation order over the descriptors currently in
// the store. Edges are name-only: every DEPENDS entry of a descriptor is
// an edge dep -> pkg.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the requested packages plus their transitive
// dependencies in dependency-first order, and any warnings produced.
// A cycle anywhere in the stored graph fails the whole call, even when
// no requested package touches it.
func (r *Resolver) Resolve(requested []string) ([]string, []string, error) {
	descs, err := r.store.LoadAll()
	if err != nil {
		return nil, nil, err
	}

	// A node's edges are the union of DEPENDS across every stored version
	// of the name, deduplicated in first-seen order.
	deps := make(map[string][]string)
	seenEdge := make(map[string]map[string]bool)
	for _, d := range descs {
		if _, known := deps[d.Name]; !known {
			deps[d.Name] = nil
			seenEdge[d.Name] = make(map[string]bool)
		}
		for _, dep := range d.Depends {
			if !seenEdge[d.Name][dep] {
				seenEdge[d.Name][dep] = true
				deps[d.Name] = append(deps[d.Name], dep)
			}
		}
	}

	order, err := topoSort(deps)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string

	// Mark everything reachable from the requested names. Names with no
	// descriptor are excluded with a warning rather than expanded.
	reachable := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if reachable[name] {
			return
		}
		if _, known := deps[name]; !known {
			return
		}
		reachable[name] = true
		for _, dep := range deps[name] {
			if _, known := deps[dep]; !known {
				warnings = append(warnings,
					fmt.Sprintf("%s depends on %s, which has no metadata; skipping it", name, dep))
				continue
			}
			visit(dep)
		}
	}
	for _, name := range requested {
		visit(name)
	}

	var result []string
	for _, name := range order {
		if reachable[name] {
			result = append(result, name)
		}
	}

	// Requested names absent from the store still come out, so the caller
	// can attempt them from recipes directly.
	seen := make(map[string]bool, len(result))
	for _, name := range result {
		seen[name] = true
	}
	for _, name := range requested {
		if !seen[name] {
			warnings = append(warnings,
				fmt.Sprintf("no metadata for requested package %s", name))
			result = append(result, name)
			seen[name] = true
		}
	}

	return result, warnings, nil
}

// topoSort runs Kahn's algorithm over the full node set. The zero
// in-degree frontier is kept sorted so the order is deterministic.
func topoSort(deps map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string)
	for name := range deps {
		indegree[name] = 0
	}
	for name, ds := range deps {
		for _, dep := range ds {
			if _, known := deps[dep]; !known {
				continue
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		next := dependents[name]
		sort.Strings(next)
		var freed []string
		for _, dep := range next {
			indegree[dep]--
			if indegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		if len(freed) > 0 {
			queue = append(queue, freed...)
			sort.Strings(queue)
		}
	}

	if len(order) != len(deps) {
		var remaining []string
		for name, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		return nil, &CycleError{Remaining: remaining}
	}
	return order, nil
}
