// Package wan implements the inter-prefix router: a graph of LAN
// switches indexed by prefix, all-pairs-shortest-paths next-hop
// computation, and the HierarchyRouter per-connection adapter that
// bridges a switch's local forwarding to cross-prefix routes.
//
// Grounded on _examples/original_source/src/playground/network/devices/routing/
// HierarchyWAN.py and HierarchyRouter.py.
package wan

import "sync"

// Graph holds the declared direct connections between prefixes and the
// resulting all-pairs-shortest-paths next-hop table. It owns no
// sessions or switches; Router (router.go) pairs a Graph with the
// switchnet.Switch instances it routes between.
type Graph struct {
	mu    sync.RWMutex
	edges map[int]map[int]struct{}
	// routes[src][dst] is the ordered list of hops after src; the
	// first element is the next hop toward dst. Absent entries mean
	// unreachable.
	routes map[int]map[int][]int
}

// NewGraph returns an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		edges:  make(map[int]map[int]struct{}),
		routes: make(map[int]map[int][]int),
	}
}

// SetDirectConnections declares prefix's direct neighbors, replacing
// any previously declared set, and recomputes the APSP table. Per
// clears routes involving prefix, sets one-hop routes to
// each declared neighbor (both directions), then recomputes by the
// classical triple loop.
func (g *Graph) SetDirectConnections(prefix int, neighbors []int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	old := g.edges[prefix]
	for neighbor := range old {
		delete(g.edges[neighbor], prefix)
	}

	g.edges[prefix] = make(map[int]struct{}, len(neighbors))
	for _, n := range neighbors {
		g.edges[prefix][n] = struct{}{}

		if g.edges[n] == nil {
			g.edges[n] = make(map[int]struct{})
		}

		g.edges[n][prefix] = struct{}{}
	}

	g.recomputeLocked()
}

// RemovePrefix removes prefix and every edge touching it, invalidating
// any route that passed through it.
func (g *Graph) RemovePrefix(prefix int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for neighbor := range g.edges[prefix] {
		delete(g.edges[neighbor], prefix)
	}

	delete(g.edges, prefix)
	delete(g.routes, prefix)

	for src := range g.routes {
		delete(g.routes[src], prefix)
	}

	g.recomputeLocked()
}

// NextHop returns the first hop on the current shortest path from src
// toward dst, and whether a route exists.
func (g *Graph) NextHop(src, dst int) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if src == dst {
		return src, true
	}

	hops, ok := g.routes[src][dst]
	if !ok || len(hops) == 0 {
		return 0, false
	}

	return hops[0], true
}

// Route returns a copy of the full ordered hop list from src to dst
// (excluding src itself), for diagnostics (SPMP "routes" verb).
func (g *Graph) Route(src, dst int) ([]int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	hops, ok := g.routes[src][dst]
	if !ok {
		return nil, false
	}

	return append([]int(nil), hops...), true
}

// Prefixes returns every prefix currently known to the graph.
func (g *Graph) Prefixes() []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]int, 0, len(g.edges))
	for p := range g.edges {
		out = append(out, p)
	}

	return out
}

// recomputeLocked rebuilds the full routes table from edges via the
// classical O(V^3) Floyd-Warshall-shaped triple loop. Recomputing from
// scratch on every edge change is deliberate (Design Notes: fine at
// the intended scale of tens of prefixes; do not premature-optimize).
func (g *Graph) recomputeLocked() {
	prefixes := make([]int, 0, len(g.edges))
	for p := range g.edges {
		prefixes = append(prefixes, p)
	}

	// next[i][j] is the next hop from i toward j; dist[i][j] is the
	// current best known hop count.
	const unreachable = 1 << 30

	dist := make(map[int]map[int]int, len(prefixes))
	next := make(map[int]map[int]int, len(prefixes))

	for _, i := range prefixes {
		dist[i] = make(map[int]int, len(prefixes))
		next[i] = make(map[int]int, len(prefixes))

		for _, j := range prefixes {
			if i == j {
				dist[i][j] = 0
			} else {
				dist[i][j] = unreachable
			}
		}
	}

	for i, neighbors := range g.edges {
		for j := range neighbors {
			dist[i][j] = 1
			next[i][j] = j
		}
	}

	for _, k := range prefixes {
		for _, i := range prefixes {
			if dist[i][k] == unreachable {
				continue
			}

			for _, j := range prefixes {
				if dist[k][j] == unreachable {
					continue
				}

				if dist[i][k]+dist[k][j] < dist[i][j] {
					dist[i][j] = dist[i][k] + dist[k][j]
					next[i][j] = next[i][k]
				}
			}
		}
	}

	routes := make(map[int]map[int][]int, len(prefixes))

	for _, src := range prefixes {
		routes[src] = make(map[int][]int, len(prefixes))

		for _, dst := range prefixes {
			if src == dst || dist[src][dst] == unreachable {
				continue
			}

			routes[src][dst] = pathHops(next, src, dst)
		}
	}

	g.routes = routes
}

// pathHops reconstructs the ordered hop list from src to dst
// (excluding src) by repeatedly following next.
func pathHops(next map[int]map[int]int, src, dst int) []int {
	hops := make([]int, 0, 4)

	cur := src
	for cur != dst {
		n, ok := next[cur][dst]
		if !ok {
			return nil
		}

		hops = append(hops, n)
		cur = n

		if len(hops) > len(next) {
			// Defensive: a cycle would indicate a bug in
			// recomputeLocked, never a reachable runtime state.
			return nil
		}
	}

	return hops
}
