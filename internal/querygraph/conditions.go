package querygraph

import (
	"sort"
	"strings"
	"sync"
)

// conditionKey caches one resolution outcome per
// (edge, context, excludedDestinations, excludedConditions), so a
// condition shared by many candidate paths resolves once.
type conditionKey struct {
	edge                 string
	context              string
	excludedDestinations string
	excludedConditions   string
}

// ConditionResolver proves edge conditions satisfiable. Resolution is
// naturally recursive — a condition field may itself sit behind an
// edge with conditions — so each step carries an explicit
// excluded-conditions frame that breaks the cycle when a condition's
// own edges lead back to it.
type ConditionResolver struct {
	g     *Graph
	mu    sync.Mutex
	cache map[conditionKey]bool
}

// NewConditionResolver builds a resolver over g. One resolver is meant
// to live as long as its graph (one schema generation); its cache is
// append-only and safe to share behind the planner's own
// synchronization.
func (g *Graph) NewConditionResolver() *ConditionResolver {
	return &ConditionResolver{g: g, cache: make(map[conditionKey]bool)}
}

// Resolve reports whether every condition field of e is satisfiable on
// src's subgraph, recursively resolving the conditions of any edge the
// proof itself traverses. excludedDestinations names subgraphs the
// proof must not jump into; excludedConditions names condition fields
// currently being proven further up the stack.
func (r *ConditionResolver) Resolve(src *Node, e *Edge, excludedDestinations, excludedConditions []string) bool {
	if len(e.Conditions) == 0 {
		return true
	}

	key := conditionKey{
		edge:                 src.ID + "->" + e.To,
		context:              src.ID,
		excludedDestinations: joinSorted(excludedDestinations),
		excludedConditions:   joinSorted(excludedConditions),
	}
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached
	}
	// Pre-seed true so a cyclic re-entry on the identical frame
	// terminates; the final answer overwrites it below.
	r.cache[key] = true
	r.mu.Unlock()

	ok := true
	for _, field := range e.Conditions {
		if contains(excludedConditions, field) {
			continue
		}
		if !r.fieldSatisfiable(src, field, excludedDestinations, append(append([]string{}, excludedConditions...), field)) {
			ok = false
			break
		}
	}
	r.mu.Lock()
	r.cache[key] = ok
	r.mu.Unlock()
	return ok
}

// fieldSatisfiable proves one condition field resolvable starting at
// src's (subgraph, type): directly as a field node of that subgraph,
// or across a key jump into a non-excluded subgraph whose own
// conditions resolve under the current frame.
func (r *ConditionResolver) fieldSatisfiable(src *Node, field string, excludedDestinations, excludedConditions []string) bool {
	if src.SubGraph == nil {
		return false
	}
	if _, ok := r.g.Nodes[NodeKey(src.SubGraph.Name, src.TypeName, field)]; ok {
		return true
	}

	typeNode, ok := r.g.Nodes[NodeKey(src.SubGraph.Name, src.TypeName, "")]
	if !ok {
		return false
	}
	for _, e := range typeNode.Edges {
		if !e.Indirect() {
			continue
		}
		dst, ok := r.g.Nodes[e.To]
		if !ok || dst.SubGraph == nil || contains(excludedDestinations, dst.SubGraph.Name) {
			continue
		}
		if !r.Resolve(typeNode, e, append(append([]string{}, excludedDestinations...), src.SubGraph.Name), excludedConditions) {
			continue
		}
		if _, ok := r.g.Nodes[NodeKey(dst.SubGraph.Name, dst.TypeName, field)]; ok {
			return true
		}
	}
	return false
}

// Usable adapts the resolver into the edge filter Dijkstra takes, so
// the planner and the satisfiability validator traverse with the same
// gating.
func (r *ConditionResolver) Usable() func(*Node, *Edge) bool {
	return func(n *Node, e *Edge) bool {
		return r.Resolve(n, e, nil, nil)
	}
}

func joinSorted(values []string) string {
	if len(values) == 0 {
		return ""
	}
	sorted := append([]string{}, values...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}
