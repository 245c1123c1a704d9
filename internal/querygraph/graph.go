// Package querygraph is the query graph (C3): a directed graph of
// (subgraph, type) nodes and typed edges — field traversals, abstract
// casts, key jumps, root edges — over which the planner and the
// satisfiability validator both search. Edges carry the conditions
// (key fields, @requires fields) that must be satisfiable on the
// source subgraph before the edge may be taken; the ConditionResolver
// in this package is the single engine both consumers resolve them
// with.
package querygraph

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
)

// EdgeKind distinguishes the traversal kinds the graph models.
type EdgeKind int

const (
	// FieldEdge resolves one field inside a single subgraph.
	FieldEdge EdgeKind = iota
	// AbstractCastEdge refines an interface or union to one of its
	// possible runtime types within the same subgraph.
	AbstractCastEdge
	// KeyEdge jumps an entity between two subgraphs sharing a @key.
	KeyEdge
	// RootEdge resolves a root operation field on a subgraph.
	RootEdge
	// QueryToSubgraphEdge connects the dedicated per-operation root
	// node to one subgraph's root operation type.
	QueryToSubgraphEdge
)

// Edge is one directed traversal. Conditions is the flat field-set
// form federation directives carry (the fields of a @key for a key
// jump, the fields of a @requires for a field edge): every named field
// must be satisfiable on the source node's subgraph before the edge
// may be taken.
type Edge struct {
	Kind      EdgeKind
	To        string
	FieldName string   // FieldEdge/RootEdge: the traversed field
	CastTo    string   // AbstractCastEdge: the runtime type cast to
	KeyFields []string // KeyEdge: the target entity's key fields
	Conditions []string
	// Provided marks a zero-cost field edge contributed by @provides.
	Provided bool
	Weight   int
}

// Direct reports whether the edge stays inside one subgraph; the key
// jump is the indirect option.
func (e *Edge) Direct() bool { return e.Kind != KeyEdge }

// Indirect reports whether the edge is a cross-subgraph key jump.
func (e *Edge) Indirect() bool { return e.Kind == KeyEdge }

// Node is a (subgraph, type) or (subgraph, type, field) point in the
// query graph. A type-level node has an empty FieldName. The dedicated
// per-operation root nodes have a nil SubGraph.
type Node struct {
	ID        string
	SubGraph  *federation.SubGraph
	TypeName  string
	FieldName string
	// Edges is the cached, sorted list of outgoing edges.
	Edges []*Edge
}

// Graph is the weighted directed query graph.
type Graph struct {
	Nodes map[string]*Node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{Nodes: make(map[string]*Node)}
}

// AddNode inserts a node, returning the existing one if already present.
func (g *Graph) AddNode(id string, subGraph *federation.SubGraph, typeName, fieldName string) *Node {
	if existing, ok := g.Nodes[id]; ok {
		return existing
	}
	node := &Node{
		ID:        id,
		SubGraph:  subGraph,
		TypeName:  typeName,
		FieldName: fieldName,
	}
	g.Nodes[id] = node
	return node
}

// AddEdge adds a directed edge, keeping the cheaper weight when an
// edge of the same kind to the same destination already exists.
func (g *Graph) AddEdge(srcID string, e *Edge) {
	src, ok := g.Nodes[srcID]
	if !ok {
		return
	}
	for _, existing := range src.Edges {
		if existing.To == e.To && existing.Kind == e.Kind && existing.FieldName == e.FieldName {
			if e.Weight < existing.Weight {
				existing.Weight = e.Weight
			}
			return
		}
	}
	src.Edges = append(src.Edges, e)
}

// NodeKey formats a node identifier; fieldName empty yields a
// type-level key.
func NodeKey(subGraphName, typeName, fieldName string) string {
	if fieldName == "" {
		return fmt.Sprintf("%s:%s", subGraphName, typeName)
	}
	return fmt.Sprintf("%s:%s.%s", subGraphName, typeName, fieldName)
}

// RootNodeKey is the dedicated root node for one operation kind
// ("query", "mutation", "subscription").
func RootNodeKey(operationKind string) string {
	return "root:" + operationKind
}

type dijkstraItem struct {
	nodeID string
	cost   int
	index  int
}

type dijkstraPQ []*dijkstraItem

func (pq dijkstraPQ) Len() int           { return len(pq) }
func (pq dijkstraPQ) Less(i, j int) bool { return pq[i].cost < pq[j].cost }
func (pq dijkstraPQ) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}
func (pq *dijkstraPQ) Push(x any) {
	item := x.(*dijkstraItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *dijkstraPQ) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// DijkstraResult is the outcome of a shortest-path search from a set
// of entry points.
type DijkstraResult struct {
	Dist map[string]int
	Prev map[string]string
}

const inf = int(^uint(0) >> 1)

// Dijkstra runs a multi-source shortest-path search from entryPoints
// (each at cost 0). usable gates each edge before it is relaxed; a nil
// usable admits every edge. Cost ties are not broken here; callers
// apply the fewer-hops / fewer-subgraphs / lexicographic-name policy
// over equal-cost reconstructed paths.
func (g *Graph) Dijkstra(entryPoints []string, usable func(*Node, *Edge) bool) *DijkstraResult {
	dist := make(map[string]int, len(g.Nodes))
	prev := make(map[string]string, len(g.Nodes))
	for id := range g.Nodes {
		dist[id] = inf
	}

	pq := &dijkstraPQ{}
	heap.Init(pq)
	for _, ep := range entryPoints {
		if _, ok := g.Nodes[ep]; ok {
			dist[ep] = 0
			heap.Push(pq, &dijkstraItem{nodeID: ep, cost: 0})
		}
	}

	for pq.Len() > 0 {
		item := heap.Pop(pq).(*dijkstraItem)
		u := item.nodeID
		if item.cost > dist[u] {
			continue
		}
		node := g.Nodes[u]

		for _, e := range node.Edges {
			if usable != nil && !usable(node, e) {
				continue
			}
			if newCost := dist[u] + e.Weight; newCost < dist[e.To] {
				dist[e.To] = newCost
				prev[e.To] = u
				heap.Push(pq, &dijkstraItem{nodeID: e.To, cost: newCost})
			}
		}
	}

	return &DijkstraResult{Dist: dist, Prev: prev}
}

// Reachable reports whether dstID was reached by the search.
func (r *DijkstraResult) Reachable(dstID string) bool {
	cost, ok := r.Dist[dstID]
	return ok && cost != inf
}

// ReconstructPath walks Prev back from dstID to an entry point, or
// returns nil if dstID was unreachable.
func (r *DijkstraResult) ReconstructPath(dstID string) []string {
	if !r.Reachable(dstID) {
		return nil
	}
	var path []string
	visited := make(map[string]bool)
	for cur := dstID; cur != ""; {
		if visited[cur] {
			break
		}
		visited[cur] = true
		path = append([]string{cur}, path...)
		p, ok := r.Prev[cur]
		if !ok {
			break
		}
		cur = p
	}
	return path
}

// pendingProvides defers @provides shortcut resolution until every
// subgraph's nodes exist.
type pendingProvides struct {
	srcID     string
	fieldType string
	provided  string
	srcName   string
}

// Build constructs the query graph from the subgraphs' schemas and
// federation metadata:
//   - a dedicated root node per operation kind, with a
//     QueryToSubgraphEdge into each subgraph's root operation type;
//   - RootEdges from each root operation type to its root fields;
//   - a type node and FieldEdges per object/interface field of every
//     subgraph (skipping @external fields), field edges carrying the
//     field's @requires fields as Conditions;
//   - FieldEdges from a composite-typed field node into that type's
//     own node, so traversal continues through nested selections;
//   - AbstractCastEdges from interfaces to their implementations and
//     from unions to their members;
//   - KeyEdges (weight 1) between subgraphs sharing a resolvable
//     entity, carrying the target's key fields as both KeyFields and
//     Conditions;
//   - zero-cost Provided field edges for @provides shortcuts.
func Build(subGraphs []*federation.SubGraph) *Graph {
	g := New()
	var provides []pendingProvides

	for _, kind := range []string{"query", "mutation", "subscription"} {
		g.AddNode(RootNodeKey(kind), nil, "", "")
	}

	for _, sg := range subGraphs {
		g.buildSubGraph(sg, &provides)
	}

	g.buildKeyEdges(subGraphs)
	g.resolveProvides(provides)

	for _, node := range g.Nodes {
		sort.Slice(node.Edges, func(i, j int) bool {
			a, b := node.Edges[i], node.Edges[j]
			if a.To != b.To {
				return a.To < b.To
			}
			if a.Kind != b.Kind {
				return a.Kind < b.Kind
			}
			return a.FieldName < b.FieldName
		})
	}
	return g
}

func (g *Graph) buildSubGraph(sg *federation.SubGraph, provides *[]pendingProvides) {
	rootKinds := map[string]string{"Query": "query", "Mutation": "mutation", "Subscription": "subscription"}

	for _, def := range sg.Schema.Definitions {
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			typeName := t.Name.String()
			g.buildTypeFields(sg, typeName, t.Fields, rootKinds[typeName], provides)
			for _, iface := range t.Interfaces {
				ifaceName := strings.Trim(iface.String(), "[]!")
				ifaceKey := NodeKey(sg.Name, ifaceName, "")
				g.AddNode(ifaceKey, sg, ifaceName, "")
				g.AddEdge(ifaceKey, &Edge{Kind: AbstractCastEdge, To: NodeKey(sg.Name, typeName, ""), CastTo: typeName})
			}
		case *ast.ObjectTypeExtension:
			g.buildTypeFields(sg, t.Name.String(), t.Fields, rootKinds[t.Name.String()], provides)
		case *ast.InterfaceTypeDefinition:
			g.buildTypeFields(sg, t.Name.String(), t.Fields, "", provides)
		case *ast.UnionTypeDefinition:
			unionName := t.Name.String()
			unionKey := NodeKey(sg.Name, unionName, "")
			g.AddNode(unionKey, sg, unionName, "")
			for _, member := range t.Types {
				memberName := strings.Trim(member.String(), "[]!")
				g.AddNode(NodeKey(sg.Name, memberName, ""), sg, memberName, "")
				g.AddEdge(unionKey, &Edge{Kind: AbstractCastEdge, To: NodeKey(sg.Name, memberName, ""), CastTo: memberName})
			}
		}
	}
}

func (g *Graph) buildTypeFields(sg *federation.SubGraph, typeName string, fields []*ast.FieldDefinition, rootKind string, provides *[]pendingProvides) {
	typeKey := NodeKey(sg.Name, typeName, "")
	g.AddNode(typeKey, sg, typeName, "")

	if rootKind != "" {
		g.AddEdge(RootNodeKey(rootKind), &Edge{Kind: QueryToSubgraphEdge, To: typeKey})
	}

	entity, isEntity := sg.GetEntity(typeName)

	for _, field := range fields {
		fieldName := field.Name.String()
		if hasASTDirective(field.Directives, "external") {
			continue
		}

		fieldKey := NodeKey(sg.Name, typeName, fieldName)
		g.AddNode(fieldKey, sg, typeName, fieldName)

		edge := &Edge{Kind: FieldEdge, To: fieldKey, FieldName: fieldName}
		if rootKind != "" {
			edge.Kind = RootEdge
		}
		if isEntity {
			if ef, ok := entity.Fields[fieldName]; ok {
				edge.Conditions = ef.Requires
				for _, provided := range ef.Provides {
					*provides = append(*provides, pendingProvides{
						srcID:     fieldKey,
						fieldType: baseTypeName(field.Type),
						provided:  provided,
						srcName:   sg.Name,
					})
				}
			}
		}
		g.AddEdge(typeKey, edge)

		// Traversal continues into the field's own type when that type
		// is declared in this subgraph.
		fieldTypeName := baseTypeName(field.Type)
		if g.typeDeclaredIn(sg, fieldTypeName) {
			fieldTypeKey := NodeKey(sg.Name, fieldTypeName, "")
			g.AddNode(fieldTypeKey, sg, fieldTypeName, "")
			g.AddEdge(fieldKey, &Edge{Kind: FieldEdge, To: fieldTypeKey, FieldName: fieldName})
		}
	}
}

func (g *Graph) typeDeclaredIn(sg *federation.SubGraph, typeName string) bool {
	for _, def := range sg.Schema.Definitions {
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			if t.Name.String() == typeName {
				return true
			}
		case *ast.InterfaceTypeDefinition:
			if t.Name.String() == typeName {
				return true
			}
		case *ast.UnionTypeDefinition:
			if t.Name.String() == typeName {
				return true
			}
		}
	}
	return false
}

// buildKeyEdges connects subgraphs sharing an entity type with
// bidirectional key jumps. A jump into a subgraph whose entity has no
// resolvable key is never added: resolvable:false keys may appear in
// satisfiability proofs but must not be the target of _entities
// fetches.
func (g *Graph) buildKeyEdges(subGraphs []*federation.SubGraph) {
	entitySubGraphs := make(map[string][]*federation.SubGraph)
	for _, sg := range subGraphs {
		for typeName := range sg.GetEntities() {
			entitySubGraphs[typeName] = append(entitySubGraphs[typeName], sg)
		}
	}

	for typeName, sgs := range entitySubGraphs {
		if len(sgs) < 2 {
			continue
		}
		for _, src := range sgs {
			for _, dst := range sgs {
				if src.Name == dst.Name {
					continue
				}
				dstEntity, _ := dst.GetEntity(typeName)
				if dstEntity == nil || !dstEntity.IsResolvable() {
					continue
				}
				keyFields := resolvableKeyFields(dstEntity)
				g.AddEdge(NodeKey(src.Name, typeName, ""), &Edge{
					Kind:       KeyEdge,
					To:         NodeKey(dst.Name, typeName, ""),
					KeyFields:  keyFields,
					Conditions: keyFields,
					Weight:     1,
				})
			}
		}
	}
}

func resolvableKeyFields(e *federation.Entity) []string {
	for _, k := range e.Keys {
		if k.Resolvable {
			return strings.Fields(k.FieldSet)
		}
	}
	return nil
}

func (g *Graph) resolveProvides(provides []pendingProvides) {
	for _, p := range provides {
		for id, node := range g.Nodes {
			if node.FieldName == p.provided && node.TypeName == p.fieldType && node.SubGraph != nil && node.SubGraph.Name != p.srcName {
				g.AddEdge(p.srcID, &Edge{Kind: FieldEdge, To: id, FieldName: p.provided, Provided: true})
			}
		}
	}
}

func hasASTDirective(directives []*ast.Directive, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}

func baseTypeName(t ast.Type) string {
	return strings.Trim(t.String(), "[]!")
}
