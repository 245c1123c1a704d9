// Package satisfiability proves that every field reachable from a root
// operation type in the composed supergraph has at least one resolving
// graph-path under the current @key/@requires constraints (C4). It
// traverses the same query graph, with the same condition-gated
// Dijkstra engine, the planner searches — so the planner can never
// generate a plan this validator rejects.
package satisfiability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/querygraph"
)

// Error names the unreachable field and a shortest witness describing
// why no subgraph path resolves it.
type Error struct {
	TypeName  string
	FieldName string
	Witness   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("satisfiability: %s.%s is not reachable: %s", e.TypeName, e.FieldName, e.Witness)
}

// Validate proves every field of every composed object and interface
// type reachable through graph, and every union member composed as a
// real object type. Root operation types are trivially reachable;
// every other field must have at least one owning subgraph with a path
// that is either a same-subgraph edge or a satisfiable cross-subgraph
// key jump.
func Validate(superGraph *federation.SuperGraph, graph *querygraph.Graph) []*Error {
	var errs []*Error
	resolver := graph.NewConditionResolver()

	type fielded struct {
		name   string
		fields []*ast.FieldDefinition
	}
	var typed []fielded
	objTypes := make(map[string]bool)

	for _, def := range superGraph.Schema.Definitions {
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			typed = append(typed, fielded{t.Name.String(), t.Fields})
			objTypes[t.Name.String()] = true
		case *ast.InterfaceTypeDefinition:
			typed = append(typed, fielded{t.Name.String(), t.Fields})
		}
	}
	sort.Slice(typed, func(i, j int) bool { return typed[i].name < typed[j].name })

	for _, t := range typed {
		for _, field := range t.fields {
			fieldName := field.Name.String()
			owners := superGraph.GetSubGraphsForField(t.name, fieldName)
			if len(owners) == 0 {
				errs = append(errs, &Error{
					TypeName:  t.name,
					FieldName: fieldName,
					Witness:   "no subgraph declares a non-external resolver for this field",
				})
				continue
			}

			if reachable(graph, resolver, owners, t.name, fieldName) {
				continue
			}

			errs = append(errs, &Error{
				TypeName:  t.name,
				FieldName: fieldName,
				Witness:   fmt.Sprintf("no owning subgraph (first: %s) has a reachable field node for it in the query graph", owners[0].Name),
			})
		}
	}

	errs = append(errs, validateUnions(superGraph, objTypes)...)
	return errs
}

// validateUnions checks every union member names a composed object
// type: a member no subgraph contributes can never be refined to.
func validateUnions(superGraph *federation.SuperGraph, objTypes map[string]bool) []*Error {
	var errs []*Error
	for _, def := range superGraph.Schema.Definitions {
		union, ok := def.(*ast.UnionTypeDefinition)
		if !ok {
			continue
		}
		for _, member := range union.Types {
			memberName := strings.Trim(member.String(), "[]!")
			if !objTypes[memberName] {
				errs = append(errs, &Error{
					TypeName:  union.Name.String(),
					FieldName: memberName,
					Witness:   "union member is not a composed object type",
				})
			}
		}
	}
	return errs
}

// reachable asks whether the field node for any candidate owner is
// reachable from its own type node (same-subgraph field edges always
// are, by construction) or, for cross-subgraph resolution, from some
// other subgraph's equivalent type node via a condition-gated Dijkstra
// path — exactly the search the planner performs when it needs the
// same field from a different entry point.
func reachable(graph *querygraph.Graph, resolver *querygraph.ConditionResolver, owners []*federation.SubGraph, typeName, fieldName string) bool {
	for _, owner := range owners {
		fieldKey := querygraph.NodeKey(owner.Name, typeName, fieldName)
		if _, ok := graph.Nodes[fieldKey]; ok {
			return true
		}
	}

	var entryPoints []string
	for _, sg := range owners {
		entryPoints = append(entryPoints, querygraph.NodeKey(sg.Name, typeName, ""))
	}
	result := graph.Dijkstra(entryPoints, resolver.Usable())
	for _, owner := range owners {
		fieldKey := querygraph.NodeKey(owner.Name, typeName, fieldName)
		if result.Reachable(fieldKey) {
			return true
		}
	}
	return false
}
