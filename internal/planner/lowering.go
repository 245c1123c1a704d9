package planner

import (
	"strconv"

	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
)

// lower turns a flatPlan's step list into the canonical plan.Node tree
// the executor walks: one Sequence per step with dependents, wrapped in
// Flatten at each dependent's insertion path, with sibling dependents
// of the same step running in Parallel.
func lower(p *flatPlan) (*plan.Plan, error) {
	childrenByParent := make(map[int][]*step, len(p.Steps))
	for _, s := range p.Steps {
		for _, parentID := range s.DependsOn {
			childrenByParent[parentID] = append(childrenByParent[parentID], s)
		}
	}

	var roots []plan.Node
	for _, idx := range p.RootStepIndexes {
		rootStep := p.Steps[idx]
		node, err := buildNodeForStep(rootStep, childrenByParent, p.OperationType)
		if err != nil {
			return nil, err
		}
		roots = append(roots, node)
	}

	var root plan.Node
	switch len(roots) {
	case 0:
		return nil, errEmptyPlan
	case 1:
		root = roots[0]
	default:
		root = &plan.Parallel{Nodes: roots}
	}

	return &plan.Plan{Root: root, OperationType: plan.OperationKind(p.OperationType)}, nil
}

var errEmptyPlan = fmtError("planner: no root steps produced")

func fmtError(msg string) error { return &planError{msg} }

type planError struct{ msg string }

func (e *planError) Error() string { return e.msg }

// buildNodeForStep renders one step's Fetch node, wrapping the fetches
// for its dependents in Flatten (keyed on each dependent's insertion
// path relative to this step) and running concurrent dependents in
// Parallel, then sequencing them after this step's own fetch.
func buildNodeForStep(s *step, childrenByParent map[int][]*step, operationType string) (plan.Node, error) {
	fetchNode, err := toFetch(s, operationType)
	if err != nil {
		return nil, err
	}

	dependents := childrenByParent[s.ID]
	if len(dependents) == 0 {
		return fetchNode, nil
	}

	var flattenNodes []plan.Node
	for _, dep := range dependents {
		childNode, err := buildNodeForStep(dep, childrenByParent, operationType)
		if err != nil {
			return nil, err
		}
		flattenNodes = append(flattenNodes, &plan.Flatten{
			Path:  toPathElements(relativeInsertionPath(s, dep)),
			Child: childNode,
		})
	}

	var depsNode plan.Node
	if len(flattenNodes) == 1 {
		depsNode = flattenNodes[0]
	} else {
		depsNode = &plan.Parallel{Nodes: flattenNodes}
	}

	return &plan.Sequence{Nodes: []plan.Node{fetchNode, depsNode}}, nil
}

// relativeInsertionPath strips the parent step's own insertion path
// prefix (and a leading root type name) so the Flatten path is relative
// to the parent's response subtree, matching how injectRequiresDependencies
// and injectKeyFieldsIntoParentStep compute relative paths during
// decomposition.
func relativeInsertionPath(parent, dep *step) []string {
	if len(parent.InsertionPath) == 0 {
		if len(dep.InsertionPath) > 0 && dep.InsertionPath[0] == "Query" {
			return dep.InsertionPath[1:]
		}
		return dep.InsertionPath
	}
	if len(dep.InsertionPath) >= len(parent.InsertionPath) {
		return dep.InsertionPath[len(parent.InsertionPath):]
	}
	return dep.InsertionPath
}

func toPathElements(path []string) []plan.PathElement {
	elems := make([]plan.PathElement, 0, len(path))
	for _, p := range path {
		elems = append(elems, plan.PathElement{FieldName: p})
	}
	return elems
}

// toFetch renders a step's outgoing query text and wraps it in a Fetch
// node. Root steps become a query/mutation against the subgraph's own
// schema; entity steps become an _entities(representations:) query,
// with RequiresFields/InsertionPath/EntityTypeName carried for the
// executor to build representations and merge the response back.
func toFetch(s *step, operationType string) (*plan.Fetch, error) {
	f := &plan.Fetch{
		ID:             "fetch-" + strconv.Itoa(s.ID),
		ServiceName:    s.SubGraph.Name,
		RequiresFields: s.RequiresFields,
		InsertionPath:  toPathElements(s.InsertionPath),
		IsEntityFetch:  s.StepType == StepTypeEntity,
	}

	if s.StepType == StepTypeEntity {
		doc, err := buildEntityQueryText(s)
		if err != nil {
			return nil, err
		}
		f.OperationDoc = doc
		f.OperationKind = plan.OperationQuery
		f.EntityTypeName = s.ParentType
		f.VariableUsages = []string{"representations"}
		f.ContextRewrites = s.ContextRewrites
		// A subgraph that declares this entity @interfaceObject sees a
		// flattened object: each representation's __typename must name
		// the interface-object type going in, and the returned
		// __typename must not clobber the concrete type already merged
		// into the response tree.
		if entity, ok := s.SubGraph.GetEntity(s.ParentType); ok && entity.IsInterfaceObject() {
			f.InputRewrites = []plan.DataRewrite{{
				Kind:  plan.RewriteValueSetter,
				Path:  []plan.PathElement{{FieldName: "__typename"}},
				Value: s.ParentType,
			}}
			f.OutputRewrites = []plan.DataRewrite{{
				Kind: plan.RewriteValueSetter,
				Path: []plan.PathElement{{FieldName: "__typename"}},
			}}
		}
		return f, nil
	}

	if operationType == "" {
		operationType = "query"
	}
	doc, varNames, err := buildRootQueryText(s, operationType)
	if err != nil {
		return nil, err
	}
	f.OperationDoc = doc
	f.OperationKind = plan.OperationKind(operationType)
	f.VariableUsages = varNames
	return f, nil
}
