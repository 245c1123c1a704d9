// Package planner implements the query planner (C6): it walks a
// validated operation against the composed supergraph and produces a
// Plan (see package plan) — a directed-acyclic tree of Fetch/Sequence/
// Parallel/Flatten/Defer/Condition/Subscription nodes.
//
// Planning happens in two stages. buildFlat (this file) performs the
// decomposition/advancement/branching/costing steps of the algorithm
// against a flat step list, mirroring how the teacher's planner
// reasons about boundary fields and entity resolution. lower
// (lowering.go) turns that flat step list into the canonical plan.Node
// tree, which is what the executor actually interprets.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/token"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
	"github.com/n9te9/go-graphql-federation-gateway/internal/querygraph"
)

// StepType distinguishes a root-operation step from an entity
// resolution step.
type StepType int

const (
	StepTypeQuery StepType = iota
	StepTypeEntity
)

// step is one unit of work against a single subgraph before lowering
// into canonical plan nodes.
type step struct {
	ID            int
	SubGraph      *federation.SubGraph
	StepType      StepType
	ParentType    string
	SelectionSet  []ast.Selection
	Path          []string
	DependsOn     []int
	InsertionPath []string
	// RequiresFields names fields (beyond @key fields) that must be
	// present in the entity representation because a selected field
	// declares @requires — or @fromContext — on them.
	RequiresFields []string
	// ContextRewrites renames @fromContext source fields in each
	// representation to the argument name the subgraph expects.
	ContextRewrites []plan.DataRewrite
}

// flatPlan is the pre-lowering step list the decomposition/branching
// stages of the algorithm build up.
type flatPlan struct {
	Steps            []*step
	RootStepIndexes  []int
	OriginalDocument *ast.Document
	OperationType    string
}

// Builder walks operations against a supergraph plus its query graph
// to produce flat plans, later lowered into the canonical plan tree.
type Builder struct {
	SuperGraph *federation.SuperGraph
	Graph      *querygraph.Graph

	// resolver proves edge conditions (@key/@requires field sets)
	// satisfiable; shared with the satisfiability validator so the two
	// traverse identically.
	resolver *querygraph.ConditionResolver

	// explorationBudget bounds planning work per operation; zero means
	// unbounded.
	explorationBudget int
}

// NewBuilder constructs a Builder over a composed supergraph and its
// pre-built query graph.
func NewBuilder(superGraph *federation.SuperGraph, graph *querygraph.Graph) *Builder {
	return &Builder{
		SuperGraph: superGraph,
		Graph:      graph,
		resolver:   graph.NewConditionResolver(),
	}
}

// buildFlat performs decomposition, branching, and costing (steps 1-4
// of the algorithm), producing a flat step list. Root fields group per
// owning subgraph (deterministically — see pickOwner); boundary fields
// spawn entity steps; @provides shortcuts fold reachable-at-zero-cost
// child selections back into their parent step.
func (b *Builder) buildFlat(doc *ast.Document) (*flatPlan, error) {
	op := getOperation(doc)
	if op == nil {
		return nil, fmt.Errorf("planner: no operation found")
	}
	if len(op.SelectionSet) == 0 {
		return nil, fmt.Errorf("planner: empty selection")
	}

	fragmentDefs := collectFragmentDefinitions(doc)
	rootTypeName, err := b.getRootTypeName(op)
	if err != nil {
		return nil, err
	}

	expanded := expandFragmentsInSelections(op.SelectionSet, fragmentDefs)

	used := make(map[string]bool)
	rootFieldsBySubGraph, err := b.groupRootFields(expanded, rootTypeName, used)
	if err != nil {
		return nil, err
	}

	var dijkstraResult *querygraph.DijkstraResult
	if len(rootFieldsBySubGraph) > 1 || b.SuperGraph.SubGraphCount() > 1 {
		entryPoints := b.collectEntryPoints(expanded, rootTypeName)
		dijkstraResult = b.Graph.Dijkstra(entryPoints, b.resolver.Usable())
	}

	p := &flatPlan{OriginalDocument: doc, OperationType: string(op.Operation)}
	nextStepID := 0

	for _, subGraph := range sortedSubGraphKeys(rootFieldsBySubGraph) {
		selections := rootFieldsBySubGraph[subGraph]
		filtered := b.buildStepSelections(selections, subGraph, rootTypeName, fragmentDefs)
		s := &step{
			ID:           nextStepID,
			SubGraph:     subGraph,
			StepType:     StepTypeQuery,
			ParentType:   rootTypeName,
			SelectionSet: filtered,
			Path:         []string{rootTypeName},
		}
		p.Steps = append(p.Steps, s)
		p.RootStepIndexes = append(p.RootStepIndexes, nextStepID)
		nextStepID++
	}

	for _, idx := range p.RootStepIndexes {
		rootStep := p.Steps[idx]
		original := rootFieldsBySubGraph[rootStep.SubGraph]
		b.findAndBuildEntitySteps(original, rootStep, p, &nextStepID, rootStep.ParentType, rootStep.Path, fragmentDefs, dijkstraResult, used)
	}

	b.injectRequiresDependencies(p)
	b.injectContextDependencies(p)
	return p, nil
}

// sortedSubGraphKeys orders a root-field grouping by subgraph name so
// step IDs (and with them fetch IDs and plan shapes) are stable across
// runs.
func sortedSubGraphKeys(grouped map[*federation.SubGraph][]ast.Selection) []*federation.SubGraph {
	keys := make([]*federation.SubGraph, 0, len(grouped))
	for sg := range grouped {
		keys = append(keys, sg)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys
}

// pickOwner chooses, among the subgraphs able to resolve a field, the
// one the plan should fetch it from. Candidates unreachable from the
// current subgraph (no satisfiable key edge) are discarded; the rest
// rank by (a) fewer subgraph hops, (b) fewer new subgraphs introduced
// into the plan, (c) lexicographic subgraph name.
func (b *Builder) pickOwner(owners []*federation.SubGraph, current *federation.SubGraph, typeName string, used map[string]bool) *federation.SubGraph {
	if len(owners) == 0 {
		return nil
	}
	if len(owners) == 1 {
		return owners[0]
	}

	type ranked struct {
		sg           *federation.SubGraph
		hops         int
		newSubGraphs int
	}
	var candidates []ranked
	for _, owner := range owners {
		hops := 0
		if current != nil && owner.Name != current.Name {
			hops = b.hopsTo(current, owner, typeName)
			if hops < 0 {
				continue
			}
		}
		newSG := 1
		if used[owner.Name] || (current != nil && current.Name == owner.Name) {
			newSG = 0
		}
		candidates = append(candidates, ranked{sg: owner, hops: hops, newSubGraphs: newSG})
	}
	if len(candidates) == 0 {
		return owners[0]
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, c := candidates[i], candidates[j]
		if a.hops != c.hops {
			return a.hops < c.hops
		}
		if a.newSubGraphs != c.newSubGraphs {
			return a.newSubGraphs < c.newSubGraphs
		}
		return a.sg.Name < c.sg.Name
	})
	return candidates[0].sg
}

// hopsTo is the condition-gated shortest-path distance from current's
// type node to owner's equivalent, or -1 when no satisfiable path
// exists. At an operation root both nodes always exist and the
// distance is 0 by construction, so root grouping falls through to the
// fewer-subgraphs/lexicographic ranks.
func (b *Builder) hopsTo(current, owner *federation.SubGraph, typeName string) int {
	src := querygraph.NodeKey(current.Name, typeName, "")
	dst := querygraph.NodeKey(owner.Name, typeName, "")
	if _, ok := b.Graph.Nodes[src]; !ok {
		return -1
	}
	result := b.Graph.Dijkstra([]string{src}, b.resolver.Usable())
	if !result.Reachable(dst) {
		return -1
	}
	return result.Dist[dst]
}

func (b *Builder) groupRootFields(expanded []ast.Selection, rootTypeName string, used map[string]bool) (map[*federation.SubGraph][]ast.Selection, error) {
	grouped := make(map[*federation.SubGraph][]ast.Selection)
	var walk func(selections []ast.Selection) error
	walk = func(selections []ast.Selection) error {
		for _, sel := range selections {
			switch s := sel.(type) {
			case *ast.Field:
				name := s.Name.String()
				if isMetaField(name) {
					continue
				}
				owners := b.SuperGraph.GetSubGraphsForField(rootTypeName, name)
				if len(owners) == 0 {
					return fmt.Errorf("planner: no subgraph found for field %s.%s", rootTypeName, name)
				}
				owner := b.pickOwner(owners, nil, rootTypeName, used)
				used[owner.Name] = true
				grouped[owner] = append(grouped[owner], sel)
			case *ast.InlineFragment:
				// A fragment on the root type itself is transparent.
				if err := walk(s.SelectionSet); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(expanded); err != nil {
		return nil, err
	}
	return grouped, nil
}

func isMetaField(name string) bool {
	return name == "__typename" || name == "__schema" || name == "__type"
}

func (b *Builder) collectEntryPoints(selections []ast.Selection, rootTypeName string) []string {
	seen := make(map[string]bool)
	var entries []string
	for _, sel := range selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		name := field.Name.String()
		if isMetaField(name) {
			continue
		}
		owners := b.SuperGraph.GetSubGraphsForField(rootTypeName, name)
		for _, sg := range owners {
			fieldType, err := b.getFieldTypeName(rootTypeName, name)
			if err != nil {
				continue
			}
			key := querygraph.NodeKey(sg.Name, fieldType, "")
			if !seen[key] {
				seen[key] = true
				entries = append(entries, key)
			}
		}
	}
	return entries
}

// findAndBuildEntitySteps walks selections looking for boundary fields
// (fields owned by, or returning an entity owned by, a different
// subgraph than parentStep's). Inline fragments branch the walk per
// implementation/member: fields under a `... on Impl` cast are routed
// against Impl's own ownership. When dijkstraResult is non-nil, a
// boundary field whose entire child selection is reachable at cost 0
// via a @provides shortcut from the parent subgraph is folded directly
// into the parent step instead of spawning an entity step.
func (b *Builder) findAndBuildEntitySteps(
	selections []ast.Selection,
	parentStep *step,
	p *flatPlan,
	nextStepID *int,
	parentType string,
	currentPath []string,
	fragmentDefs map[string]*ast.FragmentDefinition,
	dijkstraResult *querygraph.DijkstraResult,
	used map[string]bool,
) {
	entityStepsByKey := make(map[string]*step)

	for _, selection := range selections {
		if frag, ok := selection.(*ast.InlineFragment); ok {
			castType := parentType
			if frag.TypeCondition != nil {
				castType = frag.TypeCondition.Name.String()
			}
			b.findAndBuildEntitySteps(frag.SelectionSet, parentStep, p, nextStepID, castType, currentPath, fragmentDefs, dijkstraResult, used)
			continue
		}

		field, ok := selection.(*ast.Field)
		if !ok {
			continue
		}
		fieldName := field.Name.String()
		if fieldName == "__typename" {
			continue
		}

		fieldType, err := b.getFieldTypeName(parentType, fieldName)
		if err != nil {
			continue
		}

		fieldIdentifier := fieldName
		if field.Alias != nil && field.Alias.String() != "" {
			fieldIdentifier = field.Alias.String()
		}
		fieldPath := append(append([]string{}, currentPath...), fieldIdentifier)

		subGraphs := b.SuperGraph.GetSubGraphsForField(parentType, fieldName)
		if len(subGraphs) == 0 {
			continue
		}
		fieldSubGraph := b.pickOwner(subGraphs, parentStep.SubGraph, parentType, used)
		entityOwnerSubGraph := b.SuperGraph.GetEntityOwnerSubGraph(fieldType)

		isBoundaryField := false
		targetSubGraph := fieldSubGraph
		if fieldSubGraph.Name != parentStep.SubGraph.Name {
			isBoundaryField = true
		} else if entityOwnerSubGraph != nil && entityOwnerSubGraph.Name != parentStep.SubGraph.Name {
			isBoundaryField = true
			targetSubGraph = entityOwnerSubGraph
		}

		if !isBoundaryField {
			if len(field.SelectionSet) > 0 {
				b.findAndBuildEntitySteps(field.SelectionSet, parentStep, p, nextStepID, fieldType, fieldPath, fragmentDefs, dijkstraResult, used)
			}
			continue
		}

		if dijkstraResult != nil && b.canResolveViaProvides(field.SelectionSet, parentStep.SubGraph, parentType, fieldName, fieldType) {
			parentStep.SelectionSet = b.injectProvidedFields(parentStep.SelectionSet, fieldName, field.SelectionSet, parentStep.SubGraph, fieldType, fragmentDefs)
			continue
		}

		var entityTypeToResolve string
		_, parentIsExtendedInTarget := targetSubGraph.GetEntity(parentType)
		if parentIsExtendedInTarget {
			entityTypeToResolve = parentType
		} else {
			entityTypeToResolve = fieldType
		}

		isNestedEntity := entityOwnerSubGraph != nil && entityOwnerSubGraph.Name == targetSubGraph.Name
		boundaryFieldPath := append(append([]string{}, currentPath...), fieldName)
		stepKey := fmt.Sprintf("%s:%s:%d:%s", targetSubGraph.Name, entityTypeToResolve, parentStep.ID, strings.Join(boundaryFieldPath, "."))

		if existing, exists := entityStepsByKey[stepKey]; exists {
			existing.SelectionSet = b.mergeSelections(existing.SelectionSet, []ast.Selection{selection}, targetSubGraph, entityTypeToResolve, fragmentDefs)
			continue
		}

		used[targetSubGraph.Name] = true

		var entitySelections []ast.Selection
		var insertionPath []string
		if entityTypeToResolve == parentType {
			entitySelections = b.buildEntityStepSelections([]ast.Selection{selection}, targetSubGraph, parentType, entityTypeToResolve, fragmentDefs)
			insertionPath = currentPath
		} else {
			entitySelections = b.buildEntityStepSelections(field.SelectionSet, targetSubGraph, entityTypeToResolve, entityTypeToResolve, fragmentDefs)
			insertionPath = append(currentPath, fieldName)
		}

		newStep := &step{
			ID:            *nextStepID,
			SubGraph:      targetSubGraph,
			StepType:      StepTypeEntity,
			ParentType:    entityTypeToResolve,
			SelectionSet:  entitySelections,
			Path:          fieldPath,
			DependsOn:     []int{parentStep.ID},
			InsertionPath: insertionPath,
		}
		p.Steps = append(p.Steps, newStep)
		entityStepsByKey[stepKey] = newStep
		*nextStepID++

		var relativePathForParent []string
		if len(parentStep.InsertionPath) == 0 {
			if len(currentPath) > 0 && currentPath[0] == "Query" {
				relativePathForParent = currentPath[1:]
			} else {
				relativePathForParent = currentPath
			}
		} else {
			relativePathForParent = currentPath[len(parentStep.InsertionPath):]
		}
		if isNestedEntity && entityTypeToResolve != parentType {
			relativePathForParent = append(relativePathForParent, fieldName)
		}

		b.injectKeyFieldsIntoParentStep(parentStep, entityTypeToResolve, targetSubGraph, relativePathForParent)

		if len(field.SelectionSet) > 0 {
			nestedParentType := entityTypeToResolve
			if entityTypeToResolve == parentType {
				nestedParentType = fieldType
			}
			b.findAndBuildEntitySteps(field.SelectionSet, newStep, p, nextStepID, nestedParentType, fieldPath, fragmentDefs, dijkstraResult, used)
		}
	}
}

// canResolveViaProvides reports whether every child selection of a
// boundary field is reachable at cost 0 via a @provides shortcut edge
// from the parent subgraph's field node.
func (b *Builder) canResolveViaProvides(childSelections []ast.Selection, parentSG *federation.SubGraph, parentType, fieldName, fieldType string) bool {
	if len(childSelections) == 0 {
		return false
	}
	srcKey := querygraph.NodeKey(parentSG.Name, parentType, fieldName)
	srcNode, ok := b.Graph.Nodes[srcKey]
	if !ok {
		return false
	}
	var provided []*querygraph.Edge
	for _, e := range srcNode.Edges {
		if e.Provided {
			provided = append(provided, e)
		}
	}
	if len(provided) == 0 {
		return false
	}
	for _, sel := range childSelections {
		childField, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		name := childField.Name.String()
		if name == "__typename" {
			continue
		}
		found := false
		for _, e := range provided {
			node, exists := b.Graph.Nodes[e.To]
			if exists && node.TypeName == fieldType && node.FieldName == name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (b *Builder) injectProvidedFields(selections []ast.Selection, fieldName string, childSelections []ast.Selection, sg *federation.SubGraph, fieldType string, fragmentDefs map[string]*ast.FragmentDefinition) []ast.Selection {
	for _, sel := range selections {
		f, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		if f.Name.String() == fieldName {
			filtered := b.buildStepSelections(childSelections, sg, fieldType, fragmentDefs)
			f.SelectionSet = mergeSelectionsByName(f.SelectionSet, filtered)
			return selections
		}
	}
	newField := &ast.Field{
		Name:         &ast.Name{Value: fieldName},
		SelectionSet: b.buildStepSelections(childSelections, sg, fieldType, fragmentDefs),
	}
	return append(selections, newField)
}

func mergeSelectionsByName(existing, additions []ast.Selection) []ast.Selection {
	names := make(map[string]bool)
	for _, sel := range existing {
		if f, ok := sel.(*ast.Field); ok {
			names[f.Name.String()] = true
		}
	}
	result := append([]ast.Selection{}, existing...)
	for _, sel := range additions {
		if f, ok := sel.(*ast.Field); ok && !names[f.Name.String()] {
			result = append(result, sel)
			names[f.Name.String()] = true
		}
	}
	return result
}

// injectRequiresDependencies walks every entity step and, for each
// selected field that declares @requires, injects the required field
// names into the parent step at the entity's insertion point so the
// representation built for the entity fetch carries them.
func (b *Builder) injectRequiresDependencies(p *flatPlan) {
	stepByID := make(map[int]*step, len(p.Steps))
	for _, s := range p.Steps {
		stepByID[s.ID] = s
	}

	for _, s := range p.Steps {
		if s.StepType != StepTypeEntity || len(s.DependsOn) == 0 {
			continue
		}
		entity, ok := s.SubGraph.GetEntity(s.ParentType)
		if !ok {
			continue
		}
		parent := stepByID[s.DependsOn[0]]
		if parent == nil {
			continue
		}

		var required []string
		for _, sel := range s.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			fieldDef, ok := entity.Fields[field.Name.String()]
			if !ok || len(fieldDef.Requires) == 0 {
				continue
			}
			required = append(required, fieldDef.Requires...)
		}
		if len(required) == 0 {
			continue
		}

		parent.SelectionSet = b.ensureAndInjectKeyFields(parent.SelectionSet, b.relativeToParent(parent, s), required)
		s.RequiresFields = append(s.RequiresFields, required...)
	}
}

// injectContextDependencies gives every @fromContext argument a value
// path: the context source field is injected into the parent fetch
// (like a @requires field) and a KeyRenamer context rewrite renames it
// in each representation to the argument name the subgraph expects.
func (b *Builder) injectContextDependencies(p *flatPlan) {
	stepByID := make(map[int]*step, len(p.Steps))
	for _, s := range p.Steps {
		stepByID[s.ID] = s
	}

	for _, s := range p.Steps {
		if s.StepType != StepTypeEntity || len(s.DependsOn) == 0 {
			continue
		}
		entity, ok := s.SubGraph.GetEntity(s.ParentType)
		if !ok {
			continue
		}
		parent := stepByID[s.DependsOn[0]]
		if parent == nil {
			continue
		}

		for _, sel := range s.SelectionSet {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			fieldDef, ok := entity.Fields[field.Name.String()]
			if !ok || fieldDef.FromContext == "" {
				continue
			}
			ctxField := fieldDef.FromContext
			argName := b.firstArgumentName(s.SubGraph, s.ParentType, field.Name.String())
			if argName == "" {
				argName = ctxField
			}

			parent.SelectionSet = b.ensureAndInjectKeyFields(parent.SelectionSet, b.relativeToParent(parent, s), []string{ctxField})
			s.RequiresFields = append(s.RequiresFields, ctxField)
			s.ContextRewrites = append(s.ContextRewrites, plan.DataRewrite{
				Kind:     plan.RewriteKeyRenamer,
				Path:     []plan.PathElement{{FieldName: ctxField}},
				RenameTo: argName,
			})
		}
	}
}

func (b *Builder) relativeToParent(parent, s *step) []string {
	if len(parent.InsertionPath) == 0 {
		if len(s.InsertionPath) > 0 && s.InsertionPath[0] == "Query" {
			return s.InsertionPath[1:]
		}
		return s.InsertionPath
	}
	if len(s.InsertionPath) >= len(parent.InsertionPath) {
		return s.InsertionPath[len(parent.InsertionPath):]
	}
	return s.InsertionPath
}

func (b *Builder) firstArgumentName(sg *federation.SubGraph, typeName, fieldName string) string {
	for _, def := range sg.Schema.Definitions {
		objType, ok := def.(*ast.ObjectTypeDefinition)
		if !ok || objType.Name.String() != typeName {
			continue
		}
		for _, field := range objType.Fields {
			if field.Name.String() == fieldName && len(field.Arguments) > 0 {
				return field.Arguments[0].Name.String()
			}
		}
	}
	return ""
}

// buildStepSelections builds a new SelectionSet containing only fields
// the given subgraph resolves. Inline fragments branch the walk per
// implementation: a cast whose type condition differs from the parent
// type is preserved as a cast — unless the subgraph declares the
// parent type @interfaceObject, in which case the subgraph sees a
// flattened object and must never receive a __typename-narrowed
// selection, so the fragment's fields are folded in without the cast.
func (b *Builder) buildStepSelections(selections []ast.Selection, subGraph *federation.SubGraph, parentType string, fragmentDefs map[string]*ast.FragmentDefinition) []ast.Selection {
	result := make([]ast.Selection, 0)
	hasTypename := false

	for _, selection := range selections {
		switch sel := selection.(type) {
		case *ast.Field:
			fieldName := sel.Name.String()
			if fieldName == "__typename" {
				hasTypename = true
				result = append(result, typenameField())
				continue
			}

			subGraphs := b.SuperGraph.GetSubGraphsForField(parentType, fieldName)
			if !ownedBy(subGraphs, subGraph) {
				continue
			}

			fieldType, err := b.getFieldTypeName(parentType, fieldName)
			if err != nil {
				fieldType = ""
			}

			newField := &ast.Field{
				Alias:      sel.Alias,
				Name:       sel.Name,
				Arguments:  sel.Arguments,
				Directives: sel.Directives,
			}

			if len(sel.SelectionSet) > 0 && fieldType != "" {
				children := b.buildStepSelections(sel.SelectionSet, subGraph, fieldType, fragmentDefs)
				if len(children) == 0 {
					children = append(children, typenameField())
				}
				newField.SelectionSet = children
			}

			result = append(result, newField)

		case *ast.InlineFragment:
			typeCondition := parentType
			if sel.TypeCondition != nil {
				typeCondition = sel.TypeCondition.Name.String()
			}
			children := b.buildStepSelections(sel.SelectionSet, subGraph, typeCondition, fragmentDefs)
			if len(children) == 0 {
				continue
			}
			if typeCondition == parentType || b.seesFlatObject(subGraph, parentType) {
				result = append(result, children...)
				continue
			}
			result = append(result, &ast.InlineFragment{
				TypeCondition: sel.TypeCondition,
				SelectionSet:  children,
			})

		case *ast.FragmentSpread:
			fragDef, ok := fragmentDefs[sel.Name.String()]
			if !ok {
				continue
			}
			typeCondition := fragDef.TypeCondition.Name.String()
			children := b.buildStepSelections(fragDef.SelectionSet, subGraph, typeCondition, fragmentDefs)
			if len(children) == 0 {
				continue
			}
			if typeCondition == parentType || b.seesFlatObject(subGraph, parentType) {
				result = append(result, children...)
				continue
			}
			result = append(result, &ast.InlineFragment{
				TypeCondition: fragDef.TypeCondition,
				SelectionSet:  children,
			})
		}
	}

	isRootType := parentType == "Query" || parentType == "Mutation" || parentType == "Subscription"
	if !hasTypename && !isRootType && len(result) > 0 {
		result = append([]ast.Selection{typenameField()}, result...)
	}

	return result
}

// ownedBy reports whether sg appears anywhere in the owner list: a
// field is requestable from any subgraph able to resolve it, not only
// the most-preferred one (which pickOwner chooses for routing).
func ownedBy(owners []*federation.SubGraph, sg *federation.SubGraph) bool {
	for _, owner := range owners {
		if owner.Name == sg.Name {
			return true
		}
	}
	return false
}

// seesFlatObject reports whether sg declares typeName @interfaceObject:
// from sg's perspective the type is a plain object with no concrete
// implementations, so a plan must never send it __typename-narrowed
// selections.
func (b *Builder) seesFlatObject(sg *federation.SubGraph, typeName string) bool {
	entity, ok := sg.GetEntity(typeName)
	return ok && entity.IsInterfaceObject()
}

func (b *Builder) buildEntityStepSelections(selections []ast.Selection, subGraph *federation.SubGraph, parentType string, entityType string, fragmentDefs map[string]*ast.FragmentDefinition) []ast.Selection {
	result := make([]ast.Selection, 0)

	for _, keyField := range b.getKeyFields(entityType, subGraph) {
		result = append(result, fieldByName(keyField))
	}

	for _, selection := range selections {
		if frag, ok := selection.(*ast.InlineFragment); ok {
			typeCondition := parentType
			if frag.TypeCondition != nil {
				typeCondition = frag.TypeCondition.Name.String()
			}
			children := b.buildStepSelections(frag.SelectionSet, subGraph, typeCondition, fragmentDefs)
			if len(children) == 0 {
				continue
			}
			if typeCondition == parentType || b.seesFlatObject(subGraph, parentType) {
				result = append(result, children...)
				continue
			}
			result = append(result, &ast.InlineFragment{TypeCondition: frag.TypeCondition, SelectionSet: children})
			continue
		}

		field, ok := selection.(*ast.Field)
		if !ok {
			continue
		}
		fieldName := field.Name.String()
		if fieldName == "__typename" {
			continue
		}

		fieldType, err := b.getFieldTypeName(parentType, fieldName)
		if err != nil {
			continue
		}

		newField := &ast.Field{
			Alias:      field.Alias,
			Name:       field.Name,
			Arguments:  field.Arguments,
			Directives: field.Directives,
		}

		if len(field.SelectionSet) > 0 {
			children := b.buildStepSelections(field.SelectionSet, subGraph, fieldType, fragmentDefs)
			newField.SelectionSet = children
			if len(children) > 0 {
				result = append(result, newField)
			}
		} else {
			owners := b.SuperGraph.GetSubGraphsForField(entityType, fieldName)
			if ownedBy(owners, subGraph) {
				result = append(result, newField)
			}
		}
	}

	return result
}

func (b *Builder) mergeSelections(existing, newSels []ast.Selection, subGraph *federation.SubGraph, parentType string, fragmentDefs map[string]*ast.FragmentDefinition) []ast.Selection {
	merged := append(existing, newSels...)
	return b.buildStepSelections(merged, subGraph, parentType, fragmentDefs)
}

// getKeyFields returns __typename plus the fields of an entity's
// first resolvable @key (composite keys split on whitespace).
func (b *Builder) getKeyFields(typeName string, subGraph *federation.SubGraph) []string {
	entity, exists := subGraph.GetEntity(typeName)
	if !exists || len(entity.Keys) == 0 {
		return []string{"__typename"}
	}
	result := []string{"__typename"}
	for _, k := range entity.Keys {
		if k.Resolvable {
			result = append(result, strings.Fields(k.FieldSet)...)
			return result
		}
	}
	result = append(result, strings.Fields(entity.Keys[0].FieldSet)...)
	return result
}

func (b *Builder) injectKeyFieldsIntoParentStep(parentStep *step, entityType string, childSubGraph *federation.SubGraph, insertionPath []string) {
	if len(insertionPath) == 0 {
		return
	}
	keyFields := b.getKeyFields(entityType, childSubGraph)
	parentStep.SelectionSet = b.ensureAndInjectKeyFields(parentStep.SelectionSet, insertionPath, keyFields)
}

// ensureAndInjectKeyFields walks path into selections, creating any
// missing field along the way, and injects extraFields (key fields or
// @requires fields) as leaf selections at the end of path.
func (b *Builder) ensureAndInjectKeyFields(selections []ast.Selection, path []string, extraFields []string) []ast.Selection {
	if len(path) == 0 {
		return selections
	}

	target := path[0]
	var targetField *ast.Field
	for _, sel := range selections {
		if field, ok := sel.(*ast.Field); ok {
			identifier := field.Name.String()
			if field.Alias != nil && field.Alias.String() != "" {
				identifier = field.Alias.String()
			}
			if identifier == target {
				targetField = field
				break
			}
		}
	}

	if targetField == nil {
		targetField = &ast.Field{
			Name:         &ast.Name{Token: token.Token{Type: token.IDENT, Literal: target}, Value: target},
			SelectionSet: make([]ast.Selection, 0),
		}
		selections = append(selections, targetField)
	}

	if len(path) == 1 {
		existing := make(map[string]bool)
		for _, sel := range targetField.SelectionSet {
			if f, ok := sel.(*ast.Field); ok {
				existing[f.Name.String()] = true
			}
		}
		for _, name := range extraFields {
			if !existing[name] {
				targetField.SelectionSet = append(targetField.SelectionSet, fieldByName(name))
				existing[name] = true
			}
		}
	} else {
		targetField.SelectionSet = b.ensureAndInjectKeyFields(targetField.SelectionSet, path[1:], extraFields)
	}

	return selections
}

func getOperation(doc *ast.Document) *ast.OperationDefinition {
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok {
			return op
		}
	}
	return nil
}

func collectFragmentDefinitions(doc *ast.Document) map[string]*ast.FragmentDefinition {
	fragments := make(map[string]*ast.FragmentDefinition)
	for _, def := range doc.Definitions {
		if fragDef, ok := def.(*ast.FragmentDefinition); ok {
			fragments[fragDef.Name.String()] = fragDef
		}
	}
	return fragments
}

// expandFragmentsInSelections resolves fragment spreads but PRESERVES
// type-condition boundaries: a named fragment becomes an inline
// fragment with the same type condition, and inline fragments keep
// their casts, so the later per-implementation branching can route
// each cast's fields against its own type. Only a fragment with no
// type condition at all is flattened here.
func expandFragmentsInSelections(selections []ast.Selection, fragmentDefs map[string]*ast.FragmentDefinition) []ast.Selection {
	result := make([]ast.Selection, 0)
	for _, selection := range selections {
		switch sel := selection.(type) {
		case *ast.Field:
			if len(sel.SelectionSet) > 0 {
				newField := &ast.Field{Alias: sel.Alias, Name: sel.Name, Arguments: sel.Arguments, Directives: sel.Directives}
				newField.SelectionSet = expandFragmentsInSelections(sel.SelectionSet, fragmentDefs)
				result = append(result, newField)
			} else {
				result = append(result, sel)
			}
		case *ast.InlineFragment:
			if sel.TypeCondition == nil {
				result = append(result, expandFragmentsInSelections(sel.SelectionSet, fragmentDefs)...)
				continue
			}
			result = append(result, &ast.InlineFragment{
				TypeCondition: sel.TypeCondition,
				SelectionSet:  expandFragmentsInSelections(sel.SelectionSet, fragmentDefs),
			})
		case *ast.FragmentSpread:
			fragDef, ok := fragmentDefs[sel.Name.String()]
			if !ok {
				continue
			}
			result = append(result, &ast.InlineFragment{
				TypeCondition: fragDef.TypeCondition,
				SelectionSet:  expandFragmentsInSelections(fragDef.SelectionSet, fragmentDefs),
			})
		default:
			result = append(result, sel)
		}
	}
	return result
}

func (b *Builder) getRootTypeName(op *ast.OperationDefinition) (string, error) {
	rootTypeName := ""
	switch op.Operation {
	case ast.Query:
		rootTypeName = "Query"
	case ast.Mutation:
		rootTypeName = "Mutation"
	case ast.Subscription:
		rootTypeName = "Subscription"
	default:
		return "", fmt.Errorf("planner: unknown operation type: %v", op.Operation)
	}

	for _, def := range b.SuperGraph.Schema.Definitions {
		sd, ok := def.(*ast.SchemaDefinition)
		if !ok {
			continue
		}
		for _, ot := range sd.OperationTypes {
			if (ot.Operation == token.QUERY && op.Operation == ast.Query) ||
				(ot.Operation == token.MUTATION && op.Operation == ast.Mutation) ||
				(ot.Operation == token.SUBSCRIPTION && op.Operation == ast.Subscription) {
				rootTypeName = ot.Type.Name.String()
			}
		}
	}

	return rootTypeName, nil
}

// getFieldTypeName resolves a field's unqualified result type against
// the composed schema, consulting both object and interface
// declarations so selections directly on an interface type plan.
func (b *Builder) getFieldTypeName(parentTypeName, fieldName string) (string, error) {
	if fieldName == "__typename" {
		return "String", nil
	}
	for _, def := range b.SuperGraph.Schema.Definitions {
		var name string
		var fields []*ast.FieldDefinition
		switch td := def.(type) {
		case *ast.ObjectTypeDefinition:
			name, fields = td.Name.String(), td.Fields
		case *ast.InterfaceTypeDefinition:
			name, fields = td.Name.String(), td.Fields
		default:
			continue
		}
		if name != parentTypeName {
			continue
		}
		for _, field := range fields {
			if field.Name.String() == fieldName {
				return namedTypeName(field.Type), nil
			}
		}
	}
	return "", fmt.Errorf("planner: field %s not found in type %s", fieldName, parentTypeName)
}

func namedTypeName(t ast.Type) string {
	switch typ := t.(type) {
	case *ast.NamedType:
		return typ.Name.String()
	case *ast.ListType:
		return namedTypeName(typ.Type)
	case *ast.NonNullType:
		return namedTypeName(typ.Type)
	default:
		return ""
	}
}

func typenameField() *ast.Field {
	return &ast.Field{Name: &ast.Name{Token: token.Token{Type: token.IDENT, Literal: "__typename"}, Value: "__typename"}}
}

func fieldByName(name string) *ast.Field {
	return &ast.Field{Name: &ast.Name{Token: token.Token{Type: token.IDENT, Literal: name}, Value: name}}
}
