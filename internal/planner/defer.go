package planner

import (
	"fmt"
	"strconv"

	"github.com/n9te9/graphql-parser/ast"

	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
)

// deferredSelection is one `... @defer` application found while walking
// the operation: the selections it defers, the field chain from the
// operation root down to the fragment (kept whole so argument lists
// survive when the deferred sub-operation is rebuilt), and its label.
type deferredSelection struct {
	Label      string
	Ancestors  []*ast.Field
	Selections []ast.Selection
}

// buildPlan is the full planning entry point: it splits out root-level
// @include/@skip conditions, extracts @defer fragments, plans the
// primary and each deferred selection independently, and combines the
// results into one canonical plan tree. Subscriptions lower their
// single root fetch into a Subscription node.
func (b *Builder) buildPlan(doc *ast.Document) (*plan.Plan, error) {
	op := getOperation(doc)
	if op == nil {
		return nil, fmt.Errorf("planner: no operation found")
	}

	if err := b.checkExplorationBudget(doc, op); err != nil {
		return nil, err
	}

	unconditional, conditioned := splitRootConditions(op.SelectionSet)

	root, opType, err := b.planSelections(doc, op, unconditional)
	if err != nil {
		return nil, err
	}

	for _, group := range conditioned {
		node, _, err := b.planSelections(doc, op, group.Selections)
		if err != nil {
			return nil, err
		}
		cond := &plan.Condition{Variable: group.Variable}
		if group.Negated {
			cond.ElseClause = node
		} else {
			cond.IfClause = node
		}
		if root == nil {
			root = cond
		} else {
			root = combineParallel(root, cond)
		}
	}

	if root == nil {
		return nil, fmt.Errorf("planner: empty selection")
	}

	if op.Operation == ast.Subscription {
		sub, err := toSubscriptionRoot(root)
		if err != nil {
			return nil, err
		}
		root = sub
	}

	return &plan.Plan{Root: root, OperationType: plan.OperationKind(opType)}, nil
}

// planSelections plans one selection group: defers are peeled off,
// the remainder goes through the flat decomposition, and the deferred
// selections become DeferredBlocks depending on every primary fetch.
// A nil node with no error means the group had no selections. When
// every selection in the group is deferred, the result is a Defer node
// whose PrimaryNode is nil; the executor skips the missing primary and
// still emits the (empty) initial chunk.
func (b *Builder) planSelections(doc *ast.Document, op *ast.OperationDefinition, selections []ast.Selection) (plan.Node, string, error) {
	if len(selections) == 0 {
		return nil, string(op.Operation), nil
	}

	fragmentDefs := collectFragmentDefinitions(doc)
	stripped, deferred := extractDefers(selections, nil, fragmentDefs, newLabelSequence())

	primaryDoc := docWithSelections(doc, op, stripped)
	var primary plan.Node
	opType := string(op.Operation)
	if len(stripped) > 0 {
		flat, err := b.buildFlat(primaryDoc)
		if err != nil {
			return nil, "", err
		}
		built, err := lower(flat)
		if err != nil {
			return nil, "", err
		}
		primary = built.Root
		opType = string(built.OperationType)
	}

	if len(deferred) == 0 {
		return primary, opType, nil
	}

	deps := collectFetchIDs(primary)
	blocks := make([]plan.DeferredBlock, 0, len(deferred))
	for _, d := range deferred {
		block := plan.DeferredBlock{
			Depends:   deps,
			Label:     d.Label,
			QueryPath: ancestorQueryPath(d.Ancestors),
		}
		if len(d.Selections) > 0 {
			subDoc := docWithSelections(doc, op, rewrapSelections(d.Ancestors, d.Selections))
			flat, err := b.buildFlat(subDoc)
			if err != nil {
				return nil, "", err
			}
			built, err := lower(flat)
			if err != nil {
				return nil, "", err
			}
			renameFetchIDs(built.Root, d.Label)
			block.Node = built.Root
		}
		blocks = append(blocks, block)
	}

	return &plan.Defer{PrimaryNode: primary, Deferred: blocks}, opType, nil
}

// labelSequence hands out stable generated labels for @defer
// applications with no explicit label argument, in traversal order.
type labelSequence struct{ n int }

func newLabelSequence() *labelSequence { return &labelSequence{} }

func (ls *labelSequence) next() string {
	label := "defer-" + strconv.Itoa(ls.n)
	ls.n++
	return label
}

// extractDefers walks selections depth-first, removing every inline
// fragment (or named fragment spread) carrying @defer and recording it
// as a deferredSelection. The returned selection list is the primary
// selection, with deferred fragments gone and all other structure kept.
// The walk descends through fields only: an inline fragment or spread
// without @defer is kept whole, and a @defer nested inside it is not
// extracted.
func extractDefers(selections []ast.Selection, ancestors []*ast.Field, fragmentDefs map[string]*ast.FragmentDefinition, labels *labelSequence) ([]ast.Selection, []deferredSelection) {
	var kept []ast.Selection
	var blocks []deferredSelection

	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			if len(s.SelectionSet) == 0 {
				kept = append(kept, s)
				continue
			}
			childAncestors := append(append([]*ast.Field{}, ancestors...), s)
			childKept, childBlocks := extractDefers(s.SelectionSet, childAncestors, fragmentDefs, labels)
			blocks = append(blocks, childBlocks...)
			if len(childKept) == 0 && len(childBlocks) > 0 {
				// Everything under this field was deferred: keep the
				// field with a __typename placeholder so the primary
				// fetch still resolves the parent object.
				childKept = []ast.Selection{typenameField()}
			}
			kept = append(kept, &ast.Field{
				Alias:        s.Alias,
				Name:         s.Name,
				Arguments:    s.Arguments,
				Directives:   s.Directives,
				SelectionSet: childKept,
			})

		case *ast.InlineFragment:
			if d := findDirective(s.Directives, "defer"); d != nil {
				blocks = append(blocks, deferredSelection{
					Label:      deferLabel(d, labels),
					Ancestors:  ancestors,
					Selections: s.SelectionSet,
				})
				continue
			}
			kept = append(kept, s)

		case *ast.FragmentSpread:
			if d := findDirective(s.Directives, "defer"); d != nil {
				frag, ok := fragmentDefs[s.Name.String()]
				if !ok {
					continue
				}
				blocks = append(blocks, deferredSelection{
					Label:      deferLabel(d, labels),
					Ancestors:  ancestors,
					Selections: frag.SelectionSet,
				})
				continue
			}
			kept = append(kept, s)

		default:
			kept = append(kept, sel)
		}
	}

	return kept, blocks
}

func findDirective(directives []*ast.Directive, name string) *ast.Directive {
	for _, d := range directives {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func deferLabel(d *ast.Directive, labels *labelSequence) string {
	for _, arg := range d.Arguments {
		if arg.Name.String() == "label" {
			if sv, ok := arg.Value.(*ast.StringValue); ok && sv.Value != "" {
				return sv.Value
			}
		}
	}
	return labels.next()
}

// ancestorQueryPath is the response path (alias-aware) from the
// operation root to a deferred fragment's enclosing field.
func ancestorQueryPath(ancestors []*ast.Field) []plan.PathElement {
	elems := make([]plan.PathElement, 0, len(ancestors))
	for _, f := range ancestors {
		name := f.Name.String()
		elem := plan.PathElement{FieldName: name}
		if f.Alias != nil && f.Alias.String() != "" {
			elem.ResponseName = f.Alias.String()
		}
		elems = append(elems, elem)
	}
	return elems
}

// rewrapSelections rebuilds the field chain from the operation root to
// a deferred fragment so the deferred selections plan as a standalone
// operation: each ancestor field is copied with its original arguments
// and a single child, the next link in the chain.
func rewrapSelections(ancestors []*ast.Field, selections []ast.Selection) []ast.Selection {
	wrapped := selections
	for i := len(ancestors) - 1; i >= 0; i-- {
		a := ancestors[i]
		wrapped = []ast.Selection{&ast.Field{
			Alias:        a.Alias,
			Name:         a.Name,
			Arguments:    a.Arguments,
			SelectionSet: wrapped,
		}}
	}
	return wrapped
}

// docWithSelections clones doc replacing its operation's selection set,
// keeping every fragment definition intact.
func docWithSelections(doc *ast.Document, op *ast.OperationDefinition, selections []ast.Selection) *ast.Document {
	out := &ast.Document{Definitions: make([]ast.Definition, 0, len(doc.Definitions))}
	for _, def := range doc.Definitions {
		if o, ok := def.(*ast.OperationDefinition); ok && o == op {
			out.Definitions = append(out.Definitions, &ast.OperationDefinition{
				Operation:           op.Operation,
				Name:                op.Name,
				VariableDefinitions: op.VariableDefinitions,
				SelectionSet:        selections,
			})
			continue
		}
		out.Definitions = append(out.Definitions, def)
	}
	return out
}

// conditionGroup is one set of root selections sharing an
// @include(if: $var) or @skip(if: $var) application.
type conditionGroup struct {
	Variable   string
	Negated    bool // true for @skip
	Selections []ast.Selection
}

// splitRootConditions separates root selections carrying a
// variable-valued @include/@skip from unconditional ones. Literal
// if: true/false applications are folded immediately: always-included
// selections join the unconditional group, always-skipped ones vanish.
func splitRootConditions(selections []ast.Selection) ([]ast.Selection, []conditionGroup) {
	var unconditional []ast.Selection
	groupIndex := make(map[string]int)
	var groups []conditionGroup

	for _, sel := range selections {
		field, ok := sel.(*ast.Field)
		if !ok {
			unconditional = append(unconditional, sel)
			continue
		}

		variable, negated, literal, hasLiteral, found := conditionOf(field.Directives)
		if !found {
			unconditional = append(unconditional, sel)
			continue
		}

		stripped := &ast.Field{
			Alias:        field.Alias,
			Name:         field.Name,
			Arguments:    field.Arguments,
			Directives:   withoutConditionDirectives(field.Directives),
			SelectionSet: field.SelectionSet,
		}

		if hasLiteral {
			include := literal != negated
			if include {
				unconditional = append(unconditional, stripped)
			}
			continue
		}

		key := variable
		if negated {
			key = "!" + variable
		}
		idx, ok := groupIndex[key]
		if !ok {
			idx = len(groups)
			groupIndex[key] = idx
			groups = append(groups, conditionGroup{Variable: variable, Negated: negated})
		}
		groups[idx].Selections = append(groups[idx].Selections, stripped)
	}

	return unconditional, groups
}

func conditionOf(directives []*ast.Directive) (variable string, negated, literal, hasLiteral, found bool) {
	for _, d := range directives {
		if d.Name != "include" && d.Name != "skip" {
			continue
		}
		negated = d.Name == "skip"
		for _, arg := range d.Arguments {
			if arg.Name.String() != "if" {
				continue
			}
			switch v := arg.Value.(type) {
			case *ast.Variable:
				return v.Name, negated, false, false, true
			case *ast.BooleanValue:
				return "", negated, v.Value, true, true
			}
		}
	}
	return "", false, false, false, false
}

func withoutConditionDirectives(directives []*ast.Directive) []*ast.Directive {
	var kept []*ast.Directive
	for _, d := range directives {
		if d.Name == "include" || d.Name == "skip" {
			continue
		}
		kept = append(kept, d)
	}
	return kept
}

func combineParallel(a, b plan.Node) plan.Node {
	if p, ok := a.(*plan.Parallel); ok {
		p.Nodes = append(p.Nodes, b)
		return p
	}
	return &plan.Parallel{Nodes: []plan.Node{a, b}}
}

// toSubscriptionRoot rewrites a subscription plan's root so the single
// long-lived upstream fetch is the Subscription's primary and anything
// sequenced after it runs per received event.
func toSubscriptionRoot(root plan.Node) (plan.Node, error) {
	switch n := root.(type) {
	case *plan.Fetch:
		n.OperationKind = plan.OperationSubscription
		return &plan.Subscription{Primary: n}, nil
	case *plan.Sequence:
		if len(n.Nodes) == 0 {
			return nil, fmt.Errorf("planner: empty subscription plan")
		}
		primary, ok := n.Nodes[0].(*plan.Fetch)
		if !ok {
			return nil, fmt.Errorf("planner: subscription must start with a single root fetch, got %T", n.Nodes[0])
		}
		primary.OperationKind = plan.OperationSubscription
		var rest plan.Node
		if len(n.Nodes) == 2 {
			rest = n.Nodes[1]
		} else if len(n.Nodes) > 2 {
			rest = &plan.Sequence{Nodes: n.Nodes[1:]}
		}
		return &plan.Subscription{Primary: primary, Rest: rest}, nil
	default:
		return nil, fmt.Errorf("planner: subscription operations must resolve to one upstream stream, got %T", root)
	}
}

// collectFetchIDs gathers every Fetch ID in a plan subtree, in
// traversal order; deferred blocks reference these as dependencies.
func collectFetchIDs(node plan.Node) []string {
	var ids []string
	var walk func(plan.Node)
	walk = func(n plan.Node) {
		switch v := n.(type) {
		case *plan.Fetch:
			ids = append(ids, v.ID)
		case *plan.Sequence:
			for _, c := range v.Nodes {
				walk(c)
			}
		case *plan.Parallel:
			for _, c := range v.Nodes {
				walk(c)
			}
		case *plan.Flatten:
			walk(v.Child)
		case *plan.Condition:
			if v.IfClause != nil {
				walk(v.IfClause)
			}
			if v.ElseClause != nil {
				walk(v.ElseClause)
			}
		case *plan.Defer:
			walk(v.PrimaryNode)
		case nil:
		}
	}
	if node != nil {
		walk(node)
	}
	return ids
}

// renameFetchIDs prefixes every Fetch ID in a deferred sub-plan so IDs
// stay unique across the primary plan and all deferred blocks.
func renameFetchIDs(node plan.Node, prefix string) {
	var walk func(plan.Node)
	walk = func(n plan.Node) {
		switch v := n.(type) {
		case *plan.Fetch:
			v.ID = prefix + "/" + v.ID
		case *plan.Sequence:
			for _, c := range v.Nodes {
				walk(c)
			}
		case *plan.Parallel:
			for _, c := range v.Nodes {
				walk(c)
			}
		case *plan.Flatten:
			walk(v.Child)
		case *plan.Defer:
			walk(v.PrimaryNode)
		case nil:
		}
	}
	if node != nil {
		walk(node)
	}
}

// checkExplorationBudget bounds planning work before decomposition
// begins. The flat planner visits a bounded number of graph nodes per
// selection, so the number of selections in the fully fragment-expanded
// operation is the budget's unit.
func (b *Builder) checkExplorationBudget(doc *ast.Document, op *ast.OperationDefinition) error {
	if b.explorationBudget <= 0 {
		return nil
	}
	fragmentDefs := collectFragmentDefinitions(doc)
	expanded := expandFragmentsInSelections(op.SelectionSet, fragmentDefs)
	if n := countSelections(expanded); n > b.explorationBudget {
		return fmt.Errorf("planner: query too complex: %d selections exceeds exploration budget %d", n, b.explorationBudget)
	}
	return nil
}

func countSelections(selections []ast.Selection) int {
	n := 0
	for _, sel := range selections {
		n++
		switch s := sel.(type) {
		case *ast.Field:
			n += countSelections(s.SelectionSet)
		case *ast.InlineFragment:
			n += countSelections(s.SelectionSet)
		}
	}
	return n
}
