package planner_test

import (
	"context"
	"testing"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/parser"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
	"github.com/n9te9/go-graphql-federation-gateway/internal/querygraph"
)

func newSingleSubGraphPlanner(t *testing.T, opts ...planner.Option) *planner.Planner {
	t.Helper()
	accountsSG := mustSubGraph(t, "accounts", `
		type User @key(fields: "id") {
			id: ID!
			name: String
		}
		type Query {
			currentUser: User
		}
	`, "http://accounts.example.com")
	superGraph, err := federation.NewSuperGraph([]*federation.SubGraph{accountsSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}
	graph := querygraph.Build([]*federation.SubGraph{accountsSG})
	p, err := planner.New(superGraph, graph, "gen-1", opts...)
	if err != nil {
		t.Fatalf("planner.New failed: %v", err)
	}
	return p
}

func mustParse(t *testing.T, query string) *ast.Document {
	t.Helper()
	par := parser.New(parseDoc(t, query))
	doc := par.ParseDocument()
	if len(par.Errors()) > 0 {
		t.Fatalf("parse error: %v", par.Errors())
	}
	return doc
}

func TestPlanner_DeferProducesDeferNode(t *testing.T) {
	p := newSingleSubGraphPlanner(t)

	built, err := p.Plan(context.Background(), "defer-op", mustParse(t, `
		query {
			currentUser {
				id
				... @defer {
					name
				}
			}
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	deferNode, ok := built.Root.(*plan.Defer)
	if !ok {
		t.Fatalf("expected Defer root, got %T", built.Root)
	}
	if deferNode.PrimaryNode == nil {
		t.Fatal("primary node missing")
	}
	if len(deferNode.Deferred) != 1 {
		t.Fatalf("expected 1 deferred block, got %d", len(deferNode.Deferred))
	}

	block := deferNode.Deferred[0]
	if block.Label == "" {
		t.Error("deferred block needs a generated label")
	}
	if len(block.QueryPath) != 1 || block.QueryPath[0].FieldName != "currentUser" {
		t.Errorf("queryPath = %v, want [currentUser]", block.QueryPath)
	}
	if block.Node == nil {
		t.Fatal("deferred block needs a sub-plan")
	}

	// Every dependency must name a fetch that exists in the primary.
	primaryIDs := map[string]bool{}
	collectIDs(deferNode.PrimaryNode, primaryIDs)
	if len(block.Depends) == 0 {
		t.Fatal("deferred block must depend on the primary fetch")
	}
	for _, dep := range block.Depends {
		if !primaryIDs[dep] {
			t.Errorf("depends entry %q does not name a primary fetch (have %v)", dep, primaryIDs)
		}
	}
}

func collectIDs(node plan.Node, out map[string]bool) {
	switch n := node.(type) {
	case *plan.Fetch:
		out[n.ID] = true
	case *plan.Sequence:
		for _, c := range n.Nodes {
			collectIDs(c, out)
		}
	case *plan.Parallel:
		for _, c := range n.Nodes {
			collectIDs(c, out)
		}
	case *plan.Flatten:
		collectIDs(n.Child, out)
	}
}

func TestPlanner_DeferLabelArgument(t *testing.T) {
	p := newSingleSubGraphPlanner(t)

	built, err := p.Plan(context.Background(), "defer-label-op", mustParse(t, `
		query {
			currentUser {
				id
				... @defer(label: "slowFields") {
					name
				}
			}
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	deferNode := built.Root.(*plan.Defer)
	if deferNode.Deferred[0].Label != "slowFields" {
		t.Errorf("label = %q, want slowFields", deferNode.Deferred[0].Label)
	}
}

func TestPlanner_IncludeConditionProducesConditionNode(t *testing.T) {
	p := newSingleSubGraphPlanner(t)

	built, err := p.Plan(context.Background(), "cond-op", mustParse(t, `
		query ($withUser: Boolean!) {
			currentUser @include(if: $withUser) {
				id
			}
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	cond, ok := built.Root.(*plan.Condition)
	if !ok {
		t.Fatalf("expected Condition root, got %T", built.Root)
	}
	if cond.Variable != "withUser" {
		t.Errorf("condition variable = %q, want withUser", cond.Variable)
	}
	if cond.IfClause == nil || cond.ElseClause != nil {
		t.Error("@include should populate the if branch only")
	}
}

func TestPlanner_SkipConditionUsesElseBranch(t *testing.T) {
	p := newSingleSubGraphPlanner(t)

	built, err := p.Plan(context.Background(), "skip-op", mustParse(t, `
		query ($hideUser: Boolean!) {
			currentUser @skip(if: $hideUser) {
				id
			}
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	cond := built.Root.(*plan.Condition)
	if cond.Variable != "hideUser" {
		t.Errorf("condition variable = %q, want hideUser", cond.Variable)
	}
	if cond.ElseClause == nil || cond.IfClause != nil {
		t.Error("@skip should populate the else branch only")
	}
}

func TestPlanner_ExplorationBudgetExceeded(t *testing.T) {
	p := newSingleSubGraphPlanner(t, planner.WithExplorationBudget(1))

	_, err := p.Plan(context.Background(), "big-op", mustParse(t, `
		query {
			currentUser {
				id
				name
			}
		}
	`))
	if err == nil {
		t.Fatal("expected a budget-exceeded planner error")
	}
}

func TestPlanner_SubscriptionLowersToSubscriptionNode(t *testing.T) {
	eventsSG := mustSubGraph(t, "events", `
		type Event @key(fields: "id") {
			id: ID!
			message: String
		}
		type Query { latestEvent: Event }
		type Subscription { eventPosted: Event }
	`, "http://events.example.com")
	superGraph, err := federation.NewSuperGraph([]*federation.SubGraph{eventsSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}
	graph := querygraph.Build([]*federation.SubGraph{eventsSG})
	p, err := planner.New(superGraph, graph, "gen-1")
	if err != nil {
		t.Fatalf("planner.New failed: %v", err)
	}

	built, err := p.Plan(context.Background(), "sub-op", mustParse(t, `
		subscription {
			eventPosted {
				id
				message
			}
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	sub, ok := built.Root.(*plan.Subscription)
	if !ok {
		t.Fatalf("expected Subscription root, got %T", built.Root)
	}
	if sub.Primary == nil || sub.Primary.ServiceName != "events" {
		t.Errorf("subscription primary = %+v, want events fetch", sub.Primary)
	}
	if sub.Primary.OperationKind != plan.OperationSubscription {
		t.Errorf("primary kind = %v, want subscription", sub.Primary.OperationKind)
	}
}
