package planner_test

import (
	"context"
	"strings"
	"testing"

	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
	"github.com/n9te9/go-graphql-federation-gateway/internal/querygraph"
)

func newPlanner(t *testing.T, subGraphs []*federation.SubGraph) *planner.Planner {
	t.Helper()
	superGraph, err := federation.NewSuperGraph(subGraphs)
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}
	graph := querygraph.Build(subGraphs)
	p, err := planner.New(superGraph, graph, "gen-1")
	if err != nil {
		t.Fatalf("planner.New failed: %v", err)
	}
	return p
}

func TestPlanner_InterfaceTypeBranchesPerImplementation(t *testing.T) {
	api := mustSubGraph(t, "api", `
		interface Node {
			id: ID!
		}

		type Product implements Node {
			id: ID!
			name: String!
			price: Int!
		}

		type User implements Node {
			id: ID!
			username: String!
		}

		type Query {
			node(id: ID!): Node
		}
	`, "http://api.example.com")

	p := newPlanner(t, []*federation.SubGraph{api})

	built, err := p.Plan(context.Background(), "iface-op", mustParse(t, `
		query {
			node(id: "1") {
				id
				__typename
				... on Product {
					name
					price
				}
				... on User {
					username
				}
			}
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	fetch, ok := built.Root.(*plan.Fetch)
	if !ok {
		t.Fatalf("expected root Fetch, got %T", built.Root)
	}
	if fetch.ServiceName != "api" {
		t.Errorf("fetch service = %s, want api", fetch.ServiceName)
	}

	// The casts must survive into the outgoing query so each
	// implementation's fields stay behind its own type condition.
	for _, needle := range []string{"... on Product", "... on User", "name", "price", "username"} {
		if !strings.Contains(fetch.OperationDoc, needle) {
			t.Errorf("outgoing query missing %q:\n%s", needle, fetch.OperationDoc)
		}
	}
	// A field of one implementation must not leak outside its cast: the
	// only username occurrence sits after the User cast.
	if strings.Index(fetch.OperationDoc, "username") < strings.Index(fetch.OperationDoc, "... on User") {
		t.Errorf("username leaked outside its User cast:\n%s", fetch.OperationDoc)
	}
}

func TestPlanner_UnionTypeBranchesPerMember(t *testing.T) {
	search := mustSubGraph(t, "search", `
		type Product {
			id: ID!
			name: String!
		}

		type User {
			id: ID!
			username: String!
		}

		union SearchResult = Product | User

		type Query {
			search(query: String!): [SearchResult!]!
		}
	`, "http://search.example.com")

	p := newPlanner(t, []*federation.SubGraph{search})

	built, err := p.Plan(context.Background(), "union-op", mustParse(t, `
		query {
			search(query: "test") {
				__typename
				... on Product {
					id
					name
				}
				... on User {
					id
					username
				}
			}
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	fetch, ok := built.Root.(*plan.Fetch)
	if !ok {
		t.Fatalf("expected root Fetch, got %T", built.Root)
	}
	for _, needle := range []string{"... on Product", "... on User", "username"} {
		if !strings.Contains(fetch.OperationDoc, needle) {
			t.Errorf("outgoing query missing %q:\n%s", needle, fetch.OperationDoc)
		}
	}
}

func TestPlanner_NamedFragmentKeepsTypeCondition(t *testing.T) {
	api := mustSubGraph(t, "api", `
		interface Node {
			id: ID!
		}

		type Product implements Node {
			id: ID!
			name: String!
		}

		type Query {
			node(id: ID!): Node
		}
	`, "http://api.example.com")

	p := newPlanner(t, []*federation.SubGraph{api})

	built, err := p.Plan(context.Background(), "frag-op", mustParse(t, `
		query {
			node(id: "1") {
				id
				...productFields
			}
		}

		fragment productFields on Product {
			name
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	fetch := built.Root.(*plan.Fetch)
	if !strings.Contains(fetch.OperationDoc, "... on Product") {
		t.Errorf("named fragment's type condition must survive as a cast:\n%s", fetch.OperationDoc)
	}
}

func TestPlanner_OwnerTieBreakIsLexicographic(t *testing.T) {
	// Both subgraphs resolve Query.stats; composition order puts beta
	// first, so a planner picking owners[0] would choose beta. The
	// deterministic tie-break must choose alpha.
	beta := mustSubGraph(t, "beta", `
		type Query { stats: String @shareable }
	`, "http://beta.example.com")
	alpha := mustSubGraph(t, "alpha", `
		type Query { stats: String @shareable }
	`, "http://alpha.example.com")

	p := newPlanner(t, []*federation.SubGraph{beta, alpha})

	built, err := p.Plan(context.Background(), "tie-op", mustParse(t, `
		query { stats }
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	fetch, ok := built.Root.(*plan.Fetch)
	if !ok {
		t.Fatalf("expected a single root Fetch, got %T", built.Root)
	}
	if fetch.ServiceName != "alpha" {
		t.Errorf("tie should break to the lexicographically first subgraph, got %s", fetch.ServiceName)
	}
}

func TestPlanner_OwnerPrefersAlreadyUsedSubGraph(t *testing.T) {
	// aardvark is the only resolver of Query.alpha; Query.beta is
	// shareable across both, and fewer-distinct-subgraphs must keep it
	// on aardvark rather than introducing zebra.
	aardvark := mustSubGraph(t, "aardvark", `
		type Query {
			alpha: String
			beta: String @shareable
		}
	`, "http://aardvark.example.com")
	zebra := mustSubGraph(t, "zebra", `
		type Query { beta: String @shareable }
	`, "http://zebra.example.com")

	p := newPlanner(t, []*federation.SubGraph{zebra, aardvark})

	built, err := p.Plan(context.Background(), "used-op", mustParse(t, `
		query { alpha beta }
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	fetch, ok := built.Root.(*plan.Fetch)
	if !ok {
		t.Fatalf("expected one root Fetch (both fields on aardvark), got %T", built.Root)
	}
	if fetch.ServiceName != "aardvark" {
		t.Errorf("root fetch service = %s, want aardvark", fetch.ServiceName)
	}
}

func TestPlanner_InterfaceObjectGetsNoTypenameNarrowing(t *testing.T) {
	content := mustSubGraph(t, "content", `
		type Media @key(fields: "id") {
			id: ID!
			title: String
		}
		type Query { media: Media }
	`, "http://content.example.com")
	inventory := mustSubGraph(t, "inventory", `
		type Media @key(fields: "id") @interfaceObject {
			id: ID! @external
			stock: Int
		}
	`, "http://inventory.example.com")

	p := newPlanner(t, []*federation.SubGraph{content, inventory})

	built, err := p.Plan(context.Background(), "ifaceobj-op", mustParse(t, `
		query {
			media {
				id
				title
				stock
			}
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	seq, ok := built.Root.(*plan.Sequence)
	if !ok {
		t.Fatalf("expected Sequence root, got %T", built.Root)
	}
	flatten, ok := seq.Nodes[1].(*plan.Flatten)
	if !ok {
		t.Fatalf("expected Flatten, got %T", seq.Nodes[1])
	}
	entityFetch, ok := flatten.Child.(*plan.Fetch)
	if !ok {
		t.Fatalf("expected entity Fetch, got %T", flatten.Child)
	}
	if entityFetch.ServiceName != "inventory" {
		t.Fatalf("entity fetch service = %s, want inventory", entityFetch.ServiceName)
	}

	// The interface-object subgraph sees a flattened object: the fetch
	// carries the representation __typename rewrite in, drops the
	// returned __typename out, and the query narrows with the entity's
	// own type only (the _entities envelope), never a concrete
	// implementation.
	if len(entityFetch.InputRewrites) == 0 {
		t.Error("expected an input rewrite pinning the representation __typename")
	} else {
		rw := entityFetch.InputRewrites[0]
		if rw.Kind != plan.RewriteValueSetter || rw.Value != "Media" {
			t.Errorf("input rewrite = %+v, want ValueSetter __typename=Media", rw)
		}
	}
	if len(entityFetch.OutputRewrites) == 0 {
		t.Error("expected an output rewrite dropping the returned __typename")
	}
}

func TestPlanner_FromContextInjectsContextRewrite(t *testing.T) {
	product := mustSubGraph(t, "product", `
		type Product @key(fields: "id") {
			id: ID!
			userCurrency: String
		}
		type Query { product(id: ID!): Product }
	`, "http://product.example.com")
	pricing := mustSubGraph(t, "pricing", `
		type Product @key(fields: "id") {
			id: ID! @external
			price(currency: String): Float @fromContext(field: "userCurrency")
		}
	`, "http://pricing.example.com")

	p := newPlanner(t, []*federation.SubGraph{product, pricing})

	built, err := p.Plan(context.Background(), "ctx-op", mustParse(t, `
		query {
			product(id: "1") {
				price
			}
		}
	`))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	seq := built.Root.(*plan.Sequence)
	rootFetch := seq.Nodes[0].(*plan.Fetch)
	// The context source rides along in the parent fetch.
	if !strings.Contains(rootFetch.OperationDoc, "userCurrency") {
		t.Errorf("root fetch must select the @fromContext source field:\n%s", rootFetch.OperationDoc)
	}

	entityFetch := seq.Nodes[1].(*plan.Flatten).Child.(*plan.Fetch)
	if len(entityFetch.ContextRewrites) != 1 {
		t.Fatalf("expected one context rewrite, got %v", entityFetch.ContextRewrites)
	}
	rw := entityFetch.ContextRewrites[0]
	if rw.Kind != plan.RewriteKeyRenamer || rw.RenameTo != "currency" {
		t.Errorf("context rewrite = %+v, want KeyRenamer → currency", rw)
	}
	found := false
	for _, f := range entityFetch.RequiresFields {
		if f == "userCurrency" {
			found = true
		}
	}
	if !found {
		t.Errorf("entity fetch must carry the context source in RequiresFields, got %v", entityFetch.RequiresFields)
	}
}
