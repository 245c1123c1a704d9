package satisfiability_test

import (
	"strings"
	"testing"

	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/querygraph"
	"github.com/n9te9/go-graphql-federation-gateway/internal/satisfiability"
)

func compose(t *testing.T, sdls map[string]string) (*federation.SuperGraph, *querygraph.Graph) {
	t.Helper()
	var subGraphs []*federation.SubGraph
	for name, sdl := range sdls {
		sg, err := federation.NewSubGraph(name, []byte(sdl), "http://"+name+".example.com")
		if err != nil {
			t.Fatalf("NewSubGraph(%s) failed: %v", name, err)
		}
		subGraphs = append(subGraphs, sg)
	}
	superGraph, err := federation.NewSuperGraph(subGraphs)
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}
	return superGraph, querygraph.Build(superGraph.SubGraphs)
}

func TestValidate_SatisfiableSupergraph(t *testing.T) {
	superGraph, graph := compose(t, map[string]string{
		"product": `
			type Product @key(fields: "upc") {
				upc: String!
				name: String
			}
			type Query { topProducts: [Product] }
		`,
		"review": `
			type Product @key(fields: "upc") {
				upc: String! @external
				reviews: [Review]
			}
			type Review { body: String }
		`,
	})

	if errs := satisfiability.Validate(superGraph, graph); len(errs) != 0 {
		t.Errorf("expected a satisfiable supergraph, got %v", errs)
	}
}

func TestValidate_ErrorNamesField(t *testing.T) {
	// Validation runs against a hand-assembled composition where
	// ownership of Product.name was lost (simulating a bad merge), so
	// the validator's error formatting can be observed directly.
	superGraph, graph := compose(t, map[string]string{
		"product": `
			type Product @key(fields: "upc") {
				upc: String!
				name: String
			}
			type Query { topProducts: [Product] }
		`,
	})
	delete(superGraph.Ownership, "Product.name")

	errs := satisfiability.Validate(superGraph, graph)
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %v", errs)
	}
	e := errs[0]
	if e.TypeName != "Product" || e.FieldName != "name" {
		t.Errorf("error names %s.%s, want Product.name", e.TypeName, e.FieldName)
	}
	if !strings.Contains(e.Error(), "Product.name") {
		t.Errorf("error message should carry the field coordinate: %v", e)
	}
}

func TestValidate_InterfaceFieldsChecked(t *testing.T) {
	superGraph, graph := compose(t, map[string]string{
		"api": `
			interface Node {
				id: ID!
			}
			type Product implements Node {
				id: ID!
				name: String
			}
			type Query { node(id: ID!): Node }
		`,
	})

	if errs := satisfiability.Validate(superGraph, graph); len(errs) != 0 {
		t.Errorf("interface fields declared by their subgraph should validate, got %v", errs)
	}

	// Losing the interface field's ownership must now be caught — the
	// walk covers interface types, not only objects.
	delete(superGraph.Ownership, "Node.id")
	errs := satisfiability.Validate(superGraph, graph)
	found := false
	for _, e := range errs {
		if e.TypeName == "Node" && e.FieldName == "id" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected an error naming Node.id, got %v", errs)
	}
}

func TestValidate_UnionMembersChecked(t *testing.T) {
	superGraph, graph := compose(t, map[string]string{
		"search": `
			type Product {
				id: ID!
			}
			union SearchResult = Product
			type Query { search: [SearchResult] }
		`,
	})

	if errs := satisfiability.Validate(superGraph, graph); len(errs) != 0 {
		t.Errorf("a union over composed members should validate, got %v", errs)
	}
}
