package federation_test

import (
	"testing"

	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
)

func TestNewSuperGraph_ComposesFields(t *testing.T) {
	productSG := mustSubGraph(t, "product", `
		type Product @key(fields: "upc") {
			upc: String!
			name: String
		}
		type Query { topProducts: [Product] }
	`, "http://product.example.com")
	reviewSG := mustSubGraph(t, "review", `
		type Product @key(fields: "upc") {
			upc: String! @external
			reviews: [Review]
		}
		type Review { body: String }
	`, "http://review.example.com")

	sg, err := federation.NewSuperGraph([]*federation.SubGraph{productSG, reviewSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	if owner := sg.GetFieldOwnerSubGraph("Product", "name"); owner == nil || owner.Name != "product" {
		t.Errorf("Product.name owner = %v, want product", owner)
	}
	if owner := sg.GetFieldOwnerSubGraph("Product", "reviews"); owner == nil || owner.Name != "review" {
		t.Errorf("Product.reviews owner = %v, want review", owner)
	}
	// @external on review's upc leaves product the only resolver.
	owners := sg.GetSubGraphsForField("Product", "upc")
	if len(owners) != 1 || owners[0].Name != "product" {
		t.Errorf("Product.upc owners = %v, want [product]", owners)
	}
	if !sg.IsEntityType("Product") {
		t.Error("Product should be an entity type")
	}
	if owner := sg.GetEntityOwnerSubGraph("Product"); owner == nil || owner.Name != "product" {
		t.Errorf("entity owner = %v, want product", owner)
	}
}

func TestNewSuperGraph_OverrideMovesAuthority(t *testing.T) {
	legacySG := mustSubGraph(t, "legacy", `
		type Product @key(fields: "upc") {
			upc: String!
			price: Float
		}
		type Query { topProducts: [Product] }
	`, "http://legacy.example.com")
	pricingSG := mustSubGraph(t, "pricing", `
		type Product @key(fields: "upc") {
			upc: String! @external
			price: Float @override(from: "legacy")
		}
	`, "http://pricing.example.com")

	sg, err := federation.NewSuperGraph([]*federation.SubGraph{legacySG, pricingSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	owners := sg.GetSubGraphsForField("Product", "price")
	if len(owners) == 0 || owners[0].Name != "pricing" {
		t.Fatalf("Product.price owners = %v, want pricing first", subGraphNames(owners))
	}
	for _, o := range owners {
		if o.Name == "legacy" {
			t.Error("@override(from: legacy) must remove legacy's resolution authority")
		}
	}
}

func TestNewSuperGraph_UnresolvableFieldRejected(t *testing.T) {
	// Every declaration of Product.name is @external: composition has
	// no authoritative resolver and must fail.
	onlyExternal := mustSubGraph(t, "only", `
		type Product @key(fields: "upc") {
			upc: String!
			name: String @external
		}
		type Query { topProducts: [Product] }
	`, "http://only.example.com")

	if _, err := federation.NewSuperGraph([]*federation.SubGraph{onlyExternal}); err == nil {
		t.Error("expected composition to reject a field no subgraph resolves")
	}
}

func TestNewSuperGraph_NoSubGraphs(t *testing.T) {
	if _, err := federation.NewSuperGraph(nil); err == nil {
		t.Error("expected an error composing zero subgraphs")
	}
}

func subGraphNames(sgs []*federation.SubGraph) []string {
	names := make([]string, len(sgs))
	for i, sg := range sgs {
		names[i] = sg.Name
	}
	return names
}
