package federation_test

import (
	"testing"

	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
)

func mustSubGraph(t *testing.T, name, sdl, host string) *federation.SubGraph {
	t.Helper()
	sg, err := federation.NewSubGraph(name, []byte(sdl), host)
	if err != nil {
		t.Fatalf("NewSubGraph(%s) failed: %v", name, err)
	}
	return sg
}

func TestNewSubGraph_ParsesEntityKeys(t *testing.T) {
	sg := mustSubGraph(t, "product", `
		type Product @key(fields: "upc") @key(fields: "sku", resolvable: false) {
			upc: String!
			sku: String!
			name: String
		}
		type Query { topProducts: [Product] }
	`, "http://product.example.com")

	entity, ok := sg.GetEntity("Product")
	if !ok {
		t.Fatal("Product should be an entity")
	}
	if len(entity.Keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(entity.Keys))
	}
	if entity.Keys[0].FieldSet != "upc" || !entity.Keys[0].Resolvable {
		t.Errorf("first key = %+v, want resolvable upc", entity.Keys[0])
	}
	if entity.Keys[1].FieldSet != "sku" || entity.Keys[1].Resolvable {
		t.Errorf("second key = %+v, want non-resolvable sku", entity.Keys[1])
	}
	if !entity.IsResolvable() {
		t.Error("an entity with one resolvable key is resolvable")
	}
}

func TestNewSubGraph_NonResolvableOnly(t *testing.T) {
	sg := mustSubGraph(t, "ref", `
		type Product @key(fields: "upc", resolvable: false) {
			upc: String!
		}
	`, "http://ref.example.com")

	entity, _ := sg.GetEntity("Product")
	if entity.IsResolvable() {
		t.Error("an entity whose every key is resolvable:false must not be a fetch target")
	}
}

func TestNewSubGraph_FieldDirectives(t *testing.T) {
	sg := mustSubGraph(t, "shipping", `
		type Product @key(fields: "upc") {
			upc: String! @external
			weight: Float @external
			shippingCost: Float @requires(fields: "weight")
			retailer: Retailer @provides(fields: "name")
			price: Float @override(from: "legacy")
			margin: Float @inaccessible
			sku: String @shareable
		}
		type Retailer { name: String }
	`, "http://shipping.example.com")

	entity, _ := sg.GetEntity("Product")

	if !entity.Fields["upc"].IsExternal() {
		t.Error("upc should be external")
	}
	if got := entity.Fields["shippingCost"].Requires; len(got) != 1 || got[0] != "weight" {
		t.Errorf("shippingCost requires = %v, want [weight]", got)
	}
	if got := entity.Fields["retailer"].Provides; len(got) != 1 || got[0] != "name" {
		t.Errorf("retailer provides = %v, want [name]", got)
	}
	if from, ok := entity.Fields["price"].GetOverride(); !ok || from != "legacy" {
		t.Errorf("price override = %q/%v, want legacy/true", from, ok)
	}
	if !entity.Fields["margin"].IsInaccessible() {
		t.Error("margin should be inaccessible")
	}
	if !entity.Fields["sku"].IsShareable() {
		t.Error("sku should be shareable")
	}
}

func TestNewSubGraph_InterfaceObject(t *testing.T) {
	sg := mustSubGraph(t, "inventory", `
		type Media @key(fields: "id") @interfaceObject {
			id: ID!
			stock: Int
		}
	`, "http://inventory.example.com")

	entity, _ := sg.GetEntity("Media")
	if !entity.IsInterfaceObject() {
		t.Error("Media should be marked @interfaceObject")
	}
}

func TestNewSubGraph_ParseError(t *testing.T) {
	if _, err := federation.NewSubGraph("broken", []byte("type {{{"), "http://x"); err == nil {
		t.Error("expected a parse error for malformed SDL")
	}
}
