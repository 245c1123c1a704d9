package lifecycle_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/n9te9/go-graphql-federation-gateway/internal/assembler"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/gatewayconfig"
	"github.com/n9te9/go-graphql-federation-gateway/internal/lifecycle"
)

func TestPipeline_Handle_RootQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"product":{"id":"1","name":"Widget"}}}`))
	}))
	defer srv.Close()

	productSG, err := federation.NewSubGraph("product", []byte(`
		type Product @key(fields: "id") { id: ID! name: String! }
		type Query { product(id: ID!): Product }
	`), srv.URL)
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}
	superGraph, err := federation.NewSuperGraph([]*federation.SubGraph{productSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	cfg := &gatewayconfig.Config{}
	pipeline, err := lifecycle.New(superGraph, srv.Client(), cfg, "test-schema-hash")
	if err != nil {
		t.Fatalf("lifecycle.New failed: %v", err)
	}

	resp := pipeline.Handle(context.Background(), lifecycle.Request{
		Query: `query { product(id: "1") { id name } }`,
	})
	if resp.State != lifecycle.StateCompleted {
		t.Fatalf("State = %v, errors = %v", resp.State, resp.Errors)
	}
	product, _ := resp.Data["product"].(map[string]interface{})
	if product["name"] != "Widget" {
		t.Errorf("product.name = %v, want Widget", product["name"])
	}
}

func TestPipeline_Handle_InaccessibleFieldRejected(t *testing.T) {
	productSG, err := federation.NewSubGraph("product", []byte(`
		type Product @key(fields: "id") { id: ID! secretCost: Float! @inaccessible }
		type Query { product(id: ID!): Product }
	`), "http://unused.invalid")
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}
	superGraph, err := federation.NewSuperGraph([]*federation.SubGraph{productSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	pipeline, err := lifecycle.New(superGraph, http.DefaultClient, &gatewayconfig.Config{}, "test-schema-hash")
	if err != nil {
		t.Fatalf("lifecycle.New failed: %v", err)
	}

	resp := pipeline.Handle(context.Background(), lifecycle.Request{
		Query: `query { product(id: "1") { id secretCost } }`,
	})
	if resp.State != lifecycle.StateFailed || len(resp.Errors) == 0 {
		t.Fatalf("expected a failed response rejecting the inaccessible field, got %+v", resp)
	}
}

func TestPipeline_HandleStream_DeferredField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		// The primary fetch selects id; the deferred fetch selects name.
		// (__typename appears in both, so match on "id" specifically.)
		if strings.Contains(string(body), "id") {
			w.Write([]byte(`{"data":{"currentUser":{"id":"u1"}}}`))
			return
		}
		w.Write([]byte(`{"data":{"currentUser":{"name":"Ada"}}}`))
	}))
	defer srv.Close()

	accountsSG, err := federation.NewSubGraph("accounts", []byte(`
		type User @key(fields: "id") { id: ID! name: String }
		type Query { currentUser: User }
	`), srv.URL)
	if err != nil {
		t.Fatalf("NewSubGraph failed: %v", err)
	}
	superGraph, err := federation.NewSuperGraph([]*federation.SubGraph{accountsSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	cfg := &gatewayconfig.Config{DeferEnabled: true}
	pipeline, err := lifecycle.New(superGraph, srv.Client(), cfg, "test-schema-hash")
	if err != nil {
		t.Fatalf("lifecycle.New failed: %v", err)
	}

	var chunks []assembler.Chunk
	err = pipeline.HandleStream(context.Background(), lifecycle.Request{
		Query: `query { currentUser { id ... @defer { name } } }`,
	}, func(c assembler.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleStream failed: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}

	first := chunks[0]
	if !first.HasNext {
		t.Error("first chunk should have hasNext=true")
	}
	user, _ := first.Data["currentUser"].(map[string]interface{})
	if user["id"] != "u1" {
		t.Errorf("first chunk currentUser.id = %v, want u1", user["id"])
	}
	if _, present := user["name"]; present {
		t.Error("first chunk must not carry the deferred name field")
	}

	second := chunks[1]
	if second.HasNext {
		t.Error("final chunk should have hasNext=false")
	}
	if len(second.Incremental) != 1 {
		t.Fatalf("expected 1 incremental payload, got %d", len(second.Incremental))
	}
	inc := second.Incremental[0]
	if diff := cmp.Diff([]interface{}{"currentUser"}, inc.Path); diff != "" {
		t.Errorf("incremental path mismatch (-want +got):\n%s", diff)
	}
	if inc.Data["name"] != "Ada" {
		t.Errorf("incremental data.name = %v, want Ada", inc.Data["name"])
	}
}

func TestPipeline_Handle_RequestLimitExceeded(t *testing.T) {
	var requests atomic.Int64
	newSubgraphServer := func(field string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests.Add(1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"data":{%q:"ok"}}`, field)
		}))
	}
	srvA := newSubgraphServer("a")
	defer srvA.Close()
	srvB := newSubgraphServer("b")
	defer srvB.Close()
	srvC := newSubgraphServer("c")
	defer srvC.Close()

	mustSG := func(name, sdl, host string) *federation.SubGraph {
		sg, err := federation.NewSubGraph(name, []byte(sdl), host)
		if err != nil {
			t.Fatalf("NewSubGraph(%s) failed: %v", name, err)
		}
		return sg
	}
	subGraphs := []*federation.SubGraph{
		mustSG("alpha", `type Query { a: String }`, srvA.URL),
		mustSG("beta", `type Query { b: String }`, srvB.URL),
		mustSG("gamma", `type Query { c: String }`, srvC.URL),
	}
	superGraph, err := federation.NewSuperGraph(subGraphs)
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	cfg := &gatewayconfig.Config{}
	cfg.Executor.MaxRequestsPerOperation = 2
	pipeline, err := lifecycle.New(superGraph, http.DefaultClient, cfg, "test-schema-hash")
	if err != nil {
		t.Fatalf("lifecycle.New failed: %v", err)
	}

	resp := pipeline.Handle(context.Background(), lifecycle.Request{
		Query: `query { a b c }`,
	})

	if resp.Data != nil {
		t.Errorf("expected data null after the limit aborts the operation, got %v", resp.Data)
	}
	found := false
	for _, e := range resp.Errors {
		if e.Extensions["code"] == "REQUEST_LIMIT_EXCEEDED" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a REQUEST_LIMIT_EXCEEDED error, got %v", resp.Errors)
	}
	if sent := requests.Load(); sent > 2 {
		t.Errorf("expected at most 2 subgraph requests, %d were sent", sent)
	}
}
