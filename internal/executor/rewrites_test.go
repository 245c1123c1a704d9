package executor_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/n9te9/go-graphql-federation-gateway/internal/executor"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
)

// capturingServer records every request body it receives.
type capturingServer struct {
	mu     sync.Mutex
	bodies []string
	srv    *httptest.Server
}

func newCapturingServer(t *testing.T, response string) *capturingServer {
	t.Helper()
	cs := &capturingServer{}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		cs.mu.Lock()
		cs.bodies = append(cs.bodies, string(body))
		cs.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(response))
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *capturingServer) lastBody() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if len(cs.bodies) == 0 {
		return ""
	}
	return cs.bodies[len(cs.bodies)-1]
}

func TestExecutor_RewritesAtFetchBoundary(t *testing.T) {
	contentSrv := newCapturingServer(t, `{"data":{"media":{"__typename":"Book","id":"m1","title":"Dune","userCurrency":"EUR"}}}`)
	inventorySrv := newCapturingServer(t, `{"data":{"_entities":[{"__typename":"Media","stock":7}]}}`)

	contentSG := mustSubGraph(t, "content", `
		type Media @key(fields: "id") { id: ID! title: String userCurrency: String }
		type Query { media: Media }
	`, contentSrv.srv.URL)
	inventorySG := mustSubGraph(t, "inventory", `
		type Media @key(fields: "id") @interfaceObject { id: ID! @external stock: Int }
	`, inventorySrv.srv.URL)

	superGraph, err := federation.NewSuperGraph([]*federation.SubGraph{contentSG, inventorySG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	p := &plan.Plan{
		OperationType: plan.OperationQuery,
		Root: &plan.Sequence{Nodes: []plan.Node{
			&plan.Fetch{
				ID:            "fetch-0",
				ServiceName:   "content",
				OperationDoc:  `query { media { __typename id title userCurrency } }`,
				OperationKind: plan.OperationQuery,
			},
			&plan.Flatten{
				Path: []plan.PathElement{{FieldName: "media"}},
				Child: &plan.Fetch{
					ID:             "fetch-1",
					ServiceName:    "inventory",
					EntityTypeName: "Media",
					IsEntityFetch:  true,
					RequiresFields: []string{"userCurrency"},
					OperationDoc: `query ($representations: [_Any!]!) {
						_entities(representations: $representations) {
							... on Media { stock }
						}
					}`,
					InputRewrites: []plan.DataRewrite{{
						Kind:  plan.RewriteValueSetter,
						Path:  []plan.PathElement{{FieldName: "__typename"}},
						Value: "Media",
					}},
					OutputRewrites: []plan.DataRewrite{{
						Kind: plan.RewriteValueSetter,
						Path: []plan.PathElement{{FieldName: "__typename"}},
					}},
					ContextRewrites: []plan.DataRewrite{{
						Kind:     plan.RewriteKeyRenamer,
						Path:     []plan.PathElement{{FieldName: "userCurrency"}},
						RenameTo: "currency",
					}},
				},
			},
		}},
	}

	httpClient := &http.Client{Transport: routingTransport{
		"content":   contentSrv.srv,
		"inventory": inventorySrv.srv,
	}}

	exec := executor.New(httpClient, superGraph)
	data, errs, err := exec.Execute(context.Background(), p, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}

	// Input rewrite: the representation's __typename is pinned to the
	// interface-object type, not the concrete Book.
	sent := inventorySrv.lastBody()
	if !strings.Contains(sent, `"__typename":"Media"`) || strings.Contains(sent, `"Book"`) {
		t.Errorf("representation should carry __typename Media, not Book: %s", sent)
	}
	// Context rewrite: the @fromContext source field rides under the
	// argument name the subgraph expects.
	if !strings.Contains(sent, `"currency":"EUR"`) {
		t.Errorf("representation should carry the renamed context value: %s", sent)
	}
	if strings.Contains(sent, "userCurrency") {
		t.Errorf("the context source name must be renamed away: %s", sent)
	}

	// Output rewrite: the interface-object subgraph's __typename does
	// not clobber the concrete type already in the tree.
	media, _ := data["media"].(map[string]interface{})
	if media["__typename"] != "Book" {
		t.Errorf("merged __typename = %v, want the concrete Book preserved", media["__typename"])
	}
	if media["stock"] != float64(7) && media["stock"] != 7 {
		t.Errorf("stock = %v, want 7", media["stock"])
	}
}
