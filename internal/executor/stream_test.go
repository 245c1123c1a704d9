package executor_test

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"net/http/httptest"

	"github.com/n9te9/go-graphql-federation-gateway/internal/assembler"
	"github.com/n9te9/go-graphql-federation-gateway/internal/executor"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
)

func TestExecuteStream_DeferredBlockAfterPrimary(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if calls.Add(1) == 1 {
			w.Write([]byte(`{"data":{"currentUser":{"id":"u1"}}}`))
			return
		}
		w.Write([]byte(`{"data":{"currentUser":{"name":"Ada"}}}`))
	}))
	defer srv.Close()

	accountsSG := mustSubGraph(t, "accounts", `
		type User @key(fields: "id") { id: ID! name: String }
		type Query { currentUser: User }
	`, srv.URL)
	superGraph, err := federation.NewSuperGraph([]*federation.SubGraph{accountsSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	p := &plan.Plan{
		OperationType: plan.OperationQuery,
		Root: &plan.Defer{
			PrimaryNode: &plan.Fetch{
				ID:            "fetch-0",
				ServiceName:   "accounts",
				OperationDoc:  `query { currentUser { id } }`,
				OperationKind: plan.OperationQuery,
			},
			Deferred: []plan.DeferredBlock{{
				Depends:   []string{"fetch-0"},
				Label:     "defer-0",
				QueryPath: []plan.PathElement{{FieldName: "currentUser"}},
				Node: &plan.Fetch{
					ID:            "defer-0/fetch-0",
					ServiceName:   "accounts",
					OperationDoc:  `query { currentUser { name } }`,
					OperationKind: plan.OperationQuery,
				},
			}},
		},
	}

	exec := executor.New(srv.Client(), superGraph)

	var chunks []assembler.Chunk
	err = exec.ExecuteStream(context.Background(), p, nil, func(c assembler.Chunk) error {
		chunks = append(chunks, c)
		return nil
	})
	if err != nil {
		t.Fatalf("ExecuteStream failed: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !chunks[0].HasNext || chunks[1].HasNext {
		t.Error("hasNext should be true on the first chunk and false on the last")
	}
	user, _ := chunks[0].Data["currentUser"].(map[string]interface{})
	if user["id"] != "u1" {
		t.Errorf("primary data = %v", chunks[0].Data)
	}
	inc := chunks[1].Incremental
	if len(inc) != 1 || inc[0].Data["name"] != "Ada" || inc[0].Label != "defer-0" {
		t.Errorf("incremental payload = %+v", inc)
	}
}

func TestExecuteStream_EmptyPrimaryStillEmitsInitialChunk(t *testing.T) {
	srv := jsonServer(t, `{"data":{"currentUser":{"name":"Ada"}}}`)
	defer srv.Close()

	accountsSG := mustSubGraph(t, "accounts", `
		type User @key(fields: "id") { id: ID! name: String }
		type Query { currentUser: User }
	`, srv.URL)
	superGraph, err := federation.NewSuperGraph([]*federation.SubGraph{accountsSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	p := &plan.Plan{
		OperationType: plan.OperationQuery,
		Root: &plan.Defer{
			PrimaryNode: nil, // the whole selection was deferred
			Deferred: []plan.DeferredBlock{{
				Label: "defer-0",
				Node: &plan.Fetch{
					ID:            "defer-0/fetch-0",
					ServiceName:   "accounts",
					OperationDoc:  `query { currentUser { name } }`,
					OperationKind: plan.OperationQuery,
				},
			}},
		},
	}

	exec := executor.New(srv.Client(), superGraph)
	var chunks []assembler.Chunk
	if err := exec.ExecuteStream(context.Background(), p, nil, func(c assembler.Chunk) error {
		chunks = append(chunks, c)
		return nil
	}); err != nil {
		t.Fatalf("ExecuteStream failed: %v", err)
	}

	if len(chunks) != 2 {
		t.Fatalf("expected an initial chunk plus one increment, got %d chunks", len(chunks))
	}
	if len(chunks[0].Data) != 0 {
		t.Errorf("initial chunk of an all-deferred operation should be empty, got %v", chunks[0].Data)
	}
}

func TestExecute_ConditionPicksBranch(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"currentUser":{"id":"u1"}}}`))
	}))
	defer srv.Close()

	accountsSG := mustSubGraph(t, "accounts", `
		type User @key(fields: "id") { id: ID! }
		type Query { currentUser: User }
	`, srv.URL)
	superGraph, err := federation.NewSuperGraph([]*federation.SubGraph{accountsSG})
	if err != nil {
		t.Fatalf("NewSuperGraph failed: %v", err)
	}

	p := &plan.Plan{
		OperationType: plan.OperationQuery,
		Root: &plan.Condition{
			Variable: "withUser",
			IfClause: &plan.Fetch{
				ID:            "fetch-0",
				ServiceName:   "accounts",
				OperationDoc:  `query { currentUser { id } }`,
				OperationKind: plan.OperationQuery,
			},
		},
	}

	exec := executor.New(srv.Client(), superGraph)

	data, _, err := exec.Execute(context.Background(), p, map[string]interface{}{"withUser": false})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(data) != 0 || calls.Load() != 0 {
		t.Errorf("false condition must skip the branch entirely: data=%v calls=%d", data, calls.Load())
	}

	data, _, err = exec.Execute(context.Background(), p, map[string]interface{}{"withUser": true})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	user, _ := data["currentUser"].(map[string]interface{})
	if user["id"] != "u1" || calls.Load() != 1 {
		t.Errorf("true condition should run the if branch once: data=%v calls=%d", data, calls.Load())
	}
}
