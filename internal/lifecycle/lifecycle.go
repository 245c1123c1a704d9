// Package lifecycle wires the four request stages (C9) spec.md §4.6
// names — Router, Supergraph, Execution, Subgraph — into one pipeline:
// parse the inbound request (content negotiation happens in the
// gateway package's HTTP handler), normalize and plan the
// operation, run the plan, and hand fetches down to the executor
// (C7), which owns the Subgraph stage itself.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"

	"github.com/n9te9/go-graphql-federation-gateway/internal/assembler"
	"github.com/n9te9/go-graphql-federation-gateway/internal/executor"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/gatewayconfig"
	"github.com/n9te9/go-graphql-federation-gateway/internal/gqlerr"
	"github.com/n9te9/go-graphql-federation-gateway/internal/operation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
	"github.com/n9te9/go-graphql-federation-gateway/internal/querygraph"
	"github.com/n9te9/go-graphql-federation-gateway/internal/schema"
)

// State is the request's position in the Accepted → Parsed → Planned →
// Executing → (Streaming|Completed|Failed) state machine spec.md §4.7
// defines.
type State string

const (
	StateAccepted  State = "accepted"
	StateParsed    State = "parsed"
	StatePlanned   State = "planned"
	StateExecuting State = "executing"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Request is the Router stage's input: raw client bytes already decoded
// into their GraphQL request fields, plus the HTTP metadata later
// stages may need.
type Request struct {
	ID            string
	Query         string
	OperationName string
	Variables     map[string]interface{}
	Header        http.Header
}

// Response is the Execution stage's output, ready for the router to
// frame as a single JSON body (or as the primary chunk of a deferred /
// subscription stream).
type Response struct {
	Data   map[string]interface{}  `json:"data"`
	Errors []executor.GraphQLError `json:"errors,omitempty"`
	State  State                   `json:"-"`
}

// Pipeline holds one schema generation's compiled components: the
// composed supergraph, its query graph, a warm planner, and an
// executor bound to that generation's subgraph set. A schema reload
// builds a new Pipeline and swaps it in atomically; in-flight requests
// keep running against the Pipeline they started with.
type Pipeline struct {
	SuperGraph *federation.SuperGraph
	Graph      *querygraph.Graph
	Planner    *planner.Planner
	Executor   *executor.Executor
	Config     *gatewayconfig.Config

	coercer *schema.Coercer
}

// New builds a Pipeline for one supergraph generation.
func New(superGraph *federation.SuperGraph, httpClient *http.Client, cfg *gatewayconfig.Config, schemaHash string) (*Pipeline, error) {
	graph := querygraph.Build(superGraph.SubGraphs)

	var plannerOpts []planner.Option
	var execOpts []executor.Option
	if cfg != nil {
		plannerOpts = append(plannerOpts,
			planner.WithCacheCapacity(cfg.Planner.CacheCapacity),
			planner.WithExplorationBudget(cfg.Planner.ExplorationBudget),
		)
		if cfg.Executor.MaxRequestsPerOperation > 0 {
			execOpts = append(execOpts, executor.WithMaxRequestsPerOperation(cfg.Executor.MaxRequestsPerOperation))
		}
	}

	p, err := planner.New(superGraph, graph, schemaHash, plannerOpts...)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build planner: %w", err)
	}

	return &Pipeline{
		SuperGraph: superGraph,
		Graph:      graph,
		Planner:    p,
		Executor:   executor.New(httpClient, superGraph, execOpts...),
		Config:     cfg,
		coercer:    schema.NewCoercer(superGraph.Schema),
	}, nil
}

// prepared is the outcome of the Router + Supergraph stages: a planned
// operation ready for execution.
type prepared struct {
	op        *operation.Operation
	plan      *plan.Plan
	variables map[string]interface{}
}

// prepare runs parsing, normalization, accessibility validation,
// variable coercion, and planning. A client- or planner-kind failure
// comes back as a ready-to-send Response; only both return values nil
// is impossible.
func (p *Pipeline) prepare(ctx context.Context, req Request) (*prepared, *Response) {
	doc, err := parseDocument(req.Query)
	if err != nil {
		return nil, clientError(err)
	}

	op, err := operation.Normalize(doc, req.OperationName)
	if err != nil {
		return nil, clientError(err)
	}

	if err := validateAccessibility(op, p.SuperGraph); err != nil {
		return nil, clientError(err)
	}

	variables, err := op.CoerceVariables(req.Variables, p.coercer)
	if err != nil {
		return nil, badUserInput(err)
	}

	if (p.Config == nil || !p.Config.SubscriptionEnabled) && op.Kind == "subscription" {
		return nil, clientError(fmt.Errorf("lifecycle: subscriptions are disabled"))
	}

	built, err := p.Planner.Plan(ctx, operationKey(req.Query, req.OperationName), doc)
	if err != nil {
		return nil, plannerError(err)
	}

	return &prepared{op: op, plan: built, variables: variables}, nil
}

// IsStreaming reports whether req plans to a deferred operation, so the
// router can pick multipart framing before execution begins. A planning
// failure reports false; the subsequent Handle call surfaces it.
func (p *Pipeline) IsStreaming(ctx context.Context, req Request) bool {
	if p.Config == nil || !p.Config.DeferEnabled {
		return false
	}
	prep, _ := p.prepare(ctx, req)
	if prep == nil {
		return false
	}
	_, ok := prep.plan.Root.(*plan.Defer)
	return ok
}

// Handle runs req through all four stages to completion as a single
// response. It never returns a transport-level error for a
// malformed-but-parseable GraphQL document: those surface as a
// populated Response.Errors with State = StateFailed instead, per
// spec.md §7's client-error policy.
func (p *Pipeline) Handle(ctx context.Context, req Request) *Response {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	prep, errResp := p.prepare(ctx, req)
	if errResp != nil {
		return errResp
	}

	ctx = p.executionContext(ctx, req)

	data, errs, err := p.Executor.Execute(ctx, prep.plan, prep.variables)
	if err != nil {
		return p.executionFailure(err, errs)
	}

	return p.finish(data, errs, prep)
}

// HandleStream runs req and delivers one or more chunks through sink:
// exactly one for a non-deferred operation, an initial chunk plus one
// per deferred block otherwise.
func (p *Pipeline) HandleStream(ctx context.Context, req Request, sink func(assembler.Chunk) error) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	prep, errResp := p.prepare(ctx, req)
	if errResp != nil {
		return sink(assembler.Chunk{Data: errResp.Data, Errors: errResp.Errors, Initial: true})
	}

	ctx = p.executionContext(ctx, req)

	return p.Executor.ExecuteStream(ctx, prep.plan, prep.variables, func(c assembler.Chunk) error {
		return sink(p.finishChunk(c, prep))
	})
}

// HandleSubscription opens req's upstream subscription and delivers one
// Response per received event until ctx is canceled or the upstream
// stream closes.
func (p *Pipeline) HandleSubscription(ctx context.Context, req Request, sink func(*Response) error) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	prep, errResp := p.prepare(ctx, req)
	if errResp != nil {
		return sink(errResp)
	}

	ctx = p.executionContext(ctx, req)

	var sinkErr error
	err := p.Executor.ExecuteSubscription(ctx, prep.plan, prep.variables, func(ev executor.Event) {
		if sinkErr != nil {
			return
		}
		resp := p.finish(ev.Data, ev.Errors, prep)
		resp.State = StateStreaming
		sinkErr = sink(resp)
	})
	if err != nil {
		return err
	}
	return sinkErr
}

func (p *Pipeline) executionContext(ctx context.Context, req Request) context.Context {
	if req.Header != nil && p.Config != nil && p.Config.EnableHangOverRequestHeader {
		ctx = executor.WithRequestHeader(ctx, req.Header)
	}
	return ctx
}

// executionFailure maps an execution-aborting error to a terminal
// Response. Per the resource-limit contract, data is null: an aborted
// operation must not leak the partial tree assembled before the limit
// was hit.
func (p *Pipeline) executionFailure(err error, errs []executor.GraphQLError) *Response {
	code := gqlerr.CodeInternalServerError
	switch {
	case errors.Is(err, executor.ErrRequestLimitExceeded):
		code = gqlerr.CodeRequestLimitExceeded
	case errors.Is(err, context.DeadlineExceeded):
		code = gqlerr.CodeTimeout
	}
	return &Response{
		Data: nil,
		Errors: append(p.filterSubgraphErrors(errs), executor.GraphQLError{
			Message:    err.Error(),
			Extensions: map[string]any{"code": string(code)},
		}),
		State: StateFailed,
	}
}

// finish applies the Response-assembler phases that follow raw fetch
// merging: pruning internal key/requires fields against the client's
// selection set, null propagation with its induced errors, subgraph
// error filtering, and stable error IDs.
func (p *Pipeline) finish(data map[string]interface{}, errs []executor.GraphQLError, prep *prepared) *Response {
	pruned, _ := assembler.Prune(data, prep.op.Definition.SelectionSet, prep.op.Fragments).(map[string]interface{})

	pruned, nullErrs := assembler.PropagateNulls(pruned, p.nonNullPaths(prep))
	errs = append(p.filterSubgraphErrors(errs), nullErrs...)
	errs = assembler.StampErrorIDs(errs)

	state := StateCompleted
	if len(errs) > 0 {
		state = StateFailed
	}
	return &Response{Data: pruned, Errors: errs, State: state}
}

// finishChunk applies the same finishing to a streamed chunk: the
// initial chunk's data prunes like a full response, each incremental
// payload prunes against the operation's selections at its path.
func (p *Pipeline) finishChunk(c assembler.Chunk, prep *prepared) assembler.Chunk {
	if c.Initial {
		resp := p.finish(c.Data, c.Errors, prep)
		c.Data = resp.Data
		c.Errors = resp.Errors
		return c
	}
	for i, inc := range c.Incremental {
		sels := selectionsAtPath(prep.op.Definition.SelectionSet, prep.op.Fragments, inc.Path)
		if sels != nil {
			c.Incremental[i].Data, _ = assembler.Prune(inc.Data, sels, prep.op.Fragments).(map[string]interface{})
		}
		c.Incremental[i].Errors = assembler.StampErrorIDs(p.filterSubgraphErrors(inc.Errors))
	}
	return c
}

// filterSubgraphErrors redacts subgraph-originated error messages when
// configuration excludes that subgraph (or all subgraphs) from client
// visibility; the error object survives with a generic message so the
// response shape still reflects the failure.
func (p *Pipeline) filterSubgraphErrors(errs []executor.GraphQLError) []executor.GraphQLError {
	if p.Config == nil {
		return errs
	}
	include := p.Config.IncludeSubgraphErrors
	out := make([]executor.GraphQLError, 0, len(errs))
	for _, e := range errs {
		service, _ := e.Extensions["serviceName"].(string)
		if service == "" {
			out = append(out, e)
			continue
		}
		allowed := include.All
		if per, ok := include.PerSubgraph[service]; ok {
			allowed = per
		}
		if !allowed {
			e.Message = fmt.Sprintf("subgraph %q returned an error", service)
		}
		out = append(out, e)
	}
	return out
}

// nonNullPaths derives the non-null field-path set for null propagation
// from the composed supergraph schema and the operation's selections.
func (p *Pipeline) nonNullPaths(prep *prepared) map[string]bool {
	rootType := "Query"
	switch prep.op.Kind {
	case "mutation":
		rootType = "Mutation"
	case "subscription":
		rootType = "Subscription"
	}
	sels := toAssemblerSelections(prep.op.Definition.SelectionSet, prep.op.Fragments)
	return assembler.NonNullPaths(p.typeFields, rootType, sels)
}

// typeFields returns fieldName → declared type string for one composed
// object or interface type.
func (p *Pipeline) typeFields(typeName string) map[string]string {
	for _, def := range p.SuperGraph.Schema.Definitions {
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			if t.Name.String() == typeName {
				return fieldTypeMap(t.Fields)
			}
		case *ast.InterfaceTypeDefinition:
			if t.Name.String() == typeName {
				return fieldTypeMap(t.Fields)
			}
		}
	}
	return nil
}

func fieldTypeMap(fields []*ast.FieldDefinition) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		out[f.Name.String()] = f.Type.String()
	}
	return out
}

func toAssemblerSelections(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition) []assembler.Selection {
	var out []assembler.Selection
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			name := s.Name.String()
			if strings.HasPrefix(name, "__") {
				continue
			}
			key := name
			if s.Alias != nil && s.Alias.String() != "" {
				key = s.Alias.String()
			}
			out = append(out, assembler.Selection{
				ResponseKey: key,
				FieldName:   name,
				Children:    toAssemblerSelections(s.SelectionSet, fragments),
			})
		case *ast.InlineFragment:
			out = append(out, toAssemblerSelections(s.SelectionSet, fragments)...)
		case *ast.FragmentSpread:
			if frag, ok := fragments[s.Name.String()]; ok {
				out = append(out, toAssemblerSelections(frag.SelectionSet, fragments)...)
			}
		}
	}
	return out
}

// selectionsAtPath descends the operation's selection set along a
// response path (expanding fragments, alias-aware) and returns the
// selections that apply under it, or nil when the path names something
// the operation never selected.
func selectionsAtPath(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition, path []interface{}) []ast.Selection {
	current := selections
	for _, seg := range path {
		name, ok := seg.(string)
		if !ok {
			continue // list index: selections are unchanged through a list
		}
		var next []ast.Selection
		for _, sel := range expandFragments(current, fragments) {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			key := field.Name.String()
			if field.Alias != nil && field.Alias.String() != "" {
				key = field.Alias.String()
			}
			if key == name {
				next = field.SelectionSet
				break
			}
		}
		if next == nil {
			return nil
		}
		current = next
	}
	return current
}

func expandFragments(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition) []ast.Selection {
	var out []ast.Selection
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.InlineFragment:
			out = append(out, expandFragments(s.SelectionSet, fragments)...)
		case *ast.FragmentSpread:
			if frag, ok := fragments[s.Name.String()]; ok {
				out = append(out, expandFragments(frag.SelectionSet, fragments)...)
			}
		default:
			out = append(out, sel)
		}
	}
	return out
}

func parseDocument(query string) (*ast.Document, error) {
	l := lexer.New(query)
	p := parser.New(l)
	doc := p.ParseDocument()
	if errs := p.Errors(); len(errs) > 0 {
		return nil, fmt.Errorf("lifecycle: %v", errs)
	}
	return doc, nil
}

func validateAccessibility(op *operation.Operation, superGraph *federation.SuperGraph) error {
	rootTypeName := "Query"
	switch op.Kind {
	case "mutation":
		rootTypeName = "Mutation"
	case "subscription":
		rootTypeName = "Subscription"
	}
	if err := schema.ValidateAccessibility(op.Definition.SelectionSet, rootTypeName, superGraph.Schema); err != nil {
		return err
	}
	for _, frag := range op.Fragments {
		if err := schema.ValidateAccessibility(frag.SelectionSet, frag.TypeCondition.Name.String(), superGraph.Schema); err != nil {
			return err
		}
	}
	return nil
}

func clientError(err error) *Response {
	return &Response{
		Errors: []executor.GraphQLError{{Message: err.Error(), Extensions: map[string]any{"code": string(gqlerr.CodeValidationFailed)}}},
		State:  StateFailed,
	}
}

func badUserInput(err error) *Response {
	return &Response{
		Errors: []executor.GraphQLError{{Message: err.Error(), Extensions: map[string]any{"code": string(gqlerr.CodeBadUserInput)}}},
		State:  StateFailed,
	}
}

func plannerError(err error) *Response {
	return &Response{
		Errors: []executor.GraphQLError{{Message: err.Error(), Extensions: map[string]any{"code": string(gqlerr.CodeInternalServerError)}}},
		State:  StateFailed,
	}
}

// operationKey derives the planner cache key from the raw query text
// and operation name. It deliberately hashes the client's literal
// query string rather than a reprinted/normalized form: two textually
// distinct-but-equivalent queries planning independently is an
// acceptable cache-miss cost, and avoids needing a canonical printer
// for client operations (only the supergraph SDL needs one, via
// internal/schema).
func operationKey(query, operationName string) string {
	h := sha256.New()
	h.Write([]byte(operationName))
	h.Write([]byte{0})
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}
