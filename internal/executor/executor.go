// Package executor interprets a plan.Plan against a live set of
// subgraphs (C7): DAG-ordered/parallel scheduling, entity
// representation extraction, per-fetch HTTP calls, and response
// merging into one ambient tree the caller then prunes/assembles.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	gojson "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/n9te9/go-graphql-federation-gateway/internal/assembler"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
)

// GraphQLError is one entry of a GraphQL response's top-level "errors"
// array, carrying the response path the error occurred at. It is the
// assembler's wire error type; the alias keeps the executor's public
// surface self-contained.
type GraphQLError = assembler.GraphQLError

// Executor runs plan.Plan trees against the subgraphs named in their
// Fetch nodes.
type Executor struct {
	httpClient              *http.Client
	superGraph              *federation.SuperGraph
	maxRequestsPerOperation int64
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxRequestsPerOperation bounds the number of subgraph calls one
// Execute invocation may issue, guarding against a pathological plan
// (or a maliciously deep list-of-entities response) fanning out
// unboundedly. Zero means unlimited.
func WithMaxRequestsPerOperation(n int64) Option {
	return func(e *Executor) { e.maxRequestsPerOperation = n }
}

// New constructs an Executor.
func New(httpClient *http.Client, superGraph *federation.SuperGraph, opts ...Option) *Executor {
	e := &Executor{httpClient: httpClient, superGraph: superGraph}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type execState struct {
	mu            sync.Mutex
	errors        []GraphQLError
	completed     map[string]bool
	requestsSent  atomic.Int64
	limitExceeded error
}

func newExecState() *execState {
	return &execState{completed: make(map[string]bool)}
}

// markCompleted records a fetch as finished (successfully or not), so
// deferred blocks gated on its ID can become Ready.
func (st *execState) markCompleted(fetchID string) {
	st.mu.Lock()
	st.completed[fetchID] = true
	st.mu.Unlock()
}

func (st *execState) allCompleted(ids []string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, id := range ids {
		if !st.completed[id] {
			return false
		}
	}
	return true
}

// ErrRequestLimitExceeded marks the typed limit-exceeded condition so
// the lifecycle can map it to its extension code.
var ErrRequestLimitExceeded = fmt.Errorf("executor: subgraph request limit exceeded")

// Execute runs p.Root to completion, returning the merged response data
// and any GraphQL errors accumulated along the way. A subgraph or
// network failure never aborts the whole operation: the failed fetch
// contributes no data (its fields are left out of the merged result,
// not set to null) and an error is recorded, per spec.md's partial-
// response requirement.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, variables map[string]interface{}) (map[string]interface{}, []GraphQLError, error) {
	root := make(map[string]interface{})
	st := newExecState()

	if err := e.run(ctx, p.Root, root, variables, st, nil); err != nil {
		return root, st.errors, err
	}
	if st.limitExceeded != nil {
		return root, st.errors, st.limitExceeded
	}
	return root, st.errors, nil
}

func (e *Executor) run(ctx context.Context, node plan.Node, root map[string]interface{}, variables map[string]interface{}, st *execState, basePath []interface{}) error {
	switch n := node.(type) {
	case *plan.Fetch:
		return e.runRootFetch(ctx, n, root, variables, st, basePath)

	case *plan.Sequence:
		for _, child := range n.Nodes {
			if err := e.run(ctx, child, root, variables, st, basePath); err != nil {
				return err
			}
		}
		return nil

	case *plan.Parallel:
		eg, egCtx := errgroup.WithContext(ctx)
		for _, child := range n.Nodes {
			child := child
			eg.Go(func() error {
				return e.run(egCtx, child, root, variables, st, basePath)
			})
		}
		return eg.Wait()

	case *plan.Flatten:
		return e.runFlatten(ctx, n, root, variables, st, basePath)

	case *plan.Condition:
		branch := n.IfClause
		if !conditionValue(variables, n.Variable) {
			branch = n.ElseClause
		}
		if branch == nil {
			return nil
		}
		return e.run(ctx, branch, root, variables, st, basePath)

	case *plan.Defer:
		if n.PrimaryNode != nil {
			if err := e.run(ctx, n.PrimaryNode, root, variables, st, basePath); err != nil {
				return err
			}
		}
		for _, block := range n.Deferred {
			if block.Node == nil {
				continue
			}
			if err := e.run(ctx, block.Node, root, variables, st, basePath); err != nil {
				return err
			}
		}
		return nil

	case *plan.Subscription:
		return fmt.Errorf("executor: Subscription must be run via ExecuteSubscription, not Execute")

	default:
		return fmt.Errorf("executor: unknown plan node %T", node)
	}
}

func conditionValue(variables map[string]interface{}, name string) bool {
	v, ok := variables[name]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return ok && b
}

// runRootFetch sends a Fetch against its own subgraph's root query and
// merges the response data directly into root (a root fetch never has
// an InsertionPath beyond the operation root).
func (e *Executor) runRootFetch(ctx context.Context, f *plan.Fetch, root map[string]interface{}, variables map[string]interface{}, st *execState, basePath []interface{}) error {
	if err := e.checkLimit(st); err != nil {
		return err
	}
	defer st.markCompleted(f.ID)

	result, err := e.sendRequest(ctx, f, variables)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// A cancelled fetch contributes neither data nor errors.
			return nil
		}
		e.recordError(st, err, f.ServiceName, basePath)
		return nil
	}
	e.recordSubgraphErrors(st, result, f.ServiceName, basePath)

	data, _ := result["data"].(map[string]interface{})
	if data == nil {
		return nil
	}
	for k, v := range data {
		root[k] = v
	}
	return nil
}

// runFlatten locates the response subtree(s) at n.Path (relative to
// root, expanding through lists), builds one entity representation per
// located object, sends the entity Fetch, and merges the _entities
// response back into each located object in order. Any further nodes
// chained after the entity Fetch (a nested Sequence produced when an
// entity itself has boundary fields) are then run once per located
// object that got a representation (an entity dropped for a null key
// field gets no further fetches), treating that object as the local
// root — exactly mirroring
// how the planner computed the nested step's insertion path relative
// to its own parent.
func (e *Executor) runFlatten(ctx context.Context, n *plan.Flatten, root map[string]interface{}, variables map[string]interface{}, st *execState, basePath []interface{}) error {
	targets, targetPaths := locate(root, n.Path, basePath)
	if len(targets) == 0 {
		return nil
	}

	fetchNode, rest := splitFlattenChild(n.Child)
	if fetchNode == nil {
		return fmt.Errorf("executor: Flatten child has no Fetch node")
	}

	if err := e.checkLimit(st); err != nil {
		return err
	}
	defer st.markCompleted(fetchNode.ID)

	representations := make([]map[string]interface{}, 0, len(targets))
	repIndexes := make([]int, 0, len(targets))
	for i, target := range targets {
		rep := e.buildRepresentation(target, fetchNode)
		if rep == nil {
			continue
		}
		representations = append(representations, rep)
		repIndexes = append(repIndexes, i)
	}
	if len(representations) == 0 {
		return nil
	}

	entityVars := make(map[string]interface{}, len(variables)+1)
	for k, v := range variables {
		entityVars[k] = v
	}
	entityVars["representations"] = representations

	result, err := e.sendRequest(ctx, fetchNode, entityVars)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		e.recordError(st, err, fetchNode.ServiceName, basePath)
		return nil
	}
	e.recordSubgraphErrors(st, result, fetchNode.ServiceName, basePath)

	data, _ := result["data"].(map[string]interface{})
	entities, _ := data["_entities"].([]interface{})

	for j, idx := range repIndexes {
		if j >= len(entities) {
			break
		}
		entityMap, ok := entities[j].(map[string]interface{})
		if !ok || entityMap == nil {
			continue
		}
		applyDataRewrites(entityMap, fetchNode.OutputRewrites)
		if err := assembler.Merge(targets[idx], entityMap, nil); err != nil {
			e.recordError(st, err, fetchNode.ServiceName, targetPaths[idx])
		}
	}

	if rest == nil {
		return nil
	}
	for _, idx := range repIndexes {
		if err := e.run(ctx, rest, targets[idx], variables, st, basePath); err != nil {
			return err
		}
	}
	return nil
}

// splitFlattenChild returns the leading Fetch of a Flatten's child and
// anything chained after it (nil if the child is just the Fetch).
func splitFlattenChild(node plan.Node) (*plan.Fetch, plan.Node) {
	switch n := node.(type) {
	case *plan.Fetch:
		return n, nil
	case *plan.Sequence:
		if len(n.Nodes) == 0 {
			return nil, nil
		}
		fetch, ok := n.Nodes[0].(*plan.Fetch)
		if !ok {
			return nil, nil
		}
		if len(n.Nodes) == 1 {
			return fetch, nil
		}
		if len(n.Nodes) == 2 {
			return fetch, n.Nodes[1]
		}
		return fetch, &plan.Sequence{Nodes: n.Nodes[1:]}
	default:
		return nil, nil
	}
}

// locate walks path from root, expanding list values into one entry
// per element, and returns every object found at the end of path along
// with its full response path (for error reporting).
func locate(root map[string]interface{}, path []plan.PathElement, basePath []interface{}) ([]map[string]interface{}, [][]interface{}) {
	type frame struct {
		value interface{}
		path  []interface{}
	}
	frames := []frame{{value: root, path: basePath}}

	for _, elem := range path {
		var next []frame
		for _, fr := range frames {
			obj, ok := fr.value.(map[string]interface{})
			if !ok {
				continue
			}
			child, exists := obj[elem.FieldName]
			if !exists {
				continue
			}
			childPath := append(append([]interface{}{}, fr.path...), elem.FieldName)
			if list, isList := child.([]interface{}); isList {
				for i, item := range list {
					next = append(next, frame{value: item, path: append(append([]interface{}{}, childPath...), i)})
				}
				continue
			}
			next = append(next, frame{value: child, path: childPath})
		}
		frames = next
	}

	var targets []map[string]interface{}
	var paths [][]interface{}
	for _, fr := range frames {
		if obj, ok := fr.value.(map[string]interface{}); ok {
			targets = append(targets, obj)
			paths = append(paths, fr.path)
		}
	}
	return targets, paths
}

// buildRepresentation extracts the key fields (and any @requires
// fields) the entity Fetch needs from a located object, per the
// subgraph's own @key declaration for this entity type, returning nil
// if a required key field is missing.
func (e *Executor) buildRepresentation(obj map[string]interface{}, f *plan.Fetch) map[string]interface{} {
	sg := e.superGraph.SubGraphByName(f.ServiceName)
	if sg == nil {
		return nil
	}
	entity, ok := sg.GetEntity(f.EntityTypeName)
	if !ok || len(entity.Keys) == 0 {
		return nil
	}

	rep := map[string]interface{}{"__typename": f.EntityTypeName}
	for _, keyField := range strings.Fields(entity.Keys[0].FieldSet) {
		v, exists := obj[keyField]
		if !exists || v == nil {
			// A null key field drops the entity: it cannot be resolved
			// and dependent fetches for it are skipped.
			return nil
		}
		rep[keyField] = v
	}
	for _, reqField := range f.RequiresFields {
		if v, exists := obj[reqField]; exists {
			rep[reqField] = v
		}
	}
	applyDataRewrites(rep, f.InputRewrites)
	applyDataRewrites(rep, f.ContextRewrites)
	return rep
}

// applyDataRewrites applies a fetch boundary's data rewrites in place:
// a ValueSetter overwrites (or, with a nil value, removes) the value
// at its path; a KeyRenamer renames the final path key.
func applyDataRewrites(obj map[string]interface{}, rewrites []plan.DataRewrite) {
	for _, rw := range rewrites {
		if len(rw.Path) == 0 {
			continue
		}
		target := obj
		ok := true
		for _, elem := range rw.Path[:len(rw.Path)-1] {
			next, isMap := target[elem.FieldName].(map[string]interface{})
			if !isMap {
				ok = false
				break
			}
			target = next
		}
		if !ok {
			continue
		}
		last := rw.Path[len(rw.Path)-1].FieldName
		switch rw.Kind {
		case plan.RewriteValueSetter:
			if rw.Value == nil {
				delete(target, last)
			} else {
				target[last] = rw.Value
			}
		case plan.RewriteKeyRenamer:
			if v, exists := target[last]; exists && rw.RenameTo != "" && rw.RenameTo != last {
				delete(target, last)
				target[rw.RenameTo] = v
			}
		}
	}
}

// checkLimit admits one more subgraph request or returns the typed
// limit error, aborting the operation: the caller propagates it so the
// enclosing errgroup cancels outstanding sibling fetches.
func (e *Executor) checkLimit(st *execState) error {
	if e.maxRequestsPerOperation <= 0 {
		return nil
	}
	if st.requestsSent.Add(1) > e.maxRequestsPerOperation {
		err := fmt.Errorf("%w: max %d subgraph requests for this operation", ErrRequestLimitExceeded, e.maxRequestsPerOperation)
		st.mu.Lock()
		st.limitExceeded = err
		st.mu.Unlock()
		return err
	}
	return nil
}

func (e *Executor) sendRequest(ctx context.Context, f *plan.Fetch, variables map[string]interface{}) (map[string]interface{}, error) {
	sg := e.superGraph.SubGraphByName(f.ServiceName)
	if sg == nil {
		return nil, fmt.Errorf("executor: unknown subgraph %s", f.ServiceName)
	}

	reqBody := map[string]interface{}{"query": f.OperationDoc}
	if len(variables) > 0 {
		reqBody["variables"] = variables
	}

	bodyBytes, err := gojson.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("executor: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sg.Host, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("executor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range RequestHeaderFromContext(ctx) {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executor: subgraph %s request failed: %w", f.ServiceName, err)
	}
	defer resp.Body.Close()

	var result map[string]interface{}
	if err := gojson.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("executor: subgraph %s response decode: %w", f.ServiceName, err)
	}
	return result, nil
}

func (e *Executor) recordError(st *execState, err error, serviceName string, path []interface{}) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.errors = append(st.errors, GraphQLError{
		Message:    err.Error(),
		Path:       path,
		Extensions: map[string]any{"serviceName": serviceName},
	})
}

func (e *Executor) recordSubgraphErrors(st *execState, result map[string]interface{}, serviceName string, basePath []interface{}) {
	errs, ok := result["errors"].([]interface{})
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, item := range errs {
		errMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		message, _ := errMap["message"].(string)
		if message == "" {
			message = "subgraph returned an unlabeled error"
		}
		path := append([]interface{}{}, basePath...)
		if errPath, ok := errMap["path"].([]interface{}); ok {
			path = append(path, errPath...)
		}
		ext := map[string]any{"serviceName": serviceName}
		if exts, ok := errMap["extensions"].(map[string]interface{}); ok {
			for k, v := range exts {
				ext[k] = v
			}
		}
		st.errors = append(st.errors, GraphQLError{Message: message, Path: path, Extensions: ext})
	}
}

// requestHeaderContextKey stores the inbound client request's headers
// on the context passed to Execute, so subgraph fetches can forward
// selected headers (authorization, tracing) upstream.
type requestHeaderContextKey struct{}

// WithRequestHeader attaches header to ctx for subgraph requests issued
// during this operation's execution to forward.
func WithRequestHeader(ctx context.Context, header http.Header) context.Context {
	return context.WithValue(ctx, requestHeaderContextKey{}, header)
}

// RequestHeaderFromContext returns the header set attached by
// WithRequestHeader, or an empty header set if none was attached.
func RequestHeaderFromContext(ctx context.Context) http.Header {
	h, ok := ctx.Value(requestHeaderContextKey{}).(http.Header)
	if !ok {
		return http.Header{}
	}
	return h
}
