package executor

import (
	"context"
	"fmt"

	"github.com/n9te9/go-graphql-federation-gateway/internal/assembler"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
)

// deferBlockState tracks one deferred block through its lifecycle: it
// waits on its dependency fetches, becomes ready once they complete,
// executes, and is emitted exactly once.
type deferBlockState int

const (
	deferWaiting deferBlockState = iota
	deferReady
	deferExecuting
	deferEmitted
)

type deferBlockRun struct {
	block plan.DeferredBlock
	state deferBlockState
}

// ExecuteStream runs a plan whose root is a Defer node, delivering the
// primary result as the first chunk and each deferred block as an
// incremental chunk once every fetch it depends on has completed. The
// final chunk carries hasNext=false. A plan without a Defer root is
// executed normally and delivered as one non-streamed chunk.
func (e *Executor) ExecuteStream(ctx context.Context, p *plan.Plan, variables map[string]interface{}, sink func(assembler.Chunk) error) error {
	deferNode, ok := p.Root.(*plan.Defer)
	if !ok {
		data, errs, err := e.Execute(ctx, p, variables)
		if err != nil {
			return err
		}
		return sink(assembler.Chunk{Data: data, Errors: errs, Initial: true})
	}

	root := make(map[string]interface{})
	st := newExecState()

	// Primary block: an all-deferred operation has no primary node but
	// still emits an (empty) initial chunk before any increment.
	if deferNode.PrimaryNode != nil {
		if err := e.run(ctx, deferNode.PrimaryNode, root, variables, st, nil); err != nil {
			return err
		}
	}

	runs := make([]*deferBlockRun, len(deferNode.Deferred))
	for i, block := range deferNode.Deferred {
		runs[i] = &deferBlockRun{block: block}
	}

	if err := sink(assembler.Chunk{Data: root, Errors: st.drainErrors(), HasNext: len(runs) > 0, Initial: true}); err != nil {
		return err
	}

	// Dependency-gated scheduling. The primary runs to completion
	// before any block is examined, so in the common case every block
	// is Ready on the first pass; the loop still re-checks so a block
	// whose dependencies include another deferred block's fetches waits
	// its turn. Emission order is completion order.
	remaining := len(runs)
	for remaining > 0 {
		progressed := false
		for _, r := range runs {
			if r.state == deferEmitted {
				continue
			}
			if r.state == deferWaiting {
				if !st.allCompleted(r.block.Depends) {
					continue
				}
				r.state = deferReady
			}

			r.state = deferExecuting
			payload, err := e.runDeferredBlock(ctx, r.block, variables, st)
			if err != nil {
				return err
			}
			r.state = deferEmitted
			remaining--
			progressed = true

			if err := sink(assembler.Chunk{
				Incremental: []assembler.IncrementalPayload{payload},
				HasNext:     remaining > 0,
			}); err != nil {
				return err
			}
		}
		if !progressed {
			return fmt.Errorf("executor: deferred blocks deadlocked waiting on dependencies")
		}
	}

	return nil
}

// runDeferredBlock executes one deferred block's sub-plan into a fresh
// tree and projects the result at the block's query path.
func (e *Executor) runDeferredBlock(ctx context.Context, block plan.DeferredBlock, variables map[string]interface{}, st *execState) (assembler.IncrementalPayload, error) {
	payload := assembler.IncrementalPayload{
		Label: block.Label,
		Path:  queryPathToResponsePath(block.QueryPath),
	}

	if block.Node == nil {
		payload.Data = map[string]interface{}{}
		return payload, nil
	}

	blockRoot := make(map[string]interface{})
	blockState := newExecState()
	if err := e.run(ctx, block.Node, blockRoot, variables, blockState, payload.Path); err != nil {
		return payload, err
	}
	// Completed fetch IDs become visible to later blocks gated on them.
	blockState.mu.Lock()
	for id := range blockState.completed {
		st.markCompleted(id)
	}
	blockState.mu.Unlock()

	payload.Data = assembler.DataAtPath(blockRoot, queryPathStrings(block.QueryPath))
	payload.Errors = blockState.drainErrors()
	return payload, nil
}

func queryPathStrings(path []plan.PathElement) []string {
	out := make([]string, 0, len(path))
	for _, elem := range path {
		name := elem.FieldName
		if elem.ResponseName != "" {
			name = elem.ResponseName
		}
		out = append(out, name)
	}
	return out
}

func queryPathToResponsePath(path []plan.PathElement) []interface{} {
	return assembler.PathToInterfaces(queryPathStrings(path))
}

// drainErrors removes and returns the errors accumulated so far, so a
// chunked response attributes each error to the chunk it arrived with.
func (st *execState) drainErrors() []GraphQLError {
	st.mu.Lock()
	defer st.mu.Unlock()
	errs := st.errors
	st.errors = nil
	return errs
}
