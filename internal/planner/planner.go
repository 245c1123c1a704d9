package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/planner/plan"
	"github.com/n9te9/go-graphql-federation-gateway/internal/querygraph"
)

// Planner plans operations against one supergraph generation, caching
// the resulting plan.Plan by a hash of the supergraph's composed SDL
// and the operation document so concurrent requests for the same
// operation against the same schema generation plan it once.
type Planner struct {
	builder    *Builder
	schemaHash string
	cache      *lru.Cache[string, *plan.Plan]
	group      singleflight.Group
}

// DefaultCacheSize bounds the number of distinct plans kept per
// Planner generation before the least-recently-used entry is evicted.
const DefaultCacheSize = 4096

// Option configures a Planner at construction.
type Option func(*options)

type options struct {
	cacheCapacity     int
	explorationBudget int
}

// WithCacheCapacity overrides the plan cache's LRU capacity.
func WithCacheCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cacheCapacity = n
		}
	}
}

// WithExplorationBudget bounds the planning work one operation may
// trigger; an operation over budget fails with a "query too complex"
// planner error instead of planning.
func WithExplorationBudget(n int) Option {
	return func(o *options) { o.explorationBudget = n }
}

// New builds a Planner for one supergraph generation. schemaHash
// identifies this generation so New* Planners built after a schema
// reload naturally start with a cold, independent cache.
func New(superGraph *federation.SuperGraph, graph *querygraph.Graph, schemaHash string, opts ...Option) (*Planner, error) {
	o := options{cacheCapacity: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	cache, err := lru.New[string, *plan.Plan](o.cacheCapacity)
	if err != nil {
		return nil, err
	}
	builder := NewBuilder(superGraph, graph)
	builder.explorationBudget = o.explorationBudget
	return &Planner{
		builder:    builder,
		schemaHash: schemaHash,
		cache:      cache,
	}, nil
}

// Plan decomposes doc into per-subgraph fetch steps and lowers them
// into a canonical plan.Plan, reusing a cached plan when doc was seen
// before against this Planner's schema generation. Concurrent callers
// requesting the same uncached operation share one build via
// singleflight so a cache-cold burst of identical requests only plans
// once.
func (p *Planner) Plan(ctx context.Context, operationKey string, doc *ast.Document) (*plan.Plan, error) {
	cacheKey := p.cacheKey(operationKey)
	if cached, ok := p.cache.Get(cacheKey); ok {
		return cached, nil
	}

	result, err, _ := p.group.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := p.cache.Get(cacheKey); ok {
			return cached, nil
		}
		built, err := p.builder.buildPlan(doc)
		if err != nil {
			return nil, err
		}
		p.cache.Add(cacheKey, built)
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*plan.Plan), nil
}

// cacheKey combines the schema generation with the caller-supplied
// operation key (normally a hash of the client's literal query text
// plus the operation name) so plans never leak across schema reloads.
func (p *Planner) cacheKey(operationKey string) string {
	h := sha256.New()
	h.Write([]byte(p.schemaHash))
	h.Write([]byte{0})
	h.Write([]byte(operationKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Validate exposes the builder's supergraph and query graph so callers
// (e.g. the satisfiability check at schema-load time) can reuse the
// same instances the planner plans against.
func (p *Planner) Validate() (*federation.SuperGraph, *querygraph.Graph) {
	return p.builder.SuperGraph, p.builder.Graph
}
