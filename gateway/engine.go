package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/n9te9/go-graphql-federation-gateway/internal/federation"
	"github.com/n9te9/go-graphql-federation-gateway/internal/gatewayconfig"
	"github.com/n9te9/go-graphql-federation-gateway/internal/lifecycle"
	"github.com/n9te9/go-graphql-federation-gateway/internal/satisfiability"
)

// schemaStore holds one schema generation: the raw SDLs and host URLs
// it was composed from, plus the pre-built request pipeline. It is
// stored in an atomic.Value, so every value must be read-only after it
// is constructed.
type schemaStore struct {
	sdls     map[string]string // subgraph name → SDL string
	hosts    map[string]string // subgraph name → base URL
	pipeline *lifecycle.Pipeline
}

// engine serves the active schema generation and swaps in a new one on
// reload. Reads are a single atomic load; reloads serialize behind a
// mutex so two concurrent reloads cannot interleave their rebuilds.
type engine struct {
	current    atomic.Value // *schemaStore
	reloadMu   sync.Mutex
	httpClient *http.Client
	config     *gatewayconfig.Config
}

func newEngine(sdls, hosts map[string]string, httpClient *http.Client, cfg *gatewayconfig.Config) (*engine, error) {
	e := &engine{httpClient: httpClient, config: cfg}
	store, err := buildStore(sdls, hosts, httpClient, cfg)
	if err != nil {
		return nil, err
	}
	e.current.Store(store)
	return e, nil
}

// pipeline returns the active generation's pipeline. Hot path: one
// atomic load, no locking.
func (e *engine) pipeline() *lifecycle.Pipeline {
	return e.current.Load().(*schemaStore).pipeline
}

// reload rebuilds the supergraph with name's SDL replaced (or added)
// and swaps the new generation in. A composition or satisfiability
// failure leaves the active generation untouched.
func (e *engine) reload(name, sdl, host string) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	old := e.current.Load().(*schemaStore)
	sdls := copyMap(old.sdls)
	hosts := copyMap(old.hosts)
	sdls[name] = sdl
	if host != "" {
		hosts[name] = host
	}

	store, err := buildStore(sdls, hosts, e.httpClient, e.config)
	if err != nil {
		return fmt.Errorf("gateway: schema reload rejected: %w", err)
	}
	e.current.Store(store)
	return nil
}

// buildStore composes a new supergraph from the given SDLs and host
// map, proves it satisfiable, and wraps it in a fresh pipeline. The
// order that subgraphs are processed is made deterministic by sorting
// names, so the schema generation hash is stable for identical inputs.
func buildStore(sdls, hosts map[string]string, httpClient *http.Client, cfg *gatewayconfig.Config) (*schemaStore, error) {
	names := make([]string, 0, len(sdls))
	for name := range sdls {
		names = append(names, name)
	}
	sort.Strings(names)

	subGraphs := make([]*federation.SubGraph, 0, len(names))
	for _, name := range names {
		sg, err := federation.NewSubGraph(name, []byte(sdls[name]), hosts[name])
		if err != nil {
			return nil, fmt.Errorf("gateway: build subgraph %q: %w", name, err)
		}
		subGraphs = append(subGraphs, sg)
	}

	superGraph, err := federation.NewSuperGraph(subGraphs)
	if err != nil {
		return nil, fmt.Errorf("gateway: composition failed: %w", err)
	}

	pipeline, err := lifecycle.New(superGraph, httpClient, cfg, generationHash(names, sdls))
	if err != nil {
		return nil, err
	}

	if errs := satisfiability.Validate(superGraph, pipeline.Graph); len(errs) > 0 {
		return nil, fmt.Errorf("gateway: supergraph is not satisfiable: %v", errs[0])
	}

	return &schemaStore{sdls: sdls, hosts: hosts, pipeline: pipeline}, nil
}

// generationHash identifies one composed-schema generation so the
// planner's cache naturally starts cold after a reload.
func generationHash(sortedNames []string, sdls map[string]string) string {
	h := sha256.New()
	for _, name := range sortedNames {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(sdls[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// copyMap returns a shallow copy of a string map.
func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
