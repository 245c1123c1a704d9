package gatewayconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/n9te9/go-graphql-federation-gateway/internal/gatewayconfig"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
endpoint: /graphql
service_name: gw
port: 8080
services:
  - name: products
    host: http://localhost:4001
    schema_files: [schemas/products.graphql]
planner:
  cache_capacity: 2048
  exploration_budget: 500
executor:
  max_requests_per_operation: 10
  subgraph_timeout_ms: 1500
  operation_timeout_ms: 4000
defer_enabled: true
subscription_enabled: true
include_subgraph_errors:
  all: true
  per_subgraph:
    products: false
`)

	cfg, err := gatewayconfig.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Planner.CacheCapacity != 2048 || cfg.Planner.ExplorationBudget != 500 {
		t.Errorf("planner config = %+v", cfg.Planner)
	}
	if cfg.Executor.MaxRequestsPerOperation != 10 || cfg.Executor.SubgraphTimeoutMs != 1500 {
		t.Errorf("executor config = %+v", cfg.Executor)
	}
	if !cfg.DeferEnabled || !cfg.SubscriptionEnabled {
		t.Error("defer/subscription toggles should be on")
	}
	if !cfg.IncludeSubgraphErrors.All || cfg.IncludeSubgraphErrors.PerSubgraph["products"] {
		t.Errorf("include_subgraph_errors = %+v", cfg.IncludeSubgraphErrors)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Name != "products" {
		t.Errorf("services = %+v", cfg.Services)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
endpoint: /graphql
port: 8080
`)
	cfg, err := gatewayconfig.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Planner.CacheCapacity != 1024 {
		t.Errorf("default cache capacity = %d, want 1024", cfg.Planner.CacheCapacity)
	}
	if cfg.Executor.SubgraphTimeoutMs != 3000 || cfg.Executor.OperationTimeoutMs != 10000 {
		t.Errorf("default executor timeouts = %+v", cfg.Executor)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := gatewayconfig.Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}
