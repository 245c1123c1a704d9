// Package gatewayconfig loads the gateway's YAML configuration file,
// grounded on the same shape and library (github.com/goccy/go-yaml)
// the teacher's server package used, extended with the planner and
// executor options spec.md §6 enumerates.
package gatewayconfig

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// Service is one subgraph's identity and schema source files.
type Service struct {
	Name        string   `yaml:"name"`
	Host        string   `yaml:"host"`
	SchemaFiles []string `yaml:"schema_files"`
}

// OpentelemetryTracingSetting toggles OTLP trace export.
type OpentelemetryTracingSetting struct {
	Enable bool `yaml:"enable" default:"false"`
}

// OpentelemetrySetting groups observability settings.
type OpentelemetrySetting struct {
	TracingSetting OpentelemetryTracingSetting `yaml:"tracing"`
}

// PlannerConfig bounds C6's plan cache and exploration budget.
type PlannerConfig struct {
	CacheCapacity     int `yaml:"cache_capacity" default:"1024"`
	ExplorationBudget int `yaml:"exploration_budget" default:"10000"`
}

// ExecutorConfig bounds C7's resource usage.
type ExecutorConfig struct {
	MaxRequestsPerOperation int64 `yaml:"max_requests_per_operation"`
	SubgraphTimeoutMs       int   `yaml:"subgraph_timeout_ms" default:"3000"`
	OperationTimeoutMs      int   `yaml:"operation_timeout_ms" default:"10000"`
}

// IncludeSubgraphErrorsConfig governs whether raw subgraph errors reach
// the client, globally or per subgraph.
type IncludeSubgraphErrorsConfig struct {
	All         bool            `yaml:"all"`
	PerSubgraph map[string]bool `yaml:"per_subgraph"`
}

// Config is the gateway's full configuration file.
type Config struct {
	Endpoint                    string                      `yaml:"endpoint"`
	ServiceName                 string                      `yaml:"service_name"`
	Port                        int                         `yaml:"port"`
	TimeoutDuration             string                      `yaml:"timeout_duration" default:"5s"`
	EnableHangOverRequestHeader bool                        `yaml:"enable_hang_over_request_header" default:"true"`
	Services                    []Service                   `yaml:"services"`
	Opentelemetry               OpentelemetrySetting        `yaml:"opentelemetry"`
	Planner                     PlannerConfig               `yaml:"planner"`
	Executor                    ExecutorConfig              `yaml:"executor"`
	DeferEnabled                bool                        `yaml:"defer_enabled"`
	SubscriptionEnabled         bool                        `yaml:"subscription_enabled"`
	IncludeSubgraphErrors       IncludeSubgraphErrorsConfig `yaml:"include_subgraph_errors"`
}

// Load reads and unmarshals the gateway configuration file at path,
// applying the values of the default struct tags above for anything
// the file omits.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("gatewayconfig: open %s: %w", path, err)
	}
	defer f.Close()

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("gatewayconfig: read %s: %w", path, err)
	}

	cfg := &Config{
		TimeoutDuration:             "5s",
		EnableHangOverRequestHeader: true,
		Planner:                     PlannerConfig{CacheCapacity: 1024, ExplorationBudget: 10000},
		Executor:                    ExecutorConfig{SubgraphTimeoutMs: 3000, OperationTimeoutMs: 10000},
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("gatewayconfig: unmarshal %s: %w", path, err)
	}
	return cfg, nil
}
