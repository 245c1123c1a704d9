package server

import (
	"fmt"
	"os"
)

const starterConfig = `endpoint: /graphql
service_name: federation-gateway
port: 8080
timeout_duration: 5s
enable_hang_over_request_header: true

services:
  - name: products
    host: http://localhost:4001/query
    schema_files:
      - schemas/products.graphql
  - name: reviews
    host: http://localhost:4002/query
    schema_files:
      - schemas/reviews.graphql

planner:
  cache_capacity: 1024
  exploration_budget: 10000

executor:
  max_requests_per_operation: 0
  subgraph_timeout_ms: 3000
  operation_timeout_ms: 10000

defer_enabled: true
subscription_enabled: false

include_subgraph_errors:
  all: true

opentelemetry:
  tracing:
    enable: false
`

// Init writes a starter gateway.yaml into the current directory,
// refusing to overwrite an existing one.
func Init() {
	if _, err := os.Stat("gateway.yaml"); err == nil {
		fmt.Println("gateway.yaml already exists, leaving it untouched")
		return
	}
	if err := os.WriteFile("gateway.yaml", []byte(starterConfig), 0o644); err != nil {
		fmt.Printf("failed to write gateway.yaml: %v\n", err)
		return
	}
	fmt.Println("wrote gateway.yaml")
}
