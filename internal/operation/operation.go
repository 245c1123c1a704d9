// Package operation normalizes one operation out of a client-submitted
// document (C5): picking the right operation when a document defines
// several, collecting its fragment definitions for the planner, and coercing
// missing variables against the operation's own declared defaults.
package operation

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"

	"github.com/n9te9/go-graphql-federation-gateway/internal/schema"
)

// Operation is the single operation a request executes, plus the
// fragment definitions it may reference.
type Operation struct {
	Definition *ast.OperationDefinition
	Fragments  map[string]*ast.FragmentDefinition
	Kind       string // "query", "mutation", or "subscription"
}

// Normalize selects the operation to execute out of doc. operationName
// is required when doc defines more than one operation and ignored
// (but still matched, if non-empty) otherwise.
func Normalize(doc *ast.Document, operationName string) (*Operation, error) {
	var ops []*ast.OperationDefinition
	fragments := make(map[string]*ast.FragmentDefinition)

	for _, def := range doc.Definitions {
		switch d := def.(type) {
		case *ast.OperationDefinition:
			ops = append(ops, d)
		case *ast.FragmentDefinition:
			fragments[d.Name.String()] = d
		}
	}

	if len(ops) == 0 {
		return nil, fmt.Errorf("operation: document defines no operation")
	}

	var selected *ast.OperationDefinition
	if operationName == "" {
		if len(ops) > 1 {
			return nil, fmt.Errorf("operation: operationName is required when a document defines multiple operations")
		}
		selected = ops[0]
	} else {
		for _, op := range ops {
			if op.Name != nil && op.Name.String() == operationName {
				selected = op
				break
			}
		}
		if selected == nil {
			return nil, fmt.Errorf("operation: no operation named %q in document", operationName)
		}
	}

	return &Operation{
		Definition: selected,
		Fragments:  fragments,
		Kind:       string(selected.Operation),
	}, nil
}

// CoerceVariables returns provided merged with the operation's declared
// variable defaults for every variable provided omits, applying the
// same type-checked coercion a schema default value gets against
// coercer's schema. A missing non-null variable with no default is a
// hard error.
func (o *Operation) CoerceVariables(provided map[string]interface{}, coercer *schema.Coercer) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(provided))
	for k, v := range provided {
		out[k] = v
	}

	for _, vd := range o.Definition.VariableDefinitions {
		name := vd.Variable.Name
		if _, ok := out[name]; ok {
			continue
		}

		typeStr := vd.Type.String()
		if vd.DefaultValue != nil {
			coerced, err := coercer.Coerce(typeStr, vd.DefaultValue)
			if err == nil {
				out[name] = coerced
				continue
			}
			// An invalid default is dropped, not surfaced: the variable
			// behaves as if it had no default, matching how reference
			// tooling handles uncoercible schema defaults.
		}

		if strings.HasSuffix(typeStr, "!") {
			return nil, fmt.Errorf("operation: missing required variable $%s", name)
		}
		out[name] = nil
	}

	return out, nil
}
