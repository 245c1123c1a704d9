// Package assembler merges per-subgraph fetch responses into the
// ambient response tree (C8): path-based deep merge, null propagation,
// and response pruning against the original operation's selection set.
package assembler

import (
	"fmt"

	"github.com/n9te9/graphql-parser/ast"
)

// Merge merges source into target at path, matching the shape the
// planner produced: a path segment whose target value is a list merges
// element-by-element against a same-length source list; a path segment
// whose target value is a map merges recursively; an empty path merges
// source's fields directly into target.
func Merge(target map[string]interface{}, source interface{}, path []string) error {
	if len(path) == 0 {
		sourceMap, ok := source.(map[string]interface{})
		if !ok {
			return fmt.Errorf("assembler: source must be a map when path is empty")
		}
		for k, v := range sourceMap {
			target[k] = v
		}
		return nil
	}

	key := path[0]
	remaining := path[1:]

	value, exists := target[key]
	if !exists {
		if len(remaining) > 0 {
			target[key] = make(map[string]interface{})
			value = target[key]
		} else {
			target[key] = source
			return nil
		}
	}

	if list, ok := value.([]interface{}); ok {
		sourceList, ok := source.([]interface{})
		if !ok {
			return fmt.Errorf("assembler: source must be a list at path %v, got %T", path, source)
		}
		if len(list) != len(sourceList) {
			return fmt.Errorf("assembler: list length mismatch at path %v: target=%d source=%d", path, len(list), len(sourceList))
		}
		for i := range list {
			targetElem, ok := list[i].(map[string]interface{})
			if !ok {
				return fmt.Errorf("assembler: target list element %d at path %v is not a map", i, path)
			}
			if len(remaining) == 0 {
				sourceElem, ok := sourceList[i].(map[string]interface{})
				if !ok {
					return fmt.Errorf("assembler: source list element %d at path %v is not a map", i, path)
				}
				for k, v := range sourceElem {
					targetElem[k] = v
				}
				continue
			}
			if err := Merge(targetElem, sourceList[i], remaining); err != nil {
				return err
			}
		}
		return nil
	}

	if obj, ok := value.(map[string]interface{}); ok {
		if len(remaining) == 0 {
			sourceMap, ok := source.(map[string]interface{})
			if !ok {
				return fmt.Errorf("assembler: source must be a map at path %v", path)
			}
			for k, v := range sourceMap {
				obj[k] = v
			}
			return nil
		}
		return Merge(obj, source, remaining)
	}

	return fmt.Errorf("assembler: unsupported target type %T at path %v", value, path)
}

// Prune drops any field from data that isn't named by selections,
// undoing the key/@requires injection the planner performed, and
// expands fragment spreads/inline fragments by type-checking against
// each object's __typename when present.
func Prune(data interface{}, selections []ast.Selection, fragments map[string]*ast.FragmentDefinition) interface{} {
	if data == nil {
		return nil
	}

	switch v := data.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{})
		for _, sel := range flattenSelections(selections, fragments, typenameOf(v)) {
			field, ok := sel.(*ast.Field)
			if !ok {
				continue
			}
			fieldName := field.Name.String()
			lookupKey := fieldName
			if field.Alias != nil && field.Alias.String() != "" {
				lookupKey = field.Alias.String()
			}
			value, exists := v[lookupKey]
			if !exists {
				value, exists = v[fieldName]
			}
			if !exists {
				continue
			}
			if len(field.SelectionSet) > 0 {
				result[lookupKey] = Prune(value, field.SelectionSet, fragments)
			} else {
				result[lookupKey] = value
			}
		}
		return result

	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = Prune(item, selections, fragments)
		}
		return result

	default:
		return v
	}
}

func typenameOf(obj map[string]interface{}) string {
	if tn, ok := obj["__typename"].(string); ok {
		return tn
	}
	return ""
}

// flattenSelections expands fragment spreads and inline fragments whose
// type condition either names typeName or cannot be checked (typeName
// unknown), so pruning never silently drops a field the supergraph
// schema says applies.
func flattenSelections(selections []ast.Selection, fragments map[string]*ast.FragmentDefinition, typeName string) []ast.Selection {
	result := make([]ast.Selection, 0, len(selections))
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			result = append(result, s)
		case *ast.InlineFragment:
			cond := ""
			if s.TypeCondition != nil {
				cond = s.TypeCondition.Name.String()
			}
			if cond == "" || typeName == "" || cond == typeName {
				result = append(result, flattenSelections(s.SelectionSet, fragments, typeName)...)
			}
		case *ast.FragmentSpread:
			fragDef, ok := fragments[s.Name.String()]
			if !ok {
				continue
			}
			cond := fragDef.TypeCondition.Name.String()
			if typeName == "" || cond == typeName {
				result = append(result, flattenSelections(fragDef.SelectionSet, fragments, typeName)...)
			}
		}
	}
	return result
}

// PropagateNulls implements GraphQL null-bubbling: a null value under a
// non-null field position bubbles the null up to the nearest nullable
// ancestor, removing the offending subtree rather than leaving a
// type-invalid null in place. nonNullPaths names every field path
// (dot-joined, list indices omitted) known to be non-null in the
// supergraph schema. One error is recorded per offending non-null
// field, carrying that field's response path. Returns nil data when the
// null bubbles all the way to the response root.
func PropagateNulls(data map[string]interface{}, nonNullPaths map[string]bool) (map[string]interface{}, []GraphQLError) {
	var errs []GraphQLError
	_, bubbled := propagate(data, "", nil, nonNullPaths, &errs)
	if bubbled {
		return nil, errs
	}
	return data, errs
}

// propagate returns the (possibly nulled) value and whether a non-null
// violation at this node requires the caller to bubble null upward.
func propagate(value interface{}, path string, respPath []interface{}, nonNullPaths map[string]bool, errs *[]GraphQLError) (interface{}, bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		for k, child := range v {
			childPath := joinPath(path, k)
			childRespPath := append(append([]interface{}{}, respPath...), k)
			newChild, bubble := propagate(child, childPath, childRespPath, nonNullPaths, errs)
			if bubble {
				if nonNullPaths[childPath] {
					return nil, true
				}
				v[k] = nil
				continue
			}
			v[k] = newChild
		}
		return v, false
	case []interface{}:
		for i, item := range v {
			newItem, bubble := propagate(item, path, append(append([]interface{}{}, respPath...), i), nonNullPaths, errs)
			if bubble {
				return nil, true
			}
			v[i] = newItem
		}
		return v, false
	case nil:
		if nonNullPaths[path] {
			*errs = append(*errs, GraphQLError{
				Message: fmt.Sprintf("Cannot return null for non-nullable field %s", path),
				Path:    respPath,
			})
			return nil, true
		}
		return nil, false
	default:
		return v, false
	}
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + "." + segment
}
