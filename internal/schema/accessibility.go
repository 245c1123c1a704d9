package schema

import (
	"fmt"

	"github.com/n9te9/graphql-parser/ast"
)

// ValidateAccessibility rejects an operation that selects a field or
// type marked @inaccessible in the internal schema: such members exist
// for composition but must never be resolvable from a client request,
// regardless of which subgraph happens to own them.
func ValidateAccessibility(selections []ast.Selection, rootTypeName string, internalSchema *ast.Document) error {
	return validateSelectionSet(selections, rootTypeName, internalSchema)
}

func validateSelectionSet(selections []ast.Selection, parentTypeName string, internalSchema *ast.Document) error {
	for _, sel := range selections {
		switch s := sel.(type) {
		case *ast.Field:
			fieldName := s.Name.String()
			if fieldName == "__typename" || fieldName == "__schema" || fieldName == "__type" {
				continue
			}
			if inaccessible, nextType := fieldAccessibility(internalSchema, parentTypeName, fieldName); inaccessible {
				return fmt.Errorf("schema: cannot query field %q on type %q: marked @inaccessible", fieldName, parentTypeName)
			} else if nextType != "" && len(s.SelectionSet) > 0 {
				if err := validateSelectionSet(s.SelectionSet, nextType, internalSchema); err != nil {
					return err
				}
			}
		case *ast.InlineFragment:
			typeCondition := parentTypeName
			if s.TypeCondition != nil {
				typeCondition = s.TypeCondition.String()
			}
			if err := validateSelectionSet(s.SelectionSet, typeCondition, internalSchema); err != nil {
				return err
			}
		case *ast.FragmentSpread:
			// Fragment bodies are validated where they're defined; a
			// spread alone carries no additional type information here.
		}
	}
	return nil
}

// fieldAccessibility reports whether parentType.fieldName is
// @inaccessible, and the unqualified name of fieldName's own type for
// recursive validation.
func fieldAccessibility(doc *ast.Document, parentType, fieldName string) (inaccessible bool, nextType string) {
	fields, typeDirectives := typeFields(doc, parentType)
	if typeDirectives != nil && hasDirective(typeDirectives, "inaccessible") {
		return true, ""
	}
	for _, f := range fields {
		if f.Name.String() != fieldName {
			continue
		}
		if hasDirective(f.Directives, "inaccessible") {
			return true, ""
		}
		return false, baseTypeNameOf(f.Type)
	}
	return false, ""
}

func typeFields(doc *ast.Document, typeName string) ([]*ast.FieldDefinition, []*ast.Directive) {
	for _, def := range doc.Definitions {
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			if t.Name.String() == typeName {
				return t.Fields, t.Directives
			}
		case *ast.InterfaceTypeDefinition:
			if t.Name.String() == typeName {
				return t.Fields, t.Directives
			}
		}
	}
	return nil, nil
}

func baseTypeNameOf(t ast.Type) string {
	s := t.String()
	return baseTypeNameFromString(s)
}

func baseTypeNameFromString(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == '[' || s[start] == '!') {
		start++
	}
	for end > start && (s[end-1] == ']' || s[end-1] == '!') {
		end--
	}
	return s[start:end]
}
