package planner

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
)

// buildRootQueryText renders a root-operation step's selection set as
// an outgoing GraphQL document string, plus the variable names it
// references (their values are substituted at execution time from the
// per-request variables).
func buildRootQueryText(s *step, operationKind string) (string, []string, error) {
	var sb strings.Builder
	varNames := collectVariableNames(s.SelectionSet)

	if operationKind == "" {
		operationKind = "query"
	}

	sb.WriteString(operationKind)
	if len(varNames) > 0 {
		sb.WriteString(" (")
		for i, name := range varNames {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("$")
			sb.WriteString(name)
			sb.WriteString(": ")
			sb.WriteString(inferVariableType(s, name))
		}
		sb.WriteString(")")
	}
	sb.WriteString(" {\n")

	for _, sel := range s.SelectionSet {
		if err := writeSelection(&sb, sel, "\t", s, s.ParentType); err != nil {
			return "", nil, err
		}
	}
	sb.WriteString("}")

	return sb.String(), varNames, nil
}

// buildEntityQueryText renders an entity-resolution step as an
// _entities(representations: $representations) query. The actual
// representation values are supplied at execution time.
func buildEntityQueryText(s *step) (string, error) {
	var sb strings.Builder
	sb.WriteString("query ($representations: [_Any!]!) {\n")
	sb.WriteString("\t_entities(representations: $representations) {\n")
	sb.WriteString("\t\t... on ")
	sb.WriteString(s.ParentType)
	sb.WriteString(" {\n")

	for _, sel := range s.SelectionSet {
		if err := writeSelection(&sb, sel, "\t\t\t", s, s.ParentType); err != nil {
			return "", err
		}
	}

	sb.WriteString("\t\t}\n\t}\n}")
	return sb.String(), nil
}

func collectVariableNames(selections []ast.Selection) []string {
	seen := make(map[string]bool)
	var names []string
	var walk func([]ast.Selection)
	walk = func(sels []ast.Selection) {
		for _, sel := range sels {
			switch s := sel.(type) {
			case *ast.Field:
				for _, arg := range s.Arguments {
					collectVariablesFromValue(arg.Value, seen, &names)
				}
				if len(s.SelectionSet) > 0 {
					walk(s.SelectionSet)
				}
			case *ast.InlineFragment:
				if len(s.SelectionSet) > 0 {
					walk(s.SelectionSet)
				}
			}
		}
	}
	walk(selections)
	return names
}

func collectVariablesFromValue(val ast.Value, seen map[string]bool, names *[]string) {
	switch v := val.(type) {
	case *ast.Variable:
		if !seen[v.Name] {
			seen[v.Name] = true
			*names = append(*names, v.Name)
		}
	case *ast.ListValue:
		for _, item := range v.Values {
			collectVariablesFromValue(item, seen, names)
		}
	case *ast.ObjectValue:
		for _, f := range v.Fields {
			collectVariablesFromValue(f.Value, seen, names)
		}
	}
}

func inferVariableType(s *step, varName string) string {
	if t := variableTypeFromSchema(s, varName); t != "" {
		return t
	}
	return "String"
}

func variableTypeFromSchema(s *step, varName string) string {
	for _, sel := range s.SelectionSet {
		field, ok := sel.(*ast.Field)
		if !ok {
			continue
		}
		for _, arg := range field.Arguments {
			variable, ok := arg.Value.(*ast.Variable)
			if ok && variable.Name == varName {
				return argumentTypeFromSchema(s, s.ParentType, field.Name.String(), arg.Name.String())
			}
		}
	}
	return ""
}

func argumentTypeFromSchema(s *step, parentType, fieldName, argName string) string {
	if s.SubGraph == nil || s.SubGraph.Schema == nil {
		return ""
	}
	for _, def := range s.SubGraph.Schema.Definitions {
		objType, ok := def.(*ast.ObjectTypeDefinition)
		if !ok || objType.Name.String() != parentType {
			continue
		}
		for _, field := range objType.Fields {
			if field.Name.String() != fieldName {
				continue
			}
			for _, arg := range field.Arguments {
				if arg.Name.String() == argName {
					return arg.Type.String()
				}
			}
		}
	}
	return ""
}

func fieldTypeFromSchema(s *step, parentType, fieldName string) string {
	if s.SubGraph == nil || s.SubGraph.Schema == nil {
		return ""
	}
	for _, def := range s.SubGraph.Schema.Definitions {
		var name string
		var fields []*ast.FieldDefinition
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			name, fields = t.Name.String(), t.Fields
		case *ast.InterfaceTypeDefinition:
			name, fields = t.Name.String(), t.Fields
		default:
			continue
		}
		if name != parentType {
			continue
		}
		for _, field := range fields {
			if field.Name.String() == fieldName {
				return baseTypeName(field.Type.String())
			}
		}
	}
	return ""
}

func baseTypeName(typeStr string) string {
	cleaned := strings.Trim(typeStr, "[]!")
	cleaned = strings.ReplaceAll(cleaned, "[", "")
	cleaned = strings.ReplaceAll(cleaned, "]", "")
	cleaned = strings.ReplaceAll(cleaned, "!", "")
	return cleaned
}

func writeSelection(sb *strings.Builder, sel ast.Selection, indent string, s *step, parentType string) error {
	switch v := sel.(type) {
	case *ast.Field:
		fieldName := v.Name.String()
		sb.WriteString(indent)
		if v.Alias != nil && v.Alias.String() != "" {
			sb.WriteString(v.Alias.String())
			sb.WriteString(": ")
		}
		sb.WriteString(fieldName)

		if len(v.Arguments) > 0 {
			sb.WriteString("(")
			for i, arg := range v.Arguments {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(arg.Name.String())
				sb.WriteString(": ")
				writeValue(sb, arg.Value)
			}
			sb.WriteString(")")
		}

		if len(v.SelectionSet) > 0 {
			fieldType := fieldTypeFromSchema(s, parentType, fieldName)
			sb.WriteString(" {\n")
			for _, sub := range v.SelectionSet {
				if err := writeSelection(sb, sub, indent+"\t", s, fieldType); err != nil {
					return err
				}
			}
			sb.WriteString(indent)
			sb.WriteString("}")
		}
		sb.WriteString("\n")

	case *ast.InlineFragment:
		sb.WriteString(indent)
		sb.WriteString("... on ")
		typeCondition := v.TypeCondition.Name.String()
		sb.WriteString(typeCondition)
		sb.WriteString(" {\n")
		for _, sub := range v.SelectionSet {
			if err := writeSelection(sb, sub, indent+"\t", s, typeCondition); err != nil {
				return err
			}
		}
		sb.WriteString(indent)
		sb.WriteString("}\n")

	case *ast.FragmentSpread:
		sb.WriteString(indent)
		sb.WriteString("...")
		sb.WriteString(v.Name.String())
		sb.WriteString("\n")
	}
	return nil
}

func writeValue(sb *strings.Builder, val ast.Value) {
	switch v := val.(type) {
	case *ast.StringValue:
		sb.WriteString(fmt.Sprintf("%q", v.Value))
	case *ast.IntValue:
		fmt.Fprintf(sb, "%d", v.Value)
	case *ast.FloatValue:
		fmt.Fprintf(sb, "%f", v.Value)
	case *ast.BooleanValue:
		fmt.Fprintf(sb, "%t", v.Value)
	case *ast.Variable:
		sb.WriteString("$")
		sb.WriteString(v.Name)
	case *ast.ListValue:
		sb.WriteString("[")
		for i, item := range v.Values {
			if i > 0 {
				sb.WriteString(", ")
			}
			writeValue(sb, item)
		}
		sb.WriteString("]")
	case *ast.ObjectValue:
		sb.WriteString("{")
		for i, f := range v.Fields {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(f.Name.String())
			sb.WriteString(": ")
			writeValue(sb, f.Value)
		}
		sb.WriteString("}")
	case *ast.EnumValue:
		sb.WriteString(v.Value)
	default:
		sb.WriteString("null")
	}
}
