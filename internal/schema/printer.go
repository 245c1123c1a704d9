// Package schema derives the API schema (the SDL a client introspects)
// from the internal composed schema (C1): stripping federation-only
// directive applications, hiding @inaccessible types and fields, and
// printing the result back to SDL text. It also carries the
// default-value coercion rules the planner and executor rely on when a
// variable is omitted.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
)

// federationDirectives are stripped from every definition when deriving
// the API schema: they describe composition, not client-visible shape.
var federationDirectives = map[string]bool{
	"key":              true,
	"external":         true,
	"requires":         true,
	"provides":         true,
	"shareable":        true,
	"override":         true,
	"extends":          true,
	"link":             true,
	"interfaceObject":  true,
	"context":          true,
	"fromContext":      true,
	"composeDirective": true,
	"inaccessible":     true,
}

// defaultDeprecationReason is @deprecated's schema-declared default; an
// application carrying exactly this value prints without the argument.
const defaultDeprecationReason = "No longer supported"

// isJoinSynthetic reports whether name is a synthetic composition-only
// type (join__Graph, join__FieldSet, link__Purpose, _Service, ...) that
// never belongs in the API schema.
func isJoinSynthetic(name string) bool {
	return strings.HasPrefix(name, "join__") || strings.HasPrefix(name, "link__") || strings.HasPrefix(name, "_")
}

// APISchema derives the client-visible schema from internal, dropping
// federation directive applications, composition-only synthetic types,
// every type, field and input field marked @inaccessible (an
// @inaccessible enum value or argument is kept), and any argument or input-field
// default that does not coerce against its declared type. The internal
// schema itself is left untouched; APISchema operates on copies.
func APISchema(internal *ast.Document) *ast.Document {
	out := &ast.Document{Definitions: make([]ast.Definition, 0, len(internal.Definitions))}
	coercer := NewCoercer(internal)

	for _, def := range internal.Definitions {
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			if isJoinSynthetic(t.Name.String()) || hasDirective(t.Directives, "inaccessible") {
				continue
			}
			out.Definitions = append(out.Definitions, &ast.ObjectTypeDefinition{
				Name:       t.Name,
				Interfaces: t.Interfaces,
				Fields:     sanitizeArgumentDefaults(stripInaccessibleFields(t.Fields), coercer),
				Directives: stripFederationDirectives(t.Directives),
			})
		case *ast.InterfaceTypeDefinition:
			if hasDirective(t.Directives, "inaccessible") {
				continue
			}
			out.Definitions = append(out.Definitions, &ast.InterfaceTypeDefinition{
				Name:       t.Name,
				Fields:     sanitizeArgumentDefaults(stripInaccessibleFields(t.Fields), coercer),
				Directives: stripFederationDirectives(t.Directives),
			})
		case *ast.InputObjectTypeDefinition:
			if hasDirective(t.Directives, "inaccessible") {
				continue
			}
			out.Definitions = append(out.Definitions, &ast.InputObjectTypeDefinition{
				Name:       t.Name,
				Fields:     sanitizeInputFieldDefaults(t.Fields, coercer),
				Directives: stripFederationDirectives(t.Directives),
			})
		case *ast.EnumTypeDefinition:
			if hasDirective(t.Directives, "inaccessible") {
				continue
			}
			out.Definitions = append(out.Definitions, t)
		case *ast.ScalarTypeDefinition:
			if isJoinSynthetic(t.Name.String()) || hasDirective(t.Directives, "inaccessible") {
				continue
			}
			out.Definitions = append(out.Definitions, t)
		case *ast.UnionTypeDefinition:
			if hasDirective(t.Directives, "inaccessible") {
				continue
			}
			out.Definitions = append(out.Definitions, t)
		case *ast.DirectiveDefinition:
			if federationDirectives[t.Name.String()] {
				continue
			}
			out.Definitions = append(out.Definitions, t)
		default:
			out.Definitions = append(out.Definitions, def)
		}
	}

	return out
}

func stripInaccessibleFields(fields []*ast.FieldDefinition) []*ast.FieldDefinition {
	kept := make([]*ast.FieldDefinition, 0, len(fields))
	for _, f := range fields {
		if hasDirective(f.Directives, "inaccessible") {
			continue
		}
		copied := *f
		copied.Directives = stripFederationDirectives(f.Directives)
		kept = append(kept, &copied)
	}
	return kept
}

// sanitizeArgumentDefaults drops every field-argument default that
// fails coercion against its declared type: an invalid default is
// removed from the API schema, never surfaced as an error.
func sanitizeArgumentDefaults(fields []*ast.FieldDefinition, coercer *Coercer) []*ast.FieldDefinition {
	for _, f := range fields {
		if len(f.Arguments) == 0 {
			continue
		}
		args := f.Arguments[:0:0]
		for _, arg := range f.Arguments {
			if arg.DefaultValue != nil {
				if _, err := coercer.Coerce(arg.Type.String(), arg.DefaultValue); err != nil {
					copied := *arg
					copied.DefaultValue = nil
					args = append(args, &copied)
					continue
				}
			}
			args = append(args, arg)
		}
		f.Arguments = args
	}
	return fields
}

// sanitizeInputFieldDefaults copies an input object's fields, dropping
// every default that fails coercion against its declared type.
func sanitizeInputFieldDefaults(fields []*ast.InputValueDefinition, coercer *Coercer) []*ast.InputValueDefinition {
	kept := make([]*ast.InputValueDefinition, 0, len(fields))
	for _, f := range fields {
		if hasDirective(f.Directives, "inaccessible") {
			continue
		}
		copied := *f
		copied.Directives = stripFederationDirectives(f.Directives)
		if copied.DefaultValue != nil {
			if _, err := coercer.Coerce(copied.Type.String(), copied.DefaultValue); err != nil {
				copied.DefaultValue = nil
			}
		}
		kept = append(kept, &copied)
	}
	return kept
}

// stripFederationDirectives reduces a directive list to its semantic
// applications, the ones introspection can observe: @specifiedBy
// always survives; @deprecated survives unless its reason argument is
// an explicit null, and a default-valued reason is dropped from the
// application; everything else is stripped.
func stripFederationDirectives(directives []*ast.Directive) []*ast.Directive {
	kept := make([]*ast.Directive, 0, len(directives))
	for _, d := range directives {
		switch d.Name {
		case "specifiedBy":
			kept = append(kept, d)
		case "deprecated":
			if norm, ok := normalizeDeprecated(d); ok {
				kept = append(kept, norm)
			}
		}
	}
	return kept
}

func normalizeDeprecated(d *ast.Directive) (*ast.Directive, bool) {
	for _, arg := range d.Arguments {
		if arg.Name.String() != "reason" {
			continue
		}
		switch v := arg.Value.(type) {
		case *ast.NullValue:
			return nil, false
		case *ast.StringValue:
			if v.Value == defaultDeprecationReason {
				return &ast.Directive{Name: d.Name}, true
			}
		}
		return d, true
	}
	return d, true
}

func hasDirective(directives []*ast.Directive, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Print renders doc back to SDL text, with all definitions sorted by
// name (across kinds, stable for equal names) so repeated calls against
// an equivalent schema produce byte-identical output.
func Print(doc *ast.Document) string {
	defs := make([]ast.Definition, len(doc.Definitions))
	copy(defs, doc.Definitions)
	sort.SliceStable(defs, func(i, j int) bool {
		return definitionName(defs[i]) < definitionName(defs[j])
	})

	var sb strings.Builder
	for i, def := range defs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		printDefinition(&sb, def)
	}
	sb.WriteString("\n")
	return sb.String()
}

func definitionName(def ast.Definition) string {
	switch t := def.(type) {
	case *ast.ObjectTypeDefinition:
		return t.Name.String()
	case *ast.InterfaceTypeDefinition:
		return t.Name.String()
	case *ast.InputObjectTypeDefinition:
		return t.Name.String()
	case *ast.EnumTypeDefinition:
		return t.Name.String()
	case *ast.ScalarTypeDefinition:
		return t.Name.String()
	case *ast.UnionTypeDefinition:
		return t.Name.String()
	case *ast.DirectiveDefinition:
		return t.Name.String()
	default:
		return ""
	}
}

func printDefinition(sb *strings.Builder, def ast.Definition) {
	switch t := def.(type) {
	case *ast.ObjectTypeDefinition:
		sb.WriteString("type ")
		sb.WriteString(t.Name.String())
		printInterfaces(sb, t.Interfaces)
		printDirectives(sb, t.Directives)
		printFields(sb, t.Fields)
	case *ast.InterfaceTypeDefinition:
		sb.WriteString("interface ")
		sb.WriteString(t.Name.String())
		printDirectives(sb, t.Directives)
		printFields(sb, t.Fields)
	case *ast.InputObjectTypeDefinition:
		sb.WriteString("input ")
		sb.WriteString(t.Name.String())
		printDirectives(sb, t.Directives)
		printInputFields(sb, t.Fields)
	case *ast.EnumTypeDefinition:
		sb.WriteString("enum ")
		sb.WriteString(t.Name.String())
		printDirectives(sb, t.Directives)
		sb.WriteString(" {\n")
		for _, v := range t.Values {
			fmt.Fprintf(sb, "\t%s\n", v.Name.String())
		}
		sb.WriteString("}")
	case *ast.ScalarTypeDefinition:
		sb.WriteString("scalar ")
		sb.WriteString(t.Name.String())
	case *ast.UnionTypeDefinition:
		sb.WriteString("union ")
		sb.WriteString(t.Name.String())
		sb.WriteString(" = ")
		for i, member := range t.Types {
			if i > 0 {
				sb.WriteString(" | ")
			}
			sb.WriteString(member.String())
		}
	case *ast.DirectiveDefinition:
		sb.WriteString("directive @")
		sb.WriteString(t.Name.String())
	default:
		// Unrecognized definition kinds (schema or type extensions)
		// print as nothing rather than panicking; the
		// API schema only needs to be readable, not exhaustive.
	}
}

func printInterfaces(sb *strings.Builder, interfaces []*ast.NamedType) {
	if len(interfaces) == 0 {
		return
	}
	sb.WriteString(" implements ")
	for i, iface := range interfaces {
		if i > 0 {
			sb.WriteString(" & ")
		}
		sb.WriteString(iface.String())
	}
}

func printDirectives(sb *strings.Builder, directives []*ast.Directive) {
	for _, d := range directives {
		sb.WriteString(" @")
		sb.WriteString(d.Name)
		if len(d.Arguments) > 0 {
			sb.WriteString("(")
			for i, arg := range d.Arguments {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(arg.Name.String())
				sb.WriteString(": ")
				sb.WriteString(arg.Value.String())
			}
			sb.WriteString(")")
		}
	}
}

func printInputFields(sb *strings.Builder, fields []*ast.InputValueDefinition) {
	sb.WriteString(" {\n")
	for _, f := range fields {
		sb.WriteString("\t")
		sb.WriteString(f.Name.String())
		sb.WriteString(": ")
		sb.WriteString(f.Type.String())
		if f.DefaultValue != nil {
			sb.WriteString(" = ")
			sb.WriteString(f.DefaultValue.String())
		}
		printDirectives(sb, f.Directives)
		sb.WriteString("\n")
	}
	sb.WriteString("}")
}

func printFields(sb *strings.Builder, fields []*ast.FieldDefinition) {
	sb.WriteString(" {\n")
	for _, f := range fields {
		sb.WriteString("\t")
		sb.WriteString(f.Name.String())
		if len(f.Arguments) > 0 {
			sb.WriteString("(")
			for i, arg := range f.Arguments {
				if i > 0 {
					sb.WriteString(", ")
				}
				sb.WriteString(arg.Name.String())
				sb.WriteString(": ")
				sb.WriteString(arg.Type.String())
				if arg.DefaultValue != nil {
					sb.WriteString(" = ")
					sb.WriteString(arg.DefaultValue.String())
				}
			}
			sb.WriteString(")")
		}
		sb.WriteString(": ")
		sb.WriteString(f.Type.String())
		printDirectives(sb, f.Directives)
		sb.WriteString("\n")
	}
	sb.WriteString("}")
}
