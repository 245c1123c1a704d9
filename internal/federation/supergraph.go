package federation

import (
	"fmt"

	"github.com/n9te9/graphql-parser/ast"
)

// SuperGraph is the composed schema formed by merging every subgraph's
// SDL plus the field-ownership decisions implied by @override/@external.
type SuperGraph struct {
	SubGraphs []*SubGraph
	Schema    *ast.Document
	// Ownership maps "TypeName.fieldName" to the subgraphs able to
	// resolve it, in preference order (the @override target first).
	Ownership map[string][]*SubGraph
}

// NewSuperGraph composes subGraphs into a SuperGraph, returning an
// error if some field has no subgraph able to resolve it. A field that
// several subgraphs can resolve is not an error.
func NewSuperGraph(subGraphs []*SubGraph) (*SuperGraph, error) {
	sg := &SuperGraph{
		SubGraphs: subGraphs,
		Ownership: make(map[string][]*SubGraph),
	}

	if err := sg.composeSchema(); err != nil {
		return nil, err
	}
	if err := sg.buildOwnershipMap(); err != nil {
		return nil, err
	}

	return sg, nil
}

func (sg *SuperGraph) composeSchema() error {
	if len(sg.SubGraphs) == 0 {
		return fmt.Errorf("federation: no subgraphs to compose")
	}
	sg.Schema = &ast.Document{Definitions: make([]ast.Definition, 0)}
	for _, subGraph := range sg.SubGraphs {
		sg.mergeSchemaDeep(subGraph.Schema)
	}
	return nil
}

func (sg *SuperGraph) mergeSchemaDeep(newSchema *ast.Document) {
	for _, newDef := range newSchema.Definitions {
		switch t := newDef.(type) {
		case *ast.ObjectTypeDefinition:
			sg.mergeObjectTypeDefinitionDeep(t)
		case *ast.ObjectTypeExtension:
			sg.mergeObjectTypeExtensionDeep(t)
		case *ast.InterfaceTypeDefinition:
			sg.mergeInterfaceTypeDefinition(t)
		case *ast.InputObjectTypeDefinition:
			sg.mergeInputObjectTypeDefinition(t)
		case *ast.EnumTypeDefinition:
			sg.mergeEnumTypeDefinition(t)
		case *ast.ScalarTypeDefinition:
			sg.mergeScalarTypeDefinition(t)
		case *ast.UnionTypeDefinition:
			sg.mergeUnionTypeDefinition(t)
		case *ast.DirectiveDefinition:
			sg.mergeDirectiveDefinition(t)
		}
	}
}

func (sg *SuperGraph) findObjectTypeDefinition(name string) *ast.ObjectTypeDefinition {
	for _, def := range sg.Schema.Definitions {
		if objDef, ok := def.(*ast.ObjectTypeDefinition); ok && objDef.Name.String() == name {
			return objDef
		}
	}
	return nil
}

func (sg *SuperGraph) mergeObjectTypeDefinitionDeep(newDef *ast.ObjectTypeDefinition) {
	if existing := sg.findObjectTypeDefinition(newDef.Name.String()); existing != nil {
		existing.Fields = mergeFields(existing.Fields, copyFields(newDef.Fields))
		existing.Directives = append(existing.Directives, copyDirectives(newDef.Directives)...)
		return
	}
	sg.Schema.Definitions = append(sg.Schema.Definitions, &ast.ObjectTypeDefinition{
		Name:       newDef.Name,
		Interfaces: newDef.Interfaces,
		Fields:     copyFields(newDef.Fields),
		Directives: copyDirectives(newDef.Directives),
	})
}

func (sg *SuperGraph) mergeObjectTypeExtensionDeep(newExt *ast.ObjectTypeExtension) {
	if existing := sg.findObjectTypeDefinition(newExt.Name.String()); existing != nil {
		existing.Fields = mergeFields(existing.Fields, copyFields(newExt.Fields))
		existing.Directives = append(existing.Directives, copyDirectives(newExt.Directives)...)
		return
	}
	// An extension with no base definition yet becomes the base; later
	// subgraphs may still contribute a proper ObjectTypeDefinition.
	sg.Schema.Definitions = append(sg.Schema.Definitions, &ast.ObjectTypeDefinition{
		Name:       newExt.Name,
		Fields:     copyFields(newExt.Fields),
		Directives: copyDirectives(newExt.Directives),
	})
}

func copyFields(fields []*ast.FieldDefinition) []*ast.FieldDefinition {
	if fields == nil {
		return nil
	}
	copied := make([]*ast.FieldDefinition, len(fields))
	for i, field := range fields {
		copied[i] = &ast.FieldDefinition{
			Name:       field.Name,
			Arguments:  field.Arguments,
			Type:       field.Type,
			Directives: copyDirectives(field.Directives),
		}
	}
	return copied
}

func copyDirectives(directives []*ast.Directive) []*ast.Directive {
	if directives == nil {
		return nil
	}
	copied := make([]*ast.Directive, len(directives))
	for i, dir := range directives {
		copied[i] = &ast.Directive{Name: dir.Name, Arguments: dir.Arguments}
	}
	return copied
}

func mergeFields(existing, incoming []*ast.FieldDefinition) []*ast.FieldDefinition {
	fieldMap := make(map[string]*ast.FieldDefinition, len(existing)+len(incoming))
	order := make([]string, 0, len(existing)+len(incoming))
	for _, field := range existing {
		name := field.Name.String()
		if _, ok := fieldMap[name]; !ok {
			order = append(order, name)
		}
		fieldMap[name] = field
	}
	for _, field := range incoming {
		name := field.Name.String()
		if _, exists := fieldMap[name]; !exists {
			fieldMap[name] = field
			order = append(order, name)
		}
	}
	result := make([]*ast.FieldDefinition, 0, len(order))
	for _, name := range order {
		result = append(result, fieldMap[name])
	}
	return result
}

func (sg *SuperGraph) mergeInterfaceTypeDefinition(newDef *ast.InterfaceTypeDefinition) {
	for _, def := range sg.Schema.Definitions {
		if existing, ok := def.(*ast.InterfaceTypeDefinition); ok && existing.Name.String() == newDef.Name.String() {
			existing.Fields = mergeFields(existing.Fields, copyFields(newDef.Fields))
			existing.Directives = append(existing.Directives, copyDirectives(newDef.Directives)...)
			return
		}
	}
	sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
}

func (sg *SuperGraph) mergeInputObjectTypeDefinition(newDef *ast.InputObjectTypeDefinition) {
	for _, def := range sg.Schema.Definitions {
		if existing, ok := def.(*ast.InputObjectTypeDefinition); ok && existing.Name.String() == newDef.Name.String() {
			existing.Fields = append(existing.Fields, newDef.Fields...)
			existing.Directives = append(existing.Directives, newDef.Directives...)
			return
		}
	}
	sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
}

func (sg *SuperGraph) mergeEnumTypeDefinition(newDef *ast.EnumTypeDefinition) {
	for _, def := range sg.Schema.Definitions {
		if existing, ok := def.(*ast.EnumTypeDefinition); ok && existing.Name.String() == newDef.Name.String() {
			existing.Values = append(existing.Values, newDef.Values...)
			existing.Directives = append(existing.Directives, newDef.Directives...)
			return
		}
	}
	sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
}

func (sg *SuperGraph) mergeScalarTypeDefinition(newDef *ast.ScalarTypeDefinition) {
	for _, def := range sg.Schema.Definitions {
		if existing, ok := def.(*ast.ScalarTypeDefinition); ok && existing.Name.String() == newDef.Name.String() {
			return
		}
	}
	sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
}

func (sg *SuperGraph) mergeUnionTypeDefinition(newDef *ast.UnionTypeDefinition) {
	for _, def := range sg.Schema.Definitions {
		if existing, ok := def.(*ast.UnionTypeDefinition); ok && existing.Name.String() == newDef.Name.String() {
			existing.Types = append(existing.Types, newDef.Types...)
			existing.Directives = append(existing.Directives, newDef.Directives...)
			return
		}
	}
	sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
}

func (sg *SuperGraph) mergeDirectiveDefinition(newDef *ast.DirectiveDefinition) {
	for _, def := range sg.Schema.Definitions {
		if existing, ok := def.(*ast.DirectiveDefinition); ok && existing.Name.String() == newDef.Name.String() {
			return
		}
	}
	sg.Schema.Definitions = append(sg.Schema.Definitions, newDef)
}

// buildOwnershipMap assigns, for every field of every composed object
// type, the ordered list of subgraphs able to resolve it. @override
// moves authority to the overriding subgraph; @external disqualifies a
// subgraph from resolving the field itself (it may still reference it
// in a key or requires selection).
func (sg *SuperGraph) buildOwnershipMap() error {
	for _, def := range sg.Schema.Definitions {
		var typeName string
		var fields []*ast.FieldDefinition
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			typeName = t.Name.String()
			fields = t.Fields
		case *ast.InterfaceTypeDefinition:
			typeName = t.Name.String()
			fields = t.Fields
		default:
			continue
		}

		for _, field := range fields {
			fieldName := field.Name.String()
			key := fmt.Sprintf("%s.%s", typeName, fieldName)

			var overrideFrom string
			var overrideSubGraph *SubGraph
			for _, subGraph := range sg.SubGraphs {
				entity, exists := subGraph.GetEntity(typeName)
				if !exists {
					continue
				}
				entityField, ok := entity.Fields[fieldName]
				if !ok {
					continue
				}
				if from, has := entityField.GetOverride(); has {
					overrideFrom = from
					overrideSubGraph = subGraph
					break
				}
			}

			for _, subGraph := range sg.SubGraphs {
				if overrideFrom != "" && subGraph.Name == overrideFrom {
					continue
				}
				if sg.canResolveField(subGraph, typeName, fieldName) {
					sg.Ownership[key] = append(sg.Ownership[key], subGraph)
				}
			}

			if overrideSubGraph != nil {
				found := false
				for _, owner := range sg.Ownership[key] {
					if owner.Name == overrideSubGraph.Name {
						found = true
						break
					}
				}
				if !found {
					// @override target goes first: it is authoritative.
					sg.Ownership[key] = append([]*SubGraph{overrideSubGraph}, sg.Ownership[key]...)
				}
			}

			if len(sg.Ownership[key]) == 0 {
				return fmt.Errorf("federation: no subgraph can resolve %s", key)
			}
		}
	}

	return nil
}

func (sg *SuperGraph) canResolveField(subGraph *SubGraph, typeName, fieldName string) bool {
	for _, def := range subGraph.Schema.Definitions {
		var name string
		var fields []*ast.FieldDefinition
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			name, fields = t.Name.String(), t.Fields
		case *ast.ObjectTypeExtension:
			name, fields = t.Name.String(), t.Fields
		case *ast.InterfaceTypeDefinition:
			name, fields = t.Name.String(), t.Fields
		default:
			continue
		}
		if name != typeName {
			continue
		}
		for _, field := range fields {
			if field.Name.String() == fieldName {
				return !hasDirective(field.Directives, "external")
			}
		}
		return false
	}
	return false
}

// SubGraphCount returns the number of composed subgraphs.
func (sg *SuperGraph) SubGraphCount() int { return len(sg.SubGraphs) }

// SubGraphByName returns the subgraph registered under name, or nil.
func (sg *SuperGraph) SubGraphByName(name string) *SubGraph {
	for _, subGraph := range sg.SubGraphs {
		if subGraph.Name == name {
			return subGraph
		}
	}
	return nil
}

// GetSubGraphsForField returns every subgraph able to resolve a field,
// in preference order.
func (sg *SuperGraph) GetSubGraphsForField(typeName, fieldName string) []*SubGraph {
	return sg.Ownership[fmt.Sprintf("%s.%s", typeName, fieldName)]
}

// GetEntityOwnerSubGraph returns the subgraph that owns (defines, not
// extends) typeName with at least one resolvable key, preferring a
// non-extension definition.
func (sg *SuperGraph) GetEntityOwnerSubGraph(typeName string) *SubGraph {
	for _, subGraph := range sg.SubGraphs {
		if entity, exists := subGraph.GetEntity(typeName); exists && !entity.IsExtension() && entity.IsResolvable() {
			return subGraph
		}
	}
	for _, subGraph := range sg.SubGraphs {
		if entity, exists := subGraph.GetEntity(typeName); exists && entity.IsResolvable() {
			return subGraph
		}
	}
	return nil
}

// IsEntityType reports whether typeName has an entity owner: a
// subgraph declaring it with a resolvable @key.
func (sg *SuperGraph) IsEntityType(typeName string) bool {
	return sg.GetEntityOwnerSubGraph(typeName) != nil
}

// GetFieldOwnerSubGraph returns the first (most authoritative) owner
// of a field, or nil if the field has no owner.
func (sg *SuperGraph) GetFieldOwnerSubGraph(typeName, fieldName string) *SubGraph {
	owners := sg.Ownership[fmt.Sprintf("%s.%s", typeName, fieldName)]
	if len(owners) > 0 {
		return owners[0]
	}
	return nil
}
