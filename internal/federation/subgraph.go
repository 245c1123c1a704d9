// Package federation interprets the federation directives applied to
// subgraph schemas (@key, @requires, @provides, @external, @override,
// @shareable, @inaccessible, @context/@fromContext) and composes them
// into a supergraph.
package federation

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
)

// EntityKey is the parsed form of a @key directive application.
type EntityKey struct {
	FieldSet   string
	Resolvable bool
}

// Field carries every federation-relevant directive applied to one
// field of an entity or root type.
type Field struct {
	Name     string
	Type     ast.Type
	Requires []string
	Provides []string
	// FromContext names the @context-scoped value this field's argument
	// is populated from, empty when the field does not use @fromContext.
	FromContext string

	isShareable    bool
	isExternal     bool
	isInaccessible bool
	overrideFrom   string // subgraph name named by @override(from:...), empty if absent
}

// IsShareable reports whether @shareable is applied.
func (f *Field) IsShareable() bool { return f.isShareable }

// IsExternal reports whether @external is applied: the field is
// declared for key/requires reference but not resolved by this subgraph.
func (f *Field) IsExternal() bool { return f.isExternal }

// IsInaccessible reports whether @inaccessible is applied: the field
// must never appear in the API schema or be requested by a plan.
func (f *Field) IsInaccessible() bool { return f.isInaccessible }

// GetOverride returns the subgraph named by @override(from:G) and
// whether the directive was present at all. When present, resolution
// authority for this field moves to the subgraph carrying this
// directive and away from the named subgraph.
func (f *Field) GetOverride() (string, bool) {
	return f.overrideFrom, f.overrideFrom != ""
}

// Entity is an object type carrying at least one @key directive.
type Entity struct {
	Keys        []EntityKey
	isExtension bool
	// isInterfaceObject marks a type declared with @interfaceObject on
	// this subgraph: the subgraph sees a flattened object in place of
	// the supergraph interface, and plans must not request
	// __typename-narrowed fields from it.
	isInterfaceObject bool
	Fields            map[string]*Field
}

func (e *Entity) IsExtension() bool       { return e.isExtension }
func (e *Entity) IsInterfaceObject() bool { return e.isInterfaceObject }

// IsResolvable reports whether at least one @key on this entity has
// resolvable=true (the default). An entity whose every key is
// resolvable:false can appear in satisfiability proofs but must never
// be the target of an _entities fetch.
func (e *Entity) IsResolvable() bool {
	for _, k := range e.Keys {
		if k.Resolvable {
			return true
		}
	}
	return false
}

// SubGraph is the federation-metadata view of one backend subgraph's
// schema: its entities and their directive-derived capabilities.
type SubGraph struct {
	Name     string
	Host     string
	Schema   *ast.Document
	entities map[string]*Entity
}

// NewSubGraph parses src as a subgraph SDL document and extracts
// federation metadata for every entity type it declares.
func NewSubGraph(name string, src []byte, host string) (*SubGraph, error) {
	l := lexer.New(string(src))
	p := parser.New(l)
	doc := p.ParseDocument()
	if len(p.Errors()) > 0 {
		return nil, fmt.Errorf("federation: parse subgraph %q schema: %v", name, p.Errors())
	}

	sg := &SubGraph{
		Name:     name,
		Host:     host,
		Schema:   doc,
		entities: make(map[string]*Entity),
	}

	for _, def := range doc.Definitions {
		switch t := def.(type) {
		case *ast.ObjectTypeDefinition:
			if isEntity(t.Directives) {
				sg.entities[t.Name.String()] = newEntity(t.Directives, t.Fields, false)
			}
		case *ast.ObjectTypeExtension:
			if isEntity(t.Directives) {
				sg.entities[t.Name.String()] = newEntity(t.Directives, t.Fields, true)
			}
		}
	}

	return sg, nil
}

func newEntity(directives []*ast.Directive, fields []*ast.FieldDefinition, extension bool) *Entity {
	e := &Entity{
		Keys:              parseEntityKeys(directives),
		isExtension:       extension,
		isInterfaceObject: hasDirective(directives, "interfaceObject"),
		Fields:            make(map[string]*Field),
	}
	for _, field := range fields {
		e.Fields[field.Name.String()] = parseField(field)
	}
	return e
}

// GetEntities returns every entity declared in this subgraph.
func (sg *SubGraph) GetEntities() map[string]*Entity { return sg.entities }

// GetEntity looks up one entity by type name.
func (sg *SubGraph) GetEntity(name string) (*Entity, bool) {
	e, ok := sg.entities[name]
	return e, ok
}

func isEntity(directives []*ast.Directive) bool { return hasDirective(directives, "key") }

func hasDirective(directives []*ast.Directive, name string) bool {
	for _, d := range directives {
		if d.Name == name {
			return true
		}
	}
	return false
}

func parseEntityKeys(directives []*ast.Directive) []EntityKey {
	var keys []EntityKey
	for _, d := range directives {
		if d.Name != "key" {
			continue
		}
		key := EntityKey{Resolvable: true}
		for _, arg := range d.Arguments {
			switch arg.Name.String() {
			case "fields":
				key.FieldSet = strings.Trim(arg.Value.String(), "\"")
			case "resolvable":
				if arg.Value.String() == "false" {
					key.Resolvable = false
				}
			}
		}
		keys = append(keys, key)
	}
	return keys
}

func parseField(field *ast.FieldDefinition) *Field {
	f := &Field{
		Name:     field.Name.String(),
		Type:     field.Type,
		Requires: []string{},
		Provides: []string{},
	}

	for _, d := range field.Directives {
		switch d.Name {
		case "requires":
			f.Requires = directiveFieldSet(d)
		case "provides":
			f.Provides = directiveFieldSet(d)
		case "shareable":
			f.isShareable = true
		case "external":
			f.isExternal = true
		case "inaccessible":
			f.isInaccessible = true
		case "override":
			for _, arg := range d.Arguments {
				if arg.Name.String() == "from" {
					f.overrideFrom = strings.Trim(arg.Value.String(), "\"")
				}
			}
		case "fromContext":
			for _, arg := range d.Arguments {
				if arg.Name.String() == "field" {
					f.FromContext = strings.Trim(arg.Value.String(), "\"")
				}
			}
		}
	}

	return f
}

// directiveFieldSet extracts a space-separated field-set argument
// (the "fields" argument of @requires/@provides) from a directive.
func directiveFieldSet(d *ast.Directive) []string {
	if len(d.Arguments) == 0 {
		return nil
	}
	val := strings.Trim(d.Arguments[0].Value.String(), "\"")
	return strings.Fields(val)
}
