package schema

import (
	"fmt"
	"strings"

	"github.com/n9te9/graphql-parser/ast"
)

// Coercer validates and coerces default values against their declared
// types, with the schema's enum value sets, input-object definitions,
// and custom scalars in hand. The rules match graphql-js reference
// behavior:
//   - a bare value assigned into a list-typed position is wrapped in a
//     one-element list;
//   - built-in scalars accept only compatible literal kinds
//     (Int → Int/ID/Float, Float → Float, String → String/ID,
//     Boolean → Boolean); custom scalars accept any value;
//   - enum literals must be members of the declared enum;
//   - input objects coerce field by field, unspecified fields receive
//     their own defaults recursively, and a missing required non-null
//     field without a default makes the enclosing default invalid.
//
// Callers drop (never surface) a default whose coercion fails; the
// error return only says why.
type Coercer struct {
	enums   map[string]map[string]bool
	inputs  map[string][]*ast.InputValueDefinition
	scalars map[string]bool
}

// NewCoercer indexes doc's enum, input-object, and scalar definitions.
func NewCoercer(doc *ast.Document) *Coercer {
	c := &Coercer{
		enums:   make(map[string]map[string]bool),
		inputs:  make(map[string][]*ast.InputValueDefinition),
		scalars: make(map[string]bool),
	}
	for _, def := range doc.Definitions {
		switch t := def.(type) {
		case *ast.EnumTypeDefinition:
			values := make(map[string]bool, len(t.Values))
			for _, v := range t.Values {
				values[v.Name.String()] = true
			}
			c.enums[t.Name.String()] = values
		case *ast.InputObjectTypeDefinition:
			c.inputs[t.Name.String()] = t.Fields
		case *ast.ScalarTypeDefinition:
			c.scalars[t.Name.String()] = true
		}
	}
	return c
}

// Coerce converts a default-value literal into the Go-native value the
// executor substitutes when the caller omits the input, or an error
// when the literal is not coercible to typeStr — in which case the
// default is invalid and must be dropped.
func (c *Coercer) Coerce(typeStr string, val ast.Value) (interface{}, error) {
	if val == nil {
		return nil, nil
	}

	declared := strings.TrimSpace(typeStr)
	nonNull := strings.HasSuffix(declared, "!")
	inner := strings.TrimSuffix(declared, "!")

	if _, isNull := val.(*ast.NullValue); isNull {
		if nonNull {
			return nil, fmt.Errorf("schema: null default for non-null type %s", declared)
		}
		return nil, nil
	}

	if strings.HasPrefix(inner, "[") && strings.HasSuffix(inner, "]") {
		itemType := inner[1 : len(inner)-1]
		if lv, ok := val.(*ast.ListValue); ok {
			out := make([]interface{}, 0, len(lv.Values))
			for _, item := range lv.Values {
				cv, err := c.Coerce(itemType, item)
				if err != nil {
					return nil, err
				}
				out = append(out, cv)
			}
			return out, nil
		}
		// A single value against a list type wraps into a one-element
		// list. For list-of-non-null this can mask a missing-element
		// mistake; preserved for reference-tool parity.
		cv, err := c.Coerce(itemType, val)
		if err != nil {
			return nil, err
		}
		return []interface{}{cv}, nil
	}

	return c.coerceNamed(inner, val)
}

func (c *Coercer) coerceNamed(typeName string, val ast.Value) (interface{}, error) {
	if fields, ok := c.inputs[typeName]; ok {
		ov, isObj := val.(*ast.ObjectValue)
		if !isObj {
			return nil, fmt.Errorf("schema: default value %s is not an input object for %s", val.String(), typeName)
		}
		return c.coerceInputObject(typeName, fields, ov)
	}

	if values, ok := c.enums[typeName]; ok {
		ev, isEnum := val.(*ast.EnumValue)
		if !isEnum {
			return nil, fmt.Errorf("schema: default value %s is not an enum literal for %s", val.String(), typeName)
		}
		if !values[ev.Value] {
			return nil, fmt.Errorf("schema: %s is not a value of enum %s", ev.Value, typeName)
		}
		return ev.Value, nil
	}

	switch v := val.(type) {
	case *ast.IntValue:
		switch typeName {
		case "Int", "ID", "Float":
			return v.Value, nil
		}
	case *ast.FloatValue:
		if typeName == "Float" {
			return v.Value, nil
		}
	case *ast.StringValue:
		switch typeName {
		case "String", "ID":
			return v.Value, nil
		}
	case *ast.BooleanValue:
		if typeName == "Boolean" {
			return v.Value, nil
		}
	case *ast.Variable:
		return nil, fmt.Errorf("schema: variable default values cannot reference another variable ($%s)", v.Name)
	}

	if c.isCustomScalar(typeName) {
		return c.anyValue(val)
	}
	return nil, fmt.Errorf("schema: default value %s is not coercible to %s", val.String(), typeName)
}

// isCustomScalar reports whether typeName accepts any literal kind: a
// declared custom scalar, or a name the schema does not define (a
// type contributed by a collaborator schema is treated leniently, the
// way reference tooling does).
func (c *Coercer) isCustomScalar(typeName string) bool {
	switch typeName {
	case "Int", "Float", "String", "Boolean", "ID":
		return false
	}
	if _, ok := c.enums[typeName]; ok {
		return false
	}
	if _, ok := c.inputs[typeName]; ok {
		return false
	}
	return true
}

func (c *Coercer) coerceInputObject(typeName string, fields []*ast.InputValueDefinition, ov *ast.ObjectValue) (interface{}, error) {
	byName := make(map[string]*ast.InputValueDefinition, len(fields))
	for _, f := range fields {
		byName[f.Name.String()] = f
	}

	out := make(map[string]interface{}, len(ov.Fields))
	for _, f := range ov.Fields {
		name := f.Name.String()
		def, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("schema: unknown field %q in %s default", name, typeName)
		}
		cv, err := c.Coerce(def.Type.String(), f.Value)
		if err != nil {
			return nil, err
		}
		out[name] = cv
	}

	for _, def := range fields {
		name := def.Name.String()
		if _, provided := out[name]; provided {
			continue
		}
		if def.DefaultValue != nil {
			cv, err := c.Coerce(def.Type.String(), def.DefaultValue)
			if err != nil {
				// An invalid nested default makes the enclosing default
				// invalid too.
				return nil, err
			}
			out[name] = cv
			continue
		}
		if strings.HasSuffix(def.Type.String(), "!") {
			return nil, fmt.Errorf("schema: missing required input field %s.%s in default", typeName, name)
		}
	}

	return out, nil
}

// anyValue converts a literal for a custom scalar, which accepts any
// JSON value; only variable references stay invalid.
func (c *Coercer) anyValue(val ast.Value) (interface{}, error) {
	switch v := val.(type) {
	case *ast.NullValue:
		return nil, nil
	case *ast.StringValue:
		return v.Value, nil
	case *ast.IntValue:
		return v.Value, nil
	case *ast.FloatValue:
		return v.Value, nil
	case *ast.BooleanValue:
		return v.Value, nil
	case *ast.EnumValue:
		return v.Value, nil
	case *ast.ListValue:
		out := make([]interface{}, 0, len(v.Values))
		for _, item := range v.Values {
			cv, err := c.anyValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, cv)
		}
		return out, nil
	case *ast.ObjectValue:
		out := make(map[string]interface{}, len(v.Fields))
		for _, f := range v.Fields {
			cv, err := c.anyValue(f.Value)
			if err != nil {
				return nil, err
			}
			out[f.Name.String()] = cv
		}
		return out, nil
	case *ast.Variable:
		return nil, fmt.Errorf("schema: variable default values cannot reference another variable ($%s)", v.Name)
	default:
		return nil, fmt.Errorf("schema: unsupported default value literal %T", val)
	}
}
