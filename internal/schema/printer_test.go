package schema_test

import (
	"strings"
	"testing"

	"github.com/n9te9/graphql-parser/lexer"
	"github.com/n9te9/graphql-parser/parser"
	"github.com/n9te9/go-graphql-federation-gateway/internal/schema"

	"github.com/n9te9/graphql-parser/ast"
)

func parseSDL(t *testing.T, sdl string) *ast.Document {
	t.Helper()
	l := lexer.New(sdl)
	p := parser.New(l)
	doc := p.ParseDocument()
	if errs := p.Errors(); len(errs) > 0 {
		t.Fatalf("parse error: %v", errs)
	}
	return doc
}

func TestAPISchema_StripsFederationDirectives(t *testing.T) {
	doc := parseSDL(t, `
		type Product @key(fields: "upc") {
			upc: String! @external
			name: String @requires(fields: "upc")
		}

		type Query {
			topProducts: [Product]
		}
	`)

	printed := schema.Print(schema.APISchema(doc))

	for _, needle := range []string{"@key", "@external", "@requires"} {
		if strings.Contains(printed, needle) {
			t.Errorf("API SDL must not contain %s:\n%s", needle, printed)
		}
	}
	if !strings.Contains(printed, "type Product") || !strings.Contains(printed, "name: String") {
		t.Errorf("API SDL lost client-visible shape:\n%s", printed)
	}
}

func TestAPISchema_HidesInaccessibleMembers(t *testing.T) {
	doc := parseSDL(t, `
		type Product {
			upc: String!
			internalCode: String! @inaccessible
		}

		type Audit @inaccessible {
			id: ID!
		}

		type Query {
			topProducts: [Product]
		}
	`)

	printed := schema.Print(schema.APISchema(doc))

	if strings.Contains(printed, "internalCode") {
		t.Errorf("API SDL must not contain inaccessible fields:\n%s", printed)
	}
	if strings.Contains(printed, "type Audit") {
		t.Errorf("API SDL must not contain inaccessible types:\n%s", printed)
	}
}

func TestAPISchema_DeprecatedNormalization(t *testing.T) {
	doc := parseSDL(t, `
		type Query {
			old: String @deprecated(reason: "No longer supported")
			legacy: String @deprecated(reason: "use new")
		}
	`)

	printed := schema.Print(schema.APISchema(doc))

	if strings.Contains(printed, "No longer supported") {
		t.Errorf("default deprecation reason must be dropped:\n%s", printed)
	}
	if !strings.Contains(printed, "old: String @deprecated\n") {
		t.Errorf("default-reason @deprecated should print bare:\n%s", printed)
	}
	if !strings.Contains(printed, `@deprecated(reason: "use new")`) {
		t.Errorf("explicit deprecation reason must survive:\n%s", printed)
	}
}

func TestPrint_RoundTripFixedPoint(t *testing.T) {
	doc := parseSDL(t, `
		scalar DateTime

		type Product {
			upc: String!
			name: String
		}

		type Query {
			topProducts(first: Int): [Product]
		}
	`)

	first := schema.Print(schema.APISchema(doc))
	second := schema.Print(schema.APISchema(parseSDL(t, first)))
	if first != second {
		t.Errorf("printing is not a fixed point:\nfirst:\n%s\nsecond:\n%s", first, second)
	}
}

func TestAPISchema_ValidArgumentDefaultSurvives(t *testing.T) {
	doc := parseSDL(t, `
		type Query {
			topProducts(first: Int = 5): [String]
		}
	`)

	printed := schema.Print(schema.APISchema(doc))

	if !strings.Contains(printed, "first: Int = 5") {
		t.Errorf("a valid argument default must survive into the API SDL:\n%s", printed)
	}
}

func TestAPISchema_InvalidArgumentDefaultDropped(t *testing.T) {
	doc := parseSDL(t, `
		type Query {
			topProducts(first: Int = "five"): [String]
		}
	`)

	printed := schema.Print(schema.APISchema(doc))

	if strings.Contains(printed, "five") {
		t.Errorf("an uncoercible argument default must be dropped, not printed:\n%s", printed)
	}
	if !strings.Contains(printed, "first: Int") {
		t.Errorf("the argument itself must survive without its default:\n%s", printed)
	}
}

func TestAPISchema_InputObjectFieldDefaults(t *testing.T) {
	doc := parseSDL(t, `
		input Filter {
			limit: Int = 10
			strict: Boolean = "nope"
		}

		type Query {
			search(filter: Filter): [String]
		}
	`)

	printed := schema.Print(schema.APISchema(doc))

	if !strings.Contains(printed, "limit: Int = 10") {
		t.Errorf("a valid input-field default must survive:\n%s", printed)
	}
	if strings.Contains(printed, "nope") {
		t.Errorf("an uncoercible input-field default must be dropped:\n%s", printed)
	}
	if !strings.Contains(printed, "strict: Boolean") {
		t.Errorf("the input field itself must survive without its default:\n%s", printed)
	}
}

func TestAPISchema_InvalidEnumDefaultDropped(t *testing.T) {
	doc := parseSDL(t, `
		enum Color {
			RED
			GREEN
		}

		type Query {
			paint(color: Color = BLUE): String
		}
	`)

	printed := schema.Print(schema.APISchema(doc))

	if strings.Contains(printed, "BLUE") {
		t.Errorf("an out-of-set enum default must be dropped:\n%s", printed)
	}
}
