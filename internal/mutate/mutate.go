// Package mutate implements the schema-driven Mutation Generator: from a
// JSON-Schema-shaped tool input description it produces a finite, ordered
// sequence of test inputs (spec.md §4.4).
package mutate

import (
	"sort"
	"strings"
)

const maxSafeInteger = int64(1)<<53 - 1

// Schema is the subset of JSON Schema the generator understands: an object
// type with declared properties and a required list.
type Schema struct {
	Type       string            `json:"type"`
	Properties map[string]Schema `json:"properties,omitempty"`
	Required   []string          `json:"required,omitempty"`
}

// Mutation is one generated test input, labeled by kind.
type Mutation struct {
	Kind     string                 `json:"kind"`
	Property string                 `json:"property,omitempty"`
	Input    map[string]interface{} `json:"input"`
}

const (
	KindValid           = "valid"
	KindMissingRequired = "missing_required"
	KindWrongType       = "wrong_type"
	KindNullValue       = "null_value"
	KindEmptyValue      = "empty_value"
	KindBoundary        = "boundary"
	KindExtraField      = "extra_field"
)

// defaultValue returns the type-default control value spec.md §4.4 defines
// for each declared JSON Schema type.
func defaultValue(propType string) interface{} {
	switch propType {
	case "string":
		return "test_value"
	case "integer", "number":
		return 42
	case "boolean":
		return true
	case "array":
		return []interface{}{}
	case "object":
		return map[string]interface{}{}
	default:
		return "test_value"
	}
}

// foreignValue returns a canonical value of a type deliberately different
// from propType, for the wrong_type mutation.
func foreignValue(propType string) interface{} {
	switch propType {
	case "string":
		return 42
	case "integer", "number":
		return "not_a_number"
	case "boolean":
		return "not_a_boolean"
	case "array":
		return "not_an_array"
	case "object":
		return "not_an_object"
	default:
		return 42
	}
}

func cloneControl(control map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(control))
	for k, v := range control {
		out[k] = v
	}
	return out
}

func isRequired(schema Schema, prop string) bool {
	for _, r := range schema.Required {
		if r == prop {
			return true
		}
	}
	return false
}

// Generate produces the full, deterministic, ordered mutation sequence for
// schema (spec.md §4.4 enumeration policy). Property iteration order is
// sorted by name so results are reproducible regardless of map ordering.
func Generate(schema Schema) []Mutation {
	props := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		props = append(props, name)
	}
	sort.Strings(props)

	control := make(map[string]interface{}, len(props))
	for _, name := range props {
		control[name] = defaultValue(schema.Properties[name].Type)
	}

	mutations := []Mutation{{Kind: KindValid, Input: cloneControl(control)}}

	for _, name := range props {
		propSchema := schema.Properties[name]

		if isRequired(schema, name) {
			missing := cloneControl(control)
			delete(missing, name)
			mutations = append(mutations, Mutation{Kind: KindMissingRequired, Property: name, Input: missing})
		}

		wrongType := cloneControl(control)
		wrongType[name] = foreignValue(propSchema.Type)
		mutations = append(mutations, Mutation{Kind: KindWrongType, Property: name, Input: wrongType})

		nullVariant := cloneControl(control)
		nullVariant[name] = nil
		mutations = append(mutations, Mutation{Kind: KindNullValue, Property: name, Input: nullVariant})

		switch propSchema.Type {
		case "string":
			empty := cloneControl(control)
			empty[name] = ""
			mutations = append(mutations, Mutation{Kind: KindEmptyValue, Property: name, Input: empty})

			long := cloneControl(control)
			long[name] = strings.Repeat("x", 10000)
			mutations = append(mutations, Mutation{Kind: KindBoundary, Property: name, Input: long})

			traversal := cloneControl(control)
			traversal[name] = "../../../etc/passwd"
			mutations = append(mutations, Mutation{Kind: KindBoundary, Property: name, Input: traversal})

		case "array":
			empty := cloneControl(control)
			empty[name] = []interface{}{}
			mutations = append(mutations, Mutation{Kind: KindEmptyValue, Property: name, Input: empty})

		case "integer", "number":
			negative := cloneControl(control)
			negative[name] = -1
			mutations = append(mutations, Mutation{Kind: KindBoundary, Property: name, Input: negative})

			maxSafe := cloneControl(control)
			maxSafe[name] = maxSafeInteger
			mutations = append(mutations, Mutation{Kind: KindBoundary, Property: name, Input: maxSafe})
		}
	}

	extra := cloneControl(control)
	extra["_unknown_field"] = "unexpected"
	mutations = append(mutations, Mutation{Kind: KindExtraField, Input: extra})

	return mutations
}
