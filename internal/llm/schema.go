package llm

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/invopop/jsonschema"
)

// Schema is the expected shape of a model payload. It is reflected from a Go
// type, sent to the model as responseJsonSchema and enforced on the way back.
type Schema struct {
	Name string
	root *jsonschema.Schema
	wire map[string]any
}

// SchemaFor reflects the JSON schema of T. Fields are required only when
// tagged `jsonschema:"required"`.
func SchemaFor[T any](name string) *Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  true,
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
	}
	var v T
	root := reflector.Reflect(v)
	wire, err := schemaToMap(root)
	if err != nil {
		panic(fmt.Sprintf("llm: reflect schema %s: %v", name, err))
	}
	return &Schema{Name: name, root: root, wire: wire}
}

// Wire returns the schema in the form sent to the model.
func (s *Schema) Wire() map[string]any {
	if s == nil {
		return nil
	}
	return s.wire
}

func schemaToMap(schema *jsonschema.Schema) (map[string]any, error) {
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	// The generation API rejects draft metadata keys.
	delete(m, "$schema")
	delete(m, "$id")
	return m, nil
}

// ValidationError pinpoints the first schema violation.
type ValidationError struct {
	Schema string
	Path   string
	Msg    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s: %s: %s", e.Schema, e.Path, e.Msg)
}

// Validate checks a decoded JSON value (maps, slices, float64, string, bool,
// nil) against the schema. Optional properties may be null.
func (s *Schema) Validate(v any) error {
	if s == nil || s.root == nil {
		return nil
	}
	if msg, path := validate(s.root, v, "$"); msg != "" {
		return &ValidationError{Schema: s.Name, Path: path, Msg: msg}
	}
	return nil
}

func validate(s *jsonschema.Schema, v any, path string) (string, string) {
	if s == nil {
		return "", ""
	}
	if len(s.AnyOf) > 0 {
		return validateAlternatives(s.AnyOf, v, path)
	}
	if len(s.OneOf) > 0 {
		return validateAlternatives(s.OneOf, v, path)
	}

	switch s.Type {
	case "":
		return "", ""
	case "null":
		if v != nil {
			return "expected null", path
		}
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return "expected object, got " + kindOf(v), path
		}
		for _, name := range s.Required {
			val, present := obj[name]
			if !present || val == nil {
				return "missing required property", path + "." + name
			}
		}
		if s.Properties == nil {
			return "", ""
		}
		for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
			val, present := obj[pair.Key]
			if !present || val == nil {
				continue
			}
			if msg, p := validate(pair.Value, val, path+"."+pair.Key); msg != "" {
				return msg, p
			}
		}
	case "array":
		arr, ok := v.([]any)
		if !ok {
			return "expected array, got " + kindOf(v), path
		}
		for i, item := range arr {
			if msg, p := validate(s.Items, item, fmt.Sprintf("%s[%d]", path, i)); msg != "" {
				return msg, p
			}
		}
	case "string":
		str, ok := v.(string)
		if !ok {
			return "expected string, got " + kindOf(v), path
		}
		if len(s.Enum) > 0 && !enumContains(s.Enum, str) {
			return fmt.Sprintf("value %q not in enum", str), path
		}
	case "integer":
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) {
			return "expected integer, got " + kindOf(v), path
		}
	case "number":
		if _, ok := v.(float64); !ok {
			return "expected number, got " + kindOf(v), path
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return "expected boolean, got " + kindOf(v), path
		}
	}
	return "", ""
}

func validateAlternatives(alts []*jsonschema.Schema, v any, path string) (string, string) {
	var reasons []string
	for _, alt := range alts {
		msg, _ := validate(alt, v, path)
		if msg == "" {
			return "", ""
		}
		reasons = append(reasons, msg)
	}
	return "no alternative matched (" + strings.Join(reasons, "; ") + ")", path
}

func enumContains(enum []any, s string) bool {
	for _, e := range enum {
		if es, ok := e.(string); ok && es == s {
			return true
		}
	}
	return false
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
