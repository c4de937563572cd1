package substrate

import "encoding/json"

// forbiddenSchemaKeys are JSON-Schema keywords not accepted by every
// provider. Stripped recursively when a tool schema is ingested.
var forbiddenSchemaKeys = []string{
	"additionalProperties",
	"$schema",
	"$id",
	"$ref",
	"$defs",
	"default",
	"examples",
}

// SanitizeSchema normalizes a tool input schema to the subset every wire
// protocol accepts: forbidden keywords removed recursively, root forced to
// {type: object, properties: {...}}. Invalid JSON yields a minimal empty
// object schema rather than an error so a misbehaving tool definition can
// never poison a whole request.
func SanitizeSchema(schema json.RawMessage) json.RawMessage {
	var root map[string]any
	if len(schema) == 0 || json.Unmarshal(schema, &root) != nil || root == nil {
		root = map[string]any{}
	}
	stripForbidden(root)
	root["type"] = "object"
	if _, ok := root["properties"].(map[string]any); !ok {
		root["properties"] = map[string]any{}
	}
	out, err := json.Marshal(root)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return out
}

// stripForbidden walks the schema tree removing forbidden keywords from
// every object node.
func stripForbidden(node any) {
	switch v := node.(type) {
	case map[string]any:
		for _, key := range forbiddenSchemaKeys {
			delete(v, key)
		}
		for _, child := range v {
			stripForbidden(child)
		}
	case []any:
		for _, child := range v {
			stripForbidden(child)
		}
	}
}
