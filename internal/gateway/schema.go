package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// methodSchemas holds the params schema of every RPC method that takes params.
var methodSchemas = map[string]string{
	"task.start": `{
		"type": "object",
		"required": ["id", "code"],
		"properties": {
			"id":          {"type": "string", "minLength": 1},
			"action_name": {"type": "string"},
			"action_data": {"type": "string"},
			"code":        {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	"task.stop": taskIDSchema,
	"task.get":  taskIDSchema,
	"permission.respond": `{
		"type": "object",
		"required": ["id", "response"],
		"properties": {
			"id":       {"type": "string", "minLength": 1},
			"response": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"db.query":   dbSchema,
	"db.execute": dbSchema,
}

const taskIDSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {"id": {"type": "string", "minLength": 1}},
	"additionalProperties": false
}`

// Values use the tagged shape: "Null" or a single-key object.
const dbSchema = `{
	"type": "object",
	"required": ["query"],
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"params": {
			"type": "array",
			"items": {
				"oneOf": [
					{"const": "Null"},
					{"type": "object", "minProperties": 1, "maxProperties": 1,
					 "propertyNames": {"enum": ["Integer", "Real", "Text", "Blob"]}}
				]
			}
		}
	},
	"additionalProperties": false
}`

// paramValidator validates RPC params against the compiled method schemas.
type paramValidator struct {
	schemas map[string]*jsonschema.Schema
}

func newParamValidator() (*paramValidator, error) {
	c := jsonschema.NewCompiler()
	v := &paramValidator{schemas: make(map[string]*jsonschema.Schema, len(methodSchemas))}
	for method, raw := range methodSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", method, err)
		}
		url := method + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", method, err)
		}
		schema, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", method, err)
		}
		v.schemas[method] = schema
	}
	return v, nil
}

// validate checks params for method. Methods without a schema accept anything.
func (v *paramValidator) validate(method string, params json.RawMessage) error {
	schema, ok := v.schemas[method]
	if !ok {
		return nil
	}
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage(`{}`)
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("params are not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
