package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The push channel is shared with other clients we do not control; payloads
// are validated before they can reach the reconciler.

const entitySchemaJSON = `{
	"type": "object",
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"version": {"type": "integer", "minimum": 0},
		"lastModifiedBy": {"type": "string"}
	},
	"required": ["id"]
}`

const productionSchemaJSON = `{
	"type": "object",
	"properties": {
		"productionId": {"type": "string", "minLength": 1},
		"version": {"type": "integer", "minimum": 1},
		"lastModifiedBy": {"type": "string"},
		"fieldVersions": {
			"type": "object",
			"additionalProperties": {"type": "integer"}
		}
	},
	"required": ["productionId", "version"]
}`

const presenceSchemaJSON = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"userId": {"type": "string", "minLength": 1},
			"userName": {"type": "string"}
		},
		"required": ["userId"]
	}
}`

// SchemaValidator validates inbound envelope payloads against embedded JSON
// Schemas: entity events by event-name suffix, the aggregate-root update and
// presence broadcasts by exact name. Unknown events pass through.
type SchemaValidator struct {
	entity     *jsonschema.Schema
	production *jsonschema.Schema
	presence   *jsonschema.Schema
}

func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"entity.json":     entitySchemaJSON,
		"production.json": productionSchemaJSON,
		"presence.json":   presenceSchemaJSON,
	}
	compiled := map[string]*jsonschema.Schema{}
	for name, source := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = schema
	}
	return &SchemaValidator{
		entity:     compiled["entity.json"],
		production: compiled["production.json"],
		presence:   compiled["presence.json"],
	}, nil
}

func (v *SchemaValidator) Validate(event string, payload json.RawMessage) error {
	schema := v.schemaFor(event)
	if schema == nil {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	return schema.Validate(instance)
}

func (v *SchemaValidator) schemaFor(event string) *jsonschema.Schema {
	switch event {
	case "production:updated":
		return v.production
	case "presence:update":
		return v.presence
	}
	switch {
	case strings.HasSuffix(event, ":created"),
		strings.HasSuffix(event, ":updated"),
		strings.HasSuffix(event, ":deleted"):
		return v.entity
	}
	return nil
}
