package upstream

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// feedSchema rejects structurally broken payloads before decoding.
// Emptiness of the two subsets is checked separately because the empty
// and malformed cases share one error kind.
const feedSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["flash_count", "flashes", "friend_flashes"],
	"properties": {
		"flash_count": {"type": "integer", "minimum": 0},
		"flashes": {"type": "array", "items": {"$ref": "#/$defs/flash"}},
		"friend_flashes": {"type": "array", "items": {"$ref": "#/$defs/flash"}}
	},
	"$defs": {
		"flash": {
			"type": "object",
			"required": ["flash_id", "player"],
			"properties": {
				"flash_id": {"type": "integer"},
				"player": {"type": "string", "minLength": 1},
				"city": {"type": "string"},
				"img": {"type": "string"},
				"text": {"type": ["string", "null"]},
				"timestamp": {"type": "integer"}
			}
		}
	}
}`

type feedValidator struct {
	schema *jsonschema.Schema
}

func newFeedValidator() (*feedValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(feedSchema))
	if err != nil {
		return nil, fmt.Errorf("parse feed schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("feed.json", doc); err != nil {
		return nil, fmt.Errorf("register feed schema: %w", err)
	}
	schema, err := compiler.Compile("feed.json")
	if err != nil {
		return nil, fmt.Errorf("compile feed schema: %w", err)
	}
	return &feedValidator{schema: schema}, nil
}

func (v *feedValidator) validate(body []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("payload is not json: %w", err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return err
	}
	return nil
}
