package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed change_event.schema.json
var changeEventSchemaJSON string

var changeEventSchema = mustCompile("change_event.schema.json", changeEventSchemaJSON)

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return s
}

// ValidateEventJSON checks one raw JSONL record against the change-event
// schema before it is decoded into a ChangeEvent.
func ValidateEventJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: %w", ErrBadEvent, err)
	}
	if err := changeEventSchema.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", ErrBadEvent, err)
	}
	return nil
}
