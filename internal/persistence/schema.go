package persistence

import (
	"bytes"
	_ "embed"
	"fmt"
	"regexp"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed task.schema.json
var taskSchemaJSON []byte

var canonicalID = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// ValidID reports whether id is a canonical lowercase UUID, the only form
// accepted as a record key.
func ValidID(id string) bool {
	return canonicalID.MatchString(id)
}

func compileTaskSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(taskSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal task schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("task.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add task schema resource: %w", err)
	}
	schema, err := c.Compile("task.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile task schema: %w", err)
	}
	return schema, nil
}

// validateRecord checks raw record bytes against the task schema. It uses
// jsonschema.UnmarshalJSON so integers keep json.Number precision.
func (s *Store) validateRecord(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse record: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return fmt.Errorf("validate record: %w", err)
	}
	return nil
}
