package chatsync

import (
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

// eventSchemas holds one compiled schema per inbound event tag, keyed by file name.
var eventSchemas = map[EventName]*gojsonschema.Schema{}

func init() {
	entries, err := schemaFiles.ReadDir("schemas")
	if err != nil {
		panic(fmt.Sprintf("chatsync: read embedded schemas: %v", err))
	}
	for _, entry := range entries {
		data, err := schemaFiles.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			panic(fmt.Sprintf("chatsync: read schema %s: %v", entry.Name(), err))
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
		if err != nil {
			panic(fmt.Sprintf("chatsync: compile schema %s: %v", entry.Name(), err))
		}
		eventSchemas[EventName(strings.TrimSuffix(entry.Name(), ".json"))] = schema
	}
}

// SchemaError reports an inbound payload that does not match its event schema.
type SchemaError struct {
	Event  EventName
	Errors []string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid %s payload: %s", e.Event, strings.Join(e.Errors, "; "))
}

// validatePayload checks data against the schema for name. Tags without a schema pass.
func validatePayload(name EventName, data []byte) error {
	schema, ok := eventSchemas[name]
	if !ok {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("validate %s: %w", name, err)
	}
	if result.Valid() {
		return nil
	}
	se := &SchemaError{Event: name}
	for _, desc := range result.Errors() {
		se.Errors = append(se.Errors, desc.String())
	}
	return se
}
