package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// EntitySchemaValidationError is returned when a submitted entity fails the
// configured JSON schema.
type EntitySchemaValidationError struct {
	Index   int                   `json:"index"`
	Errors  []ValidationErrorItem `json:"validation_errors"`
	Message string                `json:"error"`
}

func (e *EntitySchemaValidationError) Error() string {
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return "entity_schema_validation_failed"
}

// EntityValidator validates submitted entity payloads against an optional
// JSON schema supplied at server start.
type EntityValidator struct {
	schema *gojsonschema.Schema
}

// NewEntityValidator compiles the given JSON schema document. An empty
// document yields a validator that accepts everything.
func NewEntityValidator(schemaJSON string) (*EntityValidator, error) {
	if strings.TrimSpace(schemaJSON) == "" {
		return &EntityValidator{}, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile entity schema: %w", err)
	}
	return &EntityValidator{schema: schema}, nil
}

// Validate checks one entity payload. index is the entity's position in the
// submitted list, used only for error reporting.
func (v *EntityValidator) Validate(index int, entity json.RawMessage) error {
	if v == nil || v.schema == nil {
		return nil
	}
	res, err := v.schema.Validate(gojsonschema.NewBytesLoader(entity))
	if err != nil {
		return fmt.Errorf("validate entity %d: %w", index, err)
	}
	if res.Valid() {
		return nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{
			Path:    item.Field(),
			Message: item.Description(),
			Value:   item.Value(),
		})
	}
	return &EntitySchemaValidationError{
		Index:   index,
		Errors:  items,
		Message: fmt.Sprintf("entity %d failed schema validation", index),
	}
}
