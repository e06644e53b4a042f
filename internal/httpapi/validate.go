package httpapi

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// requestValidator checks inbound JSON bodies against a JSON schema
// before they are decoded into typed requests, adapted from the
// teacher's SchemaValidator (internal/responses/validator.go), which
// validates model output against a schema; here the same library
// validates untrusted client input at the transport boundary instead.
type requestValidator struct{}

func newRequestValidator() *requestValidator {
	return &requestValidator{}
}

// chatRequestSchema constrains POST /api/chat bodies: message is
// required and bounded, and the decoding knobs stay within sane ranges
// before they ever reach the engine.
var chatRequestSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": true,
	"required":             []string{"message"},
	"properties": map[string]any{
		"message":     map[string]any{"type": "string", "minLength": 1, "maxLength": 16000},
		"max_tokens":  map[string]any{"type": "integer", "minimum": 0, "maximum": 256},
		"temperature": map[string]any{"type": "number", "minimum": 0, "maximum": 2},
		"top_p":       map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"stream":      map[string]any{"type": "boolean"},
		"use_cache":   map[string]any{"type": "boolean"},
	},
}

// Validate checks body against schema, returning a single error joining
// every schema violation found.
func (v *requestValidator) Validate(body []byte, schema map[string]any) error {
	schemaLoader := gojsonschema.NewGoLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(body)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
