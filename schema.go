package dispatch

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// payloadSchema is a task's optional, compiled per-call argument
// validator (WithSchema). Adapted from the teacher's generic
// pkg/jsonschema loader/validate wrapper, specialized to dispatch's own
// domain: compiled once at Register time against the task it belongs to,
// instead of re-parsed from a string on every call.
type payloadSchema struct {
	compiled *gojsonschema.Schema
}

// compilePayloadSchema parses and compiles raw as a draft-07 JSON Schema.
// A malformed schema is rejected immediately at registration time with
// ErrInvalidSchema, rather than deferred to the task's first call.
func compilePayloadSchema(raw string) (*payloadSchema, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &payloadSchema{compiled: compiled}, nil
}

// validate checks payload (the task's JSON-encoded positional args)
// against the compiled schema.
func (s *payloadSchema) validate(payload []byte) error {
	result, err := s.compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("schema validation system error: %v", err)
	}
	if result.Valid() {
		return nil
	}
	descs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		descs = append(descs, desc.String())
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(descs, "; "))
}
