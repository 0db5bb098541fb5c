package validate

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/domonda/go-errs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "mem://payload.schema.json"

// JSONSchema validates payloads against a compiled JSON Schema.
type JSONSchema struct {
	schema *jsonschema.Schema
}

// NewJSONSchema compiles a JSON Schema document.
func NewJSONSchema(schema []byte) (*JSONSchema, error) {
	compiled, err := jsonschema.CompileString(schemaURL, string(schema))
	if err != nil {
		return nil, errs.Errorf("can't compile JSON schema: %w", err)
	}
	return &JSONSchema{schema: compiled}, nil
}

// MustJSONSchema compiles a JSON Schema document or panics.
func MustJSONSchema(schema string) *JSONSchema {
	s, err := NewJSONSchema([]byte(schema))
	if err != nil {
		panic(err)
	}
	return s
}

// Validate returns the compacted payload if it conforms to the schema.
func (s *JSONSchema) Validate(payload []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var value any
	err := decoder.Decode(&value)
	if err != nil {
		return nil, &Error{Message: "payload is not valid JSON: " + err.Error()}
	}

	err = s.schema.Validate(value)
	if err != nil {
		var validationErr *jsonschema.ValidationError
		if !errors.As(err, &validationErr) {
			return nil, err
		}
		e := &Error{Message: "payload does not conform to schema"}
		for _, basic := range validationErr.BasicOutput().Errors {
			if basic.InstanceLocation == "" && basic.KeywordLocation == "" {
				continue
			}
			e.Details = append(e.Details, Detail{
				InstanceLocation: basic.InstanceLocation,
				KeywordLocation:  basic.KeywordLocation,
				Message:          basic.Error,
			})
		}
		return nil, e
	}

	var compacted bytes.Buffer
	err = json.Compact(&compacted, payload)
	if err != nil {
		return nil, &Error{Message: "payload is not valid JSON: " + err.Error()}
	}
	return compacted.Bytes(), nil
}
