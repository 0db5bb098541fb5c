// Package validate implements payload validators for job definitions.
//
// JSONSchema checks payloads against a JSON Schema document,
// CEL checks payloads with a boolean CEL expression
// over the variable payload.
// All validators return an *Error describing the rejected payload.
package validate
