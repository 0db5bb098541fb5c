package validate

import (
	"fmt"
	"strings"
)

// Validator is implemented by all validators of this package.
type Validator interface {
	Validate(payload []byte) (validated []byte, err error)
}

// Error describes why a payload was rejected.
type Error struct {
	Message string   `json:"message"`
	Details []Detail `json:"details,omitempty"`
}

// Detail is a single violation within a payload.
type Detail struct {
	// InstanceLocation is the JSON pointer of the violating value.
	InstanceLocation string `json:"instanceLocation"`
	KeywordLocation  string `json:"keywordLocation,omitempty"`
	Message          string `json:"message"`
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	var b strings.Builder
	b.WriteString(e.Message)
	for _, d := range e.Details {
		fmt.Fprintf(&b, "\n  %s: %s", d.InstanceLocation, d.Message)
	}
	return b.String()
}

// All chains validators, the validated payload of one
// is passed to the next one.
type All []Validator

func (all All) Validate(payload []byte) ([]byte, error) {
	for _, v := range all {
		var err error
		payload, err = v.Validate(payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}
