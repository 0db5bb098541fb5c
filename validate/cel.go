package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/domonda/go-errs"
	"github.com/google/cel-go/cel"
)

// CEL validates payloads with a boolean CEL expression.
// The decoded JSON payload is available as the variable payload,
// for example:
//
//	has(payload.email) && payload.email.endsWith("@example.com")
type CEL struct {
	expr string
	prog cel.Program
}

func NewCEL(expr string) (*CEL, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errs.Errorf("empty CEL expression")
	}
	env, err := cel.NewEnv(
		cel.Variable("payload", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errs.Errorf("can't parse CEL expression %q: %w", expr, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, errs.Errorf("can't check CEL expression %q: %w", expr, iss.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &CEL{expr: expr, prog: prog}, nil
}

// MustCEL compiles a CEL expression or panics.
func MustCEL(expr string) *CEL {
	c, err := NewCEL(expr)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *CEL) Validate(payload []byte) ([]byte, error) {
	var value any
	err := json.Unmarshal(payload, &value)
	if err != nil {
		return nil, &Error{Message: "payload is not valid JSON: " + err.Error()}
	}
	out, _, err := c.prog.Eval(map[string]any{"payload": value})
	if err != nil {
		return nil, &Error{
			Message: "payload rule can't be evaluated",
			Details: []Detail{{InstanceLocation: "", Message: err.Error()}},
		}
	}
	if ok, _ := out.Value().(bool); !ok {
		return nil, &Error{Message: fmt.Sprintf("payload does not satisfy rule %s", c.expr)}
	}
	return payload, nil
}

func (c *CEL) String() string {
	return c.expr
}
