// Package cel compiles and evaluates metadata rules written in CEL
package cel

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// Engine compiles metadata rules against a fixed environment and caches the
// compiled programs by expression text.
//
// A rule sees one metadata entry at a time:
//
//	key    string  the entry's key
//	path   string  dotted path from the metadata root, e.g. "request.headers.cookie"
//	value  dyn     the entry's value
//
// and returns true when the entry is prohibited.
type Engine struct {
	env      *cel.Env
	programs sync.Map // map[string]cel.Program - compiled program cache
}

// Entry is a single metadata entry under evaluation
type Entry struct {
	Key   string
	Path  string
	Value interface{}
}

// NewEngine creates a CEL engine with the metadata variables and helper
// functions: luhn(string), base64Len(string) and isPrivateKey(string)
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("value", cel.DynType),

		// luhn(s) -> true for a 13-19 digit Luhn-valid number, separators allowed
		cel.Function("luhn",
			cel.Overload("luhn_string", []*cel.Type{cel.StringType}, cel.BoolType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					s, ok := v.Value().(string)
					if !ok {
						return types.False
					}
					return types.Bool(IsCardNumber(s))
				}),
			),
		),
		// base64Len(s) -> decoded length if s is base64, otherwise -1
		cel.Function("base64Len",
			cel.Overload("base64Len_string", []*cel.Type{cel.StringType}, cel.IntType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					s, ok := v.Value().(string)
					if !ok {
						return types.Int(-1)
					}
					return types.Int(DecodedBase64Len(s))
				}),
			),
		),
		// isPrivateKey(s) -> true for PEM private key blocks
		cel.Function("isPrivateKey",
			cel.Overload("isPrivateKey_string", []*cel.Type{cel.StringType}, cel.BoolType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					s, ok := v.Value().(string)
					if !ok {
						return types.False
					}
					return types.Bool(IsPrivateKey(s))
				}),
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// Compile compiles a rule and caches the result. Rules must evaluate to bool.
func (e *Engine) Compile(expr string) (cel.Program, error) {
	if prog, ok := e.programs.Load(expr); ok {
		return prog.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation failed: %w", issues.Err())
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return nil, fmt.Errorf("CEL rule must return bool, got %s", out)
	}

	prog, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed: %w", err)
	}

	e.programs.Store(expr, prog)
	return prog, nil
}

// Evaluate runs a compiled rule against one entry
func (e *Engine) Evaluate(prog cel.Program, entry Entry) (bool, error) {
	result, _, err := prog.Eval(map[string]interface{}{
		"key":   entry.Key,
		"path":  entry.Path,
		"value": entry.Value,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation failed: %w", err)
	}

	if boolVal, ok := result.Value().(bool); ok {
		return boolVal, nil
	}
	return false, fmt.Errorf("CEL expression did not return boolean")
}

// EvaluateExpression compiles and evaluates an expression in one call
func (e *Engine) EvaluateExpression(expr string, entry Entry) (bool, error) {
	prog, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	return e.Evaluate(prog, entry)
}

// ClearCache clears the compiled program cache
func (e *Engine) ClearCache() {
	e.programs.Range(func(k, _ interface{}) bool {
		e.programs.Delete(k)
		return true
	})
}
