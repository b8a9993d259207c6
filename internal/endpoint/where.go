package endpoint

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/countwatch/countwatch/internal/changefeed"
)

// Where is a compiled row predicate supplied by the client.
type Where struct {
	expr string
	prg  cel.Program
}

var whereEnv = mustWhereEnv()

func mustWhereEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("action", cel.StringType),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create CEL env: %v", err))
	}
	return env
}

// CompileWhere compiles a boolean CEL expression over row and action. An
// empty expression yields nil.
func CompileWhere(expr string) (*Where, error) {
	if expr == "" {
		return nil, nil
	}

	ast, issues := whereEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: where: %v", ErrInvalidParams, issues.Err())
	}
	prg, err := whereEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation error: %w", err)
	}
	return &Where{expr: expr, prg: prg}, nil
}

// Match evaluates the expression. Evaluation errors, such as a missing key,
// and non-boolean results count as no match.
func (w *Where) Match(evt *changefeed.Event) bool {
	row := map[string]interface{}(evt.Row())
	if row == nil {
		row = map[string]interface{}{}
	}
	out, _, err := w.prg.Eval(map[string]interface{}{
		"row":    row,
		"action": string(evt.Action),
	})
	if err != nil {
		slog.Debug("where expression failed", "expr", w.expr, "error", err)
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
