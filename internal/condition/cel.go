package condition

import (
	"fmt"
	"strings"
	"sync"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// celReserved are identifiers CEL cannot select with dot syntax.
var celReserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true,
	"var": true, "void": true, "while": true,
}

var (
	envOnce sync.Once
	env     *celgo.Env
	envErr  error

	programs sync.Map // CEL source -> celgo.Program
)

func celEnv() (*celgo.Env, error) {
	envOnce.Do(func() {
		env, envErr = celgo.NewEnv(celgo.Variable("state", celgo.DynType))
	})
	return env, envErr
}

// EvaluateCompiled runs CEL source produced by Compile against state, normalized exactly as
// Evaluate normalizes it.
func EvaluateCompiled(src string, state map[string]any) (bool, error) {
	prg, err := program(src)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"state": NormalizeState(state)})
	if err != nil {
		return false, fmt.Errorf("cel eval error: %w", err)
	}
	if b, ok := out.(types.Bool); ok {
		return bool(b), nil
	}
	if v, ok := out.(ref.Val); ok {
		if b, ok := v.Value().(bool); ok {
			return b, nil
		}
	}
	return false, fmt.Errorf("cel: expression %q did not evaluate to bool (got %T)", src, out)
}

// EvaluateViaCEL compiles expr and evaluates the result through cel-go.
func EvaluateViaCEL(expr string, state map[string]any) (bool, error) {
	src, err := Compile(expr)
	if err != nil {
		return false, err
	}
	return EvaluateCompiled(src, state)
}

func program(src string) (celgo.Program, error) {
	if p, ok := programs.Load(src); ok {
		return p.(celgo.Program), nil
	}
	e, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := e.Parse(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel parse error: %w", issues.Err())
	}
	ast, issues = e.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cel type-check error: %w", issues.Err())
	}
	prg, err := e.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program build error: %w", err)
	}
	programs.Store(src, prg)
	return prg, nil
}

// ---- CEL rendering ----

func celSelect(field string) (has, sel string) {
	if celReserved[field] {
		q := celString(field)
		return "(" + q + " in state)", "state[" + q + "]"
	}
	return "has(state." + field + ")", "state." + field
}

func celString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`)
	return "'" + r.Replace(s) + "'"
}

func celLiteral(v any) (typ, src string) {
	switch t := v.(type) {
	case bool:
		if t {
			return "bool", "true"
		}
		return "bool", "false"
	case string:
		return "string", celString(t)
	}
	return "null_type", "null"
}

func (n *compareNode) writeCEL(b *strings.Builder) {
	has, sel := celSelect(n.field)
	typ, lit := celLiteral(n.lit.value)
	fmt.Fprintf(b, "(%s && type(%s) == %s && %s == %s)", has, sel, typ, sel, lit)
}

func (n *includesNode) writeCEL(b *strings.Builder) {
	has, sel := celSelect(n.field)
	_, member := celLiteral(n.lit.value)
	fmt.Fprintf(b, "(%s && (type(%s) == string ? %s.contains(%s) : (type(%s) == list ? %s in %s : false)))",
		has, sel, sel, celString(n.lit.raw), sel, member, sel)
}

func (n *logicalNode) writeCEL(b *strings.Builder) {
	sep := " || "
	if n.op == tokAnd {
		sep = " && "
	}
	b.WriteString("(")
	for i, o := range n.operands {
		if i > 0 {
			b.WriteString(sep)
		}
		o.writeCEL(b)
	}
	b.WriteString(")")
}
