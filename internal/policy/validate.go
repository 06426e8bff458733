package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Input is what an admission expression can see about a grant request.
type Input struct {
	WorkItem  string
	Identity  string
	Addresses []string
	Start     *time.Time
	End       *time.Time
	Now       time.Time
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("work_item", cel.StringType),
		cel.Variable("identity", cel.StringType),
		cel.Variable("addresses", cel.ListType(cel.StringType)),
		cel.Variable("immediate", cel.BoolType),
		cel.Variable("expires", cel.BoolType),
		cel.Variable("duration_seconds", cel.IntType),
	)
}

// ValidateCEL reports whether expr compiles to a boolean admission rule.
func ValidateCEL(expr string) error {
	_, err := NewAdmission(expr)
	return err
}

// Admission is an optional CEL guard every grant must satisfy, e.g.
// `size(addresses) <= 5 && duration_seconds <= 28800`.
type Admission struct {
	expr string
	prog cel.Program
}

// NewAdmission compiles expr. An empty expression admits everything.
func NewAdmission(expr string) (*Admission, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Admission{}, nil
	}
	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("admission expression must return bool, got %s", checked.OutputType())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, err
	}
	return &Admission{expr: expr, prog: prog}, nil
}

func (a *Admission) Expr() string {
	if a == nil {
		return ""
	}
	return a.expr
}

// Allow evaluates the expression for in. A nil or empty Admission allows.
func (a *Admission) Allow(in Input) (bool, error) {
	if a == nil || a.prog == nil {
		return true, nil
	}
	start := in.Now
	immediate := in.Start == nil || !in.Start.After(in.Now)
	if !immediate {
		start = *in.Start
	}
	var duration int64
	if in.End != nil {
		duration = int64(in.End.Sub(start) / time.Second)
	}
	addresses := in.Addresses
	if addresses == nil {
		addresses = []string{}
	}
	out, _, err := a.prog.Eval(map[string]any{
		"work_item":        in.WorkItem,
		"identity":         in.Identity,
		"addresses":        addresses,
		"immediate":        immediate,
		"expires":          in.End != nil,
		"duration_seconds": duration,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("admission expression did not return true/false")
	}
	return b, nil
}
