package http

import (
	"strings"

	"github.com/google/shlex"
)

type Expression struct {
	Expr string `json:"expression"`
	Pid  int    `json:"pid"`
}

func newExpression(expr string, pid int) *Expression {
	return &Expression{Expr: expr, Pid: pid}
}

// resolve splits the expression into its command and shell-quoted args.
func (e *Expression) resolve() (string, []string, error) {
	words, err := shlex.Split(e.Expr)
	if err != nil {
		return "", nil, err
	}
	if len(words) == 0 {
		return "", nil, nil
	}
	return strings.ToLower(words[0]), words[1:], nil
}
