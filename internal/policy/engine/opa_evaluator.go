package engine

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
)

const allowQuery = "data.clinix.authz.allow"

// DefaultRolePolicy grants access when the caller holds any required role, or when nothing is required.
const DefaultRolePolicy = `package clinix.authz

default allow := false

allow if {
	count(input.required_roles) == 0
}

allow if {
	some role in input.roles
	role in input.required_roles
}
`

// OPAEvaluator evaluates role policies with an in-process OPA Rego engine.
// The query is prepared once; evaluation is safe for concurrent use.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles policy (DefaultRolePolicy when empty). The policy must define
// data.clinix.authz.allow as a boolean.
func NewOPAEvaluator(ctx context.Context, policy string) (*OPAEvaluator, error) {
	if policy == "" {
		policy = DefaultRolePolicy
	}
	compiler, err := ast.CompileModules(map[string]string{"authz.rego": policy})
	if err != nil {
		return nil, fmt.Errorf("compile role policy: %w", err)
	}
	q, err := rego.New(
		rego.Query(allowQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare role policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// Allow evaluates the policy for in. A policy that yields no boolean denies.
func (e *OPAEvaluator) Allow(ctx context.Context, in Input) (bool, error) {
	roles := in.Roles
	if roles == nil {
		roles = []string{}
	}
	required := in.RequiredRoles
	if required == nil {
		required = []string{}
	}
	input := map[string]interface{}{
		"method":         in.Method,
		"roles":          roles,
		"required_roles": required,
	}
	rs, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("eval role policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	allowed, ok := rs[0].Expressions[0].Value.(bool)
	return ok && allowed, nil
}

// HealthCheck verifies that the prepared policy still evaluates: a caller with no roles
// against an empty requirement must be allowed.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	ok, err := e.Allow(ctx, Input{Method: "health"})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("role policy denied an unrestricted call")
	}
	return nil
}
