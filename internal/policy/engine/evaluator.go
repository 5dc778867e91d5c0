package engine

import "context"

// Input is what a role policy decides on.
type Input struct {
	// Method is the full gRPC method being called.
	Method string `json:"method"`
	// Roles are the caller's roles from the access token.
	Roles []string `json:"roles"`
	// RequiredRoles are the roles of which the caller must hold at least one.
	RequiredRoles []string `json:"required_roles"`
}

// Evaluator decides whether a caller may invoke a protected operation.
type Evaluator interface {
	Allow(ctx context.Context, in Input) (bool, error)
}
