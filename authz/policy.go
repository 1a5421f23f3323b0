package authz

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/NickB03/vana-sub003/core"
)

// Input is the document the policy is evaluated against.
type Input struct {
	Method  string   `json:"method"`
	Route   string   `json:"route"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// Decision is the policy verdict for one request.
type Decision struct {
	Allow bool
	// Scope is the scope the route requires, empty for unknown routes.
	Scope string
}

// Policy evaluates the scope policy with OPA.
type Policy struct {
	query rego.PreparedEvalQuery
}

// NewPolicy compiles module. The module must define
// data.vana.authz.decision as an object with allow and scope keys.
func NewPolicy(ctx context.Context, module string) (*Policy, error) {
	r := rego.New(
		rego.Query("data.vana.authz.decision"),
		rego.Module("authz.rego", module),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Policy{query: query}, nil
}

// Evaluate returns the decision for in. An undefined result denies.
func (p *Policy) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if in.Scopes == nil {
		in.Scopes = []string{}
	}
	results, err := p.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, nil
	}
	obj, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
	}
	d := Decision{}
	d.Allow, _ = obj["allow"].(bool)
	d.Scope, _ = obj["scope"].(string)
	return d, nil
}

// Authorize returns a SecurityError unless principal may call route.
func (p *Policy) Authorize(ctx context.Context, principal Principal, method, route string) error {
	d, err := p.Evaluate(ctx, Input{Method: method, Route: route, Subject: principal.Subject, Scopes: principal.Scopes})
	if err != nil {
		return err
	}
	if !d.Allow {
		msg := fmt.Sprintf("%s %s is not permitted", method, route)
		if d.Scope != "" {
			msg = fmt.Sprintf("%s %s requires scope %s", method, route, d.Scope)
		}
		return &core.SecurityError{Code: "forbidden", Message: msg}
	}
	return nil
}

// DefaultPolicy maps every authenticated route to its required scope.
const DefaultPolicy = `
package vana.authz

routes = {
	"POST /run": "run:execute",
	"DELETE /run/:run_id": "run:execute",
	"GET /run/stream/:run_id": "data:read",
	"GET /run/ws/:run_id": "data:read",
	"GET /replay/:run_id": "data:read",
	"DELETE /session/:session_id": "run:execute",
	"GET /status": "system:monitor"
}

default scope = ""

scope = s {
	s := routes[concat(" ", [input.method, input.route])]
}

default allow = false

allow {
	scope != ""
	input.scopes[_] == scope
}

decision = {"allow": allow, "scope": scope}
`
