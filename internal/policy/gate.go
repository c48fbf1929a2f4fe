// Package policy decides how tool activity is displayed, backed by an
// OPA rego policy so operators can override the defaults.
package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"

	"github.com/weftlabs/weft/domain"
)

// Gate evaluates the display policy for tool invocations.
type Gate struct {
	query rego.PreparedEvalQuery
}

// NewGate compiles the policy content. Empty content falls back to
// DefaultPolicy.
func NewGate(ctx context.Context, policyContent string) (*Gate, error) {
	if policyContent == "" {
		policyContent = DefaultPolicy
	}
	r := rego.New(
		rego.Query("data.weft.display.decision"),
		rego.Module("display_policy.rego", policyContent),
	)
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare display policy: %w", err)
	}
	return &Gate{query: query}, nil
}

// Evaluate returns the display decision for one tool invocation:
// allow, redact or require_ack. Unmatched input defaults to allow.
func (g *Gate) Evaluate(ctx context.Context, toolName string, input json.RawMessage) (string, error) {
	var args any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			args = string(input)
		}
	}

	results, err := g.query.Eval(ctx, rego.EvalInput(map[string]any{
		"tool_name": toolName,
		"input":     args,
	}))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate display policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.DisplayAllow, nil
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return domain.DisplayAllow, nil
}

// DefaultPolicy hides obviously sensitive tool output and collapses
// shell activity until the user expands it.
const DefaultPolicy = `
package weft.display

default decision = "allow"

decision = "redact" {
	contains(input.tool_name, "secret")
}

decision = "redact" {
	contains(input.tool_name, "credential")
}

decision = "require_ack" {
	startswith(input.tool_name, "shell")
}
`
