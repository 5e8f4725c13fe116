// Package policy is the client boundary to the policy decision service. The
// engine asks one question: may this user perform this action on this
// resource, given some request context. Transport failures are never
// decisions; callers fail closed on error.
package policy

import (
	"context"
	"errors"
)

// ErrUnavailable wraps transport failures and decision-service errors. A
// caller receiving it must treat the request as denied.
var ErrUnavailable = errors.New("policy: unavailable")

// Input is one authorization question.
type Input struct {
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles,omitempty"`
	Resource string   `json:"resource"`
	Action   string   `json:"action"`
	// Context carries request attributes policies may condition on, such as
	// the hour of day or client network.
	Context map[string]any `json:"context,omitempty"`
}

// Decision is the service's answer. Reason is human-readable and safe to
// surface to operators, not end users.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Client evaluates authorization questions.
type Client interface {
	Evaluate(ctx context.Context, input Input) (*Decision, error)
}

// Func adapts a plain function to [Client].
type Func func(ctx context.Context, input Input) (*Decision, error)

// Evaluate implements [Client].
func (f Func) Evaluate(ctx context.Context, input Input) (*Decision, error) {
	return f(ctx, input)
}
