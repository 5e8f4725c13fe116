package policy

import (
	"context"
	"fmt"
	"sync"

	cedar "github.com/cedar-policy/cedar-go"
)

// CedarEvaluator implements [Client] with an embedded Cedar policy set, for
// deployments that ship policies with the process instead of running a
// decision service. Policies can be swapped at runtime.
type CedarEvaluator struct {
	mu        sync.RWMutex
	policySet *cedar.PolicySet
	entities  cedar.EntityMap
}

// NewCedarEvaluator parses the given Cedar policy sources.
func NewCedarEvaluator(policies []string) (*CedarEvaluator, error) {
	e := &CedarEvaluator{entities: cedar.EntityMap{}}
	set, err := parsePolicies(policies)
	if err != nil {
		return nil, err
	}
	e.policySet = set
	return e, nil
}

// UpdatePolicies replaces the active policy set.
func (e *CedarEvaluator) UpdatePolicies(policies []string) error {
	set, err := parsePolicies(policies)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.policySet = set
	e.mu.Unlock()
	return nil
}

func parsePolicies(policies []string) (*cedar.PolicySet, error) {
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: no policies", ErrUnavailable)
	}
	set := cedar.NewPolicySet()
	for i, src := range policies {
		var policy cedar.Policy
		if err := policy.UnmarshalCedar([]byte(src)); err != nil {
			return nil, fmt.Errorf("%w: parse policy %d: %v", ErrUnavailable, i, err)
		}
		set.Add(cedar.PolicyID(fmt.Sprintf("policy%d", i)), &policy)
	}
	return set, nil
}

func (e *CedarEvaluator) Evaluate(_ context.Context, input Input) (*Decision, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	req := cedar.Request{
		Principal: cedar.NewEntityUID("User", cedar.String(input.UserID)),
		Action:    cedar.NewEntityUID("Action", cedar.String(input.Action)),
		Resource:  cedar.NewEntityUID("Resource", cedar.String(input.Resource)),
		Context:   contextRecord(input),
	}

	decision, diagnostic := cedar.Authorize(e.policySet, e.entities, req)
	if len(diagnostic.Errors) > 0 {
		return nil, fmt.Errorf("%w: evaluation: %v", ErrUnavailable, diagnostic.Errors)
	}

	result := &Decision{Allow: decision == cedar.Allow}
	if result.Allow {
		result.Reason = "permitted by policy"
	} else {
		result.Reason = "no permitting policy matched"
	}
	return result, nil
}

// contextRecord folds the input roles and context attributes into the Cedar
// request context. Unsupported value types are skipped.
func contextRecord(input Input) cedar.Record {
	recordMap := make(cedar.RecordMap)

	roles := make([]cedar.Value, 0, len(input.Roles))
	for _, role := range input.Roles {
		roles = append(roles, cedar.String(role))
	}
	recordMap["roles"] = cedar.NewSet(roles...)

	for k, v := range input.Context {
		if value := cedarValue(v); value != nil {
			recordMap[cedar.String(k)] = value
		}
	}
	return cedar.NewRecord(recordMap)
}

func cedarValue(v any) cedar.Value {
	switch val := v.(type) {
	case bool:
		if val {
			return cedar.True
		}
		return cedar.False
	case string:
		return cedar.String(val)
	case int:
		return cedar.Long(val)
	case int64:
		return cedar.Long(val)
	case float64:
		return cedar.Long(int64(val))
	case []string:
		values := make([]cedar.Value, 0, len(val))
		for _, s := range val {
			values = append(values, cedar.String(s))
		}
		return cedar.NewSet(values...)
	default:
		return nil
	}
}
