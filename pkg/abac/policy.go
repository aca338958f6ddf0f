package abac

import (
	"context"
	"errors"
	"time"

	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/cuemby/meridian/pkg/metrics"
)

// PolicyKey identifies a stored policy expression by the resource it
// guards and the action it governs. Resource is either an exact
// resource name ("outlet-1") or a resource type ("tcp-outlet") —
// PolicyRepository does not distinguish the two, Policies.IsAuthorized
// does, via lookup precedence.
type PolicyKey struct {
	Resource string
	Action   string
}

// PolicyRepository is the opaque CRUD contract backing Policies:
// store/get/delete are idempotent by key.
type PolicyRepository interface {
	StorePolicy(ctx context.Context, key PolicyKey, expr Expr) error
	GetPolicy(ctx context.Context, key PolicyKey) (Expr, error) // ferrors.ErrNotFound if absent
	DeletePolicy(ctx context.Context, key PolicyKey) error
}

// Policies evaluates access decisions against a PolicyRepository,
// applying the exact-resource > resource-type > default-deny
// precedence.
type Policies struct {
	repo PolicyRepository
}

// NewPolicies wraps a repository with the standard lookup precedence.
func NewPolicies(repo PolicyRepository) *Policies {
	return &Policies{repo: repo}
}

// IsAuthorized looks up a policy for (resourceName, action), falling
// back to (resourceType, action), and finally to deny if neither
// exists. A found expression that evaluates false is also a deny.
func (p *Policies) IsAuthorized(ctx context.Context, resourceName, resourceType, action string, env Env) error {
	decision := "deny"
	defer func() {
		metrics.PolicyDecisionsTotal.WithLabelValues(decision).Inc()
	}()

	expr, err := p.repo.GetPolicy(ctx, PolicyKey{Resource: resourceName, Action: action})
	if err != nil && !errors.Is(err, ferrors.ErrNotFound) {
		return err
	}
	if errors.Is(err, ferrors.ErrNotFound) {
		expr, err = p.repo.GetPolicy(ctx, PolicyKey{Resource: resourceType, Action: action})
		if err != nil && !errors.Is(err, ferrors.ErrNotFound) {
			return err
		}
	}
	if expr == nil {
		return ferrors.ErrPolicyDeny
	}

	ok, err := expr.Eval(env)
	if err != nil {
		return err
	}
	if !ok {
		return ferrors.ErrPolicyDeny
	}
	decision = "allow"
	return nil
}

// AttributeRepository holds signed subject attribute sets keyed by
// identifier, populated from verified credentials during a secure
// channel handshake and consulted when building an Env for IsAuthorized.
type AttributeRepository interface {
	PutAttributes(ctx context.Context, subject string, attrs map[string]string, expiresAt time.Time) error
	GetAttributes(ctx context.Context, subject string) (map[string]string, error) // ferrors.ErrNotFound if absent/expired
	DeleteAttributes(ctx context.Context, subject string) error
}
