package abac

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pastExpiry() time.Time {
	return time.Now().Add(-time.Minute)
}

func TestPolicyLookupPrecedence(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryPolicyRepository()
	policies := NewPolicies(repo)

	require.NoError(t, repo.StorePolicy(ctx, PolicyKey{Resource: "tcp-outlet", Action: "connect"}, ActionIs("connect")))

	err := policies.IsAuthorized(ctx, "outlet-1", "tcp-outlet", "connect", Env{Action: "connect"})
	assert.NoError(t, err, "should fall back to the resource-type policy")

	require.NoError(t, repo.StorePolicy(ctx, PolicyKey{Resource: "outlet-1", Action: "connect"}, Not{Expr: ActionIs("connect")}))

	err = policies.IsAuthorized(ctx, "outlet-1", "tcp-outlet", "connect", Env{Action: "connect"})
	assert.ErrorIs(t, err, ferrors.ErrPolicyDeny, "exact-resource policy must take precedence over the type policy")
}

func TestPolicyDefaultDeny(t *testing.T) {
	ctx := context.Background()
	policies := NewPolicies(NewInMemoryPolicyRepository())

	err := policies.IsAuthorized(ctx, "unknown", "unknown-type", "connect", Env{Action: "connect"})
	assert.ErrorIs(t, err, ferrors.ErrPolicyDeny)
}

func TestExprEvalMember(t *testing.T) {
	expr := Member{Attr: Attr{Scope: "subject", Key: "role"}, Values: []string{"admin", "operator"}}

	ok, err := expr.Eval(Env{Subject: map[string]string{"role": "operator"}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = expr.Eval(Env{Subject: map[string]string{"role": "guest"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExprJSONRoundTrip(t *testing.T) {
	original := And{
		ActionIs("connect"),
		Or{
			Eq{Attr: Attr{Scope: "subject", Key: "team"}, Value: "infra"},
			Member{Attr: Attr{Scope: "subject", Key: "role"}, Values: []string{"admin"}},
		},
		Not{Expr: Eq{Attr: Attr{Scope: "resource", Key: "locked"}, Value: "true"}},
	}

	data, err := MarshalExpr(original)
	require.NoError(t, err)

	decoded, err := UnmarshalExpr(data)
	require.NoError(t, err)

	env := Env{
		Subject:  map[string]string{"team": "infra", "role": "guest"},
		Resource: map[string]string{"locked": "false"},
		Action:   "connect",
	}
	ok, err := decoded.Eval(env)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAttributeRepositoryExpiry(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryAttributeRepository()

	require.NoError(t, repo.PutAttributes(ctx, "subject-1", map[string]string{"role": "admin"}, pastExpiry()))

	_, err := repo.GetAttributes(ctx, "subject-1")
	assert.ErrorIs(t, err, ferrors.ErrNotFound)
}

func TestRetryingPolicyRepositorySucceedsAfterTransientErrors(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyPolicyRepository{failCount: 2, PolicyRepository: NewInMemoryPolicyRepository()}
	repo := WithRetry(flaky, RetryConfig{MaxAttempts: 5, BaseDelay: 0, MaxDelay: 0})

	err := repo.StorePolicy(ctx, PolicyKey{Resource: "r", Action: "a"}, ActionIs("a"))
	require.NoError(t, err)
	assert.Equal(t, 0, flaky.failCount)
}

type flakyPolicyRepository struct {
	PolicyRepository
	failCount int
}

func (f *flakyPolicyRepository) StorePolicy(ctx context.Context, key PolicyKey, expr Expr) error {
	if f.failCount > 0 {
		f.failCount--
		return assert.AnError
	}
	return f.PolicyRepository.StorePolicy(ctx, key, expr)
}
