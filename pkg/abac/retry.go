package abac

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/cuemby/meridian/pkg/ferrors"
)

// RetryConfig bounds the exponential backoff AutoRetry applies. It
// mirrors the shape of Ockam's `retry!` macro wrapping around
// repository storage calls: a handful of attempts, capped delay,
// jitter to avoid synchronized retries across workers.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig makes up to 3 attempts (2 retries), waiting
// between half and all of 50ms, then 100ms, before each retry.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    2 * time.Second,
}

// AutoRetry calls fn, retrying on error with exponential backoff and
// jitter until cfg.MaxAttempts is reached or ctx is done. It returns
// the last error encountered if every attempt fails.
func AutoRetry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg, attempt)
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		// A lookup miss is an answer, not a transient fault.
		if errors.Is(err, ferrors.ErrNotFound) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := cfg.BaseDelay << uint(attempt-1)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if delay <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay/2 + jitter
}

// RetryingPolicyRepository decorates a PolicyRepository with AutoRetry,
// the way ockam_abac's ResourceTypePolicyRepository decorator wraps a
// storage backend transparently behind the same trait.
type RetryingPolicyRepository struct {
	inner PolicyRepository
	cfg   RetryConfig
}

// WithRetry wraps repo so every call is retried per cfg.
func WithRetry(repo PolicyRepository, cfg RetryConfig) *RetryingPolicyRepository {
	return &RetryingPolicyRepository{inner: repo, cfg: cfg}
}

func (r *RetryingPolicyRepository) StorePolicy(ctx context.Context, key PolicyKey, expr Expr) error {
	_, err := AutoRetry(ctx, r.cfg, func() (struct{}, error) {
		return struct{}{}, r.inner.StorePolicy(ctx, key, expr)
	})
	return err
}

func (r *RetryingPolicyRepository) GetPolicy(ctx context.Context, key PolicyKey) (Expr, error) {
	return AutoRetry(ctx, r.cfg, func() (Expr, error) {
		return r.inner.GetPolicy(ctx, key)
	})
}

func (r *RetryingPolicyRepository) DeletePolicy(ctx context.Context, key PolicyKey) error {
	_, err := AutoRetry(ctx, r.cfg, func() (struct{}, error) {
		return struct{}{}, r.inner.DeletePolicy(ctx, key)
	})
	return err
}

// RetryingAttributeRepository decorates an AttributeRepository with AutoRetry.
type RetryingAttributeRepository struct {
	inner AttributeRepository
	cfg   RetryConfig
}

// WithAttributeRetry wraps repo so every call is retried per cfg.
func WithAttributeRetry(repo AttributeRepository, cfg RetryConfig) *RetryingAttributeRepository {
	return &RetryingAttributeRepository{inner: repo, cfg: cfg}
}

func (r *RetryingAttributeRepository) PutAttributes(ctx context.Context, subject string, attrs map[string]string, expiresAt time.Time) error {
	_, err := AutoRetry(ctx, r.cfg, func() (struct{}, error) {
		return struct{}{}, r.inner.PutAttributes(ctx, subject, attrs, expiresAt)
	})
	return err
}

func (r *RetryingAttributeRepository) GetAttributes(ctx context.Context, subject string) (map[string]string, error) {
	return AutoRetry(ctx, r.cfg, func() (map[string]string, error) {
		return r.inner.GetAttributes(ctx, subject)
	})
}

func (r *RetryingAttributeRepository) DeleteAttributes(ctx context.Context, subject string) error {
	_, err := AutoRetry(ctx, r.cfg, func() (struct{}, error) {
		return struct{}{}, r.inner.DeleteAttributes(ctx, subject)
	})
	return err
}
