package blobstore

import (
	"context"
	"time"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
)

// retryDelays is spec.md §7's bounded exponential backoff for
// StorageUnavailableError: "0.1/0.5/1 s", three attempts after the
// first failure before surfacing to the caller.
var retryDelays = []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

// Retrying wraps a BlobStore so transient failures are retried with
// spec.md's bounded backoff before becoming a StorageUnavailableError,
// modeled on the teacher's internal/operation.RateLimiter's wait-loop
// shape (fixed schedule rather than a token bucket, since blob
// operations are one-shot rather than rate-limited).
type Retrying struct {
	inner BlobStore
	sleep func(time.Duration)
}

// NewRetrying wraps inner with spec.md §7's retry policy.
func NewRetrying(inner BlobStore) *Retrying {
	return &Retrying{inner: inner, sleep: time.Sleep}
}

func (r *Retrying) do(ctx context.Context, op func() error) error {
	var lastErr error
	attempts := append([]time.Duration{0}, retryDelays...)
	for i, delay := range attempts {
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			r.sleep(delay)
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		_ = i
	}
	return &jobservErrors.StorageUnavailableError{Cause: lastErr}
}

func (r *Retrying) Put(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, func() error { return r.inner.Put(ctx, key, data) })
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, func() error {
		var innerErr error
		out, innerErr = r.inner.Get(ctx, key)
		return innerErr
	})
	return out, err
}

func (r *Retrying) Append(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, func() error { return r.inner.Append(ctx, key, data) })
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.do(ctx, func() error {
		var innerErr error
		out, innerErr = r.inner.List(ctx, prefix)
		return innerErr
	})
	return out, err
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.do(ctx, func() error { return r.inner.Delete(ctx, key) })
}

var _ BlobStore = (*Retrying)(nil)
