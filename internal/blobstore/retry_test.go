package blobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
)

type flakyStore struct {
	BlobStore
	failures int
	calls    int
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("transient")
	}
	return nil
}

func TestRetryingSucceedsAfterTransientFailures(t *testing.T) {
	inner := &flakyStore{failures: 2}
	r := NewRetrying(inner)
	r.sleep = func(time.Duration) {}

	err := r.Put(context.Background(), "p/1/r/x", []byte("data"))
	require.NoError(t, err)
	require.Equal(t, 3, inner.calls)
}

func TestRetryingSurfacesStorageUnavailableAfterExhausted(t *testing.T) {
	inner := &flakyStore{failures: 100}
	r := NewRetrying(inner)
	r.sleep = func(time.Duration) {}

	err := r.Put(context.Background(), "p/1/r/x", []byte("data"))
	require.Error(t, err)
	var storageErr *jobservErrors.StorageUnavailableError
	require.ErrorAs(t, err, &storageErr)
}
