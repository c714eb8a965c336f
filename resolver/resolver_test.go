package resolver_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/resolver"
)

func TestLookupHost_CachesAnswers(t *testing.T) {
	var calls atomic.Int32
	r := resolver.New(resolver.Options{
		TTL: time.Minute,
		Lookup: func(ctx context.Context, host string) ([]string, error) {
			calls.Add(1)
			return []string{"192.0.2.1"}, nil
		},
	})

	for i := 0; i < 3; i++ {
		addrs, err := r.LookupHost(context.Background(), "example.test")
		require.NoError(t, err)
		assert.Equal(t, []string{"192.0.2.1"}, addrs)
	}
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, r.Len())

	r.Forget("example.test")
	_, err := r.LookupHost(context.Background(), "example.test")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLookupHost_IPLiteralBypassesLookup(t *testing.T) {
	r := resolver.New(resolver.Options{
		Lookup: func(ctx context.Context, host string) ([]string, error) {
			t.Fatalf("unexpected lookup of %q", host)
			return nil, nil
		},
	})
	addrs, err := r.LookupHost(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1"}, addrs)

	addrs, err = r.LookupHost(context.Background(), "::1")
	require.NoError(t, err)
	assert.Equal(t, []string{"::1"}, addrs)
}

func TestLookupHost_CoalescesConcurrentQueries(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	r := resolver.New(resolver.Options{
		Lookup: func(ctx context.Context, host string) ([]string, error) {
			calls.Add(1)
			<-release
			return []string{"192.0.2.7"}, nil
		},
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.LookupHost(context.Background(), "busy.test")
			assert.NoError(t, err)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestLookupHost_ErrorsAreNotCached(t *testing.T) {
	var calls atomic.Int32
	r := resolver.New(resolver.Options{
		Lookup: func(ctx context.Context, host string) ([]string, error) {
			calls.Add(1)
			return nil, errors.New("servfail")
		},
	})
	_, err := r.LookupHost(context.Background(), "broken.test")
	assert.Error(t, err)
	_, err = r.LookupHost(context.Background(), "broken.test")
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLookupHost_ContextCancel(t *testing.T) {
	r := resolver.New(resolver.Options{
		Lookup: func(ctx context.Context, host string) ([]string, error) {
			time.Sleep(time.Second)
			return []string{"192.0.2.9"}, nil
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.LookupHost(ctx, "slow.test")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
