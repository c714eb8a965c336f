// Package resolver provides a caching DNS resolver for outbound dials.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// LookupFunc resolves host to a list of addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Resolver caches successful lookups for a fixed TTL and coalesces
// concurrent lookups of the same name into a single query.
type Resolver struct {
	cache  *expirable.LRU[string, []string]
	group  singleflight.Group
	lookup LookupFunc
}

// Options configures a Resolver.
type Options struct {
	// Size is the maximum number of cached names. Defaults to 1024.
	Size int
	// TTL is how long an answer stays cached. Defaults to one minute.
	TTL time.Duration
	// Lookup overrides the system resolver; used by tests.
	Lookup LookupFunc
}

// New returns a Resolver.
func New(opts Options) *Resolver {
	if opts.Size <= 0 {
		opts.Size = 1024
	}
	if opts.TTL <= 0 {
		opts.TTL = time.Minute
	}
	if opts.Lookup == nil {
		opts.Lookup = net.DefaultResolver.LookupHost
	}
	return &Resolver{
		cache:  expirable.NewLRU[string, []string](opts.Size, nil, opts.TTL),
		lookup: opts.Lookup,
	}
}

// LookupHost returns the addresses of host. IP literals are returned as-is
// without touching the cache.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	if addrs, ok := r.cache.Get(host); ok {
		return addrs, nil
	}

	ch := r.group.DoChan(host, func() (any, error) {
		// The shared query must not die with whichever caller started it.
		addrs, err := r.lookup(context.WithoutCancel(ctx), host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("resolver: no addresses for %q", host)
		}
		r.cache.Add(host, addrs)
		return addrs, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("resolver: lookup %q: %w", host, res.Err)
		}
		return res.Val.([]string), nil
	}
}

// Forget drops host from the cache, e.g. after every address failed to
// connect.
func (r *Resolver) Forget(host string) {
	r.cache.Remove(host)
}

// Len returns the number of cached names.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
