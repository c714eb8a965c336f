// Package session is the request API of mimicry. A Session bundles a
// fingerprint profile, default headers, a cookie jar and a connection pool,
// and runs requests through the executor state machine.
package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"sync/atomic"

	"golang.org/x/net/publicsuffix"

	"github.com/firasghr/mimicry/challenge"
	"github.com/firasghr/mimicry/client"
	"github.com/firasghr/mimicry/config"
	"github.com/firasghr/mimicry/logger"
	"github.com/firasghr/mimicry/metrics"
	"github.com/firasghr/mimicry/pool"
	"github.com/firasghr/mimicry/profile"
	"github.com/firasghr/mimicry/proxy"
	"github.com/firasghr/mimicry/resolver"
	"github.com/firasghr/mimicry/worker"
)

// Session sends requests with one browser fingerprint.
//
// Concurrency model:
//   - Every request runs its own executor; a Session may be used from many
//     goroutines at once.
//   - mu guards the default headers. Requests work on a snapshot.
//   - The cookie jar locks internally.
//   - The pool is shared with other sessions when passed through WithPool;
//     Close only closes a pool the session built itself.
type Session struct {
	cfg      *config.Config
	profile  *profile.Profile
	registry *profile.Registry
	resolver client.Resolver
	pool     *pool.Pool
	ownsPool bool
	proxy    string
	jar      *cookiejar.Jar

	log     *logger.Logger
	metrics *metrics.Metrics
	trace   Trace
	backoff backoff

	mu      sync.RWMutex
	headers *client.OrderedHeader

	solverOnce sync.Once
	solver     *challenge.Solver
	solverErr  error

	closed atomic.Bool
}

// New builds a Session from cfg. A nil cfg means config.DefaultConfig. Unknown
// profiles and invalid settings are reported here rather than on the first
// request.
func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	o := applyOptions(opts)

	registry, err := registryFor(cfg, o)
	if err != nil {
		return nil, err
	}
	p, err := registry.Lookup(cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	proxyURL, err := proxyFor(cfg, o)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("session: create cookie jar: %w", err)
	}

	s := &Session{
		cfg:      cfg,
		profile:  p,
		registry: registry,
		resolver: resolverFor(cfg, o),
		pool:     o.pool,
		proxy:    proxyURL,
		jar:      jar,
		log:      o.log.With("profile", p.ID),
		metrics:  o.metrics,
		trace:    o.trace,
		backoff:  o.backoff.withDefaults(),
		headers:  client.NewOrderedHeader(),
	}
	if s.pool == nil {
		s.pool = newPool(cfg, registry, s.resolver, o)
		s.ownsPool = true
	}
	s.log.Debug("session created", "proxy", proxyURL != "", "shared_pool", !s.ownsPool)
	return s, nil
}

// NewPool builds a connection pool that several sessions can share through
// WithPool. Sessions sharing it must use profiles known to the registry
// given here (profile.Default unless WithRegistry is passed).
func NewPool(cfg *config.Config, opts ...Option) (*pool.Pool, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	o := applyOptions(opts)
	registry, err := registryFor(cfg, o)
	if err != nil {
		return nil, err
	}
	return newPool(cfg, registry, resolverFor(cfg, o), o), nil
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	return o
}

func registryFor(cfg *config.Config, o *options) (*profile.Registry, error) {
	if o.registry != nil {
		return o.registry, nil
	}
	if len(cfg.ProfileFiles) == 0 {
		return profile.Default(), nil
	}
	r := profile.NewSeededRegistry()
	for _, f := range cfg.ProfileFiles {
		if err := r.RegisterFile(f); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	return r, nil
}

func resolverFor(cfg *config.Config, o *options) client.Resolver {
	if o.resolver != nil {
		return o.resolver
	}
	return resolver.New(resolver.Options{Size: cfg.DNSCacheSize, TTL: cfg.DNSCacheTTL})
}

func proxyFor(cfg *config.Config, o *options) (string, error) {
	raw := o.proxy
	if raw == "" {
		raw = cfg.Proxy
	}
	if raw == "" && o.rotator != nil {
		raw = o.rotator.Next()
	}
	if raw == "" && cfg.ProxyFile != "" {
		r, err := proxy.NewRotator()
		if err != nil {
			return "", fmt.Errorf("session: %w", err)
		}
		if err := r.LoadFile(cfg.ProxyFile); err != nil {
			return "", fmt.Errorf("session: %w", err)
		}
		raw = r.Next()
	}
	if raw == "" {
		return "", nil
	}
	n, err := proxy.Normalize(raw)
	if err != nil {
		return "", fmt.Errorf("session: %w", err)
	}
	return n, nil
}

func newPool(cfg *config.Config, registry *profile.Registry, res client.Resolver, o *options) *pool.Pool {
	engine := &client.Engine{
		Resolver:    res,
		DialTimeout: cfg.Timeout,
		RootCAs:     o.rootCAs,
		Log:         o.log,
	}
	dial := pool.DialFunc(func(ctx context.Context, k pool.Key) (*client.Conn, error) {
		p, err := registry.Lookup(k.Profile)
		if err != nil {
			return nil, fmt.Errorf("session: dial %s: %w", k, err)
		}
		return engine.Dial(ctx, client.Target{
			Host:     k.Host,
			Port:     k.Port,
			TLS:      k.TLS,
			Insecure: k.Insecure,
			Proxy:    k.Proxy,
			Profile:  p,
		})
	})
	return pool.New(dial, pool.Config{
		MaxIdlePerHost:  cfg.MaxIdlePerHost,
		MaxConnsPerHost: cfg.MaxConnectionsPerHost,
		MaxConns:        cfg.MaxConnections,
		IdleTimeout:     cfg.IdleTimeout,
		AcquireTimeout:  cfg.AcquireTimeout,
		Log:             o.log,
	})
}

// Get sends a GET request.
func (s *Session) Get(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return s.Request(ctx, http.MethodGet, rawURL, opts...)
}

// Post sends a POST request.
func (s *Session) Post(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return s.Request(ctx, http.MethodPost, rawURL, opts...)
}

// Put sends a PUT request.
func (s *Session) Put(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return s.Request(ctx, http.MethodPut, rawURL, opts...)
}

// Patch sends a PATCH request.
func (s *Session) Patch(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return s.Request(ctx, http.MethodPatch, rawURL, opts...)
}

// Delete sends a DELETE request.
func (s *Session) Delete(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return s.Request(ctx, http.MethodDelete, rawURL, opts...)
}

// Head sends a HEAD request.
func (s *Session) Head(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return s.Request(ctx, http.MethodHead, rawURL, opts...)
}

// Options sends an OPTIONS request.
func (s *Session) Options(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	return s.Request(ctx, http.MethodOptions, rawURL, opts...)
}

// Request builds a request from opts and sends it.
func (s *Session) Request(ctx context.Context, method, rawURL string, opts ...RequestOption) (*Response, error) {
	return s.Do(ctx, NewRequest(method, rawURL, opts...))
}

// SetHeader sets a default header sent with every request of the session. It
// overrides the profile header of the same name.
func (s *Session) SetHeader(key, value string) {
	s.mu.Lock()
	s.headers.Set(key, value)
	s.mu.Unlock()
}

func (s *Session) headerSnapshot() *client.OrderedHeader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headers.Clone()
}

// Cookies returns the cookies the jar would send to rawURL.
func (s *Session) Cookies(rawURL string) ([]*http.Cookie, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("session: parse %q: %w", rawURL, err)
	}
	return s.jar.Cookies(u), nil
}

// SetCookies stores cookies in the jar as if rawURL had set them.
func (s *Session) SetCookies(rawURL string, cookies []*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("session: parse %q: %w", rawURL, err)
	}
	s.jar.SetCookies(u, cookies)
	return nil
}

// Profile returns a copy of the session's fingerprint profile.
func (s *Session) Profile() *profile.Profile {
	p, err := s.profile.Clone()
	if err != nil {
		return s.profile
	}
	return p
}

// Proxy returns the proxy URL the session dials through, or "".
func (s *Session) Proxy() string { return s.proxy }

// Pool returns the connection pool the session borrows from.
func (s *Session) Pool() *pool.Pool { return s.pool }

// DoAll sends reqs concurrently on at most workers goroutines (the configured
// worker count when workers <= 0). The results line up with reqs; requests
// not started before ctx ended fail with ctx's error.
func (s *Session) DoAll(ctx context.Context, reqs []*Request, workers int) ([]*Response, []error) {
	if workers <= 0 {
		workers = s.cfg.Workers
	}
	resps := make([]*Response, len(reqs))
	errs := make([]error, len(reqs))
	skipped := worker.Run(ctx, len(reqs), workers, func(i int) {
		resps[i], errs[i] = s.Do(ctx, reqs[i])
	})
	for _, i := range skipped {
		errs[i] = &Error{Op: "request", Method: reqs[i].Method, URL: reqs[i].URL, Err: ctx.Err()}
	}
	return resps, errs
}

// SolveChallenge runs the inline scripts of a JavaScript challenge page and
// stores the cookies they set in the jar, so the next request to the same
// origin carries them. It returns the stored cookies.
func (s *Session) SolveChallenge(resp *Response) ([]*http.Cookie, error) {
	s.solverOnce.Do(func() {
		s.solver, s.solverErr = challenge.NewSolver(s.profile.UserAgent)
	})
	if s.solverErr != nil {
		return nil, fmt.Errorf("session: %w", s.solverErr)
	}
	u, err := url.Parse(resp.URL)
	if err != nil {
		return nil, fmt.Errorf("session: parse %q: %w", resp.URL, err)
	}
	cookies, err := s.solver.Solve(u, resp.Content())
	if err != nil {
		return nil, fmt.Errorf("session: solve challenge at %s: %w", resp.URL, err)
	}
	s.jar.SetCookies(u, cookies)
	s.log.Info("challenge solved", "url", resp.URL, "cookies", len(cookies))
	return cookies, nil
}

// Close marks the session closed and closes its pool if the session created
// it. In-flight requests finish; new ones fail with ErrClosed.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsPool {
		if err := s.pool.Close(); err != nil {
			return fmt.Errorf("session: close pool: %w", err)
		}
	}
	return nil
}
