package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/firasghr/mimicry/client"
	"github.com/firasghr/mimicry/pool"
)

// State is a step of the request executor.
type State int

const (
	Resolving State = iota
	Connecting
	Sending
	AwaitingResponse
	FollowingRedirect
	Complete
	Failed
)

func (s State) String() string {
	switch s {
	case Resolving:
		return "resolving"
	case Connecting:
		return "connecting"
	case Sending:
		return "sending"
	case AwaitingResponse:
		return "awaiting-response"
	case FollowingRedirect:
		return "following-redirect"
	case Complete:
		return "complete"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// TraceEvent is one executor transition.
type TraceEvent struct {
	State  State
	Method string
	URL    string
	// Attempt counts connection attempts for the current hop, from 1.
	Attempt int
	// Reused is set on Sending when the connection came from the pool.
	Reused bool
	// Err is set on Failed.
	Err error
	Time time.Time
}

// Trace receives executor transitions. It is called synchronously from the
// goroutine running the request and must not block.
type Trace func(TraceEvent)

// hop is one request of a redirect chain.
type hop struct {
	method      string
	url         *url.URL
	header      *client.OrderedHeader
	body        []byte
	contentType string
}

type execution struct {
	s       *Session
	method  string // method of the original request, for errors
	rawURL  string
	started time.Time
	hop     *hop
	attempt int
}

func (e *execution) emit(state State, reused bool, err error) {
	if e.s.trace == nil {
		return
	}
	e.s.trace(TraceEvent{
		State:   state,
		Method:  e.hop.method,
		URL:     e.hop.url.String(),
		Attempt: e.attempt,
		Reused:  reused,
		Err:     err,
		Time:    time.Now(),
	})
}

// Do sends req, following redirects and retrying once on failures that
// happened before the request reached the server. With WithRetryOn429 the
// whole exchange is repeated while the server rate-limits. Failures are
// returned as *Error.
func (s *Session) Do(ctx context.Context, req *Request) (*Response, error) {
	if s.backoff.attempts <= 1 || req == nil {
		return s.do(ctx, req)
	}
	return s.doWithBackoff(ctx, req)
}

func (s *Session) do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, errors.New("session: nil request")
	}
	if s.closed.Load() {
		return nil, &Error{Op: "request", Method: req.Method, URL: req.URL, Err: ErrClosed}
	}
	if req.err != nil {
		return nil, &Error{Op: "build", Method: req.Method, URL: req.URL, Err: req.err}
	}
	first, err := s.firstHop(req)
	if err != nil {
		return nil, &Error{Op: "build", Method: req.Method, URL: req.URL, Err: err}
	}
	if len(req.Cookies) > 0 {
		s.jar.SetCookies(first.url, req.Cookies)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	allow := true
	if req.AllowRedirects != nil {
		allow = *req.AllowRedirects
	}
	maxRedirects := s.cfg.MaxRedirects
	if req.MaxRedirects != nil {
		maxRedirects = *req.MaxRedirects
	}

	e := &execution{s: s, method: first.method, rawURL: req.URL, started: time.Now(), hop: first}
	s.metrics.IncrementTotal()

	for redirects := 0; ; redirects++ {
		raw, err := e.send(ctx)
		if err != nil {
			return nil, e.fail(ctx, err)
		}
		s.storeCookies(e.hop.url, raw.Header)

		loc := raw.Header.Get("Location")
		if !allow || !isRedirect(raw.StatusCode) || loc == "" {
			resp, err := e.finish(raw, redirects)
			if err != nil {
				return nil, e.fail(ctx, err)
			}
			return resp, nil
		}
		if redirects >= maxRedirects {
			return nil, e.fail(ctx, fmt.Errorf("%w: limit %d reached at %s", ErrTooManyRedirects, maxRedirects, e.hop.url))
		}

		next, err := redirectHop(e.hop, raw.StatusCode, loc)
		if err != nil {
			return nil, e.fail(ctx, err)
		}
		e.emit(FollowingRedirect, false, nil)
		s.metrics.IncrementRedirects()
		s.log.Debug("following redirect", "status", raw.StatusCode, "from", e.hop.url.String(), "to", next.url.String())
		e.hop = next
	}
}

func (s *Session) firstHop(req *Request) (*hop, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("missing host")
	}
	if len(req.Params) > 0 {
		q := u.Query()
		for k, vs := range req.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	h := req.Header.Clone()
	if h == nil {
		h = client.NewOrderedHeader()
	}
	return &hop{method: method, url: u, header: h, body: req.Body, contentType: req.ContentType}, nil
}

// send runs one hop, retrying once on a fresh connection when nothing reached
// the server.
func (e *execution) send(ctx context.Context) (*client.Response, error) {
	creq := e.s.buildRequest(e.hop)
	for e.attempt = 1; ; e.attempt++ {
		resp, err := e.sendOnce(ctx, creq)
		if err == nil {
			return resp, nil
		}
		if e.attempt > 1 || ctx.Err() != nil || !retryable(err) {
			return nil, err
		}
		e.s.metrics.IncrementRetries()
		e.s.log.Debug("retrying request", "method", e.hop.method, "url", e.hop.url.String(), "error", err)
	}
}

func (e *execution) sendOnce(ctx context.Context, creq *client.Request) (*client.Response, error) {
	e.emit(Resolving, false, nil)
	key := e.s.keyFor(e.hop.url)
	if key.Proxy == "" && net.ParseIP(key.Host) == nil {
		// Warms the resolver cache the dialer reads from.
		if _, err := e.s.resolver.LookupHost(ctx, key.Host); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", key.Host, err)
		}
	}

	e.emit(Connecting, false, nil)
	c, err := e.s.pool.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	e.s.metrics.RecordConn(c.Reused())

	e.emit(Sending, c.Reused(), nil)
	creq.WroteRequest = func() { e.emit(AwaitingResponse, false, nil) }
	resp, err := c.RoundTrip(ctx, creq)
	if err != nil {
		e.s.pool.Release(c, true)
		return nil, err
	}
	e.s.pool.Release(c, false)
	return resp, nil
}

// retryable reports whether err happened before any request byte reached the
// server. Certificate failures never qualify.
func retryable(err error) bool {
	if errors.Is(err, client.ErrCertificate) {
		return false
	}
	return client.NothingWritten(err) ||
		errors.Is(err, pool.ErrPoolExhausted) ||
		errors.Is(err, client.ErrHandshakeFailed)
}

func (e *execution) fail(ctx context.Context, err error) error {
	var rt *client.RoundTripError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, time.Since(e.started).Round(time.Millisecond), ctx.Err())
	case ctx.Err() != nil:
		err = ctx.Err()
	case errors.As(err, &rt) && rt.Written:
		err = fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	e.emit(Failed, false, err)
	e.s.metrics.IncrementFailed()
	e.s.log.Debug("request failed", "method", e.method, "url", e.rawURL, "error", err)
	return &Error{Op: "request", Method: e.method, URL: e.rawURL, Err: err}
}

func (e *execution) finish(raw *client.Response, redirects int) (*Response, error) {
	body := raw.Body
	if len(body) > 0 {
		decoded, err := client.DecodeBody(body, raw.Header.Get("Content-Encoding"))
		if err != nil {
			return nil, err
		}
		body = decoded
	}
	resp := &Response{
		StatusCode: raw.StatusCode,
		Status:     raw.Status,
		Proto:      raw.Proto,
		URL:        e.hop.url.String(),
		Headers:    raw.Header.Fields(),
		Elapsed:    time.Since(e.started),
		Redirects:  redirects,
		body:       body,
	}
	e.emit(Complete, false, nil)
	e.s.metrics.IncrementSuccess()
	return resp, nil
}

func (s *Session) keyFor(u *url.URL) pool.Key {
	port := u.Port()
	tls := u.Scheme == "https"
	if port == "" {
		port = "80"
		if tls {
			port = "443"
		}
	}
	return pool.Key{
		Host:     u.Hostname(),
		Port:     port,
		Profile:  s.profile.ID,
		TLS:      tls,
		Proxy:    s.proxy,
		Insecure: !s.cfg.VerifyCertificates,
	}
}

// buildRequest merges headers for h: profile defaults, then session headers,
// then request headers. Jar cookies are appended to any explicit Cookie
// header.
func (s *Session) buildRequest(h *hop) *client.Request {
	header := client.ProfileHeaders(s.profile)
	header.Overlay(s.headerSnapshot())
	header.Overlay(h.header)

	if len(h.body) > 0 && h.contentType != "" && !header.Has("Content-Type") {
		header.Add("Content-Type", h.contentType)
	}
	if cookies := s.jar.Cookies(h.url); len(cookies) > 0 {
		parts := make([]string, 0, len(cookies)+1)
		if explicit := header.Get("Cookie"); explicit != "" {
			parts = append(parts, explicit)
		}
		for _, c := range cookies {
			parts = append(parts, c.Name+"="+c.Value)
		}
		header.Set("Cookie", strings.Join(parts, "; "))
	}

	return &client.Request{
		Method:    h.method,
		Scheme:    h.url.Scheme,
		Authority: h.url.Host,
		Path:      h.url.RequestURI(),
		Header:    header,
		Body:      h.body,
	}
}

func (s *Session) storeCookies(u *url.URL, h *client.OrderedHeader) {
	if !h.Has("Set-Cookie") {
		return
	}
	cookies := (&http.Response{Header: h.ToHTTPHeader()}).Cookies()
	if len(cookies) > 0 {
		s.jar.SetCookies(u, cookies)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirectHop computes the request that follows a redirect response.
func redirectHop(cur *hop, status int, location string) (*hop, error) {
	target, err := cur.url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse Location %q: %w", location, err)
	}
	switch target.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("redirect to unsupported scheme %q", target.Scheme)
	}
	target.Fragment = ""

	next := &hop{
		method:      cur.method,
		url:         target,
		header:      cur.header.Clone(),
		body:        cur.body,
		contentType: cur.contentType,
	}
	dropBody := false
	switch status {
	case http.StatusMovedPermanently, http.StatusFound:
		if cur.method == http.MethodPost {
			next.method = http.MethodGet
			dropBody = true
		}
	case http.StatusSeeOther:
		if cur.method != http.MethodHead {
			next.method = http.MethodGet
			dropBody = true
		}
	}
	if dropBody {
		next.body = nil
		next.contentType = ""
		next.header.Del("Content-Type")
		next.header.Del("Content-Length")
	}
	if !strings.EqualFold(cur.url.Hostname(), target.Hostname()) {
		next.header.Del("Authorization")
		next.header.Del("Cookie")
	}
	return next, nil
}
