package session

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/firasghr/mimicry/client"
	"github.com/firasghr/mimicry/logger"
	"github.com/firasghr/mimicry/metrics"
	"github.com/firasghr/mimicry/pool"
	"github.com/firasghr/mimicry/profile"
	"github.com/firasghr/mimicry/proxy"
)

// Request is one logical request. Build it with NewRequest and the With*
// options, or fill the fields directly and pass it to Session.Do.
type Request struct {
	Method string
	URL    string
	// Header holds per-request headers. They override session and profile
	// defaults of the same name.
	Header *client.OrderedHeader
	// Params are appended to the query of URL.
	Params url.Values
	Body   []byte
	// ContentType is sent when Body is set and Header carries none.
	ContentType string

	// Timeout bounds the whole request including redirects and retries.
	// Zero uses the session timeout.
	Timeout time.Duration
	// AllowRedirects defaults to true.
	AllowRedirects *bool
	// MaxRedirects defaults to the session limit.
	MaxRedirects *int
	// Cookies are stored in the session jar for URL before sending.
	Cookies []*http.Cookie

	err error
}

// RequestOption customises a Request.
type RequestOption func(*Request)

// NewRequest builds a Request for method and rawURL.
func NewRequest(method, rawURL string, opts ...RequestOption) *Request {
	r := &Request{
		Method: strings.ToUpper(method),
		URL:    rawURL,
		Header: client.NewOrderedHeader(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithHeader sets one request header, keeping the casing of key.
func WithHeader(key, value string) RequestOption {
	return func(r *Request) { r.header().Set(key, value) }
}

// WithHeaders sets several request headers. Map iteration order is random, so
// the headers are applied in sorted key order; use WithHeader repeatedly when
// the order on the wire matters.
func WithHeaders(headers map[string]string) RequestOption {
	return func(r *Request) {
		keys := make([]string, 0, len(headers))
		for k := range headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r.header().Set(k, headers[k])
		}
	}
}

// WithParams adds query parameters.
func WithParams(params url.Values) RequestOption {
	return func(r *Request) {
		if r.Params == nil {
			r.Params = url.Values{}
		}
		for k, vs := range params {
			r.Params[k] = append(r.Params[k], vs...)
		}
	}
}

// WithJSON sends v encoded as JSON.
func WithJSON(v any) RequestOption {
	return func(r *Request) {
		data, err := json.Marshal(v)
		if err != nil {
			r.err = fmt.Errorf("session: encode JSON body: %w", err)
			return
		}
		r.Body = data
		r.ContentType = "application/json"
	}
}

// WithForm sends form as application/x-www-form-urlencoded.
func WithForm(form url.Values) RequestOption {
	return func(r *Request) {
		r.Body = []byte(form.Encode())
		r.ContentType = "application/x-www-form-urlencoded"
	}
}

// WithBody sends body verbatim with the given content type, which may be
// empty.
func WithBody(body []byte, contentType string) RequestOption {
	return func(r *Request) {
		r.Body = body
		r.ContentType = contentType
	}
}

// WithTimeout overrides the session timeout for this request.
func WithTimeout(d time.Duration) RequestOption {
	return func(r *Request) { r.Timeout = d }
}

// WithAllowRedirects turns redirect following on or off.
func WithAllowRedirects(allow bool) RequestOption {
	return func(r *Request) { r.AllowRedirects = &allow }
}

// WithMaxRedirects overrides the redirect limit.
func WithMaxRedirects(n int) RequestOption {
	return func(r *Request) { r.MaxRedirects = &n }
}

// WithCookies stores cookies in the session jar before the request is sent,
// so they also apply to later requests.
func WithCookies(cookies ...*http.Cookie) RequestOption {
	return func(r *Request) { r.Cookies = append(r.Cookies, cookies...) }
}

func (r *Request) header() *client.OrderedHeader {
	if r.Header == nil {
		r.Header = client.NewOrderedHeader()
	}
	return r.Header
}

// Option customises a Session.
type Option func(*options)

type options struct {
	pool     *pool.Pool
	log      *logger.Logger
	metrics  *metrics.Metrics
	registry *profile.Registry
	rootCAs  *x509.CertPool
	trace    Trace
	proxy    string
	rotator  *proxy.Rotator
	resolver client.Resolver
	backoff  backoff
}

// WithPool makes the session borrow connections from p. The session does not
// close p.
func WithPool(p *pool.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithLogger sets the session logger.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics makes the session record into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegistry resolves profile IDs against r instead of profile.Default.
func WithRegistry(r *profile.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithRootCAs replaces the system trust roots.
func WithRootCAs(roots *x509.CertPool) Option {
	return func(o *options) { o.rootCAs = roots }
}

// WithTrace observes executor state transitions.
func WithTrace(t Trace) Option {
	return func(o *options) { o.trace = t }
}

// WithRetryOn429 retries a request up to attempts times in total while the
// server answers 429 Too Many Requests. Timeouts and pool exhaustion are
// retried as well for idempotent methods. The wait honours Retry-After and
// otherwise grows exponentially with jitter.
func WithRetryOn429(attempts int) Option {
	return func(o *options) { o.backoff.attempts = attempts }
}

// WithRetryBackoff sets the base delay of WithRetryOn429 and the longest
// single wait, Retry-After included. Zero keeps the defaults of one second
// and one minute.
func WithRetryBackoff(base, max time.Duration) Option {
	return func(o *options) {
		o.backoff.base = base
		o.backoff.max = max
	}
}

// WithProxy routes the session through proxyURL, overriding the config.
func WithProxy(proxyURL string) Option {
	return func(o *options) { o.proxy = proxyURL }
}

// WithProxyRotator takes the session proxy from r when none is configured.
func WithProxyRotator(r *proxy.Rotator) Option {
	return func(o *options) { o.rotator = r }
}

// WithResolver replaces the caching DNS resolver.
func WithResolver(r client.Resolver) Option {
	return func(o *options) { o.resolver = r }
}
