package session

import (
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/client"
	"github.com/firasghr/mimicry/pool"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"stale connection", &client.RoundTripError{Op: "write request", Err: errors.New("broken pipe")}, true},
		{"partial send", &client.RoundTripError{Op: "read response", Written: true, Err: errors.New("reset")}, false},
		{"pool exhausted", fmt.Errorf("pool: acquire: %w", pool.ErrPoolExhausted), true},
		{"handshake", fmt.Errorf("client: %w", client.ErrHandshakeFailed), true},
		{"certificate", fmt.Errorf("client: %w: %w", client.ErrHandshakeFailed, client.ErrCertificate), false},
		{"other", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}

func newHop(t *testing.T, method, rawURL string) *hop {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	h := client.NewOrderedHeader()
	h.Add("Content-Type", "text/plain")
	h.Add("Authorization", "Bearer x")
	h.Add("Cookie", "a=1")
	return &hop{method: method, url: u, header: h, body: []byte("body"), contentType: "text/plain"}
}

func TestRedirectHop(t *testing.T) {
	tests := []struct {
		status     int
		method     string
		wantMethod string
		keepBody   bool
	}{
		{301, "POST", "GET", false},
		{302, "POST", "GET", false},
		{302, "PUT", "PUT", true},
		{303, "PUT", "GET", false},
		{303, "GET", "GET", false},
		{303, "HEAD", "HEAD", true},
		{307, "POST", "POST", true},
		{308, "DELETE", "DELETE", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%s", tt.status, tt.method), func(t *testing.T) {
			next, err := redirectHop(newHop(t, tt.method, "https://a.test/x/y"), tt.status, "z?q=1#frag")
			require.NoError(t, err)
			assert.Equal(t, tt.wantMethod, next.method)
			assert.Equal(t, "https://a.test/x/z?q=1", next.url.String())
			if tt.keepBody {
				assert.Equal(t, []byte("body"), next.body)
				assert.True(t, next.header.Has("Content-Type"))
			} else {
				assert.Nil(t, next.body)
				assert.False(t, next.header.Has("Content-Type"))
			}
			assert.True(t, next.header.Has("Authorization"))
		})
	}
}

func TestRedirectHop_CrossHost(t *testing.T) {
	cur := newHop(t, "GET", "https://a.test/")
	next, err := redirectHop(cur, 302, "https://b.test/landing")
	require.NoError(t, err)
	assert.False(t, next.header.Has("Authorization"))
	assert.False(t, next.header.Has("Cookie"))
	assert.True(t, cur.header.Has("Authorization"), "the previous hop is left untouched")

	_, err = redirectHop(cur, 302, "javascript:alert(1)")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "awaiting-response", AwaitingResponse.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"", 0, false},
		{"3", 3 * time.Second, true},
		{"-1", 0, false},
		{"Mon, 01 Jan 2024 12:00:30 GMT", 30 * time.Second, true},
		{"Mon, 01 Jan 2024 11:00:00 GMT", 0, true},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := retryAfter(tt.in, now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackoffDelay(t *testing.T) {
	b := backoff{attempts: 5, base: 100 * time.Millisecond, max: time.Second}
	for attempt := 1; attempt <= 3; attempt++ {
		d := b.delay(attempt)
		low := b.base<<attempt + b.base/2
		assert.GreaterOrEqual(t, d, min(low, b.max))
		assert.LessOrEqual(t, d, b.max)
	}
	assert.Equal(t, time.Second, b.delay(10))
}

func TestBackoffWait(t *testing.T) {
	b := backoff{attempts: 3, base: time.Millisecond, max: time.Second}
	timeout := &Error{Op: "request", Err: ErrTimeout}

	_, retry := b.wait(NewRequest("GET", "http://a.test/"), nil, timeout, 1)
	assert.True(t, retry)
	_, retry = b.wait(NewRequest("POST", "http://a.test/"), nil, timeout, 1)
	assert.False(t, retry, "non-idempotent requests are not replayed after an error")
	_, retry = b.wait(NewRequest("GET", "http://a.test/"), nil, &Error{Err: ErrRequestFailed}, 1)
	assert.False(t, retry)
	_, retry = b.wait(NewRequest("GET", "http://a.test/"), nil, timeout, 3)
	assert.False(t, retry, "attempts exhausted")
}
