package session

import (
	"context"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// backoff is the rate-limit retry policy set by WithRetryOn429.
type backoff struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

func (b backoff) withDefaults() backoff {
	if b.base <= 0 {
		b.base = time.Second
	}
	if b.max <= 0 {
		b.max = time.Minute
	}
	return b
}

// delay returns the wait before attempt+1: base·2^attempt plus a jitter of
// half to one and a half base, capped at max.
func (b backoff) delay(attempt int) time.Duration {
	d := b.base << min(attempt, 16)
	d += b.base/2 + time.Duration(rand.Int64N(int64(b.base)+1))
	return min(d, b.max)
}

// retryAfter parses a Retry-After value given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return 0, false
	}
	return max(t.Sub(now), 0), true
}

func idempotent(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// wait decides whether the outcome of attempt is retried and for how long.
func (b backoff) wait(req *Request, resp *Response, err error, attempt int) (time.Duration, bool) {
	if attempt >= b.attempts {
		return 0, false
	}
	if err != nil {
		if !IsRetryable(err) || !idempotent(req.Method) {
			return 0, false
		}
		return b.delay(attempt), true
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0, false
	}
	if d, ok := retryAfter(resp.Header().Get("Retry-After"), time.Now()); ok {
		return min(d, b.max), true
	}
	return b.delay(attempt), true
}

// doWithBackoff repeats req while it is rate limited. When ctx ends during a
// wait the last outcome is returned.
func (s *Session) doWithBackoff(ctx context.Context, req *Request) (*Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := s.do(ctx, req)
		d, retry := s.backoff.wait(req, resp, err, attempt)
		if !retry || ctx.Err() != nil {
			return resp, err
		}
		s.metrics.IncrementRetries()
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		s.log.Debug("backing off", "method", req.Method, "url", req.URL, "attempt", attempt, "status", status, "wait", d)

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return resp, err
		case <-t.C:
		}
	}
}
