// Package proxy dials upstream proxies and rotates through proxy lists.
package proxy

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Rotator hands out proxy URLs from a list in round-robin order. It is safe
// for concurrent use.
type Rotator struct {
	mu      sync.Mutex
	proxies []string
	index   int
}

// NewRotator returns a Rotator over proxies. Entries are normalised with
// Normalize; invalid ones are rejected.
func NewRotator(proxies ...string) (*Rotator, error) {
	r := &Rotator{}
	for _, p := range proxies {
		n, err := Normalize(p)
		if err != nil {
			return nil, err
		}
		r.proxies = append(r.proxies, n)
	}
	return r, nil
}

// LoadFile reads a newline-delimited proxy list. Blank lines and lines
// starting with '#' are skipped. Entries may be "host:port" or full URLs.
// A successful load replaces the current list.
func (r *Rotator) LoadFile(filename string) error {
	f, err := os.Open(filename) // #nosec G304 – operator-supplied proxy list
	if err != nil {
		return fmt.Errorf("proxy: open %q: %w", filename, err)
	}
	defer f.Close()

	var loaded []string
	scanner := bufio.NewScanner(f)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		n, err := Normalize(text)
		if err != nil {
			return fmt.Errorf("proxy: %s:%d: %w", filename, line, err)
		}
		loaded = append(loaded, n)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("proxy: read %q: %w", filename, err)
	}

	r.mu.Lock()
	r.proxies = loaded
	r.index = 0
	r.mu.Unlock()
	return nil
}

// Next returns the next proxy, or "" when the list is empty (direct
// connection).
func (r *Rotator) Next() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.proxies) == 0 {
		return ""
	}
	p := r.proxies[r.index]
	r.index = (r.index + 1) % len(r.proxies)
	return p
}

// Count returns the number of loaded proxies.
func (r *Rotator) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}

// Normalize turns "host:port" into "http://host:port" and checks that the
// scheme is one Dial understands.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("proxy: parse %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("proxy: %q has no host", raw)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return "", fmt.Errorf("proxy: unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// WithSessionSuffix returns raw with "_session-<hex>" appended to the
// username, which makes residential proxy providers pin a fresh exit IP to
// the connection. user and pass, when non-empty, replace the credentials in
// raw. URLs without credentials, and usernames that already carry a session
// tag, are returned unchanged apart from normalisation.
func WithSessionSuffix(raw, user, pass string) (string, error) {
	n, err := Normalize(raw)
	if err != nil || n == "" {
		return n, err
	}
	u, err := url.Parse(n)
	if err != nil {
		return "", fmt.Errorf("proxy: parse %q: %w", n, err)
	}

	if user == "" && u.User != nil {
		user = u.User.Username()
	}
	if pass == "" && u.User != nil {
		pass, _ = u.User.Password()
	}
	if user == "" || pass == "" {
		return u.String(), nil
	}
	if !strings.Contains(strings.ToLower(user), "session-") {
		suffix, err := randomHex(4)
		if err != nil {
			return "", err
		}
		user = user + "_session-" + suffix
	}
	u.User = url.UserPassword(user, pass)
	return u.String(), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("proxy: session suffix: %w", err)
	}
	return hex.EncodeToString(b), nil
}
