// Package challenge recognises block pages and solves lightweight JavaScript
// challenges without a browser.
//
// Many origins guard their pages with small scripts (math expressions,
// cookie-seeding one-liners) that must run before the real request is
// accepted. Solver runs those scripts in the otto pure-Go interpreter inside
// a minimal browser-like global environment and collects the cookies they
// set through document.cookie.
package challenge

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/robertkrimen/otto"
)

// ErrScriptTimeout is returned when a script runs longer than the solver
// allows.
var ErrScriptTimeout = errors.New("challenge script timed out")

// DefaultScriptTimeout bounds one Eval call.
const DefaultScriptTimeout = 5 * time.Second

const bootstrap = `
var window = this;
var self = this;
var __cookies = [];
var document = { referrer: "" };
Object.defineProperty(document, "cookie", {
	get: function () {
		return __cookies.map(function (c) { return c.split(";")[0]; }).join("; ");
	},
	set: function (v) { __cookies.push(String(v)); },
	configurable: true
});
var navigator = { userAgent: %q, language: "en-US", languages: ["en-US", "en"], platform: %q, webdriver: false };
var location = { href: "", protocol: "https:", hostname: "", host: "", pathname: "/", search: "" };
`

// Solver evaluates challenge scripts in one otto VM. A mutex serialises
// access, so a Solver may be shared, but one Solver per session avoids
// cookies from different origins mixing.
type Solver struct {
	vm      *otto.Otto
	mu      sync.Mutex
	timeout time.Duration
}

// NewSolver returns a Solver whose navigator reports userAgent. An empty
// userAgent falls back to a generic desktop Chrome string.
func NewSolver(userAgent string) (*Solver, error) {
	if userAgent == "" {
		userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	}
	vm := otto.New()
	if _, err := vm.Run(fmt.Sprintf(bootstrap, userAgent, platformFor(userAgent))); err != nil {
		return nil, fmt.Errorf("challenge: bootstrap JS globals: %w", err)
	}
	return &Solver{vm: vm, timeout: DefaultScriptTimeout}, nil
}

func platformFor(ua string) string {
	switch {
	case strings.Contains(ua, "Macintosh"):
		return "MacIntel"
	case strings.Contains(ua, "Linux"):
		return "Linux x86_64"
	}
	return "Win32"
}

// SetTimeout changes the per-call script time limit.
func (s *Solver) SetTimeout(d time.Duration) {
	s.mu.Lock()
	s.timeout = d
	s.mu.Unlock()
}

// Eval runs script and returns the string form of its completion value.
func (s *Solver) Eval(script string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := s.run(script)
	if err != nil {
		return "", err
	}
	result, err := val.ToString()
	if err != nil {
		return "", fmt.Errorf("challenge: convert result to string: %w", err)
	}
	return result, nil
}

// run executes script under the time limit. Callers hold mu.
func (s *Solver) run(script string) (val otto.Value, err error) {
	if s.timeout > 0 {
		// The timer owns its own reference; the field is reset below.
		interrupt := make(chan func(), 1)
		s.vm.Interrupt = interrupt
		t := time.AfterFunc(s.timeout, func() {
			interrupt <- func() { panic(ErrScriptTimeout) }
		})
		defer func() {
			t.Stop()
			s.vm.Interrupt = nil
		}()
		defer func() {
			if r := recover(); r != nil {
				if r == ErrScriptTimeout {
					err = fmt.Errorf("challenge: eval: %w", ErrScriptTimeout)
					return
				}
				panic(r)
			}
		}()
	}
	val, err = s.vm.Run(script)
	if err != nil {
		return otto.Value{}, fmt.Errorf("challenge: eval: %w", err)
	}
	return val, nil
}

// Cookie returns document.cookie as a script would see it.
func (s *Solver) Cookie() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, err := s.vm.Run(`document.cookie`)
	if err != nil {
		return "", fmt.Errorf("challenge: get document.cookie: %w", err)
	}
	return val.String(), nil
}

// SetCookie seeds document.cookie, for scripts that expect earlier cookies.
func (s *Solver) SetCookie(cookie string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.vm.Run(fmt.Sprintf("document.cookie = %q;", cookie)); err != nil {
		return fmt.Errorf("challenge: set document.cookie: %w", err)
	}
	return nil
}

// Cookies returns every cookie assigned through document.cookie, attributes
// included. Later assignments of the same name win.
func (s *Solver) Cookies() ([]*http.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cookies()
}

func (s *Solver) cookies() ([]*http.Cookie, error) {
	val, err := s.vm.Run(`__cookies.join("\n")`)
	if err != nil {
		return nil, fmt.Errorf("challenge: read cookies: %w", err)
	}

	var out []*http.Cookie
	index := make(map[string]int)
	for _, line := range strings.Split(val.String(), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		if i, ok := index[c.Name]; ok {
			out[i] = c
			continue
		}
		index[c.Name] = len(out)
		out = append(out, c)
	}
	return out, nil
}

// Solve runs the inline scripts of page as if it were loaded from pageURL
// and returns the cookies they set. Each call starts from an empty cookie
// store and location, so cookies of earlier pages never leak into the
// result. Scripts that fail are skipped; an error is returned only when
// nothing produced a cookie.
func (s *Solver) Solve(pageURL *url.URL, page []byte) ([]*http.Cookie, error) {
	scripts, err := ExtractScripts(page)
	if err != nil {
		return nil, err
	}
	if len(scripts) == 0 {
		return nil, errors.New("challenge: page has no inline scripts")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var href, protocol, hostname, host, pathname, search string
	protocol, pathname = "https:", "/"
	if pageURL != nil {
		href, protocol, hostname, host = pageURL.String(), pageURL.Scheme+":", pageURL.Hostname(), pageURL.Host
		pathname, search = pageURL.EscapedPath(), searchOf(pageURL)
	}
	if _, err := s.vm.Run(fmt.Sprintf(
		"__cookies = []; location = { href: %q, protocol: %q, hostname: %q, host: %q, pathname: %q, search: %q };",
		href, protocol, hostname, host, pathname, search)); err != nil {
		return nil, fmt.Errorf("challenge: reset page state: %w", err)
	}

	var firstErr error
	for _, script := range scripts {
		if _, err := s.run(script); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	cookies, err := s.cookies()
	if err != nil {
		return nil, err
	}
	if len(cookies) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, errors.New("challenge: scripts set no cookies")
	}
	return cookies, nil
}

func searchOf(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	return "?" + u.RawQuery
}
