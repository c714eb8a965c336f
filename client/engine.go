// Package client establishes browser-fingerprinted connections and speaks
// HTTP/1.1 or HTTP/2 over them.
//
// The TLS ClientHello is built by uTLS from a profile.Profile, and the HTTP/2
// connection preface (SETTINGS order, WINDOW_UPDATE, PRIORITY frames,
// pseudo-header order) is written by hand on top of the x/net/http2 framer,
// because net/http exposes none of those knobs.
package client

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/firasghr/mimicry/logger"
	"github.com/firasghr/mimicry/profile"
	"github.com/firasghr/mimicry/proxy"
)

var (
	// ErrHandshakeFailed wraps any TLS handshake failure other than a
	// certificate problem.
	ErrHandshakeFailed = errors.New("tls handshake failed")

	// ErrCertificate is returned when the server chain does not verify.
	ErrCertificate = errors.New("certificate verification failed")

	// ErrMalformedResponse is returned when the peer sends bytes that are
	// not a valid HTTP response.
	ErrMalformedResponse = errors.New("malformed response")
)

// Resolver looks up host addresses. *resolver.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// forgetter is implemented by caching resolvers that can drop an answer
// once none of its addresses accepted a connection.
type forgetter interface {
	Forget(host string)
}

// Target describes the origin a connection is opened to.
type Target struct {
	Host     string // hostname or IP literal, no port
	Port     string
	TLS      bool
	Insecure bool   // skip certificate verification
	Proxy    string // proxy URL, empty for a direct connection
	Profile  *profile.Profile
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// Engine dials Targets. The zero value is usable: it resolves through the
// system resolver and dials with a 30s connect timeout.
type Engine struct {
	Resolver    Resolver
	DialTimeout time.Duration
	// RootCAs replaces the system roots when set; used by tests.
	RootCAs *x509.CertPool
	Log     *logger.Logger
}

func (e *Engine) log() *logger.Logger {
	if e.Log == nil {
		return logger.Discard()
	}
	return e.Log
}

// Dial connects to t, runs the fingerprinted TLS handshake when t.TLS is set
// and returns a Conn ready for its first request. For HTTP/2 the connection
// preface has already been written when Dial returns.
func (e *Engine) Dial(ctx context.Context, t Target) (*Conn, error) {
	if t.Profile == nil {
		return nil, fmt.Errorf("client: dial %s: nil profile", t.Addr())
	}

	raw, err := e.dialTCP(ctx, t)
	if err != nil {
		return nil, err
	}
	if !t.TLS {
		e.log().Debug("connected", "addr", t.Addr(), "proto", HTTP1.String())
		return newConn(raw, HTTP1, t.Profile)
	}

	spec, err := BuildSpec(t.Profile)
	if err != nil {
		raw.Close()
		return nil, err
	}
	cfg := &utls.Config{
		ServerName:         t.Host,
		InsecureSkipVerify: t.Insecure, // #nosec G402 – opt-in via verify_certificates: false
		RootCAs:            e.RootCAs,
		NextProtos:         append([]string(nil), t.Profile.ALPN...),
	}
	if net.ParseIP(t.Host) != nil {
		// SNI must not carry an IP literal; the certificate is still
		// checked against the address.
		cfg.ServerName = ""
		if !t.Insecure {
			cfg.VerifyConnection = verifyIPTarget(t.Host, e.RootCAs)
			cfg.InsecureSkipVerify = true
		}
	}

	uconn := utls.UClient(raw, cfg, utls.HelloCustom)
	if err := uconn.ApplyPreset(spec); err != nil {
		raw.Close()
		return nil, fmt.Errorf("client: apply %q preset: %w", t.Profile.ID, err)
	}
	if err := uconn.HandshakeContext(ctx); err != nil {
		uconn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyHandshakeError(t.Addr(), err)
	}

	proto := HTTP1
	if uconn.ConnectionState().NegotiatedProtocol == "h2" {
		proto = HTTP2
	}
	e.log().Debug("connected", "addr", t.Addr(), "profile", t.Profile.ID, "proto", proto.String())
	return newConn(uconn, proto, t.Profile)
}

func (e *Engine) dialTCP(ctx context.Context, t Target) (net.Conn, error) {
	timeout := e.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	if t.Proxy != "" {
		conn, err := proxy.Dial(ctx, t.Proxy, t.Addr(), d)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", t.Addr(), err)
		}
		return conn, nil
	}

	addrs := []string{t.Host}
	if e.Resolver != nil {
		var err error
		addrs, err = e.Resolver.LookupHost(ctx, t.Host)
		if err != nil {
			return nil, fmt.Errorf("client: resolve %s: %w", t.Host, err)
		}
	}

	var lastErr error
	for _, a := range addrs {
		conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(a, t.Port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if f, ok := e.Resolver.(forgetter); ok && ctx.Err() == nil {
		f.Forget(t.Host)
	}
	return nil, fmt.Errorf("client: dial %s: %w", t.Addr(), lastErr)
}

func classifyHandshakeError(addr string, err error) error {
	if isCertificateError(err) {
		return fmt.Errorf("client: handshake with %s: %w: %w", addr, ErrCertificate, err)
	}
	return fmt.Errorf("client: handshake with %s: %w: %w", addr, ErrHandshakeFailed, err)
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		ipMismatch       *ipMismatchError
	)
	if errors.As(err, &unknownAuthority) || errors.As(err, &hostname) ||
		errors.As(err, &invalid) || errors.As(err, &ipMismatch) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "failed to verify certificate") || strings.Contains(msg, "x509:")
}

type ipMismatchError struct{ err error }

func (e *ipMismatchError) Error() string { return e.err.Error() }
func (e *ipMismatchError) Unwrap() error { return e.err }

// verifyIPTarget verifies the peer chain against an IP literal, which uTLS
// cannot do through ServerName once SNI is suppressed.
func verifyIPTarget(ip string, roots *x509.CertPool) func(utls.ConnectionState) error {
	return func(cs utls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return &ipMismatchError{err: errors.New("x509: no peer certificates")}
		}
		inter := x509.NewCertPool()
		for _, c := range cs.PeerCertificates[1:] {
			inter.AddCert(c)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			DNSName:       ip,
			Roots:         roots,
			Intermediates: inter,
		})
		if err != nil {
			return &ipMismatchError{err: err}
		}
		return nil
	}
}
