package client_test

import (
	"context"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/client"
	"github.com/firasghr/mimicry/profile"
	"github.com/firasghr/mimicry/resolver"
)

type staticResolver map[string][]string

func (r staticResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, fmt.Errorf("no such host %q", host)
}

func mustProfile(t *testing.T, id string) *profile.Profile {
	t.Helper()
	p, err := profile.Default().Lookup(id)
	require.NoError(t, err)
	return p
}

// captureHello dials a listener that records the first TLS record and hangs
// up, and returns the parsed ClientHello.
func captureHello(t *testing.T, p *profile.Profile) *profile.Hello {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	got := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			got <- nil
			return
		}
		defer c.Close()
		hdr := make([]byte, 5)
		if _, err := io.ReadFull(c, hdr); err != nil {
			got <- nil
			return
		}
		body := make([]byte, binary.BigEndian.Uint16(hdr[3:5]))
		if _, err := io.ReadFull(c, body); err != nil {
			got <- nil
			return
		}
		got <- append(hdr, body...)
	}()

	e := &client.Engine{Resolver: staticResolver{"fingerprint.test": {"127.0.0.1"}}}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = e.Dial(ctx, client.Target{Host: "fingerprint.test", Port: port, TLS: true, Profile: p})
	require.Error(t, err)

	raw := <-got
	require.NotNil(t, raw, "no ClientHello captured")
	hello, err := profile.ParseClientHello(raw)
	require.NoError(t, err)
	return hello
}

func TestDial_ClientHelloMatchesProfile(t *testing.T) {
	for _, id := range []string{"chrome-131", "firefox-120"} {
		t.Run(id, func(t *testing.T) {
			p := mustProfile(t, id)
			first := captureHello(t, p)
			second := captureHello(t, p)

			c1, e1 := first.Shape()
			c2, e2 := second.Shape()
			assert.Equal(t, c1, c2, "cipher order differs between connections")
			assert.Equal(t, e1, e2, "extension order differs between connections")

			assert.Equal(t, p.JA3(), first.JA3())
			assert.Equal(t, "fingerprint.test", first.ServerName)
			assert.Equal(t, p.ALPN, first.ALPN)
		})
	}
}

func TestDial_IPTargetSendsNoSNI(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	got := make(chan []byte, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			got <- nil
			return
		}
		defer c.Close()
		buf := make([]byte, 4096)
		n, _ := io.ReadAtLeast(c, buf, 5)
		got <- buf[:n]
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e := &client.Engine{}
	_, _ = e.Dial(ctx, client.Target{Host: "127.0.0.1", Port: port, TLS: true, Profile: mustProfile(t, "chrome-131")})

	raw := <-got
	require.NotEmpty(t, raw)
	if hello, err := profile.ParseClientHello(raw); err == nil {
		assert.Empty(t, hello.ServerName)
	}
}

func tlsTarget(t *testing.T, ts *httptest.Server, p *profile.Profile) client.Target {
	t.Helper()
	host, port, err := net.SplitHostPort(ts.Listener.Addr().String())
	require.NoError(t, err)
	return client.Target{Host: host, Port: port, TLS: true, Profile: p}
}

func rootsFor(ts *httptest.Server) *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	return pool
}

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Proto", r.Proto)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-UA", r.Header.Get("User-Agent"))
		fmt.Fprintf(w, "%s %s %s", r.Method, r.URL.RequestURI(), body)
	})
}

func TestDial_CertificateErrorIsClassified(t *testing.T) {
	ts := httptest.NewTLSServer(echoHandler())
	defer ts.Close()

	e := &client.Engine{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := e.Dial(ctx, tlsTarget(t, ts, mustProfile(t, "chrome-131")))
	require.Error(t, err)
	assert.ErrorIs(t, err, client.ErrCertificate)
	assert.NotErrorIs(t, err, client.ErrHandshakeFailed)
}

func TestDial_InsecureSkipsVerification(t *testing.T) {
	ts := httptest.NewTLSServer(echoHandler())
	defer ts.Close()

	target := tlsTarget(t, ts, mustProfile(t, "chrome-131"))
	target.Insecure = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := (&client.Engine{}).Dial(ctx, target)
	require.NoError(t, err)
	conn.Close()
}

func TestDial_HostnameVerifiedAgainstRoots(t *testing.T) {
	ts := httptest.NewTLSServer(echoHandler())
	defer ts.Close()

	_, port, _ := net.SplitHostPort(ts.Listener.Addr().String())
	e := &client.Engine{
		Resolver: staticResolver{"example.com": {"127.0.0.1"}, "wrong.test": {"127.0.0.1"}},
		RootCAs:  rootsFor(ts),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := e.Dial(ctx, client.Target{Host: "example.com", Port: port, TLS: true, Profile: mustProfile(t, "chrome-131")})
	require.NoError(t, err)
	conn.Close()

	_, err = e.Dial(ctx, client.Target{Host: "wrong.test", Port: port, TLS: true, Profile: mustProfile(t, "chrome-131")})
	assert.ErrorIs(t, err, client.ErrCertificate)
}

func TestConn_HTTP1OverTLS(t *testing.T) {
	ts := httptest.NewTLSServer(echoHandler())
	defer ts.Close()

	p := mustProfile(t, "chrome-131")
	target := tlsTarget(t, ts, p)
	e := &client.Engine{RootCAs: rootsFor(ts)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := e.Dial(ctx, target)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, client.HTTP1, conn.Protocol())

	for i := 0; i < 2; i++ {
		resp, err := conn.RoundTrip(ctx, &client.Request{
			Method:    "GET",
			Scheme:    "https",
			Authority: target.Addr(),
			Path:      "/hello?n=1",
			Header:    client.ProfileHeaders(p),
		})
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, "HTTP/1.1", resp.Header.Get("X-Proto"))
		assert.Equal(t, p.UserAgent, resp.Header.Get("X-UA"))
		assert.Equal(t, "GET /hello?n=1 ", string(resp.Body))
	}
	assert.Equal(t, 2, conn.Requests())
	assert.True(t, conn.Reusable())
}

func TestConn_HTTP2OverTLS(t *testing.T) {
	ts := httptest.NewUnstartedServer(echoHandler())
	ts.EnableHTTP2 = true
	ts.StartTLS()
	defer ts.Close()

	for _, id := range []string{"chrome-131", "firefox-120", "safari-17"} {
		t.Run(id, func(t *testing.T) {
			p := mustProfile(t, id)
			target := tlsTarget(t, ts, p)
			e := &client.Engine{RootCAs: rootsFor(ts)}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := e.Dial(ctx, target)
			require.NoError(t, err)
			defer conn.Close()
			require.Equal(t, client.HTTP2, conn.Protocol())

			resp, err := conn.RoundTrip(ctx, &client.Request{
				Method:    "POST",
				Scheme:    "https",
				Authority: target.Addr(),
				Path:      "/submit",
				Header:    client.ProfileHeaders(p),
				Body:      []byte("payload"),
			})
			require.NoError(t, err)
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, "HTTP/2.0", resp.Proto)
			assert.Equal(t, "HTTP/2.0", resp.Header.Get("x-proto"))
			assert.Equal(t, "POST /submit payload", string(resp.Body))

			resp, err = conn.RoundTrip(ctx, &client.Request{
				Method:    "GET",
				Scheme:    "https",
				Authority: target.Addr(),
				Path:      "/again",
				Header:    client.ProfileHeaders(p),
			})
			require.NoError(t, err)
			assert.Equal(t, "GET /again ", string(resp.Body))
			assert.True(t, conn.Alive())
		})
	}
}

func TestDial_UnreachableAddressesForgotten(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	ln.Close()

	var lookups int
	r := resolver.New(resolver.Options{Lookup: func(context.Context, string) ([]string, error) {
		lookups++
		return []string{"127.0.0.1"}, nil
	}})
	e := &client.Engine{Resolver: r, DialTimeout: time.Second}
	target := client.Target{Host: "gone.test", Port: port, Profile: mustProfile(t, "chrome-131")}

	_, err = e.Dial(context.Background(), target)
	require.Error(t, err)
	assert.Zero(t, r.Len(), "failed answer must not stay cached")

	_, err = e.Dial(context.Background(), target)
	require.Error(t, err)
	assert.Equal(t, 2, lookups)
}
