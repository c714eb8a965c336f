package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	netproxy "golang.org/x/net/proxy"
)

// ContextDialer is the dialing surface the package needs; *net.Dialer
// satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial opens a tunnel to addr (host:port) through the proxy at proxyURL.
// http and https proxies are driven with CONNECT, socks5 and socks5h through
// golang.org/x/net/proxy. The returned connection carries raw bytes to addr;
// any TLS to the target happens on top of it.
func Dial(ctx context.Context, proxyURL, addr string, fwd ContextDialer) (net.Conn, error) {
	if fwd == nil {
		fwd = &net.Dialer{Timeout: 30 * time.Second}
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("proxy: parse %q: %w", proxyURL, err)
	}

	switch u.Scheme {
	case "socks5", "socks5h":
		return dialSOCKS5(ctx, u, addr, fwd)
	case "http", "https":
		return dialConnect(ctx, u, addr, fwd)
	}
	return nil, fmt.Errorf("proxy: unsupported scheme %q", u.Scheme)
}

func dialSOCKS5(ctx context.Context, u *url.URL, addr string, fwd ContextDialer) (net.Conn, error) {
	var auth *netproxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &netproxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := netproxy.SOCKS5("tcp", hostPort(u, "1080"), auth, forwardDialer{fwd})
	if err != nil {
		return nil, fmt.Errorf("proxy: socks5 %s: %w", u.Host, err)
	}
	cd, ok := d.(netproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy: socks5 dialer does not support contexts")
	}
	conn, err := cd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: socks5 %s -> %s: %w", u.Host, addr, err)
	}
	return conn, nil
}

func dialConnect(ctx context.Context, u *url.URL, addr string, fwd ContextDialer) (net.Conn, error) {
	defaultPort := "80"
	if u.Scheme == "https" {
		defaultPort = "443"
	}
	conn, err := fwd.DialContext(ctx, "tcp", hostPort(u, defaultPort))
	if err != nil {
		return nil, fmt.Errorf("proxy: dial %s: %w", u.Host, err)
	}

	if u.Scheme == "https" {
		tc := tls.Client(conn, &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12})
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("proxy: tls to %s: %w", u.Host, err)
		}
		conn = tc
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	req := "CONNECT " + addr + " HTTP/1.1\r\nHost: " + addr + "\r\n"
	if u.User != nil {
		pass, _ := u.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + pass))
		req += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy: send CONNECT to %s: %w", u.Host, err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("proxy: read CONNECT response from %s: %w", u.Host, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy: CONNECT %s via %s: %s", addr, u.Host, resp.Status)
	}

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}

// forwardDialer adapts a ContextDialer to the x/net/proxy Dialer interfaces.
type forwardDialer struct {
	d ContextDialer
}

func (f forwardDialer) Dial(network, addr string) (net.Conn, error) {
	return f.d.DialContext(context.Background(), network, addr)
}

func (f forwardDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f.d.DialContext(ctx, network, addr)
}

// bufferedConn drains bytes the CONNECT reader pulled past the response
// head before reading from the socket again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
