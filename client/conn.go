package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/firasghr/mimicry/profile"
)

// Protocol is the HTTP version spoken on a Conn.
type Protocol int

const (
	HTTP1 Protocol = iota + 1
	HTTP2
)

func (p Protocol) String() string {
	switch p {
	case HTTP1:
		return "HTTP/1.1"
	case HTTP2:
		return "HTTP/2.0"
	}
	return "unknown"
}

// Request is a fully prepared request: headers are final and in wire order,
// the body is buffered.
type Request struct {
	Method    string
	Scheme    string
	Authority string // host[:port] as sent in Host / :authority
	Path      string // request target including the query
	Header    *OrderedHeader
	Body      []byte

	// WroteRequest, if set, is called once the full request has been
	// flushed to the connection.
	WroteRequest func()
}

func (r *Request) wrote() {
	if r.WroteRequest != nil {
		r.WroteRequest()
	}
}

// Response is a raw response. Body is exactly what the server sent, still
// content-encoded.
type Response struct {
	StatusCode int
	Status     string
	Proto      string
	Header     *OrderedHeader
	Body       []byte
}

// RoundTripError reports a failed exchange. Written is false when the
// failure happened before any byte of the request reached the socket, in
// which case the request can be replayed on another connection.
type RoundTripError struct {
	Op      string
	Written bool
	Err     error
}

func (e *RoundTripError) Error() string {
	return fmt.Sprintf("client: %s: %v", e.Op, e.Err)
}

func (e *RoundTripError) Unwrap() error { return e.Err }

// NothingWritten reports whether err is a RoundTripError raised before the
// request hit the wire.
func NothingWritten(err error) bool {
	var rt *RoundTripError
	return errors.As(err, &rt) && !rt.Written
}

// Conn is one established connection. It carries a single request at a
// time; the pool guarantees exclusive use.
type Conn struct {
	netConn net.Conn
	br      *bufio.Reader
	proto   Protocol
	profile *profile.Profile

	h1 *h1Conn
	h2 *h2Conn

	mu       sync.Mutex
	reusable bool
	closed   bool
	created  time.Time
	requests int
}

func newConn(nc net.Conn, proto Protocol, p *profile.Profile) (*Conn, error) {
	c := &Conn{
		netConn:  nc,
		br:       bufio.NewReaderSize(nc, 32<<10),
		proto:    proto,
		profile:  p,
		reusable: true,
		created:  time.Now(),
	}
	switch proto {
	case HTTP2:
		h2, err := newH2Conn(nc, c.br, p)
		if err != nil {
			nc.Close()
			return nil, err
		}
		c.h2 = h2
	default:
		c.h1 = newH1Conn(nc, c.br)
	}
	return c, nil
}

// NewConn wraps an already established connection, e.g. one produced by a
// custom dialer. No handshake is performed; for HTTP2 the preface is written
// immediately.
func NewConn(nc net.Conn, proto Protocol, p *profile.Profile) (*Conn, error) {
	return newConn(nc, proto, p)
}

// Protocol returns the negotiated HTTP version.
func (c *Conn) Protocol() Protocol { return c.proto }

// Profile returns the profile the connection was opened with.
func (c *Conn) Profile() *profile.Profile { return c.profile }

// Created returns the time the connection was established.
func (c *Conn) Created() time.Time { return c.created }

// Requests returns how many exchanges ran on the connection.
func (c *Conn) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// Reusable reports whether the last exchange left the connection in a state
// where another request may follow.
func (c *Conn) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reusable && !c.closed
}

// RoundTrip writes req and reads the complete response. ctx bounds the whole
// exchange; when it ends the socket deadline is pulled in so blocked reads
// and writes return at once.
func (c *Conn) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &RoundTripError{Op: "round trip", Err: net.ErrClosed}
	}
	c.requests++
	reused := c.requests > 1
	c.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = c.netConn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.netConn.SetDeadline(time.Now()) })

	var (
		resp     *Response
		reusable bool
		err      error
	)
	if c.proto == HTTP2 {
		resp, reusable, err = c.h2.roundTrip(req, reused)
	} else {
		resp, reusable, err = c.h1.roundTrip(req, reused)
	}

	// When the cancel hook already ran it may still pull the deadline in, so
	// the connection cannot go back to the idle list.
	stopped := stop()
	if stopped {
		_ = c.netConn.SetDeadline(time.Time{})
	}

	c.mu.Lock()
	c.reusable = err == nil && reusable && stopped
	c.mu.Unlock()

	if err != nil && ctx.Err() != nil {
		var rt *RoundTripError
		written := true
		if errors.As(err, &rt) {
			written = rt.Written
		}
		return nil, &RoundTripError{Op: "round trip", Written: written, Err: ctx.Err()}
	}
	return resp, err
}

// Alive probes an idle connection without blocking: a read that times out
// means nothing arrived and the peer has not closed. For HTTP/2, control
// frames that arrived while idle are processed and a GOAWAY marks the
// connection dead.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	if c.closed || !c.reusable {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	const probe = time.Millisecond
	for i := 0; i < 16; i++ {
		_ = c.netConn.SetReadDeadline(time.Now().Add(probe))
		_, err := c.br.Peek(1)
		if err != nil {
			_ = c.netConn.SetReadDeadline(time.Time{})
			return errors.Is(err, os.ErrDeadlineExceeded)
		}
		if c.proto != HTTP2 {
			// HTTP/1.1 servers never speak first on an idle connection.
			_ = c.netConn.SetReadDeadline(time.Time{})
			return false
		}
		_ = c.netConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		ok := c.h2.processIdleFrame()
		_ = c.netConn.SetReadDeadline(time.Time{})
		if !ok {
			return false
		}
	}
	return true
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	if c.h2 != nil {
		c.h2.goAway()
	}
	return c.netConn.Close()
}
