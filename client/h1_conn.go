package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
	"syscall"
)

// h1Conn writes HTTP/1.1 requests with headers in exactly the given order and
// casing, and parses responses without canonicalising header names.
type h1Conn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	tp   *textproto.Reader
}

func newH1Conn(nc net.Conn, br *bufio.Reader) *h1Conn {
	return &h1Conn{
		conn: nc,
		br:   br,
		bw:   bufio.NewWriterSize(nc, 8<<10),
		tp:   textproto.NewReader(br),
	}
}

// roundTrip sends req and reads its response. reused tells whether earlier
// exchanges ran on the connection; a reused connection that fails the write
// because the server closed it while idle yields an error with Written unset.
// Once the request is flushed every failure counts as written.
func (c *h1Conn) roundTrip(req *Request, reused bool) (*Response, bool, error) {
	c.writeHead(req)
	if len(req.Body) > 0 {
		c.bw.Write(req.Body)
	}
	if err := c.bw.Flush(); err != nil {
		return nil, false, &RoundTripError{Op: "write request", Written: !reused || !isClosedConn(err), Err: err}
	}
	req.wrote()
	if _, err := c.br.Peek(1); err != nil {
		return nil, false, &RoundTripError{Op: "read response", Written: true, Err: err}
	}

	for {
		resp, reusable, err := c.readResponse(req.Method)
		if err != nil {
			return nil, false, &RoundTripError{Op: "read response", Written: true, Err: err}
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != 101 {
			continue
		}
		if strings.EqualFold(req.Header.Get("Connection"), "close") {
			reusable = false
		}
		return resp, reusable, nil
	}
}

func (c *h1Conn) writeHead(req *Request) {
	bw := c.bw
	bw.WriteString(req.Method)
	bw.WriteByte(' ')
	bw.WriteString(req.Path)
	bw.WriteString(" HTTP/1.1\r\n")

	if !req.Header.Has("Host") {
		bw.WriteString("Host: ")
		bw.WriteString(req.Authority)
		bw.WriteString("\r\n")
	}
	for _, f := range req.Header.Fields() {
		bw.WriteString(f.Name)
		bw.WriteString(": ")
		bw.WriteString(sanitizeHeaderValue(f.Value))
		bw.WriteString("\r\n")
	}
	if len(req.Body) > 0 && !req.Header.Has("Content-Length") {
		bw.WriteString("Content-Length: ")
		bw.WriteString(strconv.Itoa(len(req.Body)))
		bw.WriteString("\r\n")
	}
	bw.WriteString("\r\n")
}

func sanitizeHeaderValue(v string) string {
	if !strings.ContainsAny(v, "\r\n") {
		return v
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

func (c *h1Conn) readResponse(method string) (*Response, bool, error) {
	line, err := c.tp.ReadLine()
	if err != nil {
		return nil, false, err
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, false, fmt.Errorf("%w: status line %q", ErrMalformedResponse, line)
	}
	codeStr, _, _ := strings.Cut(status, " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return nil, false, fmt.Errorf("%w: status line %q", ErrMalformedResponse, line)
	}

	resp := &Response{
		StatusCode: code,
		Status:     status,
		Proto:      proto,
		Header:     &OrderedHeader{},
	}
	if err := c.readHeaderFields(resp.Header); err != nil {
		return nil, false, err
	}
	if code >= 100 && code < 200 {
		return resp, true, nil
	}

	reusable := proto == "HTTP/1.1"
	if conn := resp.Header.Get("Connection"); strings.EqualFold(conn, "close") {
		reusable = false
	} else if strings.EqualFold(conn, "keep-alive") {
		reusable = true
	}

	if method == "HEAD" || code == 204 || code == 304 {
		return resp, reusable, nil
	}

	switch {
	case isChunked(resp.Header):
		body, err := io.ReadAll(httputil.NewChunkedReader(c.br))
		if err != nil {
			return nil, false, fmt.Errorf("%w: chunked body: %v", ErrMalformedResponse, err)
		}
		// Trailers follow the last chunk and end with an empty line.
		if err := c.readHeaderFields(resp.Header); err != nil {
			return nil, false, err
		}
		resp.Body = body
	case resp.Header.Has("Content-Length"):
		n, err := strconv.ParseInt(strings.TrimSpace(resp.Header.Get("Content-Length")), 10, 64)
		if err != nil || n < 0 {
			return nil, false, fmt.Errorf("%w: content-length %q", ErrMalformedResponse, resp.Header.Get("Content-Length"))
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(c.br, body); err != nil {
			return nil, false, err
		}
		resp.Body = body
	default:
		body, err := io.ReadAll(c.br)
		if err != nil {
			return nil, false, err
		}
		resp.Body = body
		reusable = false
	}
	return resp, reusable, nil
}

func (c *h1Conn) readHeaderFields(h *OrderedHeader) error {
	for {
		line, err := c.tp.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			return nil
		}
		if (line[0] == ' ' || line[0] == '\t') && h.Len() > 0 {
			// obsolete line folding
			last := &h.fields[len(h.fields)-1]
			last.Value += " " + strings.TrimSpace(line)
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return fmt.Errorf("%w: header line %q", ErrMalformedResponse, line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
}

func isChunked(h *OrderedHeader) bool {
	for _, v := range h.Values("Transfer-Encoding") {
		if strings.Contains(strings.ToLower(v), "chunked") {
			return true
		}
	}
	return false
}

// isClosedConn reports errors that mean the peer had already closed the
// connection before it saw our request.
func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed)
}
