package client

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/firasghr/mimicry/profile"
)

const (
	defaultH2Window    = 65535
	defaultH2FrameSize = 16384
	maxStreamID        = 1<<31 - 1
)

// h2Conn runs one stream at a time over an HTTP/2 connection whose preface
// reproduces the profile's SETTINGS, WINDOW_UPDATE and PRIORITY frames.
type h2Conn struct {
	conn net.Conn
	bw   *bufio.Writer
	fr   *http2.Framer
	hbuf bytes.Buffer
	henc *hpack.Encoder
	hdec *hpack.Decoder

	pseudoOrder []string
	priority    http2.PriorityParam

	nextStreamID uint32
	goneAway     bool
	pending      http2.Frame
	pushing      bool

	// peer limits
	peerMaxFrame     uint32
	peerInitWindow   int32
	sendConnWindow   int32
	sendStreamWindow int32

	// our receive windows
	recvInitWindow int32
	recvConnWindow int32
	connUnacked    int32
	streamUnacked  int32
}

func newH2Conn(nc net.Conn, br *bufio.Reader, p *profile.Profile) (*h2Conn, error) {
	c := &h2Conn{
		conn:           nc,
		bw:             bufio.NewWriterSize(nc, 16<<10),
		pseudoOrder:    p.HTTP2.PseudoHeaderOrder,
		nextStreamID:   1,
		peerMaxFrame:   defaultH2FrameSize,
		peerInitWindow: defaultH2Window,
		sendConnWindow: defaultH2Window,
		recvInitWindow: defaultH2Window,
		recvConnWindow: defaultH2Window + int32(p.HTTP2.ConnectionFlow),
	}
	if len(c.pseudoOrder) == 0 {
		c.pseudoOrder = []string{":method", ":authority", ":scheme", ":path"}
	}
	if hp := p.HTTP2.HeaderPriority; hp != nil {
		c.priority = http2.PriorityParam{StreamDep: hp.StreamDep, Exclusive: hp.Exclusive, Weight: hp.Weight}
	}

	c.fr = http2.NewFramer(c.bw, br)
	tableSize := uint32(4096)
	readFrame := uint32(defaultH2FrameSize)
	settings := make([]http2.Setting, 0, len(p.HTTP2.Settings))
	for _, s := range p.HTTP2.Settings {
		settings = append(settings, http2.Setting{ID: http2.SettingID(s.ID), Val: s.Val})
		switch s.ID {
		case profile.H2HeaderTableSize:
			tableSize = s.Val
		case profile.H2InitialWindowSize:
			c.recvInitWindow = int32(s.Val)
		case profile.H2MaxFrameSize:
			readFrame = s.Val
		case profile.H2MaxHeaderListSize:
			c.fr.MaxHeaderListSize = s.Val
		}
	}
	c.hdec = hpack.NewDecoder(tableSize, nil)
	c.fr.ReadMetaHeaders = c.hdec
	c.fr.SetMaxReadFrameSize(readFrame)
	c.henc = hpack.NewEncoder(&c.hbuf)

	if _, err := c.bw.WriteString(http2.ClientPreface); err != nil {
		return nil, fmt.Errorf("client: h2 preface: %w", err)
	}
	if err := c.fr.WriteSettings(settings...); err != nil {
		return nil, fmt.Errorf("client: h2 settings: %w", err)
	}
	if p.HTTP2.ConnectionFlow > 0 {
		if err := c.fr.WriteWindowUpdate(0, p.HTTP2.ConnectionFlow); err != nil {
			return nil, fmt.Errorf("client: h2 window update: %w", err)
		}
	}
	for _, pf := range p.HTTP2.PriorityFrames {
		err := c.fr.WritePriority(pf.StreamID, http2.PriorityParam{
			StreamDep: pf.Priority.StreamDep,
			Exclusive: pf.Priority.Exclusive,
			Weight:    pf.Priority.Weight,
		})
		if err != nil {
			return nil, fmt.Errorf("client: h2 priority: %w", err)
		}
		if pf.StreamID >= c.nextStreamID {
			c.nextStreamID = pf.StreamID + 2
		}
	}
	if err := c.bw.Flush(); err != nil {
		return nil, fmt.Errorf("client: h2 preface: %w", err)
	}
	return c, nil
}

func (c *h2Conn) roundTrip(req *Request, reused bool) (*Response, bool, error) {
	if c.goneAway || c.nextStreamID > maxStreamID {
		return nil, false, &RoundTripError{Op: "h2 round trip", Err: errors.New("connection is draining")}
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	c.sendStreamWindow = c.peerInitWindow
	c.streamUnacked = 0

	block := c.encodeHeaders(req)
	if err := c.writeHeaders(id, block, len(req.Body) == 0); err != nil {
		return nil, false, &RoundTripError{Op: "write headers", Err: err}
	}
	if err := c.bw.Flush(); err != nil {
		return nil, false, &RoundTripError{Op: "write headers", Written: !reused || !isClosedConn(err), Err: err}
	}
	if len(req.Body) > 0 {
		if err := c.writeBody(id, req.Body); err != nil {
			return nil, false, &RoundTripError{Op: "write body", Written: true, Err: err}
		}
	}
	req.wrote()

	resp, err := c.readResponse(id, req.Method)
	if err != nil {
		var rt *RoundTripError
		if errors.As(err, &rt) {
			return nil, false, err
		}
		return nil, false, &RoundTripError{Op: "read response", Written: true, Err: err}
	}
	return resp, !c.goneAway && c.nextStreamID <= maxStreamID, nil
}

var h2SkipHeaders = map[string]bool{
	"host":              true,
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func (c *h2Conn) encodeHeaders(req *Request) []byte {
	c.hbuf.Reset()
	for _, name := range c.pseudoOrder {
		var v string
		switch name {
		case ":method":
			v = req.Method
		case ":authority":
			v = req.Authority
		case ":scheme":
			v = req.Scheme
		case ":path":
			v = req.Path
		default:
			continue
		}
		c.henc.WriteField(hpack.HeaderField{Name: name, Value: v})
	}
	for _, f := range req.Header.Fields() {
		name := strings.ToLower(f.Name)
		if h2SkipHeaders[name] {
			continue
		}
		c.henc.WriteField(hpack.HeaderField{Name: name, Value: f.Value})
	}
	if len(req.Body) > 0 && !req.Header.Has("Content-Length") {
		c.henc.WriteField(hpack.HeaderField{Name: "content-length", Value: strconv.Itoa(len(req.Body))})
	}
	return append([]byte(nil), c.hbuf.Bytes()...)
}

func (c *h2Conn) writeHeaders(id uint32, block []byte, endStream bool) error {
	limit := int(c.peerMaxFrame)
	first := block
	if len(first) > limit {
		first = block[:limit]
	}
	rest := block[len(first):]
	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(rest) == 0,
		Priority:      c.priority,
	})
	if err != nil {
		return err
	}
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > limit {
			chunk = rest[:limit]
		}
		rest = rest[len(chunk):]
		if err := c.fr.WriteContinuation(id, len(rest) == 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *h2Conn) writeBody(id uint32, body []byte) error {
	for len(body) > 0 {
		n := min(int32(len(body)), int32(c.peerMaxFrame), c.sendConnWindow, c.sendStreamWindow)
		if n <= 0 {
			if err := c.bw.Flush(); err != nil {
				return err
			}
			f, err := c.fr.ReadFrame()
			if err != nil {
				return err
			}
			if done, err := c.handleDuringSend(id, f); err != nil || done {
				return err
			}
			continue
		}
		chunk := body[:n]
		body = body[n:]
		if err := c.fr.WriteData(id, len(body) == 0, chunk); err != nil {
			return err
		}
		c.sendConnWindow -= n
		c.sendStreamWindow -= n
	}
	return c.bw.Flush()
}

// handleDuringSend processes a frame read while the send window is
// exhausted. done reports that the server answered early and the rest of
// the body should not be sent.
func (c *h2Conn) handleDuringSend(id uint32, f http2.Frame) (done bool, err error) {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		if f.StreamID == id {
			c.pending = f
			return true, c.fr.WriteRSTStream(id, http2.ErrCodeNo)
		}
	case *http2.RSTStreamFrame:
		if f.StreamID == id {
			return true, fmt.Errorf("stream reset by peer: %v", f.ErrCode)
		}
	case *http2.GoAwayFrame:
		c.goneAway = true
		if f.LastStreamID < id {
			return true, fmt.Errorf("server sent GOAWAY: %v", f.ErrCode)
		}
	default:
		return false, c.handleControl(f)
	}
	return false, nil
}

func (c *h2Conn) nextFrame() (http2.Frame, error) {
	if f := c.pending; f != nil {
		c.pending = nil
		return f, nil
	}
	return c.fr.ReadFrame()
}

func (c *h2Conn) readResponse(id uint32, method string) (*Response, error) {
	var (
		resp    *Response
		body    bytes.Buffer
		started bool
	)
	for {
		f, err := c.nextFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) && se.StreamID == id {
				return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
			}
			return nil, err
		}

		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			if f.StreamID != id {
				continue
			}
			started = true
			if resp == nil {
				code, err := strconv.Atoi(f.PseudoValue("status"))
				if err != nil {
					return nil, fmt.Errorf("%w: :status %q", ErrMalformedResponse, f.PseudoValue("status"))
				}
				if code >= 100 && code < 200 {
					continue
				}
				resp = &Response{
					StatusCode: code,
					Status:     strconv.Itoa(code) + " " + http.StatusText(code),
					Proto:      "HTTP/2.0",
					Header:     &OrderedHeader{},
				}
			}
			for _, hf := range f.RegularFields() {
				resp.Header.Add(hf.Name, hf.Value)
			}
			if f.StreamEnded() {
				resp.Body = body.Bytes()
				return resp, nil
			}

		case *http2.DataFrame:
			if err := c.consumeData(f, id); err != nil {
				return nil, err
			}
			if f.StreamID != id {
				continue
			}
			if resp == nil {
				return nil, fmt.Errorf("%w: DATA before HEADERS", ErrMalformedResponse)
			}
			if method != "HEAD" {
				body.Write(f.Data())
			}
			if f.StreamEnded() {
				resp.Body = body.Bytes()
				return resp, nil
			}

		case *http2.RSTStreamFrame:
			if f.StreamID != id {
				continue
			}
			err := fmt.Errorf("stream reset by peer: %v", f.ErrCode)
			if f.ErrCode == http2.ErrCodeRefusedStream && !started {
				return nil, &RoundTripError{Op: "read response", Written: false, Err: err}
			}
			return nil, err

		case *http2.GoAwayFrame:
			c.goneAway = true
			if f.LastStreamID < id {
				// The server never processed this stream.
				return nil, &RoundTripError{Op: "read response", Written: false,
					Err: fmt.Errorf("server sent GOAWAY: %v", f.ErrCode)}
			}

		default:
			if err := c.handleControl(f); err != nil {
				return nil, err
			}
		}
	}
}

// consumeData returns flow-control credit for a DATA frame. Updates are
// batched to a quarter of the window, like browsers do.
func (c *h2Conn) consumeData(f *http2.DataFrame, id uint32) error {
	n := int32(f.Length)
	if n == 0 {
		return nil
	}
	c.connUnacked += n
	if c.connUnacked >= c.recvConnWindow/4 {
		if err := c.fr.WriteWindowUpdate(0, uint32(c.connUnacked)); err != nil {
			return err
		}
		c.connUnacked = 0
	}
	if f.StreamID == id && !f.StreamEnded() {
		c.streamUnacked += n
		if c.streamUnacked >= c.recvInitWindow/4 {
			if err := c.fr.WriteWindowUpdate(id, uint32(c.streamUnacked)); err != nil {
				return err
			}
			c.streamUnacked = 0
		}
	}
	return c.bw.Flush()
}

// handleControl processes connection-level frames.
func (c *h2Conn) handleControl(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		err := f.ForeachSetting(func(s http2.Setting) error {
			switch s.ID {
			case http2.SettingMaxFrameSize:
				c.peerMaxFrame = s.Val
			case http2.SettingInitialWindowSize:
				delta := int32(s.Val) - c.peerInitWindow
				c.peerInitWindow = int32(s.Val)
				c.sendStreamWindow += delta
			case http2.SettingHeaderTableSize:
				c.henc.SetMaxDynamicTableSizeLimit(s.Val)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := c.fr.WriteSettingsAck(); err != nil {
			return err
		}
		return c.bw.Flush()

	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}
		if err := c.fr.WritePing(true, f.Data); err != nil {
			return err
		}
		return c.bw.Flush()

	case *http2.WindowUpdateFrame:
		if f.StreamID == 0 {
			c.sendConnWindow += int32(f.Increment)
		} else if f.StreamID == c.nextStreamID-2 {
			c.sendStreamWindow += int32(f.Increment)
		}

	case *http2.PushPromiseFrame:
		// Header blocks of promises still have to go through the decoder to
		// keep the HPACK table in sync.
		c.hdec.SetEmitFunc(func(hpack.HeaderField) {})
		if _, err := c.hdec.Write(f.HeaderBlockFragment()); err != nil {
			return err
		}
		c.pushing = !f.HeadersEnded()
		if !c.pushing {
			if err := c.hdec.Close(); err != nil {
				return err
			}
		}
		if err := c.fr.WriteRSTStream(f.PromiseID, http2.ErrCodeRefusedStream); err != nil {
			return err
		}
		return c.bw.Flush()

	case *http2.ContinuationFrame:
		if c.pushing {
			if _, err := c.hdec.Write(f.HeaderBlockFragment()); err != nil {
				return err
			}
			if f.HeadersEnded() {
				c.pushing = false
				return c.hdec.Close()
			}
		}

	case *http2.GoAwayFrame:
		c.goneAway = true
	}
	return nil
}

// processIdleFrame handles one frame that arrived on an idle connection.
// It reports whether the connection is still usable.
func (c *h2Conn) processIdleFrame() bool {
	f, err := c.fr.ReadFrame()
	if err != nil {
		return false
	}
	switch f := f.(type) {
	case *http2.GoAwayFrame:
		c.goneAway = true
		return false
	case *http2.DataFrame:
		if err := c.consumeData(f, 0); err != nil {
			return false
		}
	default:
		if err := c.handleControl(f); err != nil {
			return false
		}
	}
	return !c.goneAway
}

func (c *h2Conn) goAway() {
	last := uint32(0)
	if c.nextStreamID > 1 {
		last = c.nextStreamID - 2
	}
	_ = c.fr.WriteGoAway(last, http2.ErrCodeNo, nil)
	_ = c.bw.Flush()
}
