package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itchyny/gojq"
	"golang.org/x/net/html/charset"

	"github.com/firasghr/mimicry/challenge"
	"github.com/firasghr/mimicry/client"
)

// Response is the final response of a request. Its body has been read in
// full and content-decoded.
type Response struct {
	StatusCode int
	Status     string
	Proto      string
	// URL is the URL of the final hop.
	URL string
	// Headers are the response header fields in wire order, duplicates kept.
	Headers []client.HeaderField
	// Elapsed covers the whole request, redirects and retries included.
	Elapsed time.Duration
	// Redirects is the number of redirects followed.
	Redirects int

	body []byte
}

// Header returns the headers as an http.Header.
func (r *Response) Header() http.Header {
	return client.NewOrderedHeader(r.Headers...).ToHTTPHeader()
}

// Content returns a copy of the decoded body.
func (r *Response) Content() []byte {
	return bytes.Clone(r.body)
}

// Text returns the body converted to UTF-8, using the charset declared in
// Content-Type or sniffed from the body.
func (r *Response) Text() (string, error) {
	if len(r.body) == 0 {
		return "", nil
	}
	rd, err := charset.NewReader(bytes.NewReader(r.body), r.Header().Get("Content-Type"))
	if err != nil {
		return "", fmt.Errorf("session: detect charset: %w", err)
	}
	text, err := io.ReadAll(rd)
	if err != nil {
		return "", fmt.Errorf("session: decode text: %w", err)
	}
	return string(text), nil
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return fmt.Errorf("session: decode JSON body: %w", err)
	}
	return nil
}

// JQ runs the jq expression expr over the JSON body and returns every value
// it emits.
func (r *Response) JQ(expr string) ([]any, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("session: parse jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("session: compile jq expression: %w", err)
	}
	var input any
	if err := json.Unmarshal(r.body, &input); err != nil {
		return nil, fmt.Errorf("session: decode JSON body: %w", err)
	}

	out := make([]any, 0)
	iter := code.Run(input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			var haltErr *gojq.HaltError
			if errors.As(err, &haltErr) && haltErr.Value() == nil {
				break
			}
			return nil, fmt.Errorf("session: run jq expression: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Cookies parses the Set-Cookie headers of the final response.
func (r *Response) Cookies() []*http.Cookie {
	return (&http.Response{Header: r.Header()}).Cookies()
}

// Challenge classifies the response as a normal page, a block page, a captcha
// or a JavaScript challenge.
func (r *Response) Challenge() challenge.Verdict {
	return challenge.Detect(r.StatusCode, r.body)
}
