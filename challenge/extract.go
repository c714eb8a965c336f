package challenge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// ExtractScripts returns the bodies of the inline <script> elements of page in
// document order. External scripts and data blocks (JSON, templates) are
// skipped.
func ExtractScripts(page []byte) ([]string, error) {
	z := html.NewTokenizer(bytes.NewReader(page))
	var (
		scripts  []string
		inScript bool
		buf      strings.Builder
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("challenge: tokenize page: %w", err)
			}
			return scripts, nil

		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "script" {
				continue
			}
			inScript = executable(z, hasAttr)
			buf.Reset()

		case html.TextToken:
			if inScript {
				buf.Write(z.Text())
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) != "script" {
				continue
			}
			if inScript {
				if s := strings.TrimSpace(buf.String()); s != "" {
					scripts = append(scripts, s)
				}
			}
			inScript = false
		}
	}
}

// executable reports whether the script tag being tokenized holds inline
// JavaScript.
func executable(z *html.Tokenizer, hasAttr bool) bool {
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		switch string(key) {
		case "src":
			return false
		case "type":
			t := strings.ToLower(strings.TrimSpace(string(val)))
			switch t {
			case "", "text/javascript", "application/javascript", "module":
			default:
				return false
			}
		}
	}
	return true
}
