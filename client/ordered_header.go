package client

import (
	"net/http"
	"strings"

	"github.com/firasghr/mimicry/profile"
)

// HeaderField is a single header line with its original casing.
type HeaderField struct {
	Name  string
	Value string
}

// OrderedHeader keeps header fields in insertion order with their exact
// casing. Servers that profile clients look at both, and http.Header (a map
// of canonicalised keys) loses the two.
//
// OrderedHeader is not safe for concurrent use.
type OrderedHeader struct {
	fields []HeaderField
}

// NewOrderedHeader returns a header holding the given fields in order.
func NewOrderedHeader(fields ...HeaderField) *OrderedHeader {
	h := &OrderedHeader{fields: make([]HeaderField, 0, len(fields))}
	h.fields = append(h.fields, fields...)
	return h
}

// ProfileHeaders returns the default request headers of p in browser order.
func ProfileHeaders(p *profile.Profile) *OrderedHeader {
	h := &OrderedHeader{fields: make([]HeaderField, 0, len(p.Headers)+1)}
	for _, f := range p.Headers {
		h.Add(f.Name, f.Value)
	}
	if p.UserAgent != "" && h.Get("User-Agent") == "" {
		h.Add("User-Agent", p.UserAgent)
	}
	return h
}

// Add appends key/value, keeping the casing of key. Repeated keys produce
// repeated lines.
func (h *OrderedHeader) Add(key, value string) {
	h.fields = append(h.fields, HeaderField{Name: key, Value: value})
}

// Set replaces the first field matching key case-insensitively and drops the
// remaining duplicates. The surviving field takes the casing of key. Without
// a match Set appends.
func (h *OrderedHeader) Set(key, value string) {
	replaced := false
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, key) {
			out = append(out, f)
			continue
		}
		if !replaced {
			out = append(out, HeaderField{Name: key, Value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, HeaderField{Name: key, Value: value})
	}
	h.fields = out
}

// Del removes every field matching key case-insensitively.
func (h *OrderedHeader) Del(key string) {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, key) {
			out = append(out, f)
		}
	}
	h.fields = out
}

// Get returns the first value for key, or "".
func (h *OrderedHeader) Get(key string) string {
	if h == nil {
		return ""
	}
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, key) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for key in order.
func (h *OrderedHeader) Values(key string) []string {
	if h == nil {
		return nil
	}
	var out []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, key) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether a field named key is present.
func (h *OrderedHeader) Has(key string) bool {
	if h == nil {
		return false
	}
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, key) {
			return true
		}
	}
	return false
}

// Len returns the number of fields, duplicates included.
func (h *OrderedHeader) Len() int {
	if h == nil {
		return 0
	}
	return len(h.fields)
}

// Fields returns a copy of the fields in order.
func (h *OrderedHeader) Fields() []HeaderField {
	if h == nil {
		return nil
	}
	out := make([]HeaderField, len(h.fields))
	copy(out, h.fields)
	return out
}

// Clone returns an independent copy.
func (h *OrderedHeader) Clone() *OrderedHeader {
	if h == nil {
		return &OrderedHeader{}
	}
	c := &OrderedHeader{fields: make([]HeaderField, len(h.fields))}
	copy(c.fields, h.fields)
	return c
}

// Overlay applies o on top of h. A name present in both keeps its position
// in h and takes the values from o; names only in o are appended in o's
// order.
func (h *OrderedHeader) Overlay(o *OrderedHeader) {
	if o == nil {
		return
	}
	done := make(map[string]bool)
	for _, f := range o.fields {
		key := strings.ToLower(f.Name)
		if done[key] {
			continue
		}
		done[key] = true

		vals := o.Values(f.Name)
		out := make([]HeaderField, 0, len(h.fields)+len(vals))
		inserted := false
		for _, cur := range h.fields {
			if !strings.EqualFold(cur.Name, f.Name) {
				out = append(out, cur)
				continue
			}
			if !inserted {
				for _, v := range vals {
					out = append(out, HeaderField{Name: f.Name, Value: v})
				}
				inserted = true
			}
		}
		if !inserted {
			for _, v := range vals {
				out = append(out, HeaderField{Name: f.Name, Value: v})
			}
		}
		h.fields = out
	}
}

// ToHTTPHeader converts h to an http.Header with canonical keys, for code
// that wants net/http semantics (cookie parsing, Location lookup). Order
// between different names is lost; order within one name is kept.
func (h *OrderedHeader) ToHTTPHeader() http.Header {
	out := make(http.Header, h.Len())
	if h == nil {
		return out
	}
	for _, f := range h.fields {
		k := http.CanonicalHeaderKey(f.Name)
		out[k] = append(out[k], f.Value)
	}
	return out
}
