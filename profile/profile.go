// Package profile holds the catalogue of browser fingerprint profiles.
//
// A Profile bundles every signal that anti-bot systems correlate when they
// attribute a connection to a browser build: the ordered ClientHello
// parameters (cipher suites, extensions, supported groups, ALPN), the HTTP/2
// SETTINGS frame and stream priority, the pseudo-header order, and the
// default request headers including User-Agent.
//
// Order is the fingerprint. Nothing in this package ever sorts an ordering
// field, and profiles handed out by a Registry are deep copies so callers
// cannot mutate the registered original.
package profile

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor"
)

// GREASE is the placeholder written wherever a profile reserves a GREASE
// slot. The handshake engine substitutes a random GREASE value per
// connection; only the presence and position are part of the fingerprint.
const GREASE uint16 = 0x0a0a

// TLS extension identifiers referenced by the built-in profiles.
const (
	ExtServerName           uint16 = 0
	ExtStatusRequest        uint16 = 5
	ExtSupportedCurves      uint16 = 10
	ExtSupportedPoints      uint16 = 11
	ExtSignatureAlgorithms  uint16 = 13
	ExtALPN                 uint16 = 16
	ExtSCT                  uint16 = 18
	ExtPadding              uint16 = 21
	ExtExtendedMasterSecret uint16 = 23
	ExtCompressCertificate  uint16 = 27
	ExtRecordSizeLimit      uint16 = 28
	ExtDelegatedCredentials uint16 = 34
	ExtSessionTicket        uint16 = 35
	ExtSupportedVersions    uint16 = 43
	ExtPSKModes             uint16 = 45
	ExtKeyShare             uint16 = 51
	ExtALPS                 uint16 = 17513
	ExtALPSNew              uint16 = 17613
	ExtECH                  uint16 = 65037
	ExtRenegotiationInfo    uint16 = 65281
)

// HTTP/2 SETTINGS identifiers (RFC 9113 §6.5.2).
const (
	H2HeaderTableSize      uint16 = 0x1
	H2EnablePush           uint16 = 0x2
	H2MaxConcurrentStreams uint16 = 0x3
	H2InitialWindowSize    uint16 = 0x4
	H2MaxFrameSize         uint16 = 0x5
	H2MaxHeaderListSize    uint16 = 0x6
	H2NoRFC7540Priorities  uint16 = 0x9
)

// Extension is one ClientHello extension slot. Most extensions take their
// contents from the typed fields of the owning Profile; Data is only used for
// extensions the handshake engine has no typed builder for.
type Extension struct {
	ID   uint16 `yaml:"id" json:"id"`
	Data []byte `yaml:"data,omitempty" json:"data,omitempty"`
}

// Header is an ordered name/value pair.
type Header struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// H2Setting is a single SETTINGS parameter.
type H2Setting struct {
	ID  uint16 `yaml:"id" json:"id"`
	Val uint32 `yaml:"val" json:"val"`
}

// H2Priority mirrors the priority block of a HEADERS or PRIORITY frame.
// Weight is the wire value, i.e. the effective weight minus one.
type H2Priority struct {
	StreamDep uint32 `yaml:"stream_dep" json:"stream_dep"`
	Exclusive bool   `yaml:"exclusive" json:"exclusive"`
	Weight    uint8  `yaml:"weight" json:"weight"`
}

// H2PriorityFrame is a PRIORITY frame sent right after the connection
// preface (older Firefox builds declare a dependency tree this way).
type H2PriorityFrame struct {
	StreamID uint32     `yaml:"stream_id" json:"stream_id"`
	Priority H2Priority `yaml:"priority" json:"priority"`
}

// HTTP2 groups the HTTP/2 connection-level fingerprint.
type HTTP2 struct {
	Settings          []H2Setting       `yaml:"settings" json:"settings"`
	ConnectionFlow    uint32            `yaml:"connection_flow" json:"connection_flow"`
	HeaderPriority    *H2Priority       `yaml:"header_priority,omitempty" json:"header_priority,omitempty"`
	PriorityFrames    []H2PriorityFrame `yaml:"priority_frames,omitempty" json:"priority_frames,omitempty"`
	PseudoHeaderOrder []string          `yaml:"pseudo_header_order" json:"pseudo_header_order"`
}

// Profile is an immutable browser fingerprint.
type Profile struct {
	ID      string `yaml:"id" json:"id"`
	Browser string `yaml:"browser" json:"browser"`

	TLSVersion           uint16      `yaml:"tls_version" json:"tls_version"`
	CipherSuites         []uint16    `yaml:"cipher_suites" json:"cipher_suites"`
	Extensions           []Extension `yaml:"extensions" json:"extensions"`
	Curves               []uint16    `yaml:"curves" json:"curves"`
	PointFormats         []uint8     `yaml:"point_formats" json:"point_formats"`
	SignatureAlgorithms  []uint16    `yaml:"signature_algorithms" json:"signature_algorithms"`
	SupportedVersions    []uint16    `yaml:"supported_versions" json:"supported_versions"`
	KeyShares            []uint16    `yaml:"key_shares" json:"key_shares"`
	PSKModes             []uint8     `yaml:"psk_modes,omitempty" json:"psk_modes,omitempty"`
	CertCompression      []uint16    `yaml:"cert_compression,omitempty" json:"cert_compression,omitempty"`
	DelegatedCredentials []uint16    `yaml:"delegated_credentials,omitempty" json:"delegated_credentials,omitempty"`
	RecordSizeLimit      uint16      `yaml:"record_size_limit,omitempty" json:"record_size_limit,omitempty"`
	ALPN                 []string    `yaml:"alpn" json:"alpn"`
	ALPS                 []string    `yaml:"alps,omitempty" json:"alps,omitempty"`

	HTTP2 HTTP2 `yaml:"http2" json:"http2"`

	UserAgent string   `yaml:"user_agent" json:"user_agent"`
	Headers   []Header `yaml:"headers" json:"headers"`
}

// IsGREASE reports whether v is one of the RFC 8701 reserved values
// (0x0a0a, 0x1a1a, … 0xfafa).
func IsGREASE(v uint16) bool {
	return v&0x0f0f == 0x0a0a && v>>8 == v&0xff
}

// Validate checks that p carries the minimum a handshake needs.
func (p *Profile) Validate() error {
	if p == nil {
		return fmt.Errorf("profile: nil profile")
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("profile: empty id")
	}
	if len(p.CipherSuites) == 0 {
		return fmt.Errorf("profile %q: no cipher suites", p.ID)
	}
	if len(p.Extensions) == 0 {
		return fmt.Errorf("profile %q: no extensions", p.ID)
	}
	if p.HasExtension(ExtALPN) && len(p.ALPN) == 0 {
		return fmt.Errorf("profile %q: ALPN extension without protocols", p.ID)
	}
	for _, proto := range p.ALPN {
		if proto != "h2" && proto != "http/1.1" {
			return fmt.Errorf("profile %q: unsupported ALPN protocol %q", p.ID, proto)
		}
	}
	return nil
}

// HasExtension reports whether the profile offers extension id.
func (p *Profile) HasExtension(id uint16) bool {
	for _, e := range p.Extensions {
		if e.ID == id {
			return true
		}
	}
	return false
}

// OffersHTTP2 reports whether h2 is part of the ALPN offer.
func (p *Profile) OffersHTTP2() bool {
	for _, proto := range p.ALPN {
		if proto == "h2" {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() (*Profile, error) {
	if p == nil {
		return nil, nil
	}
	data, err := cbor.Marshal(p, cbor.EncOptions{})
	if err != nil {
		return nil, fmt.Errorf("profile %q: clone encode: %w", p.ID, err)
	}
	var clone *Profile
	if err := cbor.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("profile %q: clone decode: %w", p.ID, err)
	}
	return clone, nil
}

// JA3 returns the JA3 string of the profile with GREASE values removed:
// version,ciphers,extensions,curves,point-formats.
func (p *Profile) JA3() string {
	exts := make([]uint16, 0, len(p.Extensions))
	for _, e := range p.Extensions {
		exts = append(exts, e.ID)
	}
	version := p.TLSVersion
	if version == 0 {
		version = 0x0303
	}
	return ja3String(version, p.CipherSuites, exts, p.Curves, p.PointFormats)
}

// JA3Hash is the MD5 digest of JA3, as reported by fingerprinting services.
func (p *Profile) JA3Hash() string {
	return ja3Hash(p.JA3())
}

func ja3String(version uint16, ciphers, exts, curves []uint16, points []uint8) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(version)))
	b.WriteByte(',')
	joinUint16(&b, ciphers)
	b.WriteByte(',')
	joinUint16(&b, exts)
	b.WriteByte(',')
	joinUint16(&b, curves)
	b.WriteByte(',')
	for i, pf := range points {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(strconv.Itoa(int(pf)))
	}
	return b.String()
}

func joinUint16(b *strings.Builder, vals []uint16) {
	first := true
	for _, v := range vals {
		if IsGREASE(v) {
			continue
		}
		if !first {
			b.WriteByte('-')
		}
		first = false
		b.WriteString(strconv.Itoa(int(v)))
	}
}

func ja3Hash(s string) string {
	sum := md5.Sum([]byte(s)) // #nosec G401 – JA3 is defined over MD5
	return hex.EncodeToString(sum[:])
}
