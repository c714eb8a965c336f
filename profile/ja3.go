package profile

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseJA3 builds a profile from a JA3 string
// (version,ciphers,extensions,curves,point-formats) and a User-Agent.
//
// JA3 only captures the shape of a ClientHello, so everything it leaves out
// (signature algorithms, key shares, HTTP/2 settings, default headers) is
// filled in from the browser family detected in ua. Chromium user agents get
// GREASE slots in the positions Chrome uses.
func ParseJA3(id, ja3, ua string) (*Profile, error) {
	tokens := strings.Split(strings.TrimSpace(ja3), ",")
	if len(tokens) != 5 {
		return nil, fmt.Errorf("profile: parse ja3: want 5 fields, got %d", len(tokens))
	}

	version, err := strconv.ParseUint(tokens[0], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("profile: parse ja3 version %q: %w", tokens[0], err)
	}
	ciphers, err := parseUint16List(tokens[1])
	if err != nil {
		return nil, fmt.Errorf("profile: parse ja3 ciphers: %w", err)
	}
	extIDs, err := parseUint16List(tokens[2])
	if err != nil {
		return nil, fmt.Errorf("profile: parse ja3 extensions: %w", err)
	}
	curves, err := parseUint16List(tokens[3])
	if err != nil {
		return nil, fmt.Errorf("profile: parse ja3 curves: %w", err)
	}
	points16, err := parseUint16List(tokens[4])
	if err != nil {
		return nil, fmt.Errorf("profile: parse ja3 point formats: %w", err)
	}
	points := make([]uint8, 0, len(points16))
	for _, pf := range points16 {
		if pf > 0xff {
			return nil, fmt.Errorf("profile: parse ja3 point format %d out of range", pf)
		}
		points = append(points, uint8(pf))
	}

	browser := BrowserFromUserAgent(ua)
	grease := browser == "chrome" || browser == "edge"

	p := &Profile{
		ID:                  id,
		Browser:             browser,
		TLSVersion:          uint16(version),
		PointFormats:        points,
		SignatureAlgorithms: chromeSignatureAlgorithms,
		SupportedVersions:   []uint16{versionTLS13, versionTLS12},
		KeyShares:           []uint16{groupX25519},
		PSKModes:            []uint8{1},
		ALPN:                []string{"h2", "http/1.1"},
		UserAgent:           ua,
	}

	if grease {
		p.CipherSuites = append([]uint16{GREASE}, ciphers...)
		p.Curves = append([]uint16{GREASE}, curves...)
		p.SupportedVersions = append([]uint16{GREASE}, p.SupportedVersions...)
		p.KeyShares = append([]uint16{GREASE}, p.KeyShares...)
	} else {
		p.CipherSuites = ciphers
		p.Curves = curves
	}

	exts := make([]Extension, 0, len(extIDs)+3)
	if grease {
		exts = append(exts, Extension{ID: GREASE})
	}
	for i, e := range extIDs {
		// Chrome puts its trailing GREASE extension before padding.
		if grease && i == len(extIDs)-1 && e == ExtPadding {
			exts = append(exts, Extension{ID: GREASE})
		}
		exts = append(exts, Extension{ID: e})
	}
	if grease && (len(extIDs) == 0 || extIDs[len(extIDs)-1] != ExtPadding) {
		exts = append(exts, Extension{ID: GREASE})
	}
	p.Extensions = exts

	if p.HasExtension(ExtCompressCertificate) {
		p.CertCompression = []uint16{certCompressBrotli}
	}
	if p.HasExtension(ExtALPS) || p.HasExtension(ExtALPSNew) {
		p.ALPS = []string{"h2"}
	}
	if p.HasExtension(ExtRecordSizeLimit) {
		p.RecordSizeLimit = 0x4001
	}
	if p.HasExtension(ExtDelegatedCredentials) {
		p.DelegatedCredentials = []uint16{sigECDSAP256SHA256, sigECDSAP384SHA384, sigECDSAP521SHA512, sigECDSASHA1}
	}
	for _, c := range curves {
		if c == groupX25519MLKEM768 {
			p.KeyShares = insertAfterGREASE(p.KeyShares, groupX25519MLKEM768)
			break
		}
	}

	switch browser {
	case "firefox":
		p.HTTP2 = HTTP2{
			Settings: []H2Setting{
				{ID: H2HeaderTableSize, Val: 65536},
				{ID: H2InitialWindowSize, Val: 131072},
				{ID: H2MaxFrameSize, Val: 16384},
			},
			ConnectionFlow:    12517377,
			PseudoHeaderOrder: []string{":method", ":path", ":authority", ":scheme"},
		}
		p.Headers = []Header{{Name: "User-Agent", Value: ua}}
	case "safari":
		p.HTTP2 = HTTP2{
			Settings: []H2Setting{
				{ID: H2EnablePush, Val: 0},
				{ID: H2MaxConcurrentStreams, Val: 100},
				{ID: H2InitialWindowSize, Val: 2097152},
			},
			ConnectionFlow:    10420225,
			PseudoHeaderOrder: []string{":method", ":scheme", ":path", ":authority"},
		}
		p.Headers = []Header{{Name: "User-Agent", Value: ua}}
	default:
		p.HTTP2 = chromeH2
		p.Headers = []Header{{Name: "User-Agent", Value: ua}}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p.Clone()
}

// BrowserFromUserAgent classifies a User-Agent string into one of
// "chrome", "edge", "firefox" or "safari". Unknown agents count as chrome.
func BrowserFromUserAgent(ua string) string {
	l := strings.ToLower(ua)
	switch {
	case strings.Contains(l, "edg/"):
		return "edge"
	case strings.Contains(l, "firefox"):
		return "firefox"
	case strings.Contains(l, "chrome"), strings.Contains(l, "chromium"):
		return "chrome"
	case strings.Contains(l, "safari"):
		return "safari"
	}
	return "chrome"
}

func parseUint16List(s string) ([]uint16, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	out := make([]uint16, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", part, err)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}

func insertAfterGREASE(list []uint16, v uint16) []uint16 {
	i := 0
	if len(list) > 0 && list[0] == GREASE {
		i = 1
	}
	out := make([]uint16, 0, len(list)+1)
	out = append(out, list[:i]...)
	out = append(out, v)
	return append(out, list[i:]...)
}
