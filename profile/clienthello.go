package profile

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Hello is the fingerprint-relevant summary of a captured ClientHello.
type Hello struct {
	Version           uint16
	CipherSuites      []uint16
	Extensions        []uint16
	Curves            []uint16
	PointFormats      []uint8
	SupportedVersions []uint16
	ALPN              []string
	ServerName        string
}

var errShortHello = errors.New("profile: truncated client hello")

// ParseClientHello decodes a ClientHello. data may be a full TLS record
// (content type 22) or the bare handshake message.
func ParseClientHello(data []byte) (*Hello, error) {
	s := cryptobyte.String(data)
	if len(data) > 0 && data[0] == 0x16 {
		var (
			ctype    uint8
			recVer   uint16
			fragment cryptobyte.String
		)
		if !s.ReadUint8(&ctype) || !s.ReadUint16(&recVer) || !s.ReadUint16LengthPrefixed(&fragment) {
			return nil, errShortHello
		}
		s = fragment
	}

	var (
		msgType uint8
		body    cryptobyte.String
	)
	if !s.ReadUint8(&msgType) || !s.ReadUint24LengthPrefixed(&body) {
		return nil, errShortHello
	}
	if msgType != 1 {
		return nil, fmt.Errorf("profile: handshake type %d is not a client hello", msgType)
	}

	h := &Hello{}
	var (
		sessionID, ciphers, compression cryptobyte.String
	)
	if !body.ReadUint16(&h.Version) ||
		!body.Skip(32) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&ciphers) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return nil, errShortHello
	}
	for !ciphers.Empty() {
		var c uint16
		if !ciphers.ReadUint16(&c) {
			return nil, errShortHello
		}
		h.CipherSuites = append(h.CipherSuites, c)
	}
	if body.Empty() {
		return h, nil
	}

	var exts cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&exts) {
		return nil, errShortHello
	}
	for !exts.Empty() {
		var (
			id   uint16
			data cryptobyte.String
		)
		if !exts.ReadUint16(&id) || !exts.ReadUint16LengthPrefixed(&data) {
			return nil, errShortHello
		}
		h.Extensions = append(h.Extensions, id)
		if err := h.parseExtension(id, data); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *Hello) parseExtension(id uint16, data cryptobyte.String) error {
	switch id {
	case ExtServerName:
		var list cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&list) {
			return fmt.Errorf("profile: malformed server_name extension")
		}
		for !list.Empty() {
			var (
				nameType uint8
				name     cryptobyte.String
			)
			if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
				return fmt.Errorf("profile: malformed server_name extension")
			}
			if nameType == 0 {
				h.ServerName = string(name)
			}
		}
	case ExtSupportedCurves:
		var list cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&list) {
			return fmt.Errorf("profile: malformed supported_groups extension")
		}
		for !list.Empty() {
			var g uint16
			if !list.ReadUint16(&g) {
				return fmt.Errorf("profile: malformed supported_groups extension")
			}
			h.Curves = append(h.Curves, g)
		}
	case ExtSupportedPoints:
		var list cryptobyte.String
		if !data.ReadUint8LengthPrefixed(&list) {
			return fmt.Errorf("profile: malformed ec_point_formats extension")
		}
		h.PointFormats = append(h.PointFormats, list...)
	case ExtALPN:
		var list cryptobyte.String
		if !data.ReadUint16LengthPrefixed(&list) {
			return fmt.Errorf("profile: malformed alpn extension")
		}
		for !list.Empty() {
			var proto cryptobyte.String
			if !list.ReadUint8LengthPrefixed(&proto) {
				return fmt.Errorf("profile: malformed alpn extension")
			}
			h.ALPN = append(h.ALPN, string(proto))
		}
	case ExtSupportedVersions:
		var list cryptobyte.String
		if !data.ReadUint8LengthPrefixed(&list) {
			return fmt.Errorf("profile: malformed supported_versions extension")
		}
		for !list.Empty() {
			var v uint16
			if !list.ReadUint16(&v) {
				return fmt.Errorf("profile: malformed supported_versions extension")
			}
			h.SupportedVersions = append(h.SupportedVersions, v)
		}
	}
	return nil
}

// JA3 returns the JA3 string of the captured hello.
func (h *Hello) JA3() string {
	return ja3String(h.Version, h.CipherSuites, h.Extensions, h.Curves, h.PointFormats)
}

// JA3Hash is the MD5 digest of JA3.
func (h *Hello) JA3Hash() string {
	return ja3Hash(h.JA3())
}

// Shape returns the cipher and extension lists with every GREASE value
// collapsed onto the placeholder, so two hellos from the same profile compare
// equal even though each connection draws fresh GREASE values.
func (h *Hello) Shape() (ciphers, extensions []uint16) {
	norm := func(in []uint16) []uint16 {
		out := make([]uint16, len(in))
		for i, v := range in {
			if IsGREASE(v) {
				v = GREASE
			}
			out[i] = v
		}
		return out
	}
	return norm(h.CipherSuites), norm(h.Extensions)
}
