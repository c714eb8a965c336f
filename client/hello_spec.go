package client

import (
	"fmt"

	utls "github.com/refraction-networking/utls"

	"github.com/firasghr/mimicry/profile"
)

// BuildSpec translates p into a uTLS ClientHelloSpec.
//
// uTLS writes GREASE values and key material into the extension structs while
// marshalling, so a spec must never be shared between connections: BuildSpec
// returns a fresh one on every call. Cipher and extension order are copied
// from the profile as-is; GREASE slots become uTLS placeholders that are
// filled with per-connection random GREASE values.
func BuildSpec(p *profile.Profile) (*utls.ClientHelloSpec, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	spec := &utls.ClientHelloSpec{
		CipherSuites:       make([]uint16, len(p.CipherSuites)),
		CompressionMethods: []uint8{0},
		Extensions:         make([]utls.TLSExtension, 0, len(p.Extensions)),
	}
	for i, c := range p.CipherSuites {
		spec.CipherSuites[i] = greaseOr(c)
	}
	spec.TLSVersMin, spec.TLSVersMax = versionRange(p.SupportedVersions)

	for _, e := range p.Extensions {
		ext, err := buildExtension(p, e)
		if err != nil {
			return nil, fmt.Errorf("client: profile %q: %w", p.ID, err)
		}
		spec.Extensions = append(spec.Extensions, ext)
	}
	return spec, nil
}

func buildExtension(p *profile.Profile, e profile.Extension) (utls.TLSExtension, error) {
	if profile.IsGREASE(e.ID) {
		return &utls.UtlsGREASEExtension{}, nil
	}

	switch e.ID {
	case profile.ExtServerName:
		return &utls.SNIExtension{}, nil
	case profile.ExtStatusRequest:
		return &utls.StatusRequestExtension{}, nil
	case profile.ExtSupportedCurves:
		curves := make([]utls.CurveID, len(p.Curves))
		for i, c := range p.Curves {
			curves[i] = utls.CurveID(greaseOr(c))
		}
		return &utls.SupportedCurvesExtension{Curves: curves}, nil
	case profile.ExtSupportedPoints:
		points := append([]uint8(nil), p.PointFormats...)
		if len(points) == 0 {
			points = []uint8{0}
		}
		return &utls.SupportedPointsExtension{SupportedPoints: points}, nil
	case profile.ExtSignatureAlgorithms:
		return &utls.SignatureAlgorithmsExtension{SupportedSignatureAlgorithms: schemes(p.SignatureAlgorithms)}, nil
	case profile.ExtALPN:
		return &utls.ALPNExtension{AlpnProtocols: append([]string(nil), p.ALPN...)}, nil
	case profile.ExtSCT:
		return &utls.SCTExtension{}, nil
	case profile.ExtPadding:
		return &utls.UtlsPaddingExtension{GetPaddingLen: utls.BoringPaddingStyle}, nil
	case profile.ExtExtendedMasterSecret:
		return &utls.ExtendedMasterSecretExtension{}, nil
	case profile.ExtCompressCertificate:
		algs := make([]utls.CertCompressionAlgo, len(p.CertCompression))
		for i, a := range p.CertCompression {
			algs[i] = utls.CertCompressionAlgo(a)
		}
		if len(algs) == 0 {
			return nil, fmt.Errorf("compress_certificate extension without algorithms")
		}
		return &utls.UtlsCompressCertExtension{Algorithms: algs}, nil
	case profile.ExtRecordSizeLimit:
		limit := p.RecordSizeLimit
		if limit == 0 {
			limit = 0x4001
		}
		return &utls.FakeRecordSizeLimitExtension{Limit: limit}, nil
	case profile.ExtDelegatedCredentials:
		return &utls.DelegatedCredentialsExtension{SupportedSignatureAlgorithms: schemes(p.DelegatedCredentials)}, nil
	case profile.ExtSessionTicket:
		return &utls.SessionTicketExtension{}, nil
	case profile.ExtSupportedVersions:
		versions := make([]uint16, len(p.SupportedVersions))
		for i, v := range p.SupportedVersions {
			versions[i] = greaseOr(v)
		}
		if len(versions) == 0 {
			versions = []uint16{utls.VersionTLS13, utls.VersionTLS12}
		}
		return &utls.SupportedVersionsExtension{Versions: versions}, nil
	case profile.ExtPSKModes:
		modes := append([]uint8(nil), p.PSKModes...)
		if len(modes) == 0 {
			modes = []uint8{utls.PskModeDHE}
		}
		return &utls.PSKKeyExchangeModesExtension{Modes: modes}, nil
	case profile.ExtKeyShare:
		shares := make([]utls.KeyShare, 0, len(p.KeyShares))
		for _, g := range p.KeyShares {
			if profile.IsGREASE(g) {
				shares = append(shares, utls.KeyShare{Group: utls.CurveID(utls.GREASE_PLACEHOLDER), Data: []byte{0}})
				continue
			}
			shares = append(shares, utls.KeyShare{Group: utls.CurveID(g)})
		}
		if len(shares) == 0 {
			shares = []utls.KeyShare{{Group: utls.X25519}}
		}
		return &utls.KeyShareExtension{KeyShares: shares}, nil
	case profile.ExtALPS:
		return &utls.ApplicationSettingsExtension{SupportedProtocols: append([]string(nil), p.ALPS...)}, nil
	case profile.ExtALPSNew:
		return &utls.ApplicationSettingsExtensionNew{SupportedProtocols: append([]string(nil), p.ALPS...)}, nil
	case profile.ExtECH:
		return utls.BoringGREASEECH(), nil
	case profile.ExtRenegotiationInfo:
		return &utls.RenegotiationInfoExtension{Renegotiation: utls.RenegotiateOnceAsClient}, nil
	}
	return &utls.GenericExtension{Id: e.ID, Data: append([]byte(nil), e.Data...)}, nil
}

func greaseOr(v uint16) uint16 {
	if profile.IsGREASE(v) {
		return utls.GREASE_PLACEHOLDER
	}
	return v
}

func schemes(in []uint16) []utls.SignatureScheme {
	out := make([]utls.SignatureScheme, len(in))
	for i, s := range in {
		out[i] = utls.SignatureScheme(s)
	}
	return out
}

// versionRange derives the min/max protocol versions from the
// supported_versions list, ignoring GREASE.
func versionRange(versions []uint16) (minVer, maxVer uint16) {
	for _, v := range versions {
		if profile.IsGREASE(v) {
			continue
		}
		if minVer == 0 || v < minVer {
			minVer = v
		}
		if v > maxVer {
			maxVer = v
		}
	}
	if minVer == 0 {
		return utls.VersionTLS12, utls.VersionTLS13
	}
	return minVer, maxVer
}
