package profile

// DefaultProfileID is used when a session does not name a profile.
const DefaultProfileID = "chrome-131-windows"

// Named groups and signature schemes used by the table below.
const (
	groupX25519         uint16 = 29
	groupP256           uint16 = 23
	groupP384           uint16 = 24
	groupP521           uint16 = 25
	groupFFDHE2048      uint16 = 256
	groupFFDHE3072      uint16 = 257
	groupX25519MLKEM768 uint16 = 4588

	sigECDSAP256SHA256 uint16 = 0x0403
	sigECDSAP384SHA384 uint16 = 0x0503
	sigECDSAP521SHA512 uint16 = 0x0603
	sigPSSSHA256       uint16 = 0x0804
	sigPSSSHA384       uint16 = 0x0805
	sigPSSSHA512       uint16 = 0x0806
	sigPKCS1SHA256     uint16 = 0x0401
	sigPKCS1SHA384     uint16 = 0x0501
	sigPKCS1SHA512     uint16 = 0x0601
	sigECDSASHA1       uint16 = 0x0203
	sigPKCS1SHA1       uint16 = 0x0201

	certCompressZlib   uint16 = 1
	certCompressBrotli uint16 = 2

	versionTLS10 uint16 = 0x0301
	versionTLS11 uint16 = 0x0302
	versionTLS12 uint16 = 0x0303
	versionTLS13 uint16 = 0x0304
)

var builtinAliases = map[string]string{
	"chrome":      DefaultProfileID,
	"chrome-120":  "chrome-120-windows",
	"chrome-131":  "chrome-131-windows",
	"firefox":     "firefox-120-windows",
	"firefox-120": "firefox-120-windows",
	"safari":      "safari-17-macos",
	"safari-17":   "safari-17-macos",
	"safari-17-0": "safari-17-macos",
	"edge":        "edge-120-windows",
	"edge-120":    "edge-120-windows",
}

var chromeCiphers = []uint16{
	GREASE,
	0x1301, 0x1302, 0x1303,
	0xc02b, 0xc02f, 0xc02c, 0xc030,
	0xcca9, 0xcca8,
	0xc013, 0xc014,
	0x009c, 0x009d, 0x002f, 0x0035,
}

var chromeSignatureAlgorithms = []uint16{
	sigECDSAP256SHA256, sigPSSSHA256, sigPKCS1SHA256,
	sigECDSAP384SHA384, sigPSSSHA384, sigPKCS1SHA384,
	sigPSSSHA512, sigPKCS1SHA512,
}

var chromeH2 = HTTP2{
	Settings: []H2Setting{
		{ID: H2HeaderTableSize, Val: 65536},
		{ID: H2EnablePush, Val: 0},
		{ID: H2InitialWindowSize, Val: 6291456},
		{ID: H2MaxHeaderListSize, Val: 262144},
	},
	ConnectionFlow:    15663105,
	HeaderPriority:    &H2Priority{StreamDep: 0, Exclusive: true, Weight: 255},
	PseudoHeaderOrder: []string{":method", ":authority", ":scheme", ":path"},
}

func exts(ids ...uint16) []Extension {
	out := make([]Extension, len(ids))
	for i, id := range ids {
		out[i] = Extension{ID: id}
	}
	return out
}

func chromeHeaders(ua, secCHUA, platform, encoding string) []Header {
	return []Header{
		{Name: "sec-ch-ua", Value: secCHUA},
		{Name: "sec-ch-ua-mobile", Value: "?0"},
		{Name: "sec-ch-ua-platform", Value: platform},
		{Name: "Upgrade-Insecure-Requests", Value: "1"},
		{Name: "User-Agent", Value: ua},
		{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		{Name: "sec-fetch-site", Value: "none"},
		{Name: "sec-fetch-mode", Value: "navigate"},
		{Name: "sec-fetch-user", Value: "?1"},
		{Name: "sec-fetch-dest", Value: "document"},
		{Name: "accept-encoding", Value: encoding},
		{Name: "accept-language", Value: "en-US,en;q=0.9"},
	}
}

func chrome120(id, ua, secCHUA string) *Profile {
	return &Profile{
		ID:           id,
		Browser:      "chrome",
		TLSVersion:   versionTLS12,
		CipherSuites: chromeCiphers,
		Extensions: exts(
			GREASE,
			ExtServerName, ExtExtendedMasterSecret, ExtRenegotiationInfo,
			ExtSupportedCurves, ExtSupportedPoints, ExtSessionTicket, ExtALPN,
			ExtStatusRequest, ExtSignatureAlgorithms, ExtSCT, ExtKeyShare,
			ExtPSKModes, ExtSupportedVersions, ExtCompressCertificate, ExtALPS,
			ExtECH,
			GREASE,
			ExtPadding,
		),
		Curves:              []uint16{GREASE, groupX25519, groupP256, groupP384},
		PointFormats:        []uint8{0},
		SignatureAlgorithms: chromeSignatureAlgorithms,
		SupportedVersions:   []uint16{GREASE, versionTLS13, versionTLS12},
		KeyShares:           []uint16{GREASE, groupX25519},
		PSKModes:            []uint8{1},
		CertCompression:     []uint16{certCompressBrotli},
		ALPN:                []string{"h2", "http/1.1"},
		ALPS:                []string{"h2"},
		HTTP2:               chromeH2,
		UserAgent:           ua,
		Headers:             chromeHeaders(ua, secCHUA, `"Windows"`, "gzip, deflate, br"),
	}
}

func builtinProfiles() []*Profile {
	chromeUA120 := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	chromeUA131 := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	edgeUA120 := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0"
	firefoxUA120 := "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0"
	safariUA17 := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15"

	c120 := chrome120("chrome-120-windows", chromeUA120,
		`"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`)

	c131 := chrome120("chrome-131-windows", chromeUA131,
		`"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	c131.Extensions = exts(
		GREASE,
		ExtServerName, ExtExtendedMasterSecret, ExtRenegotiationInfo,
		ExtSupportedCurves, ExtSupportedPoints, ExtSessionTicket, ExtALPN,
		ExtStatusRequest, ExtSignatureAlgorithms, ExtSCT, ExtKeyShare,
		ExtPSKModes, ExtSupportedVersions, ExtCompressCertificate, ExtALPSNew,
		ExtECH,
		GREASE,
	)
	c131.Curves = []uint16{GREASE, groupX25519MLKEM768, groupX25519, groupP256, groupP384}
	c131.KeyShares = []uint16{GREASE, groupX25519MLKEM768, groupX25519}
	c131.Headers = chromeHeaders(chromeUA131,
		`"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`,
		`"Windows"`, "gzip, deflate, br, zstd")

	edge := chrome120("edge-120-windows", edgeUA120,
		`"Not_A Brand";v="8", "Chromium";v="120", "Microsoft Edge";v="120"`)
	edge.Browser = "edge"

	firefox := &Profile{
		ID:         "firefox-120-windows",
		Browser:    "firefox",
		TLSVersion: versionTLS12,
		CipherSuites: []uint16{
			0x1301, 0x1303, 0x1302,
			0xc02b, 0xc02f, 0xcca9, 0xcca8, 0xc02c, 0xc030,
			0xc00a, 0xc009, 0xc013, 0xc014,
			0x009c, 0x009d, 0x002f, 0x0035,
		},
		Extensions: exts(
			ExtServerName, ExtExtendedMasterSecret, ExtRenegotiationInfo,
			ExtSupportedCurves, ExtSupportedPoints, ExtSessionTicket, ExtALPN,
			ExtStatusRequest, ExtDelegatedCredentials, ExtKeyShare,
			ExtSupportedVersions, ExtSignatureAlgorithms, ExtPSKModes,
			ExtRecordSizeLimit, ExtECH,
		),
		Curves:       []uint16{groupX25519, groupP256, groupP384, groupP521, groupFFDHE2048, groupFFDHE3072},
		PointFormats: []uint8{0},
		SignatureAlgorithms: []uint16{
			sigECDSAP256SHA256, sigECDSAP384SHA384, sigECDSAP521SHA512,
			sigPSSSHA256, sigPSSSHA384, sigPSSSHA512,
			sigPKCS1SHA256, sigPKCS1SHA384, sigPKCS1SHA512,
			sigECDSASHA1, sigPKCS1SHA1,
		},
		SupportedVersions:    []uint16{versionTLS13, versionTLS12},
		KeyShares:            []uint16{groupX25519, groupP256},
		PSKModes:             []uint8{1},
		DelegatedCredentials: []uint16{sigECDSAP256SHA256, sigECDSAP384SHA384, sigECDSAP521SHA512, sigECDSASHA1},
		RecordSizeLimit:      0x4001,
		ALPN:                 []string{"h2", "http/1.1"},
		HTTP2: HTTP2{
			Settings: []H2Setting{
				{ID: H2HeaderTableSize, Val: 65536},
				{ID: H2InitialWindowSize, Val: 131072},
				{ID: H2MaxFrameSize, Val: 16384},
			},
			ConnectionFlow: 12517377,
			HeaderPriority: &H2Priority{StreamDep: 13, Exclusive: false, Weight: 41},
			PriorityFrames: []H2PriorityFrame{
				{StreamID: 3, Priority: H2Priority{StreamDep: 0, Weight: 200}},
				{StreamID: 5, Priority: H2Priority{StreamDep: 0, Weight: 100}},
				{StreamID: 7, Priority: H2Priority{StreamDep: 0, Weight: 0}},
				{StreamID: 9, Priority: H2Priority{StreamDep: 7, Weight: 0}},
				{StreamID: 11, Priority: H2Priority{StreamDep: 3, Weight: 0}},
				{StreamID: 13, Priority: H2Priority{StreamDep: 0, Weight: 240}},
			},
			PseudoHeaderOrder: []string{":method", ":path", ":authority", ":scheme"},
		},
		UserAgent: firefoxUA120,
		Headers: []Header{
			{Name: "User-Agent", Value: firefoxUA120},
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.5"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
			{Name: "Upgrade-Insecure-Requests", Value: "1"},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Sec-Fetch-User", Value: "?1"},
		},
	}

	safari := &Profile{
		ID:         "safari-17-macos",
		Browser:    "safari",
		TLSVersion: versionTLS12,
		CipherSuites: []uint16{
			GREASE,
			0x1301, 0x1302, 0x1303,
			0xc02c, 0xc02b, 0xcca9, 0xc030, 0xc02f, 0xcca8,
			0xc00a, 0xc009, 0xc014, 0xc013,
			0x009d, 0x009c, 0x0035, 0x002f,
			0xc008, 0xc012, 0x000a,
		},
		Extensions: exts(
			GREASE,
			ExtServerName, ExtExtendedMasterSecret, ExtRenegotiationInfo,
			ExtSupportedCurves, ExtSupportedPoints, ExtALPN, ExtStatusRequest,
			ExtSignatureAlgorithms, ExtSCT, ExtKeyShare, ExtPSKModes,
			ExtSupportedVersions, ExtCompressCertificate,
			GREASE,
			ExtPadding,
		),
		Curves:       []uint16{GREASE, groupX25519, groupP256, groupP384, groupP521},
		PointFormats: []uint8{0},
		SignatureAlgorithms: []uint16{
			sigECDSAP256SHA256, sigPSSSHA256, sigPKCS1SHA256,
			sigECDSAP384SHA384, sigECDSASHA1, sigPSSSHA384, sigPSSSHA384,
			sigPKCS1SHA384, sigPSSSHA512, sigPKCS1SHA512, sigPKCS1SHA1,
		},
		SupportedVersions: []uint16{GREASE, versionTLS13, versionTLS12, versionTLS11, versionTLS10},
		KeyShares:         []uint16{GREASE, groupX25519},
		PSKModes:          []uint8{1},
		CertCompression:   []uint16{certCompressZlib},
		ALPN:              []string{"h2", "http/1.1"},
		HTTP2: HTTP2{
			Settings: []H2Setting{
				{ID: H2EnablePush, Val: 0},
				{ID: H2MaxConcurrentStreams, Val: 100},
				{ID: H2InitialWindowSize, Val: 2097152},
				{ID: H2NoRFC7540Priorities, Val: 1},
			},
			ConnectionFlow:    10420225,
			HeaderPriority:    &H2Priority{StreamDep: 0, Exclusive: false, Weight: 254},
			PseudoHeaderOrder: []string{":method", ":scheme", ":path", ":authority"},
		},
		UserAgent: safariUA17,
		Headers: []Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "User-Agent", Value: safariUA17},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Sec-Fetch-Dest", Value: "document"},
		},
	}

	return []*Profile{c120, c131, edge, firefox, safari}
}
