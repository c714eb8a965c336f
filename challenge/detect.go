package challenge

import (
	"bytes"
	"net/http"
	"strings"
)

// Kind classifies a response body.
type Kind int

const (
	None Kind = iota
	Blocked
	Captcha
	JSChallenge
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Blocked:
		return "blocked"
	case Captcha:
		return "captcha"
	case JSChallenge:
		return "js-challenge"
	}
	return "unknown"
}

// Verdict is the outcome of Detect. Reason names the status or keyword that
// matched.
type Verdict struct {
	Kind   Kind
	Reason string
}

// Challenged reports whether the response is anything but a normal page.
func (v Verdict) Challenged() bool { return v.Kind != None }

// BanKeywords mark a block page. Matching is case-insensitive.
var BanKeywords = []string{
	"twoje żądanie zostało zablokowane",
	"przepraszamy, ale",
	"zbyt wiele zapytań",
	"access denied",
	"request blocked",
	"too many requests",
	"blocked",
}

// CaptchaKeywords mark a captcha interstitial.
var CaptchaKeywords = []string{
	"captcha",
	"verify you are human",
	"potwierdź, że nie jesteś robotem",
}

// bodyScanLimit bounds how much of a body Detect lowercases and searches.
const bodyScanLimit = 256 << 10

// Detect classifies a response from its status code and body.
//
// Captcha pages are checked first, since they usually also mention being
// blocked. A 503 whose body assigns document.cookie from a script is a
// JavaScript challenge that Solver can attempt.
func Detect(status int, body []byte) Verdict {
	if len(body) > bodyScanLimit {
		body = body[:bodyScanLimit]
	}
	lower := bytes.ToLower(body)

	for _, kw := range CaptchaKeywords {
		if bytes.Contains(lower, []byte(kw)) {
			return Verdict{Kind: Captcha, Reason: kw}
		}
	}
	if status == http.StatusServiceUnavailable && isJSChallenge(lower) {
		return Verdict{Kind: JSChallenge, Reason: "script sets document.cookie"}
	}
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests:
		return Verdict{Kind: Blocked, Reason: strings.ToLower(http.StatusText(status))}
	}
	for _, kw := range BanKeywords {
		if bytes.Contains(lower, []byte(kw)) {
			return Verdict{Kind: Blocked, Reason: kw}
		}
	}
	return Verdict{Kind: None}
}

func isJSChallenge(lower []byte) bool {
	return bytes.Contains(lower, []byte("<script")) && bytes.Contains(lower, []byte("document.cookie"))
}
