package challenge_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/challenge"
)

func newSolver(t *testing.T) *challenge.Solver {
	t.Helper()
	s, err := challenge.NewSolver("")
	require.NoError(t, err)
	return s
}

func TestEval(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"arithmetic", "2 + 2 * 3", "8"},
		{"string concat", `"hello" + " " + "world"`, "hello world"},
		{"window", "typeof window", "object"},
		{"document", "typeof document", "object"},
		{"multiline", "var a = 10;\nvar b = 20;\na + b", "30"},
		{"location", "location.protocol", "https:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newSolver(t).Eval(tt.script)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEval_NavigatorUserAgent(t *testing.T) {
	ua := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) TestAgent/1.0"
	s, err := challenge.NewSolver(ua)
	require.NoError(t, err)

	got, err := s.Eval("navigator.userAgent")
	require.NoError(t, err)
	assert.Equal(t, ua, got)

	platform, err := s.Eval("navigator.platform")
	require.NoError(t, err)
	assert.Equal(t, "MacIntel", platform)
}

func TestEval_SyntaxError(t *testing.T) {
	_, err := newSolver(t).Eval("this is not javascript {{{")
	assert.Error(t, err)
}

func TestEval_Timeout(t *testing.T) {
	s := newSolver(t)
	s.SetTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := s.Eval("while (true) {}")
	assert.ErrorIs(t, err, challenge.ErrScriptTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEval_TimerFiringAtCompletion(t *testing.T) {
	s := newSolver(t)
	s.SetTimeout(time.Microsecond)
	for i := 0; i < 200; i++ {
		_, err := s.Eval("var x = 0; for (var i = 0; i < 50; i++) { x += i; } x")
		if err != nil {
			require.ErrorIs(t, err, challenge.ErrScriptTimeout)
		}
	}

	s.SetTimeout(time.Second)
	got, err := s.Eval("6 * 7")
	require.NoError(t, err)
	assert.Equal(t, "42", got)
}

func TestCookies_SetAndGet(t *testing.T) {
	s := newSolver(t)
	require.NoError(t, s.SetCookie("session=abc123"))

	got, err := s.Cookie()
	require.NoError(t, err)
	assert.Equal(t, "session=abc123", got)
}

func TestCookies_SetByScript(t *testing.T) {
	s := newSolver(t)
	require.NoError(t, s.SetCookie("a=1"))
	_, err := s.Eval(`document.cookie = "cf_clearance=" + (1 + 2 + 3).toString() + "; path=/; max-age=60";`)
	require.NoError(t, err)

	got, err := s.Cookie()
	require.NoError(t, err)
	assert.Equal(t, "a=1; cf_clearance=6", got)

	cookies, err := s.Cookies()
	require.NoError(t, err)
	require.Len(t, cookies, 2)
	assert.Equal(t, "cf_clearance", cookies[1].Name)
	assert.Equal(t, "6", cookies[1].Value)
	assert.Equal(t, "/", cookies[1].Path)
	assert.Equal(t, 60, cookies[1].MaxAge)
}

func TestCookies_LaterAssignmentWins(t *testing.T) {
	s := newSolver(t)
	require.NoError(t, s.SetCookie("token=old"))
	require.NoError(t, s.SetCookie("token=new"))

	cookies, err := s.Cookies()
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "new", cookies[0].Value)
}

func TestSolve(t *testing.T) {
	page := []byte(`<!doctype html><html><head>
<script src="/static/app.js"></script>
<script type="application/ld+json">{"document.cookie": "ignored"}</script>
<script>
  var n = 7 * 6;
  document.cookie = "challenge=" + n + "-" + location.hostname + "; path=/";
</script>
</head><body>Checking your browser...</body></html>`)

	u, err := url.Parse("https://shop.example.com/item?id=1")
	require.NoError(t, err)

	cookies, err := newSolver(t).Solve(u, page)
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "challenge", cookies[0].Name)
	assert.Equal(t, "42-shop.example.com", cookies[0].Value)
}

func TestSolve_OriginsDoNotShareCookies(t *testing.T) {
	s := newSolver(t)

	a, err := url.Parse("https://a.example.com/")
	require.NoError(t, err)
	cookies, err := s.Solve(a, []byte(`<script>document.cookie = "secret_a=1; path=/";</script>`))
	require.NoError(t, err)
	require.Len(t, cookies, 1)

	b, err := url.Parse("https://b.example.com/check")
	require.NoError(t, err)
	cookies, err = s.Solve(b, []byte(`<script>document.cookie = "b=" + location.hostname + "|" + document.cookie;</script>`))
	require.NoError(t, err)
	require.Len(t, cookies, 1)
	assert.Equal(t, "b", cookies[0].Name)
	assert.Equal(t, "b.example.com|", cookies[0].Value)

	_, err = s.Solve(nil, []byte(`<script>var seen = location.hostname;</script>`))
	assert.Error(t, err, "no cookies carried over from earlier pages")
	got, err := s.Eval("location.hostname")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSolve_NoCookies(t *testing.T) {
	_, err := newSolver(t).Solve(nil, []byte(`<script>var x = 1;</script>`))
	assert.Error(t, err)
}

func TestSolve_NoScripts(t *testing.T) {
	_, err := newSolver(t).Solve(nil, []byte(`<html><body>plain</body></html>`))
	assert.Error(t, err)
}

func TestSolve_FailingScriptReported(t *testing.T) {
	_, err := newSolver(t).Solve(nil, []byte(`<script>undefinedFunction();</script>`))
	assert.Error(t, err)
}

func TestExtractScripts(t *testing.T) {
	page := []byte(`<html><script>a()</script><script type="text/template"><b></b></script>` +
		`<script type="TEXT/JAVASCRIPT"> b() </script><script src="x.js"></script><script>  </script></html>`)

	scripts, err := challenge.ExtractScripts(page)
	require.NoError(t, err)
	assert.Equal(t, []string{"a()", "b()"}, scripts)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   challenge.Kind
	}{
		{"ok page", 200, "<html>products</html>", challenge.None},
		{"forbidden", 403, "", challenge.Blocked},
		{"rate limited", 429, "slow down", challenge.Blocked},
		{"ban keyword", 200, "<p>Twoje żądanie zostało ZABLOKOWANE</p>", challenge.Blocked},
		{"too many requests text", 200, "Zbyt wiele zapytań", challenge.Blocked},
		{"captcha", 200, "<div class=g-recaptcha></div>", challenge.Captcha},
		{"captcha beats 403", 403, "Please verify you are human", challenge.Captcha},
		{"polish captcha", 200, "Potwierdź, że nie jesteś robotem", challenge.Captcha},
		{"js challenge", 503, `<script>document.cookie="x=1"</script>`, challenge.JSChallenge},
		{"plain 503", 503, "maintenance", challenge.None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := challenge.Detect(tt.status, []byte(tt.body))
			assert.Equal(t, tt.want, v.Kind, v.Reason)
			assert.Equal(t, tt.want != challenge.None, v.Challenged())
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "blocked", challenge.Blocked.String())
	assert.Equal(t, "js-challenge", challenge.JSChallenge.String())
	assert.Equal(t, "unknown", challenge.Kind(99).String())
}
