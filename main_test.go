package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/profile"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseHeader(t *testing.T) {
	name, value, err := parseHeader("X-Token:  abc:def ")
	require.NoError(t, err)
	assert.Equal(t, "X-Token", name)
	assert.Equal(t, "abc:def", value)

	_, _, err = parseHeader("no colon")
	assert.Error(t, err)
	_, _, err = parseHeader(": empty name")
	assert.Error(t, err)
}

func TestProfilesCommand(t *testing.T) {
	out, err := execute(t, "profiles")
	require.NoError(t, err)
	assert.Contains(t, out, "chrome-131-windows")
	assert.Contains(t, out, "firefox-120-windows")
	assert.Contains(t, out, "JA3 HASH")
}

func TestJA3Command(t *testing.T) {
	out, err := execute(t, "ja3", "firefox")
	require.NoError(t, err)

	p, err := profile.Default().Lookup("firefox")
	require.NoError(t, err)
	assert.Equal(t, p.JA3()+"\n"+p.JA3Hash()+"\n", out)

	_, err = execute(t, "ja3", "lynx")
	assert.ErrorIs(t, err, profile.ErrUnknownProfile)
}

func TestGetCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"method":%q,"token":%q}`, r.Method, r.Header.Get("X-Token"))
	}))
	defer srv.Close()

	out, err := execute(t, "get", srv.URL, "-H", "X-Token: t1", "--jq", ".token", "--timeout", "5s")
	require.NoError(t, err)
	assert.Equal(t, "\"t1\"\n", out)

	out, err = execute(t, "get", srv.URL, "-d", "a=1", "-i")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 200 OK\n"), out)
	assert.Contains(t, out, `"method":"POST"`)

	_, err = execute(t, "get", srv.URL, "-H", "broken")
	assert.Error(t, err)
	_, err = execute(t, "get", srv.URL, "--profile", "lynx")
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	out, err := execute(t, "run", srv.URL, "--sessions", "2", "--workers", "2",
		"--duration", "200ms", "--report-every", "50ms", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "requests")
	assert.Positive(t, hits.Load())
}
