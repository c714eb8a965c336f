package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/config"
	"github.com/firasghr/mimicry/session"
)

func TestManager_CreateAndGet(t *testing.T) {
	m, err := session.NewManager(config.DefaultConfig())
	require.NoError(t, err)
	defer m.CloseAll()

	assert.Zero(t, m.Count())
	ids, err := m.CreateSessions(5)
	require.NoError(t, err)
	assert.Len(t, ids, 5)
	assert.Equal(t, 5, m.Count())

	for _, id := range ids {
		s, ok := m.Get(id)
		require.True(t, ok)
		assert.Same(t, m.Pool(), s.Pool())
	}
	_, ok := m.Get(999)
	assert.False(t, ok)

	more, err := m.CreateSessions(2)
	require.NoError(t, err)
	assert.NotContains(t, ids, more[0])
	assert.Equal(t, 7, m.Count())
}

func TestManager_SessionsShareConnections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHandler))
	defer srv.Close()

	m, err := session.NewManager(config.DefaultConfig())
	require.NoError(t, err)
	defer m.CloseAll()

	ids, err := m.CreateSessions(3)
	require.NoError(t, err)
	for _, id := range ids {
		s, _ := m.Get(id)
		_, err := s.Get(context.Background(), srv.URL+"/")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, m.Pool().Stats().Dials)
}

func TestManager_ProxyRotation(t *testing.T) {
	file := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(file, []byte("# pool\n10.0.0.1:8080\n10.0.0.2:8080\n"), 0o600))

	cfg := config.DefaultConfig()
	cfg.ProxyFile = file
	m, err := session.NewManager(cfg)
	require.NoError(t, err)
	defer m.CloseAll()

	ids, err := m.CreateSessions(4)
	require.NoError(t, err)

	seen := map[string]int{}
	for _, id := range ids {
		s, _ := m.Get(id)
		seen[s.Proxy()]++
	}
	assert.Equal(t, map[string]int{
		"http://10.0.0.1:8080": 2,
		"http://10.0.0.2:8080": 2,
	}, seen)
}

func TestManager_BadProfile(t *testing.T) {
	cfg := config.DefaultConfig()
	m, err := session.NewManager(cfg)
	require.NoError(t, err)
	defer m.CloseAll()

	cfg.Profile = "no-such-browser"
	ids, err := m.CreateSessions(2)
	assert.Error(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, m.Count())
}

func TestManager_CloseAll(t *testing.T) {
	m, err := session.NewManager(config.DefaultConfig())
	require.NoError(t, err)
	_, err = m.CreateSessions(3)
	require.NoError(t, err)

	require.NoError(t, m.CloseAll())
	assert.Zero(t, m.Count())

	_, err = m.CreateSessions(1)
	require.NoError(t, err)
	s, ok := m.Get(3)
	require.True(t, ok)
	_, err = s.Get(context.Background(), "http://127.0.0.1:1/")
	assert.Error(t, err)
}
