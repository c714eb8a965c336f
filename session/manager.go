package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/firasghr/mimicry/config"
	"github.com/firasghr/mimicry/pool"
	"github.com/firasghr/mimicry/proxy"
)

// Manager runs a fleet of sessions over one shared connection pool.
//
// Concurrency model:
//   - A sync.RWMutex protects the sessions map. Get and Count take the read
//     lock; CreateSessions and CloseAll take the write lock.
//   - Sessions are created in parallel; CreateSessions blocks until all of
//     them are done.
//   - Each session gets its own cookie jar and the next proxy of the
//     rotator, so sessions never share cookies or exit IPs.
type Manager struct {
	cfg     *config.Config
	opts    []Option
	pool    *pool.Pool
	rotator *proxy.Rotator

	mu       sync.RWMutex
	sessions map[int]*Session
	nextID   int
}

// NewManager builds the shared pool from cfg. Proxies come from
// cfg.ProxyFile when set; otherwise every session uses cfg.Proxy.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	p, err := NewPool(cfg, opts...)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		opts:     opts,
		pool:     p,
		sessions: make(map[int]*Session),
	}
	if cfg.Proxy == "" && cfg.ProxyFile != "" {
		r, err := proxy.NewRotator()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("session manager: %w", err)
		}
		if err := r.LoadFile(cfg.ProxyFile); err != nil {
			p.Close()
			return nil, fmt.Errorf("session manager: %w", err)
		}
		m.rotator = r
	}
	return m, nil
}

// CreateSessions creates count sessions concurrently and returns their IDs.
// If some fail, the others stay registered and an aggregated error is
// returned.
func (m *Manager) CreateSessions(count int) ([]int, error) {
	type result struct {
		s   *Session
		err error
	}

	results := make(chan result, count)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := append([]Option{WithPool(m.pool)}, m.opts...)
			if m.rotator != nil {
				opts = append(opts, WithProxyRotator(m.rotator))
			}
			s, err := New(m.cfg, opts...)
			results <- result{s: s, err: err}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		ids  []int
		errs []error
	)
	m.mu.Lock()
	for r := range results {
		if r.err != nil {
			errs = append(errs, r.err)
			continue
		}
		id := m.nextID
		m.nextID++
		m.sessions[id] = r.s
		ids = append(ids, id)
	}
	m.mu.Unlock()

	if len(errs) > 0 {
		return ids, fmt.Errorf("session manager: %d session(s) failed to create: %w", len(errs), errors.Join(errs...))
	}
	return ids, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id int) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	return s, ok
}

// IDs returns the registered session IDs in ascending order.
func (m *Manager) IDs() []int {
	m.mu.RLock()
	ids := make([]int, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	n := len(m.sessions)
	m.mu.RUnlock()
	return n
}

// Pool returns the shared connection pool.
func (m *Manager) Pool() *pool.Pool { return m.pool }

// CloseAll closes and forgets every session, then closes the shared pool.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	for id, s := range m.sessions {
		s.Close()
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	return m.pool.Close()
}
