// Package pool keeps fingerprinted connections alive between requests.
//
// Connections are keyed by everything that makes two connections
// interchangeable: origin, profile, TLS, proxy and verification mode. A
// connection opened with one profile is never handed to a request that asked
// for another.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/firasghr/mimicry/client"
	"github.com/firasghr/mimicry/logger"
)

var (
	// ErrPoolExhausted is returned when no connection could be obtained
	// before the acquire deadline.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("connection pool closed")
)

// Key identifies a class of interchangeable connections.
type Key struct {
	Host     string
	Port     string
	Profile  string
	TLS      bool
	Proxy    string
	Insecure bool
}

func (k Key) String() string {
	scheme := "http"
	if k.TLS {
		scheme = "https"
	}
	s := scheme + "://" + net.JoinHostPort(k.Host, k.Port) + "#" + k.Profile
	if k.Proxy != "" {
		s += "@" + k.Proxy
	}
	return s
}

// Dialer opens a new connection for a key.
type Dialer interface {
	Dial(ctx context.Context, k Key) (*client.Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, k Key) (*client.Conn, error)

func (f DialFunc) Dial(ctx context.Context, k Key) (*client.Conn, error) { return f(ctx, k) }

// Config bounds the pool. Zero limits mean unlimited.
type Config struct {
	MaxIdlePerHost  int
	MaxConnsPerHost int
	MaxConns        int
	// IdleTimeout closes connections idle for longer; zero keeps them until
	// the peer hangs up.
	IdleTimeout time.Duration
	// AcquireTimeout bounds how long Acquire waits for a free slot.
	AcquireTimeout time.Duration
	Log            *logger.Logger
}

// DefaultConfig returns the limits used when a session builds its own pool.
func DefaultConfig() Config {
	return Config{
		MaxIdlePerHost:  4,
		MaxConnsPerHost: 16,
		MaxConns:        256,
		IdleTimeout:     90 * time.Second,
		AcquireTimeout:  30 * time.Second,
	}
}

// Conn is a pooled connection. It is owned by exactly one caller between
// Acquire and Release.
type Conn struct {
	*client.Conn

	key      Key
	lastUsed time.Time
	busy     bool
	reused   bool
}

// Key returns the key the connection was opened for.
func (c *Conn) Key() Key { return c.key }

// Reused reports whether the connection had served an earlier request when
// it was acquired.
func (c *Conn) Reused() bool { return c.reused }

// Stats is a point-in-time view of the pool.
type Stats struct {
	Open        int
	Idle        int
	Waiting     int
	Dials       int64
	Reuses      int64
	Waits       int64
	Exhaustions int64
}

type grant struct {
	conn *Conn // idle connection handed over
	slot bool  // a dial slot was reserved for the waiter
	err  error
}

type waiter struct {
	key Key
	ch  chan grant
}

// Pool hands out connections per Key.
//
// Concurrency model:
//   - mu guards every field below it, the idle sweep included.
//   - Waiters queue in arrival order. A released connection goes to the first
//     waiter for its key; a freed slot goes to the first waiter that may use
//     it.
//   - Connections are closed outside the lock.
type Pool struct {
	dialer Dialer
	cfg    Config
	log    *logger.Logger

	mu      sync.Mutex
	idle    map[Key][]*Conn
	open    map[Key]int
	total   int
	nidle   int
	waiters []*waiter
	closed  bool
	stats   Stats

	done chan struct{}
	wg   sync.WaitGroup
}

// New returns a pool that opens connections through d. When cfg.IdleTimeout
// is set a background janitor sweeps stale idle connections until Close.
func New(d Dialer, cfg Config) *Pool {
	p := &Pool{
		dialer: d,
		cfg:    cfg,
		log:    cfg.Log,
		idle:   make(map[Key][]*Conn),
		open:   make(map[Key]int),
		done:   make(chan struct{}),
	}
	if p.log == nil {
		p.log = logger.Discard()
	}
	if cfg.IdleTimeout > 0 {
		p.wg.Add(1)
		go p.janitor()
	}
	return p
}

// Acquire returns a connection for k: the most recently used live idle one,
// or a fresh dial when the limits allow it. Otherwise it waits for a release
// until ctx ends or AcquireTimeout passes, and then fails with
// ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, k Key) (*Conn, error) {
	var expired <-chan time.Time
	if p.cfg.AcquireTimeout > 0 {
		t := time.NewTimer(p.cfg.AcquireTimeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if c := p.popIdleLocked(k); c != nil {
			p.mu.Unlock()
			if c, ok := p.checkIdle(c); ok {
				return c, nil
			}
			continue
		}
		ok, evicted := p.reserveLocked(k)
		if ok {
			p.mu.Unlock()
			closeAll(evicted)
			return p.dial(ctx, k)
		}

		w := &waiter{key: k, ch: make(chan grant, 1)}
		p.waiters = append(p.waiters, w)
		p.stats.Waits++
		p.mu.Unlock()

		var g grant
		select {
		case g = <-w.ch:
		case <-ctx.Done():
			return nil, p.abandon(w, k, ctx.Err())
		case <-expired:
			return nil, p.abandon(w, k, context.DeadlineExceeded)
		}

		switch {
		case g.err != nil:
			return nil, g.err
		case g.slot:
			return p.dial(ctx, k)
		case g.conn != nil:
			if c, ok := p.checkIdle(g.conn); ok {
				return c, nil
			}
		}
	}
}

// checkIdle probes a connection taken from the idle list. A dead one is
// closed and its slot freed.
func (p *Pool) checkIdle(c *Conn) (*Conn, bool) {
	if c.Alive() {
		p.mu.Lock()
		p.stats.Reuses++
		p.mu.Unlock()
		c.reused = true
		return c, true
	}
	p.log.Debug("dropping dead idle connection", "key", c.key.String())
	p.mu.Lock()
	p.forgetLocked(c)
	evicted := p.dispatchLocked()
	p.mu.Unlock()
	c.Conn.Close()
	closeAll(evicted)
	return nil, false
}

// abandon removes w from the queue after its wait ended. A grant that raced
// with the timeout is handed back.
func (p *Pool) abandon(w *waiter, k Key, cause error) error {
	p.mu.Lock()
	removed := p.removeWaiterLocked(w)
	p.stats.Exhaustions++
	p.mu.Unlock()

	if !removed {
		g := <-w.ch
		switch {
		case g.conn != nil:
			p.Release(g.conn, false)
		case g.slot:
			p.mu.Lock()
			p.unreserveLocked(k)
			evicted := p.dispatchLocked()
			p.mu.Unlock()
			closeAll(evicted)
		}
	}
	return fmt.Errorf("pool: acquire %s: %w: %w", k, ErrPoolExhausted, cause)
}

func (p *Pool) dial(ctx context.Context, k Key) (*Conn, error) {
	cc, err := p.dialer.Dial(ctx, k)
	if err != nil {
		p.mu.Lock()
		p.unreserveLocked(k)
		evicted := p.dispatchLocked()
		p.mu.Unlock()
		closeAll(evicted)
		return nil, err
	}

	c := &Conn{Conn: cc, key: k, busy: true, lastUsed: time.Now()}
	p.mu.Lock()
	p.stats.Dials++
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.Release(c, true)
		return nil, ErrClosed
	}
	p.log.Debug("dialed connection", "key", k.String(), "proto", cc.Protocol().String())
	return c, nil
}

// Release returns c to the pool. A broken connection, or one the last
// exchange left unusable, is closed and its slot freed.
func (p *Pool) Release(c *Conn, broken bool) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if !c.busy {
		p.mu.Unlock()
		return
	}
	c.busy = false
	c.reused = false

	if broken || p.closed || !c.Reusable() {
		p.forgetLocked(c)
		evicted := p.dispatchLocked()
		p.mu.Unlock()
		c.Conn.Close()
		closeAll(evicted)
		return
	}

	c.lastUsed = time.Now()
	for i, w := range p.waiters {
		if w.key == c.key {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			c.busy = true
			w.ch <- grant{conn: c}
			p.mu.Unlock()
			return
		}
	}

	if p.cfg.MaxIdlePerHost > 0 && len(p.idle[c.key]) >= p.cfg.MaxIdlePerHost {
		p.forgetLocked(c)
		evicted := p.dispatchLocked()
		p.mu.Unlock()
		c.Conn.Close()
		closeAll(evicted)
		return
	}
	p.idle[c.key] = append(p.idle[c.key], c)
	p.nidle++
	evicted := p.dispatchLocked()
	p.mu.Unlock()
	closeAll(evicted)
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Open = p.total
	s.Idle = p.nidle
	s.Waiting = len(p.waiters)
	return s
}

// Close closes idle connections, fails pending waiters and stops the
// janitor. Connections still borrowed are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*Conn
	for k, list := range p.idle {
		p.open[k] -= len(list)
		p.total -= len(list)
		idle = append(idle, list...)
		delete(p.idle, k)
	}
	p.nidle = 0
	for _, w := range p.waiters {
		w.ch <- grant{err: ErrClosed}
	}
	p.waiters = nil
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
	closeAll(idle)
	return nil
}

func (p *Pool) popIdleLocked(k Key) *Conn {
	list := p.idle[k]
	if len(list) == 0 {
		return nil
	}
	c := list[len(list)-1]
	list[len(list)-1] = nil
	if len(list) == 1 {
		delete(p.idle, k)
	} else {
		p.idle[k] = list[:len(list)-1]
	}
	p.nidle--
	c.busy = true
	return c
}

func (p *Pool) canOpenLocked(k Key) bool {
	if p.cfg.MaxConnsPerHost > 0 && p.open[k] >= p.cfg.MaxConnsPerHost {
		return false
	}
	return p.cfg.MaxConns <= 0 || p.total < p.cfg.MaxConns
}

// reserveLocked takes a dial slot for k. When only the global limit is in
// the way, the oldest idle connection of another key is evicted to make
// room; the caller closes it after unlocking.
func (p *Pool) reserveLocked(k Key) (bool, []*Conn) {
	if p.canOpenLocked(k) {
		p.open[k]++
		p.total++
		return true, nil
	}
	if p.cfg.MaxConnsPerHost > 0 && p.open[k] >= p.cfg.MaxConnsPerHost {
		return false, nil
	}
	victim := p.oldestIdleLocked(k)
	if victim == nil {
		return false, nil
	}
	p.removeIdleLocked(victim)
	p.forgetLocked(victim)
	p.open[k]++
	p.total++
	return true, []*Conn{victim}
}

func (p *Pool) unreserveLocked(k Key) {
	p.open[k]--
	if p.open[k] <= 0 {
		delete(p.open, k)
	}
	p.total--
}

// forgetLocked drops a connection from the accounting. It must not be in the
// idle list.
func (p *Pool) forgetLocked(c *Conn) {
	p.unreserveLocked(c.key)
}

func (p *Pool) oldestIdleLocked(except Key) *Conn {
	var oldest *Conn
	for k, list := range p.idle {
		if k == except || len(list) == 0 {
			continue
		}
		if c := list[0]; oldest == nil || c.lastUsed.Before(oldest.lastUsed) {
			oldest = c
		}
	}
	return oldest
}

func (p *Pool) removeIdleLocked(c *Conn) {
	list := p.idle[c.key]
	for i, ic := range list {
		if ic == c {
			list = append(list[:i], list[i+1:]...)
			p.nidle--
			break
		}
	}
	if len(list) == 0 {
		delete(p.idle, c.key)
	} else {
		p.idle[c.key] = list
	}
}

func (p *Pool) removeWaiterLocked(w *waiter) bool {
	for i, x := range p.waiters {
		if x == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// dispatchLocked serves queued waiters in order with whatever became
// available: an idle connection for their key or a dial slot.
func (p *Pool) dispatchLocked() []*Conn {
	var evicted []*Conn
	for i := 0; i < len(p.waiters); {
		w := p.waiters[i]
		if c := p.popIdleLocked(w.key); c != nil {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			w.ch <- grant{conn: c}
			continue
		}
		ok, ev := p.reserveLocked(w.key)
		if !ok {
			i++
			continue
		}
		evicted = append(evicted, ev...)
		p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
		w.ch <- grant{slot: true}
	}
	return evicted
}

func (p *Pool) janitor() {
	defer p.wg.Done()
	interval := p.cfg.IdleTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-t.C:
			if n := p.sweep(now); n > 0 {
				p.log.Debug("closed idle connections", "count", n)
			}
		}
	}
}

// sweep closes idle connections unused since before now-IdleTimeout.
func (p *Pool) sweep(now time.Time) int {
	cutoff := now.Add(-p.cfg.IdleTimeout)
	var stale []*Conn

	p.mu.Lock()
	for k, list := range p.idle {
		keep := list[:0]
		for _, c := range list {
			if c.lastUsed.Before(cutoff) {
				stale = append(stale, c)
				p.nidle--
				p.forgetLocked(c)
				continue
			}
			keep = append(keep, c)
		}
		if len(keep) == 0 {
			delete(p.idle, k)
		} else {
			p.idle[k] = keep
		}
	}
	evicted := p.dispatchLocked()
	p.mu.Unlock()

	closeAll(stale)
	closeAll(evicted)
	return len(stale)
}

func closeAll(conns []*Conn) {
	for _, c := range conns {
		c.Conn.Close()
	}
}
