package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

// ErrDrained is returned by Acquire once the pool has been drained.
var ErrDrained = errors.New("browser: pool drained")

// Session is one pooled browser with its page budget. A worker owns the
// session exclusively between Acquire and Release.
type Session struct {
	browser     Browser
	pagesOpened int
	fatal       bool
}

// OpenPage opens one prepared page and counts it against the session budget.
func (s *Session) OpenPage(cfg PageConfig) (Page, error) {
	p, err := s.browser.NewPage(cfg)
	if err != nil {
		s.fatal = true
		return nil, fmt.Errorf("browser: open page: %w", err)
	}
	s.pagesOpened++
	return p, nil
}

// MarkFatal flags the session for recycling (crash, unresponsive).
func (s *Session) MarkFatal() {
	s.fatal = true
}

// PoolConfig carries the pool tunables.
type PoolConfig struct {
	Launcher   Launcher
	Size       int
	MaxPages   int // pages per session before recycling
	PageConfig PageConfig
}

// PoolStats is a point-in-time view for the status endpoint.
type PoolStats struct {
	Size    int `json:"size"`
	InUse   int `json:"inUse"`
	Idle    int `json:"idle"`
	Waiters int `json:"waiters"`
}

// Pool is a bounded set of browser sessions. Acquirers beyond the cap wait
// in FIFO order; Release hands the session to the oldest waiter directly.
type Pool struct {
	launcher Launcher
	size     int
	maxPages int
	pageCfg  PageConfig

	mu      sync.Mutex
	idle    []*Session
	created int // sessions alive (idle + in use)
	inUse   int
	waiters []chan waiterResult
	drained bool
}

type waiterResult struct {
	session *Session
	err     error
}

func NewPool(cfg PoolConfig) *Pool {
	size := cfg.Size
	if size < 1 {
		size = 1
	}
	maxPages := cfg.MaxPages
	if maxPages < 1 {
		maxPages = 1
	}
	return &Pool{
		launcher: cfg.Launcher,
		size:     size,
		maxPages: maxPages,
		pageCfg:  cfg.PageConfig,
	}
}

// PageConfig returns the preparation applied to pages from this pool.
func (p *Pool) PageConfig() PageConfig { return p.pageCfg }

// Acquire returns an exclusive session, launching one if the pool is below
// cap and blocking FIFO otherwise. Sessions past their page budget or marked
// fatal are replaced before being handed out.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return nil, ErrDrained
	}

	if len(p.idle) > 0 {
		s := p.idle[0]
		p.idle = p.idle[1:]
		s, err := p.freshenLocked(s)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.inUse++
		p.mu.Unlock()
		return s, nil
	}

	if p.created < p.size {
		p.created++
		p.inUse++
		p.mu.Unlock()
		b, err := p.launcher.Launch()
		if err != nil {
			p.mu.Lock()
			p.created--
			p.inUse--
			p.mu.Unlock()
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		return &Session{browser: b}, nil
	}

	ch := make(chan waiterResult, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.removeWaiter(ch)
		return nil, ctx.Err()
	case res := <-ch:
		return res.session, res.err
	}
}

// Release returns a session to the pool. If a waiter is queued the session
// is handed off directly; otherwise it goes idle. Draining pools close the
// session instead.
func (p *Pool) Release(s *Session) {
	p.mu.Lock()
	p.inUse--

	if p.drained {
		p.created--
		p.mu.Unlock()
		p.closeSession(s)
		return
	}

	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		next, err := p.freshenLocked(s)
		if err == nil {
			p.inUse++
		}
		p.mu.Unlock()
		ch <- waiterResult{session: next, err: err}
		return
	}

	p.idle = append(p.idle, s)
	p.mu.Unlock()
}

// freshenLocked recycles a session that is fatal or over its page budget,
// replacing it with a freshly launched one. Called with p.mu held; may
// release and re-take the lock around the slow launch.
func (p *Pool) freshenLocked(s *Session) (*Session, error) {
	if !s.fatal && s.pagesOpened < p.maxPages {
		return s, nil
	}
	reason := "page budget"
	if s.fatal {
		reason = "fatal error"
	}
	log.Printf("[browser] recycling session after %d pages (%s)", s.pagesOpened, reason)

	p.mu.Unlock()
	p.closeSession(s)
	b, err := p.launcher.Launch()
	p.mu.Lock()
	if err != nil {
		p.created--
		return nil, fmt.Errorf("browser: relaunch: %w", err)
	}
	return &Session{browser: b}, nil
}

func (p *Pool) closeSession(s *Session) {
	if err := s.browser.Close(); err != nil {
		log.Printf("[browser] close session: %v", err)
	}
}

func (p *Pool) removeWaiter(ch chan waiterResult) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()
	// Lost the race with a handoff: the session is ours, give it back.
	if res := <-ch; res.session != nil {
		p.Release(res.session)
	}
}

// Drain closes every session and fails all waiters. Idempotent; in-use
// sessions are closed as they come back through Release.
func (p *Pool) Drain() {
	p.mu.Lock()
	if p.drained {
		p.mu.Unlock()
		return
	}
	p.drained = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.created -= len(idle)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- waiterResult{err: ErrDrained}
	}
	for _, s := range idle {
		p.closeSession(s)
	}
	log.Printf("[browser] pool drained (%d idle sessions closed)", len(idle))
}

// Healthy reports whether the pool can serve acquisitions.
func (p *Pool) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.drained
}

// Stats returns a snapshot for the status endpoint.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:    p.size,
		InUse:   p.inUse,
		Idle:    len(p.idle),
		Waiters: len(p.waiters),
	}
}
