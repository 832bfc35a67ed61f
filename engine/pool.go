package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultPoolSize = 2
	AcquireTimeout  = 5 * time.Second

	replenishBackoff    = 500 * time.Millisecond
	maxReplenishBackoff = 30 * time.Second
)

var (
	ErrPoolClosed     = errors.New("pool is closed")
	ErrAcquireTimeout = errors.New("timeout waiting for available session")
)

type destroyer interface {
	Destroy()
}

// Pool hands out exclusive sessions to concurrent callers. Sessions that fail
// are discarded and rebuilt in the background by the factory, retrying with
// backoff until the rebuild succeeds or the pool is destroyed.
type Pool[T destroyer] struct {
	sessions chan T
	size     int
	factory  func() (T, error)
	backoff  time.Duration
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	stats  PoolStats
}

// PoolStats is a snapshot of pool activity. Live counts sessions that exist,
// idle or in use; it drops below Size while discarded sessions are rebuilt.
type PoolStats struct {
	Size              int
	Live              int
	InUse             int
	TotalAcquired     int64
	TotalReleased     int64
	AcquireFailures   int64
	Discarded         int64
	ReplenishFailures int64
	LastError         string
	WaitTime          time.Duration
}

func NewPool[T destroyer](size int, factory func() (T, error)) (*Pool[T], error) {
	if size <= 0 {
		size = DefaultPoolSize
	}

	pool := &Pool[T]{
		sessions: make(chan T, size),
		size:     size,
		factory:  factory,
		backoff:  replenishBackoff,
		done:     make(chan struct{}),
	}
	pool.stats.Size = size

	for i := 0; i < size; i++ {
		session, err := factory()
		if err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		pool.sessions <- session
		pool.stats.Live++
	}

	return pool, nil
}

func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	if p.isClosed() {
		return zero, ErrPoolClosed
	}

	start := time.Now()
	defer func() {
		p.mu.Lock()
		p.stats.WaitTime += time.Since(start)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case session, ok := <-p.sessions:
		if !ok {
			return zero, ErrPoolClosed
		}
		p.mu.Lock()
		p.stats.InUse++
		p.stats.TotalAcquired++
		p.mu.Unlock()
		return session, nil
	case <-timer.C:
		p.mu.Lock()
		p.stats.AcquireFailures++
		p.mu.Unlock()
		return zero, ErrAcquireTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (p *Pool[T]) Release(session T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.InUse--
	p.stats.TotalReleased++
	if p.closed {
		session.Destroy()
		return
	}
	p.sessions <- session
}

// Discard destroys a session that failed and schedules a replacement.
func (p *Pool[T]) Discard(session T) {
	session.Destroy()

	p.mu.Lock()
	p.stats.InUse--
	p.stats.Live--
	p.stats.Discarded++
	closed := p.closed
	p.mu.Unlock()

	if !closed {
		go p.replenish()
	}
}

func (p *Pool[T]) replenish() {
	delay := p.backoff
	for {
		session, err := p.factory()
		if err == nil {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed {
				session.Destroy()
				return
			}
			p.sessions <- session
			p.stats.Live++
			p.stats.LastError = ""
			return
		}

		p.mu.Lock()
		p.stats.LastError = err.Error()
		p.stats.ReplenishFailures++
		p.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-p.done:
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, maxReplenishBackoff)
	}
}

func (p *Pool[T]) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.closed = true
	close(p.done)
	close(p.sessions)

	for session := range p.sessions {
		session.Destroy()
	}
}

func (p *Pool[T]) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pool[T]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
