package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// poolConn is one tracked database connection.
type poolConn struct {
	conn      *sql.Conn
	createdAt time.Time
	lastUsed  time.Time
	emergency bool
}

// Pool is a fixed-size set of reusable database connections with age
// tracking and a bounded emergency overflow.
//
// Invariant: the number of concurrently checked-out regular connections
// never exceeds the configured size. Connections older than the max age are
// closed at checkout and replaced, never handed out again. When the pool is
// exhausted, up to EmergencyLimit overflow connections may be created; they
// are tracked explicitly and closed on release or shutdown.
type Pool struct {
	db *sql.DB

	size           int
	maxAge         time.Duration
	emergencyLimit int
	checkoutWait   time.Duration

	mu             sync.Mutex
	idle           []*poolConn
	regularTotal   int // idle + checked out, excludes emergency
	regularOut     int
	emergencyCount int // reserved emergency slots, including opens in flight
	emergencyOut   map[*poolConn]struct{}
	waiters        []chan struct{}
	closed         bool
}

// PoolStats is a point-in-time snapshot of pool occupancy.
type PoolStats struct {
	Idle         int
	CheckedOut   int
	EmergencyOut int
}

func newPool(db *sql.DB, opts Options) *Pool {
	return &Pool{
		db:             db,
		size:           opts.PoolSize,
		maxAge:         opts.PoolMaxAge,
		emergencyLimit: opts.EmergencyLimit,
		checkoutWait:   opts.CheckoutTimeout,
		emergencyOut:   make(map[*poolConn]struct{}),
	}
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Idle:         len(p.idle),
		CheckedOut:   p.regularOut,
		EmergencyOut: len(p.emergencyOut),
	}
}

// get checks a connection out of the pool, waiting up to the checkout
// timeout for a free slot.
func (p *Pool) get(ctx context.Context) (*poolConn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.checkoutWait)
	defer cancel()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		// Reuse the most recently used idle connection, retiring aged ones.
		for len(p.idle) > 0 {
			pc := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if p.maxAge > 0 && time.Since(pc.createdAt) > p.maxAge {
				p.regularTotal--
				_ = pc.conn.Close()
				continue
			}
			p.regularOut++
			p.mu.Unlock()
			return pc, nil
		}

		if p.regularTotal < p.size {
			p.regularTotal++
			p.regularOut++
			p.mu.Unlock()

			pc, err := p.open(ctx, false)
			if err != nil {
				p.mu.Lock()
				p.regularTotal--
				p.regularOut--
				p.notifyLocked()
				p.mu.Unlock()
				return nil, err
			}
			return pc, nil
		}

		if p.emergencyCount < p.emergencyLimit {
			p.emergencyCount++
			p.mu.Unlock()

			pc, err := p.open(ctx, true)
			if err != nil {
				p.mu.Lock()
				p.emergencyCount--
				p.mu.Unlock()
				return nil, err
			}
			p.mu.Lock()
			p.emergencyOut[pc] = struct{}{}
			p.mu.Unlock()
			return pc, nil
		}

		// Pool exhausted; wait for a release.
		wait := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			p.dropWaiter(wait)
			return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
		}
	}
}

// put returns a connection to the pool. Unhealthy and emergency connections
// are closed instead of rejoining the available set.
func (p *Pool) put(pc *poolConn, healthy bool) {
	p.mu.Lock()

	if pc.emergency {
		delete(p.emergencyOut, pc)
		p.emergencyCount--
		p.notifyLocked()
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}

	p.regularOut--
	expired := p.maxAge > 0 && time.Since(pc.createdAt) > p.maxAge
	if !healthy || expired || p.closed {
		p.regularTotal--
		p.notifyLocked()
		p.mu.Unlock()
		_ = pc.conn.Close()
		return
	}

	pc.lastUsed = time.Now()
	p.idle = append(p.idle, pc)
	p.notifyLocked()
	p.mu.Unlock()
}

// shutdown closes all idle connections and every tracked emergency
// connection, and fails all waiters.
func (p *Pool) shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	p.regularTotal -= len(idle)

	emergency := make([]*poolConn, 0, len(p.emergencyOut))
	for pc := range p.emergencyOut {
		emergency = append(emergency, pc)
	}
	p.emergencyOut = make(map[*poolConn]struct{})

	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, pc := range idle {
		_ = pc.conn.Close()
	}
	for _, pc := range emergency {
		_ = pc.conn.Close()
	}
}

func (p *Pool) open(ctx context.Context, emergency bool) (*poolConn, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("open pool connection: %w", err)
	}
	now := time.Now()
	return &poolConn{conn: conn, createdAt: now, lastUsed: now, emergency: emergency}, nil
}

func (p *Pool) notifyLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

func (p *Pool) dropWaiter(wait chan struct{}) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	// A release may have signaled us while we were timing out; pass it on.
	select {
	case <-wait:
		p.notifyLocked()
	default:
	}
	p.mu.Unlock()
}
