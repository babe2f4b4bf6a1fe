package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolNeverExceedsConfiguredSize(t *testing.T) {
	const poolSize = 3
	const workers = 10

	store := newTestStore(t, Options{PoolSize: poolSize, CheckoutTimeout: 5 * time.Second})
	ctx := context.Background()

	var (
		current atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithConn(ctx, func(c *Conn) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				current.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(poolSize))
	assert.Equal(t, 0, store.Pool().Stats().CheckedOut)
}

func TestPoolExhaustionTimesOut(t *testing.T) {
	store := newTestStore(t, Options{PoolSize: 1, CheckoutTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	release := make(chan struct{})
	held := make(chan struct{})
	go func() {
		_ = store.WithConn(ctx, func(c *Conn) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := store.WithConn(ctx, func(c *Conn) error { return nil })
	assert.ErrorIs(t, err, ErrPoolExhausted)

	close(release)
}

func TestPoolEmergencyOverflow(t *testing.T) {
	store := newTestStore(t, Options{
		PoolSize:        1,
		EmergencyLimit:  2,
		CheckoutTimeout: time.Second,
	})
	ctx := context.Background()

	release := make(chan struct{})
	var held sync.WaitGroup
	var wg sync.WaitGroup
	held.Add(3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithConn(ctx, func(c *Conn) error {
				held.Done()
				<-release
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	// One regular slot plus two emergency slots all proceed.
	held.Wait()
	stats := store.Pool().Stats()
	assert.Equal(t, 1, stats.CheckedOut)
	assert.Equal(t, 2, stats.EmergencyOut)

	close(release)
	wg.Wait()

	// Emergency connections are closed on release, never pooled.
	stats = store.Pool().Stats()
	assert.Zero(t, stats.EmergencyOut)
	assert.LessOrEqual(t, stats.Idle, 1)
}

func TestPoolRetiresAgedConnections(t *testing.T) {
	store := newTestStore(t, Options{PoolSize: 2, PoolMaxAge: 30 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, store.WithConn(ctx, func(c *Conn) error { return nil }))
	require.Equal(t, 1, store.Pool().Stats().Idle)

	time.Sleep(40 * time.Millisecond)

	// The aged idle connection is retired at checkout, not reused.
	require.NoError(t, store.WithConn(ctx, func(c *Conn) error { return nil }))
	assert.Equal(t, 1, store.Pool().Stats().Idle)
}

func TestWithConnReleasesOnPanic(t *testing.T) {
	store := newTestStore(t, Options{PoolSize: 1, CheckoutTimeout: time.Second})
	ctx := context.Background()

	require.Panics(t, func() {
		_ = store.WithConn(ctx, func(c *Conn) error {
			panic("handler blew up")
		})
	})

	// The slot must be free again.
	err := store.WithConn(ctx, func(c *Conn) error { return nil })
	assert.NoError(t, err)
}

func TestWithConnAfterClose(t *testing.T) {
	store, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.WithConn(context.Background(), func(c *Conn) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWithTxJoinsOuterTransaction(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	id := testClientID(1)

	err := store.WithConn(ctx, func(c *Conn) error {
		return c.WithTx(ctx, func(c *Conn) error {
			if _, err := c.Exec(ctx, `INSERT INTO clients (id, name, last_seen) VALUES (?, ?, ?)`,
				id, "alice", nowUnixMilli()); err != nil {
				return err
			}

			// Nested scope joins the outer transaction instead of erroring.
			return c.WithTx(ctx, func(c *Conn) error {
				assert.True(t, c.InTx())
				_, err := c.Exec(ctx, `UPDATE clients SET name = ? WHERE id = ?`, "alice2", id)
				return err
			})
		})
	})
	require.NoError(t, err)

	got, err := store.GetClientByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice2", got.Name)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t, Options{})
	ctx := context.Background()
	id := testClientID(1)

	boom := errors.New("boom")
	err := store.WithConn(ctx, func(c *Conn) error {
		return c.WithTx(ctx, func(c *Conn) error {
			if _, err := c.Exec(ctx, `INSERT INTO clients (id, name, last_seen) VALUES (?, ?, ?)`,
				id, "alice", nowUnixMilli()); err != nil {
				return err
			}
			return boom
		})
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetClientByID(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}
