package sesscache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id         int
	closeDelay time.Duration
	closed     atomic.Bool
	aborted    atomic.Bool
	inUse      atomic.Int32
}

func (s *fakeSession) Close() error {
	if s.closeDelay > 0 {
		time.Sleep(s.closeDelay)
	}
	s.closed.Store(true)
	return errors.New("421 bye")
}

func (s *fakeSession) Abort() {
	s.aborted.Store(true)
}

type dialer struct {
	mu         sync.Mutex
	dials      int
	fail       error
	closeDelay time.Duration
	sessions   []*fakeSession
}

func (d *dialer) dial(ctx context.Context) (*fakeSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != nil {
		return nil, d.fail
	}
	s := &fakeSession{id: d.dials, closeDelay: d.closeDelay}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T) (*Cache[*fakeSession], *clock) {
	t.Helper()
	cfg := DefaultConfig("test")
	cfg.SweepInterval = 0
	cfg.CloseGrace = 50 * time.Millisecond
	cfg.Logger = logger.Nop()

	c := New[*fakeSession](cfg)
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.now = clk.Now
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, clk
}

func TestAcquire_ReusesSession(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}
	ctx := context.Background()

	first, err := c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	s1 := first.Session()
	first.Release(nil)

	second, err := c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	defer second.Release(nil)

	assert.Same(t, s1, second.Session())
	assert.Equal(t, 1, d.count())
	assert.False(t, s1.closed.Load())
}

func TestAcquire_SerializesPerKey(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}

	var maxInUse atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := c.Acquire(context.Background(), "tBcftp", 1, d.dial)
			if !assert.NoError(t, err) {
				return
			}
			s := lease.Session()
			n := s.inUse.Add(1)
			for {
				cur := maxInUse.Load()
				if n <= cur || maxInUse.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			s.inUse.Add(-1)
			lease.Release(nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInUse.Load())
	assert.Equal(t, 1, d.count())
}

func TestAcquire_DifferentKeysDoNotBlock(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}

	held, err := c.Acquire(context.Background(), "a", 1, d.dial)
	require.NoError(t, err)
	defer held.Release(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := c.Acquire(ctx, "b", 1, d.dial)
	require.NoError(t, err)
	other.Release(nil)

	assert.NotSame(t, held.Session(), other.Session())
	assert.Equal(t, 2, c.Len())
}

func TestSweep_IdleSessionIsRedialed(t *testing.T) {
	c, clk := newTestCache(t)
	d := &dialer{}
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	s1 := lease.Session()
	lease.Release(nil)

	clk.Advance(299 * time.Second)
	c.sweep()
	assert.False(t, s1.closed.Load(), "still inside the idle window")

	clk.Advance(2 * time.Second)
	c.sweep()
	assert.True(t, s1.closed.Load())
	assert.Equal(t, 0, c.Len())

	lease, err = c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	defer lease.Release(nil)
	assert.NotSame(t, s1, lease.Session())
	assert.Equal(t, 2, d.count())
}

func TestSweep_ReleaseRearmsDeadline(t *testing.T) {
	c, clk := newTestCache(t)
	d := &dialer{}

	lease, err := c.Acquire(context.Background(), "tBcftp", 1, d.dial)
	require.NoError(t, err)
	clk.Advance(250 * time.Second)
	lease.Release(nil)

	clk.Advance(100 * time.Second)
	c.sweep()
	assert.False(t, lease.Session().closed.Load())
}

func TestSweep_SkipsSessionInUse(t *testing.T) {
	c, clk := newTestCache(t)
	d := &dialer{}

	lease, err := c.Acquire(context.Background(), "tBcftp", 1, d.dial)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	c.sweep()
	assert.False(t, lease.Session().closed.Load())

	lease.Release(nil)
	assert.Equal(t, 1, c.Len())
}

func TestAcquire_DialFailureDiscardsEntry(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{fail: errors.New("dial tcp: connection refused")}
	ctx := context.Background()

	_, err := c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.Error(t, err)
	assert.True(t, errs.IsConnectionFailed(err))
	assert.Equal(t, 0, c.Len())

	d.mu.Lock()
	d.fail = nil
	d.mu.Unlock()

	lease, err := c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	lease.Release(nil)
	assert.Equal(t, 2, d.count())
}

func TestAcquire_DialErrorKindPreserved(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{fail: errs.New(errs.ErrKindPermissionDenied, "530 login incorrect")}

	_, err := c.Acquire(context.Background(), "tBcftp", 1, d.dial)
	assert.True(t, errs.IsPermissionDenied(err))
}

func TestRelease_PoisonedSessionIsTornDown(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	s1 := lease.Session()
	lease.Release(errs.New(errs.ErrKindConnectionFailed, "broken pipe"))

	assert.True(t, s1.closed.Load())
	assert.Equal(t, 0, c.Len())

	lease, err = c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	defer lease.Release(nil)
	assert.NotSame(t, s1, lease.Session())
}

func TestRelease_OrdinaryErrorKeepsSession(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	s1 := lease.Session()
	lease.Release(errs.New(errs.ErrKindNotFound, "550 no such file"))

	lease, err = c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	defer lease.Release(nil)
	assert.Same(t, s1, lease.Session())
}

func TestRelease_Twice(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}

	lease, err := c.Acquire(context.Background(), "tBcftp", 1, d.dial)
	require.NoError(t, err)
	lease.Release(nil)
	lease.Release(errs.New(errs.ErrKindConnectionFailed, "late"))

	assert.False(t, lease.Session().closed.Load())
}

func TestAcquire_FingerprintChangeRedials(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	s1 := lease.Session()
	lease.Release(nil)

	lease, err = c.Acquire(ctx, "tBcftp", 2, d.dial)
	require.NoError(t, err)
	defer lease.Release(nil)

	assert.True(t, s1.closed.Load())
	assert.NotSame(t, s1, lease.Session())
	assert.Equal(t, 1, c.Len())
}

func TestAcquire_ContextCancelledWhileWaiting(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}

	held, err := c.Acquire(context.Background(), "tBcftp", 1, d.dial)
	require.NoError(t, err)
	defer held.Release(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
}

func TestLease_CancelAbortsAndDiscards(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}

	ctx, cancel := context.WithCancel(context.Background())
	lease, err := c.Acquire(ctx, "tBcftp", 1, d.dial)
	require.NoError(t, err)
	s := lease.Session()

	cancel()
	assert.Eventually(t, s.aborted.Load, time.Second, time.Millisecond)

	lease.Release(nil)
	assert.True(t, s.closed.Load())
	assert.Equal(t, 0, c.Len())
}

func TestEvict(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}
	ctx := context.Background()

	t.Run("idle session closed immediately", func(t *testing.T) {
		lease, err := c.Acquire(ctx, "idle", 1, d.dial)
		require.NoError(t, err)
		s := lease.Session()
		lease.Release(nil)

		c.Evict("idle")
		assert.True(t, s.closed.Load())
	})

	t.Run("busy session closed on release", func(t *testing.T) {
		lease, err := c.Acquire(ctx, "busy", 1, d.dial)
		require.NoError(t, err)
		s := lease.Session()

		c.Evict("busy")
		assert.False(t, s.closed.Load())

		lease.Release(nil)
		assert.True(t, s.closed.Load())
	})

	t.Run("unknown key", func(t *testing.T) {
		c.Evict("nope")
	})

	assert.Equal(t, 0, c.Len())
}

func TestClose_DrainsAllSessions(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		lease, err := c.Acquire(ctx, key, 1, d.dial)
		require.NoError(t, err)
		lease.Release(nil)
	}

	require.NoError(t, c.Close(ctx))
	for _, s := range d.sessions {
		assert.True(t, s.closed.Load())
	}

	_, err := c.Acquire(ctx, "a", 1, d.dial)
	assert.True(t, errs.IsConnectionFailed(err))
	assert.NoError(t, c.Close(ctx), "second close is a no-op")
}

func TestClose_SlowCloseIsAborted(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{closeDelay: time.Second}
	ctx := context.Background()

	lease, err := c.Acquire(ctx, "slow", 1, d.dial)
	require.NoError(t, err)
	s := lease.Session()
	lease.Release(nil)

	start := time.Now()
	require.NoError(t, c.Close(ctx))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.True(t, s.aborted.Load())
}

func TestClose_BusySessionTimesOut(t *testing.T) {
	c, _ := newTestCache(t)
	d := &dialer{}

	lease, err := c.Acquire(context.Background(), "busy", 1, d.dial)
	require.NoError(t, err)
	s := lease.Session()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = c.Close(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsTimeout(err))
	assert.False(t, s.closed.Load())

	// the holder finishing after shutdown still closes the session
	lease.Release(nil)
	assert.True(t, s.closed.Load())
	assert.False(t, s.aborted.Load())
	assert.Equal(t, 0, c.Len())

	_, err = c.Acquire(context.Background(), "busy", 1, d.dial)
	assert.True(t, errs.IsConnectionFailed(err))
}

func TestSweeper_RunsInBackground(t *testing.T) {
	cfg := DefaultConfig("test")
	cfg.IdleTimeout = 10 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.Logger = logger.Nop()
	c := New[*fakeSession](cfg)
	defer c.Close(context.Background())

	d := &dialer{}
	lease, err := c.Acquire(context.Background(), "tBcftp", 1, d.dial)
	require.NoError(t, err)
	s := lease.Session()
	lease.Release(nil)

	assert.Eventually(t, s.closed.Load, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Len())
}
