// Package sesscache keeps one live remote session per key (bucket) and hands
// it out to one caller at a time.
//
// Establishing a remote session (connect + authenticate) is expensive compared
// to a single listing or read, so drivers such as FTP and SFTP borrow their
// session from a Cache instead of dialing per request. Sessions that see no
// use for IdleTimeout are closed by a background sweeper; sessions that fail
// mid-use are torn down on release and never handed out again.
//
// Usage:
//
//	lease, err := cache.Acquire(ctx, bucket, fingerprint, dial)
//	if err != nil { ... }
//	err = doWork(ctx, lease.Session())
//	lease.Release(err)
package sesscache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koustreak/bucketgw/internal/errs"
	"github.com/koustreak/bucketgw/internal/logger"
	"github.com/koustreak/bucketgw/internal/metrics"
)

// Session is a live remote connection.
type Session interface {
	// Close ends the session gracefully (e.g. FTP QUIT).
	Close() error

	// Abort drops the underlying transport immediately, unblocking any I/O
	// in progress. It must be safe to call concurrently with other methods.
	Abort()
}

// DialFunc establishes a new session. ctx bounds connect and authentication.
type DialFunc[S Session] func(ctx context.Context) (S, error)

// Config tunes a Cache.
type Config struct {
	// Name labels metrics and log lines (usually the driver key).
	Name string

	// IdleTimeout is how long a session may sit unused before it is closed.
	IdleTimeout time.Duration

	// SweepInterval is how often idle sessions are looked for.
	// Zero disables the background sweeper.
	SweepInterval time.Duration

	// CloseGrace bounds a graceful Close before the transport is aborted.
	CloseGrace time.Duration

	// Poisons reports whether an error returned by an operation leaves the
	// session unusable. Defaults to connection failures and timeouts.
	Poisons func(error) bool

	Logger *logger.Logger
}

// DefaultConfig returns the settings used for remote drivers.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:          name,
		IdleTimeout:   300 * time.Second,
		SweepInterval: 30 * time.Second,
		CloseGrace:    100 * time.Millisecond,
	}
}

// close reasons, used as metric labels
const (
	reasonIdle     = "idle"
	reasonPoisoned = "poisoned"
	reasonStale    = "stale"
	reasonEvicted  = "evicted"
	reasonShutdown = "shutdown"
)

// Cache is safe for concurrent use by multiple goroutines.
type Cache[S Session] struct {
	cfg     Config
	log     *logger.Logger
	poisons func(error) bool
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry[S]
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// entry is the cache slot for one key. Holding the token in lock grants
// exclusive use of every field except doomed.
type entry[S Session] struct {
	key  string
	lock chan struct{}

	sess        S
	ready       bool
	fingerprint uint64
	expires     time.Time

	// dead entries have left the map; whoever locks one must start over.
	dead bool

	// doomed is set by Evict and Close; the next holder tears the session
	// down.
	doomed atomic.Bool
}

// New creates a Cache and starts its sweeper.
func New[S Session](cfg *Config) *Cache[S] {
	if cfg == nil {
		cfg = DefaultConfig("sessions")
	}
	c := &Cache[S]{
		cfg:     *cfg,
		log:     cfg.Logger,
		poisons: cfg.Poisons,
		now:     time.Now,
		entries: make(map[string]*entry[S]),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if c.log == nil {
		c.log = logger.Global()
	}
	if c.poisons == nil {
		c.poisons = func(err error) bool {
			return errs.IsConnectionFailed(err) || errs.IsTimeout(err)
		}
	}

	if c.cfg.SweepInterval > 0 {
		go c.sweepLoop()
	} else {
		close(c.done)
	}
	return c
}

// Acquire returns exclusive use of the session for key, dialing one when the
// key has none yet or when the cached one was dialed with a different
// fingerprint. It blocks while another caller holds the session.
//
// The lease MUST be released exactly once. If ctx is cancelled while the
// lease is held the session transport is aborted and the session is discarded
// on release.
func (c *Cache[S]) Acquire(ctx context.Context, key string, fingerprint uint64, dial DialFunc[S]) (*Lease[S], error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, errs.New(errs.ErrKindConnectionFailed, "session cache is closed")
		}
		e, ok := c.entries[key]
		if !ok {
			e = &entry[S]{key: key, lock: make(chan struct{}, 1)}
			c.entries[key] = e
		}
		c.mu.Unlock()

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, errs.Wrap(errs.ErrKindTimeout, "waiting for session", context.Cause(ctx))
		}

		if e.dead {
			// lost a race with a teardown
			<-e.lock
			continue
		}

		if e.ready && e.doomed.Load() {
			c.closeSession(e, reasonEvicted)
		} else if e.ready && e.fingerprint != fingerprint {
			c.closeSession(e, reasonStale)
		}
		e.doomed.Store(false)

		if !e.ready {
			sess, err := dial(ctx)
			metrics.RecordSessionDial(c.cfg.Name, err == nil)
			if err != nil {
				c.remove(e)
				<-e.lock
				return nil, dialError(err)
			}
			e.sess, e.ready, e.fingerprint = sess, true, fingerprint
			c.log.With().Str("cache", c.cfg.Name).Str("key", key).Logger().Debug("session established")
		}

		e.expires = c.now().Add(c.cfg.IdleTimeout)

		l := &Lease[S]{cache: c, e: e}
		sess := e.sess
		l.stop = context.AfterFunc(ctx, func() { sess.Abort() })
		return l, nil
	}
}

// Evict discards the session cached under key. A session currently in use is
// discarded when its holder releases it.
func (c *Cache[S]) Evict(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	e.doomed.Store(true)
	select {
	case e.lock <- struct{}{}:
	default:
		return
	}
	if !e.dead {
		if e.ready {
			c.closeSession(e, reasonEvicted)
		}
		c.remove(e)
	}
	<-e.lock
}

// Len returns the number of keys currently cached.
func (c *Cache[S]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the sweeper and closes every cached session concurrently.
// Graceful close failures are ignored. Sessions still in use when ctx expires
// are closed by their holders on release and reported in the returned error.
func (c *Cache[S]) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	entries := make([]*entry[S], 0, len(c.entries))
	for _, e := range c.entries {
		// holders that outlive ctx tear their session down on release
		e.doomed.Store(true)
		entries = append(entries, e)
	}
	c.entries = make(map[string]*entry[S])
	c.mu.Unlock()

	close(c.stop)
	<-c.done

	var busy atomic.Int32
	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			select {
			case e.lock <- struct{}{}:
			case <-ctx.Done():
				busy.Add(1)
				return nil
			}
			if !e.dead && e.ready {
				c.closeSession(e, reasonShutdown)
			}
			e.dead = true
			<-e.lock
			return nil
		})
	}
	_ = g.Wait()

	if n := busy.Load(); n > 0 {
		return errs.Wrap(errs.ErrKindTimeout, "sessions still in use at shutdown", ctx.Err())
	}
	return nil
}

// Lease is exclusive use of one cached session.
type Lease[S Session] struct {
	cache    *Cache[S]
	e        *entry[S]
	stop     func() bool
	released atomic.Bool
}

// Session returns the leased session.
func (l *Lease[S]) Session() S {
	return l.e.sess
}

// Release returns the session to the cache. err is the outcome of the work
// done with it; errors that poison the session, and sessions aborted through
// context cancellation, cause synchronous teardown instead of reuse.
// Calls after the first are no-ops.
func (l *Lease[S]) Release(err error) {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	c, e := l.cache, l.e

	aborted := !l.stop()
	switch {
	case aborted:
		c.discard(e, reasonPoisoned)
	case err != nil && c.poisons(err):
		c.discard(e, reasonPoisoned)
	case e.doomed.Load():
		e.doomed.Store(false)
		reason := reasonEvicted
		if c.isClosed() {
			reason = reasonShutdown
		}
		c.discard(e, reason)
	default:
		e.expires = c.now().Add(c.cfg.IdleTimeout)
	}
	<-e.lock
}

func (c *Cache[S]) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// discard closes the session of a locked entry and drops it from the map.
func (c *Cache[S]) discard(e *entry[S], reason string) {
	if e.ready {
		c.closeSession(e, reason)
	}
	c.remove(e)
}

// remove drops a locked entry from the map and marks it dead.
func (c *Cache[S]) remove(e *entry[S]) {
	c.mu.Lock()
	if cur, ok := c.entries[e.key]; ok && cur == e {
		delete(c.entries, e.key)
	}
	c.mu.Unlock()
	e.dead = true
}

// closeSession tears down the session of a locked entry, giving Close
// CloseGrace to finish before the transport is aborted.
func (c *Cache[S]) closeSession(e *entry[S], reason string) {
	sess := e.sess
	var zero S
	e.sess, e.ready = zero, false

	done := make(chan error, 1)
	go func() { done <- sess.Close() }()

	timer := time.NewTimer(c.cfg.CloseGrace)
	defer timer.Stop()

	log := c.log.With().Str("cache", c.cfg.Name).Str("key", e.key).Str("reason", reason).Logger()
	select {
	case err := <-done:
		if err != nil {
			log.With().Err(err).Logger().Debug("session close failed")
		}
	case <-timer.C:
		sess.Abort()
		log.Debug("session close timed out, transport aborted")
	}

	metrics.RecordSessionClose(c.cfg.Name, reason)
	log.Debug("session closed")
}

func (c *Cache[S]) sweepLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep closes sessions whose idle deadline has passed. Entries that are in
// use are skipped; their deadline is re-armed on release anyway.
func (c *Cache[S]) sweep() {
	c.mu.Lock()
	entries := make([]*entry[S], 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	now := c.now()
	for _, e := range entries {
		select {
		case e.lock <- struct{}{}:
		default:
			continue
		}
		if !e.dead {
			switch {
			case !e.ready:
				// abandoned before the first dial completed
				c.remove(e)
			case e.doomed.Load():
				c.discard(e, reasonEvicted)
			case now.After(e.expires):
				c.discard(e, reasonIdle)
			}
		}
		<-e.lock
	}
}

func dialError(err error) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Wrap(errs.ErrKindTimeout, "session dial aborted", err)
	}
	return errs.Wrap(errs.ErrKindConnectionFailed, "session dial failed", err)
}
