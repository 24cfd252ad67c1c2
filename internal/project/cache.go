package project

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"inlet/internal/logger"
	"inlet/pkg/metrics"
	"inlet/pkg/retry"
)

var (
	// ErrProjectNotFound is returned by fetchers when the upstream does
	// not know the project.
	ErrProjectNotFound = errors.New("project not found upstream")

	// ErrUnknownProject is returned to callers when no state could be
	// resolved for a project, either because the upstream rejected it or
	// because it is negative-cached.
	ErrUnknownProject = errors.New("unknown project")
)

type Fetcher interface {
	FetchProjectState(ctx context.Context, id ID) (*State, error)
}

type CacheConfig struct {
	// Validity is how long a fetched state is served without triggering
	// a refresh.
	Validity time.Duration
	// NegativeTTL is the initial negative-cache duration after a failed
	// fetch for a project with no cached state.
	NegativeTTL time.Duration
	// MaxNegativeTTL caps the backoff growth of the negative cache.
	MaxNegativeTTL time.Duration
	// MaxConcurrentFetches bounds parallel upstream fetches across all
	// projects.
	MaxConcurrentFetches int64
	// FetchTimeout bounds one upstream fetch attempt.
	FetchTimeout time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Validity:             5 * time.Minute,
		NegativeTTL:          30 * time.Second,
		MaxNegativeTTL:       10 * time.Minute,
		MaxConcurrentFetches: 100,
		FetchTimeout:         10 * time.Second,
	}
}

// Cache is the process-wide project state cache. It serves fresh entries
// directly, serves stale entries while exactly one background refresh
// runs, and coalesces concurrent cold lookups for the same project into
// a single upstream fetch whose result fans out to every waiter.
type Cache struct {
	cfg     CacheConfig
	fetcher Fetcher
	logger  logger.Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	entries map[ID]*entry

	// baseCtx owns fetch lifetimes. Individual request cancellation
	// never cancels an in-flight fetch since other waiters may depend
	// on it; only Close tears fetches down.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type entry struct {
	state        *State
	fetchedAt    time.Time
	invalidUntil time.Time
	failures     int
	fetching     bool
	done         chan struct{}
}

func NewCache(cfg CacheConfig, fetcher Fetcher, log logger.Logger) *Cache {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultCacheConfig().Validity
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = DefaultCacheConfig().NegativeTTL
	}
	if cfg.MaxNegativeTTL <= 0 {
		cfg.MaxNegativeTTL = DefaultCacheConfig().MaxNegativeTTL
	}
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = DefaultCacheConfig().MaxConcurrentFetches
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultCacheConfig().FetchTimeout
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Cache{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  log,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentFetches),
		entries: make(map[ID]*entry),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// GetOrFetch resolves the project state. Fresh entries return
// immediately; stale entries return immediately while one refresh runs
// in the background; cold entries block until the coalesced fetch
// completes or the caller's context is done.
func (c *Cache) GetOrFetch(ctx context.Context, id ID) (*State, error) {
	c.mu.Lock()

	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
		metrics.ProjectCacheSize.Set(float64(len(c.entries)))
	}

	now := time.Now()

	if e.state != nil {
		state := e.state
		if now.Sub(e.fetchedAt) < c.cfg.Validity {
			c.mu.Unlock()
			metrics.ProjectCacheLookupsTotal.WithLabelValues("hit").Inc()
			return state, nil
		}

		c.startFetchLocked(id, e)
		c.mu.Unlock()
		metrics.ProjectCacheLookupsTotal.WithLabelValues("stale").Inc()
		return state, nil
	}

	if now.Before(e.invalidUntil) {
		c.mu.Unlock()
		metrics.ProjectCacheLookupsTotal.WithLabelValues("negative").Inc()
		return nil, ErrUnknownProject
	}

	c.startFetchLocked(id, e)
	done := e.done
	c.mu.Unlock()
	metrics.ProjectCacheLookupsTotal.WithLabelValues("miss").Inc()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e.state != nil {
		return e.state, nil
	}
	return nil, ErrUnknownProject
}

// Peek returns the cached state without triggering any fetch.
func (c *Cache) Peek(id ID) (*State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || e.state == nil {
		return nil, false
	}
	return e.state, true
}

// Invalidate evicts a project so the next lookup refetches. In-flight
// fetches for the evicted entry still complete and resolve their
// waiters.
func (c *Cache) Invalidate(id ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[id]; !ok {
		return
	}
	delete(c.entries, id)
	metrics.ProjectCacheSize.Set(float64(len(c.entries)))
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close cancels in-flight fetches and waits for their goroutines.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Cache) startFetchLocked(id ID, e *entry) {
	if e.fetching {
		return
	}
	e.fetching = true
	e.done = make(chan struct{})
	done := e.done

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		c.fetch(id, e)
	}()
}

func (c *Cache) fetch(id ID, e *entry) {
	if err := c.sem.Acquire(c.baseCtx, 1); err != nil {
		c.finishFetch(id, e, nil, err)
		return
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	state, err := c.fetcher.FetchProjectState(ctx, id)
	metrics.ObserveProjectFetch(time.Since(start))

	c.finishFetch(id, e, state, err)
}

func (c *Cache) finishFetch(id ID, e *entry, state *State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.fetching = false
	now := time.Now()

	switch {
	case err == nil && state != nil:
		state.ProjectID = id
		state.FetchedAt = now
		state.Status = StatusValid
		e.state = state
		e.fetchedAt = now
		e.failures = 0
		e.invalidUntil = time.Time{}
		metrics.ProjectCacheFetchesTotal.WithLabelValues("ok").Inc()

	case errors.Is(err, ErrProjectNotFound):
		metrics.ProjectCacheFetchesTotal.WithLabelValues("not_found").Inc()
		e.failures++
		if e.state == nil {
			e.invalidUntil = now.Add(c.cfg.NegativeTTL)
		}
		c.logger.Debugw("Project not found upstream",
			"project_id", id.String(),
		)

	default:
		metrics.ProjectCacheFetchesTotal.WithLabelValues("error").Inc()
		e.failures++
		if e.state == nil {
			e.invalidUntil = now.Add(c.negativeBackoff(e.failures))
		}
		c.logger.Warnw("Project state fetch failed",
			"project_id", id.String(),
			"consecutive_failures", e.failures,
			"error", err,
		)
	}
}

// negativeBackoff grows the negative-cache window exponentially with
// consecutive failures, capped. Retries happen on subsequent accesses
// after the window elapses, never synchronously within one lookup.
func (c *Cache) negativeBackoff(failures int) time.Duration {
	return retry.NextDelay(failures-1, c.cfg.NegativeTTL, 2, c.cfg.MaxNegativeTTL)
}
