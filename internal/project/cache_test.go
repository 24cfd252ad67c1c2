package project

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inlet/internal/logger"
)

type stubFetcher struct {
	mu      sync.Mutex
	calls   int32
	delay   time.Duration
	results []fetchOutcome
}

type fetchOutcome struct {
	state *State
	err   error
}

func (f *stubFetcher) FetchProjectState(ctx context.Context, id ID) (*State, error) {
	n := atomic.AddInt32(&f.calls, 1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	r := f.results[idx]
	if r.state != nil {
		state := *r.state
		return &state, r.err
	}
	return nil, r.err
}

func (f *stubFetcher) callCount() int {
	return int(atomic.LoadInt32(&f.calls))
}

func validState() *State {
	return &State{
		OrganizationID: "org-1",
		PublicKeys: []PublicKey{
			{ID: "key-1", Enabled: true},
		},
	}
}

func newTestCache(t *testing.T, cfg CacheConfig, fetcher Fetcher) *Cache {
	t.Helper()
	c := NewCache(cfg, fetcher, logger.NopLogger())
	t.Cleanup(c.Close)
	return c
}

func TestCache_ConcurrentColdLookupsCoalesce(t *testing.T) {
	fetcher := &stubFetcher{
		delay:   50 * time.Millisecond,
		results: []fetchOutcome{{state: validState()}},
	}
	cache := newTestCache(t, DefaultCacheConfig(), fetcher)

	const waiters = 20
	var wg sync.WaitGroup
	states := make([]*State, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i], errs[i] = cache.GetOrFetch(context.Background(), "42")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, fetcher.callCount(), "concurrent cold lookups must share one fetch")
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, states[i])
		assert.Equal(t, ID("42"), states[i].ProjectID)
	}
}

func TestCache_FreshEntryServedWithoutFetch(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchOutcome{{state: validState()}}}
	cache := newTestCache(t, DefaultCacheConfig(), fetcher)

	first, err := cache.GetOrFetch(context.Background(), "42")
	require.NoError(t, err)

	second, err := cache.GetOrFetch(context.Background(), "42")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, fetcher.callCount())
}

func TestCache_StaleEntryServedWhileSingleRefreshRuns(t *testing.T) {
	fetcher := &stubFetcher{
		delay:   30 * time.Millisecond,
		results: []fetchOutcome{{state: validState()}},
	}
	cfg := DefaultCacheConfig()
	cfg.Validity = 20 * time.Millisecond
	cache := newTestCache(t, cfg, fetcher)

	_, err := cache.GetOrFetch(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.callCount())

	time.Sleep(25 * time.Millisecond)

	// Repeated stale reads return immediately and trigger at most one
	// background refresh between them.
	for i := 0; i < 10; i++ {
		state, err := cache.GetOrFetch(context.Background(), "42")
		require.NoError(t, err)
		require.NotNil(t, state)
	}

	require.Eventually(t, func() bool {
		return fetcher.callCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestCache_NotFoundEntersNegativeCache(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchOutcome{{err: ErrProjectNotFound}}}
	cfg := DefaultCacheConfig()
	cfg.NegativeTTL = time.Minute
	cache := newTestCache(t, cfg, fetcher)

	_, err := cache.GetOrFetch(context.Background(), "404")
	assert.ErrorIs(t, err, ErrUnknownProject)
	require.Equal(t, 1, fetcher.callCount())

	// Within the negative window no new fetch is attempted.
	for i := 0; i < 5; i++ {
		_, err = cache.GetOrFetch(context.Background(), "404")
		assert.ErrorIs(t, err, ErrUnknownProject)
	}
	assert.Equal(t, 1, fetcher.callCount())
}

func TestCache_NegativeWindowExpiryAllowsRefetch(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchOutcome{
		{err: ErrProjectNotFound},
		{state: validState()},
	}}
	cfg := DefaultCacheConfig()
	cfg.NegativeTTL = 10 * time.Millisecond
	cache := newTestCache(t, cfg, fetcher)

	_, err := cache.GetOrFetch(context.Background(), "42")
	assert.ErrorIs(t, err, ErrUnknownProject)

	time.Sleep(15 * time.Millisecond)

	state, err := cache.GetOrFetch(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, ID("42"), state.ProjectID)
	assert.Equal(t, 2, fetcher.callCount())
}

func TestCache_FetchFailureKeepsServingStaleState(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchOutcome{
		{state: validState()},
		{err: errors.New("upstream down")},
	}}
	cfg := DefaultCacheConfig()
	cfg.Validity = 10 * time.Millisecond
	cache := newTestCache(t, cfg, fetcher)

	first, err := cache.GetOrFetch(context.Background(), "42")
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)

	// The stale read triggers a refresh that fails; the old state keeps
	// being served.
	state, err := cache.GetOrFetch(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, first.OrganizationID, state.OrganizationID)

	require.Eventually(t, func() bool {
		return fetcher.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	state, err = cache.GetOrFetch(context.Background(), "42")
	require.NoError(t, err)
	require.NotNil(t, state)
}

func TestCache_CallerCancellationDoesNotCancelFetch(t *testing.T) {
	fetcher := &stubFetcher{
		delay:   50 * time.Millisecond,
		results: []fetchOutcome{{state: validState()}},
	}
	cache := newTestCache(t, DefaultCacheConfig(), fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := cache.GetOrFetch(ctx, "42")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The fetch keeps running on the cache's own context and lands.
	require.Eventually(t, func() bool {
		state, ok := cache.Peek("42")
		return ok && state != nil
	}, time.Second, 5*time.Millisecond)
}

func TestCache_InvalidateEvicts(t *testing.T) {
	fetcher := &stubFetcher{results: []fetchOutcome{{state: validState()}}}
	cache := newTestCache(t, DefaultCacheConfig(), fetcher)

	_, err := cache.GetOrFetch(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	cache.Invalidate("42")
	assert.Equal(t, 0, cache.Len())

	_, ok := cache.Peek("42")
	assert.False(t, ok)

	_, err = cache.GetOrFetch(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, 2, fetcher.callCount())

	// Evicting an unknown project is a no-op.
	cache.Invalidate("other")
	assert.Equal(t, 1, cache.Len())
}

func TestNegativeBackoffGrowsAndCaps(t *testing.T) {
	cfg := DefaultCacheConfig()
	cfg.NegativeTTL = 10 * time.Second
	cfg.MaxNegativeTTL = 60 * time.Second
	c := NewCache(cfg, &stubFetcher{results: []fetchOutcome{{}}}, logger.NopLogger())
	defer c.Close()

	assert.Equal(t, 10*time.Second, c.negativeBackoff(1))
	assert.Equal(t, 20*time.Second, c.negativeBackoff(2))
	assert.Equal(t, 40*time.Second, c.negativeBackoff(3))
	assert.Equal(t, 60*time.Second, c.negativeBackoff(4))
	assert.Equal(t, 60*time.Second, c.negativeBackoff(10))
}
