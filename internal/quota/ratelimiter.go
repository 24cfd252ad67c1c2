package quota

import (
	"context"
	"sync"
	"time"

	"inlet/internal/constants"
	"inlet/internal/envelope"
	"inlet/internal/logger"
	"inlet/pkg/metrics"
)

// RateLimiterConfig tunes the limiter around its store.
type RateLimiterConfig struct {
	// VerdictCacheTTL bounds how long a local "exceeded" verdict is
	// trusted without consulting the store again.
	VerdictCacheTTL time.Duration
	// OnStoreError picks the admission policy while the store is
	// unreachable: constants.FallbackAllow or constants.FallbackDeny.
	OnStoreError string
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		VerdictCacheTTL: constants.DefaultVerdictCacheTTL,
		OnStoreError:    constants.FallbackAllow,
	}
}

type verdictKey struct {
	scope    Scope
	scopeID  string
	category envelope.DataCategory
}

type cachedVerdict struct {
	limit RateLimit
	until time.Time
}

// RateLimiter evaluates the applicable quotas for one item and charges
// the shared counters when the item is admitted. Rejections never
// increment any counter.
type RateLimiter struct {
	store  Store
	config RateLimiterConfig
	logger logger.Logger

	mu       sync.Mutex
	verdicts map[verdictKey]cachedVerdict
}

func NewRateLimiter(store Store, config RateLimiterConfig, log logger.Logger) *RateLimiter {
	if config.VerdictCacheTTL <= 0 {
		config.VerdictCacheTTL = constants.DefaultVerdictCacheTTL
	}
	if config.OnStoreError == "" {
		config.OnStoreError = constants.FallbackAllow
	}
	return &RateLimiter{
		store:    store,
		config:   config,
		logger:   log,
		verdicts: make(map[verdictKey]cachedVerdict),
	}
}

// CheckAndCharge admits or rejects one item of the given category. A nil
// RateLimit means the item was admitted and every matching counter was
// incremented. A non-nil RateLimit means the item must be dropped and no
// counter changed.
func (r *RateLimiter) CheckAndCharge(ctx context.Context, quotas []Quota, category envelope.DataCategory, scopes ScopeKeys) (*RateLimit, error) {
	now := time.Now()

	matching := make([]*Quota, 0, len(quotas))
	for i := range quotas {
		q := &quotas[i]
		if !q.Matches(category) || q.Unlimited() {
			continue
		}
		matching = append(matching, q)
	}
	if len(matching) == 0 {
		return nil, nil
	}

	// A recent store verdict for any matching quota short-circuits the
	// round-trip entirely; the counters were not going to move anyway.
	if cached := r.cachedRejection(matching, category, scopes, now); cached != nil {
		metrics.QuotaVerdictCacheHitsTotal.Inc()
		return cached, nil
	}

	buckets := make([]Bucket, len(matching))
	for i, q := range matching {
		buckets[i] = Bucket{
			Key:   CounterKey(q, scopes.For(q.Scope), category, now),
			Limit: *q.Limit,
			// Counters outlive their window by one more window so
			// late readers still see the closed bucket.
			TTLSeconds: q.WindowSeconds * 2,
		}
	}

	exceeded, err := r.store.CheckAndIncrement(ctx, buckets)
	if err != nil {
		return r.storeErrorVerdict(category, err)
	}
	if len(exceeded) == 0 {
		return nil, nil
	}

	// Several quotas can trip on the same item; the shortest window
	// wins because it promises the earliest recovery to the sender.
	chosen := matching[exceeded[0]]
	for _, idx := range exceeded[1:] {
		if matching[idx].WindowSeconds < chosen.WindowSeconds {
			chosen = matching[idx]
		}
	}

	limit := r.buildLimit(chosen, category, now)
	for _, idx := range exceeded {
		r.cacheVerdict(matching[idx], category, scopes, now)
	}
	return &limit, nil
}

func (r *RateLimiter) buildLimit(q *Quota, category envelope.DataCategory, now time.Time) RateLimit {
	categories := q.Categories
	if len(categories) == 0 {
		categories = []envelope.DataCategory{category}
	}
	return RateLimit{
		Categories: categories,
		RetryAfter: retryAfter(q, now),
		ReasonCode: q.ReasonCode,
		Scope:      q.Scope,
	}
}

// retryAfter is the time left until the current window rolls over.
func retryAfter(q *Quota, now time.Time) time.Duration {
	if q.WindowSeconds <= 0 {
		return time.Second
	}
	remaining := q.WindowSeconds - now.Unix()%q.WindowSeconds
	return time.Duration(remaining) * time.Second
}

func (r *RateLimiter) cachedRejection(matching []*Quota, category envelope.DataCategory, scopes ScopeKeys, now time.Time) *RateLimit {
	r.mu.Lock()
	defer r.mu.Unlock()

	var chosen *RateLimit
	var chosenWindow int64
	for _, q := range matching {
		key := verdictKey{scope: q.Scope, scopeID: scopes.For(q.Scope), category: category}
		v, ok := r.verdicts[key]
		if !ok {
			continue
		}
		if now.After(v.until) {
			delete(r.verdicts, key)
			continue
		}
		if chosen == nil || q.WindowSeconds < chosenWindow {
			limit := v.limit
			limit.RetryAfter = retryAfter(q, now)
			chosen = &limit
			chosenWindow = q.WindowSeconds
		}
	}
	return chosen
}

func (r *RateLimiter) cacheVerdict(q *Quota, category envelope.DataCategory, scopes ScopeKeys, now time.Time) {
	ttl := r.config.VerdictCacheTTL
	if after := retryAfter(q, now); after < ttl {
		ttl = after
	}
	if ttl <= 0 {
		return
	}

	key := verdictKey{scope: q.Scope, scopeID: scopes.For(q.Scope), category: category}
	r.mu.Lock()
	r.verdicts[key] = cachedVerdict{
		limit: r.buildLimit(q, category, now),
		until: now.Add(ttl),
	}
	r.mu.Unlock()
}

// storeErrorVerdict applies the configured admission policy while the
// store is unreachable. Allowing trades possible over-admission for
// availability; denying does the opposite.
func (r *RateLimiter) storeErrorVerdict(category envelope.DataCategory, err error) (*RateLimit, error) {
	metrics.FallbackUsageTotal.WithLabelValues("quota", r.config.OnStoreError).Inc()

	if r.config.OnStoreError == constants.FallbackDeny {
		r.logger.Warnw("quota store unavailable, denying item",
			"category", category,
			"error", err,
		)
		return &RateLimit{
			Categories: []envelope.DataCategory{category},
			RetryAfter: constants.StoreErrorRetryAfter,
			ReasonCode: "quota_store_unavailable",
			Scope:      ScopeProject,
		}, nil
	}

	r.logger.Warnw("quota store unavailable, allowing item",
		"category", category,
		"error", err,
	)
	return nil, nil
}
