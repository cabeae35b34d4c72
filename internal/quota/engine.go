// Package quota is the Quota Engine: multi-layer rate limiting
// (concurrency, sliding window, burst window, token bucket) with
// priority boosting and graceful degradation, backed by Redis sorted
// sets/hashes, with a local token-bucket fallback when no Redis client is
// configured. Any internal failure, including an unreachable Redis, fails
// open.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/previewctl/orchestrator/internal/telemetry"
	"github.com/previewctl/orchestrator/internal/tier"
)

const burstWindow = 60 * time.Second

// TierResolver looks up a user's subscription tier, e.g. from an external
// billing/account service.
type TierResolver interface {
	ResolveTier(ctx context.Context, userID string) (string, error)
}

// Decision is check's result.
type Decision struct {
	Allowed        bool
	Remaining      int
	Limit          int
	Reset          time.Time
	RetryAfter     time.Duration
	Tier           string
	BurstRemaining *int
	Degraded       bool
}

// DegradationPlan is the derived fallback a caller receives when a
// graceful-degradation-eligible request is denied but can still be
// served in reduced form.
type DegradationPlan struct {
	Resource    string
	Description string
	Params      map[string]any
}

// domainDegradations maps a resource to the reduction applied when its
// quota is exhausted but graceful degradation was requested.
var domainDegradations = map[string]DegradationPlan{
	"code_generation": {
		Resource:    "code_generation",
		Description: "reduced context window",
		Params:      map[string]any{"max_context_tokens": 2048},
	},
	"quality_analysis": {
		Resource:    "quality_analysis",
		Description: "skip deep scans",
		Params:      map[string]any{"deep_scan": false},
	},
}

// tierCacheEntry holds a resolved tier with its expiry.
type tierCacheEntry struct {
	tier    string
	expires time.Time
}

// Engine implements the Quota Engine. It owns all rate-limit state
// exclusively.
type Engine struct {
	redis    *redis.Client
	resolver TierResolver
	logger   *slog.Logger

	mu        sync.Mutex
	tierCache map[string]tierCacheEntry
	boostSeen map[string]time.Time // user|resource -> last boost grant

	fallbackMu   sync.Mutex
	fallback     map[string]*rate.Limiter // used only when redis is unreachable
}

// New builds an Engine. redisClient may be nil, in which case every check
// uses the local token-bucket fallback exclusively.
func New(redisClient *redis.Client, resolver TierResolver, logger *slog.Logger) *Engine {
	return &Engine{
		redis:     redisClient,
		resolver:  resolver,
		logger:    logger,
		tierCache: make(map[string]tierCacheEntry),
		boostSeen: make(map[string]time.Time),
		fallback:  make(map[string]*rate.Limiter),
	}
}

func (e *Engine) resolveTier(ctx context.Context, userID string) tier.Tier {
	e.mu.Lock()
	if entry, ok := e.tierCache[userID]; ok && time.Now().Before(entry.expires) {
		e.mu.Unlock()
		return tier.PolicyFor(entry.tier)
	}
	e.mu.Unlock()

	name := "free"
	if e.resolver != nil {
		if t, err := e.resolver.ResolveTier(ctx, userID); err == nil {
			name = t
		} else {
			e.logger.Warn("resolving tier failed, defaulting to free", "user_id", userID, "error", err)
		}
	}

	e.mu.Lock()
	e.tierCache[userID] = tierCacheEntry{tier: name, expires: time.Now().Add(5 * time.Minute)}
	e.mu.Unlock()
	return tier.PolicyFor(name)
}

// failOpen is the uniform response to an internal engine error: the
// service prefers availability over strict enforcement.
func failOpen() Decision {
	return Decision{Allowed: true, Tier: "unknown"}
}

// Check evaluates whether a request may proceed.
func (e *Engine) Check(ctx context.Context, userID, resource string, weight int, graceful bool) (Decision, *DegradationPlan, error) {
	t := e.resolveTier(ctx, userID)
	limit, ok := t.Quotas[resource]
	if !ok || limit.Unlimited() {
		telemetry.QuotaDecisionsTotal.WithLabelValues(resource, "allowed").Inc()
		return Decision{Allowed: true, Tier: t.Name}, nil, nil
	}

	if e.redis == nil {
		decision := e.checkLocalFallback(userID, resource, t, limit, weight)
		telemetry.QuotaDecisionsTotal.WithLabelValues(resource, outcomeOf(decision)).Inc()
		return decision, nil, nil
	}

	decision, err := e.checkRedis(ctx, userID, resource, t, limit, weight)
	if err != nil {
		e.logger.Warn("quota engine internal error, failing open", "user_id", userID, "resource", resource, "error", err)
		telemetry.QuotaDecisionsTotal.WithLabelValues(resource, "fail_open").Inc()
		return failOpen(), nil, nil
	}

	if !decision.Allowed && graceful && limit.GracefulDegrade {
		if plan, ok := domainDegradations[resource]; ok {
			decision.Degraded = true
			telemetry.QuotaDecisionsTotal.WithLabelValues(resource, "degraded").Inc()
			return decision, &plan, nil
		}
	}
	telemetry.QuotaDecisionsTotal.WithLabelValues(resource, outcomeOf(decision)).Inc()
	return decision, nil, nil
}

func outcomeOf(d Decision) string {
	if d.Allowed {
		return "allowed"
	}
	return "denied"
}

func (e *Engine) checkRedis(ctx context.Context, userID, resource string, t tier.Tier, limit tier.QuotaLimit, weight int) (Decision, error) {
	now := time.Now()

	if limit.Concurrent > 0 {
		concurrentKey := fmt.Sprintf("quota:concurrent:%s:%s", userID, resource)
		count, err := e.redis.SCard(ctx, concurrentKey).Result()
		if err != nil {
			return Decision{}, fmt.Errorf("checking concurrency: %w", err)
		}
		if int(count) >= limit.Concurrent {
			return Decision{Allowed: false, Tier: t.Name, Limit: limit.Concurrent, RetryAfter: 5 * time.Second}, nil
		}
	}

	windowKey := fmt.Sprintf("quota:window:%s:%s", userID, resource)
	windowCount, reset, err := e.slidingWindowCount(ctx, windowKey, time.Duration(limit.WindowSeconds)*time.Second, now)
	if err != nil {
		return Decision{}, err
	}

	slidingAllowed := windowCount < limit.RequestsPerWindow

	var burstRemaining *int
	burstAllowed := true
	if limit.Burst > 0 {
		burstKey := fmt.Sprintf("quota:burst:%s:%s", userID, resource)
		burstCount, _, err := e.slidingWindowCount(ctx, burstKey, burstWindow, now)
		if err != nil {
			return Decision{}, err
		}
		burstAllowed = burstCount < limit.Burst
		remaining := limit.Burst - burstCount
		if remaining < 0 {
			remaining = 0
		}
		burstRemaining = &remaining
	}

	tokensOK := true
	if limit.Tokens > 0 {
		tokensOK, err = e.consumeTokenBucket(ctx, userID, resource, limit, weight, now)
		if err != nil {
			return Decision{}, err
		}
	}

	allowed := slidingAllowed && burstAllowed && tokensOK

	if !allowed && !slidingAllowed && burstAllowed && tokensOK && t.PriorityBoostable {
		if e.tryPriorityBoost(userID, resource, now) {
			allowed = true
		}
	}

	if allowed {
		member := uuid.New().String()
		if err := e.redis.ZAdd(ctx, windowKey, redis.Z{Score: float64(now.UnixNano()), Member: member}).Err(); err != nil {
			return Decision{}, fmt.Errorf("recording window entry: %w", err)
		}
		e.redis.Expire(ctx, windowKey, time.Duration(limit.WindowSeconds)*time.Second)
		if limit.Burst > 0 {
			burstKey := fmt.Sprintf("quota:burst:%s:%s", userID, resource)
			e.redis.ZAdd(ctx, burstKey, redis.Z{Score: float64(now.UnixNano()), Member: uuid.New().String()})
			e.redis.Expire(ctx, burstKey, burstWindow)
		}
	}

	remaining := limit.RequestsPerWindow - windowCount
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:        allowed,
		Remaining:      remaining,
		Limit:          limit.RequestsPerWindow,
		Reset:          reset,
		Tier:           t.Name,
		BurstRemaining: burstRemaining,
	}
	if !allowed {
		d.RetryAfter = time.Until(reset)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

// slidingWindowCount trims entries older than window and returns the
// current count plus the time the oldest surviving entry expires.
func (e *Engine) slidingWindowCount(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	cutoff := now.Add(-window)
	if err := e.redis.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", cutoff.UnixNano())).Err(); err != nil {
		return 0, time.Time{}, fmt.Errorf("trimming window: %w", err)
	}

	count, err := e.redis.ZCard(ctx, key).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("counting window entries: %w", err)
	}

	reset := now.Add(window)
	if oldest, err := e.redis.ZRangeWithScores(ctx, key, 0, 0).Result(); err == nil && len(oldest) > 0 {
		reset = time.Unix(0, int64(oldest[0].Score)).Add(window)
	}

	return int(count), reset, nil
}

// consumeTokenBucket refills tokens_per_second = tokens_max/window_seconds
// at call time and consumes weight, failing if insufficient.
func (e *Engine) consumeTokenBucket(ctx context.Context, userID, resource string, limit tier.QuotaLimit, weight int, now time.Time) (bool, error) {
	key := fmt.Sprintf("quota:tokens:%s:%s", userID, resource)
	vals, err := e.redis.HMGet(ctx, key, "tokens", "last_refill").Result()
	if err != nil {
		return false, fmt.Errorf("reading token bucket: %w", err)
	}

	tokens := float64(limit.Tokens)
	lastRefill := now
	if vals[0] != nil {
		fmt.Sscanf(fmt.Sprint(vals[0]), "%f", &tokens)
	}
	if vals[1] != nil {
		var unixNano int64
		fmt.Sscanf(fmt.Sprint(vals[1]), "%d", &unixNano)
		lastRefill = time.Unix(0, unixNano)
	}

	ratePerSecond := float64(limit.Tokens) / float64(limit.WindowSeconds)
	elapsed := now.Sub(lastRefill).Seconds()
	tokens += elapsed * ratePerSecond
	if tokens > float64(limit.Tokens) {
		tokens = float64(limit.Tokens)
	}

	if tokens < float64(weight) {
		e.redis.HSet(ctx, key, "tokens", tokens, "last_refill", now.UnixNano())
		e.redis.Expire(ctx, key, time.Duration(limit.WindowSeconds)*time.Second)
		return false, nil
	}

	tokens -= float64(weight)
	if err := e.redis.HSet(ctx, key, "tokens", tokens, "last_refill", now.UnixNano()).Err(); err != nil {
		return false, fmt.Errorf("writing token bucket: %w", err)
	}
	e.redis.Expire(ctx, key, time.Duration(limit.WindowSeconds)*time.Second)
	return true, nil
}

// tryPriorityBoost grants a once-per-hour exception for pro/enterprise
// tiers when only the sliding window would otherwise block.
func (e *Engine) tryPriorityBoost(userID, resource string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := userID + "|" + resource
	if last, ok := e.boostSeen[key]; ok && now.Sub(last) < time.Hour {
		return false
	}
	e.boostSeen[key] = now
	return true
}

// checkLocalFallback is used when no Redis client is configured: a single
// process-local token bucket per user+resource, sized off the tier's
// requests_per_window.
func (e *Engine) checkLocalFallback(userID, resource string, t tier.Tier, limit tier.QuotaLimit, weight int) Decision {
	e.fallbackMu.Lock()
	key := userID + "|" + resource
	limiter, ok := e.fallback[key]
	if !ok {
		perSecond := float64(limit.RequestsPerWindow) / float64(limit.WindowSeconds)
		burst := limit.Burst
		if burst == 0 {
			burst = limit.RequestsPerWindow
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		e.fallback[key] = limiter
	}
	e.fallbackMu.Unlock()

	allowed := limiter.AllowN(time.Now(), weight)
	d := Decision{Allowed: allowed, Tier: t.Name, Limit: limit.RequestsPerWindow}
	if !allowed {
		d.RetryAfter = time.Second
	}
	return d
}

// Release decrements the concurrency set for a finished request.
func (e *Engine) Release(ctx context.Context, userID, resource, requestID string) error {
	if e.redis == nil {
		return nil
	}
	key := fmt.Sprintf("quota:concurrent:%s:%s", userID, resource)
	if err := e.redis.SRem(ctx, key, requestID).Err(); err != nil {
		return fmt.Errorf("releasing concurrency slot: %w", err)
	}
	return nil
}

// Acquire registers an in-flight request against the concurrency set.
// Callers that pass a concurrent-limited resource through Check should
// call Acquire on allow and Release when the request completes.
func (e *Engine) Acquire(ctx context.Context, userID, resource, requestID string) error {
	if e.redis == nil {
		return nil
	}
	key := fmt.Sprintf("quota:concurrent:%s:%s", userID, resource)
	if err := e.redis.SAdd(ctx, key, requestID).Err(); err != nil {
		return fmt.Errorf("acquiring concurrency slot: %w", err)
	}
	e.redis.Expire(ctx, key, time.Hour)
	return nil
}

// UserStats is get_user_stats' per-resource snapshot.
type UserStats struct {
	Resource  string
	Used      int
	Remaining int
	Reset     time.Time
}

// GetUserStats returns per-resource used/remaining/reset snapshots.
func (e *Engine) GetUserStats(ctx context.Context, userID string) ([]UserStats, error) {
	t := e.resolveTier(ctx, userID)

	var out []UserStats
	for resource, limit := range t.Quotas {
		if limit.Unlimited() {
			out = append(out, UserStats{Resource: resource, Remaining: -1})
			continue
		}
		if e.redis == nil {
			out = append(out, UserStats{Resource: resource, Remaining: limit.RequestsPerWindow})
			continue
		}

		windowKey := fmt.Sprintf("quota:window:%s:%s", userID, resource)
		count, reset, err := e.slidingWindowCount(ctx, windowKey, time.Duration(limit.WindowSeconds)*time.Second, time.Now())
		if err != nil {
			return nil, fmt.Errorf("getting stats for %s: %w", resource, err)
		}
		remaining := limit.RequestsPerWindow - count
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, UserStats{Resource: resource, Used: count, Remaining: remaining, Reset: reset})
	}
	return out, nil
}
