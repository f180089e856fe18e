package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL    = 5 * time.Minute
	DefaultCacheSize   = 10000
	DefaultFillTimeout = 2 * time.Second

	generationStripes = 64
)

// Fetch outcomes reported to a FetchObserver.
const (
	FetchHit      = "hit"
	FetchMiss     = "miss"
	FetchDegraded = "degraded"
)

// FetchResult is either Ok(context) or Degraded(empty context, cause).
type FetchResult struct {
	Context RoleContext
	Cause   error
}

// Ok wraps a successfully resolved context.
func Ok(rc RoleContext) FetchResult {
	return FetchResult{Context: rc}
}

// Degraded wraps the empty default context served after an infrastructure failure.
func Degraded(userID int64, cause error) FetchResult {
	return FetchResult{Context: EmptyContext(userID), Cause: cause}
}

// IsDegraded reports whether the context is a fail-open default.
func (r FetchResult) IsDegraded() bool {
	return r.Cause != nil
}

// ContextSource hands out role contexts and accepts invalidations.
type ContextSource interface {
	Get(ctx context.Context, userID int64) FetchResult
	Invalidate(ctx context.Context, userID int64)
}

// Broadcaster forwards invalidations to other processes sharing the store.
type Broadcaster interface {
	Publish(ctx context.Context, userID int64) error
}

// FetchObserver records fetch outcomes, typically as metrics.
type FetchObserver interface {
	ObserveContextFetch(result string)
}

// CacheConfig tunes the context cache.
type CacheConfig struct {
	TTL         time.Duration
	Size        int
	FillTimeout time.Duration
	Broadcaster Broadcaster
	Observer    FetchObserver
	Logger      *slog.Logger
}

// ContextCache is a process-wide read-through cache of role contexts keyed by user id.
//
// Contexts handed out are shared between callers and must be treated as read-only.
type ContextCache struct {
	store       AssignmentReader
	policy      *Policy
	entries     *expirable.LRU[int64, RoleContext]
	group       singleflight.Group
	fillTimeout time.Duration
	broadcaster Broadcaster
	observer    FetchObserver
	logger      *slog.Logger

	// mu orders generation bumps against cache fills so that a fill which
	// started before an invalidation never stores its result afterwards.
	mu          sync.Mutex
	generations [generationStripes]atomic.Uint64
}

// NewContextCache builds a cache backed by the given assignment reader.
func NewContextCache(store AssignmentReader, policy *Policy, cfg CacheConfig) *ContextCache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheSize
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultFillTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ContextCache{
		store:       store,
		policy:      policy,
		entries:     expirable.NewLRU[int64, RoleContext](cfg.Size, nil, cfg.TTL),
		fillTimeout: cfg.FillTimeout,
		broadcaster: cfg.Broadcaster,
		observer:    cfg.Observer,
		logger:      cfg.Logger,
	}
}

// Get returns the user's role context, resolving it on a miss. It never fails:
// store errors, panics and timeouts yield Degraded(EmptyContext).
func (c *ContextCache) Get(ctx context.Context, userID int64) FetchResult {
	if rc, ok := c.entries.Get(userID); ok {
		c.observe(FetchHit)
		return Ok(rc)
	}
	c.observe(FetchMiss)

	gen := c.generation(userID)
	key := strconv.FormatInt(userID, 10) + "@" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fill(ctx, userID, gen)
	})

	timer := time.NewTimer(c.fillTimeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return c.degrade(userID, res.Err)
		}
		return Ok(res.Val.(RoleContext))
	case <-timer.C:
		return c.degrade(userID, fmt.Errorf("rbac cache: fill for user %d exceeded %s", userID, c.fillTimeout))
	case <-ctx.Done():
		return c.degrade(userID, ctx.Err())
	}
}

// Invalidate drops the cached context of a user and notifies other processes.
// Mutation paths call it before reporting success.
func (c *ContextCache) Invalidate(ctx context.Context, userID int64) {
	c.EvictLocal(userID)
	if c.broadcaster == nil {
		return
	}
	if err := c.broadcaster.Publish(ctx, userID); err != nil {
		c.logger.Warn("rbac cache invalidation broadcast failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// EvictLocal drops the cached context of a user in this process only.
func (c *ContextCache) EvictLocal(userID int64) {
	c.mu.Lock()
	c.generations[stripe(userID)].Add(1)
	c.entries.Remove(userID)
	c.mu.Unlock()
}

// Len returns the number of cached contexts.
func (c *ContextCache) Len() int {
	return c.entries.Len()
}

func (c *ContextCache) fill(ctx context.Context, userID int64, gen uint64) (rc RoleContext, err error) {
	fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fillTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rbac cache: resolve user %d: %v", userID, r)
		}
	}()

	rows, err := c.store.ListUserAssignments(fillCtx, userID)
	if err != nil {
		return RoleContext{}, fmt.Errorf("rbac cache: load assignments for user %d: %w", userID, err)
	}
	rc = Resolve(userID, rows, c.policy)

	c.mu.Lock()
	if c.generation(userID) == gen {
		c.entries.Add(userID, rc)
	}
	c.mu.Unlock()
	return rc, nil
}

func (c *ContextCache) degrade(userID int64, cause error) FetchResult {
	c.observe(FetchDegraded)
	c.logger.Warn("rbac context fetch degraded, serving empty context",
		slog.Int64("user_id", userID),
		slog.Any("error", cause),
	)
	return Degraded(userID, cause)
}

func (c *ContextCache) generation(userID int64) uint64 {
	return c.generations[stripe(userID)].Load()
}

func (c *ContextCache) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveContextFetch(result)
	}
}

func stripe(userID int64) uint64 {
	return uint64(userID) % generationStripes
}

var _ ContextSource = (*ContextCache)(nil)
