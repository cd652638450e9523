// Package ratelimit shares one explorer request budget between every dashboard
// instance pointed at the same Redis, so a single API key is not oversubscribed.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/metrics"
)

// Default budget values, sized for the free explorer tier (5 calls/s per key).
const (
	DefaultTotalBudget    = 5
	DefaultReservedBudget = 3
	DefaultWindowSize     = time.Second
	DefaultKeyPrefix      = "explorer_budget"
)

// Priority decides which cap applies to a request.
type Priority int

const (
	// PriorityInteractive is for requests a user is waiting on.
	PriorityInteractive Priority = iota
	// PriorityBackground is for scheduled refreshes, capped at the shared pool.
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

type priorityKey struct{}

// WithPriority tags ctx so budgeted calls made under it run at priority p.
func WithPriority(ctx context.Context, p Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

// PriorityFrom returns the priority stored in ctx, PriorityInteractive if none.
func PriorityFrom(ctx context.Context) Priority {
	if p, ok := ctx.Value(priorityKey{}).(Priority); ok {
		return p
	}
	return PriorityInteractive
}

// consumeScript checks and increments the total and pool counters of one
// window atomically.
var consumeScript = redis.NewScript(`
local totalKey = KEYS[1]
local poolKey = KEYS[2]
local n = tonumber(ARGV[1])
local totalBudget = tonumber(ARGV[2])
local poolBudget = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local totalUsed = tonumber(redis.call('GET', totalKey) or '0')
local poolUsed = tonumber(redis.call('GET', poolKey) or '0')

if totalUsed + n > totalBudget or poolUsed + n > poolBudget then
	return {0, totalUsed, poolUsed}
end

redis.call('INCRBY', totalKey, n)
redis.call('EXPIRE', totalKey, ttl)
redis.call('INCRBY', poolKey, n)
redis.call('EXPIRE', poolKey, ttl)

return {1, totalUsed + n, poolUsed + n}
`)

// BudgetConfig configures a Budget.
type BudgetConfig struct {
	// Redis is required.
	Redis redis.Cmdable

	// KeyPrefix namespaces the counters, e.g. per API key. Default: explorer_budget.
	KeyPrefix string

	// TotalBudget is the number of requests allowed per window. Default: 5.
	TotalBudget int

	// ReservedBudget is the part of TotalBudget background requests may not use.
	// Default: 3.
	ReservedBudget int

	// WindowSize is the counting window. Default: 1s.
	WindowSize time.Duration
}

// Validate checks the configuration.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.TotalBudget < 0 {
		return errors.New("total budget cannot be negative")
	}
	if c.ReservedBudget < 0 {
		return errors.New("reserved budget cannot be negative")
	}
	total, reserved := c.effective()
	if reserved >= total {
		return fmt.Errorf("reserved budget (%d) leaves no room for background requests (total %d)", reserved, total)
	}
	return nil
}

// effective returns the total and reserved budgets after defaults.
func (c *BudgetConfig) effective() (total, reserved int) {
	total, reserved = c.TotalBudget, c.ReservedBudget
	if total == 0 {
		total = DefaultTotalBudget
		if reserved == 0 {
			reserved = DefaultReservedBudget
		}
	}
	return total, reserved
}

// Usage is a point-in-time view of the current window.
type Usage struct {
	TotalUsed    int
	ReservedUsed int
	SharedUsed   int
	TotalBudget  int
	WindowStart  time.Time
}

// Budget is a fixed-window request budget kept in Redis. Background requests
// are capped at the shared pool (total minus reserved). Interactive requests
// may use the whole total.
type Budget struct {
	redis        redis.Cmdable
	prefix       string
	totalBudget  int
	sharedBudget int
	windowSize   time.Duration
	keyTTL       time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *logging.Logger
}

// BudgetOption customizes a Budget.
type BudgetOption func(*Budget)

// WithBudgetMetrics records denials on m.
func WithBudgetMetrics(m *metrics.Metrics) BudgetOption {
	return func(b *Budget) { b.metrics = m }
}

// WithBudgetLogger sets the logger.
func WithBudgetLogger(l *logging.Logger) BudgetOption {
	return func(b *Budget) { b.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) BudgetOption {
	return func(b *Budget) { b.now = now }
}

// NewBudget creates a Budget from cfg, applying defaults to zero values.
func NewBudget(cfg *BudgetConfig, opts ...BudgetOption) (*Budget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	total, reserved := cfg.effective()
	window := cfg.WindowSize
	if window <= 0 {
		window = DefaultWindowSize
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	b := &Budget{
		redis:        cfg.Redis,
		prefix:       prefix,
		totalBudget:  total,
		sharedBudget: total - reserved,
		windowSize:   window,
		keyTTL:       2 * window,
		now:          time.Now,
		logger:       logging.GetGlobalLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named("budget")
	return b, nil
}

func (b *Budget) windowStart() time.Time {
	return b.now().Truncate(b.windowSize)
}

func (b *Budget) keys(start time.Time) (total, reserved, shared string) {
	ts := strconv.FormatInt(start.UnixMilli(), 10)
	return b.prefix + ":total:" + ts, b.prefix + ":reserved:" + ts, b.prefix + ":shared:" + ts
}

// TryConsume takes n requests for priority p. When the budget is
// spent it returns false and the time left until the next window.
// If Redis cannot be reached the request is allowed; the caller's local limiter
// still applies.
func (b *Budget) TryConsume(ctx context.Context, n int, p Priority) (bool, time.Duration) {
	if n <= 0 {
		return true, 0
	}

	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)

	poolKey, poolBudget := sharedKey, b.sharedBudget
	if p == PriorityInteractive {
		poolKey, poolBudget = reservedKey, b.totalBudget
	}

	ttl := int(b.keyTTL.Seconds())
	if ttl < 1 {
		ttl = 1
	}

	res, err := consumeScript.Run(ctx, b.redis, []string{totalKey, poolKey}, n, b.totalBudget, poolBudget, ttl).Int64Slice()
	if err != nil {
		if ctx.Err() != nil {
			return false, 0
		}
		b.logger.WithError(err).Warn("Request budget unavailable, allowing request")
		return true, 0
	}
	if res[0] == 1 {
		return true, 0
	}

	b.metrics.IncBudgetDenial(p.String())
	wait := start.Add(b.windowSize).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	return false, wait + time.Millisecond
}

// Wait blocks until one request is granted at ctx's priority or ctx is done.
func (b *Budget) Wait(ctx context.Context) error {
	p := PriorityFrom(ctx)
	for {
		ok, wait := b.TryConsume(ctx, 1, p)
		if ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Usage returns the counters of the current window.
func (b *Budget) Usage(ctx context.Context) (*Usage, error) {
	start := b.windowStart()
	totalKey, reservedKey, sharedKey := b.keys(start)

	pipe := b.redis.Pipeline()
	totalCmd := pipe.Get(ctx, totalKey)
	reservedCmd := pipe.Get(ctx, reservedKey)
	sharedCmd := pipe.Get(ctx, sharedKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read budget usage: %w", err)
	}

	return &Usage{
		TotalUsed:    intOrZero(totalCmd),
		ReservedUsed: intOrZero(reservedCmd),
		SharedUsed:   intOrZero(sharedCmd),
		TotalBudget:  b.totalBudget,
		WindowStart:  start,
	}, nil
}

// Available returns what is left in the current window for priority p.
func (b *Budget) Available(ctx context.Context, p Priority) (int, error) {
	u, err := b.Usage(ctx)
	if err != nil {
		return 0, err
	}

	left := b.totalBudget - u.TotalUsed
	if p == PriorityBackground {
		left = min(left, b.sharedBudget-u.SharedUsed)
	}
	return max(left, 0), nil
}

func intOrZero(cmd *redis.StringCmd) int {
	v, err := cmd.Int()
	if err != nil {
		return 0
	}
	return v
}
