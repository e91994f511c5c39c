// Package velocity implements the rate-counter check rules may attach to a
// transaction dimension. Counters live in Redis with a TTL; the process keeps
// no local state.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/cardsentry/monitoring/internal/fields"
	"github.com/cardsentry/monitoring/internal/record"
	"github.com/cardsentry/monitoring/internal/rules"
)

// ErrorUnavailable is the error code recorded when the counter store cannot
// be reached within the deadline. It never fails an evaluation.
const ErrorUnavailable = "VELOCITY_UNAVAILABLE"

// Counter is the single operation the checker needs from the key-value
// store: increment and, on first increment, arm the TTL — one round-trip.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	// Reset deletes a counter. Test hook only; production counters expire.
	Reset(ctx context.Context, key string) error
}

// Result is the outcome of one velocity check, recorded on the decision.
type Result struct {
	Count    int64  `json:"count"`
	Exceeded bool   `json:"exceeded"`
	Error    string `json:"error,omitempty"`
}

// Defaults substitute for non-positive window/threshold values in rule
// configs.
type Defaults struct {
	WindowSeconds int
	Threshold     int64
}

// DefaultWindowSeconds and DefaultThreshold are the process fallbacks.
const (
	DefaultWindowSeconds = 3600
	DefaultThreshold     = 10
)

// Checker runs dimensioned velocity checks against a Counter.
type Checker struct {
	counter  Counter
	defaults Defaults
	prefix   string
	timeout  time.Duration
	breaker  *Breaker
}

// NewChecker builds a checker. prefix scopes the key space (environment or
// deployment name); timeout bounds each round-trip (default 50 ms). A
// breaker over the counter store short-circuits checks during an outage.
func NewChecker(counter Counter, prefix string, defaults Defaults, timeout time.Duration) *Checker {
	if defaults.WindowSeconds <= 0 {
		defaults.WindowSeconds = DefaultWindowSeconds
	}
	if defaults.Threshold <= 0 {
		defaults.Threshold = DefaultThreshold
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	return &Checker{
		counter:  counter,
		defaults: defaults,
		prefix:   prefix,
		timeout:  timeout,
		breaker:  NewBreaker(DefaultBreakerConfig()),
	}
}

// Key builds the counter key for a dimension. The value is percent-escaped
// so arbitrary transaction data stays key-safe.
func (c *Checker) Key(dimensionKey, dimensionValue string) string {
	return fmt.Sprintf("vel:%s:%s:%s", c.prefix, dimensionKey, url.QueryEscape(dimensionValue))
}

// Check performs one counter round-trip for the rule's velocity config
// against the record's dimension value. Failures are absorbed: the returned
// Result carries the error code and the evaluation continues.
func (c *Checker) Check(ctx context.Context, rec *record.Record, reg *fields.Registry, cfg *rules.VelocityConfig) Result {
	def, ok := reg.ByID(cfg.DimensionFieldID)
	if !ok {
		// Compile-time validation makes this unreachable for installed
		// rulesets; guard anyway for direct callers.
		return Result{Error: ErrorUnavailable}
	}

	v := rec.Get(cfg.DimensionFieldID)
	if v.IsAbsent() {
		// No dimension value means nothing to count; not an error.
		return Result{}
	}
	dimValue := fmt.Sprintf("%v", v.Display())

	window := cfg.WindowSeconds
	if window <= 0 {
		window = c.defaults.WindowSeconds
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = c.defaults.Threshold
	}

	gen, allowed := c.breaker.Allow()
	if !allowed {
		return Result{Error: ErrorUnavailable}
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	count, err := c.counter.Incr(cctx, c.Key(def.Key, dimValue), time.Duration(window)*time.Second)
	c.breaker.Record(gen, err == nil)
	if err != nil {
		slog.Warn("[Velocity] Counter unavailable",
			"dimension", def.Key, "window_s", window, "error", err)
		return Result{Error: ErrorUnavailable}
	}
	return Result{Count: count, Exceeded: count >= threshold}
}
