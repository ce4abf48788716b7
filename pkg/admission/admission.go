// Package admission enforces per-identity rate and budget limits ahead
// of any provider call. Request counts live in two sliding windows
// (hourly and daily); spend lives in a rolling 24h ledger. Checking and
// recording are separate operations: a checked request that later fails
// guardrails or routing is never counted against its identity.
package admission

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jefflaplante/cascade/pkg/profiles"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
)

// RateLimitedError reports a request-count violation.
type RateLimitedError struct {
	Identity          string
	Window            string // "hourly" or "daily"
	Limit             int
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s exceeded %s limit of %d, retry after %ds",
		e.Identity, e.Window, e.Limit, e.RetryAfterSeconds)
}

// BudgetExceededError reports a spend violation: the projected cost of
// this request would push the identity past its daily budget, or a
// cascade past its per-request cap.
type BudgetExceededError struct {
	Identity  string
	BudgetUSD float64
	SpentUSD  float64
}

func (e *BudgetExceededError) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("budget exceeded: %s spent $%.4f of $%.4f", e.Identity, e.SpentUSD, e.BudgetUSD)
	}
	return fmt.Sprintf("budget exceeded: spent $%.4f of $%.4f", e.SpentUSD, e.BudgetUSD)
}

// CostEntry is one recorded spend.
type CostEntry struct {
	At  time.Time `json:"at"`
	USD float64   `json:"usd"`
}

// entry tracks one identity. Per-entry locking keeps identities from
// contending with each other.
type entry struct {
	mu         sync.Mutex
	hourly     []time.Time
	daily      []time.Time
	costs      []CostEntry
	lastAccess time.Time
	restored   bool
}

// snapshotState is the persisted form of an entry.
type snapshotState struct {
	Hourly []time.Time `json:"hourly,omitempty"`
	Daily  []time.Time `json:"daily,omitempty"`
	Costs  []CostEntry `json:"costs,omitempty"`
}

// Controller is the admission gate. Safe for concurrent use.
type Controller struct {
	entries sync.Map // identity -> *entry
	store   SnapshotStore
	logger  *zap.Logger
	nowFunc func() time.Time

	cleanupTick *time.Ticker
	stopCleanup chan struct{}
	cleanupWG   sync.WaitGroup
}

// Options configures a Controller.
type Options struct {
	// Store persists window state across restarts. Nil keeps state in
	// memory only.
	Store SnapshotStore

	// CleanupInterval controls eviction of idle identities. Zero
	// disables the background sweeper.
	CleanupInterval time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger *zap.Logger
}

// NewController creates an admission controller.
func NewController(opts Options) *Controller {
	c := &Controller{
		store:   opts.Store,
		logger:  opts.Logger,
		nowFunc: opts.Now,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.nowFunc == nil {
		c.nowFunc = time.Now
	}
	if opts.CleanupInterval > 0 {
		c.cleanupTick = time.NewTicker(opts.CleanupInterval)
		c.stopCleanup = make(chan struct{})
		c.cleanupWG.Add(1)
		go c.cleanupLoop()
	}
	return c
}

// CheckAdmit decides whether a request may proceed under the given
// limits. estimatedCost is the projected spend used for the budget
// check. Admission never records anything: call RecordRequest once the
// request actually runs. Nil-safe; an empty identity is always admitted.
func (c *Controller) CheckAdmit(identity string, limits profiles.Limits, estimatedCost float64) error {
	if c == nil || identity == "" {
		return nil
	}
	now := c.nowFunc()
	e := c.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastAccess = now
	pruneEntry(e, now)

	if limits.RequestsPerHour != nil && len(e.hourly) >= *limits.RequestsPerHour {
		return &RateLimitedError{
			Identity:          identity,
			Window:            "hourly",
			Limit:             *limits.RequestsPerHour,
			RetryAfterSeconds: retryAfter(e.hourly, hourWindow, now),
		}
	}
	if limits.RequestsPerDay != nil && len(e.daily) >= *limits.RequestsPerDay {
		return &RateLimitedError{
			Identity:          identity,
			Window:            "daily",
			Limit:             *limits.RequestsPerDay,
			RetryAfterSeconds: retryAfter(e.daily, dayWindow, now),
		}
	}
	if limits.DailyBudget != nil {
		spent := 0.0
		for _, ce := range e.costs {
			spent += ce.USD
		}
		if spent+estimatedCost > *limits.DailyBudget {
			return &BudgetExceededError{Identity: identity, BudgetUSD: *limits.DailyBudget, SpentUSD: spent}
		}
	}
	return nil
}

// RecordRequest counts one served request and its actual cost against
// the identity, then persists the window state.
func (c *Controller) RecordRequest(identity string, actualCost float64) {
	if c == nil || identity == "" {
		return
	}
	now := c.nowFunc()
	e := c.entry(identity)
	e.mu.Lock()
	e.lastAccess = now
	pruneEntry(e, now)
	e.hourly = append(e.hourly, now)
	e.daily = append(e.daily, now)
	if actualCost > 0 {
		e.costs = append(e.costs, CostEntry{At: now, USD: actualCost})
	}
	state := snapshotState{Hourly: e.hourly, Daily: e.daily, Costs: e.costs}
	e.mu.Unlock()

	if c.store != nil {
		blob, err := json.Marshal(state)
		if err == nil {
			err = c.store.Save(identity, blob)
		}
		if err != nil {
			c.logger.Warn("admission snapshot save failed",
				zap.String("identity", identity),
				zap.Error(err))
		}
	}
}

// SpentToday returns the identity's rolling 24h spend.
func (c *Controller) SpentToday(identity string) float64 {
	if c == nil || identity == "" {
		return 0
	}
	now := c.nowFunc()
	e := c.entry(identity)
	e.mu.Lock()
	defer e.mu.Unlock()
	pruneEntry(e, now)
	spent := 0.0
	for _, ce := range e.costs {
		spent += ce.USD
	}
	return spent
}

// entry returns the identity's state, restoring it from the store the
// first time the identity is seen.
func (c *Controller) entry(identity string) *entry {
	v, loaded := c.entries.LoadOrStore(identity, &entry{})
	e := v.(*entry)
	if loaded {
		return e
	}
	if c.store == nil {
		return e
	}
	blob, err := c.store.Load(identity)
	if err != nil {
		c.logger.Warn("admission snapshot load failed",
			zap.String("identity", identity),
			zap.Error(err))
		return e
	}
	if blob == nil {
		return e
	}
	var state snapshotState
	if err := json.Unmarshal(blob, &state); err != nil {
		c.logger.Warn("admission snapshot corrupt, starting fresh",
			zap.String("identity", identity),
			zap.Error(err))
		return e
	}
	e.mu.Lock()
	if !e.restored {
		e.hourly = state.Hourly
		e.daily = state.Daily
		e.costs = state.Costs
		e.restored = true
	}
	e.mu.Unlock()
	return e
}

// pruneEntry drops timestamps and costs that slid out of their windows.
// Caller holds e.mu.
func pruneEntry(e *entry, now time.Time) {
	e.hourly = pruneTimes(e.hourly, now.Add(-hourWindow))
	e.daily = pruneTimes(e.daily, now.Add(-dayWindow))
	if len(e.costs) > 0 {
		cutoff := now.Add(-dayWindow)
		valid := 0
		for i, ce := range e.costs {
			if ce.At.After(cutoff) {
				valid = i
				break
			}
			valid = len(e.costs)
		}
		if valid > 0 {
			kept := make([]CostEntry, len(e.costs)-valid)
			copy(kept, e.costs[valid:])
			e.costs = kept
		}
	}
}

func pruneTimes(ts []time.Time, cutoff time.Time) []time.Time {
	valid := 0
	for i, t := range ts {
		if t.After(cutoff) {
			valid = i
			break
		}
		valid = len(ts)
	}
	if valid == 0 {
		return ts
	}
	kept := make([]time.Time, len(ts)-valid)
	copy(kept, ts[valid:])
	return kept
}

// retryAfter is the whole seconds until the oldest stamp leaves its
// window, never less than 1.
func retryAfter(ts []time.Time, window time.Duration, now time.Time) int {
	if len(ts) == 0 {
		return 1
	}
	secs := int(math.Ceil(ts[0].Add(window).Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Stats summarises controller state for diagnostics.
type Stats struct {
	ActiveIdentities int
	TrackedRequests  int
}

// GetStats returns current controller statistics.
func (c *Controller) GetStats() Stats {
	var s Stats
	if c == nil {
		return s
	}
	c.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		s.ActiveIdentities++
		s.TrackedRequests += len(e.daily)
		e.mu.Unlock()
		return true
	})
	return s
}

// cleanupLoop evicts identities idle for more than two day-windows.
func (c *Controller) cleanupLoop() {
	defer c.cleanupWG.Done()
	for {
		select {
		case <-c.cleanupTick.C:
			cutoff := c.nowFunc().Add(-2 * dayWindow)
			var stale []string
			c.entries.Range(func(k, v any) bool {
				e := v.(*entry)
				e.mu.Lock()
				idle := e.lastAccess.Before(cutoff)
				e.mu.Unlock()
				if idle {
					stale = append(stale, k.(string))
				}
				return true
			})
			for _, k := range stale {
				c.entries.Delete(k)
			}
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop halts the background sweeper. Safe to call when no sweeper runs.
func (c *Controller) Stop() {
	if c == nil || c.cleanupTick == nil {
		return
	}
	c.cleanupTick.Stop()
	close(c.stopCleanup)
	c.cleanupWG.Wait()
}
