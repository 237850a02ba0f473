// Package guard implements the anti-abuse layer: creation throttles keyed
// by user and client IP, a global API rate limiter, and the sender
// blacklist.
package guard

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrRateLimited indicates the global creation limiter is exhausted.
	ErrRateLimited = errors.New("rate limited")
	// ErrTooFrequent indicates a per-identity throttle tripped.
	ErrTooFrequent = errors.New("too frequent")
	// ErrBlacklisted indicates the address is on the blacklist.
	ErrBlacklisted = errors.New("blacklisted")
)

// Config holds guard configuration.
type Config struct {
	// APIRequestsPerMinute bounds calls to the explorer API.
	APIRequestsPerMinute int `envconfig:"API_RATE_LIMIT" default:"20"`
	// CreationsPerMinute bounds form creations across all callers.
	CreationsPerMinute int `envconfig:"CREATIONS_PER_MINUTE" default:"60"`
	// HTTPRequestsPerMinute bounds requests per client IP at the edge.
	HTTPRequestsPerMinute int `envconfig:"HTTP_RATE_LIMIT" default:"120"`
	// MinCreationInterval is the minimum gap between creations by one identity.
	MinCreationInterval time.Duration `envconfig:"MIN_CREATION_INTERVAL" default:"1s"`
	// HourlyCreationCap is the rolling-hour creation cap per identity.
	HourlyCreationCap int `envconfig:"HOURLY_CREATION_CAP" default:"20"`
	// MaxTrackedIdentities bounds counter cardinality.
	MaxTrackedIdentities int `envconfig:"MAX_TRACKED_IDENTITIES" default:"10000"`
	// IdleEviction drops counters not touched for this long.
	IdleEviction time.Duration `envconfig:"COUNTER_IDLE_EVICTION" default:"1h"`
	// Blacklist is a comma-separated list of sender addresses to reject.
	Blacklist []string `envconfig:"BLACKLISTED_ADDRESSES"`
}

// Counter tracks creations by one identity inside a rolling window.
type Counter struct {
	Identity    string
	FormCount   int
	WindowStart time.Time
	LastSeen    time.Time
}

// CounterStore persists counters so throttles survive restarts. May be nil
// for memory-only operation.
type CounterStore interface {
	Load(ctx context.Context, identity string) (*Counter, bool, error)
	Save(ctx context.Context, c *Counter) error
}

// Guard gates form creation and outbound API calls.
type Guard struct {
	config   Config
	logger   *slog.Logger
	store    CounterStore
	api      *rate.Limiter
	creation *rate.Limiter

	mu        sync.Mutex
	blacklist map[string]struct{}
	counters  map[string]*Counter
	now       func() time.Time

	httpMu       sync.Mutex
	httpLimiters map[string]*rate.Limiter
}

// New creates a guard. store may be nil.
func New(cfg Config, store CounterStore, logger *slog.Logger) *Guard {
	blacklist := make(map[string]struct{})
	for _, addr := range cfg.Blacklist {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr != "" {
			blacklist[addr] = struct{}{}
		}
	}

	return &Guard{
		config:    cfg,
		logger:    logger,
		store:     store,
		api:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(max(cfg.APIRequestsPerMinute, 1))), 1),
		creation:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(max(cfg.CreationsPerMinute, 1))), max(cfg.CreationsPerMinute, 1)),
		blacklist: blacklist,
		counters:  make(map[string]*Counter),
		now:       time.Now,

		httpLimiters: make(map[string]*rate.Limiter),
	}
}

// Allow implements the HTTP rate limit hook, one token bucket per client
// IP. An empty key (no resolvable IP) is let through.
func (g *Guard) Allow(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return true, nil
	}

	g.httpMu.Lock()
	// The map is flushed rather than tracked per entry once it outgrows
	// the cardinality cap. Warm buckets refill within a minute anyway.
	if len(g.httpLimiters) > g.config.MaxTrackedIdentities {
		g.httpLimiters = make(map[string]*rate.Limiter)
	}
	lim, ok := g.httpLimiters[key]
	if !ok {
		n := max(g.config.HTTPRequestsPerMinute, 1)
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		g.httpLimiters[key] = lim
	}
	g.httpMu.Unlock()

	return lim.Allow(), nil
}

// APILimiter returns the limiter throttling explorer API calls.
func (g *Guard) APILimiter() *rate.Limiter {
	return g.api
}

// IsBlacklisted reports whether the address or identity is on the
// blacklist. Comparison is case-insensitive exact match; an empty value is
// never blacklisted.
func (g *Guard) IsBlacklisted(addr string) bool {
	_, ok := g.blacklist[strings.ToLower(addr)]
	return ok
}

// AllowCreation gates one form creation for the given identities. Both
// identities are optional; each present one is throttled independently. On
// success the counters are incremented, so a granted slot is consumed.
// Blacklisted identities are rejected outright.
func (g *Guard) AllowCreation(ctx context.Context, userID, clientIP string) error {
	if g.IsBlacklisted(userID) || g.IsBlacklisted(clientIP) {
		return ErrBlacklisted
	}
	if !g.creation.Allow() {
		return ErrRateLimited
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	identities := make([]string, 0, 2)
	if userID != "" {
		identities = append(identities, "user:"+userID)
	}
	if clientIP != "" {
		identities = append(identities, "ip:"+clientIP)
	}

	// Check all identities before consuming any, so a rejection leaves no
	// partial increments.
	counters := make([]*Counter, 0, len(identities))
	for _, id := range identities {
		c, err := g.counterLocked(ctx, id, now)
		if err != nil {
			// Persistence trouble must not block creation; fall back to a
			// fresh in-memory counter.
			g.logger.Warn("counter load failed", "identity", id, "error", err)
			c = &Counter{Identity: id, WindowStart: now}
			g.counters[id] = c
		}
		if c.FormCount > 0 && now.Sub(c.LastSeen) < g.config.MinCreationInterval {
			return ErrTooFrequent
		}
		if c.FormCount >= g.config.HourlyCreationCap {
			return ErrTooFrequent
		}
		counters = append(counters, c)
	}

	for _, c := range counters {
		c.FormCount++
		c.LastSeen = now
		if g.store != nil {
			if err := g.store.Save(ctx, c); err != nil {
				g.logger.Warn("counter save failed", "identity", c.Identity, "error", err)
			}
		}
	}

	g.evictLocked(now)
	return nil
}

// counterLocked returns the live counter for an identity, rolling the
// window when it has lapsed and loading from the store on a cold start.
func (g *Guard) counterLocked(ctx context.Context, identity string, now time.Time) (*Counter, error) {
	c, ok := g.counters[identity]
	if !ok && g.store != nil {
		stored, found, err := g.store.Load(ctx, identity)
		if err != nil {
			return nil, err
		}
		if found {
			c = stored
			g.counters[identity] = c
			ok = true
		}
	}
	if !ok {
		c = &Counter{Identity: identity, WindowStart: now}
		g.counters[identity] = c
	}

	if now.Sub(c.WindowStart) >= time.Hour {
		c.FormCount = 0
		c.WindowStart = now
	}
	return c, nil
}

// evictLocked drops idle counters and enforces the cardinality cap,
// oldest-last-seen first.
func (g *Guard) evictLocked(now time.Time) {
	for id, c := range g.counters {
		if now.Sub(c.LastSeen) >= g.config.IdleEviction {
			delete(g.counters, id)
		}
	}
	for len(g.counters) > g.config.MaxTrackedIdentities {
		var oldestID string
		var oldest time.Time
		for id, c := range g.counters {
			if oldestID == "" || c.LastSeen.Before(oldest) {
				oldestID = id
				oldest = c.LastSeen
			}
		}
		delete(g.counters, oldestID)
	}
}

// TrackedIdentities returns the number of live counters.
func (g *Guard) TrackedIdentities() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.counters)
}

// Reset clears all counters. Test hook.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters = make(map[string]*Counter)
}
