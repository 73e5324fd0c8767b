// Package cache implements the content-addressed translation cache: a
// bounded, TTL'd, LRU-ish store keyed by (source language, target language,
// fingerprint(text)), shared process-wide across all sessions.
package cache

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/lokutor-ai/babel-relay/pkg/clock"
	"github.com/lokutor-ai/babel-relay/pkg/textnorm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Entry mirrors spec.md's CacheEntry: a stored translation plus bookkeeping
// used for TTL expiry and LRU-style eviction.
type Entry struct {
	SourceLang     string
	TargetLang     string
	SourceText     string
	TranslatedText string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	ExpiresAt      time.Time
}

// Logger is the narrow logging dependency this package needs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

type noOpLogger struct{}

func (noOpLogger) Debug(string, ...interface{}) {}
func (noOpLogger) Warn(string, ...interface{})  {}
func (noOpLogger) Error(string, ...interface{}) {}

// Config controls capacity and TTL policy.
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultConfig matches spec.md's §6 defaults (10000 entries, 3600s TTL).
func DefaultConfig() Config {
	return Config{MaxEntries: 10000, TTL: 3600 * time.Second}
}

// Package-level metric collectors, registered once at process start the way
// mbaxamb33-yuzu.agent.webrtc.toy/internal/orchestrator/metrics.go registers
// its orch_* collectors: metrics describe the process, not a single cache
// instance, so multiple TranslationCache values (e.g. in tests) share them.
var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_translation_cache_hits_total",
		Help: "Total translation cache hits.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_translation_cache_misses_total",
		Help: "Total translation cache misses.",
	})
	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_translation_cache_evictions_total",
		Help: "Total translation cache entries evicted for capacity.",
	})
	cacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_translation_cache_size",
		Help: "Current number of entries in the translation cache.",
	})
)

// TranslationCache is the process-wide, shared translation cache. It must be
// constructed explicitly (never as an ambient singleton) and handed down to
// every session pipeline that needs it.
type TranslationCache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	cfg     Config
	clock   clock.Clock
	logger  Logger
}

// New constructs a TranslationCache with explicit config, clock and logger
// dependencies so tests can inject fakes.
func New(cfg Config, clk clock.Clock, logger Logger) *TranslationCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if logger == nil {
		logger = noOpLogger{}
	}
	return &TranslationCache{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
	}
}

func key(src, tgt, fingerprint string) string {
	return src + ":" + tgt + ":" + fingerprint
}

// Lookup returns the cached translation for (src, tgt, text), or ok=false on
// a miss, a TTL-expired entry, or any backing-store failure (there is none
// in this in-process implementation, but the contract is preserved: a lookup
// failure is always a miss, never fatal).
func (c *TranslationCache) Lookup(src, tgt, text string) (translation string, ok bool) {
	fp := textnorm.Fingerprint(text)
	k := key(src, tgt, fp)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[k]
	if !found {
		cacheMisses.Inc()
		return "", false
	}
	if !entry.ExpiresAt.After(now) {
		delete(c.entries, k)
		cacheSize.Set(float64(len(c.entries)))
		cacheMisses.Inc()
		return "", false
	}

	entry.AccessCount++
	entry.LastAccessedAt = now
	cacheHits.Inc()
	return entry.TranslatedText, true
}

// Store records a translation, evicting the least-used/least-recently-used
// 10% of entries if capacity would otherwise be exceeded. Store never
// returns an error: a failure to cache is advisory only.
func (c *TranslationCache) Store(src, tgt, text, translation string) {
	fp := textnorm.Fingerprint(text)
	k := key(src, tgt, fp)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked(now)
	}

	c.entries[k] = &Entry{
		SourceLang:     src,
		TargetLang:     tgt,
		SourceText:     text,
		TranslatedText: translation,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    1,
		ExpiresAt:      now.Add(c.cfg.TTL),
	}
	cacheSize.Set(float64(len(c.entries)))
}

// evictLocked drops expired entries eagerly, then evicts ceil(10% of
// maxEntries) entries ordered ascending by (accessCount, lastAccessedAt) if
// still over capacity. Caller must hold c.mu.
func (c *TranslationCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !e.ExpiresAt.After(now) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.cfg.MaxEntries {
		return
	}

	type keyed struct {
		key   string
		entry *Entry
	}
	all := make([]keyed, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, keyed{k, e})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].entry.AccessCount != all[j].entry.AccessCount {
			return all[i].entry.AccessCount < all[j].entry.AccessCount
		}
		return all[i].entry.LastAccessedAt.Before(all[j].entry.LastAccessedAt)
	})

	evictCount := int(math.Ceil(0.1 * float64(c.cfg.MaxEntries)))
	if evictCount > len(all) {
		evictCount = len(all)
	}
	for i := 0; i < evictCount; i++ {
		delete(c.entries, all[i].key)
		cacheEvictions.Inc()
	}
	c.logger.Debug("translation cache eviction", "evicted", evictCount, "remaining", len(c.entries))
}

// Size returns the current number of entries (including any not-yet-expired
// ones), for tests and metrics.
func (c *TranslationCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
