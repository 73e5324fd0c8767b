// Package config loads process configuration from the environment (with an
// optional .env file), following the teacher's layered viper setup in
// mbaxamb33-yuzu.agent.webrtc.toy/internal/config/config.go: a typed struct
// of nested sections, SetDefault for every tunable, then BindEnv mapping
// each field onto an explicit environment variable name (RELAY_* for all
// fields except the two API keys, TRANSLATE_API_KEY and LOKUTOR_API_KEY).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RateLimit mirrors spec.md §6's rateLimit.* keys.
type RateLimit struct {
	WindowMs     int
	MaxPerSecond int
}

// Stability mirrors spec.md §6's stability.* keys.
type Stability struct {
	Threshold       float64
	BlindTimeoutSec int
}

// Buffer mirrors spec.md §6's buffer.* keys.
type Buffer struct {
	MaxSeconds        int
	ForwardTimeoutSec int
	PauseThresholdSec int
	OrphanTimeoutSec  int
	WordsPerSecond    int
}

// Dedup mirrors spec.md §6's dedup.* keys.
type Dedup struct {
	TTLSec     int
	MaxEntries int
}

// Cache mirrors spec.md §6's cache.* keys.
type Cache struct {
	TTLSec     int
	MaxEntries int
}

// AudioBuffer mirrors spec.md §6's audioBuffer.* keys.
type AudioBuffer struct {
	MaxSeconds int
}

// Session mirrors spec.md §6's session.* keys.
type Session struct {
	MaxConcurrentBroadcasts int
	TTLSec                  int
}

// Translate mirrors spec.md §6's translate.* keys, plus the process-level
// credentials/endpoint needed to construct pkg/providers/translate.
type Translate struct {
	DeadlineMs int
	APIKey     string
	URL        string
	Model      string
}

// Synthesize mirrors spec.md §6's synthesize.* keys, plus the process-level
// credentials/host needed to construct pkg/providers/synth.
type Synthesize struct {
	DeadlineMs int
	APIKey     string
	Host       string
}

// Server holds ambient process concerns the spec's component table doesn't
// name but every runnable service needs: listen address, log level, metrics
// exposition address. cmd/relay serves /metrics on ListenAddr; MetricsAddr
// is loaded but no listener is opened on it.
type Server struct {
	ListenAddr  string
	MetricsAddr string
	LogLevel    string
}

// Config is the full process configuration, assembled from spec.md §6's
// table plus the ambient Server section.
type Config struct {
	Server      Server
	RateLimit   RateLimit
	Stability   Stability
	Buffer      Buffer
	Dedup       Dedup
	Cache       Cache
	AudioBuffer AudioBuffer
	Session     Session
	Translate   Translate
	Synthesize  Synthesize
}

// Load builds a Config from the environment, applying spec.md §6's defaults
// wherever a RELAY_* variable is unset. Does not read a .env file itself;
// callers that want that (cmd/relay) call godotenv.Load before Load, the
// same two-step split the teacher's cmd/agent/main.go uses.
func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.metrics_addr", ":9090")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("rate_limit.window_ms", 200)
	v.SetDefault("rate_limit.max_per_second", 5)

	v.SetDefault("stability.threshold", 0.7)
	v.SetDefault("stability.blind_timeout_sec", 3)

	v.SetDefault("buffer.max_seconds", 10)
	v.SetDefault("buffer.forward_timeout_sec", 5)
	v.SetDefault("buffer.pause_threshold_sec", 2)
	v.SetDefault("buffer.orphan_timeout_sec", 15)
	v.SetDefault("buffer.words_per_second", 30)

	v.SetDefault("dedup.ttl_sec", 10)
	v.SetDefault("dedup.max_entries", 10000)

	v.SetDefault("cache.ttl_sec", 3600)
	v.SetDefault("cache.max_entries", 10000)

	v.SetDefault("audio_buffer.max_seconds", 10)

	v.SetDefault("session.max_concurrent_broadcasts", 100)
	v.SetDefault("session.ttl_sec", 3600)

	v.SetDefault("translate.deadline_ms", 2000)
	v.SetDefault("translate.url", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("translate.model", "gpt-4o-mini")

	v.SetDefault("synthesize.deadline_ms", 5000)
	v.SetDefault("synthesize.host", "api.lokutor.com")

	v.BindEnv("server.listen_addr", "RELAY_LISTEN_ADDR")
	v.BindEnv("server.metrics_addr", "RELAY_METRICS_ADDR")
	v.BindEnv("server.log_level", "RELAY_LOG_LEVEL")

	v.BindEnv("rate_limit.window_ms", "RELAY_RATE_LIMIT_WINDOW_MS")
	v.BindEnv("rate_limit.max_per_second", "RELAY_RATE_LIMIT_MAX_PER_SECOND")

	v.BindEnv("stability.threshold", "RELAY_STABILITY_THRESHOLD")
	v.BindEnv("stability.blind_timeout_sec", "RELAY_STABILITY_BLIND_TIMEOUT_SEC")

	v.BindEnv("buffer.max_seconds", "RELAY_BUFFER_MAX_SECONDS")
	v.BindEnv("buffer.forward_timeout_sec", "RELAY_BUFFER_FORWARD_TIMEOUT_SEC")
	v.BindEnv("buffer.pause_threshold_sec", "RELAY_BUFFER_PAUSE_THRESHOLD_SEC")
	v.BindEnv("buffer.orphan_timeout_sec", "RELAY_BUFFER_ORPHAN_TIMEOUT_SEC")
	v.BindEnv("buffer.words_per_second", "RELAY_BUFFER_WORDS_PER_SECOND")

	v.BindEnv("dedup.ttl_sec", "RELAY_DEDUP_TTL_SEC")
	v.BindEnv("dedup.max_entries", "RELAY_DEDUP_MAX_ENTRIES")

	v.BindEnv("cache.ttl_sec", "RELAY_CACHE_TTL_SEC")
	v.BindEnv("cache.max_entries", "RELAY_CACHE_MAX_ENTRIES")

	v.BindEnv("audio_buffer.max_seconds", "RELAY_AUDIO_BUFFER_MAX_SECONDS")

	v.BindEnv("session.max_concurrent_broadcasts", "RELAY_SESSION_MAX_CONCURRENT_BROADCASTS")
	v.BindEnv("session.ttl_sec", "RELAY_SESSION_TTL_SEC")

	v.BindEnv("translate.deadline_ms", "RELAY_TRANSLATE_DEADLINE_MS")
	v.BindEnv("translate.api_key", "TRANSLATE_API_KEY")
	v.BindEnv("translate.url", "RELAY_TRANSLATE_URL")
	v.BindEnv("translate.model", "RELAY_TRANSLATE_MODEL")

	v.BindEnv("synthesize.deadline_ms", "RELAY_SYNTHESIZE_DEADLINE_MS")
	v.BindEnv("synthesize.api_key", "LOKUTOR_API_KEY")
	v.BindEnv("synthesize.host", "RELAY_SYNTHESIZE_HOST")

	var c Config
	c.Server.ListenAddr = v.GetString("server.listen_addr")
	c.Server.MetricsAddr = v.GetString("server.metrics_addr")
	c.Server.LogLevel = v.GetString("server.log_level")

	c.RateLimit.WindowMs = v.GetInt("rate_limit.window_ms")
	c.RateLimit.MaxPerSecond = v.GetInt("rate_limit.max_per_second")

	c.Stability.Threshold = v.GetFloat64("stability.threshold")
	c.Stability.BlindTimeoutSec = v.GetInt("stability.blind_timeout_sec")

	c.Buffer.MaxSeconds = v.GetInt("buffer.max_seconds")
	c.Buffer.ForwardTimeoutSec = v.GetInt("buffer.forward_timeout_sec")
	c.Buffer.PauseThresholdSec = v.GetInt("buffer.pause_threshold_sec")
	c.Buffer.OrphanTimeoutSec = v.GetInt("buffer.orphan_timeout_sec")
	c.Buffer.WordsPerSecond = v.GetInt("buffer.words_per_second")

	c.Dedup.TTLSec = v.GetInt("dedup.ttl_sec")
	c.Dedup.MaxEntries = v.GetInt("dedup.max_entries")

	c.Cache.TTLSec = v.GetInt("cache.ttl_sec")
	c.Cache.MaxEntries = v.GetInt("cache.max_entries")

	c.AudioBuffer.MaxSeconds = v.GetInt("audio_buffer.max_seconds")

	c.Session.MaxConcurrentBroadcasts = v.GetInt("session.max_concurrent_broadcasts")
	c.Session.TTLSec = v.GetInt("session.ttl_sec")

	c.Translate.DeadlineMs = v.GetInt("translate.deadline_ms")
	c.Translate.APIKey = v.GetString("translate.api_key")
	c.Translate.URL = v.GetString("translate.url")
	c.Translate.Model = v.GetString("translate.model")

	c.Synthesize.DeadlineMs = v.GetInt("synthesize.deadline_ms")
	c.Synthesize.APIKey = v.GetString("synthesize.api_key")
	c.Synthesize.Host = v.GetString("synthesize.host")

	return c
}

// RateLimitWindow returns RateLimit.WindowMs as a time.Duration, for
// wiring directly into gate.Config.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMs) * time.Millisecond
}

// StabilityBlindTimeout returns Stability.BlindTimeoutSec as a
// time.Duration.
func (c Config) StabilityBlindTimeout() time.Duration {
	return time.Duration(c.Stability.BlindTimeoutSec) * time.Second
}

// ForwardTimeout returns Buffer.ForwardTimeoutSec as a time.Duration.
func (c Config) ForwardTimeout() time.Duration {
	return time.Duration(c.Buffer.ForwardTimeoutSec) * time.Second
}

// PauseThreshold returns Buffer.PauseThresholdSec as a time.Duration.
func (c Config) PauseThreshold() time.Duration {
	return time.Duration(c.Buffer.PauseThresholdSec) * time.Second
}

// OrphanTimeout returns Buffer.OrphanTimeoutSec as a time.Duration.
func (c Config) OrphanTimeout() time.Duration {
	return time.Duration(c.Buffer.OrphanTimeoutSec) * time.Second
}

// DedupTTL returns Dedup.TTLSec as a time.Duration.
func (c Config) DedupTTL() time.Duration {
	return time.Duration(c.Dedup.TTLSec) * time.Second
}

// CacheTTL returns Cache.TTLSec as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSec) * time.Second
}

// SessionTTL returns Session.TTLSec as a time.Duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSec) * time.Second
}

// TranslateDeadline returns Translate.DeadlineMs as a time.Duration.
func (c Config) TranslateDeadline() time.Duration {
	return time.Duration(c.Translate.DeadlineMs) * time.Millisecond
}

// SynthesizeDeadline returns Synthesize.DeadlineMs as a time.Duration.
func (c Config) SynthesizeDeadline() time.Duration {
	return time.Duration(c.Synthesize.DeadlineMs) * time.Millisecond
}
