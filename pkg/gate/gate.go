package gate

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lokutor-ai/babel-relay/pkg/relay"
	"github.com/lokutor-ai/babel-relay/pkg/textnorm"
)

// Config holds every tunable named in spec.md §6's configuration table for
// the partial-result gate.
type Config struct {
	RateLimitWindow       time.Duration
	RateLimitMaxPerSecond int
	StabilityThreshold    float64
	StabilityBlindTimeout time.Duration
	BufferMaxSeconds      int
	WordsPerSecond        float64
	ForwardTimeout        time.Duration
	PauseThreshold        time.Duration
	OrphanTimeout         time.Duration
	DedupTTL              time.Duration
	DedupMaxEntries       int
	FlushBatchSize        int
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		RateLimitWindow:       200 * time.Millisecond,
		RateLimitMaxPerSecond: 5,
		StabilityThreshold:    0.7,
		StabilityBlindTimeout: 3 * time.Second,
		BufferMaxSeconds:      10,
		WordsPerSecond:        30,
		ForwardTimeout:        5 * time.Second,
		PauseThreshold:        2 * time.Second,
		OrphanTimeout:         15 * time.Second,
		DedupTTL:              10 * time.Second,
		DedupMaxEntries:       10000,
		FlushBatchSize:        5,
	}
}

func (c Config) maxBufferWords() float64 {
	return c.WordsPerSecond * float64(c.BufferMaxSeconds)
}

var (
	resultsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_gate_results_dropped_total",
		Help: "Results dropped by the gate, by reason.",
	}, []string{"reason"})
	utterancesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_gate_utterances_forwarded_total",
		Help: "Utterances forwarded out of the gate.",
	})
	dedupSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_gate_dedup_suppressed_total",
		Help: "Utterances suppressed as duplicates before forwarding.",
	})
	dedupCapCleared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_gate_dedup_cache_cleared_total",
		Help: "Times the dedup cache hit its cap and was cleared in full.",
	})
	orphansForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_gate_orphans_forwarded_total",
		Help: "Buffered results forwarded via orphan timeout rather than a normal boundary.",
	})
	bufferCapacityFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_gate_capacity_flushes_total",
		Help: "Times the buffer hit its word-count capacity and flushed oldest-stable entries.",
	})
)

// bufferedResult is one in-flight (not yet forwarded) transcript result,
// keyed by resultId; a later partial for the same resultId replaces its
// text and score in place rather than creating a second entry, grounded in
// result_buffer.py's replace-by-result-id semantics.
type bufferedResult struct {
	resultID       string
	text           string
	stabilityScore *float64
	sessionID      string
	sourceLanguage string
	startTime      time.Time
	endTime        time.Time
	addedAt        time.Time
	sawFinal       bool
}

func (b *bufferedResult) wordCount() int {
	return len(strings.Fields(b.text))
}

// Gate is a single-goroutine state machine: owned entirely by whatever
// goroutine calls Feed/Tick, with no internal locking. A production driver
// multiplexes incoming events and a window timer in one select loop and
// calls Feed or Tick accordingly (spec.md §5); tests drive it directly by
// passing explicit timestamps as now.
type Gate struct {
	cfg Config
	rl  *rateLimiter

	buffer           map[string]*bufferedResult
	dedup            map[string]time.Time // fingerprint -> expiry
	lastForwardedAt  time.Time
	haveForwardedYet bool

	logger relay.Logger
}

// New constructs a Gate ready to process one session's transcript stream.
func New(cfg Config, logger relay.Logger) *Gate {
	if logger == nil {
		logger = relay.NoOpLogger{}
	}
	return &Gate{
		cfg:    cfg,
		rl:     newRateLimiter(cfg.RateLimitWindow),
		buffer: make(map[string]*bufferedResult),
		dedup:  make(map[string]time.Time),
		logger: logger,
	}
}

// Feed admits one upstream event into the gate and returns zero or more
// Utterances ready for translation, in ascending order of their
// originating result's startTime.
func (g *Gate) Feed(e Event, now time.Time) []relay.Utterance {
	if strings.TrimSpace(e.ResultID) == "" || strings.TrimSpace(e.SessionID) == "" {
		resultsDropped.WithLabelValues("malformed").Inc()
		return nil
	}

	var out []relay.Utterance

	admitted, dropped := g.rl.Feed(e, now)
	if dropped > 0 {
		resultsDropped.WithLabelValues("rate_limited").Add(float64(dropped))
	}
	if admitted != nil {
		out = append(out, g.ingest(*admitted, now)...)
	}

	out = append(out, g.sweep(now)...)
	return sortByStartTime(out)
}

// Tick advances purely on the passage of time: it closes an elapsed rate
// limiter window even with no new event, and re-checks buffered results
// against the pause/timeout/orphan boundary conditions.
func (g *Gate) Tick(now time.Time) []relay.Utterance {
	var out []relay.Utterance

	if admitted, dropped, ok := g.rl.CheckTimeout(now); ok {
		if dropped > 0 {
			resultsDropped.WithLabelValues("rate_limited").Add(float64(dropped))
		}
		if admitted != nil {
			out = append(out, g.ingest(*admitted, now)...)
		}
	}

	out = append(out, g.sweep(now)...)
	return sortByStartTime(out)
}

// Flush forces out anything still buffered or sitting in the rate
// limiter's window, for session teardown.
func (g *Gate) Flush(now time.Time) []relay.Utterance {
	var out []relay.Utterance
	if admitted, _ := g.rl.Flush(); admitted != nil {
		out = append(out, g.ingest(*admitted, now)...)
	}
	for _, b := range g.orderedBuffer() {
		if u, ok := g.tryEmit(b, now); ok {
			out = append(out, u)
		}
	}
	return sortByStartTime(out)
}

// ingest applies the stability filter and buffer replacement rules to one
// rate-limiter-admitted event, emitting an utterance immediately if it is a
// final result or if it already satisfies a forwarding boundary.
func (g *Gate) ingest(e Event, now time.Time) []relay.Utterance {
	var out []relay.Utterance

	if e.Kind == FinalKind {
		b := g.buffer[e.ResultID]
		if b == nil {
			b = &bufferedResult{resultID: e.ResultID, addedAt: e.ArrivalTimestamp}
		}
		b.text = e.Text
		b.stabilityScore = e.StabilityScore
		b.sessionID = e.SessionID
		b.sourceLanguage = e.SourceLanguage
		b.startTime = e.StartTime
		b.endTime = e.EndTime
		b.sawFinal = true
		delete(g.buffer, e.ResultID)

		if u, ok := g.tryEmit(b, now); ok {
			out = append(out, u)
		}
		out = append(out, g.flushCapacityIfNeeded(now)...)
		return out
	}

	b, exists := g.buffer[e.ResultID]
	if !exists {
		b = &bufferedResult{resultID: e.ResultID, addedAt: e.ArrivalTimestamp}
		g.buffer[e.ResultID] = b
	}
	b.text = e.Text
	b.stabilityScore = e.StabilityScore
	b.sessionID = e.SessionID
	b.sourceLanguage = e.SourceLanguage
	b.startTime = e.StartTime
	b.endTime = e.EndTime

	if g.eligible(b, now) && g.boundaryMet(b, now) {
		delete(g.buffer, b.resultID)
		if u, ok := g.tryEmit(b, now); ok {
			out = append(out, u)
		}
	}

	out = append(out, g.flushCapacityIfNeeded(now)...)
	return out
}

// eligible implements the stability filter: a result is eligible for
// forwarding once its reported stability score clears the threshold, or -
// if the upstream never reports a score at all - once it has sat in the
// buffer past the blind timeout.
func (g *Gate) eligible(b *bufferedResult, now time.Time) bool {
	if b.stabilityScore != nil {
		return *b.stabilityScore >= g.cfg.StabilityThreshold
	}
	return now.Sub(b.addedAt) >= g.cfg.StabilityBlindTimeout
}

// boundaryMet implements the sentence-boundary detector's opportunistic
// conditions 2-4 (condition 1, final, is handled directly in ingest). A
// result that never receives a stability score at all has no other signal
// to wait for, so its own blind timeout doubles as its boundary.
func (g *Gate) boundaryMet(b *bufferedResult, now time.Time) bool {
	if endsWithSentencePunctuation(b.text) {
		return true
	}
	if g.haveForwardedYet && now.Sub(g.lastForwardedAt) >= g.cfg.PauseThreshold {
		return true
	}
	if now.Sub(b.addedAt) >= g.cfg.ForwardTimeout {
		return true
	}
	if b.stabilityScore == nil && now.Sub(b.addedAt) >= g.cfg.StabilityBlindTimeout {
		return true
	}
	return false
}

func endsWithSentencePunctuation(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	last := t[len(t)-1]
	return last == '.' || last == '?' || last == '!'
}

// sweep scans the buffer for entries that have become forwardable purely
// through the passage of time: orphans (age past OrphanTimeout, treated as
// if a final had arrived regardless of stability), and entries that now
// satisfy the pause/timeout boundary though they didn't at ingest time.
func (g *Gate) sweep(now time.Time) []relay.Utterance {
	var out []relay.Utterance

	for _, b := range g.orderedBuffer() {
		if _, still := g.buffer[b.resultID]; !still {
			continue
		}
		if now.Sub(b.addedAt) >= g.cfg.OrphanTimeout {
			delete(g.buffer, b.resultID)
			if u, ok := g.tryEmit(b, now); ok {
				orphansForwarded.Inc()
				out = append(out, u)
			}
			continue
		}
		if g.eligible(b, now) && g.boundaryMet(b, now) {
			delete(g.buffer, b.resultID)
			if u, ok := g.tryEmit(b, now); ok {
				out = append(out, u)
			}
		}
	}

	out = append(out, g.flushCapacityIfNeeded(now)...)
	return out
}

// flushCapacityIfNeeded implements result_buffer.py's _is_at_capacity /
// _flush_oldest_stable: once the buffer's total word count exceeds its
// budget, the oldest stable (score >= 0.85, or no score at all) entries are
// forwarded in batches, oldest startTime first, regardless of whether they
// would otherwise have met a boundary condition yet.
func (g *Gate) flushCapacityIfNeeded(now time.Time) []relay.Utterance {
	if g.totalWords() <= int(g.cfg.maxBufferWords()) {
		return nil
	}

	var stable []*bufferedResult
	for _, b := range g.orderedBuffer() {
		if b.stabilityScore == nil || *b.stabilityScore >= 0.85 {
			stable = append(stable, b)
		}
	}

	var out []relay.Utterance
	for i, b := range stable {
		if i >= g.cfg.FlushBatchSize {
			break
		}
		delete(g.buffer, b.resultID)
		if u, ok := g.tryEmit(b, now); ok {
			out = append(out, u)
		}
	}
	if len(out) > 0 {
		bufferCapacityFlushes.Inc()
	}
	return out
}

func (g *Gate) totalWords() int {
	total := 0
	for _, b := range g.buffer {
		total += b.wordCount()
	}
	return total
}

// tryEmit applies deduplication and, if the text is not a duplicate within
// the TTL window, produces an Utterance and records the forward.
func (g *Gate) tryEmit(b *bufferedResult, now time.Time) (relay.Utterance, bool) {
	g.evictExpiredDedup(now)

	fp := textnorm.Fingerprint(b.text)
	if expiry, dup := g.dedup[fp]; dup && now.Before(expiry) {
		dedupSuppressed.Inc()
		g.lastForwardedAt = now
		g.haveForwardedYet = true
		return relay.Utterance{}, false
	}

	if len(g.dedup) >= g.cfg.DedupMaxEntries {
		g.dedup = make(map[string]time.Time)
		dedupCapCleared.Inc()
	}
	g.dedup[fp] = now.Add(g.cfg.DedupTTL)

	g.lastForwardedAt = now
	g.haveForwardedYet = true
	utterancesForwarded.Inc()

	return relay.Utterance{
		UtteranceID:    uuid.NewString(),
		SessionID:      b.sessionID,
		SourceLanguage: b.sourceLanguage,
		Text:           b.text,
		ProducedAt:     now,
		CorrelationID:  uuid.NewString(),
		StartTime:      b.startTime,
		EndTime:        b.endTime,
	}, true
}

func (g *Gate) evictExpiredDedup(now time.Time) {
	for fp, expiry := range g.dedup {
		if !now.Before(expiry) {
			delete(g.dedup, fp)
		}
	}
}

func (g *Gate) orderedBuffer() []*bufferedResult {
	out := make([]*bufferedResult, 0, len(g.buffer))
	for _, b := range g.buffer {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].startTime.Before(out[j].startTime)
	})
	return out
}

func sortByStartTime(utterances []relay.Utterance) []relay.Utterance {
	sort.SliceStable(utterances, func(i, j int) bool {
		return utterances[i].StartTime.Before(utterances[j].StartTime)
	})
	return utterances
}
