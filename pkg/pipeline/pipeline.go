// Package pipeline implements the session pipeline: the fan-out orchestrator
// that turns one gated Utterance into synthesized audio delivered to every
// listener of the session, one branch per target language. Grounded on the
// teacher's Orchestrator/ManagedStream (pkg/orchestrator/orchestrator.go,
// managed_stream.go): per-turn correlation IDs, cancellation scoped to one
// unit of work, and - generalized from their single-destination STT->LLM->TTS
// chain into a structured-concurrency fan-out - golang.org/x/sync/errgroup
// drives the parallel per-language branches with a single cancellation
// boundary instead of the teacher's sequential single-listener pipeline.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/babel-relay/pkg/cache"
	"github.com/lokutor-ai/babel-relay/pkg/dynamics"
	"github.com/lokutor-ai/babel-relay/pkg/providers/synth"
	"github.com/lokutor-ai/babel-relay/pkg/providers/translate"
	"github.com/lokutor-ai/babel-relay/pkg/registry"
	"github.com/lokutor-ai/babel-relay/pkg/relay"
	"github.com/lokutor-ai/babel-relay/pkg/ssml"
)

// Sender delivers one finished audio payload to a single listener
// connection. pkg/providers/transport.Transport satisfies this.
type Sender interface {
	Send(ctx context.Context, connectionID string, audio []byte) error
}

// Config holds the pipeline's own tunables from spec.md §6.
type Config struct {
	TranslateDeadline       time.Duration
	SynthesizeDeadline      time.Duration
	MaxConcurrentBroadcasts int
}

// DefaultConfig matches spec.md §6's defaults.
func DefaultConfig() Config {
	return Config{
		TranslateDeadline:       2 * time.Second,
		SynthesizeDeadline:      5 * time.Second,
		MaxConcurrentBroadcasts: 100,
	}
}

var (
	utterancesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pipeline_utterances_processed_total",
		Help: "Utterances that entered the session pipeline.",
	})
	translateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pipeline_translate_failures_total",
		Help: "Per-language translate branches that failed.",
	})
	synthesizeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pipeline_synthesize_failures_total",
		Help: "Per-language synthesize branches that failed, after the plain-text retry.",
	})
	synthesizeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pipeline_synthesize_retries_total",
		Help: "Synthesize branches that retried with plain text after an invalid-SSML error.",
	})
	deliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pipeline_delivery_failures_total",
		Help: "Per-listener delivery attempts that failed because the listener was gone.",
	})
)

// Pipeline is the per-process fan-out orchestrator, constructed once via
// New with its provider dependencies injected (never a package-level
// singleton), matching the teacher's NewOrchestrator constructor pattern.
type Pipeline struct {
	cache      *cache.TranslationCache
	translator translate.Translator
	synth      synth.Synthesizer
	registry   *registry.Registry
	sender     Sender
	cfg        Config
	logger     relay.Logger
}

// New constructs a Pipeline.
func New(c *cache.TranslationCache, translator translate.Translator, synthesizer synth.Synthesizer, reg *registry.Registry, sender Sender, cfg Config, logger relay.Logger) *Pipeline {
	if logger == nil {
		logger = relay.NoOpLogger{}
	}
	return &Pipeline{
		cache:      c,
		translator: translator,
		synth:      synthesizer,
		registry:   reg,
		sender:     sender,
		cfg:        cfg,
		logger:     logger,
	}
}

// languageResult is one target language's finished audio, or the error that
// stopped its branch.
type languageResult struct {
	language string
	audio    []byte
	err      error
}

// Process runs one utterance through the full fan-out: determine target
// languages from the session's live listeners, translate (with cache and
// same-language passthrough), build SSML, synthesize, and deliver - one
// independent branch per target language, each working on the same
// utterance and so the same correlation ID (no per-branch ID is derived).
// An utterance that arrives without dynamics gets the fallback profile
// attached before SSML is built. A per-language branch
// failing does not cancel its siblings; only ctx cancellation (session
// teardown) does.
func (p *Pipeline) Process(ctx context.Context, u relay.Utterance) error {
	utterancesProcessed.Inc()

	if u.CorrelationID == "" {
		u.CorrelationID = newCorrelationID()
	}
	if u.Dynamics == nil {
		fallback := dynamics.Fallback(time.Now())
		u.Dynamics = &fallback
	}

	session, ok := p.registry.Get(u.SessionID, time.Now())
	if !ok {
		return relay.ErrSessionNotFound
	}

	targets := session.TargetLanguages()
	if len(targets) == 0 {
		return relay.ErrNoListeners
	}

	g, gctx := errgroup.WithContext(ctx)
	results := make([]languageResult, len(targets))

	for i, lang := range targets {
		i, lang := i, lang
		g.Go(func() error {
			results[i] = p.processLanguage(gctx, u, lang)
			return nil
		})
	}

	// Branch failures are recorded per-language, not escalated: one
	// listener's bad translation must not cancel delivery to everyone
	// else. Only g.Wait()'s own error (ctx cancellation) propagates.
	if err := g.Wait(); err != nil {
		return err
	}

	var deliverGroup errgroup.Group
	sem := make(chan struct{}, p.cfg.MaxConcurrentBroadcasts)

	for _, res := range results {
		res := res
		if res.err != nil {
			continue
		}
		for _, listener := range session.ListenersForLanguage(res.language) {
			listener := listener
			deliverGroup.Go(func() error {
				sem <- struct{}{}
				defer func() { <-sem }()

				if err := p.sender.Send(ctx, listener.ConnectionID, res.audio); err != nil {
					deliveryFailures.Inc()
					p.registry.RemoveListener(u.SessionID, listener.ConnectionID)
					p.logger.Warn("listener gone during delivery", "sessionId", u.SessionID, "connectionId", listener.ConnectionID)
				}
				return nil
			})
		}
	}
	deliverGroup.Wait()

	return nil
}

// processLanguage runs the translate -> build SSML -> synthesize chain for
// one target language.
func (p *Pipeline) processLanguage(ctx context.Context, u relay.Utterance, targetLanguage string) languageResult {
	text, err := p.translateFor(ctx, u, targetLanguage)
	if err != nil {
		translateFailures.Inc()
		return languageResult{language: targetLanguage, err: err}
	}

	doc := ssml.Build(text, u.Dynamics)

	audio, err := p.synthesizeFor(ctx, doc, targetLanguage)
	if err != nil {
		synthesizeFailures.Inc()
		return languageResult{language: targetLanguage, err: err}
	}

	return languageResult{language: targetLanguage, audio: audio}
}

// translateFor applies the 2s-deadline translate budget, with a
// same-language passthrough that skips the translator entirely and a cache
// lookup/store around any real translation.
func (p *Pipeline) translateFor(ctx context.Context, u relay.Utterance, targetLanguage string) (string, error) {
	if targetLanguage == u.SourceLanguage {
		return u.Text, nil
	}

	if cached, ok := p.cache.Lookup(u.SourceLanguage, targetLanguage, u.Text); ok {
		return cached, nil
	}

	tctx, cancel := context.WithTimeout(ctx, p.cfg.TranslateDeadline)
	defer cancel()

	translated, err := p.translator.Translate(tctx, u.Text, u.SourceLanguage, targetLanguage)
	if err != nil {
		return "", err
	}

	p.cache.Store(u.SourceLanguage, targetLanguage, u.Text, translated)
	return translated, nil
}

// synthesizeFor applies the 5s-deadline synthesize budget. An
// invalid-SSML error is retried exactly once with the plain-text fallback
// (doc with its tags stripped and entities decoded) per spec.md §6.III,
// within the same deadline; the voice is selected per target language.
func (p *Pipeline) synthesizeFor(ctx context.Context, doc, targetLanguage string) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SynthesizeDeadline)
	defer cancel()

	audio, err := p.synth.Synthesize(sctx, doc, voiceForLanguage(targetLanguage))
	if err == nil {
		return audio, nil
	}
	if _, invalid := err.(*synth.InvalidSSMLError); !invalid {
		return nil, err
	}

	synthesizeRetries.Inc()
	return p.synth.Synthesize(sctx, ssml.StripToPlainText(doc), voiceForLanguage(targetLanguage))
}

// voiceForLanguage picks a synthesis voice for a target language. A
// placeholder one-voice-per-language map; the upstream TTS backend is
// responsible for the actual catalog.
func voiceForLanguage(language string) string {
	return "default-" + language
}

// newCorrelationID derives a correlation ID scoped to one utterance,
// grounded in the teacher's per-turn instrumentation IDs in
// managed_stream.go.
func newCorrelationID() string {
	return uuid.NewString()
}
