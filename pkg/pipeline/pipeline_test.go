package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/babel-relay/pkg/cache"
	"github.com/lokutor-ai/babel-relay/pkg/clock"
	"github.com/lokutor-ai/babel-relay/pkg/providers/synth"
	"github.com/lokutor-ai/babel-relay/pkg/registry"
	"github.com/lokutor-ai/babel-relay/pkg/relay"
)

type fakeTranslator struct {
	mu    sync.Mutex
	calls int
	fn    func(text, src, tgt string) (string, error)
}

func (f *fakeTranslator) Translate(ctx context.Context, text, src, tgt string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(text, src, tgt)
	}
	return text + "-" + tgt, nil
}
func (f *fakeTranslator) Name() string { return "fake-translator" }

type fakeSynth struct {
	mu          sync.Mutex
	calls       int
	failFirstN  int
	invalidSSML bool
}

func (f *fakeSynth) Synthesize(ctx context.Context, ssmlDoc, voice string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()

	if f.invalidSSML && n == 1 {
		return nil, &synth.InvalidSSMLError{Message: "bad ssml"}
	}
	if n <= f.failFirstN {
		return nil, errors.New("synth unavailable")
	}
	return []byte(ssmlDoc), nil
}
func (f *fakeSynth) Name() string { return "fake-synth" }

type fakeSender struct {
	mu  sync.Mutex
	got map[string][]byte
	err map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{got: make(map[string][]byte), err: make(map[string]error)}
}

func (f *fakeSender) Send(ctx context.Context, connectionID string, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.err[connectionID]; ok {
		return err
	}
	f.got[connectionID] = audio
	return nil
}

func setup(t *testing.T, translator *fakeTranslator, synthesizer *fakeSynth, sender *fakeSender) (*Pipeline, *registry.Registry) {
	t.Helper()
	vc := clock.NewVirtualClock(time.Now())
	reg := registry.New(vc, nil)
	c := cache.New(cache.DefaultConfig(), vc, nil)
	p := New(c, translator, synthesizer, reg, sender, DefaultConfig(), nil)
	return p, reg
}

func TestProcessDeliversToAllListenersAcrossLanguages(t *testing.T) {
	translator := &fakeTranslator{}
	synthesizer := &fakeSynth{}
	sender := newFakeSender()
	p, reg := setup(t, translator, synthesizer, sender)

	reg.Create("sess-1", "en", "speaker-conn", time.Hour)
	reg.AddListener("sess-1", &relay.Listener{ConnectionID: "c-es", TargetLanguage: "es"})
	reg.AddListener("sess-1", &relay.Listener{ConnectionID: "c-fr", TargetLanguage: "fr"})

	err := p.Process(context.Background(), relay.Utterance{
		SessionID:      "sess-1",
		SourceLanguage: "en",
		Text:           "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if _, ok := sender.got["c-es"]; !ok {
		t.Errorf("expected delivery to es listener")
	}
	if _, ok := sender.got["c-fr"]; !ok {
		t.Errorf("expected delivery to fr listener")
	}
}

func TestProcessSameLanguagePassesThroughWithoutTranslating(t *testing.T) {
	translator := &fakeTranslator{}
	synthesizer := &fakeSynth{}
	sender := newFakeSender()
	p, reg := setup(t, translator, synthesizer, sender)

	reg.Create("sess-1", "en", "speaker-conn", time.Hour)
	reg.AddListener("sess-1", &relay.Listener{ConnectionID: "c-en", TargetLanguage: "en"})

	err := p.Process(context.Background(), relay.Utterance{
		SessionID:      "sess-1",
		SourceLanguage: "en",
		Text:           "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	translator.mu.Lock()
	defer translator.mu.Unlock()
	if translator.calls != 0 {
		t.Errorf("expected no translator calls for same-language listener, got %d", translator.calls)
	}
}

func TestProcessCachesTranslationAcrossUtterances(t *testing.T) {
	translator := &fakeTranslator{}
	synthesizer := &fakeSynth{}
	sender := newFakeSender()
	p, reg := setup(t, translator, synthesizer, sender)

	reg.Create("sess-1", "en", "speaker-conn", time.Hour)
	reg.AddListener("sess-1", &relay.Listener{ConnectionID: "c-es", TargetLanguage: "es"})

	u := relay.Utterance{SessionID: "sess-1", SourceLanguage: "en", Text: "hello there"}
	p.Process(context.Background(), u)
	p.Process(context.Background(), u)

	translator.mu.Lock()
	defer translator.mu.Unlock()
	if translator.calls != 1 {
		t.Errorf("expected translation to be cached on the second call, got %d calls", translator.calls)
	}
}

func TestProcessRetriesOnceWithPlainTextOnInvalidSSML(t *testing.T) {
	translator := &fakeTranslator{}
	synthesizer := &fakeSynth{invalidSSML: true}
	sender := newFakeSender()
	p, reg := setup(t, translator, synthesizer, sender)

	reg.Create("sess-1", "en", "speaker-conn", time.Hour)
	reg.AddListener("sess-1", &relay.Listener{ConnectionID: "c-es", TargetLanguage: "es"})

	err := p.Process(context.Background(), relay.Utterance{
		SessionID:      "sess-1",
		SourceLanguage: "en",
		Text:           "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	synthesizer.mu.Lock()
	defer synthesizer.mu.Unlock()
	if synthesizer.calls != 2 {
		t.Errorf("expected exactly one retry (2 calls total), got %d", synthesizer.calls)
	}
}

func TestProcessRemovesListenerThatIsGone(t *testing.T) {
	translator := &fakeTranslator{}
	synthesizer := &fakeSynth{}
	sender := newFakeSender()
	sender.err["c-es"] = relay.ErrListenerGone
	p, reg := setup(t, translator, synthesizer, sender)

	reg.Create("sess-1", "en", "speaker-conn", time.Hour)
	reg.AddListener("sess-1", &relay.Listener{ConnectionID: "c-es", TargetLanguage: "es"})

	err := p.Process(context.Background(), relay.Utterance{
		SessionID:      "sess-1",
		SourceLanguage: "en",
		Text:           "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s, _ := reg.Get("sess-1", time.Now())
	if s.ListenerCount() != 0 {
		t.Errorf("expected gone listener to be removed, count = %d", s.ListenerCount())
	}
}

func TestProcessUnknownSessionReturnsError(t *testing.T) {
	p, _ := setup(t, &fakeTranslator{}, &fakeSynth{}, newFakeSender())
	err := p.Process(context.Background(), relay.Utterance{SessionID: "missing", SourceLanguage: "en", Text: "hi"})
	if !errors.Is(err, relay.ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestProcessNoListenersReturnsError(t *testing.T) {
	p, reg := setup(t, &fakeTranslator{}, &fakeSynth{}, newFakeSender())
	reg.Create("sess-1", "en", "speaker-conn", time.Hour)

	err := p.Process(context.Background(), relay.Utterance{SessionID: "sess-1", SourceLanguage: "en", Text: "hi"})
	if !errors.Is(err, relay.ErrNoListeners) {
		t.Errorf("expected ErrNoListeners, got %v", err)
	}
}
