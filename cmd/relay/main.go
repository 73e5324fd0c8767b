// Command relay runs the speech-translation fan-out relay: it accepts one
// speaker's upstream transcript stream per session and broadcasts
// translated, synthesized audio to every listener of that session.
//
// Wiring style grounded directly on the teacher's cmd/agent/main.go: load
// .env, read provider credentials/selection from the environment, fail
// fast on a missing required key, construct every dependency explicitly
// (never a package-level singleton), and run until SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lokutor-ai/babel-relay/internal/server"
	"github.com/lokutor-ai/babel-relay/pkg/cache"
	"github.com/lokutor-ai/babel-relay/pkg/clock"
	"github.com/lokutor-ai/babel-relay/pkg/config"
	"github.com/lokutor-ai/babel-relay/pkg/pipeline"
	"github.com/lokutor-ai/babel-relay/pkg/providers/synth"
	"github.com/lokutor-ai/babel-relay/pkg/providers/translate"
	"github.com/lokutor-ai/babel-relay/pkg/providers/transport"
	"github.com/lokutor-ai/babel-relay/pkg/registry"
)

type stdLogger struct{}

func (stdLogger) Debug(msg string, args ...interface{}) {
	log.Println(append([]interface{}{"DEBUG", msg}, args...)...)
}

func (stdLogger) Info(msg string, args ...interface{}) {
	log.Println(append([]interface{}{"INFO", msg}, args...)...)
}

func (stdLogger) Warn(msg string, args ...interface{}) {
	log.Println(append([]interface{}{"WARN", msg}, args...)...)
}

func (stdLogger) Error(msg string, args ...interface{}) {
	log.Println(append([]interface{}{"ERROR", msg}, args...)...)
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	cfg := config.Load()

	if cfg.Translate.APIKey == "" {
		log.Fatal("Error: TRANSLATE_API_KEY must be set")
	}
	if cfg.Synthesize.APIKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set")
	}

	logger := stdLogger{}
	clk := clock.NewSystemClock()

	reg := registry.New(clk, logger)
	translationCache := cache.New(cache.Config{MaxEntries: cfg.Cache.MaxEntries, TTL: cfg.CacheTTL()}, clk, logger)
	translator := translate.NewHTTPTranslator(cfg.Translate.APIKey, cfg.Translate.URL, cfg.Translate.Model, nil)
	synthesizer := synth.NewWebsocketSynthesizer(cfg.Synthesize.APIKey, cfg.Synthesize.Host)
	tr := transport.New(func(connectionID string) {
		logger.Warn("listener connection gone", "connectionId", connectionID)
		reg.RemoveListenerByConnection(connectionID)
	}, cfg.AudioBuffer.MaxSeconds)

	pipelineCfg := pipeline.Config{
		TranslateDeadline:       cfg.TranslateDeadline(),
		SynthesizeDeadline:      cfg.SynthesizeDeadline(),
		MaxConcurrentBroadcasts: cfg.Session.MaxConcurrentBroadcasts,
	}
	p := pipeline.New(translationCache, translator, synthesizer, reg, tr, pipelineCfg, logger)

	srv := server.New(cfg, reg, p, tr, logger)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           logMiddleware(srv.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go expireStaleSessionsLoop(reg, clk)
	go connectionRefreshLoop(srv, clk)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}()

	log.Printf("relay listening on %s (metrics at /metrics on the same address)", cfg.Server.ListenAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// expireStaleSessionsLoop sweeps the registry for sessions past their TTL,
// the server-side analogue of the teacher's speaker-silence VAD timeout:
// a periodic background check rather than a per-event one.
func expireStaleSessionsLoop(reg *registry.Registry, clk clock.Clock) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		reg.ExpireStale(clk.Now())
	}
}

// connectionRefreshLoop periodically instructs long-held listener
// connections to reconnect, per spec.md §4.8's heartbeat/refresh policy.
func connectionRefreshLoop(srv *server.Server, clk clock.Clock) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		srv.SweepConnectionRefresh(clk.Now())
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
