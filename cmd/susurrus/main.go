// Command susurrus is the streaming speech-to-text server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/susurrus/internal/archive"
	"github.com/MrWong99/susurrus/internal/archive/postgres"
	"github.com/MrWong99/susurrus/internal/config"
	"github.com/MrWong99/susurrus/internal/observe"
	"github.com/MrWong99/susurrus/internal/server"
	"github.com/MrWong99/susurrus/internal/transcript"
	"github.com/MrWong99/susurrus/internal/transcript/phonetic"
	"github.com/MrWong99/susurrus/internal/transcript/polish"
	"github.com/MrWong99/susurrus/pkg/engine/whispercpp"
	"github.com/MrWong99/susurrus/pkg/stream"
)

const defaultListenAddr = ":8080"

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "susurrus: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "susurrus: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger, logLevel := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("susurrus starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "susurrus",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Inference engine ──────────────────────────────────────────────────────
	eng, err := whispercpp.New(cfg.Engine.ModelPath)
	if err != nil {
		slog.Error("failed to load model", "path", cfg.Engine.ModelPath, "err", err)
		return 1
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Warn("engine close error", "err", err)
		}
	}()
	slog.Info("model loaded", "path", cfg.Engine.ModelPath)

	// ── Transcript archive (optional) ─────────────────────────────────────────
	var store archive.Store
	if dsn := cfg.Archive.PostgresDSN; dsn != "" {
		store, err = postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to the archive", "err", err)
			return 1
		}
		defer store.Close()
		slog.Info("transcript archive connected")
	}

	// ── Server ────────────────────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithLanguagePolicy(cfg.Engine.Language),
		server.WithSessionOptions(cfg.SessionOptions()...),
		server.WithVADEnabled(cfg.Stream.VAD.Enabled),
		server.WithPipeline(buildPipeline(cfg)),
	}
	if store != nil {
		srvOpts = append(srvOpts, server.WithArchive(store))
	}
	srv, err := server.New(eng, srvOpts...)
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	// ── Config watcher (hot reload) ───────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(config.Diff(old, new), new, srv, logLevel)
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("server ready, press Ctrl+C to shut down", "addr", addr)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("shutdown signal received, stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Correction pipeline ─────────────────────────────────────────────────────

// buildPipeline assembles the correction pipeline from the correction and
// polish sections. Stages without configuration are left out; an empty
// pipeline passes text through unchanged.
func buildPipeline(cfg *config.Config) *transcript.Pipeline {
	var opts []transcript.PipelineOption

	if kws := cfg.Correction.Keywords; len(kws) > 0 {
		var popts []phonetic.Option
		if cfg.Correction.PhoneticThreshold > 0 {
			popts = append(popts, phonetic.WithPhoneticThreshold(cfg.Correction.PhoneticThreshold))
		}
		if cfg.Correction.FuzzyThreshold > 0 {
			popts = append(popts, phonetic.WithFuzzyThreshold(cfg.Correction.FuzzyThreshold))
		}
		opts = append(opts, transcript.WithKeywords(transcript.NewKeywordCorrector(kws, popts...)))
	}

	if cfg.Polish.Provider != "" {
		polisher, err := buildPolisher(cfg.Polish)
		if err != nil {
			slog.Warn("polish stage disabled", "provider", cfg.Polish.Provider, "err", err)
		} else {
			opts = append(opts, transcript.WithPolisher(polisher))
		}
	}

	return transcript.NewPipeline(opts...)
}

// buildPolisher constructs the LLM finishing stage named in cfg.
func buildPolisher(cfg config.PolishConfig) (transcript.Corrector, error) {
	var bopts []anyllmlib.Option
	if cfg.APIKey != "" {
		bopts = append(bopts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		bopts = append(bopts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}
	backend, err := polish.NewBackend(cfg.Provider, bopts...)
	if err != nil {
		return nil, err
	}

	var aopts []polish.AnyLLMOption
	if cfg.Temperature > 0 {
		aopts = append(aopts, polish.WithTemperature(cfg.Temperature))
	}
	if cfg.MaxTokens > 0 {
		aopts = append(aopts, polish.WithMaxTokens(cfg.MaxTokens))
	}
	llm, err := polish.NewAnyLLM(backend, cfg.Model, aopts...)
	if err != nil {
		return nil, err
	}
	// The breaker keeps a dead LLM endpoint from delaying every flush.
	return polish.New(polish.NewBreaker(llm)), nil
}

// ── Hot reload ──────────────────────────────────────────────────────────────

// applyReload applies the hot-reloadable parts of a config change: the log
// level and the correction pipeline. Everything else requires a restart.
func applyReload(diff config.ConfigDiff, cfg *config.Config, srv *server.Server, level *slog.LevelVar) {
	if !diff.Changed() {
		return
	}
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.CorrectionChanged || diff.PolishChanged {
		srv.SetPipeline(buildPipeline(cfg))
		slog.Info("correction pipeline rebuilt",
			"keywords", len(cfg.Correction.Keywords),
			"polish", cfg.Polish.Provider != "",
		)
	}
}

// ── Startup summary ─────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═════════════════════════════════════╗")
	fmt.Println("║      Susurrus startup summary       ║")
	fmt.Println("╠═════════════════════════════════════╣")
	printRow("Model", filepath.Base(cfg.Engine.ModelPath))
	printRow("Language", languageLabel(cfg.Engine.Language))
	printRow("Segmentation", segmentationLabel(cfg.Stream))
	printRow("Diff", diffLabel(cfg.Stream.Diff))
	printRow("Archive", archiveLabel(cfg.Archive))
	printRow("Keywords", fmt.Sprintf("%d", len(cfg.Correction.Keywords)))
	printRow("Polish", polishLabel(cfg.Polish))
	printRow("Listen addr", listenLabel(cfg.Server.ListenAddr))
	fmt.Println("╚═════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s : %-19s ║\n", label, value)
}

func languageLabel(policy string) string {
	switch policy {
	case "", config.LanguageAuto:
		return "auto-detect"
	case config.LanguageClient:
		return "per client"
	default:
		return policy
	}
}

func segmentationLabel(sc config.StreamConfig) string {
	if sc.VAD.Enabled {
		return "voice activity"
	}
	step := sc.StepMS
	if step == 0 {
		step = int(stream.DefaultStep / time.Millisecond)
	}
	return fmt.Sprintf("every %dms", step)
}

func diffLabel(d config.DiffMode) string {
	if d == "" {
		return string(config.DiffTokens)
	}
	return string(d)
}

func archiveLabel(ac config.ArchiveConfig) string {
	if ac.PostgresDSN == "" {
		return "(disabled)"
	}
	return "postgres"
}

func polishLabel(pc config.PolishConfig) string {
	if pc.Provider == "" {
		return "(disabled)"
	}
	return pc.Provider + " / " + pc.Model
}

func listenLabel(addr string) string {
	if addr == "" {
		return defaultListenAddr
	}
	return addr
}

// ── Logger ──────────────────────────────────────────────────────────────────

// newLogger builds the process logger. The returned LevelVar stays live so a
// config reload can change verbosity without replacing the handler.
func newLogger(level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lvl := new(slog.LevelVar)
	lvl.Set(slogLevel(level))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), lvl
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
