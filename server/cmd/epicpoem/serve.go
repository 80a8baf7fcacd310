package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"epic-poem/server/internal/api"
	"epic-poem/server/internal/clock"
	"epic-poem/server/internal/config"
	"epic-poem/server/internal/engine"
	"epic-poem/server/internal/llm"
	"epic-poem/server/internal/logging"
	"epic-poem/server/internal/metrics"
	"epic-poem/server/internal/prompts"
	"epic-poem/server/internal/speech"
	"epic-poem/server/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP + websocket server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.StdoutTrace {
		shutdown, err := metrics.InitTracer()
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
	}
	m := metrics.MustPoemMetrics()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	lib, err := prompts.Load(cfg.Paths.Prompts)
	if err != nil {
		return err
	}

	registry, err := llm.NewRegistryFromConfig(ctx, cfg.LLM, m, logger)
	if err != nil {
		return err
	}
	logger.Info("🤖 text generators ready", zap.Any("providers", registry.Providers()))

	sched := clock.Real{}
	eng, err := engine.New(ctx, engine.Options{
		Library:    lib,
		Generators: registry,
		Store:      st,
		Scheduler:  sched,
		Metrics:    m,
		Logger:     logger,
		Timing: engine.Timing{
			StanzaDwell:     cfg.Engine.StanzaDwell,
			RegenerateDelay: cfg.Engine.RegenerateDelay,
			NewPoemDelay:    cfg.Engine.NewPoemDelay,
		},
		Defaults: cfg.Defaults,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	synth, transcriber := speech.NewRemote(cfg.Speech)
	if synth == nil {
		logger.Warn("🔇 no speech key configured, narration falls back to local synthesis",
			zap.String("provider", cfg.Speech.Provider))
	}
	deps := api.Deps{
		Config:      cfg,
		Engine:      eng,
		Library:     lib,
		Synthesizer: synth,
		Transcriber: transcriber,
		Scheduler:   sched,
		Metrics:     m,
		Logger:      logger,
	}
	if cfg.Speech.LocalCommand != "" {
		local := speech.NewCommandSynthesizer(cfg.Speech.LocalCommand, cfg.Speech.LocalVoices)
		if local.Available() {
			deps.LocalSpeech = local
		} else {
			logger.Warn("⚠️  local speech command not found, using browser speech",
				zap.String("command", cfg.Speech.LocalCommand))
		}
	}
	srv := api.NewServer(deps)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("🚀 epicpoem server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("🛑 shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		srv.CloseSessions()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
