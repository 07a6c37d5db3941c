package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaun/inkwell/internal/api"
	"github.com/shaun/inkwell/internal/auth"
	"github.com/shaun/inkwell/internal/config"
	"github.com/shaun/inkwell/internal/github"
	"github.com/shaun/inkwell/internal/logging"
	"github.com/shaun/inkwell/internal/session"
	"github.com/shaun/inkwell/internal/store"
	"github.com/shaun/inkwell/internal/sync"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{Backend: cfg.StoreBackend, Path: cfg.DBPath})
	if err != nil {
		return err
	}
	defer st.Close()

	gh, err := github.NewClient(github.Config{
		BaseURL: cfg.GitHubBaseURL,
		Timeout: cfg.RequestTimeout,
		Logger:  logger.Named("github"),
	})
	if err != nil {
		return err
	}

	engine := sync.NewEngine(gh, st, sync.Options{
		Branch:         cfg.Branch,
		FallbackBranch: cfg.FallbackBranch,
		Concurrency:    cfg.PullConcurrency,
		Logger:         logger,
	})
	sessions := session.NewController(engine, session.Options{Logger: logger})
	// tasks run detached from requests; let them finish before the store closes
	defer sessions.Wait()

	handler := api.NewHandler(gh, st, engine, sessions, logger)
	router := api.NewRouter(handler, logging.Middleware(logger.Named("http")), auth.Bearer(cfg.GitHubToken))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// event streams end when ctx does
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Inkwell server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("store", cfg.StoreBackend),
			zap.Bool("default_token", cfg.GitHubToken != ""))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing close", zap.Error(err))
		httpServer.Close()
	}
	return nil
}
