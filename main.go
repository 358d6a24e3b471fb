package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convochat/internal/api"
	"convochat/internal/config"
	"convochat/internal/logging"
	"convochat/internal/service/ai"
	"convochat/internal/service/conversation"
	"convochat/internal/storage"
	"convochat/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONVOCHAT_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logging.Init(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat)
	log.Info().
		Str("store", cfg.BasicConfig.Store).
		Str("provider", cfg.BasicConfig.Provider).
		Str("id_strategy", cfg.BasicConfig.IDStrategy).
		Msg("starting convochat")

	store, err := storage.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer store.Close()

	providerCfg := cfg.ActiveProvider()
	if providerCfg.APIKey == "" {
		log.Warn().Str("env", providerCfg.APIKeyEnv).Msg("provider api key not set; messages will fail until it is")
	}
	provider, err := ai.NewChatProvider(cfg.BasicConfig.Provider, providerCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init provider")
	}

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		Workers:   cfg.BasicConfig.MaxWorkers,
		QueueSize: cfg.BasicConfig.QueueSize,
	})
	defer dispatcher.Close()

	ctx := context.Background()
	svc, err := conversation.NewService(ctx, store, provider, conversation.Options{
		Model:      provider.DefaultModel(),
		IDStrategy: cfg.BasicConfig.IDStrategy,
		Runner:     dispatcher,
		Timeout:    time.Duration(cfg.BasicConfig.ProviderTimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("init conversation service")
	}

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.NewHandler(svc), api.CORS(cfg.CORS))
	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
	}
}
