package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"vibe_prompt_server/api"
	"vibe_prompt_server/config"
	"vibe_prompt_server/internal/ai"
	handlers "vibe_prompt_server/internal/api"
	"vibe_prompt_server/internal/auth"
	"vibe_prompt_server/internal/device"
	"vibe_prompt_server/internal/logging"
	"vibe_prompt_server/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Close()
	config.Watch(func(next config.Config) {
		logging.SetLevel(next.LogLevel)
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// --- Dependency Initialization ---
	st, err := store.Open(ctx, store.Options{Driver: cfg.DatabaseDriver, URL: cfg.DatabaseURL, SQLitePath: cfg.SQLitePath})
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	log.Infof("Datastore ready (driver=%s).", cfg.DatabaseDriver)

	generator, err := ai.NewGeneratorFromConfig(ctx, ai.Config{
		GeminiAPIKey:      cfg.GeminiAPIKey,
		GeminiModel:       cfg.GeminiModel,
		OpenRouterAPIKey:  cfg.OpenRouterAPIKey,
		OpenRouterModel:   cfg.OpenRouterModel,
		OpenRouterBaseURL: cfg.OpenRouterBaseURL,
		AnthropicAPIKey:   cfg.AnthropicAPIKey,
		AnthropicModel:    cfg.AnthropicModel,
		Referer:           cfg.OAuthRedirectBase,
		Title:             "Vibe Prompting",
		Timeout:           cfg.GenerationTimeout,
	})
	if err != nil {
		return err
	}

	oauth := map[string]*auth.OAuthProvider{}
	if cfg.GoogleClientID != "" {
		p := auth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.OAuthRedirectBase)
		oauth[p.Name] = p
	}
	if cfg.GitHubClientID != "" {
		p := auth.NewGitHubProvider(cfg.GitHubClientID, cfg.GitHubClientSecret, cfg.OAuthRedirectBase)
		oauth[p.Name] = p
	}
	accounts, err := auth.NewAccounts(st, auth.AccountsConfig{
		Secret:        cfg.SessionSecret,
		SignupCredits: cfg.SignupCredits,
		OAuth:         oauth,
	})
	if err != nil {
		return err
	}

	devices, err := device.NewRegistry(device.Config{
		DataDir:        cfg.DeviceDataDir,
		CacheSize:      cfg.DeviceCacheSize,
		StrictIdentity: !cfg.Production(),
	}, accounts, st, generator)
	if err != nil {
		return err
	}
	defer devices.Close()

	apiHandler := handlers.NewAPIHandler(devices, accounts, st, generator, cfg.Production())

	// --- Start API Server ---
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
		log.Info("Running in Gin Debug Mode")
	}

	router := gin.New()
	router.Use(gin.LoggerWithWriter(gin.DefaultWriter)) // routed through logrus by logging.Setup
	router.Use(gin.Recovery())
	api.RegisterRoutes(router, apiHandler)

	server := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.GenerationTimeout + 30*time.Second, // streams last up to the generation timeout
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting API server on %s", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Infof("Received signal: %s. Shutting down server...", sig)
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, serverCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer serverCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("API server forced shutdown")
	} else {
		log.Info("API server gracefully stopped.")
	}
	cancel()

	log.Info("Application exiting.")
	return nil
}
