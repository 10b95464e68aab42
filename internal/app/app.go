// Package app wires configuration, persistence, and the HTTP surface
// into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cardvault/cardvault/internal/access"
	"github.com/cardvault/cardvault/internal/blob"
	"github.com/cardvault/cardvault/internal/config"
	"github.com/cardvault/cardvault/internal/engine"
	adminapi "github.com/cardvault/cardvault/internal/http/api/admin"
	"github.com/cardvault/cardvault/internal/http/api/front"
	"github.com/cardvault/cardvault/internal/ratelimit"
	"github.com/cardvault/cardvault/internal/store"
)

// shutdownGrace bounds how long in-flight requests may run after the
// context is cancelled.
const shutdownGrace = 10 * time.Second

// RunServer loads the config, restores state from the configured
// backend, and serves the API until ctx is cancelled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, err := config.Load(config.ResolveConfigPath(configPath))
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	blobStore, err := blob.Open(cfg.Data.DSN)
	if err != nil {
		return fmt.Errorf("open state backend: %w", err)
	}
	cards := store.New(blobStore)
	if errReload := cards.Reload(ctx); errReload != nil {
		return fmt.Errorf("restore state: %w", errReload)
	}

	ctrl := access.NewController(cfg.Escalation.Threshold)
	ctrl.SeedEscalation(cards.EscalationCounter())

	eng := engine.New(engine.Config{
		AmountMin:               cfg.Cards.AmountMin,
		AmountMax:               cfg.Cards.AmountMax,
		ExpiryMaxDays:           cfg.Cards.ExpiryMaxDays,
		RateWindow:              cfg.RateWindow(),
		MaxGenerate:             cfg.Limits.MaxGenerate,
		MaxRedeem:               cfg.Limits.MaxRedeem,
		SentinelCode:            cfg.Escalation.Code,
		ResetEscalationOnRedeem: cfg.Escalation.ResetOnRedeem,
		AdminPasswordHash:       cfg.Auth.AdminPasswordHash,
		GenerateAuthKey:         cfg.Auth.GenerateAuthKey,
	}, cards, ratelimit.New(), ctrl)

	router := buildRouter(eng, cfg.Auth)
	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s (state backend: %s)", cfg.Server.Addr, cfg.Data.DSN)
		errCh <- server.ListenAndServe()
	}()

	select {
	case errServe := <-errCh:
		if errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return errShutdown
	}
	log.Info("server stopped")
	return nil
}

// buildRouter assembles the gin engine with the public and admin route
// groups plus the health probe.
func buildRouter(eng *engine.Engine, authCfg config.AuthConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	front.RegisterFrontRoutes(router, eng, authCfg)
	adminapi.RegisterAdminRoutes(router, eng, authCfg)
	return router
}

// setupLogging configures logrus level and, when a file is configured,
// size-based rotation alongside stderr.
func setupLogging(cfg config.LogConfig) {
	level, errParse := log.ParseLevel(cfg.Level)
	if errParse != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if cfg.File == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
}
