package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shellboard/termsvc/api/handlers"
	"github.com/shellboard/termsvc/internal/config"
	"github.com/shellboard/termsvc/internal/db"
	"github.com/shellboard/termsvc/internal/logging"
	"github.com/shellboard/termsvc/internal/registry"
	"github.com/shellboard/termsvc/internal/repository"
	"github.com/shellboard/termsvc/internal/stream"
	"github.com/shellboard/termsvc/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.DB.Path), 0755); err != nil {
		return err
	}
	database, err := db.Open(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	sup := supervisor.New(log)
	reg := registry.New(log, sup, repository.NewSessionRepository(database), registry.Config{
		DefaultShell:    cfg.Session.DefaultShell,
		MaxPerOwner:     cfg.Session.MaxPerOwner,
		RetentionWindow: cfg.Session.RetentionWindow,
		SpawnTimeout:    cfg.Session.SpawnTimeout,
		BufferSize:      cfg.Session.BufferSize,
	})

	streamHandler := stream.NewHandler(log, reg, cfg.Stream.HeartbeatInterval)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		handlers.NewSessionHandler(log, reg).RegisterRoutes(api)
		handlers.NewStreamHandler(streamHandler).RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", srv.Addr),
			zap.String("default_shell", cfg.Session.DefaultShell),
			zap.Duration("retention_window", cfg.Session.RetentionWindow))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown failed", zap.Error(err))
	}

	// Terminate every live session so no shell process outlives us.
	reg.Close()
	sup.Close()
	return nil
}

// corsMiddleware allows the dashboard to call the API cross-origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
