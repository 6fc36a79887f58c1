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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/echoscribe/echoscribe/internal/auth"
	"github.com/echoscribe/echoscribe/internal/config"
	"github.com/echoscribe/echoscribe/internal/controller"
	"github.com/echoscribe/echoscribe/internal/kv"
	"github.com/echoscribe/echoscribe/internal/logger"
	"github.com/echoscribe/echoscribe/internal/storage/pg"
	"github.com/echoscribe/echoscribe/internal/token"
	"github.com/echoscribe/echoscribe/internal/webhook"
)

func main() {
	config.LoadConfig()

	log := logger.New(logger.FromConfig(config.AppConfig.LogLevel, config.AppConfig.LogFormat))

	gin.SetMode(config.AppConfig.GinMode)

	db, err := pg.InitDatabase(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	kvc, err := kv.New(ctx, config.AppConfig.RedisURL)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	minter := token.NewMinter(config.AppConfig.MeetingTokenSecret, config.AppConfig.MeetingTokenTTL)
	notifier := webhook.NewService(log)
	scheduler := controller.NewHTTPScheduler()
	service := controller.NewService(db.Store, scheduler, kvc, notifier, minter, log)

	reconciler := controller.NewReconciler(service, log)
	if err := reconciler.Start(); err != nil {
		log.Error("failed to start reconciler", "error", err)
		os.Exit(1)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	controller.RegisterRoutes(router, service, minter, auth.NewAPIKeyMiddleware(db.Store), log)

	srv := &http.Server{
		Addr:    ":" + config.AppConfig.Port,
		Handler: router,
	}

	go func() {
		log.Info("controller listening", "port", config.AppConfig.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	reconciler.Stop()
	notifier.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(config.AppConfig.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("server exited")
}
